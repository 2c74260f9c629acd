package acp_test

import (
	"encoding/json"
	"testing"

	"github.com/acp-runtime/acp"
)

func TestDecodeEnvelopeRequest(t *testing.T) {
	data := []byte(`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{}}`)

	kind, msg, err := acp.DecodeEnvelope(data)
	if err != nil {
		t.Fatalf("DecodeEnvelope failed: %v", err)
	}
	if kind != acp.KindRequest {
		t.Errorf("kind = %v, want KindRequest", kind)
	}
	req, ok := msg.(*acp.Request)
	if !ok {
		t.Fatalf("msg type = %T, want *acp.Request", msg)
	}
	if req.Method != "initialize" {
		t.Errorf("Method = %q, want %q", req.Method, "initialize")
	}
}

func TestDecodeEnvelopeResponse(t *testing.T) {
	data := []byte(`{"jsonrpc":"2.0","id":1,"result":{"ok":true}}`)

	kind, msg, err := acp.DecodeEnvelope(data)
	if err != nil {
		t.Fatalf("DecodeEnvelope failed: %v", err)
	}
	if kind != acp.KindResponse {
		t.Errorf("kind = %v, want KindResponse", kind)
	}
	if _, ok := msg.(*acp.Response); !ok {
		t.Fatalf("msg type = %T, want *acp.Response", msg)
	}
}

func TestDecodeEnvelopeResponseWithNullResult(t *testing.T) {
	data := []byte(`{"jsonrpc":"2.0","id":1,"result":null}`)

	kind, msg, err := acp.DecodeEnvelope(data)
	if err != nil {
		t.Fatalf("DecodeEnvelope failed: %v", err)
	}
	if kind != acp.KindResponse {
		t.Errorf("kind = %v, want KindResponse", kind)
	}
	resp, ok := msg.(*acp.Response)
	if !ok {
		t.Fatalf("msg type = %T, want *acp.Response", msg)
	}
	if resp.Error != nil {
		t.Errorf("Error = %+v, want nil", resp.Error)
	}
}

func TestDecodeEnvelopeErrorResponse(t *testing.T) {
	data := []byte(`{"jsonrpc":"2.0","id":1,"error":{"code":-32601,"message":"not found"}}`)

	kind, msg, err := acp.DecodeEnvelope(data)
	if err != nil {
		t.Fatalf("DecodeEnvelope failed: %v", err)
	}
	if kind != acp.KindResponse {
		t.Errorf("kind = %v, want KindResponse", kind)
	}
	resp := msg.(*acp.Response)
	if resp.Error == nil || resp.Error.Code != acp.ErrCodeMethodNotFound {
		t.Errorf("Error = %+v, want code %d", resp.Error, acp.ErrCodeMethodNotFound)
	}
}

func TestDecodeEnvelopeNullIDResponse(t *testing.T) {
	data := []byte(`{"jsonrpc":"2.0","id":null,"error":{"code":-32700,"message":"parse error"}}`)

	kind, msg, err := acp.DecodeEnvelope(data)
	if err != nil {
		t.Fatalf("DecodeEnvelope failed: %v", err)
	}
	if kind != acp.KindResponse {
		t.Errorf("kind = %v, want KindResponse", kind)
	}
	if msg.(*acp.Response).ID.Value != nil {
		t.Errorf("ID = %v, want nil", msg.(*acp.Response).ID.Value)
	}
}

func TestDecodeEnvelopeNotification(t *testing.T) {
	data := []byte(`{"jsonrpc":"2.0","method":"session/update","params":{}}`)

	kind, msg, err := acp.DecodeEnvelope(data)
	if err != nil {
		t.Fatalf("DecodeEnvelope failed: %v", err)
	}
	if kind != acp.KindNotification {
		t.Errorf("kind = %v, want KindNotification", kind)
	}
	if _, ok := msg.(*acp.Notification); !ok {
		t.Fatalf("msg type = %T, want *acp.Notification", msg)
	}
}

func TestDecodeEnvelopeMalformedJSON(t *testing.T) {
	_, _, err := acp.DecodeEnvelope([]byte(`{not json`))
	if err == nil {
		t.Fatal("expected an error for malformed JSON")
	}
	var pe *acp.ParseError
	if perr, ok := err.(*acp.ParseError); ok {
		pe = perr
	} else {
		t.Fatalf("err type = %T, want *acp.ParseError", err)
	}
	if pe.ID != nil {
		t.Errorf("ID = %v, want nil (id unrecoverable)", pe.ID)
	}
}

func TestDecodeEnvelopeWrongVersion(t *testing.T) {
	data := []byte(`{"jsonrpc":"1.0","id":1,"method":"initialize"}`)

	_, _, err := acp.DecodeEnvelope(data)
	if err == nil {
		t.Fatal("expected an error for wrong jsonrpc version")
	}
	pe, ok := err.(*acp.ParseError)
	if !ok {
		t.Fatalf("err type = %T, want *acp.ParseError", err)
	}
	if pe.ID == nil {
		t.Error("ID should be recoverable for a request with a bad version but valid id")
	}
}

func TestDecodeEnvelopeMissingMethod(t *testing.T) {
	data := []byte(`{"jsonrpc":"2.0","id":1,"method":""}`)

	_, _, err := acp.DecodeEnvelope(data)
	if err == nil {
		t.Fatal("expected an error for a request with an empty method")
	}
}

func TestDecodeEnvelopeInvalidIDType(t *testing.T) {
	data := []byte(`{"jsonrpc":"2.0","id":true,"method":"initialize"}`)

	_, _, err := acp.DecodeEnvelope(data)
	if err == nil {
		t.Fatal("expected an error for a boolean id")
	}
}

func TestDecodeEnvelopeResponseBothResultAndError(t *testing.T) {
	data := []byte(`{"jsonrpc":"2.0","id":1,"result":{},"error":{"code":-32603,"message":"boom"}}`)

	_, _, err := acp.DecodeEnvelope(data)
	if err == nil {
		t.Fatal("expected an error for a response with both result and error")
	}
}

func TestDecodeEnvelopeNeitherIDNorMethod(t *testing.T) {
	data := []byte(`{"jsonrpc":"2.0"}`)

	_, _, err := acp.DecodeEnvelope(data)
	if err == nil {
		t.Fatal("expected an error for a message with neither id nor method")
	}
}

// TestEnvelopeRoundTrip verifies DecodeEnvelope(EncodeEnvelope(m)) preserves
// the semantic content of each message kind.
func TestEnvelopeRoundTrip(t *testing.T) {
	req := &acp.Request{
		JSONRPC: "2.0",
		ID:      acp.RequestID{Value: "req-1"},
		Method:  "session/prompt",
		Params:  json.RawMessage(`{"sessionId":"sess-1"}`),
	}
	data, err := acp.EncodeEnvelope(req)
	if err != nil {
		t.Fatalf("EncodeEnvelope failed: %v", err)
	}
	kind, msg, err := acp.DecodeEnvelope(data)
	if err != nil {
		t.Fatalf("DecodeEnvelope failed: %v", err)
	}
	if kind != acp.KindRequest {
		t.Fatalf("kind = %v, want KindRequest", kind)
	}
	decoded := msg.(*acp.Request)
	if decoded.Method != req.Method || !decoded.ID.Equal(req.ID) {
		t.Errorf("round trip mismatch: got %+v, want %+v", decoded, req)
	}

	notif := &acp.Notification{
		JSONRPC: "2.0",
		Method:  "session/cancel",
		Params:  json.RawMessage(`{"sessionId":"sess-1"}`),
	}
	data, err = acp.EncodeEnvelope(notif)
	if err != nil {
		t.Fatalf("EncodeEnvelope failed: %v", err)
	}
	kind, msg, err = acp.DecodeEnvelope(data)
	if err != nil {
		t.Fatalf("DecodeEnvelope failed: %v", err)
	}
	if kind != acp.KindNotification {
		t.Fatalf("kind = %v, want KindNotification", kind)
	}
	if msg.(*acp.Notification).Method != notif.Method {
		t.Errorf("round trip mismatch: got %+v, want %+v", msg, notif)
	}
}

func TestParseErrorMessage(t *testing.T) {
	pe := &acp.ParseError{Reason: "missing method"}
	if pe.Error() == "" {
		t.Error("ParseError.Error() should be non-empty")
	}
}
