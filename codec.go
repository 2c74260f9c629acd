package acp

import (
	"encoding/json"
	"fmt"
)

// ParseError reports a JSON-RPC envelope that failed shape validation
// (spec §4.1). When the offending message's id could be recovered, ID is
// non-nil and the caller can still emit an error Response; otherwise the
// failure must be surfaced as a transport-level error.
type ParseError struct {
	Reason string
	ID     *RequestID
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("jsonrpc parse error: %s", e.Reason)
}

// DecodeEnvelope parses one newline/body-framed JSON-RPC message, classifies
// it, and returns the concrete decoded value: *Request, *Response, or
// *Notification. Decoding failures are reported as *ParseError with
// ErrCodeParseError (spec §4.1's "message failing any check").
func DecodeEnvelope(data []byte) (MessageKind, interface{}, error) {
	var probe envelopeProbe
	if err := json.Unmarshal(data, &probe); err != nil {
		return KindInvalid, nil, &ParseError{Reason: err.Error()}
	}

	hasMethod := probe.Method != nil && *probe.Method != ""
	hasResultOrError := len(probe.Result) > 0 || len(probe.Error) > 0

	switch {
	case probe.hasID() && hasMethod:
		var req Request
		if err := json.Unmarshal(data, &req); err != nil {
			return KindInvalid, nil, &ParseError{Reason: err.Error()}
		}
		if err := validateRequest(&req); err != nil {
			id := req.ID
			return KindInvalid, nil, &ParseError{Reason: err.Error(), ID: &id}
		}
		return KindRequest, &req, nil

	case probe.hasID() && !hasMethod:
		var resp Response
		if err := json.Unmarshal(data, &resp); err != nil {
			return KindInvalid, nil, &ParseError{Reason: err.Error()}
		}
		if err := validateResponse(&resp); err != nil {
			id := resp.ID
			return KindInvalid, nil, &ParseError{Reason: err.Error(), ID: &id}
		}
		return KindResponse, &resp, nil

	case !probe.hasID() && hasMethod:
		var notif Notification
		if err := json.Unmarshal(data, &notif); err != nil {
			return KindInvalid, nil, &ParseError{Reason: err.Error()}
		}
		return KindNotification, &notif, nil

	case !probe.hasID() && hasResultOrError:
		// A Response with a null id (e.g. a reply to an unparseable request)
		// has no method and is still routable by MessageKind, not by our
		// probe's hasID (id is present but literally "null").
		var resp Response
		if err := json.Unmarshal(data, &resp); err != nil {
			return KindInvalid, nil, &ParseError{Reason: err.Error()}
		}
		return KindResponse, &resp, nil

	default:
		return KindInvalid, nil, &ParseError{Reason: "message has neither id nor method nor result/error"}
	}
}

// validateRequest enforces spec §4.1: jsonrpc, id (int|string), method (string).
func validateRequest(r *Request) error {
	if r.JSONRPC != jsonrpcVersion {
		return fmt.Errorf("invalid jsonrpc version %q", r.JSONRPC)
	}
	if r.Method == "" {
		return fmt.Errorf("missing method")
	}
	if !isValidID(r.ID.Value) {
		return fmt.Errorf("invalid id type %T", r.ID.Value)
	}
	return nil
}

// validateResponse enforces spec §4.1: jsonrpc, id (int|string|null), and
// exactly one of result or error.
func validateResponse(r *Response) error {
	if r.JSONRPC != jsonrpcVersion {
		return fmt.Errorf("invalid jsonrpc version %q", r.JSONRPC)
	}
	// A present-but-literal-null result (e.g. `"result":null`) still counts
	// as having a result: JSON-RPC only requires exactly one of result or
	// error, and result may legitimately be null.
	hasResult := len(r.Result) > 0
	hasError := r.Error != nil
	if hasResult == hasError {
		return fmt.Errorf("response must have exactly one of result or error")
	}
	return nil
}

func isValidID(v interface{}) bool {
	switch v.(type) {
	case string, float64, int, int64, uint64:
		return true
	default:
		return false
	}
}

// EncodeEnvelope serializes a Request, Response, or Notification into its
// wire form. Round-tripping DecodeEnvelope(EncodeEnvelope(m)) is semantically
// equal to the original for all valid envelopes (spec §8 law 2).
func EncodeEnvelope(msg interface{}) ([]byte, error) {
	return json.Marshal(msg)
}
