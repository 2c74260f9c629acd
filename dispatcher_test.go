package acp_test

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/acp-runtime/acp"
	"golang.org/x/time/rate"
)

// fakeTransport is an in-memory Transport pair for exercising the dispatcher
// without a real subprocess or HTTP connection. Request/Notify on one side
// invoke the registered handler on the other side directly.
type fakeTransport struct {
	mu            sync.Mutex
	peer          *fakeTransport
	reqHandler    acp.RequestHandler
	notifyHandler acp.NotificationHandler
	closeHandler  acp.CloseHandler
	closed        bool

	// block, when set, makes Request wait on ctx instead of calling the peer.
	block bool
}

func newFakeTransportPair() (*fakeTransport, *fakeTransport) {
	a := &fakeTransport{}
	b := &fakeTransport{}
	a.peer = b
	b.peer = a
	return a, b
}

func (t *fakeTransport) Start(ctx context.Context) error { return nil }

func (t *fakeTransport) Request(ctx context.Context, req acp.Request) (acp.Response, error) {
	if t.block {
		<-ctx.Done()
		return acp.Response{}, ctx.Err()
	}
	t.mu.Lock()
	closed := t.closed
	peer := t.peer
	t.mu.Unlock()
	if closed {
		return acp.Response{}, acp.NewTransportError("closed", nil)
	}
	peer.mu.Lock()
	handler := peer.reqHandler
	peer.mu.Unlock()
	if handler == nil {
		return acp.Response{}, fmt.Errorf("peer has no request handler")
	}
	return handler(ctx, req)
}

func (t *fakeTransport) Notify(ctx context.Context, notif acp.Notification) error {
	peer := t.peer
	peer.mu.Lock()
	handler := peer.notifyHandler
	peer.mu.Unlock()
	if handler != nil {
		handler(ctx, notif)
	}
	return nil
}

func (t *fakeTransport) OnRequest(h acp.RequestHandler)         { t.mu.Lock(); t.reqHandler = h; t.mu.Unlock() }
func (t *fakeTransport) OnNotify(h acp.NotificationHandler)     { t.mu.Lock(); t.notifyHandler = h; t.mu.Unlock() }
func (t *fakeTransport) OnClose(h acp.CloseHandler)             { t.mu.Lock(); t.closeHandler = h; t.mu.Unlock() }
func (t *fakeTransport) Connected() bool                        { t.mu.Lock(); defer t.mu.Unlock(); return !t.closed }

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	handler := t.closeHandler
	t.mu.Unlock()
	if handler != nil {
		handler(nil)
	}
	return nil
}

func TestDispatcherRequestResponseRoundTrip(t *testing.T) {
	clientTransport, agentTransport := newFakeTransportPair()
	client := acp.NewDispatcher(clientTransport)
	agent := acp.NewDispatcher(agentTransport)
	defer client.Close()
	defer agent.Close()

	agent.RegisterRequest("ping", func(ctx context.Context, params json.RawMessage) (interface{}, error) {
		return map[string]string{"pong": "ok"}, nil
	})

	var out struct {
		Pong string `json:"pong"`
	}
	if err := client.SendRequest(context.Background(), "ping", nil, &out); err != nil {
		t.Fatalf("SendRequest failed: %v", err)
	}
	if out.Pong != "ok" {
		t.Errorf("Pong = %q, want %q", out.Pong, "ok")
	}
}

func TestDispatcherMonotonicRequestIDs(t *testing.T) {
	clientTransport, agentTransport := newFakeTransportPair()
	client := acp.NewDispatcher(clientTransport)
	agent := acp.NewDispatcher(agentTransport)
	defer client.Close()
	defer agent.Close()

	var seen []interface{}
	var mu sync.Mutex
	agent.RegisterRequest("echo", func(ctx context.Context, params json.RawMessage) (interface{}, error) {
		return map[string]bool{"ok": true}, nil
	})
	agentTransport.mu.Lock()
	wrapped := agentTransport.reqHandler
	agentTransport.reqHandler = func(ctx context.Context, req acp.Request) (acp.Response, error) {
		mu.Lock()
		seen = append(seen, req.ID.Value)
		mu.Unlock()
		return wrapped(ctx, req)
	}
	agentTransport.mu.Unlock()

	for i := 0; i < 3; i++ {
		if err := client.SendRequest(context.Background(), "echo", nil, nil); err != nil {
			t.Fatalf("SendRequest %d failed: %v", i, err)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 3 {
		t.Fatalf("got %d ids, want 3", len(seen))
	}
	for i, v := range seen {
		id, ok := v.(uint64)
		if !ok {
			t.Fatalf("id %d has type %T, want uint64", i, v)
		}
		if id != uint64(i) {
			t.Errorf("id[%d] = %d, want %d (monotonic from 0)", i, id, i)
		}
	}
}

func TestDispatcherMethodNotFound(t *testing.T) {
	clientTransport, agentTransport := newFakeTransportPair()
	client := acp.NewDispatcher(clientTransport)
	agent := acp.NewDispatcher(agentTransport)
	defer client.Close()
	defer agent.Close()

	err := client.SendRequest(context.Background(), "unknown/method", nil, nil)
	if err == nil {
		t.Fatal("expected an error for an unregistered method")
	}
	var rpcErr *acp.RPCError
	if !asRPCError(err, &rpcErr) {
		t.Fatalf("err type = %T, want *acp.RPCError", err)
	}
	if rpcErr.Code() != acp.ErrCodeMethodNotFound {
		t.Errorf("Code() = %d, want %d", rpcErr.Code(), acp.ErrCodeMethodNotFound)
	}
}

func TestDispatcherHandlerProtocolErrorPreservesCode(t *testing.T) {
	clientTransport, agentTransport := newFakeTransportPair()
	client := acp.NewDispatcher(clientTransport)
	agent := acp.NewDispatcher(agentTransport)
	defer client.Close()
	defer agent.Close()

	agent.RegisterRequest("session/prompt", func(ctx context.Context, params json.RawMessage) (interface{}, error) {
		return nil, acp.NewProtocolError(acp.KindSessionNotFound, `unknown session "abc"`)
	})

	err := client.SendRequest(context.Background(), "session/prompt", nil, nil)
	var rpcErr *acp.RPCError
	if !asRPCError(err, &rpcErr) {
		t.Fatalf("err type = %T, want *acp.RPCError", err)
	}
	if rpcErr.Code() != acp.ErrCodeSessionNotFound {
		t.Errorf("Code() = %d, want %d", rpcErr.Code(), acp.ErrCodeSessionNotFound)
	}
	if rpcErr.Message() != `unknown session "abc"` {
		t.Errorf("Message() = %q, want the handler's message preserved", rpcErr.Message())
	}
}

// TestDispatcherHandlerUnrecognizedErrorFallsBackToInternal exercises the
// toJSONRPCError fallback path: a handler returning a plain error (not a
// *ProtocolError) must surface as InternalError with its text preserved.
func TestDispatcherHandlerUnrecognizedErrorFallsBackToInternal(t *testing.T) {
	clientTransport, agentTransport := newFakeTransportPair()
	client := acp.NewDispatcher(clientTransport)
	agent := acp.NewDispatcher(agentTransport)
	defer client.Close()
	defer agent.Close()

	agent.RegisterRequest("session/new", func(ctx context.Context, params json.RawMessage) (interface{}, error) {
		return nil, fmt.Errorf("disk full")
	})

	err := client.SendRequest(context.Background(), "session/new", nil, nil)
	var rpcErr *acp.RPCError
	if !asRPCError(err, &rpcErr) {
		t.Fatalf("err type = %T, want *acp.RPCError", err)
	}
	if rpcErr.Code() != acp.ErrCodeInternalError {
		t.Errorf("Code() = %d, want %d (InternalError fallback)", rpcErr.Code(), acp.ErrCodeInternalError)
	}
	if rpcErr.Message() != "disk full" {
		t.Errorf("Message() = %q, want the original error text preserved", rpcErr.Message())
	}
}

func TestDispatcherNotificationDelivery(t *testing.T) {
	clientTransport, agentTransport := newFakeTransportPair()
	client := acp.NewDispatcher(clientTransport)
	agent := acp.NewDispatcher(agentTransport)
	defer client.Close()
	defer agent.Close()

	received := make(chan string, 1)
	agent.RegisterNotification("session/cancel", func(ctx context.Context, params json.RawMessage) {
		received <- string(params)
	})

	if err := client.SendNotification(context.Background(), "session/cancel", map[string]string{"sessionId": "s1"}); err != nil {
		t.Fatalf("SendNotification failed: %v", err)
	}

	select {
	case got := <-received:
		if got == "" {
			t.Error("expected non-empty params")
		}
	case <-time.After(time.Second):
		t.Fatal("notification was not delivered")
	}
}

func TestDispatcherRequestTimeout(t *testing.T) {
	blocking := &fakeTransport{block: true}
	client := acp.NewDispatcher(blocking, acp.WithRequestTimeout(10*time.Millisecond))
	defer client.Close()

	err := client.SendRequest(context.Background(), "session/prompt", nil, nil)
	if err == nil {
		t.Fatal("expected a timeout error")
	}
	var target *acp.TimeoutError
	if !asTimeoutError(err, &target) {
		t.Fatalf("err type = %T, want *acp.TimeoutError", err)
	}
}

func TestDispatcherRequestCancellation(t *testing.T) {
	blocking := &fakeTransport{block: true}
	client := acp.NewDispatcher(blocking)
	defer client.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- client.SendRequest(ctx, "session/prompt", nil, nil)
	}()
	cancel()

	select {
	case err := <-done:
		var target *acp.CanceledError
		if !asCanceledError(err, &target) {
			t.Fatalf("err type = %T, want *acp.CanceledError", err)
		}
	case <-time.After(time.Second):
		t.Fatal("SendRequest did not return after cancellation")
	}
}

func TestDispatcherRateLimit(t *testing.T) {
	clientTransport, agentTransport := newFakeTransportPair()
	agent := acp.NewDispatcher(agentTransport)
	defer agent.Close()
	agent.RegisterRequest("ping", func(ctx context.Context, params json.RawMessage) (interface{}, error) {
		return nil, nil
	})

	client := acp.NewDispatcher(clientTransport, acp.WithRateLimit(rate.Limit(1), 1))
	defer client.Close()

	if err := client.SendRequest(context.Background(), "ping", nil, nil); err != nil {
		t.Fatalf("first request should pass the burst: %v", err)
	}
	err := client.SendRequest(context.Background(), "ping", nil, nil)
	if err == nil {
		t.Fatal("expected the second request to exceed the burst limit")
	}
	var pe *acp.ProtocolError
	if !asProtoErr(err, &pe) {
		t.Fatalf("err type = %T, want *acp.ProtocolError", err)
	}
	if pe.Kind != acp.KindRateLimited {
		t.Errorf("Kind = %v, want KindRateLimited", pe.Kind)
	}
}

func TestDispatcherMaxPendingRequests(t *testing.T) {
	blocking := &fakeTransport{block: true}
	client := acp.NewDispatcher(blocking, acp.WithMaxPendingRequests(1))
	defer client.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	started := make(chan struct{})
	go func() {
		close(started)
		client.SendRequest(ctx, "slow", nil, nil)
	}()
	<-started
	time.Sleep(20 * time.Millisecond)

	err := client.SendRequest(context.Background(), "another", nil, nil)
	if err == nil {
		t.Fatal("expected the second request to be rejected past the pending cap")
	}
	var pe *acp.ProtocolError
	if !asProtoErr(err, &pe) {
		t.Fatalf("err type = %T, want *acp.ProtocolError", err)
	}
	if pe.Kind != acp.KindRateLimited {
		t.Errorf("Kind = %v, want KindRateLimited", pe.Kind)
	}
}

func TestDispatcherOnCloseInvokedOnce(t *testing.T) {
	clientTransport, _ := newFakeTransportPair()
	client := acp.NewDispatcher(clientTransport)

	var calls int
	var mu sync.Mutex
	client.OnClose(func(err error) {
		mu.Lock()
		calls++
		mu.Unlock()
	})

	clientTransport.Close()
	clientTransport.Close()

	mu.Lock()
	defer mu.Unlock()
	if calls != 1 {
		t.Errorf("OnClose invoked %d times, want 1", calls)
	}
}

func asRPCError(err error, target **acp.RPCError) bool {
	if e, ok := err.(*acp.RPCError); ok {
		*target = e
		return true
	}
	return false
}

func asTimeoutError(err error, target **acp.TimeoutError) bool {
	if e, ok := err.(*acp.TimeoutError); ok {
		*target = e
		return true
	}
	return false
}

func asCanceledError(err error, target **acp.CanceledError) bool {
	if e, ok := err.(*acp.CanceledError); ok {
		*target = e
		return true
	}
	return false
}

func asProtoErr(err error, target **acp.ProtocolError) bool {
	if e, ok := err.(*acp.ProtocolError); ok {
		*target = e
		return true
	}
	return false
}
