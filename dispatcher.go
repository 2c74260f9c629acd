package acp

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// dispatch.go's old Codex-specific per-method switch (approvalHandlers,
// ServiceAccessors) is replaced here by a symmetric, method-keyed registry:
// ACP peers exchange requests and notifications in both directions, so the
// Dispatcher makes no distinction between "client" and "agent" roles — the
// role-specific façades in agent.go and clientpeer.go are thin method-name
// wrappers over one Dispatcher per connection (spec §4.1).

// HandlerFunc processes one inbound request's already-decoded params and
// returns a result to be marshaled into the response, or an error (ideally
// a *ProtocolError, see errors.go) to control the wire error code.
type HandlerFunc func(ctx context.Context, params json.RawMessage) (interface{}, error)

// NotifyFunc processes one inbound notification's already-decoded params.
type NotifyFunc func(ctx context.Context, params json.RawMessage)

// DispatcherOption configures a Dispatcher at construction time.
type DispatcherOption func(*Dispatcher)

// WithRequestTimeout sets the default timeout applied to outbound requests
// whose context carries no deadline.
func WithRequestTimeout(timeout time.Duration) DispatcherOption {
	return func(d *Dispatcher) { d.requestTimeout = timeout }
}

// WithRateLimit bounds the rate of outbound requests a Dispatcher will
// issue, rejecting the rest with a RateLimited protocol error once the
// limiter's burst is exhausted (spec §9: "a configurable cap on pending
// requests, rejecting further sends with RateLimited"). The zero value
// disables rate limiting.
func WithRateLimit(requestsPerSecond rate.Limit, burst int) DispatcherOption {
	return func(d *Dispatcher) {
		if requestsPerSecond > 0 {
			d.limiter = rate.NewLimiter(requestsPerSecond, burst)
		}
	}
}

// WithMaxPendingRequests caps how many outbound requests may be awaiting a
// response at once. A Send past the cap fails fast with RateLimited rather
// than queuing indefinitely (spec §9).
func WithMaxPendingRequests(max int) DispatcherOption {
	return func(d *Dispatcher) { d.maxPending = max }
}

// Dispatcher owns one peer connection's method-keyed handler registries and
// assigns outbound request ids (spec §4.1). Request/response correlation
// itself is owned by the Transport implementation, not the Dispatcher: each
// Transport's Request call is synchronous and already returns the matching
// Response (StdioTransport resolves it via its own id-keyed pendingReqs map,
// HTTPClientTransport via a direct POST/response round-trip), so a second,
// Dispatcher-level correlation table would only duplicate that bookkeeping
// without anything ever reading it. Dispatcher tracks numPend purely as a
// counter for WithMaxPendingRequests; it holds no per-request state. The
// Dispatcher is otherwise transport-agnostic: construct one per Transport and
// it drives that transport's OnRequest/OnNotify callbacks.
type Dispatcher struct {
	transport Transport

	requestTimeout time.Duration
	limiter        *rate.Limiter
	maxPending     int

	idCounter uint64

	mu      sync.Mutex
	numPend int

	handlersMu sync.RWMutex
	requests   map[string]HandlerFunc
	notifies   map[string]NotifyFunc

	closeOnce    sync.Once
	closeHandler CloseHandler
}

// NewDispatcher wires a Dispatcher to transport, registering itself as the
// transport's request/notification/close handler. Call Start on transport
// separately once all method handlers are registered.
func NewDispatcher(transport Transport, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		transport: transport,
		requests:  make(map[string]HandlerFunc),
		notifies:  make(map[string]NotifyFunc),
	}
	for _, opt := range opts {
		opt(d)
	}
	transport.OnRequest(d.handleInboundRequest)
	transport.OnNotify(d.handleInboundNotification)
	transport.OnClose(func(err error) {
		// Outstanding SendRequest calls are already unblocked by the
		// Transport itself (each Request call is blocked inside the
		// transport, not waiting on anything Dispatcher-owned), so there is
		// nothing left for Dispatcher to fail here.
		d.closeOnce.Do(func() {
			if d.closeHandler != nil {
				d.closeHandler(err)
			}
		})
	})
	return d
}

// OnClose registers a handler invoked once when the underlying transport
// closes. Any requests still in flight at that point are unblocked by the
// Transport itself, not by this hook.
func (d *Dispatcher) OnClose(handler CloseHandler) {
	d.handlersMu.Lock()
	d.closeHandler = handler
	d.handlersMu.Unlock()
}

// RegisterRequest installs the handler for an inbound method name. Only one
// handler may be registered per method; later registrations replace earlier
// ones.
func (d *Dispatcher) RegisterRequest(method string, handler HandlerFunc) {
	d.handlersMu.Lock()
	defer d.handlersMu.Unlock()
	d.requests[method] = handler
}

// RegisterNotification installs the handler for an inbound notification
// method.
func (d *Dispatcher) RegisterNotification(method string, handler NotifyFunc) {
	d.handlersMu.Lock()
	defer d.handlersMu.Unlock()
	d.notifies[method] = handler
}

// SendRequest marshals params, issues a request with a fresh monotonic id
// (spec §5: "IDs are monotonic non-negative integers assigned per peer"),
// and unmarshals the result into out (if non-nil).
func (d *Dispatcher) SendRequest(ctx context.Context, method string, params interface{}, out interface{}) error {
	raw, err := d.sendRequestRaw(ctx, method, params)
	if err != nil {
		return err
	}
	if out != nil {
		if len(raw) == 0 {
			return fmt.Errorf("%s: server returned empty result", method)
		}
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("unmarshal response result for %s: %w", method, err)
		}
	}
	return nil
}

// sendRequestRaw performs id assignment, rate/pending limiting, transport
// send, and error classification, returning the raw result payload.
func (d *Dispatcher) sendRequestRaw(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	if d.limiter != nil && !d.limiter.Allow() {
		return nil, NewProtocolError(KindRateLimited, "outbound request rate exceeded")
	}

	d.mu.Lock()
	if d.maxPending > 0 && d.numPend >= d.maxPending {
		d.mu.Unlock()
		return nil, NewProtocolError(KindRateLimited, "too many pending requests")
	}
	id := atomic.AddUint64(&d.idCounter, 1) - 1
	d.numPend++
	d.mu.Unlock()

	defer func() {
		d.mu.Lock()
		d.numPend--
		d.mu.Unlock()
	}()

	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("marshal request params for %s: %w", method, err)
	}

	start := time.Now()
	defer func() { recordRequestDuration(method, time.Since(start).Seconds()) }()

	if d.requestTimeout > 0 {
		if _, hasDeadline := ctx.Deadline(); !hasDeadline {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, d.requestTimeout)
			defer cancel()
		}
	}

	req := Request{
		JSONRPC: jsonrpcVersion,
		ID:      RequestID{Value: id},
		Method:  method,
		Params:  paramsJSON,
	}

	resp, err := d.transport.Request(ctx, req)
	if err != nil {
		recordRequest(method, "outbound", "error")
		if ctx.Err() == context.DeadlineExceeded {
			return nil, NewTimeoutError(method, err)
		}
		if ctx.Err() == context.Canceled {
			return nil, NewCanceledError(method, err)
		}
		return nil, NewTransportError("send request "+method, err)
	}

	if resp.Error != nil {
		recordRequest(method, "outbound", "error")
		return nil, NewRPCError(resp.Error)
	}
	recordRequest(method, "outbound", "ok")
	return resp.Result, nil
}

// SendNotification marshals params and fires a fire-and-forget notification.
func (d *Dispatcher) SendNotification(ctx context.Context, method string, params interface{}) error {
	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("marshal notification params for %s: %w", method, err)
	}
	notif := Notification{JSONRPC: jsonrpcVersion, Method: method, Params: paramsJSON}
	if err := d.transport.Notify(ctx, notif); err != nil {
		return NewTransportError("send notification "+method, err)
	}
	return nil
}

// handleInboundRequest is registered with the transport as its RequestHandler.
func (d *Dispatcher) handleInboundRequest(ctx context.Context, req Request) (Response, error) {
	d.handlersMu.RLock()
	handler, ok := d.requests[req.Method]
	d.handlersMu.RUnlock()

	if !ok {
		return Response{
			JSONRPC: jsonrpcVersion,
			ID:      req.ID,
			Error:   &Error{Code: ErrCodeMethodNotFound, Message: fmt.Sprintf("method not found: %s", req.Method)},
		}, nil
	}

	result, err := handler(ctx, req.Params)
	if err != nil {
		recordRequest(req.Method, "inbound", "error")
		return Response{JSONRPC: jsonrpcVersion, ID: req.ID, Error: toJSONRPCError(err)}, nil
	}

	resultJSON, err := json.Marshal(result)
	if err != nil {
		return Response{}, fmt.Errorf("marshal result for %s: %w", req.Method, err)
	}
	recordRequest(req.Method, "inbound", "ok")
	return Response{JSONRPC: jsonrpcVersion, ID: req.ID, Result: resultJSON}, nil
}

// handleInboundNotification is registered with the transport as its
// NotificationHandler.
func (d *Dispatcher) handleInboundNotification(ctx context.Context, notif Notification) {
	d.handlersMu.RLock()
	handler, ok := d.notifies[notif.Method]
	d.handlersMu.RUnlock()
	if !ok {
		return
	}
	handler(ctx, notif.Params)
}

// Close closes the underlying transport.
func (d *Dispatcher) Close() error {
	return d.transport.Close()
}

// unmarshalParams is a small helper shared by handlers that decode a
// request/notification's raw params into a typed struct.
func unmarshalParams(raw json.RawMessage, out interface{}) error {
	if len(raw) == 0 {
		return fmt.Errorf("missing params")
	}
	return json.Unmarshal(raw, out)
}
