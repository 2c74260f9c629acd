package acp

import "context"

// RequestHandler processes an incoming JSON-RPC request from the remote peer
// and returns a response. Used for every request direction: client→agent
// (session/new, session/prompt, ...) and agent→client (fs/*, terminal/*,
// session/request_permission).
type RequestHandler func(ctx context.Context, req Request) (Response, error)

// NotificationHandler processes an incoming JSON-RPC notification from the
// remote peer. Notifications are fire-and-forget; the handler returns
// nothing because no response is ever sent (spec §4.1).
type NotificationHandler func(ctx context.Context, notif Notification)

// CloseHandler is invoked exactly once when the transport's connection is
// lost, locally closed, or the remote peer disconnects (spec §4.2: "close
// is emitted exactly once").
type CloseHandler func(err error)

// Transport abstracts the underlying communication channel so the
// dispatcher and façades are agnostic to subprocess-stdio vs. HTTP framing
// (spec §4.2). Both backings guarantee messages are delivered whole or
// reported as a parse error — no partial messages escape the codec.
type Transport interface {
	// Start begins reading from the underlying channel. Calling Start more
	// than once is a programmer error for most backings; implementations
	// document their own idempotency.
	Start(ctx context.Context) error

	// Request transmits a JSON-RPC request and waits for the matching
	// response, or for ctx to be done, or for the transport to close.
	Request(ctx context.Context, req Request) (Response, error)

	// Notify transmits a JSON-RPC notification without waiting for a reply.
	Notify(ctx context.Context, notif Notification) error

	// OnRequest registers the handler invoked for inbound requests. Only one
	// handler may be registered; later calls replace the previous handler.
	OnRequest(handler RequestHandler)

	// OnNotify registers the handler invoked for inbound notifications. Only
	// one handler may be registered; later calls replace the previous
	// handler.
	OnNotify(handler NotificationHandler)

	// OnClose registers the handler invoked when the transport's connection
	// is lost. Only one handler may be registered.
	OnClose(handler CloseHandler)

	// Connected reports whether the transport can still send/receive.
	Connected() bool

	// Close shuts down the transport, releasing any resources. Safe to call
	// more than once. After Close, Request and Notify return
	// *TransportError and any pending Request calls unblock with the same.
	Close() error
}
