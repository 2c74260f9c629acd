package acp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
)

// httpRetryBaseDelay and httpRetryCap implement spec §4.2's exponential
// backoff for client-mode HTTP transport errors: 100ms * 2^attempt, capped
// at 5s. Timeouts are never retried.
const (
	httpRetryBaseDelay = 100 * time.Millisecond
	httpRetryCap       = 5 * time.Second
)

// HTTPClientConfig configures client-mode HTTP transport (spec §6).
type HTTPClientConfig struct {
	URL        string // full endpoint, e.g. "https://host:port/jsonrpc"
	Headers    map[string]string
	Timeout    time.Duration
	MaxRetries int
	HTTPClient *http.Client // optional override, mainly for tests
}

// HTTPClientTransport POSTs each JSON-RPC envelope to a configured URL and
// treats the response body as the reply (spec §4.2). It has no server-push
// channel, so notifications/requests from the remote peer never arrive on
// this backing — it is intended for the client role talking to an
// HTTP-hosted agent that replies synchronously within the POST response.
type HTTPClientTransport struct {
	cfg HTTPClientConfig

	mu           sync.Mutex
	closed       bool
	notifHandler NotificationHandler
	reqHandler   RequestHandler
	closeHandler CloseHandler
}

// NewHTTPClientTransport constructs a client-mode HTTP transport.
func NewHTTPClientTransport(cfg HTTPClientConfig) *HTTPClientTransport {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	return &HTTPClientTransport{cfg: cfg}
}

func (t *HTTPClientTransport) Start(ctx context.Context) error { return nil }

// Request POSTs the request body and unmarshals the JSON-RPC response from
// the HTTP response body, retrying transport-level (I/O) failures with
// exponential backoff. A context deadline exceeding ctx is never retried
// (spec §4.2, §7).
func (t *HTTPClientTransport) Request(ctx context.Context, req Request) (Response, error) {
	if !t.Connected() {
		return Response{}, NewTransportError("send request", errors.New("transport closed"))
	}
	body, err := EncodeEnvelope(req)
	if err != nil {
		return Response{}, NewTransportError("marshal request", err)
	}

	var lastErr error
	for attempt := 0; attempt <= t.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := httpRetryBaseDelay * time.Duration(1<<uint(attempt-1))
			if delay > httpRetryCap {
				delay = httpRetryCap
			}
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return Response{}, ctx.Err()
			}
		}

		resp, err := t.post(ctx, body)
		if err == nil {
			return resp, nil
		}
		if ctx.Err() != nil {
			// A context deadline/cancellation is not a transport error; don't retry it.
			return Response{}, ctx.Err()
		}
		lastErr = err
	}
	return Response{}, NewTransportError("request failed after retries", lastErr)
}

func (t *HTTPClientTransport) post(ctx context.Context, body []byte) (Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return Response{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range t.cfg.Headers {
		httpReq.Header.Set(k, v)
	}

	httpResp, err := t.cfg.HTTPClient.Do(httpReq)
	if err != nil {
		return Response{}, err
	}
	defer httpResp.Body.Close()

	data, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return Response{}, err
	}
	if httpResp.StatusCode >= 500 {
		return Response{}, fmt.Errorf("http %d: %s", httpResp.StatusCode, string(data))
	}
	if httpResp.StatusCode == http.StatusNoContent {
		// No body to decode (the server's reply to a notification).
		return Response{}, nil
	}

	var resp Response
	if err := json.Unmarshal(data, &resp); err != nil {
		return Response{}, fmt.Errorf("decode response body: %w", err)
	}
	return resp, nil
}

// Notify POSTs a notification envelope and discards the response body.
func (t *HTTPClientTransport) Notify(ctx context.Context, notif Notification) error {
	if !t.Connected() {
		return NewTransportError("send notification", errors.New("transport closed"))
	}
	body, err := EncodeEnvelope(notif)
	if err != nil {
		return NewTransportError("marshal notification", err)
	}
	_, err = t.post(ctx, body)
	return err
}

func (t *HTTPClientTransport) OnRequest(handler RequestHandler)         { t.mu.Lock(); t.reqHandler = handler; t.mu.Unlock() }
func (t *HTTPClientTransport) OnNotify(handler NotificationHandler)     { t.mu.Lock(); t.notifHandler = handler; t.mu.Unlock() }
func (t *HTTPClientTransport) OnClose(handler CloseHandler)             { t.mu.Lock(); t.closeHandler = handler; t.mu.Unlock() }

func (t *HTTPClientTransport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.closed
}

func (t *HTTPClientTransport) Close() error {
	t.mu.Lock()
	already := t.closed
	t.closed = true
	ch := t.closeHandler
	t.mu.Unlock()
	if !already && ch != nil {
		ch(nil)
	}
	return nil
}

// HTTPServerConfig configures agent-mode HTTP transport (spec §6).
type HTTPServerConfig struct {
	Host string
	Port int
	Path string
}

// inflightReply is a channel-based shape for correlating an inbound
// request's reply back to its HTTP request. The server does not use it:
// handlePost calls the registered handler synchronously and writes the
// handler's returned Response as the HTTP response body (spec §9's open
// question about a placeholder {id:null, result:null} reply).
type inflightReply struct {
	ch chan Response
}

// HTTPServerTransport hosts a JSON-RPC endpoint via an echo server for
// agent-mode HTTP framing (spec §4.2). Each POST body is decoded, routed to
// the registered request/notification handler, and — for requests — the
// HTTP response body is the handler's actual reply, not a placeholder.
type HTTPServerTransport struct {
	cfg    HTTPServerConfig
	echo   *echo.Echo
	server *http.Server

	mu           sync.Mutex
	closed       bool
	reqHandler   RequestHandler
	notifHandler NotificationHandler
	closeHandler CloseHandler
}

// NewHTTPServerTransport constructs an agent-mode HTTP transport. Call Start
// to begin listening.
func NewHTTPServerTransport(cfg HTTPServerConfig) *HTTPServerTransport {
	if cfg.Path == "" {
		cfg.Path = "/jsonrpc"
	}
	if cfg.Port == 0 {
		cfg.Port = 3000
	}
	if cfg.Host == "" {
		cfg.Host = "localhost"
	}
	t := &HTTPServerTransport{cfg: cfg, echo: echo.New()}
	t.echo.HideBanner = true
	t.echo.HidePort = true
	t.echo.POST(cfg.Path, t.handlePost)
	return t
}

func (t *HTTPServerTransport) handlePost(c echo.Context) error {
	data, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return c.JSON(http.StatusBadRequest, &Error{Code: ErrCodeParseError, Message: err.Error()})
	}

	kind, msg, err := DecodeEnvelope(data)
	if err != nil {
		var pe *ParseError
		if errors.As(err, &pe) && pe.ID != nil {
			return c.JSON(http.StatusOK, Response{
				JSONRPC: jsonrpcVersion, ID: *pe.ID,
				Error: &Error{Code: ErrCodeParseError, Message: pe.Reason},
			})
		}
		return c.JSON(http.StatusBadRequest, &Error{Code: ErrCodeParseError, Message: "parse error"})
	}

	ctx := c.Request().Context()

	switch kind {
	case KindNotification:
		t.mu.Lock()
		handler := t.notifHandler
		t.mu.Unlock()
		if handler != nil {
			handler(ctx, *msg.(*Notification))
		}
		return c.NoContent(http.StatusNoContent)

	case KindRequest:
		req := *msg.(*Request)
		t.mu.Lock()
		handler := t.reqHandler
		t.mu.Unlock()
		if handler == nil {
			return c.JSON(http.StatusOK, Response{
				JSONRPC: jsonrpcVersion, ID: req.ID,
				Error: &Error{Code: ErrCodeMethodNotFound, Message: "method not found"},
			})
		}
		resp, err := handler(ctx, req)
		if err != nil {
			return c.JSON(http.StatusOK, Response{JSONRPC: jsonrpcVersion, ID: req.ID, Error: toJSONRPCError(err)})
		}
		resp.JSONRPC = jsonrpcVersion
		resp.ID = req.ID
		return c.JSON(http.StatusOK, resp)

	default:
		return c.JSON(http.StatusBadRequest, &Error{Code: ErrCodeInvalidRequest, Message: "unexpected response on inbound endpoint"})
	}
}

func (t *HTTPServerTransport) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", t.cfg.Host, t.cfg.Port)
	t.server = &http.Server{Addr: addr, Handler: t.echo}
	go func() {
		if err := t.echo.StartServer(t.server); err != nil && !errors.Is(err, http.ErrServerClosed) {
			t.mu.Lock()
			ch := t.closeHandler
			t.mu.Unlock()
			if ch != nil {
				ch(err)
			}
		}
	}()
	return nil
}

// Request is unsupported for the agent-mode server backing: the agent never
// initiates requests to the editor over the inbound listener in this
// framing. Façades needing agent→client requests over HTTP should pair an
// HTTPServerTransport (inbound) with an HTTPClientTransport (outbound) to
// the client's own callback URL; that composition is left to the caller.
func (t *HTTPServerTransport) Request(ctx context.Context, req Request) (Response, error) {
	return Response{}, NewTransportError("unsupported", errors.New("HTTPServerTransport cannot originate requests"))
}

func (t *HTTPServerTransport) Notify(ctx context.Context, notif Notification) error {
	return NewTransportError("unsupported", errors.New("HTTPServerTransport cannot originate notifications"))
}

func (t *HTTPServerTransport) OnRequest(handler RequestHandler)     { t.mu.Lock(); t.reqHandler = handler; t.mu.Unlock() }
func (t *HTTPServerTransport) OnNotify(handler NotificationHandler) { t.mu.Lock(); t.notifHandler = handler; t.mu.Unlock() }
func (t *HTTPServerTransport) OnClose(handler CloseHandler)         { t.mu.Lock(); t.closeHandler = handler; t.mu.Unlock() }

func (t *HTTPServerTransport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.closed
}

func (t *HTTPServerTransport) Close() error {
	t.mu.Lock()
	already := t.closed
	t.closed = true
	srv := t.server
	ch := t.closeHandler
	t.mu.Unlock()

	var err error
	if srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err = srv.Shutdown(ctx)
	}
	if !already && ch != nil {
		ch(nil)
	}
	return err
}

var _ = inflightReply{} // unused by handlePost, which replies synchronously
