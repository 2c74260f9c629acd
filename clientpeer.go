package acp

import (
	"context"
	"encoding/json"
	"fmt"
)

// FileReader answers fs/read_text_file on behalf of the editor application.
type FileReader func(ctx context.Context, path string) (string, error)

// FileWriter answers fs/write_text_file on behalf of the editor application.
type FileWriter func(ctx context.Context, path, content string) error

// SessionUpdateHandler is notified of every session/update the agent sends,
// in addition to the per-session Subscribe channel (spec §4.3). Installing
// one is optional; ClientPeer always records updates into the local Session
// regardless.
type SessionUpdateHandler func(update SessionUpdate)

// ClientPeer is the client-side (editor-side) peer façade (spec §4.6, §2's
// "Agent & client façades"). It owns the handler slots an agent calls into —
// fs/read_text_file, fs/write_text_file, terminal/*, session/request_permission
// — and the convenience methods an editor uses to drive the agent:
// initialize, session/new, session/load, session/prompt, session/cancel,
// session/set_mode, session/set_config_option.
type ClientPeer struct {
	dispatcher  *Dispatcher
	registry    *Registry
	terminals   *Manager
	broker      *Broker
	negotiation *Negotiation
	info        ClientInfo

	readFile  FileReader
	writeFile FileWriter
	onUpdate  SessionUpdateHandler
}

// NewClientPeer constructs a ClientPeer bound to transport, announcing info
// and capabilities during the initialize handshake this peer issues.
func NewClientPeer(transport Transport, info ClientInfo, capabilities Capabilities) *ClientPeer {
	d := NewDispatcher(transport)
	c := &ClientPeer{
		dispatcher:  d,
		registry:    NewRegistry(),
		terminals:   NewManager(),
		negotiation: &Negotiation{Local: capabilities},
		info:        info,
	}
	c.broker = NewBroker(d)
	d.RegisterNotification("session/update", c.handleSessionUpdate)
	d.RegisterRequest("fs/read_text_file", c.handleReadTextFile)
	d.RegisterRequest("fs/write_text_file", c.handleWriteTextFile)
	d.RegisterRequest("terminal/create", c.handleTerminalCreate)
	d.RegisterRequest("terminal/output", c.handleTerminalOutput)
	d.RegisterRequest("terminal/wait_for_exit", c.handleTerminalWait)
	d.RegisterRequest("terminal/kill", c.handleTerminalKill)
	d.RegisterRequest("terminal/release", c.handleTerminalRelease)
	d.OnClose(func(error) {
		c.registry.DeactivateAll()
		c.terminals.ReleaseAll()
	})
	return c
}

// SetFileHandlers installs the application's filesystem callbacks. Until
// these are set, fs/read_text_file and fs/write_text_file fail with
// CapabilityNotSupported.
func (c *ClientPeer) SetFileHandlers(read FileReader, write FileWriter) {
	c.readFile = read
	c.writeFile = write
}

// SetPermissionPolicy installs the application's permission decision
// function, consulted for inbound session/request_permission.
func (c *ClientPeer) SetPermissionPolicy(policy PermissionPolicy) {
	c.broker.SetPolicy(policy)
}

// OnSessionUpdate installs a callback invoked for every inbound
// session/update, in delivery order, in addition to per-session
// subscription channels.
func (c *ClientPeer) OnSessionUpdate(handler SessionUpdateHandler) {
	c.onUpdate = handler
}

// Terminals exposes the terminal manager so the application can inspect
// live terminals outside the request/response path (e.g. for a UI panel).
func (c *ClientPeer) Terminals() *Manager { return c.terminals }

// Start begins reading from the underlying transport.
func (c *ClientPeer) Start(ctx context.Context) error { return c.dispatcher.transport.Start(ctx) }

// Close shuts the client peer down.
func (c *ClientPeer) Close() error { return c.dispatcher.Close() }

// Initialize performs the initialize handshake, recording the agent's
// announced capabilities for subsequent gating (spec §4.6, §6).
func (c *ClientPeer) Initialize(ctx context.Context) (AgentInfo, error) {
	var result InitializeResult
	params := InitializeParams{ClientInfo: c.info, Capabilities: &c.negotiation.Local}
	if err := c.dispatcher.SendRequest(ctx, "initialize", params, &result); err != nil {
		return AgentInfo{}, err
	}
	c.negotiation.Complete(result.Capabilities)
	return result.AgentInfo, nil
}

// NewSession requests session/new and records the resulting session locally
// so inbound session/update notifications have somewhere to land.
func (c *ClientPeer) NewSession(ctx context.Context, workingDirectory string, mcpServers []string) (*Session, error) {
	var result sessionIDResult
	params := sessionNewParams{WorkingDirectory: workingDirectory, MCPServers: mcpServers}
	if err := c.dispatcher.SendRequest(ctx, "session/new", params, &result); err != nil {
		return nil, err
	}
	session := NewSession(result.SessionID, workingDirectory)
	c.registry.Add(session)
	return session, nil
}

// LoadSession requests session/load, gated on the agent having announced
// CapLoadSession during initialize (spec §4.6).
func (c *ClientPeer) LoadSession(ctx context.Context, sessionID SessionID, workingDirectory string) (*Session, error) {
	if err := c.negotiation.RequireRemote(CapLoadSession); err != nil {
		return nil, err
	}
	var result sessionIDResult
	params := sessionLoadParams{SessionID: sessionID, WorkingDirectory: workingDirectory}
	if err := c.dispatcher.SendRequest(ctx, "session/load", params, &result); err != nil {
		return nil, err
	}
	session := NewSession(result.SessionID, workingDirectory)
	c.registry.Add(session)
	return session, nil
}

// Prompt sends session/prompt and blocks for the agent's stop reason. Use
// Session.Subscribe beforehand to observe the streamed updates emitted while
// the prompt is in flight.
func (c *ClientPeer) Prompt(ctx context.Context, sessionID SessionID, content []ContentBlockWrapper) (StopReason, error) {
	var result sessionPromptResult
	params := sessionPromptParams{SessionID: sessionID, Content: content}
	if err := c.dispatcher.SendRequest(ctx, "session/prompt", params, &result); err != nil {
		return "", err
	}
	return result.StopReason, nil
}

// RunPrompt is a convenience wrapper sending a single text prompt and
// returning the agent's full streamed reply concatenated, alongside the stop
// reason (spec §12's convenience wrappers).
func (c *ClientPeer) RunPrompt(ctx context.Context, sessionID SessionID, text string) (StopReason, string, error) {
	session, ok := c.registry.Get(sessionID)
	if !ok {
		return "", "", NewProtocolError(KindSessionNotFound, fmt.Sprintf("unknown session %q", sessionID))
	}
	sub, unsubscribe := session.Subscribe(64)
	defer unsubscribe()

	reply := make(chan string, 1)
	go func() {
		var text string
		for u := range sub {
			if chunk, ok := u.(*AgentMessageChunkUpdate); ok {
				text += chunk.Content
				if chunk.Final {
					break
				}
			}
		}
		reply <- text
	}()

	content := []ContentBlockWrapper{{Value: &TextContent{Text: text}}}
	reason, err := c.Prompt(ctx, sessionID, content)
	// Closing the subscription ends the collector even when the agent sent
	// no final chunk; unsubscribe is idempotent, so the deferred call is safe.
	unsubscribe()
	if err != nil {
		return "", "", err
	}
	return reason, <-reply, nil
}

// RunPromptStreamed is a convenience wrapper that subscribes to the
// session's updates before sending the prompt, returning the live update
// channel alongside a future for the stop reason (spec §12). The caller
// must drain updates until the channel closes or the stop reason resolves.
func (c *ClientPeer) RunPromptStreamed(ctx context.Context, sessionID SessionID, text string) (UpdateSubscriber, <-chan StopReasonResult, error) {
	session, ok := c.registry.Get(sessionID)
	if !ok {
		return nil, nil, NewProtocolError(KindSessionNotFound, fmt.Sprintf("unknown session %q", sessionID))
	}
	sub, unsubscribe := session.Subscribe(64)

	result := make(chan StopReasonResult, 1)
	go func() {
		defer unsubscribe()
		content := []ContentBlockWrapper{{Value: &TextContent{Text: text}}}
		reason, err := c.Prompt(ctx, sessionID, content)
		result <- StopReasonResult{Reason: reason, Err: err}
	}()

	return sub, result, nil
}

// StopReasonResult carries a completed prompt's outcome to a caller of
// RunPromptStreamed.
type StopReasonResult struct {
	Reason StopReason
	Err    error
}

// Cancel fires the session/cancel notification (spec §4.6; cancellation is
// the one operation in the table sent as a notification, not a request).
func (c *ClientPeer) Cancel(ctx context.Context, sessionID SessionID) error {
	if session, ok := c.registry.Get(sessionID); ok {
		session.Cancel()
	}
	params := struct {
		SessionID SessionID `json:"sessionId"`
	}{SessionID: sessionID}
	return c.dispatcher.SendNotification(ctx, "session/cancel", params)
}

// SetMode requests session/set_mode, gated on CapSessionModes.
func (c *ClientPeer) SetMode(ctx context.Context, sessionID SessionID, modeID string) error {
	if err := c.negotiation.RequireRemote(CapSessionModes); err != nil {
		return err
	}
	params := struct {
		SessionID SessionID `json:"sessionId"`
		ModeID    string    `json:"modeId"`
	}{SessionID: sessionID, ModeID: modeID}
	return c.dispatcher.SendRequest(ctx, "session/set_mode", params, nil)
}

// SetConfigOption requests session/set_config_option, gated on
// CapConfigOptions.
func (c *ClientPeer) SetConfigOption(ctx context.Context, sessionID SessionID, optionID, value string) error {
	if err := c.negotiation.RequireRemote(CapConfigOptions); err != nil {
		return err
	}
	params := struct {
		SessionID SessionID `json:"sessionId"`
		OptionID  string    `json:"optionId"`
		Value     string    `json:"value"`
	}{SessionID: sessionID, OptionID: optionID, Value: value}
	return c.dispatcher.SendRequest(ctx, "session/set_config_option", params, nil)
}

func (c *ClientPeer) handleSessionUpdate(ctx context.Context, raw json.RawMessage) {
	var wrapper SessionUpdateWrapper
	if err := unmarshalParams(raw, &wrapper); err != nil {
		return
	}
	if wrapper.Value == nil {
		return
	}
	_ = c.registry.Route(SessionID(wrapper.Value.updateSessionID()), wrapper.Value)
	if c.onUpdate != nil {
		c.onUpdate(wrapper.Value)
	}
}

func (c *ClientPeer) handleReadTextFile(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	if c.readFile == nil {
		return nil, NewProtocolError(KindCapabilityNotSupported, "no file reader installed")
	}
	var params struct {
		Path string `json:"path"`
	}
	if err := unmarshalParams(raw, &params); err != nil {
		return nil, NewProtocolError(KindInvalidParams, err.Error())
	}
	content, err := c.readFile(ctx, params.Path)
	if err != nil {
		return nil, NewProtocolError(KindResourceAccessDenied, err.Error())
	}
	return struct {
		Content string `json:"content"`
	}{Content: content}, nil
}

func (c *ClientPeer) handleWriteTextFile(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	if c.writeFile == nil {
		return nil, NewProtocolError(KindCapabilityNotSupported, "no file writer installed")
	}
	var params struct {
		Path    string `json:"path"`
		Content string `json:"content"`
	}
	if err := unmarshalParams(raw, &params); err != nil {
		return nil, NewProtocolError(KindInvalidParams, err.Error())
	}
	if err := c.writeFile(ctx, params.Path, params.Content); err != nil {
		return nil, NewProtocolError(KindResourceAccessDenied, err.Error())
	}
	return struct{}{}, nil
}

func (c *ClientPeer) handleTerminalCreate(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var params struct {
		Command string            `json:"command"`
		Args    []string          `json:"args,omitempty"`
		Cwd     string            `json:"cwd,omitempty"`
		Env     map[string]string `json:"env,omitempty"`
		Timeout int64             `json:"timeout,omitempty"`
	}
	if err := unmarshalParams(raw, &params); err != nil {
		return nil, NewProtocolError(KindInvalidParams, err.Error())
	}
	opts := TerminalCreateOptions{
		Command: params.Command,
		Args:    params.Args,
		Cwd:     params.Cwd,
		Env:     params.Env,
	}
	if params.Timeout > 0 {
		opts.Timeout = msToDuration(params.Timeout)
	}
	id, pid, err := c.terminals.Create(ctx, opts)
	if err != nil {
		return nil, NewProtocolError(KindInternalError, err.Error())
	}
	return struct {
		TerminalID TerminalID `json:"terminalId"`
		Pid        int        `json:"pid"`
	}{TerminalID: id, Pid: pid}, nil
}

func (c *ClientPeer) handleTerminalOutput(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var params struct {
		TerminalID TerminalID `json:"terminalId"`
	}
	if err := unmarshalParams(raw, &params); err != nil {
		return nil, NewProtocolError(KindInvalidParams, err.Error())
	}
	return c.terminals.Output(params.TerminalID)
}

func (c *ClientPeer) handleTerminalWait(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var params struct {
		TerminalID TerminalID `json:"terminalId"`
		Timeout    int64      `json:"timeout,omitempty"`
	}
	if err := unmarshalParams(raw, &params); err != nil {
		return nil, NewProtocolError(KindInvalidParams, err.Error())
	}
	return c.terminals.WaitForExit(ctx, params.TerminalID, msToDuration(params.Timeout))
}

func (c *ClientPeer) handleTerminalKill(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var params struct {
		TerminalID TerminalID `json:"terminalId"`
	}
	if err := unmarshalParams(raw, &params); err != nil {
		return nil, NewProtocolError(KindInvalidParams, err.Error())
	}
	if err := c.terminals.Kill(params.TerminalID); err != nil {
		return nil, err
	}
	return struct{}{}, nil
}

func (c *ClientPeer) handleTerminalRelease(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var params struct {
		TerminalID TerminalID `json:"terminalId"`
	}
	if err := unmarshalParams(raw, &params); err != nil {
		return nil, NewProtocolError(KindInvalidParams, err.Error())
	}
	if err := c.terminals.Release(params.TerminalID); err != nil {
		return nil, err
	}
	return struct {
		Released bool `json:"released"`
	}{Released: true}, nil
}
