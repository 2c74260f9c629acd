package acp

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// AgentSession is the handle a PromptHandler receives: a Session plus the
// façade operations it may perform without reaching into registry or
// dispatcher internals directly (spec §5: "the prompt handler may not
// mutate session internals directly; it calls façade methods that enqueue
// work").
type AgentSession struct {
	session *Session
	agent   *Agent
}

// ID returns the session's identifier.
func (s *AgentSession) ID() SessionID { return s.session.ID }

// IsCancelled reports the session's sticky cancellation flag; prompt
// handlers should poll this at cooperative check-points (spec §4.3).
func (s *AgentSession) IsCancelled() bool { return s.session.IsCancelled() }

// SendMessageChunk emits one agent_message_chunk update.
func (s *AgentSession) SendMessageChunk(index int, content string, final bool) {
	s.session.Publish(&AgentMessageChunkUpdate{
		updateEnvelope: updateEnvelope{SessionID: string(s.session.ID), Timestamp: time.Now()},
		Index:          index,
		Content:        content,
		Final:          final,
	})
}

// SendThoughtChunk emits one thought_message_chunk update.
func (s *AgentSession) SendThoughtChunk(index int, content string, final bool) {
	s.session.Publish(&ThoughtMessageChunkUpdate{
		updateEnvelope: updateEnvelope{SessionID: string(s.session.ID), Timestamp: time.Now()},
		Index:          index,
		Content:        content,
		Final:          final,
	})
}

// SendPlan emits a plan update.
func (s *AgentSession) SendPlan(steps []PlanStep) {
	s.session.Publish(&PlanUpdate{
		updateEnvelope: updateEnvelope{SessionID: string(s.session.ID), Timestamp: time.Now()},
		Steps:          steps,
	})
}

// NewToolCall creates a tool call bound to this session and a Builder ready
// to drive it through the lifecycle (spec §4.4).
func (s *AgentSession) NewToolCall(name string, input map[string]interface{}) *Builder {
	call := NewToolCall(s.session.ID, name, input)
	return NewBuilder(call, s.session)
}

// RequestPermission performs the agent-side permission round-trip for a
// tool call already transitioned to awaiting_permission.
func (s *AgentSession) RequestPermission(ctx context.Context, req PermissionRequest) (PermissionOutcome, error) {
	return s.agent.broker.Request(ctx, req)
}

// ReadTextFile calls the client's fs/read_text_file (spec §4.6, §6).
func (s *AgentSession) ReadTextFile(ctx context.Context, path string) (string, error) {
	if err := s.agent.negotiation.RequireRemote(CapAttachments); err != nil {
		return "", err
	}
	var resp struct {
		Content string `json:"content"`
	}
	params := struct {
		Path string `json:"path"`
	}{Path: path}
	if err := s.agent.dispatcher.SendRequest(ctx, "fs/read_text_file", params, &resp); err != nil {
		return "", err
	}
	return resp.Content, nil
}

// WriteTextFile calls the client's fs/write_text_file.
func (s *AgentSession) WriteTextFile(ctx context.Context, path, content string) error {
	if err := s.agent.negotiation.RequireRemote(CapAttachments); err != nil {
		return err
	}
	params := struct {
		Path    string `json:"path"`
		Content string `json:"content"`
	}{Path: path, Content: content}
	return s.agent.dispatcher.SendRequest(ctx, "fs/write_text_file", params, nil)
}

// CreateTerminal calls the client's terminal/create.
func (s *AgentSession) CreateTerminal(ctx context.Context, opts TerminalCreateOptions) (TerminalID, int, error) {
	var resp struct {
		TerminalID TerminalID `json:"terminalId"`
		Pid        int        `json:"pid"`
	}
	params := struct {
		Command string            `json:"command"`
		Args    []string          `json:"args,omitempty"`
		Cwd     string            `json:"cwd,omitempty"`
		Env     map[string]string `json:"env,omitempty"`
		Timeout int64             `json:"timeout,omitempty"`
	}{Command: opts.Command, Args: opts.Args, Cwd: opts.Cwd, Env: opts.Env, Timeout: opts.Timeout.Milliseconds()}
	if err := s.agent.dispatcher.SendRequest(ctx, "terminal/create", params, &resp); err != nil {
		return "", 0, err
	}
	return resp.TerminalID, resp.Pid, nil
}

// TerminalOutput calls the client's terminal/output.
func (s *AgentSession) TerminalOutput(ctx context.Context, id TerminalID) (TerminalOutputSnapshot, error) {
	var resp TerminalOutputSnapshot
	params := struct {
		TerminalID TerminalID `json:"terminalId"`
	}{TerminalID: id}
	if err := s.agent.dispatcher.SendRequest(ctx, "terminal/output", params, &resp); err != nil {
		return TerminalOutputSnapshot{}, err
	}
	return resp, nil
}

// WaitForTerminalExit calls the client's terminal/wait_for_exit.
func (s *AgentSession) WaitForTerminalExit(ctx context.Context, id TerminalID, waitTimeout time.Duration) (TerminalExitStatus, error) {
	var resp TerminalExitStatus
	params := struct {
		TerminalID TerminalID `json:"terminalId"`
		Timeout    int64      `json:"timeout,omitempty"`
	}{TerminalID: id, Timeout: waitTimeout.Milliseconds()}
	if err := s.agent.dispatcher.SendRequest(ctx, "terminal/wait_for_exit", params, &resp); err != nil {
		return TerminalExitStatus{}, err
	}
	return resp, nil
}

// KillTerminal calls the client's terminal/kill.
func (s *AgentSession) KillTerminal(ctx context.Context, id TerminalID) error {
	params := struct {
		TerminalID TerminalID `json:"terminalId"`
	}{TerminalID: id}
	return s.agent.dispatcher.SendRequest(ctx, "terminal/kill", params, nil)
}

// ReleaseTerminal calls the client's terminal/release.
func (s *AgentSession) ReleaseTerminal(ctx context.Context, id TerminalID) error {
	params := struct {
		TerminalID TerminalID `json:"terminalId"`
	}{TerminalID: id}
	return s.agent.dispatcher.SendRequest(ctx, "terminal/release", params, nil)
}

// PromptHandler is supplied by the agent application: given the session and
// the prompt's content blocks, it drives the turn and returns why the turn
// ended (spec §4.6).
type PromptHandler func(ctx context.Context, session *AgentSession, content []ContentBlockWrapper) (StopReason, error)

// Agent is the agent-side peer façade (spec §4.6, §2's "Agent & client
// façades"). It owns the handler slots for initialize, session/new,
// session/load, session/prompt, session/cancel, session/set_mode, and
// session/set_config_option, and drives the application-supplied
// PromptHandler for each session/prompt call.
type Agent struct {
	dispatcher   *Dispatcher
	registry     *Registry
	broker       *Broker
	negotiation  *Negotiation
	info         AgentInfo
	capabilities Capabilities

	promptHandler PromptHandler

	// promptsInFlight resolves the open question in spec §9: two
	// concurrent session/prompt calls on the same session are rejected
	// with InvalidSessionState rather than silently interleaved (see
	// DESIGN.md's decision record).
	promptsInFlight map[SessionID]bool
}

// NewAgent constructs an Agent façade bound to transport.
func NewAgent(transport Transport, info AgentInfo, capabilities Capabilities) *Agent {
	d := NewDispatcher(transport)
	a := &Agent{
		dispatcher:      d,
		registry:        NewRegistry(),
		negotiation:     &Negotiation{Local: capabilities},
		info:            info,
		capabilities:    capabilities,
		promptsInFlight: make(map[SessionID]bool),
	}
	a.broker = NewBroker(d)
	d.RegisterRequest("initialize", a.handleInitialize)
	d.RegisterRequest("session/new", a.handleSessionNew)
	d.RegisterRequest("session/load", a.handleSessionLoad)
	d.RegisterRequest("session/prompt", a.handleSessionPrompt)
	d.RegisterRequest("session/set_mode", a.handleSetMode)
	d.RegisterRequest("session/set_config_option", a.handleSetConfigOption)
	d.RegisterNotification("session/cancel", a.handleSessionCancel)
	d.OnClose(func(error) { a.registry.DeactivateAll() })
	return a
}

// OnPrompt installs the application's prompt handler.
func (a *Agent) OnPrompt(handler PromptHandler) { a.promptHandler = handler }

// Start begins reading from the underlying transport.
func (a *Agent) Start(ctx context.Context) error { return a.dispatcher.transport.Start(ctx) }

// Close shuts the agent down, releasing the underlying transport.
func (a *Agent) Close() error { return a.dispatcher.Close() }

func (a *Agent) handleInitialize(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var params InitializeParams
	if err := unmarshalParams(raw, &params); err != nil {
		return nil, NewProtocolError(KindInvalidParams, err.Error())
	}
	if params.Capabilities != nil {
		a.negotiation.Complete(*params.Capabilities)
	} else {
		a.negotiation.Complete(Capabilities{})
	}
	return InitializeResult{AgentInfo: a.info, Capabilities: a.capabilities}, nil
}

type sessionNewParams struct {
	WorkingDirectory string   `json:"workingDirectory"`
	MCPServers       []string `json:"mcpServers,omitempty"`
}

type sessionIDResult struct {
	SessionID SessionID `json:"sessionId"`
}

func (a *Agent) handleSessionNew(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var params sessionNewParams
	if err := unmarshalParams(raw, &params); err != nil {
		return nil, NewProtocolError(KindInvalidParams, err.Error())
	}
	session := NewSession(NewSessionID(), params.WorkingDirectory)
	session.MCPServers = params.MCPServers
	a.registry.Add(session)
	return sessionIDResult{SessionID: session.ID}, nil
}

type sessionLoadParams struct {
	SessionID        SessionID `json:"sessionId"`
	WorkingDirectory  string    `json:"workingDirectory"`
}

func (a *Agent) handleSessionLoad(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	if err := a.negotiation.RequireRemote(CapLoadSession); err != nil {
		return nil, err
	}
	var params sessionLoadParams
	if err := unmarshalParams(raw, &params); err != nil {
		return nil, NewProtocolError(KindInvalidParams, err.Error())
	}
	id := params.SessionID
	if id == "" {
		id = NewSessionID()
	}
	session := NewSession(id, params.WorkingDirectory)
	a.registry.Add(session)
	return sessionIDResult{SessionID: session.ID}, nil
}

type sessionPromptParams struct {
	SessionID SessionID             `json:"sessionId"`
	Content   []ContentBlockWrapper `json:"content"`
}

type sessionPromptResult struct {
	StopReason StopReason `json:"stopReason"`
}

func (a *Agent) handleSessionPrompt(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var params sessionPromptParams
	if err := unmarshalParams(raw, &params); err != nil {
		return nil, NewProtocolError(KindInvalidParams, err.Error())
	}
	session, ok := a.registry.Get(params.SessionID)
	if !ok {
		return nil, NewProtocolError(KindSessionNotFound, fmt.Sprintf("unknown session %q", params.SessionID))
	}
	if !session.IsActive() {
		return nil, NewProtocolError(KindInvalidSessionState, "session is inactive")
	}

	if a.markPromptStart(params.SessionID) {
		defer a.markPromptDone(params.SessionID)
	} else {
		return nil, NewProtocolError(KindInvalidSessionState, "a prompt is already in flight for this session")
	}

	if a.promptHandler == nil {
		return nil, NewProtocolError(KindInternalError, "no prompt handler installed")
	}

	// Forward every update published on the session during the turn to the
	// client as a session/update notification, in publish order, and finish
	// forwarding before the prompt's response is returned.
	updates, unsubscribe := session.Subscribe(defaultEventBufferSize)
	forwarded := make(chan struct{})
	go func() {
		defer close(forwarded)
		for u := range updates {
			_ = a.dispatcher.SendNotification(ctx, "session/update", SessionUpdateWrapper{Value: u})
		}
	}()
	reason, err := a.promptHandler(ctx, &AgentSession{session: session, agent: a}, params.Content)
	unsubscribe()
	<-forwarded
	if err != nil {
		return nil, err
	}
	return sessionPromptResult{StopReason: reason}, nil
}

// markPromptStart returns false if a prompt is already running for
// sessionID, serializing concurrent session/prompt calls per the policy
// decided in DESIGN.md for the spec's open question on this point.
func (a *Agent) markPromptStart(sessionID SessionID) bool {
	if a.promptsInFlight[sessionID] {
		return false
	}
	a.promptsInFlight[sessionID] = true
	return true
}

func (a *Agent) markPromptDone(sessionID SessionID) {
	delete(a.promptsInFlight, sessionID)
}

func (a *Agent) handleSessionCancel(ctx context.Context, raw json.RawMessage) {
	var params struct {
		SessionID SessionID `json:"sessionId"`
	}
	if err := unmarshalParams(raw, &params); err != nil {
		return
	}
	if session, ok := a.registry.Get(params.SessionID); ok {
		session.Cancel()
	}
}

func (a *Agent) handleSetMode(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	if err := a.negotiation.RequireRemote(CapSessionModes); err != nil {
		return nil, err
	}
	var params struct {
		SessionID SessionID `json:"sessionId"`
		ModeID    string    `json:"modeId"`
	}
	if err := unmarshalParams(raw, &params); err != nil {
		return nil, NewProtocolError(KindInvalidParams, err.Error())
	}
	session, ok := a.registry.Get(params.SessionID)
	if !ok {
		return nil, NewProtocolError(KindSessionNotFound, fmt.Sprintf("unknown session %q", params.SessionID))
	}
	session.CurrentModeID = params.ModeID
	session.Publish(&CurrentModeUpdate{
		updateEnvelope: updateEnvelope{SessionID: string(session.ID), Timestamp: time.Now()},
		ModeID:         params.ModeID,
	})
	return struct{}{}, nil
}

func (a *Agent) handleSetConfigOption(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	if err := a.negotiation.RequireRemote(CapConfigOptions); err != nil {
		return nil, err
	}
	var params struct {
		SessionID SessionID `json:"sessionId"`
		OptionID  string    `json:"optionId"`
		Value     string    `json:"value"`
	}
	if err := unmarshalParams(raw, &params); err != nil {
		return nil, NewProtocolError(KindInvalidParams, err.Error())
	}
	session, ok := a.registry.Get(params.SessionID)
	if !ok {
		return nil, NewProtocolError(KindSessionNotFound, fmt.Sprintf("unknown session %q", params.SessionID))
	}
	for i := range session.ConfigOptions {
		if session.ConfigOptions[i].ID == params.OptionID {
			session.ConfigOptions[i].Value = params.Value
		}
	}
	session.Publish(&ConfigOptionUpdate{
		updateEnvelope: updateEnvelope{SessionID: string(session.ID), Timestamp: time.Now()},
		OptionID:       params.OptionID,
		Value:          params.Value,
	})
	return struct{}{}, nil
}
