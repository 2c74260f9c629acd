package acp

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ToolCallID identifies a ToolCall, unique within its session (spec §3).
type ToolCallID string

// NewToolCallID mints a fresh opaque tool call identifier.
func NewToolCallID() ToolCallID {
	return ToolCallID(uuid.NewString())
}

// ToolCallKind classifies a tool call for permission-operation inference
// (spec §4.4).
type ToolCallKind string

const (
	KindRead    ToolCallKind = "read"
	KindEdit    ToolCallKind = "edit"
	KindDelete  ToolCallKind = "delete"
	KindMove    ToolCallKind = "move"
	KindSearch  ToolCallKind = "search"
	KindExecute ToolCallKind = "execute"
	KindThink   ToolCallKind = "think"
	KindFetch   ToolCallKind = "fetch"
	KindOther   ToolCallKind = "other"
)

// ToolCallStatus is the tool-call lifecycle state variable (spec §4.4).
type ToolCallStatus string

const (
	StatusPending             ToolCallStatus = "pending"
	StatusAwaitingPermission  ToolCallStatus = "awaiting_permission"
	StatusInProgress          ToolCallStatus = "in_progress"
	StatusCompleted           ToolCallStatus = "completed"
	StatusFailed              ToolCallStatus = "failed"
	StatusDenied              ToolCallStatus = "denied"
	StatusCancelled           ToolCallStatus = "cancelled"
)

// terminalStatuses is the set {completed, failed, denied, cancelled} (spec
// §4.4: "Terminal states").
var terminalStatuses = map[ToolCallStatus]bool{
	StatusCompleted: true,
	StatusFailed:    true,
	StatusDenied:    true,
	StatusCancelled: true,
}

// legalTransitions enumerates every allowed status→status edge (spec §4.4).
// Any edge not in this table is a programmer error and is rejected.
var legalTransitions = map[ToolCallStatus]map[ToolCallStatus]bool{
	StatusPending: {
		StatusAwaitingPermission: true,
		StatusInProgress:         true,
		StatusCancelled:          true,
	},
	StatusAwaitingPermission: {
		StatusInProgress: true,
		StatusDenied:     true,
		StatusCancelled:  true,
	},
	StatusInProgress: {
		StatusCompleted: true,
		StatusFailed:    true,
		StatusCancelled: true,
	},
}

// SourceLocation optionally pins a tool call to a file position.
type SourceLocation struct {
	Path string `json:"path"`
	Line int    `json:"line,omitempty"`
}

// ToolCall is the agent-owned record driven through the lifecycle state
// machine (spec §3, §4.4).
type ToolCall struct {
	ID                 ToolCallID             `json:"id"`
	SessionID          SessionID              `json:"sessionId"`
	Name               string                 `json:"name"`
	Input              map[string]interface{} `json:"input"`
	Kind               ToolCallKind           `json:"kind,omitempty"`
	Location           *SourceLocation        `json:"location,omitempty"`
	Reason             string                 `json:"reason,omitempty"`
	RequiresPermission bool                   `json:"requiresPermission,omitempty"`
	Status             ToolCallStatus         `json:"status"`
	Output             *ToolCallOutputWrapper `json:"output,omitempty"`
	Error              string                 `json:"error,omitempty"`
	DurationMs         *int64                 `json:"duration,omitempty"`

	startedAt time.Time
	published bool
}

// NewToolCall creates a tool call in its initial pending state (spec §4.4:
// "Initial state is pending at creation"). It is not yet visible to the
// remote peer until Builder.Emit publishes it.
func NewToolCall(session SessionID, name string, input map[string]interface{}) *ToolCall {
	return &ToolCall{
		ID:        NewToolCallID(),
		SessionID: session,
		Name:      name,
		Input:     input,
		Status:    StatusPending,
		startedAt: time.Now(),
	}
}

// InferOperation derives the permission-request "operation" string from the
// tool call's kind (spec §4.4's inference table), falling back to the kind
// name itself or a heuristic over the tool name when the kind is absent or
// unrecognized.
func (t *ToolCall) InferOperation() string {
	switch t.Kind {
	case KindRead:
		return "file_read"
	case KindEdit:
		return "file_write"
	case KindDelete:
		return "file_delete"
	case KindExecute:
		return "terminal_execute"
	case KindFetch:
		return "network_access"
	case "":
		return inferOperationFromName(t.Name)
	default:
		return string(t.Kind)
	}
}

// inferOperationFromName applies a simple heuristic over a tool's name when
// no Kind was supplied, used as the spec's fallback ("otherwise the kind
// name or heuristic from the tool name").
func inferOperationFromName(name string) string {
	lower := strings.ToLower(name)
	switch {
	case strings.Contains(lower, "delete") || strings.Contains(lower, "remove"):
		return "file_delete"
	case strings.Contains(lower, "write") || strings.Contains(lower, "edit"):
		return "file_write"
	case strings.Contains(lower, "read"):
		return "file_read"
	case strings.Contains(lower, "exec") || strings.Contains(lower, "run") || strings.Contains(lower, "shell"):
		return "terminal_execute"
	case strings.Contains(lower, "fetch") || strings.Contains(lower, "http") || strings.Contains(lower, "url"):
		return "network_access"
	default:
		return name
	}
}

// InferResource derives the permission-request "resource" string following
// the precedence in spec §4.4: input.path, input.file, input.url,
// input.command, location.path, else the tool name.
func (t *ToolCall) InferResource() string {
	for _, key := range []string{"path", "file", "url", "command"} {
		if v, ok := t.Input[key]; ok {
			if s, ok := v.(string); ok && s != "" {
				return s
			}
		}
	}
	if t.Location != nil && t.Location.Path != "" {
		return t.Location.Path
	}
	return t.Name
}

// Builder drives a ToolCall through its lifecycle, rejecting illegal
// transitions with InvalidSessionState rather than mutating state (spec
// §4.4, §8 law 3; spec §9's "fluent builder" design note — Go has no
// type-level way to forbid illegal calls at compile time without one type
// per state, so legality is enforced at runtime against legalTransitions).
// Emit publishes the call to a SessionPublisher: the first Emit sends a
// ToolCallUpdate (full record), subsequent ones send a ToolCallDeltaUpdate.
type Builder struct {
	call      *ToolCall
	publisher SessionPublisher
}

// SessionPublisher is the narrow interface Builder needs to emit updates;
// *Session satisfies it.
type SessionPublisher interface {
	Publish(SessionUpdate)
}

// NewBuilder wraps call for lifecycle-managed transitions, publishing
// updates through publisher.
func NewBuilder(call *ToolCall, publisher SessionPublisher) *Builder {
	return &Builder{call: call, publisher: publisher}
}

// Call returns the underlying ToolCall snapshot.
func (b *Builder) Call() *ToolCall { return b.call }

// transition validates and applies a status change, returning
// InvalidSessionState on any edge not present in legalTransitions.
func (b *Builder) transition(target ToolCallStatus) error {
	if b.call.Status == target {
		return NewProtocolError(KindInvalidSessionState, fmt.Sprintf("tool call %s already %s", b.call.ID, target))
	}
	allowed := legalTransitions[b.call.Status]
	if allowed == nil || !allowed[target] {
		return NewProtocolError(KindInvalidSessionState,
			fmt.Sprintf("illegal tool call transition %s -> %s", b.call.Status, target))
	}
	b.call.Status = target
	if terminalStatuses[target] {
		d := time.Since(b.call.startedAt).Milliseconds()
		b.call.DurationMs = &d
		recordToolCallTerminal(b.call.Kind, target)
	}
	return nil
}

// Emit publishes the current state: a full ToolCallUpdate on the first
// call, a ToolCallDeltaUpdate thereafter (spec §4.4).
func (b *Builder) Emit() {
	if !b.call.published {
		b.call.published = true
		b.publisher.Publish(&ToolCallUpdate{
			updateEnvelope: updateEnvelope{SessionID: string(b.call.SessionID), Timestamp: time.Now()},
			ToolCall:       *b.call,
		})
		return
	}
	b.publisher.Publish(&ToolCallDeltaUpdate{
		updateEnvelope: updateEnvelope{SessionID: string(b.call.SessionID), Timestamp: time.Now()},
		ID:             b.call.ID,
		Status:         b.call.Status,
		Output:         b.call.Output,
		Error:          b.call.Error,
		DurationMs:     b.call.DurationMs,
	})
}

// RequestPermission transitions pending → awaiting_permission. Callers then
// round-trip session/request_permission (see permission.go) and call Start
// on a grant or Deny otherwise.
func (b *Builder) RequestPermission() error {
	if err := b.transition(StatusAwaitingPermission); err != nil {
		return err
	}
	b.Emit()
	return nil
}

// Start transitions to in_progress, either directly from pending (no
// permission required) or from awaiting_permission after a grant.
func (b *Builder) Start() error {
	if err := b.transition(StatusInProgress); err != nil {
		return err
	}
	b.Emit()
	return nil
}

// Complete transitions in_progress → completed with the given output. Output
// is legal only on this transition (spec §4.4).
func (b *Builder) Complete(output ToolCallOutput) error {
	if err := b.transition(StatusCompleted); err != nil {
		return err
	}
	b.call.Output = &ToolCallOutputWrapper{Value: output}
	b.Emit()
	return nil
}

// Fail transitions in_progress → failed with the given error message. Error
// is legal only on this transition (spec §4.4).
func (b *Builder) Fail(message string) error {
	if err := b.transition(StatusFailed); err != nil {
		return err
	}
	b.call.Error = message
	b.Emit()
	return nil
}

// Deny transitions awaiting_permission → denied, called when the client's
// permission outcome has granted=false.
func (b *Builder) Deny() error {
	if err := b.transition(StatusDenied); err != nil {
		return err
	}
	b.Emit()
	return nil
}

// Cancel transitions pending|awaiting_permission|in_progress → cancelled,
// used when the session's cancellation flag is observed at a cooperative
// check-point (spec §4.4's "Cancellation interaction").
func (b *Builder) Cancel() error {
	if err := b.transition(StatusCancelled); err != nil {
		return err
	}
	b.Emit()
	return nil
}
