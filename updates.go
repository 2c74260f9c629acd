package acp

import (
	"encoding/json"
	"fmt"
	"time"
)

// StopReason explains why a prompt turn concluded (spec GLOSSARY).
type StopReason string

const (
	StopReasonEndTurn    StopReason = "end_turn"
	StopReasonCancelled  StopReason = "cancelled"
	StopReasonMaxTokens  StopReason = "max_tokens"
	StopReasonRefusal    StopReason = "refusal"
	StopReasonError      StopReason = "error"
)

// SessionUpdate is the tagged union carried by every `session/update`
// notification (spec §4.3). Each variant embeds SessionId and Timestamp;
// the wrapper discriminates on "type" like ContentBlockWrapper.
type SessionUpdate interface {
	sessionUpdate()
	updateSessionID() string
}

// SessionUpdateWrapper wraps a SessionUpdate for JSON marshaling.
type SessionUpdateWrapper struct {
	Value SessionUpdate
}

func (w SessionUpdateWrapper) MarshalJSON() ([]byte, error) {
	if w.Value == nil {
		return []byte("null"), nil
	}
	return json.Marshal(w.Value)
}

func (w *SessionUpdateWrapper) UnmarshalJSON(data []byte) error {
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return err
	}
	switch probe.Type {
	case "agent_message_chunk":
		var v AgentMessageChunkUpdate
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		w.Value = &v
	case "thought_message_chunk":
		var v ThoughtMessageChunkUpdate
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		w.Value = &v
	case "plan":
		var v PlanUpdate
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		w.Value = &v
	case "tool_call":
		var v ToolCallUpdate
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		w.Value = &v
	case "tool_call_update":
		var v ToolCallDeltaUpdate
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		w.Value = &v
	case "current_mode_update":
		var v CurrentModeUpdate
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		w.Value = &v
	case "config_option_update":
		var v ConfigOptionUpdate
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		w.Value = &v
	case "available_commands":
		var v AvailableCommandsUpdate
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		w.Value = &v
	default:
		return fmt.Errorf("session update: unknown type %q", probe.Type)
	}
	return nil
}

// updateEnvelope is the common header every SessionUpdate variant embeds.
type updateEnvelope struct {
	SessionID string    `json:"sessionId"`
	Timestamp time.Time `json:"timestamp"`
}

func (e updateEnvelope) updateSessionID() string { return e.SessionID }

// AgentMessageChunkUpdate is one chunk of the agent's streamed reply. Index
// is monotonic per session within the "message" channel but may arrive
// out-of-order or with gaps (spec §4.3, §9) — subscribers sort by Index
// before rendering and treat missing indices as "not yet received".
type AgentMessageChunkUpdate struct {
	updateEnvelope
	Index   int    `json:"index"`
	Content string `json:"content"`
	Final   bool   `json:"final"`
}

func (*AgentMessageChunkUpdate) sessionUpdate() {}

func (u *AgentMessageChunkUpdate) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type      string    `json:"type"`
		SessionID string    `json:"sessionId"`
		Timestamp time.Time `json:"timestamp"`
		Index     int       `json:"index"`
		Content   string    `json:"content"`
		Final     bool      `json:"final"`
	}{"agent_message_chunk", u.SessionID, u.Timestamp, u.Index, u.Content, u.Final})
}

// ThoughtMessageChunkUpdate is one chunk of the agent's reasoning trace,
// indexed independently of the message channel (spec §4.3).
type ThoughtMessageChunkUpdate struct {
	updateEnvelope
	Index   int    `json:"index"`
	Content string `json:"content"`
	Final   bool   `json:"final"`
}

func (*ThoughtMessageChunkUpdate) sessionUpdate() {}

func (u *ThoughtMessageChunkUpdate) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type      string    `json:"type"`
		SessionID string    `json:"sessionId"`
		Timestamp time.Time `json:"timestamp"`
		Index     int       `json:"index"`
		Content   string    `json:"content"`
		Final     bool      `json:"final"`
	}{"thought_message_chunk", u.SessionID, u.Timestamp, u.Index, u.Content, u.Final})
}

// PlanStep is one step of an agent's stated plan.
type PlanStep struct {
	Description string `json:"description"`
	Status      string `json:"status"` // pending|in_progress|completed
}

// PlanUpdate carries the agent's current step-by-step plan.
type PlanUpdate struct {
	updateEnvelope
	Steps []PlanStep `json:"steps"`
}

func (*PlanUpdate) sessionUpdate() {}

func (u *PlanUpdate) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type      string     `json:"type"`
		SessionID string     `json:"sessionId"`
		Timestamp time.Time  `json:"timestamp"`
		Steps     []PlanStep `json:"steps"`
	}{"plan", u.SessionID, u.Timestamp, u.Steps})
}

// ToolCallUpdate carries a full ToolCall on its first emission (spec §4.4).
type ToolCallUpdate struct {
	updateEnvelope
	ToolCall ToolCall `json:"toolCall"`
}

func (*ToolCallUpdate) sessionUpdate() {}

func (u *ToolCallUpdate) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type      string    `json:"type"`
		SessionID string    `json:"sessionId"`
		Timestamp time.Time `json:"timestamp"`
		ToolCall  ToolCall  `json:"toolCall"`
	}{"tool_call", u.SessionID, u.Timestamp, u.ToolCall})
}

// ToolCallDeltaUpdate carries a status transition on subsequent emissions.
// Output is legal only for status=completed, Error only for status=failed,
// and DurationMs is legal on any terminal transition (spec §4.4).
type ToolCallDeltaUpdate struct {
	updateEnvelope
	ID         ToolCallID            `json:"id"`
	Status     ToolCallStatus        `json:"status"`
	Output     *ToolCallOutputWrapper `json:"output,omitempty"`
	Error      string                 `json:"error,omitempty"`
	DurationMs *int64                 `json:"duration,omitempty"`
}

func (*ToolCallDeltaUpdate) sessionUpdate() {}

func (u *ToolCallDeltaUpdate) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type       string                 `json:"type"`
		SessionID  string                 `json:"sessionId"`
		Timestamp  time.Time              `json:"timestamp"`
		ID         ToolCallID             `json:"id"`
		Status     ToolCallStatus         `json:"status"`
		Output     *ToolCallOutputWrapper `json:"output,omitempty"`
		Error      string                 `json:"error,omitempty"`
		DurationMs *int64                 `json:"duration,omitempty"`
	}{"tool_call_update", u.SessionID, u.Timestamp, u.ID, u.Status, u.Output, u.Error, u.DurationMs})
}

// CurrentModeUpdate announces the session's active mode changed.
type CurrentModeUpdate struct {
	updateEnvelope
	ModeID string `json:"modeId"`
}

func (*CurrentModeUpdate) sessionUpdate() {}

func (u *CurrentModeUpdate) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type      string    `json:"type"`
		SessionID string    `json:"sessionId"`
		Timestamp time.Time `json:"timestamp"`
		ModeID    string    `json:"modeId"`
	}{"current_mode_update", u.SessionID, u.Timestamp, u.ModeID})
}

// ConfigOptionUpdate announces a configuration option's value changed.
type ConfigOptionUpdate struct {
	updateEnvelope
	OptionID string `json:"optionId"`
	Value    string `json:"value"`
}

func (*ConfigOptionUpdate) sessionUpdate() {}

func (u *ConfigOptionUpdate) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type      string    `json:"type"`
		SessionID string    `json:"sessionId"`
		Timestamp time.Time `json:"timestamp"`
		OptionID  string    `json:"optionId"`
		Value     string    `json:"value"`
	}{"config_option_update", u.SessionID, u.Timestamp, u.OptionID, u.Value})
}

// AvailableCommandsUpdate announces the set of slash-commands the agent
// currently supports for this session, each described by a jsonschema.Schema
// input shape (see session.go's Command type).
type AvailableCommandsUpdate struct {
	updateEnvelope
	Commands []Command `json:"commands"`
}

func (*AvailableCommandsUpdate) sessionUpdate() {}

func (u *AvailableCommandsUpdate) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type      string    `json:"type"`
		SessionID string    `json:"sessionId"`
		Timestamp time.Time `json:"timestamp"`
		Commands  []Command `json:"commands"`
	}{"available_commands", u.SessionID, u.Timestamp, u.Commands})
}
