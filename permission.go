package acp

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// PermissionScope is how long a granted/denied permission outcome should be
// remembered (spec §6).
type PermissionScope string

const (
	ScopeOnce    PermissionScope = "once"
	ScopeSession PermissionScope = "session"
	ScopeAlways  PermissionScope = "always"
)

// PermissionOption is one choice offered to the client's policy (e.g. an
// "allow" / "deny" button pair), identified by an opaque id the outcome
// echoes back as SelectedOptionID.
type PermissionOption struct {
	ID    string `json:"id"`
	Label string `json:"label,omitempty"`
}

// PermissionRequest is the params object for session/request_permission
// (spec §4.4, §6).
type PermissionRequest struct {
	SessionID  SessionID          `json:"sessionId"`
	Operation  string             `json:"operation"`
	Resource   string             `json:"resource"`
	ToolCallID ToolCallID         `json:"toolCallId"`
	Options    []PermissionOption `json:"options,omitempty"`
	Reason     string             `json:"reason,omitempty"`
}

// PermissionOutcome is the client's reply to a permission request (spec §3,
// §6: ClientPermissionOutcome).
type PermissionOutcome struct {
	Granted          bool            `json:"granted"`
	Remember         bool            `json:"remember,omitempty"`
	Scope            PermissionScope `json:"scope,omitempty"`
	Reason           string          `json:"reason,omitempty"`
	SelectedOptionID string          `json:"selectedOptionId,omitempty"`
}

// PermissionPolicy is the application-supplied decision function the client
// façade calls to answer an inbound session/request_permission (spec §1:
// "the console permission prompt UI" is an out-of-scope external
// collaborator consumed through this interface).
type PermissionPolicy func(ctx context.Context, req PermissionRequest) (PermissionOutcome, error)

// Broker round-trips permission requests from the agent side and, on the
// client side, dispatches them to an application-supplied PermissionPolicy
// with a remembered-decision cache: scope=session outcomes are keyed by
// (session, operation, resource), scope=always outcomes by (operation,
// resource) across sessions (spec §4.4's permission round-trip).
type Broker struct {
	dispatcher *Dispatcher
	policy     PermissionPolicy

	mu         sync.Mutex
	remembered map[string]PermissionOutcome
}

// NewBroker constructs a Broker bound to dispatcher. On the agent side,
// policy may be nil (the broker only sends requests). On the client side,
// policy must be set via SetPolicy before requests arrive.
func NewBroker(dispatcher *Dispatcher) *Broker {
	b := &Broker{dispatcher: dispatcher, remembered: make(map[string]PermissionOutcome)}
	dispatcher.RegisterRequest("session/request_permission", b.handleRequest)
	return b
}

// SetPolicy installs the client-side decision function.
func (b *Broker) SetPolicy(policy PermissionPolicy) {
	b.policy = policy
}

func rememberKey(req PermissionRequest) string {
	return fmt.Sprintf("%s|%s|%s", req.SessionID, req.Operation, req.Resource)
}

func (b *Broker) handleRequest(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var req PermissionRequest
	if err := unmarshalParams(raw, &req); err != nil {
		return nil, NewProtocolError(KindInvalidParams, err.Error())
	}

	key := rememberKey(req)
	alwaysKey := rememberKey(PermissionRequest{Operation: req.Operation, Resource: req.Resource})
	b.mu.Lock()
	outcome, ok := b.remembered[key]
	if !ok {
		outcome, ok = b.remembered[alwaysKey]
	}
	b.mu.Unlock()
	if ok {
		return outcome, nil
	}

	if b.policy == nil {
		return nil, NewProtocolError(KindPermissionDenied, "no permission policy installed")
	}
	outcome, err := b.policy(ctx, req)
	if err != nil {
		return nil, err
	}
	if outcome.Remember && (outcome.Scope == ScopeSession || outcome.Scope == ScopeAlways) {
		if outcome.Scope == ScopeAlways {
			key = alwaysKey
		}
		b.mu.Lock()
		b.remembered[key] = outcome
		b.mu.Unlock()
	}
	return outcome, nil
}

// Request performs the agent-side round-trip: sends session/request_permission
// and returns the client's outcome.
func (b *Broker) Request(ctx context.Context, req PermissionRequest) (PermissionOutcome, error) {
	var outcome PermissionOutcome
	if err := b.dispatcher.SendRequest(ctx, "session/request_permission", req, &outcome); err != nil {
		return PermissionOutcome{}, err
	}
	return outcome, nil
}
