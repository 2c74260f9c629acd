package acp

import (
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// ClientInfo and AgentInfo reuse mcp.Implementation's {Name, Version} shape
// for the initialize handshake's peer-identity fields (spec §4.6), the one
// place this runtime borrows from the Model Context Protocol SDK; deeper
// MCP server integration is an out-of-scope external collaborator (spec
// §1).
type ClientInfo = mcp.Implementation
type AgentInfo = mcp.Implementation

// Capabilities describes the optional protocol features a peer supports
// (spec §4.6). A peer must refuse to call a method gated by a capability
// the remote did not announce.
type Capabilities struct {
	LoadSession       bool `json:"loadSession,omitempty"`
	StreamingPrompts  bool `json:"streamingPrompts,omitempty"`
	Cancellation      bool `json:"cancellation,omitempty"`
	Attachments       bool `json:"attachments,omitempty"`
	SessionModes      bool `json:"sessionModes,omitempty"`
	ConfigOptions     bool `json:"configOptions,omitempty"`
	Persistence       bool `json:"persistence,omitempty"`
}

// InitializeParams is the params object for the client→agent initialize
// request (spec §6).
type InitializeParams struct {
	ClientInfo   ClientInfo    `json:"clientInfo"`
	Capabilities *Capabilities `json:"capabilities,omitempty"`
}

// InitializeResult is the response to initialize.
type InitializeResult struct {
	AgentInfo    AgentInfo    `json:"agentInfo"`
	Capabilities Capabilities `json:"capabilities"`
}

// capabilityField names each optional feature for CapabilityNotSupported
// error messages.
type capabilityField int

const (
	CapLoadSession capabilityField = iota
	CapStreamingPrompts
	CapCancellation
	CapAttachments
	CapSessionModes
	CapConfigOptions
	CapPersistence
)

func (f capabilityField) String() string {
	switch f {
	case CapLoadSession:
		return "loadSession"
	case CapStreamingPrompts:
		return "streamingPrompts"
	case CapCancellation:
		return "cancellation"
	case CapAttachments:
		return "attachments"
	case CapSessionModes:
		return "sessionModes"
	case CapConfigOptions:
		return "configOptions"
	case CapPersistence:
		return "persistence"
	default:
		return "unknown"
	}
}

func (c Capabilities) has(f capabilityField) bool {
	switch f {
	case CapLoadSession:
		return c.LoadSession
	case CapStreamingPrompts:
		return c.StreamingPrompts
	case CapCancellation:
		return c.Cancellation
	case CapAttachments:
		return c.Attachments
	case CapSessionModes:
		return c.SessionModes
	case CapConfigOptions:
		return c.ConfigOptions
	case CapPersistence:
		return c.Persistence
	default:
		return false
	}
}

// Negotiation tracks what each side of one connection announced during
// initialize, and enforces capability gating for subsequent calls.
type Negotiation struct {
	Local  Capabilities
	Remote Capabilities
	done   bool
}

// RequireRemote returns CapabilityNotSupported if the remote peer did not
// announce f during initialize (spec §4.6).
func (n *Negotiation) RequireRemote(f capabilityField) error {
	if !n.done {
		return NewProtocolError(KindInvalidSessionState, "initialize has not completed")
	}
	if !n.Remote.has(f) {
		return NewProtocolError(KindCapabilityNotSupported, fmt.Sprintf("remote peer does not support %s", f))
	}
	return nil
}

// Complete marks negotiation as settled with the remote's announced
// capabilities.
func (n *Negotiation) Complete(remote Capabilities) {
	n.Remote = remote
	n.done = true
}
