package acp

import (
	"fmt"
	"sync"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/google/uuid"
)

// SessionID identifies a Session (spec §3). Unlike outbound request ids,
// which are monotonic integers assigned per peer (spec §5), session ids are
// opaque and generated with google/uuid — they cross process boundaries and
// are never used for response correlation.
type SessionID string

// NewSessionID mints a fresh opaque session identifier.
func NewSessionID() SessionID {
	return SessionID(uuid.NewString())
}

// Mode is one entry in a session's set of available operating modes (e.g.
// "ask", "auto-edit", "full-auto").
type Mode struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// ConfigOption is one session-scoped configuration knob the agent exposes,
// each carrying its current value (spec §3).
type ConfigOption struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Value   string `json:"value"`
	Choices []string `json:"choices,omitempty"`
}

// Command describes a slash-command the agent currently supports for a
// session. InputSchema follows the google/jsonschema-go Schema struct
// literal pattern for describing the command's argument shape, mirroring
// how MCP tool definitions are described upstream.
type Command struct {
	Name        string             `json:"name"`
	Description string             `json:"description,omitempty"`
	InputSchema *jsonschema.Schema `json:"inputSchema,omitempty"`
}

// defaultEventBufferSize bounds per-session update buffering the way the
// ring buffer bounds event history: a slow subscriber falls behind rather
// than forcing the session to hold an unbounded backlog in memory.
const defaultEventBufferSize = 256

// updateBuffer is a small bounded ring buffer of delivered SessionUpdates,
// adapted from the resumable event-buffer pattern: unlike its model this
// buffer is not resumable by client-chosen index (spec's Non-goals exclude
// persistence across reconnects) — it exists purely so a late subscriber can
// be handed recent history instead of starting from nothing.
type updateBuffer struct {
	mu      sync.RWMutex
	entries []SessionUpdateWrapper
	maxSize int
	dropped int64
}

func newUpdateBuffer(maxSize int) *updateBuffer {
	if maxSize <= 0 {
		maxSize = defaultEventBufferSize
	}
	return &updateBuffer{maxSize: maxSize}
}

func (b *updateBuffer) append(u SessionUpdate) (dropped bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.entries) >= b.maxSize {
		b.entries = b.entries[1:]
		b.dropped++
		dropped = true
	}
	b.entries = append(b.entries, SessionUpdateWrapper{Value: u})
	return dropped
}

func (b *updateBuffer) snapshot() []SessionUpdateWrapper {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]SessionUpdateWrapper, len(b.entries))
	copy(out, b.entries)
	return out
}

// UpdateSubscriber receives SessionUpdates for one Session in the exact
// order the transport received them (spec §4.3, law 5 in §8). The channel
// is buffered; an update that finds a subscriber's channel full is dropped
// for that subscriber rather than blocking Publish. Delivered updates are
// never reordered.
type UpdateSubscriber chan SessionUpdate

// Session is an agent-side or client-side view of one ACP session (spec
// §3). The owning peer (whichever called session/new or session/load)
// mutates it directly; the remote peer holds only the SessionID.
type Session struct {
	ID               SessionID
	WorkingDirectory string
	MCPServers       []string
	Modes            []Mode
	CurrentModeID    string
	Commands         []Command
	ConfigOptions    []ConfigOption

	mu        sync.RWMutex
	active    bool
	cancelled bool // sticky once set (spec §4.3)

	buffer *updateBuffer

	subMu       sync.Mutex
	subscribers map[int]UpdateSubscriber
	nextSubID   int
}

// NewSession constructs an active session with the given working directory.
// Created by session/new or session/load handlers (spec §3).
func NewSession(id SessionID, workingDirectory string) *Session {
	return &Session{
		ID:               id,
		WorkingDirectory: workingDirectory,
		active:           true,
		buffer:           newUpdateBuffer(defaultEventBufferSize),
		subscribers:      make(map[int]UpdateSubscriber),
	}
}

// IsActive reports whether the session still accepts operations. Once
// deactivated (explicit teardown or transport close) it never re-activates
// (spec §3 invariant).
func (s *Session) IsActive() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active
}

// Deactivate marks the session inactive. Idempotent.
func (s *Session) Deactivate() {
	s.mu.Lock()
	s.active = false
	s.mu.Unlock()
}

// Cancel sets the session's sticky cancellation flag (spec §4.3, §8 law 6).
// Once set it is never cleared; a new prompt on the same session starts
// with cancelled still true unless the caller creates a fresh session.
func (s *Session) Cancel() {
	s.mu.Lock()
	s.cancelled = true
	s.mu.Unlock()
}

// IsCancelled reports the sticky cancellation flag.
func (s *Session) IsCancelled() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cancelled
}

// Subscribe registers a new update subscriber and returns it along with an
// unsubscribe function. Publish never blocks on a slow reader: an update
// that finds the channel full is dropped for this subscriber. Updates that
// are delivered arrive in the order Publish was called, provided callers
// serialize their Publish calls (see Publish).
func (s *Session) Subscribe(bufferSize int) (UpdateSubscriber, func()) {
	if bufferSize <= 0 {
		bufferSize = 32
	}
	ch := make(UpdateSubscriber, bufferSize)

	s.subMu.Lock()
	id := s.nextSubID
	s.nextSubID++
	s.subscribers[id] = ch
	s.subMu.Unlock()

	return ch, func() {
		s.subMu.Lock()
		if existing, ok := s.subscribers[id]; ok {
			delete(s.subscribers, id)
			close(existing)
		}
		s.subMu.Unlock()
	}
}

// Publish records u in the session's bounded history and fans it out to
// every current subscriber, in the order Publish is called (spec §8 law 5:
// transport-receive order). Callers must serialize their own calls to
// Publish per session (StdioTransport runs inbound notification handlers one
// at a time on its read loop, which does this for session/update).
func (s *Session) Publish(u SessionUpdate) {
	if s.buffer.append(u) {
		recordSessionUpdateDrop(string(s.ID))
	}

	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, ch := range s.subscribers {
		select {
		case ch <- u:
		default:
			// Slow subscriber: drop rather than block the ordered publish
			// path for every other subscriber (mirrors the ring buffer's
			// "accept data loss for slow clients" trade-off).
		}
	}
}

// History returns a snapshot of buffered updates, most useful for a
// subscriber that joins mid-session and wants recent context.
func (s *Session) History() []SessionUpdateWrapper {
	return s.buffer.snapshot()
}

// Registry owns every active Session for one peer (spec §2's "Session
// registry" component): it routes inbound session/update notifications and
// enforces the active/inactive invariant, independent of which concrete
// Transport delivered the notification.
type Registry struct {
	mu       sync.RWMutex
	sessions map[SessionID]*Session
}

// NewRegistry constructs an empty session registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[SessionID]*Session)}
}

// Add registers a newly created or loaded session.
func (r *Registry) Add(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s.ID] = s
	recordSessionAdded()
}

// Get looks up a session by id.
func (r *Registry) Get(id SessionID) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Route delivers an inbound SessionUpdate to the owning session, returning
// ResourceNotFound if id is unknown and InvalidSessionState if the session
// is no longer active (spec §4.1's error taxonomy).
func (r *Registry) Route(id SessionID, u SessionUpdate) error {
	s, ok := r.Get(id)
	if !ok {
		return NewProtocolError(KindResourceNotFound, fmt.Sprintf("unknown session %q", id))
	}
	if !s.IsActive() {
		return NewProtocolError(KindInvalidSessionState, fmt.Sprintf("session %q is inactive", id))
	}
	s.Publish(u)
	return nil
}

// DeactivateAll marks every registered session inactive, used when the
// transport closes (spec §7: "transport-level failures ... deactivate all
// sessions").
func (r *Registry) DeactivateAll() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.sessions {
		s.Deactivate()
	}
}

// CancelAll sets the sticky cancellation flag on every registered session.
func (r *Registry) CancelAll() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.sessions {
		s.Cancel()
	}
}

// Remove deletes a session from the registry. Sessions are otherwise never
// destroyed except by owning-peer shutdown (spec §3).
func (r *Registry) Remove(id SessionID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[id]; ok {
		recordSessionRemoved()
	}
	delete(r.sessions, id)
}
