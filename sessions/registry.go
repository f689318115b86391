package sessions

import (
	"sync"
	"time"

	"github.com/ggoodman/relay-mcp/mcp"
)

// StdioSessionID is the id of the single implicit session of the stdio
// transport.
const StdioSessionID = "stdio"

// DefaultLogLevel is the forwarding threshold before a peer calls
// logging/setLevel.
const DefaultLogLevel = mcp.LoggingLevelInfo

// PeerInfo is the self-description a client sends with initialize.
type PeerInfo struct {
	ClientName      string
	ClientVersion   string
	ProtocolVersion string
}

// Session is a snapshot of a registry entry.
type Session struct {
	ID        string
	CreatedAt time.Time
	Peer      PeerInfo
	// HasPeer is false until the handshake has been recorded.
	HasPeer  bool
	LogLevel mcp.LoggingLevel
}

// Registry maps session ids to their remembered metadata.
type Registry struct {
	now func() time.Time

	mu       sync.RWMutex
	sessions map[string]*Session
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock overrides the time source used for CreatedAt.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// NewRegistry returns an empty Registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		now:      time.Now,
		sessions: make(map[string]*Session),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Open creates an entry for id if none exists. It is idempotent.
func (r *Registry) Open(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ensure(id)
}

// RecordHandshake stores the peer information for id, creating the entry if
// needed. A repeated handshake overwrites the previous peer information.
func (r *Registry) RecordHandshake(id string, peer PeerInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.ensure(id)
	s.Peer = peer
	s.HasPeer = true
}

// Lookup returns the entry stored under exactly id.
func (r *Registry) Lookup(id string) (Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	if !ok {
		return Session{}, false
	}
	return *s, true
}

// PeerFor returns the peer information recorded for id, falling back to the
// StdioSessionID entry.
func (r *Registry) PeerFor(id string) (PeerInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if s, ok := r.sessions[id]; ok && s.HasPeer {
		return s.Peer, true
	}
	if s, ok := r.sessions[StdioSessionID]; ok && s.HasPeer {
		return s.Peer, true
	}
	return PeerInfo{}, false
}

// Forget removes id. Forgetting an unknown id is a no-op.
func (r *Registry) Forget(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
}

// SetLogLevel sets the threshold for log messages forwarded to the session.
func (r *Registry) SetLogLevel(id string, level mcp.LoggingLevel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ensure(id).LogLevel = level
}

// LogLevel returns the session's forwarding threshold, or DefaultLogLevel
// for unknown sessions.
func (r *Registry) LogLevel(id string) mcp.LoggingLevel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if s, ok := r.sessions[id]; ok {
		return s.LogLevel
	}
	return DefaultLogLevel
}

// Len returns the number of live entries.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// caller holds r.mu.
func (r *Registry) ensure(id string) *Session {
	s, ok := r.sessions[id]
	if !ok {
		s = &Session{ID: id, CreatedAt: r.now(), LogLevel: DefaultLogLevel}
		r.sessions[id] = s
	}
	return s
}
