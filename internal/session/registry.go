// Package session tracks connected downstream clients and their
// subscription sets.
package session

import (
	"errors"
	"sync"

	"github.com/google/uuid"

	"github.com/hanati/nextfeed/internal/model"
)

var (
	// ErrTooManySubscriptions is returned when a session hits its
	// per-connection subscription cap.
	ErrTooManySubscriptions = errors.New("too many subscriptions")

	// ErrSessionClosed is returned for operations on a closed session.
	ErrSessionClosed = errors.New("session closed")
)

// Conn is the write side of a downstream connection.
type Conn interface {
	WriteJSON(v any) error
	Close() error
}

// Session is one downstream websocket connection. A session lives on a
// single stream plane (quote or trade) fixed by the endpoint it connected
// to; its subscription set only ever holds keys of that kind.
type Session struct {
	id      string
	kind    model.StreamKind
	conn    Conn
	maxSubs int

	// Serializes writes; gorilla connections allow one writer at a time.
	writeMu sync.Mutex

	// One mutex covers the set and the closed flag: once Close returns, no
	// new key can ever enter the set.
	mu     sync.RWMutex
	subs   map[model.InstrumentKey]struct{}
	closed bool
}

// New creates a session with a fresh random id.
func New(kind model.StreamKind, conn Conn, maxSubs int) *Session {
	return &Session{
		id:      uuid.NewString(),
		kind:    kind,
		conn:    conn,
		maxSubs: maxSubs,
		subs:    make(map[model.InstrumentKey]struct{}),
	}
}

// ID returns the session's unique id.
func (s *Session) ID() string { return s.id }

// Kind returns the stream plane this session is on.
func (s *Session) Kind() model.StreamKind { return s.kind }

// Subscribe adds the key to the session's set. Returns false if the key
// was already present (no state change), ErrSessionClosed once the session
// has been closed.
func (s *Session) Subscribe(key model.InstrumentKey) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false, ErrSessionClosed
	}
	if _, ok := s.subs[key]; ok {
		return false, nil
	}
	if s.maxSubs > 0 && len(s.subs) >= s.maxSubs {
		return false, ErrTooManySubscriptions
	}
	s.subs[key] = struct{}{}
	return true, nil
}

// Has reports whether the key is in the session's set.
func (s *Session) Has(key model.InstrumentKey) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.subs[key]
	return ok
}

// Unsubscribe removes the key from the session's set. Returns false if the
// key was not present. Still permitted on a closed session: disconnect
// teardown removes keys to claim their upstream release.
func (s *Session) Unsubscribe(key model.InstrumentKey) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.subs[key]; !ok {
		return false
	}
	delete(s.subs, key)
	return true
}

// Subscriptions returns a snapshot of the session's current keys.
func (s *Session) Subscriptions() []model.InstrumentKey {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]model.InstrumentKey, 0, len(s.subs))
	for k := range s.subs {
		keys = append(keys, k)
	}
	return keys
}

// Send writes one JSON message to the session. Writes are serialized; a
// closed session returns an error without touching the connection.
func (s *Session) Send(v any) error {
	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		return ErrSessionClosed
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteJSON(v)
}

// Close marks the session closed and closes the underlying connection.
// Safe to call more than once; only the first call reaches the connection.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	return s.conn.Close()
}

// Closed reports whether the session has been closed.
func (s *Session) Closed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

// Registry is the set of live sessions.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Add registers the session.
func (r *Registry) Add(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s.ID()] = s
}

// Remove unregisters the session by id and returns it. The second return
// is false when the session was already removed, making disconnect
// teardown idempotent.
func (r *Registry) Remove(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return nil, false
	}
	delete(r.sessions, id)
	return s, true
}

// Get returns the session by id.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// All returns a snapshot of every live session.
func (r *Registry) All() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
