package credential

import (
	"sync"
	"time"
)

// Store holds the current credential per (provider, kind). Writes come only
// from the Manager's serialized refresh path; reads are concurrent.
type Store struct {
	mu    sync.RWMutex
	creds map[Key]Credential
}

// NewStore creates an empty credential store.
func NewStore() *Store {
	return &Store{
		creds: make(map[Key]Credential),
	}
}

// Get returns the last successfully issued credential for the key.
// A credential remains visible while a later refresh is failing
// (stale-but-present beats absent).
func (s *Store) Get(key Key) (Credential, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.creds[key]
	return c, ok
}

// Put replaces the credential for its key.
func (s *Store) Put(c Credential) {
	s.mu.Lock()
	s.creds[c.Key()] = c
	s.mu.Unlock()
}

// IsValid reports whether a credential exists for the key and has not
// expired at the given instant.
func (s *Store) IsValid(key Key, now time.Time) bool {
	c, ok := s.Get(key)
	return ok && c.Valid(now)
}

// All returns a copy of every stored credential.
func (s *Store) All() []Credential {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Credential, 0, len(s.creds))
	for _, c := range s.creds {
		out = append(out, c)
	}
	return out
}
