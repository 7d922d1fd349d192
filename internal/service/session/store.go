package session

import (
	"sync"

	"github.com/google/uuid"
)

// Store is the single authoritative session map for the process. Creation is
// atomic: concurrent callers racing on the same fresh id observe one created
// entry. Steady-state lookups take the read lock only.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewStore bootstraps an empty in-memory store.
func NewStore() *Store {
	return &Store{
		sessions: make(map[string]*Session),
	}
}

// GetOrCreate returns the session for id, creating it with an empty history
// and no bound connection when the id is unknown. An empty id mints a fresh
// uuid. The second return reports whether a new session was created.
func (s *Store) GetOrCreate(id string) (*Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id == "" {
		id = uuid.NewString()
	} else if sess, ok := s.sessions[id]; ok {
		return sess, false
	}
	sess := newSession(id)
	s.sessions[id] = sess
	return sess, true
}

// Get looks up a session without creating one. Referencing an unknown id is
// an error, not an implicit create.
func (s *Store) Get(id string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return sess, nil
}

// Len reports how many sessions the store holds.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}
