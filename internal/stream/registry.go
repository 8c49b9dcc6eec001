package stream

import (
	"sync"

	"github.com/google/uuid"
)

// Registry maps each authenticated user to their one live session.
// Implementations must be safe for concurrent use.
type Registry interface {
	// Register binds s to userID and returns the session it replaced, if any.
	Register(userID uuid.UUID, s *Session) (previous *Session)
	Lookup(userID uuid.UUID) (*Session, bool)
	// Remove unbinds userID only while it still points at s, so a late close
	// of a superseded session never evicts its replacement.
	Remove(userID uuid.UUID, s *Session) bool
	// Snapshot copies the current sessions; callers iterate it without holding the lock.
	Snapshot() []*Session
	Len() int
}

type memoryRegistry struct {
	mu       sync.RWMutex
	sessions map[uuid.UUID]*Session
}

// NewRegistry returns an in-process registry guarded by a single lock
func NewRegistry() Registry {
	return &memoryRegistry{sessions: make(map[uuid.UUID]*Session)}
}

func (r *memoryRegistry) Register(userID uuid.UUID, s *Session) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	previous := r.sessions[userID]
	r.sessions[userID] = s
	if previous == s {
		return nil
	}
	return previous
}

func (r *memoryRegistry) Lookup(userID uuid.UUID) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[userID]
	return s, ok
}

func (r *memoryRegistry) Remove(userID uuid.UUID, s *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sessions[userID] != s {
		return false
	}
	delete(r.sessions, userID)
	return true
}

func (r *memoryRegistry) Snapshot() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

func (r *memoryRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
