package authsession

import (
	"context"
	"sync"
	"time"
)

// MemoryStore implements Store with an in-memory map. Every request presenting
// the same key receives the same *Session, so attribute writes are visible to
// concurrent requests immediately and Save is a no-op.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[Key]*Session
	ttl      time.Duration
}

// NewMemoryStore creates a new in-memory session store. A zero ttl means sessions never expire.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	return &MemoryStore{
		sessions: make(map[Key]*Session),
		ttl:      ttl,
	}
}

// Create inserts a fresh empty session under an unused key.
func (s *MemoryStore) Create(ctx context.Context) (*Session, error) {
	var sess *Session
	_, err := createWithRetry(ctx, func(_ context.Context, key Key) (bool, error) {
		s.mu.Lock()
		defer s.mu.Unlock()

		if _, exists := s.sessions[key]; exists {
			return false, nil
		}
		sess = newSession(key, s.ttl)
		s.sessions[key] = sess
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	return sess, nil
}

// Load returns the shared session handle for key.
func (s *MemoryStore) Load(_ context.Context, key Key) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[key]
	if !ok || sess.Expired() {
		return nil, ErrNotFound
	}
	return sess, nil
}

// Save marks the handle clean. The map already holds the live handle.
func (s *MemoryStore) Save(_ context.Context, sess *Session) error {
	s.mu.RLock()
	_, ok := s.sessions[sess.Key]
	s.mu.RUnlock()
	if !ok {
		return ErrNotFound
	}
	sess.markSaved()
	return nil
}

// Delete removes a session.
func (s *MemoryStore) Delete(_ context.Context, key Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.sessions, key)
	return nil
}

// Cleanup removes expired sessions.
func (s *MemoryStore) Cleanup(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for key, sess := range s.sessions {
		if sess.Expired() {
			delete(s.sessions, key)
		}
	}
	return nil
}

// Len returns the number of sessions held, expired ones included.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// Close releases the map.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.sessions)
	return nil
}

// Verify interface compliance.
var _ Store = (*MemoryStore)(nil)
