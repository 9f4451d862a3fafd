package store

import (
	"sync"
	"time"

	"navidai/internal/util"
)

type memorySession struct {
	userID  string
	expires time.Time
}

// MemorySessionStore keeps sessions in-process (single instance only).
type MemorySessionStore struct {
	mu       sync.Mutex
	ttl      time.Duration
	now      func() time.Time
	sessions map[string]memorySession
}

// NewMemorySessionStore builds an in-memory session store.
func NewMemorySessionStore(ttl time.Duration) *MemorySessionStore {
	return &MemorySessionStore{
		ttl:      ttl,
		now:      time.Now,
		sessions: make(map[string]memorySession),
	}
}

func (s *MemorySessionStore) NewSession(userID string) (string, error) {
	token, err := util.RandomURLToken(32)
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	s.sessions[token] = memorySession{userID: userID, expires: s.now().Add(s.ttl)}
	s.mu.Unlock()
	return token, nil
}

func (s *MemorySessionStore) GetUserIDByToken(token string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[token]
	if !ok {
		return "", false, nil
	}
	now := s.now()
	if now.After(sess.expires) {
		delete(s.sessions, token)
		return "", false, nil
	}
	sess.expires = now.Add(s.ttl)
	s.sessions[token] = sess
	return sess.userID, true, nil
}

func (s *MemorySessionStore) DeleteSession(token string) error {
	s.mu.Lock()
	delete(s.sessions, token)
	s.mu.Unlock()
	return nil
}
