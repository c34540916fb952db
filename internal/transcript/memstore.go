package transcript

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemStore is an in-memory Store. It backs tests and DSN-less installs: a
// site kit has to keep working with no database reachable, trading
// persistence across daemon restarts for availability.
type MemStore struct {
	mu       sync.Mutex
	sessions map[string]*memSession
}

type memSession struct {
	meta   SessionMeta
	events []Event
	ended  bool
	reason string
}

var _ Store = (*MemStore)(nil)

// NewMemStore returns an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{sessions: make(map[string]*memSession)}
}

// BeginSession implements [Store].
func (s *MemStore) BeginSession(_ context.Context, meta SessionMeta) (string, error) {
	id := NewSessionID()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[id] = &memSession{meta: meta}
	return id, nil
}

// Append implements [Store].
func (s *MemStore) Append(_ context.Context, sessionID string, ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		return fmt.Errorf("transcript: unknown session %q", sessionID)
	}
	if sess.ended && ev.Kind != KindRecap {
		return fmt.Errorf("transcript: session %q already ended", sessionID)
	}
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	sess.events = append(sess.events, ev)
	return nil
}

// EndSession implements [Store].
func (s *MemStore) EndSession(_ context.Context, sessionID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		return fmt.Errorf("transcript: unknown session %q", sessionID)
	}
	if sess.ended {
		return nil
	}
	sess.ended = true
	sess.reason = reason
	return nil
}

// Events implements [Store].
func (s *MemStore) Events(_ context.Context, sessionID string) ([]Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("transcript: unknown session %q", sessionID)
	}
	out := make([]Event, len(sess.events))
	copy(out, sess.events)
	return out, nil
}

// EndReason reports the reason a session ended with, for tests and the
// status endpoint. Empty while the session is open.
func (s *MemStore) EndReason(sessionID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[sessionID]; ok {
		return sess.reason
	}
	return ""
}
