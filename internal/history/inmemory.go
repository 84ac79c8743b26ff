package history

import (
	"context"
	"sort"
	"sync"

	"github.com/ent0n29/voicebench/internal/session"
)

// InMemoryStore is a simple in-process store for local/dev use.
type InMemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]session.Session
	turns    map[string][]session.Turn
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		sessions: make(map[string]session.Session),
		turns:    make(map[string][]session.Turn),
	}
}

func (s *InMemoryStore) SaveSession(_ context.Context, sess session.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess.EndedAt != nil {
		t := *sess.EndedAt
		sess.EndedAt = &t
	}
	s.sessions[sess.ID] = sess
	return nil
}

func (s *InMemoryStore) SaveTurn(_ context.Context, turn session.Turn) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	arr := s.turns[turn.SessionID]
	for i := range arr {
		if arr[i].Number == turn.Number {
			arr[i] = turn
			return nil
		}
	}
	s.turns[turn.SessionID] = append(arr, turn)
	return nil
}

func (s *InMemoryStore) ListTurns(_ context.Context, sessionID string) ([]session.Turn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	arr := s.turns[sessionID]
	if len(arr) == 0 {
		return nil, nil
	}
	out := make([]session.Turn, len(arr))
	copy(out, arr)
	sort.Slice(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	return out, nil
}

func (s *InMemoryStore) ListSessions(_ context.Context, limit int) ([]session.Session, error) {
	s.mu.RLock()
	out := make([]session.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

func (s *InMemoryStore) Close() error { return nil }
