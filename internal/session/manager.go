package session

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound = errors.New("session not found")
	ErrEnded    = errors.New("session already ended")
)

// Manager is the per-process registry of sessions and their finalized turns.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	turns    map[string][]Turn
}

func NewManager() *Manager {
	return &Manager{
		sessions: make(map[string]*Session),
		turns:    make(map[string][]Turn),
	}
}

func (m *Manager) Create(req CreateRequest) *Session {
	s := &Session{
		ID:            uuid.NewString(),
		CreateRequest: req,
		Status:        StatusActive,
		StartedAt:     time.Now().UTC(),
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = s
	return clone(s)
}

func (m *Manager) Get(sessionID string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(s), nil
}

// SetRemoteID stores the agent-assigned session identifier.
func (m *Manager) SetRemoteID(sessionID, remoteID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	s.RemoteID = remoteID
	return nil
}

// AppendTurn numbers the turn and appends it to the session history.
func (m *Manager) AppendTurn(sessionID string, turn Turn) (Turn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return Turn{}, ErrNotFound
	}
	if s.Status != StatusActive {
		return Turn{}, ErrEnded
	}
	s.TurnCount++
	if turn.Interrupted {
		s.InterruptionCount++
	}
	turn.SessionID = sessionID
	turn.Number = s.TurnCount
	m.turns[sessionID] = append(m.turns[sessionID], turn)
	return turn, nil
}

func (m *Manager) Turns(sessionID string) ([]Turn, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.sessions[sessionID]; !ok {
		return nil, ErrNotFound
	}
	src := m.turns[sessionID]
	out := make([]Turn, len(src))
	copy(out, src)
	return out, nil
}

// End marks the session ended. reason is kept as the last error when set.
func (m *Manager) End(sessionID, reason string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	if s.Status == StatusEnded {
		return clone(s), nil
	}
	now := time.Now().UTC()
	s.Status = StatusEnded
	s.EndedAt = &now
	if reason != "" {
		s.LastError = reason
	}
	return clone(s), nil
}

// List returns every known session, newest first.
func (m *Manager) List() []*Session {
	m.mu.RLock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, clone(s))
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	return out
}

func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for _, s := range m.sessions {
		if s.Status == StatusActive {
			count++
		}
	}
	return count
}

func clone(s *Session) *Session {
	c := *s
	if s.EndedAt != nil {
		t := *s.EndedAt
		c.EndedAt = &t
	}
	return &c
}
