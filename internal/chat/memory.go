package chat

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/Vovarama1992/livedesk/internal/apperr"
	"github.com/Vovarama1992/livedesk/internal/keymutex"
)

type MemoryRepo struct {
	mu       sync.RWMutex
	sessions map[string]Session
	messages map[string][]Message
	nextMsg  int64
	locks    *keymutex.KeyMutex
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{
		sessions: make(map[string]Session),
		messages: make(map[string][]Message),
		locks:    keymutex.New(),
	}
}

func (m *MemoryRepo) Create(_ context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[s.ID]; ok {
		return apperr.Invalid("create_session", "session %s already exists", s.ID)
	}
	m.sessions[s.ID] = s.clone()
	return nil
}

func (m *MemoryRepo) Get(_ context.Context, id string) (*Session, error) {
	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return nil, apperr.NotFound("get_session", "session", id)
	}
	s = s.clone()
	return &s, nil
}

func (m *MemoryRepo) Update(_ context.Context, id string, fn func(s *Session) error) (*Session, error) {
	unlock := m.locks.Lock(id)
	defer unlock()

	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return nil, apperr.NotFound("update_session", "session", id)
	}
	s = s.clone()

	if err := fn(&s); err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.sessions[id] = s.clone()
	m.mu.Unlock()
	return &s, nil
}

func (m *MemoryRepo) ListByStatus(_ context.Context, statuses ...Status) ([]Session, error) {
	want := make(map[Status]bool, len(statuses))
	for _, st := range statuses {
		want[st] = true
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Session
	for _, s := range m.sessions {
		if want[s.Status] {
			out = append(out, s.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryRepo) FindByVisitor(_ context.Context, email string) ([]Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Session
	for _, s := range m.sessions {
		if strings.EqualFold(strings.TrimSpace(s.Visitor.Email), email) {
			out = append(out, s.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryRepo) ActiveCounts(_ context.Context) (map[string]int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]int)
	for _, s := range m.sessions {
		if s.Status == StatusActive && s.AssignedTo != nil {
			out[*s.AssignedTo]++
		}
	}
	return out, nil
}

func (m *MemoryRepo) SaveMessage(_ context.Context, msg *Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextMsg++
	msg.ID = m.nextMsg
	m.messages[msg.SessionID] = append(m.messages[msg.SessionID], *msg)
	return nil
}

func (m *MemoryRepo) History(_ context.Context, sessionID string) ([]Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Message, len(m.messages[sessionID]))
	copy(out, m.messages[sessionID])
	return out, nil
}
