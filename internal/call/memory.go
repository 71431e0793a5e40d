package call

import (
	"context"
	"sort"
	"sync"

	"github.com/Vovarama1992/livedesk/internal/apperr"
	"github.com/Vovarama1992/livedesk/internal/keymutex"
)

type MemoryRepo struct {
	mu    sync.RWMutex
	calls map[string]Session
	locks *keymutex.KeyMutex
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{
		calls: make(map[string]Session),
		locks: keymutex.New(),
	}
}

func (m *MemoryRepo) Create(_ context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.calls[s.ID]; ok {
		return apperr.Invalid("create_call", "call %s already exists", s.ID)
	}
	m.calls[s.ID] = s.clone()
	return nil
}

func (m *MemoryRepo) Get(_ context.Context, id string) (*Session, error) {
	m.mu.RLock()
	s, ok := m.calls[id]
	m.mu.RUnlock()
	if !ok {
		return nil, apperr.NotFound("get_call", "call", id)
	}
	s = s.clone()
	return &s, nil
}

func (m *MemoryRepo) Update(_ context.Context, id string, fn func(s *Session) error) (*Session, error) {
	unlock := m.locks.Lock(id)
	defer unlock()

	m.mu.RLock()
	s, ok := m.calls[id]
	m.mu.RUnlock()
	if !ok {
		return nil, apperr.NotFound("update_call", "call", id)
	}
	s = s.clone()

	if err := fn(&s); err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.calls[id] = s.clone()
	m.mu.Unlock()
	return &s, nil
}

func (m *MemoryRepo) ListByStatus(_ context.Context, status Status) ([]Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Session
	for _, s := range m.calls {
		if s.Status == status {
			out = append(out, s.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}
