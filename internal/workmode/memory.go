package workmode

import (
	"context"
	"sort"
	"sync"

	"github.com/Vovarama1992/livedesk/internal/apperr"
	"github.com/Vovarama1992/livedesk/internal/keymutex"
)

type MemoryRepo struct {
	mu      sync.RWMutex
	records map[string]Record
	history []Change
	locks   *keymutex.KeyMutex
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{
		records: make(map[string]Record),
		locks:   keymutex.New(),
	}
}

func (m *MemoryRepo) Get(_ context.Context, staffID string) (*Record, error) {
	m.mu.RLock()
	r, ok := m.records[staffID]
	m.mu.RUnlock()
	if !ok {
		return nil, apperr.NotFound("get_work_mode", "work_mode", staffID)
	}
	return &r, nil
}

func (m *MemoryRepo) Update(_ context.Context, staffID string, fn func(r *Record) error) (*Record, error) {
	unlock := m.locks.Lock(staffID)
	defer unlock()

	m.mu.RLock()
	r, ok := m.records[staffID]
	m.mu.RUnlock()
	if !ok {
		r = Record{StaffID: staffID}
	}

	if err := fn(&r); err != nil {
		return nil, err
	}
	if r.Exists {
		m.mu.Lock()
		m.records[staffID] = r
		m.mu.Unlock()
	}
	return &r, nil
}

func (m *MemoryRepo) List(_ context.Context) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Record, 0, len(m.records))
	for _, r := range m.records {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StaffID < out[j].StaffID })
	return out, nil
}

func (m *MemoryRepo) AppendChange(_ context.Context, c Change) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.history = append(m.history, c)
	return nil
}

// History returns the recorded mode changes for reporting.
func (m *MemoryRepo) History() []Change {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Change, len(m.history))
	copy(out, m.history)
	return out
}
