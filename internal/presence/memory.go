package presence

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/Vovarama1992/livedesk/internal/apperr"
	"github.com/Vovarama1992/livedesk/internal/keymutex"
)

// MemoryRepo keeps records in process. Updates to one user are serialized
// by a per-user lock; the map lock is only held for the copy in or out.
type MemoryRepo struct {
	mu      sync.RWMutex
	records map[string]Record
	locks   *keymutex.KeyMutex
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{
		records: make(map[string]Record),
		locks:   keymutex.New(),
	}
}

func (m *MemoryRepo) Get(_ context.Context, userID string) (*Record, error) {
	m.mu.RLock()
	r, ok := m.records[userID]
	m.mu.RUnlock()
	if !ok {
		return nil, apperr.NotFound("get_presence", "presence", userID)
	}
	r = r.clone()
	return &r, nil
}

func (m *MemoryRepo) Update(_ context.Context, userID string, fn func(r *Record) error) (*Record, error) {
	unlock := m.locks.Lock(userID)
	defer unlock()

	m.mu.RLock()
	r, ok := m.records[userID]
	m.mu.RUnlock()
	if ok {
		r = r.clone()
	} else {
		r = Record{UserID: userID, Status: StatusOffline}
	}

	if err := fn(&r); err != nil {
		return nil, err
	}
	if !r.Exists {
		return &r, nil
	}

	stored := r.clone()
	m.mu.Lock()
	m.records[userID] = stored
	m.mu.Unlock()
	return &r, nil
}

func (m *MemoryRepo) ListStale(_ context.Context, cutoff time.Time) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []string
	for id, r := range m.records {
		if r.Status != StatusOffline && r.LastActive.Before(cutoff) {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (m *MemoryRepo) List(_ context.Context) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Record, 0, len(m.records))
	for _, r := range m.records {
		out = append(out, r.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}
