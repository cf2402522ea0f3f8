package reconciliation

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory dead-letter store for demo/development mode.
type MemoryStore struct {
	mu     sync.RWMutex
	rows   map[int64]*FailedRefund
	order  []int64
	nextID int64
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rows: make(map[int64]*FailedRefund)}
}

func (m *MemoryStore) Add(ctx context.Context, fr *FailedRefund) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	fr.ID = m.nextID
	if fr.CreatedAt.IsZero() {
		fr.CreatedAt = time.Now()
	}
	cp := *fr
	m.rows[fr.ID] = &cp
	m.order = append(m.order, fr.ID)
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id int64) (*FailedRefund, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	fr, ok := m.rows[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *fr
	return &cp, nil
}

func (m *MemoryStore) ListPending(ctx context.Context, limit int) ([]*FailedRefund, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*FailedRefund
	for _, id := range m.order {
		if len(out) >= limit {
			break
		}
		if fr := m.rows[id]; !fr.Resolved {
			cp := *fr
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MemoryStore) MarkResolved(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	fr, ok := m.rows[id]
	if !ok {
		return ErrNotFound
	}
	now := time.Now()
	fr.Resolved = true
	fr.ResolvedAt = &now
	return nil
}

func (m *MemoryStore) IncrementAttempts(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	fr, ok := m.rows[id]
	if !ok {
		return ErrNotFound
	}
	fr.Attempts++
	return nil
}

func (m *MemoryStore) CountPending(ctx context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := 0
	for _, fr := range m.rows {
		if !fr.Resolved {
			n++
		}
	}
	return n, nil
}
