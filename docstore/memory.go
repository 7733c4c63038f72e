package docstore

import (
	"context"
	"fmt"
	"iter"
	"sync"

	"github.com/cssvb94/VectorLiteDB/knowledge"
)

// Memory is an in-memory Store. Entries are deep-copied on the way in and
// out, so callers can mutate what they hold without racing the store.
type Memory struct {
	mu      sync.RWMutex
	entries map[string]*knowledge.Entry
	pos     map[string]int
	order   []string // "" marks a deleted slot
}

var _ Store = (*Memory)(nil)

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		entries: make(map[string]*knowledge.Entry),
		pos:     make(map[string]int),
	}
}

// Get returns a copy of the entry for id.
func (m *Memory) Get(_ context.Context, id string) (*knowledge.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.entries[id]
	if !ok {
		return nil, fmt.Errorf("entry %s: %w", id, ErrNotFound)
	}
	return e.Clone(), nil
}

// Put inserts or replaces the entry under its id.
func (m *Memory) Put(_ context.Context, entry *knowledge.Entry) error {
	stored := entry.Clone()

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.pos[stored.ID]; !ok {
		m.pos[stored.ID] = len(m.order)
		m.order = append(m.order, stored.ID)
	}
	m.entries[stored.ID] = stored
	return nil
}

// Delete removes the entry. Unknown ids are a no-op.
func (m *Memory) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.pos[id]
	if !ok {
		return nil
	}
	m.order[p] = ""
	delete(m.pos, id)
	delete(m.entries, id)
	return nil
}

// All iterates entries in first-write order.
func (m *Memory) All(ctx context.Context) iter.Seq2[*knowledge.Entry, error] {
	return func(yield func(*knowledge.Entry, error) bool) {
		// Stored entries are immutable once in the map (Put replaces the
		// pointer), so a snapshot of pointers is race-free.
		m.mu.RLock()
		snapshot := make([]*knowledge.Entry, 0, len(m.entries))
		for _, id := range m.order {
			if id == "" {
				continue
			}
			if e, ok := m.entries[id]; ok {
				snapshot = append(snapshot, e)
			}
		}
		m.mu.RUnlock()

		for _, e := range snapshot {
			if ctx.Err() != nil {
				yield(nil, ctx.Err())
				return
			}
			if !yield(e.Clone(), nil) {
				return
			}
		}
	}
}

// Count returns the number of stored entries.
func (m *Memory) Count(_ context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries), nil
}

// Close is a no-op for the in-memory store.
func (m *Memory) Close() error { return nil }
