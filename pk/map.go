// Package pk maps entry ids to the dense slots used by bitmap filtering.
package pk

import "sync"

// Map assigns dense uint32 slots to entry ids. Slots are handed out in
// insertion order and never reused, so a slot doubles as a stable "older
// than" ordering between entries. Re-adding a known id returns its
// existing slot.
type Map struct {
	mu    sync.RWMutex
	slots map[string]uint32
	ids   []string // slot -> id
}

// New creates an empty Map.
func New() *Map {
	return &Map{slots: make(map[string]uint32)}
}

// Assign returns the slot for id, allocating the next slot for unknown ids.
func (m *Map) Assign(id string) uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if slot, ok := m.slots[id]; ok {
		return slot
	}
	slot := uint32(len(m.ids))
	m.slots[id] = slot
	m.ids = append(m.ids, id)
	return slot
}

// Lookup returns the slot for id.
func (m *Map) Lookup(id string) (uint32, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	slot, ok := m.slots[id]
	return slot, ok
}

// ID returns the id occupying slot.
func (m *Map) ID(slot uint32) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if int(slot) >= len(m.ids) {
		return "", false
	}
	return m.ids[slot], true
}

// Len returns the number of assigned slots.
func (m *Map) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.ids)
}
