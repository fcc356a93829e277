package state

import (
	"context"
	"sync"
)

type journalEntry struct {
	key     string
	prev    []byte
	existed bool
}

// MemoryStore is a journaled in-memory Store
type MemoryStore struct {
	mu      sync.Mutex
	data    map[string][]byte
	journal []journalEntry
	marks   []int
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data: make(map[string][]byte),
	}
}

func memoryKey(table Table, key []byte) string {
	return string(table) + "\x00" + string(key)
}

func (m *MemoryStore) Get(_ context.Context, table Table, key []byte) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	v, ok := m.data[memoryKey(table, key)]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

func (m *MemoryStore) Put(_ context.Context, table Table, key, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := memoryKey(table, key)
	m.record(k)
	m.data[k] = append([]byte(nil), value...)
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, table Table, key []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := memoryKey(table, key)
	if _, ok := m.data[k]; !ok {
		return nil
	}
	m.record(k)
	delete(m.data, k)
	return nil
}

// record journals the current value of k; caller holds mu
func (m *MemoryStore) record(k string) {
	if len(m.marks) == 0 {
		return
	}
	prev, existed := m.data[k]
	m.journal = append(m.journal, journalEntry{key: k, prev: prev, existed: existed})
}

func (m *MemoryStore) Begin(_ context.Context) (Savepoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.marks = append(m.marks, len(m.journal))
	return Savepoint(len(m.marks)), nil
}

func (m *MemoryStore) Commit(_ context.Context, sp Savepoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if int(sp) != len(m.marks) {
		return ErrSavepointOrder
	}
	m.marks = m.marks[:len(m.marks)-1]
	if len(m.marks) == 0 {
		m.journal = nil
	}
	return nil
}

func (m *MemoryStore) Rollback(_ context.Context, sp Savepoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if int(sp) != len(m.marks) {
		return ErrSavepointOrder
	}
	mark := m.marks[len(m.marks)-1]
	for i := len(m.journal) - 1; i >= mark; i-- {
		e := m.journal[i]
		if e.existed {
			m.data[e.key] = e.prev
		} else {
			delete(m.data, e.key)
		}
	}
	m.journal = m.journal[:mark]
	m.marks = m.marks[:len(m.marks)-1]
	return nil
}

func (m *MemoryStore) Close() error {
	return nil
}
