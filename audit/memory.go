package audit

import (
	"context"
	"sync"
)

// MemoryStore keeps records in memory
type MemoryStore struct {
	mu      sync.RWMutex
	records []Record
}

// NewMemoryStore creates an empty MemoryStore
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Insert appends record
func (m *MemoryStore) Insert(_ context.Context, record Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, record)
	return nil
}

// Query returns matching records most recent first
func (m *MemoryStore) Query(_ context.Context, filter Filter) ([]Record, error) {
	filter = filter.normalize()

	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Record, 0, filter.Limit)
	skipped := 0
	for i := len(m.records) - 1; i >= 0 && len(out) < filter.Limit; i-- {
		if !filter.matches(m.records[i]) {
			continue
		}
		if skipped < filter.Offset {
			skipped++
			continue
		}
		out = append(out, m.records[i])
	}
	return out, nil
}

// Close is a no-op
func (m *MemoryStore) Close() error {
	return nil
}
