package ledger

import (
	"context"
	"sync"

	"github.com/fyrsmithlabs/incidentd/internal/incident"
)

// MemoryStore keeps histories in process.
type MemoryStore struct {
	mu   sync.RWMutex
	logs map[string][]incident.Transition
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{logs: make(map[string][]incident.Transition)}
}

func (m *MemoryStore) Load(_ context.Context, id string) ([]incident.Transition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]incident.Transition(nil), m.logs[id]...), nil
}

func (m *MemoryStore) CompareAndAppend(_ context.Context, id string, expectedLen int, t incident.Transition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.logs[id]) != expectedLen {
		return ErrConflict
	}
	m.logs[id] = append(m.logs[id], t)
	return nil
}

func (m *MemoryStore) Close() error { return nil }
