package device

import (
	"context"
	"sync"

	"github.com/fieldpulse/devicegw/common"
)

// Repository is the read-only port the core uses to fetch a device
// definition by id (§6). Implemented externally in the real product (a
// database-backed CRUD layer); the core never re-reads a definition
// mid-lifetime of a poller — changes take effect on next Start.
type Repository interface {
	LoadDevice(ctx context.Context, id string) (Definition, error)
}

// MapRepository is an in-memory Repository for tests and cmd/gatewayd's
// demo wiring. It is not the product's real device store.
type MapRepository struct {
	mu      sync.RWMutex
	devices map[string]Definition
}

// NewMapRepository builds a MapRepository seeded with devices.
func NewMapRepository(devices ...Definition) *MapRepository {
	m := &MapRepository{devices: make(map[string]Definition, len(devices))}
	for _, d := range devices {
		m.devices[d.ID] = d
	}
	return m
}

func (m *MapRepository) LoadDevice(_ context.Context, id string) (Definition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.devices[id]
	if !ok {
		return Definition{}, common.ErrNotFound
	}
	return d, nil
}

// Put inserts or replaces a device definition, for tests that need to
// mutate the repository mid-run.
func (m *MapRepository) Put(d Definition) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.devices[d.ID] = d
}
