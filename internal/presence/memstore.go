package presence

import (
	"context"
	"sync"
	"time"

	"workpulse/internal/keylock"
)

// MemoryStore keeps device records in process.
type MemoryStore struct {
	locks keylock.Map

	mu      sync.RWMutex
	devices map[string]Device
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{devices: make(map[string]Device)}
}

var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) Upsert(ctx context.Context, id Identity, snap Snapshot, now time.Time) (Device, error) {
	if err := ctx.Err(); err != nil {
		return Device{}, err
	}
	unlock := m.locks.Lock(id.key())
	defer unlock()

	m.mu.RLock()
	cur, ok := m.devices[id.key()]
	m.mu.RUnlock()

	var prev *Device
	if ok {
		prev = &cur
	}
	d := upsert(prev, id, snap, now)

	m.mu.Lock()
	m.devices[id.key()] = d
	m.mu.Unlock()
	return d, nil
}

func (m *MemoryStore) Get(ctx context.Context, id Identity) (*Device, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.devices[id.key()]
	if !ok {
		return nil, nil
	}
	return &d, nil
}

func (m *MemoryStore) List(ctx context.Context, companyName string) ([]Device, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Device
	for _, d := range m.devices {
		if d.CompanyName == companyName {
			out = append(out, d)
		}
	}
	SortDevices(out)
	return out, nil
}
