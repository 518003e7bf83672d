package registry

import (
	"context"
	"sync"
	"time"
)

// Memory is the in-memory store. A single registry holds tens to low
// thousands of devices, so one lock over the whole map is enough.
type Memory struct {
	mu      sync.RWMutex
	devices map[string]*Device

	now func() time.Time
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		devices: make(map[string]*Device),
		now:     time.Now,
	}
}

// Register upserts the device and bumps LastSeenAt.
func (m *Memory) Register(_ context.Context, token string, info *Info) error {
	if err := ValidateToken(token); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	d, ok := m.devices[token]
	if !ok {
		d = &Device{Token: token, RegisteredAt: now}
		m.devices[token] = d
	}
	merge(d, info)
	d.LastSeenAt = now
	return nil
}

// Unregister removes the device and reports whether anything was removed.
func (m *Memory) Unregister(_ context.Context, token string) (bool, error) {
	if err := ValidateToken(token); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.devices[token]; !ok {
		return false, nil
	}
	delete(m.devices, token)
	return true, nil
}

// Get retrieves one device, or ErrNotFound.
func (m *Memory) Get(_ context.Context, token string) (*Device, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	d, ok := m.devices[token]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *d
	return &copied, nil
}

// List returns a snapshot of all registered devices.
func (m *Memory) List(_ context.Context) ([]*Device, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	devices := make([]*Device, 0, len(m.devices))
	for _, d := range m.devices {
		copied := *d
		devices = append(devices, &copied)
	}
	return devices, nil
}

// Count returns the number of registered devices.
func (m *Memory) Count(_ context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.devices), nil
}

// Touch moves the device's LastSeenAt forward. Unregistered tokens are
// ignored.
func (m *Memory) Touch(_ context.Context, token string, seen time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if d, ok := m.devices[token]; ok && seen.After(d.LastSeenAt) {
		d.LastSeenAt = seen
	}
	return nil
}

// Close is a no-op for the in-memory store.
func (m *Memory) Close() error {
	return nil
}
