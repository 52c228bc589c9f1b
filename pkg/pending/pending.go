// Package pending implements the provider's pending-request manager
// (C7): a registry of resume closures for operations queued during an
// outage, drained sequentially once connectivity recovers.
package pending

import (
	"context"
	"log/slog"
	"sync"
)

// Resume is invoked to retry a previously queued operation.
type Resume func(context.Context) error

// Manager holds registered resume closures keyed by an opaque string,
// typically a logical_operation_id or an exchange-type key. Zero value is
// not usable; build one with New.
type Manager struct {
	mu      sync.Mutex
	entries map[string]Resume
	gate    chan struct{}
	log     *slog.Logger
}

// New constructs an empty Manager.
func New(log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	gate := make(chan struct{}, 1)
	gate <- struct{}{}
	return &Manager{
		entries: make(map[string]Resume),
		gate:    gate,
		log:     log,
	}
}

// Register inserts resume under key if not already present, returning
// whether the insertion happened.
func (m *Manager) Register(key string, resume Resume) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.entries[key]; exists {
		return false
	}
	m.entries[key] = resume
	return true
}

// Remove deletes key's entry, if any.
func (m *Manager) Remove(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
}

// Len reports how many resume closures are currently queued.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// RetryAll invokes every registered resume sequentially under a
// single-permit gate, so overlapping recoveries never race each other.
// A resume that fails is logged and left in place for the next
// RetryAll; a resume that succeeds must remove its own entry.
func (m *Manager) RetryAll(ctx context.Context) error {
	select {
	case <-m.gate:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { m.gate <- struct{}{} }()

	m.mu.Lock()
	keys := make([]string, 0, len(m.entries))
	for k := range m.entries {
		keys = append(keys, k)
	}
	m.mu.Unlock()

	for _, key := range keys {
		m.mu.Lock()
		resume, ok := m.entries[key]
		m.mu.Unlock()
		if !ok {
			continue
		}

		if err := resume(ctx); err != nil {
			m.log.Warn("pending resume failed", "key", key, "error", err)
			continue
		}
	}
	return nil
}
