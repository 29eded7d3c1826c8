// Package counter keeps non-authoritative unread counts per
// (tenant, room, actor). Counts are maintained best-effort on insert and
// acknowledgement and can be rebuilt from the store at any time.
package counter

import (
	"context"
	"sync"
)

// Key identifies one unread counter.
type Key struct {
	TenantID string
	RoomID   string
	ActorID  string
}

// Counter stores eventually consistent unread counts.
type Counter interface {
	// Add adjusts the counter by delta.
	Add(ctx context.Context, key Key, delta int64) error
	// Get returns the counter value, never negative.
	Get(ctx context.Context, key Key) (int64, error)
	// Replace discards every counter and installs snapshot.
	Replace(ctx context.Context, snapshot map[Key]int64) error
}

// Compile-time check
var _ Counter = (*Memory)(nil)

// Memory is an in-process Counter.
type Memory struct {
	mu     sync.RWMutex
	counts map[Key]int64
}

// NewMemory creates an empty in-memory counter.
func NewMemory() *Memory {
	return &Memory{counts: make(map[Key]int64)}
}

// Add adjusts the counter by delta.
func (m *Memory) Add(_ context.Context, key Key, delta int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counts[key] += delta
	return nil
}

// Get returns the counter value.
func (m *Memory) Get(_ context.Context, key Key) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return max(m.counts[key], 0), nil
}

// Replace installs snapshot.
func (m *Memory) Replace(_ context.Context, snapshot map[Key]int64) error {
	counts := make(map[Key]int64, len(snapshot))
	for k, v := range snapshot {
		if v > 0 {
			counts[k] = v
		}
	}
	m.mu.Lock()
	m.counts = counts
	m.mu.Unlock()
	return nil
}
