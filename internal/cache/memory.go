package cache

import (
	"context"
	"sync"
	"time"
)

type entry struct {
	value     []byte
	expiresAt time.Time
}

// Memory is an in-process TTL cache. Expired entries are evicted lazily on
// Get and eagerly by the sweeper started with Start.
type Memory struct {
	mu      sync.RWMutex
	entries map[string]entry

	sweepEvery time.Duration
	stop       chan struct{}
	stopOnce   sync.Once
	done       chan struct{}
}

// NewMemory creates an in-memory cache. sweepEvery <= 0 disables the
// background sweeper; lazy eviction still applies.
func NewMemory(sweepEvery time.Duration) *Memory {
	return &Memory{
		entries:    make(map[string]entry),
		sweepEvery: sweepEvery,
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Start launches the background sweeper. Safe to skip entirely.
func (m *Memory) Start() {
	if m.sweepEvery <= 0 {
		close(m.done)
		return
	}
	go func() {
		defer close(m.done)
		ticker := time.NewTicker(m.sweepEvery)
		defer ticker.Stop()
		for {
			select {
			case <-m.stop:
				return
			case <-ticker.C:
				m.sweep(time.Now())
			}
		}
	}()
}

// Stop terminates the sweeper and waits for it to exit.
func (m *Memory) Stop() {
	m.stopOnce.Do(func() { close(m.stop) })
	<-m.done
}

// Get returns the unexpired value for fingerprint. An expired slot is
// evicted on the spot.
func (m *Memory) Get(_ context.Context, fingerprint string) ([]byte, bool, error) {
	m.mu.RLock()
	e, ok := m.entries[fingerprint]
	m.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}
	if time.Now().After(e.expiresAt) {
		m.mu.Lock()
		// Re-check under the write lock: a fresh Put may have raced in.
		if cur, ok := m.entries[fingerprint]; ok && time.Now().After(cur.expiresAt) {
			delete(m.entries, fingerprint)
		}
		m.mu.Unlock()
		return nil, false, nil
	}
	// Copy so callers cannot mutate the stored value.
	out := make([]byte, len(e.value))
	copy(out, e.value)
	return out, true, nil
}

// Put overwrites fingerprint and resets its TTL. Last writer wins.
func (m *Memory) Put(_ context.Context, fingerprint string, value []byte, ttl time.Duration) error {
	stored := make([]byte, len(value))
	copy(stored, value)
	m.mu.Lock()
	m.entries[fingerprint] = entry{value: stored, expiresAt: time.Now().Add(ttl)}
	m.mu.Unlock()
	return nil
}

// Delete removes the entry if present.
func (m *Memory) Delete(_ context.Context, fingerprint string) error {
	m.mu.Lock()
	delete(m.entries, fingerprint)
	m.mu.Unlock()
	return nil
}

// Len reports the current entry count, expired or not.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

func (m *Memory) sweep(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, e := range m.entries {
		if now.After(e.expiresAt) {
			delete(m.entries, k)
		}
	}
}
