package kvstore

import (
	"context"
	"sync"
	"time"
)

const defaultSweepInterval = time.Second

type memoryEntry struct {
	value []byte
	// expiresAt is zero for entries without a TTL.
	expiresAt time.Time
}

// Memory is an in-process Store: a mutex-guarded map with per-entry
// absolute expiry. Reads expire lazily; a background sweeper deletes
// entries nobody reads again so memory does not grow unbounded.
type Memory struct {
	mu      sync.Mutex
	entries map[string]memoryEntry

	now  func() time.Time
	stop chan struct{}
	done chan struct{}
	once sync.Once
}

// MemoryOption adjusts construction, mainly for tests.
type MemoryOption func(*Memory, *time.Duration)

// WithClock substitutes the time source.
func WithClock(now func() time.Time) MemoryOption {
	return func(m *Memory, _ *time.Duration) { m.now = now }
}

// WithSweepInterval overrides the active-expiration cadence.
func WithSweepInterval(d time.Duration) MemoryOption {
	return func(_ *Memory, interval *time.Duration) { *interval = d }
}

// NewMemory creates the store and starts its sweeper. Callers own the
// lifecycle: Close at shutdown.
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		entries: make(map[string]memoryEntry),
		now:     time.Now,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	interval := defaultSweepInterval
	for _, opt := range opts {
		opt(m, &interval)
	}
	go m.sweep(interval)
	return m
}

// Close stops the background sweeper. Idempotent.
func (m *Memory) Close() {
	m.once.Do(func() { close(m.stop) })
	<-m.done
}

func (m *Memory) sweep(interval time.Duration) {
	defer close(m.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.SweepOnce()
		}
	}
}

// SweepOnce actively deletes every expired entry. Exported so tests can
// drive expiration deterministically.
func (m *Memory) SweepOnce() {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, e := range m.entries {
		if !e.expiresAt.IsZero() && !e.expiresAt.After(now) {
			delete(m.entries, key)
		}
	}
}

// Len counts live plus not-yet-swept entries.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

func (m *Memory) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	e := memoryEntry{value: append([]byte(nil), value...)}
	if ttl > 0 {
		e.expiresAt = m.now().Add(ttl)
	}
	m.mu.Lock()
	m.entries[key] = e
	m.mu.Unlock()
	return nil
}

// getLocked returns the live entry, deleting it first if expired.
func (m *Memory) getLocked(key string) (memoryEntry, bool) {
	e, ok := m.entries[key]
	if !ok {
		return memoryEntry{}, false
	}
	if !e.expiresAt.IsZero() && !e.expiresAt.After(m.now()) {
		delete(m.entries, key)
		return memoryEntry{}, false
	}
	return e, true
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.getLocked(key)
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), e.value...), nil
}

func (m *Memory) GetDel(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.getLocked(key)
	if !ok {
		return nil, ErrNotFound
	}
	delete(m.entries, key)
	return e.value, nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.entries, key)
	m.mu.Unlock()
	return nil
}

func (m *Memory) Expire(_ context.Context, key string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.getLocked(key)
	if !ok {
		return ErrNotFound
	}
	if ttl > 0 {
		e.expiresAt = m.now().Add(ttl)
	} else {
		e.expiresAt = time.Time{}
	}
	m.entries[key] = e
	return nil
}

func (m *Memory) TTL(_ context.Context, key string) (time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.getLocked(key)
	if !ok {
		return 0, ErrNotFound
	}
	if e.expiresAt.IsZero() {
		return NoTTL, nil
	}
	return e.expiresAt.Sub(m.now()), nil
}
