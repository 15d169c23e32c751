package store

import (
	"sort"
	"sync"
	"time"
)

// Entry represents a value with optional native expiration.
type Entry struct {
	Value     []byte
	ExpireAt  time.Time
	HasExpire bool
}

// Memory is an in-memory Adapter with its own TTL mechanism.
// It is safe for concurrent use by multiple goroutines.
type Memory struct {
	mu     sync.RWMutex
	data   map[string]*Entry
	closed bool
	stopGC chan struct{}
}

// NewMemory creates an empty Memory store and starts the background
// goroutine that evicts natively expired keys.
func NewMemory() *Memory {
	m := &Memory{
		data:   make(map[string]*Entry),
		stopGC: make(chan struct{}),
	}
	go m.gcLoop()
	return m
}

// gcLoop periodically removes natively expired keys.
func (m *Memory) gcLoop() {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopGC:
			return
		case <-ticker.C:
			m.removeExpired()
		}
	}
}

// removeExpired samples up to 20 keys and deletes the expired ones,
// repeating while more than a quarter of the sample was expired.
func (m *Memory) removeExpired() {
	const (
		sampleSize   = 20
		maxRounds    = 4
		expiredRatio = 0.25
	)

	for round := 0; round < maxRounds; round++ {
		m.mu.Lock()
		if len(m.data) == 0 {
			m.mu.Unlock()
			return
		}

		now := time.Now()
		sampled, expired := 0, 0
		for key, entry := range m.data {
			if sampled >= sampleSize {
				break
			}
			sampled++
			if entry.HasExpire && now.After(entry.ExpireAt) {
				delete(m.data, key)
				expired++
			}
		}
		m.mu.Unlock()

		if sampled == 0 || float64(expired)/float64(sampled) < expiredRatio {
			return
		}
	}
}

// Close stops the GC goroutine. Later calls fail with ErrClosed.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	close(m.stopGC)
	return nil
}

// lookup returns the live entry for key (must hold lock).
func (m *Memory) lookup(key string) (*Entry, bool) {
	entry, ok := m.data[key]
	if !ok || (entry.HasExpire && time.Now().After(entry.ExpireAt)) {
		return nil, false
	}
	return entry, true
}

// Set stores value under key and clears any native expiration.
func (m *Memory) Set(key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.data[key] = &Entry{Value: append([]byte(nil), value...)}
	return nil
}

// Get returns a copy of the value stored under key, or ErrNotFound.
func (m *Memory) Get(key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	entry, ok := m.lookup(key)
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), entry.Value...), nil
}

// Delete removes key. Returns true if the key existed.
func (m *Memory) Delete(key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false, ErrClosed
	}
	_, ok := m.lookup(key)
	delete(m.data, key)
	return ok, nil
}

// DeleteMany removes every key in keys under a single lock.
func (m *Memory) DeleteMany(keys []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	for _, k := range keys {
		delete(m.data, k)
	}
	return nil
}

// ExpireAt sets the native expiration of key to the absolute time ms.
func (m *Memory) ExpireAt(key string, ms int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false, ErrClosed
	}
	entry, ok := m.lookup(key)
	if !ok {
		return false, nil
	}
	entry.ExpireAt = time.UnixMilli(ms)
	entry.HasExpire = true
	return true, nil
}

// Persist clears the native expiration of key.
func (m *Memory) Persist(key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false, ErrClosed
	}
	entry, ok := m.lookup(key)
	if !ok || !entry.HasExpire {
		return false, nil
	}
	entry.HasExpire = false
	entry.ExpireAt = time.Time{}
	return true, nil
}

// NativeTTL returns the remaining native TTL of key, if one is set.
func (m *Memory) NativeTTL(key string) (time.Duration, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entry, ok := m.lookup(key)
	if !ok || !entry.HasExpire {
		return 0, false
	}
	return time.Until(entry.ExpireAt), true
}

// Keys returns all live keys in sorted order.
func (m *Memory) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.data))
	for k := range m.data {
		if _, ok := m.lookup(k); ok {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

// Len returns the number of stored entries, including natively expired
// ones not yet evicted.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.data)
}

// Execute runs a string command under the store's write lock.
func (m *Memory) Execute(name string, args ...[]byte) (Reply, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return Reply{}, ErrClosed
	}
	return execute(memTxn{m}, name, args)
}

// memTxn adapts a locked Memory to the executor.
type memTxn struct{ m *Memory }

func (t memTxn) get(key string) ([]byte, bool, error) {
	entry, ok := t.m.lookup(key)
	if !ok {
		return nil, false, nil
	}
	return entry.Value, true, nil
}

func (t memTxn) put(key string, value []byte, keepTTL bool) error {
	next := &Entry{Value: append([]byte(nil), value...)}
	if keepTTL {
		if cur, ok := t.m.lookup(key); ok {
			next.ExpireAt, next.HasExpire = cur.ExpireAt, cur.HasExpire
		}
	}
	t.m.data[key] = next
	return nil
}

func (t memTxn) del(key string) (bool, error) {
	_, ok := t.m.lookup(key)
	delete(t.m.data, key)
	return ok, nil
}
