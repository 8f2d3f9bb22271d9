package cache

import (
	"sync"
	"time"
)

// MemoryTier is the fast, process-lifetime tier of the cache.
// Values are kept encoded so every reader decodes its own copy.
type MemoryTier struct {
	data     map[string]*cacheItem
	mu       sync.RWMutex
	maxSize  int
	now      func() time.Time
	stopCh   chan struct{}
	stopOnce sync.Once
}

type cacheItem struct {
	value     []byte
	storedAt  time.Time
	expiresAt time.Time
}

// NewMemoryTier creates a memory tier holding at most maxSize entries.
// A positive sweepInterval starts a janitor that drops expired entries until Close.
func NewMemoryTier(maxSize int, sweepInterval time.Duration) *MemoryTier {
	if maxSize <= 0 {
		maxSize = 1000
	}

	m := &MemoryTier{
		data:    make(map[string]*cacheItem),
		maxSize: maxSize,
		now:     time.Now,
		stopCh:  make(chan struct{}),
	}

	if sweepInterval > 0 {
		go m.cleanup(sweepInterval)
	}

	return m
}

// Get returns the encoded value and its expiry if present and unexpired
func (m *MemoryTier) Get(key string) ([]byte, time.Time, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	item, exists := m.data[key]
	if !exists || !m.now().Before(item.expiresAt) {
		return nil, time.Time{}, false
	}

	return item.value, item.expiresAt, true
}

// Set stores an encoded value until expiresAt
func (m *MemoryTier) Set(key string, value []byte, expiresAt time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.data[key]; !exists && len(m.data) >= m.maxSize {
		m.evictLocked()
	}

	m.data[key] = &cacheItem{
		value:     value,
		storedAt:  m.now(),
		expiresAt: expiresAt,
	}
}

// evictLocked drops an expired entry if there is one, otherwise the oldest entry
func (m *MemoryTier) evictLocked() {
	now := m.now()
	var oldestKey string
	var oldest time.Time
	for k, item := range m.data {
		if !now.Before(item.expiresAt) {
			delete(m.data, k)
			return
		}
		if oldestKey == "" || item.storedAt.Before(oldest) {
			oldestKey = k
			oldest = item.storedAt
		}
	}
	delete(m.data, oldestKey)
}

// Delete removes a key
func (m *MemoryTier) Delete(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.data, key)
}

// Clear removes all entries
func (m *MemoryTier) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.data = make(map[string]*cacheItem)
}

// Size returns the number of items held, expired or not
func (m *MemoryTier) Size() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.data)
}

// Close stops the janitor
func (m *MemoryTier) Close() {
	m.stopOnce.Do(func() { close(m.stopCh) })
}

// cleanup periodically removes expired entries
func (m *MemoryTier) cleanup(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.sweep()
		}
	}
}

func (m *MemoryTier) sweep() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	for key, item := range m.data {
		if !now.Before(item.expiresAt) {
			delete(m.data, key)
		}
	}
}
