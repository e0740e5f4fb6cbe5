package state

import (
	"strconv"
	"sync"
	"time"
)

type memoryEntry struct {
	value     string
	expiresAt time.Time // zero means no expiry
}

// memoryBackend is the in-process fallback store. TTLs are purged lazily on
// access rather than by a sweeper goroutine.
type memoryBackend struct {
	mu   sync.Mutex
	data map[string]memoryEntry
}

func newMemoryBackend() *memoryBackend {
	return &memoryBackend{data: make(map[string]memoryEntry)}
}

func (m *memoryBackend) purgeIfExpiredLocked(key string) {
	entry, ok := m.data[key]
	if !ok {
		return
	}
	if !entry.expiresAt.IsZero() && !entry.expiresAt.After(time.Now()) {
		delete(m.data, key)
	}
}

func (m *memoryBackend) set(key, value string, ttl time.Duration) {
	entry := memoryEntry{value: value}
	if ttl > 0 {
		entry.expiresAt = time.Now().Add(ttl)
	}
	m.mu.Lock()
	m.data[key] = entry
	m.mu.Unlock()
}

func (m *memoryBackend) get(key string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.purgeIfExpiredLocked(key)
	entry, ok := m.data[key]
	if !ok {
		return "", false
	}
	return entry.value, true
}

func (m *memoryBackend) getDel(key string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.purgeIfExpiredLocked(key)
	entry, ok := m.data[key]
	if !ok {
		return "", false
	}
	delete(m.data, key)
	return entry.value, true
}

func (m *memoryBackend) delete(key string) {
	m.mu.Lock()
	delete(m.data, key)
	m.mu.Unlock()
}

func (m *memoryBackend) incr(key string, ttlOnCreate time.Duration) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.purgeIfExpiredLocked(key)

	entry, ok := m.data[key]
	var value int64 = 1
	if ok {
		prev, _ := strconv.ParseInt(entry.value, 10, 64)
		value = prev + 1
		entry.value = strconv.FormatInt(value, 10)
	} else {
		entry = memoryEntry{value: "1"}
		if ttlOnCreate > 0 {
			entry.expiresAt = time.Now().Add(ttlOnCreate)
		}
	}
	m.data[key] = entry
	return value
}

func (m *memoryBackend) decr(key string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.purgeIfExpiredLocked(key)

	entry, ok := m.data[key]
	if !ok {
		return 0
	}
	prev, _ := strconv.ParseInt(entry.value, 10, 64)
	value := prev - 1
	if value <= 0 {
		delete(m.data, key)
		return 0
	}
	entry.value = strconv.FormatInt(value, 10)
	m.data[key] = entry
	return value
}
