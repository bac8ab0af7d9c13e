package memory

import (
	"sync"
	"time"
)

// WorkingMemory is the ephemeral scratch tier: a process-lifetime
// id→value map, never encrypted or persisted. It is bounded by entry
// count; exceeding capacity evicts the least recently accessed entry.
// All operations are safe for concurrent use.
type WorkingMemory struct {
	mu       sync.Mutex
	capacity int
	entries  map[string]*workingEntry
}

type workingEntry struct {
	value      any
	createdAt  time.Time
	accessedAt time.Time
}

// DefaultWorkingCapacity is used when NewWorkingMemory is given a
// non-positive capacity.
const DefaultWorkingCapacity = 256

// NewWorkingMemory creates a bounded working memory.
func NewWorkingMemory(capacity int) *WorkingMemory {
	if capacity <= 0 {
		capacity = DefaultWorkingCapacity
	}
	return &WorkingMemory{
		capacity: capacity,
		entries:  make(map[string]*workingEntry),
	}
}

// Get returns the value for key and refreshes its access time.
func (w *WorkingMemory) Get(key string) (any, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	entry, ok := w.entries[key]
	if !ok {
		return nil, false
	}
	entry.accessedAt = time.Now()
	return entry.value, true
}

// Set stores a value, evicting the least recently accessed entry when
// the capacity bound is exceeded. Updating an existing key preserves
// its creation time.
func (w *WorkingMemory) Set(key string, value any) {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := time.Now()
	if existing, ok := w.entries[key]; ok {
		existing.value = value
		existing.accessedAt = now
		return
	}

	w.entries[key] = &workingEntry{value: value, createdAt: now, accessedAt: now}
	for len(w.entries) > w.capacity {
		w.evictOldest()
	}
}

// evictOldest removes the least recently accessed entry. Caller holds the lock.
func (w *WorkingMemory) evictOldest() {
	var oldestKey string
	var oldest time.Time
	for key, entry := range w.entries {
		if oldestKey == "" || entry.accessedAt.Before(oldest) {
			oldestKey = key
			oldest = entry.accessedAt
		}
	}
	if oldestKey != "" {
		delete(w.entries, oldestKey)
	}
}

// Delete removes an entry, reporting whether it existed.
func (w *WorkingMemory) Delete(key string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.entries[key]
	delete(w.entries, key)
	return ok
}

// Clear removes all entries.
func (w *WorkingMemory) Clear() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.entries = make(map[string]*workingEntry)
}

// Len returns the current entry count.
func (w *WorkingMemory) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.entries)
}

// Capacity returns the configured entry bound.
func (w *WorkingMemory) Capacity() int {
	return w.capacity
}

// Keys returns all stored keys in no particular order.
func (w *WorkingMemory) Keys() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	keys := make([]string, 0, len(w.entries))
	for key := range w.entries {
		keys = append(keys, key)
	}
	return keys
}
