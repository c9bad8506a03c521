package state

import (
	"sync"

	"github.com/bits-and-blooms/bloom/v3"
)

// Deduplicator is a set of digests (screen hashes, normalized URLs) with a
// Bloom filter in front of an exact map. The filter answers most misses
// without touching the map; the map rules out false positives.
type Deduplicator struct {
	mu     sync.RWMutex
	filter *bloom.BloomFilter
	exact  map[string]struct{}
}

// NewDeduplicator creates a new deduplicator sized for estimatedItems.
func NewDeduplicator(estimatedItems int) *Deduplicator {
	if estimatedItems < 256 {
		estimatedItems = 256
	}
	return &Deduplicator{
		filter: bloom.NewWithEstimates(uint(estimatedItems), 0.001),
		exact:  make(map[string]struct{}),
	}
}

// Add records key and reports whether it was new.
func (d *Deduplicator) Add(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.exact[key]; exists {
		return false
	}
	d.filter.AddString(key)
	d.exact[key] = struct{}{}
	return true
}

// HasSeen checks if key has been recorded.
func (d *Deduplicator) HasSeen(key string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if !d.filter.TestString(key) {
		return false
	}
	_, exists := d.exact[key]
	return exists
}

// Count returns the number of unique keys.
func (d *Deduplicator) Count() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.exact)
}

// Reset empties the set.
func (d *Deduplicator) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.filter.ClearAll()
	d.exact = make(map[string]struct{})
}
