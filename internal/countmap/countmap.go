// Package countmap implements a synchronized map of counters, used for tracking active streams.
package countmap

import (
	"maps"
	"sync"

	"golang.org/x/exp/constraints"
)

// CountMap is a synchronized map storing an integer count for each key.
// Keys whose count drops to zero are removed.
type CountMap[K comparable, V constraints.Integer] struct {
	mu     sync.Mutex
	counts map[K]V
}

// New initializes a new CountMap.
func New[K comparable, V constraints.Integer]() *CountMap[K, V] {
	return &CountMap[K, V]{
		counts: make(map[K]V),
	}
}

// Inc increments the count for the given key and returns the new count.
func (cm *CountMap[K, V]) Inc(key K) V {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	val := cm.counts[key] + 1
	cm.counts[key] = val

	return val
}

// Dec decrements the count for the given key and returns the new count.
func (cm *CountMap[K, V]) Dec(key K) V {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	val := cm.counts[key] - 1
	if val == 0 {
		delete(cm.counts, key)
	} else {
		cm.counts[key] = val
	}

	return val
}

// Get returns the current count for the key.
func (cm *CountMap[K, V]) Get(key K) V {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	return cm.counts[key]
}

// Snapshot returns a copy of all the non-zero counts.
func (cm *CountMap[K, V]) Snapshot() map[K]V {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	return maps.Clone(cm.counts)
}
