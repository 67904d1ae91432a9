// Package sharded provides a lock-sharded map for collecting results from many
// goroutines at once. Scanner workers store one record per file and would
// otherwise serialize on a single mutex.
package sharded

import (
	"sync"
)

type shard[V any] struct {
	mu    sync.RWMutex
	items map[string]V
}

// Map is a string-keyed map split into independently locked shards.
type Map[V any] struct {
	shards []*shard[V]
}

// NewMap creates a map with numShards shards. numShards must be a power of two.
func NewMap[V any](numShards int) *Map[V] {
	if !isPowerOfTwo(numShards) {
		panic("num shards must be a power of 2")
	}
	m := &Map[V]{shards: make([]*shard[V], numShards)}
	for i := range numShards {
		m.shards[i] = &shard[V]{items: make(map[string]V)}
	}
	return m
}

func (m *Map[V]) shardFor(key string) *shard[V] {
	return m.shards[shardIndex(key, len(m.shards))]
}

// Store sets the value for key.
func (m *Map[V]) Store(key string, value V) {
	s := m.shardFor(key)
	s.mu.Lock()
	s.items[key] = value
	s.mu.Unlock()
}

// Load returns the value stored for key.
func (m *Map[V]) Load(key string) (value V, ok bool) {
	s := m.shardFor(key)
	s.mu.RLock()
	value, ok = s.items[key]
	s.mu.RUnlock()
	return value, ok
}

// Delete removes key.
func (m *Map[V]) Delete(key string) {
	s := m.shardFor(key)
	s.mu.Lock()
	delete(s.items, key)
	s.mu.Unlock()
}

// Count returns the total number of entries.
func (m *Map[V]) Count() int {
	count := 0
	for _, s := range m.shards {
		s.mu.RLock()
		count += len(s.items)
		s.mu.RUnlock()
	}
	return count
}

// Range calls f for each entry, one shard at a time, until f returns false.
// f must not modify the map.
func (m *Map[V]) Range(f func(key string, value V) bool) {
	for _, s := range m.shards {
		s.mu.RLock()
		for k, v := range s.items {
			if !f(k, v) {
				s.mu.RUnlock()
				return
			}
		}
		s.mu.RUnlock()
	}
}

// Items copies every entry into a plain map.
func (m *Map[V]) Items() map[string]V {
	items := make(map[string]V, m.Count())
	m.Range(func(k string, v V) bool {
		items[k] = v
		return true
	})
	return items
}
