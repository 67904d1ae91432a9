// Package limiter bounds how much file content is held in memory at once.
package limiter

import (
	"sync"
)

// Memory is a byte budget shared by concurrent copies. A copy that gets a
// reservation may buffer the whole file; one that does not has to stream it.
// It is safe for concurrent use.
type Memory struct {
	mu        sync.Mutex
	available int64
	capacity  int64
	peak      int64
}

// NewMemory returns a budget of limit bytes.
func NewMemory(limit int64) *Memory {
	return &Memory{
		available: limit,
		capacity:  limit,
	}
}

// TryAcquire reserves n bytes without blocking. It fails when fewer than n
// bytes are free, and always for n larger than the whole budget.
func (m *Memory) TryAcquire(n int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if n > m.capacity || m.available < n {
		return false
	}
	m.available -= n
	if used := m.capacity - m.available; used > m.peak {
		m.peak = used
	}
	return true
}

// Reserve is TryAcquire returning the matching release. The release is a
// no-op when the reservation failed, so it can always be deferred.
func (m *Memory) Reserve(n int64) (release func(), ok bool) {
	if !m.TryAcquire(n) {
		return func() {}, false
	}
	var once sync.Once
	return func() { once.Do(func() { m.Release(n) }) }, true
}

// Release returns n bytes. The budget never grows past its capacity, even
// when a caller releases twice.
func (m *Memory) Release(n int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.available = min(m.available+n, m.capacity)
}

// Available returns the bytes currently free.
func (m *Memory) Available() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.available
}

// Capacity returns the size of the budget.
func (m *Memory) Capacity() int64 {
	return m.capacity
}

// Peak returns the largest amount that was reserved at one time.
func (m *Memory) Peak() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.peak
}
