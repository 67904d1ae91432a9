// Package pool provides reusable byte buffers for the streaming paths of the
// sync engine (hashing and file copies).
//
// Both pools are built on sync.Pool, so idle buffers are released by the
// garbage collector and the pools never need explicit teardown.
package pool

func isPowerOfTwo(n int64) bool {
	return n > 0 && (n&(n-1)) == 0
}
