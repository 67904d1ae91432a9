package pool

import (
	"fmt"
	"math/bits"
	"sync"
)

// BucketedBufferPool hands out power-of-two sized buffers. Small files are
// copied with a buffer no larger than the file itself, so a tree with many tiny
// files does not pin one full copy buffer per file.
type BucketedBufferPool struct {
	minExp  int
	maxExp  int
	maxSize int64
	buckets []sync.Pool
}

// NewBucketedBufferPool creates a pool with buckets from minSize to maxSize.
// Both must be powers of two and minSize must be smaller than maxSize.
func NewBucketedBufferPool(minSize, maxSize int64) *BucketedBufferPool {
	if !isPowerOfTwo(minSize) {
		panic(fmt.Sprintf("minSize %d must be a power of two", minSize))
	}
	if !isPowerOfTwo(maxSize) {
		panic(fmt.Sprintf("maxSize %d must be a power of two", maxSize))
	}
	if maxSize <= minSize {
		panic("maxSize must be greater than minSize")
	}

	// For a power of two the number of trailing zeros is its exponent.
	minExp := bits.TrailingZeros64(uint64(minSize))
	maxExp := bits.TrailingZeros64(uint64(maxSize))

	bp := &BucketedBufferPool{
		minExp:  minExp,
		maxExp:  maxExp,
		maxSize: maxSize,
		buckets: make([]sync.Pool, maxExp+1),
	}
	for exp := minExp; exp <= maxExp; exp++ {
		size := int64(1) << exp
		bp.buckets[exp].New = func() any {
			b := make([]byte, int(size))
			return &b
		}
	}
	return bp
}

// Get returns a buffer of exactly size bytes. Requests above the largest
// bucket are allocated and never pooled.
func (bp *BucketedBufferPool) Get(size int64) *[]byte {
	if size <= 0 {
		b := make([]byte, 0)
		return &b
	}
	if size > bp.maxSize {
		b := make([]byte, int(size))
		return &b
	}

	exp := max(bits.Len64(uint64(size-1)), bp.minExp)
	bufPtr := bp.buckets[exp].Get().(*[]byte)
	*bufPtr = (*bufPtr)[:int(size)]
	return bufPtr
}

// Put returns a buffer obtained from Get. Buffers that do not match a bucket are dropped.
func (bp *BucketedBufferPool) Put(bufPtr *[]byte) {
	if bufPtr == nil {
		return
	}
	capacity := int64(cap(*bufPtr))
	if capacity < int64(1)<<bp.minExp || capacity > bp.maxSize || !isPowerOfTwo(capacity) {
		return
	}
	*bufPtr = (*bufPtr)[:capacity]
	bp.buckets[bits.TrailingZeros64(uint64(capacity))].Put(bufPtr)
}

// FixedBufferPool hands out buffers of one size. The hasher and the chunked
// copy path use it for their streaming buffers.
type FixedBufferPool struct {
	size int64
	pool sync.Pool
}

// NewFixedBufferPool creates a pool of size-byte buffers.
func NewFixedBufferPool(size int64) *FixedBufferPool {
	return &FixedBufferPool{
		size: size,
		pool: sync.Pool{
			New: func() any {
				b := make([]byte, int(size))
				return &b
			},
		},
	}
}

// Size returns the length of every buffer the pool hands out.
func (fp *FixedBufferPool) Size() int64 { return fp.size }

func (fp *FixedBufferPool) Get() *[]byte {
	return fp.pool.Get().(*[]byte)
}

func (fp *FixedBufferPool) Put(b *[]byte) {
	if b == nil || int64(cap(*b)) != fp.size {
		return
	}
	*b = (*b)[:fp.size]
	fp.pool.Put(b)
}
