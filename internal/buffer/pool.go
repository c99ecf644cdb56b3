package buffer

import (
	"sync"
)

// BytePool provides object pooling for file images to reduce GC pressure
type BytePool struct {
	pools map[int]*sync.Pool
	sizes []int
}

// NewBytePool creates a new byte pool with predefined size buckets
func NewBytePool() *BytePool {
	// Release archives are dominated by small metadata files (nfo, sfv) and
	// multi-megabyte volumes.
	sizes := []int{
		4096,     // 4KB
		16384,    // 16KB
		65536,    // 64KB
		262144,   // 256KB
		1048576,  // 1MB
		4194304,  // 4MB
		16777216, // 16MB
		67108864, // 64MB
	}

	pools := make(map[int]*sync.Pool)
	for _, size := range sizes {
		pools[size] = &sync.Pool{
			New: func() interface{} {
				return make([]byte, size)
			},
		}
	}

	return &BytePool{
		pools: pools,
		sizes: sizes,
	}
}

// Get returns a zeroed slice of length size. Its capacity is the smallest
// bucket that fits, or exactly size above the largest bucket.
func (p *BytePool) Get(size int) []byte {
	for _, bucketSize := range p.sizes {
		if bucketSize >= size {
			buf := p.pools[bucketSize].Get().([]byte)
			return buf[:size]
		}
	}
	return make([]byte, size)
}

// Put returns a byte slice to the pool for reuse
func (p *BytePool) Put(buf []byte) {
	if buf == nil {
		return
	}

	capacity := cap(buf)
	pool, exists := p.pools[capacity]
	if !exists {
		// Not from a bucket; let GC handle it
		return
	}

	buf = buf[:capacity]
	clear(buf)
	// nolint:staticcheck // SA6002: sync.Pool.Put requires interface{}, slice allocation is expected
	pool.Put(buf)
}

// Buckets returns the bucket sizes, smallest first.
func (p *BytePool) Buckets() []int {
	out := make([]int, len(p.sizes))
	copy(out, p.sizes)
	return out
}
