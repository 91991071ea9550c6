package memory

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// BufferPool recycles float32 buffers for batch-scoped tensors so that memory
// does not grow across epochs. Buffers are bucketed by power-of-two capacity.
type BufferPool struct {
	mu    sync.Mutex
	pools map[int]*sync.Pool // Pools indexed by buffer capacity
	stats map[int]*PoolStats
}

// PoolStats tracks statistics for one capacity bucket
type PoolStats struct {
	Gets     int64
	Puts     int64
	Misses   int64
	InUse    int64
	MaxInUse int64
}

// NewBufferPool creates a new buffer pool
func NewBufferPool() *BufferPool {
	return &BufferPool{
		pools: make(map[int]*sync.Pool),
		stats: make(map[int]*PoolStats),
	}
}

// GetFloat32Buffer returns a zeroed float32 buffer of exactly size elements.
func (bp *BufferPool) GetFloat32Buffer(size int) []float32 {
	if size <= 0 {
		return nil
	}

	poolSize := roundUpToPowerOf2(size)

	bp.mu.Lock()
	pool, exists := bp.pools[poolSize]
	if !exists {
		pool = &sync.Pool{
			New: func() interface{} {
				return make([]float32, poolSize)
			},
		}
		bp.pools[poolSize] = pool
		bp.stats[poolSize] = &PoolStats{}
	}
	stats := bp.stats[poolSize]
	stats.Gets++
	stats.InUse++
	if stats.InUse > stats.MaxInUse {
		stats.MaxInUse = stats.InUse
	}
	bp.mu.Unlock()

	buf := pool.Get().([]float32)
	if cap(buf) < size {
		bp.mu.Lock()
		stats.Misses++
		bp.mu.Unlock()
		buf = make([]float32, poolSize)
	}

	return buf[:size]
}

// PutFloat32Buffer returns a buffer obtained from GetFloat32Buffer. Buffers of
// an unknown capacity are dropped and left to the garbage collector.
func (bp *BufferPool) PutFloat32Buffer(buf []float32) {
	if cap(buf) == 0 {
		return
	}

	poolSize := cap(buf)
	if poolSize != roundUpToPowerOf2(poolSize) {
		return
	}

	bp.mu.Lock()
	pool, exists := bp.pools[poolSize]
	if !exists {
		bp.mu.Unlock()
		return
	}
	stats := bp.stats[poolSize]
	stats.Puts++
	stats.InUse--
	bp.mu.Unlock()

	full := buf[:poolSize]
	for i := range full {
		full[i] = 0
	}
	pool.Put(full)
}

// Stats returns a copy of the statistics of every bucket
func (bp *BufferPool) Stats() map[int]*PoolStats {
	bp.mu.Lock()
	defer bp.mu.Unlock()

	statsCopy := make(map[int]*PoolStats, len(bp.stats))
	for size, stats := range bp.stats {
		s := *stats
		statsCopy[size] = &s
	}

	return statsCopy
}

// InUse returns the number of buffers handed out and not yet returned
func (bp *BufferPool) InUse() int64 {
	bp.mu.Lock()
	defer bp.mu.Unlock()

	var total int64
	for _, stats := range bp.stats {
		total += stats.InUse
	}
	return total
}

// String returns a string representation of pool statistics
func (bp *BufferPool) String() string {
	stats := bp.Stats()

	sizes := make([]int, 0, len(stats))
	for size := range stats {
		sizes = append(sizes, size)
	}
	sort.Ints(sizes)

	var sb strings.Builder
	sb.WriteString("BufferPool Statistics:\n")
	for _, size := range sizes {
		stat := stats[size]
		hitRate := float64(0)
		if stat.Gets > 0 {
			hitRate = float64(stat.Gets-stat.Misses) / float64(stat.Gets) * 100
		}
		fmt.Fprintf(&sb, "  Size %d: Gets=%d, Puts=%d, InUse=%d, MaxInUse=%d, HitRate=%.1f%%\n",
			size, stat.Gets, stat.Puts, stat.InUse, stat.MaxInUse, hitRate)
	}

	return sb.String()
}

// roundUpToPowerOf2 rounds a number up to the nearest power of 2
func roundUpToPowerOf2(n int) int {
	if n <= 0 {
		return 1
	}
	if n&(n-1) == 0 {
		return n
	}

	power := 1
	for power < n {
		power <<= 1
	}
	return power
}

var (
	globalPool     *BufferPool
	globalPoolOnce sync.Once
)

// GetGlobalBufferPool returns the process-wide buffer pool
func GetGlobalBufferPool() *BufferPool {
	globalPoolOnce.Do(func() {
		globalPool = NewBufferPool()
	})
	return globalPool
}
