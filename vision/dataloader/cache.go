package dataloader

import (
	"container/list"
	"fmt"
	"sync"
)

// CacheManager is an LRU cache of preprocessed CHW samples keyed by path
type CacheManager struct {
	mu       sync.Mutex
	cache    map[string][]float32
	lru      *list.List
	lruMap   map[string]*list.Element
	maxSize  int
	itemSize int // Size of each item in float32 elements, 0 for any

	// Statistics
	hits      int64
	misses    int64
	evictions int64
}

// NewCacheManager creates a cache holding at most maxSize items of itemSize
// elements. A non-positive maxSize disables caching.
func NewCacheManager(maxSize int, itemSize int) *CacheManager {
	return &CacheManager{
		cache:    make(map[string][]float32),
		lru:      list.New(),
		lruMap:   make(map[string]*list.Element),
		maxSize:  maxSize,
		itemSize: itemSize,
	}
}

// Get retrieves an item from the cache. The returned slice must not be
// modified.
func (cm *CacheManager) Get(key string) ([]float32, bool) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if data, exists := cm.cache[key]; exists {
		cm.lru.MoveToFront(cm.lruMap[key])
		cm.hits++
		return data, true
	}

	cm.misses++
	return nil, false
}

// Put adds an item to the cache, evicting the least recently used entries
// beyond maxSize
func (cm *CacheManager) Put(key string, data []float32) error {
	if cm.itemSize > 0 && len(data) != cm.itemSize {
		return fmt.Errorf("cache item %s has %d elements, expected %d", key, len(data), cm.itemSize)
	}

	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.maxSize <= 0 {
		return nil
	}
	if elem, exists := cm.lruMap[key]; exists {
		cm.cache[key] = data
		cm.lru.MoveToFront(elem)
		return nil
	}

	cm.lruMap[key] = cm.lru.PushFront(key)
	cm.cache[key] = data

	for cm.lru.Len() > cm.maxSize {
		cm.removeElement(cm.lru.Back())
		cm.evictions++
	}
	return nil
}

// removeElement removes an element from the cache
func (cm *CacheManager) removeElement(elem *list.Element) {
	key := elem.Value.(string)
	cm.lru.Remove(elem)
	delete(cm.lruMap, key)
	delete(cm.cache, key)
}

// Len returns the number of cached items
func (cm *CacheManager) Len() int {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.lru.Len()
}

// Stats returns cache statistics
func (cm *CacheManager) Stats() CacheStats {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	stats := CacheStats{
		Size:      cm.lru.Len(),
		MaxSize:   cm.maxSize,
		Hits:      cm.hits,
		Misses:    cm.misses,
		Evictions: cm.evictions,
	}
	if total := cm.hits + cm.misses; total > 0 {
		stats.HitRate = float64(cm.hits) / float64(total) * 100
	}
	return stats
}

// Clear empties the cache. Statistics stay cumulative.
func (cm *CacheManager) Clear() {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	cm.cache = make(map[string][]float32)
	cm.lru = list.New()
	cm.lruMap = make(map[string]*list.Element)
}

// CacheStats holds cache statistics
type CacheStats struct {
	Size      int
	MaxSize   int
	Hits      int64
	Misses    int64
	Evictions int64
	HitRate   float64
}

// String returns a string representation of cache stats
func (cs CacheStats) String() string {
	return fmt.Sprintf("Cache: %d/%d items, Hits: %d, Misses: %d, Evictions: %d, Hit Rate: %.1f%%",
		cs.Size, cs.MaxSize, cs.Hits, cs.Misses, cs.Evictions, cs.HitRate)
}
