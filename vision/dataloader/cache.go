package dataloader

import (
	"container/list"
	"fmt"
	"sync"
)

// CacheManager is an LRU cache of decoded images keyed by file path.
// Cached slices are shared and must be treated as read-only.
type CacheManager struct {
	mu      sync.Mutex
	entries map[string]*list.Element
	lru     *list.List
	maxSize int

	hits   int64
	misses int64
}

type cacheEntry struct {
	key  string
	data []float32
}

// NewCacheManager creates a cache holding at most maxSize images. A
// maxSize of zero disables caching.
func NewCacheManager(maxSize int) *CacheManager {
	return &CacheManager{
		entries: make(map[string]*list.Element),
		lru:     list.New(),
		maxSize: maxSize,
	}
}

// Get retrieves an item from the cache
func (cm *CacheManager) Get(key string) ([]float32, bool) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if elem, ok := cm.entries[key]; ok {
		cm.lru.MoveToFront(elem)
		cm.hits++
		return elem.Value.(*cacheEntry).data, true
	}
	cm.misses++
	return nil, false
}

// Put adds an item, evicting the least recently used entries over capacity.
func (cm *CacheManager) Put(key string, data []float32) {
	if cm.maxSize <= 0 {
		return
	}
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if elem, ok := cm.entries[key]; ok {
		cm.lru.MoveToFront(elem)
		return
	}
	cm.entries[key] = cm.lru.PushFront(&cacheEntry{key: key, data: data})

	for cm.lru.Len() > cm.maxSize {
		oldest := cm.lru.Back()
		cm.lru.Remove(oldest)
		delete(cm.entries, oldest.Value.(*cacheEntry).key)
	}
}

// Stats returns cache statistics
func (cm *CacheManager) Stats() CacheStats {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	stats := CacheStats{
		Size:    cm.lru.Len(),
		MaxSize: cm.maxSize,
		Hits:    cm.hits,
		Misses:  cm.misses,
	}
	if total := cm.hits + cm.misses; total > 0 {
		stats.HitRate = float64(cm.hits) / float64(total) * 100
	}
	return stats
}

// CacheStats holds cache statistics
type CacheStats struct {
	Size    int
	MaxSize int
	Hits    int64
	Misses  int64
	HitRate float64
}

func (cs CacheStats) String() string {
	return fmt.Sprintf("Cache: %d/%d items, Hits: %d, Misses: %d, Hit Rate: %.1f%%",
		cs.Size, cs.MaxSize, cs.Hits, cs.Misses, cs.HitRate)
}
