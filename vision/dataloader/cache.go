package dataloader

import (
	"fmt"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
)

// CacheManager is an LRU cache of preprocessed CHW images keyed by path.
// It is safe for concurrent use and may be shared between DataLoaders.
type CacheManager struct {
	cache   *lru.Cache[string, []float32]
	maxSize int

	hits   atomic.Int64
	misses atomic.Int64
}

// NewCacheManager creates a cache holding at most maxSize images.
func NewCacheManager(maxSize int) (*CacheManager, error) {
	cache, err := lru.New[string, []float32](maxSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create image cache: %w", err)
	}
	return &CacheManager{cache: cache, maxSize: maxSize}, nil
}

// Get retrieves an item from the cache
func (cm *CacheManager) Get(key string) ([]float32, bool) {
	data, ok := cm.cache.Get(key)
	if ok {
		cm.hits.Add(1)
	} else {
		cm.misses.Add(1)
	}
	return data, ok
}

// Put adds an item, evicting the least recently used one when full.
func (cm *CacheManager) Put(key string, data []float32) {
	cm.cache.Add(key, data)
}

// Stats returns cache statistics
func (cm *CacheManager) Stats() CacheStats {
	hits, misses := cm.hits.Load(), cm.misses.Load()
	var rate float64
	if total := hits + misses; total > 0 {
		rate = float64(hits) / float64(total) * 100
	}
	return CacheStats{
		Size:    cm.cache.Len(),
		MaxSize: cm.maxSize,
		Hits:    hits,
		Misses:  misses,
		HitRate: rate,
	}
}

// Clear drops every entry. Statistics stay cumulative.
func (cm *CacheManager) Clear() {
	cm.cache.Purge()
}

func (cm *CacheManager) ResetStats() {
	cm.hits.Store(0)
	cm.misses.Store(0)
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
