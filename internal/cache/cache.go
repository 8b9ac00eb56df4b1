// Package cache provides caching for rendered heatmaps and result pages.
package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/allegro/bigcache/v3"
	lru "github.com/hashicorp/golang-lru/v2"
)

// Config contains cache configuration.
type Config struct {
	HeatmapCacheSizeMB int
	HeatmapTTL         time.Duration
	ResultCacheSize    int
}

// Manager manages the heatmap and result caches.
type Manager struct {
	heatmapCache *bigcache.BigCache
	resultCache  *lru.Cache[string, []byte]
}

// NewManager creates a new cache manager.
func NewManager(cfg Config) (*Manager, error) {
	heatmapCacheConfig := bigcache.Config{
		Shards:             1024,
		LifeWindow:         cfg.HeatmapTTL,
		CleanWindow:        cfg.HeatmapTTL / 2,
		MaxEntriesInWindow: 10000,
		MaxEntrySize:       512 * 1024, // 512KB per rendered heatmap
		HardMaxCacheSize:   cfg.HeatmapCacheSizeMB,
		Verbose:            false,
	}

	heatmapCache, err := bigcache.New(context.Background(), heatmapCacheConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create heatmap cache: %w", err)
	}

	resultCache, err := lru.New[string, []byte](cfg.ResultCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create result cache: %w", err)
	}

	return &Manager{
		heatmapCache: heatmapCache,
		resultCache:  resultCache,
	}, nil
}

// GetHeatmap retrieves a rendered heatmap from cache.
func (m *Manager) GetHeatmap(key string) ([]byte, bool) {
	data, err := m.heatmapCache.Get(key)
	if err != nil {
		return nil, false
	}
	return data, true
}

// SetHeatmap stores a rendered heatmap in cache.
func (m *Manager) SetHeatmap(key string, data []byte) error {
	return m.heatmapCache.Set(key, data)
}

// GetResults retrieves an encoded result page from cache.
func (m *Manager) GetResults(key string) ([]byte, bool) {
	return m.resultCache.Get(key)
}

// SetResults stores an encoded result page in cache.
func (m *Manager) SetResults(key string, data []byte) {
	m.resultCache.Add(key, data)
}

// HeatmapKey generates a cache key for a rendered heatmap.
func HeatmapKey(jobID, colormap string, maxRows int) string {
	return fmt.Sprintf("heatmap:%s:%s:%d", jobID, colormap, maxRows)
}

// ResultsKey generates a cache key for a result page.
func ResultsKey(jobID, orderBy string, offset, limit int) string {
	return fmt.Sprintf("results:%s:%s:%d:%d", jobID, orderBy, offset, limit)
}

// Stats returns cache statistics.
func (m *Manager) Stats() map[string]interface{} {
	return map[string]interface{}{
		"heatmap_cache_len": m.heatmapCache.Len(),
		"heatmap_cache_cap": m.heatmapCache.Capacity(),
		"result_cache_len":  m.resultCache.Len(),
	}
}

// Close closes the cache manager.
func (m *Manager) Close() error {
	return m.heatmapCache.Close()
}
