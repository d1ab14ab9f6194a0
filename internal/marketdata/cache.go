package marketdata

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"golang.org/x/sync/singleflight"
)

// minCacheCap is the lower bound on candles kept per series.
const minCacheCap = 50

// CacheStats reports cache usage for the ops surface.
type CacheStats struct {
	Entries  int     `json:"entries"`
	Hits     int64   `json:"hits"`
	Misses   int64   `json:"misses"`
	Preloads int64   `json:"preloads"`
	HitRate  float64 `json:"hit_rate"`
}

// SeriesCache holds the hot OHLCV series the indicator engine and broker
// read from. Readers are lock-free; each preload publishes a freshly
// built *Series, so a reader sees either the old or the new series,
// never a torn one.
type SeriesCache struct {
	store    KlineStore
	cacheCap int

	series sync.Map // SeriesKey.String() -> *Series
	group  singleflight.Group

	hitCount     int64
	missCount    int64
	preloadCount int64
	statsMu      sync.RWMutex
}

// NewSeriesCache creates a cache over the given store. cacheCap is the
// per-series candle cap, floored at 50.
func NewSeriesCache(store KlineStore, cacheCap int) *SeriesCache {
	if cacheCap < minCacheCap {
		cacheCap = minCacheCap
	}
	return &SeriesCache{
		store:    store,
		cacheCap: cacheCap,
	}
}

// Get returns the cached series for a key, or nil when absent. Never
// blocks and performs no I/O.
func (c *SeriesCache) Get(exchange, symbol, interval string) *Series {
	key := NewSeriesKey(exchange, symbol, interval)
	if val, ok := c.series.Load(key.String()); ok {
		c.recordHit()
		return val.(*Series)
	}
	c.recordMiss()
	return nil
}

// Closes returns the cached close prices for a key, possibly empty.
func (c *SeriesCache) Closes(exchange, symbol, interval string) []float64 {
	s := c.Get(exchange, symbol, interval)
	if s == nil {
		return nil
	}
	return s.Closes
}

// Has reports whether a series is currently cached, without touching the
// hit/miss counters.
func (c *SeriesCache) Has(key SeriesKey) bool {
	_, ok := c.series.Load(key.String())
	return ok
}

// Preload loads the most recent min(cacheCap, maxCandles) candles for the
// key from the store, oldest first, and atomically replaces any cached
// entry. maxCandles <= 0 means the full cacheCap. A failed load leaves
// the existing entry untouched and returns the error. Concurrent
// preloads of the same key and size are coalesced.
func (c *SeriesCache) Preload(ctx context.Context, key SeriesKey, maxCandles int) (*Series, error) {
	limit := c.cacheCap
	if maxCandles > 0 && maxCandles < limit {
		limit = maxCandles
	}

	sfKey := key.String() + "|" + strconv.Itoa(limit)
	v, err, _ := c.group.Do(sfKey, func() (interface{}, error) {
		klines, err := c.store.RecentKlines(ctx, key, limit)
		if err != nil {
			return nil, fmt.Errorf("preload %s: %w", key, err)
		}
		s := NewSeries(key, klines)
		c.series.Store(key.String(), s)
		c.recordPreload()
		return s, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Series), nil
}

// Clear wipes all cached series.
func (c *SeriesCache) Clear() {
	c.series = sync.Map{}
}

// Stats returns usage counters.
func (c *SeriesCache) Stats() CacheStats {
	entries := 0
	c.series.Range(func(_, _ interface{}) bool {
		entries++
		return true
	})

	c.statsMu.RLock()
	defer c.statsMu.RUnlock()
	stats := CacheStats{
		Entries:  entries,
		Hits:     c.hitCount,
		Misses:   c.missCount,
		Preloads: c.preloadCount,
	}
	total := stats.Hits + stats.Misses
	if total > 0 {
		stats.HitRate = float64(stats.Hits) / float64(total) * 100
	}
	return stats
}

func (c *SeriesCache) recordHit() {
	c.statsMu.Lock()
	c.hitCount++
	c.statsMu.Unlock()
}

func (c *SeriesCache) recordMiss() {
	c.statsMu.Lock()
	c.missCount++
	c.statsMu.Unlock()
}

func (c *SeriesCache) recordPreload() {
	c.statsMu.Lock()
	c.preloadCount++
	c.statsMu.Unlock()
}
