// Package barcache implements the Bar Cache (C3): a coherent, per-
// (symbol, timeframe) ordered bar store shared across all strategy engines,
// with TTL, deduplication, single-flight load coalescing, and a background
// monitor. Grounded on the teacher's mutex-guarded-map store shape
// (internal/data/store.go) and gap/anomaly monitor idiom
// (internal/data/quality.go), generalized to the repository interface and
// extended with the TTL/hit-rate/single-flight semantics this spec requires.
package barcache

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/atlasdesk/strategy-orchestrator/internal/metrics"
	"github.com/atlasdesk/strategy-orchestrator/internal/repository"
	"github.com/atlasdesk/strategy-orchestrator/pkg/types"
)

type cacheKey struct {
	symbol, timeframe string
}

type entry struct {
	bars       []types.Bar // strictly ascending by timestamp, no duplicates
	lastAccess time.Time
	hits       int64
	misses     int64
	ttl        time.Duration
}

// Cache is the shared Bar Cache.
type Cache struct {
	mu      sync.RWMutex
	entries map[cacheKey]*entry
	repo    repository.Repository
	logger  *zap.Logger
	ttl     time.Duration
	group   singleflight.Group
}

// New creates a Cache backed by repo, with the default TTL applied to newly
// populated entries.
func New(repo repository.Repository, logger *zap.Logger, ttl time.Duration) *Cache {
	return &Cache{
		entries: make(map[cacheKey]*entry),
		repo:    repo,
		logger:  logger.Named("barcache"),
		ttl:     ttl,
	}
}

// GetBars returns up to limit bars for (symbol, timeframe), newest last.
// Serves from cache if fresh; otherwise loads from the repository, with at
// most one load in flight per key (single-flight dedup).
func (c *Cache) GetBars(ctx context.Context, symbol, timeframe string, limit int) ([]types.Bar, error) {
	k := cacheKey{symbol, timeframe}

	c.mu.RLock()
	e, ok := c.entries[k]
	fresh := ok && time.Since(e.lastAccess) < e.ttl
	c.mu.RUnlock()

	if fresh {
		c.mu.Lock()
		e.hits++
		e.lastAccess = time.Now()
		bars := tail(e.bars, limit)
		c.mu.Unlock()
		metrics.BarCacheHits.WithLabelValues(symbol, timeframe).Inc()
		return bars, nil
	}

	sfKey := symbol + "|" + timeframe
	result, err, _ := c.group.Do(sfKey, func() (any, error) {
		bars, err := c.repo.GetBars(ctx, symbol, timeframe, 0, 0, 0)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.entries[k] = &entry{bars: bars, lastAccess: time.Now(), ttl: c.ttl, misses: 1}
		c.mu.Unlock()
		return bars, nil
	})
	if err != nil {
		metrics.BarCacheMisses.WithLabelValues(symbol, timeframe).Inc()
		return nil, err
	}
	metrics.BarCacheMisses.WithLabelValues(symbol, timeframe).Inc()
	return tail(result.([]types.Bar), limit), nil
}

func tail(bars []types.Bar, limit int) []types.Bar {
	if limit <= 0 || len(bars) <= limit {
		out := make([]types.Bar, len(bars))
		copy(out, bars)
		return out
	}
	out := make([]types.Bar, limit)
	copy(out, bars[len(bars)-limit:])
	return out
}

// InsertBars upserts bars into the repository and, for the entries already
// cached, merges them in sorted, deduplicated order. Returns the count of
// rows actually inserted (duplicates are silently ignored).
func (c *Cache) InsertBars(ctx context.Context, bars []types.Bar) (int, error) {
	inserted, err := c.repo.InsertBars(ctx, bars)
	if err != nil {
		return 0, err
	}
	byKey := map[cacheKey][]types.Bar{}
	for _, b := range bars {
		k := cacheKey{b.Symbol, b.Timeframe}
		byKey[k] = append(byKey[k], b)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, newBars := range byKey {
		e, ok := c.entries[k]
		if !ok {
			continue // don't populate cache entries that were never requested
		}
		e.bars = mergeSorted(e.bars, newBars)
	}
	return inserted, nil
}

func mergeSorted(existing, incoming []types.Bar) []types.Bar {
	seen := make(map[int64]bool, len(existing))
	for _, b := range existing {
		seen[b.Timestamp] = true
	}
	merged := append([]types.Bar{}, existing...)
	for _, b := range incoming {
		if seen[b.Timestamp] {
			continue
		}
		seen[b.Timestamp] = true
		merged = append(merged, b)
	}
	for i := 1; i < len(merged); i++ {
		for j := i; j > 0 && merged[j-1].Timestamp > merged[j].Timestamp; j-- {
			merged[j-1], merged[j] = merged[j], merged[j-1]
		}
	}
	return merged
}

// ClearCache drops matching entries; empty symbol/timeframe means "all".
func (c *Cache) ClearCache(symbol, timeframe string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if symbol == "" && timeframe == "" {
		c.entries = make(map[cacheKey]*entry)
		return
	}
	for k := range c.entries {
		if (symbol == "" || k.symbol == symbol) && (timeframe == "" || k.timeframe == timeframe) {
			delete(c.entries, k)
		}
	}
}

// DeleteOldBars runs the repository-side retention sweep for one key.
func (c *Cache) DeleteOldBars(ctx context.Context, symbol, timeframe string, cutoff int64) (int, error) {
	deleted, err := c.repo.DeleteOldBars(ctx, symbol, timeframe, cutoff)
	if err != nil {
		return 0, err
	}
	c.mu.Lock()
	if e, ok := c.entries[cacheKey{symbol, timeframe}]; ok {
		kept := e.bars[:0:0]
		for _, b := range e.bars {
			if b.Timestamp >= cutoff {
				kept = append(kept, b)
			}
		}
		e.bars = kept
	}
	c.mu.Unlock()
	return deleted, nil
}

// EntryStats is one row of getCacheStats().
type EntryStats struct {
	Symbol      string
	Timeframe   string
	BarCount    int
	Hits        int64
	Misses      int64
	HitRate     float64
	MemoryBytes int64
	LastAccess  time.Time
}

const approxBarBytes = 96 // rough per-bar footprint for the memory estimate

// GetCacheStats returns per-entry cache statistics.
func (c *Cache) GetCacheStats() []EntryStats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]EntryStats, 0, len(c.entries))
	for k, e := range c.entries {
		total := e.hits + e.misses
		hitRate := 0.0
		if total > 0 {
			hitRate = float64(e.hits) / float64(total)
		}
		out = append(out, EntryStats{
			Symbol: k.symbol, Timeframe: k.timeframe, BarCount: len(e.bars),
			Hits: e.hits, Misses: e.misses, HitRate: hitRate,
			MemoryBytes: int64(len(e.bars)) * approxBarBytes, LastAccess: e.lastAccess,
		})
	}
	return out
}
