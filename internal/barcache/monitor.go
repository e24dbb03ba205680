package barcache

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/atlasdesk/strategy-orchestrator/internal/metrics"
)

// MonitorConfig governs the background collaborator described in spec §4.1.
type MonitorConfig struct {
	Interval         time.Duration
	HitRateWarnFloor float64 // warn when hit rate < floor over >= MinRequestsForWarn requests
	MinRequestsForWarn int64
	MemoryWarnBytes  int64
	InactivityEvict  time.Duration
	RetentionCutoff  time.Duration
}

// Monitor periodically logs aggregate cache stats, warns on low hit rate or
// high memory, evicts inactive entries, and sweeps the repository for bars
// older than the retention window.
type Monitor struct {
	cache  *Cache
	cfg    MonitorConfig
	logger *zap.Logger
	stopCh chan struct{}
	doneCh chan struct{}
}

// NewMonitor creates a Monitor for cache.
func NewMonitor(cache *Cache, cfg MonitorConfig, logger *zap.Logger) *Monitor {
	return &Monitor{
		cache:  cache,
		cfg:    cfg,
		logger: logger.Named("barcache-monitor"),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Start runs the monitor loop until ctx is cancelled or Stop is called.
func (m *Monitor) Start(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.Interval)
	go func() {
		defer close(m.doneCh)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stopCh:
				return
			case <-ticker.C:
				m.tick(ctx)
			}
		}
	}()
}

// Stop requests the monitor loop to exit and waits for it to do so.
func (m *Monitor) Stop() {
	close(m.stopCh)
	<-m.doneCh
}

func (m *Monitor) tick(ctx context.Context) {
	stats := m.cache.GetCacheStats()

	var totalBars int
	var totalHits, totalMisses int64
	var totalMemory int64
	now := time.Now()

	for _, s := range stats {
		totalBars += s.BarCount
		totalHits += s.Hits
		totalMisses += s.Misses
		totalMemory += s.MemoryBytes

		metrics.BarCacheEntryBars.WithLabelValues(s.Symbol, s.Timeframe).Set(float64(s.BarCount))

		if total := s.Hits + s.Misses; total >= m.cfg.MinRequestsForWarn && s.HitRate < m.cfg.HitRateWarnFloor {
			m.logger.Warn("bar cache hit rate below floor",
				zap.String("symbol", s.Symbol), zap.String("timeframe", s.Timeframe),
				zap.Float64("hitRate", s.HitRate), zap.Float64("floor", m.cfg.HitRateWarnFloor))
		}
		if now.Sub(s.LastAccess) > m.cfg.InactivityEvict {
			m.cache.ClearCache(s.Symbol, s.Timeframe)
			m.logger.Info("evicted inactive bar cache entry",
				zap.String("symbol", s.Symbol), zap.String("timeframe", s.Timeframe),
				zap.Duration("idleFor", now.Sub(s.LastAccess)))
		}
		if m.cfg.RetentionCutoff > 0 {
			cutoff := now.Add(-m.cfg.RetentionCutoff).UnixMilli()
			deleted, err := m.cache.DeleteOldBars(ctx, s.Symbol, s.Timeframe, cutoff)
			if err != nil {
				m.logger.Warn("retention sweep failed", zap.String("symbol", s.Symbol), zap.Error(err))
			} else if deleted > 0 {
				m.logger.Info("retention sweep deleted old bars",
					zap.String("symbol", s.Symbol), zap.String("timeframe", s.Timeframe), zap.Int("deleted", deleted))
			}
		}
	}

	overallHitRate := 0.0
	if total := totalHits + totalMisses; total > 0 {
		overallHitRate = float64(totalHits) / float64(total)
	}
	m.logger.Info("bar cache stats",
		zap.Int("totalBars", totalBars), zap.Int64("totalHits", totalHits), zap.Int64("totalMisses", totalMisses),
		zap.Float64("overallHitRate", overallHitRate), zap.Int64("memoryBytes", totalMemory))
	if m.cfg.MemoryWarnBytes > 0 && totalMemory > m.cfg.MemoryWarnBytes {
		m.logger.Warn("bar cache memory above threshold",
			zap.Int64("memoryBytes", totalMemory), zap.Int64("thresholdBytes", m.cfg.MemoryWarnBytes))
	}
}
