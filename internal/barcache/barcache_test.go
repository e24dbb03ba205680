package barcache_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlasdesk/strategy-orchestrator/internal/barcache"
	"github.com/atlasdesk/strategy-orchestrator/internal/repository/memory"
	"github.com/atlasdesk/strategy-orchestrator/pkg/types"
)

func bar(ts int64) types.Bar {
	one := decimal.NewFromInt(1)
	return types.Bar{Symbol: "TEST", Timeframe: "5m", Timestamp: ts, Open: one, High: one, Low: one, Close: one, Volume: 10}
}

func TestGetBarsLoadsFromRepositoryOnMiss(t *testing.T) {
	repo := memory.New()
	ctx := context.Background()
	if _, err := repo.InsertBars(ctx, []types.Bar{bar(1_000_000), bar(2_000_000)}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	cache := barcache.New(repo, zap.NewNop(), time.Minute)
	bars, err := cache.GetBars(ctx, "TEST", "5m", 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(bars) != 2 {
		t.Fatalf("expected 2 bars, got %d", len(bars))
	}
}

func TestGetBarsServesFromCacheWhileFresh(t *testing.T) {
	repo := memory.New()
	ctx := context.Background()
	if _, err := repo.InsertBars(ctx, []types.Bar{bar(1_000_000)}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	cache := barcache.New(repo, zap.NewNop(), time.Minute)

	if _, err := cache.GetBars(ctx, "TEST", "5m", 0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// A second repository-side bar arrives out of band; a fresh cache read
	// should not observe it until the entry expires or InsertBars runs
	// through the cache itself.
	if _, err := repo.InsertBars(ctx, []types.Bar{bar(2_000_000)}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	bars, err := cache.GetBars(ctx, "TEST", "5m", 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(bars) != 1 {
		t.Fatalf("expected the fresh cache entry to still report 1 bar, got %d", len(bars))
	}
}

func TestGetBarsRespectsLimit(t *testing.T) {
	repo := memory.New()
	ctx := context.Background()
	if _, err := repo.InsertBars(ctx, []types.Bar{bar(1_000_000), bar(2_000_000), bar(3_000_000)}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	cache := barcache.New(repo, zap.NewNop(), time.Minute)

	bars, err := cache.GetBars(ctx, "TEST", "5m", 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(bars) != 2 || bars[len(bars)-1].Timestamp != 3_000_000 {
		t.Fatalf("expected the newest 2 bars, got %+v", bars)
	}
}

func TestInsertBarsMergesIntoAlreadyCachedEntry(t *testing.T) {
	repo := memory.New()
	ctx := context.Background()
	if _, err := repo.InsertBars(ctx, []types.Bar{bar(1_000_000)}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	cache := barcache.New(repo, zap.NewNop(), time.Minute)
	if _, err := cache.GetBars(ctx, "TEST", "5m", 0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, err := cache.InsertBars(ctx, []types.Bar{bar(2_000_000)}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	bars, err := cache.GetBars(ctx, "TEST", "5m", 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(bars) != 2 {
		t.Fatalf("expected the merge to surface both bars through the cache, got %d", len(bars))
	}
}

func TestGetCacheStatsTracksHitsAndMisses(t *testing.T) {
	repo := memory.New()
	ctx := context.Background()
	if _, err := repo.InsertBars(ctx, []types.Bar{bar(1_000_000)}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	cache := barcache.New(repo, zap.NewNop(), time.Minute)

	if _, err := cache.GetBars(ctx, "TEST", "5m", 0); err != nil { // miss
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := cache.GetBars(ctx, "TEST", "5m", 0); err != nil { // hit
		t.Fatalf("unexpected error: %v", err)
	}

	stats := cache.GetCacheStats()
	if len(stats) != 1 {
		t.Fatalf("expected one entry, got %d", len(stats))
	}
	if stats[0].Hits != 1 || stats[0].Misses != 1 {
		t.Fatalf("expected 1 hit and 1 miss, got %+v", stats[0])
	}
}

func TestDeleteOldBarsPrunesCachedEntryToo(t *testing.T) {
	repo := memory.New()
	ctx := context.Background()
	const day = int64(24 * 60 * 60 * 1000)
	now := int64(2_000_000_000_000)
	if _, err := repo.InsertBars(ctx, []types.Bar{bar(now - 366*day), bar(now - 1*day)}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	cache := barcache.New(repo, zap.NewNop(), time.Minute)
	if _, err := cache.GetBars(ctx, "TEST", "5m", 0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	deleted, err := cache.DeleteOldBars(ctx, "TEST", "5m", now-365*day)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if deleted != 1 {
		t.Fatalf("expected 1 deleted bar, got %d", deleted)
	}

	bars, err := cache.GetBars(ctx, "TEST", "5m", 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(bars) != 1 || bars[0].Timestamp != now-1*day {
		t.Fatalf("expected only the recent bar to remain cached, got %+v", bars)
	}
}

func TestClearCacheDropsMatchingEntries(t *testing.T) {
	repo := memory.New()
	ctx := context.Background()
	if _, err := repo.InsertBars(ctx, []types.Bar{bar(1_000_000)}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	cache := barcache.New(repo, zap.NewNop(), time.Minute)
	if _, err := cache.GetBars(ctx, "TEST", "5m", 0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cache.GetCacheStats()) != 1 {
		t.Fatal("expected one cached entry before clearing")
	}
	cache.ClearCache("TEST", "5m")
	if len(cache.GetCacheStats()) != 0 {
		t.Fatal("expected no cached entries after clearing")
	}
}
