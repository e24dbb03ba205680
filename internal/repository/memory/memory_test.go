package memory_test

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/atlasdesk/strategy-orchestrator/internal/repository/memory"
	"github.com/atlasdesk/strategy-orchestrator/pkg/types"
)

func bar(symbol, timeframe string, ts int64) types.Bar {
	one := decimal.NewFromInt(1)
	return types.Bar{
		Symbol: symbol, Timeframe: timeframe, Timestamp: ts,
		Open: one, High: one, Low: one, Close: one, Volume: 100,
	}
}

func TestCacheDedupInsertion(t *testing.T) {
	store := memory.New()
	ctx := context.Background()
	b := bar("TEST", "5m", 1_000_000)

	inserted, err := store.InsertBars(ctx, []types.Bar{b})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if inserted != 1 {
		t.Fatalf("expected first insert to report 1, got %d", inserted)
	}

	inserted, err = store.InsertBars(ctx, []types.Bar{b})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if inserted != 0 {
		t.Fatalf("expected duplicate insert to report 0, got %d", inserted)
	}

	bars, err := store.GetBars(ctx, "TEST", "5m", 0, 0, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(bars) != 1 {
		t.Fatalf("expected exactly one bar, got %d", len(bars))
	}
}

func TestRangeQueryReturnsOnlyBarsInRange(t *testing.T) {
	store := memory.New()
	ctx := context.Background()
	bars := []types.Bar{
		bar("TEST", "5m", 1_000_000),
		bar("TEST", "5m", 2_000_000),
		bar("TEST", "5m", 3_000_000),
	}
	if _, err := store.InsertBars(ctx, bars); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, err := store.GetBars(ctx, "TEST", "5m", 1_500_000, 2_500_000, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 1 || got[0].Timestamp != 2_000_000 {
		t.Fatalf("expected exactly the 2e6 bar, got %+v", got)
	}
}

func TestRetentionDeletesOnlyBarsOlderThanCutoff(t *testing.T) {
	store := memory.New()
	ctx := context.Background()
	const day = int64(24 * 60 * 60 * 1000)
	now := int64(2_000_000_000_000)
	old := bar("AAPL", "5m", now-366*day)
	recent := bar("AAPL", "5m", now-1*day)

	if _, err := store.InsertBars(ctx, []types.Bar{old, recent}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	deleted, err := store.DeleteOldBars(ctx, "AAPL", "5m", now-365*day)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if deleted != 1 {
		t.Fatalf("expected exactly one deleted bar, got %d", deleted)
	}

	remaining, err := store.GetBars(ctx, "AAPL", "5m", 0, 0, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(remaining) != 1 || remaining[0].Timestamp != recent.Timestamp {
		t.Fatalf("expected only the recent bar to remain, got %+v", remaining)
	}
}

func TestRuntimeStateRoundTripsAndReportsNotFoundBeforeFirstSave(t *testing.T) {
	store := memory.New()
	ctx := context.Background()

	if _, err := store.LoadRuntimeState(ctx, "plan-a"); err == nil {
		t.Fatal("expected an error loading runtime state before any has been saved")
	}

	state := &types.RuntimeState{CurrentState: "armed", BarCount: 7, LastBarTimestamp: 5_000, LastProcessedBarTimestamp: 5_000}
	if err := store.SaveRuntimeState(ctx, "plan-a", state); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, err := store.LoadRuntimeState(ctx, "plan-a")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.CurrentState != "armed" || got.BarCount != 7 || got.LastProcessedBarTimestamp != 5_000 {
		t.Fatalf("expected restored state to match what was saved, got %+v", got)
	}
}

func TestPlanLifecycle(t *testing.T) {
	store := memory.New()
	ctx := context.Background()
	p := &types.Plan{ID: "p1", UserID: "u1", Symbol: "AAPL", Timeframe: "5m", Status: types.PlanPending}
	if err := store.CreatePlan(ctx, p); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := store.UpdatePlanStatus(ctx, "p1", types.PlanActive, 123); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, err := store.GetPlan(ctx, "p1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Status != types.PlanActive || got.ActivatedAt != 123 {
		t.Fatalf("expected plan to be active with activatedAt 123, got %+v", got)
	}
}
