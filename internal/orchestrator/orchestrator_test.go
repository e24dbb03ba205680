package orchestrator_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlasdesk/strategy-orchestrator/internal/barcache"
	"github.com/atlasdesk/strategy-orchestrator/internal/broker"
	"github.com/atlasdesk/strategy-orchestrator/internal/events"
	"github.com/atlasdesk/strategy-orchestrator/internal/orchestrator"
	"github.com/atlasdesk/strategy-orchestrator/internal/repository/memory"
	"github.com/atlasdesk/strategy-orchestrator/internal/workers"
	"github.com/atlasdesk/strategy-orchestrator/pkg/types"
)

const simplePlanYAML = `
meta:
  name: always_armed
  symbol: AAPL
  timeframe: 1m
features:
  - name: close
rules:
  arm: close > 0
  trigger: close > 1000000
orderPlans: {}
execution:
  entryTimeoutBars: 5
  rthOnly: true
risk:
  maxRiskPerTrade: 100
`

func newHarness(t *testing.T) (*orchestrator.Orchestrator, *memory.Store) {
	t.Helper()
	repo := memory.New()
	bus := events.NewBus(zap.NewNop(), events.DefaultBusConfig())
	cache := barcache.New(repo, zap.NewNop(), time.Minute)
	brokerAdapter := broker.New(broker.Config{DryRun: true}, nil, bus, zap.NewNop())
	pool := workers.NewPool(zap.NewNop(), workers.DefaultPoolConfig("test"))

	cfg := orchestrator.Config{UserID: "u1", MaxConcurrentStrategies: 2, WatchInterval: 20 * time.Millisecond}
	orch := orchestrator.New(cfg, repo, cache, brokerAdapter, bus, pool, zap.NewNop())
	return orch, repo
}

func insertPlan(t *testing.T, repo *memory.Store, id string, status types.PlanStatus) *types.Plan {
	t.Helper()
	p := &types.Plan{
		ID: id, UserID: "u1", Symbol: "AAPL", Timeframe: "1m", Name: "always_armed",
		Status: status, YAMLContent: simplePlanYAML, CreatedAt: time.Now().UnixMilli(),
	}
	if err := repo.CreatePlan(context.Background(), p); err != nil {
		t.Fatalf("unexpected error creating plan: %v", err)
	}
	return p
}

// seedBars gives the watch loop something to feed a freshly spawned engine;
// without at least one bar in the repository, feedEngines has nothing to
// deliver and the FSM never leaves "init".
func seedBars(t *testing.T, repo *memory.Store) {
	t.Helper()
	one := decimal.NewFromInt(1)
	bar := types.Bar{Symbol: "AAPL", Timeframe: "1m", Timestamp: time.Now().UnixMilli(), Open: one, High: one, Low: one, Close: one, Volume: 100}
	if _, err := repo.InsertBars(context.Background(), []types.Bar{bar}); err != nil {
		t.Fatalf("unexpected error seeding bars: %v", err)
	}
}

func TestStartActivatesPendingPlans(t *testing.T) {
	orch, repo := newHarness(t)
	insertPlan(t, repo, "plan-a", types.PlanPending)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := orch.Start(ctx); err != nil {
		t.Fatalf("unexpected start error: %v", err)
	}
	defer orch.Stop()

	waitFor(t, func() bool { return orch.ActiveCount() == 1 })

	plan, err := repo.GetPlan(context.Background(), "plan-a")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if plan.Status != types.PlanActive {
		t.Fatalf("expected plan to be activated, got status %q", plan.Status)
	}
}

func TestMaxConcurrentStrategiesGatesActivation(t *testing.T) {
	orch, repo := newHarness(t) // MaxConcurrentStrategies: 2
	insertPlan(t, repo, "plan-a", types.PlanPending)
	insertPlan(t, repo, "plan-b", types.PlanPending)
	insertPlan(t, repo, "plan-c", types.PlanPending)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := orch.Start(ctx); err != nil {
		t.Fatalf("unexpected start error: %v", err)
	}
	defer orch.Stop()

	waitFor(t, func() bool { return orch.ActiveCount() == 2 })
	time.Sleep(50 * time.Millisecond)
	if orch.ActiveCount() > 2 {
		t.Fatalf("expected at most 2 concurrently active engines, got %d", orch.ActiveCount())
	}

	plan, err := repo.GetPlan(context.Background(), "plan-c")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if plan.Status != types.PlanPending {
		t.Fatalf("expected the third plan to remain queued, got status %q", plan.Status)
	}
}

func TestRehydratesAlreadyActivePlanOnStart(t *testing.T) {
	orch, repo := newHarness(t)
	insertPlan(t, repo, "plan-a", types.PlanActive)
	seedBars(t, repo)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := orch.Start(ctx); err != nil {
		t.Fatalf("unexpected start error: %v", err)
	}
	defer orch.Stop()

	waitFor(t, func() bool { return orch.ActiveCount() == 1 })
	states := orch.EngineStates()
	if states["plan-a"] != "armed" {
		t.Fatalf("expected the rehydrated engine to reach armed on its synthetic feed, got %q", states["plan-a"])
	}
}

func TestRehydrateRestoresPersistedRuntimeStateInsteadOfReplayingFromInit(t *testing.T) {
	orch, repo := newHarness(t)
	insertPlan(t, repo, "plan-a", types.PlanActive)
	seedBars(t, repo)

	// Simulate a prior run that already armed the plan and processed every
	// bar currently in the cache, before the process restarted.
	persisted := &types.RuntimeState{
		CurrentState:              "armed",
		LastProcessedBarTimestamp: time.Now().Add(time.Hour).UnixMilli(),
	}
	if err := repo.SaveRuntimeState(context.Background(), "plan-a", persisted); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := orch.Start(ctx); err != nil {
		t.Fatalf("unexpected start error: %v", err)
	}
	defer orch.Stop()

	waitFor(t, func() bool { return orch.ActiveCount() == 1 })
	time.Sleep(50 * time.Millisecond) // let a feed tick run; the seeded bar predates the watermark and must be skipped

	if got := orch.EngineStates()["plan-a"]; got != "armed" {
		t.Fatalf("expected the rehydrated engine to resume from the persisted state armed, not re-derive it from init, got %q", got)
	}
}

func TestStreamedBarRoutesOnlyToMatchingSymbolAndTimeframe(t *testing.T) {
	orch, repo := newHarness(t)
	insertPlan(t, repo, "plan-a", types.PlanActive)
	seedBars(t, repo)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := orch.Start(ctx); err != nil {
		t.Fatalf("unexpected start error: %v", err)
	}
	defer orch.Stop()
	waitFor(t, func() bool { return orch.ActiveCount() == 1 })

	one := decimal.NewFromInt(1)
	orch.HandleStreamedBar(ctx, types.Bar{Symbol: "MSFT", Timeframe: "1m", Timestamp: 999, Open: one, High: one, Low: one, Close: one, Volume: 1})
	orch.HandleStreamedBar(ctx, types.Bar{Symbol: "AAPL", Timeframe: "1m", Timestamp: 1000, Open: one, High: one, Low: one, Close: one, Volume: 1})

	waitFor(t, func() bool { return orch.EngineStates()["plan-a"] == "armed" })
}

func TestStopIsIdempotentAndGraceful(t *testing.T) {
	orch, repo := newHarness(t)
	insertPlan(t, repo, "plan-a", types.PlanPending)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := orch.Start(ctx); err != nil {
		t.Fatalf("unexpected start error: %v", err)
	}
	waitFor(t, func() bool { return orch.ActiveCount() == 1 })

	if err := orch.Stop(); err != nil {
		t.Fatalf("unexpected stop error: %v", err)
	}
	if err := orch.Stop(); err != nil {
		t.Fatalf("expected a second Stop to be a no-op, got error: %v", err)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}
