package engine_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlasdesk/strategy-orchestrator/internal/compiler"
	"github.com/atlasdesk/strategy-orchestrator/internal/engine"
	"github.com/atlasdesk/strategy-orchestrator/internal/events"
	"github.com/atlasdesk/strategy-orchestrator/internal/repository/memory"
	"github.com/atlasdesk/strategy-orchestrator/pkg/types"
)

const testPlanYAML = `
meta:
  name: test_breakout
  symbol: AAPL
  timeframe: 5m
features:
  - name: close
rules:
  arm: close > 100
  trigger: close > 102
orderPlans:
  triggered:
    side: buy
    entryZone: ["close - 1", "close"]
    qty: 10
    stopPrice: "close - 5"
    targets:
      - price: "close + 10"
        ratioOfPosition: 1.0
execution:
  entryTimeoutBars: 5
  rthOnly: true
risk:
  maxRiskPerTrade: 100
`

type fakeBroker struct {
	calls []engine.BracketRequest
}

func (f *fakeBroker) SubmitBracket(ctx context.Context, req engine.BracketRequest) (*types.Bracket, error) {
	f.calls = append(f.calls, req)
	now := time.Now().UnixMilli()
	mk := func(side types.OrderSide, typ types.OrderType) *types.Order {
		return &types.Order{ID: "ord-" + string(typ), PlanID: req.PlanID, Symbol: req.Symbol, Side: side, Qty: req.Qty, Type: typ, Status: types.OrderSubmitted, CreatedAt: now, UpdatedAt: now}
	}
	return &types.Bracket{
		PlanID:   req.PlanID,
		Entry:    mk(req.Side, types.OrderLimit),
		TakeProf: mk(types.SideSell, types.OrderLimit),
		StopLoss: mk(types.SideSell, types.OrderStop),
	}, nil
}

func bar(ts int64, close float64) types.Bar {
	c := decimal.NewFromFloat(close)
	return types.Bar{Symbol: "AAPL", Timeframe: "5m", Timestamp: ts, Open: c, High: c.Add(decimal.NewFromInt(1)), Low: c.Sub(decimal.NewFromInt(1)), Close: c, Volume: 1000}
}

func newTestEngine(t *testing.T, broker engine.BrokerClient) *engine.Engine {
	t.Helper()
	ir, err := compiler.Compile(testPlanYAML)
	if err != nil {
		t.Fatalf("unexpected compile error: %v", err)
	}
	repo := memory.New()
	bus := events.NewBus(zap.NewNop(), events.DefaultBusConfig())
	return engine.New("plan-1", "AAPL", ir, broker, repo, bus, types.RiskLimits{}, zap.NewNop())
}

func TestEngineAdvancesStateOnArmCondition(t *testing.T) {
	broker := &fakeBroker{}
	eng := newTestEngine(t, broker)
	ctx := context.Background()

	if eng.State() != "init" {
		t.Fatalf("expected initial state init, got %q", eng.State())
	}
	if err := eng.ProcessBar(ctx, bar(1_000, 101), false); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if eng.State() != "armed" {
		t.Fatalf("expected state armed after close > 100, got %q", eng.State())
	}
}

func TestEngineSubmitsBracketOnTrigger(t *testing.T) {
	broker := &fakeBroker{}
	eng := newTestEngine(t, broker)
	ctx := context.Background()

	if err := eng.ProcessBar(ctx, bar(1_000, 101), false); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := eng.ProcessBar(ctx, bar(2_000, 103), false); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if eng.State() != "triggered" {
		t.Fatalf("expected state triggered, got %q", eng.State())
	}
	if len(broker.calls) != 1 {
		t.Fatalf("expected exactly one bracket submission, got %d", len(broker.calls))
	}
}

func TestEngineIdempotentReplaySkipsDuplicateBar(t *testing.T) {
	broker := &fakeBroker{}
	eng := newTestEngine(t, broker)
	ctx := context.Background()

	if err := eng.ProcessBar(ctx, bar(1_000, 101), false); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := eng.ProcessBar(ctx, bar(2_000, 103), false); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(broker.calls) != 1 {
		t.Fatalf("expected exactly one bracket submission before replay, got %d", len(broker.calls))
	}

	// Re-deliver the same bar (e.g. after a restart rehydration): must not
	// re-transition or re-submit.
	if err := eng.ProcessBar(ctx, bar(2_000, 103), true); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if eng.State() != "triggered" {
		t.Fatalf("expected state to remain triggered after replay, got %q", eng.State())
	}
	if len(broker.calls) != 1 {
		t.Fatalf("expected no additional bracket submissions on replay, got %d", len(broker.calls))
	}
}

func TestEngineIgnoresBarAtOrBeforeLastProcessedTimestamp(t *testing.T) {
	broker := &fakeBroker{}
	eng := newTestEngine(t, broker)
	ctx := context.Background()

	if err := eng.ProcessBar(ctx, bar(2_000, 101), false); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	stateAfterFirst := eng.State()

	// An earlier-timestamped bar arriving late must be a no-op.
	if err := eng.ProcessBar(ctx, bar(1_000, 999), false); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if eng.State() != stateAfterFirst {
		t.Fatalf("expected state unchanged by a stale bar, got %q (was %q)", eng.State(), stateAfterFirst)
	}
}

func TestEngineNotClosedBeforeTerminalState(t *testing.T) {
	eng := newTestEngine(t, &fakeBroker{})
	if eng.IsClosed() {
		t.Fatal("expected a freshly created engine in the init state not to be closed")
	}
}
