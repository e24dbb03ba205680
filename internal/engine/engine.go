// Package engine implements the Strategy Engine (C6): a per-plan finite
// state machine that consumes bars in order, recomputes feature values,
// evaluates transition expressions, and emits order intents. Grounded on
// the teacher's strategy-registry call shape (internal/strategy/strategy.go)
// for the public surface, and on internal/execution/order_manager.go for
// per-order bookkeeping, generalized from a live-signal strategy to a
// compiled FSM over a declarative plan.
package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlasdesk/strategy-orchestrator/internal/compiler"
	"github.com/atlasdesk/strategy-orchestrator/internal/eval"
	"github.com/atlasdesk/strategy-orchestrator/internal/events"
	"github.com/atlasdesk/strategy-orchestrator/internal/indicators"
	"github.com/atlasdesk/strategy-orchestrator/internal/repository"
	"github.com/atlasdesk/strategy-orchestrator/internal/risk"
	"github.com/atlasdesk/strategy-orchestrator/pkg/types"
	"github.com/atlasdesk/strategy-orchestrator/pkg/utils"
)

const maxHistoryBars = 500

// BracketRequest is what the engine asks the broker adapter to submit.
type BracketRequest struct {
	PlanID    string
	Symbol    string
	Side      types.OrderSide
	Qty       int64
	LimitEntry decimal.Decimal
	Stop      decimal.Decimal
	Targets   []decimal.Decimal
}

// BrokerClient is the subset of the broker adapter the engine depends on.
// Defined here (rather than imported from internal/broker) so the broker
// package has no reverse dependency on the engine.
type BrokerClient interface {
	SubmitBracket(ctx context.Context, req BracketRequest) (*types.Bracket, error)
}

// Engine runs one plan's compiled FSM.
type Engine struct {
	PlanID string
	Symbol string

	ir     *types.CompiledIR
	state  *types.RuntimeState
	broker BrokerClient
	repo   repository.Repository
	bus    *events.Bus
	logger *zap.Logger

	terminal       map[string]bool
	lastOrderBarTs int64 // idempotency guard: orders already emitted for this bar timestamp
	riskCfg        types.RiskLimits
	currentPrice   decimal.Decimal
}

// New creates an Engine for planID/symbol running the compiled ir.
func New(planID, symbol string, ir *types.CompiledIR, broker BrokerClient, repo repository.Repository, bus *events.Bus, riskCfg types.RiskLimits, logger *zap.Logger) *Engine {
	return &Engine{
		PlanID: planID,
		Symbol: symbol,
		ir:     ir,
		state: &types.RuntimeState{
			CurrentState:  "init",
			FeatureValues: map[string]*float64{},
		},
		broker:   broker,
		repo:     repo,
		bus:      bus,
		logger:   logger.Named("engine").With(zap.String("planId", planID), zap.String("symbol", symbol)),
		terminal: compiler.TerminalStates(ir),
		riskCfg:  riskCfg,
	}
}

// Restore creates an Engine resuming from a previously persisted
// RuntimeState (current FSM state and last processed bar timestamp),
// rather than starting at "init". Used by the orchestrator to rehydrate an
// ACTIVE plan after a restart without re-walking already-triggered
// transitions and re-submitting already-placed bracket orders; any bar at
// or before state.LastProcessedBarTimestamp fed afterwards is a no-op, per
// ProcessBar's idempotency guard.
func Restore(planID, symbol string, ir *types.CompiledIR, broker BrokerClient, repo repository.Repository, bus *events.Bus, riskCfg types.RiskLimits, logger *zap.Logger, state *types.RuntimeState) *Engine {
	if state.FeatureValues == nil {
		state.FeatureValues = map[string]*float64{}
	}
	e := &Engine{
		PlanID:   planID,
		Symbol:   symbol,
		ir:       ir,
		state:    state,
		broker:   broker,
		repo:     repo,
		bus:      bus,
		logger:   logger.Named("engine").With(zap.String("planId", planID), zap.String("symbol", symbol)),
		terminal: compiler.TerminalStates(ir),
		riskCfg:  riskCfg,
	}
	if len(e.state.History) > 0 {
		e.currentPrice = e.state.History[len(e.state.History)-1].Close
	}
	return e
}

// State returns the current FSM state name.
func (e *Engine) State() string { return e.state.CurrentState }

// IsClosed reports whether the engine has reached a terminal state.
func (e *Engine) IsClosed() bool { return e.terminal[e.state.CurrentState] }

// RequiresStreaming reports whether the current state needs real-time bars.
func (e *Engine) RequiresStreaming() bool { return compiler.RequiresStreaming(e.state.CurrentState) }

// ProcessBar runs the full bar-processing protocol (spec §4.3) for one bar.
// replay=true marks a re-delivery of an already-processed bar (e.g. restart
// rehydration): it must not advance real-time counters or re-emit orders.
func (e *Engine) ProcessBar(ctx context.Context, bar types.Bar, replay bool) error {
	if bar.Timestamp <= e.state.LastProcessedBarTimestamp {
		return nil // at or before the last processed bar: duplicate, skipped
	}

	e.currentPrice = bar.Close

	// 1. Append to bounded history.
	e.state.History = append(e.state.History, bar)
	if len(e.state.History) > maxHistoryBars {
		e.state.History = e.state.History[len(e.state.History)-maxHistoryBars:]
	}
	if !replay {
		e.state.BarCount++
	}
	e.state.LastBarTimestamp = bar.Timestamp
	e.state.LastProcessedBarTimestamp = bar.Timestamp

	// 2. Recompute feature values.
	for _, f := range e.ir.Features {
		v, ok := indicators.Compute(f.Name, e.state.History)
		if !ok {
			e.state.FeatureValues[f.Name] = nil
			continue
		}
		val := v
		e.state.FeatureValues[f.Name] = &val
	}

	env := e.envFor(bar)

	// 3. Evaluate outgoing transitions in configuration order; first match wins.
	for _, t := range e.ir.Transitions {
		if t.From != e.state.CurrentState {
			continue
		}
		matched, err := eval.EvalBool(t.When, env)
		if err != nil {
			e.logger.Debug("transition expression failed, treated as false", zap.String("expr", t.When), zap.Error(err))
			continue
		}
		if !matched {
			continue
		}
		e.transition(ctx, t.From, t.To, bar, replay)
		break // at most one transition per bar
	}

	// Persist runtime state so a restart can rehydrate from here instead of
	// "init" (spec §4.5 "Restart recovery"); log-and-swallow per repository's
	// bar-processing-path error policy.
	if err := e.repo.SaveRuntimeState(ctx, e.PlanID, e.state); err != nil {
		e.logger.Warn("failed to persist runtime state", zap.Error(err))
	}

	// 5. Terminal check is observed by the caller via IsClosed().
	return nil
}

func (e *Engine) envFor(bar types.Bar) eval.Env {
	return func(name string) (float64, bool) {
		if v, ok := e.state.FeatureValues[name]; ok {
			if v == nil {
				return 0, false
			}
			return *v, true
		}
		return indicators.Compute(name, e.state.History)
	}
}

func (e *Engine) transition(ctx context.Context, from, to string, bar types.Bar, replay bool) {
	e.logger.Info("state transition", zap.String("from", from), zap.String("to", to))
	e.state.CurrentState = to
	e.bus.Publish(events.NewPlanStateEvent(e.PlanID, from, to))

	if !replay {
		_ = e.repo.AppendAudit(ctx, &types.AuditEntry{
			ID: utils.GenerateAuditID(), PlanID: e.PlanID, Kind: "state_transition",
			Detail: fmt.Sprintf("%s -> %s", from, to), Timestamp: time.Now().UnixMilli(),
		})
	}

	orderPlan, ok := e.ir.OrderPlans[to]
	if !ok {
		return
	}
	if e.lastOrderBarTs == bar.Timestamp {
		return // already emitted an order for this bar (idempotent replay)
	}
	if err := e.submitFromOrderPlan(ctx, orderPlan, bar); err != nil {
		e.logger.Warn("order plan submission failed", zap.Error(err))
		e.bus.Publish(events.NewRiskAlertEvent(e.PlanID, "warning", err.Error()))
		return
	}
	e.lastOrderBarTs = bar.Timestamp
}

func (e *Engine) submitFromOrderPlan(ctx context.Context, op types.OrderPlan, bar types.Bar) error {
	env := e.envFor(bar)
	entryLowF, err := eval.EvalNumber(op.EntryZoneLow, env)
	if err != nil {
		return fmt.Errorf("entryZone[0]: %w", err)
	}
	entryHighF, err := eval.EvalNumber(op.EntryZoneHigh, env)
	if err != nil {
		return fmt.Errorf("entryZone[1]: %w", err)
	}
	stopF, err := eval.EvalNumber(op.StopPriceExpr, env)
	if err != nil {
		return fmt.Errorf("stopPrice: %w", err)
	}
	if len(op.Targets) == 0 {
		return fmt.Errorf("orderPlan has no targets")
	}
	targetF, err := eval.EvalNumber(op.Targets[0].PriceExpr, env)
	if err != nil {
		return fmt.Errorf("target: %w", err)
	}

	entryLow := decimal.NewFromFloat(entryLowF)
	entryHigh := decimal.NewFromFloat(entryHighF)
	stop := decimal.NewFromFloat(stopF)
	target := decimal.NewFromFloat(targetF)

	result, err := risk.Evaluate(risk.Input{
		Side: op.Side, EntryLow: entryLow, EntryHigh: entryHigh, Stop: stop, Target: target,
		CurrentPrice: e.currentPrice, RRTarget: 2.0, MaxRiskPerTrade: e.ir.Risk.MaxRiskPerTrade,
		MaxEntryDistancePct: 3.0,
		BuyingPowerFactor:   e.riskCfg.BuyingPowerFactor,
		MaxOrderQty:         e.riskCfg.MaxOrderQty,
		MaxNotionalPerSymbol: e.riskCfg.MaxNotionalPerSymbol,
	})
	if err != nil {
		return fmt.Errorf("risk gate: %w", err)
	}

	qty := result.Qty
	if op.Qty > 0 {
		qty = utils.MinInt64(qty, op.Qty)
	}

	targets := make([]decimal.Decimal, 0, len(op.Targets))
	for _, t := range op.Targets {
		tv, err := eval.EvalNumber(t.PriceExpr, env)
		if err != nil {
			return fmt.Errorf("target expr: %w", err)
		}
		targets = append(targets, utils.RoundTick(decimal.NewFromFloat(tv)))
	}

	bracket, err := e.broker.SubmitBracket(ctx, BracketRequest{
		PlanID: e.PlanID, Symbol: e.Symbol, Side: op.Side, Qty: qty,
		LimitEntry: utils.RoundTick(entryHigh), Stop: utils.RoundTick(stop), Targets: targets,
	})
	if err != nil {
		return fmt.Errorf("submit bracket: %w", err)
	}

	e.state.OpenOrders = append(e.state.OpenOrders, bracket.Entry, bracket.TakeProf, bracket.StopLoss)
	for _, o := range []*types.Order{bracket.Entry, bracket.TakeProf, bracket.StopLoss} {
		_ = e.repo.UpsertOrder(ctx, o)
		e.bus.Publish(events.NewOrderEvent(*o))
	}
	return nil
}
