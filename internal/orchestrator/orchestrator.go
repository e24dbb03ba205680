// Package orchestrator implements the Orchestrator (C9): the control loop
// that discovers plans, compiles and spawns strategy engines, feeds them
// bars on a watch interval, and reaps terminal engines. Grounded on the
// teacher's TradingOrchestrator Start/Stop shape (mutex-guarded running
// flag, stopCh, goroutine loops ticking independently), generalized from a
// fixed PhD-component pipeline to a per-plan engine map driven by
// repository state.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/atlasdesk/strategy-orchestrator/internal/barcache"
	"github.com/atlasdesk/strategy-orchestrator/internal/broker"
	"github.com/atlasdesk/strategy-orchestrator/internal/compiler"
	"github.com/atlasdesk/strategy-orchestrator/internal/engine"
	"github.com/atlasdesk/strategy-orchestrator/internal/events"
	"github.com/atlasdesk/strategy-orchestrator/internal/metrics"
	"github.com/atlasdesk/strategy-orchestrator/internal/repository"
	"github.com/atlasdesk/strategy-orchestrator/internal/workers"
	"github.com/atlasdesk/strategy-orchestrator/pkg/types"
	"github.com/atlasdesk/strategy-orchestrator/pkg/utils"
)

// Config configures the control loop.
type Config struct {
	UserID                  string
	MaxConcurrentStrategies int
	WatchInterval           time.Duration
	RiskLimits              types.RiskLimits
}

// engineHandle pairs a running Engine with its plan and streaming bookkeeping.
type engineHandle struct {
	eng          *engine.Engine
	plan         *types.Plan
	timeframeMs  int64
	lastBarFetch int64
}

// Orchestrator owns every StrategyEngine instance and the single BarCache.
type Orchestrator struct {
	cfg    Config
	repo   repository.Repository
	cache  *barcache.Cache
	broker *broker.Adapter
	bus    *events.Bus
	pool   *workers.Pool
	batch  *workers.BatchProcessor
	logger *zap.Logger

	mu      sync.RWMutex
	engines map[string]*engineHandle // planId -> handle
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// New creates an Orchestrator.
func New(cfg Config, repo repository.Repository, cache *barcache.Cache, brokerAdapter *broker.Adapter, bus *events.Bus, pool *workers.Pool, logger *zap.Logger) *Orchestrator {
	if cfg.MaxConcurrentStrategies <= 0 {
		cfg.MaxConcurrentStrategies = 10
	}
	if cfg.WatchInterval <= 0 {
		cfg.WatchInterval = 30 * time.Second
	}
	return &Orchestrator{
		cfg:     cfg,
		repo:    repo,
		cache:   cache,
		broker:  brokerAdapter,
		bus:     bus,
		pool:    pool,
		batch:   workers.NewBatchProcessor(pool, cfg.MaxConcurrentStrategies),
		logger:  logger.Named("orchestrator"),
		engines: make(map[string]*engineHandle),
	}
}

// Start begins the control loop; it returns once the loop goroutine and the
// worker pool are both running.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		return fmt.Errorf("orchestrator already running")
	}
	o.running = true
	o.stopCh = make(chan struct{})
	o.mu.Unlock()

	o.pool.Start()

	o.wg.Add(1)
	go o.controlLoop(ctx)

	o.logger.Info("orchestrator started", zap.Duration("watchInterval", o.cfg.WatchInterval))
	return nil
}

// Stop performs the graceful shutdown sequence: stop accepting new plans,
// stop the control loop, flush pending audit writes (already synchronous),
// then disconnect the broker socket.
func (o *Orchestrator) Stop() error {
	o.mu.Lock()
	if !o.running {
		o.mu.Unlock()
		return nil
	}
	o.running = false
	close(o.stopCh)
	o.mu.Unlock()

	o.wg.Wait()
	if err := o.pool.Stop(); err != nil {
		o.logger.Warn("worker pool stop reported an error", zap.Error(err))
	}
	if o.broker != nil {
		if err := o.broker.Disconnect(); err != nil {
			o.logger.Warn("broker disconnect reported an error", zap.Error(err))
		}
	}
	o.logger.Info("orchestrator stopped")
	return nil
}

func (o *Orchestrator) controlLoop(ctx context.Context) {
	defer o.wg.Done()
	ticker := time.NewTicker(o.cfg.WatchInterval)
	defer ticker.Stop()

	o.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-o.stopCh:
			return
		case <-ticker.C:
			o.tick(ctx)
		}
	}
}

func (o *Orchestrator) tick(ctx context.Context) {
	o.activatePending(ctx)
	o.rehydrateActive(ctx)
	o.feedEngines(ctx)
	o.reapTerminal(ctx)

	o.mu.RLock()
	active := len(o.engines)
	o.mu.RUnlock()
	metrics.OrchestratorActiveEngines.Set(float64(active))
}

// activatePending is control-loop step 1.
func (o *Orchestrator) activatePending(ctx context.Context) {
	pending, err := o.repo.ListPlansByStatus(ctx, o.cfg.UserID, types.PlanPending)
	if err != nil {
		o.logger.Warn("list pending plans failed", zap.Error(err))
		return
	}
	metrics.OrchestratorPendingPlans.Set(float64(len(pending)))

	for _, p := range pending {
		o.mu.RLock()
		n := len(o.engines)
		o.mu.RUnlock()
		if n >= o.cfg.MaxConcurrentStrategies {
			o.logger.Debug("max concurrent strategies reached, leaving plan queued", zap.String("planId", p.ID))
			break
		}
		if err := o.spawn(ctx, p); err != nil {
			o.logger.Warn("failed to spawn engine for pending plan", zap.String("planId", p.ID), zap.Error(err))
			_ = o.repo.UpdatePlanStatus(ctx, p.ID, types.PlanFailed, time.Now().UnixMilli())
			continue
		}
		_ = o.repo.UpdatePlanStatus(ctx, p.ID, types.PlanActive, time.Now().UnixMilli())
	}
}

// rehydrateActive is control-loop step 2: ensure an engine exists for every
// ACTIVE plan. If the plan has a persisted RuntimeState from before a
// restart, the engine resumes from it instead of a fresh "init" state, so
// already-triggered transitions and already-placed bracket orders are not
// re-emitted against historical bars replayed from the bar cache.
func (o *Orchestrator) rehydrateActive(ctx context.Context) {
	active, err := o.repo.ListPlansByStatus(ctx, o.cfg.UserID, types.PlanActive)
	if err != nil {
		o.logger.Warn("list active plans failed", zap.Error(err))
		return
	}
	for _, p := range active {
		o.mu.RLock()
		_, exists := o.engines[p.ID]
		o.mu.RUnlock()
		if exists {
			continue
		}

		state, err := o.repo.LoadRuntimeState(ctx, p.ID)
		if err != nil {
			if err := o.spawn(ctx, p); err != nil {
				o.logger.Warn("failed to rehydrate engine for active plan", zap.String("planId", p.ID), zap.Error(err))
			}
			continue
		}
		eng, timeframeMs, err := o.buildEngine(p, state)
		if err != nil {
			o.logger.Warn("failed to rehydrate engine for active plan", zap.String("planId", p.ID), zap.Error(err))
			continue
		}
		o.registerEngine(p, eng, timeframeMs)
		o.logger.Info("rehydrated engine from persisted runtime state",
			zap.String("planId", p.ID), zap.String("state", state.CurrentState),
			zap.Int64("lastProcessedBarTimestamp", state.LastProcessedBarTimestamp))
	}
}

func (o *Orchestrator) spawn(ctx context.Context, p *types.Plan) error {
	eng, timeframeMs, err := o.buildEngine(p, nil)
	if err != nil {
		return err
	}
	o.registerEngine(p, eng, timeframeMs)
	return nil
}

// buildEngine compiles p's plan (if not already compiled) and constructs an
// Engine. restored, when non-nil, seeds the engine from a previously
// persisted RuntimeState instead of starting fresh.
func (o *Orchestrator) buildEngine(p *types.Plan, restored *types.RuntimeState) (*engine.Engine, int64, error) {
	ir := p.CompiledIR
	if ir == nil {
		compiled, err := compiler.Compile(p.YAMLContent)
		if err != nil {
			return nil, 0, fmt.Errorf("compile plan %s: %w", p.ID, err)
		}
		ir = compiled
	}
	timeframeMs, err := utils.ParseTimeframe(ir.Timeframe)
	if err != nil {
		return nil, 0, err
	}

	var eng *engine.Engine
	if restored != nil {
		eng = engine.Restore(p.ID, p.Symbol, ir, o.broker, o.repo, o.bus, o.cfg.RiskLimits, o.logger, restored)
	} else {
		eng = engine.New(p.ID, p.Symbol, ir, o.broker, o.repo, o.bus, o.cfg.RiskLimits, o.logger)
	}
	return eng, timeframeMs, nil
}

func (o *Orchestrator) registerEngine(p *types.Plan, eng *engine.Engine, timeframeMs int64) {
	o.mu.Lock()
	o.engines[p.ID] = &engineHandle{eng: eng, plan: p, timeframeMs: timeframeMs}
	o.mu.Unlock()
	o.logger.Info("spawned strategy engine", zap.String("planId", p.ID), zap.String("symbol", p.Symbol))
}

// feedEngines is control-loop step 3. Every engine due for a new bar is fed
// through the worker pool so that different plans' bar processing runs
// concurrently; a given engine is still only ever touched by one goroutine
// at a time, since each due handle is dispatched as exactly one task.
func (o *Orchestrator) feedEngines(ctx context.Context) {
	now := time.Now().UnixMilli()

	o.mu.RLock()
	handles := make([]*engineHandle, 0, len(o.engines))
	for _, h := range o.engines {
		handles = append(handles, h)
	}
	o.mu.RUnlock()

	due := make([]interface{}, 0, len(handles))
	for _, h := range handles {
		if now-h.lastBarFetch < h.timeframeMs {
			continue
		}
		h.lastBarFetch = now
		due = append(due, h)
	}
	if len(due) == 0 {
		return
	}

	if err := o.batch.ProcessBatch(due, func(item interface{}) error {
		return o.feedOne(ctx, item.(*engineHandle))
	}); err != nil {
		o.logger.Debug("one or more engines failed bar processing this tick", zap.Error(err))
	}
}

func (o *Orchestrator) feedOne(ctx context.Context, h *engineHandle) error {
	bars, err := o.cache.GetBars(ctx, h.plan.Symbol, h.plan.Timeframe, 500)
	if err != nil {
		o.logger.Warn("bar fetch failed", zap.String("planId", h.plan.ID), zap.Error(err))
		return err
	}

	for _, bar := range bars {
		if err := h.eng.ProcessBar(ctx, bar, false); err != nil {
			o.logger.Warn("process bar failed", zap.String("planId", h.plan.ID), zap.Error(err))
		}
	}
	return nil
}

// reapTerminal is control-loop step 4.
func (o *Orchestrator) reapTerminal(ctx context.Context) {
	o.mu.Lock()
	var done []string
	for id, h := range o.engines {
		if h.eng.IsClosed() {
			done = append(done, id)
		}
	}
	for _, id := range done {
		delete(o.engines, id)
	}
	o.mu.Unlock()

	for _, id := range done {
		if err := o.repo.UpdatePlanStatus(ctx, id, types.PlanClosed, time.Now().UnixMilli()); err != nil {
			o.logger.Warn("failed to mark plan closed", zap.String("planId", id), zap.Error(err))
		}
		o.logger.Info("engine reached terminal state, plan closed", zap.String("planId", id))
	}
}

// StreamingSymbols returns the set of (symbol, timeframe) pairs with at
// least one engine whose current state requires live streaming, with
// reference counts, for the real-time bar client to subscribe/unsubscribe.
func (o *Orchestrator) StreamingSymbols() map[string]int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	counts := make(map[string]int)
	for _, h := range o.engines {
		if h.eng.RequiresStreaming() {
			key := h.plan.Symbol + "|" + h.plan.Timeframe
			counts[key]++
		}
	}
	return counts
}

// HandleStreamedBar routes one live bar to every engine tracking its
// (symbol, timeframe), through the same processBar path as polled bars.
func (o *Orchestrator) HandleStreamedBar(ctx context.Context, bar types.Bar) {
	o.mu.RLock()
	var targets []*engineHandle
	for _, h := range o.engines {
		if h.plan.Symbol == bar.Symbol && h.plan.Timeframe == bar.Timeframe {
			targets = append(targets, h)
		}
	}
	o.mu.RUnlock()

	for _, h := range targets {
		if err := h.eng.ProcessBar(ctx, bar, false); err != nil {
			o.logger.Warn("process streamed bar failed", zap.String("planId", h.plan.ID), zap.Error(err))
		}
	}
}

// ActiveCount returns the number of currently running engines.
func (o *Orchestrator) ActiveCount() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.engines)
}

// EngineStates returns a snapshot of planId -> current FSM state, for the
// status API.
func (o *Orchestrator) EngineStates() map[string]string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make(map[string]string, len(o.engines))
	for id, h := range o.engines {
		out[id] = h.eng.State()
	}
	return out
}
