// Package broker implements the Broker Protocol Adapter (C7): an
// asynchronous, message-driven client for a legacy socket broker gateway,
// including order id assignment, bracket submission and validation, fill
// accounting, and two-phase cancellation with confirmation. Grounded on the
// teacher's internal/execution/adapters/binance.go (connection state,
// single read-goroutine feeding a channel, reconnect bookkeeping) and
// internal/execution/order_manager.go (per-order tracking maps), adapted
// from a REST/websocket exchange client to the spec's socket protocol and
// bracket/cancellation state machine.
package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlasdesk/strategy-orchestrator/internal/engine"
	"github.com/atlasdesk/strategy-orchestrator/internal/events"
	"github.com/atlasdesk/strategy-orchestrator/pkg/types"
	"github.com/atlasdesk/strategy-orchestrator/pkg/utils"
)

// ConnState is the adapter's connection state machine (spec §4.5).
type ConnState int32

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
	StateReady
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateReady:
		return "READY"
	default:
		return "DISCONNECTED"
	}
}

type trackedOrder struct {
	localID   string
	brokerID  int64
	planID    string
	status    types.OrderStatus
	filledQty decimal.Decimal
	qty       int64
	avgPrice  decimal.Decimal
	rejection *ErrOrderRejected
}

// Config configures the adapter's connection.
type Config struct {
	Addr     string
	ClientID int64
	DryRun   bool
}

// Adapter owns the single socket connection to the broker gateway and every
// per-order tracking structure; no other component mutates them (spec
// "Ownership").
type Adapter struct {
	cfg       Config
	transport Transport
	logger    *zap.Logger
	bus       *events.Bus

	state       atomic.Int32
	nextOrderID atomic.Int64

	mu            sync.Mutex
	pendingOrders map[int64]*trackedOrder            // brokerOrderId -> order
	localIndex    map[string]int64                   // localOrderId -> brokerOrderId
	bracketOrders map[int64]*types.BracketTracking    // parentId -> tracking
	commissions   map[string]decimal.Decimal          // execId -> commission

	statusWaiters map[int64][]chan string // brokerOrderId -> waiters for next status change
}

var _ engine.BrokerClient = (*Adapter)(nil)

// New creates an Adapter bound to transport (a *TCPTransport in production,
// a fake in tests).
func New(cfg Config, transport Transport, bus *events.Bus, logger *zap.Logger) *Adapter {
	return &Adapter{
		cfg:           cfg,
		transport:     transport,
		bus:           bus,
		logger:        logger.Named("broker"),
		pendingOrders: make(map[int64]*trackedOrder),
		localIndex:    make(map[string]int64),
		bracketOrders: make(map[int64]*types.BracketTracking),
		commissions:   make(map[string]decimal.Decimal),
		statusWaiters: make(map[int64][]chan string),
	}
}

// State returns the current connection state.
func (a *Adapter) State() ConnState { return ConnState(a.state.Load()) }

// Connect dials the gateway and waits for nextValidId (spec §4.5 timeouts:
// 10s connect, 5s nextValidId polled at 100ms).
func (a *Adapter) Connect(ctx context.Context) error {
	if a.cfg.DryRun {
		a.state.Store(int32(StateReady))
		a.nextOrderID.Store(1)
		a.logger.Info("dry run: broker adapter armed without a socket")
		return nil
	}

	a.state.Store(int32(StateConnecting))
	events, err := a.transport.Connect(ctx, a.cfg.Addr, a.cfg.ClientID)
	if err != nil {
		a.state.Store(int32(StateDisconnected))
		var te interface{ Timeout() bool }
		if errors.As(err, &te) && te.Timeout() {
			return &ErrConnectionTimeout{Stage: "connect"}
		}
		return &ErrBrokerUnavailable{Reason: err.Error()}
	}
	a.state.Store(int32(StateConnected))
	go a.readLoop(events)

	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()
	for {
		if a.nextOrderID.Load() > 0 {
			a.state.Store(int32(StateReady))
			a.logger.Info("broker adapter ready", zap.Int64("nextValidId", a.nextOrderID.Load()))
			return nil
		}
		select {
		case <-deadline:
			return &ErrConnectionTimeout{Stage: "nextValidId"}
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
		}
	}
}

// Disconnect closes the socket. Called during graceful shutdown after
// in-flight cancellations resolve or time out.
func (a *Adapter) Disconnect() error {
	a.state.Store(int32(StateDisconnected))
	if a.cfg.DryRun {
		return nil
	}
	return a.transport.Close()
}

func (a *Adapter) readLoop(ch <-chan InboundEvent) {
	for evt := range ch {
		a.handleEvent(evt)
	}
	a.state.Store(int32(StateDisconnected))
	a.logger.Warn("broker transport disconnected")
}

func (a *Adapter) handleEvent(evt InboundEvent) {
	switch evt.Kind {
	case EventNextValidID:
		a.nextOrderID.Store(evt.NextID)
	case EventError:
		a.handleError(evt)
	case EventOrderStatus:
		a.handleOrderStatus(evt)
	case EventExecDetails:
		a.handleExecDetails(evt)
	case EventCommissionReport:
		a.mu.Lock()
		a.commissions[evt.ExecID] = evt.Commission
		a.mu.Unlock()
	case EventDisconnected:
		a.state.Store(int32(StateDisconnected))
	}
}

func (a *Adapter) handleError(evt InboundEvent) {
	if !rejectionCodes[evt.Code] {
		a.logger.Warn("broker error", zap.Int("code", evt.Code), zap.String("message", evt.Message))
		return
	}
	a.mu.Lock()
	ord, ok := a.pendingOrders[evt.ReqID]
	if ok {
		ord.status = types.OrderRejected
		ord.rejection = &ErrOrderRejected{OrderID: evt.ReqID, Code: evt.Code, Message: evt.Message}
	}
	a.mu.Unlock()
	a.notifyStatus(evt.ReqID, "rejected")
}

func (a *Adapter) handleOrderStatus(evt InboundEvent) {
	mapped := mapBrokerStatus(evt.BrokerStatus)
	a.mu.Lock()
	if ord, ok := a.pendingOrders[evt.OrderID]; ok {
		ord.status = types.OrderStatus(mapped)
		ord.filledQty = evt.FilledQty
		ord.avgPrice = evt.AvgFillPrice
	}
	a.mu.Unlock()
	a.notifyStatus(evt.OrderID, mapped)
}

func (a *Adapter) handleExecDetails(evt InboundEvent) {
	a.mu.Lock()
	ord, ok := a.pendingOrders[evt.OrderID]
	if !ok {
		a.mu.Unlock()
		return
	}
	ord.filledQty = ord.filledQty.Add(evt.ExecQty)
	if ord.filledQty.GreaterThanOrEqual(decimal.NewFromInt(ord.qty)) {
		ord.status = types.OrderFilled
	} else {
		ord.status = types.OrderPartiallyFilled
	}
	planID := ord.planID
	a.mu.Unlock()
	if a.bus != nil {
		a.bus.Publish(events.NewExecutionEvent(fmt.Sprintf("%d", evt.OrderID), planID, evt.ExecQty.IntPart(), evt.ExecPrice.String()))
	}
}

func (a *Adapter) notifyStatus(brokerID int64, status string) {
	a.mu.Lock()
	waiters := a.statusWaiters[brokerID]
	delete(a.statusWaiters, brokerID)
	a.mu.Unlock()
	for _, w := range waiters {
		select {
		case w <- status:
		default:
		}
		close(w)
	}
}

func (a *Adapter) allocID() int64 { return a.nextOrderID.Add(1) - 1 }

// SubmitBracket implements engine.BrokerClient: submits parent, take-profit,
// and stop-loss in order, waits the 2s validation window, and rolls back on
// any rejected/cancelled/inactive leg (spec §4.5 "Bracket submission").
func (a *Adapter) SubmitBracket(ctx context.Context, req engine.BracketRequest) (*types.Bracket, error) {
	if a.State() != StateReady {
		return nil, &ErrBrokerUnavailable{Reason: "adapter not ready"}
	}
	if req.LimitEntry.LessThanOrEqual(decimal.Zero) || req.Qty < 1 {
		return nil, fmt.Errorf("invalid bracket request")
	}
	if len(req.Targets) == 0 {
		return nil, fmt.Errorf("bracket requires at least one target")
	}

	parentID := a.allocID()
	tpID := a.allocID()
	slID := a.allocID()

	oppositeSide := "sell"
	if req.Side == types.SideSell {
		oppositeSide = "buy"
	}

	parentOrd := &trackedOrder{localID: utils.GenerateOrderID(), brokerID: parentID, planID: req.PlanID, status: types.OrderSubmitted, qty: req.Qty}
	tpOrd := &trackedOrder{localID: utils.GenerateOrderID(), brokerID: tpID, planID: req.PlanID, status: types.OrderSubmitted, qty: req.Qty}
	slOrd := &trackedOrder{localID: utils.GenerateOrderID(), brokerID: slID, planID: req.PlanID, status: types.OrderSubmitted, qty: req.Qty}

	a.mu.Lock()
	a.pendingOrders[parentID] = parentOrd
	a.pendingOrders[tpID] = tpOrd
	a.pendingOrders[slID] = slOrd
	a.localIndex[parentOrd.localID] = parentID
	a.localIndex[tpOrd.localID] = tpID
	a.localIndex[slOrd.localID] = slID
	a.bracketOrders[parentID] = &types.BracketTracking{ParentID: parentID, TakeProfitID: tpID, StopLossID: slID, Symbol: req.Symbol}
	a.mu.Unlock()

	if !a.cfg.DryRun {
		if err := a.transport.Send(OutboundMessage{Kind: OutPlaceOrder, Order: OrderMessage{
			ID: parentID, Symbol: req.Symbol, Side: string(req.Side), Type: "limit", Qty: req.Qty,
			LimitPrice: req.LimitEntry, Transmit: false,
		}}); err != nil {
			return nil, fmt.Errorf("submit parent: %w", err)
		}
		if err := a.transport.Send(OutboundMessage{Kind: OutPlaceOrder, Order: OrderMessage{
			ID: tpID, ParentID: parentID, Symbol: req.Symbol, Side: oppositeSide, Type: "limit", Qty: req.Qty,
			LimitPrice: req.Targets[0], Transmit: false,
		}}); err != nil {
			return nil, fmt.Errorf("submit take-profit: %w", err)
		}
		if err := a.transport.Send(OutboundMessage{Kind: OutPlaceOrder, Order: OrderMessage{
			ID: slID, ParentID: parentID, Symbol: req.Symbol, Side: oppositeSide, Type: "stop", Qty: req.Qty,
			StopPrice: req.Stop, Transmit: true,
		}}); err != nil {
			return nil, fmt.Errorf("submit stop-loss: %w", err)
		}
	}

	select {
	case <-time.After(2 * time.Second):
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	var rejected []RejectedLeg
	a.mu.Lock()
	for name, ord := range map[string]*trackedOrder{"parent": parentOrd, "takeProfit": tpOrd, "stopLoss": slOrd} {
		if ord.status == types.OrderRejected || ord.status == types.OrderCancelled {
			leg := RejectedLeg{Leg: name, OrderID: ord.brokerID}
			if ord.rejection != nil {
				leg.Code = ord.rejection.Code
				leg.Message = ord.rejection.Message
			}
			rejected = append(rejected, leg)
		}
	}
	a.mu.Unlock()

	if len(rejected) > 0 {
		a.rollback(ctx, parentID, tpID, slID, rejected)
		return nil, &ErrBracketValidationFailed{PlanID: req.PlanID, Legs: rejected}
	}

	now := time.Now().UnixMilli()
	mk := func(ord *trackedOrder, side types.OrderSide, typ types.OrderType, limit, stop *decimal.Decimal) *types.Order {
		return &types.Order{
			ID: ord.localID, PlanID: req.PlanID, BrokerOrderID: ord.brokerID, Symbol: req.Symbol,
			Side: side, Qty: req.Qty, Type: typ, LimitPrice: limit, StopPrice: stop,
			Status: types.OrderSubmitted, ParentOrderID: "", CreatedAt: now, UpdatedAt: now,
		}
	}
	entryOrder := mk(parentOrd, req.Side, types.OrderLimit, &req.LimitEntry, nil)
	oppSide := types.SideSell
	if req.Side == types.SideSell {
		oppSide = types.SideBuy
	}
	tpTarget := req.Targets[0]
	tpOrder := mk(tpOrd, oppSide, types.OrderLimit, &tpTarget, nil)
	tpOrder.ParentOrderID = entryOrder.ID
	slOrder := mk(slOrd, oppSide, types.OrderStop, nil, &req.Stop)
	slOrder.ParentOrderID = entryOrder.ID

	return &types.Bracket{PlanID: req.PlanID, Entry: entryOrder, TakeProf: tpOrder, StopLoss: slOrder}, nil
}

// rollback cancels whichever legs of a failed bracket were not already
// rejected/cancelled, best-effort.
func (a *Adapter) rollback(ctx context.Context, parentID, tpID, slID int64, rejected []RejectedLeg) {
	rejectedSet := map[int64]bool{}
	for _, r := range rejected {
		rejectedSet[r.OrderID] = true
	}
	for _, id := range []int64{parentID, tpID, slID} {
		if rejectedSet[id] {
			continue
		}
		if !a.cfg.DryRun {
			_ = a.transport.Send(OutboundMessage{Kind: OutCancelOrder, ID: id})
		}
		a.mu.Lock()
		if ord, ok := a.pendingOrders[id]; ok {
			ord.status = types.OrderCancelled
		}
		a.mu.Unlock()
	}
}

// CancelResult is the outcome of CancelOpenEntries.
type CancelResult struct {
	Succeeded []string
	Failed    []CancelFailure
}

// CancelOpenEntries runs the two-phase cancellation protocol (spec §4.5):
// Phase A sends cancel for the parent and, if it is a bracket parent, its
// tp/sl legs too, continuing past individual send failures; Phase B waits
// up to 10s for every leg of every bracket to confirm Cancelled.
func (a *Adapter) CancelOpenEntries(ctx context.Context, localOrderIDs []string) (*CancelResult, error) {
	type pending struct {
		localID            string
		parentID, tpID, slID int64
	}
	var toVerify []pending
	var failures []CancelFailure

	for _, localID := range localOrderIDs {
		a.mu.Lock()
		brokerID, ok := a.localIndex[localID]
		a.mu.Unlock()
		if !ok {
			failures = append(failures, CancelFailure{ID: localID, Reason: "unknown local order id"})
			continue
		}

		a.mu.Lock()
		tracking, isParent := a.bracketOrders[brokerID]
		a.mu.Unlock()

		ids := []int64{brokerID}
		p := pending{localID: localID, parentID: brokerID}
		if isParent {
			ids = append(ids, tracking.TakeProfitID, tracking.StopLossID)
			p.tpID, p.slID = tracking.TakeProfitID, tracking.StopLossID
		}

		sendFailed := false
		for _, id := range ids {
			if !a.cfg.DryRun {
				if err := a.transport.Send(OutboundMessage{Kind: OutCancelOrder, ID: id}); err != nil {
					sendFailed = true
				}
			}
		}
		if sendFailed {
			failures = append(failures, CancelFailure{ID: localID, Reason: "cancel send failed"})
			continue
		}
		if a.cfg.DryRun {
			a.mu.Lock()
			for _, id := range ids {
				if ord, ok := a.pendingOrders[id]; ok {
					ord.status = types.OrderCancelled
				}
			}
			a.mu.Unlock()
		}
		toVerify = append(toVerify, p)
	}

	// Phase B: verify within 10s that every leg reports Cancelled.
	deadline := time.Now().Add(10 * time.Second)
	for _, p := range toVerify {
		ids := []int64{p.parentID}
		if p.tpID != 0 {
			ids = append(ids, p.tpID, p.slID)
		}
		a.waitAllCancelled(ctx, ids, time.Until(deadline))
	}

	var succeeded []string
	var finalFailures []CancelFailure
	for _, p := range toVerify {
		ids := []int64{p.parentID}
		if p.tpID != 0 {
			ids = append(ids, p.tpID, p.slID)
		}
		if a.allCancelled(ids) {
			succeeded = append(succeeded, p.localID)
		} else {
			finalFailures = append(finalFailures, CancelFailure{ID: p.localID, Reason: "verification timeout"})
		}
	}
	finalFailures = append(finalFailures, failures...)

	result := &CancelResult{Succeeded: succeeded, Failed: finalFailures}
	if len(finalFailures) > 0 {
		return result, &ErrCancellationIncomplete{Succeeded: succeeded, Failed: finalFailures}
	}
	return result, nil
}

func (a *Adapter) allCancelled(ids []int64) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, id := range ids {
		ord, ok := a.pendingOrders[id]
		if !ok || ord.status != types.OrderCancelled {
			return false
		}
	}
	return true
}

func (a *Adapter) waitAllCancelled(ctx context.Context, ids []int64, timeout time.Duration) bool {
	if a.allCancelled(ids) {
		return true
	}
	deadline := time.Now().Add(timeout)
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()
	for {
		if a.allCancelled(ids) {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-tick.C:
		}
	}
}

// RebuildIDMap restores the local-to-broker id index after a restart, from
// the pairs the repository has on record (spec §4.5 "Restart recovery").
func (a *Adapter) RebuildIDMap(pairs map[string]int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for local, broker := range pairs {
		a.localIndex[local] = broker
		if _, ok := a.pendingOrders[broker]; !ok {
			a.pendingOrders[broker] = &trackedOrder{localID: local, brokerID: broker, status: types.OrderSubmitted}
		}
	}
}

// Commission returns the commission recorded for an execution, if any.
func (a *Adapter) Commission(execID string) (decimal.Decimal, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	c, ok := a.commissions[execID]
	return c, ok
}
