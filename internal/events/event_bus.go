// Package events implements the internal pub/sub bus decoupling the
// orchestrator, strategy engines, and broker adapter from the status API's
// websocket push. Grounded on the teacher's worker-pool event bus
// (goroutine workers draining a buffered channel, subscriptions with
// optional filters, panic-recovering handler dispatch), trimmed to the
// event vocabulary this domain needs.
package events

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/atlasdesk/strategy-orchestrator/pkg/types"
)

// EventType categorizes domain events flowing through the bus.
type EventType string

const (
	EventTypeBar        EventType = "bar"
	EventTypeOrder      EventType = "order"
	EventTypeExecution  EventType = "execution"
	EventTypeRiskAlert  EventType = "risk_alert"
	EventTypePlanState  EventType = "plan_state"
)

// Event is the common interface every published event satisfies.
type Event interface {
	GetType() EventType
	GetTimestamp() time.Time
}

// BaseEvent provides the common Event fields.
type BaseEvent struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
}

func (e BaseEvent) GetType() EventType      { return e.Type }
func (e BaseEvent) GetTimestamp() time.Time { return e.Timestamp }

func newBase(t EventType) BaseEvent { return BaseEvent{Type: t, Timestamp: time.Now()} }

// BarEvent carries one streamed or replayed bar.
type BarEvent struct {
	BaseEvent
	Bar types.Bar
}

func NewBarEvent(b types.Bar) BarEvent { return BarEvent{BaseEvent: newBase(EventTypeBar), Bar: b} }

// OrderEvent carries an order status change.
type OrderEvent struct {
	BaseEvent
	Order types.Order
}

func NewOrderEvent(o types.Order) OrderEvent {
	return OrderEvent{BaseEvent: newBase(EventTypeOrder), Order: o}
}

// ExecutionEvent carries a fill.
type ExecutionEvent struct {
	BaseEvent
	OrderID string
	PlanID  string
	Qty     int64
	Price   string
}

func NewExecutionEvent(orderID, planID string, qty int64, price string) ExecutionEvent {
	return ExecutionEvent{BaseEvent: newBase(EventTypeExecution), OrderID: orderID, PlanID: planID, Qty: qty, Price: price}
}

// RiskAlertEvent carries a risk-gate rejection or operational alert.
type RiskAlertEvent struct {
	BaseEvent
	PlanID   string
	Severity string // "info", "warning", "critical"
	Message  string
}

func NewRiskAlertEvent(planID, severity, message string) RiskAlertEvent {
	return RiskAlertEvent{BaseEvent: newBase(EventTypeRiskAlert), PlanID: planID, Severity: severity, Message: message}
}

// PlanStateEvent carries a plan state transition.
type PlanStateEvent struct {
	BaseEvent
	PlanID string
	From   string
	To     string
}

func NewPlanStateEvent(planID, from, to string) PlanStateEvent {
	return PlanStateEvent{BaseEvent: newBase(EventTypePlanState), PlanID: planID, From: from, To: to}
}

// Handler processes one event; a panic in it is recovered and logged, never
// propagated.
type Handler func(Event)

// Subscription is an active registration on the bus.
type Subscription struct {
	id     int64
	evType EventType
	handler Handler
	active atomic.Bool
}

func (s *Subscription) Unsubscribe() { s.active.Store(false) }

// BusConfig configures the worker pool.
type BusConfig struct {
	Workers    int
	BufferSize int
}

// DefaultBusConfig returns sensible defaults.
func DefaultBusConfig() BusConfig {
	return BusConfig{Workers: 4, BufferSize: 4096}
}

// Bus is the central event router.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]*Subscription
	eventChan   chan Event
	logger      *zap.Logger

	published atomic.Int64
	dropped   atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	idSeq atomic.Int64
}

// NewBus creates a Bus and starts its worker pool.
func NewBus(logger *zap.Logger, cfg BusConfig) *Bus {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 4096
	}
	ctx, cancel := context.WithCancel(context.Background())
	b := &Bus{
		subscribers: make(map[EventType][]*Subscription),
		eventChan:   make(chan Event, cfg.BufferSize),
		logger:      logger.Named("events"),
		ctx:         ctx,
		cancel:      cancel,
	}
	for i := 0; i < cfg.Workers; i++ {
		b.wg.Add(1)
		go b.worker()
	}
	return b
}

func (b *Bus) worker() {
	defer b.wg.Done()
	for {
		select {
		case <-b.ctx.Done():
			return
		case evt := <-b.eventChan:
			b.dispatch(evt)
		}
	}
}

func (b *Bus) dispatch(evt Event) {
	b.mu.RLock()
	subs := append([]*Subscription(nil), b.subscribers[evt.GetType()]...)
	b.mu.RUnlock()
	for _, sub := range subs {
		if !sub.active.Load() {
			continue
		}
		b.invoke(sub, evt)
	}
}

func (b *Bus) invoke(sub *Subscription, evt Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panic", zap.Any("panic", r), zap.String("eventType", string(evt.GetType())))
		}
	}()
	sub.handler(evt)
}

// Subscribe registers handler for events of type t.
func (b *Bus) Subscribe(t EventType, handler Handler) *Subscription {
	sub := &Subscription{id: b.idSeq.Add(1), evType: t, handler: handler}
	sub.active.Store(true)
	b.mu.Lock()
	b.subscribers[t] = append(b.subscribers[t], sub)
	b.mu.Unlock()
	return sub
}

// Publish enqueues evt for dispatch; if the buffer is full the event is
// dropped and counted, never blocking the caller's bar-processing path.
func (b *Bus) Publish(evt Event) {
	b.published.Add(1)
	select {
	case b.eventChan <- evt:
	default:
		b.dropped.Add(1)
		b.logger.Warn("event bus buffer full, dropping event", zap.String("eventType", string(evt.GetType())))
	}
}

// Stats is a snapshot of bus counters.
type Stats struct {
	Published int64
	Dropped   int64
}

func (b *Bus) Stats() Stats {
	return Stats{Published: b.published.Load(), Dropped: b.dropped.Load()}
}

// Close stops the worker pool.
func (b *Bus) Close() {
	b.cancel()
	b.wg.Wait()
}
