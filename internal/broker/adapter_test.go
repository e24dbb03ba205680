package broker_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlasdesk/strategy-orchestrator/internal/broker"
	"github.com/atlasdesk/strategy-orchestrator/internal/engine"
	"github.com/atlasdesk/strategy-orchestrator/internal/events"
	"github.com/atlasdesk/strategy-orchestrator/pkg/types"
)

// mockTransport is a fake Transport driven entirely in-process: it answers
// placeOrder/cancelOrder sends by pushing InboundEvents back onto the same
// channel Connect returned, on a short delay, so adapter tests never touch
// a real socket.
type mockTransport struct {
	mu          sync.Mutex
	events      chan broker.InboundEvent
	sent        []broker.OutboundMessage
	rejectType  string // "limit" or "stop"; empty means never reject
	rejectCode  int
	noConfirmID int64 // a cancelOrder id whose Cancelled status never arrives
}

func newMockTransport() *mockTransport {
	return &mockTransport{events: make(chan broker.InboundEvent, 32), rejectCode: 201}
}

func (m *mockTransport) Connect(ctx context.Context, addr string, clientID int64) (<-chan broker.InboundEvent, error) {
	m.events <- broker.InboundEvent{Kind: broker.EventNextValidID, NextID: 100}
	return m.events, nil
}

func (m *mockTransport) Send(msg broker.OutboundMessage) error {
	m.mu.Lock()
	m.sent = append(m.sent, msg)
	m.mu.Unlock()

	switch msg.Kind {
	case broker.OutPlaceOrder:
		if m.rejectType != "" && msg.Order.Type == m.rejectType {
			go func(id int64) {
				time.Sleep(10 * time.Millisecond)
				m.events <- broker.InboundEvent{Kind: broker.EventError, Code: m.rejectCode, Message: "rejected", ReqID: id}
			}(msg.Order.ID)
		}
	case broker.OutCancelOrder:
		if msg.ID == m.noConfirmID {
			return nil
		}
		go func(id int64) {
			time.Sleep(5 * time.Millisecond)
			m.events <- broker.InboundEvent{Kind: broker.EventOrderStatus, OrderID: id, BrokerStatus: "Cancelled"}
		}(msg.ID)
	}
	return nil
}

func (m *mockTransport) Close() error { return nil }

func d(f float64) decimal.Decimal { return decimal.NewFromFloat(f) }

func bracketReq(planID string) engine.BracketRequest {
	return engine.BracketRequest{
		PlanID: planID, Symbol: "AAPL", Side: types.SideBuy, Qty: 10,
		LimitEntry: d(100), Stop: d(98), Targets: []decimal.Decimal{d(106)},
	}
}

func TestSubmitBracketHappyPath(t *testing.T) {
	transport := newMockTransport()
	adapter := broker.New(broker.Config{Addr: "mock", ClientID: 1}, transport, events.NewBus(zap.NewNop(), events.DefaultBusConfig()), zap.NewNop())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := adapter.Connect(ctx); err != nil {
		t.Fatalf("unexpected connect error: %v", err)
	}

	bracket, err := adapter.SubmitBracket(ctx, bracketReq("plan1"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if bracket.Entry == nil || bracket.TakeProf == nil || bracket.StopLoss == nil {
		t.Fatal("expected all three bracket legs to be populated")
	}
}

func TestBracketCancellationRollbackOnStopLossRejection(t *testing.T) {
	transport := newMockTransport()
	transport.rejectType = "stop"
	transport.rejectCode = 201
	adapter := broker.New(broker.Config{Addr: "mock", ClientID: 1}, transport, events.NewBus(zap.NewNop(), events.DefaultBusConfig()), zap.NewNop())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := adapter.Connect(ctx); err != nil {
		t.Fatalf("unexpected connect error: %v", err)
	}

	_, err := adapter.SubmitBracket(ctx, bracketReq("plan2"))
	if err == nil {
		t.Fatal("expected SubmitBracket to fail when the stop-loss leg is rejected")
	}
	if _, ok := err.(*broker.ErrBracketValidationFailed); !ok {
		t.Fatalf("expected *broker.ErrBracketValidationFailed, got %T: %v", err, err)
	}
}

func TestTwoPhaseCancellationPartialFailure(t *testing.T) {
	transport := newMockTransport()
	adapter := broker.New(broker.Config{Addr: "mock", ClientID: 1}, transport, events.NewBus(zap.NewNop(), events.DefaultBusConfig()), zap.NewNop())

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := adapter.Connect(ctx); err != nil {
		t.Fatalf("unexpected connect error: %v", err)
	}

	b1, err := adapter.SubmitBracket(ctx, bracketReq("plan3"))
	if err != nil {
		t.Fatalf("unexpected error submitting bracket 1: %v", err)
	}
	b2, err := adapter.SubmitBracket(ctx, bracketReq("plan3"))
	if err != nil {
		t.Fatalf("unexpected error submitting bracket 2: %v", err)
	}
	b3, err := adapter.SubmitBracket(ctx, bracketReq("plan3"))
	if err != nil {
		t.Fatalf("unexpected error submitting bracket 3: %v", err)
	}

	transport.noConfirmID = b2.Entry.BrokerOrderID

	result, err := adapter.CancelOpenEntries(ctx, []string{b1.Entry.ID, b2.Entry.ID, b3.Entry.ID})
	if err == nil {
		t.Fatal("expected CancellationIncomplete when one bracket never confirms")
	}
	if _, ok := err.(*broker.ErrCancellationIncomplete); !ok {
		t.Fatalf("expected *broker.ErrCancellationIncomplete, got %T", err)
	}
	if len(result.Succeeded) != 2 {
		t.Fatalf("expected 2 succeeded cancellations, got %d: %+v", len(result.Succeeded), result.Succeeded)
	}
	if len(result.Failed) != 1 || result.Failed[0].ID != b2.Entry.ID {
		t.Fatalf("expected bracket 2 to be the sole failure, got %+v", result.Failed)
	}
}

func TestRebuildIDMapRestoresLocalIndex(t *testing.T) {
	transport := newMockTransport()
	adapter := broker.New(broker.Config{Addr: "mock", ClientID: 1}, transport, events.NewBus(zap.NewNop(), events.DefaultBusConfig()), zap.NewNop())
	adapter.RebuildIDMap(map[string]int64{"local-1": 55})

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := adapter.Connect(ctx); err != nil {
		t.Fatalf("unexpected connect error: %v", err)
	}

	result, err := adapter.CancelOpenEntries(ctx, []string{"local-1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(result.Succeeded) != 1 || result.Succeeded[0] != "local-1" {
		t.Fatalf("expected the rebuilt local id to cancel successfully, got %+v", result)
	}
}
