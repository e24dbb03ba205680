// Package types holds the shared domain model: bars, plans, compiled IR,
// runtime state, order intents, and the broker-facing order model.
package types

import (
	"github.com/shopspring/decimal"
)

// Bar is an immutable OHLCV record, unique by (Symbol, Timeframe, Timestamp).
type Bar struct {
	Symbol    string          `json:"symbol"`
	Timeframe string          `json:"timeframe"`
	Timestamp int64           `json:"timestamp"` // ms since epoch
	Open      decimal.Decimal `json:"open"`
	High      decimal.Decimal `json:"high"`
	Low       decimal.Decimal `json:"low"`
	Close     decimal.Decimal `json:"close"`
	Volume    int64           `json:"volume"`
}

// Valid reports whether the bar satisfies the OHLC invariants.
func (b Bar) Valid() bool {
	if b.Volume < 0 {
		return false
	}
	if b.Low.GreaterThan(b.Open) || b.Low.GreaterThan(b.Close) || b.Low.GreaterThan(b.High) {
		return false
	}
	if b.High.LessThan(b.Open) || b.High.LessThan(b.Close) {
		return false
	}
	return true
}

// PlanStatus is the lifecycle status of a Plan.
type PlanStatus string

const (
	PlanDraft    PlanStatus = "DRAFT"
	PlanPending  PlanStatus = "PENDING"
	PlanActive   PlanStatus = "ACTIVE"
	PlanClosed   PlanStatus = "CLOSED"
	PlanArchived PlanStatus = "ARCHIVED"
	PlanFailed   PlanStatus = "FAILED"
)

// Plan is a user-authored declarative strategy, owned by a user account.
type Plan struct {
	ID          string      `json:"id"`
	UserID      string      `json:"userId"`
	Symbol      string      `json:"symbol"`
	Timeframe   string      `json:"timeframe"`
	Name        string      `json:"name"`
	Status      PlanStatus  `json:"status"`
	YAMLContent string      `json:"yamlContent"`
	CompiledIR  *CompiledIR `json:"compiledIR,omitempty"`
	CreatedAt   int64       `json:"createdAt"`
	ActivatedAt int64       `json:"activatedAt,omitempty"`
	ClosedAt    int64       `json:"closedAt,omitempty"`
	ArchivedAt  int64       `json:"archivedAt,omitempty"`
	DeletedAt   int64       `json:"deletedAt,omitempty"`
}

// CompiledIR is the intermediate representation produced by the plan compiler.
type CompiledIR struct {
	Timeframe   string               `json:"timeframe"`
	Features    []FeatureSpec        `json:"features"`
	States      []string             `json:"states"`
	Transitions []Transition         `json:"transitions"`
	OrderPlans  map[string]OrderPlan `json:"orderPlans"` // keyed by the state that triggers them
	Execution   ExecutionConfig      `json:"execution"`
	Risk        RiskConfig           `json:"risk"`
}

// FeatureSpec names an indicator to recompute every bar.
type FeatureSpec struct {
	Name   string         `json:"name"`
	Kind   string         `json:"kind"` // same as Name, e.g. "ema20", "range_high_20"
	Params map[string]int `json:"params,omitempty"`
}

// Transition is an edge in the compiled FSM.
type Transition struct {
	From string `json:"from"`
	To   string `json:"to"`
	When string `json:"when"` // source expression text
}

// OrderSide is buy or sell.
type OrderSide string

const (
	SideBuy  OrderSide = "buy"
	SideSell OrderSide = "sell"
)

// OrderType mirrors the broker's order type vocabulary.
type OrderType string

const (
	OrderLimit  OrderType = "limit"
	OrderMarket OrderType = "market"
	OrderStop   OrderType = "stop"
)

// TargetSpec is one take-profit leg template: a price expression and the
// fraction of the position it closes.
type TargetSpec struct {
	PriceExpr       string  `json:"price"`
	RatioOfPosition float64 `json:"ratioOfPosition"`
}

// OrderPlan is a bracket template: entry zone, stop, and one or more targets,
// all as expression text evaluated against the feature environment.
type OrderPlan struct {
	Side          OrderSide    `json:"side"`
	EntryZoneLow  string       `json:"entryZoneLo"`
	EntryZoneHigh string       `json:"entryZoneHi"`
	Qty           int64        `json:"qty"`
	StopPriceExpr string       `json:"stopPrice"`
	Targets       []TargetSpec `json:"targets"`
}

// ExecutionConfig holds plan-level execution settings.
type ExecutionConfig struct {
	EntryTimeoutBars int    `json:"entryTimeoutBars"`
	RTHOnly          bool   `json:"rthOnly"`
	FreezeLevelsOn   string `json:"freezeLevelsOn,omitempty"`
}

// RiskConfig holds plan-level risk settings.
type RiskConfig struct {
	MaxRiskPerTrade decimal.Decimal `json:"maxRiskPerTrade"`
}

// RuntimeState is the live, mutable state of one engine instance.
type RuntimeState struct {
	CurrentState              string
	BarCount                  int64
	History                   []Bar               // bounded ring, oldest first
	FeatureValues             map[string]*float64 // nil == null feature
	OpenOrders                []*Order
	LastBarTimestamp          int64
	LastProcessedBarTimestamp int64
}

// OrderIntent is what the engine wants to submit, prior to broker assignment.
type OrderIntent struct {
	PlanID     string
	Symbol     string
	Side       OrderSide
	Qty        int64
	Type       OrderType
	LimitPrice *decimal.Decimal
	StopPrice  *decimal.Decimal
}

// OrderStatus is the broker-projected order status.
type OrderStatus string

const (
	OrderPending         OrderStatus = "pending"
	OrderSubmitted       OrderStatus = "submitted"
	OrderPartiallyFilled OrderStatus = "partially_filled"
	OrderFilled          OrderStatus = "filled"
	OrderCancelled       OrderStatus = "cancelled"
	OrderRejected        OrderStatus = "rejected"
)

// Order is a submitted order, local or broker-confirmed.
type Order struct {
	ID            string          `json:"id"` // local id ("ord_..." from utils.GenerateOrderID)
	PlanID        string          `json:"planId"`
	BrokerOrderID int64           `json:"brokerOrderId,omitempty"`
	Symbol        string          `json:"symbol"`
	Side          OrderSide       `json:"side"`
	Qty           int64           `json:"qty"`
	Type          OrderType       `json:"type"`
	LimitPrice    *decimal.Decimal `json:"limitPrice,omitempty"`
	StopPrice     *decimal.Decimal `json:"stopPrice,omitempty"`
	Status        OrderStatus     `json:"status"`
	FilledQty     int64           `json:"filledQty"`
	AvgFillPrice  decimal.Decimal `json:"avgFillPrice"`
	ParentOrderID string          `json:"parentOrderId,omitempty"` // local id of bracket parent
	CreatedAt     int64           `json:"createdAt"`
	UpdatedAt     int64           `json:"updatedAt"`
}

// Bracket groups the three linked legs of a bracket order.
type Bracket struct {
	PlanID   string
	Entry    *Order
	TakeProf *Order
	StopLoss *Order
}

// BracketTracking is the adapter-internal record used for bulk cancellation.
type BracketTracking struct {
	ParentID     int64
	TakeProfitID int64
	StopLossID   int64
	Symbol       string
}

// AuditEntry is one persisted audit-log row.
type AuditEntry struct {
	ID        string `json:"id"`
	PlanID    string `json:"planId"`
	Kind      string `json:"kind"`
	Detail    string `json:"detail"`
	Timestamp int64  `json:"timestamp"`
}

// CandidatePlan is a strategy-proposer candidate before rendering to text.
type CandidatePlan struct {
	Name             string
	Family           string
	Side             OrderSide
	EntryLow         decimal.Decimal
	EntryHigh        decimal.Decimal
	Stop             decimal.Decimal
	Target           decimal.Decimal
	Qty              int64
	RRWorst          float64
	DollarRiskWorst  decimal.Decimal
	EntryDistancePct float64
	Grade            string
	RobustnessPct    float64
}
