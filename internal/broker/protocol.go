package broker

import "github.com/shopspring/decimal"

// EventKind tags one inbound broker message.
type EventKind string

const (
	EventConnected        EventKind = "connected"
	EventNextValidID       EventKind = "nextValidId"
	EventError             EventKind = "error"
	EventOpenOrder         EventKind = "openOrder"
	EventOrderStatus       EventKind = "orderStatus"
	EventExecDetails       EventKind = "execDetails"
	EventCommissionReport  EventKind = "commissionReport"
	EventDisconnected      EventKind = "disconnected"
)

// InboundEvent is one demultiplexed frame from the broker gateway.
type InboundEvent struct {
	Kind EventKind

	// nextValidId
	NextID int64

	// error
	Code    int
	Message string
	ReqID   int64

	// openOrder / orderStatus
	OrderID       int64
	BrokerStatus  string
	FilledQty     decimal.Decimal
	RemainingQty  decimal.Decimal
	AvgFillPrice  decimal.Decimal
	WhyHeld       string

	// execDetails
	ExecID   string
	ExecQty  decimal.Decimal
	ExecPrice decimal.Decimal
	ExecTime int64

	// commissionReport
	Commission decimal.Decimal
}

// rejectionCodes is the designated set of broker error codes that are order
// rejections rather than transport-level errors.
var rejectionCodes = map[int]bool{
	201: true, 202: true, 104: true, 110: true, 103: true,
	105: true, 161: true, 162: true, 200: true, 203: true, 399: true,
}

// OutboundKind tags one outbound request.
type OutboundKind string

const (
	OutConnect         OutboundKind = "connect"
	OutDisconnect      OutboundKind = "disconnect"
	OutPlaceOrder      OutboundKind = "placeOrder"
	OutCancelOrder     OutboundKind = "cancelOrder"
	OutReqAllOpenOrders OutboundKind = "reqAllOpenOrders"
)

// OrderMessage is one leg of a bracket as transmitted on the wire.
type OrderMessage struct {
	ID         int64
	ParentID   int64 // 0 if not a child leg
	Symbol     string
	Side       string // "buy" / "sell"
	Type       string // "limit" / "stop"
	Qty        int64
	LimitPrice decimal.Decimal
	StopPrice  decimal.Decimal
	Transmit   bool
}

// OutboundMessage is one request sent to the broker gateway.
type OutboundMessage struct {
	Kind  OutboundKind
	Order OrderMessage // for placeOrder
	ID    int64        // for cancelOrder
}

// mapBrokerStatus projects the broker's status vocabulary onto the fixed
// five-value order status table (spec §4.5 "Status mapping").
func mapBrokerStatus(raw string) string {
	switch raw {
	case "PendingSubmit", "PreSubmitted":
		return "pending"
	case "Submitted", "ApiPending":
		return "submitted"
	case "Filled":
		return "filled"
	case "Cancelled", "ApiCancelled", "Inactive":
		return "cancelled"
	case "Rejected":
		return "rejected"
	default:
		return "pending"
	}
}
