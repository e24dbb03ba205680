package broker

import "fmt"

// ErrBrokerUnavailable is returned when the initial TCP connect fails.
type ErrBrokerUnavailable struct{ Reason string }

func (e *ErrBrokerUnavailable) Error() string { return "broker unavailable: " + e.Reason }

// ErrConnectionTimeout is returned when connect or nextValidId exceeds its
// configured timeout (10s connect, 5s nextValidId per spec §4.5).
type ErrConnectionTimeout struct{ Stage string }

func (e *ErrConnectionTimeout) Error() string { return "connection timeout: " + e.Stage }

// RejectedLeg names one bracket leg that the broker rejected.
type RejectedLeg struct {
	Leg    string // "parent", "takeProfit", "stopLoss"
	OrderID int64
	Code    int
	Message string
}

// ErrBracketValidationFailed is returned when the 2s post-submit validation
// finds a rejected, cancelled, or inactive leg.
type ErrBracketValidationFailed struct {
	PlanID string
	Legs   []RejectedLeg
}

func (e *ErrBracketValidationFailed) Error() string {
	return fmt.Sprintf("bracket validation failed for plan %s: %d leg(s) rejected", e.PlanID, len(e.Legs))
}

// ErrOrderRejected wraps a single broker rejection (error code in the
// designated rejection set) against a tracked order.
type ErrOrderRejected struct {
	OrderID int64
	Code    int
	Message string
}

func (e *ErrOrderRejected) Error() string {
	return fmt.Sprintf("order %d rejected: code=%d %s", e.OrderID, e.Code, e.Message)
}

// CancelFailure names one order that did not confirm cancellation.
type CancelFailure struct {
	ID     string
	Reason string
}

// ErrCancellationIncomplete is returned when Phase B of cancellation leaves
// any leg unconfirmed after the 10s verification window.
type ErrCancellationIncomplete struct {
	Succeeded []string
	Failed    []CancelFailure
}

func (e *ErrCancellationIncomplete) Error() string {
	return fmt.Sprintf("cancellation incomplete: %d succeeded, %d failed", len(e.Succeeded), len(e.Failed))
}
