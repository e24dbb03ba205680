// Package repository defines the Repository Interface (C1): the abstract
// persistent store for plans, orders, bars, and audit events. Concrete
// implementations live in the memory and postgres subpackages; the core
// only ever depends on this interface.
package repository

import (
	"context"

	"github.com/atlasdesk/strategy-orchestrator/pkg/types"
)

// ErrNotFound is returned when a lookup by id finds nothing.
var ErrNotFound = &RepositoryError{Op: "lookup", Reason: "not found"}

// RepositoryError wraps persistence failures. Per spec §7, callers log and
// swallow these for bar processing / audit writes; they only propagate for
// plan/order CRUD paths that the orchestrator or CLI explicitly awaits.
type RepositoryError struct {
	Op     string
	Reason string
	Err    error
}

func (e *RepositoryError) Error() string {
	if e.Err != nil {
		return "repository: " + e.Op + ": " + e.Reason + ": " + e.Err.Error()
	}
	return "repository: " + e.Op + ": " + e.Reason
}

func (e *RepositoryError) Unwrap() error { return e.Err }

// Repository is the persistence boundary: plan CRUD with status
// transitions and audit log, bar upsert unique on (symbol, timeframe,
// timestamp), order CRUD unique on brokerOrderId, and soft-delete on plans.
type Repository interface {
	// Plans
	CreatePlan(ctx context.Context, p *types.Plan) error
	GetPlan(ctx context.Context, id string) (*types.Plan, error)
	ListPlansByStatus(ctx context.Context, userID string, status types.PlanStatus) ([]*types.Plan, error)
	UpdatePlanStatus(ctx context.Context, id string, status types.PlanStatus, at int64) error
	SoftDeletePlan(ctx context.Context, id string, at int64) error

	// Bars
	InsertBars(ctx context.Context, bars []types.Bar) (inserted int, err error)
	GetBars(ctx context.Context, symbol, timeframe string, fromTS, toTS int64, limit int) ([]types.Bar, error)
	DeleteOldBars(ctx context.Context, symbol, timeframe string, cutoffTS int64) (deleted int, err error)

	// Orders
	UpsertOrder(ctx context.Context, o *types.Order) error
	GetOrder(ctx context.Context, id string) (*types.Order, error)
	ListOpenOrdersByPlan(ctx context.Context, planID string) ([]*types.Order, error)

	// Runtime state: the engine's FSM state and bar-processing watermark,
	// persisted so a restart can rehydrate without re-emitting already-placed
	// orders (spec §4.5 "Restart recovery"). Open order broker-id pairs are
	// recovered separately, from the orders table above.
	SaveRuntimeState(ctx context.Context, planID string, state *types.RuntimeState) error
	LoadRuntimeState(ctx context.Context, planID string) (*types.RuntimeState, error)

	// Audit
	AppendAudit(ctx context.Context, e *types.AuditEntry) error
}
