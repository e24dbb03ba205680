// Package memory implements repository.Repository in-memory with
// mutex-guarded maps, the shape of a typical small local data store in this
// domain. Nothing is written to disk, so its contents do not survive a
// restart. It backs the orchestrator in tests and is the
// default when no DSN is configured for a dev/sample deployment.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/atlasdesk/strategy-orchestrator/internal/repository"
	"github.com/atlasdesk/strategy-orchestrator/pkg/types"
)

type barKey struct {
	symbol, timeframe string
}

// Store is an in-memory repository.Repository.
type Store struct {
	mu     sync.RWMutex
	plans  map[string]*types.Plan
	orders map[string]*types.Order
	// orderByBroker enforces the unique(brokerOrderId) constraint.
	orderByBroker map[int64]string
	bars          map[barKey][]types.Bar
	audit         []*types.AuditEntry
	runtimeState  map[string]*types.RuntimeState
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		plans:         make(map[string]*types.Plan),
		orders:        make(map[string]*types.Order),
		orderByBroker: make(map[int64]string),
		bars:          make(map[barKey][]types.Bar),
		runtimeState:  make(map[string]*types.RuntimeState),
	}
}

var _ repository.Repository = (*Store)(nil)

func (s *Store) CreatePlan(_ context.Context, p *types.Plan) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.plans[p.ID]; exists {
		return &repository.RepositoryError{Op: "CreatePlan", Reason: "duplicate id"}
	}
	cp := *p
	s.plans[p.ID] = &cp
	return nil
}

func (s *Store) GetPlan(_ context.Context, id string) (*types.Plan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.plans[id]
	if !ok || p.DeletedAt != 0 {
		return nil, repository.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (s *Store) ListPlansByStatus(_ context.Context, userID string, status types.PlanStatus) ([]*types.Plan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*types.Plan
	for _, p := range s.plans {
		if p.DeletedAt != 0 {
			continue
		}
		if userID != "" && p.UserID != userID {
			continue
		}
		if p.Status != status {
			continue
		}
		cp := *p
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt < out[j].CreatedAt })
	return out, nil
}

func (s *Store) UpdatePlanStatus(_ context.Context, id string, status types.PlanStatus, at int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.plans[id]
	if !ok {
		return repository.ErrNotFound
	}
	p.Status = status
	switch status {
	case types.PlanActive:
		p.ActivatedAt = at
	case types.PlanClosed:
		p.ClosedAt = at
	case types.PlanArchived:
		p.ArchivedAt = at
	}
	return nil
}

func (s *Store) SoftDeletePlan(_ context.Context, id string, at int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.plans[id]
	if !ok {
		return repository.ErrNotFound
	}
	p.DeletedAt = at
	return nil
}

// InsertBars upserts bars, silently ignoring duplicates on
// (symbol, timeframe, timestamp), and returns the count actually inserted.
func (s *Store) InsertBars(_ context.Context, bars []types.Bar) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inserted := 0
	for _, b := range bars {
		k := barKey{b.Symbol, b.Timeframe}
		existing := s.bars[k]
		idx := sort.Search(len(existing), func(i int) bool { return existing[i].Timestamp >= b.Timestamp })
		if idx < len(existing) && existing[idx].Timestamp == b.Timestamp {
			continue // duplicate, ignored
		}
		existing = append(existing, types.Bar{})
		copy(existing[idx+1:], existing[idx:])
		existing[idx] = b
		s.bars[k] = existing
		inserted++
	}
	return inserted, nil
}

func (s *Store) GetBars(_ context.Context, symbol, timeframe string, fromTS, toTS int64, limit int) ([]types.Bar, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	all := s.bars[barKey{symbol, timeframe}]
	var out []types.Bar
	for _, b := range all {
		if b.Timestamp < fromTS || (toTS > 0 && b.Timestamp > toTS) {
			continue
		}
		out = append(out, b)
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (s *Store) DeleteOldBars(_ context.Context, symbol, timeframe string, cutoffTS int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := barKey{symbol, timeframe}
	existing := s.bars[k]
	kept := existing[:0:0]
	deleted := 0
	for _, b := range existing {
		if b.Timestamp < cutoffTS {
			deleted++
			continue
		}
		kept = append(kept, b)
	}
	s.bars[k] = kept
	return deleted, nil
}

func (s *Store) UpsertOrder(_ context.Context, o *types.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if o.BrokerOrderID != 0 {
		if existingID, ok := s.orderByBroker[o.BrokerOrderID]; ok && existingID != o.ID {
			return &repository.RepositoryError{Op: "UpsertOrder", Reason: fmt.Sprintf("brokerOrderId %d already bound to %s", o.BrokerOrderID, existingID)}
		}
		s.orderByBroker[o.BrokerOrderID] = o.ID
	}
	cp := *o
	s.orders[o.ID] = &cp
	return nil
}

func (s *Store) GetOrder(_ context.Context, id string) (*types.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.orders[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *o
	return &cp, nil
}

func (s *Store) ListOpenOrdersByPlan(_ context.Context, planID string) ([]*types.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*types.Order
	for _, o := range s.orders {
		if o.PlanID != planID {
			continue
		}
		if o.Status == types.OrderFilled || o.Status == types.OrderCancelled || o.Status == types.OrderRejected {
			continue
		}
		cp := *o
		out = append(out, &cp)
	}
	return out, nil
}

// SaveRuntimeState persists the restart-recovery subset of state: current
// FSM state and bar-processing watermark. History and FeatureValues are
// intentionally not persisted; they rebuild from freshly fetched bars.
func (s *Store) SaveRuntimeState(_ context.Context, planID string, state *types.RuntimeState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runtimeState[planID] = &types.RuntimeState{
		CurrentState:              state.CurrentState,
		BarCount:                  state.BarCount,
		LastBarTimestamp:          state.LastBarTimestamp,
		LastProcessedBarTimestamp: state.LastProcessedBarTimestamp,
	}
	return nil
}

func (s *Store) LoadRuntimeState(_ context.Context, planID string) (*types.RuntimeState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.runtimeState[planID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *st
	return &cp, nil
}

func (s *Store) AppendAudit(_ context.Context, e *types.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audit = append(s.audit, e)
	return nil
}

// Audit returns a snapshot of the audit log, for tests and the status API.
func (s *Store) Audit() []*types.AuditEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*types.AuditEntry, len(s.audit))
	copy(out, s.audit)
	return out
}
