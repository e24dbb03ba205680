// Package postgres implements repository.Repository on top of jackc/pgx/v5,
// the domain dependency for a persistent relational store (plans, orders,
// bars, audit log). This is a thin CRUD layer, not a full data-platform
// product — it exists so the Repository interface has at least one
// production-shaped backing store beyond the in-memory default.
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/atlasdesk/strategy-orchestrator/internal/repository"
	"github.com/atlasdesk/strategy-orchestrator/pkg/types"
)

// Store is a pgx-backed repository.Repository.
type Store struct {
	pool *pgxpool.Pool
}

// Open connects to dsn and returns a Store. Callers must call Close.
func Open(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: connect: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() { s.pool.Close() }

// Migrate creates the schema if it does not already exist.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, schema)
	return err
}

const schema = `
CREATE TABLE IF NOT EXISTS plans (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	symbol TEXT NOT NULL,
	timeframe TEXT NOT NULL,
	name TEXT NOT NULL,
	status TEXT NOT NULL,
	yaml_content TEXT NOT NULL,
	created_at BIGINT NOT NULL,
	activated_at BIGINT NOT NULL DEFAULT 0,
	closed_at BIGINT NOT NULL DEFAULT 0,
	archived_at BIGINT NOT NULL DEFAULT 0,
	deleted_at BIGINT NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS bars (
	symbol TEXT NOT NULL,
	timeframe TEXT NOT NULL,
	ts BIGINT NOT NULL,
	open NUMERIC NOT NULL,
	high NUMERIC NOT NULL,
	low NUMERIC NOT NULL,
	close NUMERIC NOT NULL,
	volume BIGINT NOT NULL,
	PRIMARY KEY (symbol, timeframe, ts)
);
CREATE TABLE IF NOT EXISTS orders (
	id TEXT PRIMARY KEY,
	plan_id TEXT NOT NULL,
	broker_order_id BIGINT UNIQUE,
	symbol TEXT NOT NULL,
	side TEXT NOT NULL,
	qty BIGINT NOT NULL,
	type TEXT NOT NULL,
	limit_price NUMERIC,
	stop_price NUMERIC,
	status TEXT NOT NULL,
	filled_qty BIGINT NOT NULL DEFAULT 0,
	avg_fill_price NUMERIC NOT NULL DEFAULT 0,
	parent_order_id TEXT,
	created_at BIGINT NOT NULL,
	updated_at BIGINT NOT NULL
);
CREATE TABLE IF NOT EXISTS audit_log (
	id TEXT PRIMARY KEY,
	plan_id TEXT NOT NULL,
	kind TEXT NOT NULL,
	detail TEXT NOT NULL,
	ts BIGINT NOT NULL
);
CREATE TABLE IF NOT EXISTS runtime_state (
	plan_id TEXT PRIMARY KEY,
	current_state TEXT NOT NULL,
	bar_count BIGINT NOT NULL DEFAULT 0,
	last_bar_ts BIGINT NOT NULL DEFAULT 0,
	last_processed_bar_ts BIGINT NOT NULL DEFAULT 0
);
`

var _ repository.Repository = (*Store)(nil)

func (s *Store) CreatePlan(ctx context.Context, p *types.Plan) error {
	_, err := s.pool.Exec(ctx, `INSERT INTO plans (id, user_id, symbol, timeframe, name, status, yaml_content, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		p.ID, p.UserID, p.Symbol, p.Timeframe, p.Name, p.Status, p.YAMLContent, p.CreatedAt)
	if err != nil {
		return &repository.RepositoryError{Op: "CreatePlan", Reason: "insert failed", Err: err}
	}
	return nil
}

func (s *Store) GetPlan(ctx context.Context, id string) (*types.Plan, error) {
	row := s.pool.QueryRow(ctx, `SELECT id, user_id, symbol, timeframe, name, status, yaml_content,
		created_at, activated_at, closed_at, archived_at, deleted_at FROM plans WHERE id=$1 AND deleted_at=0`, id)
	p := &types.Plan{}
	if err := row.Scan(&p.ID, &p.UserID, &p.Symbol, &p.Timeframe, &p.Name, &p.Status, &p.YAMLContent,
		&p.CreatedAt, &p.ActivatedAt, &p.ClosedAt, &p.ArchivedAt, &p.DeletedAt); err != nil {
		if err == pgx.ErrNoRows {
			return nil, repository.ErrNotFound
		}
		return nil, &repository.RepositoryError{Op: "GetPlan", Reason: "query failed", Err: err}
	}
	return p, nil
}

func (s *Store) ListPlansByStatus(ctx context.Context, userID string, status types.PlanStatus) ([]*types.Plan, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, user_id, symbol, timeframe, name, status, yaml_content,
		created_at, activated_at, closed_at, archived_at, deleted_at FROM plans
		WHERE deleted_at=0 AND status=$1 AND ($2='' OR user_id=$2) ORDER BY created_at`, status, userID)
	if err != nil {
		return nil, &repository.RepositoryError{Op: "ListPlansByStatus", Reason: "query failed", Err: err}
	}
	defer rows.Close()
	var out []*types.Plan
	for rows.Next() {
		p := &types.Plan{}
		if err := rows.Scan(&p.ID, &p.UserID, &p.Symbol, &p.Timeframe, &p.Name, &p.Status, &p.YAMLContent,
			&p.CreatedAt, &p.ActivatedAt, &p.ClosedAt, &p.ArchivedAt, &p.DeletedAt); err != nil {
			return nil, &repository.RepositoryError{Op: "ListPlansByStatus", Reason: "scan failed", Err: err}
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Store) UpdatePlanStatus(ctx context.Context, id string, status types.PlanStatus, at int64) error {
	col := map[types.PlanStatus]string{
		types.PlanActive:   "activated_at",
		types.PlanClosed:   "closed_at",
		types.PlanArchived: "archived_at",
	}[status]
	var err error
	if col != "" {
		_, err = s.pool.Exec(ctx, fmt.Sprintf(`UPDATE plans SET status=$1, %s=$2 WHERE id=$3`, col), status, at, id)
	} else {
		_, err = s.pool.Exec(ctx, `UPDATE plans SET status=$1 WHERE id=$2`, status, id)
	}
	if err != nil {
		return &repository.RepositoryError{Op: "UpdatePlanStatus", Reason: "update failed", Err: err}
	}
	return nil
}

func (s *Store) SoftDeletePlan(ctx context.Context, id string, at int64) error {
	_, err := s.pool.Exec(ctx, `UPDATE plans SET deleted_at=$1 WHERE id=$2`, at, id)
	if err != nil {
		return &repository.RepositoryError{Op: "SoftDeletePlan", Reason: "update failed", Err: err}
	}
	return nil
}

func (s *Store) InsertBars(ctx context.Context, bars []types.Bar) (int, error) {
	inserted := 0
	for _, b := range bars {
		tag, err := s.pool.Exec(ctx, `INSERT INTO bars (symbol, timeframe, ts, open, high, low, close, volume)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8) ON CONFLICT (symbol, timeframe, ts) DO NOTHING`,
			b.Symbol, b.Timeframe, b.Timestamp, b.Open, b.High, b.Low, b.Close, b.Volume)
		if err != nil {
			return inserted, &repository.RepositoryError{Op: "InsertBars", Reason: "insert failed", Err: err}
		}
		inserted += int(tag.RowsAffected())
	}
	return inserted, nil
}

func (s *Store) GetBars(ctx context.Context, symbol, timeframe string, fromTS, toTS int64, limit int) ([]types.Bar, error) {
	query := `SELECT symbol, timeframe, ts, open, high, low, close, volume FROM bars
		WHERE symbol=$1 AND timeframe=$2 AND ts>=$3 AND ($4=0 OR ts<=$4) ORDER BY ts`
	if limit > 0 {
		query += fmt.Sprintf(" DESC LIMIT %d", limit)
	}
	rows, err := s.pool.Query(ctx, query, symbol, timeframe, fromTS, toTS)
	if err != nil {
		return nil, &repository.RepositoryError{Op: "GetBars", Reason: "query failed", Err: err}
	}
	defer rows.Close()
	var out []types.Bar
	for rows.Next() {
		var b types.Bar
		var open, high, low, closeP decimal.Decimal
		if err := rows.Scan(&b.Symbol, &b.Timeframe, &b.Timestamp, &open, &high, &low, &closeP, &b.Volume); err != nil {
			return nil, &repository.RepositoryError{Op: "GetBars", Reason: "scan failed", Err: err}
		}
		b.Open, b.High, b.Low, b.Close = open, high, low, closeP
		out = append(out, b)
	}
	if limit > 0 {
		// query was DESC-limited for the most recent N; restore ascending order.
		for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
			out[i], out[j] = out[j], out[i]
		}
	}
	return out, rows.Err()
}

func (s *Store) DeleteOldBars(ctx context.Context, symbol, timeframe string, cutoffTS int64) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM bars WHERE symbol=$1 AND timeframe=$2 AND ts<$3`, symbol, timeframe, cutoffTS)
	if err != nil {
		return 0, &repository.RepositoryError{Op: "DeleteOldBars", Reason: "delete failed", Err: err}
	}
	return int(tag.RowsAffected()), nil
}

func (s *Store) UpsertOrder(ctx context.Context, o *types.Order) error {
	var limitPrice, stopPrice *decimal.Decimal = o.LimitPrice, o.StopPrice
	_, err := s.pool.Exec(ctx, `INSERT INTO orders (id, plan_id, broker_order_id, symbol, side, qty, type,
			limit_price, stop_price, status, filled_qty, avg_fill_price, parent_order_id, created_at, updated_at)
		VALUES ($1,$2,NULLIF($3,0),$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
		ON CONFLICT (id) DO UPDATE SET broker_order_id=EXCLUDED.broker_order_id, status=EXCLUDED.status,
			filled_qty=EXCLUDED.filled_qty, avg_fill_price=EXCLUDED.avg_fill_price, updated_at=EXCLUDED.updated_at`,
		o.ID, o.PlanID, o.BrokerOrderID, o.Symbol, o.Side, o.Qty, o.Type, limitPrice, stopPrice,
		o.Status, o.FilledQty, o.AvgFillPrice, o.ParentOrderID, o.CreatedAt, o.UpdatedAt)
	if err != nil {
		return &repository.RepositoryError{Op: "UpsertOrder", Reason: "upsert failed", Err: err}
	}
	return nil
}

func (s *Store) GetOrder(ctx context.Context, id string) (*types.Order, error) {
	row := s.pool.QueryRow(ctx, `SELECT id, plan_id, COALESCE(broker_order_id,0), symbol, side, qty, type,
		limit_price, stop_price, status, filled_qty, avg_fill_price, COALESCE(parent_order_id,''), created_at, updated_at
		FROM orders WHERE id=$1`, id)
	o := &types.Order{}
	if err := row.Scan(&o.ID, &o.PlanID, &o.BrokerOrderID, &o.Symbol, &o.Side, &o.Qty, &o.Type,
		&o.LimitPrice, &o.StopPrice, &o.Status, &o.FilledQty, &o.AvgFillPrice, &o.ParentOrderID, &o.CreatedAt, &o.UpdatedAt); err != nil {
		if err == pgx.ErrNoRows {
			return nil, repository.ErrNotFound
		}
		return nil, &repository.RepositoryError{Op: "GetOrder", Reason: "query failed", Err: err}
	}
	return o, nil
}

func (s *Store) ListOpenOrdersByPlan(ctx context.Context, planID string) ([]*types.Order, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, plan_id, COALESCE(broker_order_id,0), symbol, side, qty, type,
		limit_price, stop_price, status, filled_qty, avg_fill_price, COALESCE(parent_order_id,''), created_at, updated_at
		FROM orders WHERE plan_id=$1 AND status NOT IN ('filled','cancelled','rejected')`, planID)
	if err != nil {
		return nil, &repository.RepositoryError{Op: "ListOpenOrdersByPlan", Reason: "query failed", Err: err}
	}
	defer rows.Close()
	var out []*types.Order
	for rows.Next() {
		o := &types.Order{}
		if err := rows.Scan(&o.ID, &o.PlanID, &o.BrokerOrderID, &o.Symbol, &o.Side, &o.Qty, &o.Type,
			&o.LimitPrice, &o.StopPrice, &o.Status, &o.FilledQty, &o.AvgFillPrice, &o.ParentOrderID, &o.CreatedAt, &o.UpdatedAt); err != nil {
			return nil, &repository.RepositoryError{Op: "ListOpenOrdersByPlan", Reason: "scan failed", Err: err}
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// SaveRuntimeState persists the restart-recovery subset of state: current
// FSM state and bar-processing watermark. History and FeatureValues are
// intentionally not persisted; they rebuild from freshly fetched bars.
func (s *Store) SaveRuntimeState(ctx context.Context, planID string, state *types.RuntimeState) error {
	_, err := s.pool.Exec(ctx, `INSERT INTO runtime_state (plan_id, current_state, bar_count, last_bar_ts, last_processed_bar_ts)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (plan_id) DO UPDATE SET current_state=EXCLUDED.current_state, bar_count=EXCLUDED.bar_count,
			last_bar_ts=EXCLUDED.last_bar_ts, last_processed_bar_ts=EXCLUDED.last_processed_bar_ts`,
		planID, state.CurrentState, state.BarCount, state.LastBarTimestamp, state.LastProcessedBarTimestamp)
	if err != nil {
		return &repository.RepositoryError{Op: "SaveRuntimeState", Reason: "upsert failed", Err: err}
	}
	return nil
}

func (s *Store) LoadRuntimeState(ctx context.Context, planID string) (*types.RuntimeState, error) {
	row := s.pool.QueryRow(ctx, `SELECT current_state, bar_count, last_bar_ts, last_processed_bar_ts
		FROM runtime_state WHERE plan_id=$1`, planID)
	st := &types.RuntimeState{}
	if err := row.Scan(&st.CurrentState, &st.BarCount, &st.LastBarTimestamp, &st.LastProcessedBarTimestamp); err != nil {
		if err == pgx.ErrNoRows {
			return nil, repository.ErrNotFound
		}
		return nil, &repository.RepositoryError{Op: "LoadRuntimeState", Reason: "query failed", Err: err}
	}
	return st, nil
}

func (s *Store) AppendAudit(ctx context.Context, e *types.AuditEntry) error {
	_, err := s.pool.Exec(ctx, `INSERT INTO audit_log (id, plan_id, kind, detail, ts) VALUES ($1,$2,$3,$4,$5)`,
		e.ID, e.PlanID, e.Kind, e.Detail, e.Timestamp)
	if err != nil {
		return &repository.RepositoryError{Op: "AppendAudit", Reason: "insert failed", Err: err}
	}
	return nil
}
