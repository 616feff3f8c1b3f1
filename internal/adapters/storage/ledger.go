package storage

// ledger.go: orders, fills y executions del coordinador.
//
// SaveOrder y SaveExecution son UPSERT: el coordinador guarda el mismo
// registro en cada transición. SaveFill ignora duplicados por (order_id, id),
// así una fill re-entregada tras un reinicio no se cuenta dos veces.

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/alejandrodnm/pairarb/internal/domain"
)

// SaveOrder inserta o actualiza una orden.
func (s *SQLiteStorage) SaveOrder(ctx context.Context, o domain.Order) error {
	created, updated := o.CreatedAt, o.UpdatedAt
	if created.IsZero() {
		created = s.now()
	}
	if updated.IsZero() {
		updated = created
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO orders
			(id, idempotency_key, venue_order_id, venue, market_id, outcome_id, side, role,
			 price, qty, filled_qty, status, plan_id, leg, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			venue_order_id = CASE WHEN excluded.venue_order_id != '' THEN excluded.venue_order_id ELSE orders.venue_order_id END,
			filled_qty     = MAX(orders.filled_qty, excluded.filled_qty),
			status         = excluded.status,
			updated_at     = excluded.updated_at
	`,
		o.ID, o.IdempotencyKey, o.VenueOrderID, string(o.Venue), o.MarketID, o.OutcomeID,
		string(o.Side), string(o.Role), o.Price, o.Qty, o.FilledQty, string(o.Status),
		nullString(o.PlanID), string(o.Leg), unixNano(created), unixNano(updated),
	)
	if err != nil {
		return fmt.Errorf("storage.SaveOrder %s: %w", o.ID, err)
	}
	return nil
}

// SaveFill persiste una fill. Re-guardar la misma fill no hace nada.
func (s *SQLiteStorage) SaveFill(ctx context.Context, f domain.Fill) error {
	if f.OrderID == "" || f.ID == "" {
		return fmt.Errorf("storage.SaveFill: fill %q without order: %w", f.ID, domain.ErrInvalidInput)
	}
	at := f.At
	if at.IsZero() {
		at = s.now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO fills
			(id, order_id, venue_order_id, venue, market_id, outcome_id, side, role, price, qty, fee, at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		f.ID, f.OrderID, f.VenueOrderID, string(f.Venue), f.MarketID, f.OutcomeID,
		string(f.Side), string(f.Role), f.Price, f.Qty, f.Fee, unixNano(at),
	)
	if err != nil {
		return fmt.Errorf("storage.SaveFill %s: %w", f.ID, err)
	}
	return nil
}

// SaveExecution inserta o actualiza el registro de ejecución de un plan.
func (s *SQLiteStorage) SaveExecution(ctx context.Context, rec domain.ExecutionRecord) error {
	planJSON, err := mustJSON(rec.Plan)
	if err != nil {
		return fmt.Errorf("storage.SaveExecution %s: encode plan: %w", rec.PlanID, err)
	}
	updated := rec.UpdatedAt
	if updated.IsZero() {
		updated = s.now()
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO executions
			(plan_id, pair_id, event_key, state, terminal, plan_json, reservation_id,
			 leg1_filled, leg2_filled, unwound_qty, error, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(plan_id) DO UPDATE SET
			state          = excluded.state,
			terminal       = excluded.terminal,
			reservation_id = excluded.reservation_id,
			leg1_filled    = excluded.leg1_filled,
			leg2_filled    = excluded.leg2_filled,
			unwound_qty    = excluded.unwound_qty,
			error          = excluded.error,
			updated_at     = excluded.updated_at
	`,
		rec.PlanID, rec.PairID, rec.EventKey, string(rec.State), boolInt(rec.State.Terminal()),
		planJSON, rec.ReservationID, rec.Leg1Filled, rec.Leg2Filled, rec.UnwoundQty,
		rec.Error, unixNano(updated),
	)
	if err != nil {
		return fmt.Errorf("storage.SaveExecution %s: %w", rec.PlanID, err)
	}
	return nil
}

// OpenExecutions devuelve las ejecuciones que no llegaron a estado terminal.
func (s *SQLiteStorage) OpenExecutions(ctx context.Context) ([]domain.ExecutionRecord, error) {
	rows, err := s.db.QueryContext(ctx, executionSelect+`
		WHERE terminal = 0
		ORDER BY plan_id
	`)
	if err != nil {
		return nil, fmt.Errorf("storage.OpenExecutions: query: %w", err)
	}
	out, err := scanExecutions(rows)
	if err != nil {
		return nil, fmt.Errorf("storage.OpenExecutions: %w", err)
	}
	return out, nil
}

// ExecutionByPlan devuelve la ejecución de un plan, terminal o no.
func (s *SQLiteStorage) ExecutionByPlan(ctx context.Context, planID string) (domain.ExecutionRecord, error) {
	rows, err := s.db.QueryContext(ctx, executionSelect+`
		WHERE plan_id = ?
	`, planID)
	if err != nil {
		return domain.ExecutionRecord{}, fmt.Errorf("storage.ExecutionByPlan: query: %w", err)
	}
	out, err := scanExecutions(rows)
	if err != nil {
		return domain.ExecutionRecord{}, fmt.Errorf("storage.ExecutionByPlan: %w", err)
	}
	if len(out) == 0 {
		return domain.ExecutionRecord{}, fmt.Errorf("storage.ExecutionByPlan %s: %w", planID, domain.ErrNotFound)
	}
	return out[0], nil
}

const executionSelect = `
		SELECT plan_id, pair_id, event_key, state, plan_json, reservation_id,
		       leg1_filled, leg2_filled, unwound_qty, error, updated_at
		FROM executions`

func scanExecutions(rows *sql.Rows) ([]domain.ExecutionRecord, error) {
	defer rows.Close()
	var out []domain.ExecutionRecord
	for rows.Next() {
		var rec domain.ExecutionRecord
		var state, planJSON string
		var updated int64
		if err := rows.Scan(&rec.PlanID, &rec.PairID, &rec.EventKey, &state, &planJSON,
			&rec.ReservationID, &rec.Leg1Filled, &rec.Leg2Filled, &rec.UnwoundQty,
			&rec.Error, &updated); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		if err := json.Unmarshal([]byte(planJSON), &rec.Plan); err != nil {
			return nil, fmt.Errorf("decode plan %s: %w", rec.PlanID, err)
		}
		rec.State = domain.ExecState(state)
		rec.UpdatedAt = fromUnixNano(updated)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// OrdersByPlan devuelve las órdenes de un plan en orden de creación.
func (s *SQLiteStorage) OrdersByPlan(ctx context.Context, planID string) ([]domain.Order, error) {
	rows, err := s.db.QueryContext(ctx, orderSelect+`
		WHERE plan_id = ?
		ORDER BY created_at, rowid
	`, planID)
	if err != nil {
		return nil, fmt.Errorf("storage.OrdersByPlan: query: %w", err)
	}
	out, err := scanOrders(rows)
	if err != nil {
		return nil, fmt.Errorf("storage.OrdersByPlan: %w", err)
	}
	return out, nil
}

// OpenOrders devuelve las órdenes que la venue todavía puede llenar,
// sin importar el estado de su ejecución.
func (s *SQLiteStorage) OpenOrders(ctx context.Context) ([]domain.Order, error) {
	rows, err := s.db.QueryContext(ctx, orderSelect+`
		WHERE status NOT IN (?, ?, ?)
		ORDER BY created_at, rowid
	`, string(domain.OrderFilled), string(domain.OrderCancelled), string(domain.OrderRejected))
	if err != nil {
		return nil, fmt.Errorf("storage.OpenOrders: query: %w", err)
	}
	out, err := scanOrders(rows)
	if err != nil {
		return nil, fmt.Errorf("storage.OpenOrders: %w", err)
	}
	return out, nil
}

const orderSelect = `
		SELECT id, idempotency_key, venue_order_id, venue, market_id, outcome_id, side, role,
		       price, qty, filled_qty, status, COALESCE(plan_id, ''), leg, created_at, updated_at
		FROM orders`

func scanOrders(rows *sql.Rows) ([]domain.Order, error) {
	defer rows.Close()
	var out []domain.Order
	for rows.Next() {
		var o domain.Order
		var venue, side, role, status, leg string
		var created, updated int64
		if err := rows.Scan(&o.ID, &o.IdempotencyKey, &o.VenueOrderID, &venue, &o.MarketID,
			&o.OutcomeID, &side, &role, &o.Price, &o.Qty, &o.FilledQty, &status, &o.PlanID,
			&leg, &created, &updated); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		o.Venue = domain.VenueID(venue)
		o.Side = domain.Side(side)
		o.Role = domain.Role(role)
		o.Status = domain.OrderStatus(status)
		o.Leg = domain.LegKind(leg)
		o.CreatedAt, o.UpdatedAt = fromUnixNano(created), fromUnixNano(updated)
		out = append(out, o)
	}
	return out, rows.Err()
}

// FillsByOrder devuelve las fills de una orden en orden cronológico.
func (s *SQLiteStorage) FillsByOrder(ctx context.Context, orderID string) ([]domain.Fill, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, order_id, venue_order_id, venue, market_id, outcome_id, side, role, price, qty, fee, at
		FROM fills
		WHERE order_id = ?
		ORDER BY at, rowid
	`, orderID)
	if err != nil {
		return nil, fmt.Errorf("storage.FillsByOrder: query: %w", err)
	}
	defer rows.Close()

	var out []domain.Fill
	for rows.Next() {
		var f domain.Fill
		var venue, side, role string
		var at int64
		if err := rows.Scan(&f.ID, &f.OrderID, &f.VenueOrderID, &venue, &f.MarketID, &f.OutcomeID,
			&side, &role, &f.Price, &f.Qty, &f.Fee, &at); err != nil {
			return nil, fmt.Errorf("storage.FillsByOrder: scan: %w", err)
		}
		f.Venue = domain.VenueID(venue)
		f.Side = domain.Side(side)
		f.Role = domain.Role(role)
		f.At = fromUnixNano(at)
		out = append(out, f)
	}
	return out, rows.Err()
}
