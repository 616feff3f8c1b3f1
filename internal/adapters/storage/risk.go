package storage

// risk.go: decision log, snapshots de riesgo y breakers.

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/alejandrodnm/pairarb/internal/domain"
)

// RecordDecision guarda una entrada del decision log.
func (s *SQLiteStorage) RecordDecision(ctx context.Context, d domain.Decision) error {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if d.At.IsZero() {
		d.At = s.now()
	}
	detail := "{}"
	if len(d.Detail) > 0 {
		var err error
		if detail, err = mustJSON(d.Detail); err != nil {
			return fmt.Errorf("storage.RecordDecision: encode detail: %w", err)
		}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO decisions
			(id, plan_id, pair_id, kind, reason, limit_name, state, edge,
			 leg1_fill, leg2_fill, unwound, detail_json, at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		d.ID, d.PlanID, d.PairID, string(d.Kind), d.Reason, d.Limit, d.State, d.Edge.String(),
		d.Leg1Fill, d.Leg2Fill, d.Unwound, detail, unixNano(d.At),
	)
	if err != nil {
		return fmt.Errorf("storage.RecordDecision %s: %w", d.PlanID, err)
	}
	return nil
}

// Decisions devuelve las entradas con at en [from, to], más antiguas primero.
func (s *SQLiteStorage) Decisions(ctx context.Context, from, to time.Time) ([]domain.Decision, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, plan_id, pair_id, kind, reason, limit_name, state, edge,
		       leg1_fill, leg2_fill, unwound, detail_json, at
		FROM decisions
		WHERE at BETWEEN ? AND ?
		ORDER BY at, rowid
	`, unixNano(from), unixNano(to))
	if err != nil {
		return nil, fmt.Errorf("storage.Decisions: query: %w", err)
	}
	defer rows.Close()

	var out []domain.Decision
	for rows.Next() {
		var d domain.Decision
		var kind, edge, detail string
		var at int64
		if err := rows.Scan(&d.ID, &d.PlanID, &d.PairID, &kind, &d.Reason, &d.Limit, &d.State,
			&edge, &d.Leg1Fill, &d.Leg2Fill, &d.Unwound, &detail, &at); err != nil {
			return nil, fmt.Errorf("storage.Decisions: scan: %w", err)
		}
		d.Kind = domain.DecisionKind(kind)
		if d.Edge, err = decimal.NewFromString(edge); err != nil {
			return nil, fmt.Errorf("storage.Decisions: edge %q: %w", edge, err)
		}
		if detail != "{}" {
			if err := json.Unmarshal([]byte(detail), &d.Detail); err != nil {
				return nil, fmt.Errorf("storage.Decisions: decode detail %s: %w", d.ID, err)
			}
		}
		d.At = fromUnixNano(at)
		out = append(out, d)
	}
	return out, rows.Err()
}

// SaveRiskState guarda el snapshot del día y reemplaza los breakers.
func (s *SQLiteStorage) SaveRiskState(ctx context.Context, st domain.RiskState) error {
	body, err := mustJSON(st)
	if err != nil {
		return fmt.Errorf("storage.SaveRiskState: encode: %w", err)
	}
	taken := st.TakenAt
	if taken.IsZero() {
		taken = s.now()
	}
	day := st.Day
	if day.IsZero() {
		day = taken.UTC().Truncate(24 * time.Hour)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage.SaveRiskState: begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO risk_snapshots (day, state_json, taken_at) VALUES (?, ?, ?)
		ON CONFLICT(day) DO UPDATE SET state_json = excluded.state_json, taken_at = excluded.taken_at
	`, unixNano(day), body, unixNano(taken)); err != nil {
		return fmt.Errorf("storage.SaveRiskState: upsert snapshot: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM breakers`); err != nil {
		return fmt.Errorf("storage.SaveRiskState: clear breakers: %w", err)
	}
	for _, b := range st.Breakers {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO breakers (breaker_id, kind, venue, reason, condition, manual_hold, tripped_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, domain.BreakerID(b.Kind, b.Venue), string(b.Kind), string(b.Venue), b.Reason,
			boolInt(b.Condition), boolInt(b.ManualHold), unixNano(b.TrippedAt)); err != nil {
			return fmt.Errorf("storage.SaveRiskState: breaker %s: %w", b.Kind, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("storage.SaveRiskState: commit: %w", err)
	}
	return nil
}

// LoadRiskState devuelve el snapshot más reciente. Breakers come from the
// breakers table, so a row deleted there stays cleared.
func (s *SQLiteStorage) LoadRiskState(ctx context.Context) (domain.RiskState, error) {
	var body string
	err := s.db.QueryRowContext(ctx,
		`SELECT state_json FROM risk_snapshots ORDER BY taken_at DESC LIMIT 1`,
	).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.RiskState{}, fmt.Errorf("storage.LoadRiskState: %w", domain.ErrNotFound)
	}
	if err != nil {
		return domain.RiskState{}, fmt.Errorf("storage.LoadRiskState: query: %w", err)
	}

	var st domain.RiskState
	if err := json.Unmarshal([]byte(body), &st); err != nil {
		return domain.RiskState{}, fmt.Errorf("storage.LoadRiskState: decode: %w", err)
	}
	if st.Breakers, err = s.Breakers(ctx); err != nil {
		return domain.RiskState{}, fmt.Errorf("storage.LoadRiskState: %w", err)
	}
	return st, nil
}

// Breakers lista los breakers persistidos.
func (s *SQLiteStorage) Breakers(ctx context.Context) ([]domain.Breaker, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT kind, venue, reason, condition, manual_hold, tripped_at FROM breakers ORDER BY tripped_at, breaker_id
	`)
	if err != nil {
		return nil, fmt.Errorf("storage.Breakers: query: %w", err)
	}
	defer rows.Close()

	var out []domain.Breaker
	for rows.Next() {
		var b domain.Breaker
		var kind, venue string
		var cond, hold int
		var tripped int64
		if err := rows.Scan(&kind, &venue, &b.Reason, &cond, &hold, &tripped); err != nil {
			return nil, fmt.Errorf("storage.Breakers: scan: %w", err)
		}
		b.Kind, b.Venue = domain.BreakerKind(kind), domain.VenueID(venue)
		b.Condition, b.ManualHold = cond == 1, hold == 1
		b.TrippedAt = fromUnixNano(tripped)
		out = append(out, b)
	}
	return out, rows.Err()
}
