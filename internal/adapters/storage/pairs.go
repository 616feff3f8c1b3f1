package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/alejandrodnm/pairarb/internal/domain"
)

// UpsertPairs reemplaza los pares dados junto con sus checks.
func (s *SQLiteStorage) UpsertPairs(ctx context.Context, pairs []domain.DuplicatePair) error {
	if len(pairs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage.UpsertPairs: begin tx: %w", err)
	}
	defer tx.Rollback()

	pairStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO pairs
			(pair_id, venue_a, market_a, venue_b, market_b, market_a_json, market_b_json,
			 similarity, spec_ok, confidence, override, links_json, last_validated)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(pair_id) DO UPDATE SET
			market_a_json  = excluded.market_a_json,
			market_b_json  = excluded.market_b_json,
			similarity     = excluded.similarity,
			spec_ok        = excluded.spec_ok,
			confidence     = excluded.confidence,
			override       = excluded.override,
			links_json     = excluded.links_json,
			last_validated = excluded.last_validated
	`)
	if err != nil {
		return fmt.Errorf("storage.UpsertPairs: prepare: %w", err)
	}
	defer pairStmt.Close()

	checkStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO pair_checks (pair_id, seq, name, passed, exact, detail) VALUES (?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("storage.UpsertPairs: prepare checks: %w", err)
	}
	defer checkStmt.Close()

	for _, p := range pairs {
		aJSON, err := mustJSON(p.A)
		if err != nil {
			return fmt.Errorf("storage.UpsertPairs: encode %s: %w", p.ID(), err)
		}
		bJSON, err := mustJSON(p.B)
		if err != nil {
			return fmt.Errorf("storage.UpsertPairs: encode %s: %w", p.ID(), err)
		}
		links, err := mustJSON(p.OutcomeLinks)
		if err != nil {
			return fmt.Errorf("storage.UpsertPairs: encode %s links: %w", p.ID(), err)
		}
		override := p.Override
		if override == "" {
			override = domain.OverrideNone
		}

		if _, err := pairStmt.ExecContext(ctx,
			p.ID(),
			string(p.Key.A.Venue), p.Key.A.ID,
			string(p.Key.B.Venue), p.Key.B.ID,
			aJSON, bJSON,
			p.Similarity, boolInt(p.SpecOK), p.Confidence,
			string(override), links,
			unixNano(p.LastValidated),
		); err != nil {
			return fmt.Errorf("storage.UpsertPairs: upsert %s: %w", p.ID(), err)
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM pair_checks WHERE pair_id = ?`, p.ID()); err != nil {
			return fmt.Errorf("storage.UpsertPairs: clear checks %s: %w", p.ID(), err)
		}
		for i, c := range p.Checks {
			if _, err := checkStmt.ExecContext(ctx, p.ID(), i, c.Name, boolInt(c.Passed), boolInt(c.Exact), c.Detail); err != nil {
				return fmt.Errorf("storage.UpsertPairs: check %s/%s: %w", p.ID(), c.Name, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("storage.UpsertPairs: commit: %w", err)
	}
	return nil
}

// ListPairs devuelve todos los pares persistidos, con sus checks en orden.
func (s *SQLiteStorage) ListPairs(ctx context.Context) ([]domain.DuplicatePair, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT pair_id, venue_a, market_a, venue_b, market_b, market_a_json, market_b_json,
		       similarity, spec_ok, confidence, override, links_json, last_validated
		FROM pairs
		ORDER BY confidence DESC, pair_id
	`)
	if err != nil {
		return nil, fmt.Errorf("storage.ListPairs: query: %w", err)
	}
	defer rows.Close()

	var pairs []domain.DuplicatePair
	index := make(map[string]int)
	for rows.Next() {
		var (
			p                   domain.DuplicatePair
			id, va, vb          string
			aJSON, bJSON, links string
			override            string
			specOK              int
			validated           int64
		)
		if err := rows.Scan(&id, &va, &p.Key.A.ID, &vb, &p.Key.B.ID, &aJSON, &bJSON,
			&p.Similarity, &specOK, &p.Confidence, &override, &links, &validated); err != nil {
			return nil, fmt.Errorf("storage.ListPairs: scan: %w", err)
		}
		p.Key.A.Venue, p.Key.B.Venue = domain.VenueID(va), domain.VenueID(vb)
		if err := json.Unmarshal([]byte(aJSON), &p.A); err != nil {
			return nil, fmt.Errorf("storage.ListPairs: decode %s: %w", id, err)
		}
		if err := json.Unmarshal([]byte(bJSON), &p.B); err != nil {
			return nil, fmt.Errorf("storage.ListPairs: decode %s: %w", id, err)
		}
		if err := json.Unmarshal([]byte(links), &p.OutcomeLinks); err != nil {
			return nil, fmt.Errorf("storage.ListPairs: decode %s links: %w", id, err)
		}
		p.SpecOK = specOK == 1
		p.Override, _ = domain.ParseOverride(override)
		p.LastValidated = fromUnixNano(validated)
		index[id] = len(pairs)
		pairs = append(pairs, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage.ListPairs: rows: %w", err)
	}
	rows.Close() // single connection: release it before the checks query

	checks, err := s.db.QueryContext(ctx, `SELECT pair_id, name, passed, exact, detail FROM pair_checks ORDER BY pair_id, seq`)
	if err != nil {
		return nil, fmt.Errorf("storage.ListPairs: query checks: %w", err)
	}
	defer checks.Close()
	for checks.Next() {
		var id string
		var c domain.CheckResult
		var passed, exact int
		if err := checks.Scan(&id, &c.Name, &passed, &exact, &c.Detail); err != nil {
			return nil, fmt.Errorf("storage.ListPairs: scan check: %w", err)
		}
		c.Passed, c.Exact = passed == 1, exact == 1
		if i, ok := index[id]; ok {
			pairs[i].Checks = append(pairs[i].Checks, c)
		}
	}
	return pairs, checks.Err()
}

// SetOverride guarda (o reemplaza) un override del operador.
func (s *SQLiteStorage) SetOverride(ctx context.Context, e domain.OverrideEntry) error {
	if _, ok := domain.ParseOverride(string(e.Kind)); !ok {
		return fmt.Errorf("storage.SetOverride: kind %q: %w", e.Kind, domain.ErrInvalidInput)
	}
	created := e.CreatedAt
	if created.IsZero() {
		created = s.now()
	}
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO overrides (pair_id, venue_a, market_a, venue_b, market_b, kind, reason, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(pair_id) DO UPDATE SET
			kind = excluded.kind, reason = excluded.reason, created_at = excluded.created_at
	`, e.Key.String(), string(e.Key.A.Venue), e.Key.A.ID, string(e.Key.B.Venue), e.Key.B.ID,
		string(e.Kind), e.Reason, unixNano(created)); err != nil {
		return fmt.Errorf("storage.SetOverride: %w", err)
	}
	return nil
}

// DeleteOverride elimina el override de un par. Borrar uno inexistente no es error.
func (s *SQLiteStorage) DeleteOverride(ctx context.Context, key domain.PairKey) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM overrides WHERE pair_id = ?`, key.String()); err != nil {
		return fmt.Errorf("storage.DeleteOverride: %w", err)
	}
	return nil
}

// ListOverrides devuelve todos los overrides, más antiguos primero.
func (s *SQLiteStorage) ListOverrides(ctx context.Context) ([]domain.OverrideEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT venue_a, market_a, venue_b, market_b, kind, reason, created_at
		FROM overrides ORDER BY created_at, pair_id
	`)
	if err != nil {
		return nil, fmt.Errorf("storage.ListOverrides: query: %w", err)
	}
	defer rows.Close()

	var out []domain.OverrideEntry
	for rows.Next() {
		var e domain.OverrideEntry
		var va, vb, kind string
		var created int64
		if err := rows.Scan(&va, &e.Key.A.ID, &vb, &e.Key.B.ID, &kind, &e.Reason, &created); err != nil {
			return nil, fmt.Errorf("storage.ListOverrides: scan: %w", err)
		}
		e.Key.A.Venue, e.Key.B.Venue = domain.VenueID(va), domain.VenueID(vb)
		e.Kind, _ = domain.ParseOverride(kind)
		e.CreatedAt = fromUnixNano(created)
		out = append(out, e)
	}
	return out, rows.Err()
}
