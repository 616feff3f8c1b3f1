package storage

// sqlite.go: ledger, matcher verdicts and risk state in one SQLite file.
//
// Tablas:
//   - pairs / pair_checks: último veredicto del matcher por par, con los checks.
//   - overrides: force/blacklist del operador, sobreviven a reinicios.
//   - orders / fills / executions: ledger consumido por la reconciliación.
//   - decisions: una fila por evento de plan (authorized, rejected, unwound...).
//   - risk_snapshots: una fila por día de trading (UPSERT), JSON del RiskState.
//   - breakers: breakers activos, fuente de verdad para el clear manual.
//
// Los timestamps se guardan como unix nanos para no depender del parser de
// DATETIME del driver.

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"

	"github.com/alejandrodnm/pairarb/internal/ports"
)

const schema = `
CREATE TABLE IF NOT EXISTS pairs (
    pair_id        TEXT PRIMARY KEY,
    venue_a        TEXT NOT NULL,
    market_a       TEXT NOT NULL,
    venue_b        TEXT NOT NULL,
    market_b       TEXT NOT NULL,
    market_a_json  TEXT NOT NULL,
    market_b_json  TEXT NOT NULL,
    similarity     REAL NOT NULL DEFAULT 0,
    spec_ok        INTEGER NOT NULL DEFAULT 0,
    confidence     REAL NOT NULL DEFAULT 0,
    override       TEXT NOT NULL DEFAULT 'none',
    links_json     TEXT NOT NULL DEFAULT '[]',
    last_validated INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS pair_checks (
    pair_id TEXT NOT NULL,
    seq     INTEGER NOT NULL,
    name    TEXT NOT NULL,
    passed  INTEGER NOT NULL,
    exact   INTEGER NOT NULL DEFAULT 0,
    detail  TEXT NOT NULL DEFAULT '',
    PRIMARY KEY (pair_id, seq)
);

CREATE TABLE IF NOT EXISTS overrides (
    pair_id    TEXT PRIMARY KEY,
    venue_a    TEXT NOT NULL,
    market_a   TEXT NOT NULL,
    venue_b    TEXT NOT NULL,
    market_b   TEXT NOT NULL,
    kind       TEXT NOT NULL,
    reason     TEXT NOT NULL DEFAULT '',
    created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS orders (
    id              TEXT PRIMARY KEY,
    idempotency_key TEXT NOT NULL UNIQUE,
    venue_order_id  TEXT NOT NULL DEFAULT '',
    venue           TEXT NOT NULL,
    market_id       TEXT NOT NULL,
    outcome_id      TEXT NOT NULL,
    side            TEXT NOT NULL,
    role            TEXT NOT NULL,
    price           INTEGER NOT NULL,
    qty             INTEGER NOT NULL,
    filled_qty      INTEGER NOT NULL DEFAULT 0,
    status          TEXT NOT NULL,
    plan_id         TEXT,
    leg             TEXT NOT NULL DEFAULT '',
    created_at      INTEGER NOT NULL,
    updated_at      INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_orders_plan ON orders(plan_id, created_at);

CREATE TABLE IF NOT EXISTS fills (
    id             TEXT NOT NULL,
    order_id       TEXT NOT NULL,
    venue_order_id TEXT NOT NULL DEFAULT '',
    venue          TEXT NOT NULL,
    market_id      TEXT NOT NULL,
    outcome_id     TEXT NOT NULL,
    side           TEXT NOT NULL,
    role           TEXT NOT NULL,
    price          INTEGER NOT NULL,
    qty            INTEGER NOT NULL,
    fee            INTEGER NOT NULL DEFAULT 0,
    at             INTEGER NOT NULL,
    PRIMARY KEY (order_id, id)
);

CREATE TABLE IF NOT EXISTS executions (
    plan_id        TEXT PRIMARY KEY,
    pair_id        TEXT NOT NULL,
    event_key      TEXT NOT NULL,
    state          TEXT NOT NULL,
    terminal       INTEGER NOT NULL DEFAULT 0,
    plan_json      TEXT NOT NULL,
    reservation_id TEXT NOT NULL DEFAULT '',
    leg1_filled    INTEGER NOT NULL DEFAULT 0,
    leg2_filled    INTEGER NOT NULL DEFAULT 0,
    unwound_qty    INTEGER NOT NULL DEFAULT 0,
    error          TEXT NOT NULL DEFAULT '',
    updated_at     INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_exec_open ON executions(terminal, plan_id);

CREATE TABLE IF NOT EXISTS decisions (
    id          TEXT PRIMARY KEY,
    plan_id     TEXT NOT NULL,
    pair_id     TEXT NOT NULL,
    kind        TEXT NOT NULL,
    reason      TEXT NOT NULL DEFAULT '',
    limit_name  TEXT NOT NULL DEFAULT '',
    state       TEXT NOT NULL DEFAULT '',
    edge        TEXT NOT NULL DEFAULT '0',
    leg1_fill   INTEGER NOT NULL DEFAULT 0,
    leg2_fill   INTEGER NOT NULL DEFAULT 0,
    unwound     INTEGER NOT NULL DEFAULT 0,
    detail_json TEXT NOT NULL DEFAULT '{}',
    at          INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_decisions_at ON decisions(at);
CREATE INDEX IF NOT EXISTS idx_decisions_plan ON decisions(plan_id);

CREATE TABLE IF NOT EXISTS risk_snapshots (
    day        INTEGER PRIMARY KEY,
    state_json TEXT NOT NULL,
    taken_at   INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS breakers (
    breaker_id  TEXT PRIMARY KEY,
    kind        TEXT NOT NULL,
    venue       TEXT NOT NULL DEFAULT '',
    reason      TEXT NOT NULL DEFAULT '',
    condition   INTEGER NOT NULL DEFAULT 0,
    manual_hold INTEGER NOT NULL DEFAULT 0,
    tripped_at  INTEGER NOT NULL
);
`

const (
	retentionDecisions = 90 * 24 * time.Hour
	retentionSnapshots = 30 * 24 * time.Hour
	retentionLedger    = 30 * 24 * time.Hour // terminal executions con sus órdenes y fills
)

// SQLiteStorage implementa los puertos de persistencia usando SQLite
// (pure Go, sin CGo).
type SQLiteStorage struct {
	db  *sql.DB
	now func() time.Time
}

var (
	_ ports.PairStore     = (*SQLiteStorage)(nil)
	_ ports.OverrideStore = (*SQLiteStorage)(nil)
	_ ports.OrderStore    = (*SQLiteStorage)(nil)
	_ ports.DecisionLog   = (*SQLiteStorage)(nil)
	_ ports.RiskStore     = (*SQLiteStorage)(nil)
)

// NewSQLiteStorage abre (o crea) la base de datos en la ruta dada,
// aplica el schema y limpia datos antiguos.
func NewSQLiteStorage(path string) (*SQLiteStorage, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("storage.NewSQLiteStorage: open %q: %w", path, err)
	}
	db.SetMaxOpenConns(1) // SQLite es single-writer
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode=WAL; PRAGMA busy_timeout=5000;`); err != nil {
		slog.Debug("sqlite pragmas not applied", "err", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage.NewSQLiteStorage: apply schema: %w", err)
	}

	s := &SQLiteStorage{db: db, now: time.Now}
	s.pruneOld(context.Background())
	return s, nil
}

// Close cierra la conexión a la base de datos.
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

// pruneOld elimina datos antiguos para mantener la DB ligera. Open
// executions, their orders and the latest risk snapshot are never pruned.
func (s *SQLiteStorage) pruneOld(ctx context.Context) {
	now := s.now().UTC()
	stmts := []struct {
		q   string
		arg int64
	}{
		{`DELETE FROM decisions WHERE at < ?`, now.Add(-retentionDecisions).UnixNano()},
		{`DELETE FROM risk_snapshots WHERE taken_at < ? AND day != (SELECT MAX(day) FROM risk_snapshots)`, now.Add(-retentionSnapshots).UnixNano()},
		{`DELETE FROM fills WHERE order_id IN (
			SELECT o.id FROM orders o JOIN executions e ON e.plan_id = o.plan_id
			WHERE e.terminal = 1 AND e.updated_at < ?)`, now.Add(-retentionLedger).UnixNano()},
		{`DELETE FROM orders WHERE plan_id IN (
			SELECT plan_id FROM executions WHERE terminal = 1 AND updated_at < ?)`, now.Add(-retentionLedger).UnixNano()},
		{`DELETE FROM executions WHERE terminal = 1 AND updated_at < ?`, now.Add(-retentionLedger).UnixNano()},
	}
	for _, st := range stmts {
		if _, err := s.db.ExecContext(ctx, st.q, st.arg); err != nil {
			slog.Warn("storage prune failed", "err", err)
		}
	}
}

// --- helpers internos ---

func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func mustJSON(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
