package ports

import (
	"context"
	"time"

	"github.com/alejandrodnm/pairarb/internal/domain"
)

// PairStore persiste los veredictos del matcher.
type PairStore interface {
	// UpsertPairs guarda los pares con sus checks. Un par existente se reemplaza.
	UpsertPairs(ctx context.Context, pairs []domain.DuplicatePair) error

	// ListPairs devuelve todos los pares persistidos, con sus checks.
	ListPairs(ctx context.Context) ([]domain.DuplicatePair, error)
}

// OverrideStore persists force/blacklist decisions keyed by market pair.
type OverrideStore interface {
	SetOverride(ctx context.Context, e domain.OverrideEntry) error
	DeleteOverride(ctx context.Context, key domain.PairKey) error
	ListOverrides(ctx context.Context) ([]domain.OverrideEntry, error)
}

// OrderStore is the order/fill ledger consumed by reconciliation.
type OrderStore interface {
	SaveOrder(ctx context.Context, o domain.Order) error
	SaveFill(ctx context.Context, f domain.Fill) error
	SaveExecution(ctx context.Context, rec domain.ExecutionRecord) error

	// OpenExecutions devuelve las ejecuciones que no llegaron a estado terminal.
	OpenExecutions(ctx context.Context) ([]domain.ExecutionRecord, error)
	// OpenOrders devuelve las órdenes no terminales, aunque su ejecución
	// ya lo sea.
	OpenOrders(ctx context.Context) ([]domain.Order, error)
	ExecutionByPlan(ctx context.Context, planID string) (domain.ExecutionRecord, error)
	OrdersByPlan(ctx context.Context, planID string) ([]domain.Order, error)
	FillsByOrder(ctx context.Context, orderID string) ([]domain.Fill, error)
}

// DecisionLog records one structured entry per plan event.
type DecisionLog interface {
	RecordDecision(ctx context.Context, d domain.Decision) error
	Decisions(ctx context.Context, from, to time.Time) ([]domain.Decision, error)
}

// RiskStore persists risk snapshots and breakers across restarts.
type RiskStore interface {
	SaveRiskState(ctx context.Context, s domain.RiskState) error
	// LoadRiskState returns domain.ErrNotFound when nothing was saved yet.
	LoadRiskState(ctx context.Context) (domain.RiskState, error)
}
