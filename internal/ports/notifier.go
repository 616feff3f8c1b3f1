package ports

import (
	"context"

	"github.com/alejandrodnm/pairarb/internal/domain"
)

// Notifier presenta pares y decisiones al operador.
type Notifier interface {
	// NotifyPairs muestra los pares detectados con sus checks.
	NotifyPairs(ctx context.Context, pairs []domain.DuplicatePair) error

	// NotifyDecisions muestra las decisiones del ciclo.
	NotifyDecisions(ctx context.Context, decisions []domain.Decision) error
}
