package ports

import (
	"context"

	"github.com/alejandrodnm/pairarb/internal/domain"
)

// BookSource lee el último snapshot de books desde la cache del adapter.
type BookSource interface {
	// GetLatestBook devuelve el book de un outcome.
	// Returns domain.ErrStale if the snapshot is too old and domain.ErrNotFound
	// if the venue never published one.
	GetLatestBook(ctx context.Context, venue domain.VenueID, marketID, outcomeID string) (domain.Book, error)
}

// CatalogSource obtiene el catálogo de mercados de un venue.
type CatalogSource interface {
	ListMarkets(ctx context.Context, venue domain.VenueID) ([]domain.Market, error)
}

// HealthSource reports the adapter's view of each venue feed.
type HealthSource interface {
	Health(ctx context.Context, venue domain.VenueID) (domain.VenueHealth, error)
}
