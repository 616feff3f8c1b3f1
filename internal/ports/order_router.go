package ports

import (
	"context"

	"github.com/alejandrodnm/pairarb/internal/domain"
)

// OrderRouter submits, cancels, and monitors orders on a venue.
// Implementations may be slow, silent, or return stale acks; callers treat
// domain.ErrVenueTimeout as "the order may or may not exist".
type OrderRouter interface {
	// SubmitOrder sends a limit order. Submitting an idempotency key that
	// the venue already knows returns the existing order's ack.
	SubmitOrder(ctx context.Context, order domain.Order) (domain.OrderAck, error)

	// CancelOrder cancels the unfilled remainder of an order.
	CancelOrder(ctx context.Context, venue domain.VenueID, venueOrderID string) error

	// OrderStatus looks an order up by its idempotency key.
	// Returns domain.ErrNotFound if the venue never accepted it.
	OrderStatus(ctx context.Context, venue domain.VenueID, idempotencyKey string) (domain.OrderAck, error)

	// SubscribeFills streams fills for an order until ctx is done.
	// Fills already reported before the call are replayed first.
	SubscribeFills(ctx context.Context, venue domain.VenueID, venueOrderID string) (<-chan domain.Fill, error)
}
