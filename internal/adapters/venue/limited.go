// Package venue wraps order routers with per-venue rate limiting.
package venue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/time/rate"

	"github.com/alejandrodnm/pairarb/internal/domain"
	"github.com/alejandrodnm/pairarb/internal/ports"
)

// Limit es el token bucket de un venue.
type Limit struct {
	PerSec float64
	Burst  int
}

// Rate limits al 60% de los límites documentados de cada venue.
var DefaultLimits = map[domain.VenueID]Limit{
	domain.VenueKalshi:     {PerSec: 6, Burst: 6},    // 10/s trading tier
	domain.VenuePolymarket: {PerSec: 30, Burst: 20}, // 500/10s order endpoint
}

// Limited is a ports.OrderRouter that waits on a per-venue limiter before
// every call. Submissions and cancels share one bucket; status queries and
// subscriptions use a second, looser one so recovery is never starved by
// order flow.
type Limited struct {
	next ports.OrderRouter

	mu     sync.Mutex
	limits map[domain.VenueID]Limit
	orders map[domain.VenueID]*rate.Limiter
	reads  map[domain.VenueID]*rate.Limiter
}

var _ ports.OrderRouter = (*Limited)(nil)

// NewLimited wraps next. Venues missing from limits are not throttled.
func NewLimited(next ports.OrderRouter, limits map[domain.VenueID]Limit) *Limited {
	l := &Limited{
		next:   next,
		limits: make(map[domain.VenueID]Limit, len(limits)),
		orders: make(map[domain.VenueID]*rate.Limiter),
		reads:  make(map[domain.VenueID]*rate.Limiter),
	}
	for v, lim := range limits {
		l.limits[v] = lim
	}
	return l
}

func (l *Limited) limiter(v domain.VenueID, read bool) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	lim, ok := l.limits[v]
	if !ok || lim.PerSec <= 0 {
		return nil
	}
	set := l.orders
	if read {
		set = l.reads
		lim.PerSec *= 2
		lim.Burst *= 2
	}
	rl, ok := set[v]
	if !ok {
		rl = rate.NewLimiter(rate.Limit(lim.PerSec), max(1, lim.Burst))
		set[v] = rl
	}
	return rl
}

func (l *Limited) wait(ctx context.Context, v domain.VenueID, read bool) error {
	rl := l.limiter(v, read)
	if rl == nil {
		return nil
	}
	if err := rl.Wait(ctx); err != nil {
		slog.Debug("venue rate limiter wait aborted", "venue", v, "err", err)
		return fmt.Errorf("rate limiter %s: %w", v, err)
	}
	return nil
}

// SubmitOrder waits for an order token, then submits.
func (l *Limited) SubmitOrder(ctx context.Context, o domain.Order) (domain.OrderAck, error) {
	if err := l.wait(ctx, o.Venue, false); err != nil {
		return domain.OrderAck{}, err
	}
	return l.next.SubmitOrder(ctx, o)
}

// CancelOrder waits for an order token, then cancels.
func (l *Limited) CancelOrder(ctx context.Context, v domain.VenueID, venueOrderID string) error {
	if err := l.wait(ctx, v, false); err != nil {
		return err
	}
	return l.next.CancelOrder(ctx, v, venueOrderID)
}

// OrderStatus waits for a read token, then queries.
func (l *Limited) OrderStatus(ctx context.Context, v domain.VenueID, key string) (domain.OrderAck, error) {
	if err := l.wait(ctx, v, true); err != nil {
		return domain.OrderAck{}, err
	}
	return l.next.OrderStatus(ctx, v, key)
}

// SubscribeFills waits for a read token, then subscribes.
func (l *Limited) SubscribeFills(ctx context.Context, v domain.VenueID, venueOrderID string) (<-chan domain.Fill, error) {
	if err := l.wait(ctx, v, true); err != nil {
		return nil, err
	}
	return l.next.SubscribeFills(ctx, v, venueOrderID)
}

// SetLimit replaces a venue's limit on config reload.
func (l *Limited) SetLimit(v domain.VenueID, lim Limit) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.limits[v] = lim
	if rl, ok := l.orders[v]; ok {
		rl.SetLimit(rate.Limit(lim.PerSec))
		rl.SetBurst(max(1, lim.Burst))
	}
	if rl, ok := l.reads[v]; ok {
		rl.SetLimit(rate.Limit(lim.PerSec * 2))
		rl.SetBurst(max(1, lim.Burst*2))
	}
}
