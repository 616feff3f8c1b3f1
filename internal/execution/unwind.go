package execution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/alejandrodnm/pairarb/internal/domain"
)

// unwind flattens residual Leg1 contracts on Leg1's venue with taker orders,
// moving the limit further through the book on each attempt. A residual that
// survives every attempt trips the unwind-failure breaker for that venue.
func (c *Coordinator) unwind(ctx context.Context, j *job, residual int64, reason string) error {
	leg1 := j.leg1.order
	remaining := residual
	j.reason = reason

	for attempt := 1; attempt <= c.cfg.UnwindAttempts && remaining > 0; attempt++ {
		leg := domain.LegPlan{
			Venue:     leg1.Venue,
			MarketID:  leg1.MarketID,
			OutcomeID: leg1.OutcomeID,
			Side:      leg1.Side.Opposite(),
			Role:      domain.Taker,
			Price:     unwindPrice(leg1, int64(attempt)*c.cfg.UnwindStepTicks),
		}
		o := c.newOrder(j.plan, leg, domain.LegUnwind, remaining)
		lr, err := c.place(ctx, j, o, c.unwindFill(j))
		if errors.Is(err, domain.ErrOrderUnknown) {
			// Another attempt could sell the same contracts twice.
			j.ex.update(func(r *domain.ExecutionRecord) { r.UnwoundQty += residual - remaining })
			return c.orderUnknown(j, o, err)
		}
		if err != nil {
			slog.Warn("unwind submit failed", "plan", j.plan.ID, "attempt", attempt, "err", err)
			continue
		}
		j.unwinds = append(j.unwinds, lr)
		if c.await(ctx, j, lr, c.cfg.Leg2Timeout, nil) != endFilled {
			c.closeOut(ctx, j, lr)
		}
		lr.close()
		remaining -= lr.order.FilledQty
		slog.Info("unwind attempt", "plan", j.plan.ID, "attempt", attempt,
			"price", leg.Price, "filled", lr.order.FilledQty, "remaining", remaining)
	}

	unwound := residual - remaining
	j.ex.update(func(r *domain.ExecutionRecord) { r.UnwoundQty += unwound })

	if remaining > 0 {
		err := fmt.Errorf("execution: plan %s: %d contracts left unhedged on %s after %d attempts (%s): %w",
			j.plan.ID, remaining, leg1.Venue, c.cfg.UnwindAttempts, reason, domain.ErrUnwindFailure)
		slog.Error("unwind failed", "plan", j.plan.ID, "venue", leg1.Venue, "remaining", remaining, "err", err)
		c.m.RecordUnwind(string(leg1.Venue), "failed")
		c.risk.TripUnwindFailure(leg1.Venue, err.Error())
		_ = c.advance(ctx, j, domain.StateFailed, err.Error())
		return err
	}
	c.m.RecordUnwind(string(leg1.Venue), "ok")
	return c.advance(ctx, j, domain.StateUnwound, reason)
}

// unwindFill removes flattened contracts from filled exposure.
func (c *Coordinator) unwindFill(j *job) func(domain.Fill) {
	return func(f domain.Fill) {
		entry := domain.Notional(f.Price, f.Qty)
		if j.leg1 != nil {
			entry = j.leg1.entryNotional(f.Qty)
		}
		c.risk.RecordUnwind(j.resID, j.plan.EventKey, f.Venue, entry, f)
	}
}

// unwindPrice crosses away from the entry limit by offset ticks.
func unwindPrice(entry domain.Order, offset int64) int64 {
	if entry.Side == domain.Buy {
		return clampPrice(entry.Price - offset)
	}
	return clampPrice(entry.Price + offset)
}
