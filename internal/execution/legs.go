package execution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alejandrodnm/pairarb/internal/domain"
	"github.com/alejandrodnm/pairarb/internal/ports"
)

// legEnd says why await returned.
type legEnd int

const (
	endFilled legEnd = iota
	endTimeout
	endStopped
)

func (e legEnd) String() string {
	switch e {
	case endFilled:
		return "filled"
	case endTimeout:
		return "timeout"
	}
	return "stopped"
}

// legRun is one live order and the fills seen for it.
type legRun struct {
	order  domain.Order
	fills  []domain.Fill
	seen   map[string]struct{}
	sub    <-chan domain.Fill
	stop   context.CancelFunc
	onFill func(domain.Fill)
}

func newLegRun(o domain.Order, onFill func(domain.Fill)) *legRun {
	return &legRun{order: o, seen: make(map[string]struct{}), onFill: onFill}
}

func (lr *legRun) full() bool {
	return lr.order.FilledQty >= lr.order.Qty
}

func (lr *legRun) close() {
	if lr.stop != nil {
		lr.stop()
		lr.stop = nil
	}
}

// entryNotional is the average fill cost of qty contracts of this leg.
func (lr *legRun) entryNotional(qty int64) decimal.Decimal {
	var ticks, filled int64
	for _, f := range lr.fills {
		ticks += f.Price * f.Qty
		filled += f.Qty
	}
	if filled == 0 {
		return domain.Notional(lr.order.Price, qty)
	}
	avg := decimal.NewFromInt(ticks).Div(decimal.NewFromInt(filled))
	return domain.TicksToMinor(avg.Mul(decimal.NewFromInt(qty)))
}

func (c *Coordinator) router(venue domain.VenueID) (ports.OrderRouter, error) {
	r, ok := c.routers[venue]
	if !ok {
		return nil, fmt.Errorf("execution: no router for venue %s: %w", venue, domain.ErrInvalidInput)
	}
	return r, nil
}

// place submits an order and subscribes to its fills.
func (c *Coordinator) place(ctx context.Context, j *job, o domain.Order, onFill func(domain.Fill)) (*legRun, error) {
	if err := o.Validate(); err != nil {
		return nil, err
	}
	c.saveOrder(ctx, o)

	ack, err := c.submit(ctx, o)
	if err == nil && ack.Status == domain.OrderRejected {
		err = fmt.Errorf("execution.place: %s order %s rejected: %w", o.Venue, o.IdempotencyKey, domain.ErrVenueError)
	}
	if err != nil {
		if !ambiguous(err) {
			o.Status = domain.OrderRejected
		}
		o.UpdatedAt = c.now()
		c.saveOrder(ctx, o)
		c.m.RecordOrder(string(o.Venue), string(o.Leg), "error")
		return nil, err
	}
	c.m.RecordOrder(string(o.Venue), string(o.Leg), "accepted")

	o.VenueOrderID = ack.VenueOrderID
	o.Status = domain.OrderWorking
	o.UpdatedAt = c.now()
	c.saveOrder(ctx, o)
	slog.Debug("order acked", "plan", j.plan.ID, "leg", o.Leg, "venue", o.Venue,
		"venue_order", o.VenueOrderID, "qty", o.Qty, "price", o.Price)

	lr := newLegRun(o, onFill)
	c.attach(ctx, lr)
	return lr, nil
}

// attach subscribes to fills. The subscription outlives ctx so fills that
// race a cancellation are still seen; lr.close ends it.
func (c *Coordinator) attach(ctx context.Context, lr *legRun) {
	r, err := c.router(lr.order.Venue)
	if err != nil {
		return
	}
	subCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	ch, err := r.SubscribeFills(subCtx, lr.order.Venue, lr.order.VenueOrderID)
	if err != nil {
		cancel()
		slog.Warn("fill subscription failed, relying on status", "order", lr.order.ID, "err", err)
		return
	}
	lr.sub = ch
	lr.stop = cancel
}

// submit sends an order with its idempotency key. After an ambiguous error
// the order's status is queried before any retry, so a live order is never
// duplicated. When retries run out without an answer the error wraps
// domain.ErrOrderUnknown: the order may exist and must not be forgotten.
func (c *Coordinator) submit(ctx context.Context, o domain.Order) (domain.OrderAck, error) {
	r, err := c.router(o.Venue)
	if err != nil {
		return domain.OrderAck{}, err
	}
	for attempt := 1; ; attempt++ {
		actx, cancel := context.WithTimeout(ctx, c.cfg.AckTimeout)
		ack, err := r.SubmitOrder(actx, o)
		cancel()
		if err == nil {
			return ack, nil
		}
		if !ambiguous(err) {
			return domain.OrderAck{}, fmt.Errorf("execution.submit: %s %s: %w", o.Venue, o.IdempotencyKey, err)
		}
		slog.Warn("ambiguous submit, querying status", "venue", o.Venue, "key", o.IdempotencyKey, "attempt", attempt, "err", err)

		ack, serr := c.status(ctx, o)
		if serr == nil {
			return ack, nil
		}
		if !errors.Is(serr, domain.ErrNotFound) {
			slog.Warn("order status unknown", "venue", o.Venue, "key", o.IdempotencyKey, "err", serr)
		}
		if attempt > c.cfg.SubmitRetries {
			return domain.OrderAck{}, fmt.Errorf("execution.submit: %s %s after %d attempts: %v: %w: %w",
				o.Venue, o.IdempotencyKey, attempt, err, domain.ErrVenueTimeout, domain.ErrOrderUnknown)
		}
		if err := sleep(ctx, c.cfg.RetryBackoff*time.Duration(attempt)); err != nil {
			return domain.OrderAck{}, fmt.Errorf("execution.submit: %s %s: %v: %w: %w",
				o.Venue, o.IdempotencyKey, err, domain.ErrVenueTimeout, domain.ErrOrderUnknown)
		}
	}
}

func (c *Coordinator) status(ctx context.Context, o domain.Order) (domain.OrderAck, error) {
	r, err := c.router(o.Venue)
	if err != nil {
		return domain.OrderAck{}, err
	}
	actx, cancel := context.WithTimeout(ctx, c.cfg.AckTimeout)
	defer cancel()
	return r.OrderStatus(actx, o.Venue, o.IdempotencyKey)
}

// await consumes fills until the order is full, the timeout fires, stop is
// closed or ctx is done.
func (c *Coordinator) await(ctx context.Context, j *job, lr *legRun, timeout time.Duration, stop <-chan struct{}) legEnd {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for !lr.full() {
		select {
		case f, ok := <-lr.sub:
			if !ok {
				lr.sub = nil
				continue
			}
			c.applyFill(ctx, j, lr, f)
		case <-timer.C:
			return endTimeout
		case <-stop:
			return endStopped
		case <-ctx.Done():
			return endStopped
		}
	}
	return endFilled
}

// applyFill records a fill once. Duplicates and mismatches are dropped.
func (c *Coordinator) applyFill(ctx context.Context, j *job, lr *legRun, f domain.Fill) {
	if _, dup := lr.seen[f.ID]; dup {
		return
	}
	lr.seen[f.ID] = struct{}{}
	f.OrderID = lr.order.ID
	if f.VenueOrderID == "" {
		f.VenueOrderID = lr.order.VenueOrderID
	}
	if err := lr.order.ApplyFill(f); err != nil {
		slog.Warn("fill rejected", "plan", j.plan.ID, "order", lr.order.ID, "err", err)
		return
	}
	lr.fills = append(lr.fills, f)

	// Risk first, ledger second: a crash in between over-counts exposure
	// on restart rather than losing it.
	if lr.onFill != nil {
		lr.onFill(f)
	}
	if err := c.risk.Persist(context.WithoutCancel(ctx)); err != nil {
		slog.Warn("risk persist failed", "err", err)
	}
	c.saveFill(ctx, f)
	c.saveOrder(ctx, lr.order)
	slog.Debug("fill", "plan", j.plan.ID, "leg", lr.order.Leg, "venue", f.Venue,
		"qty", f.Qty, "price", f.Price, "filled", lr.order.FilledQty, "of", lr.order.Qty)
}

// closeOut cancels the remainder of an order and settles its final filled
// quantity from the venue's status. Fills still in flight are drained; a
// quantity the venue reports but never streamed is booked at the limit.
func (c *Coordinator) closeOut(ctx context.Context, j *job, lr *legRun) {
	r, err := c.router(lr.order.Venue)
	if err != nil {
		return
	}
	if lr.order.VenueOrderID != "" {
		cctx, cancel := context.WithTimeout(ctx, c.cfg.AckTimeout)
		if err := r.CancelOrder(cctx, lr.order.Venue, lr.order.VenueOrderID); err != nil {
			slog.Warn("cancel failed", "plan", j.plan.ID, "order", lr.order.ID, "err", err)
		}
		cancel()
	}

	final := lr.order.FilledQty
	ack, err := c.status(ctx, lr.order)
	switch {
	case err == nil:
		final = min(max(final, ack.FilledQty), lr.order.Qty)
		if lr.order.VenueOrderID == "" {
			lr.order.VenueOrderID = ack.VenueOrderID
		}
	case errors.Is(err, domain.ErrNotFound):
		lr.order.Status = domain.OrderRejected
	default:
		slog.Warn("final status unavailable, using streamed fills", "order", lr.order.ID, "err", err)
	}

	if lr.order.FilledQty < final && lr.sub != nil {
		timer := time.NewTimer(c.cfg.CancelDrain)
	drain:
		for lr.order.FilledQty < final {
			select {
			case f, ok := <-lr.sub:
				if !ok {
					break drain
				}
				c.applyFill(ctx, j, lr, f)
			case <-timer.C:
				break drain
			}
		}
		timer.Stop()
	}
	if missing := final - lr.order.FilledQty; missing > 0 {
		slog.Warn("booking fill reported by status only", "order", lr.order.ID, "qty", missing)
		c.applyFill(ctx, j, lr, domain.Fill{
			ID:           "status-" + lr.order.ID + "-" + strconv.FormatInt(final, 10),
			VenueOrderID: lr.order.VenueOrderID,
			Venue:        lr.order.Venue,
			MarketID:     lr.order.MarketID,
			OutcomeID:    lr.order.OutcomeID,
			Side:         lr.order.Side,
			Role:         lr.order.Role,
			Price:        lr.order.Price,
			Qty:          missing,
			At:           c.now(),
		})
	}

	if lr.order.Status != domain.OrderRejected && !lr.full() {
		lr.order.Status = domain.OrderCancelled
	}
	lr.order.UpdatedAt = c.now()
	c.saveOrder(ctx, lr.order)
}

func ambiguous(err error) bool {
	return errors.Is(err, domain.ErrVenueTimeout) || errors.Is(err, context.DeadlineExceeded)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
