package execution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/alejandrodnm/pairarb/internal/domain"
)

// Reconcile settles executions a previous process left open. For each one
// it refreshes every non-terminal order from its venue, cancels what is
// still working, books fills the ledger missed, and unwinds any Leg1
// quantity that is not hedged. It then sweeps orders that are still open
// under a closed execution. Run it before the first evaluation cycle; it is
// also safe while trading, since pairs with an execution in flight are
// skipped.
func (c *Coordinator) Reconcile(ctx context.Context) error {
	if c.orders == nil {
		return nil
	}
	recs, err := c.orders.OpenExecutions(ctx)
	if err != nil {
		return fmt.Errorf("execution.Reconcile: %w", err)
	}
	if len(recs) > 0 {
		slog.Info("reconciling open executions", "count", len(recs))
	}

	var errs []error
	for _, rec := range recs {
		if err := c.reconcileOne(ctx, rec); err != nil && !errors.Is(err, ErrBusy) {
			errs = append(errs, err)
		}
	}
	if err := c.reconcileOrphans(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// reconcileOrphans settles open orders whose execution is already terminal.
// Their fills are committed to risk; any fill at all holds trading under
// order_unknown, since the closed execution can no longer hedge it.
func (c *Coordinator) reconcileOrphans(ctx context.Context) error {
	orders, err := c.orders.OpenOrders(ctx)
	if err != nil {
		return fmt.Errorf("execution.Reconcile: open orders: %w", err)
	}
	var errs []error
	for _, o := range orders {
		rec, err := c.orders.ExecutionByPlan(ctx, o.PlanID)
		if err != nil {
			errs = append(errs, fmt.Errorf("execution.Reconcile: order %s: %w", o.ID, err))
			continue
		}
		if !rec.State.Terminal() {
			continue // la maneja reconcileOne
		}
		if err := c.reconcileOrphan(ctx, rec, o); err != nil && !errors.Is(err, ErrBusy) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (c *Coordinator) reconcileOrphan(ctx context.Context, rec domain.ExecutionRecord, o domain.Order) error {
	if err := c.begin(rec.PairID); err != nil {
		return err
	}
	defer c.end(rec.PairID)

	j := &job{ex: &Execution{rec: rec}, plan: rec.Plan, reason: "orphan order"}
	onFill := c.commitFill(j)
	if o.Leg == domain.LegUnwind {
		onFill = c.unwindFill(j)
	}
	before := o.FilledQty
	lr, err := c.recoverOrder(ctx, j, o, onFill)
	if err != nil {
		c.risk.TripOrderUnknown(o.Venue, o.IdempotencyKey, fmt.Sprintf("plan %s %s status: %v", rec.PlanID, o.Leg, err))
		return fmt.Errorf("execution.Reconcile: orphan %s: %w", o.ID, err)
	}
	if filled := lr.order.FilledQty; filled > 0 {
		c.risk.TripOrderUnknown(o.Venue, o.IdempotencyKey,
			fmt.Sprintf("plan %s closed as %s but its %s order filled %d", rec.PlanID, rec.State, o.Leg, filled))
	}
	slog.Warn("orphan order reconciled", "plan", rec.PlanID, "order", o.ID, "leg", o.Leg,
		"status", lr.order.Status, "filled_before", before, "filled", lr.order.FilledQty)
	if err := c.risk.Persist(context.WithoutCancel(ctx)); err != nil {
		slog.Warn("risk persist failed", "err", err)
	}
	return nil
}

func (c *Coordinator) reconcileOne(ctx context.Context, rec domain.ExecutionRecord) error {
	if err := c.begin(rec.PairID); err != nil {
		return err
	}
	defer c.end(rec.PairID)

	orders, err := c.orders.OrdersByPlan(ctx, rec.PlanID)
	if err != nil {
		return fmt.Errorf("execution.Reconcile: plan %s: %w", rec.PlanID, err)
	}

	// Reservations are not persisted; fills committed here go straight to
	// filled exposure for the event.
	j := &job{ex: &Execution{rec: rec}, plan: rec.Plan, reason: "reconciled after restart"}
	c.mu.Lock()
	c.active[rec.PairID] = j.ex
	c.mu.Unlock()

	var leg1, leg2, unwound int64
	for _, o := range orders {
		onFill := c.commitFill(j)
		if o.Leg == domain.LegUnwind {
			onFill = c.unwindFill(j)
		}
		lr, err := c.recoverOrder(ctx, j, o, onFill)
		if err != nil {
			return fmt.Errorf("execution.Reconcile: plan %s: %w", rec.PlanID, err)
		}
		switch o.Leg {
		case domain.LegOne:
			j.leg1 = lr
			leg1 += lr.order.FilledQty
		case domain.LegTwo:
			j.leg2 = lr
			leg2 += lr.order.FilledQty
		case domain.LegUnwind:
			j.unwinds = append(j.unwinds, lr)
			unwound += lr.order.FilledQty
		}
	}
	j.ex.update(func(r *domain.ExecutionRecord) {
		r.Leg1Filled, r.Leg2Filled, r.UnwoundQty = leg1, leg2, unwound
	})

	residual := leg1 - leg2 - unwound
	var runErr error
	switch {
	case leg1 == 0:
		runErr = c.settleState(ctx, j, domain.StateCancelled)
	case residual <= 0 && unwound == 0:
		runErr = c.settleState(ctx, j, domain.StateCompleted)
	case residual <= 0:
		runErr = c.settleState(ctx, j, domain.StateUnwound)
	default:
		switch j.ex.State() {
		case domain.StatePlanned, domain.StateLeg1Submitted, domain.StateLeg1Working:
			if err := c.settleState(ctx, j, domain.StateLeg1Filled); err != nil {
				runErr = err
			}
		}
		if runErr != nil {
			break
		}
		slog.Warn("unhedged fill found on restart, unwinding",
			"plan", rec.PlanID, "leg1", leg1, "leg2", leg2, "unwound", unwound)
		runErr = c.unwind(context.WithoutCancel(ctx), j, residual, "unhedged after restart")
	}

	c.finish(context.WithoutCancel(ctx), j, runErr)
	return runErr
}

// recoverOrder brings a ledger order up to date with its venue.
func (c *Coordinator) recoverOrder(ctx context.Context, j *job, o domain.Order, onFill func(domain.Fill)) (*legRun, error) {
	lr := newLegRun(o, onFill)
	fills, err := c.orders.FillsByOrder(ctx, o.ID)
	if err != nil {
		return nil, err
	}
	for _, f := range fills {
		lr.seen[f.ID] = struct{}{}
		lr.fills = append(lr.fills, f)
	}
	if o.Status.Terminal() {
		return lr, nil
	}

	ack, err := c.status(ctx, o)
	if errors.Is(err, domain.ErrNotFound) {
		lr.order.Status = domain.OrderRejected
		c.saveOrder(ctx, lr.order)
		return lr, nil
	}
	if err != nil {
		return nil, fmt.Errorf("order %s status: %w", o.ID, err)
	}
	if lr.order.VenueOrderID == "" {
		lr.order.VenueOrderID = ack.VenueOrderID
	}
	c.attach(ctx, lr)
	c.closeOut(ctx, j, lr)
	lr.close()
	return lr, nil
}

// settleState walks the record to a target state through legal transitions.
func (c *Coordinator) settleState(ctx context.Context, j *job, to domain.ExecState) error {
	for _, step := range settlePath(j.ex.State(), to) {
		if err := c.advance(ctx, j, step, j.reason); err != nil {
			return err
		}
	}
	return nil
}

// settlePath returns the transitions from a persisted state to a target.
func settlePath(from, to domain.ExecState) []domain.ExecState {
	if from == to {
		return nil
	}
	if CanTransition(from, to) {
		return []domain.ExecState{to}
	}
	var path []domain.ExecState
	switch from {
	case domain.StatePlanned:
		path = append(path, domain.StateLeg1Submitted)
		fallthrough
	case domain.StateLeg1Submitted, domain.StateLeg1Working:
		if to == domain.StateCancelled || to == domain.StateLeg1Filled {
			return append(path, to)
		}
		path = append(path, domain.StateLeg1Filled)
		from = domain.StateLeg1Filled
		fallthrough
	case domain.StateLeg1Filled:
		if CanTransition(from, to) {
			return append(path, to)
		}
		return append(path, domain.StateLeg2Submitted, to)
	}
	return []domain.ExecState{to}
}
