package execution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/alejandrodnm/pairarb/internal/domain"
	"github.com/alejandrodnm/pairarb/internal/metrics"
	"github.com/alejandrodnm/pairarb/internal/ports"
	"github.com/alejandrodnm/pairarb/internal/risk"
)

// Default timeouts.
const (
	DefaultLeg1RestTimeout = 60 * time.Second
	DefaultLeg2Timeout     = 10 * time.Second
	DefaultAckTimeout      = 5 * time.Second
)

var (
	// ErrBusy is returned when the pair already has an execution in flight.
	ErrBusy = errors.New("pair already executing")
	// ErrShuttingDown is returned once Shutdown has been called.
	ErrShuttingDown = errors.New("coordinator shutting down")
)

// Config holds the coordinator's timeouts and retry policy.
type Config struct {
	Leg1RestTimeout time.Duration
	Leg2Timeout     time.Duration
	AckTimeout      time.Duration
	// SubmitRetries bounds resubmissions after an ambiguous submit.
	SubmitRetries int
	RetryBackoff  time.Duration
	// CancelDrain is how long to wait for in-flight fills after a cancel.
	CancelDrain time.Duration
	// UnwindAttempts and UnwindStepTicks control how aggressively a residual
	// position is flattened: each attempt moves the limit another step.
	UnwindAttempts  int
	UnwindStepTicks int64
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Leg1RestTimeout: DefaultLeg1RestTimeout,
		Leg2Timeout:     DefaultLeg2Timeout,
		AckTimeout:      DefaultAckTimeout,
		SubmitRetries:   3,
		RetryBackoff:    250 * time.Millisecond,
		CancelDrain:     2 * time.Second,
		UnwindAttempts:  3,
		UnwindStepTicks: 500,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Leg1RestTimeout <= 0 {
		c.Leg1RestTimeout = d.Leg1RestTimeout
	}
	if c.Leg2Timeout <= 0 {
		c.Leg2Timeout = d.Leg2Timeout
	}
	if c.AckTimeout <= 0 {
		c.AckTimeout = d.AckTimeout
	}
	if c.SubmitRetries < 0 {
		c.SubmitRetries = 0
	}
	if c.CancelDrain <= 0 {
		c.CancelDrain = d.CancelDrain
	}
	if c.UnwindAttempts <= 0 {
		c.UnwindAttempts = d.UnwindAttempts
	}
	if c.UnwindStepTicks <= 0 {
		c.UnwindStepTicks = d.UnwindStepTicks
	}
	return c
}

// Coordinator executes trade plans as a maker leg followed by a taker hedge.
// At most one execution per pair runs at a time.
type Coordinator struct {
	cfg     Config
	routers map[domain.VenueID]ports.OrderRouter
	risk    *risk.Manager
	orders  ports.OrderStore
	journal ports.DecisionLog
	m       *metrics.Metrics
	now     func() time.Time

	mu      sync.Mutex
	active  map[string]*Execution
	closing bool
	stop    chan struct{}
	wg      sync.WaitGroup
}

// Option configura el Coordinator.
type Option func(*Coordinator)

// WithOrderStore persists orders, fills and execution records.
func WithOrderStore(s ports.OrderStore) Option {
	return func(c *Coordinator) { c.orders = s }
}

// WithDecisionLog records one entry per plan event.
func WithDecisionLog(l ports.DecisionLog) Option {
	return func(c *Coordinator) { c.journal = l }
}

// WithMetrics records order and plan counters.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Coordinator) { c.m = m }
}

// NewCoordinator crea un Coordinator sobre un router por venue.
func NewCoordinator(routers map[domain.VenueID]ports.OrderRouter, rm *risk.Manager, cfg Config, opts ...Option) *Coordinator {
	c := &Coordinator{
		cfg:     cfg.withDefaults(),
		routers: routers,
		risk:    rm,
		now:     time.Now,
		active:  make(map[string]*Execution),
		stop:    make(chan struct{}),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// job is the working set of one execution.
type job struct {
	ex      *Execution
	plan    domain.TradePlan
	resID   string
	leg1    *legRun
	leg2    *legRun
	unwinds []*legRun
	reason  string
}

func (j *job) runs() []*legRun {
	out := make([]*legRun, 0, 2+len(j.unwinds))
	for _, lr := range []*legRun{j.leg1, j.leg2} {
		if lr != nil {
			out = append(out, lr)
		}
	}
	return append(out, j.unwinds...)
}

// Busy reports whether pairID has an execution in flight.
func (c *Coordinator) Busy(pairID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.active[pairID]
	return ok
}

// Active returns the records of in-flight executions.
func (c *Coordinator) Active() []domain.ExecutionRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]domain.ExecutionRecord, 0, len(c.active))
	for _, ex := range c.active {
		if ex != nil {
			out = append(out, ex.Record())
		}
	}
	return out
}

// Execute runs a plan to a terminal state and returns its final record.
// Risk rejections return a *risk.RejectedError; a position that could not
// be flattened returns an error wrapping domain.ErrUnwindFailure. An order
// whose existence could not be confirmed returns an error wrapping
// domain.ErrOrderUnknown and leaves the record open for Reconcile. Timeouts,
// cancellations and successful unwinds are normal outcomes with a nil error.
//
// Cancelling ctx stops a resting maker leg; any quantity already filled is
// still hedged or unwound.
func (c *Coordinator) Execute(ctx context.Context, plan domain.TradePlan, quote domain.EdgeQuote) (domain.ExecutionRecord, error) {
	if err := c.begin(plan.PairID); err != nil {
		return domain.ExecutionRecord{}, err
	}
	defer c.end(plan.PairID)

	res, err := c.risk.Authorize(plan, quote)
	if err != nil {
		c.m.RecordPlan(string(domain.DecisionRejected))
		c.decide(ctx, domain.Decision{
			PlanID: plan.ID, PairID: plan.PairID, Kind: domain.DecisionRejected,
			Reason: err.Error(), Limit: risk.LimitOf(err), State: string(domain.StatePlanned),
			Edge: quote.NetEdge, Detail: planDetail(plan),
		})
		return domain.ExecutionRecord{}, err
	}

	j := &job{ex: newExecution(plan, res.ID, c.now()), plan: plan, resID: res.ID}
	c.mu.Lock()
	c.active[plan.PairID] = j.ex
	c.mu.Unlock()

	slog.Info("plan authorized",
		"plan", plan.ID, "pair", plan.PairID, "strategy", plan.Strategy,
		"qty", plan.TargetQty, "edge", plan.ExpectedEdge.StringFixed(2))
	c.decide(ctx, domain.Decision{
		PlanID: plan.ID, PairID: plan.PairID, Kind: domain.DecisionAuthorized,
		State: string(domain.StatePlanned), Edge: quote.NetEdge, Detail: planDetail(plan),
	})
	c.saveExecution(ctx, j.ex)

	runErr := c.run(ctx, j)

	c.risk.Release(res.ID)
	c.finish(context.WithoutCancel(ctx), j, runErr)
	return j.ex.Record(), runErr
}

func (c *Coordinator) begin(pairID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closing {
		return ErrShuttingDown
	}
	if _, ok := c.active[pairID]; ok {
		return fmt.Errorf("execution: pair %s: %w", pairID, ErrBusy)
	}
	c.active[pairID] = nil
	c.wg.Add(1)
	return nil
}

func (c *Coordinator) end(pairID string) {
	c.mu.Lock()
	delete(c.active, pairID)
	c.mu.Unlock()
	c.wg.Done()
}

// Shutdown stops accepting plans, interrupts resting maker legs, and waits
// for every in-flight execution to hedge or unwind what it holds.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	if !c.closing {
		c.closing = true
		close(c.stop)
	}
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("execution.Shutdown: %w", ctx.Err())
	}
}

// run drives the state machine through Leg1 and hands off to hedge.
func (c *Coordinator) run(ctx context.Context, j *job) error {
	plan := j.plan
	leg1 := c.newOrder(plan, plan.Leg1, domain.LegOne, plan.TargetQty)

	if ctx.Err() != nil {
		j.reason = "cancelled before leg1 submit"
		return c.advance(ctx, j, domain.StateCancelled, j.reason)
	}
	if err := c.advance(ctx, j, domain.StateLeg1Submitted, "leg1 submit"); err != nil {
		return err
	}
	// The submit itself ignores cancellation: a half-sent order is worse
	// than one cancelled after its ack.
	lr, err := c.place(context.WithoutCancel(ctx), j, leg1, c.commitFill(j))
	if err != nil {
		if ambiguous(err) {
			c.risk.ReportVenueError(leg1.Venue, err)
		}
		if errors.Is(err, domain.ErrOrderUnknown) {
			return c.orderUnknown(j, leg1, err)
		}
		_ = c.advance(ctx, j, domain.StateFailed, "leg1 submit: "+err.Error())
		return err
	}
	j.leg1 = lr
	if err := c.advance(ctx, j, domain.StateLeg1Working, "leg1 acked "+lr.order.VenueOrderID); err != nil {
		return err
	}

	start := c.now()
	end := c.await(ctx, j, lr, c.cfg.Leg1RestTimeout, c.stop)
	if end != endFilled {
		c.closeOut(context.WithoutCancel(ctx), j, lr)
	}
	lr.close()
	c.m.RecordLeg(string(domain.LegOne), c.now().Sub(start).Seconds())

	filled := lr.order.FilledQty
	j.ex.update(func(r *domain.ExecutionRecord) { r.Leg1Filled = filled })
	if filled == 0 {
		if end == endTimeout {
			j.reason = fmt.Sprintf("leg1 unfilled after %s", c.cfg.Leg1RestTimeout)
			return c.advance(ctx, j, domain.StateTimedOut, j.reason)
		}
		j.reason = "leg1 cancelled before any fill"
		return c.advance(ctx, j, domain.StateCancelled, j.reason)
	}
	if filled < plan.TargetQty {
		slog.Info("leg1 partially filled", "plan", plan.ID, "filled", filled, "target", plan.TargetQty, "end", end)
	}
	if err := c.advance(ctx, j, domain.StateLeg1Filled, fmt.Sprintf("leg1 filled %d/%d", filled, plan.TargetQty)); err != nil {
		return err
	}
	return c.hedge(context.WithoutCancel(ctx), j)
}

// hedge sizes Leg2 to the realized Leg1 fill. It never sees the caller's
// cancellation: once exposure exists it must be hedged or flattened.
func (c *Coordinator) hedge(ctx context.Context, j *job) error {
	qty := j.leg1.order.FilledQty
	leg2 := c.newOrder(j.plan, j.plan.Leg2, domain.LegTwo, qty)

	if err := c.advance(ctx, j, domain.StateLeg2Submitted, fmt.Sprintf("leg2 submit qty=%d", qty)); err != nil {
		return err
	}
	lr, err := c.place(ctx, j, leg2, c.commitFill(j))
	if err != nil {
		if ambiguous(err) {
			c.risk.ReportVenueError(leg2.Venue, err)
		}
		if errors.Is(err, domain.ErrOrderUnknown) {
			// Unwinding Leg1 now could leave the hedge naked if it filled.
			return c.orderUnknown(j, leg2, err)
		}
		slog.Warn("leg2 submit failed, unwinding leg1", "plan", j.plan.ID, "err", err)
		return c.unwind(ctx, j, qty, "leg2 submit failed: "+err.Error())
	}
	j.leg2 = lr
	if err := c.advance(ctx, j, domain.StateLeg2Working, "leg2 acked "+lr.order.VenueOrderID); err != nil {
		return err
	}

	start := c.now()
	if c.await(ctx, j, lr, c.cfg.Leg2Timeout, nil) != endFilled {
		c.closeOut(ctx, j, lr)
	}
	lr.close()
	c.m.RecordLeg(string(domain.LegTwo), c.now().Sub(start).Seconds())

	hedged := lr.order.FilledQty
	j.ex.update(func(r *domain.ExecutionRecord) { r.Leg2Filled = hedged })
	if residual := qty - hedged; residual > 0 {
		slog.Warn("leg2 short, unwinding residual", "plan", j.plan.ID, "leg1", qty, "leg2", hedged)
		return c.unwind(ctx, j, residual, fmt.Sprintf("leg2 filled %d of %d within %s", hedged, qty, c.cfg.Leg2Timeout))
	}
	j.reason = fmt.Sprintf("hedged %d", qty)
	return c.advance(ctx, j, domain.StateCompleted, j.reason)
}

// orderUnknown parks an execution whose order may be live at the venue.
// The record keeps its non-terminal state so Reconcile settles it, and the
// order_unknown breaker holds trading until an operator clears it.
func (c *Coordinator) orderUnknown(j *job, o domain.Order, err error) error {
	j.reason = fmt.Sprintf("%s order %s on %s unresolved", o.Leg, o.IdempotencyKey, o.Venue)
	c.risk.TripOrderUnknown(o.Venue, o.IdempotencyKey, fmt.Sprintf("plan %s %s", j.plan.ID, o.Leg))
	j.ex.update(func(r *domain.ExecutionRecord) { r.Error = j.reason })
	slog.Error("order state unknown, execution left open for reconcile",
		"plan", j.plan.ID, "leg", o.Leg, "venue", o.Venue, "key", o.IdempotencyKey, "state", j.ex.State(), "err", err)
	return fmt.Errorf("execution: plan %s: %s: %w", j.plan.ID, j.reason, err)
}

func (c *Coordinator) newOrder(plan domain.TradePlan, leg domain.LegPlan, kind domain.LegKind, qty int64) domain.Order {
	now := c.now()
	return domain.Order{
		ID:             uuid.NewString(),
		IdempotencyKey: uuid.NewString(),
		Venue:          leg.Venue,
		MarketID:       leg.MarketID,
		OutcomeID:      leg.OutcomeID,
		Side:           leg.Side,
		Role:           leg.Role,
		Price:          leg.Price,
		Qty:            qty,
		Status:         domain.OrderPending,
		PlanID:         plan.ID,
		Leg:            kind,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// advance applies a transition and persists the record.
func (c *Coordinator) advance(ctx context.Context, j *job, to domain.ExecState, reason string) error {
	if err := j.ex.transition(to, reason, c.now()); err != nil {
		slog.Error("illegal execution transition", "plan", j.plan.ID, "err", err)
		return err
	}
	slog.Debug("execution transition", "plan", j.plan.ID, "state", to, "reason", reason)
	c.saveExecution(ctx, j.ex)
	return nil
}

// commitFill moves Leg1/Leg2 fills into filled exposure.
func (c *Coordinator) commitFill(j *job) func(domain.Fill) {
	return func(f domain.Fill) {
		c.risk.Commit(j.resID, j.plan.EventKey, f)
	}
}

// finish books P&L, logs the decision and persists the final record.
func (c *Coordinator) finish(ctx context.Context, j *job, runErr error) {
	rec := j.ex.Record()

	traded := false
	for _, lr := range j.runs() {
		if lr.order.FilledQty > 0 {
			traded = true
		}
	}
	// An open record is booked when Reconcile closes it.
	pnl := j.pnl()
	if traded && rec.State.Terminal() {
		c.risk.RecordTradeResult(pnl)
	}
	if err := c.risk.Persist(ctx); err != nil {
		slog.Warn("risk persist failed", "err", err)
	}

	kind := decisionKind(rec.State)
	reason := j.reason
	if runErr != nil {
		reason = runErr.Error()
	}
	detail := planDetail(j.plan)
	detail["pnl"] = pnl.StringFixed(2)
	for i, lr := range j.runs() {
		detail["order."+strconv.Itoa(i)] = fmt.Sprintf("%s %s %s %d/%d @%d %s",
			lr.order.Leg, lr.order.Venue, lr.order.Side, lr.order.FilledQty, lr.order.Qty, lr.order.Price, lr.order.Status)
	}
	c.decide(ctx, domain.Decision{
		PlanID: rec.PlanID, PairID: rec.PairID, Kind: kind, Reason: reason,
		State: string(rec.State), Edge: j.plan.ExpectedEdge,
		Leg1Fill: rec.Leg1Filled, Leg2Fill: rec.Leg2Filled, Unwound: rec.UnwoundQty,
		Detail: detail,
	})
	c.m.RecordPlan(string(kind))
	c.saveExecution(ctx, j.ex)

	slog.Info("plan finished",
		"plan", rec.PlanID, "pair", rec.PairID, "state", rec.State,
		"leg1", rec.Leg1Filled, "leg2", rec.Leg2Filled, "unwound", rec.UnwoundQty,
		"pnl", pnl.StringFixed(2))
}

// pnl is cash in minus cash out across every fill, plus the guaranteed
// payout of a hedge that buys the complementary outcome.
func (j *job) pnl() decimal.Decimal {
	cash := decimal.Zero
	for _, lr := range j.runs() {
		for _, f := range lr.fills {
			n := domain.Notional(f.Price, f.Qty)
			if f.Side == domain.Sell {
				cash = cash.Add(n)
			} else {
				cash = cash.Sub(n)
			}
			cash = cash.Sub(decimal.NewFromInt(f.Fee))
		}
	}
	if j.leg2 != nil && j.plan.Leg1.Side == domain.Buy && j.plan.Leg2.Side == domain.Buy {
		cash = cash.Add(domain.Notional(domain.PriceScale, j.leg2.order.FilledQty))
	}
	return cash
}

func decisionKind(s domain.ExecState) domain.DecisionKind {
	switch s {
	case domain.StateCompleted:
		return domain.DecisionExecuted
	case domain.StateTimedOut:
		return domain.DecisionTimedOut
	case domain.StateCancelled:
		return domain.DecisionCancelled
	case domain.StateUnwound:
		return domain.DecisionUnwound
	}
	return domain.DecisionFailed
}

func planDetail(p domain.TradePlan) map[string]string {
	return map[string]string{
		"strategy":  string(p.Strategy),
		"direction": string(p.Direction),
		"target":    strconv.FormatInt(p.TargetQty, 10),
		"leg1":      fmt.Sprintf("%s %s %s/%s @%d", p.Leg1.Venue, p.Leg1.Side, p.Leg1.MarketID, p.Leg1.OutcomeID, p.Leg1.Price),
		"leg2":      fmt.Sprintf("%s %s %s/%s @%d", p.Leg2.Venue, p.Leg2.Side, p.Leg2.MarketID, p.Leg2.OutcomeID, p.Leg2.Price),
	}
}

func (c *Coordinator) decide(ctx context.Context, d domain.Decision) {
	d.ID = uuid.NewString()
	d.At = c.now()
	if c.journal == nil {
		return
	}
	if err := c.journal.RecordDecision(context.WithoutCancel(ctx), d); err != nil {
		slog.Warn("decision log write failed", "plan", d.PlanID, "kind", d.Kind, "err", err)
	}
}

func (c *Coordinator) saveExecution(ctx context.Context, ex *Execution) {
	if c.orders == nil {
		return
	}
	if err := c.orders.SaveExecution(context.WithoutCancel(ctx), ex.Record()); err != nil {
		slog.Warn("execution persist failed", "plan", ex.Record().PlanID, "err", err)
	}
}

func (c *Coordinator) saveOrder(ctx context.Context, o domain.Order) {
	if c.orders == nil {
		return
	}
	if err := c.orders.SaveOrder(context.WithoutCancel(ctx), o); err != nil {
		slog.Warn("order persist failed", "order", o.ID, "err", err)
	}
}

func (c *Coordinator) saveFill(ctx context.Context, f domain.Fill) {
	if c.orders == nil {
		return
	}
	if err := c.orders.SaveFill(context.WithoutCancel(ctx), f); err != nil {
		slog.Warn("fill persist failed", "fill", f.ID, "err", err)
	}
}
