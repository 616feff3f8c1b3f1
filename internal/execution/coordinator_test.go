package execution_test

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alejandrodnm/pairarb/internal/adapters/sim"
	"github.com/alejandrodnm/pairarb/internal/domain"
	"github.com/alejandrodnm/pairarb/internal/execution"
	"github.com/alejandrodnm/pairarb/internal/ports"
	"github.com/alejandrodnm/pairarb/internal/risk"
)

const (
	kalshi = domain.VenueKalshi
	poly   = domain.VenuePolymarket
	pairID = "kalshi:K1|polymarket:P1"
)

// memStore is an in-memory OrderStore and DecisionLog.
type memStore struct {
	mu        sync.Mutex
	orders    map[string]domain.Order
	order     []string
	fills     map[string][]domain.Fill
	execs     map[string]domain.ExecutionRecord
	decisions []domain.Decision
}

func newMemStore() *memStore {
	return &memStore{
		orders: make(map[string]domain.Order),
		fills:  make(map[string][]domain.Fill),
		execs:  make(map[string]domain.ExecutionRecord),
	}
}

func (s *memStore) SaveOrder(_ context.Context, o domain.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.orders[o.ID]; !ok {
		s.order = append(s.order, o.ID)
	}
	s.orders[o.ID] = o
	return nil
}

func (s *memStore) SaveFill(_ context.Context, f domain.Fill) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fills[f.OrderID] = append(s.fills[f.OrderID], f)
	return nil
}

func (s *memStore) SaveExecution(_ context.Context, rec domain.ExecutionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.execs[rec.PlanID] = rec
	return nil
}

func (s *memStore) OpenExecutions(context.Context) ([]domain.ExecutionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.ExecutionRecord
	for _, r := range s.execs {
		if !r.State.Terminal() {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PlanID < out[j].PlanID })
	return out, nil
}

func (s *memStore) OrdersByPlan(_ context.Context, planID string) ([]domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Order
	for _, id := range s.order {
		if o := s.orders[id]; o.PlanID == planID {
			out = append(out, o)
		}
	}
	return out, nil
}

func (s *memStore) OpenOrders(context.Context) ([]domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Order
	for _, id := range s.order {
		if o := s.orders[id]; !o.Status.Terminal() {
			out = append(out, o)
		}
	}
	return out, nil
}

func (s *memStore) ExecutionByPlan(_ context.Context, planID string) (domain.ExecutionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.execs[planID]
	if !ok {
		return domain.ExecutionRecord{}, fmt.Errorf("execution %s: %w", planID, domain.ErrNotFound)
	}
	return rec, nil
}

func (s *memStore) leg(planID string, leg domain.LegKind) (domain.Order, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range s.order {
		if o := s.orders[id]; o.PlanID == planID && o.Leg == leg {
			return o, true
		}
	}
	return domain.Order{}, false
}

func (s *memStore) FillsByOrder(_ context.Context, orderID string) ([]domain.Fill, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Fill(nil), s.fills[orderID]...), nil
}

func (s *memStore) RecordDecision(_ context.Context, d domain.Decision) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.decisions = append(s.decisions, d)
	return nil
}

func (s *memStore) Decisions(_ context.Context, from, to time.Time) ([]domain.Decision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Decision(nil), s.decisions...), nil
}

func (s *memStore) kinds(planID string) []domain.DecisionKind {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.DecisionKind
	for _, d := range s.decisions {
		if d.PlanID == planID {
			out = append(out, d.Kind)
		}
	}
	return out
}

var (
	_ ports.OrderStore  = (*memStore)(nil)
	_ ports.DecisionLog = (*memStore)(nil)
)

type harness struct {
	ex    *sim.Exchange
	risk  *risk.Manager
	store *memStore
	coord *execution.Coordinator
}

// darkRouter forwards everything to the exchange but, while dark is set,
// loses the answers for one venue: orders land and the caller never hears.
type darkRouter struct {
	*sim.Exchange
	venue domain.VenueID
	dark  atomic.Bool
}

func (r *darkRouter) SubmitOrder(ctx context.Context, o domain.Order) (domain.OrderAck, error) {
	ack, err := r.Exchange.SubmitOrder(ctx, o)
	if o.Venue == r.venue && r.dark.Load() {
		return domain.OrderAck{}, fmt.Errorf("submit %s: %w", o.IdempotencyKey, domain.ErrVenueTimeout)
	}
	return ack, err
}

func (r *darkRouter) OrderStatus(ctx context.Context, id domain.VenueID, key string) (domain.OrderAck, error) {
	if id == r.venue && r.dark.Load() {
		return domain.OrderAck{}, fmt.Errorf("status %s: %w", key, domain.ErrVenueTimeout)
	}
	return r.Exchange.OrderStatus(ctx, id, key)
}

func fastConfig() execution.Config {
	return execution.Config{
		Leg1RestTimeout: 150 * time.Millisecond,
		Leg2Timeout:     150 * time.Millisecond,
		AckTimeout:      50 * time.Millisecond,
		SubmitRetries:   2,
		RetryBackoff:    time.Millisecond,
		CancelDrain:     50 * time.Millisecond,
		UnwindAttempts:  2,
		UnwindStepTicks: 500,
	}
}

func newHarness(t *testing.T, cfg execution.Config) *harness {
	t.Helper()
	ex := sim.New([]domain.VenueID{kalshi, poly})
	require.NoError(t, ex.SetBook(domain.Book{
		Venue: kalshi, MarketID: "K1", OutcomeID: "yes",
		Bids: []domain.Level{{Price: 4400, Qty: 100}},
		Asks: []domain.Level{{Price: 4500, Qty: 100}},
	}))
	require.NoError(t, ex.SetBook(domain.Book{
		Venue: poly, MarketID: "P1", OutcomeID: "yes",
		Bids: []domain.Level{{Price: 5000, Qty: 100}},
		Asks: []domain.Level{{Price: 5100, Qty: 100}},
	}))
	ex.SetScript(kalshi, sim.FullMaker(5*time.Millisecond))

	store := newMemStore()
	rm := risk.NewManager(risk.DefaultLimits())
	routers := map[domain.VenueID]ports.OrderRouter{kalshi: ex, poly: ex}
	coord := execution.NewCoordinator(routers, rm, cfg,
		execution.WithOrderStore(store), execution.WithDecisionLog(store))
	return &harness{ex: ex, risk: rm, store: store, coord: coord}
}

func testPlan(qty int64) domain.TradePlan {
	return domain.TradePlan{
		ID:        uuid.NewString(),
		PairID:    pairID,
		EventKey:  "cpi-2026-03",
		Category:  "economics",
		Strategy:  domain.MakeATakeB,
		Direction: domain.BuyASellB,
		TargetQty: qty,
		Leg1: domain.LegPlan{Venue: kalshi, MarketID: "K1", OutcomeID: "yes",
			Side: domain.Buy, Role: domain.Maker, Price: 4400, Qty: qty},
		Leg2: domain.LegPlan{Venue: poly, MarketID: "P1", OutcomeID: "yes",
			Side: domain.Sell, Role: domain.Taker, Price: 4900, Qty: qty},
		ExpectedEdge:   decimal.NewFromInt(50),
		ResolutionTime: time.Now().Add(30 * 24 * time.Hour),
		CreatedAt:      time.Now(),
	}
}

func testQuote(edge int64, qty int64) domain.EdgeQuote {
	return domain.EdgeQuote{PairID: pairID, NetEdge: decimal.NewFromInt(edge), Requested: qty, Capacity: qty}
}

// assertHedgeNeverLeads walks the venue fill log in order and checks the
// hedge leg never held more contracts than the maker leg.
func assertHedgeNeverLeads(t *testing.T, fills []domain.Fill) {
	t.Helper()
	var leg1, leg2 int64
	for _, f := range fills {
		switch {
		case f.Venue == kalshi && f.Side == domain.Buy:
			leg1 += f.Qty
		case f.Venue == poly:
			leg2 += f.Qty
		}
		require.LessOrEqual(t, leg2, leg1, "hedge ahead of maker after fill %s", f.ID)
	}
}

func TestExecute_FullFillCompletes(t *testing.T) {
	h := newHarness(t, fastConfig())
	plan := testPlan(10)

	rec, err := h.coord.Execute(context.Background(), plan, testQuote(200, 10))
	require.NoError(t, err)

	assert.Equal(t, domain.StateCompleted, rec.State)
	assert.Equal(t, int64(10), rec.Leg1Filled)
	assert.Equal(t, int64(10), rec.Leg2Filled)
	assert.Equal(t, []domain.DecisionKind{domain.DecisionAuthorized, domain.DecisionExecuted}, h.store.kinds(plan.ID))

	snap := h.risk.Snapshot()
	// 10@4400 on kalshi plus 10@5000 on polymarket
	assert.True(t, decimal.NewFromInt(940).Equal(snap.EventExposure["cpi-2026-03"]), snap.EventExposure)
	assert.Empty(t, snap.EventReserved)
	assert.True(t, decimal.NewFromInt(60).Equal(snap.RealizedPnL), snap.RealizedPnL)
	assert.False(t, h.coord.Busy(pairID))
	assertHedgeNeverLeads(t, h.ex.Fills())
}

func TestExecute_PartialMakerFillSizesHedge(t *testing.T) {
	h := newHarness(t, fastConfig())
	h.ex.SetScript(kalshi, sim.Script{MakerFillRatio: 0.6, MakerFillDelay: 5 * time.Millisecond, MakerChunks: 3})
	plan := testPlan(10)

	rec, err := h.coord.Execute(context.Background(), plan, testQuote(200, 10))
	require.NoError(t, err)

	assert.Equal(t, domain.StateCompleted, rec.State)
	assert.Equal(t, int64(6), rec.Leg1Filled)
	assert.Equal(t, int64(6), rec.Leg2Filled)

	kOrders := h.ex.Orders(kalshi)
	require.Len(t, kOrders, 1)
	assert.Equal(t, domain.OrderCancelled, kOrders[0].Status)
	pOrders := h.ex.Orders(poly)
	require.Len(t, pOrders, 1)
	assert.Equal(t, int64(6), pOrders[0].Qty)
	assertHedgeNeverLeads(t, h.ex.Fills())
}

func TestExecute_UnfilledMakerTimesOut(t *testing.T) {
	h := newHarness(t, fastConfig())
	h.ex.SetScript(kalshi, sim.Script{})
	plan := testPlan(10)

	rec, err := h.coord.Execute(context.Background(), plan, testQuote(200, 10))
	require.NoError(t, err)

	assert.Equal(t, domain.StateTimedOut, rec.State)
	assert.Empty(t, h.ex.Orders(poly))
	snap := h.risk.Snapshot()
	assert.Equal(t, 0, snap.TradeCount, "unfilled plan gives its trade slot back")
	assert.Empty(t, snap.EventExposure)
	assert.Equal(t, []domain.DecisionKind{domain.DecisionAuthorized, domain.DecisionTimedOut}, h.store.kinds(plan.ID))
}

func TestExecute_DroppedAckDoesNotDuplicateOrder(t *testing.T) {
	h := newHarness(t, fastConfig())
	h.ex.DropAcks(kalshi, 1)
	plan := testPlan(10)

	rec, err := h.coord.Execute(context.Background(), plan, testQuote(200, 10))
	require.NoError(t, err)

	assert.Equal(t, domain.StateCompleted, rec.State)
	assert.Len(t, h.ex.Orders(kalshi), 1, "status query must find the order before any resubmit")
	assert.Equal(t, int64(10), rec.Leg2Filled)
}

func TestExecute_HedgeRejectedUnwindsOnMakerVenue(t *testing.T) {
	h := newHarness(t, fastConfig())
	h.ex.RejectAll(poly, true)
	// maker buys at 4400, the unwind hits the 4300 bid
	require.NoError(t, h.ex.SetBook(domain.Book{
		Venue: kalshi, MarketID: "K1", OutcomeID: "yes",
		Bids: []domain.Level{{Price: 4300, Qty: 100}},
		Asks: []domain.Level{{Price: 4500, Qty: 100}},
	}))
	plan := testPlan(10)

	rec, err := h.coord.Execute(context.Background(), plan, testQuote(200, 10))
	require.NoError(t, err)

	assert.Equal(t, domain.StateUnwound, rec.State)
	assert.Equal(t, int64(10), rec.Leg1Filled)
	assert.Equal(t, int64(0), rec.Leg2Filled)
	assert.Equal(t, int64(10), rec.UnwoundQty)

	kOrders := h.ex.Orders(kalshi)
	require.Len(t, kOrders, 2)
	unwind := kOrders[1]
	assert.Equal(t, domain.Sell, unwind.Side)
	assert.Equal(t, domain.OrderFilled, unwind.Status)

	snap := h.risk.Snapshot()
	assert.Empty(t, snap.EventExposure, "unwound position leaves no exposure")
	assert.True(t, decimal.NewFromInt(-10).Equal(snap.RealizedPnL), snap.RealizedPnL)
	assert.Equal(t, 1, snap.ConsecutiveLosses)
	assert.Contains(t, h.store.kinds(plan.ID), domain.DecisionUnwound)
}

func TestExecute_ShortHedgeUnwindsResidual(t *testing.T) {
	h := newHarness(t, fastConfig())
	require.NoError(t, h.ex.SetBook(domain.Book{
		Venue: poly, MarketID: "P1", OutcomeID: "yes",
		Bids: []domain.Level{{Price: 5000, Qty: 4}},
	}))
	plan := testPlan(10)

	rec, err := h.coord.Execute(context.Background(), plan, testQuote(200, 10))
	require.NoError(t, err)

	assert.Equal(t, domain.StateUnwound, rec.State)
	assert.Equal(t, int64(10), rec.Leg1Filled)
	assert.Equal(t, int64(4), rec.Leg2Filled)
	assert.Equal(t, int64(6), rec.UnwoundQty)
	assertHedgeNeverLeads(t, h.ex.Fills())
}

func TestExecute_UnwindFailureTripsBreaker(t *testing.T) {
	h := newHarness(t, fastConfig())
	h.ex.RejectAll(poly, true)
	require.NoError(t, h.ex.SetBook(domain.Book{Venue: kalshi, MarketID: "K1", OutcomeID: "yes"}))
	plan := testPlan(10)

	rec, err := h.coord.Execute(context.Background(), plan, testQuote(200, 10))
	require.ErrorIs(t, err, domain.ErrUnwindFailure)
	assert.Equal(t, domain.StateFailed, rec.State)

	halted, active := h.risk.Halted()
	require.True(t, halted)
	assert.Equal(t, domain.BreakerUnwindFailure, active[0].Kind)
	assert.Equal(t, kalshi, active[0].Venue)

	_, err = h.coord.Execute(context.Background(), testPlan(10), testQuote(200, 10))
	assert.ErrorIs(t, err, domain.ErrRiskRejected, "no new plans until the breaker is cleared")
}

func TestExecute_RiskRejectionPlacesNoOrders(t *testing.T) {
	h := newHarness(t, fastConfig())
	plan := testPlan(10)

	_, err := h.coord.Execute(context.Background(), plan, testQuote(10, 10))
	require.ErrorIs(t, err, domain.ErrRiskRejected)
	assert.Equal(t, risk.LimitMinEdge, risk.LimitOf(err))
	assert.Empty(t, h.ex.Orders(kalshi))

	h.store.mu.Lock()
	defer h.store.mu.Unlock()
	require.Len(t, h.store.decisions, 1)
	assert.Equal(t, domain.DecisionRejected, h.store.decisions[0].Kind)
	assert.Equal(t, risk.LimitMinEdge, h.store.decisions[0].Limit)
}

func TestExecute_OneExecutionPerPair(t *testing.T) {
	cfg := fastConfig()
	cfg.Leg1RestTimeout = 2 * time.Second
	h := newHarness(t, cfg)
	h.ex.SetScript(kalshi, sim.Script{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan domain.ExecutionRecord, 1)
	go func() {
		rec, _ := h.coord.Execute(ctx, testPlan(10), testQuote(200, 10))
		done <- rec
	}()
	require.Eventually(t, func() bool { return len(h.ex.Orders(kalshi)) == 1 }, time.Second, 5*time.Millisecond)

	_, err := h.coord.Execute(context.Background(), testPlan(10), testQuote(200, 10))
	assert.ErrorIs(t, err, execution.ErrBusy)

	cancel()
	rec := <-done
	assert.Equal(t, domain.StateCancelled, rec.State)
}

func TestShutdown_HedgesPartialFillBeforeExit(t *testing.T) {
	cfg := fastConfig()
	cfg.Leg1RestTimeout = 5 * time.Second
	h := newHarness(t, cfg)
	h.ex.SetScript(kalshi, sim.Script{})

	done := make(chan domain.ExecutionRecord, 1)
	go func() {
		rec, _ := h.coord.Execute(context.Background(), testPlan(10), testQuote(200, 10))
		done <- rec
	}()
	require.Eventually(t, func() bool { return len(h.ex.Orders(kalshi)) == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, h.ex.Fill(kalshi, h.ex.Orders(kalshi)[0].VenueOrderID, 4))

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, h.coord.Shutdown(ctx))

	rec := <-done
	assert.Equal(t, domain.StateCompleted, rec.State)
	assert.Equal(t, int64(4), rec.Leg1Filled)
	assert.Equal(t, int64(4), rec.Leg2Filled)

	_, err := h.coord.Execute(context.Background(), testPlan(10), testQuote(200, 10))
	assert.ErrorIs(t, err, execution.ErrShuttingDown)
}

func TestReconcile_UnwindsUnhedgedFillAfterRestart(t *testing.T) {
	h := newHarness(t, fastConfig())
	h.ex.SetScript(kalshi, sim.Script{})
	ctx := context.Background()
	plan := testPlan(10)

	// A previous process placed Leg1 and crashed after a partial fill.
	leg1 := domain.Order{
		ID: "o-1", IdempotencyKey: "k-1", Venue: kalshi, MarketID: "K1", OutcomeID: "yes",
		Side: domain.Buy, Role: domain.Maker, Price: 4400, Qty: 10,
		PlanID: plan.ID, Leg: domain.LegOne, Status: domain.OrderPending,
	}
	ack, err := h.ex.SubmitOrder(ctx, leg1)
	require.NoError(t, err)
	require.NoError(t, h.ex.Fill(kalshi, ack.VenueOrderID, 5))
	leg1.VenueOrderID = ack.VenueOrderID
	leg1.Status = domain.OrderWorking
	require.NoError(t, h.store.SaveOrder(ctx, leg1))
	require.NoError(t, h.store.SaveExecution(ctx, domain.ExecutionRecord{
		PlanID: plan.ID, PairID: plan.PairID, EventKey: plan.EventKey,
		State: domain.StateLeg1Working, Plan: plan,
	}))

	require.NoError(t, h.coord.Reconcile(ctx))

	h.store.mu.Lock()
	rec := h.store.execs[plan.ID]
	h.store.mu.Unlock()
	assert.Equal(t, domain.StateUnwound, rec.State)
	assert.Equal(t, int64(5), rec.Leg1Filled)
	assert.Equal(t, int64(5), rec.UnwoundQty)

	kOrders := h.ex.Orders(kalshi)
	require.Len(t, kOrders, 2)
	assert.Equal(t, domain.OrderCancelled, kOrders[0].Status)
	assert.Equal(t, domain.Sell, kOrders[1].Side)
	assert.Equal(t, int64(5), kOrders[1].FilledQty)

	open, err := h.store.OpenExecutions(ctx)
	require.NoError(t, err)
	assert.Empty(t, open)
	assert.Empty(t, h.risk.Snapshot().EventExposure)
}

func TestReconcile_NeverAcceptedOrderIsCancelled(t *testing.T) {
	h := newHarness(t, fastConfig())
	ctx := context.Background()
	plan := testPlan(10)

	require.NoError(t, h.store.SaveOrder(ctx, domain.Order{
		ID: "o-1", IdempotencyKey: "never-arrived", Venue: kalshi, MarketID: "K1", OutcomeID: "yes",
		Side: domain.Buy, Role: domain.Maker, Price: 4400, Qty: 10,
		PlanID: plan.ID, Leg: domain.LegOne, Status: domain.OrderPending,
	}))
	require.NoError(t, h.store.SaveExecution(ctx, domain.ExecutionRecord{
		PlanID: plan.ID, PairID: plan.PairID, EventKey: plan.EventKey,
		State: domain.StateLeg1Submitted, Plan: plan,
	}))

	require.NoError(t, h.coord.Reconcile(ctx))

	h.store.mu.Lock()
	defer h.store.mu.Unlock()
	assert.Equal(t, domain.StateCancelled, h.store.execs[plan.ID].State)
	assert.Equal(t, domain.OrderRejected, h.store.orders["o-1"].Status)
}

func TestExecute_LostHedgeAckParksExecution(t *testing.T) {
	h := newHarness(t, fastConfig())
	dr := &darkRouter{Exchange: h.ex, venue: poly}
	dr.dark.Store(true)
	h.coord = execution.NewCoordinator(map[domain.VenueID]ports.OrderRouter{kalshi: h.ex, poly: dr}, h.risk, fastConfig(),
		execution.WithOrderStore(h.store), execution.WithDecisionLog(h.store))
	ctx := context.Background()
	plan := testPlan(10)

	rec, err := h.coord.Execute(ctx, plan, testQuote(200, 10))
	require.ErrorIs(t, err, domain.ErrOrderUnknown)
	assert.Equal(t, domain.StateLeg2Submitted, rec.State, "execution stays open")
	assert.Len(t, h.ex.Orders(kalshi), 1, "a hedge that may exist is never unwound")
	require.Len(t, h.ex.Orders(poly), 1, "retries reuse the idempotency key")
	assert.False(t, h.coord.Busy(pairID))

	hedge, ok := h.store.leg(plan.ID, domain.LegTwo)
	require.True(t, ok)
	assert.False(t, hedge.Status.Terminal(), "the ledger keeps the order open")

	halted, active := h.risk.Halted()
	require.True(t, halted)
	unknown, ok := findBreaker(active, domain.BreakerOrderUnknown)
	require.True(t, ok, "breakers: %v", active)
	assert.Equal(t, poly, unknown.Venue)
	assert.True(t, unknown.ManualHold)
	assert.Contains(t, unknown.Reason, hedge.IdempotencyKey)
	assert.Equal(t, 0, h.risk.Snapshot().ConsecutiveLosses, "no result booked for an open execution")

	open, err := h.store.OpenExecutions(ctx)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, plan.ID, open[0].PlanID)

	// The venue answers again: reconcile finds the hedge filled.
	dr.dark.Store(false)
	require.NoError(t, h.coord.Reconcile(ctx))

	h.store.mu.Lock()
	got := h.store.execs[plan.ID]
	h.store.mu.Unlock()
	assert.Equal(t, domain.StateCompleted, got.State)
	assert.Equal(t, int64(10), got.Leg1Filled)
	assert.Equal(t, int64(10), got.Leg2Filled)
	assert.Len(t, h.ex.Orders(kalshi), 1)

	halted, _ = h.risk.Halted()
	assert.True(t, halted, "an operator still has to clear the hold")
	cleared, err := h.risk.ClearManual(domain.BreakerOrderUnknown, poly)
	require.NoError(t, err)
	assert.True(t, cleared)
}

func TestReconcile_OrphanOrderOnClosedExecution(t *testing.T) {
	h := newHarness(t, fastConfig())
	ctx := context.Background()
	plan := testPlan(10)

	// The execution closed as cancelled, but its leg1 order is still open
	// at the venue and has since filled.
	leg1 := domain.Order{
		ID: "o-1", IdempotencyKey: "k-orphan", Venue: kalshi, MarketID: "K1", OutcomeID: "yes",
		Side: domain.Buy, Role: domain.Maker, Price: 4400, Qty: 10,
		PlanID: plan.ID, Leg: domain.LegOne, Status: domain.OrderWorking,
	}
	h.ex.SetScript(kalshi, sim.Script{})
	ack, err := h.ex.SubmitOrder(ctx, leg1)
	require.NoError(t, err)
	require.NoError(t, h.ex.Fill(kalshi, ack.VenueOrderID, 3))
	leg1.VenueOrderID = ack.VenueOrderID
	require.NoError(t, h.store.SaveOrder(ctx, leg1))
	require.NoError(t, h.store.SaveExecution(ctx, domain.ExecutionRecord{
		PlanID: plan.ID, PairID: plan.PairID, EventKey: plan.EventKey,
		State: domain.StateCancelled, Plan: plan,
	}))

	require.NoError(t, h.coord.Reconcile(ctx))

	open, err := h.store.OpenOrders(ctx)
	require.NoError(t, err)
	assert.Empty(t, open, "orphan is closed out at the venue")
	kOrders := h.ex.Orders(kalshi)
	require.Len(t, kOrders, 1)
	assert.Equal(t, domain.OrderCancelled, kOrders[0].Status)

	snap := h.risk.Snapshot()
	assert.True(t, decimal.NewFromInt(132).Equal(snap.EventExposure["cpi-2026-03"]), snap.EventExposure)
	halted, active := h.risk.Halted()
	require.True(t, halted)
	unknown, ok := findBreaker(active, domain.BreakerOrderUnknown)
	require.True(t, ok, "breakers: %v", active)
	assert.Contains(t, unknown.Reason, "k-orphan")
}

func findBreaker(bs []domain.Breaker, kind domain.BreakerKind) (domain.Breaker, bool) {
	for _, b := range bs {
		if b.Kind == kind {
			return b, true
		}
	}
	return domain.Breaker{}, false
}
