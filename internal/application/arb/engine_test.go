package arb_test

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alejandrodnm/pairarb/internal/adapters/notify"
	"github.com/alejandrodnm/pairarb/internal/adapters/sim"
	"github.com/alejandrodnm/pairarb/internal/adapters/storage"
	"github.com/alejandrodnm/pairarb/internal/application/arb"
	"github.com/alejandrodnm/pairarb/internal/domain"
	"github.com/alejandrodnm/pairarb/internal/edge"
	"github.com/alejandrodnm/pairarb/internal/execution"
	"github.com/alejandrodnm/pairarb/internal/fees"
	"github.com/alejandrodnm/pairarb/internal/matcher"
	"github.com/alejandrodnm/pairarb/internal/metrics"
	"github.com/alejandrodnm/pairarb/internal/ports"
	"github.com/alejandrodnm/pairarb/internal/risk"
)

const (
	kalshi = domain.VenueKalshi
	poly   = domain.VenuePolymarket
)

func cpiMarket(venue domain.VenueID, id, source string, at time.Time) domain.Market {
	return domain.Market{
		Venue:            venue,
		ID:               id,
		Title:            "Will CPI rise more than 0.3% in March 2026?",
		Description:      "Resolves Yes if the month-over-month CPI change exceeds 0.3%.",
		ResolutionSource: source,
		ResolutionTime:   at,
		Status:           domain.MarketActive,
		Category:         "economics",
		EventKey:         "cpi-2026-03",
		Tags: map[string]string{
			domain.TagEntity: "cpi", domain.TagPeriod: "2026-03", domain.TagYear: "2026",
		},
		Outcomes: []domain.Outcome{
			{ID: "yes", Label: "Yes", Type: domain.OutcomeBinary, Tags: map[string]string{domain.TagSide: "yes"}},
			{ID: "no", Label: "No", Type: domain.OutcomeBinary, Tags: map[string]string{domain.TagSide: "no"}},
		},
	}
}

type harness struct {
	ex     *sim.Exchange
	risk   *risk.Manager
	db     *storage.SQLiteStorage
	coord  *execution.Coordinator
	engine *arb.Engine
	out    *bytes.Buffer
}

type setup struct {
	dryRun   bool
	limits   risk.Limits
	bookAge  time.Duration
	simOpts  []sim.Option
	interval time.Duration
}

func newHarness(t *testing.T, s setup) *harness {
	t.Helper()
	resolve := time.Now().Add(30 * 24 * time.Hour)

	ex := sim.New([]domain.VenueID{kalshi, poly}, s.simOpts...)
	require.NoError(t, ex.AddMarket(cpiMarket(kalshi, "KXCPI-26MAR-T0.3", "bls.gov", resolve)))
	require.NoError(t, ex.AddMarket(cpiMarket(poly, "0xcpi-mar-26", "https://www.bls.gov/cpi/", resolve.Add(10*time.Minute))))

	stamp := time.Now().Add(-s.bookAge)
	require.NoError(t, ex.SetBook(domain.Book{
		Venue: kalshi, MarketID: "KXCPI-26MAR-T0.3", OutcomeID: "yes", UpdatedAt: stamp,
		Bids: []domain.Level{{Price: 3900, Qty: 100}},
		Asks: []domain.Level{{Price: 4000, Qty: 100}},
	}))
	require.NoError(t, ex.SetBook(domain.Book{
		Venue: poly, MarketID: "0xcpi-mar-26", OutcomeID: "yes", UpdatedAt: stamp,
		Bids: []domain.Level{{Price: 5000, Qty: 100}},
		Asks: []domain.Level{{Price: 5100, Qty: 100}},
	}))
	ex.SetScript(kalshi, sim.FullMaker(5*time.Millisecond))

	db, err := storage.NewSQLiteStorage(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	m := metrics.New()
	limits := s.limits
	if limits.MinEdge.IsZero() {
		limits = risk.DefaultLimits()
	}
	rm := risk.NewManager(limits, risk.WithStore(db), risk.WithMetrics(m))

	fe := fees.New(fees.DefaultSchedules())
	planner := execution.NewPlanner(fe, edge.NewCalculator(fe), execution.DefaultPlannerConfig())
	coord := execution.NewCoordinator(
		map[domain.VenueID]ports.OrderRouter{kalshi: ex, poly: ex}, rm,
		execution.Config{
			Leg1RestTimeout: 200 * time.Millisecond,
			Leg2Timeout:     200 * time.Millisecond,
			AckTimeout:      50 * time.Millisecond,
			RetryBackoff:    time.Millisecond,
			CancelDrain:     50 * time.Millisecond,
		},
		execution.WithOrderStore(db), execution.WithDecisionLog(db), execution.WithMetrics(m))

	mcfg := matcher.DefaultConfig()
	mcfg.Workers = 2
	mt := matcher.New(mcfg, matcher.WithStore(db))

	var out bytes.Buffer
	eng := arb.New(
		arb.Venue{ID: kalshi, Catalog: ex, Books: ex, Health: ex},
		arb.Venue{ID: poly, Catalog: ex, Books: ex, Health: ex},
		mt, planner, coord, rm,
		arb.Config{Interval: s.interval, TargetQty: 10, Workers: 2, ShutdownTimeout: time.Second, DryRun: s.dryRun},
		arb.WithNotifier(notify.NewConsoleWriter(&out, true, true)),
		arb.WithDecisionLog(db),
		arb.WithMetrics(m),
	)
	return &harness{ex: ex, risk: rm, db: db, coord: coord, engine: eng, out: &out}
}

func TestRunOnce_ExecutesTradeablePair(t *testing.T) {
	h := newHarness(t, setup{})

	res, err := h.engine.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, res.MarketsA)
	assert.Equal(t, 1, res.MarketsB)
	assert.Equal(t, 1, res.Pairs)
	assert.Equal(t, 1, res.Tradeable)
	assert.Equal(t, 1, res.Plans)
	assert.False(t, res.Halted)
	require.Len(t, res.Executions, 1)
	assert.Equal(t, domain.StateCompleted, res.Executions[0].State)
	assert.Equal(t, int64(10), res.Executions[0].Leg1Filled)
	assert.Equal(t, int64(10), res.Executions[0].Leg2Filled)

	kinds := make([]domain.DecisionKind, 0, len(res.Decisions))
	for _, d := range res.Decisions {
		kinds = append(kinds, d.Kind)
	}
	assert.Equal(t, []domain.DecisionKind{domain.DecisionAuthorized, domain.DecisionExecuted}, kinds)

	// Verdicts and risk state went through storage.
	pairs, err := h.db.ListPairs(context.Background())
	require.NoError(t, err)
	require.Len(t, pairs, 1)
	assert.True(t, pairs[0].SpecOK)
	_, err = h.db.LoadRiskState(context.Background())
	require.NoError(t, err)

	out := h.out.String()
	assert.Contains(t, out, "1 duplicate pairs")
	assert.Contains(t, out, "Authorized:1 Executed:1")
}

func TestRunOnce_DryRunSendsNoOrders(t *testing.T) {
	h := newHarness(t, setup{dryRun: true})

	res, err := h.engine.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, res.Plans)
	assert.Empty(t, res.Executions)
	assert.Empty(t, res.Decisions)
	assert.Empty(t, h.ex.Orders(kalshi))
	assert.Empty(t, h.ex.Orders(poly))
}

func TestRunOnce_StaleBooksAreSkipped(t *testing.T) {
	limits := risk.DefaultLimits()
	limits.MaxStaleMarkets = 10
	h := newHarness(t, setup{
		limits:  limits,
		bookAge: time.Minute,
		simOpts: []sim.Option{sim.WithStaleAfter(3 * time.Second)},
	})

	res, err := h.engine.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, res.Tradeable)
	assert.Zero(t, res.Plans)
	assert.Equal(t, 1, res.Skipped[arb.SkipStale])
	assert.Empty(t, res.Executions)
	assert.Empty(t, h.ex.Orders(kalshi))
}

func TestRunOnce_BreakerHaltsTrading(t *testing.T) {
	h := newHarness(t, setup{})
	h.ex.SetHealth(domain.VenueHealth{Venue: poly, Status: domain.HealthDown, Reason: "ws closed"})

	res, err := h.engine.RunOnce(context.Background())
	require.NoError(t, err)

	assert.True(t, res.Halted)
	assert.Equal(t, 1, res.Skipped[arb.SkipHalted])
	require.NotEmpty(t, res.Breakers)
	assert.Equal(t, domain.BreakerVenueDisconnected, res.Breakers[0].Kind)
	assert.Empty(t, h.ex.Orders(kalshi))

	// Venue recovers: the disconnect breaker clears itself on the next cycle.
	h.ex.SetHealth(domain.VenueHealth{Venue: poly, Status: domain.HealthHealthy, Connected: true})
	res, err = h.engine.RunOnce(context.Background())
	require.NoError(t, err)
	assert.False(t, res.Halted)
	assert.Len(t, res.Executions, 1)
}

func TestRunOnce_EdgeBelowThresholdIsRejected(t *testing.T) {
	limits := risk.DefaultLimits()
	limits.MinEdge = decimal.NewFromInt(10_000)
	h := newHarness(t, setup{limits: limits})

	res, err := h.engine.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, res.Plans)
	assert.Equal(t, 1, res.Rejected)
	assert.Empty(t, res.Executions)
	require.Len(t, res.Decisions, 1)
	assert.Equal(t, domain.DecisionRejected, res.Decisions[0].Kind)
	assert.Equal(t, risk.LimitMinEdge, res.Decisions[0].Limit)
}

func TestRunOnce_CatalogFailure(t *testing.T) {
	ex := sim.New([]domain.VenueID{kalshi})
	rm := risk.NewManager(risk.DefaultLimits())
	fe := fees.New(fees.DefaultSchedules())
	eng := arb.New(
		arb.Venue{ID: kalshi, Catalog: ex, Books: ex},
		arb.Venue{ID: poly, Catalog: ex, Books: ex},
		matcher.New(matcher.DefaultConfig()),
		execution.NewPlanner(fe, edge.NewCalculator(fe), execution.DefaultPlannerConfig()),
		execution.NewCoordinator(map[domain.VenueID]ports.OrderRouter{kalshi: ex}, rm, execution.DefaultConfig()),
		rm, arb.Config{},
	)

	_, err := eng.RunOnce(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestRun_StopsOnCancel(t *testing.T) {
	h := newHarness(t, setup{interval: 20 * time.Millisecond})

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	require.NoError(t, h.engine.Run(ctx))

	assert.False(t, h.coord.Busy("kalshi:KXCPI-26MAR-T0.3|polymarket:0xcpi-mar-26"))
	open, err := h.db.OpenExecutions(context.Background())
	require.NoError(t, err)
	assert.Empty(t, open, "shutdown drains every execution to a terminal state")
	assert.NotEmpty(t, h.ex.Orders(kalshi))
}

func TestRunOnce_ScansEveryVenuePair(t *testing.T) {
	const pit domain.VenueID = "predictit"
	resolve := time.Now().Add(30 * 24 * time.Hour)

	ex := sim.New([]domain.VenueID{kalshi, poly, pit})
	require.NoError(t, ex.AddMarket(cpiMarket(kalshi, "KXCPI-26MAR-T0.3", "bls.gov", resolve)))
	require.NoError(t, ex.AddMarket(cpiMarket(poly, "0xcpi-mar-26", "https://www.bls.gov/cpi/", resolve)))
	require.NoError(t, ex.AddMarket(cpiMarket(pit, "8123-CPI", "bls.gov", resolve)))
	for _, b := range []domain.Book{
		{Venue: kalshi, MarketID: "KXCPI-26MAR-T0.3", OutcomeID: "yes",
			Bids: []domain.Level{{Price: 3900, Qty: 100}}, Asks: []domain.Level{{Price: 4000, Qty: 100}}},
		{Venue: poly, MarketID: "0xcpi-mar-26", OutcomeID: "yes",
			Bids: []domain.Level{{Price: 5000, Qty: 100}}, Asks: []domain.Level{{Price: 5100, Qty: 100}}},
		{Venue: pit, MarketID: "8123-CPI", OutcomeID: "yes",
			Bids: []domain.Level{{Price: 5200, Qty: 100}}, Asks: []domain.Level{{Price: 5300, Qty: 100}}},
	} {
		b.UpdatedAt = time.Now()
		require.NoError(t, ex.SetBook(b))
	}

	schedules := fees.DefaultSchedules()
	schedules[pit] = fees.FreeSchedule()
	fe := fees.New(schedules)
	rm := risk.NewManager(risk.DefaultLimits())
	vKalshi := arb.Venue{ID: kalshi, Catalog: ex, Books: ex}
	eng := arb.New(
		vKalshi, arb.Venue{ID: poly, Catalog: ex, Books: ex},
		matcher.New(matcher.DefaultConfig()),
		execution.NewPlanner(fe, edge.NewCalculator(fe), execution.DefaultPlannerConfig()),
		execution.NewCoordinator(map[domain.VenueID]ports.OrderRouter{kalshi: ex, poly: ex, pit: ex}, rm, execution.DefaultConfig()),
		rm, arb.Config{TargetQty: 10, DryRun: true},
		arb.WithVenuePair(vKalshi, arb.Venue{ID: pit, Catalog: ex, Books: ex}, matcher.New(matcher.DefaultConfig())),
	)

	res, err := eng.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.MarketsA)
	assert.Equal(t, 1, res.MarketsB)
	assert.Equal(t, 2, res.Pairs, "one matcher pass per venue pair")
	assert.Equal(t, 2, res.Tradeable)
	assert.Equal(t, 2, res.Plans)
	assert.Empty(t, ex.Orders(kalshi))
}

func TestRunOnce_OneVenueDownKeepsOtherPairs(t *testing.T) {
	const pit domain.VenueID = "predictit"
	h := newHarness(t, setup{dryRun: true})
	// predictit is not listed on the exchange, so its catalog fails.
	ex := sim.New([]domain.VenueID{kalshi})
	fe := fees.New(fees.DefaultSchedules())
	rm := risk.NewManager(risk.DefaultLimits())
	eng := arb.New(
		arb.Venue{ID: kalshi, Catalog: h.ex, Books: h.ex}, arb.Venue{ID: poly, Catalog: h.ex, Books: h.ex},
		matcher.New(matcher.DefaultConfig()),
		execution.NewPlanner(fe, edge.NewCalculator(fe), execution.DefaultPlannerConfig()),
		execution.NewCoordinator(map[domain.VenueID]ports.OrderRouter{kalshi: h.ex, poly: h.ex}, rm, execution.DefaultConfig()),
		rm, arb.Config{TargetQty: 10, DryRun: true},
		arb.WithVenuePair(arb.Venue{ID: kalshi, Catalog: h.ex, Books: h.ex}, arb.Venue{ID: pit, Catalog: ex, Books: ex}, matcher.New(matcher.DefaultConfig())),
	)

	res, err := eng.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Pairs)
	assert.Equal(t, 1, res.Plans)
}

func TestRunOnce_NoEdgeIsLogged(t *testing.T) {
	h := newHarness(t, setup{})
	// Same quotes on both venues: every direction loses the spread.
	require.NoError(t, h.ex.SetBook(domain.Book{
		Venue: poly, MarketID: "0xcpi-mar-26", OutcomeID: "yes", UpdatedAt: time.Now(),
		Bids: []domain.Level{{Price: 3900, Qty: 100}},
		Asks: []domain.Level{{Price: 4000, Qty: 100}},
	}))

	res, err := h.engine.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Zero(t, res.Plans)
	assert.Equal(t, 1, res.Skipped[arb.SkipNoEdge])
	require.Len(t, res.Decisions, 1)
	d := res.Decisions[0]
	assert.Equal(t, domain.DecisionRejected, d.Kind)
	assert.Contains(t, d.Reason, arb.SkipNoEdge)
	assert.Equal(t, arb.SkipNoEdge, d.Detail["skip"])
	assert.Empty(t, h.ex.Orders(kalshi))
}

func TestRunOnce_MarksOpenPositions(t *testing.T) {
	limits := risk.DefaultLimits()
	limits.MaxDailyLoss = decimal.NewFromInt(100)
	h := newHarness(t, setup{limits: limits})

	res, err := h.engine.RunOnce(context.Background())
	require.NoError(t, err)
	require.Len(t, res.Executions, 1)
	require.NotEmpty(t, h.risk.Holdings())

	// The long leg's market collapses while the short side holds.
	require.NoError(t, h.ex.SetBook(domain.Book{
		Venue: kalshi, MarketID: "KXCPI-26MAR-T0.3", OutcomeID: "yes", UpdatedAt: time.Now(),
		Bids: []domain.Level{{Price: 1000, Qty: 100}},
		Asks: []domain.Level{{Price: 1100, Qty: 100}},
	}))

	res, err = h.engine.RunOnce(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Halted)
	kinds := make([]domain.BreakerKind, 0, len(res.Breakers))
	for _, b := range res.Breakers {
		kinds = append(kinds, b.Kind)
	}
	assert.Contains(t, kinds, domain.BreakerDailyLoss)
	assert.True(t, h.risk.Snapshot().UnrealizedPnL.IsNegative())
	assert.Len(t, h.ex.Orders(kalshi), 1, "no new plan while halted")
}
