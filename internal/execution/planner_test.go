package execution_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alejandrodnm/pairarb/internal/domain"
	"github.com/alejandrodnm/pairarb/internal/edge"
	"github.com/alejandrodnm/pairarb/internal/execution"
	"github.com/alejandrodnm/pairarb/internal/fees"
)

func binaryMarket(venue domain.VenueID, id string) domain.Market {
	return domain.Market{
		Venue: venue, ID: id, Title: "CPI MoM above 0.3% in March",
		ResolutionTime: time.Now().Add(20 * 24 * time.Hour),
		EventKey:       "cpi-2026-03",
		Category:       "economics",
		Outcomes: []domain.Outcome{
			{ID: "yes", Label: "Yes", Type: domain.OutcomeBinary, Tags: map[string]string{domain.TagSide: "yes"}},
			{ID: "no", Label: "No", Type: domain.OutcomeBinary, Tags: map[string]string{domain.TagSide: "no"}},
		},
	}
}

func tradeablePair() domain.DuplicatePair {
	a, b := binaryMarket(kalshi, "K1"), binaryMarket(poly, "P1")
	return domain.DuplicatePair{
		Key:          domain.PairKey{A: a.Key(), B: b.Key()},
		A:            a,
		B:            b,
		SpecOK:       true,
		Confidence:   1,
		OutcomeLinks: []domain.OutcomeLink{{AOutcome: "yes", BOutcome: "yes"}},
	}
}

func planBooks() (domain.Book, domain.Book) {
	now := time.Now()
	a := domain.Book{Venue: kalshi, MarketID: "K1", OutcomeID: "yes", UpdatedAt: now,
		Bids: []domain.Level{{Price: 4400, Qty: 100}},
		Asks: []domain.Level{{Price: 4500, Qty: 100}},
	}
	b := domain.Book{Venue: poly, MarketID: "P1", OutcomeID: "yes", UpdatedAt: now,
		Bids: []domain.Level{{Price: 5000, Qty: 100}},
		Asks: []domain.Level{{Price: 5100, Qty: 100}},
	}
	return a, b
}

func newPlanner() *execution.Planner {
	f := fees.New(fees.DefaultSchedules())
	return execution.NewPlanner(f, edge.NewCalculator(f), execution.DefaultPlannerConfig())
}

func TestPlanner_MakerOnFeeVenue(t *testing.T) {
	p := newPlanner()
	pair := tradeablePair()
	bookA, bookB := planBooks()

	plan, quote, err := p.Plan(pair, pair.OutcomeLinks[0], bookA, bookB, 10)
	require.NoError(t, err)

	assert.Equal(t, domain.MakeATakeB, plan.Strategy)
	assert.Equal(t, domain.BuyASellB, plan.Direction)
	assert.Equal(t, int64(10), plan.TargetQty)

	assert.Equal(t, kalshi, plan.Leg1.Venue)
	assert.Equal(t, domain.Maker, plan.Leg1.Role)
	assert.Equal(t, domain.Buy, plan.Leg1.Side)
	assert.Equal(t, int64(4400), plan.Leg1.Price, "joins the bid, never lifts the ask")

	assert.Equal(t, poly, plan.Leg2.Venue)
	assert.Equal(t, domain.Taker, plan.Leg2.Role)
	assert.Equal(t, domain.Sell, plan.Leg2.Side)
	assert.Equal(t, int64(4900), plan.Leg2.Price, "worst level minus slippage allowance")

	assert.True(t, quote.NetEdge.Equal(plan.ExpectedEdge))
	assert.Equal(t, "cpi-2026-03", plan.EventKey)
	assert.Equal(t, "economics", plan.Category)
	assert.True(t, plan.Deadline.After(plan.CreatedAt))
}

func TestPlanner_MakerLegRestsOnItsOwnSide(t *testing.T) {
	f := fees.New(fees.DefaultSchedules())
	pair := tradeablePair()
	bookA, bookB := planBooks()

	p := execution.NewPlanner(f, edge.NewCalculator(f), execution.DefaultPlannerConfig())
	plan, quote, err := p.Plan(pair, pair.OutcomeLinks[0], bookA, bookB, 10)
	require.NoError(t, err)

	ask, _ := bookA.BestAsk()
	assert.Less(t, plan.Leg1.Price, ask)
	assert.False(t, bookA.Crosses(plan.Leg1.Side, plan.Leg1.Price))
	makerFee, err := f.Fee(kalshi, domain.Maker, plan.Leg1.Price, plan.TargetQty, "K1")
	require.NoError(t, err)
	assert.Equal(t, makerFee, quote.Long.Fee, "quoted fee is the fee of the role actually posted")

	improved := execution.NewPlanner(f, edge.NewCalculator(f, edge.WithMakerImprove(100)), execution.DefaultPlannerConfig())
	plan, _, err = improved.Plan(pair, pair.OutcomeLinks[0], bookA, bookB, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(4400), plan.Leg1.Price, "one cent inside would lock the ask")

	improved = execution.NewPlanner(f, edge.NewCalculator(f, edge.WithMakerImprove(50)), execution.DefaultPlannerConfig())
	plan, _, err = improved.Plan(pair, pair.OutcomeLinks[0], bookA, bookB, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(4450), plan.Leg1.Price)
}

func TestPlanner_MakerNeedsARestingReference(t *testing.T) {
	p := newPlanner()
	pair := tradeablePair()
	bookA, bookB := planBooks()
	bookA.Bids = nil

	_, _, err := p.Plan(pair, pair.OutcomeLinks[0], bookA, bookB, 10)
	assert.Error(t, err)
}

func TestPlanner_TieUsesDefaultStrategy(t *testing.T) {
	f := fees.New(map[domain.VenueID]fees.Schedule{kalshi: fees.FreeSchedule(), poly: fees.FreeSchedule()})
	cfg := execution.DefaultPlannerConfig()
	cfg.Default = domain.MakeBTakeA
	p := execution.NewPlanner(f, edge.NewCalculator(f), cfg)

	assert.Equal(t, domain.MakeBTakeA, p.Strategy(tradeablePair()))
}

func TestPlanner_NeverPlansBlacklistedPair(t *testing.T) {
	p := newPlanner()
	pair := tradeablePair()
	pair.Override = domain.OverrideBlacklist
	bookA, bookB := planBooks()

	_, _, err := p.Plan(pair, pair.OutcomeLinks[0], bookA, bookB, 10)
	assert.ErrorIs(t, err, domain.ErrNotTradeable)

	pair.Override = domain.OverrideNone
	pair.SpecOK = false
	_, _, err = p.Plan(pair, pair.OutcomeLinks[0], bookA, bookB, 10)
	assert.ErrorIs(t, err, domain.ErrNotTradeable)

	pair.Override = domain.OverrideForce
	_, _, err = p.Plan(pair, pair.OutcomeLinks[0], bookA, bookB, 10)
	assert.NoError(t, err, "forced pair is tradeable without passing checks")
}

func TestPlanner_SizesToCapacity(t *testing.T) {
	p := newPlanner()
	pair := tradeablePair()
	bookA, bookB := planBooks()
	bookB.Bids = []domain.Level{{Price: 5000, Qty: 7}}

	plan, quote, err := p.Plan(pair, pair.OutcomeLinks[0], bookA, bookB, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(7), quote.Capacity)
	assert.Equal(t, int64(7), plan.TargetQty)
	assert.Equal(t, int64(7), plan.Leg1.Qty)
}

func TestPlanner_SlippageCap(t *testing.T) {
	f := fees.New(fees.DefaultSchedules())
	cfg := execution.DefaultPlannerConfig()
	cfg.MaxSlippageTicks = 100
	p := execution.NewPlanner(f, edge.NewCalculator(f), cfg)

	pair := tradeablePair()
	bookA, bookB := planBooks()
	bookB.Bids = []domain.Level{{Price: 5000, Qty: 2}, {Price: 4000, Qty: 100}}

	_, _, err := p.Plan(pair, pair.OutcomeLinks[0], bookA, bookB, 10)
	assert.ErrorIs(t, err, execution.ErrSlippageCap)
}

func TestPlanner_EmptyBookHasNoCapacity(t *testing.T) {
	p := newPlanner()
	pair := tradeablePair()
	bookA, bookB := planBooks()
	bookB.Bids = nil
	bookB.Asks = nil

	_, _, err := p.Plan(pair, pair.OutcomeLinks[0], bookA, bookB, 10)
	assert.ErrorIs(t, err, domain.ErrInsufficientDepth)
}
