package sim_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alejandrodnm/pairarb/internal/adapters/sim"
	"github.com/alejandrodnm/pairarb/internal/domain"
)

const venueA = domain.VenueKalshi

func newExchange(t *testing.T) *sim.Exchange {
	t.Helper()
	ex := sim.New([]domain.VenueID{domain.VenueKalshi, domain.VenuePolymarket})
	require.NoError(t, ex.SetBook(domain.Book{
		Venue: venueA, MarketID: "M1", OutcomeID: "yes",
		Bids: []domain.Level{{Price: 4800, Qty: 50}},
		Asks: []domain.Level{{Price: 5000, Qty: 30}, {Price: 5100, Qty: 30}},
	}))
	return ex
}

func order(key string, side domain.Side, role domain.Role, price, qty int64) domain.Order {
	return domain.Order{
		ID: "local-" + key, IdempotencyKey: key, Venue: venueA,
		MarketID: "M1", OutcomeID: "yes", Side: side, Role: role, Price: price, Qty: qty,
	}
}

func collect(t *testing.T, ch <-chan domain.Fill, n int) []domain.Fill {
	t.Helper()
	var out []domain.Fill
	timeout := time.After(2 * time.Second)
	for len(out) < n {
		select {
		case f := <-ch:
			out = append(out, f)
		case <-timeout:
			t.Fatalf("got %d of %d fills", len(out), n)
		}
	}
	return out
}

func TestExchange_TakerCrossesAndConsumesBook(t *testing.T) {
	ex := newExchange(t)
	ctx := context.Background()

	ack, err := ex.SubmitOrder(ctx, order("k1", domain.Buy, domain.Taker, 5100, 40))
	require.NoError(t, err)
	assert.Equal(t, domain.OrderFilled, ack.Status)
	assert.Equal(t, int64(40), ack.FilledQty)

	fills := ex.Fills()
	require.Len(t, fills, 2)
	assert.Equal(t, int64(5000), fills[0].Price)
	assert.Equal(t, int64(30), fills[0].Qty)
	assert.Equal(t, int64(5100), fills[1].Price)
	assert.Equal(t, int64(10), fills[1].Qty)

	book, err := ex.GetLatestBook(ctx, venueA, "M1", "yes")
	require.NoError(t, err)
	require.Len(t, book.Asks, 1)
	assert.Equal(t, domain.Level{Price: 5100, Qty: 20}, book.Asks[0])
}

func TestExchange_TakerRespectsLimit(t *testing.T) {
	ex := newExchange(t)
	ack, err := ex.SubmitOrder(context.Background(), order("k1", domain.Buy, domain.Taker, 5000, 40))
	require.NoError(t, err)
	assert.Equal(t, domain.OrderPartial, ack.Status)
	assert.Equal(t, int64(30), ack.FilledQty)
}

func TestExchange_MakerIsPostOnly(t *testing.T) {
	ex := newExchange(t)
	ctx := context.Background()

	_, err := ex.SubmitOrder(ctx, order("lift", domain.Buy, domain.Maker, 5000, 10))
	require.ErrorIs(t, err, domain.ErrVenueError, "maker buy at the ask would take liquidity")
	_, err = ex.SubmitOrder(ctx, order("hit", domain.Sell, domain.Maker, 4800, 10))
	require.ErrorIs(t, err, domain.ErrVenueError)
	assert.Empty(t, ex.Orders(venueA))
	assert.Empty(t, ex.Fills())

	_, err = ex.SubmitOrder(ctx, order("rest", domain.Buy, domain.Maker, 4800, 10))
	require.NoError(t, err, "joining the bid rests")
}

func TestExchange_IdempotencyKeyDeduplicates(t *testing.T) {
	ex := newExchange(t)
	ctx := context.Background()
	o := order("dup", domain.Buy, domain.Maker, 4900, 10)

	ex.SetScript(venueA, sim.Script{})
	first, err := ex.SubmitOrder(ctx, o)
	require.NoError(t, err)
	second, err := ex.SubmitOrder(ctx, o)
	require.NoError(t, err)

	assert.Equal(t, first.VenueOrderID, second.VenueOrderID)
	assert.Len(t, ex.Orders(venueA), 1)
}

func TestExchange_DroppedAckStillCreatesOrder(t *testing.T) {
	ex := newExchange(t)
	ctx := context.Background()
	ex.SetScript(venueA, sim.Script{})
	ex.DropAcks(venueA, 1)

	_, err := ex.SubmitOrder(ctx, order("lost", domain.Buy, domain.Maker, 4900, 10))
	require.ErrorIs(t, err, domain.ErrVenueTimeout)

	ack, err := ex.OrderStatus(ctx, venueA, "lost")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderWorking, ack.Status)

	_, err = ex.OrderStatus(ctx, venueA, "never-sent")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestExchange_MakerFillsPerScript(t *testing.T) {
	ex := newExchange(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ex.SetScript(venueA, sim.Script{MakerFillRatio: 0.6, MakerFillDelay: 5 * time.Millisecond, MakerChunks: 2})

	ack, err := ex.SubmitOrder(ctx, order("m", domain.Buy, domain.Maker, 4900, 10))
	require.NoError(t, err)
	ch, err := ex.SubscribeFills(ctx, venueA, ack.VenueOrderID)
	require.NoError(t, err)

	fills := collect(t, ch, 2)
	assert.Equal(t, int64(3), fills[0].Qty)
	assert.Equal(t, int64(3), fills[1].Qty)
	assert.Equal(t, int64(4900), fills[0].Price)
	assert.Equal(t, domain.Maker, fills[0].Role)

	require.NoError(t, ex.CancelOrder(ctx, venueA, ack.VenueOrderID))
	st, err := ex.OrderStatus(ctx, venueA, "m")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderCancelled, st.Status)
	assert.Equal(t, int64(6), st.FilledQty)
}

func TestExchange_SubscribeReplaysEarlierFills(t *testing.T) {
	ex := newExchange(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ex.SetScript(venueA, sim.Script{})

	ack, err := ex.SubmitOrder(ctx, order("r", domain.Sell, domain.Maker, 5200, 10))
	require.NoError(t, err)
	require.NoError(t, ex.Fill(venueA, ack.VenueOrderID, 4))

	ch, err := ex.SubscribeFills(ctx, venueA, ack.VenueOrderID)
	require.NoError(t, err)
	require.NoError(t, ex.Fill(venueA, ack.VenueOrderID, 20)) // capped at remaining

	fills := collect(t, ch, 2)
	assert.Equal(t, int64(4), fills[0].Qty)
	assert.Equal(t, int64(6), fills[1].Qty)
}

func TestExchange_RejectAndFreeze(t *testing.T) {
	ex := newExchange(t)
	ex.RejectNext(venueA, 1)
	_, err := ex.SubmitOrder(context.Background(), order("x", domain.Buy, domain.Taker, 5000, 1))
	assert.ErrorIs(t, err, domain.ErrVenueError)

	ex.Freeze(venueA, true)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = ex.SubmitOrder(ctx, order("y", domain.Buy, domain.Taker, 5000, 1))
	assert.ErrorIs(t, err, domain.ErrVenueTimeout)
	assert.Empty(t, ex.Orders(venueA))
}

func TestExchange_StaleBooksAndHealth(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	ex := sim.New([]domain.VenueID{venueA}, sim.WithClock(clock), sim.WithStaleAfter(3*time.Second))
	require.NoError(t, ex.SetBook(domain.Book{Venue: venueA, MarketID: "M1", OutcomeID: "yes"}))

	_, err := ex.GetLatestBook(context.Background(), venueA, "M1", "yes")
	require.NoError(t, err)

	now = now.Add(5 * time.Second)
	_, err = ex.GetLatestBook(context.Background(), venueA, "M1", "yes")
	assert.True(t, errors.Is(err, domain.ErrStale))

	h, err := ex.Health(context.Background(), venueA)
	require.NoError(t, err)
	assert.Equal(t, 1, h.StaleMarkets)
	assert.True(t, h.Connected)

	_, err = ex.GetLatestBook(context.Background(), venueA, "M2", "yes")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	// Touch re-stamps every book: fresh again, sequence advanced.
	ex.Touch()
	b, err := ex.GetLatestBook(context.Background(), venueA, "M1", "yes")
	require.NoError(t, err)
	assert.Equal(t, now, b.UpdatedAt)
	assert.Equal(t, int64(2), b.Sequence)
}

func TestLoadFixture(t *testing.T) {
	path := filepath.Join(t.TempDir(), "paper.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
markets:
  - venue: kalshi
    id: CPI-MAR
    title: "CPI MoM above 0.3%"
    resolution_source: https://www.bls.gov/cpi/
    resolution_time: 2026-04-10T12:30:00Z
    category: economics
    tags: {metric: cpi, period: 2026-03}
    outcomes:
      - {id: "yes", label: "Yes", tags: {side: "yes"}}
      - {id: "no", label: "No", tags: {side: "no"}}
books:
  - venue: kalshi
    market: CPI-MAR
    outcome: "yes"
    bids: [[4800, 100]]
    asks: [[4900, 100], [5000, 50]]
scripts:
  kalshi:
    maker_fill_ratio: 0.5
    maker_fill_delay: 2s
`), 0o600))

	f, err := sim.LoadFixture(path)
	require.NoError(t, err)
	require.Len(t, f.Markets, 1)
	assert.Equal(t, 2*time.Second, f.Scripts["kalshi"].MakerFillDelay)

	ex := sim.New([]domain.VenueID{venueA})
	require.NoError(t, ex.Apply(f, nil))

	markets, err := ex.ListMarkets(context.Background(), venueA)
	require.NoError(t, err)
	require.Len(t, markets, 1)
	assert.Equal(t, "economics", markets[0].Category)
	assert.Equal(t, domain.OutcomeBinary, markets[0].Outcomes[0].Type)
	assert.Equal(t, time.Date(2026, 4, 10, 12, 30, 0, 0, time.UTC), markets[0].ResolutionTime.UTC())

	book, err := ex.GetLatestBook(context.Background(), venueA, "CPI-MAR", "yes")
	require.NoError(t, err)
	assert.Equal(t, int64(150), book.Depth(domain.Buy))
}
