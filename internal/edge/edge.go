// Package edge computes the fee- and slippage-adjusted edge of a duplicate
// pair from the two venues' current books.
package edge

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alejandrodnm/pairarb/internal/domain"
)

// FeeModel is the part of the fee engine the calculator needs.
type FeeModel interface {
	Fee(venue domain.VenueID, role domain.Role, price, qty int64, marketID string) (int64, error)
}

// DefaultStaleAfter is the book age past which a quote is flagged stale.
const DefaultStaleAfter = 3 * time.Second

// Calculator turns two books into an EdgeQuote. It holds no state besides
// its configuration.
type Calculator struct {
	fees         FeeModel
	staleAfter   time.Duration
	makerImprove int64
	now          func() time.Time
}

// Option configura el Calculator.
type Option func(*Calculator)

// WithStaleAfter sets the staleness threshold.
func WithStaleAfter(d time.Duration) Option {
	return func(c *Calculator) {
		if d > 0 {
			c.staleAfter = d
		}
	}
}

// WithMakerImprove lets the maker leg step ticks inside the spread instead
// of joining the touch. It never locks or crosses the other side.
func WithMakerImprove(ticks int64) Option {
	return func(c *Calculator) {
		if ticks > 0 {
			c.makerImprove = ticks
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Calculator) { c.now = now }
}

// NewCalculator crea un Calculator.
func NewCalculator(fees FeeModel, opts ...Option) *Calculator {
	c := &Calculator{fees: fees, staleAfter: DefaultStaleAfter, now: time.Now}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Request describes one evaluation.
type Request struct {
	Pair      domain.DuplicatePair
	Link      domain.OutcomeLink
	Direction domain.Direction
	// BookA is the book of Link.AOutcome on venue A; BookB of Link.BOutcome.
	BookA domain.Book
	BookB domain.Book
	Qty   int64
	// MakerVenue, if set, prices that venue's leg as a post-only order
	// resting on its own side of the book, with the maker fee. Empty prices
	// both legs as takers.
	MakerVenue domain.VenueID
}

// LegRoute is where and how one leg trades.
type LegRoute struct {
	Venue     domain.VenueID
	MarketID  string
	OutcomeID string
	Side      domain.Side
}

// Routes returns the long and hedge legs for a direction. The long leg
// always buys; the hedge sells the linked outcome, or buys it when the link
// is inverted.
func Routes(pair domain.DuplicatePair, link domain.OutcomeLink, dir domain.Direction) (long, hedge LegRoute) {
	a := LegRoute{Venue: pair.A.Venue, MarketID: pair.A.ID, OutcomeID: link.AOutcome}
	b := LegRoute{Venue: pair.B.Venue, MarketID: pair.B.ID, OutcomeID: link.BOutcome}
	if dir == domain.BuyBSellA {
		a, b = b, a
	}
	long, hedge = a, b
	long.Side = domain.Buy
	hedge.Side = domain.Sell
	if link.Inverted {
		hedge.Side = domain.Buy
	}
	return long, hedge
}

// Quote computes the edge for one direction. When either book cannot fill
// Qty, the quote is computed at the reduced capacity and returned together
// with an error wrapping domain.ErrInsufficientDepth; callers should treat
// that as "smaller trade", not as failure. Capacity zero returns an empty
// quote and the same error.
func (c *Calculator) Quote(req Request) (domain.EdgeQuote, error) {
	if req.Qty <= 0 {
		return domain.EdgeQuote{}, fmt.Errorf("edge.Quote: qty %d: %w", req.Qty, domain.ErrInvalidInput)
	}
	if req.Direction != domain.BuyASellB && req.Direction != domain.BuyBSellA {
		return domain.EdgeQuote{}, fmt.Errorf("edge.Quote: direction %q: %w", req.Direction, domain.ErrInvalidInput)
	}

	now := c.now()
	long, hedge := Routes(req.Pair, req.Link, req.Direction)
	longBook, hedgeBook := req.BookA, req.BookB
	if req.Direction == domain.BuyBSellA {
		longBook, hedgeBook = req.BookB, req.BookA
	}

	capacity := min(req.Qty, longBook.Depth(long.Side), hedgeBook.Depth(hedge.Side))
	q := domain.EdgeQuote{
		PairID:    req.Pair.ID(),
		At:        now,
		Direction: req.Direction,
		Link:      req.Link,
		Requested: req.Qty,
		Capacity:  capacity,
		Stale:     longBook.Age(now) > c.staleAfter || hedgeBook.Age(now) > c.staleAfter,
		NetEdge:   decimal.Zero,
	}
	if capacity <= 0 {
		return q, fmt.Errorf("edge.Quote: %s no depth: %w", q.PairID, domain.ErrInsufficientDepth)
	}

	longLeg, err := c.leg(long, longBook, capacity, req.MakerVenue)
	if err != nil {
		return domain.EdgeQuote{}, fmt.Errorf("edge.Quote: long leg: %w", err)
	}
	hedgeLeg, err := c.leg(hedge, hedgeBook, capacity, req.MakerVenue)
	if err != nil {
		return domain.EdgeQuote{}, fmt.Errorf("edge.Quote: hedge leg: %w", err)
	}
	q.Long, q.Hedge = longLeg, hedgeLeg

	// Buy-side cost always includes the long leg. An inverted hedge is a
	// second purchase whose payout covers the other branch, so it behaves as
	// a sale at S−ask: proceeds are qty×S minus what we paid.
	buyCost := longLeg.Notional.Add(decimal.NewFromInt(longLeg.Fee))
	var sellProceeds decimal.Decimal
	if hedge.Side == domain.Sell {
		sellProceeds = hedgeLeg.Notional.Sub(decimal.NewFromInt(hedgeLeg.Fee))
	} else {
		payout := domain.Notional(domain.PriceScale, capacity)
		sellProceeds = payout.Sub(hedgeLeg.Notional).Sub(decimal.NewFromInt(hedgeLeg.Fee))
	}
	q.NetEdge = sellProceeds.Sub(buyCost)

	if req.Direction == domain.BuyASellB {
		q.PriceA, q.PriceB = longLeg.AvgPrice, hedgeLeg.AvgPrice
	} else {
		q.PriceA, q.PriceB = hedgeLeg.AvgPrice, longLeg.AvgPrice
	}

	if capacity < req.Qty {
		return q, fmt.Errorf("edge.Quote: %s capacity %d of %d: %w",
			q.PairID, capacity, req.Qty, domain.ErrInsufficientDepth)
	}
	return q, nil
}

// Best evaluates both directions and returns the one with the larger net
// edge. req.Direction is ignored. A direction with zero capacity loses.
func (c *Calculator) Best(req Request) (domain.EdgeQuote, error) {
	var (
		best    domain.EdgeQuote
		bestErr error
		found   bool
	)
	for _, dir := range []domain.Direction{domain.BuyASellB, domain.BuyBSellA} {
		r := req
		r.Direction = dir
		q, err := c.Quote(r)
		if err != nil && !errors.Is(err, domain.ErrInsufficientDepth) {
			return domain.EdgeQuote{}, err
		}
		if q.Capacity == 0 {
			if !found {
				bestErr = err
			}
			continue
		}
		if !found || q.NetEdge.GreaterThan(best.NetEdge) {
			best, bestErr, found = q, err, true
		}
	}
	if !found {
		return domain.EdgeQuote{}, bestErr
	}
	return best, bestErr
}

// Capacity returns the largest quantity both legs can fill for a direction.
func Capacity(pair domain.DuplicatePair, link domain.OutcomeLink, dir domain.Direction, bookA, bookB domain.Book) int64 {
	long, hedge := Routes(pair, link, dir)
	longBook, hedgeBook := bookA, bookB
	if dir == domain.BuyBSellA {
		longBook, hedgeBook = bookB, bookA
	}
	return min(longBook.Depth(long.Side), hedgeBook.Depth(hedge.Side))
}

func (c *Calculator) leg(route LegRoute, book domain.Book, qty int64, makerVenue domain.VenueID) (domain.LegQuote, error) {
	if makerVenue != "" && makerVenue == route.Venue {
		return c.makerLeg(route, book, qty)
	}

	w, err := Walk(book, route.Side, qty)
	if err != nil {
		return domain.LegQuote{}, err
	}

	var fee int64
	for _, f := range w.Fills {
		lf, err := c.fees.Fee(route.Venue, domain.Taker, f.Price, f.Qty, route.MarketID)
		if err != nil {
			return domain.LegQuote{}, err
		}
		fee += lf
	}

	return domain.LegQuote{
		Venue:      route.Venue,
		MarketID:   route.MarketID,
		OutcomeID:  route.OutcomeID,
		Side:       route.Side,
		Role:       domain.Taker,
		Qty:        w.Filled,
		AvgPrice:   w.AvgPrice(),
		BestPrice:  w.Best,
		WorstPrice: w.Worst,
		Slippage:   w.Slippage(),
		Notional:   domain.TicksToMinor(w.TickSum),
		Fee:        fee,
		Depth:      w.Depth,
	}, nil
}

// makerLeg prices a resting order: one price, one fill, maker fee.
func (c *Calculator) makerLeg(route LegRoute, book domain.Book, qty int64) (domain.LegQuote, error) {
	price, ok := RestingPrice(book, route.Side, c.makerImprove)
	if !ok {
		return domain.LegQuote{}, fmt.Errorf("edge: %s/%s no %s touch to rest at: %w",
			book.MarketID, book.OutcomeID, route.Side, domain.ErrInsufficientDepth)
	}
	fee, err := c.fees.Fee(route.Venue, domain.Maker, price, qty, route.MarketID)
	if err != nil {
		return domain.LegQuote{}, err
	}
	return domain.LegQuote{
		Venue:      route.Venue,
		MarketID:   route.MarketID,
		OutcomeID:  route.OutcomeID,
		Side:       route.Side,
		Role:       domain.Maker,
		Qty:        qty,
		AvgPrice:   decimal.NewFromInt(price),
		BestPrice:  price,
		WorstPrice: price,
		Slippage:   decimal.Zero,
		Notional:   domain.Notional(price, qty),
		Fee:        fee,
		Depth:      book.Depth(route.Side),
	}, nil
}
