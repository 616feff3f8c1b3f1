package edge

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/alejandrodnm/pairarb/internal/domain"
)

// WalkResult is the outcome of sweeping one side of a book.
type WalkResult struct {
	Filled int64
	// Fills has one entry per level touched; the venue reports one fill
	// per level, so fees are charged per entry.
	Fills []domain.Level
	// TickSum is Σ price×qty over Fills.
	TickSum decimal.Decimal
	Best    int64
	Worst   int64
	Depth   int64
}

// AvgPrice returns the volume-weighted price in ticks.
func (w WalkResult) AvgPrice() decimal.Decimal {
	if w.Filled == 0 {
		return decimal.Zero
	}
	return w.TickSum.Div(decimal.NewFromInt(w.Filled))
}

// Slippage returns how far the average is from the touch, in ticks,
// always non-negative.
func (w WalkResult) Slippage() decimal.Decimal {
	if w.Filled == 0 {
		return decimal.Zero
	}
	return w.AvgPrice().Sub(decimal.NewFromInt(w.Best)).Abs()
}

// Walk sums levels of the side a taker of the given side consumes until qty
// is exhausted. If the book runs out the partial result is returned together
// with an error wrapping domain.ErrInsufficientDepth.
func Walk(book domain.Book, taker domain.Side, qty int64) (WalkResult, error) {
	if qty <= 0 {
		return WalkResult{}, fmt.Errorf("edge.Walk: qty %d: %w", qty, domain.ErrInvalidInput)
	}

	levels := book.Levels(taker)
	res := WalkResult{Depth: book.Depth(taker), TickSum: decimal.Zero}
	remaining := qty
	for i, l := range levels {
		if !domain.ValidPrice(l.Price) || l.Qty < 0 {
			return WalkResult{}, fmt.Errorf("edge.Walk: %s/%s level %d (%d@%d): %w",
				book.MarketID, book.OutcomeID, i, l.Qty, l.Price, domain.ErrInvalidInput)
		}
		if remaining == 0 {
			break
		}
		if l.Qty == 0 {
			continue
		}
		take := min(l.Qty, remaining)
		if res.Filled == 0 {
			res.Best = l.Price
		}
		res.Fills = append(res.Fills, domain.Level{Price: l.Price, Qty: take})
		res.TickSum = res.TickSum.Add(decimal.NewFromInt(l.Price).Mul(decimal.NewFromInt(take)))
		res.Worst = l.Price
		res.Filled += take
		remaining -= take
	}

	if remaining > 0 {
		return res, fmt.Errorf("edge.Walk: %s/%s %s wanted %d, book has %d: %w",
			book.MarketID, book.OutcomeID, taker, qty, res.Filled, domain.ErrInsufficientDepth)
	}
	return res, nil
}

// RestingPrice is where a post-only order of the given side joins the book:
// the best bid for a buy, the best ask for a sell, moved improve ticks toward
// the spread as long as that does not lock or cross the other side. It
// reports false when the side is empty or the book is already crossed.
func RestingPrice(book domain.Book, side domain.Side, improve int64) (int64, bool) {
	bid, okBid := book.BestBid()
	ask, okAsk := book.BestAsk()
	if side == domain.Buy {
		if !okBid || (okAsk && bid >= ask) {
			return 0, false
		}
		if p := bid + improve; improve > 0 && (!okAsk || p < ask) && domain.ValidPrice(p) {
			return p, true
		}
		return bid, true
	}
	if !okAsk || (okBid && ask <= bid) {
		return 0, false
	}
	if p := ask - improve; improve > 0 && (!okBid || p > bid) && domain.ValidPrice(p) {
		return p, true
	}
	return ask, true
}
