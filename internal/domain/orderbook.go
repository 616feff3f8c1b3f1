package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	// PriceScale is the number of price ticks in one currency unit, the
	// payout of a winning contract. A price of 4900 is a probability of 0.49.
	PriceScale int64 = 10_000
	// MinorPerUnit is the number of minor currency units (cents) per unit.
	MinorPerUnit int64 = 100
)

// Side is the direction of an order or a book walk.
type Side string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

// Level is one price level of a book.
type Level struct {
	Price int64 // ticks
	Qty   int64 // contracts
}

// Book is the latest snapshot of one outcome's order book on one venue.
// The core never mutates books; it only reads what the cache supplies.
type Book struct {
	Venue     VenueID
	MarketID  string
	OutcomeID string
	Sequence  int64
	Bids      []Level // best (highest) first
	Asks      []Level // best (lowest) first
	UpdatedAt time.Time
}

// BestBid returns the highest bid price.
func (b Book) BestBid() (int64, bool) {
	if len(b.Bids) == 0 {
		return 0, false
	}
	return b.Bids[0].Price, true
}

// BestAsk returns the lowest ask price.
func (b Book) BestAsk() (int64, bool) {
	if len(b.Asks) == 0 {
		return 0, false
	}
	return b.Asks[0].Price, true
}

// Crosses reports whether a limit order of the given side at price would
// trade against the book on arrival.
func (b Book) Crosses(side Side, price int64) bool {
	if side == Buy {
		ask, ok := b.BestAsk()
		return ok && price >= ask
	}
	bid, ok := b.BestBid()
	return ok && price <= bid
}

// Mid returns the midpoint between best bid and best ask, in ticks.
func (b Book) Mid() (decimal.Decimal, bool) {
	bid, okBid := b.BestBid()
	ask, okAsk := b.BestAsk()
	if !okBid || !okAsk {
		return decimal.Zero, false
	}
	return decimal.NewFromInt(bid + ask).Div(decimal.NewFromInt(2)), true
}

// MarkPrice values a position: the mid when both sides quote, otherwise
// the one side that does.
func (b Book) MarkPrice() (decimal.Decimal, bool) {
	if mid, ok := b.Mid(); ok {
		return mid, true
	}
	if bid, ok := b.BestBid(); ok {
		return decimal.NewFromInt(bid), true
	}
	if ask, ok := b.BestAsk(); ok {
		return decimal.NewFromInt(ask), true
	}
	return decimal.Zero, false
}

// Levels returns the side of the book a taker order of the given side walks:
// buys consume asks, sells consume bids.
func (b Book) Levels(taker Side) []Level {
	if taker == Buy {
		return b.Asks
	}
	return b.Bids
}

// Depth returns the total quantity available to a taker of the given side.
func (b Book) Depth(taker Side) int64 {
	var total int64
	for _, l := range b.Levels(taker) {
		total += l.Qty
	}
	return total
}

// Age returns how old the snapshot is.
func (b Book) Age(now time.Time) time.Duration {
	if b.UpdatedAt.IsZero() {
		return 0
	}
	return now.Sub(b.UpdatedAt)
}

// ValidPrice reports whether p is a price inside [0, PriceScale].
func ValidPrice(p int64) bool {
	return p >= 0 && p <= PriceScale
}

// TicksToMinor converts a ticks×contracts notional into minor units.
func TicksToMinor(ticks decimal.Decimal) decimal.Decimal {
	return ticks.Mul(decimal.NewFromInt(MinorPerUnit)).Div(decimal.NewFromInt(PriceScale))
}

// Notional returns the cost in minor units of qty contracts at price.
func Notional(price, qty int64) decimal.Decimal {
	return TicksToMinor(decimal.NewFromInt(price).Mul(decimal.NewFromInt(qty)))
}
