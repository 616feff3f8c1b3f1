package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Direction says which venue holds the long leg of a paired trade.
type Direction string

const (
	// BuyASellB buys the A outcome and hedges on venue B.
	BuyASellB Direction = "buy_a_sell_b"
	// BuyBSellA buys the B outcome and hedges on venue A.
	BuyBSellA Direction = "buy_b_sell_a"
)

// Role is the liquidity role of an order or fill.
type Role string

const (
	Maker Role = "maker"
	Taker Role = "taker"
)

// LegQuote is the walk-the-book result for one leg.
type LegQuote struct {
	Venue     VenueID
	MarketID  string
	OutcomeID string
	Side      Side
	Role      Role
	Qty       int64
	// AvgPrice is the volume-weighted execution price in ticks.
	AvgPrice decimal.Decimal
	// BestPrice is the top-of-book price the walk started at.
	BestPrice int64
	// WorstPrice is the last level touched; a limit at this price fills Qty.
	WorstPrice int64
	// Slippage is AvgPrice minus BestPrice in ticks (absolute).
	Slippage decimal.Decimal
	// Notional is Σ price×qty in minor units, before fees.
	Notional decimal.Decimal
	Fee      int64
	// Depth is the quantity the book could supply at any price.
	Depth int64
}

// EdgeQuote is the ephemeral, fee-adjusted edge of a pair at one instant.
type EdgeQuote struct {
	PairID    string
	At        time.Time
	Direction Direction
	Link      OutcomeLink
	Long      LegQuote
	Hedge     LegQuote
	// PriceA and PriceB are the average execution prices on each venue.
	PriceA decimal.Decimal
	PriceB decimal.Decimal
	// NetEdge is sell-side net proceeds minus buy-side net cost, minor units.
	NetEdge decimal.Decimal
	// Requested is the quantity the caller asked for; Capacity is what
	// both legs can actually fill.
	Requested int64
	Capacity  int64
	Stale     bool
}

// Positive reports whether the quote has a strictly positive net edge.
func (q EdgeQuote) Positive() bool {
	return q.NetEdge.IsPositive()
}

// EdgePerContract returns NetEdge divided by capacity.
func (q EdgeQuote) EdgePerContract() decimal.Decimal {
	if q.Capacity <= 0 {
		return decimal.Zero
	}
	return q.NetEdge.Div(decimal.NewFromInt(q.Capacity))
}
