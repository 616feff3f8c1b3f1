package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Strategy names which venue rests the maker leg.
type Strategy string

const (
	MakeATakeB Strategy = "make_A_take_B"
	MakeBTakeA Strategy = "make_B_take_A"
)

// LegPlan is the intended order for one leg of a paired trade.
type LegPlan struct {
	Venue     VenueID
	MarketID  string
	OutcomeID string
	Side      Side
	Role      Role
	Price     int64 // limit, ticks
	Qty       int64
}

// TradePlan is produced by the planner and consumed by the coordinator.
// Leg1 is always the maker leg; Leg2 hedges it on the other venue.
type TradePlan struct {
	ID        string
	PairID    string
	PairKey   PairKey
	EventKey  string
	Category  string
	Strategy  Strategy
	Direction Direction
	TargetQty int64
	Leg1      LegPlan
	Leg2      LegPlan
	// ExpectedEdge is the quote's net edge at planning time, minor units.
	ExpectedEdge decimal.Decimal
	// ResolutionTime feeds the risk manager's time multiplier.
	ResolutionTime time.Time
	CreatedAt      time.Time
	Deadline       time.Time
}

// Notional returns the worst-case cost of both legs at their limits, used
// for exposure reservation.
func (p TradePlan) Notional() decimal.Decimal {
	return Notional(p.Leg1.Price, p.TargetQty).Add(Notional(p.Leg2.Price, p.TargetQty))
}

// Notional returns one leg's exposure at its limit price for qty contracts.
func (l LegPlan) Notional(qty int64) decimal.Decimal {
	return Notional(l.Price, qty)
}
