package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// BreakerKind identifies a circuit breaker.
type BreakerKind string

const (
	BreakerDailyLoss         BreakerKind = "daily_loss"
	BreakerConsecutiveLosses BreakerKind = "consecutive_losses"
	BreakerVenueDisconnected BreakerKind = "venue_disconnected"
	BreakerStaleData         BreakerKind = "stale_data"
	BreakerFeedLatency       BreakerKind = "feed_latency"
	BreakerUnwindFailure     BreakerKind = "unwind_failure"
	BreakerOrderUnknown      BreakerKind = "order_unknown"
)

// SelfClearing reports whether the breaker clears on its own once its
// condition is false. The others also need a manual clear.
func (k BreakerKind) SelfClearing() bool {
	switch k {
	case BreakerStaleData, BreakerFeedLatency, BreakerVenueDisconnected:
		return true
	}
	return false
}

// Breaker is one tripped (or held) circuit breaker.
type Breaker struct {
	Kind   BreakerKind
	Venue  VenueID // empty for global breakers
	Reason string
	// Condition is true while the originating condition still holds.
	Condition bool
	// ManualHold is set for breakers that need an operator clear.
	ManualHold bool
	TrippedAt  time.Time
}

// Active reports whether the breaker still halts trading.
func (b Breaker) Active() bool {
	return b.Condition || b.ManualHold
}

// BreakerID is the map key of a breaker.
func BreakerID(kind BreakerKind, venue VenueID) string {
	if venue == "" {
		return string(kind)
	}
	return string(kind) + ":" + string(venue)
}

// Instrument identifies one outcome book on one venue.
type Instrument struct {
	Venue     VenueID
	MarketID  string
	OutcomeID string
}

// Holding is the open quantity of one outcome within an event. Qty is
// signed: positive long, negative short.
type Holding struct {
	EventKey   string
	Instrument Instrument
	Qty        int64
	// AvgPrice is the average entry price in ticks.
	AvgPrice decimal.Decimal
	// Mark is the last valuation price in ticks. Zero means never marked.
	Mark decimal.Decimal
}

// Unrealized returns qty×(mark−entry) in minor units, or zero before the
// first mark.
func (h Holding) Unrealized() decimal.Decimal {
	if h.Mark.IsZero() || h.Qty == 0 {
		return decimal.Zero
	}
	return TicksToMinor(h.Mark.Sub(h.AvgPrice).Mul(decimal.NewFromInt(h.Qty)))
}

// RiskState is a point-in-time copy of the risk manager's books.
type RiskState struct {
	// Positions is filled exposure per event and venue, minor units. It is
	// the only exposure field Restore reads; the maps below are derived.
	Positions     map[string]map[VenueID]decimal.Decimal
	EventExposure map[string]decimal.Decimal
	VenueExposure map[VenueID]decimal.Decimal
	// Reserved exposure for in-flight plans.
	EventReserved map[string]decimal.Decimal
	VenueReserved map[VenueID]decimal.Decimal
	Turnover      decimal.Decimal
	TradeCount    int
	// Holdings are the open quantities behind Positions, used to mark to
	// market.
	Holdings      []Holding
	RealizedPnL   decimal.Decimal
	UnrealizedPnL decimal.Decimal
	// ConsecutiveLosses counts losing trades since the last winner.
	ConsecutiveLosses int
	Breakers          []Breaker
	Day               time.Time // UTC midnight of the current trading day
	TakenAt           time.Time
}

// TotalExposure sums filled venue exposure.
func (s RiskState) TotalExposure() decimal.Decimal {
	total := decimal.Zero
	for _, v := range s.VenueExposure {
		total = total.Add(v)
	}
	return total
}

// HealthStatus mirrors the venue feed's self-reported state.
type HealthStatus string

const (
	HealthHealthy  HealthStatus = "healthy"
	HealthDegraded HealthStatus = "degraded"
	HealthDown     HealthStatus = "down"
)

// VenueHealth is a health event emitted by a venue adapter.
type VenueHealth struct {
	Venue        VenueID
	Status       HealthStatus
	Connected    bool
	LatencyP50   time.Duration
	LatencyP95   time.Duration
	StaleMarkets int
	Reason       string
	At           time.Time
}
