// Package risk gates trade plans against exposure limits, a dynamic edge
// threshold and circuit breakers.
package risk

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alejandrodnm/pairarb/internal/domain"
)

// Limits defines the risk parameters. Money is in minor units. A zero
// ceiling means "no limit" for that dimension.
type Limits struct {
	// Exposure ceilings
	MaxEventExposure decimal.Decimal
	MaxVenueExposure decimal.Decimal
	MaxTotalExposure decimal.Decimal

	// Daily limits, reset at UTC midnight
	MaxDailyTurnover decimal.Decimal
	MaxDailyTrades   int

	// Breakers
	MaxDailyLoss         decimal.Decimal // positive amount
	MaxConsecutiveLosses int
	MaxFeedLatency       time.Duration
	MaxStaleMarkets      int

	// Edge threshold
	MinEdge            decimal.Decimal // per plan
	MinEdgePerContract decimal.Decimal
	Multipliers        TimeMultipliers

	// Per-category overrides keyed by lowercase category tag.
	Categories map[string]CategoryLimits
}

// CategoryLimits overrides limits for one market category.
type CategoryLimits struct {
	MaxEventExposure decimal.Decimal // zero keeps the global ceiling
	EdgeMultiplier   decimal.Decimal // zero means 1
}

// TimeMultipliers scale the edge threshold as resolution approaches.
type TimeMultipliers struct {
	UnderHour decimal.Decimal
	UnderDay  decimal.Decimal
	UnderWeek decimal.Decimal
}

// DefaultLimits returns conservative default limits.
func DefaultLimits() Limits {
	return Limits{
		MaxEventExposure: decimal.NewFromInt(50_000),  // $500 per event
		MaxVenueExposure: decimal.NewFromInt(200_000), // $2000 per venue
		MaxTotalExposure: decimal.NewFromInt(300_000), // $3000 total

		MaxDailyTurnover: decimal.NewFromInt(1_000_000), // $10000
		MaxDailyTrades:   200,

		MaxDailyLoss:         decimal.NewFromInt(25_000), // $250
		MaxConsecutiveLosses: 5,
		MaxFeedLatency:       2 * time.Second,
		MaxStaleMarkets:      0,

		MinEdge:            decimal.NewFromInt(50),
		MinEdgePerContract: decimal.Zero,
		Multipliers:        DefaultTimeMultipliers(),
	}
}

// DefaultTimeMultipliers returns ×2 under 1h, ×1.5 under 1d, ×1.2 under 1w.
func DefaultTimeMultipliers() TimeMultipliers {
	return TimeMultipliers{
		UnderHour: decimal.NewFromInt(2),
		UnderDay:  decimal.RequireFromString("1.5"),
		UnderWeek: decimal.RequireFromString("1.2"),
	}
}

// For returns the multiplier for a time to resolution. Unknown or past
// resolution gets the under-an-hour multiplier.
func (t TimeMultipliers) For(ttr time.Duration) decimal.Decimal {
	switch {
	case ttr <= 0 || ttr < time.Hour:
		return orOne(t.UnderHour)
	case ttr < 24*time.Hour:
		return orOne(t.UnderDay)
	case ttr < 7*24*time.Hour:
		return orOne(t.UnderWeek)
	}
	return decimal.NewFromInt(1)
}

func orOne(d decimal.Decimal) decimal.Decimal {
	if d.IsZero() {
		return decimal.NewFromInt(1)
	}
	return d
}

// Limit names reported by RejectedError.
const (
	LimitBreaker       = "breaker"
	LimitStaleQuote    = "stale_quote"
	LimitMinEdge       = "min_edge"
	LimitEventExposure = "event_exposure"
	LimitVenueExposure = "venue_exposure"
	LimitTotalExposure = "total_exposure"
	LimitDailyTurnover = "daily_turnover"
	LimitDailyTrades   = "daily_trades"
	LimitInvalidPlan   = "invalid_plan"
)

// RejectedError names the limit a plan failed. It wraps domain.ErrRiskRejected.
type RejectedError struct {
	Limit  string
	Detail string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("risk rejected: %s: %s", e.Limit, e.Detail)
}

func (e *RejectedError) Unwrap() error {
	return domain.ErrRiskRejected
}

// LimitOf returns the failed limit of a rejection, or "" for other errors.
func LimitOf(err error) string {
	var re *RejectedError
	if errors.As(err, &re) {
		// venue_exposure:kalshi → venue_exposure
		name, _, _ := strings.Cut(re.Limit, ":")
		return name
	}
	return ""
}

func reject(limit, format string, args ...any) error {
	return &RejectedError{Limit: limit, Detail: fmt.Sprintf(format, args...)}
}
