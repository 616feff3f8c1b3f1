// Package fees computes venue trading fees in minor currency units.
//
// Venues differ only in their coefficients: a fee is
// ceil(coeff × p × (1−p) × qty × MinorPerUnit) with p = price/PriceScale,
// floored at one minor unit whenever both qty and coeff are positive.
// A zero schedule models a fee-free venue.
package fees

import (
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/alejandrodnm/pairarb/internal/domain"
)

// Coefficients are the fee multipliers a venue applies to one market.
type Coefficients struct {
	Taker decimal.Decimal
	Maker decimal.Decimal
}

// For returns the coefficient for a liquidity role.
func (c Coefficients) For(role domain.Role) decimal.Decimal {
	if role == domain.Maker {
		return c.Maker
	}
	return c.Taker
}

// Schedule is the fee configuration of one venue.
type Schedule struct {
	TakerCoeff decimal.Decimal
	MakerCoeff decimal.Decimal
	// MakerOverrideCoeff applies to markets listed in MakerOverrideMarkets.
	MakerOverrideCoeff   decimal.Decimal
	MakerOverrideMarkets map[string]struct{}
}

// KalshiSchedule returns the taker-fee venue's published schedule.
func KalshiSchedule() Schedule {
	return Schedule{
		TakerCoeff:         decimal.RequireFromString("0.07"),
		MakerCoeff:         decimal.Zero,
		MakerOverrideCoeff: decimal.RequireFromString("0.0175"),
	}
}

// FreeSchedule returns a schedule that never charges.
func FreeSchedule() Schedule {
	return Schedule{}
}

// DefaultSchedules returns the schedules of the built-in venues.
func DefaultSchedules() map[domain.VenueID]Schedule {
	return map[domain.VenueID]Schedule{
		domain.VenueKalshi:     KalshiSchedule(),
		domain.VenuePolymarket: FreeSchedule(),
	}
}

// Engine is a pure fee calculator. Its schedules can be swapped at runtime
// on config reload; Fee itself has no side effects.
type Engine struct {
	mu        sync.RWMutex
	schedules map[domain.VenueID]Schedule
}

// New crea un Engine con los schedules dados (se copian).
func New(schedules map[domain.VenueID]Schedule) *Engine {
	e := &Engine{schedules: make(map[domain.VenueID]Schedule, len(schedules))}
	for v, s := range schedules {
		e.schedules[v] = copySchedule(s)
	}
	return e
}

// FeeScheduleFor returns the coefficients the venue applies to marketID.
func (e *Engine) FeeScheduleFor(venue domain.VenueID, marketID string) (Coefficients, error) {
	e.mu.RLock()
	s, ok := e.schedules[venue]
	e.mu.RUnlock()
	if !ok {
		return Coefficients{}, fmt.Errorf("fees.FeeScheduleFor: unknown venue %q: %w", venue, domain.ErrInvalidInput)
	}
	c := Coefficients{Taker: s.TakerCoeff, Maker: s.MakerCoeff}
	if _, ok := s.MakerOverrideMarkets[marketID]; ok {
		c.Maker = s.MakerOverrideCoeff
	}
	return c, nil
}

// Fee returns the fee in minor units for a single fill.
func (e *Engine) Fee(venue domain.VenueID, role domain.Role, price, qty int64, marketID string) (int64, error) {
	coeffs, err := e.FeeScheduleFor(venue, marketID)
	if err != nil {
		return 0, err
	}
	return Compute(coeffs.For(role), price, qty)
}

// FeeForFills sums fees fill by fill. Rounding happens once per fill, so
// fewer larger fills never cost more than many small ones.
func (e *Engine) FeeForFills(fills []domain.Fill) (int64, error) {
	var total int64
	for _, f := range fills {
		fee, err := e.Fee(f.Venue, f.Role, f.Price, f.Qty, f.MarketID)
		if err != nil {
			return 0, fmt.Errorf("fees.FeeForFills: fill %s: %w", f.ID, err)
		}
		total += fee
	}
	return total, nil
}

// MakerDiscount returns how much cheaper making is than taking on venue,
// as a coefficient difference. Used to pick the maker leg.
func (e *Engine) MakerDiscount(venue domain.VenueID, marketID string) decimal.Decimal {
	c, err := e.FeeScheduleFor(venue, marketID)
	if err != nil {
		return decimal.Zero
	}
	return c.Taker.Sub(c.Maker)
}

// SetSchedule replaces one venue's schedule.
func (e *Engine) SetSchedule(venue domain.VenueID, s Schedule) {
	e.mu.Lock()
	e.schedules[venue] = copySchedule(s)
	e.mu.Unlock()
}

// SetOverrides replaces the maker-override market set of a venue.
func (e *Engine) SetOverrides(venue domain.VenueID, marketIDs []string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.schedules[venue]
	if !ok {
		return fmt.Errorf("fees.SetOverrides: unknown venue %q: %w", venue, domain.ErrInvalidInput)
	}
	s.MakerOverrideMarkets = toSet(marketIDs)
	e.schedules[venue] = s
	return nil
}

// Compute applies one coefficient to one fill.
func Compute(coeff decimal.Decimal, price, qty int64) (int64, error) {
	if !domain.ValidPrice(price) {
		return 0, fmt.Errorf("fees.Compute: price %d outside [0,%d]: %w", price, domain.PriceScale, domain.ErrInvalidInput)
	}
	if qty <= 0 {
		return 0, fmt.Errorf("fees.Compute: qty %d: %w", qty, domain.ErrInvalidInput)
	}
	if coeff.IsNegative() {
		return 0, fmt.Errorf("fees.Compute: negative coefficient %s: %w", coeff, domain.ErrInvalidInput)
	}
	if coeff.IsZero() {
		return 0, nil
	}

	// coeff × P × (S−P) × qty × minor / S², exact until the final ceil.
	scale := decimal.NewFromInt(domain.PriceScale)
	raw := coeff.
		Mul(decimal.NewFromInt(price)).
		Mul(decimal.NewFromInt(domain.PriceScale - price)).
		Mul(decimal.NewFromInt(qty)).
		Mul(decimal.NewFromInt(domain.MinorPerUnit)).
		Div(scale.Mul(scale))

	fee := raw.Ceil().IntPart()
	if fee < 1 {
		fee = 1
	}
	return fee, nil
}

func copySchedule(s Schedule) Schedule {
	out := s
	out.MakerOverrideMarkets = make(map[string]struct{}, len(s.MakerOverrideMarkets))
	for id := range s.MakerOverrideMarkets {
		out.MakerOverrideMarkets[id] = struct{}{}
	}
	return out
}

func toSet(ids []string) map[string]struct{} {
	m := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		m[id] = struct{}{}
	}
	return m
}
