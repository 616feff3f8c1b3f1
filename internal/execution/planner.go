// Package execution turns tradeable pairs into paired maker/taker orders and
// drives each plan through its state machine until both legs are hedged,
// unwound, or cancelled.
package execution

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/alejandrodnm/pairarb/internal/domain"
	"github.com/alejandrodnm/pairarb/internal/edge"
)

var (
	// ErrSlippageCap is returned when a leg would walk further than allowed.
	ErrSlippageCap = errors.New("slippage cap exceeded")
	// ErrMakerCrosses is returned when the maker leg would trade on arrival.
	ErrMakerCrosses = errors.New("maker limit crosses the book")
)

// MakerDiscounter is the part of the fee engine the planner needs.
type MakerDiscounter interface {
	MakerDiscount(venue domain.VenueID, marketID string) decimal.Decimal
}

// PlannerConfig holds the pricing knobs of the planner.
type PlannerConfig struct {
	// TakerSlippageTicks widens the hedge leg's limit beyond the worst
	// walked level.
	TakerSlippageTicks int64
	// MaxSlippageTicks rejects a plan whose walk slips further on either
	// leg. Zero disables the cap.
	MaxSlippageTicks int64
	// Deadline is how long a plan may take end to end.
	Deadline time.Duration
	// Default is used when both venues offer the same maker discount.
	Default domain.Strategy
}

// DefaultPlannerConfig returns the planner defaults.
func DefaultPlannerConfig() PlannerConfig {
	return PlannerConfig{
		TakerSlippageTicks: 100, // 1¢
		MaxSlippageTicks:   300,
		Deadline:           DefaultLeg1RestTimeout + DefaultLeg2Timeout,
		Default:            domain.MakeATakeB,
	}
}

// Planner builds TradePlans from pairs and books.
type Planner struct {
	fees MakerDiscounter
	calc *edge.Calculator
	cfg  PlannerConfig
	now  func() time.Time
}

// NewPlanner crea un Planner.
func NewPlanner(fees MakerDiscounter, calc *edge.Calculator, cfg PlannerConfig) *Planner {
	if cfg.Default == "" {
		cfg.Default = domain.MakeATakeB
	}
	return &Planner{fees: fees, calc: calc, cfg: cfg, now: time.Now}
}

// Strategy chooses the maker venue: the one whose maker fee saves most
// against its taker fee. Ties use the configured default.
func (p *Planner) Strategy(pair domain.DuplicatePair) domain.Strategy {
	da := p.fees.MakerDiscount(pair.A.Venue, pair.A.ID)
	db := p.fees.MakerDiscount(pair.B.Venue, pair.B.ID)
	switch {
	case da.GreaterThan(db):
		return domain.MakeATakeB
	case db.GreaterThan(da):
		return domain.MakeBTakeA
	}
	return p.cfg.Default
}

// Plan evaluates both directions of a pair for qty contracts and returns the
// plan for the better one, sized to what both books can fill. Only tradeable
// pairs are planned.
func (p *Planner) Plan(pair domain.DuplicatePair, link domain.OutcomeLink, bookA, bookB domain.Book, qty int64) (domain.TradePlan, domain.EdgeQuote, error) {
	if !pair.Tradeable() {
		return domain.TradePlan{}, domain.EdgeQuote{}, fmt.Errorf("execution.Plan: pair %s: %w", pair.ID(), domain.ErrNotTradeable)
	}

	strategy := p.Strategy(pair)
	makerVenue := pair.A.Venue
	if strategy == domain.MakeBTakeA {
		makerVenue = pair.B.Venue
	}

	quote, err := p.calc.Best(edge.Request{
		Pair: pair, Link: link, BookA: bookA, BookB: bookB, Qty: qty, MakerVenue: makerVenue,
	})
	if err != nil && !errors.Is(err, domain.ErrInsufficientDepth) {
		return domain.TradePlan{}, domain.EdgeQuote{}, fmt.Errorf("execution.Plan: %w", err)
	}
	if quote.Capacity <= 0 {
		return domain.TradePlan{}, quote, fmt.Errorf("execution.Plan: pair %s: %w", pair.ID(), domain.ErrInsufficientDepth)
	}
	for _, l := range []domain.LegQuote{quote.Long, quote.Hedge} {
		if p.cfg.MaxSlippageTicks > 0 && l.Slippage.GreaterThan(decimal.NewFromInt(p.cfg.MaxSlippageTicks)) {
			return domain.TradePlan{}, quote, fmt.Errorf("execution.Plan: %s slips %s ticks: %w",
				l.Venue, l.Slippage.StringFixed(1), ErrSlippageCap)
		}
	}

	maker, taker := quote.Long, quote.Hedge
	if taker.Venue == makerVenue {
		maker, taker = taker, maker
	}
	makerBook := bookA
	if makerVenue == pair.B.Venue {
		makerBook = bookB
	}
	if maker.Role != domain.Maker || makerBook.Crosses(maker.Side, maker.BestPrice) {
		return domain.TradePlan{}, quote, fmt.Errorf("execution.Plan: %s %s at %d: %w",
			maker.Venue, maker.Side, maker.BestPrice, ErrMakerCrosses)
	}

	now := p.now()
	plan := domain.TradePlan{
		ID:             uuid.NewString(),
		PairID:         pair.ID(),
		PairKey:        pair.Key,
		EventKey:       pair.EventKey(),
		Category:       pair.Category(),
		Strategy:       strategy,
		Direction:      quote.Direction,
		TargetQty:      quote.Capacity,
		Leg1:           legPlan(maker, domain.Maker, maker.BestPrice, quote.Capacity),
		Leg2:           legPlan(taker, domain.Taker, takerLimit(taker, p.cfg.TakerSlippageTicks), quote.Capacity),
		ExpectedEdge:   quote.NetEdge,
		ResolutionTime: pair.ResolutionTime(),
		CreatedAt:      now,
		Deadline:       now.Add(p.cfg.Deadline),
	}
	return plan, quote, nil
}

func legPlan(q domain.LegQuote, role domain.Role, price, qty int64) domain.LegPlan {
	return domain.LegPlan{
		Venue:     q.Venue,
		MarketID:  q.MarketID,
		OutcomeID: q.OutcomeID,
		Side:      q.Side,
		Role:      role,
		Price:     price,
		Qty:       qty,
	}
}

// takerLimit is the worst walked level widened by the slippage allowance.
func takerLimit(q domain.LegQuote, slip int64) int64 {
	if q.Side == domain.Buy {
		return clampPrice(q.WorstPrice + slip)
	}
	return clampPrice(q.WorstPrice - slip)
}

func clampPrice(p int64) int64 {
	return max(0, min(domain.PriceScale, p))
}
