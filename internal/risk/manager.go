package risk

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/alejandrodnm/pairarb/internal/domain"
	"github.com/alejandrodnm/pairarb/internal/metrics"
	"github.com/alejandrodnm/pairarb/internal/ports"
)

// Reservation is capacity held for an in-flight plan.
type Reservation struct {
	ID       string
	PlanID   string
	EventKey string
	// Venue is the remaining reserved exposure per venue.
	Venue     map[domain.VenueID]decimal.Decimal
	Turnover  decimal.Decimal
	Committed bool
	CreatedAt time.Time
}

func (r *Reservation) total() decimal.Decimal {
	t := decimal.Zero
	for _, v := range r.Venue {
		t = t.Add(v)
	}
	return t
}

// Manager is the single owner of risk state. Every method takes the same
// mutex, so checks and reservations are atomic relative to each other.
type Manager struct {
	mu     sync.Mutex
	limits Limits
	now    func() time.Time
	store  ports.RiskStore
	m      *metrics.Metrics

	positions    map[string]map[domain.VenueID]decimal.Decimal
	holdings     map[string]map[domain.Instrument]*domain.Holding
	reservations map[string]*Reservation
	turnover     decimal.Decimal
	tradeCount   int
	realized     decimal.Decimal
	unrealized   decimal.Decimal
	consecutive  int
	breakers     map[string]*domain.Breaker
	day          time.Time
}

// Option configura el Manager.
type Option func(*Manager)

// WithClock injects the clock used for the daily reset and breaker times.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithStore enables Persist.
func WithStore(s ports.RiskStore) Option {
	return func(m *Manager) { m.store = s }
}

// WithMetrics records rejections and breaker state.
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Manager) { m.m = mt }
}

// NewManager creates a risk manager with the given limits.
func NewManager(limits Limits, opts ...Option) *Manager {
	m := &Manager{
		limits:       limits,
		now:          time.Now,
		positions:    make(map[string]map[domain.VenueID]decimal.Decimal),
		holdings:     make(map[string]map[domain.Instrument]*domain.Holding),
		reservations: make(map[string]*Reservation),
		breakers:     make(map[string]*domain.Breaker),
	}
	for _, o := range opts {
		o(m)
	}
	m.day = utcDay(m.now())
	return m
}

// SetLimits swaps limits on config reload. Existing exposure is kept.
func (m *Manager) SetLimits(l Limits) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.limits = l
	m.evaluateLossBreakers()
}

// Threshold returns the minimum net edge a plan must clear.
func (m *Manager) Threshold(plan domain.TradePlan, qty int64) decimal.Decimal {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.thresholdLocked(plan, qty)
}

func (m *Manager) thresholdLocked(plan domain.TradePlan, qty int64) decimal.Decimal {
	base := m.limits.MinEdge.Add(m.limits.MinEdgePerContract.Mul(decimal.NewFromInt(qty)))
	ttr := time.Duration(0)
	if !plan.ResolutionTime.IsZero() {
		ttr = plan.ResolutionTime.Sub(m.now())
	}
	t := base.Mul(m.limits.Multipliers.For(ttr))
	if c, ok := m.limits.Categories[plan.Category]; ok && !c.EdgeMultiplier.IsZero() {
		t = t.Mul(c.EdgeMultiplier)
	}
	return t
}

// Authorize checks breakers, the edge threshold and every exposure limit,
// and reserves capacity for the plan in one step. Rejections return a
// *RejectedError.
func (m *Manager) Authorize(plan domain.TradePlan, quote domain.EdgeQuote) (Reservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	res, err := m.authorizeLocked(plan, quote)
	if err != nil {
		m.m.RecordRejection(LimitOf(err))
		slog.Debug("risk rejected plan", "plan", plan.ID, "pair", plan.PairID, "err", err)
		return Reservation{}, err
	}
	out := *res
	out.Venue = maps.Clone(res.Venue)
	return out, nil
}

func (m *Manager) authorizeLocked(plan domain.TradePlan, quote domain.EdgeQuote) (*Reservation, error) {
	m.rollDay()

	if plan.TargetQty <= 0 || plan.Leg1.Venue == "" || plan.Leg2.Venue == "" {
		return nil, reject(LimitInvalidPlan, "plan %s qty=%d", plan.ID, plan.TargetQty)
	}
	if b := m.firstActiveBreaker(); b != nil {
		return nil, reject(LimitBreaker+":"+domain.BreakerID(b.Kind, b.Venue), "%s", b.Reason)
	}
	if quote.Stale {
		return nil, reject(LimitStaleQuote, "quote for %s is stale", quote.PairID)
	}
	if th := m.thresholdLocked(plan, plan.TargetQty); quote.NetEdge.LessThan(th) {
		return nil, reject(LimitMinEdge, "net edge %s < threshold %s", quote.NetEdge.StringFixed(2), th.StringFixed(2))
	}

	legs := map[domain.VenueID]decimal.Decimal{}
	legs[plan.Leg1.Venue] = legs[plan.Leg1.Venue].Add(plan.Leg1.Notional(plan.TargetQty))
	legs[plan.Leg2.Venue] = legs[plan.Leg2.Venue].Add(plan.Leg2.Notional(plan.TargetQty))
	amount := decimal.Zero
	for _, v := range legs {
		amount = amount.Add(v)
	}

	eventCeiling := m.limits.MaxEventExposure
	if c, ok := m.limits.Categories[plan.Category]; ok && !c.MaxEventExposure.IsZero() {
		eventCeiling = c.MaxEventExposure
	}
	if used := m.eventUsed(plan.EventKey); over(used, amount, eventCeiling) {
		return nil, reject(LimitEventExposure, "event %s: %s + %s > %s", plan.EventKey, used, amount, eventCeiling)
	}
	venues := make([]domain.VenueID, 0, len(legs))
	for v := range legs {
		venues = append(venues, v)
	}
	sort.Slice(venues, func(i, j int) bool { return venues[i] < venues[j] })
	for _, v := range venues {
		if used := m.venueUsed(v); over(used, legs[v], m.limits.MaxVenueExposure) {
			return nil, reject(LimitVenueExposure+":"+string(v), "%s + %s > %s", used, legs[v], m.limits.MaxVenueExposure)
		}
	}
	if used := m.totalUsed(); over(used, amount, m.limits.MaxTotalExposure) {
		return nil, reject(LimitTotalExposure, "%s + %s > %s", used, amount, m.limits.MaxTotalExposure)
	}
	if used := m.turnoverUsed(); over(used, amount, m.limits.MaxDailyTurnover) {
		return nil, reject(LimitDailyTurnover, "%s + %s > %s", used, amount, m.limits.MaxDailyTurnover)
	}
	if m.limits.MaxDailyTrades > 0 && m.tradeCount+1 > m.limits.MaxDailyTrades {
		return nil, reject(LimitDailyTrades, "%d trades today", m.tradeCount)
	}

	res := &Reservation{
		ID:        uuid.NewString(),
		PlanID:    plan.ID,
		EventKey:  plan.EventKey,
		Venue:     legs,
		Turnover:  amount,
		CreatedAt: m.now(),
	}
	m.reservations[res.ID] = res
	m.tradeCount++
	m.publishExposure()
	return res, nil
}

func over(used, add, ceiling decimal.Decimal) bool {
	if ceiling.IsZero() {
		return false
	}
	return used.Add(add).GreaterThan(ceiling)
}

// Commit moves a fill's notional from reserved to filled exposure.
func (m *Manager) Commit(reservationID, eventKey string, f domain.Fill) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rollDay()

	amount := domain.Notional(f.Price, f.Qty)
	if res, ok := m.reservations[reservationID]; ok {
		eventKey = res.EventKey
		res.Committed = true
		take := decimal.Min(res.Venue[f.Venue], amount)
		res.Venue[f.Venue] = res.Venue[f.Venue].Sub(take)
		res.Turnover = decimal.Max(decimal.Zero, res.Turnover.Sub(amount))
	}
	m.addPosition(eventKey, f.Venue, amount)
	m.addHolding(eventKey, f)
	m.turnover = m.turnover.Add(amount)
	m.publishExposure()
}

// RecordUnwind removes an unwound position and books the offsetting fill's
// turnover. entryNotional is the exposure originally committed for the
// flattened quantity.
func (m *Manager) RecordUnwind(reservationID, eventKey string, venue domain.VenueID, entryNotional decimal.Decimal, f domain.Fill) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rollDay()

	if res, ok := m.reservations[reservationID]; ok {
		eventKey = res.EventKey
	}
	m.addPosition(eventKey, venue, entryNotional.Neg())
	m.addHolding(eventKey, f)
	m.turnover = m.turnover.Add(domain.Notional(f.Price, f.Qty))
	m.publishExposure()
}

// Release drops whatever remains reserved. A plan that never filled gives
// its trade-count slot back.
func (m *Manager) Release(reservationID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	res, ok := m.reservations[reservationID]
	if !ok {
		return
	}
	delete(m.reservations, reservationID)
	if !res.Committed && m.tradeCount > 0 && utcDay(res.CreatedAt).Equal(m.day) {
		m.tradeCount--
	}
	m.publishExposure()
}

// Settle removes an event's filled exposure once its markets resolve.
// Reports whether there was anything to remove.
func (m *Manager) Settle(eventKey string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, held := m.holdings[eventKey]
	delete(m.holdings, eventKey)
	if _, ok := m.positions[eventKey]; !ok {
		return held
	}
	delete(m.positions, eventKey)
	m.publishExposure()
	return true
}

// RecordTradeResult books realized P&L of a finished trade and updates the
// consecutive-loss counter.
func (m *Manager) RecordTradeResult(pnl decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.realized = m.realized.Add(pnl)
	if pnl.IsNegative() {
		m.consecutive++
	} else {
		m.consecutive = 0
	}
	m.evaluateLossBreakers()
}

// MarkToMarket revalues every holding at marks (ticks) and feeds the
// result to the daily-loss breaker. A holding without a new mark keeps its
// previous one. It returns the unrealized P&L in minor units.
func (m *Manager) MarkToMarket(marks map[domain.Instrument]decimal.Decimal) decimal.Decimal {
	m.mu.Lock()
	defer m.mu.Unlock()
	total := decimal.Zero
	for _, byInst := range m.holdings {
		for inst, h := range byInst {
			if mk, ok := marks[inst]; ok {
				h.Mark = mk
			}
			total = total.Add(h.Unrealized())
		}
	}
	m.unrealized = total
	m.evaluateLossBreakers()
	return total
}

// Holdings returns the open quantities, sorted by event and instrument.
func (m *Manager) Holdings() []domain.Holding {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.holdingsLocked()
}

func (m *Manager) holdingsLocked() []domain.Holding {
	var out []domain.Holding
	for _, byInst := range m.holdings {
		for _, h := range byInst {
			out = append(out, *h)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.EventKey != b.EventKey {
			return a.EventKey < b.EventKey
		}
		if a.Instrument.Venue != b.Instrument.Venue {
			return a.Instrument.Venue < b.Instrument.Venue
		}
		if a.Instrument.MarketID != b.Instrument.MarketID {
			return a.Instrument.MarketID < b.Instrument.MarketID
		}
		return a.Instrument.OutcomeID < b.Instrument.OutcomeID
	})
	return out
}

// Persist saves a snapshot through the configured store.
func (m *Manager) Persist(ctx context.Context) error {
	if m.store == nil {
		return nil
	}
	if err := m.store.SaveRiskState(ctx, m.Snapshot()); err != nil {
		return fmt.Errorf("risk.Persist: %w", err)
	}
	return nil
}

// Load restores the last persisted snapshot, if any.
func (m *Manager) Load(ctx context.Context) error {
	if m.store == nil {
		return nil
	}
	s, err := m.store.LoadRiskState(ctx)
	if errors.Is(err, domain.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("risk.Load: %w", err)
	}
	m.Restore(s)
	return nil
}

// Snapshot returns a deep copy of the current state.
func (m *Manager) Snapshot() domain.RiskState {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rollDay()

	s := domain.RiskState{
		Positions:         make(map[string]map[domain.VenueID]decimal.Decimal, len(m.positions)),
		EventExposure:     make(map[string]decimal.Decimal),
		VenueExposure:     make(map[domain.VenueID]decimal.Decimal),
		EventReserved:     make(map[string]decimal.Decimal),
		VenueReserved:     make(map[domain.VenueID]decimal.Decimal),
		Turnover:          m.turnover,
		TradeCount:        m.tradeCount,
		RealizedPnL:       m.realized,
		UnrealizedPnL:     m.unrealized,
		ConsecutiveLosses: m.consecutive,
		Day:               m.day,
		TakenAt:           m.now(),
	}
	for ev, venues := range m.positions {
		s.Positions[ev] = maps.Clone(venues)
		for v, amt := range venues {
			s.EventExposure[ev] = s.EventExposure[ev].Add(amt)
			s.VenueExposure[v] = s.VenueExposure[v].Add(amt)
		}
	}
	for _, r := range m.reservations {
		for v, amt := range r.Venue {
			s.EventReserved[r.EventKey] = s.EventReserved[r.EventKey].Add(amt)
			s.VenueReserved[v] = s.VenueReserved[v].Add(amt)
		}
	}
	s.Holdings = m.holdingsLocked()
	s.Breakers = m.breakersLocked()
	return s
}

// Restore replaces filled exposure, daily counters, P&L and breakers with a
// persisted snapshot. Reservations are not restored; reconciliation settles
// in-flight plans from the order ledger instead.
func (m *Manager) Restore(s domain.RiskState) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.positions = make(map[string]map[domain.VenueID]decimal.Decimal, len(s.Positions))
	for ev, venues := range s.Positions {
		m.positions[ev] = maps.Clone(venues)
	}
	m.holdings = make(map[string]map[domain.Instrument]*domain.Holding)
	for _, h := range s.Holdings {
		if h.Qty == 0 {
			continue
		}
		if m.holdings[h.EventKey] == nil {
			m.holdings[h.EventKey] = make(map[domain.Instrument]*domain.Holding)
		}
		m.holdings[h.EventKey][h.Instrument] = &h
	}
	m.reservations = make(map[string]*Reservation)
	m.realized = s.RealizedPnL
	m.unrealized = s.UnrealizedPnL
	m.consecutive = s.ConsecutiveLosses
	m.turnover = decimal.Zero
	m.tradeCount = 0
	if !s.Day.IsZero() && s.Day.Equal(utcDay(m.now())) {
		m.turnover = s.Turnover
		m.tradeCount = s.TradeCount
	}
	m.day = utcDay(m.now())
	m.breakers = make(map[string]*domain.Breaker, len(s.Breakers))
	for _, b := range s.Breakers {
		m.breakers[domain.BreakerID(b.Kind, b.Venue)] = &b
		m.m.SetBreaker(string(b.Kind), string(b.Venue), b.Active())
	}
	m.publishExposure()
}

// rollDay resets turnover and trade count at UTC midnight.
func (m *Manager) rollDay() {
	today := utcDay(m.now())
	if today.After(m.day) {
		slog.Info("risk daily reset", "day", today.Format("2006-01-02"), "turnover", m.turnover.StringFixed(2), "trades", m.tradeCount)
		m.turnover = decimal.Zero
		m.tradeCount = 0
		m.day = today
	}
}

func utcDay(t time.Time) time.Time {
	y, mo, d := t.UTC().Date()
	return time.Date(y, mo, d, 0, 0, 0, 0, time.UTC)
}

func (m *Manager) addPosition(eventKey string, venue domain.VenueID, amount decimal.Decimal) {
	venues, ok := m.positions[eventKey]
	if !ok {
		venues = make(map[domain.VenueID]decimal.Decimal)
		m.positions[eventKey] = venues
	}
	next := venues[venue].Add(amount)
	if !next.IsPositive() {
		delete(venues, venue)
		if len(venues) == 0 {
			delete(m.positions, eventKey)
		}
		return
	}
	venues[venue] = next
}

// addHolding applies a fill to the event's signed quantity. Adding to a
// position averages the entry; reducing keeps it; crossing zero opens the
// remainder at the fill price.
func (m *Manager) addHolding(eventKey string, f domain.Fill) {
	if f.Qty <= 0 {
		return
	}
	inst := domain.Instrument{Venue: f.Venue, MarketID: f.MarketID, OutcomeID: f.OutcomeID}
	byInst, ok := m.holdings[eventKey]
	if !ok {
		byInst = make(map[domain.Instrument]*domain.Holding)
		m.holdings[eventKey] = byInst
	}
	h, ok := byInst[inst]
	if !ok {
		h = &domain.Holding{EventKey: eventKey, Instrument: inst}
		byInst[inst] = h
	}

	delta := f.Qty
	if f.Side == domain.Sell {
		delta = -delta
	}
	price := decimal.NewFromInt(f.Price)
	next := h.Qty + delta
	switch {
	case h.Qty == 0 || (h.Qty > 0) == (delta > 0):
		held, added := decimal.NewFromInt(abs(h.Qty)), decimal.NewFromInt(abs(delta))
		h.AvgPrice = h.AvgPrice.Mul(held).Add(price.Mul(added)).Div(held.Add(added))
	case next != 0 && (next > 0) != (h.Qty > 0):
		h.AvgPrice = price
	}
	h.Qty = next

	if h.Qty == 0 {
		delete(byInst, inst)
		if len(byInst) == 0 {
			delete(m.holdings, eventKey)
		}
	}
}

func abs(n int64) int64 {
	if n < 0 {
		return -n
	}
	return n
}

func (m *Manager) eventUsed(eventKey string) decimal.Decimal {
	used := decimal.Zero
	for _, amt := range m.positions[eventKey] {
		used = used.Add(amt)
	}
	for _, r := range m.reservations {
		if r.EventKey == eventKey {
			used = used.Add(r.total())
		}
	}
	return used
}

func (m *Manager) venueUsed(v domain.VenueID) decimal.Decimal {
	used := decimal.Zero
	for _, venues := range m.positions {
		used = used.Add(venues[v])
	}
	for _, r := range m.reservations {
		used = used.Add(r.Venue[v])
	}
	return used
}

func (m *Manager) totalUsed() decimal.Decimal {
	used := decimal.Zero
	for _, venues := range m.positions {
		for _, amt := range venues {
			used = used.Add(amt)
		}
	}
	for _, r := range m.reservations {
		used = used.Add(r.total())
	}
	return used
}

func (m *Manager) turnoverUsed() decimal.Decimal {
	used := m.turnover
	for _, r := range m.reservations {
		used = used.Add(r.Turnover)
	}
	return used
}

func (m *Manager) publishExposure() {
	if m.m == nil {
		return
	}
	seen := map[domain.VenueID]bool{}
	for _, venues := range m.positions {
		for v := range venues {
			seen[v] = true
		}
	}
	for _, r := range m.reservations {
		for v := range r.Venue {
			seen[v] = true
		}
	}
	for v := range seen {
		m.m.UpdateExposure(string(v), m.venueUsed(v), m.turnover)
	}
}
