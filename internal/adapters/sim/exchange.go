// Package sim is an in-memory venue used by paper mode and tests. It serves
// catalogs, books and health, and routes orders with scripted maker fills,
// book-crossing taker fills and injectable faults.
package sim

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/alejandrodnm/pairarb/internal/domain"
)

// Script controls how a venue fills orders.
type Script struct {
	// MakerFillRatio is the fraction of a resting order that eventually
	// fills. Zero never fills.
	MakerFillRatio float64
	// MakerFillDelay is the wait before each maker fill chunk.
	MakerFillDelay time.Duration
	// MakerChunks splits the maker fill into this many fills.
	MakerChunks int
	// TakerFillRatio caps the fraction of a crossing order that fills
	// against the book. Zero means 1.
	TakerFillRatio float64
	// AckLatency delays every order acknowledgement.
	AckLatency time.Duration
	// Fee, if set, prices each fill.
	Fee func(role domain.Role, price, qty int64) int64
}

// FullMaker fills resting orders completely after delay.
func FullMaker(delay time.Duration) Script {
	return Script{MakerFillRatio: 1, MakerFillDelay: delay, MakerChunks: 1}
}

type bookKey struct {
	market  string
	outcome string
}

type venue struct {
	id      domain.VenueID
	script  Script
	markets map[string]domain.Market
	books   map[bookKey]domain.Book
	health  domain.VenueHealth

	orders map[string]*order // by venue order id
	byKey  map[string]*order // by idempotency key
	nextID int

	dropAcks   int
	rejectNext int
	rejectAll  bool
	frozen     bool
}

type order struct {
	o      domain.Order
	fills  []domain.Fill
	subs   []*subscriber
	timers []*time.Timer
}

func (o *order) ack() domain.OrderAck {
	return domain.OrderAck{
		VenueOrderID: o.o.VenueOrderID,
		Status:       o.o.Status,
		FilledQty:    o.o.FilledQty,
		At:           o.o.UpdatedAt,
	}
}

// Exchange is a set of simulated venues sharing one clock and fill log.
type Exchange struct {
	mu         sync.Mutex
	now        func() time.Time
	staleAfter time.Duration
	venues     map[domain.VenueID]*venue
	seq        int64
	log        []domain.Fill
}

// Option configura el Exchange.
type Option func(*Exchange)

// WithClock sets the clock used for book ages and fill times.
func WithClock(now func() time.Time) Option {
	return func(e *Exchange) { e.now = now }
}

// WithStaleAfter makes GetLatestBook return domain.ErrStale for books
// older than d.
func WithStaleAfter(d time.Duration) Option {
	return func(e *Exchange) { e.staleAfter = d }
}

// New crea un Exchange con los venues dados.
func New(venues []domain.VenueID, opts ...Option) *Exchange {
	e := &Exchange{now: time.Now, venues: make(map[domain.VenueID]*venue)}
	for _, o := range opts {
		o(e)
	}
	for _, id := range venues {
		e.venues[id] = &venue{
			id:      id,
			script:  FullMaker(0),
			markets: make(map[string]domain.Market),
			books:   make(map[bookKey]domain.Book),
			health:  domain.VenueHealth{Venue: id, Status: domain.HealthHealthy, Connected: true},
			orders:  make(map[string]*order),
			byKey:   make(map[string]*order),
		}
	}
	return e
}

func (e *Exchange) venue(id domain.VenueID) (*venue, error) {
	v, ok := e.venues[id]
	if !ok {
		return nil, fmt.Errorf("sim: unknown venue %s: %w", id, domain.ErrNotFound)
	}
	return v, nil
}

// --- setup ---

// SetScript replaces a venue's fill script.
func (e *Exchange) SetScript(id domain.VenueID, s Script) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if v, err := e.venue(id); err == nil {
		v.script = s
	}
}

// AddMarket lists a market on its venue.
func (e *Exchange) AddMarket(m domain.Market) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	v, err := e.venue(m.Venue)
	if err != nil {
		return err
	}
	v.markets[m.ID] = m
	return nil
}

// SetBook replaces a book. A zero UpdatedAt is stamped with the clock.
func (e *Exchange) SetBook(b domain.Book) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	v, err := e.venue(b.Venue)
	if err != nil {
		return err
	}
	if b.UpdatedAt.IsZero() {
		b.UpdatedAt = e.now()
	}
	k := bookKey{b.MarketID, b.OutcomeID}
	b.Sequence = v.books[k].Sequence + 1
	v.books[k] = copyBook(b)
	return nil
}

// Touch re-publishes every book with the current clock, as a live feed
// would on each update. Paper mode calls it once per cycle.
func (e *Exchange) Touch() {
	e.mu.Lock()
	defer e.mu.Unlock()
	now := e.now()
	for _, v := range e.venues {
		for k, b := range v.books {
			b.UpdatedAt = now
			b.Sequence++
			v.books[k] = b
		}
	}
}

// SetHealth replaces a venue's health report.
func (e *Exchange) SetHealth(h domain.VenueHealth) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if v, err := e.venue(h.Venue); err == nil {
		v.health = h
	}
}

// --- fault injection ---

// DropAcks makes the next n submissions reach the venue but return
// domain.ErrVenueTimeout to the caller.
func (e *Exchange) DropAcks(id domain.VenueID, n int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if v, err := e.venue(id); err == nil {
		v.dropAcks = n
	}
}

// RejectNext rejects the next n submissions with domain.ErrVenueError.
func (e *Exchange) RejectNext(id domain.VenueID, n int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if v, err := e.venue(id); err == nil {
		v.rejectNext = n
	}
}

// RejectAll rejects every submission while on.
func (e *Exchange) RejectAll(id domain.VenueID, on bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if v, err := e.venue(id); err == nil {
		v.rejectAll = on
	}
}

// Freeze makes every call to the venue hang until its context ends.
func (e *Exchange) Freeze(id domain.VenueID, on bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if v, err := e.venue(id); err == nil {
		v.frozen = on
	}
}

// --- inspection ---

// Fills returns every fill in the order the exchange produced them.
func (e *Exchange) Fills() []domain.Fill {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]domain.Fill(nil), e.log...)
}

// Orders returns a venue's orders sorted by venue order id.
func (e *Exchange) Orders(id domain.VenueID) []domain.Order {
	e.mu.Lock()
	defer e.mu.Unlock()
	v, err := e.venue(id)
	if err != nil {
		return nil
	}
	out := make([]domain.Order, 0, len(v.orders))
	for _, o := range v.orders {
		out = append(out, o.o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].VenueOrderID < out[j].VenueOrderID })
	return out
}

// Fill injects a fill on a resting order, as a counterparty would.
func (e *Exchange) Fill(id domain.VenueID, venueOrderID string, qty int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	v, err := e.venue(id)
	if err != nil {
		return err
	}
	o, ok := v.orders[venueOrderID]
	if !ok {
		return fmt.Errorf("sim: order %s: %w", venueOrderID, domain.ErrNotFound)
	}
	if o.o.Status.Terminal() {
		return fmt.Errorf("sim: order %s is %s: %w", venueOrderID, o.o.Status, domain.ErrInvalidInput)
	}
	e.fill(v, o, o.o.Price, min(qty, o.o.Remaining()), domain.Maker)
	return nil
}

// --- ports.CatalogSource / BookSource / HealthSource ---

// ListMarkets returns a venue's markets sorted by id.
func (e *Exchange) ListMarkets(ctx context.Context, id domain.VenueID) ([]domain.Market, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	v, err := e.venue(id)
	if err != nil {
		return nil, err
	}
	out := make([]domain.Market, 0, len(v.markets))
	for _, m := range v.markets {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// GetLatestBook returns a copy of a book.
func (e *Exchange) GetLatestBook(ctx context.Context, id domain.VenueID, marketID, outcomeID string) (domain.Book, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	v, err := e.venue(id)
	if err != nil {
		return domain.Book{}, err
	}
	b, ok := v.books[bookKey{marketID, outcomeID}]
	if !ok {
		return domain.Book{}, fmt.Errorf("sim: book %s/%s/%s: %w", id, marketID, outcomeID, domain.ErrNotFound)
	}
	if e.staleAfter > 0 && b.Age(e.now()) > e.staleAfter {
		return copyBook(b), fmt.Errorf("sim: book %s/%s/%s age %s: %w", id, marketID, outcomeID, b.Age(e.now()), domain.ErrStale)
	}
	return copyBook(b), nil
}

// Health returns the venue's scripted health, counting stale books.
func (e *Exchange) Health(ctx context.Context, id domain.VenueID) (domain.VenueHealth, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	v, err := e.venue(id)
	if err != nil {
		return domain.VenueHealth{}, err
	}
	h := v.health
	h.Venue = id
	h.At = e.now()
	if e.staleAfter > 0 {
		for _, b := range v.books {
			if b.Age(h.At) > e.staleAfter {
				h.StaleMarkets++
			}
		}
	}
	return h, nil
}

// --- ports.OrderRouter ---

// SubmitOrder accepts an order. A known idempotency key returns the
// existing order's ack without creating a second order. Maker orders are
// post-only: one that would trade on arrival is rejected.
func (e *Exchange) SubmitOrder(ctx context.Context, o domain.Order) (domain.OrderAck, error) {
	e.mu.Lock()
	v, err := e.venue(o.Venue)
	if err != nil {
		e.mu.Unlock()
		return domain.OrderAck{}, err
	}
	if v.frozen {
		e.mu.Unlock()
		return domain.OrderAck{}, hang(ctx, "submit")
	}
	if err := o.Validate(); err != nil {
		e.mu.Unlock()
		return domain.OrderAck{}, fmt.Errorf("sim: %v: %w", err, domain.ErrVenueError)
	}
	if existing, ok := v.byKey[o.IdempotencyKey]; ok {
		ack := existing.ack()
		e.mu.Unlock()
		return ack, nil
	}
	if b, ok := v.books[bookKey{o.MarketID, o.OutcomeID}]; ok && o.Role == domain.Maker && b.Crosses(o.Side, o.Price) {
		e.mu.Unlock()
		return domain.OrderAck{}, fmt.Errorf("sim: %s post-only %s %s at %d would cross: %w",
			v.id, o.IdempotencyKey, o.Side, o.Price, domain.ErrVenueError)
	}
	if v.rejectAll || v.rejectNext > 0 {
		if v.rejectNext > 0 {
			v.rejectNext--
		}
		e.mu.Unlock()
		return domain.OrderAck{}, fmt.Errorf("sim: %s rejected order %s: %w", v.id, o.IdempotencyKey, domain.ErrVenueError)
	}

	v.nextID++
	now := e.now()
	o.VenueOrderID = fmt.Sprintf("%s-%06d", v.id, v.nextID)
	o.FilledQty = 0
	o.Status = domain.OrderWorking
	o.CreatedAt, o.UpdatedAt = now, now
	ord := &order{o: o}
	v.orders[o.VenueOrderID] = ord
	v.byKey[o.IdempotencyKey] = ord

	e.cross(v, ord)
	if o.Role == domain.Maker && !ord.o.Status.Terminal() {
		e.scheduleMaker(v, ord)
	}

	drop := v.dropAcks > 0
	if drop {
		v.dropAcks--
	}
	ack := ord.ack()
	latency := v.script.AckLatency
	e.mu.Unlock()

	if latency > 0 {
		select {
		case <-time.After(latency):
		case <-ctx.Done():
			return domain.OrderAck{}, fmt.Errorf("sim: ack: %v: %w", ctx.Err(), domain.ErrVenueTimeout)
		}
	}
	if drop {
		return domain.OrderAck{}, fmt.Errorf("sim: ack for %s lost: %w", o.IdempotencyKey, domain.ErrVenueTimeout)
	}
	return ack, nil
}

// CancelOrder cancels the unfilled remainder.
func (e *Exchange) CancelOrder(ctx context.Context, id domain.VenueID, venueOrderID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	v, err := e.venue(id)
	if err != nil {
		return err
	}
	if v.frozen {
		e.mu.Unlock()
		err := hang(ctx, "cancel")
		e.mu.Lock()
		return err
	}
	o, ok := v.orders[venueOrderID]
	if !ok {
		return fmt.Errorf("sim: order %s: %w", venueOrderID, domain.ErrNotFound)
	}
	if o.o.Status.Terminal() {
		return nil
	}
	for _, t := range o.timers {
		t.Stop()
	}
	o.o.Status = domain.OrderCancelled
	o.o.UpdatedAt = e.now()
	return nil
}

// OrderStatus looks an order up by idempotency key.
func (e *Exchange) OrderStatus(ctx context.Context, id domain.VenueID, key string) (domain.OrderAck, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	v, err := e.venue(id)
	if err != nil {
		return domain.OrderAck{}, err
	}
	if v.frozen {
		e.mu.Unlock()
		err := hang(ctx, "status")
		e.mu.Lock()
		return domain.OrderAck{}, err
	}
	o, ok := v.byKey[key]
	if !ok {
		return domain.OrderAck{}, fmt.Errorf("sim: order key %s: %w", key, domain.ErrNotFound)
	}
	return o.ack(), nil
}

// SubscribeFills streams an order's fills, replaying earlier ones first.
func (e *Exchange) SubscribeFills(ctx context.Context, id domain.VenueID, venueOrderID string) (<-chan domain.Fill, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	v, err := e.venue(id)
	if err != nil {
		return nil, err
	}
	o, ok := v.orders[venueOrderID]
	if !ok {
		return nil, fmt.Errorf("sim: order %s: %w", venueOrderID, domain.ErrNotFound)
	}
	s := newSubscriber()
	for _, f := range o.fills {
		s.push(f)
	}
	o.subs = append(o.subs, s)
	go s.run(ctx)
	return s.out, nil
}

// cross fills a new order against the resting book at or better than its
// limit, consuming the liquidity it takes.
func (e *Exchange) cross(v *venue, o *order) {
	k := bookKey{o.o.MarketID, o.o.OutcomeID}
	b, ok := v.books[k]
	if !ok || o.o.Role != domain.Taker {
		return
	}
	ratio := v.script.TakerFillRatio
	if ratio <= 0 || ratio > 1 {
		ratio = 1
	}
	budget := int64(math.Floor(float64(o.o.Qty) * ratio))

	levels := b.Asks
	if o.o.Side == domain.Sell {
		levels = b.Bids
	}
	rest := levels[:0:0]
	for _, l := range levels {
		crosses := (o.o.Side == domain.Buy && l.Price <= o.o.Price) || (o.o.Side == domain.Sell && l.Price >= o.o.Price)
		take := int64(0)
		if crosses && budget > 0 {
			take = min(budget, l.Qty)
		}
		if take > 0 {
			e.fill(v, o, l.Price, take, domain.Taker)
			budget -= take
		}
		if l.Qty-take > 0 {
			rest = append(rest, domain.Level{Price: l.Price, Qty: l.Qty - take})
		}
	}
	if o.o.Side == domain.Buy {
		b.Asks = rest
	} else {
		b.Bids = rest
	}
	b.Sequence++
	v.books[k] = b
}

// scheduleMaker arranges the scripted fills of a resting order.
func (e *Exchange) scheduleMaker(v *venue, o *order) {
	s := v.script
	total := int64(math.Floor(float64(o.o.Qty) * s.MakerFillRatio))
	if total <= 0 {
		return
	}
	chunks := max(1, s.MakerChunks)
	per := max(1, total/int64(chunks))
	scheduled := int64(0)
	for i := 1; i <= chunks && scheduled < total; i++ {
		qty := per
		if i == chunks {
			qty = total - scheduled
		}
		qty = min(qty, total-scheduled)
		scheduled += qty
		venueOrderID := o.o.VenueOrderID
		t := time.AfterFunc(s.MakerFillDelay*time.Duration(i), func() {
			e.mu.Lock()
			defer e.mu.Unlock()
			cur, ok := v.orders[venueOrderID]
			if !ok || cur.o.Status.Terminal() {
				return
			}
			e.fill(v, cur, cur.o.Price, min(qty, cur.o.Remaining()), domain.Maker)
		})
		o.timers = append(o.timers, t)
	}
}

// fill books qty on an order and publishes it. Caller holds e.mu.
func (e *Exchange) fill(v *venue, o *order, price, qty int64, role domain.Role) {
	if qty <= 0 {
		return
	}
	e.seq++
	f := domain.Fill{
		ID:           fmt.Sprintf("fill-%06d", e.seq),
		VenueOrderID: o.o.VenueOrderID,
		Venue:        v.id,
		MarketID:     o.o.MarketID,
		OutcomeID:    o.o.OutcomeID,
		Side:         o.o.Side,
		Role:         role,
		Price:        price,
		Qty:          qty,
		At:           e.now(),
	}
	if v.script.Fee != nil {
		f.Fee = v.script.Fee(role, price, qty)
	}
	if err := o.o.ApplyFill(f); err != nil {
		return
	}
	o.fills = append(o.fills, f)
	e.log = append(e.log, f)
	for _, s := range o.subs {
		s.push(f)
	}
}

func hang(ctx context.Context, op string) error {
	<-ctx.Done()
	return fmt.Errorf("sim: %s: %v: %w", op, ctx.Err(), domain.ErrVenueTimeout)
}

func copyBook(b domain.Book) domain.Book {
	b.Bids = append([]domain.Level(nil), b.Bids...)
	b.Asks = append([]domain.Level(nil), b.Asks...)
	return b
}

// subscriber delivers fills in order without blocking the exchange.
type subscriber struct {
	mu     sync.Mutex
	queue  []domain.Fill
	notify chan struct{}
	out    chan domain.Fill
}

func newSubscriber() *subscriber {
	return &subscriber{notify: make(chan struct{}, 1), out: make(chan domain.Fill)}
}

func (s *subscriber) push(f domain.Fill) {
	s.mu.Lock()
	s.queue = append(s.queue, f)
	s.mu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *subscriber) run(ctx context.Context) {
	defer close(s.out)
	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			f := s.queue[0]
			s.queue = s.queue[1:]
			s.mu.Unlock()
			select {
			case s.out <- f:
			case <-ctx.Done():
				return
			}
			continue
		}
		s.mu.Unlock()
		select {
		case <-s.notify:
		case <-ctx.Done():
			return
		}
	}
}
