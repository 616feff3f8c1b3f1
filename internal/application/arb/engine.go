// Package arb runs the evaluation loop: catalogs → matcher → books →
// planner → coordinator, once per cycle.
package arb

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/alejandrodnm/pairarb/internal/domain"
	"github.com/alejandrodnm/pairarb/internal/execution"
	"github.com/alejandrodnm/pairarb/internal/matcher"
	"github.com/alejandrodnm/pairarb/internal/metrics"
	"github.com/alejandrodnm/pairarb/internal/ports"
	"github.com/alejandrodnm/pairarb/internal/risk"
)

const (
	defaultInterval        = 5 * time.Second
	defaultTargetQty       = 10
	defaultWorkers         = 4
	defaultShutdownTimeout = 30 * time.Second
)

// Skip reasons, also used as metric labels.
const (
	SkipBusy      = "busy"
	SkipStale     = "stale"
	SkipNoBook    = "no_book"
	SkipBookError = "book_error"
	SkipDepth     = "depth"
	SkipSlippage  = "slippage"
	SkipNoEdge    = "no_edge"
	SkipHalted    = "halted"
)

// Venue agrupa las fuentes de datos de un venue.
type Venue struct {
	ID      domain.VenueID
	Catalog ports.CatalogSource
	Books   ports.BookSource
	Health  ports.HealthSource // opcional
}

// tracker lo implementan las caches de books que deben saber qué mercados
// seguir (el feed de polymarket).
type tracker interface {
	Track(markets []domain.Market)
}

// refresher lo implementan las caches que se actualizan por polling.
type refresher interface {
	Refresh(ctx context.Context) error
}

// Config holds the loop parameters.
type Config struct {
	Interval  time.Duration
	TargetQty int64
	// Workers bounds concurrent executions within one cycle.
	Workers         int
	ShutdownTimeout time.Duration
	// DryRun evaluates and logs plans without sending them to the coordinator.
	DryRun bool
}

// CycleResult resume un ciclo de evaluación.
type CycleResult struct {
	MarketsA   int
	MarketsB   int
	Pairs      int
	Tradeable  int
	Plans      int
	Skipped    map[string]int
	Executions []domain.ExecutionRecord
	Rejected   int
	Failed     int
	Halted     bool
	Breakers   []domain.Breaker
	Decisions  []domain.Decision
	Elapsed    time.Duration
}

func (r *CycleResult) skip(reason string) {
	r.Skipped[reason]++
}

// VenuePair es un par de venues que se comparan entre sí, con el matcher
// que guarda sus veredictos.
type VenuePair struct {
	A, B    Venue
	Matcher *matcher.Matcher
}

// Engine ejecuta el ciclo completo sobre uno o más pares de venues.
type Engine struct {
	pairs []VenuePair
	// venues únicos en orden de aparición; cada catálogo se pide una vez
	venues  []Venue
	planner *execution.Planner
	coord   *execution.Coordinator
	risk    *risk.Manager
	cfg     Config

	notifier ports.Notifier
	journal  ports.DecisionLog
	m        *metrics.Metrics
	now      func() time.Time

	// executions lanzadas por Run que siguen en vuelo entre ciclos
	inflight sync.WaitGroup
}

// Option configura el Engine.
type Option func(*Engine)

// WithNotifier prints pairs and decisions after every cycle.
func WithNotifier(n ports.Notifier) Option {
	return func(e *Engine) { e.notifier = n }
}

// WithDecisionLog reads back the cycle's decisions for the notifier.
func WithDecisionLog(l ports.DecisionLog) Option {
	return func(e *Engine) { e.journal = l }
}

// WithMetrics records matcher, edge and skip metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.m = m }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithVenuePair adds another venue pair with its own matcher. A venue shared
// between pairs is fetched and refreshed once per cycle.
func WithVenuePair(a, b Venue, m *matcher.Matcher) Option {
	return func(e *Engine) { e.pairs = append(e.pairs, VenuePair{A: a, B: b, Matcher: m}) }
}

// New crea el engine. a y b son los dos lados del primer par (a = venue A del
// matcher); WithVenuePair añade más.
func New(a, b Venue, m *matcher.Matcher, p *execution.Planner, c *execution.Coordinator, rm *risk.Manager, cfg Config, opts ...Option) *Engine {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.TargetQty <= 0 {
		cfg.TargetQty = defaultTargetQty
	}
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = defaultShutdownTimeout
	}
	e := &Engine{
		pairs:   []VenuePair{{A: a, B: b, Matcher: m}},
		planner: p, coord: c, risk: rm, cfg: cfg, now: time.Now,
	}
	for _, o := range opts {
		o(e)
	}
	seen := make(map[domain.VenueID]bool)
	for _, vp := range e.pairs {
		for _, v := range []Venue{vp.A, vp.B} {
			if !seen[v.ID] {
				seen[v.ID] = true
				e.venues = append(e.venues, v)
			}
		}
	}
	return e
}

// RunOnce ejecuta un ciclo y espera a que terminen todas las ejecuciones
// lanzadas en él. Orquesta: health → catálogos → matcher → books → plan →
// coordinator → reporting.
func (e *Engine) RunOnce(ctx context.Context) (*CycleResult, error) {
	return e.cycle(ctx, true)
}

// Run reconcilia el ledger y después ejecuta un ciclo por intervalo hasta
// que ctx se cancele. Las ejecuciones sobreviven entre ciclos; al salir se
// drena el coordinator.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.coord.Reconcile(ctx); err != nil {
		slog.Error("reconcile failed, continuing with breakers as reported", "err", err)
	}

	ticker := time.NewTicker(e.cfg.Interval)
	defer ticker.Stop()

	for {
		if _, err := e.cycle(ctx, false); err != nil && ctx.Err() == nil {
			slog.Error("cycle failed", "err", err)
		}
		select {
		case <-ctx.Done():
			return e.shutdown()
		case <-ticker.C:
		}
	}
}

func (e *Engine) shutdown() error {
	sctx, cancel := context.WithTimeout(context.Background(), e.cfg.ShutdownTimeout)
	defer cancel()

	slog.Info("shutting down, draining executions", "active", len(e.coord.Active()))
	err := e.coord.Shutdown(sctx)
	e.inflight.Wait()
	if perr := e.risk.Persist(sctx); perr != nil {
		slog.Warn("risk snapshot not persisted", "err", perr)
	}
	if err != nil {
		return fmt.Errorf("arb.Run: %w", err)
	}
	return nil
}

// candidate es un plan listo para el coordinator.
type candidate struct {
	plan  domain.TradePlan
	quote domain.EdgeQuote
}

func (e *Engine) cycle(ctx context.Context, wait bool) (*CycleResult, error) {
	start, began := e.now(), time.Now()
	result := &CycleResult{Skipped: make(map[string]int)}

	cats, err := e.catalogs(ctx)
	if err != nil {
		e.reportHealth(ctx)
		return nil, err
	}
	first := e.pairs[0]
	result.MarketsA, result.MarketsB = len(cats[first.A.ID]), len(cats[first.B.ID])
	e.track(ctx, cats)
	// La salud se lee después del refresh para que refleje los books actuales.
	e.reportHealth(ctx)

	passStart := time.Now()
	pairs, tradeable, err := e.match(ctx, cats)
	if err != nil {
		return nil, err
	}
	e.settle(pairs, start)
	e.markPositions(ctx)
	e.resolveUnknown(ctx)
	result.Pairs, result.Tradeable = len(pairs), len(tradeable)
	e.m.UpdatePairs(len(pairs), countSpecOK(pairs), len(tradeable), time.Since(passStart).Seconds())

	if e.notifier != nil {
		if err := e.notifier.NotifyPairs(ctx, pairs); err != nil {
			slog.Warn("notify pairs failed", "err", err)
		}
	}

	if halted, breakers := e.risk.Halted(); halted {
		result.Halted = true
		result.Breakers = breakers
		for range tradeable {
			result.skip(SkipHalted)
			e.m.RecordSkip(SkipHalted)
		}
		slog.Warn("trading halted by breakers", "breakers", breakerIDs(breakers))
	} else {
		cands := e.evaluate(ctx, tradeable, result)
		result.Plans = len(cands)
		if e.cfg.DryRun {
			e.logDryRun(cands)
		} else {
			e.dispatch(ctx, cands, result, wait)
		}
	}

	if err := e.risk.Persist(ctx); err != nil {
		slog.Warn("risk snapshot not persisted", "err", err)
	}
	e.report(ctx, start, result)

	result.Elapsed = time.Since(began)
	slog.Info("cycle complete",
		"markets_a", result.MarketsA,
		"markets_b", result.MarketsB,
		"pairs", result.Pairs,
		"tradeable", result.Tradeable,
		"plans", result.Plans,
		"executed", len(result.Executions),
		"rejected", result.Rejected,
		"skipped", result.Skipped,
		"halted", result.Halted,
		"elapsed", result.Elapsed.Round(time.Millisecond),
	)
	return result, nil
}

// settle libera la exposición de los eventos cuyos mercados ya resolvieron.
// Los pares con una ejecución en curso esperan al siguiente ciclo.
func (e *Engine) settle(pairs []domain.DuplicatePair, now time.Time) {
	for _, p := range pairs {
		at := p.ResolutionTime()
		resolved := !p.A.Active() || !p.B.Active() || (!at.IsZero() && !at.After(now))
		if !resolved || e.coord.Busy(p.ID()) {
			continue
		}
		if e.risk.Settle(p.EventKey()) {
			slog.Info("event settled, exposure released", "event", p.EventKey(), "pair", p.ID())
		}
	}
}

// markPositions valora las posiciones abiertas contra los books actuales y
// alimenta el breaker de pérdida diaria con el P&L no realizado.
func (e *Engine) markPositions(ctx context.Context) {
	holdings := e.risk.Holdings()
	if len(holdings) == 0 {
		return
	}
	marks := make(map[domain.Instrument]decimal.Decimal, len(holdings))
	for _, h := range holdings {
		inst := h.Instrument
		if _, done := marks[inst]; done {
			continue
		}
		v, ok := e.venue(inst.Venue)
		if !ok {
			continue
		}
		book, err := v.Books.GetLatestBook(ctx, inst.Venue, inst.MarketID, inst.OutcomeID)
		if err != nil {
			slog.Debug("no mark for holding, keeping last", "venue", inst.Venue, "market", inst.MarketID, "outcome", inst.OutcomeID, "err", err)
			continue
		}
		if mk, ok := book.MarkPrice(); ok {
			marks[inst] = mk
		}
	}
	pnl := e.risk.MarkToMarket(marks)
	slog.Debug("positions marked", "holdings", len(holdings), "marked", len(marks), "unrealized", pnl.StringFixed(2))
}

// resolveUnknown vuelve a reconciliar mientras haya órdenes de estado
// desconocido; el breaker sigue hasta que un operador lo levante.
func (e *Engine) resolveUnknown(ctx context.Context) {
	for _, b := range e.risk.Breakers() {
		if b.Kind != domain.BreakerOrderUnknown {
			continue
		}
		if err := e.coord.Reconcile(ctx); err != nil {
			slog.Warn("unknown orders still unresolved", "err", err)
		}
		return
	}
}

// match corre una pasada del matcher por cada par de venues con ambos
// catálogos. Sólo falla si ningún par produjo veredictos.
func (e *Engine) match(ctx context.Context, cats map[domain.VenueID][]domain.Market) (pairs, tradeable []domain.DuplicatePair, err error) {
	var errs []error
	ran := 0
	for _, vp := range e.pairs {
		catA, okA := cats[vp.A.ID]
		catB, okB := cats[vp.B.ID]
		if !okA || !okB {
			continue
		}
		found, err := vp.Matcher.Update(ctx, catA, catB)
		if err != nil {
			// Un fallo de persistencia deja los veredictos en memoria; se sigue.
			if len(found) == 0 {
				errs = append(errs, fmt.Errorf("arb.RunOnce: %s/%s: %w", vp.A.ID, vp.B.ID, err))
				continue
			}
			slog.Warn("matcher pass persisted partially", "venue_a", vp.A.ID, "venue_b", vp.B.ID, "err", err)
		}
		ran++
		pairs = append(pairs, found...)
		tradeable = append(tradeable, vp.Matcher.Tradeable()...)
	}
	if ran == 0 && len(errs) > 0 {
		return nil, nil, errors.Join(errs...)
	}
	for _, err := range errs {
		slog.Warn("matcher pass failed for venue pair", "err", err)
	}
	return pairs, tradeable, nil
}

func (e *Engine) venue(id domain.VenueID) (Venue, bool) {
	for _, v := range e.venues {
		if v.ID == id && v.Books != nil {
			return v, true
		}
	}
	return Venue{}, false
}

// reportHealth propaga la salud de cada venue a los breakers.
func (e *Engine) reportHealth(ctx context.Context) {
	for _, v := range e.venues {
		if v.Health == nil {
			continue
		}
		h, err := v.Health.Health(ctx, v.ID)
		if err != nil {
			slog.Warn("health check failed", "venue", v.ID, "err", err)
			e.risk.ReportVenueError(v.ID, err)
			continue
		}
		e.risk.ReportHealth(h)
	}
	for _, b := range e.risk.Breakers() {
		e.m.SetBreaker(string(b.Kind), string(b.Venue), b.Active())
	}
}

// catalogs descarga el catálogo de cada venue en paralelo. Un venue caído
// sólo deja fuera sus pares; falla si ningún par tiene ambos catálogos.
func (e *Engine) catalogs(ctx context.Context) (map[domain.VenueID][]domain.Market, error) {
	var (
		mu   sync.Mutex
		errs []error
		cats = make(map[domain.VenueID][]domain.Market, len(e.venues))
	)
	var g errgroup.Group
	for _, v := range e.venues {
		g.Go(func() error {
			markets, err := v.Catalog.ListMarkets(ctx, v.ID)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, fmt.Errorf("arb.RunOnce: catalog %s: %w", v.ID, err))
				return nil
			}
			cats[v.ID] = markets
			return nil
		})
	}
	_ = g.Wait()

	for _, vp := range e.pairs {
		_, okA := cats[vp.A.ID]
		_, okB := cats[vp.B.ID]
		if okA && okB {
			for _, err := range errs {
				slog.Warn("catalog unavailable, skipping its venue pairs", "err", err)
			}
			return cats, nil
		}
	}
	return nil, errors.Join(errs...)
}

// track registra los mercados en las caches de books que hacen polling y
// las refresca antes de evaluar.
func (e *Engine) track(ctx context.Context, cats map[domain.VenueID][]domain.Market) {
	for _, v := range e.venues {
		cat, ok := cats[v.ID]
		if !ok {
			continue
		}
		if t, ok := v.Books.(tracker); ok {
			t.Track(cat)
		}
		if r, ok := v.Books.(refresher); ok {
			if err := r.Refresh(ctx); err != nil {
				slog.Warn("book refresh incomplete", "venue", v.ID, "err", err)
			}
		}
	}
}

// evaluate elige, para cada par libre, el mejor plan entre sus outcome links.
func (e *Engine) evaluate(ctx context.Context, pairs []domain.DuplicatePair, result *CycleResult) []candidate {
	var out []candidate
	for _, pair := range pairs {
		if ctx.Err() != nil {
			break
		}
		if e.coord.Busy(pair.ID()) {
			result.skip(SkipBusy)
			e.m.RecordSkip(SkipBusy)
			continue
		}

		var best *candidate
		reason := ""
		for _, link := range pair.OutcomeLinks {
			c, why := e.planLink(ctx, pair, link)
			if c == nil {
				if reason == "" {
					reason = why
				}
				continue
			}
			if best == nil || c.quote.NetEdge.GreaterThan(best.quote.NetEdge) {
				best = c
			}
		}
		if best == nil {
			if reason == "" {
				reason = SkipNoBook
			}
			result.skip(reason)
			e.m.RecordSkip(reason)
			continue
		}
		out = append(out, *best)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].quote.NetEdge.GreaterThan(out[j].quote.NetEdge)
	})
	return out
}

// planLink devuelve el plan de un link o el motivo por el que se descarta.
func (e *Engine) planLink(ctx context.Context, pair domain.DuplicatePair, link domain.OutcomeLink) (*candidate, string) {
	va, okA := e.venue(pair.A.Venue)
	vb, okB := e.venue(pair.B.Venue)
	if !okA || !okB {
		return nil, SkipNoBook
	}
	bookA, err := va.Books.GetLatestBook(ctx, pair.A.Venue, pair.A.ID, link.AOutcome)
	if why := bookSkip(err); why != "" {
		slog.Warn("skipping pair", "pair", pair.ID(), "venue", pair.A.Venue, "outcome", link.AOutcome, "reason", why, "err", err)
		return nil, why
	}
	bookB, err := vb.Books.GetLatestBook(ctx, pair.B.Venue, pair.B.ID, link.BOutcome)
	if why := bookSkip(err); why != "" {
		slog.Warn("skipping pair", "pair", pair.ID(), "venue", pair.B.Venue, "outcome", link.BOutcome, "reason", why, "err", err)
		return nil, why
	}

	plan, quote, err := e.planner.Plan(pair, link, bookA, bookB, e.cfg.TargetQty)
	switch {
	case errors.Is(err, domain.ErrInsufficientDepth):
		slog.Debug("pair lacks depth", "pair", pair.ID(), "err", err)
		return nil, SkipDepth
	case errors.Is(err, execution.ErrSlippageCap):
		slog.Debug("pair exceeds slippage cap", "pair", pair.ID(), "err", err)
		return nil, SkipSlippage
	case err != nil:
		slog.Warn("plan failed", "pair", pair.ID(), "err", err)
		return nil, SkipBookError
	}
	e.m.RecordEdge(quote.NetEdge)

	if quote.Stale {
		e.rejectPlan(ctx, plan, quote, SkipStale, "book older than the staleness threshold")
		return nil, SkipStale
	}
	if !quote.NetEdge.IsPositive() {
		e.rejectPlan(ctx, plan, quote, SkipNoEdge, "net edge "+quote.NetEdge.StringFixed(2)+" after fees")
		return nil, SkipNoEdge
	}
	return &candidate{plan: plan, quote: quote}, ""
}

// rejectPlan registra un plan descartado antes de llegar al risk manager.
func (e *Engine) rejectPlan(ctx context.Context, plan domain.TradePlan, quote domain.EdgeQuote, why, reason string) {
	if e.journal == nil {
		return
	}
	d := domain.Decision{
		ID:     uuid.NewString(),
		PlanID: plan.ID,
		PairID: plan.PairID,
		Kind:   domain.DecisionRejected,
		Reason: why + ": " + reason,
		State:  string(domain.StatePlanned),
		Edge:   quote.NetEdge,
		Detail: map[string]string{
			"skip":      why,
			"strategy":  string(plan.Strategy),
			"direction": string(plan.Direction),
			"leg1":      fmt.Sprintf("%s %s %s@%d", plan.Leg1.Venue, plan.Leg1.Side, plan.Leg1.OutcomeID, plan.Leg1.Price),
			"leg2":      fmt.Sprintf("%s %s %s@%d", plan.Leg2.Venue, plan.Leg2.Side, plan.Leg2.OutcomeID, plan.Leg2.Price),
		},
		At: e.now(),
	}
	if err := e.journal.RecordDecision(ctx, d); err != nil {
		slog.Warn("decision log write failed", "plan", plan.ID, "err", err)
	}
}

// bookSkip traduce el error de la cache de books a un motivo de skip.
func bookSkip(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, domain.ErrStale):
		return SkipStale
	case errors.Is(err, domain.ErrNotFound):
		return SkipNoBook
	}
	return SkipBookError
}

// dispatch entrega los planes al coordinator con a lo sumo cfg.Workers
// ejecuciones simultáneas. Con wait=false las ejecuciones siguen en
// segundo plano y el ciclo siguiente salta los pares ocupados.
func (e *Engine) dispatch(ctx context.Context, cands []candidate, result *CycleResult, wait bool) {
	if len(cands) == 0 {
		return
	}
	// En modo asíncrono el ciclo ya habrá retornado cuando terminen.
	sink := result
	if !wait {
		sink = &CycleResult{Skipped: make(map[string]int)}
	}
	var mu sync.Mutex
	g := new(errgroup.Group)
	g.SetLimit(e.cfg.Workers)

	for _, c := range cands {
		g.Go(func() error {
			rec, err := e.coord.Execute(ctx, c.plan, c.quote)
			mu.Lock()
			defer mu.Unlock()
			e.recordOutcome(c, rec, err, sink)
			return nil
		})
	}

	if wait {
		_ = g.Wait()
		return
	}
	e.inflight.Add(1)
	go func() {
		defer e.inflight.Done()
		_ = g.Wait()
	}()
}

func (e *Engine) logDryRun(cands []candidate) {
	for _, c := range cands {
		e.m.RecordPlan("dry_run")
		slog.Info("dry-run plan",
			"plan", c.plan.ID,
			"pair", c.plan.PairID,
			"strategy", c.plan.Strategy,
			"direction", c.plan.Direction,
			"qty", c.plan.TargetQty,
			"leg1", fmt.Sprintf("%s %s %s@%d", c.plan.Leg1.Venue, c.plan.Leg1.Side, c.plan.Leg1.OutcomeID, c.plan.Leg1.Price),
			"leg2", fmt.Sprintf("%s %s %s@%d", c.plan.Leg2.Venue, c.plan.Leg2.Side, c.plan.Leg2.OutcomeID, c.plan.Leg2.Price),
			"edge", c.quote.NetEdge.StringFixed(2),
			"edge_per_contract", c.quote.EdgePerContract().StringFixed(2),
			"threshold", e.risk.Threshold(c.plan, c.plan.TargetQty).StringFixed(2),
		)
	}
}

func (e *Engine) recordOutcome(c candidate, rec domain.ExecutionRecord, err error, result *CycleResult) {
	var rej *risk.RejectedError
	switch {
	case err == nil:
		result.Executions = append(result.Executions, rec)
	case errors.Is(err, execution.ErrBusy):
		result.skip(SkipBusy)
		e.m.RecordSkip(SkipBusy)
	case errors.Is(err, execution.ErrShuttingDown):
		slog.Debug("plan dropped during shutdown", "plan", c.plan.ID)
	case errors.As(err, &rej):
		result.Rejected++
		slog.Debug("plan rejected", "plan", c.plan.ID, "pair", c.plan.PairID, "limit", rej.Limit, "err", err)
	case errors.Is(err, domain.ErrOrderUnknown):
		result.Failed++
		result.Executions = append(result.Executions, rec)
		slog.Error("order state unknown, trading halted until reconciled", "plan", c.plan.ID, "pair", c.plan.PairID, "state", rec.State, "err", err)
	case errors.Is(err, domain.ErrUnwindFailure):
		result.Failed++
		result.Executions = append(result.Executions, rec)
		slog.Error("unwind failed, trading halted", "plan", c.plan.ID, "pair", c.plan.PairID, "err", err)
	default:
		result.Failed++
		result.Executions = append(result.Executions, rec)
		slog.Warn("execution failed", "plan", c.plan.ID, "pair", c.plan.PairID, "state", rec.State, "err", err)
	}
}

// report publica las decisiones registradas desde el inicio del ciclo.
func (e *Engine) report(ctx context.Context, since time.Time, result *CycleResult) {
	if e.journal == nil {
		return
	}
	decisions, err := e.journal.Decisions(ctx, since, e.now().Add(time.Second))
	if err != nil {
		slog.Warn("decision log unreadable", "err", err)
		return
	}
	result.Decisions = decisions
	if e.notifier != nil {
		if err := e.notifier.NotifyDecisions(ctx, decisions); err != nil {
			slog.Warn("notify decisions failed", "err", err)
		}
	}
}

func countSpecOK(pairs []domain.DuplicatePair) int {
	n := 0
	for _, p := range pairs {
		if p.SpecOK {
			n++
		}
	}
	return n
}

func breakerIDs(bs []domain.Breaker) []string {
	out := make([]string, 0, len(bs))
	for _, b := range bs {
		out = append(out, domain.BreakerID(b.Kind, b.Venue))
	}
	return out
}
