package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/alejandrodnm/pairarb/config"
	"github.com/alejandrodnm/pairarb/internal/adapters/notify"
	"github.com/alejandrodnm/pairarb/internal/adapters/polymarket"
	"github.com/alejandrodnm/pairarb/internal/adapters/sim"
	"github.com/alejandrodnm/pairarb/internal/adapters/storage"
	"github.com/alejandrodnm/pairarb/internal/adapters/venue"
	"github.com/alejandrodnm/pairarb/internal/application/arb"
	"github.com/alejandrodnm/pairarb/internal/domain"
	"github.com/alejandrodnm/pairarb/internal/edge"
	"github.com/alejandrodnm/pairarb/internal/execution"
	"github.com/alejandrodnm/pairarb/internal/fees"
	"github.com/alejandrodnm/pairarb/internal/matcher"
	"github.com/alejandrodnm/pairarb/internal/metrics"
	"github.com/alejandrodnm/pairarb/internal/ports"
	"github.com/alejandrodnm/pairarb/internal/risk"
)

// app agrupa los componentes que main y el reload necesitan.
type app struct {
	engine *arb.Engine
	coord  *execution.Coordinator
	risk   *risk.Manager
	// uno por par de venues, el principal primero
	matchers []*matcher.Matcher
	fees     *fees.Engine
	limited  *venue.Limited
	metrics  *metrics.Metrics
	store    *storage.SQLiteStorage
	// overrides que vienen de la config; un reload que los quite los borra
	fromConfig map[domain.PairKey]bool
}

// build monta el grafo completo. Con paper=true todos los venues son el
// exchange simulado; sin él, polymarket se lee de la API pública, el resto
// del fixture, y no se envían órdenes (no hay adapters de trading).
func build(ctx context.Context, cfg *config.Config, store *storage.SQLiteStorage, notifier *notify.Console, paper bool) (*app, error) {
	venuePairs, venues := cfg.VenuePairs(), cfg.VenueList()
	m := metrics.New()
	fe := fees.New(cfg.FeeSchedules())

	rm := risk.NewManager(cfg.RiskLimits(), risk.WithStore(store), risk.WithMetrics(m))
	if err := rm.Load(ctx); err != nil {
		return nil, err
	}

	matchers := make([]*matcher.Matcher, len(venuePairs))
	for i := range venuePairs {
		mt := matcher.New(cfg.MatcherConfig(), matcher.WithStore(store))
		if err := mt.LoadOverrides(ctx, store); err != nil {
			return nil, err
		}
		matchers[i] = mt
	}
	fromConfig, err := applyConfigOverrides(ctx, cfg, store, matchers...)
	if err != nil {
		return nil, err
	}

	var ex *sim.Exchange
	if cfg.Paper.Fixture != "" {
		fx, err := sim.LoadFixture(cfg.Paper.Fixture)
		if err != nil {
			return nil, err
		}
		ex = sim.New(venues, sim.WithStaleAfter(cfg.BookStaleAfter()))
		if err := ex.Apply(fx, simFee(fe)); err != nil {
			return nil, err
		}
	} else if paper {
		return nil, errors.New("build: -paper needs paper.fixture")
	}

	var poly *polymarket.Client
	sources := make(map[domain.VenueID]arb.Venue, len(venues))
	for _, id := range venues {
		switch {
		case !paper && id == domain.VenuePolymarket:
			if poly == nil {
				poly = polymarket.NewClient(cfg.API.CLOBBase, cfg.API.GammaBase)
			}
			feed := polymarket.NewFeed(poly, polymarket.WithStaleAfter(cfg.BookStaleAfter()))
			sources[id] = arb.Venue{ID: id, Catalog: poly, Books: feed, Health: feed}
		case ex != nil:
			sources[id] = arb.Venue{ID: id, Catalog: ex, Books: paperFeed{ex}, Health: ex}
		default:
			return nil, fmt.Errorf("build: venue %s has no data adapter; set paper.fixture", id)
		}
	}

	// Sin -paper no hay venue capaz de recibir órdenes: el engine solo evalúa.
	routers := make(map[domain.VenueID]ports.OrderRouter, len(venues))
	var limited *venue.Limited
	if paper {
		limited = venue.NewLimited(ex, cfg.RateLimits())
		for _, id := range venues {
			routers[id] = limited
		}
	}

	planner := execution.NewPlanner(fe, edge.NewCalculator(fe,
		edge.WithStaleAfter(cfg.BookStaleAfter()),
		edge.WithMakerImprove(cfg.Execution.MakerImproveTicks)), cfg.PlannerConfig())
	coord := execution.NewCoordinator(routers, rm, cfg.CoordinatorConfig(),
		execution.WithOrderStore(store),
		execution.WithDecisionLog(store),
		execution.WithMetrics(m),
	)

	engCfg := cfg.EngineConfig()
	engCfg.DryRun = !paper
	if engCfg.DryRun {
		slog.Warn("no order-capable venue adapters: running in dry-run mode, plans are logged only")
	}
	opts := []arb.Option{
		arb.WithNotifier(notifier),
		arb.WithDecisionLog(store),
		arb.WithMetrics(m),
	}
	for i, vp := range venuePairs[1:] {
		opts = append(opts, arb.WithVenuePair(sources[vp[0]], sources[vp[1]], matchers[i+1]))
	}
	first := venuePairs[0]
	eng := arb.New(sources[first[0]], sources[first[1]], matchers[0], planner, coord, rm, engCfg, opts...)

	return &app{
		engine:     eng,
		coord:      coord,
		risk:       rm,
		matchers:   matchers,
		fees:       fe,
		limited:    limited,
		metrics:    m,
		store:      store,
		fromConfig: fromConfig,
	}, nil
}

// reload reaplica las partes de la config que cambian en caliente: fee
// schedules, overrides del matcher, límites de riesgo y rate limits.
func (a *app) reload(ctx context.Context, cfg *config.Config) error {
	for v, s := range cfg.FeeSchedules() {
		a.fees.SetSchedule(v, s)
	}
	a.risk.SetLimits(cfg.RiskLimits())
	if a.limited != nil {
		for v, lim := range cfg.RateLimits() {
			a.limited.SetLimit(v, lim)
		}
	}

	entries, err := cfg.OverrideEntries()
	if err != nil {
		return fmt.Errorf("reload: %w", err)
	}
	keep := make(map[domain.PairKey]bool, len(entries))
	for _, e := range entries {
		keep[e.Key] = true
	}
	for key := range a.fromConfig {
		if keep[key] {
			continue
		}
		if err := a.store.DeleteOverride(ctx, key); err != nil {
			return fmt.Errorf("reload: lift override %s: %w", key, err)
		}
		slog.Info("override lifted, no longer in config", "pair", key)
	}

	persisted, err := a.store.ListOverrides(ctx)
	if err != nil {
		return fmt.Errorf("reload: %w", err)
	}
	for _, mt := range a.matchers {
		mt.ReplaceOverrides(persisted)
	}
	fromConfig, err := applyConfigOverrides(ctx, cfg, a.store, a.matchers...)
	if err != nil {
		return err
	}
	a.fromConfig = fromConfig
	return nil
}

// applyConfigOverrides persiste y activa los overrides declarados en la
// config. Ganan sobre los persistidos para el mismo par. Devuelve los pares
// aplicados.
func applyConfigOverrides(ctx context.Context, cfg *config.Config, store ports.OverrideStore, matchers ...*matcher.Matcher) (map[domain.PairKey]bool, error) {
	entries, err := cfg.OverrideEntries()
	if err != nil {
		return nil, err
	}
	applied := make(map[domain.PairKey]bool, len(entries))
	for _, e := range entries {
		if err := store.SetOverride(ctx, e); err != nil {
			return nil, fmt.Errorf("override %s: %w", e.Key, err)
		}
		for _, mt := range matchers {
			mt.SetOverride(e)
		}
		applied[e.Key] = true
	}
	return applied, nil
}

// paperFeed publica los books del fixture como si llegaran de un feed vivo:
// el engine lo refresca al inicio de cada ciclo.
type paperFeed struct {
	*sim.Exchange
}

func (p paperFeed) Refresh(context.Context) error {
	p.Touch()
	return nil
}

// simFee cobra en el exchange simulado lo mismo que el fee engine.
func simFee(fe *fees.Engine) func(domain.VenueID, domain.Role, int64, int64) int64 {
	return func(v domain.VenueID, role domain.Role, price, qty int64) int64 {
		fee, err := fe.Fee(v, role, price, qty, "")
		if err != nil {
			return 0
		}
		return fee
	}
}
