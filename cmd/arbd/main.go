package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/alejandrodnm/pairarb/config"
	"github.com/alejandrodnm/pairarb/internal/adapters/notify"
	"github.com/alejandrodnm/pairarb/internal/adapters/storage"
	"github.com/alejandrodnm/pairarb/internal/domain"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to config file")
	once := flag.Bool("once", false, "run one evaluation cycle, wait for its executions and exit")
	paper := flag.Bool("paper", false, "trade against the simulated venue loaded from paper.fixture")
	verbose := flag.Bool("verbose", false, "set log level to debug")
	logFormat := flag.String("format", "", "log format: text|json (overrides config)")
	table := flag.Bool("table", false, "print full pair and decision tables (default: compact 1-line)")
	pairsOnly := flag.Bool("pairs", false, "print the persisted pair report and exit")
	riskOnly := flag.Bool("risk", false, "print the persisted risk report and exit")
	clearBreaker := flag.String("clear-breaker", "", "clear a manual breaker (kind:venue, e.g. unwind_failure:kalshi) and exit")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "err", err, "path", *configPath)
		os.Exit(1)
	}

	if *verbose {
		cfg.Log.Level = "debug"
	}
	if *logFormat != "" {
		cfg.Log.Format = *logFormat
	}
	setupLogger(cfg.Log)

	venueA, venueB := cfg.VenueIDs()
	slog.Info("arbd starting",
		"config", *configPath,
		"venue_a", venueA,
		"venue_b", venueB,
		"interval", cfg.Interval(),
		"paper", *paper,
		"once", *once,
	)

	store, err := storage.NewSQLiteStorage(cfg.Storage.DSN)
	if err != nil {
		slog.Error("failed to open storage", "err", err, "dsn", cfg.Storage.DSN)
		os.Exit(1)
	}
	defer store.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	notifier := notify.NewConsole(*table || *pairsOnly, *verbose)

	if *pairsOnly {
		pairs, err := store.ListPairs(ctx)
		if err != nil {
			slog.Error("failed to list pairs", "err", err)
			os.Exit(1)
		}
		_ = notifier.NotifyPairs(ctx, pairs)
		return
	}

	app, err := build(ctx, cfg, store, notifier, *paper)
	if err != nil {
		slog.Error("failed to build engine", "err", err)
		os.Exit(1)
	}

	switch {
	case *clearBreaker != "":
		if err := runClearBreaker(ctx, app, *clearBreaker); err != nil {
			slog.Error("clear breaker failed", "err", err)
			os.Exit(1)
		}
		return
	case *riskOnly:
		notifier.PrintRiskReport(app.risk.Snapshot())
		return
	case *once:
		if err := runOnce(ctx, app, notifier); err != nil {
			slog.Error("cycle failed", "err", err)
			os.Exit(1)
		}
		return
	}

	if err := run(ctx, app, cfg, *configPath); err != nil {
		slog.Error("arbd exited with error", "err", err)
		os.Exit(1)
	}
	slog.Info("arbd stopped cleanly")
}

// runOnce reconcilia, ejecuta un ciclo y muestra el estado de riesgo.
func runOnce(ctx context.Context, app *app, notifier *notify.Console) error {
	if err := app.coord.Reconcile(ctx); err != nil {
		slog.Warn("reconcile failed", "err", err)
	}
	if _, err := app.engine.RunOnce(ctx); err != nil {
		return err
	}
	notifier.PrintRiskReport(app.risk.Snapshot())
	return nil
}

// run arranca el loop del engine, el servidor de métricas y el handler de
// SIGHUP en un errgroup.
func run(ctx context.Context, app *app, cfg *config.Config, configPath string) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return app.engine.Run(gctx)
	})

	if cfg.Metrics.Addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(app.metrics.Registry(), promhttp.HandlerOpts{}))
		srv := &http.Server{
			Addr:         cfg.Metrics.Addr,
			Handler:      mux,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		}
		g.Go(func() error {
			slog.Info("metrics server listening", "addr", cfg.Metrics.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(sctx)
		})
	}

	g.Go(func() error {
		hup := make(chan os.Signal, 1)
		signal.Notify(hup, syscall.SIGHUP)
		defer signal.Stop(hup)
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-hup:
				next, err := config.Load(configPath)
				if err != nil {
					slog.Error("config reload failed, keeping current config", "err", err)
					continue
				}
				if err := app.reload(gctx, next); err != nil {
					slog.Error("config reload incomplete", "err", err)
					continue
				}
				slog.Info("config reloaded", "path", configPath)
			}
		}
	})

	return g.Wait()
}

// runClearBreaker levanta un breaker de clear manual y persiste el estado.
func runClearBreaker(ctx context.Context, app *app, id string) error {
	kind, venue, ok := strings.Cut(id, ":")
	if !ok || kind == "" {
		return fmt.Errorf("breaker %q is not kind:venue: %w", id, domain.ErrInvalidInput)
	}
	cleared, err := app.risk.ClearManual(domain.BreakerKind(kind), domain.VenueID(venue))
	if err != nil {
		return err
	}
	if !cleared {
		slog.Warn("breaker was not active", "breaker", id)
		return nil
	}
	if err := app.risk.Persist(ctx); err != nil {
		return err
	}
	slog.Info("breaker cleared", "breaker", id)
	return nil
}

func setupLogger(cfg config.LogConfig) {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}
