package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"gexstream/internal/aggregate"
	"gexstream/internal/analytics"
	"gexstream/internal/backfill"
	"gexstream/internal/broker"
	"gexstream/internal/config"
	"gexstream/internal/engine"
	"gexstream/internal/greeks"
	"gexstream/internal/store"
	"gexstream/internal/stream"
	"gexstream/internal/universe"
)

func main() {
	var (
		configPath = flag.String("config", "configs/config.yaml", "path to config file")
		mode       = flag.String("mode", "all", "ingest | analytics | backfill | all")
	)
	flag.Parse()

	// .env is optional; real deployments set env vars directly.
	godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	broker.ResolveURLs(&cfg.API)
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Logging)
	logger.Info("starting gexstream",
		"mode", *mode,
		"underlying", cfg.Underlying,
		"sandbox", cfg.API.Sandbox)

	if err := run(cfg, *mode, logger); err != nil {
		logger.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, mode string, logger *slog.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := store.Open(dsn(cfg.DB), cfg.DB.PoolMax, logger)
	if err != nil {
		return err
	}
	defer st.Close()
	if err := st.Migrate(ctx); err != nil {
		return err
	}

	tokens := broker.NewTokenSource(cfg.API, logger)
	client := broker.NewClient(cfg.API, tokens, logger)
	enricher := greeks.NewEnricher(cfg.Numerics)

	if mode == "backfill" {
		go cancelOnSignal(cancel, logger)
		return backfill.New(cfg, client, enricher, logger).Run(ctx, st)
	}

	var stoppers []func()
	var fatal <-chan error

	if mode == "ingest" || mode == "all" {
		uni := universe.New(cfg.Universe, cfg.Underlying, client, logger)
		agg := aggregate.New(cfg.Stream.BucketSeconds, cfg.Stream.MaxBufferSize, logger)
		poller := stream.New(cfg, client, uni, logger)
		ing := engine.New(cfg, poller, agg, enricher, uni, st, logger)
		ing.Start(ctx)
		stoppers = append(stoppers, ing.Stop)
		fatal = ing.Fatal()
	}

	if mode == "analytics" || mode == "all" {
		eng, err := analytics.NewEngine(cfg, st, logger)
		if err != nil {
			return err
		}
		eng.Start()
		stoppers = append(stoppers, eng.Stop)

		pruner := store.NewPruner(st, cfg.DB, logger)
		pruner.Start()
		stoppers = append(stoppers, pruner.Stop)
	}

	if len(stoppers) == 0 {
		return fmt.Errorf("unknown mode %q", mode)
	}

	runErr := waitForStop(fatal, logger)

	logger.Info("shutting down")
	cancel()
	// Ingestion stops first so its final flush lands before the
	// schedulers shut down.
	for _, stop := range stoppers {
		stop()
	}
	logger.Info("shutdown complete")
	return runErr
}

// waitForStop blocks until a shutdown signal arrives or the ingestion
// engine halts on an unrecoverable error.
func waitForStop(fatal <-chan error, logger *slog.Logger) error {
	sigs := make(chan os.Signal, 2)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-sigs:
		logger.Info("signal received", "signal", sig)
	case err := <-fatal:
		logger.Error("ingestion halted", "error", err)
		runErr = err
	}

	// A second signal skips the graceful drain.
	go func() {
		<-sigs
		logger.Warn("second signal, exiting immediately")
		os.Exit(1)
	}()
	return runErr
}

func cancelOnSignal(cancel context.CancelFunc, logger *slog.Logger) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigs
	logger.Info("signal received, stopping backfill", "signal", sig)
	cancel()
}

func dsn(cfg config.DBConfig) string {
	if cfg.Password == "" {
		return cfg.DSN
	}
	return cfg.DSN + " password=" + cfg.Password
}

func newLogger(cfg config.LoggingConfig) *slog.Logger {
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
	return slog.New(handler)
}
