// Package engine orchestrates the ingestion pipeline: poll, aggregate,
// enrich, persist. One goroutine owns the whole loop; Stop flushes
// every live bucket before returning.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"gexstream/internal/aggregate"
	"gexstream/internal/broker"
	"gexstream/internal/config"
	"gexstream/internal/greeks"
	"gexstream/internal/store"
	"gexstream/internal/stream"
	"gexstream/internal/universe"
	"gexstream/pkg/types"
)

// Sink receives completed buckets.
type Sink interface {
	WriteUnderlyingBars(ctx context.Context, bars []types.UnderlyingBar) error
	WriteOptionQuotes(ctx context.Context, quotes []types.OptionQuote) error
}

// Poller produces one iteration of market data.
type Poller interface {
	Poll(ctx context.Context, iteration int, now time.Time) (*stream.PollResult, error)
	Session(now time.Time) types.Session
	Interval(session types.Session) time.Duration
}

// Stats are the engine's running counters. Snapshot returns a copy.
type Stats struct {
	Iterations     int64
	PollFailures   int64
	BadTicks       int64
	TicksIngested  int64
	BucketsWritten int64
	WriteFailures  int64
	LastPoll       time.Time
	LastWrite      time.Time
}

type Engine struct {
	cfg      *config.Config
	poller   Poller
	agg      *aggregate.Aggregator
	enricher *greeks.Enricher
	universe *universe.Universe
	sink     Sink
	logger   *slog.Logger

	mu       sync.Mutex
	stats    Stats
	lastSpot float64

	fatal  chan error
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfg *config.Config, poller Poller, agg *aggregate.Aggregator, enricher *greeks.Enricher, uni *universe.Universe, sink Sink, logger *slog.Logger) *Engine {
	return &Engine{
		cfg:      cfg,
		poller:   poller,
		agg:      agg,
		enricher: enricher,
		universe: uni,
		sink:     sink,
		logger:   logger.With("component", "engine"),
		fatal:    make(chan error, 1),
	}
}

// Fatal delivers the error that halted the polling loop, if any. The
// caller decides whether to tear the process down.
func (e *Engine) Fatal() <-chan error { return e.fatal }

// Start launches the polling loop.
func (e *Engine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)
	e.wg.Add(1)
	go e.run(ctx)
	e.logger.Info("ingestion engine started", "underlying", e.cfg.Underlying)
}

// Stop halts polling, flushes all live buckets as final, and logs the
// run summary.
func (e *Engine) Stop() {
	e.cancel()
	e.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	remaining := e.agg.FlushAll()
	if len(remaining) > 0 {
		if err := e.writeFlushed(ctx, remaining); err != nil {
			e.logger.Error("final flush dropped buckets", "buckets", len(remaining), "error", err)
		}
	}

	s := e.Snapshot()
	e.logger.Info("ingestion engine stopped",
		"iterations", s.Iterations,
		"ticks", s.TicksIngested,
		"buckets_written", s.BucketsWritten,
		"poll_failures", s.PollFailures,
		"write_failures", s.WriteFailures,
		"bad_ticks", s.BadTicks)
}

// Snapshot returns a copy of the counters.
func (e *Engine) Snapshot() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats
}

func (e *Engine) run(ctx context.Context) {
	defer e.wg.Done()

	iteration := 0
	for {
		iteration++
		now := time.Now()

		interval, err := e.iterate(ctx, iteration, now)
		if err != nil {
			e.logger.Error("halting ingestion", "iteration", iteration, "error", err)
			e.fatal <- err
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}
	}
}

// iterate runs one poll cycle and returns how long to sleep before the
// next one. A non-nil error is unrecoverable and stops the loop.
func (e *Engine) iterate(ctx context.Context, iteration int, now time.Time) (time.Duration, error) {
	e.mu.Lock()
	e.stats.Iterations++
	e.mu.Unlock()

	res, err := e.poller.Poll(ctx, iteration, now)
	if err != nil {
		if ctx.Err() != nil {
			return time.Millisecond, nil
		}
		var authErr *broker.AuthError
		if errors.As(err, &authErr) {
			return 0, fmt.Errorf("poll: %w", err)
		}
		e.mu.Lock()
		e.stats.PollFailures++
		e.mu.Unlock()
		e.logger.Warn("poll failed", "iteration", iteration, "error", err)
		return e.poller.Interval(e.poller.Session(now)), nil
	}

	e.mu.Lock()
	e.stats.LastPoll = now
	e.stats.BadTicks += int64(res.BadTicks)
	e.stats.TicksIngested += int64(len(res.Options)) + 1
	e.lastSpot = res.Spot
	e.mu.Unlock()

	var flushed []aggregate.Flushed
	flushed = append(flushed, e.agg.AddUnderlying(*res.Underlying)...)
	for _, tick := range res.Options {
		flushed = append(flushed, e.agg.AddOption(tick)...)
	}

	// Contracts leaving the universe get their in-flight buckets
	// flushed immediately.
	for _, sym := range res.Evicted {
		flushed = append(flushed, e.agg.FlushSymbol(sym)...)
	}
	if interval := e.cfg.Universe.CleanupInterval; interval > 0 && iteration%interval == 0 {
		for _, sym := range e.universe.PruneExpired(now) {
			flushed = append(flushed, e.agg.FlushSymbol(sym)...)
		}
	}

	flushed = append(flushed, e.agg.Sweep(now)...)
	if len(flushed) > 0 {
		if err := e.writeFlushed(ctx, flushed); err != nil {
			return 0, err
		}
	}

	return e.poller.Interval(res.Session), nil
}

// writeFlushed enriches and persists a batch of completed buckets,
// retrying with backoff. Buckets that cannot be written are re-merged
// into the aggregator instead of dropped. A write the database rejects
// outright is returned as an error: retrying the same rows cannot
// succeed, so the batch is surfaced instead of re-merged.
func (e *Engine) writeFlushed(ctx context.Context, flushed []aggregate.Flushed) error {
	e.mu.Lock()
	spot := e.lastSpot
	e.mu.Unlock()

	var bars []types.UnderlyingBar
	var quotes []types.OptionQuote
	for _, f := range flushed {
		if f.Underlying != nil {
			bars = append(bars, *f.Underlying)
			continue
		}
		q := *f.Option
		e.enricher.Enrich(&q, spot)
		quotes = append(quotes, q)
	}

	err := e.withRetry(ctx, func() error {
		if err := e.sink.WriteUnderlyingBars(ctx, bars); err != nil {
			return err
		}
		return e.sink.WriteOptionQuotes(ctx, quotes)
	})
	if err != nil {
		e.mu.Lock()
		e.stats.WriteFailures++
		e.mu.Unlock()
		var perm *store.PermanentError
		if errors.As(err, &perm) {
			e.logger.Error("store rejected batch", "buckets", len(flushed), "error", err)
			return err
		}
		e.logger.Error("store write failed, re-merging buckets", "buckets", len(flushed), "error", err)
		for _, f := range flushed {
			e.agg.Restore(f)
		}
		return nil
	}

	e.mu.Lock()
	e.stats.BucketsWritten += int64(len(flushed))
	e.stats.LastWrite = time.Now()
	e.mu.Unlock()
	return nil
}

func (e *Engine) withRetry(ctx context.Context, fn func() error) error {
	delay := e.cfg.API.RetryDelay
	var err error
	for attempt := 1; attempt <= e.cfg.API.RetryAttempts; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		var perm *store.PermanentError
		if errors.As(err, &perm) {
			return err
		}
		if attempt < e.cfg.API.RetryAttempts {
			select {
			case <-ctx.Done():
				return err
			case <-time.After(delay):
			}
			delay = time.Duration(float64(delay) * e.cfg.API.RetryBackoff)
		}
	}
	return err
}
