package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"gexstream/internal/aggregate"
	"gexstream/internal/broker"
	"gexstream/internal/config"
	"gexstream/internal/greeks"
	"gexstream/internal/store"
	"gexstream/internal/stream"
	"gexstream/internal/universe"
	"gexstream/pkg/types"
)

type fakePoller struct {
	res     *stream.PollResult
	err     error
	session types.Session
	calls   atomic.Int64
}

func (p *fakePoller) Poll(_ context.Context, _ int, _ time.Time) (*stream.PollResult, error) {
	p.calls.Add(1)
	return p.res, p.err
}

func (p *fakePoller) Session(_ time.Time) types.Session {
	return p.session
}

func (p *fakePoller) Interval(session types.Session) time.Duration {
	if session == types.SessionRegular {
		return time.Hour // keep tests single-iteration
	}
	return 2 * time.Hour
}

type fakeSink struct {
	mu        sync.Mutex
	bars      []types.UnderlyingBar
	quotes    []types.OptionQuote
	failing   bool
	permanent bool
	writes    int
}

func (s *fakeSink) WriteUnderlyingBars(_ context.Context, bars []types.UnderlyingBar) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes++
	if s.permanent {
		return &store.PermanentError{Err: errors.New("numeric field overflow")}
	}
	if s.failing {
		return errors.New("db down")
	}
	s.bars = append(s.bars, bars...)
	return nil
}

func (s *fakeSink) WriteOptionQuotes(_ context.Context, quotes []types.OptionQuote) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes++
	if s.permanent {
		return &store.PermanentError{Err: errors.New("numeric field overflow")}
	}
	if s.failing {
		return errors.New("db down")
	}
	s.quotes = append(s.quotes, quotes...)
	return nil
}

func (s *fakeSink) counts() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.bars), len(s.quotes)
}

func testEngineConfig() *config.Config {
	return &config.Config{
		Underlying: "SPY",
		API: config.APIConfig{
			RetryAttempts: 2,
			RetryDelay:    time.Millisecond,
			RetryBackoff:  2.0,
		},
		Universe: config.UniverseConfig{CleanupInterval: 0},
		Stream:   config.StreamConfig{BucketSeconds: 60, MaxBufferSize: 1000},
		Numerics: config.NumericsConfig{
			GreeksEnabled:   true,
			IVEnabled:       true,
			IVMaxIterations: 100,
			IVTolerance:     1e-5,
			IVMin:           0.01,
			IVMax:           5.0,
			RiskFreeRate:    0.05,
			DefaultIV:       0.25,
		},
	}
}

func newTestEngine(poller Poller, sink Sink) (*Engine, *aggregate.Aggregator) {
	cfg := testEngineConfig()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	agg := aggregate.New(cfg.Stream.BucketSeconds, cfg.Stream.MaxBufferSize, logger)
	uni := universe.New(cfg.Universe, "SPY", nil, logger)
	return New(cfg, poller, agg, greeks.NewEnricher(cfg.Numerics), uni, sink, logger), agg
}

func pollResultAt(ts time.Time) *stream.PollResult {
	contract := types.OptionContract{
		Underlying: "SPY",
		Expiration: types.ExchangeDate(ts.AddDate(0, 3, 0)),
		Strike:     decimal.NewFromInt(450),
		Type:       types.Put,
	}
	last := 12.0
	return &stream.PollResult{
		Session: types.SessionRegular,
		Spot:    450,
		Underlying: &types.UnderlyingTick{
			Symbol: "SPY",
			Bar: types.Bar{
				Timestamp: ts,
				Open:      450, High: 450.5, Low: 449.5, Close: 450,
				Volume: 1000,
			},
		},
		Options: []types.OptionTick{{
			Contract:     contract,
			Symbol:       contract.Symbol(),
			Timestamp:    ts,
			Last:         &last,
			Volume:       100,
			OpenInterest: 5000,
		}},
	}
}

func TestIterateWritesCompletedBuckets(t *testing.T) {
	t.Parallel()

	// Ticks two minutes old: their bucket is complete at poll time.
	now := time.Now()
	poller := &fakePoller{res: pollResultAt(now.Add(-2 * time.Minute))}
	sink := &fakeSink{}
	e, agg := newTestEngine(poller, sink)

	e.iterate(context.Background(), 1, now)

	bars, quotes := sink.counts()
	if bars != 1 || quotes != 1 {
		t.Fatalf("wrote %d bars and %d quotes, want 1 and 1", bars, quotes)
	}
	if agg.Len() != 0 {
		t.Errorf("aggregator still holds %d buckets", agg.Len())
	}

	q := sink.quotes[0]
	if q.IV == nil {
		t.Fatal("flushed quote not enriched")
	}
	if q.IVSource != types.IVSourceLast {
		t.Errorf("IVSource = %s, want last (solved from last trade)", q.IVSource)
	}
	if q.Gamma == nil {
		t.Error("greeks not evaluated")
	}

	s := e.Snapshot()
	if s.TicksIngested != 2 {
		t.Errorf("TicksIngested = %d, want 2", s.TicksIngested)
	}
	if s.BucketsWritten != 2 {
		t.Errorf("BucketsWritten = %d, want 2", s.BucketsWritten)
	}
}

func TestIterateKeepsLiveBuckets(t *testing.T) {
	t.Parallel()

	now := time.Now()
	poller := &fakePoller{res: pollResultAt(now)}
	sink := &fakeSink{}
	e, agg := newTestEngine(poller, sink)

	e.iterate(context.Background(), 1, now)

	bars, quotes := sink.counts()
	if bars != 0 || quotes != 0 {
		t.Errorf("wrote %d bars, %d quotes; current-minute buckets must stay buffered", bars, quotes)
	}
	if agg.Len() != 2 {
		t.Errorf("aggregator holds %d buckets, want 2", agg.Len())
	}
}

func TestWriteFailureRemergesBuckets(t *testing.T) {
	t.Parallel()

	now := time.Now()
	poller := &fakePoller{res: pollResultAt(now.Add(-2 * time.Minute))}
	sink := &fakeSink{failing: true}
	e, agg := newTestEngine(poller, sink)

	e.iterate(context.Background(), 1, now)

	if agg.Len() != 2 {
		t.Fatalf("aggregator holds %d buckets, want 2 re-merged after failed write", agg.Len())
	}
	s := e.Snapshot()
	if s.WriteFailures != 1 {
		t.Errorf("WriteFailures = %d, want 1", s.WriteFailures)
	}
	if s.BucketsWritten != 0 {
		t.Errorf("BucketsWritten = %d, want 0", s.BucketsWritten)
	}

	// Next iteration with a healthy sink drains the restored buckets.
	sink.mu.Lock()
	sink.failing = false
	sink.mu.Unlock()
	e.iterate(context.Background(), 2, now)

	bars, quotes := sink.counts()
	if bars != 1 || quotes != 1 {
		t.Errorf("wrote %d bars and %d quotes after recovery, want 1 and 1", bars, quotes)
	}
}

func TestIteratePollFailure(t *testing.T) {
	t.Parallel()

	poller := &fakePoller{err: errors.New("broker down")}
	sink := &fakeSink{}
	e, _ := newTestEngine(poller, sink)

	_, err := e.iterate(context.Background(), 1, time.Now())
	if err != nil {
		t.Fatalf("transient poll failure must not halt the loop: %v", err)
	}

	s := e.Snapshot()
	if s.PollFailures != 1 {
		t.Errorf("PollFailures = %d, want 1", s.PollFailures)
	}
}

func TestPollFailureKeepsSessionCadence(t *testing.T) {
	t.Parallel()

	poller := &fakePoller{err: errors.New("timeout"), session: types.SessionRegular}
	sink := &fakeSink{}
	e, _ := newTestEngine(poller, sink)

	interval, err := e.iterate(context.Background(), 1, time.Now())
	if err != nil {
		t.Fatalf("iterate: %v", err)
	}
	if interval != time.Hour {
		t.Errorf("retry interval = %v, want the regular-session interval", interval)
	}

	poller.session = types.SessionClosed
	interval, err = e.iterate(context.Background(), 2, time.Now())
	if err != nil {
		t.Fatalf("iterate: %v", err)
	}
	if interval != 2*time.Hour {
		t.Errorf("retry interval = %v, want the closed-session interval", interval)
	}
}

func TestAuthFailureHaltsEngine(t *testing.T) {
	t.Parallel()

	pollErr := fmt.Errorf("latest bar for SPY: %w", &broker.AuthError{Status: 403, Msg: "refresh token rejected"})
	poller := &fakePoller{err: pollErr}
	sink := &fakeSink{}
	e, _ := newTestEngine(poller, sink)

	e.Start(context.Background())
	var fatal error
	select {
	case fatal = <-e.Fatal():
	case <-time.After(2 * time.Second):
		t.Fatal("engine kept polling after an auth failure")
	}
	e.Stop()

	var authErr *broker.AuthError
	if !errors.As(fatal, &authErr) {
		t.Fatalf("fatal error = %v, want AuthError", fatal)
	}
	if n := poller.calls.Load(); n != 1 {
		t.Errorf("poll attempts = %d, want 1", n)
	}
}

func TestPermanentWriteFailureHalts(t *testing.T) {
	t.Parallel()

	now := time.Now()
	poller := &fakePoller{res: pollResultAt(now.Add(-2 * time.Minute))}
	sink := &fakeSink{permanent: true}
	e, agg := newTestEngine(poller, sink)

	_, err := e.iterate(context.Background(), 1, now)

	var perm *store.PermanentError
	if !errors.As(err, &perm) {
		t.Fatalf("iterate error = %v, want PermanentError", err)
	}
	sink.mu.Lock()
	writes := sink.writes
	sink.mu.Unlock()
	if writes != 1 {
		t.Errorf("sink writes = %d, want 1 (rejected batches must not be retried)", writes)
	}
	if agg.Len() != 0 {
		t.Errorf("aggregator holds %d buckets; rejected batches must not be re-merged", agg.Len())
	}
	s := e.Snapshot()
	if s.WriteFailures != 1 {
		t.Errorf("WriteFailures = %d, want 1", s.WriteFailures)
	}
}

func TestStopFlushesRemaining(t *testing.T) {
	t.Parallel()

	now := time.Now()
	poller := &fakePoller{res: pollResultAt(now)}
	sink := &fakeSink{}
	e, _ := newTestEngine(poller, sink)

	e.Start(context.Background())
	// Let the first iteration buffer the current-minute buckets.
	deadline := time.Now().Add(2 * time.Second)
	for poller.calls.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	e.Stop()

	bars, quotes := sink.counts()
	if bars != 1 || quotes != 1 {
		t.Errorf("shutdown flush wrote %d bars and %d quotes, want 1 and 1", bars, quotes)
	}
}
