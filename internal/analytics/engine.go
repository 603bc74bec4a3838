package analytics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"gexstream/internal/config"
	"gexstream/internal/store"
	"gexstream/pkg/types"
)

// Snapshot is the slice of the store the engine reads and writes.
type Snapshot interface {
	LatestUnderlyingClose(ctx context.Context, symbol string, since time.Time) (float64, time.Time, error)
	LatestOptionSnapshot(ctx context.Context, underlying string, since time.Time) ([]types.OptionQuote, error)
	WriteGEXResults(ctx context.Context, summary types.GEXSummary, byStrike []types.GEXByStrike) error
}

// Engine runs the GEX calculation on a fixed schedule, skipping ticks
// while a previous run is still going.
type Engine struct {
	cfg        config.AnalyticsConfig
	underlying string
	rate       float64

	store  Snapshot
	logger *slog.Logger
	cron   *cron.Cron

	runs    int64
	skipped int64
}

func NewEngine(cfg *config.Config, st Snapshot, logger *slog.Logger) (*Engine, error) {
	e := &Engine{
		cfg:        cfg.Analytics,
		underlying: cfg.Underlying,
		rate:       cfg.Numerics.RiskFreeRate,
		store:      st,
		logger:     logger.With("component", "analytics"),
	}
	e.cron = cron.New(cron.WithChain(
		cron.SkipIfStillRunning(cron.DiscardLogger),
		cron.Recover(cron.DiscardLogger),
	))
	if _, err := e.cron.AddFunc(fmt.Sprintf("@every %s", e.cfg.Interval), e.tick); err != nil {
		return nil, fmt.Errorf("schedule calculation every %s: %w", e.cfg.Interval, err)
	}
	return e, nil
}

func (e *Engine) Start() {
	e.logger.Info("analytics engine starting", "interval", e.cfg.Interval)
	e.cron.Start()
}

// Stop halts the schedule and waits for an in-flight run.
func (e *Engine) Stop() {
	<-e.cron.Stop().Done()
	e.logger.Info("analytics engine stopped", "runs", e.runs, "skipped", e.skipped)
}

func (e *Engine) tick() {
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.Interval)
	defer cancel()
	if err := e.RunOnce(ctx); err != nil {
		e.logger.Error("calculation run failed", "error", err)
	}
}

// RunOnce executes one calculation against the freshest data inside
// the staleness window. A window with no usable data skips the run
// without writing anything.
func (e *Engine) RunOnce(ctx context.Context) error {
	calcTime := time.Now()
	since := calcTime.Add(-e.cfg.StalenessWindow)

	spot, spotAt, err := e.store.LatestUnderlyingClose(ctx, e.underlying, since)
	if errors.Is(err, store.ErrNoData) {
		e.skipped++
		e.logger.Debug("no fresh underlying close, skipping run")
		return nil
	}
	if err != nil {
		return err
	}

	snapshot, err := e.store.LatestOptionSnapshot(ctx, e.underlying, since)
	if err != nil {
		return err
	}
	usable := FilterSnapshot(snapshot)
	if len(usable) == 0 {
		e.skipped++
		e.logger.Debug("no contracts with gamma and open interest, skipping run")
		return nil
	}

	byStrike := ComputeByStrike(e.underlying, calcTime, usable, spot, e.rate)
	summary := Summarize(e.underlying, calcTime, byStrike, usable)

	if err := e.store.WriteGEXResults(ctx, summary, byStrike); err != nil {
		return fmt.Errorf("write gex results: %w", err)
	}

	e.runs++
	e.logger.Info("gex calculated",
		"contracts", len(usable),
		"strikes", len(byStrike),
		"spot", spot,
		"spot_age", calcTime.Sub(spotAt).Round(time.Second),
		"total_net_gex", summary.TotalNetGEX,
		"flip", flipValue(summary.GammaFlipPoint),
		"max_pain", summary.MaxPain)
	return nil
}

func flipValue(p *float64) any {
	if p == nil {
		return "none"
	}
	return *p
}
