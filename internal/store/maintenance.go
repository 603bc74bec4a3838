package store

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"gexstream/internal/config"
)

// Pruner enforces the retention policy on a daily cron schedule.
type Pruner struct {
	store  *Store
	cfg    config.DBConfig
	logger *slog.Logger
	cron   *cron.Cron
}

func NewPruner(store *Store, cfg config.DBConfig, logger *slog.Logger) *Pruner {
	p := &Pruner{
		store:  store,
		cfg:    cfg,
		logger: logger.With("component", "pruner"),
	}
	p.cron = cron.New(cron.WithChain(
		cron.SkipIfStillRunning(cron.DiscardLogger),
		cron.Recover(cron.DiscardLogger),
	))
	if _, err := p.cron.AddFunc("@daily", p.Run); err != nil {
		p.logger.Error("retention schedule rejected", "error", err)
	}
	return p
}

func (p *Pruner) Start() { p.cron.Start() }

// Stop halts the schedule and waits for a running prune to finish.
func (p *Pruner) Stop() {
	<-p.cron.Stop().Done()
}

// Run executes one retention pass over every pruned table.
func (p *Pruner) Run() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	now := time.Now()
	targets := []struct {
		table  string
		cutoff time.Time
	}{
		{"underlying_bars", now.AddDate(0, 0, -p.cfg.RetentionQuoteDays)},
		{"option_quotes", now.AddDate(0, 0, -p.cfg.RetentionQuoteDays)},
		{"gex_summary", now.AddDate(0, 0, -p.cfg.RetentionMetricsDays)},
		{"gex_by_strike", now.AddDate(0, 0, -p.cfg.RetentionMetricsDays)},
	}
	for _, t := range targets {
		n, err := p.store.PruneOlderThan(ctx, t.table, t.cutoff)
		if err != nil {
			p.logger.Error("prune failed", "table", t.table, "error", err)
			continue
		}
		if n > 0 {
			p.logger.Info("pruned", "table", t.table, "rows", n)
		}
	}
}
