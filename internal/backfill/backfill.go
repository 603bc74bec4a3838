// Package backfill loads historical underlying bars and periodically
// sampled option chains for a lookback window, stamping every record
// with its bar timestamp rather than the wall clock.
package backfill

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"gexstream/internal/broker"
	"gexstream/internal/config"
	"gexstream/internal/greeks"
	"gexstream/internal/universe"
	"gexstream/pkg/types"
)

// writeBatch is how many rows go to the store per call.
const writeBatch = 500

// Broker is the slice of the market-data client the backfill uses.
type Broker interface {
	Bars(ctx context.Context, symbol string, q broker.BarsQuery) ([]broker.BarPayload, error)
	Quotes(ctx context.Context, symbols []string) ([]broker.QuotePayload, error)
	Expirations(ctx context.Context, underlying string) ([]time.Time, error)
	Strikes(ctx context.Context, underlying string, expiration time.Time) ([]decimal.Decimal, error)
}

// Sink receives the backfilled rows.
type Sink interface {
	WriteUnderlyingBars(ctx context.Context, bars []types.UnderlyingBar) error
	WriteOptionQuotes(ctx context.Context, quotes []types.OptionQuote) error
}

// Manager runs one backfill pass to completion.
type Manager struct {
	cfg        config.BackfillConfig
	underlying string
	ivMin      float64
	ivMax      float64
	batchSize  int

	broker   Broker
	universe *universe.Universe
	enricher *greeks.Enricher
	logger   *slog.Logger
}

func New(cfg *config.Config, b Broker, enricher *greeks.Enricher, logger *slog.Logger) *Manager {
	log := logger.With("component", "backfill")
	return &Manager{
		cfg:        cfg.Backfill,
		underlying: cfg.Underlying,
		ivMin:      cfg.Numerics.IVMin,
		ivMax:      cfg.Numerics.IVMax,
		batchSize:  cfg.API.OptionBatchSize,
		broker:     b,
		universe:   universe.New(cfg.Universe, cfg.Underlying, b, log),
		enricher:   enricher,
		logger:     log,
	}
}

// Run fetches bars for the lookback window, writes them, and samples
// the option chain on every Nth bar. Option expirations come from the
// broker's current listing, the closest available stand-in for the
// historical chain.
func (m *Manager) Run(ctx context.Context, sink Sink) error {
	now := time.Now()
	first := now.AddDate(0, 0, -m.cfg.LookbackDays)

	total := marketMinutes(first, now)
	m.logger.Info("backfill starting",
		"underlying", m.underlying,
		"from", first.Format("2006-01-02"),
		"to", now.Format("2006-01-02"),
		"market_minutes", total)

	payloads, err := m.broker.Bars(ctx, m.underlying, broker.BarsQuery{
		Interval:        m.cfg.BarInterval,
		Unit:            m.cfg.BarUnit,
		FirstDate:       first,
		LastDate:        now,
		SessionTemplate: "USEQ24Hour",
	})
	if err != nil {
		return fmt.Errorf("backfill bars for %s: %w", m.underlying, err)
	}
	if len(payloads) == 0 {
		m.logger.Warn("no bars in backfill window")
		return nil
	}

	var (
		pending    []types.UnderlyingBar
		barsSeen   int
		sampled    int
		badTicks   int
		lastReport = time.Now()
	)
	for _, p := range payloads {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		tick, err := broker.NormalizeBar(p, m.underlying)
		if err != nil {
			badTicks++
			continue
		}
		barsSeen++

		pending = append(pending, barToRow(tick))
		if len(pending) >= writeBatch {
			if err := sink.WriteUnderlyingBars(ctx, pending); err != nil {
				return fmt.Errorf("write underlying bars: %w", err)
			}
			pending = pending[:0]
		}

		if m.cfg.OptionSampling > 0 && barsSeen%m.cfg.OptionSampling == 0 {
			if err := m.sampleChain(ctx, sink, tick); err != nil {
				// A failed sample loses one snapshot, not the backfill.
				m.logger.Warn("option chain sample failed", "bar_time", tick.Timestamp, "error", err)
			} else {
				sampled++
			}
		}

		if time.Since(lastReport) >= 10*time.Second {
			done := marketMinutes(first, tick.Timestamp)
			m.logger.Info("backfill progress",
				"bars", barsSeen,
				"samples", sampled,
				"pct", fmt.Sprintf("%.1f", 100*float64(done)/float64(max(total, 1))))
			lastReport = time.Now()
		}
	}
	if len(pending) > 0 {
		if err := sink.WriteUnderlyingBars(ctx, pending); err != nil {
			return fmt.Errorf("write underlying bars: %w", err)
		}
	}

	m.logger.Info("backfill complete", "bars", barsSeen, "samples", sampled, "bad_ticks", badTicks)
	return nil
}

// sampleChain snapshots the option chain around one bar: universe
// membership as of the bar's close and date, quotes stamped with the
// bar timestamp, numerics evaluated as of that moment.
func (m *Manager) sampleChain(ctx context.Context, sink Sink, bar types.UnderlyingTick) error {
	if m.universe.NeedsRecompute(0, bar.Close, bar.Timestamp) {
		if _, err := m.universe.Recompute(ctx, bar.Close, 0, bar.Timestamp); err != nil {
			return err
		}
	}

	symbols := m.universe.Symbols()
	var rows []types.OptionQuote
	for start := 0; start < len(symbols); start += m.batchSize {
		end := min(start+m.batchSize, len(symbols))
		payloads, err := m.broker.Quotes(ctx, symbols[start:end])
		if err != nil {
			return err
		}
		for _, p := range payloads {
			tick, err := broker.NormalizeOptionTick(p, bar.Timestamp, m.ivMin, m.ivMax)
			if err != nil {
				continue
			}
			row := types.OptionQuote{
				Symbol:       tick.Symbol,
				Contract:     tick.Contract,
				BucketStart:  tick.Timestamp.In(types.ExchangeTZ()).Truncate(time.Minute),
				Last:         tick.Last,
				Bid:          tick.Bid,
				Ask:          tick.Ask,
				Volume:       tick.Volume,
				OpenInterest: tick.OpenInterest,
				BrokerIV:     tick.BrokerIV,
			}
			m.enricher.Enrich(&row, bar.Close)
			rows = append(rows, row)
		}
	}
	if len(rows) == 0 {
		return nil
	}
	return sink.WriteOptionQuotes(ctx, rows)
}

func barToRow(tick types.UnderlyingTick) types.UnderlyingBar {
	return types.UnderlyingBar{
		Symbol:      tick.Symbol,
		BucketStart: tick.Timestamp.In(types.ExchangeTZ()).Truncate(time.Minute),
		Open:        tick.Open,
		High:        tick.High,
		Low:         tick.Low,
		Close:       tick.Close,
		UpVolume:    tick.UpVolume,
		DownVolume:  tick.DownVolume,
		Volume:      tick.Volume,
	}
}

// marketMinutes estimates regular-session minutes between two times:
// 390 per weekday. Used only for progress reporting.
func marketMinutes(from, to time.Time) int {
	if !from.Before(to) {
		return 0
	}
	minutes := 0
	day := types.ExchangeDate(from)
	last := types.ExchangeDate(to)
	for !day.After(last) {
		if wd := day.Weekday(); wd != time.Saturday && wd != time.Sunday {
			minutes += 390
		}
		day = day.AddDate(0, 0, 1)
	}
	return minutes
}
