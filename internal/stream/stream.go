// Package stream drives one polling iteration: market session lookup,
// the latest underlying bar, universe maintenance, and batched option
// chain quotes.
package stream

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"gexstream/internal/broker"
	"gexstream/internal/config"
	"gexstream/internal/universe"
	"gexstream/pkg/types"
)

// Broker is the slice of the market-data client the stream manager
// uses.
type Broker interface {
	Quotes(ctx context.Context, symbols []string) ([]broker.QuotePayload, error)
	LatestBar(ctx context.Context, symbol string) (*broker.BarPayload, error)
}

// Manager polls the broker on a session-adaptive cadence and converts
// payloads into validated ticks.
type Manager struct {
	cfg        config.StreamConfig
	batchSize  int
	ivMin      float64
	ivMax      float64
	underlying string

	broker   Broker
	universe *universe.Universe
	logger   *slog.Logger
}

func New(cfg *config.Config, b Broker, u *universe.Universe, logger *slog.Logger) *Manager {
	return &Manager{
		cfg:        cfg.Stream,
		batchSize:  cfg.API.OptionBatchSize,
		ivMin:      cfg.Numerics.IVMin,
		ivMax:      cfg.Numerics.IVMax,
		underlying: cfg.Underlying,
		broker:     b,
		universe:   u,
		logger:     logger.With("component", "stream"),
	}
}

// Session reports the market session in effect at now.
func (m *Manager) Session(now time.Time) types.Session {
	return broker.SessionAt(now)
}

// Interval returns the polling interval for a market session: fast
// during regular hours, slower in the extended sessions, slowest when
// closed.
func (m *Manager) Interval(session types.Session) time.Duration {
	switch session {
	case types.SessionRegular:
		return m.cfg.MarketHoursPollInterval
	case types.SessionPreOpen, types.SessionAfterHours:
		return m.cfg.ExtendedHoursPollInterval
	default:
		return m.cfg.ClosedHoursPollInterval
	}
}

// PollResult is one iteration's worth of validated market data.
type PollResult struct {
	Session    types.Session
	Underlying *types.UnderlyingTick
	Spot       float64
	Options    []types.OptionTick
	Evicted    []string
	// BadTicks counts payloads dropped by validation this iteration.
	BadTicks int
}

// Poll runs one iteration. A failed underlying fetch fails the whole
// iteration; option-level failures are counted and skipped.
func (m *Manager) Poll(ctx context.Context, iteration int, now time.Time) (*PollResult, error) {
	res := &PollResult{Session: broker.SessionAt(now)}

	bar, err := m.broker.LatestBar(ctx, m.underlying)
	if err != nil {
		return nil, fmt.Errorf("latest bar for %s: %w", m.underlying, err)
	}
	if bar == nil {
		return nil, fmt.Errorf("no bars returned for %s", m.underlying)
	}
	tick, err := broker.NormalizeBar(*bar, m.underlying)
	if err != nil {
		return nil, fmt.Errorf("normalize bar for %s: %w", m.underlying, err)
	}
	res.Underlying = &tick
	res.Spot = tick.Close

	if m.universe.NeedsRecompute(iteration, res.Spot, now) {
		evicted, err := m.universe.Recompute(ctx, res.Spot, iteration, now)
		if err != nil {
			if m.universe.Len() == 0 {
				return nil, fmt.Errorf("universe recompute: %w", err)
			}
			// A stale universe beats no universe. Keep polling the old
			// set and try again next iteration.
			m.logger.Warn("universe recompute failed, keeping previous set", "error", err)
		} else {
			res.Evicted = evicted
		}
	}

	symbols := m.universe.Symbols()
	for start := 0; start < len(symbols); start += m.batchSize {
		end := min(start+m.batchSize, len(symbols))
		payloads, err := m.broker.Quotes(ctx, symbols[start:end])
		if err != nil {
			m.logger.Warn("option quote batch failed", "batch_start", start, "error", err)
			res.BadTicks += end - start
			continue
		}
		for _, p := range payloads {
			tick, err := broker.NormalizeOptionTick(p, now, m.ivMin, m.ivMax)
			if err != nil {
				m.logger.Warn("dropping invalid option quote", "symbol", p.Symbol, "error", err)
				res.BadTicks++
				continue
			}
			res.Options = append(res.Options, tick)
		}
	}

	return res, nil
}
