// Package universe maintains the set of option contracts being polled:
// the nearest expirations and the strikes within a dollar band around
// spot.
package universe

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"gexstream/internal/config"
	"gexstream/pkg/types"
)

// Broker is the slice of the market-data client the universe needs.
type Broker interface {
	Expirations(ctx context.Context, underlying string) ([]time.Time, error)
	Strikes(ctx context.Context, underlying string, expiration time.Time) ([]decimal.Decimal, error)
}

// Universe tracks the active contract set for one underlying. Not safe
// for concurrent use; the ingestion engine owns it from a single
// goroutine.
type Universe struct {
	cfg        config.UniverseConfig
	underlying string
	broker     Broker
	logger     *slog.Logger

	contracts     map[string]types.OptionContract
	lastSpot      float64
	lastIteration int
	populated     bool
}

func New(cfg config.UniverseConfig, underlying string, broker Broker, logger *slog.Logger) *Universe {
	return &Universe{
		cfg:        cfg,
		underlying: underlying,
		broker:     broker,
		logger:     logger.With("component", "universe"),
		contracts:  make(map[string]types.OptionContract),
	}
}

// Symbols returns the active contract symbols in sorted order.
func (u *Universe) Symbols() []string {
	out := make([]string, 0, len(u.contracts))
	for sym := range u.contracts {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}

// Contract looks up an active contract by symbol.
func (u *Universe) Contract(symbol string) (types.OptionContract, bool) {
	c, ok := u.contracts[symbol]
	return c, ok
}

func (u *Universe) Len() int { return len(u.contracts) }

// NeedsRecompute reports whether the contract set must be rebuilt:
// never built, the recompute interval elapsed, spot moved past the
// threshold, or a tracked expiration has passed.
func (u *Universe) NeedsRecompute(iteration int, spot float64, now time.Time) bool {
	if !u.populated {
		return true
	}
	if iteration-u.lastIteration >= u.cfg.RecalcInterval {
		return true
	}
	if math.Abs(spot-u.lastSpot) > u.cfg.PriceMoveThreshold {
		return true
	}
	today := types.ExchangeDate(now)
	for _, c := range u.contracts {
		if c.Expiration.Before(today) {
			return true
		}
	}
	return false
}

// Recompute rebuilds the contract set from the broker: the nearest
// configured expirations still in the future, and for each, both types
// at every strike within StrikeDistance of spot. Returns the symbols
// dropped from the previous set so their in-flight buckets can be
// flushed.
func (u *Universe) Recompute(ctx context.Context, spot float64, iteration int, now time.Time) ([]string, error) {
	expirations, err := u.broker.Expirations(ctx, u.underlying)
	if err != nil {
		return nil, fmt.Errorf("expirations for %s: %w", u.underlying, err)
	}

	today := types.ExchangeDate(now)
	live := expirations[:0]
	for _, e := range expirations {
		if !e.Before(today) {
			live = append(live, e)
		}
	}
	sort.Slice(live, func(i, j int) bool { return live[i].Before(live[j]) })
	if len(live) > u.cfg.Expirations {
		live = live[:u.cfg.Expirations]
	}

	lo := decimal.NewFromFloat(spot - u.cfg.StrikeDistance)
	hi := decimal.NewFromFloat(spot + u.cfg.StrikeDistance)

	next := make(map[string]types.OptionContract)
	for _, exp := range live {
		strikes, err := u.broker.Strikes(ctx, u.underlying, exp)
		if err != nil {
			return nil, fmt.Errorf("strikes for %s %s: %w", u.underlying, exp.Format("2006-01-02"), err)
		}
		for _, strike := range strikes {
			if strike.LessThan(lo) || strike.GreaterThan(hi) {
				continue
			}
			for _, typ := range []types.OptionType{types.Call, types.Put} {
				c := types.OptionContract{
					Underlying: u.underlying,
					Expiration: exp,
					Strike:     strike,
					Type:       typ,
				}
				next[c.Symbol()] = c
			}
		}
	}

	var evicted []string
	for sym := range u.contracts {
		if _, ok := next[sym]; !ok {
			evicted = append(evicted, sym)
		}
	}
	sort.Strings(evicted)

	u.contracts = next
	u.lastSpot = spot
	u.lastIteration = iteration
	u.populated = true

	u.logger.Info("universe recomputed",
		"contracts", len(next),
		"expirations", len(live),
		"spot", spot,
		"evicted", len(evicted))

	return evicted, nil
}

// PruneExpired drops contracts whose expiration precedes today and
// returns their symbols.
func (u *Universe) PruneExpired(now time.Time) []string {
	today := types.ExchangeDate(now)
	var dropped []string
	for sym, c := range u.contracts {
		if c.Expiration.Before(today) {
			dropped = append(dropped, sym)
			delete(u.contracts, sym)
		}
	}
	sort.Strings(dropped)
	return dropped
}
