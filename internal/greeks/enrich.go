package greeks

import (
	"gexstream/internal/config"
	"gexstream/pkg/types"
)

// Enricher resolves implied volatility and evaluates greeks on
// completed option buckets. Shared by the streaming pipeline and the
// backfill.
type Enricher struct {
	solver        *Solver
	rate          float64
	defaultIV     float64
	ivEnabled     bool
	greeksEnabled bool
}

func NewEnricher(cfg config.NumericsConfig) *Enricher {
	return &Enricher{
		solver:        NewSolver(cfg.IVMaxIterations, cfg.IVTolerance, cfg.IVMin, cfg.IVMax),
		rate:          cfg.RiskFreeRate,
		defaultIV:     cfg.DefaultIV,
		ivEnabled:     cfg.IVEnabled,
		greeksEnabled: cfg.GreeksEnabled,
	}
}

// Enrich fills q.IV, q.IVSource, and the greeks in place. Time to
// expiry is measured from the bucket start, so backfilled rows get the
// numerics as of their historical timestamp. Rows that cannot be
// evaluated keep nil greeks.
func (e *Enricher) Enrich(q *types.OptionQuote, spot float64) {
	if spot <= 0 {
		return
	}
	t := TimeToExpiry(q.BucketStart, q.Contract.Expiration)

	if e.ivEnabled {
		tick := types.OptionTick{
			Contract: q.Contract,
			Last:     q.Last,
			Bid:      q.Bid,
			Ask:      q.Ask,
			BrokerIV: q.BrokerIV,
		}
		iv, src := e.solver.Resolve(tick, spot, e.rate, t, e.defaultIV)
		q.IV = &iv
		q.IVSource = src
	}

	if e.greeksEnabled && q.IV != nil {
		g, err := Evaluate(q.Contract.Type, spot, q.Contract.Strike.InexactFloat64(), e.rate, *q.IV, t)
		if err == nil {
			q.Delta = &g.Delta
			q.Gamma = &g.Gamma
			q.Theta = &g.Theta
			q.Vega = &g.Vega
		}
	}
}
