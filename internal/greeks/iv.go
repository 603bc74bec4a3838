package greeks

import (
	"errors"
	"math"

	"gexstream/pkg/types"
)

// ErrNoSolution means no volatility in the solver's range reproduces
// the observed price.
var ErrNoSolution = errors.New("no implied volatility solution")

// minVega is the vega below which a Newton step is numerically
// meaningless and the solver switches to bisection.
const minVega = 1e-8

// Solver finds the Black-Scholes implied volatility for an observed
// option price via clamped Newton-Raphson with a bisection fallback.
type Solver struct {
	MaxIterations int
	Tolerance     float64
	Min           float64
	Max           float64
}

// NewSolver builds a solver from config values.
func NewSolver(maxIterations int, tolerance, min, max float64) *Solver {
	return &Solver{MaxIterations: maxIterations, Tolerance: tolerance, Min: min, Max: max}
}

// Solve returns the implied volatility for the observed price, clamped
// to [Min, Max]. Prices below the no-arbitrage intrinsic bound return
// ErrNoSolution without iterating.
func (s *Solver) Solve(typ types.OptionType, price, spot, strike, rate, t float64) (float64, error) {
	if price <= 0 || spot <= 0 || strike <= 0 || t <= 0 {
		return 0, ErrNoSolution
	}

	disc := strike * math.Exp(-rate*t)
	var intrinsic float64
	if typ == types.Call {
		intrinsic = math.Max(spot-disc, 0)
	} else {
		intrinsic = math.Max(disc-spot, 0)
	}
	if price < intrinsic {
		return 0, ErrNoSolution
	}

	// Brenner-Subrahmanyam starting point.
	sigma := math.Sqrt(2*math.Pi/t) * price / spot
	if math.IsNaN(sigma) || math.IsInf(sigma, 0) || sigma <= 0 {
		sigma = 0.3
	}
	sigma = s.clamp(sigma)

	for i := 0; i < s.MaxIterations; i++ {
		diff := Price(typ, spot, strike, rate, sigma, t) - price
		if math.Abs(diff) < s.Tolerance {
			return sigma, nil
		}
		vega := Vega(spot, strike, rate, sigma, t)
		if vega < minVega {
			return s.bisect(typ, price, spot, strike, rate, t)
		}
		sigma = s.clamp(sigma - diff/vega)
	}

	return s.bisect(typ, price, spot, strike, rate, t)
}

func (s *Solver) clamp(sigma float64) float64 {
	return math.Min(math.Max(sigma, s.Min), s.Max)
}

func (s *Solver) bisect(typ types.OptionType, price, spot, strike, rate, t float64) (float64, error) {
	lo, hi := s.Min, s.Max
	fLo := Price(typ, spot, strike, rate, lo, t) - price
	fHi := Price(typ, spot, strike, rate, hi, t) - price
	if math.Abs(fLo) < s.Tolerance {
		return lo, nil
	}
	if math.Abs(fHi) < s.Tolerance {
		return hi, nil
	}
	if fLo*fHi > 0 {
		return 0, ErrNoSolution
	}

	for i := 0; i < 200; i++ {
		mid := (lo + hi) / 2
		fMid := Price(typ, spot, strike, rate, mid, t) - price
		if math.Abs(fMid) < s.Tolerance || hi-lo < 1e-10 {
			return mid, nil
		}
		if fLo*fMid < 0 {
			hi = mid
		} else {
			lo, fLo = mid, fMid
		}
	}
	return (lo + hi) / 2, nil
}

// Resolve walks the implied volatility fallback ladder for one option
// quote: broker-supplied IV, then the bid/ask mid, then the last trade,
// then the configured default. The returned source records which rung
// produced the value.
func (s *Solver) Resolve(tick types.OptionTick, spot, rate, t, defaultIV float64) (float64, types.IVSource) {
	if tick.BrokerIV != nil {
		return *tick.BrokerIV, types.IVSourceBroker
	}

	strike := tick.Contract.Strike.InexactFloat64()

	if tick.Bid != nil && tick.Ask != nil {
		mid := (*tick.Bid + *tick.Ask) / 2
		if mid > 0 {
			if iv, err := s.Solve(tick.Contract.Type, mid, spot, strike, rate, t); err == nil {
				return iv, types.IVSourceMid
			}
		}
	}

	if tick.Last != nil && *tick.Last > 0 {
		if iv, err := s.Solve(tick.Contract.Type, *tick.Last, spot, strike, rate, t); err == nil {
			return iv, types.IVSourceLast
		}
	}

	return defaultIV, types.IVSourceDefault
}
