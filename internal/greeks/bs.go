// Package greeks implements Black-Scholes pricing, the implied
// volatility solver with its fallback ladder, and the greeks evaluator.
package greeks

import (
	"errors"
	"math"
	"time"

	"gonum.org/v1/gonum/stat/distuv"

	"gexstream/pkg/types"
)

// ErrNotEvaluable means the inputs do not admit greeks: expired
// contract, non-positive price, or non-positive volatility.
var ErrNotEvaluable = errors.New("greeks not evaluable for inputs")

var stdNormal = distuv.Normal{Mu: 0, Sigma: 1}

const (
	minutesPerYear = 525600.0
	daysPerYear    = 365.0
)

func d1d2(spot, strike, rate, sigma, t float64) (float64, float64) {
	d1 := (math.Log(spot/strike) + (rate+0.5*sigma*sigma)*t) / (sigma * math.Sqrt(t))
	return d1, d1 - sigma*math.Sqrt(t)
}

// Price returns the Black-Scholes value of a European option.
func Price(typ types.OptionType, spot, strike, rate, sigma, t float64) float64 {
	d1, d2 := d1d2(spot, strike, rate, sigma, t)
	disc := strike * math.Exp(-rate*t)
	if typ == types.Call {
		return spot*stdNormal.CDF(d1) - disc*stdNormal.CDF(d2)
	}
	return disc*stdNormal.CDF(-d2) - spot*stdNormal.CDF(-d1)
}

// Vega returns dPrice/dSigma per unit of volatility. The same for
// calls and puts.
func Vega(spot, strike, rate, sigma, t float64) float64 {
	d1, _ := d1d2(spot, strike, rate, sigma, t)
	return spot * stdNormal.Prob(d1) * math.Sqrt(t)
}

// Greeks holds the evaluated sensitivities in storage units:
// theta and charm per calendar day, vega per volatility point.
type Greeks struct {
	Delta float64
	Gamma float64
	Theta float64
	Vega  float64
	Vanna float64
	Charm float64
}

// Evaluate computes Black-Scholes greeks. Returns ErrNotEvaluable when
// the contract is expired (t <= 0) or any input is degenerate.
func Evaluate(typ types.OptionType, spot, strike, rate, sigma, t float64) (Greeks, error) {
	if t <= 0 || sigma <= 0 || spot <= 0 || strike <= 0 {
		return Greeks{}, ErrNotEvaluable
	}

	d1, d2 := d1d2(spot, strike, rate, sigma, t)
	pdf := stdNormal.Prob(d1)
	sqrtT := math.Sqrt(t)
	disc := strike * math.Exp(-rate*t)

	var g Greeks
	if typ == types.Call {
		g.Delta = stdNormal.CDF(d1)
		g.Theta = (-spot*pdf*sigma/(2*sqrtT) - rate*disc*stdNormal.CDF(d2)) / daysPerYear
	} else {
		g.Delta = stdNormal.CDF(d1) - 1
		g.Theta = (-spot*pdf*sigma/(2*sqrtT) + rate*disc*stdNormal.CDF(-d2)) / daysPerYear
	}
	g.Gamma = pdf / (spot * sigma * sqrtT)
	g.Vega = spot * pdf * sqrtT / 100
	g.Vanna = -pdf * d2 / sigma
	// dDelta/dTime is identical for calls and puts without dividends.
	g.Charm = -pdf * (2*rate*t - d2*sigma*sqrtT) / (2 * t * sigma * sqrtT) / daysPerYear

	return g, nil
}

// TimeToExpiry returns the year fraction until 16:00 exchange time on
// the expiration date. Expired contracts get zero; live near-expiry
// contracts are clamped to one minute so the numerics stay finite.
func TimeToExpiry(now, expiration time.Time) float64 {
	et := expiration.In(types.ExchangeTZ())
	expiry := time.Date(et.Year(), et.Month(), et.Day(), 16, 0, 0, 0, types.ExchangeTZ())
	minutes := expiry.Sub(now).Minutes()
	if minutes <= 0 {
		return 0
	}
	if minutes < 1 {
		minutes = 1
	}
	return minutes / minutesPerYear
}
