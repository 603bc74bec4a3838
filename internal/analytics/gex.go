// Package analytics computes gamma exposure metrics from the latest
// stored option snapshot: per-strike GEX, the gamma flip point, max
// pain, and the run summary.
package analytics

import (
	"math"
	"sort"
	"time"

	"gexstream/internal/greeks"
	"gexstream/pkg/types"
)

// contractMultiplier is the share count per option contract.
const contractMultiplier = 100

// FilterSnapshot keeps the rows that contribute to GEX: evaluated
// gamma and live open interest.
func FilterSnapshot(quotes []types.OptionQuote) []types.OptionQuote {
	out := make([]types.OptionQuote, 0, len(quotes))
	for _, q := range quotes {
		if q.Gamma != nil && q.OpenInterest > 0 {
			out = append(out, q)
		}
	}
	return out
}

// ComputeByStrike aggregates the filtered snapshot into per
// (strike, expiration) rows. CallGamma and PutGamma hold the
// open-interest-weighted, multiplier-scaled gamma sums per side, so
// NetGEX = CallGamma - PutGamma by construction. Vanna and charm
// exposures are recomputed from the stored IV as of calcTime.
func ComputeByStrike(underlying string, calcTime time.Time, quotes []types.OptionQuote, spot, rate float64) []types.GEXByStrike {
	type strikeKey struct {
		strike     float64
		expiration int64
	}
	agg := make(map[strikeKey]*types.GEXByStrike)

	for _, q := range quotes {
		strike := q.Contract.Strike.InexactFloat64()
		k := strikeKey{strike: strike, expiration: q.Contract.Expiration.Unix()}
		row, ok := agg[k]
		if !ok {
			row = &types.GEXByStrike{
				Underlying: underlying,
				CalcTime:   calcTime,
				Strike:     strike,
				Expiration: q.Contract.Expiration,
			}
			agg[k] = row
		}

		exposure := *q.Gamma * float64(q.OpenInterest) * contractMultiplier

		var vanna, charm float64
		if q.IV != nil {
			t := greeks.TimeToExpiry(calcTime, q.Contract.Expiration)
			if g, err := greeks.Evaluate(q.Contract.Type, spot, strike, rate, *q.IV, t); err == nil {
				vanna = g.Vanna * float64(q.OpenInterest) * contractMultiplier
				charm = g.Charm * float64(q.OpenInterest) * contractMultiplier
			}
		}

		if q.Contract.Type == types.Call {
			row.CallGamma += exposure
			row.CallVolume += q.Volume
			row.CallOI += q.OpenInterest
			row.VannaExposure += vanna
			row.CharmExposure += charm
		} else {
			row.PutGamma += exposure
			row.PutVolume += q.Volume
			row.PutOI += q.OpenInterest
			row.VannaExposure -= vanna
			row.CharmExposure -= charm
		}
	}

	out := make([]types.GEXByStrike, 0, len(agg))
	for _, row := range agg {
		row.NetGEX = row.CallGamma - row.PutGamma
		out = append(out, *row)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Strike != out[j].Strike {
			return out[i].Strike < out[j].Strike
		}
		return out[i].Expiration.Before(out[j].Expiration)
	})
	return out
}

// GammaFlip finds the spot level where cumulative net GEX crosses
// zero. Rows are collapsed per strike across expirations and walked in
// ascending strike order; a sign change between consecutive strikes is
// resolved by linear interpolation. With no crossing the strike with
// the smallest absolute cumulative value is returned, ties to the
// lowest strike. Nil when there are no rows.
func GammaFlip(rows []types.GEXByStrike) *float64 {
	if len(rows) == 0 {
		return nil
	}

	perStrike := make(map[float64]float64)
	for _, r := range rows {
		perStrike[r.Strike] += r.NetGEX
	}
	strikes := make([]float64, 0, len(perStrike))
	for s := range perStrike {
		strikes = append(strikes, s)
	}
	sort.Float64s(strikes)

	cum := make([]float64, len(strikes))
	running := 0.0
	for i, s := range strikes {
		running += perStrike[s]
		cum[i] = running
	}

	for i := 0; i < len(strikes); i++ {
		if cum[i] == 0 {
			flip := strikes[i]
			return &flip
		}
		if i+1 < len(strikes) && cum[i]*cum[i+1] < 0 {
			// Interpolate between the two strikes.
			flip := strikes[i] + (0-cum[i])*(strikes[i+1]-strikes[i])/(cum[i+1]-cum[i])
			return &flip
		}
	}

	best := strikes[0]
	bestAbs := math.Abs(cum[0])
	for i := 1; i < len(strikes); i++ {
		if abs := math.Abs(cum[i]); abs < bestAbs {
			best, bestAbs = strikes[i], abs
		}
	}
	return &best
}

// MaxPain returns the expiration price that minimizes the total
// intrinsic value paid out across the snapshot, ties to the lowest
// strike. Zero when the snapshot is empty.
func MaxPain(quotes []types.OptionQuote) float64 {
	strikeSet := make(map[float64]struct{})
	for _, q := range quotes {
		strikeSet[q.Contract.Strike.InexactFloat64()] = struct{}{}
	}
	if len(strikeSet) == 0 {
		return 0
	}
	candidates := make([]float64, 0, len(strikeSet))
	for s := range strikeSet {
		candidates = append(candidates, s)
	}
	sort.Float64s(candidates)

	best, bestPain := candidates[0], math.Inf(1)
	for _, settle := range candidates {
		pain := 0.0
		for _, q := range quotes {
			strike := q.Contract.Strike.InexactFloat64()
			var intrinsic float64
			if q.Contract.Type == types.Call {
				intrinsic = math.Max(settle-strike, 0)
			} else {
				intrinsic = math.Max(strike-settle, 0)
			}
			pain += intrinsic * float64(q.OpenInterest) * contractMultiplier
		}
		if pain < bestPain {
			best, bestPain = settle, pain
		}
	}
	return best
}

// Summarize rolls one run up into the summary row.
func Summarize(underlying string, calcTime time.Time, rows []types.GEXByStrike, quotes []types.OptionQuote) types.GEXSummary {
	s := types.GEXSummary{
		Underlying: underlying,
		CalcTime:   calcTime,
		MaxPain:    MaxPain(quotes),
	}

	bestAbs := -1.0
	for _, r := range rows {
		s.TotalNetGEX += r.NetGEX
		s.TotalCallVolume += r.CallVolume
		s.TotalPutVolume += r.PutVolume
		s.TotalCallOI += r.CallOI
		s.TotalPutOI += r.PutOI
	}

	// Max gamma strike: largest absolute net GEX per strike, collapsed
	// across expirations, ties to the lowest strike.
	perStrike := make(map[float64]float64)
	for _, r := range rows {
		perStrike[r.Strike] += r.NetGEX
	}
	strikes := make([]float64, 0, len(perStrike))
	for k := range perStrike {
		strikes = append(strikes, k)
	}
	sort.Float64s(strikes)
	for _, strike := range strikes {
		if abs := math.Abs(perStrike[strike]); abs > bestAbs {
			s.MaxGammaStrike = strike
			s.MaxGammaValue = perStrike[strike]
			bestAbs = abs
		}
	}

	s.GammaFlipPoint = GammaFlip(rows)
	if s.TotalCallVolume > 0 {
		ratio := float64(s.TotalPutVolume) / float64(s.TotalCallVolume)
		s.PutCallRatio = &ratio
	}
	return s
}
