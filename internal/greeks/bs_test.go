package greeks

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gexstream/pkg/types"
)

// Textbook ATM case: S=100, K=100, r=5%, sigma=20%, T=0.25y.
const (
	tbSpot   = 100.0
	tbStrike = 100.0
	tbRate   = 0.05
	tbSigma  = 0.20
	tbT      = 0.25
)

func TestPrice(t *testing.T) {
	t.Parallel()

	call := Price(types.Call, tbSpot, tbStrike, tbRate, tbSigma, tbT)
	put := Price(types.Put, tbSpot, tbStrike, tbRate, tbSigma, tbT)

	assert.InDelta(t, 4.615, call, 1e-3)
	assert.InDelta(t, 3.373, put, 1e-3)

	// Put-call parity: C - P = S - K·e^(-rT).
	assert.InDelta(t, tbSpot-tbStrike*0.98758, call-put, 1e-3)
}

func TestEvaluateCall(t *testing.T) {
	t.Parallel()

	g, err := Evaluate(types.Call, tbSpot, tbStrike, tbRate, tbSigma, tbT)
	require.NoError(t, err)

	assert.InDelta(t, 0.5695, g.Delta, 1e-3)
	assert.InDelta(t, 0.03929, g.Gamma, 1e-4)
	assert.InDelta(t, -0.02870, g.Theta, 1e-4, "theta per calendar day")
	assert.InDelta(t, 0.19644, g.Vega, 1e-4, "vega per volatility point")
}

func TestEvaluatePut(t *testing.T) {
	t.Parallel()

	g, err := Evaluate(types.Put, tbSpot, tbStrike, tbRate, tbSigma, tbT)
	require.NoError(t, err)

	assert.InDelta(t, -0.4305, g.Delta, 1e-3)

	// Gamma, vega, vanna are type-independent.
	call, err := Evaluate(types.Call, tbSpot, tbStrike, tbRate, tbSigma, tbT)
	require.NoError(t, err)
	assert.InDelta(t, call.Gamma, g.Gamma, 1e-12)
	assert.InDelta(t, call.Vega, g.Vega, 1e-12)
	assert.InDelta(t, call.Vanna, g.Vanna, 1e-12)
}

func TestEvaluateVanna(t *testing.T) {
	t.Parallel()

	g, err := Evaluate(types.Call, tbSpot, tbStrike, tbRate, tbSigma, tbT)
	require.NoError(t, err)

	// vanna = -pdf(d1)·d2/sigma with d1=0.175, d2=0.075.
	assert.InDelta(t, -0.39288*0.075/0.20, g.Vanna, 1e-3)
}

func TestEvaluateNotEvaluable(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name                    string
		spot, strike, sigma, tt float64
	}{
		{"expired", 100, 100, 0.2, 0},
		{"negative time", 100, 100, 0.2, -0.1},
		{"zero sigma", 100, 100, 0, 0.25},
		{"zero spot", 0, 100, 0.2, 0.25},
		{"zero strike", 100, 0, 0.2, 0.25},
	}
	for _, tc := range cases {
		_, err := Evaluate(types.Call, tc.spot, tc.strike, tbRate, tc.sigma, tc.tt)
		assert.ErrorIs(t, err, ErrNotEvaluable, tc.name)
	}
}

func TestTimeToExpiry(t *testing.T) {
	t.Parallel()

	et := types.ExchangeTZ()
	expiration := time.Date(2026, 3, 20, 0, 0, 0, 0, et)

	// One trading week out: 5 days from 16:00 Mar 13 to 16:00 Mar 20.
	now := time.Date(2026, 3, 13, 16, 0, 0, 0, et)
	assert.InDelta(t, 7*24*60.0/525600.0, TimeToExpiry(now, expiration), 1e-9)

	// Past expiry cutoff.
	after := time.Date(2026, 3, 20, 16, 0, 1, 0, et)
	assert.Zero(t, TimeToExpiry(after, expiration))

	// Thirty seconds to the bell clamps to one minute.
	nearly := time.Date(2026, 3, 20, 15, 59, 30, 0, et)
	assert.InDelta(t, 1.0/525600.0, TimeToExpiry(nearly, expiration), 1e-12)
}
