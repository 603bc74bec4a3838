// Package types defines shared data structures used across all packages:
// contract identities, aggregated bars and quotes, market sessions, and
// the GEX analytics rows. It has no dependencies on internal packages,
// so it can be imported by any layer.
package types

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// OptionType distinguishes calls from puts, using the single-letter form
// that appears in broker option symbols.
type OptionType string

const (
	Call OptionType = "C"
	Put  OptionType = "P"
)

// Valid reports whether t is one of the two known option types.
func (t OptionType) Valid() bool {
	return t == Call || t == Put
}

// Session classifies the US equity market state at a point in time.
type Session string

const (
	SessionPreOpen    Session = "pre-open"
	SessionRegular    Session = "regular"
	SessionAfterHours Session = "after-hours"
	SessionClosed     Session = "closed"
)

// IVSource records which rung of the implied-volatility fallback ladder
// produced a stored IV value.
type IVSource string

const (
	IVSourceBroker  IVSource = "broker"  // broker supplied an in-range IV
	IVSourceMid     IVSource = "mid"     // solved from bid/ask mid price
	IVSourceLast    IVSource = "last"    // solved from last trade price
	IVSourceDefault IVSource = "default" // configured default IV
	IVSourceNone    IVSource = ""        // numerics stage did not run
)

var exchangeTZ *time.Location

func init() {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		panic("load exchange timezone: " + err.Error())
	}
	exchangeTZ = loc
}

// ExchangeTZ returns the exchange timezone (US Eastern). All bucket
// flooring and session classification happens in this zone.
func ExchangeTZ() *time.Location {
	return exchangeTZ
}

// ExchangeDate truncates t to its calendar date in the exchange timezone.
func ExchangeDate(t time.Time) time.Time {
	et := t.In(exchangeTZ)
	return time.Date(et.Year(), et.Month(), et.Day(), 0, 0, 0, 0, exchangeTZ)
}

// OptionContract identifies a single option contract:
// (underlying, expiration, strike, type). Expiration is a calendar date
// at midnight in the exchange timezone.
type OptionContract struct {
	Underlying string
	Expiration time.Time
	Strike     decimal.Decimal
	Type       OptionType
}

// Symbol renders the canonical broker symbol for the contract:
// "UNDERLYING YYMMDDC|P<strike>", with whole-dollar strikes printed
// without decimals and fractional strikes with exactly two.
//
// Examples: "SPY 260321C450", "SPY 260321P450.50".
func (c OptionContract) Symbol() string {
	var strike string
	if c.Strike.IsInteger() {
		strike = c.Strike.String()
	} else {
		strike = c.Strike.StringFixed(2)
	}
	return fmt.Sprintf("%s %s%s%s", c.Underlying, c.Expiration.Format("060102"), c.Type, strike)
}

// Expired reports whether the contract's expiration precedes the given
// exchange-local date.
func (c OptionContract) Expired(today time.Time) bool {
	return c.Expiration.Before(ExchangeDate(today))
}

// ParseOptionSymbol parses a canonical option symbol back into a contract
// identity. It is the inverse of OptionContract.Symbol.
func ParseOptionSymbol(symbol string) (OptionContract, error) {
	parts := strings.Fields(symbol)
	if len(parts) != 2 {
		return OptionContract{}, fmt.Errorf("option symbol %q: want two space-separated parts", symbol)
	}
	tail := parts[1]
	if len(tail) < 8 {
		return OptionContract{}, fmt.Errorf("option symbol %q: contract part too short", symbol)
	}

	exp, err := time.ParseInLocation("060102", tail[:6], exchangeTZ)
	if err != nil {
		return OptionContract{}, fmt.Errorf("option symbol %q: bad expiration: %w", symbol, err)
	}

	typ := OptionType(tail[6])
	if !typ.Valid() {
		return OptionContract{}, fmt.Errorf("option symbol %q: type %q not C or P", symbol, tail[6])
	}

	strike, err := decimal.NewFromString(tail[7:])
	if err != nil || strike.Sign() <= 0 {
		return OptionContract{}, fmt.Errorf("option symbol %q: bad strike %q", symbol, tail[7:])
	}

	return OptionContract{
		Underlying: parts[0],
		Expiration: exp,
		Strike:     strike,
		Type:       typ,
	}, nil
}

// Quote is a point-in-time snapshot of last/bid/ask for any symbol,
// equity or option.
type Quote struct {
	Symbol    string
	Timestamp time.Time
	Last      float64
	Bid       float64
	Ask       float64
	BidSize   int64
	AskSize   int64
	Volume    int64
}

// Bar is one OHLCV bar as returned by the broker, with the up/down
// volume split the bars endpoint provides.
type Bar struct {
	Timestamp  time.Time
	Open       float64
	High       float64
	Low        float64
	Close      float64
	UpVolume   int64
	DownVolume int64
	Volume     int64
}

// UnderlyingTick is a broker bar tagged with its symbol, ready for
// aggregation.
type UnderlyingTick struct {
	Symbol string
	Bar
}

// OptionTick is a validated option quote tagged with its parsed contract
// identity. Nil price fields mean the broker did not supply them.
// Volume and OpenInterest are cumulative counters as reported.
type OptionTick struct {
	Contract     OptionContract
	Symbol       string
	Timestamp    time.Time
	Last         *float64
	Bid          *float64
	Ask          *float64
	Volume       int64
	OpenInterest int64

	// BrokerIV is the broker-supplied implied volatility, nil when absent
	// or out of the accepted range.
	BrokerIV *float64
}

// SymbolInfo is a symbol-search result, used in diagnostics.
type SymbolInfo struct {
	Symbol      string
	Description string
	Category    string
	Exchange    string
}

// Clock is the market clock snapshot.
type Clock struct {
	Session Session
	Now     time.Time
}

// UnderlyingBar is one completed one-minute bucket for an underlying,
// keyed by (Symbol, BucketStart).
type UnderlyingBar struct {
	Symbol      string
	BucketStart time.Time
	Open        float64
	High        float64
	Low         float64
	Close       float64
	UpVolume    int64
	DownVolume  int64
	Volume      int64
}

// OptionQuote is one completed one-minute bucket for an option contract,
// keyed by (Symbol, BucketStart), with the derived numerics fields
// populated by the enrichment stage when it ran.
type OptionQuote struct {
	Symbol       string
	Contract     OptionContract
	BucketStart  time.Time
	Last         *float64
	Bid          *float64
	Ask          *float64
	Volume       int64
	OpenInterest int64

	// BrokerIV carries the broker-supplied implied volatility into the
	// enrichment stage. Not persisted; IV below is the resolved value.
	BrokerIV *float64

	IV       *float64
	IVSource IVSource
	Delta    *float64
	Gamma    *float64
	Theta    *float64
	Vega     *float64
}

// GEXSummary is one analytics run's per-underlying summary, keyed by
// (Underlying, CalcTime).
type GEXSummary struct {
	Underlying      string
	CalcTime        time.Time
	MaxGammaStrike  float64
	MaxGammaValue   float64
	GammaFlipPoint  *float64
	PutCallRatio    *float64
	MaxPain         float64
	TotalCallVolume int64
	TotalPutVolume  int64
	TotalCallOI     int64
	TotalPutOI      int64
	TotalNetGEX     float64
}

// GEXByStrike is one analytics run's per-(strike, expiration) row, keyed
// by (Underlying, CalcTime, Strike, Expiration). CallGamma and PutGamma
// are open-interest-weighted gamma sums scaled by the contract
// multiplier, so NetGEX = CallGamma - PutGamma.
type GEXByStrike struct {
	Underlying    string
	CalcTime      time.Time
	Strike        float64
	Expiration    time.Time
	CallGamma     float64
	PutGamma      float64
	NetGEX        float64
	CallVolume    int64
	PutVolume     int64
	CallOI        int64
	PutOI         int64
	VannaExposure float64
	CharmExposure float64
}
