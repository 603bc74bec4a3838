package broker

import (
	"fmt"
	"strconv"
	"time"

	"gexstream/pkg/types"
)

// Broker payloads arrive with numeric fields encoded as strings. The
// types below mirror the wire shapes exactly; the Normalize functions
// turn them into typed records or a *ValidationError naming the fields
// that failed.

type quotesResponse struct {
	Quotes []QuotePayload `json:"Quotes"`
}

// QuotePayload is one symbol's snapshot quote as it appears on the
// wire. Empty strings mean the broker omitted the field.
type QuotePayload struct {
	Symbol            string `json:"Symbol"`
	Last              string `json:"Last"`
	Bid               string `json:"Bid"`
	Ask               string `json:"Ask"`
	BidSize           string `json:"BidSize"`
	AskSize           string `json:"AskSize"`
	Volume            string `json:"Volume"`
	DailyOpenInterest string `json:"DailyOpenInterest"`
	ImpliedVolatility string `json:"ImpliedVolatility"`
}

type barsResponse struct {
	Bars []BarPayload `json:"Bars"`
}

// BarPayload is one OHLCV bar on the wire.
type BarPayload struct {
	TimeStamp   string `json:"TimeStamp"`
	Open        string `json:"Open"`
	High        string `json:"High"`
	Low         string `json:"Low"`
	Close       string `json:"Close"`
	TotalVolume string `json:"TotalVolume"`
	UpVolume    int64  `json:"UpVolume"`
	DownVolume  int64  `json:"DownVolume"`
}

type expirationsResponse struct {
	Expirations []struct {
		Date string `json:"Date"`
		Type string `json:"Type"`
	} `json:"Expirations"`
}

type strikesResponse struct {
	SpreadType string     `json:"SpreadType"`
	Strikes    [][]string `json:"Strikes"`
}

type symbolsResponse struct {
	Symbols []SymbolPayload `json:"Symbols"`
}

// SymbolPayload is one symbol-search result.
type SymbolPayload struct {
	Symbol      string `json:"Symbol"`
	Description string `json:"Description"`
	Category    string `json:"Category"`
	Exchange    string `json:"Exchange"`
}

// DepthPayload is an aggregated order book snapshot.
type DepthPayload struct {
	Bids []DepthLevel `json:"Bids"`
	Asks []DepthLevel `json:"Asks"`
}

type DepthLevel struct {
	Price string `json:"Price"`
	Size  string `json:"Size"`
}

func parseExpiration(date string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, date); err == nil {
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, types.ExchangeTZ()), nil
	}
	t, err := time.ParseInLocation("2006-01-02", date, types.ExchangeTZ())
	if err != nil {
		return time.Time{}, fmt.Errorf("expiration %q: %w", date, err)
	}
	return t, nil
}

// NormalizeQuote converts an underlying quote payload. Last must be a
// positive number; bid/ask default to zero when omitted.
func NormalizeQuote(p QuotePayload, ts time.Time) (types.Quote, error) {
	var bad []string

	last, ok := parsePositive(p.Last)
	if !ok {
		bad = append(bad, "Last")
	}
	bid, _ := parseNonNegative(p.Bid)
	ask, _ := parseNonNegative(p.Ask)
	volume := parseCount(p.Volume)
	bidSize := parseCount(p.BidSize)
	askSize := parseCount(p.AskSize)

	if len(bad) > 0 {
		return types.Quote{}, &ValidationError{Symbol: p.Symbol, Fields: bad}
	}
	return types.Quote{
		Symbol:    p.Symbol,
		Timestamp: ts,
		Last:      last,
		Bid:       bid,
		Ask:       ask,
		BidSize:   bidSize,
		AskSize:   askSize,
		Volume:    volume,
	}, nil
}

// NormalizeOptionTick converts an option quote payload. The symbol must
// parse under the option grammar. Prices are optional and come back as
// nil pointers when absent; present prices must be non-negative.
// Broker IV outside [ivMin, ivMax] is treated as absent, not an error.
func NormalizeOptionTick(p QuotePayload, ts time.Time, ivMin, ivMax float64) (types.OptionTick, error) {
	contract, err := types.ParseOptionSymbol(p.Symbol)
	if err != nil {
		return types.OptionTick{}, &ValidationError{Symbol: p.Symbol, Fields: []string{"Symbol"}}
	}

	var bad []string
	last := parseOptional(p.Last, &bad, "Last")
	bid := parseOptional(p.Bid, &bad, "Bid")
	ask := parseOptional(p.Ask, &bad, "Ask")
	if len(bad) > 0 {
		return types.OptionTick{}, &ValidationError{Symbol: p.Symbol, Fields: bad}
	}

	var brokerIV *float64
	if p.ImpliedVolatility != "" {
		if iv, err := strconv.ParseFloat(p.ImpliedVolatility, 64); err == nil && iv >= ivMin && iv <= ivMax {
			brokerIV = &iv
		}
	}

	return types.OptionTick{
		Contract:     contract,
		Symbol:       p.Symbol,
		Timestamp:    ts,
		Last:         last,
		Bid:          bid,
		Ask:          ask,
		Volume:       parseCount(p.Volume),
		OpenInterest: parseCount(p.DailyOpenInterest),
		BrokerIV:     brokerIV,
	}, nil
}

// NormalizeBar converts a bar payload into an underlying tick. All four
// OHLC fields must be positive and the timestamp must parse.
func NormalizeBar(p BarPayload, symbol string) (types.UnderlyingTick, error) {
	var bad []string

	ts, err := time.Parse(time.RFC3339, p.TimeStamp)
	if err != nil {
		bad = append(bad, "TimeStamp")
	}
	open, ok := parsePositive(p.Open)
	if !ok {
		bad = append(bad, "Open")
	}
	high, ok := parsePositive(p.High)
	if !ok {
		bad = append(bad, "High")
	}
	low, ok := parsePositive(p.Low)
	if !ok {
		bad = append(bad, "Low")
	}
	cls, ok := parsePositive(p.Close)
	if !ok {
		bad = append(bad, "Close")
	}
	if len(bad) > 0 {
		return types.UnderlyingTick{}, &ValidationError{Symbol: symbol, Fields: bad}
	}

	return types.UnderlyingTick{
		Symbol: symbol,
		Bar: types.Bar{
			Timestamp:  ts,
			Open:       open,
			High:       high,
			Low:        low,
			Close:      cls,
			UpVolume:   p.UpVolume,
			DownVolume: p.DownVolume,
			Volume:     parseCount(p.TotalVolume),
		},
	}, nil
}

func parsePositive(s string) (float64, bool) {
	f, err := strconv.ParseFloat(s, 64)
	return f, err == nil && f > 0
}

func parseNonNegative(s string) (float64, bool) {
	if s == "" {
		return 0, true
	}
	f, err := strconv.ParseFloat(s, 64)
	return f, err == nil && f >= 0
}

// parseOptional returns nil for an omitted field, a pointer for a valid
// non-negative value, and records the field name for anything else.
func parseOptional(s string, bad *[]string, field string) *float64 {
	if s == "" {
		return nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || f < 0 {
		*bad = append(*bad, field)
		return nil
	}
	return &f
}

func parseCount(s string) int64 {
	if s == "" {
		return 0
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n < 0 {
		return 0
	}
	return n
}
