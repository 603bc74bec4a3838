package types

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestOptionSymbolRoundTrip(t *testing.T) {
	t.Parallel()

	cases := []struct {
		symbol string
		strike string
		typ    OptionType
	}{
		{"SPY 260321C450", "450", Call},
		{"SPY 260321P450.50", "450.5", Put},
		{"QQQ 261218C612.25", "612.25", Call},
	}
	for _, tc := range cases {
		c, err := ParseOptionSymbol(tc.symbol)
		if err != nil {
			t.Fatalf("ParseOptionSymbol(%q): %v", tc.symbol, err)
		}
		if c.Type != tc.typ {
			t.Errorf("%q: Type = %s, want %s", tc.symbol, c.Type, tc.typ)
		}
		if c.Strike.String() != tc.strike {
			t.Errorf("%q: Strike = %s, want %s", tc.symbol, c.Strike, tc.strike)
		}
		if got := c.Symbol(); got != tc.symbol {
			t.Errorf("round trip %q -> %q", tc.symbol, got)
		}
	}
}

func TestSymbolFormatsWholeAndFractionalStrikes(t *testing.T) {
	t.Parallel()

	c := OptionContract{
		Underlying: "SPY",
		Expiration: time.Date(2026, 3, 21, 0, 0, 0, 0, ExchangeTZ()),
		Strike:     decimal.NewFromInt(450),
		Type:       Call,
	}
	if got := c.Symbol(); got != "SPY 260321C450" {
		t.Errorf("Symbol = %q, want whole strike without decimals", got)
	}

	c.Strike = decimal.RequireFromString("450.5")
	c.Type = Put
	if got := c.Symbol(); got != "SPY 260321P450.50" {
		t.Errorf("Symbol = %q, want two decimals on fractional strike", got)
	}
}

func TestParseOptionSymbolRejectsGarbage(t *testing.T) {
	t.Parallel()

	for _, symbol := range []string{
		"",
		"SPY",
		"SPY 260321X450",
		"SPY garbageC450",
		"SPY 260321C",
		"SPY 260321C-5",
		"SPY 260321C450 extra",
	} {
		if _, err := ParseOptionSymbol(symbol); err == nil {
			t.Errorf("ParseOptionSymbol(%q) accepted garbage", symbol)
		}
	}
}

func TestExpired(t *testing.T) {
	t.Parallel()

	c := OptionContract{
		Underlying: "SPY",
		Expiration: time.Date(2026, 3, 20, 0, 0, 0, 0, ExchangeTZ()),
		Strike:     decimal.NewFromInt(450),
		Type:       Call,
	}
	sameDay := time.Date(2026, 3, 20, 18, 0, 0, 0, ExchangeTZ())
	if c.Expired(sameDay) {
		t.Error("contract expiring today is not expired")
	}
	nextDay := time.Date(2026, 3, 21, 1, 0, 0, 0, ExchangeTZ())
	if !c.Expired(nextDay) {
		t.Error("contract should be expired the day after")
	}
}

func TestExchangeDate(t *testing.T) {
	t.Parallel()

	// 01:00 UTC is still the previous evening in New York.
	utc := time.Date(2026, 3, 21, 1, 0, 0, 0, time.UTC)
	got := ExchangeDate(utc)
	want := time.Date(2026, 3, 20, 0, 0, 0, 0, ExchangeTZ())
	if !got.Equal(want) {
		t.Errorf("ExchangeDate = %v, want %v", got, want)
	}
}
