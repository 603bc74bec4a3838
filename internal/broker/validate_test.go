package broker

import (
	"errors"
	"testing"
	"time"

	"gexstream/pkg/types"
)

func TestNormalizeOptionTick(t *testing.T) {
	t.Parallel()

	now := time.Now()
	p := QuotePayload{
		Symbol:            "SPY 260320C450",
		Last:              "2.35",
		Bid:               "2.30",
		Ask:               "2.40",
		Volume:            "1500",
		DailyOpenInterest: "12000",
		ImpliedVolatility: "0.22",
	}

	tick, err := NormalizeOptionTick(p, now, 0.01, 5.0)
	if err != nil {
		t.Fatalf("NormalizeOptionTick: %v", err)
	}
	if tick.Contract.Underlying != "SPY" || tick.Contract.Type != types.Call {
		t.Errorf("contract = %+v", tick.Contract)
	}
	if tick.Last == nil || *tick.Last != 2.35 {
		t.Errorf("Last = %v, want 2.35", tick.Last)
	}
	if tick.OpenInterest != 12000 {
		t.Errorf("OpenInterest = %d, want 12000", tick.OpenInterest)
	}
	if tick.BrokerIV == nil || *tick.BrokerIV != 0.22 {
		t.Errorf("BrokerIV = %v, want 0.22", tick.BrokerIV)
	}
}

func TestNormalizeOptionTickMissingPrices(t *testing.T) {
	t.Parallel()

	p := QuotePayload{Symbol: "SPY 260320P440"}
	tick, err := NormalizeOptionTick(p, time.Now(), 0.01, 5.0)
	if err != nil {
		t.Fatalf("NormalizeOptionTick: %v", err)
	}
	if tick.Last != nil || tick.Bid != nil || tick.Ask != nil {
		t.Error("missing prices should be nil pointers")
	}
	if tick.BrokerIV != nil {
		t.Error("missing IV should be nil")
	}
}

func TestNormalizeOptionTickOutOfRangeIV(t *testing.T) {
	t.Parallel()

	for _, iv := range []string{"0.001", "7.5", "-1", "junk"} {
		p := QuotePayload{Symbol: "SPY 260320C450", Last: "2.35", ImpliedVolatility: iv}
		tick, err := NormalizeOptionTick(p, time.Now(), 0.01, 5.0)
		if err != nil {
			t.Fatalf("NormalizeOptionTick(iv=%s): %v", iv, err)
		}
		if tick.BrokerIV != nil {
			t.Errorf("iv=%s: out-of-range IV should be treated as absent", iv)
		}
	}
}

func TestNormalizeOptionTickBadFields(t *testing.T) {
	t.Parallel()

	p := QuotePayload{Symbol: "SPY 260320C450", Last: "-3", Bid: "junk"}
	_, err := NormalizeOptionTick(p, time.Now(), 0.01, 5.0)
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("error = %v, want *ValidationError", err)
	}
	if len(verr.Fields) != 2 {
		t.Errorf("Fields = %v, want [Last Bid]", verr.Fields)
	}
}

func TestNormalizeOptionTickBadSymbol(t *testing.T) {
	t.Parallel()

	_, err := NormalizeOptionTick(QuotePayload{Symbol: "NOT AN OPTION SYM"}, time.Now(), 0.01, 5.0)
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("error = %v, want *ValidationError", err)
	}
}

func TestNormalizeBar(t *testing.T) {
	t.Parallel()

	p := BarPayload{
		TimeStamp:   "2026-03-20T14:30:00Z",
		Open:        "450.10",
		High:        "450.50",
		Low:         "449.90",
		Close:       "450.30",
		TotalVolume: "250000",
		UpVolume:    150000,
		DownVolume:  100000,
	}
	tick, err := NormalizeBar(p, "SPY")
	if err != nil {
		t.Fatalf("NormalizeBar: %v", err)
	}
	if tick.Close != 450.30 || tick.UpVolume != 150000 || tick.Volume != 250000 {
		t.Errorf("unexpected bar: %+v", tick.Bar)
	}

	bad := p
	bad.Close = "0"
	bad.TimeStamp = "whenever"
	_, err = NormalizeBar(bad, "SPY")
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("error = %v, want *ValidationError", err)
	}
	if len(verr.Fields) != 2 {
		t.Errorf("Fields = %v, want [TimeStamp Close]", verr.Fields)
	}
}

func TestNormalizeQuote(t *testing.T) {
	t.Parallel()

	q, err := NormalizeQuote(QuotePayload{Symbol: "SPY", Last: "450.25", Bid: "450.24", Ask: "450.26"}, time.Now())
	if err != nil {
		t.Fatalf("NormalizeQuote: %v", err)
	}
	if q.Last != 450.25 {
		t.Errorf("Last = %v", q.Last)
	}

	_, err = NormalizeQuote(QuotePayload{Symbol: "SPY", Last: "-1"}, time.Now())
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("error = %v, want *ValidationError", err)
	}
}
