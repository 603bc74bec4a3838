// Package aggregate buckets raw ticks into fixed-width bars keyed by
// (symbol, bucket start). Bucket boundaries are computed in the
// exchange timezone and are half-open: a tick at exactly the boundary
// opens the next bucket.
package aggregate

import (
	"log/slog"
	"sort"
	"time"

	"gexstream/pkg/types"
)

type key struct {
	symbol string
	bucket int64 // unix seconds of bucket start
}

// bucket accumulates one (symbol, window) worth of ticks. Exactly one
// of underlying/option is non-nil.
type bucket struct {
	key        key
	underlying *types.UnderlyingBar
	option     *types.OptionQuote
}

// Aggregator is the in-memory bucket map with back-pressure. Cumulative
// counters (volume, open interest) are merged by max, not summed: the
// broker reports running totals and ticks can arrive with equal or
// repeated values.
type Aggregator struct {
	bucketSize time.Duration
	maxBuffer  int
	logger     *slog.Logger

	buckets map[key]*bucket
}

func New(bucketSeconds, maxBuffer int, logger *slog.Logger) *Aggregator {
	return &Aggregator{
		bucketSize: time.Duration(bucketSeconds) * time.Second,
		maxBuffer:  maxBuffer,
		logger:     logger.With("component", "aggregator"),
		buckets:    make(map[key]*bucket),
	}
}

// floor returns the bucket start for a timestamp, in the exchange
// timezone.
func (a *Aggregator) floor(ts time.Time) time.Time {
	return ts.In(types.ExchangeTZ()).Truncate(a.bucketSize)
}

func (a *Aggregator) Len() int { return len(a.buckets) }

// AddUnderlying merges an underlying tick into its bucket. Any buckets
// force-flushed to stay under the buffer cap are returned, oldest
// first.
func (a *Aggregator) AddUnderlying(tick types.UnderlyingTick) []Flushed {
	start := a.floor(tick.Timestamp)
	k := key{symbol: tick.Symbol, bucket: start.Unix()}

	b, ok := a.buckets[k]
	if !ok {
		b = &bucket{key: k, underlying: &types.UnderlyingBar{
			Symbol:      tick.Symbol,
			BucketStart: start,
			Open:        tick.Open,
			High:        tick.High,
			Low:         tick.Low,
			Close:       tick.Close,
			UpVolume:    tick.UpVolume,
			DownVolume:  tick.DownVolume,
			Volume:      tick.Volume,
		}}
		a.buckets[k] = b
		return a.enforceLimit()
	}

	u := b.underlying
	if tick.High > u.High {
		u.High = tick.High
	}
	if tick.Low < u.Low {
		u.Low = tick.Low
	}
	u.Close = tick.Close
	u.UpVolume = maxInt64(u.UpVolume, tick.UpVolume)
	u.DownVolume = maxInt64(u.DownVolume, tick.DownVolume)
	u.Volume = maxInt64(u.Volume, tick.Volume)
	return nil
}

// AddOption merges an option tick into its bucket. Present prices
// overwrite; absent prices leave the previous value. Counters merge by
// max.
func (a *Aggregator) AddOption(tick types.OptionTick) []Flushed {
	start := a.floor(tick.Timestamp)
	k := key{symbol: tick.Symbol, bucket: start.Unix()}

	b, ok := a.buckets[k]
	if !ok {
		b = &bucket{key: k, option: &types.OptionQuote{
			Symbol:       tick.Symbol,
			Contract:     tick.Contract,
			BucketStart:  start,
			Last:         tick.Last,
			Bid:          tick.Bid,
			Ask:          tick.Ask,
			Volume:       tick.Volume,
			OpenInterest: tick.OpenInterest,
			BrokerIV:     tick.BrokerIV,
		}}
		a.buckets[k] = b
		return a.enforceLimit()
	}

	o := b.option
	if tick.Last != nil {
		o.Last = tick.Last
	}
	if tick.Bid != nil {
		o.Bid = tick.Bid
	}
	if tick.Ask != nil {
		o.Ask = tick.Ask
	}
	if tick.BrokerIV != nil {
		o.BrokerIV = tick.BrokerIV
	}
	o.Volume = maxInt64(o.Volume, tick.Volume)
	o.OpenInterest = maxInt64(o.OpenInterest, tick.OpenInterest)
	return nil
}

// Flushed is one completed bucket leaving the aggregator.
type Flushed struct {
	Underlying *types.UnderlyingBar
	Option     *types.OptionQuote
}

func (f Flushed) bucketStart() time.Time {
	if f.Underlying != nil {
		return f.Underlying.BucketStart
	}
	return f.Option.BucketStart
}

// Sweep flushes every bucket whose window closed before now.
func (a *Aggregator) Sweep(now time.Time) []Flushed {
	boundary := a.floor(now)
	var out []Flushed
	for k, b := range a.buckets {
		if time.Unix(k.bucket, 0).Add(a.bucketSize).After(boundary) {
			continue
		}
		out = append(out, flushed(b))
		delete(a.buckets, k)
	}
	sortFlushed(out)
	return out
}

// FlushSymbol force-flushes all live buckets for one symbol, used when
// a contract leaves the universe.
func (a *Aggregator) FlushSymbol(symbol string) []Flushed {
	var out []Flushed
	for k, b := range a.buckets {
		if k.symbol != symbol {
			continue
		}
		out = append(out, flushed(b))
		delete(a.buckets, k)
	}
	sortFlushed(out)
	return out
}

// FlushAll drains every live bucket. Used at shutdown.
func (a *Aggregator) FlushAll() []Flushed {
	out := make([]Flushed, 0, len(a.buckets))
	for k, b := range a.buckets {
		out = append(out, flushed(b))
		delete(a.buckets, k)
	}
	sortFlushed(out)
	return out
}

// Restore re-inserts a flushed bucket after a failed store write,
// re-merging with anything accumulated since.
func (a *Aggregator) Restore(f Flushed) {
	if f.Underlying != nil {
		u := *f.Underlying
		k := key{symbol: u.Symbol, bucket: a.floor(u.BucketStart).Unix()}
		b, ok := a.buckets[k]
		if !ok {
			cp := u
			a.buckets[k] = &bucket{key: k, underlying: &cp}
			return
		}
		// The restored bucket predates anything accumulated since: its
		// open wins, the newer close stays.
		merged := b.underlying
		merged.Open = u.Open
		if u.High > merged.High {
			merged.High = u.High
		}
		if u.Low < merged.Low {
			merged.Low = u.Low
		}
		merged.UpVolume = maxInt64(merged.UpVolume, u.UpVolume)
		merged.DownVolume = maxInt64(merged.DownVolume, u.DownVolume)
		merged.Volume = maxInt64(merged.Volume, u.Volume)
		return
	}

	o := *f.Option
	k := key{symbol: o.Symbol, bucket: a.floor(o.BucketStart).Unix()}
	if b, ok := a.buckets[k]; !ok {
		cp := o
		a.buckets[k] = &bucket{key: k, option: &cp}
	} else {
		merged := b.option
		if merged.Last == nil {
			merged.Last = o.Last
		}
		if merged.Bid == nil {
			merged.Bid = o.Bid
		}
		if merged.Ask == nil {
			merged.Ask = o.Ask
		}
		if merged.BrokerIV == nil {
			merged.BrokerIV = o.BrokerIV
		}
		merged.Volume = maxInt64(merged.Volume, o.Volume)
		merged.OpenInterest = maxInt64(merged.OpenInterest, o.OpenInterest)
	}
}

// enforceLimit force-flushes the oldest buckets until the buffer is at
// or under the cap.
func (a *Aggregator) enforceLimit() []Flushed {
	if len(a.buckets) <= a.maxBuffer {
		return nil
	}
	all := make([]*bucket, 0, len(a.buckets))
	for _, b := range a.buckets {
		all = append(all, b)
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].key.bucket != all[j].key.bucket {
			return all[i].key.bucket < all[j].key.bucket
		}
		return all[i].key.symbol < all[j].key.symbol
	})

	var out []Flushed
	for _, b := range all {
		if len(a.buckets) <= a.maxBuffer {
			break
		}
		out = append(out, flushed(b))
		delete(a.buckets, b.key)
	}
	a.logger.Warn("buffer cap reached, force-flushed oldest buckets", "flushed", len(out), "cap", a.maxBuffer)
	return out
}

func flushed(b *bucket) Flushed {
	return Flushed{Underlying: b.underlying, Option: b.option}
}

func sortFlushed(out []Flushed) {
	sort.Slice(out, func(i, j int) bool {
		ti, tj := out[i].bucketStart(), out[j].bucketStart()
		if !ti.Equal(tj) {
			return ti.Before(tj)
		}
		return symbolOf(out[i]) < symbolOf(out[j])
	})
}

func symbolOf(f Flushed) string {
	if f.Underlying != nil {
		return f.Underlying.Symbol
	}
	return f.Option.Symbol
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
