// Package store persists aggregated market data and analytics results
// in Postgres. All writes are idempotent upserts keyed on the natural
// key, so retried batches and overlapping backfills never duplicate
// rows.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"gexstream/pkg/types"
)

// ErrNoData means a reader found no rows in the requested window.
var ErrNoData = errors.New("store: no data in window")

// PermanentError marks a write Postgres rejected for structural
// reasons. Retrying the same rows cannot succeed: the rows or the
// schema are wrong, not the connection.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return "store: permanent failure: " + e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

type Store struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// Open connects to Postgres and verifies the connection.
func Open(dsn string, maxConns int, logger *slog.Logger) (*Store, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(maxConns / 2)
	db.SetConnMaxLifetime(time.Hour)
	return &Store{db: db, logger: logger.With("component", "store")}, nil
}

// NewWithDB wraps an existing connection. Used by tests.
func NewWithDB(db *sqlx.DB, logger *slog.Logger) *Store {
	return &Store{db: db, logger: logger.With("component", "store")}
}

func (s *Store) Close() error {
	return s.db.Close()
}

type underlyingBarRow struct {
	Symbol      string    `db:"symbol"`
	BucketStart time.Time `db:"bucket_start"`
	Open        float64   `db:"open"`
	High        float64   `db:"high"`
	Low         float64   `db:"low"`
	Close       float64   `db:"close"`
	UpVolume    int64     `db:"up_volume"`
	DownVolume  int64     `db:"down_volume"`
	Volume      int64     `db:"volume"`
}

type optionQuoteRow struct {
	Symbol       string          `db:"option_symbol"`
	BucketStart  time.Time       `db:"bucket_start"`
	Underlying   string          `db:"underlying"`
	Expiration   time.Time       `db:"expiration"`
	Strike       decimal.Decimal `db:"strike"`
	OptionType   string          `db:"option_type"`
	Last         *float64        `db:"last"`
	Bid          *float64        `db:"bid"`
	Ask          *float64        `db:"ask"`
	Volume       int64           `db:"volume"`
	OpenInterest int64           `db:"open_interest"`
	IV           *float64        `db:"iv"`
	IVSource     string          `db:"iv_source"`
	Delta        *float64        `db:"delta"`
	Gamma        *float64        `db:"gamma"`
	Theta        *float64        `db:"theta"`
	Vega         *float64        `db:"vega"`
}

const upsertUnderlyingBar = `
INSERT INTO underlying_bars
	(symbol, bucket_start, open, high, low, close, up_volume, down_volume, volume)
VALUES
	(:symbol, :bucket_start, :open, :high, :low, :close, :up_volume, :down_volume, :volume)
ON CONFLICT (symbol, bucket_start) DO UPDATE SET
	open = EXCLUDED.open,
	high = EXCLUDED.high,
	low = EXCLUDED.low,
	close = EXCLUDED.close,
	up_volume = EXCLUDED.up_volume,
	down_volume = EXCLUDED.down_volume,
	volume = EXCLUDED.volume`

const upsertOptionQuote = `
INSERT INTO option_quotes
	(option_symbol, bucket_start, underlying, expiration, strike, option_type,
	 last, bid, ask, volume, open_interest, iv, iv_source, delta, gamma, theta, vega)
VALUES
	(:option_symbol, :bucket_start, :underlying, :expiration, :strike, :option_type,
	 :last, :bid, :ask, :volume, :open_interest, :iv, :iv_source, :delta, :gamma, :theta, :vega)
ON CONFLICT (option_symbol, bucket_start) DO UPDATE SET
	last = EXCLUDED.last,
	bid = EXCLUDED.bid,
	ask = EXCLUDED.ask,
	volume = EXCLUDED.volume,
	open_interest = EXCLUDED.open_interest,
	iv = EXCLUDED.iv,
	iv_source = EXCLUDED.iv_source,
	delta = EXCLUDED.delta,
	gamma = EXCLUDED.gamma,
	theta = EXCLUDED.theta,
	vega = EXCLUDED.vega`

// WriteUnderlyingBars upserts a batch in one transaction.
func (s *Store) WriteUnderlyingBars(ctx context.Context, bars []types.UnderlyingBar) error {
	if len(bars) == 0 {
		return nil
	}
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		for _, b := range bars {
			row := underlyingBarRow{
				Symbol:      b.Symbol,
				BucketStart: b.BucketStart,
				Open:        b.Open,
				High:        b.High,
				Low:         b.Low,
				Close:       b.Close,
				UpVolume:    b.UpVolume,
				DownVolume:  b.DownVolume,
				Volume:      b.Volume,
			}
			if _, err := tx.NamedExecContext(ctx, upsertUnderlyingBar, row); err != nil {
				return fmt.Errorf("upsert bar %s@%s: %w", b.Symbol, b.BucketStart, err)
			}
		}
		return nil
	})
}

// WriteOptionQuotes upserts a batch in one transaction.
func (s *Store) WriteOptionQuotes(ctx context.Context, quotes []types.OptionQuote) error {
	if len(quotes) == 0 {
		return nil
	}
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		for _, q := range quotes {
			row := optionQuoteRow{
				Symbol:       q.Symbol,
				BucketStart:  q.BucketStart,
				Underlying:   q.Contract.Underlying,
				Expiration:   q.Contract.Expiration,
				Strike:       q.Contract.Strike,
				OptionType:   string(q.Contract.Type),
				Last:         q.Last,
				Bid:          q.Bid,
				Ask:          q.Ask,
				Volume:       q.Volume,
				OpenInterest: q.OpenInterest,
				IV:           q.IV,
				IVSource:     string(q.IVSource),
				Delta:        q.Delta,
				Gamma:        q.Gamma,
				Theta:        q.Theta,
				Vega:         q.Vega,
			}
			if _, err := tx.NamedExecContext(ctx, upsertOptionQuote, row); err != nil {
				return fmt.Errorf("upsert quote %s@%s: %w", q.Symbol, q.BucketStart, err)
			}
		}
		return nil
	})
}

const latestOptionSnapshot = `
SELECT DISTINCT ON (option_symbol)
	option_symbol, bucket_start, underlying, expiration, strike, option_type,
	last, bid, ask, volume, open_interest, iv, iv_source, delta, gamma, theta, vega
FROM option_quotes
WHERE underlying = $1 AND bucket_start >= $2
ORDER BY option_symbol, bucket_start DESC`

// LatestOptionSnapshot returns the newest row per contract within the
// staleness window.
func (s *Store) LatestOptionSnapshot(ctx context.Context, underlying string, since time.Time) ([]types.OptionQuote, error) {
	var rows []optionQuoteRow
	if err := s.db.SelectContext(ctx, &rows, latestOptionSnapshot, underlying, since); err != nil {
		return nil, fmt.Errorf("latest option snapshot: %w", err)
	}
	out := make([]types.OptionQuote, 0, len(rows))
	for _, r := range rows {
		out = append(out, types.OptionQuote{
			Symbol: r.Symbol,
			Contract: types.OptionContract{
				Underlying: r.Underlying,
				Expiration: r.Expiration.In(types.ExchangeTZ()),
				Strike:     r.Strike,
				Type:       types.OptionType(r.OptionType),
			},
			BucketStart:  r.BucketStart,
			Last:         r.Last,
			Bid:          r.Bid,
			Ask:          r.Ask,
			Volume:       r.Volume,
			OpenInterest: r.OpenInterest,
			IV:           r.IV,
			IVSource:     types.IVSource(r.IVSource),
			Delta:        r.Delta,
			Gamma:        r.Gamma,
			Theta:        r.Theta,
			Vega:         r.Vega,
		})
	}
	return out, nil
}

const latestUnderlyingClose = `
SELECT close, bucket_start
FROM underlying_bars
WHERE symbol = $1 AND bucket_start >= $2
ORDER BY bucket_start DESC
LIMIT 1`

// LatestUnderlyingClose returns the most recent close within the
// staleness window, or ErrNoData.
func (s *Store) LatestUnderlyingClose(ctx context.Context, symbol string, since time.Time) (float64, time.Time, error) {
	var row struct {
		Close       float64   `db:"close"`
		BucketStart time.Time `db:"bucket_start"`
	}
	err := s.db.GetContext(ctx, &row, latestUnderlyingClose, symbol, since)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, time.Time{}, ErrNoData
	}
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("latest close: %w", err)
	}
	return row.Close, row.BucketStart, nil
}

const upsertGEXSummary = `
INSERT INTO gex_summary
	(underlying, calc_time, max_gamma_strike, max_gamma_value, gamma_flip_point,
	 put_call_ratio, max_pain, total_call_volume, total_put_volume,
	 total_call_oi, total_put_oi, total_net_gex)
VALUES
	(:underlying, :calc_time, :max_gamma_strike, :max_gamma_value, :gamma_flip_point,
	 :put_call_ratio, :max_pain, :total_call_volume, :total_put_volume,
	 :total_call_oi, :total_put_oi, :total_net_gex)
ON CONFLICT (underlying, calc_time) DO UPDATE SET
	max_gamma_strike = EXCLUDED.max_gamma_strike,
	max_gamma_value = EXCLUDED.max_gamma_value,
	gamma_flip_point = EXCLUDED.gamma_flip_point,
	put_call_ratio = EXCLUDED.put_call_ratio,
	max_pain = EXCLUDED.max_pain,
	total_call_volume = EXCLUDED.total_call_volume,
	total_put_volume = EXCLUDED.total_put_volume,
	total_call_oi = EXCLUDED.total_call_oi,
	total_put_oi = EXCLUDED.total_put_oi,
	total_net_gex = EXCLUDED.total_net_gex`

type gexSummaryRow struct {
	Underlying      string    `db:"underlying"`
	CalcTime        time.Time `db:"calc_time"`
	MaxGammaStrike  float64   `db:"max_gamma_strike"`
	MaxGammaValue   float64   `db:"max_gamma_value"`
	GammaFlipPoint  *float64  `db:"gamma_flip_point"`
	PutCallRatio    *float64  `db:"put_call_ratio"`
	MaxPain         float64   `db:"max_pain"`
	TotalCallVolume int64     `db:"total_call_volume"`
	TotalPutVolume  int64     `db:"total_put_volume"`
	TotalCallOI     int64     `db:"total_call_oi"`
	TotalPutOI      int64     `db:"total_put_oi"`
	TotalNetGEX     float64   `db:"total_net_gex"`
}

const upsertGEXByStrike = `
INSERT INTO gex_by_strike
	(underlying, calc_time, strike, expiration, call_gamma, put_gamma, net_gex,
	 call_volume, put_volume, call_oi, put_oi, vanna_exposure, charm_exposure)
VALUES
	(:underlying, :calc_time, :strike, :expiration, :call_gamma, :put_gamma, :net_gex,
	 :call_volume, :put_volume, :call_oi, :put_oi, :vanna_exposure, :charm_exposure)
ON CONFLICT (underlying, calc_time, strike, expiration) DO UPDATE SET
	call_gamma = EXCLUDED.call_gamma,
	put_gamma = EXCLUDED.put_gamma,
	net_gex = EXCLUDED.net_gex,
	call_volume = EXCLUDED.call_volume,
	put_volume = EXCLUDED.put_volume,
	call_oi = EXCLUDED.call_oi,
	put_oi = EXCLUDED.put_oi,
	vanna_exposure = EXCLUDED.vanna_exposure,
	charm_exposure = EXCLUDED.charm_exposure`

type gexByStrikeRow struct {
	Underlying    string    `db:"underlying"`
	CalcTime      time.Time `db:"calc_time"`
	Strike        float64   `db:"strike"`
	Expiration    time.Time `db:"expiration"`
	CallGamma     float64   `db:"call_gamma"`
	PutGamma      float64   `db:"put_gamma"`
	NetGEX        float64   `db:"net_gex"`
	CallVolume    int64     `db:"call_volume"`
	PutVolume     int64     `db:"put_volume"`
	CallOI        int64     `db:"call_oi"`
	PutOI         int64     `db:"put_oi"`
	VannaExposure float64   `db:"vanna_exposure"`
	CharmExposure float64   `db:"charm_exposure"`
}

// WriteGEXResults upserts one analytics run: the summary and its
// per-strike rows in a single transaction.
func (s *Store) WriteGEXResults(ctx context.Context, summary types.GEXSummary, byStrike []types.GEXByStrike) error {
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		row := gexSummaryRow{
			Underlying:      summary.Underlying,
			CalcTime:        summary.CalcTime,
			MaxGammaStrike:  summary.MaxGammaStrike,
			MaxGammaValue:   summary.MaxGammaValue,
			GammaFlipPoint:  summary.GammaFlipPoint,
			PutCallRatio:    summary.PutCallRatio,
			MaxPain:         summary.MaxPain,
			TotalCallVolume: summary.TotalCallVolume,
			TotalPutVolume:  summary.TotalPutVolume,
			TotalCallOI:     summary.TotalCallOI,
			TotalPutOI:      summary.TotalPutOI,
			TotalNetGEX:     summary.TotalNetGEX,
		}
		if _, err := tx.NamedExecContext(ctx, upsertGEXSummary, row); err != nil {
			return fmt.Errorf("upsert gex summary: %w", err)
		}
		for _, b := range byStrike {
			row := gexByStrikeRow{
				Underlying:    b.Underlying,
				CalcTime:      b.CalcTime,
				Strike:        b.Strike,
				Expiration:    b.Expiration,
				CallGamma:     b.CallGamma,
				PutGamma:      b.PutGamma,
				NetGEX:        b.NetGEX,
				CallVolume:    b.CallVolume,
				PutVolume:     b.PutVolume,
				CallOI:        b.CallOI,
				PutOI:         b.PutOI,
				VannaExposure: b.VannaExposure,
				CharmExposure: b.CharmExposure,
			}
			if _, err := tx.NamedExecContext(ctx, upsertGEXByStrike, row); err != nil {
				return fmt.Errorf("upsert gex strike %v: %w", b.Strike, err)
			}
		}
		return nil
	})
}

// prunable maps table names the pruner may touch to their timestamp
// column. Anything else is rejected.
var prunable = map[string]string{
	"underlying_bars": "bucket_start",
	"option_quotes":   "bucket_start",
	"gex_summary":     "calc_time",
	"gex_by_strike":   "calc_time",
}

// PruneOlderThan deletes rows older than the cutoff and reports how
// many went.
func (s *Store) PruneOlderThan(ctx context.Context, table string, cutoff time.Time) (int64, error) {
	col, ok := prunable[table]
	if !ok {
		return 0, fmt.Errorf("prune: unknown table %q", table)
	}
	res, err := s.db.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE %s < $1", table, col), cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune %s: %w", table, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return n, nil
}

func (s *Store) inTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			s.logger.Error("rollback failed", "error", rbErr)
		}
		return classify(err)
	}
	return tx.Commit()
}

// classify separates rejections no retry can fix from connectivity
// failures. Postgres error classes 22 (data exception), 23 (integrity
// constraint violation) and 42 (syntax or undefined object) indicate a
// bug in row construction or schema drift.
func classify(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code.Class() {
		case "22", "23", "42":
			return &PermanentError{Err: err}
		}
	}
	return err
}
