package store

import (
	"context"
	"fmt"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS underlying_bars (
		symbol       TEXT        NOT NULL,
		bucket_start TIMESTAMPTZ NOT NULL,
		open         DOUBLE PRECISION NOT NULL,
		high         DOUBLE PRECISION NOT NULL,
		low          DOUBLE PRECISION NOT NULL,
		close        DOUBLE PRECISION NOT NULL,
		up_volume    BIGINT NOT NULL DEFAULT 0,
		down_volume  BIGINT NOT NULL DEFAULT 0,
		volume       BIGINT NOT NULL DEFAULT 0,
		PRIMARY KEY (symbol, bucket_start)
	)`,
	`CREATE TABLE IF NOT EXISTS option_quotes (
		option_symbol TEXT        NOT NULL,
		bucket_start  TIMESTAMPTZ NOT NULL,
		underlying    TEXT        NOT NULL,
		expiration    TIMESTAMPTZ NOT NULL,
		strike        NUMERIC(12,2) NOT NULL,
		option_type   TEXT        NOT NULL,
		last          DOUBLE PRECISION,
		bid           DOUBLE PRECISION,
		ask           DOUBLE PRECISION,
		volume        BIGINT NOT NULL DEFAULT 0,
		open_interest BIGINT NOT NULL DEFAULT 0,
		iv            DOUBLE PRECISION,
		iv_source     TEXT NOT NULL DEFAULT '',
		delta         DOUBLE PRECISION,
		gamma         DOUBLE PRECISION,
		theta         DOUBLE PRECISION,
		vega          DOUBLE PRECISION,
		PRIMARY KEY (option_symbol, bucket_start)
	)`,
	`CREATE INDEX IF NOT EXISTS option_quotes_underlying_time
		ON option_quotes (underlying, bucket_start DESC)`,
	`CREATE TABLE IF NOT EXISTS gex_summary (
		underlying        TEXT        NOT NULL,
		calc_time         TIMESTAMPTZ NOT NULL,
		max_gamma_strike  DOUBLE PRECISION NOT NULL,
		max_gamma_value   DOUBLE PRECISION NOT NULL,
		gamma_flip_point  DOUBLE PRECISION,
		put_call_ratio    DOUBLE PRECISION,
		max_pain          DOUBLE PRECISION NOT NULL,
		total_call_volume BIGINT NOT NULL DEFAULT 0,
		total_put_volume  BIGINT NOT NULL DEFAULT 0,
		total_call_oi     BIGINT NOT NULL DEFAULT 0,
		total_put_oi      BIGINT NOT NULL DEFAULT 0,
		total_net_gex     DOUBLE PRECISION NOT NULL,
		PRIMARY KEY (underlying, calc_time)
	)`,
	`CREATE TABLE IF NOT EXISTS gex_by_strike (
		underlying     TEXT        NOT NULL,
		calc_time      TIMESTAMPTZ NOT NULL,
		strike         DOUBLE PRECISION NOT NULL,
		expiration     TIMESTAMPTZ NOT NULL,
		call_gamma     DOUBLE PRECISION NOT NULL,
		put_gamma      DOUBLE PRECISION NOT NULL,
		net_gex        DOUBLE PRECISION NOT NULL,
		call_volume    BIGINT NOT NULL DEFAULT 0,
		put_volume     BIGINT NOT NULL DEFAULT 0,
		call_oi        BIGINT NOT NULL DEFAULT 0,
		put_oi         BIGINT NOT NULL DEFAULT 0,
		vanna_exposure DOUBLE PRECISION NOT NULL,
		charm_exposure DOUBLE PRECISION NOT NULL,
		PRIMARY KEY (underlying, calc_time, strike, expiration)
	)`,
}

// Migrate creates the schema if it does not exist yet.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	s.logger.Info("schema ready")
	return nil
}
