// Package config defines all configuration for the ingestion and
// analytics services. Config is loaded from a YAML file (default:
// configs/config.yaml) with sensitive fields overridable via GEX_*
// environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	Underlying string          `mapstructure:"underlying"`
	API        APIConfig       `mapstructure:"api"`
	Universe   UniverseConfig  `mapstructure:"universe"`
	Stream     StreamConfig    `mapstructure:"stream"`
	Backfill   BackfillConfig  `mapstructure:"backfill"`
	Numerics   NumericsConfig  `mapstructure:"numerics"`
	DB         DBConfig        `mapstructure:"db"`
	Analytics  AnalyticsConfig `mapstructure:"analytics"`
	Logging    LoggingConfig   `mapstructure:"logging"`
}

// APIConfig holds broker OAuth credentials, endpoints, and the retry
// policy applied to every broker call. If Sandbox is set, both the data
// and token URLs switch to the broker's simulation environment.
type APIConfig struct {
	ClientID     string `mapstructure:"client_id"`
	ClientSecret string `mapstructure:"client_secret"`
	RefreshToken string `mapstructure:"refresh_token"`
	BaseURL      string `mapstructure:"base_url"`
	TokenURL     string `mapstructure:"token_url"`
	Sandbox      bool   `mapstructure:"sandbox"`

	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	RetryAttempts  int           `mapstructure:"retry_attempts"`
	RetryDelay     time.Duration `mapstructure:"retry_delay"`
	RetryBackoff   float64       `mapstructure:"retry_backoff"`

	QuoteBatchSize  int `mapstructure:"quote_batch_size"`
	OptionBatchSize int `mapstructure:"option_batch_size"`
}

// UniverseConfig controls strike-universe membership and its recompute
// triggers.
//
//   - Expirations: how many nearest expirations to track.
//   - StrikeDistance: dollar distance from spot for strike membership.
//   - RecalcInterval: polling iterations between unconditional recomputes.
//   - PriceMoveThreshold: spot move (dollars) that forces a recompute.
//   - CleanupInterval: iterations between expired-contract sweeps.
type UniverseConfig struct {
	Expirations        int     `mapstructure:"expirations"`
	StrikeDistance     float64 `mapstructure:"strike_distance"`
	RecalcInterval     int     `mapstructure:"recalc_interval"`
	PriceMoveThreshold float64 `mapstructure:"price_move_threshold"`
	CleanupInterval    int     `mapstructure:"cleanup_interval"`
}

// StreamConfig tunes the polling loop and the one-minute aggregation
// buffer.
type StreamConfig struct {
	MarketHoursPollInterval   time.Duration `mapstructure:"market_hours_poll_interval"`
	ExtendedHoursPollInterval time.Duration `mapstructure:"extended_hours_poll_interval"`
	ClosedHoursPollInterval   time.Duration `mapstructure:"closed_hours_poll_interval"`

	BucketSeconds int `mapstructure:"bucket_seconds"`
	MaxBufferSize int `mapstructure:"max_buffer_size"`
}

// BackfillConfig controls the on-demand historical backfill.
// OptionSampling fetches the option chain on every Nth underlying bar.
type BackfillConfig struct {
	LookbackDays   int    `mapstructure:"lookback_days"`
	BarInterval    int    `mapstructure:"bar_interval"`
	BarUnit        string `mapstructure:"bar_unit"`
	OptionSampling int    `mapstructure:"option_sampling"`
}

// NumericsConfig tunes the IV solver and the Greeks stage.
type NumericsConfig struct {
	GreeksEnabled bool `mapstructure:"greeks_enabled"`
	IVEnabled     bool `mapstructure:"iv_enabled"`

	IVMaxIterations int     `mapstructure:"iv_max_iterations"`
	IVTolerance     float64 `mapstructure:"iv_tolerance"`
	IVMin           float64 `mapstructure:"iv_min"`
	IVMax           float64 `mapstructure:"iv_max"`

	RiskFreeRate float64 `mapstructure:"risk_free_rate"`
	DefaultIV    float64 `mapstructure:"default_iv"`
}

// DBConfig holds the Postgres connection and the per-table retention
// policy driving the maintenance task.
type DBConfig struct {
	DSN      string `mapstructure:"dsn"`
	Password string `mapstructure:"password"`
	PoolMax  int    `mapstructure:"pool_max"`

	RetentionQuoteDays   int `mapstructure:"retention_quote_days"`
	RetentionMetricsDays int `mapstructure:"retention_metrics_days"`
}

// AnalyticsConfig controls the independent GEX calculation loop.
type AnalyticsConfig struct {
	Interval        time.Duration `mapstructure:"interval"`
	StalenessWindow time.Duration `mapstructure:"staleness_window"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads config from a YAML file with env var overrides.
// Sensitive fields use env vars: GEX_CLIENT_ID, GEX_CLIENT_SECRET,
// GEX_REFRESH_TOKEN, GEX_DB_PASSWORD.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("GEX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Override sensitive fields from env
	if id := os.Getenv("GEX_CLIENT_ID"); id != "" {
		cfg.API.ClientID = id
	}
	if secret := os.Getenv("GEX_CLIENT_SECRET"); secret != "" {
		cfg.API.ClientSecret = secret
	}
	if tok := os.Getenv("GEX_REFRESH_TOKEN"); tok != "" {
		cfg.API.RefreshToken = tok
	}
	if pw := os.Getenv("GEX_DB_PASSWORD"); pw != "" {
		cfg.DB.Password = pw
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("underlying", "SPY")

	v.SetDefault("api.request_timeout", 30*time.Second)
	v.SetDefault("api.retry_attempts", 3)
	v.SetDefault("api.retry_delay", time.Second)
	v.SetDefault("api.retry_backoff", 2.0)
	v.SetDefault("api.quote_batch_size", 100)
	v.SetDefault("api.option_batch_size", 100)

	v.SetDefault("universe.expirations", 3)
	v.SetDefault("universe.strike_distance", 10.0)
	v.SetDefault("universe.recalc_interval", 10)
	v.SetDefault("universe.price_move_threshold", 1.0)
	v.SetDefault("universe.cleanup_interval", 100)

	v.SetDefault("stream.market_hours_poll_interval", 5*time.Second)
	v.SetDefault("stream.extended_hours_poll_interval", 30*time.Second)
	v.SetDefault("stream.closed_hours_poll_interval", 300*time.Second)
	v.SetDefault("stream.bucket_seconds", 60)
	v.SetDefault("stream.max_buffer_size", 1000)

	v.SetDefault("backfill.lookback_days", 7)
	v.SetDefault("backfill.bar_interval", 1)
	v.SetDefault("backfill.bar_unit", "Minute")
	v.SetDefault("backfill.option_sampling", 10)

	v.SetDefault("numerics.greeks_enabled", true)
	v.SetDefault("numerics.iv_enabled", true)
	v.SetDefault("numerics.iv_max_iterations", 100)
	v.SetDefault("numerics.iv_tolerance", 1e-5)
	v.SetDefault("numerics.iv_min", 0.01)
	v.SetDefault("numerics.iv_max", 5.0)
	v.SetDefault("numerics.risk_free_rate", 0.05)
	v.SetDefault("numerics.default_iv", 0.25)

	v.SetDefault("db.pool_max", 10)
	v.SetDefault("db.retention_quote_days", 90)
	v.SetDefault("db.retention_metrics_days", 30)

	v.SetDefault("analytics.interval", 60*time.Second)
	v.SetDefault("analytics.staleness_window", 5*time.Minute)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if c.Underlying == "" {
		return fmt.Errorf("underlying is required")
	}
	if c.API.ClientID == "" {
		return fmt.Errorf("api.client_id is required (set GEX_CLIENT_ID)")
	}
	if c.API.ClientSecret == "" {
		return fmt.Errorf("api.client_secret is required (set GEX_CLIENT_SECRET)")
	}
	if c.API.RefreshToken == "" {
		return fmt.Errorf("api.refresh_token is required (set GEX_REFRESH_TOKEN)")
	}
	if c.API.RetryAttempts < 1 {
		return fmt.Errorf("api.retry_attempts must be >= 1")
	}
	if c.API.RetryBackoff < 1 {
		return fmt.Errorf("api.retry_backoff must be >= 1")
	}
	if c.API.OptionBatchSize <= 0 {
		return fmt.Errorf("api.option_batch_size must be > 0")
	}
	if c.Universe.Expirations <= 0 {
		return fmt.Errorf("universe.expirations must be > 0")
	}
	if c.Universe.StrikeDistance <= 0 {
		return fmt.Errorf("universe.strike_distance must be > 0")
	}
	if c.Universe.RecalcInterval <= 0 {
		return fmt.Errorf("universe.recalc_interval must be > 0")
	}
	if c.Stream.BucketSeconds <= 0 {
		return fmt.Errorf("stream.bucket_seconds must be > 0")
	}
	if c.Stream.MaxBufferSize <= 0 {
		return fmt.Errorf("stream.max_buffer_size must be > 0")
	}
	if c.Numerics.IVMin <= 0 || c.Numerics.IVMax <= c.Numerics.IVMin {
		return fmt.Errorf("numerics iv range invalid: [%v, %v]", c.Numerics.IVMin, c.Numerics.IVMax)
	}
	if c.DB.DSN == "" {
		return fmt.Errorf("db.dsn is required")
	}
	if c.Analytics.Interval <= 0 {
		return fmt.Errorf("analytics.interval must be > 0")
	}
	return nil
}
