// Package config defines the top-level configuration for the flowdesk
// engine and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by FLOWDESK_* environment variables.
type Config struct {
	Feed     FeedConfig     `toml:"feed"`
	Metrics  MetricsConfig  `toml:"metrics"`
	Exchange ExchangeConfig `toml:"exchange"`
	Strategy StrategyConfig `toml:"strategy"`
	Backtest BacktestConfig `toml:"backtest"`
	EventLog EventLogConfig `toml:"eventlog"`
	Postgres PostgresConfig `toml:"postgres"`
	Redis    RedisConfig    `toml:"redis"`
	S3       S3Config       `toml:"s3"`
	Server   ServerConfig   `toml:"server"`
	Notify   NotifyConfig   `toml:"notify"`
	Symbol   string         `toml:"symbol"`
	Mode     string         `toml:"mode"`
	LogLevel string         `toml:"log_level"`
}

// FeedConfig holds the Binance market-data endpoints and stream tuning.
type FeedConfig struct {
	WSBaseURL     string   `toml:"ws_base_url"`
	RESTBaseURL   string   `toml:"rest_base_url"`
	DepthLimit    int      `toml:"depth_limit"`
	Reconnect     duration `toml:"reconnect"`
	ReadTimeout   duration `toml:"read_timeout"`
	BroadcastRate duration `toml:"broadcast_rate"`
}

// MetricsConfig holds the order-flow metric window parameters.
type MetricsConfig struct {
	OFIWindow      int     `toml:"ofi_window"`
	DepthLevels    int     `toml:"depth_levels"`
	VPINBucketSize float64 `toml:"vpin_bucket_size"`
	VPINWindow     int     `toml:"vpin_window"`
}

// ExchangeConfig holds the paper-exchange simulation parameters.
type ExchangeConfig struct {
	StartingCapital float64  `toml:"starting_capital"`
	MakerFeeRate    float64  `toml:"maker_fee_rate"`
	TakerFeeRate    float64  `toml:"taker_fee_rate"`
	FeesEnabled     bool     `toml:"fees_enabled"`
	Leverage        float64  `toml:"leverage"`
	MinLatency      duration `toml:"min_latency"`
	MaxLatency      duration `toml:"max_latency"`
	Seed            int64    `toml:"seed"`
}

// StrategyConfig holds the live strategy selection and its parameters.
type StrategyConfig struct {
	Name   string         `toml:"name"`
	Size   float64        `toml:"size"`
	Params map[string]any `toml:"params"`
}

// BacktestConfig holds replay defaults applied when a run request omits them.
type BacktestConfig struct {
	Seed             int64   `toml:"seed"`
	Annualization    float64 `toml:"annualization"`
	CurveSampleEvery int     `toml:"curve_sample_every"`
}

// EventLogConfig holds the SQLite event-log location.
type EventLogConfig struct {
	Path string `toml:"path"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	Enabled       bool   `toml:"enabled"`
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Enabled    bool   `toml:"enabled"`
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
}

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled         bool     `toml:"enabled"`
	Port            int      `toml:"port"`
	CORSOrigins     []string `toml:"cors_origins"`
	APIKey          string   `toml:"api_key"`
	RateLimit       int      `toml:"rate_limit"`
	RateLimitWindow duration `toml:"rate_limit_window"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config populated with reasonable default values.
// These match the values in config.example.toml.
func Defaults() Config {
	return Config{
		Feed: FeedConfig{
			WSBaseURL:     "wss://stream.binance.com:9443",
			RESTBaseURL:   "https://api.binance.com",
			DepthLimit:    1000,
			Reconnect:     duration{2 * time.Second},
			ReadTimeout:   duration{30 * time.Second},
			BroadcastRate: duration{100 * time.Millisecond},
		},
		Metrics: MetricsConfig{
			OFIWindow:      50,
			DepthLevels:    10,
			VPINBucketSize: 50,
			VPINWindow:     50,
		},
		Exchange: ExchangeConfig{
			StartingCapital: 100_000,
			MakerFeeRate:    0.0002,
			TakerFeeRate:    0.0004,
			FeesEnabled:     false,
			Leverage:        1,
			MinLatency:      duration{50 * time.Millisecond},
			MaxLatency:      duration{200 * time.Millisecond},
		},
		Strategy: StrategyConfig{
			Name:   "ofi_momentum",
			Size:   0.01,
			Params: map[string]any{},
		},
		Backtest: BacktestConfig{
			Seed:             42,
			Annualization:    525600,
			CurveSampleEvery: 1,
		},
		EventLog: EventLogConfig{
			Path: "data/events.db",
		},
		Postgres: PostgresConfig{
			Enabled:       false,
			Host:          "localhost",
			Port:          5432,
			Database:      "flowdesk",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Enabled:    false,
			Addr:       "localhost:6379",
			DB:         0,
			PoolSize:   20,
			MaxRetries: 3,
			TLSEnabled: false,
		},
		S3: S3Config{
			Enabled:        false,
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "flowdesk-data",
			UseSSL:         false,
			ForcePathStyle: true,
		},
		Server: ServerConfig{
			Enabled:         true,
			Port:            8000,
			CORSOrigins:     []string{"http://localhost:3000", "http://localhost:5173"},
			RateLimit:       0,
			RateLimitWindow: duration{time.Second},
		},
		Notify: NotifyConfig{
			Events: []string{"fill", "backtest_done", "feed_gap"},
		},
		Symbol:   "BTCUSDT",
		Mode:     "full",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"live":     true,
	"record":   true,
	"backtest": true,
	"server":   true,
	"full":     true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	// Mode
	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: live, record, backtest, server, full)", c.Mode))
	}

	// LogLevel
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Symbol
	if strings.TrimSpace(c.Symbol) == "" {
		errs = append(errs, "symbol must not be empty")
	}

	// Feed
	if c.Feed.WSBaseURL == "" {
		errs = append(errs, "feed: ws_base_url must not be empty")
	}
	if c.Feed.RESTBaseURL == "" {
		errs = append(errs, "feed: rest_base_url must not be empty")
	}
	if c.Feed.DepthLimit <= 0 {
		errs = append(errs, "feed: depth_limit must be > 0")
	}

	// Metrics
	if c.Metrics.OFIWindow < 1 {
		errs = append(errs, "metrics: ofi_window must be >= 1")
	}
	if c.Metrics.DepthLevels < 1 {
		errs = append(errs, "metrics: depth_levels must be >= 1")
	}
	if c.Metrics.VPINBucketSize <= 0 {
		errs = append(errs, "metrics: vpin_bucket_size must be > 0")
	}
	if c.Metrics.VPINWindow < 1 {
		errs = append(errs, "metrics: vpin_window must be >= 1")
	}

	// Exchange
	if c.Exchange.StartingCapital <= 0 {
		errs = append(errs, "exchange: starting_capital must be > 0")
	}
	if c.Exchange.MakerFeeRate < 0 || c.Exchange.TakerFeeRate < 0 {
		errs = append(errs, "exchange: fee rates must not be negative")
	}
	if c.Exchange.Leverage <= 0 {
		errs = append(errs, "exchange: leverage must be > 0")
	}
	if c.Exchange.MinLatency.Duration < 0 || c.Exchange.MaxLatency.Duration < c.Exchange.MinLatency.Duration {
		errs = append(errs, "exchange: latency range must satisfy 0 <= min <= max")
	}

	// Strategy
	if c.Strategy.Name == "" {
		errs = append(errs, "strategy: name must not be empty")
	}
	if c.Strategy.Size <= 0 {
		errs = append(errs, "strategy: size must be > 0")
	}

	// Event log — every mode except pure server needs it.
	if strings.ToLower(c.Mode) != "server" && strings.TrimSpace(c.EventLog.Path) == "" {
		errs = append(errs, "eventlog: path must not be empty for mode "+c.Mode)
	}

	// Postgres
	if c.Postgres.Enabled {
		if strings.TrimSpace(c.Postgres.DSN) == "" {
			if c.Postgres.Host == "" {
				errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
			}
			if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
				errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
			}
			if c.Postgres.Database == "" {
				errs = append(errs, "postgres: database must not be empty")
			}
		}
		if c.Postgres.PoolMaxConns < 1 {
			errs = append(errs, "postgres: pool_max_conns must be >= 1")
		}
		if c.Postgres.PoolMinConns < 0 {
			errs = append(errs, "postgres: pool_min_conns must be >= 0")
		}
		if c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
			errs = append(errs, "postgres: pool_min_conns must not exceed pool_max_conns")
		}
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			errs = append(errs, "redis: addr must not be empty")
		}
		if c.Redis.PoolSize < 1 {
			errs = append(errs, "redis: pool_size must be >= 1")
		}
	}

	// S3
	if c.S3.Enabled {
		if c.S3.Endpoint == "" {
			errs = append(errs, "s3: endpoint must not be empty")
		}
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty")
		}
	}

	// Server
	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
		if c.Server.RateLimit < 0 {
			errs = append(errs, "server: rate_limit must be >= 0")
		}
		if c.Server.RateLimit > 0 && !c.Redis.Enabled {
			errs = append(errs, "server: rate_limit requires redis to be enabled")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
