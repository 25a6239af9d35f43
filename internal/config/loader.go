package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads configuration in three layers, each overriding the previous:
//
//  1. built-in defaults (Defaults)
//  2. the TOML file at path, if path is non-empty
//  3. FLOWDESK_* environment variables (a .env file is loaded first if present)
//
// The merged config is validated before being returned.
func Load(path string) (Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return cfg, fmt.Errorf("config: decode %s: %w", path, err)
		}
	}

	// .env is optional; ignore a missing file.
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// applyEnvOverrides mutates cfg with values from FLOWDESK_* environment
// variables. Unset variables leave the existing value untouched.
func applyEnvOverrides(cfg *Config) {
	setStr(&cfg.Symbol, "FLOWDESK_SYMBOL")
	setStr(&cfg.Mode, "FLOWDESK_MODE")
	setStr(&cfg.LogLevel, "FLOWDESK_LOG_LEVEL")

	setStr(&cfg.Feed.WSBaseURL, "FLOWDESK_FEED_WS_BASE_URL")
	setStr(&cfg.Feed.RESTBaseURL, "FLOWDESK_FEED_REST_BASE_URL")
	setInt(&cfg.Feed.DepthLimit, "FLOWDESK_FEED_DEPTH_LIMIT")
	setDuration(&cfg.Feed.Reconnect, "FLOWDESK_FEED_RECONNECT")
	setDuration(&cfg.Feed.ReadTimeout, "FLOWDESK_FEED_READ_TIMEOUT")
	setDuration(&cfg.Feed.BroadcastRate, "FLOWDESK_FEED_BROADCAST_RATE")

	setInt(&cfg.Metrics.OFIWindow, "FLOWDESK_METRICS_OFI_WINDOW")
	setInt(&cfg.Metrics.DepthLevels, "FLOWDESK_METRICS_DEPTH_LEVELS")
	setFloat64(&cfg.Metrics.VPINBucketSize, "FLOWDESK_METRICS_VPIN_BUCKET_SIZE")
	setInt(&cfg.Metrics.VPINWindow, "FLOWDESK_METRICS_VPIN_WINDOW")

	setFloat64(&cfg.Exchange.StartingCapital, "FLOWDESK_EXCHANGE_STARTING_CAPITAL")
	setFloat64(&cfg.Exchange.MakerFeeRate, "FLOWDESK_EXCHANGE_MAKER_FEE_RATE")
	setFloat64(&cfg.Exchange.TakerFeeRate, "FLOWDESK_EXCHANGE_TAKER_FEE_RATE")
	setBool(&cfg.Exchange.FeesEnabled, "FLOWDESK_EXCHANGE_FEES_ENABLED")
	setFloat64(&cfg.Exchange.Leverage, "FLOWDESK_EXCHANGE_LEVERAGE")
	setDuration(&cfg.Exchange.MinLatency, "FLOWDESK_EXCHANGE_MIN_LATENCY")
	setDuration(&cfg.Exchange.MaxLatency, "FLOWDESK_EXCHANGE_MAX_LATENCY")
	setInt64(&cfg.Exchange.Seed, "FLOWDESK_EXCHANGE_SEED")

	setStr(&cfg.Strategy.Name, "FLOWDESK_STRATEGY_NAME")
	setFloat64(&cfg.Strategy.Size, "FLOWDESK_STRATEGY_SIZE")

	setInt64(&cfg.Backtest.Seed, "FLOWDESK_BACKTEST_SEED")
	setFloat64(&cfg.Backtest.Annualization, "FLOWDESK_BACKTEST_ANNUALIZATION")
	setInt(&cfg.Backtest.CurveSampleEvery, "FLOWDESK_BACKTEST_CURVE_SAMPLE_EVERY")

	setStr(&cfg.EventLog.Path, "FLOWDESK_EVENTLOG_PATH")

	setBool(&cfg.Postgres.Enabled, "FLOWDESK_POSTGRES_ENABLED")
	setStr(&cfg.Postgres.DSN, "FLOWDESK_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "FLOWDESK_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "FLOWDESK_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "FLOWDESK_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "FLOWDESK_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "FLOWDESK_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "FLOWDESK_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "FLOWDESK_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "FLOWDESK_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "FLOWDESK_POSTGRES_RUN_MIGRATIONS")

	setBool(&cfg.Redis.Enabled, "FLOWDESK_REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "FLOWDESK_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "FLOWDESK_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "FLOWDESK_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "FLOWDESK_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "FLOWDESK_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "FLOWDESK_REDIS_TLS_ENABLED")

	setBool(&cfg.S3.Enabled, "FLOWDESK_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "FLOWDESK_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "FLOWDESK_S3_REGION")
	setStr(&cfg.S3.Bucket, "FLOWDESK_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "FLOWDESK_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "FLOWDESK_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "FLOWDESK_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "FLOWDESK_S3_FORCE_PATH_STYLE")

	setBool(&cfg.Server.Enabled, "FLOWDESK_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "FLOWDESK_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "FLOWDESK_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, "FLOWDESK_SERVER_API_KEY")
	setInt(&cfg.Server.RateLimit, "FLOWDESK_SERVER_RATE_LIMIT")
	setDuration(&cfg.Server.RateLimitWindow, "FLOWDESK_SERVER_RATE_LIMIT_WINDOW")

	setStr(&cfg.Notify.TelegramToken, "FLOWDESK_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "FLOWDESK_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "FLOWDESK_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "FLOWDESK_NOTIFY_EVENTS")
}

// setStr overrides dst when the environment variable key is set and non-empty.
func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

// setStringSlice splits a comma-separated environment variable into a slice,
// trimming whitespace around each element.
func setStringSlice(dst *[]string, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) > 0 {
		*dst = out
	}
}
