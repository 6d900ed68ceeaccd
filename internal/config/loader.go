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

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies KOLCYCLE_* environment variable overrides, and
// returns the final Config. An empty path skips the file. The returned Config
// has NOT been validated; the caller should invoke Config.Validate() after
// Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, fmt.Errorf("config: decode %s: %w", path, err)
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known KOLCYCLE_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Wallet ──
	setStr(&cfg.Wallet.PrivateKey, "KOLCYCLE_WALLET_PRIVATE_KEY")
	setStr(&cfg.Wallet.EncryptedKeyPath, "KOLCYCLE_WALLET_ENCRYPTED_KEY_PATH")
	setStr(&cfg.Wallet.KeyPassword, "KOLCYCLE_WALLET_KEY_PASSWORD")

	// ── Chain ──
	setStr(&cfg.Chain.RPCURL, "KOLCYCLE_CHAIN_RPC_URL")
	setInt64(&cfg.Chain.ChainID, "KOLCYCLE_CHAIN_ID")
	setStr(&cfg.Chain.FactoryAddress, "KOLCYCLE_CHAIN_FACTORY_ADDRESS")
	setDuration(&cfg.Chain.ReceiptTimeout, "KOLCYCLE_CHAIN_RECEIPT_TIMEOUT")
	setDuration(&cfg.Chain.ReceiptPoll, "KOLCYCLE_CHAIN_RECEIPT_POLL")

	// ── Feed ──
	setStr(&cfg.Feed.BaseURL, "KOLCYCLE_FEED_BASE_URL")
	setStr(&cfg.Feed.APIKey, "KOLCYCLE_FEED_API_KEY")
	setDuration(&cfg.Feed.Timeout, "KOLCYCLE_FEED_TIMEOUT")
	setFloat64(&cfg.Feed.RatePerSec, "KOLCYCLE_FEED_RATE_PER_SEC")
	setInt(&cfg.Feed.Burst, "KOLCYCLE_FEED_BURST")

	// ── Cycle ──
	setDuration(&cfg.Cycle.Duration, "KOLCYCLE_CYCLE_DURATION")
	setDuration(&cfg.Cycle.BufferDuration, "KOLCYCLE_CYCLE_BUFFER_DURATION")
	setInt(&cfg.Cycle.HistoryDepth, "KOLCYCLE_CYCLE_HISTORY_DEPTH")

	// ── Deploy ──
	setDuration(&cfg.Deploy.GenesisWindow, "KOLCYCLE_DEPLOY_GENESIS_WINDOW")
	setInt(&cfg.Deploy.GasLimitBufferPct, "KOLCYCLE_DEPLOY_GAS_LIMIT_BUFFER_PCT")
	setInt(&cfg.Deploy.FeeDiscountPct, "KOLCYCLE_DEPLOY_FEE_DISCOUNT_PCT")
	setInt64(&cfg.Deploy.MinPriorityFeeWei, "KOLCYCLE_DEPLOY_MIN_PRIORITY_FEE_WEI")
	setInt(&cfg.Deploy.RetryAttempts, "KOLCYCLE_DEPLOY_RETRY_ATTEMPTS")
	setDuration(&cfg.Deploy.RetryTimeout, "KOLCYCLE_DEPLOY_RETRY_TIMEOUT")
	setDuration(&cfg.Deploy.RetryDelay, "KOLCYCLE_DEPLOY_RETRY_DELAY")

	// ── Scheduler ──
	setDuration(&cfg.Scheduler.IngestInterval, "KOLCYCLE_SCHEDULER_INGEST_INTERVAL")
	setDuration(&cfg.Scheduler.StatusInterval, "KOLCYCLE_SCHEDULER_STATUS_INTERVAL")
	setDuration(&cfg.Scheduler.HealthInterval, "KOLCYCLE_SCHEDULER_HEALTH_INTERVAL")
	setDuration(&cfg.Scheduler.TaskTimeout, "KOLCYCLE_SCHEDULER_TASK_TIMEOUT")
	setInt(&cfg.Scheduler.HealthFailures, "KOLCYCLE_SCHEDULER_HEALTH_FAILURES")

	// ── Refresh ──
	setBool(&cfg.Refresh.Enabled, "KOLCYCLE_REFRESH_ENABLED")
	setDuration(&cfg.Refresh.Interval, "KOLCYCLE_REFRESH_INTERVAL")
	setInt(&cfg.Refresh.MinBatch, "KOLCYCLE_REFRESH_MIN_BATCH")
	setInt(&cfg.Refresh.MaxBatch, "KOLCYCLE_REFRESH_MAX_BATCH")
	setInt(&cfg.Refresh.RateLimit, "KOLCYCLE_REFRESH_RATE_LIMIT")
	setDuration(&cfg.Refresh.RateWindow, "KOLCYCLE_REFRESH_RATE_WINDOW")
	setDuration(&cfg.Refresh.DelayMin, "KOLCYCLE_REFRESH_DELAY_MIN")
	setDuration(&cfg.Refresh.DelayMax, "KOLCYCLE_REFRESH_DELAY_MAX")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "KOLCYCLE_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "KOLCYCLE_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "KOLCYCLE_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "KOLCYCLE_REDIS_POOL_SIZE")
	setBool(&cfg.Redis.TLSEnabled, "KOLCYCLE_REDIS_TLS_ENABLED")
	setDuration(&cfg.Redis.CycleTTL, "KOLCYCLE_REDIS_CYCLE_TTL")
	setDuration(&cfg.Redis.LockTTL, "KOLCYCLE_REDIS_LOCK_TTL")
	setInt64(&cfg.Redis.EventsMaxLen, "KOLCYCLE_REDIS_EVENTS_MAX_LEN")

	// ── Postgres ──
	setBool(&cfg.Postgres.Enabled, "KOLCYCLE_POSTGRES_ENABLED")
	setStr(&cfg.Postgres.DSN, "KOLCYCLE_POSTGRES_DSN")
	setStr(&cfg.Postgres.DSN, "DATABASE_URL") // compatibility alias
	setStr(&cfg.Postgres.Host, "KOLCYCLE_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "KOLCYCLE_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "KOLCYCLE_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "KOLCYCLE_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "KOLCYCLE_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "KOLCYCLE_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "KOLCYCLE_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "KOLCYCLE_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "KOLCYCLE_POSTGRES_RUN_MIGRATIONS")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, "KOLCYCLE_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "KOLCYCLE_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "KOLCYCLE_S3_REGION")
	setStr(&cfg.S3.Bucket, "KOLCYCLE_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "KOLCYCLE_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "KOLCYCLE_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "KOLCYCLE_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "KOLCYCLE_S3_FORCE_PATH_STYLE")

	// ── Kafka ──
	setStringSlice(&cfg.Kafka.Brokers, "KOLCYCLE_KAFKA_BROKERS")
	setStr(&cfg.Kafka.Topic, "KOLCYCLE_KAFKA_TOPIC")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "KOLCYCLE_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "KOLCYCLE_SERVER_PORT")
	setStr(&cfg.Server.APIKey, "KOLCYCLE_SERVER_API_KEY")
	setInt(&cfg.Server.RateLimit, "KOLCYCLE_SERVER_RATE_LIMIT")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "KOLCYCLE_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "KOLCYCLE_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "KOLCYCLE_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "KOLCYCLE_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "KOLCYCLE_MODE")
	setStr(&cfg.LogLevel, "KOLCYCLE_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

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

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
