// Package config defines the top-level configuration for the KOL market
// cycle orchestrator and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by KOLCYCLE_* environment variables.
type Config struct {
	Wallet    WalletConfig    `toml:"wallet"`
	Chain     ChainConfig     `toml:"chain"`
	Feed      FeedConfig      `toml:"feed"`
	Cycle     CycleConfig     `toml:"cycle"`
	Deploy    DeployConfig    `toml:"deploy"`
	Scheduler SchedulerConfig `toml:"scheduler"`
	Refresh   RefreshConfig   `toml:"refresh"`
	Redis     RedisConfig     `toml:"redis"`
	Postgres  PostgresConfig  `toml:"postgres"`
	S3        S3Config        `toml:"s3"`
	Kafka     KafkaConfig     `toml:"kafka"`
	Server    ServerConfig    `toml:"server"`
	Notify    NotifyConfig    `toml:"notify"`
	Mode      string          `toml:"mode"`
	LogLevel  string          `toml:"log_level"`
}

// WalletConfig holds the deployer key. PrivateKey wins over the encrypted
// file when both are set.
type WalletConfig struct {
	PrivateKey       string `toml:"private_key"`
	EncryptedKeyPath string `toml:"encrypted_key_path"`
	KeyPassword      string `toml:"key_password"`
}

// ChainConfig points at the RPC node and the market factory.
type ChainConfig struct {
	RPCURL         string   `toml:"rpc_url"`
	ChainID        int64    `toml:"chain_id"`
	FactoryAddress string   `toml:"factory_address"`
	ReceiptTimeout duration `toml:"receipt_timeout"`
	ReceiptPoll    duration `toml:"receipt_poll"`
}

// FeedConfig holds the ranking feed endpoint.
type FeedConfig struct {
	BaseURL    string   `toml:"base_url"`
	APIKey     string   `toml:"api_key"`
	Timeout    duration `toml:"timeout"`
	RatePerSec float64  `toml:"rate_per_sec"`
	Burst      int      `toml:"burst"`
}

// CycleConfig holds cycle timing.
type CycleConfig struct {
	Duration       duration `toml:"duration"`
	BufferDuration duration `toml:"buffer_duration"`
	// HistoryDepth is how many stored scores a reset without fresh data
	// uses.
	HistoryDepth int `toml:"history_depth"`
}

// DeployConfig tunes market deployment pricing and retries.
type DeployConfig struct {
	GenesisWindow     duration `toml:"genesis_window"`
	GasLimitBufferPct int      `toml:"gas_limit_buffer_pct"`
	FeeDiscountPct    int      `toml:"fee_discount_pct"`
	MinPriorityFeeWei int64    `toml:"min_priority_fee_wei"`
	RetryAttempts     int      `toml:"retry_attempts"`
	RetryTimeout      duration `toml:"retry_timeout"`
	RetryDelay        duration `toml:"retry_delay"`
}

// SchedulerConfig holds the periodic task intervals.
type SchedulerConfig struct {
	IngestInterval duration `toml:"ingest_interval"`
	StatusInterval duration `toml:"status_interval"`
	HealthInterval duration `toml:"health_interval"`
	TaskTimeout    duration `toml:"task_timeout"`
	// HealthFailures is how many pings in a row must fail before tasks are
	// suspended.
	HealthFailures int `toml:"health_failures"`
}

// RefreshConfig holds the crashed-entity refresh settings.
type RefreshConfig struct {
	Enabled    bool     `toml:"enabled"`
	Interval   duration `toml:"interval"`
	MinBatch   int      `toml:"min_batch"`
	MaxBatch   int      `toml:"max_batch"`
	GrowAfter  int      `toml:"grow_after"`
	RateLimit  int      `toml:"rate_limit"`
	RateWindow duration `toml:"rate_window"`
	BackoffMin duration `toml:"backoff_min"`
	BackoffMax duration `toml:"backoff_max"`
	// DelayMin and DelayMax bound the pause between batches.
	DelayMin duration `toml:"delay_min"`
	DelayMax duration `toml:"delay_max"`
}

// RedisConfig holds Redis connection parameters and key lifetimes.
type RedisConfig struct {
	Addr         string   `toml:"addr"`
	Password     string   `toml:"password"`
	DB           int      `toml:"db"`
	PoolSize     int      `toml:"pool_size"`
	MaxRetries   int      `toml:"max_retries"`
	TLSEnabled   bool     `toml:"tls_enabled"`
	CycleTTL     duration `toml:"cycle_ttl"`
	LockTTL      duration `toml:"lock_ttl"`
	OutcomeTTL   duration `toml:"outcome_ttl"`
	EventsMaxLen int64    `toml:"events_max_len"`
}

// PostgresConfig holds the mindshare history and audit database.
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

// S3Config holds the cycle archive bucket.
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

// KafkaConfig enables the Kafka event sink when Brokers is set.
type KafkaConfig struct {
	Brokers []string `toml:"brokers"`
	Topic   string   `toml:"topic"`
}

// ServerConfig holds the operator API parameters.
type ServerConfig struct {
	Enabled    bool     `toml:"enabled"`
	Port       int      `toml:"port"`
	APIKey     string   `toml:"api_key"`
	RateLimit  int      `toml:"rate_limit"`
	RateWindow duration `toml:"rate_window"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "72h", "30s").
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
		Chain: ChainConfig{
			ChainID:        137,
			ReceiptTimeout: duration{2 * time.Minute},
			ReceiptPoll:    duration{2 * time.Second},
		},
		Feed: FeedConfig{
			Timeout:    duration{30 * time.Second},
			RatePerSec: 5,
			Burst:      5,
		},
		Cycle: CycleConfig{
			Duration:       duration{72 * time.Hour},
			BufferDuration: duration{time.Hour},
			HistoryDepth:   24,
		},
		Deploy: DeployConfig{
			GenesisWindow:     duration{72 * time.Hour},
			GasLimitBufferPct: 20,
			FeeDiscountPct:    10,
			MinPriorityFeeWei: 1_000_000_000,
			RetryAttempts:     3,
			RetryTimeout:      duration{30 * time.Second},
			RetryDelay:        duration{500 * time.Millisecond},
		},
		Scheduler: SchedulerConfig{
			IngestInterval: duration{time.Hour},
			StatusInterval: duration{5 * time.Minute},
			HealthInterval: duration{time.Minute},
			TaskTimeout:    duration{10 * time.Minute},
			HealthFailures: 3,
		},
		Refresh: RefreshConfig{
			Enabled:    true,
			Interval:   duration{15 * time.Minute},
			MinBatch:   1,
			MaxBatch:   8,
			GrowAfter:  3,
			RateLimit:  60,
			RateWindow: duration{time.Minute},
			BackoffMin: duration{30 * time.Second},
			BackoffMax: duration{30 * time.Minute},
			DelayMin:   duration{time.Second},
			DelayMax:   duration{time.Minute},
		},
		Redis: RedisConfig{
			Addr:         "localhost:6379",
			PoolSize:     20,
			MaxRetries:   3,
			CycleTTL:     duration{7 * 24 * time.Hour},
			LockTTL:      duration{5 * time.Minute},
			OutcomeTTL:   duration{24 * time.Hour},
			EventsMaxLen: 10_000,
		},
		Postgres: PostgresConfig{
			Enabled:       true,
			Host:          "localhost",
			Port:          5432,
			Database:      "kolcycle",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		S3: S3Config{
			Enabled:        false,
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "kolcycle-archive",
			ForcePathStyle: true,
		},
		Kafka: KafkaConfig{
			Topic: "kolcycle.events",
		},
		Server: ServerConfig{
			Enabled:    true,
			Port:       8000,
			RateLimit:  120,
			RateWindow: duration{time.Minute},
		},
		Notify: NotifyConfig{
			Events: []string{"market_deployment_failed", "cycle_transitioned"},
		},
		Mode:     "orchestrator",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"orchestrator": true,
	"server":       true,
	"tick":         true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// NeedsChain reports whether the mode deploys markets.
func (c *Config) NeedsChain() bool {
	m := strings.ToLower(c.Mode)
	return m == "orchestrator" || m == "tick"
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: orchestrator, server, tick)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	if c.NeedsChain() {
		if c.Wallet.PrivateKey == "" && c.Wallet.EncryptedKeyPath == "" {
			errs = append(errs, "wallet: either private_key or encrypted_key_path must be set for mode "+c.Mode)
		}
		if c.Wallet.PrivateKey == "" && c.Wallet.EncryptedKeyPath != "" && c.Wallet.KeyPassword == "" {
			errs = append(errs, "wallet: key_password is required when encrypted_key_path is set")
		}
		if c.Chain.RPCURL == "" {
			errs = append(errs, "chain: rpc_url must not be empty")
		}
		if c.Chain.ChainID <= 0 {
			errs = append(errs, "chain: chain_id must be positive")
		}
		if !common.IsHexAddress(c.Chain.FactoryAddress) {
			errs = append(errs, fmt.Sprintf("chain: factory_address %q is not a hex address", c.Chain.FactoryAddress))
		}
		if c.Feed.BaseURL == "" {
			errs = append(errs, "feed: base_url must not be empty")
		}
	}

	if c.Cycle.Duration.Duration <= 0 {
		errs = append(errs, "cycle: duration must be > 0")
	}
	if c.Cycle.BufferDuration.Duration <= 0 {
		errs = append(errs, "cycle: buffer_duration must be > 0")
	}
	if c.Redis.CycleTTL.Duration <= c.Cycle.Duration.Duration+c.Cycle.BufferDuration.Duration {
		errs = append(errs, "redis: cycle_ttl must outlive cycle.duration plus cycle.buffer_duration")
	}
	if c.Redis.LockTTL.Duration <= 0 {
		errs = append(errs, "redis: lock_ttl must be > 0")
	}

	if c.Deploy.FeeDiscountPct < 0 || c.Deploy.FeeDiscountPct >= 100 {
		errs = append(errs, fmt.Sprintf("deploy: fee_discount_pct must be 0-99, got %d", c.Deploy.FeeDiscountPct))
	}
	if c.Deploy.GasLimitBufferPct < 0 {
		errs = append(errs, "deploy: gas_limit_buffer_pct must be >= 0")
	}
	if c.Deploy.RetryAttempts < 1 {
		errs = append(errs, "deploy: retry_attempts must be >= 1")
	}

	if c.Refresh.Enabled {
		if c.Refresh.MinBatch < 1 || c.Refresh.MaxBatch < c.Refresh.MinBatch {
			errs = append(errs, "refresh: need 1 <= min_batch <= max_batch")
		}
		if c.Refresh.RateLimit < 1 {
			errs = append(errs, "refresh: rate_limit must be >= 1")
		}
		if c.Refresh.DelayMin.Duration < 0 || c.Refresh.DelayMax.Duration < c.Refresh.DelayMin.Duration {
			errs = append(errs, "refresh: need 0 <= delay_min <= delay_max")
		}
	}
	if c.Scheduler.HealthFailures < 1 {
		errs = append(errs, "scheduler: health_failures must be >= 1")
	}

	if c.Redis.Addr == "" {
		errs = append(errs, "redis: addr must not be empty")
	}
	if c.Redis.PoolSize < 1 {
		errs = append(errs, "redis: pool_size must be >= 1")
	}

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
		if c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
			errs = append(errs, "postgres: pool_min_conns must not exceed pool_max_conns")
		}
	}

	if c.S3.Enabled && c.S3.Bucket == "" {
		errs = append(errs, "s3: bucket must not be empty")
	}
	if len(c.Kafka.Brokers) > 0 && c.Kafka.Topic == "" {
		errs = append(errs, "kafka: topic must not be empty when brokers are set")
	}

	if c.Server.Enabled || strings.EqualFold(c.Mode, "server") {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
