package app

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"strings"

	s3blob "github.com/alanyoungcy/kolcycle/internal/blob/s3"
	"github.com/alanyoungcy/kolcycle/internal/bus/kafka"
	"github.com/alanyoungcy/kolcycle/internal/cache/redis"
	"github.com/alanyoungcy/kolcycle/internal/config"
	"github.com/alanyoungcy/kolcycle/internal/crypto"
	"github.com/alanyoungcy/kolcycle/internal/cycle"
	"github.com/alanyoungcy/kolcycle/internal/deploy"
	"github.com/alanyoungcy/kolcycle/internal/domain"
	"github.com/alanyoungcy/kolcycle/internal/notify"
	"github.com/alanyoungcy/kolcycle/internal/platform/chain"
	"github.com/alanyoungcy/kolcycle/internal/platform/ranking"
	"github.com/alanyoungcy/kolcycle/internal/retry"
	"github.com/alanyoungcy/kolcycle/internal/scheduler"
	"github.com/alanyoungcy/kolcycle/internal/service"
	"github.com/alanyoungcy/kolcycle/internal/store/postgres"
)

// Dependencies bundles every component the application modes need. It is
// constructed by Wire and torn down by the returned cleanup function.
// Optional components are nil when their backend is not configured.
type Dependencies struct {
	// Redis
	Store       *redis.CycleStore
	LockManager domain.LockManager
	RateLimiter domain.RateLimiter
	EventLog    domain.EventLog

	// Postgres (optional)
	History domain.MindshareStore
	Audit   domain.AuditStore

	// S3 (optional)
	Archive domain.CycleArchive

	// Events fans out to the Redis stream, Kafka and notifications.
	Events   domain.EventPublisher
	Notifier *notify.Notifier

	// Orchestration; nil in server mode.
	Machine   *cycle.Machine
	Refresher *scheduler.Refresher
	Scheduler *scheduler.Scheduler

	Service *service.CycleService
}

// needsPostgres reports whether the mindshare and audit stores are wired.
func needsPostgres(cfg *config.Config) bool {
	return cfg.Postgres.Enabled
}

// needsS3 reports whether the cycle archive is wired.
func needsS3(cfg *config.Config) bool {
	return cfg.S3.Enabled
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(what string, err error) (*Dependencies, func(), error) {
		cleanup()
		return nil, nil, fmt.Errorf("wire: %s: %w", what, err)
	}

	deps := &Dependencies{}

	// --- Redis ---
	redisClient, err := redis.New(ctx, redis.ClientConfig{
		Addr:       cfg.Redis.Addr,
		Password:   cfg.Redis.Password,
		DB:         cfg.Redis.DB,
		PoolSize:   cfg.Redis.PoolSize,
		MaxRetries: cfg.Redis.MaxRetries,
		TLSEnabled: cfg.Redis.TLSEnabled,
	})
	if err != nil {
		return fail("redis", err)
	}
	closers = append(closers, func() { _ = redisClient.Close() })

	deps.Store = redis.NewCycleStore(redisClient, redis.StoreConfig{
		CycleTTL:   cfg.Redis.CycleTTL.Duration,
		LockTTL:    cfg.Redis.LockTTL.Duration,
		OutcomeTTL: cfg.Redis.OutcomeTTL.Duration,
	})
	deps.LockManager = redis.NewLockManager(redisClient)
	deps.RateLimiter = redis.NewRateLimiter(redisClient)
	eventBus := redis.NewEventBus(redisClient, cfg.Redis.EventsMaxLen)
	deps.EventLog = eventBus

	// --- PostgreSQL (optional) ---
	if needsPostgres(cfg) {
		pgClient, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:      cfg.Postgres.DSN,
			Host:     cfg.Postgres.Host,
			Port:     cfg.Postgres.Port,
			Database: cfg.Postgres.Database,
			User:     cfg.Postgres.User,
			Password: cfg.Postgres.Password,
			SSLMode:  cfg.Postgres.SSLMode,
			MaxConns: cfg.Postgres.PoolMaxConns,
			MinConns: cfg.Postgres.PoolMinConns,
		})
		if err != nil {
			return fail("postgres", err)
		}
		closers = append(closers, pgClient.Close)

		if cfg.Postgres.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				return fail("postgres migrations", err)
			}
		}

		deps.History = postgres.NewMindshareStore(pgClient.Pool())
		deps.Audit = postgres.NewAuditStore(pgClient.Pool())
	}

	// --- S3 cycle archive (optional) ---
	if needsS3(cfg) {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			return fail("s3", err)
		}
		if err := s3Client.Health(ctx); err != nil {
			logger.WarnContext(ctx, "s3 bucket not reachable, archiving will fail until it is",
				slog.String("bucket", cfg.S3.Bucket),
				slog.String("error", err.Error()),
			)
		}
		deps.Archive = s3blob.NewCycleArchive(s3blob.NewWriter(s3Client), s3blob.NewReader(s3Client))
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(
			cfg.Notify.TelegramToken,
			cfg.Notify.TelegramChatID,
		))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)

	// --- Event fan-out ---
	sinks := []service.NamedPublisher{{Name: "redis", Publisher: eventBus}}
	if len(cfg.Kafka.Brokers) > 0 {
		kw, err := kafka.NewEventWriter(kafka.Config{Brokers: cfg.Kafka.Brokers, Topic: cfg.Kafka.Topic})
		if err != nil {
			return fail("kafka", err)
		}
		closers = append(closers, func() { _ = kw.Close() })
		sinks = append(sinks, service.NamedPublisher{Name: "kafka", Publisher: kw})
	}
	if len(senders) > 0 {
		sinks = append(sinks, service.NamedPublisher{Name: "notify", Publisher: notify.NewEventSink(deps.Notifier)})
	}
	deps.Events = service.NewEventFanOut(logger, sinks...)

	deps.Service = service.NewCycleService(deps.Store, deps.EventLog, deps.Audit, deps.Archive, logger)

	if !cfg.NeedsChain() {
		return deps, cleanup, nil
	}

	// --- Chain ---
	signer, err := crypto.LoadSigner(crypto.KeyConfig{
		RawPrivateKey:    cfg.Wallet.PrivateKey,
		EncryptedKeyPath: cfg.Wallet.EncryptedKeyPath,
		KeyPassword:      cfg.Wallet.KeyPassword,
	}, cfg.Chain.ChainID)
	if err != nil {
		return fail("signer", err)
	}
	chainClient, err := chain.Dial(ctx, chain.Config{
		RPCURL:         cfg.Chain.RPCURL,
		FactoryAddress: cfg.Chain.FactoryAddress,
		ReceiptTimeout: cfg.Chain.ReceiptTimeout.Duration,
		ReceiptPoll:    cfg.Chain.ReceiptPoll.Duration,
	}, signer, logger)
	if err != nil {
		return fail("chain", err)
	}
	closers = append(closers, chainClient.Close)
	logger.InfoContext(ctx, "deployer wallet loaded",
		slog.String("address", signer.Address().Hex()),
		slog.Int64("chain_id", cfg.Chain.ChainID),
	)

	// --- Ranking feed ---
	retryPolicy := retry.Default()
	retryPolicy.Attempts = cfg.Deploy.RetryAttempts
	retryPolicy.Timeout = cfg.Deploy.RetryTimeout.Duration
	retryPolicy.Delay = cfg.Deploy.RetryDelay.Duration

	feed := ranking.New(ranking.Config{
		BaseURL:    strings.TrimSpace(cfg.Feed.BaseURL),
		APIKey:     cfg.Feed.APIKey,
		Timeout:    cfg.Feed.Timeout.Duration,
		RatePerSec: cfg.Feed.RatePerSec,
		Burst:      cfg.Feed.Burst,
		Retry:      retryPolicy,
	}, logger)

	// --- Orchestration ---
	gas := deploy.DefaultGasPolicy()
	gas.LimitBufferPct = cfg.Deploy.GasLimitBufferPct
	gas.FeeDiscountPct = cfg.Deploy.FeeDiscountPct
	if cfg.Deploy.MinPriorityFeeWei > 0 {
		gas.MinPriorityFee = big.NewInt(cfg.Deploy.MinPriorityFeeWei)
	} else {
		gas.MinPriorityFee = nil
	}
	coordinator := deploy.NewCoordinator(deps.Store, chainClient, deps.Events, deps.Audit, deploy.Config{
		GenesisWindow: cfg.Deploy.GenesisWindow.Duration,
		Gas:           gas,
		Retry:         retryPolicy,
	}, logger)

	deps.Machine = cycle.NewMachine(cycle.Deps{
		Store:    deps.Store,
		Feed:     feed,
		Chain:    chainClient,
		Deployer: coordinator,
		History:  deps.History,
		Archive:  deps.Archive,
		Audit:    deps.Audit,
		Events:   deps.Events,
	}, cycle.Config{
		CycleDuration:  cfg.Cycle.Duration.Duration,
		BufferDuration: cfg.Cycle.BufferDuration.Duration,
		HistoryDepth:   cfg.Cycle.HistoryDepth,
		Retry:          retryPolicy,
	}, logger)

	refreshInterval := cfg.Refresh.Interval.Duration
	if cfg.Refresh.Enabled && deps.History != nil {
		deps.Refresher = scheduler.NewRefresher(deps.Store, feed, deps.History, deps.RateLimiter, scheduler.RefreshConfig{
			MinBatch:   cfg.Refresh.MinBatch,
			MaxBatch:   cfg.Refresh.MaxBatch,
			GrowAfter:  cfg.Refresh.GrowAfter,
			RateLimit:  cfg.Refresh.RateLimit,
			RateWindow: cfg.Refresh.RateWindow.Duration,
			BackoffMin: cfg.Refresh.BackoffMin.Duration,
			BackoffMax: cfg.Refresh.BackoffMax.Duration,
			DelayMin:   cfg.Refresh.DelayMin.Duration,
			DelayMax:   cfg.Refresh.DelayMax.Duration,
		}, logger)
	} else {
		refreshInterval = 0
		if cfg.Refresh.Enabled {
			logger.InfoContext(ctx, "refresh enabled but postgres is off, crashed entities will not be refreshed")
		}
	}

	deps.Scheduler = scheduler.New(deps.Machine, deps.Store, deps.Refresher, deps.LockManager, scheduler.Config{
		IngestInterval:  cfg.Scheduler.IngestInterval.Duration,
		StatusInterval:  cfg.Scheduler.StatusInterval.Duration,
		HealthInterval:  cfg.Scheduler.HealthInterval.Duration,
		RefreshInterval: refreshInterval,
		TaskTimeout:     cfg.Scheduler.TaskTimeout.Duration,
		HealthFailures:  cfg.Scheduler.HealthFailures,
	}, logger)

	return deps, cleanup, nil
}
