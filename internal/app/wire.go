package app

import (
	"context"
	"fmt"
	"log/slog"

	s3blob "github.com/openquant/hedgebot/internal/blob/s3"
	"github.com/openquant/hedgebot/internal/cache/redis"
	"github.com/openquant/hedgebot/internal/config"
	"github.com/openquant/hedgebot/internal/domain"
	"github.com/openquant/hedgebot/internal/integrity"
	"github.com/openquant/hedgebot/internal/notify"
	"github.com/openquant/hedgebot/internal/store/postgres"
)

// Dependencies groups every concrete infrastructure implementation the modes
// build their components from. It is constructed by Wire and torn down by the
// returned cleanup function.
type Dependencies struct {
	// Postgres stores.
	Intents   domain.IntentStore
	Fills     domain.FillStore
	Positions domain.PositionStore
	Incidents domain.IncidentStore
	Control   domain.ControlStore
	Plans     domain.PlanStore
	Audit     domain.AuditStore

	// Redis caches and coordination.
	Prices  domain.PriceCache
	Books   domain.BookCache
	Limiter domain.RateLimiter
	Locks   domain.LockManager
	Bus     domain.SignalBus

	// Object storage (only when s3.enabled).
	BlobWriter domain.BlobWriter
	BlobReader domain.BlobReader
	Archiver   *s3blob.Archiver

	Sealer   *integrity.Sealer
	Notifier *notify.Notifier
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config) (*Dependencies, func(), error) {
	logger := slog.Default()

	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{}

	// --- PostgreSQL: the journal is required in every mode ---
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
		cleanup()
		return nil, nil, fmt.Errorf("wire: postgres: %w", err)
	}
	closers = append(closers, pgClient.Close)

	if cfg.Postgres.RunMigrations {
		if err := pgClient.RunMigrations(ctx); err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
		}
	}

	pool := pgClient.Pool()
	intents := postgres.NewIntentStore(pool)
	fills := postgres.NewFillStore(pool)
	incidents := postgres.NewIncidentStore(pool)
	deps.Intents = intents
	deps.Fills = fills
	deps.Positions = postgres.NewPositionStore(pool)
	deps.Incidents = incidents
	deps.Control = postgres.NewControlStore(pool)
	deps.Plans = postgres.NewPlanStore(pool)
	deps.Audit = postgres.NewAuditStore(pool)

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
		cleanup()
		return nil, nil, fmt.Errorf("wire: redis: %w", err)
	}
	closers = append(closers, func() { _ = redisClient.Close() })

	deps.Prices = redis.NewPriceCache(redisClient)
	deps.Books = redis.NewBookCache(redisClient)
	deps.Limiter = redis.NewRateLimiter(redisClient)
	deps.Locks = redis.NewLockManager(redisClient)
	deps.Bus = redis.NewSignalBus(redisClient)

	// --- S3 journal archive ---
	if cfg.S3.Enabled {
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
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}
		closers = append(closers, func() { _ = s3Client.Close() })

		deps.BlobWriter = s3blob.NewWriter(s3Client)
		deps.BlobReader = s3blob.NewReader(s3Client)
		deps.Archiver = s3blob.NewArchiver(deps.BlobWriter, intents, fills, incidents, deps.Audit)
	}

	// --- Control-state tamper seal ---
	if cfg.Integrity.Enabled && cfg.Integrity.Passphrase != "" {
		sealer, err := integrity.NewSealer(cfg.Integrity.Passphrase)
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: integrity sealer: %w", err)
		}
		deps.Sealer = sealer
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

	return deps, cleanup, nil
}
