package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	s3blob "github.com/alanyoungcy/venuerouter/internal/blob/s3"
	"github.com/alanyoungcy/venuerouter/internal/cache/redis"
	"github.com/alanyoungcy/venuerouter/internal/config"
	"github.com/alanyoungcy/venuerouter/internal/domain"
	"github.com/alanyoungcy/venuerouter/internal/notify"
	"github.com/alanyoungcy/venuerouter/internal/store/postgres"
)

// Dependencies bundles the infrastructure the modes run on. Every field may
// be nil when its backing service is disabled.
type Dependencies struct {
	// Stores
	HandshakeStore domain.HandshakeStore
	AuditStore     domain.AuditStore

	// Caches
	PriceCache  domain.PriceCache
	RateLimiter *redis.RateLimiter
	LockManager *redis.LockManager
	SignalBus   domain.SignalBus

	// Blob storage
	BlobStore domain.BlobStore
	Archiver  domain.Archiver

	// Notifications
	Notifier *notify.Notifier
}

// Wire constructs every enabled dependency and returns a cleanup function
// that releases them in reverse order.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{}

	// --- PostgreSQL ---
	if cfg.Postgres.Enabled {
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
		deps.HandshakeStore = postgres.NewHandshakeStore(pool)
		deps.AuditStore = postgres.NewAuditStore(pool)
	}

	// --- Redis ---
	if cfg.Redis.Enabled {
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

		limiter := redis.NewRateLimiter(redisClient)
		for _, name := range cfg.VenueNames() {
			if n := cfg.Venues[name].RateLimitPerSec; n > 0 {
				limiter.SetLimit("venue:"+name, n, time.Second)
			}
		}
		deps.PriceCache = redis.NewPriceCache(redisClient)
		deps.RateLimiter = limiter
		deps.LockManager = redis.NewLockManager(redisClient)
		deps.SignalBus = redis.NewSignalBus(redisClient)
	}

	// --- S3 blob storage ---
	if cfg.S3.Enabled {
		bucket, err := s3blob.New(ctx, s3blob.ClientConfig{
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
		deps.BlobStore = bucket
		deps.Archiver = s3blob.NewArchiver(bucket, deps.AuditStore)
		logger.Info("wire: archiving to s3", slog.String("bucket", bucket.Name()))
	}

	// --- Notifications ---
	deps.Notifier = notify.FromConfig(
		cfg.Notify.TelegramToken,
		cfg.Notify.TelegramChatID,
		cfg.Notify.DiscordWebhookURL,
		cfg.Notify.Events,
		logger,
	)

	logger.InfoContext(ctx, "dependencies wired",
		slog.Bool("postgres", deps.HandshakeStore != nil),
		slog.Bool("redis", deps.SignalBus != nil),
		slog.Bool("s3", deps.Archiver != nil),
		slog.Bool("notify", deps.Notifier.Enabled()),
	)
	return deps, cleanup, nil
}
