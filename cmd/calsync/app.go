package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"time"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"gitea.jw6.us/james/calsync/internal/calsync"
	"gitea.jw6.us/james/calsync/internal/config"
	"gitea.jw6.us/james/calsync/internal/locks"
	"gitea.jw6.us/james/calsync/internal/logging"
	"gitea.jw6.us/james/calsync/internal/provider"
	"gitea.jw6.us/james/calsync/internal/provider/google"
	"gitea.jw6.us/james/calsync/internal/secrets"
	"gitea.jw6.us/james/calsync/internal/store"
	"gitea.jw6.us/james/calsync/internal/subscription"
	"gitea.jw6.us/james/calsync/internal/tokens"
)

// app holds the long-lived services every command shares.
type app struct {
	cfg     *config.Config
	pool    *pgxpool.Pool
	redis   *redis.Client
	store   *store.Store
	engine  *calsync.Engine
	manager *subscription.Manager
	catalog *calsync.Catalog

	logFile io.Closer
}

func newApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	a := &app{cfg: cfg, logFile: logging.Setup(cfg)}

	a.pool, err = pgxpool.New(ctx, cfg.DB.DSN)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("create db pool: %w", err)
	}
	a.store = store.New(a.pool, secrets.NewSealer(cfg.TokenEncryptionKey))

	var locker locks.Locker = locks.NewStore(a.store.Claims)
	if cfg.Redis.Addr != "" {
		a.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		locker = locks.NewRedis(a.redis, "calsync:lock:")
	}

	registry := provider.NewRegistry(
		google.New(cfg.Google.ClientID, cfg.Google.ClientSecret, google.WithTimeout(cfg.Provider.Timeout)),
	)
	guard := tokens.NewGuard(a.store.Providers, registry, tokens.WithSafetyMargin(cfg.Provider.TokenSafetyMargin),
		tokens.WithRefreshTimeout(cfg.Provider.Timeout))
	backoff := provider.Backoff{
		Attempts: cfg.Provider.RetryAttempts,
		Base:     cfg.Provider.RetryBase,
		Max:      provider.DefaultBackoff.Max,
	}

	a.engine = calsync.New(a.store, guard, locker, calsync.Config{
		LockTTL:     cfg.Sync.LockTTL,
		Backoff:     backoff,
		Concurrency: cfg.Sync.Workers,
	})
	a.manager = subscription.New(a.store, guard, subscription.Config{
		CallbackURL:  cfg.WebhookURL(),
		LeadTime:     cfg.Subscription.LeadTime,
		TTL:          cfg.Subscription.TTL,
		ExpiredGrace: cfg.Subscription.ExpiredGrace,
		Concurrency:  cfg.Sync.Workers,
		Backoff:      backoff,
	})
	a.catalog = calsync.NewCatalog(a.store, guard)
	return a, nil
}

func (a *app) redisOpt() asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:     a.cfg.Redis.Addr,
		Password: a.cfg.Redis.Password,
		DB:       a.cfg.Redis.DB,
	}
}

// withTimeout bounds a single sync or renewal run started from the CLI.
func (a *app) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if a.cfg.Sync.Timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, a.cfg.Sync.Timeout)
}

func (a *app) Close() {
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			log.Printf("[WARN] close redis: %v", err)
		}
	}
	if a.pool != nil {
		a.pool.Close()
	}
	if a.logFile != nil {
		_ = a.logFile.Close()
	}
}

// runApp loads the app for one command invocation and closes it after fn.
func runApp(ctx context.Context, fn func(ctx context.Context, a *app) error) error {
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func since(start time.Time) time.Duration {
	return time.Since(start).Round(time.Millisecond)
}
