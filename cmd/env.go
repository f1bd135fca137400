package main

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/listing-sync/internal/config"
	"github.com/sells-group/listing-sync/internal/feedsync"
	"github.com/sells-group/listing-sync/internal/fetcher"
	"github.com/sells-group/listing-sync/internal/inspector"
	"github.com/sells-group/listing-sync/internal/reconcile"
	"github.com/sells-group/listing-sync/internal/scheduler"
	"github.com/sells-group/listing-sync/internal/snapshot"
)

// openPool validates cfg for mode and connects to the database.
func openPool(ctx context.Context, mode string) (*pgxpool.Pool, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, eris.Wrap(err, "create connection pool")
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "ping database")
	}

	zap.L().Debug("connected to database")
	return pool, nil
}

// runnerOptions maps configuration onto job options.
func runnerOptions(c *config.Config) feedsync.Options {
	return feedsync.Options{
		Endpoints:         c.Feed.Endpoints,
		Inspector:         inspector.OptionsFromConfig(c.Inspector),
		ResetObservations: c.Inspector.Reset,
		Hints:             snapshot.HintsFromConfig(c.Snapshot.Hints),
		Sync: reconcile.SyncOptions{
			StaleThreshold: c.Sync.StaleThreshold(),
			GlobalStale:    c.Sync.StaleScope == config.StaleScopeGlobal,
		},
	}
}

// newRunner wires the feed client, stores and reconciliation engine.
func newRunner(pool *pgxpool.Pool) *feedsync.Runner {
	return feedsync.NewRunner(
		fetcher.NewRouter(fetcher.OptionsFromConfig(cfg.Feed)),
		snapshot.NewStore(pool, snapshot.OptionsFromConfig(cfg.Snapshot)),
		inspector.NewObservationStore(pool),
		reconcile.NewEngine(reconcile.NewPostgresRepository(pool)),
		feedsync.NewSyncLog(pool),
		runnerOptions(cfg),
		nil,
	)
}

// newLocker builds the configured overlap lock. The returned close func
// releases backend clients.
func newLocker(c *config.Config, pool *pgxpool.Pool) (scheduler.Locker, func(), error) {
	switch c.Scheduler.Lock {
	case config.LockPostgres:
		return scheduler.NewAdvisoryLocker(pool), func() {}, nil
	case config.LockRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     c.Redis.Addr,
			Password: c.Redis.Password,
			DB:       c.Redis.DB,
		})
		ttl := time.Duration(c.Scheduler.LockTTL) * time.Second
		return scheduler.NewRedisLocker(client, ttl), func() { _ = client.Close() }, nil
	case config.LockLocal, "":
		return scheduler.NewLocalLocker(), func() {}, nil
	default:
		return nil, nil, eris.Errorf("unknown lock backend %q", c.Scheduler.Lock)
	}
}
