package scheduler

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// Locker guards a named job against overlapping executions. TryLock never
// blocks on a held lock: it returns ok=false instead. unlock is non-nil
// only when ok is true.
type Locker interface {
	TryLock(ctx context.Context, name string) (unlock func(), ok bool, err error)
}

// LocalLocker serializes jobs inside a single process.
type LocalLocker struct {
	mu   sync.Mutex
	held map[string]bool
}

// NewLocalLocker creates an in-process locker.
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{held: make(map[string]bool)}
}

// TryLock implements Locker.
func (l *LocalLocker) TryLock(_ context.Context, name string) (func(), bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[name] {
		return nil, false, nil
	}
	l.held[name] = true
	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, name)
			l.mu.Unlock()
		})
	}, true, nil
}

// sessionConn is the part of a dedicated pool connection the advisory
// locker needs. Session-level advisory locks must be released on the
// connection that took them.
type sessionConn interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Release()
}

// AdvisoryLocker uses Postgres session advisory locks so that several
// scheduler processes sharing one database never run the same job at once.
type AdvisoryLocker struct {
	acquire func(ctx context.Context) (sessionConn, error)
}

// NewAdvisoryLocker creates a locker backed by pool.
func NewAdvisoryLocker(pool *pgxpool.Pool) *AdvisoryLocker {
	return &AdvisoryLocker{acquire: func(ctx context.Context) (sessionConn, error) {
		c, err := pool.Acquire(ctx)
		if err != nil {
			return nil, err
		}
		return c, nil
	}}
}

// AdvisoryKey maps a job name to its advisory lock key.
func AdvisoryKey(name string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte("listing-sync:" + name))
	return int64(h.Sum64())
}

// TryLock implements Locker. The connection stays checked out of the pool
// until unlock is called.
func (l *AdvisoryLocker) TryLock(ctx context.Context, name string) (func(), bool, error) {
	conn, err := l.acquire(ctx)
	if err != nil {
		return nil, false, eris.Wrap(err, "scheduler: acquire lock connection")
	}
	key := AdvisoryKey(name)

	var ok bool
	if err := conn.QueryRow(ctx, "SELECT pg_try_advisory_lock($1)", key).Scan(&ok); err != nil {
		conn.Release()
		return nil, false, eris.Wrapf(err, "scheduler: try advisory lock %s", name)
	}
	if !ok {
		conn.Release()
		return nil, false, nil
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			uctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if _, err := conn.Exec(uctx, "SELECT pg_advisory_unlock($1)", key); err != nil {
				zap.L().Warn("scheduler: advisory unlock failed", zap.String("job", name), zap.Error(err))
			}
			conn.Release()
		})
	}, true, nil
}

// releaseScript deletes the lock key only if it still holds our token.
const releaseScript = `if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0`

// redisClient is the subset of redis.Cmdable used by RedisLocker.
type redisClient interface {
	SetNX(ctx context.Context, key string, value any, expiration time.Duration) *redis.BoolCmd
	Eval(ctx context.Context, script string, keys []string, args ...any) *redis.Cmd
}

// RedisLocker holds job locks as redis keys with a TTL, so a crashed
// holder frees the lock once the TTL passes.
type RedisLocker struct {
	client redisClient
	prefix string
	ttl    time.Duration
}

// NewRedisLocker creates a locker on client. ttl bounds how long a lock
// survives a holder that never releases it.
func NewRedisLocker(client redis.Cmdable, ttl time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &RedisLocker{client: client, prefix: "listing-sync:lock:", ttl: ttl}
}

// TryLock implements Locker.
func (l *RedisLocker) TryLock(ctx context.Context, name string) (func(), bool, error) {
	key := l.prefix + name
	token := uuid.NewString()

	ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return nil, false, eris.Wrapf(err, "scheduler: redis lock %s", name)
	}
	if !ok {
		return nil, false, nil
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			uctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			n, err := l.client.Eval(uctx, releaseScript, []string{key}, token).Int64()
			if err != nil {
				zap.L().Warn("scheduler: redis unlock failed", zap.String("job", name), zap.Error(err))
				return
			}
			if n == 0 {
				zap.L().Warn("scheduler: redis lock expired before release", zap.String("job", name))
			}
		})
	}, true, nil
}
