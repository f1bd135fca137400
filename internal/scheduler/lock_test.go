package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalLocker(t *testing.T) {
	l := NewLocalLocker()
	ctx := context.Background()

	unlock, ok, err := l.TryLock(ctx, "sync")
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = l.TryLock(ctx, "sync")
	require.NoError(t, err)
	assert.False(t, ok)

	other, ok, _ := l.TryLock(ctx, "collect")
	assert.True(t, ok, "locks are per job name")
	other()

	unlock()
	unlock() // idempotent
	again, ok, _ := l.TryLock(ctx, "sync")
	assert.True(t, ok)
	again()
}

type mockSession struct {
	pgxmock.PgxConnIface
	released int
}

func (m *mockSession) Release() { m.released++ }

func newMockAdvisory(t *testing.T) (*AdvisoryLocker, *mockSession) {
	t.Helper()
	conn, err := pgxmock.NewConn()
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close(context.Background()) })
	sess := &mockSession{PgxConnIface: conn}
	return &AdvisoryLocker{acquire: func(context.Context) (sessionConn, error) { return sess, nil }}, sess
}

func TestAdvisoryKey(t *testing.T) {
	assert.Equal(t, AdvisoryKey("sync"), AdvisoryKey("sync"))
	assert.NotEqual(t, AdvisoryKey("sync"), AdvisoryKey("collect"))
}

func TestAdvisoryLocker_Acquired(t *testing.T) {
	l, sess := newMockAdvisory(t)
	key := AdvisoryKey("sync")

	sess.ExpectQuery(`SELECT pg_try_advisory_lock\(\$1\)`).
		WithArgs(key).
		WillReturnRows(pgxmock.NewRows([]string{"ok"}).AddRow(true))
	sess.ExpectExec(`SELECT pg_advisory_unlock\(\$1\)`).
		WithArgs(key).
		WillReturnResult(pgxmock.NewResult("SELECT", 1))

	unlock, ok, err := l.TryLock(context.Background(), "sync")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Zero(t, sess.released, "connection is held while locked")

	unlock()
	unlock()
	assert.Equal(t, 1, sess.released)
	assert.NoError(t, sess.ExpectationsWereMet())
}

func TestAdvisoryLocker_Held(t *testing.T) {
	l, sess := newMockAdvisory(t)

	sess.ExpectQuery(`SELECT pg_try_advisory_lock`).
		WithArgs(AdvisoryKey("collect")).
		WillReturnRows(pgxmock.NewRows([]string{"ok"}).AddRow(false))

	unlock, ok, err := l.TryLock(context.Background(), "collect")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, unlock)
	assert.Equal(t, 1, sess.released)
	assert.NoError(t, sess.ExpectationsWereMet())
}

func TestAdvisoryLocker_QueryError(t *testing.T) {
	l, sess := newMockAdvisory(t)

	sess.ExpectQuery(`SELECT pg_try_advisory_lock`).WillReturnError(errors.New("conn reset"))

	_, ok, err := l.TryLock(context.Background(), "sync")
	assert.False(t, ok)
	assert.ErrorContains(t, err, "scheduler: try advisory lock sync")
	assert.Equal(t, 1, sess.released)
}

func TestAdvisoryLocker_AcquireError(t *testing.T) {
	l := &AdvisoryLocker{acquire: func(context.Context) (sessionConn, error) {
		return nil, errors.New("pool closed")
	}}
	_, ok, err := l.TryLock(context.Background(), "sync")
	assert.False(t, ok)
	assert.ErrorContains(t, err, "scheduler: acquire lock connection")
}

// fakeRedis emulates SET NX and the compare-and-delete release script.
type fakeRedis struct {
	mu     sync.Mutex
	vals   map[string]string
	ttls   map[string]time.Duration
	setErr error
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{vals: map[string]string{}, ttls: map[string]time.Duration{}}
}

func (f *fakeRedis) SetNX(_ context.Context, key string, value any, exp time.Duration) *redis.BoolCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.setErr != nil {
		return redis.NewBoolResult(false, f.setErr)
	}
	if _, ok := f.vals[key]; ok {
		return redis.NewBoolResult(false, nil)
	}
	f.vals[key] = value.(string)
	f.ttls[key] = exp
	return redis.NewBoolResult(true, nil)
}

func (f *fakeRedis) Eval(_ context.Context, script string, keys []string, args ...any) *redis.Cmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if script != releaseScript {
		return redis.NewCmdResult(nil, errors.New("unexpected script"))
	}
	if f.vals[keys[0]] == args[0].(string) {
		delete(f.vals, keys[0])
		return redis.NewCmdResult(int64(1), nil)
	}
	return redis.NewCmdResult(int64(0), nil)
}

func TestRedisLocker(t *testing.T) {
	fake := newFakeRedis()
	l := &RedisLocker{client: fake, prefix: "listing-sync:lock:", ttl: 30 * time.Minute}
	ctx := context.Background()

	unlock, ok, err := l.TryLock(ctx, "sync")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 30*time.Minute, fake.ttls["listing-sync:lock:sync"])

	_, ok, err = l.TryLock(ctx, "sync")
	require.NoError(t, err)
	assert.False(t, ok)

	unlock()
	assert.NotContains(t, fake.vals, "listing-sync:lock:sync")

	_, ok, _ = l.TryLock(ctx, "sync")
	assert.True(t, ok)
}

func TestRedisLocker_DoesNotReleaseForeignToken(t *testing.T) {
	fake := newFakeRedis()
	l := &RedisLocker{client: fake, prefix: "p:", ttl: time.Minute}

	unlock, ok, err := l.TryLock(context.Background(), "collect")
	require.NoError(t, err)
	require.True(t, ok)

	// Lock expired and another process took it.
	fake.vals["p:collect"] = "someone-else"
	unlock()
	assert.Equal(t, "someone-else", fake.vals["p:collect"])
}

func TestRedisLocker_SetError(t *testing.T) {
	fake := newFakeRedis()
	fake.setErr = errors.New("i/o timeout")
	l := &RedisLocker{client: fake, prefix: "p:", ttl: time.Minute}

	_, ok, err := l.TryLock(context.Background(), "sync")
	assert.False(t, ok)
	assert.ErrorContains(t, err, "scheduler: redis lock sync")
}

func TestNewRedisLocker_DefaultTTL(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"})
	defer func() { _ = client.Close() }()

	l := NewRedisLocker(client, 0)
	assert.Equal(t, time.Hour, l.ttl)
	assert.Equal(t, "listing-sync:lock:", l.prefix)
}
