package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sells-group/listing-sync/internal/monitoring"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

type failure struct {
	job string
	err error
}

type recorder struct {
	mu       sync.Mutex
	failures []failure
}

func (r *recorder) hook(_ context.Context, job string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures = append(r.failures, failure{job, err})
}

func (r *recorder) list() []failure {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]failure(nil), r.failures...)
}

type errLocker struct{ err error }

func (l errLocker) TryLock(context.Context, string) (func(), bool, error) {
	return nil, false, l.err
}

func TestRegister(t *testing.T) {
	s := New(nil)
	noop := func(context.Context) error { return nil }

	require.NoError(t, s.Register("sync", "@every 1h", noop))
	require.NoError(t, s.Register("rebuild", "", noop))
	assert.Equal(t, []string{"rebuild", "sync"}, s.Jobs())

	err := s.Register("sync", "@every 2h", noop)
	assert.ErrorContains(t, err, `job "sync" already registered`)
}

func TestRegister_InvalidSpec(t *testing.T) {
	s := New(nil)
	err := s.Register("collect", "every hour", func(context.Context) error { return nil })
	assert.ErrorContains(t, err, `scheduler: invalid spec "every hour"`)
	assert.Empty(t, s.Jobs())
}

func TestTrigger_RunsJob(t *testing.T) {
	var calls int32
	s := New(nil)
	require.NoError(t, s.Register("inspect", "", func(context.Context) error {
		atomic.AddInt32(&calls, 1)
		return nil
	}))

	require.NoError(t, s.Trigger(context.Background(), "inspect"))
	require.NoError(t, s.Trigger(context.Background(), "inspect"))
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestTrigger_UnknownJob(t *testing.T) {
	err := New(nil).Trigger(context.Background(), "nope")
	assert.ErrorContains(t, err, `scheduler: unknown job "nope"`)
}

func TestTrigger_SkipsWhenLocked(t *testing.T) {
	locker := NewLocalLocker()
	rec := &recorder{}
	s := New(locker, WithFailureHook(rec.hook))

	var calls int32
	require.NoError(t, s.Register("sync", "", func(context.Context) error {
		atomic.AddInt32(&calls, 1)
		return nil
	}))

	unlock, ok, err := locker.TryLock(context.Background(), "sync")
	require.NoError(t, err)
	require.True(t, ok)

	before := testutil.ToFloat64(monitoring.JobRunsTotal.WithLabelValues("sync", monitoring.StatusSkipped))
	err = s.Trigger(context.Background(), "sync")
	assert.ErrorIs(t, err, ErrSkipped)
	assert.Zero(t, atomic.LoadInt32(&calls))
	assert.Empty(t, rec.list(), "a skipped run is not a failure")
	assert.Equal(t, before+1, testutil.ToFloat64(monitoring.JobRunsTotal.WithLabelValues("sync", monitoring.StatusSkipped)))

	unlock()
	require.NoError(t, s.Trigger(context.Background(), "sync"))
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestTrigger_NoOverlap(t *testing.T) {
	s := New(nil)
	started := make(chan struct{})
	release := make(chan struct{})
	require.NoError(t, s.Register("collect", "", func(context.Context) error {
		close(started)
		<-release
		return nil
	}))

	done := make(chan error, 1)
	go func() { done <- s.Trigger(context.Background(), "collect") }()
	<-started

	assert.ErrorIs(t, s.Trigger(context.Background(), "collect"), ErrSkipped)
	close(release)
	assert.NoError(t, <-done)
}

func TestTrigger_FailureHook(t *testing.T) {
	rec := &recorder{}
	s := New(nil, WithFailureHook(rec.hook))
	boom := errors.New("reconcile: storage unavailable")
	require.NoError(t, s.Register("sync", "", func(context.Context) error { return boom }))

	err := s.Trigger(context.Background(), "sync")
	assert.ErrorIs(t, err, boom)

	got := rec.list()
	require.Len(t, got, 1)
	assert.Equal(t, "sync", got[0].job)
	assert.ErrorIs(t, got[0].err, boom)
}

func TestTrigger_LockErrorIsFailure(t *testing.T) {
	rec := &recorder{}
	s := New(errLocker{err: errors.New("dial tcp: connection refused")}, WithFailureHook(rec.hook))
	var calls int32
	require.NoError(t, s.Register("sync", "", func(context.Context) error {
		atomic.AddInt32(&calls, 1)
		return nil
	}))

	err := s.Trigger(context.Background(), "sync")
	assert.ErrorContains(t, err, "scheduler: lock sync")
	assert.Zero(t, atomic.LoadInt32(&calls))
	require.Len(t, rec.list(), 1)
}

func TestTrigger_CancelledRunIsNotReported(t *testing.T) {
	rec := &recorder{}
	s := New(nil, WithFailureHook(rec.hook))
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, s.Register("collect", "", func(ctx context.Context) error {
		cancel()
		return ctx.Err()
	}))

	err := s.Trigger(ctx, "collect")
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, rec.list())
}

func TestRun_FiresOnSchedule(t *testing.T) {
	s := New(nil)
	var calls int32
	require.NoError(t, s.Register("collect", "@every 1s", func(context.Context) error {
		atomic.AddInt32(&calls, 1)
		return nil
	}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	assert.Eventually(t, func() bool { return atomic.LoadInt32(&calls) > 0 }, 5*time.Second, 50*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}

type notifier struct {
	calls int
	job   string
}

func (n *notifier) NotifyJobFailure(ctx context.Context, job string, _ error) bool {
	n.calls++
	n.job = job
	_, hasDeadline := ctx.Deadline()
	return hasDeadline
}

func TestAlertingFailureHook(t *testing.T) {
	n := &notifier{}
	before := testutil.ToFloat64(monitoring.SchedulerFailuresTotal.WithLabelValues("inspect"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	AlertingFailureHook(n)(ctx, "inspect", errors.New("boom"))

	assert.Equal(t, 1, n.calls)
	assert.Equal(t, "inspect", n.job)
	assert.Equal(t, before+1, testutil.ToFloat64(monitoring.SchedulerFailuresTotal.WithLabelValues("inspect")))
}

func TestAlertingFailureHook_NilNotifier(t *testing.T) {
	assert.NotPanics(t, func() {
		AlertingFailureHook(nil)(context.Background(), "sync", errors.New("boom"))
	})
}
