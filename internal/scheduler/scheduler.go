// Package scheduler runs feed jobs on cron specs and keeps executions of
// the same job from overlapping.
package scheduler

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/listing-sync/internal/monitoring"
)

// ErrSkipped is returned by Trigger when a previous run of the job still
// holds its lock.
var ErrSkipped = eris.New("scheduler: previous run still in progress")

// JobFunc is the work performed by a scheduled job.
type JobFunc func(ctx context.Context) error

// FailureHook is called whenever a scheduled execution fails.
type FailureHook func(ctx context.Context, job string, err error)

// Notifier delivers job failure alerts. *monitoring.Alerter implements it.
type Notifier interface {
	NotifyJobFailure(ctx context.Context, job string, err error) bool
}

type job struct {
	name string
	spec string
	run  JobFunc
}

// Scheduler triggers registered jobs on their cron specs. Each execution
// runs under a named lock; when the lock is held the execution is
// skipped and logged.
type Scheduler struct {
	cron      *cron.Cron
	locker    Locker
	onFailure FailureHook

	mu   sync.Mutex
	jobs map[string]job
	ctx  context.Context
	wg   sync.WaitGroup
}

// Option customizes a Scheduler.
type Option func(*Scheduler)

// WithFailureHook replaces the default failure hook, which only logs.
func WithFailureHook(h FailureHook) Option {
	return func(s *Scheduler) { s.onFailure = h }
}

// New creates a Scheduler. A nil locker falls back to a LocalLocker.
func New(locker Locker, opts ...Option) *Scheduler {
	if locker == nil {
		locker = NewLocalLocker()
	}
	s := &Scheduler{
		cron:      cron.New(),
		locker:    locker,
		onFailure: LogFailure,
		jobs:      make(map[string]job),
		ctx:       context.Background(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Register adds a job under name. An empty spec registers the job for
// manual Trigger only.
func (s *Scheduler) Register(name, spec string, fn JobFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[name]; ok {
		return eris.Errorf("scheduler: job %q already registered", name)
	}
	if spec != "" {
		if _, err := cron.Parse(spec); err != nil {
			return eris.Wrapf(err, "scheduler: invalid spec %q for job %s", spec, name)
		}
		if err := s.cron.AddFunc(spec, func() { s.fire(name) }); err != nil {
			return eris.Wrapf(err, "scheduler: add job %s", name)
		}
	}
	s.jobs[name] = job{name: name, spec: spec, run: fn}
	return nil
}

// Jobs returns the registered job names in order.
func (s *Scheduler) Jobs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.jobs))
	for n := range s.jobs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Run starts the cron loop and blocks until ctx is cancelled. It waits
// for in-flight executions before returning.
func (s *Scheduler) Run(ctx context.Context) error {
	s.mu.Lock()
	s.ctx = ctx
	for _, j := range s.jobs {
		if j.spec != "" {
			zap.L().Info("scheduler: job registered", zap.String("job", j.name), zap.String("spec", j.spec))
		}
	}
	s.mu.Unlock()

	s.cron.Start()
	zap.L().Info("scheduler: started", zap.Int("jobs", len(s.cron.Entries())))

	<-ctx.Done()
	s.cron.Stop()
	s.wg.Wait()
	zap.L().Info("scheduler: stopped")
	return nil
}

// Trigger runs the named job immediately under its lock. It returns
// ErrSkipped if another execution holds the lock.
func (s *Scheduler) Trigger(ctx context.Context, name string) error {
	s.mu.Lock()
	j, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return eris.Errorf("scheduler: unknown job %q", name)
	}
	s.wg.Add(1)
	defer s.wg.Done()
	return s.execute(ctx, j)
}

func (s *Scheduler) fire(name string) {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	if ctx.Err() != nil {
		return
	}
	// Errors are already reported through the failure hook.
	_ = s.Trigger(ctx, name)
}

func (s *Scheduler) execute(ctx context.Context, j job) error {
	log := zap.L().With(zap.String("job", j.name))

	unlock, ok, err := s.locker.TryLock(ctx, j.name)
	if err != nil {
		err = eris.Wrapf(err, "scheduler: lock %s", j.name)
		s.onFailure(ctx, j.name, err)
		return err
	}
	if !ok {
		monitoring.JobRunsTotal.WithLabelValues(j.name, monitoring.StatusSkipped).Inc()
		log.Info("scheduler: skipping run, previous run still in progress")
		return ErrSkipped
	}
	defer unlock()

	start := time.Now()
	log.Debug("scheduler: run starting")
	if err := j.run(ctx); err != nil {
		if ctx.Err() != nil {
			log.Info("scheduler: run interrupted by shutdown", zap.Error(err))
			return err
		}
		s.onFailure(ctx, j.name, err)
		return err
	}
	log.Debug("scheduler: run finished", zap.Duration("elapsed", time.Since(start)))
	return nil
}

// LogFailure is the default failure hook.
func LogFailure(_ context.Context, job string, err error) {
	monitoring.SchedulerFailuresTotal.WithLabelValues(job).Inc()
	zap.L().Error("scheduler: job failed", zap.String("job", job), zap.Error(err))
}

// AlertingFailureHook logs the failure and sends a webhook alert through
// n. A nil n only logs.
func AlertingFailureHook(n Notifier) FailureHook {
	return func(ctx context.Context, job string, err error) {
		LogFailure(ctx, job, err)
		if n == nil {
			return
		}
		// The run context may already be done; the alert has its own deadline.
		actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if !n.NotifyJobFailure(actx, job, err) {
			zap.L().Debug("scheduler: failure alert not delivered", zap.String("job", job))
		}
	}
}
