package monitoring

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/sells-group/listing-sync/internal/config"
)

// Checker evaluates the run log on an interval while the scheduler runs
// and posts the resulting alerts. An alert with the same type and message
// is sent once per lookback window: a failed run stays in the window for
// hours and would otherwise be re-posted on every tick.
type Checker struct {
	collector *Collector
	alerter   *Alerter
	interval  time.Duration
	lookback  int
	clock     clockwork.Clock
	log       *zap.Logger

	posted map[string]time.Time
}

// CheckerOption configures a Checker.
type CheckerOption func(*Checker)

// WithCheckerClock replaces the wall clock.
func WithCheckerClock(clock clockwork.Clock) CheckerOption {
	return func(c *Checker) { c.clock = clock }
}

// NewChecker creates a run-log checker. Interval defaults to five minutes
// and the lookback window to 24 hours.
func NewChecker(collector *Collector, alerter *Alerter, cfg config.MonitoringConfig, opts ...CheckerOption) *Checker {
	c := &Checker{
		collector: collector,
		alerter:   alerter,
		interval:  time.Duration(cfg.CheckIntervalSecs) * time.Second,
		lookback:  cfg.LookbackWindowHours,
		clock:     clockwork.NewRealClock(),
		log:       zap.L().With(zap.String("component", "monitoring.checker")),
		posted:    make(map[string]time.Time),
	}
	if c.interval <= 0 {
		c.interval = 5 * time.Minute
	}
	if c.lookback <= 0 {
		c.lookback = 24
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Run checks once, then on every interval until ctx is cancelled.
func (c *Checker) Run(ctx context.Context) {
	c.log.Info("run-log checker started",
		zap.Duration("interval", c.interval),
		zap.Int("lookback_hours", c.lookback),
	)

	ticker := c.clock.NewTicker(c.interval)
	defer ticker.Stop()

	c.Check(ctx)
	for {
		select {
		case <-ctx.Done():
			c.log.Info("run-log checker stopped")
			return
		case <-ticker.Chan():
			c.Check(ctx)
		}
	}
}

// Check evaluates the lookback window and posts alerts not already posted
// within it. It returns the number of new alerts.
func (c *Checker) Check(ctx context.Context) int {
	if ctx.Err() != nil {
		return 0
	}

	snap, err := c.collector.Collect(ctx, c.lookback)
	if err != nil {
		c.log.Error("monitoring: read run log", zap.Error(err))
		return 0
	}

	now := c.clock.Now()
	window := time.Duration(c.lookback) * time.Hour
	for key, at := range c.posted {
		if now.Sub(at) >= window {
			delete(c.posted, key)
		}
	}

	var fresh []Alert
	for _, a := range c.alerter.Evaluate(snap) {
		key := string(a.Type) + "|" + a.Message
		if _, seen := c.posted[key]; seen {
			continue
		}
		c.posted[key] = now
		fresh = append(fresh, a)
	}
	if len(fresh) == 0 {
		c.log.Debug("monitoring: run log healthy or already reported", zap.Int("failed", snap.Failed()))
		return 0
	}

	sent := c.alerter.SendAlerts(ctx, fresh)
	c.log.Info("monitoring: run-log alerts posted",
		zap.Int("alerts", len(fresh)),
		zap.Int("delivered", sent),
		zap.Strings("failing_sources", snap.FailingSources),
	)
	return len(fresh)
}
