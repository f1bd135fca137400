package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/listing-sync/internal/config"
	"github.com/sells-group/listing-sync/internal/feedsync"
	"github.com/sells-group/listing-sync/internal/monitoring"
	"github.com/sells-group/listing-sync/internal/scheduler"
)

// jobRunner is the part of feedsync.Runner the scheduler drives.
type jobRunner interface {
	Collect(ctx context.Context) (*feedsync.CollectSummary, error)
	Inspect(ctx context.Context) error
	Sync(ctx context.Context, force bool) (*feedsync.SyncSummary, error)
}

// registerJobs adds one scheduler job per configured cron spec. Jobs with
// an empty spec are not scheduled.
func registerJobs(s *scheduler.Scheduler, r jobRunner, sc config.SchedulerConfig) error {
	jobs := []struct {
		name string
		spec string
		fn   scheduler.JobFunc
	}{
		{feedsync.JobCollect, sc.Collect, func(ctx context.Context) error {
			_, err := r.Collect(ctx)
			return err
		}},
		{feedsync.JobInspect, sc.Inspect, r.Inspect},
		{feedsync.JobSync, sc.Sync, func(ctx context.Context) error {
			_, err := r.Sync(ctx, false)
			return err
		}},
	}
	for _, j := range jobs {
		if j.spec == "" {
			continue
		}
		if err := s.Register(j.name, j.spec, j.fn); err != nil {
			return err
		}
	}
	return nil
}

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Run collect, inspect and sync on their cron schedules",
	Long:  "Starts the job scheduler and the failure alert checker. Runs until interrupted.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		metricsPort, _ := cmd.Flags().GetInt("metrics-port")

		pool, err := openPool(ctx, "schedule")
		if err != nil {
			return err
		}
		defer pool.Close()

		locker, closeLocker, err := newLocker(cfg, pool)
		if err != nil {
			return err
		}
		defer closeLocker()

		alerter := monitoring.NewAlerter(cfg.Monitoring)
		sched := scheduler.New(locker, scheduler.WithFailureHook(scheduler.AlertingFailureHook(alerter)))
		if err := registerJobs(sched, newRunner(pool), cfg.Scheduler); err != nil {
			return eris.Wrap(err, "schedule")
		}

		checker := monitoring.NewChecker(
			monitoring.NewCollector(feedsync.NewSyncLog(pool)),
			alerter,
			cfg.Monitoring,
		)

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error { return sched.Run(gctx) })
		g.Go(func() error {
			checker.Run(gctx)
			return nil
		})
		if metricsPort > 0 {
			srv := &http.Server{
				Addr:              fmt.Sprintf(":%d", metricsPort),
				Handler:           promhttp.Handler(),
				ReadHeaderTimeout: 10 * time.Second,
			}
			g.Go(func() error {
				zap.L().Info("serving metrics", zap.Int("port", metricsPort))
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return eris.Wrap(err, "metrics listen")
				}
				return nil
			})
			g.Go(func() error {
				<-gctx.Done()
				sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				return srv.Shutdown(sctx)
			})
		}

		zap.L().Info("scheduler running",
			zap.Strings("jobs", sched.Jobs()),
			zap.String("lock", cfg.Scheduler.Lock),
		)
		return g.Wait()
	},
}

func init() {
	scheduleCmd.Flags().Int("metrics-port", 0, "expose /metrics on this port (0 disables)")
	rootCmd.AddCommand(scheduleCmd)
}
