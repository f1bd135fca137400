package feedsync

import (
	"context"
	"errors"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/listing-sync/internal/fetcher"
	"github.com/sells-group/listing-sync/internal/inspector"
	"github.com/sells-group/listing-sync/internal/model"
	"github.com/sells-group/listing-sync/internal/monitoring"
	"github.com/sells-group/listing-sync/internal/reconcile"
	"github.com/sells-group/listing-sync/internal/snapshot"
)

// Job names, used in the run log, metrics and the scheduler.
const (
	JobCollect = "collect"
	JobInspect = "inspect"
	JobSync    = "sync"
	JobRebuild = "rebuild"
)

// ErrAllFetchesFailed is returned by Collect when no endpoint could be
// fetched.
var ErrAllFetchesFailed = errors.New("feedsync: every feed endpoint failed")

// Snapshots is the part of the snapshot store the jobs use.
type Snapshots interface {
	Save(ctx context.Context, c snapshot.Capture) (*snapshot.Snapshot, error)
	Latest(ctx context.Context, sourceURL string) (*snapshot.Snapshot, error)
}

// Observations persists inspection results.
type Observations interface {
	Save(ctx context.Context, sourceURL string, res inspector.Result, reset bool) (int64, error)
}

// Reconciler applies decoded payloads to the catalog.
type Reconciler interface {
	SyncPayload(ctx context.Context, source string, p *model.Payload, syncTS time.Time, opts reconcile.SyncOptions) (*reconcile.Report, error)
	RebuildDenormalized(ctx context.Context) (int64, error)
}

// RunLog records job executions.
type RunLog interface {
	Start(ctx context.Context, job, sourceURL string, startedAt time.Time) (int64, error)
	Complete(ctx context.Context, syncID int64, result *SyncResult) error
	Fail(ctx context.Context, syncID int64, errMsg string) error
	LastSyncedSnapshot(ctx context.Context, sourceURL string) (int64, error)
}

// Options tune the jobs.
type Options struct {
	Endpoints []string
	Inspector inspector.Options
	// ResetObservations replaces a source's schema observations on each
	// inspect instead of accumulating them.
	ResetObservations bool
	Hints             model.Hints
	Sync              reconcile.SyncOptions
}

// Runner executes the collect, inspect and sync jobs.
type Runner struct {
	fetch  fetcher.Fetcher
	snaps  Snapshots
	obs    Observations
	engine Reconciler
	runs   RunLog
	opts   Options
	clock  clockwork.Clock
	log    *zap.Logger
}

// NewRunner creates a Runner. A nil clock uses the real clock.
func NewRunner(f fetcher.Fetcher, snaps Snapshots, obs Observations, engine Reconciler, runs RunLog, opts Options, clock clockwork.Clock) *Runner {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Runner{
		fetch:  f,
		snaps:  snaps,
		obs:    obs,
		engine: engine,
		runs:   runs,
		opts:   opts,
		clock:  clock,
		log:    zap.L().With(zap.String("component", "feedsync.runner")),
	}
}

// CollectSummary is the outcome of Collect.
type CollectSummary struct {
	Stored  int
	Changed int
	Failed  []string
}

// SyncSummary is the outcome of Sync.
type SyncSummary struct {
	SyncTS  time.Time
	Synced  []string
	Skipped []string
	Failed  []string
	Reports []*reconcile.Report
}

// Collect fetches every endpoint and stores a snapshot of each response.
// One endpoint failing does not stop the others; only a failure of every
// endpoint is an error.
func (r *Runner) Collect(ctx context.Context) (*CollectSummary, error) {
	sum := &CollectSummary{}
	err := r.track(JobCollect, func() error {
		for _, url := range r.opts.Endpoints {
			if err := ctx.Err(); err != nil {
				return err
			}
			snap, err := r.collectOne(ctx, url)
			if err != nil {
				sum.Failed = append(sum.Failed, url)
				continue
			}
			sum.Stored++
			if snap.IsChanged {
				sum.Changed++
			}
		}
		if len(r.opts.Endpoints) > 0 && len(sum.Failed) == len(r.opts.Endpoints) {
			return ErrAllFetchesFailed
		}
		return nil
	})
	return sum, err
}

func (r *Runner) collectOne(ctx context.Context, url string) (*snapshot.Snapshot, error) {
	log := r.log.With(zap.String("source_url", url))
	id := r.start(ctx, JobCollect, url)

	resp, err := r.fetch.Fetch(ctx, url)
	if err != nil {
		kind := "other"
		var fe *fetcher.FetchError
		if errors.As(err, &fe) {
			kind = string(fe.Kind)
		}
		monitoring.FetchFailuresTotal.WithLabelValues(kind).Inc()
		log.Warn("feedsync: fetch failed", zap.String("kind", kind), zap.Error(err))
		r.fail(ctx, id, err)
		return nil, err
	}
	monitoring.FetchDuration.WithLabelValues(url).Observe(resp.Elapsed.Seconds())

	snap, err := r.snaps.Save(ctx, snapshot.Capture{
		URL:        url,
		Body:       resp.Body,
		StatusCode: resp.StatusCode,
		Elapsed:    resp.Elapsed,
	})
	if err != nil {
		log.Error("feedsync: store snapshot failed", zap.Error(err))
		r.fail(ctx, id, err)
		return nil, err
	}

	r.complete(ctx, id, &SyncResult{
		RowsSynced: int64(snap.Counts.Objects),
		Metadata: map[string]any{
			"snapshot_id": snap.ID,
			"changed":     snap.IsChanged,
			"size_bytes":  snap.SizeBytes,
			"attempts":    resp.Attempts,
		},
	})
	return snap, nil
}

// Inspect runs the schema inspector over the latest stored payload of every
// endpoint. Endpoints without a stored payload are skipped.
func (r *Runner) Inspect(ctx context.Context) error {
	return r.track(JobInspect, func() error {
		for _, url := range r.opts.Endpoints {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := r.inspectOne(ctx, url); err != nil && isFatal(ctx, err) {
				return err
			}
		}
		return nil
	})
}

func (r *Runner) inspectOne(ctx context.Context, url string) error {
	log := r.log.With(zap.String("source_url", url))

	snap, err := r.snaps.Latest(ctx, url)
	if errors.Is(err, snapshot.ErrNotFound) {
		log.Info("inspect skipped: no snapshot")
		return nil
	}
	if err != nil {
		return eris.Wrapf(err, "feedsync: latest snapshot %s", url)
	}
	if !snap.HasPayload {
		log.Info("inspect skipped: snapshot stored without payload", zap.Int64("snapshot_id", snap.ID))
		return nil
	}

	id := r.start(ctx, JobInspect, url)
	res, err := inspector.InspectBytes(snap.Payload, r.opts.Inspector)
	if err != nil {
		log.Warn("feedsync: payload is not inspectable", zap.Error(err))
		r.fail(ctx, id, err)
		return err
	}
	n, err := r.obs.Save(ctx, url, res, r.opts.ResetObservations)
	if err != nil {
		r.fail(ctx, id, err)
		return err
	}
	r.complete(ctx, id, &SyncResult{
		RowsSynced: n,
		Metadata:   map[string]any{"snapshot_id": snap.ID, "paths": len(res)},
	})
	return nil
}

// Sync reconciles the latest snapshot of each endpoint into the catalog
// with one sync timestamp taken at the start of the run. Unless force is
// set, an endpoint is skipped when its latest snapshot is the one (or older
// than the one) its last successful sync recorded. Skipped endpoints are never stale-marked.
func (r *Runner) Sync(ctx context.Context, force bool) (*SyncSummary, error) {
	sum := &SyncSummary{SyncTS: r.clock.Now().UTC()}
	err := r.track(JobSync, func() error {
		for _, url := range r.opts.Endpoints {
			if err := ctx.Err(); err != nil {
				return err
			}
			report, skipped, err := r.syncOne(ctx, url, sum.SyncTS, force)
			switch {
			case err != nil:
				sum.Failed = append(sum.Failed, url)
				if isFatal(ctx, err) {
					return err
				}
			case skipped:
				sum.Skipped = append(sum.Skipped, url)
			default:
				sum.Synced = append(sum.Synced, url)
				sum.Reports = append(sum.Reports, report)
			}
		}
		return nil
	})
	return sum, err
}

func (r *Runner) syncOne(ctx context.Context, url string, syncTS time.Time, force bool) (*reconcile.Report, bool, error) {
	log := r.log.With(zap.String("source_url", url))

	snap, err := r.snaps.Latest(ctx, url)
	if errors.Is(err, snapshot.ErrNotFound) {
		log.Info("sync skipped: no snapshot")
		return nil, true, nil
	}
	if err != nil {
		return nil, false, eris.Wrapf(err, "feedsync: latest snapshot %s", url)
	}

	if !force {
		last, err := r.runs.LastSyncedSnapshot(ctx, url)
		if err != nil {
			return nil, false, err
		}
		if last != 0 && snap.ID <= last {
			log.Info("sync skipped: no snapshot since last sync",
				zap.Int64("snapshot_id", snap.ID), zap.Int64("last_synced", last))
			return nil, true, nil
		}
	}

	id := r.start(ctx, JobSync, url)
	if !snap.HasPayload {
		err := eris.Errorf("feedsync: snapshot %d of %s has no payload", snap.ID, url)
		r.fail(ctx, id, err)
		return nil, false, err
	}

	payload, err := model.DecodePayload(snap.Payload, url, r.opts.Hints)
	if err != nil {
		log.Warn("feedsync: payload could not be decoded", zap.Error(err))
		r.fail(ctx, id, err)
		return nil, false, err
	}

	report, err := r.engine.SyncPayload(ctx, url, payload, syncTS, r.opts.Sync)
	if err != nil {
		r.fail(ctx, id, err)
		return report, false, err
	}

	meta := report.Summary()
	meta["snapshot_id"] = snap.ID
	r.complete(ctx, id, &SyncResult{RowsSynced: int64(report.Written()), Metadata: meta})
	return report, false, nil
}

// RunAll runs collect, inspect and sync in order. A total fetch failure
// stops the run before anything is reconciled.
func (r *Runner) RunAll(ctx context.Context, force bool) (*SyncSummary, error) {
	if _, err := r.Collect(ctx); err != nil {
		return nil, err
	}
	if err := r.Inspect(ctx); err != nil {
		return nil, err
	}
	return r.Sync(ctx, force)
}

// RebuildDenormalized re-projects parent fields onto every apartment.
func (r *Runner) RebuildDenormalized(ctx context.Context) (int64, error) {
	var n int64
	err := r.track(JobRebuild, func() error {
		id := r.start(ctx, JobRebuild, "")
		var err error
		n, err = r.engine.RebuildDenormalized(ctx)
		if err != nil {
			r.fail(ctx, id, err)
			return err
		}
		r.complete(ctx, id, &SyncResult{RowsSynced: n})
		return nil
	})
	return n, err
}

// isFatal reports whether err must stop the whole job rather than just the
// current endpoint.
func isFatal(ctx context.Context, err error) bool {
	return ctx.Err() != nil || errors.Is(err, reconcile.ErrUnavailable) ||
		errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func (r *Runner) track(job string, fn func() error) error {
	start := r.clock.Now()
	err := fn()
	monitoring.JobDuration.WithLabelValues(job).Observe(r.clock.Since(start).Seconds())

	status := monitoring.StatusComplete
	if err != nil {
		status = monitoring.StatusFailed
	} else {
		monitoring.JobLastSuccess.WithLabelValues(job).Set(float64(r.clock.Now().Unix()))
	}
	monitoring.JobRunsTotal.WithLabelValues(job, status).Inc()

	r.log.Info("job finished",
		zap.String("job", job),
		zap.String("status", status),
		zap.Duration("elapsed", r.clock.Since(start)),
		zap.Error(err),
	)
	return err
}

// The run log is best effort: a failed write is logged and the job goes on.

func (r *Runner) start(ctx context.Context, job, url string) int64 {
	id, err := r.runs.Start(ctx, job, url, r.clock.Now())
	if err != nil {
		r.log.Warn("feedsync: run log start failed", zap.String("job", job), zap.Error(err))
		return 0
	}
	return id
}

func (r *Runner) complete(ctx context.Context, id int64, res *SyncResult) {
	if id == 0 {
		return
	}
	if err := r.runs.Complete(ctx, id, res); err != nil {
		r.log.Warn("feedsync: run log complete failed", zap.Int64("run_id", id), zap.Error(err))
	}
}

func (r *Runner) fail(ctx context.Context, id int64, cause error) {
	if id == 0 {
		return
	}
	if err := r.runs.Fail(ctx, id, cause.Error()); err != nil {
		r.log.Warn("feedsync: run log fail failed", zap.Int64("run_id", id), zap.Error(err))
	}
}
