package monitoring

import (
	"context"
	"sort"
	"time"

	"github.com/rotisserie/eris"
)

// RunRecord is one job execution from the run log.
type RunRecord struct {
	Job       string
	SourceURL string
	Status    string
	StartedAt time.Time
	Error     string
}

// RunSource abstracts the run log queries needed by the collector.
type RunSource interface {
	RunsSince(ctx context.Context, since time.Time) ([]RunRecord, error)
}

// JobCounts tallies runs of one job within the lookback window.
type JobCounts struct {
	Total    int `json:"total"`
	Complete int `json:"complete"`
	Failed   int `json:"failed"`
	Running  int `json:"running"`
}

// MetricsSnapshot holds a point-in-time view of sync health.
type MetricsSnapshot struct {
	Jobs map[string]JobCounts `json:"jobs"`

	// Sources whose most recent run of any job failed.
	FailingSources []string `json:"failing_sources,omitempty"`
	LastErrors     []string `json:"last_errors,omitempty"`

	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// Failed returns the failed run count across all jobs.
func (s *MetricsSnapshot) Failed() int {
	n := 0
	for _, c := range s.Jobs {
		n += c.Failed
	}
	return n
}

// Collector gathers metrics from the run log.
type Collector struct {
	runs RunSource
	now  func() time.Time
}

// NewCollector creates a new metrics collector.
func NewCollector(runs RunSource) *Collector {
	return &Collector{runs: runs, now: time.Now}
}

// Collect gathers a snapshot over the given lookback window.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*MetricsSnapshot, error) {
	now := c.now().UTC()
	snap := &MetricsSnapshot{
		Jobs:          make(map[string]JobCounts),
		LookbackHours: lookbackHours,
		CollectedAt:   now,
	}

	cutoff := now.Add(-time.Duration(lookbackHours) * time.Hour)
	runs, err := c.runs.RunsSince(ctx, cutoff)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list runs")
	}

	// Newest run per job and source decides whether the source is failing.
	type key struct{ job, source string }
	latest := make(map[key]RunRecord)

	for _, r := range runs {
		counts := snap.Jobs[r.Job]
		counts.Total++
		switch r.Status {
		case StatusComplete:
			counts.Complete++
		case StatusFailed:
			counts.Failed++
		case "running":
			counts.Running++
		}
		snap.Jobs[r.Job] = counts

		k := key{r.Job, r.SourceURL}
		if prev, ok := latest[k]; !ok || r.StartedAt.After(prev.StartedAt) {
			latest[k] = r
		}
	}

	failing := make(map[string]bool)
	for k, r := range latest {
		if r.Status != StatusFailed {
			continue
		}
		if k.source != "" {
			failing[k.source] = true
		}
		if r.Error != "" {
			snap.LastErrors = append(snap.LastErrors, k.job+": "+r.Error)
		}
	}
	for s := range failing {
		snap.FailingSources = append(snap.FailingSources, s)
	}
	sort.Strings(snap.FailingSources)
	sort.Strings(snap.LastErrors)

	return snap, nil
}
