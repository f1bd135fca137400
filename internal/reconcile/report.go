package reconcile

import (
	"sort"
	"time"
)

// RecordFailure is one record that was skipped. Failures are values, the
// batch keeps going.
type RecordFailure struct {
	Collection string `json:"collection"`
	Index      int    `json:"index"`
	ExternalID string `json:"external_id,omitempty"`
	Kind       string `json:"kind"`
	Message    string `json:"message"`
}

// BatchResult summarizes one collection's upserts.
type BatchResult struct {
	Collection string          `json:"collection"`
	Inserted   int             `json:"inserted"`
	Updated    int             `json:"updated"`
	Failed     map[string]int  `json:"failed,omitempty"`
	Failures   []RecordFailure `json:"failures,omitempty"`
}

// Processed returns the number of records written.
func (b BatchResult) Processed() int {
	return b.Inserted + b.Updated
}

// FailedTotal returns the number of skipped records.
func (b BatchResult) FailedTotal() int {
	n := 0
	for _, c := range b.Failed {
		n += c
	}
	return n
}

func (b *BatchResult) fail(f RecordFailure) {
	if b.Failed == nil {
		b.Failed = make(map[string]int)
	}
	b.Failed[f.Kind]++
	b.Failures = append(b.Failures, f)
}

// Report is the outcome of one SyncPayload call.
type Report struct {
	Source       string                 `json:"source"`
	SyncTS       time.Time              `json:"sync_ts"`
	Batches      map[string]BatchResult `json:"batches"`
	StaleMarked  int64                  `json:"stale_marked"`
	Retained     int64                  `json:"retained"`
	StaleSkipped bool                   `json:"stale_skipped,omitempty"`
}

func newReport(source string, syncTS time.Time) *Report {
	return &Report{Source: source, SyncTS: syncTS, Batches: make(map[string]BatchResult)}
}

// Written returns inserted plus updated records across all collections.
func (r *Report) Written() int {
	n := 0
	for _, b := range r.Batches {
		n += b.Processed()
	}
	return n
}

// FailuresByKind totals failures across collections.
func (r *Report) FailuresByKind() map[string]int {
	out := make(map[string]int)
	for _, b := range r.Batches {
		for k, c := range b.Failed {
			out[k] += c
		}
	}
	return out
}

// Summary flattens the report for the run log.
func (r *Report) Summary() map[string]any {
	collections := make([]string, 0, len(r.Batches))
	for c := range r.Batches {
		collections = append(collections, c)
	}
	sort.Strings(collections)

	perColl := make(map[string]any, len(collections))
	for _, c := range collections {
		b := r.Batches[c]
		perColl[c] = map[string]any{
			"inserted": b.Inserted,
			"updated":  b.Updated,
			"failed":   b.FailedTotal(),
		}
	}
	return map[string]any{
		"source":        r.Source,
		"sync_ts":       r.SyncTS,
		"written":       r.Written(),
		"failures":      r.FailuresByKind(),
		"stale_marked":  r.StaleMarked,
		"retained":      r.Retained,
		"stale_skipped": r.StaleSkipped,
		"collections":   perColl,
	}
}
