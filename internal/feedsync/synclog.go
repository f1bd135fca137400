package feedsync

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/sells-group/listing-sync/internal/db"
	"github.com/sells-group/listing-sync/internal/monitoring"
)

// Run statuses stored in feed.sync_log.
const (
	StatusRunning  = "running"
	StatusComplete = monitoring.StatusComplete
	StatusFailed   = monitoring.StatusFailed
)

// SyncEntry represents a row in feed.sync_log.
type SyncEntry struct {
	ID          int64          `json:"id" yaml:"id"`
	Job         string         `json:"job" yaml:"job"`
	SourceURL   string         `json:"source_url,omitempty" yaml:"source_url,omitempty"`
	Status      string         `json:"status" yaml:"status"`
	StartedAt   time.Time      `json:"started_at" yaml:"started_at"`
	CompletedAt *time.Time     `json:"completed_at,omitempty" yaml:"completed_at,omitempty"`
	RowsSynced  int64          `json:"rows_synced" yaml:"rows_synced"`
	Error       string         `json:"error,omitempty" yaml:"error,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// SyncResult holds the outcome of a job run, passed to Complete().
type SyncResult struct {
	RowsSynced int64          `json:"rows_synced"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// SyncLog provides read/write access to the feed.sync_log table.
type SyncLog struct {
	pool db.Pool
	now  func() time.Time
}

// NewSyncLog creates a new SyncLog backed by the given connection pool.
func NewSyncLog(pool db.Pool) *SyncLog {
	return &SyncLog{pool: pool, now: time.Now}
}

// LastSyncedSnapshot returns the snapshot_id recorded by the most recent
// successful sync of sourceURL, or 0 when there is none.
func (s *SyncLog) LastSyncedSnapshot(ctx context.Context, sourceURL string) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx,
		`SELECT (metadata->>'snapshot_id')::bigint FROM feed.sync_log
		 WHERE job = $1 AND COALESCE(source_url, '') = $2 AND status = 'complete'
		   AND metadata->>'snapshot_id' IS NOT NULL
		 ORDER BY started_at DESC, id DESC LIMIT 1`,
		JobSync, sourceURL,
	).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, eris.Wrapf(err, "synclog: last synced snapshot for %s", sourceURL)
	}
	return id, nil
}

// Start records the beginning of a run and returns its ID.
func (s *SyncLog) Start(ctx context.Context, job, sourceURL string, startedAt time.Time) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx,
		`INSERT INTO feed.sync_log (job, source_url, status, started_at)
		 VALUES ($1, $2, 'running', $3) RETURNING id`,
		job, nullIfEmpty(sourceURL), startedAt.UTC(),
	).Scan(&id)
	if err != nil {
		return 0, eris.Wrapf(err, "synclog: start %s", job)
	}
	return id, nil
}

// Complete marks a run as successfully completed.
func (s *SyncLog) Complete(ctx context.Context, syncID int64, result *SyncResult) error {
	var metaJSON []byte
	if result != nil && result.Metadata != nil {
		var err error
		metaJSON, err = json.Marshal(result.Metadata)
		if err != nil {
			return eris.Wrap(err, "synclog: marshal metadata")
		}
	}

	rowsSynced := int64(0)
	if result != nil {
		rowsSynced = result.RowsSynced
	}

	_, err := s.pool.Exec(ctx,
		`UPDATE feed.sync_log
		 SET status = 'complete', completed_at = $1, rows_synced = $2, metadata = $3
		 WHERE id = $4`,
		s.now().UTC(), rowsSynced, metaJSON, syncID,
	)
	if err != nil {
		return eris.Wrapf(err, "synclog: complete run %d", syncID)
	}
	return nil
}

// Fail marks a run as failed with an error message.
func (s *SyncLog) Fail(ctx context.Context, syncID int64, errMsg string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE feed.sync_log
		 SET status = 'failed', completed_at = $1, error = $2
		 WHERE id = $3`,
		s.now().UTC(), errMsg, syncID,
	)
	if err != nil {
		return eris.Wrapf(err, "synclog: fail run %d", syncID)
	}
	return nil
}

// List returns run log entries newest first, optionally for one job.
func (s *SyncLog) List(ctx context.Context, job string, limit int) ([]SyncEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, job, COALESCE(source_url, ''), status, started_at, completed_at, rows_synced, error, metadata
		 FROM feed.sync_log
		 WHERE ($1 = '' OR job = $1)
		 ORDER BY started_at DESC, id DESC LIMIT $2`,
		job, limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "synclog: list")
	}
	defer rows.Close()

	var entries []SyncEntry
	for rows.Next() {
		var e SyncEntry
		var errStr *string
		var metaJSON []byte
		if err := rows.Scan(&e.ID, &e.Job, &e.SourceURL, &e.Status, &e.StartedAt, &e.CompletedAt,
			&e.RowsSynced, &errStr, &metaJSON); err != nil {
			return nil, eris.Wrap(err, "synclog: scan entry")
		}
		if errStr != nil {
			e.Error = *errStr
		}
		if metaJSON != nil {
			_ = json.Unmarshal(metaJSON, &e.Metadata)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// RunsSince returns every run started at or after since, for monitoring.
func (s *SyncLog) RunsSince(ctx context.Context, since time.Time) ([]monitoring.RunRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT job, COALESCE(source_url, ''), status, started_at, COALESCE(error, '')
		 FROM feed.sync_log WHERE started_at >= $1
		 ORDER BY started_at ASC, id ASC`,
		since.UTC(),
	)
	if err != nil {
		return nil, eris.Wrap(err, "synclog: runs since")
	}
	defer rows.Close()

	var out []monitoring.RunRecord
	for rows.Next() {
		var r monitoring.RunRecord
		if err := rows.Scan(&r.Job, &r.SourceURL, &r.Status, &r.StartedAt, &r.Error); err != nil {
			return nil, eris.Wrap(err, "synclog: scan run")
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
