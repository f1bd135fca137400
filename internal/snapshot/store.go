// Package snapshot keeps the append-only history of raw feed captures with
// content checksums, change flags and object counts.
package snapshot

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/listing-sync/internal/config"
	"github.com/sells-group/listing-sync/internal/db"
	"github.com/sells-group/listing-sync/internal/model"
	"github.com/sells-group/listing-sync/internal/monitoring"
)

// ErrNotFound is returned when a source has no snapshot yet.
var ErrNotFound = errors.New("snapshot: not found")

// Capture is one fetched response to persist.
type Capture struct {
	URL        string
	Label      string
	Body       []byte
	StatusCode int
	Elapsed    time.Duration
}

// Snapshot is a persisted capture.
type Snapshot struct {
	ID         int64     `json:"id" yaml:"id"`
	SourceURL  string    `json:"source_url" yaml:"source_url"`
	SourceHash string    `json:"source_hash" yaml:"source_hash"`
	Label      string    `json:"label,omitempty" yaml:"label,omitempty"`
	Checksum   string    `json:"checksum" yaml:"checksum"`
	SizeBytes  int64     `json:"size_bytes" yaml:"size_bytes"`
	Counts     Counts    `json:"counts" yaml:"counts"`
	StatusCode int       `json:"status_code" yaml:"status_code"`
	ElapsedMs  int64     `json:"elapsed_ms" yaml:"elapsed_ms"`
	IsChanged  bool      `json:"is_changed" yaml:"is_changed"`
	HasPayload bool      `json:"has_payload" yaml:"has_payload"`
	Payload    []byte    `json:"-" yaml:"-"`
	CreatedAt  time.Time `json:"created_at" yaml:"created_at"`
}

// Options control what is stored and for how long.
type Options struct {
	// Keep is the number of snapshots retained per source; 0 keeps all.
	Keep        int
	SavePayload bool
	Hints       model.Hints
}

// HintsFromConfig converts configured structural hints.
func HintsFromConfig(cfg config.HintsConfig) model.Hints {
	return model.Hints{
		Projects:   cfg.Projects,
		Buildings:  cfg.Buildings,
		Apartments: cfg.Apartments,
	}
}

// OptionsFromConfig builds Options from the snapshot config section.
func OptionsFromConfig(cfg config.SnapshotConfig) Options {
	return Options{
		Keep:        cfg.Keep,
		SavePayload: cfg.SavePayload,
		Hints:       HintsFromConfig(cfg.Hints),
	}
}

// Checksum returns the hex SHA-256 of body.
func Checksum(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// Store persists snapshots in feed.snapshots.
type Store struct {
	pool db.Pool
	opts Options
	now  func() time.Time
	log  *zap.Logger
}

// NewStore creates a Store backed by pool.
func NewStore(pool db.Pool, opts Options) *Store {
	return &Store{
		pool: pool,
		opts: opts,
		now:  time.Now,
		log:  zap.L().With(zap.String("component", "snapshot.store")),
	}
}

const insertSQL = `INSERT INTO feed.snapshots (
		source_url, source_hash, label, payload, checksum, size_bytes,
		object_count, project_count, building_count, apartment_count,
		status_code, elapsed_ms, is_changed, created_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	RETURNING id`

// Save appends a snapshot for c. The change flag compares against the
// newest earlier snapshot of the same source; the first capture of a
// source is always a change. Retention runs after the write commits and
// a pruning failure does not fail the save.
func (s *Store) Save(ctx context.Context, c Capture) (*Snapshot, error) {
	snap := &Snapshot{
		SourceURL:  c.URL,
		SourceHash: model.SourceHash(c.URL),
		Label:      c.Label,
		Checksum:   Checksum(c.Body),
		SizeBytes:  int64(len(c.Body)),
		Counts:     Count(c.Body, c.URL, s.opts.Hints),
		StatusCode: c.StatusCode,
		ElapsedMs:  c.Elapsed.Milliseconds(),
		HasPayload: s.opts.SavePayload,
		CreatedAt:  s.now().UTC(),
	}
	if s.opts.SavePayload {
		snap.Payload = c.Body
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "snapshot: begin tx")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var prev string
	err = tx.QueryRow(ctx, `SELECT checksum FROM feed.snapshots
		WHERE source_hash = $1 ORDER BY created_at DESC, id DESC LIMIT 1`, snap.SourceHash).Scan(&prev)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		snap.IsChanged = true
	case err != nil:
		return nil, eris.Wrap(err, "snapshot: read previous checksum")
	default:
		snap.IsChanged = prev != snap.Checksum
	}

	var payload any
	if snap.HasPayload {
		payload = snap.Payload
	}
	err = tx.QueryRow(ctx, insertSQL,
		snap.SourceURL, snap.SourceHash, nullIfEmpty(snap.Label), payload, snap.Checksum, snap.SizeBytes,
		snap.Counts.Objects, snap.Counts.Projects, snap.Counts.Buildings, snap.Counts.Apartments,
		snap.StatusCode, snap.ElapsedMs, snap.IsChanged, snap.CreatedAt,
	).Scan(&snap.ID)
	if err != nil {
		return nil, eris.Wrap(err, "snapshot: insert")
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, eris.Wrap(err, "snapshot: commit")
	}

	monitoring.SnapshotsTotal.WithLabelValues(strconv.FormatBool(snap.IsChanged)).Inc()
	s.log.Info("snapshot stored",
		zap.String("source_url", snap.SourceURL),
		zap.Int64("id", snap.ID),
		zap.Bool("changed", snap.IsChanged),
		zap.Int64("size_bytes", snap.SizeBytes),
		zap.Int("objects", snap.Counts.Objects),
	)

	if s.opts.Keep > 0 {
		if n, err := s.Prune(ctx, c.URL, s.opts.Keep); err != nil {
			s.log.Warn("snapshot: prune failed", zap.String("source_url", c.URL), zap.Error(err))
		} else if n > 0 {
			s.log.Debug("snapshots pruned", zap.String("source_url", c.URL), zap.Int64("deleted", n))
		}
	}

	return snap, nil
}

// Prune deletes snapshots of sourceURL beyond the newest keep.
func (s *Store) Prune(ctx context.Context, sourceURL string, keep int) (int64, error) {
	if keep <= 0 {
		return 0, nil
	}
	hash := model.SourceHash(sourceURL)
	tag, err := s.pool.Exec(ctx, `DELETE FROM feed.snapshots
		WHERE source_hash = $1 AND id NOT IN (
			SELECT id FROM feed.snapshots WHERE source_hash = $1
			ORDER BY created_at DESC, id DESC LIMIT $2)`, hash, keep)
	if err != nil {
		return 0, eris.Wrap(err, "snapshot: prune")
	}
	return tag.RowsAffected(), nil
}

const selectColumns = `id, source_url, source_hash, COALESCE(label, ''), checksum, size_bytes,
	object_count, project_count, building_count, apartment_count,
	status_code, elapsed_ms, is_changed, payload IS NOT NULL, created_at`

func scanSnapshot(row pgx.Row, extra ...any) (Snapshot, error) {
	var s Snapshot
	dest := []any{
		&s.ID, &s.SourceURL, &s.SourceHash, &s.Label, &s.Checksum, &s.SizeBytes,
		&s.Counts.Objects, &s.Counts.Projects, &s.Counts.Buildings, &s.Counts.Apartments,
		&s.StatusCode, &s.ElapsedMs, &s.IsChanged, &s.HasPayload, &s.CreatedAt,
	}
	err := row.Scan(append(dest, extra...)...)
	return s, err
}

// Latest returns the newest snapshot of sourceURL including its payload,
// or ErrNotFound.
func (s *Store) Latest(ctx context.Context, sourceURL string) (*Snapshot, error) {
	var payload []byte
	snap, err := scanSnapshot(s.pool.QueryRow(ctx, `SELECT `+selectColumns+`, payload
		FROM feed.snapshots WHERE source_hash = $1
		ORDER BY created_at DESC, id DESC LIMIT 1`, model.SourceHash(sourceURL)), &payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "snapshot: latest")
	}
	snap.Payload = payload
	return &snap, nil
}

// List returns snapshot metadata newest first. An empty sourceURL lists
// every source.
func (s *Store) List(ctx context.Context, sourceURL string, limit int) ([]Snapshot, error) {
	if limit <= 0 {
		limit = 20
	}

	sql := `SELECT ` + selectColumns + ` FROM feed.snapshots`
	args := []any{}
	if sourceURL != "" {
		sql += ` WHERE source_hash = $1 ORDER BY created_at DESC, id DESC LIMIT $2`
		args = append(args, model.SourceHash(sourceURL), limit)
	} else {
		sql += ` ORDER BY created_at DESC, id DESC LIMIT $1`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, eris.Wrap(err, "snapshot: list")
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Snapshot, error) {
		return scanSnapshot(row)
	})
	if err != nil {
		return nil, eris.Wrap(err, "snapshot: scan")
	}
	return out, nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
