package inspector

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/listing-sync/internal/db"
)

var observationColumns = []string{
	"source_url", "path", "field_type", "occurrences", "null_count",
	"example_value", "depth", "is_always_present", "is_capped", "updated_at",
}

// ObservationStore persists inspection results in feed.schema_fields.
type ObservationStore struct {
	pool db.Pool
	now  func() time.Time
}

// NewObservationStore creates an ObservationStore backed by pool.
func NewObservationStore(pool db.Pool) *ObservationStore {
	return &ObservationStore{pool: pool, now: time.Now}
}

// Save writes res for sourceURL. With reset the source's previous
// observations are replaced; otherwise counts accumulate onto them and
// disagreeing types merge to mixed.
func (s *ObservationStore) Save(ctx context.Context, sourceURL string, res Result, reset bool) (int64, error) {
	rows := s.rows(sourceURL, res)

	if reset {
		return s.replace(ctx, sourceURL, rows)
	}

	n, err := db.BulkUpsert(ctx, s.pool, db.UpsertConfig{
		Table:        "feed.schema_fields",
		Columns:      observationColumns,
		ConflictKeys: []string{"source_url", "path"},
		UpdateExprs: map[string]string{
			"occurrences":       "t.occurrences + EXCLUDED.occurrences",
			"null_count":        "t.null_count + EXCLUDED.null_count",
			"field_type":        mergeTypeSQL,
			"example_value":     "COALESCE(NULLIF(EXCLUDED.example_value, ''), t.example_value)",
			"is_always_present": "t.is_always_present AND EXCLUDED.is_always_present",
			"is_capped":         "t.is_capped OR EXCLUDED.is_capped",
		},
	}, rows)
	if err != nil {
		return 0, eris.Wrap(err, "inspector: accumulate observations")
	}

	zap.L().Debug("schema observations accumulated",
		zap.String("source_url", sourceURL),
		zap.Int64("rows", n),
	)
	return n, nil
}

// mergeTypeSQL mirrors MergeType for rows already in the table.
const mergeTypeSQL = `CASE
	WHEN EXCLUDED.field_type = 'null' THEN t.field_type
	WHEN t.field_type = 'null' THEN EXCLUDED.field_type
	WHEN t.field_type = EXCLUDED.field_type THEN t.field_type
	ELSE 'mixed' END`

func (s *ObservationStore) replace(ctx context.Context, sourceURL string, rows [][]any) (int64, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, eris.Wrap(err, "inspector: begin tx")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, `DELETE FROM feed.schema_fields WHERE source_url = $1`, sourceURL); err != nil {
		return 0, eris.Wrap(err, "inspector: clear observations")
	}

	n, err := db.CopyFromSchema(ctx, tx, "feed", "schema_fields", observationColumns, rows)
	if err != nil {
		return 0, eris.Wrap(err, "inspector: write observations")
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, eris.Wrap(err, "inspector: commit")
	}

	zap.L().Debug("schema observations replaced",
		zap.String("source_url", sourceURL),
		zap.Int64("rows", n),
	)
	return n, nil
}

func (s *ObservationStore) rows(sourceURL string, res Result) [][]any {
	now := s.now().UTC()
	rows := make([][]any, 0, len(res))
	for _, path := range res.Paths() {
		o := res[path]
		rows = append(rows, []any{
			sourceURL, path, o.Type, o.Occurrences, o.NullCount,
			o.Example, o.Depth, o.AlwaysPresent, o.Capped, now,
		})
	}
	return rows
}

// StoredObservation is a persisted observation row.
type StoredObservation struct {
	Observation
	SourceURL string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// List returns the persisted observations for sourceURL ordered by path.
func (s *ObservationStore) List(ctx context.Context, sourceURL string) ([]StoredObservation, error) {
	rows, err := s.pool.Query(ctx, `SELECT source_url, path, field_type, occurrences, null_count,
		example_value, depth, is_always_present, is_capped, created_at, updated_at
		FROM feed.schema_fields WHERE source_url = $1 ORDER BY path`, sourceURL)
	if err != nil {
		return nil, eris.Wrap(err, "inspector: list observations")
	}

	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (StoredObservation, error) {
		var o StoredObservation
		err := row.Scan(&o.SourceURL, &o.Path, &o.Type, &o.Occurrences, &o.NullCount,
			&o.Example, &o.Depth, &o.AlwaysPresent, &o.Capped, &o.CreatedAt, &o.UpdatedAt)
		return o, err
	})
	if err != nil {
		return nil, eris.Wrap(err, "inspector: scan observations")
	}
	return out, nil
}
