// Package db holds the Postgres helpers shared by the feed stores: the pool
// interfaces, COPY loading and temp-table upserts.
package db

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
)

// CopyFromSchema loads rows into schema.table over the COPY protocol. Pass
// an open transaction to make the load atomic with the caller's other
// statements. No rows is a no-op.
func CopyFromSchema(ctx context.Context, c Copier, schema, table string, columns []string, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}

	n, err := c.CopyFrom(ctx, pgx.Identifier{schema, table}, columns, pgx.CopyFromRows(rows))
	if err != nil {
		return 0, eris.Wrapf(err, "db: copy into %s.%s", schema, table)
	}
	return n, nil
}
