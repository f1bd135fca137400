package db

import (
	"context"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCopyFromSchema_Error(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectCopyFrom(pgx.Identifier{"feed", "schema_fields"}, []string{"path"}).WillReturnError(fmt.Errorf("copy failed"))

	_, err = CopyFromSchema(context.Background(), mock, "feed", "schema_fields", []string{"path"}, [][]any{{"a"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "copy into feed.schema_fields")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCopyFromSchema_InTx(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectCopyFrom(pgx.Identifier{"feed", "schema_fields"}, []string{"path"}).WillReturnResult(2)
	mock.ExpectCommit()

	ctx := context.Background()
	tx, err := mock.Begin(ctx)
	require.NoError(t, err)

	n, err := CopyFromSchema(ctx, tx, "feed", "schema_fields", []string{"path"}, [][]any{{"a"}, {"b"}})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	require.NoError(t, tx.Commit(ctx))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCopyFromSchema_EmptyRows(t *testing.T) {
	n, err := CopyFromSchema(context.TODO(), nil, "feed", "test_table", []string{"a"}, [][]any{})
	assert.NoError(t, err)
	assert.Equal(t, int64(0), n)
}
