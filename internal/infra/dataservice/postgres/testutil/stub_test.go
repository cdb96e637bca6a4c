package testutil

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStubRoundTripAndRollback(t *testing.T) {
	db, conn := NewStubDB()
	ctx := context.Background()
	_, err := db.ExecContext(ctx, `INSERT INTO entity_state(bucket,payload) VALUES($1,$2)`, "Order", []byte("[]"))
	require.NoError(t, err)
	_, err = db.ExecContext(ctx, `INSERT INTO entity_state(bucket,payload) VALUES($1,$2)`, "Order", []byte("[]"))
	assert.Error(t, err, "duplicate key")

	tx, err := db.BeginTx(ctx, nil)
	require.NoError(t, err)
	_, err = tx.ExecContext(ctx, `TRUNCATE TABLE entity_state`)
	require.NoError(t, err)
	require.NoError(t, tx.Rollback())
	assert.Len(t, conn.Tables["entity_state"], 1, "rollback restores rows")

	rows, err := db.QueryContext(ctx, `SELECT bucket, payload FROM entity_state`)
	require.NoError(t, err)
	defer func() { _ = rows.Close() }()
	var n int
	for rows.Next() {
		var (
			bucket  string
			payload []byte
		)
		require.NoError(t, rows.Scan(&bucket, &payload))
		assert.Equal(t, "Order", bucket)
		assert.Equal(t, "[]", string(payload))
		n++
	}
	assert.Equal(t, 1, n)
	assert.Len(t, conn.Execs, 3)
}

func TestStubFailures(t *testing.T) {
	db, conn := NewStubDB()
	ctx := context.Background()
	conn.FailPing = true
	assert.Error(t, db.PingContext(ctx))
	conn.FailPing = false
	conn.FailQuery = true
	_, err := db.QueryContext(ctx, `SELECT bucket FROM entity_state`)
	assert.Error(t, err)
	conn.FailBegin = true
	_, err = db.BeginTx(ctx, nil)
	assert.Error(t, err)
}
