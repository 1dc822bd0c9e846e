package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AppLetico/clasper/pkg/errs"
)

func TestOpen_MigratesSchema(t *testing.T) {
	db, err := Open(context.Background(), filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	// Every table must exist and be queryable.
	for _, table := range []string{
		"adapter_registry", "adapter_keys", "policies", "decisions",
		"tool_tokens", "audit_chain", "audit_seals", "traces",
		"trace_steps", "workspaces", "tenant_budgets", "cost_records",
		"violations", "ingest_dedup",
	} {
		var n int
		err := db.QueryRow("SELECT count(*) FROM " + table).Scan(&n)
		require.NoError(t, err, "table %s", table)
		assert.Equal(t, 0, n)
	}
}

func TestMigrate_Idempotent(t *testing.T) {
	db, err := Open(context.Background(), filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	require.NoError(t, Migrate(context.Background(), db))
}

func TestWithRetry_RetriesConflicts(t *testing.T) {
	calls := 0
	err := WithRetry(context.Background(), 5, func() error {
		calls++
		if calls < 3 {
			return errors.New("database is locked (SQLITE_BUSY)")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestWithRetry_DoesNotRetryNonConflicts(t *testing.T) {
	calls := 0
	err := WithRetry(context.Background(), 5, func() error {
		calls++
		return errors.New("no such table: nope")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, errs.KindStoreUnavailable, errs.KindOf(err))
}

func TestWithRetry_Exhaustion(t *testing.T) {
	calls := 0
	err := WithRetry(context.Background(), 3, func() error {
		calls++
		return errors.New("SQLITE_BUSY")
	})
	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, errs.KindStoreConflict, errs.KindOf(err))
}
