package shared

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// lockedDatabaseError returns the error modernc reports when a write meets
// an exclusive lock held by another connection.
func lockedDatabaseError(t *testing.T) error {
	t.Helper()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "busy.db")

	holder, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = holder.Close() })
	_, err = holder.ExecContext(ctx, "CREATE TABLE t (v INTEGER)")
	require.NoError(t, err)

	conn, err := holder.Conn(ctx)
	require.NoError(t, err)
	t.Cleanup(func() {
		_, _ = conn.ExecContext(ctx, "ROLLBACK")
		_ = conn.Close()
	})
	_, err = conn.ExecContext(ctx, "BEGIN EXCLUSIVE")
	require.NoError(t, err)

	other, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(0)")
	require.NoError(t, err)
	t.Cleanup(func() { _ = other.Close() })
	_, err = other.ExecContext(ctx, "INSERT INTO t VALUES (1)")
	require.Error(t, err)
	return err
}

func TestIsSQLiteConflictError(t *testing.T) {
	busy := lockedDatabaseError(t)

	assert.True(t, IsSQLiteConflictError(busy))
	assert.True(t, IsSQLiteConflictError(fmt.Errorf("delete idle sessions: %w", busy)))

	assert.False(t, IsSQLiteConflictError(nil))
	assert.False(t, IsSQLiteConflictError(errors.New("database is locked (5)")), "text alone is not classified")
	assert.False(t, IsSQLiteConflictError(errors.New("no such table")))
}

func TestIsSQLiteConflictErrorIgnoresOtherCodes(t *testing.T) {
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "x.db"))
	require.NoError(t, err)
	defer db.Close()

	_, err = db.Exec("SELECT * FROM missing")
	require.Error(t, err)
	assert.False(t, IsSQLiteConflictError(err))
}

func TestRetryOnConflictRetriesBusy(t *testing.T) {
	busy := lockedDatabaseError(t)
	calls := 0
	err := RetryOnConflict(context.Background(), RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond}, "test",
		func(context.Context) error {
			calls++
			if calls < 3 {
				return busy
			}
			return nil
		})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryOnConflictStopsOnOtherErrors(t *testing.T) {
	calls := 0
	boom := errors.New("constraint failed")
	err := RetryOnConflict(context.Background(), DefaultRetryPolicy, "test", func(context.Context) error {
		calls++
		return boom
	})
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 1, calls)
}

func TestRetryOnConflictGivesUp(t *testing.T) {
	busy := lockedDatabaseError(t)
	calls := 0
	err := RetryOnConflict(context.Background(), RetryPolicy{MaxAttempts: 2, BaseDelay: time.Millisecond}, "test",
		func(context.Context) error {
			calls++
			return busy
		})
	require.ErrorIs(t, err, busy)
	assert.Equal(t, 2, calls)
}
