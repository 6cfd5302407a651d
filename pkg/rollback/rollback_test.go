package rollback

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fittrack/firestore-migration/pkg/memstore"
	"github.com/fittrack/firestore-migration/pkg/model"
)

func seededTarget() *memstore.Target {
	target := memstore.NewTarget()
	for _, table := range []string{"user_analytics", "workout_log_exercises", "workout_logs", "program_exercises", "programs", "users"} {
		target.Insert(table, map[string]any{"id": table + "-1"}, map[string]any{"id": table + "-2"})
	}
	target.Insert("exercises",
		map[string]any{"id": "e1", "is_global": true},
		map[string]any{"id": "e2", "is_global": false},
		map[string]any{"id": "e3"})
	return target
}

func TestRollbackOrder(t *testing.T) {
	target := seededTarget()
	m := NewManager(target, nil)

	result, err := m.ExecuteRollback(context.Background(), Options{Scope: model.RollbackScopeFull})
	require.NoError(t, err)

	want := []string{"user_analytics", "workout_log_exercises", "workout_logs", "program_exercises", "programs", "users", "exercises"}
	assert.Equal(t, want, target.Deletes())
	assert.Equal(t, want, result.Tables)
	assert.True(t, result.Completed)
	assert.Equal(t, int64(15), result.TotalRemoved())
	assert.Equal(t, int64(3), result.Removed["exercises"])
	assert.Empty(t, target.Rows("exercises"))
}

func TestDataOnlyKeepsGlobalRows(t *testing.T) {
	target := seededTarget()

	result, err := NewManager(target, nil).ExecuteRollback(context.Background(), Options{Scope: model.RollbackScopeDataOnly})
	require.NoError(t, err)

	assert.Equal(t, int64(2), result.Removed["exercises"])
	rows := target.Rows("exercises")
	require.Len(t, rows, 1)
	assert.Equal(t, "e1", rows[0]["id"])
	assert.Empty(t, target.Rows("users"))
}

func TestTableFailureContinues(t *testing.T) {
	target := seededTarget()
	target.FailOn("delete:programs", errors.New("lock timeout"))

	result, err := NewManager(target, nil).ExecuteRollback(context.Background(), Options{})
	require.NoError(t, err)

	assert.True(t, result.Completed)
	assert.Len(t, result.Tables, 7)
	assert.Equal(t, int64(0), result.Removed["programs"])
	require.Len(t, result.Warnings, 1)
	assert.Contains(t, result.Warnings[0], "lock timeout")
	assert.Equal(t, int64(2), result.Removed["users"])
	assert.Equal(t, model.RollbackScopeFull, result.Scope)
}

func TestForeignKeyViolationHint(t *testing.T) {
	target := seededTarget()
	pgErr := &pgconn.PgError{Code: "23503", ConstraintName: "programs_user_id_fkey", Message: "violates foreign key"}
	target.FailOn("delete:users", fmt.Errorf("delete from users: %w", pgErr))

	result, err := NewManager(target, nil).ExecuteRollback(context.Background(), Options{})
	require.NoError(t, err)

	require.Len(t, result.Warnings, 1)
	assert.Contains(t, result.Warnings[0], "foreign key violation")
	assert.Contains(t, result.Warnings[0], "programs_user_id_fkey")
	assert.Contains(t, result.Warnings[0], "programs -> users -> exercises")
}

func TestControlFlowFailures(t *testing.T) {
	t.Run("unreachable target", func(t *testing.T) {
		target := seededTarget()
		target.FailOn("ping", errors.New("dial tcp: refused"))

		result, err := NewManager(target, nil).ExecuteRollback(context.Background(), Options{})
		assert.ErrorIs(t, err, ErrTargetUnreachable)
		assert.False(t, result.Completed)
		assert.Empty(t, target.Deletes())
		assert.NotEmpty(t, result.Errors)
	})

	t.Run("backup failure", func(t *testing.T) {
		target := seededTarget()
		target.FailOn("backup", errors.New("disk full"))

		result, err := NewManager(target, nil).ExecuteRollback(context.Background(), Options{Backup: true})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "disk full")
		assert.False(t, result.Completed)
		assert.Empty(t, target.Deletes())
	})

	t.Run("declined confirmation", func(t *testing.T) {
		target := seededTarget()
		var asked []string
		m := NewManager(target, nil).WithConfirmer(ConfirmFunc(
			func(ctx context.Context, scope model.RollbackScope, tables []string) (bool, error) {
				asked = tables
				return false, nil
			}))

		_, err := m.ExecuteRollback(context.Background(), Options{RequireConfirmation: true})
		assert.ErrorIs(t, err, ErrNotConfirmed)
		assert.Len(t, asked, 7)
		assert.Empty(t, target.Deletes())
	})

	t.Run("confirmation without confirmer", func(t *testing.T) {
		_, err := NewManager(seededTarget(), nil).ExecuteRollback(context.Background(), Options{RequireConfirmation: true})
		assert.ErrorIs(t, err, ErrNotConfirmed)
	})

	t.Run("cancelled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		result, err := NewManager(seededTarget(), nil).ExecuteRollback(ctx, Options{})
		assert.ErrorIs(t, err, context.Canceled)
		assert.False(t, result.Completed)
	})
}

func TestBackupBeforeRollback(t *testing.T) {
	target := seededTarget()

	result, err := NewManager(target, nil).ExecuteRollback(context.Background(), Options{Backup: true})
	require.NoError(t, err)
	assert.Equal(t, 1, target.Backups())
	assert.Equal(t, "memory_backup_1", result.BackupRef)
}

func TestBackupUnavailable(t *testing.T) {
	target := seededTarget()
	m := NewManager(struct{ TargetWriter }{target}, nil)

	_, err := m.ExecuteRollback(context.Background(), Options{Backup: true})
	assert.ErrorIs(t, err, ErrBackupUnavailable)
}

func TestEmergencyRecovery(t *testing.T) {
	target := seededTarget()
	m := NewManager(target, nil).WithConfirmer(ConfirmFunc(
		func(context.Context, model.RollbackScope, []string) (bool, error) {
			t.Fatal("emergency recovery must not ask for confirmation")
			return false, nil
		}))

	result, err := m.EmergencyRecovery(context.Background())
	require.NoError(t, err)
	assert.Equal(t, model.RollbackScopeFull, result.Scope)
	assert.True(t, result.Completed)
	assert.Equal(t, 0, target.Backups())
	assert.Empty(t, target.Rows("exercises"))
}
