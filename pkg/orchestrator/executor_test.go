package orchestrator

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fittrack/firestore-migration/pkg/model"
)

func shellContext(phase model.Phase) PhaseContext {
	return PhaseContext{RunID: "migration-test", Phase: phase, DryRun: true, Logger: zap.NewNop()}
}

func TestCommandExecutor(t *testing.T) {
	ctx := context.Background()

	t.Run("json output becomes the result", func(t *testing.T) {
		e := NewCommandExecutor([]string{"sh", "-c", `echo "exporting..."; echo '{"documents": 12, "collections": 3}'`}, time.Minute)

		result, err := e.Execute(ctx, shellContext(model.PhaseExtraction))
		require.NoError(t, err)
		require.NotNil(t, result.Executor)
		assert.Equal(t, model.ResultKindExecutor, result.Kind)
		assert.True(t, result.Executor.DryRun)
		assert.Equal(t, model.Statistics{"documents": 12, "collections": 3}, result.Executor.Counters())
	})

	t.Run("run context is passed in the environment", func(t *testing.T) {
		e := NewCommandExecutor([]string{"sh", "-c",
			`printf '{"run":"%s","phase":"%s","dry":"%s","extra":"%s"}' "$MIGRATION_RUN_ID" "$MIGRATION_PHASE" "$MIGRATION_DRY_RUN" "$EXTRA"`}, time.Minute)
		e.Env = []string{"EXTRA=yes"}

		result, err := e.Execute(ctx, shellContext(model.PhaseImport))
		require.NoError(t, err)

		var got map[string]string
		require.NoError(t, json.Unmarshal(result.Executor.Output, &got))
		assert.Equal(t, map[string]string{"run": "migration-test", "phase": "import", "dry": "true", "extra": "yes"}, got)
	})

	t.Run("failure carries stderr", func(t *testing.T) {
		e := NewCommandExecutor([]string{"sh", "-c", "echo 'permission denied for table users' >&2; exit 3"}, time.Minute)

		_, err := e.Execute(ctx, shellContext(model.PhaseImport))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "permission denied for table users")
		assert.Contains(t, err.Error(), "exit status 3")
	})

	t.Run("timeout", func(t *testing.T) {
		e := NewCommandExecutor([]string{"sh", "-c", "exec sleep 5"}, 50*time.Millisecond)

		_, err := e.Execute(ctx, shellContext(model.PhaseTransformation))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "timed out")
	})

	t.Run("no command", func(t *testing.T) {
		_, err := (&CommandExecutor{}).Execute(ctx, shellContext(model.PhaseExtraction))
		assert.Error(t, err)
	})
}

func TestExtractJSON(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"empty", "  \n", ""},
		{"whole document", "{\n  \"rows\": 4\n}\n", "{\n  \"rows\": 4\n}"},
		{"last json line wins", "{\"rows\": 1}\nprogress 50%\n{\"rows\": 2}\ndone\n", `{"rows": 2}`},
		{"plain text is wrapped", "all good", `{"stdout":"all good"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, string(extractJSON([]byte(tt.in))))
		})
	}
}

func TestPostMigrationHandler(t *testing.T) {
	run := model.NewMigrationRun()
	run.Phases[model.PhasePreValidation].Status = model.PhaseStatusCompleted
	run.Phases[model.PhaseImport].Status = model.PhaseStatusCompleted
	run.Phases[model.PhaseExtraction].Status = model.PhaseStatusFailed
	run.Statistics["imported"] = 40

	result, err := PostMigrationHandler{}.Execute(context.Background(), PhaseContext{Snapshot: run, Logger: zap.NewNop()})
	require.NoError(t, err)
	require.NotNil(t, result.PostMigration)
	assert.Equal(t, []model.Phase{model.PhasePreValidation, model.PhaseImport}, result.PostMigration.CompletedPhases)
	assert.Equal(t, float64(40), result.PostMigration.Statistics["imported"])
	assert.Equal(t, float64(2), result.PostMigration.Statistics["phases_completed"])
}
