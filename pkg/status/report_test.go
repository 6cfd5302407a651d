package status

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fittrack/firestore-migration/pkg/model"
)

func TestFileReportWriter(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "reports")
	tr := NewTracker(Options{Reports: NewFileReportWriter(dir, nil)})
	require.NoError(t, tr.StartRun())
	require.NoError(t, tr.UpdateStatistics(model.Statistics{"users_migrated": 12500}))
	require.NoError(t, tr.StartPhase(model.PhaseExtraction))
	require.NoError(t, tr.CompletePhase(model.PhaseExtraction, nil))
	require.NoError(t, tr.CompleteRun(&model.RunResult{Message: "ok"}))

	runID := tr.RunID()

	data, err := os.ReadFile(filepath.Join(dir, runID+".json"))
	require.NoError(t, err)
	var decoded model.MigrationRun
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, runID, decoded.ID)
	assert.Equal(t, model.RunStatusCompleted, decoded.Status)

	md, err := os.ReadFile(filepath.Join(dir, runID+".md"))
	require.NoError(t, err)
	text := string(md)
	assert.Contains(t, text, "# Migration Report: "+runID)
	assert.Contains(t, text, "COMPLETED")
	assert.Contains(t, text, "extraction")
	assert.Contains(t, text, "12,500")
	assert.Contains(t, text, "## Next Steps")
}

func TestWriteSummaryIncludesRollback(t *testing.T) {
	run := model.NewMigrationRun()
	run.Status = model.RunStatusRolledBack
	rb := model.NewRollbackResult(model.RollbackScopeDataOnly)
	rb.RecordTable("workout_logs", 1200)
	rb.RecordTable("users", 30)
	rb.Complete(true)
	run.Result = &model.RunResult{Rollback: rb}

	var buf bytes.Buffer
	WriteSummary(&buf, run)
	assert.Contains(t, buf.String(), "1,230 rows removed across 2 tables")
	assert.Contains(t, buf.String(), NextSteps(model.RunStatusRolledBack)[0])
}

func TestNextStepsCoverTerminalStatuses(t *testing.T) {
	for _, s := range []model.RunStatus{
		model.RunStatusCompleted,
		model.RunStatusFailed,
		model.RunStatusRolledBack,
		model.RunStatusEmergencyStopped,
	} {
		assert.NotEmpty(t, NextSteps(s), s)
	}
}
