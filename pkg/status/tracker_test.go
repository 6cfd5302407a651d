package status

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fittrack/firestore-migration/pkg/model"
)

type failingStore struct {
	saves int
}

func (s *failingStore) Load() (*model.MigrationRun, error) { return nil, nil }

func (s *failingStore) Save(*model.MigrationRun) error {
	s.saves++
	return errors.New("disk full")
}

type captureReports struct {
	runs []*model.MigrationRun
}

func (c *captureReports) WriteReport(run *model.MigrationRun) error {
	c.runs = append(c.runs, run)
	return nil
}

func newFileTracker(t *testing.T) (*Tracker, string, *Recorder) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "status.json")
	rec := &Recorder{}
	tr := NewTracker(Options{Store: NewFileStore(path), Observers: []Observer{rec}})
	require.NoError(t, tr.Initialize())
	return tr, path, rec
}

func TestPhaseTransitions(t *testing.T) {
	tr, _, _ := newFileTracker(t)
	require.NoError(t, tr.StartRun())

	require.NoError(t, tr.StartPhase(model.PhaseExtraction))
	require.NoError(t, tr.CompletePhase(model.PhaseExtraction, nil))

	err := tr.StartPhase(model.PhaseExtraction)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	var perr *PhaseError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, model.PhaseStatusCompleted, perr.From)
	assert.Equal(t, model.PhaseStatusInProgress, perr.To)

	assert.ErrorIs(t, tr.CompletePhase(model.PhaseExtraction, nil), ErrInvalidTransition)
	assert.ErrorIs(t, tr.RestartPhase(model.PhaseExtraction), ErrInvalidTransition)

	// FAILED is only left through RestartPhase
	require.NoError(t, tr.StartPhase(model.PhaseImport))
	require.NoError(t, tr.FailPhase(model.PhaseImport, errors.New("boom")))
	assert.ErrorIs(t, tr.StartPhase(model.PhaseImport), ErrInvalidTransition)
	require.NoError(t, tr.RestartPhase(model.PhaseImport))
	require.NoError(t, tr.StartPhase(model.PhaseImport))

	status, err := tr.PhaseStatus(model.PhaseImport)
	require.NoError(t, err)
	assert.Equal(t, model.PhaseStatusInProgress, status)

	// completing a phase that never started is rejected
	assert.ErrorIs(t, tr.CompletePhase(model.PhasePostMigration, nil), ErrInvalidTransition)
}

func TestUnknownPhase(t *testing.T) {
	tr, _, _ := newFileTracker(t)

	for _, err := range []error{
		tr.StartPhase("seeding"),
		tr.CompletePhase("seeding", nil),
		tr.FailPhase("seeding", errors.New("x")),
		tr.UpdatePhaseProgress("seeding", 10, ""),
		tr.RestartPhase("seeding"),
	} {
		assert.ErrorIs(t, err, ErrUnknownPhase)
	}
	_, err := tr.PhaseStatus("seeding")
	assert.ErrorIs(t, err, ErrUnknownPhase)
}

func TestFailPhaseRecordsErrors(t *testing.T) {
	tr, _, _ := newFileTracker(t)
	require.NoError(t, tr.StartPhase(model.PhaseTransformation))
	require.NoError(t, tr.FailPhase(model.PhaseTransformation, errors.New("bad row")))

	snap := tr.Snapshot()
	assert.Equal(t, []string{"bad row"}, snap.Phases[model.PhaseTransformation].Errors)
	require.Len(t, snap.Errors, 1)
	assert.Equal(t, model.PhaseTransformation, snap.Errors[0].Phase)
	assert.Equal(t, model.ErrorCategoryPhaseExecution, snap.Errors[0].Category)
	assert.Equal(t, "bad row", snap.Errors[0].Error)
}

func TestProgressClampedAndMonotonic(t *testing.T) {
	tr, _, _ := newFileTracker(t)

	assert.ErrorIs(t, tr.UpdatePhaseProgress(model.PhaseImport, 10, ""), ErrInvalidTransition)

	require.NoError(t, tr.StartPhase(model.PhaseImport))
	require.NoError(t, tr.UpdatePhaseProgress(model.PhaseImport, 40, "users"))
	require.NoError(t, tr.UpdatePhaseProgress(model.PhaseImport, 20, "exercises"))

	rec := tr.Snapshot().Phases[model.PhaseImport]
	assert.Equal(t, 40.0, rec.Progress)
	assert.Equal(t, "exercises", rec.Details)
	assert.Equal(t, model.PhaseStatusInProgress, rec.Status)

	require.NoError(t, tr.UpdatePhaseProgress(model.PhaseImport, 250, ""))
	assert.Equal(t, 100.0, tr.Snapshot().Phases[model.PhaseImport].Progress)

	require.NoError(t, tr.UpdatePhaseProgress(model.PhaseImport, -5, ""))
	assert.Equal(t, 100.0, tr.Snapshot().Phases[model.PhaseImport].Progress)
}

func TestCheckpointsAndStatistics(t *testing.T) {
	tr, _, _ := newFileTracker(t)
	require.NoError(t, tr.StartPhase(model.PhaseExtraction))

	data := map[string]any{"documents": 12}
	require.NoError(t, tr.AddCheckpoint("extraction_completed", data))
	data["documents"] = 99

	err := tr.AddCheckpoint("bad", map[string]any{"fn": func() {}})
	require.Error(t, err)

	snap := tr.Snapshot()
	require.Len(t, snap.Checkpoints, 1)
	cp := snap.Checkpoints[0]
	assert.Equal(t, "extraction_completed", cp.Name)
	assert.Equal(t, model.PhaseExtraction, cp.Phase)
	assert.Equal(t, 12.0, cp.Data["documents"])

	require.NoError(t, tr.UpdateStatistics(model.Statistics{"users": 10, "exercises": 5}))
	require.NoError(t, tr.UpdateStatistics(model.Statistics{"users": 11}))
	assert.Equal(t, model.Statistics{"users": 11, "exercises": 5}, tr.Snapshot().Statistics)
}

func TestPersistsAfterEveryMutation(t *testing.T) {
	tr, path, _ := newFileTracker(t)
	require.NoError(t, tr.StartRun())
	require.NoError(t, tr.StartPhase(model.PhasePreValidation))

	loaded, err := NewFileStore(path).Load()
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, tr.RunID(), loaded.ID)
	assert.Equal(t, model.RunStatusInProgress, loaded.Status)
	assert.Equal(t, model.PhaseStatusInProgress, loaded.Phases[model.PhasePreValidation].Status)

	require.NoError(t, tr.CompletePhase(model.PhasePreValidation, &model.PhaseResult{
		Kind:       model.ResultKindValidation,
		Validation: &model.ValidationResult{Checked: []string{"postgres"}},
	}))
	loaded, err = NewFileStore(path).Load()
	require.NoError(t, err)
	res := loaded.Phases[model.PhasePreValidation].Result
	require.NotNil(t, res)
	assert.Equal(t, model.ResultKindValidation, res.Kind)
	assert.Equal(t, []string{"postgres"}, res.Validation.Checked)

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp files must not be left behind")
}

func TestInitializeResumesOnlyInProgressRuns(t *testing.T) {
	tr, path, _ := newFileTracker(t)
	require.NoError(t, tr.StartRun())
	runID := tr.RunID()

	resumed := NewTracker(Options{Store: NewFileStore(path)})
	require.NoError(t, resumed.Initialize())
	require.NoError(t, resumed.Initialize())
	assert.True(t, resumed.Resumed())
	assert.Equal(t, runID, resumed.RunID())

	require.NoError(t, tr.CompleteRun(nil))

	fresh := NewTracker(Options{Store: NewFileStore(path)})
	require.NoError(t, fresh.Initialize())
	assert.False(t, fresh.Resumed())
	assert.NotEqual(t, runID, fresh.RunID())
	assert.Equal(t, model.RunStatusNotStarted, fresh.Snapshot().Status)
}

func TestInitializeIgnoresCorruptDocument(t *testing.T) {
	path := filepath.Join(t.TempDir(), "status.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	tr := NewTracker(Options{Store: NewFileStore(path)})
	require.NoError(t, tr.Initialize())
	assert.False(t, tr.Resumed())
	assert.Equal(t, 1, tr.PersistenceFailures())
}

func TestPersistenceFailureIsSwallowedAndReported(t *testing.T) {
	store := &failingStore{}
	rec := &Recorder{}
	tr := NewTracker(Options{Store: store, Observers: []Observer{rec}})
	require.NoError(t, tr.Initialize())

	require.NoError(t, tr.StartRun())
	require.NoError(t, tr.StartPhase(model.PhaseExtraction))

	assert.Equal(t, 2, store.saves)
	assert.Equal(t, 2, tr.PersistenceFailures())
	assert.Equal(t, []EventType{
		EventRunStarted, EventPersistenceFailed,
		EventPhaseStarted, EventPersistenceFailed,
	}, rec.Types())
	assert.Equal(t, model.PhaseStatusInProgress, tr.Snapshot().Phases[model.PhaseExtraction].Status)
}

func TestEveryMutationEmitsOneEvent(t *testing.T) {
	tr, _, rec := newFileTracker(t)
	require.NoError(t, tr.StartRun())
	require.NoError(t, tr.StartPhase(model.PhaseImport))
	require.NoError(t, tr.UpdatePhaseProgress(model.PhaseImport, 50, ""))
	require.NoError(t, tr.AddCheckpoint("half", nil))
	require.NoError(t, tr.AddWarning("slow"))
	require.NoError(t, tr.UpdateStatistics(model.Statistics{"rows": 1}))
	require.NoError(t, tr.CompletePhase(model.PhaseImport, nil))
	require.NoError(t, tr.CompleteRun(nil))

	assert.Equal(t, []EventType{
		EventRunStarted,
		EventPhaseStarted,
		EventProgressUpdated,
		EventCheckpointAdded,
		EventWarningAdded,
		EventStatisticsUpdated,
		EventPhaseCompleted,
		EventRunCompleted,
	}, rec.Types())
	for _, ev := range rec.Events() {
		assert.Equal(t, tr.RunID(), ev.RunID)
	}
}

func TestTerminalTransitionsWriteReports(t *testing.T) {
	reports := &captureReports{}
	clock := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	tr := NewTracker(Options{
		Reports: reports,
		Now: func() time.Time {
			clock = clock.Add(time.Second)
			return clock
		},
	})
	require.NoError(t, tr.StartRun())
	require.NoError(t, tr.CompleteRun(&model.RunResult{Message: "done"}))

	require.Len(t, reports.runs, 1)
	run := reports.runs[0]
	assert.Equal(t, model.RunStatusCompleted, run.Status)
	require.NotNil(t, run.StartedAt)
	require.NotNil(t, run.EndedAt)
	assert.Equal(t, run.EndedAt.Sub(*run.StartedAt).Milliseconds(), run.DurationMS)
	assert.Positive(t, run.DurationMS)
	assert.ErrorIs(t, tr.CompleteRun(nil), ErrRunFinished)
	assert.ErrorIs(t, tr.StartRun(), ErrRunFinished)
}

func TestFailRunDoesNotDowngradeRollback(t *testing.T) {
	tr := NewTracker(Options{})
	require.NoError(t, tr.StartRun())
	require.NoError(t, tr.RollbackRun(&model.RollbackResult{Completed: true}))
	require.NoError(t, tr.FailRun(errors.New("import failed")))

	snap := tr.Snapshot()
	assert.Equal(t, model.RunStatusRolledBack, snap.Status)
	require.Len(t, snap.Errors, 1)
	assert.Equal(t, "import failed", snap.Result.Error)
	assert.NotNil(t, snap.Result.Rollback)
}

func TestEmergencyStop(t *testing.T) {
	tr := NewTracker(Options{})
	require.NoError(t, tr.StartRun())
	require.NoError(t, tr.StartPhase(model.PhaseImport))
	require.NoError(t, tr.EmergencyStop("operator request"))

	snap := tr.Snapshot()
	assert.Equal(t, model.RunStatusEmergencyStopped, snap.Status)
	assert.NotNil(t, snap.EndedAt)
	assert.Contains(t, snap.Warnings, "emergency stop: operator request")

	require.NoError(t, tr.FailRun(errors.New("interrupted")))
	assert.Equal(t, model.RunStatusEmergencyStopped, tr.Snapshot().Status)
}

func TestIntegrateVerificationResult(t *testing.T) {
	tr := NewTracker(Options{})

	report := &model.VerificationReport{}
	report.Add(model.VerificationResult{Collection: "users", Table: "users", Passed: true, SourceCount: 3, TargetCount: 3})
	report.Add(model.VerificationResult{Collection: "programs", Table: "programs", Passed: false, Warnings: []string{"w"}})
	require.NoError(t, tr.IntegrateVerificationResult(report, false))

	rec := tr.Snapshot().Phases[model.PhaseVerification]
	assert.Equal(t, model.PhaseStatusFailed, rec.Status)
	assert.Equal(t, 100.0, rec.Progress)
	require.NotNil(t, rec.Result)
	assert.Equal(t, model.ResultKindVerification, rec.Result.Kind)
	assert.Equal(t, 1, rec.Result.Verification.FailedCount)
	assert.True(t, rec.Result.Verification.Collections["users"].Passed)
	assert.False(t, rec.Result.Verification.Collections["programs"].Passed)

	passing := &model.VerificationReport{}
	passing.Add(model.VerificationResult{Collection: "users", Passed: true})
	require.NoError(t, tr.IntegrateVerificationResult(passing, true))
	assert.Equal(t, model.PhaseStatusCompleted, tr.Snapshot().Phases[model.PhaseVerification].Status)
	assert.Equal(t, 1.0, tr.Snapshot().Statistics["verification_passed"])
}

func TestIntegrateVerificationResultOverWarningBudget(t *testing.T) {
	tr := NewTracker(Options{})
	require.NoError(t, tr.StartRun())

	report := &model.VerificationReport{}
	report.Add(model.VerificationResult{Collection: "users", Table: "users", Passed: true, Warnings: []string{"count drift", "missing index"}})
	require.NoError(t, tr.IntegrateVerificationResult(report, false))

	snap := tr.Snapshot()
	rec := snap.Phases[model.PhaseVerification]
	assert.Equal(t, model.PhaseStatusFailed, rec.Status)
	assert.Equal(t, 0, rec.Result.Verification.FailedCount)
	require.Len(t, rec.Errors, 1)
	assert.Contains(t, rec.Errors[0], "2 warnings exceed the allowed budget")
	require.NotEmpty(t, snap.Errors)
	assert.Equal(t, model.PhaseVerification, snap.Errors[len(snap.Errors)-1].Phase)
}

func TestIntegrateRollbackResult(t *testing.T) {
	t.Run("completed rollback marks the run rolled back", func(t *testing.T) {
		tr := NewTracker(Options{})
		require.NoError(t, tr.StartRun())

		result := model.NewRollbackResult(model.RollbackScopeDataOnly)
		result.RecordTable("users", 4)
		result.Complete(true)
		require.NoError(t, tr.IntegrateRollbackResult(result))

		snap := tr.Snapshot()
		assert.Equal(t, model.PhaseStatusCompleted, snap.Phases[model.PhaseRollback].Status)
		assert.Equal(t, model.RunStatusRolledBack, snap.Status)
		assert.Equal(t, 4.0, snap.Statistics["rollback_rows_removed"])

		// a second rollback restarts the phase
		require.NoError(t, tr.IntegrateRollbackResult(result))
		assert.Equal(t, model.PhaseStatusCompleted, tr.Snapshot().Phases[model.PhaseRollback].Status)
	})

	t.Run("incomplete rollback fails the phase only", func(t *testing.T) {
		tr := NewTracker(Options{})
		require.NoError(t, tr.StartRun())

		result := model.NewRollbackResult(model.RollbackScopeFull)
		result.AddError("target unreachable")
		result.Complete(false)
		require.NoError(t, tr.IntegrateRollbackResult(result))

		snap := tr.Snapshot()
		assert.Equal(t, model.PhaseStatusFailed, snap.Phases[model.PhaseRollback].Status)
		assert.Equal(t, model.RunStatusInProgress, snap.Status)
		require.Len(t, snap.Errors, 1)
		assert.Equal(t, model.ErrorCategoryRollback, snap.Errors[0].Category)
	})
}
