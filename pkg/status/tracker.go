// pkg/status/tracker.go
package status

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fittrack/firestore-migration/pkg/model"
)

var (
	// ErrUnknownPhase is returned for a phase outside the tracked set
	ErrUnknownPhase = errors.New("unknown phase")
	// ErrInvalidTransition is returned when a phase move breaks
	// NOT_STARTED -> IN_PROGRESS -> COMPLETED|FAILED
	ErrInvalidTransition = errors.New("invalid phase transition")
	// ErrRunFinished is returned when a finished run is started or completed again
	ErrRunFinished = errors.New("run already finished")
)

// PhaseError carries the phase and statuses of a rejected phase operation
type PhaseError struct {
	Phase model.Phase
	From  model.PhaseStatus
	To    model.PhaseStatus
	Err   error
}

func (e *PhaseError) Error() string {
	if errors.Is(e.Err, ErrUnknownPhase) {
		return fmt.Sprintf("%v: %q", e.Err, e.Phase)
	}
	return fmt.Sprintf("%v: phase %s %s -> %s", e.Err, e.Phase, e.From, e.To)
}

func (e *PhaseError) Unwrap() error {
	return e.Err
}

// Options configures a Tracker
type Options struct {
	Store     Store        // nil keeps the run in memory only
	Reports   ReportWriter // nil skips report generation
	Observers []Observer
	Logger    *zap.Logger
	Now       func() time.Time
}

// Tracker is the single owner of the run document. Every mutation is
// applied in memory, then persisted, then announced to observers.
type Tracker struct {
	mu        sync.Mutex
	run       *model.MigrationRun
	resumed   bool
	loaded    bool
	failures  int
	store     Store
	reports   ReportWriter
	observers []Observer
	logger    *zap.Logger
	now       func() time.Time
}

// NewTracker creates a tracker holding a fresh NOT_STARTED run
func NewTracker(opts Options) *Tracker {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Tracker{
		run:       model.NewMigrationRun(),
		store:     opts.Store,
		reports:   opts.Reports,
		observers: opts.Observers,
		logger:    opts.Logger.Named("status"),
		now:       func() time.Time { return opts.Now().UTC() },
	}
}

// Initialize loads the persisted run if it is still IN_PROGRESS; any other
// persisted run is stale and a fresh one is kept. Calling it again is a no-op.
func (t *Tracker) Initialize() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.loaded {
		return nil
	}
	t.loaded = true

	if t.store == nil {
		return nil
	}

	persisted, err := t.store.Load()
	if err != nil {
		t.failures++
		t.logger.Warn("Could not load persisted run, starting fresh", zap.Error(err))
		return nil
	}
	if persisted == nil {
		t.logger.Info("No persisted run found", zap.String("runId", t.run.ID))
		return nil
	}
	if persisted.Status != model.RunStatusInProgress {
		t.logger.Info("Ignoring stale persisted run",
			zap.String("persistedRunId", persisted.ID),
			zap.String("persistedStatus", string(persisted.Status)),
			zap.String("runId", t.run.ID))
		return nil
	}

	t.run = persisted
	t.resumed = true
	t.logger.Info("Resuming persisted run",
		zap.String("runId", persisted.ID),
		zap.String("currentPhase", string(persisted.CurrentPhase)))
	return nil
}

// Resumed reports whether Initialize picked up an IN_PROGRESS run
func (t *Tracker) Resumed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.resumed
}

// RunID returns the identifier of the tracked run
func (t *Tracker) RunID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.run.ID
}

// Snapshot returns a deep copy of the run document
func (t *Tracker) Snapshot() *model.MigrationRun {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.run.Clone()
}

// PhaseStatus returns the status of one phase
func (t *Tracker) PhaseStatus(phase model.Phase) (model.PhaseStatus, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, err := t.phaseLocked(phase)
	if err != nil {
		return "", err
	}
	return rec.Status, nil
}

// PersistenceFailures returns how many run document loads or writes failed
func (t *Tracker) PersistenceFailures() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.failures
}

// StartRun marks the run IN_PROGRESS
func (t *Tracker) StartRun() error {
	return t.mutate(func(run *model.MigrationRun) (Event, error) {
		if run.Status.IsTerminal() {
			return Event{}, fmt.Errorf("%w: %s is %s", ErrRunFinished, run.ID, run.Status)
		}
		msg := ""
		if run.Status == model.RunStatusInProgress {
			msg = "resumed"
		}
		run.Status = model.RunStatusInProgress
		if run.StartedAt == nil {
			now := t.now()
			run.StartedAt = &now
		}
		return Event{Type: EventRunStarted, Status: string(run.Status), Message: msg}, nil
	})
}

// StartPhase moves a phase from NOT_STARTED to IN_PROGRESS
func (t *Tracker) StartPhase(phase model.Phase) error {
	return t.mutate(func(run *model.MigrationRun) (Event, error) {
		rec, err := t.transitionLocked(phase, model.PhaseStatusInProgress)
		if err != nil {
			return Event{}, err
		}
		t.startLocked(run, phase, rec)
		return phaseEvent(EventPhaseStarted, phase, rec), nil
	})
}

// CompletePhase moves an IN_PROGRESS phase to COMPLETED and stores its result
func (t *Tracker) CompletePhase(phase model.Phase, result *model.PhaseResult) error {
	return t.mutate(func(run *model.MigrationRun) (Event, error) {
		rec, err := t.transitionLocked(phase, model.PhaseStatusCompleted)
		if err != nil {
			return Event{}, err
		}
		t.completeLocked(rec, result)
		return phaseEvent(EventPhaseCompleted, phase, rec), nil
	})
}

// FailPhase moves an IN_PROGRESS phase to FAILED and records the error
func (t *Tracker) FailPhase(phase model.Phase, cause error) error {
	return t.mutate(func(run *model.MigrationRun) (Event, error) {
		rec, err := t.transitionLocked(phase, model.PhaseStatusFailed)
		if err != nil {
			return Event{}, err
		}
		t.failLocked(run, phase, rec, cause, categoryFor(phase))
		ev := phaseEvent(EventPhaseFailed, phase, rec)
		ev.Message = errorText(cause)
		return ev, nil
	})
}

// RestartPhase resets an IN_PROGRESS or FAILED phase to NOT_STARTED so it
// can run again. Phase errors are kept for the audit trail.
func (t *Tracker) RestartPhase(phase model.Phase) error {
	return t.mutate(func(run *model.MigrationRun) (Event, error) {
		rec, err := t.phaseLocked(phase)
		if err != nil {
			return Event{}, err
		}
		switch rec.Status {
		case model.PhaseStatusInProgress, model.PhaseStatusFailed:
		default:
			return Event{}, &PhaseError{Phase: phase, From: rec.Status, To: model.PhaseStatusNotStarted, Err: ErrInvalidTransition}
		}
		resetLocked(rec)
		return phaseEvent(EventPhaseRestarted, phase, rec), nil
	})
}

// UpdatePhaseProgress records progress for an IN_PROGRESS phase. The
// percentage is clamped to [0,100] and never moves backwards.
func (t *Tracker) UpdatePhaseProgress(phase model.Phase, percent float64, details string) error {
	return t.mutate(func(run *model.MigrationRun) (Event, error) {
		rec, err := t.phaseLocked(phase)
		if err != nil {
			return Event{}, err
		}
		if rec.Status != model.PhaseStatusInProgress {
			return Event{}, &PhaseError{Phase: phase, From: rec.Status, To: rec.Status, Err: ErrInvalidTransition}
		}
		if percent < 0 {
			percent = 0
		}
		if percent > 100 {
			percent = 100
		}
		if percent > rec.Progress {
			rec.Progress = percent
		}
		if details != "" {
			rec.Details = details
		}
		ev := phaseEvent(EventProgressUpdated, phase, rec)
		ev.Message = fmt.Sprintf("%.0f%%", rec.Progress)
		return ev, nil
	})
}

// AddCheckpoint appends a named checkpoint for the current phase.
// Data must be JSON encodable; it is copied.
func (t *Tracker) AddCheckpoint(name string, data map[string]any) error {
	copied, err := copyData(data)
	if err != nil {
		return fmt.Errorf("checkpoint %s: %w", name, err)
	}
	return t.mutate(func(run *model.MigrationRun) (Event, error) {
		run.Checkpoints = append(run.Checkpoints, model.Checkpoint{
			Name:      name,
			Timestamp: t.now(),
			Phase:     run.CurrentPhase,
			Data:      copied,
		})
		return Event{Type: EventCheckpointAdded, Phase: run.CurrentPhase, Message: name}, nil
	})
}

// AddWarning appends a run-level warning
func (t *Tracker) AddWarning(msg string) error {
	return t.mutate(func(run *model.MigrationRun) (Event, error) {
		run.Warnings = append(run.Warnings, msg)
		return Event{Type: EventWarningAdded, Message: msg}, nil
	})
}

// UpdateStatistics merges counters into the run statistics
func (t *Tracker) UpdateStatistics(partial model.Statistics) error {
	return t.mutate(func(run *model.MigrationRun) (Event, error) {
		run.Statistics.Merge(partial)
		return Event{Type: EventStatisticsUpdated}, nil
	})
}

// CompleteRun marks the run COMPLETED and writes the report
func (t *Tracker) CompleteRun(result *model.RunResult) error {
	return t.finish(func(run *model.MigrationRun) (Event, error) {
		if run.Status.IsTerminal() {
			return Event{}, fmt.Errorf("%w: %s is %s", ErrRunFinished, run.ID, run.Status)
		}
		t.endLocked(run, model.RunStatusCompleted)
		run.Result = result
		return Event{Type: EventRunCompleted, Status: string(run.Status)}, nil
	})
}

// FailRun marks the run FAILED and writes the report. A run that was
// already rolled back or emergency-stopped keeps its status; the error is
// still recorded.
func (t *Tracker) FailRun(cause error) error {
	return t.finish(func(run *model.MigrationRun) (Event, error) {
		entry := model.NewErrorEntry(cause, model.ErrorCategoryPhaseExecution).WithPhase(run.CurrentPhase)
		entry.Timestamp = t.now()
		run.Errors = append(run.Errors, entry)

		switch run.Status {
		case model.RunStatusRolledBack, model.RunStatusEmergencyStopped:
			if run.EndedAt == nil {
				t.endLocked(run, run.Status)
			}
		default:
			t.endLocked(run, model.RunStatusFailed)
		}
		if run.Result == nil {
			run.Result = &model.RunResult{}
		}
		run.Result.Error = errorText(cause)
		return Event{Type: EventRunFailed, Status: string(run.Status), Message: errorText(cause)}, nil
	})
}

// RollbackRun marks the run ROLLED_BACK and writes the report
func (t *Tracker) RollbackRun(result *model.RollbackResult) error {
	return t.finish(func(run *model.MigrationRun) (Event, error) {
		t.endLocked(run, model.RunStatusRolledBack)
		if run.Result == nil {
			run.Result = &model.RunResult{}
		}
		run.Result.Rollback = result
		run.Result.Message = "imported data rolled back"
		return Event{Type: EventRunRolledBack, Status: string(run.Status)}, nil
	})
}

// EmergencyStop marks the run EMERGENCY_STOPPED and writes the report.
// A run that already completed or rolled back keeps its status.
func (t *Tracker) EmergencyStop(reason string) error {
	return t.finish(func(run *model.MigrationRun) (Event, error) {
		run.Warnings = append(run.Warnings, "emergency stop: "+reason)
		switch run.Status {
		case model.RunStatusCompleted, model.RunStatusRolledBack:
		default:
			t.endLocked(run, model.RunStatusEmergencyStopped)
			if run.Result == nil {
				run.Result = &model.RunResult{}
			}
			run.Result.Message = reason
		}
		return Event{Type: EventEmergencyStopped, Status: string(run.Status), Message: reason}, nil
	})
}

// IntegrateVerificationResult records a verification report as the outcome
// of the verification phase. passed is the verdict of the caller's policy;
// the phase is COMPLETED when it holds, else FAILED.
func (t *Tracker) IntegrateVerificationResult(report *model.VerificationReport, passed bool) error {
	return t.mutate(func(run *model.MigrationRun) (Event, error) {
		rec, err := t.enterLocked(run, model.PhaseVerification)
		if err != nil {
			return Event{}, err
		}

		summary := report.Summary()
		run.Statistics.Merge(model.Statistics{
			"verification_pairs":    float64(summary.TotalPairs),
			"verification_passed":   float64(summary.PassedCount),
			"verification_failed":   float64(summary.FailedCount),
			"verification_warnings": float64(summary.TotalWarnings),
		})

		result := &model.PhaseResult{Kind: model.ResultKindVerification, Verification: summary}
		if passed {
			t.completeLocked(rec, result)
			return phaseEvent(EventPhaseCompleted, model.PhaseVerification, rec), nil
		}

		rec.Progress = 100
		rec.Result = result
		cause := fmt.Errorf("verification failed: %d of %d pairs failed", summary.FailedCount, summary.TotalPairs)
		if summary.FailedCount == 0 {
			cause = fmt.Errorf("verification failed: %d warnings exceed the allowed budget", summary.TotalWarnings)
		}
		t.failLocked(run, model.PhaseVerification, rec, cause, model.ErrorCategoryReconciliation)
		ev := phaseEvent(EventPhaseFailed, model.PhaseVerification, rec)
		ev.Message = cause.Error()
		return ev, nil
	})
}

// IntegrateRollbackResult records a rollback as the outcome of the rollback
// phase and, when it ran to completion, marks the run ROLLED_BACK
func (t *Tracker) IntegrateRollbackResult(result *model.RollbackResult) error {
	err := t.mutate(func(run *model.MigrationRun) (Event, error) {
		rec, err := t.enterLocked(run, model.PhaseRollback)
		if err != nil {
			return Event{}, err
		}

		run.Statistics.Merge(model.Statistics{
			"rollback_rows_removed": float64(result.TotalRemoved()),
			"rollback_tables":       float64(len(result.Tables)),
		})

		phaseResult := &model.PhaseResult{Kind: model.ResultKindRollback, Rollback: result}
		if result.Completed {
			t.completeLocked(rec, phaseResult)
			return phaseEvent(EventPhaseCompleted, model.PhaseRollback, rec), nil
		}

		rec.Progress = 100
		rec.Result = phaseResult
		cause := errors.New("rollback did not complete")
		if len(result.Errors) > 0 {
			cause = fmt.Errorf("rollback did not complete: %s", result.Errors[0])
		}
		t.failLocked(run, model.PhaseRollback, rec, cause, model.ErrorCategoryRollback)
		ev := phaseEvent(EventPhaseFailed, model.PhaseRollback, rec)
		ev.Message = cause.Error()
		return ev, nil
	})
	if err != nil {
		return err
	}
	if result.Completed {
		return t.RollbackRun(result)
	}
	return nil
}

// mutate applies fn to the run under the lock, persists the full document,
// then notifies observers
func (t *Tracker) mutate(fn func(run *model.MigrationRun) (Event, error)) error {
	t.mu.Lock()
	ev, err := fn(t.run)
	if err != nil {
		t.mu.Unlock()
		return err
	}
	ev.RunID = t.run.ID
	ev.Time = t.now()
	events := []Event{ev}
	if perr := t.persistLocked(); perr != nil {
		events = append(events, Event{
			Type:    EventPersistenceFailed,
			RunID:   t.run.ID,
			Phase:   ev.Phase,
			Message: perr.Error(),
			Time:    ev.Time,
		})
	}
	t.mu.Unlock()

	t.emit(events...)
	return nil
}

// finish is mutate followed by report generation from a snapshot
func (t *Tracker) finish(fn func(run *model.MigrationRun) (Event, error)) error {
	if err := t.mutate(fn); err != nil {
		return err
	}
	if t.reports == nil {
		return nil
	}
	snapshot := t.Snapshot()
	if err := t.reports.WriteReport(snapshot); err != nil {
		t.logger.Warn("Failed to write run report",
			zap.String("runId", snapshot.ID),
			zap.Error(err))
	}
	return nil
}

// persistLocked writes the run document. Failures are counted and logged,
// never returned to the caller of the mutation.
func (t *Tracker) persistLocked() error {
	if t.store == nil {
		return nil
	}
	if err := t.store.Save(t.run); err != nil {
		t.failures++
		t.logger.Warn("Failed to persist run document",
			zap.String("runId", t.run.ID),
			zap.Int("failures", t.failures),
			zap.Error(err))
		return err
	}
	return nil
}

func (t *Tracker) emit(events ...Event) {
	for _, ev := range events {
		for _, o := range t.observers {
			o.Notify(ev)
		}
	}
}

func (t *Tracker) phaseLocked(phase model.Phase) (*model.PhaseRecord, error) {
	if !model.IsKnownPhase(phase) {
		return nil, &PhaseError{Phase: phase, Err: ErrUnknownPhase}
	}
	rec := t.run.Phases[phase]
	if rec == nil {
		rec = model.NewPhaseRecord()
		t.run.Phases[phase] = rec
	}
	return rec, nil
}

// transitionLocked validates a move to status `to` and returns the record
func (t *Tracker) transitionLocked(phase model.Phase, to model.PhaseStatus) (*model.PhaseRecord, error) {
	rec, err := t.phaseLocked(phase)
	if err != nil {
		return nil, err
	}
	if !allowed(rec.Status, to) {
		return nil, &PhaseError{Phase: phase, From: rec.Status, To: to, Err: ErrInvalidTransition}
	}
	return rec, nil
}

// enterLocked brings a phase to IN_PROGRESS for a result integration,
// restarting it first when a previous attempt already finished
func (t *Tracker) enterLocked(run *model.MigrationRun, phase model.Phase) (*model.PhaseRecord, error) {
	rec, err := t.phaseLocked(phase)
	if err != nil {
		return nil, err
	}
	switch rec.Status {
	case model.PhaseStatusCompleted, model.PhaseStatusFailed:
		resetLocked(rec)
		t.startLocked(run, phase, rec)
	case model.PhaseStatusNotStarted:
		t.startLocked(run, phase, rec)
	}
	return rec, nil
}

func allowed(from, to model.PhaseStatus) bool {
	switch from {
	case model.PhaseStatusNotStarted:
		return to == model.PhaseStatusInProgress
	case model.PhaseStatusInProgress:
		return to == model.PhaseStatusCompleted || to == model.PhaseStatusFailed
	default:
		return false
	}
}

func (t *Tracker) startLocked(run *model.MigrationRun, phase model.Phase, rec *model.PhaseRecord) {
	now := t.now()
	rec.Status = model.PhaseStatusInProgress
	rec.StartedAt = &now
	rec.EndedAt = nil
	rec.Progress = 0
	run.CurrentPhase = phase
}

func (t *Tracker) completeLocked(rec *model.PhaseRecord, result *model.PhaseResult) {
	now := t.now()
	rec.Status = model.PhaseStatusCompleted
	rec.EndedAt = &now
	rec.Progress = 100
	rec.Result = result
}

func (t *Tracker) failLocked(run *model.MigrationRun, phase model.Phase, rec *model.PhaseRecord, cause error, category model.ErrorCategory) {
	now := t.now()
	rec.Status = model.PhaseStatusFailed
	rec.EndedAt = &now
	rec.Errors = append(rec.Errors, errorText(cause))

	entry := model.NewErrorEntry(cause, category).WithPhase(phase)
	entry.Timestamp = now
	run.Errors = append(run.Errors, entry)
}

func (t *Tracker) endLocked(run *model.MigrationRun, status model.RunStatus) {
	now := t.now()
	if run.StartedAt == nil {
		run.StartedAt = &now
	}
	run.Status = status
	run.EndedAt = &now
	run.DurationMS = now.Sub(*run.StartedAt).Milliseconds()
}

func resetLocked(rec *model.PhaseRecord) {
	rec.Status = model.PhaseStatusNotStarted
	rec.StartedAt = nil
	rec.EndedAt = nil
	rec.Progress = 0
	rec.Details = ""
	rec.Result = nil
}

func phaseEvent(typ EventType, phase model.Phase, rec *model.PhaseRecord) Event {
	return Event{Type: typ, Phase: phase, Status: string(rec.Status)}
}

func categoryFor(phase model.Phase) model.ErrorCategory {
	switch phase {
	case model.PhaseVerification:
		return model.ErrorCategoryReconciliation
	case model.PhaseRollback:
		return model.ErrorCategoryRollback
	default:
		return model.ErrorCategoryPhaseExecution
	}
}

func errorText(err error) string {
	if err == nil {
		return "unknown error"
	}
	return err.Error()
}

// copyData deep-copies checkpoint data through JSON
func copyData(data map[string]any) (map[string]any, error) {
	if data == nil {
		return nil, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("data is not JSON encodable: %w", err)
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}
