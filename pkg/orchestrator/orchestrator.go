// pkg/orchestrator/orchestrator.go
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fittrack/firestore-migration/pkg/model"
	"github.com/fittrack/firestore-migration/pkg/rollback"
	"github.com/fittrack/firestore-migration/pkg/status"
	"github.com/fittrack/firestore-migration/pkg/suite"
)

var (
	// ErrEmergencyStopped is returned by Run when an emergency stop halted the pipeline
	ErrEmergencyStopped = errors.New("migration emergency stopped")
	// ErrUnfinishedRun is returned when an IN_PROGRESS run exists and resume was not requested
	ErrUnfinishedRun = errors.New("an unfinished migration run exists")
	// ErrNoHandler is returned when a phase that must run has no handler
	ErrNoHandler = errors.New("no handler registered")
)

// Config configures an Orchestrator
type Config struct {
	CheckpointFile string
	// StopFile is polled at phase boundaries; its presence requests an emergency stop
	StopFile     string
	AutoRollback bool
	Level        suite.Level
}

// RunOptions controls one pipeline run
type RunOptions struct {
	Skip   []model.Phase
	Resume bool
	DryRun bool
	Level  suite.Level
}

// Orchestrator drives the migration phases in order and records every
// step in the status tracker
type Orchestrator struct {
	tracker    *status.Tracker
	suite      *suite.Suite
	handlers   map[model.Phase]PhaseHandler
	checkpoint *CheckpointFile
	config     Config
	logger     *zap.Logger

	mu         sync.Mutex
	stopped    bool
	stopReason string
}

// New creates an orchestrator with the built-in verification and
// post-migration handlers. Extraction, transformation, import and
// pre-validation handlers are registered with Handle.
func New(tracker *status.Tracker, verificationSuite *suite.Suite, config Config, logger *zap.Logger) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.Level == "" {
		config.Level = suite.LevelStandard
	}
	o := &Orchestrator{
		tracker:  tracker,
		suite:    verificationSuite,
		handlers: make(map[model.Phase]PhaseHandler),
		config:   config,
		logger:   logger.Named("orchestrator"),
	}
	if config.CheckpointFile != "" {
		o.checkpoint = NewCheckpointFile(config.CheckpointFile)
	}
	if verificationSuite != nil {
		o.handlers[model.PhaseVerification] = &VerificationHandler{Suite: verificationSuite}
	}
	o.handlers[model.PhasePostMigration] = PostMigrationHandler{}
	return o
}

// Handle registers the handler of a pipeline phase
func (o *Orchestrator) Handle(phase model.Phase, handler PhaseHandler) error {
	if model.PhaseIndex(phase) < 0 {
		return fmt.Errorf("%w: %s", status.ErrUnknownPhase, phase)
	}
	o.handlers[phase] = handler
	return nil
}

// Run executes the pipeline. It returns nil only when the run completed.
func (o *Orchestrator) Run(ctx context.Context, opts RunOptions) error {
	if opts.Level == "" {
		opts.Level = o.config.Level
	}
	if _, ok := suite.Presets[opts.Level]; !ok {
		return fmt.Errorf("unknown verification level %q", opts.Level)
	}

	skip := make(map[model.Phase]bool, len(opts.Skip))
	for _, p := range opts.Skip {
		if model.PhaseIndex(p) < 0 {
			return fmt.Errorf("%w: cannot skip %s", status.ErrUnknownPhase, p)
		}
		skip[p] = true
	}

	if err := o.tracker.Initialize(); err != nil {
		return fmt.Errorf("initialize status: %w", err)
	}
	if o.tracker.Resumed() && !opts.Resume {
		return fmt.Errorf("%w: %s (resume it or stop it first)", ErrUnfinishedRun, o.tracker.RunID())
	}

	resumeAfter := -1
	if opts.Resume {
		resumeAfter = o.resumePoint()
	}

	for i, phase := range model.PipelinePhases {
		if skip[phase] || i <= resumeAfter {
			continue
		}
		if o.handlers[phase] == nil {
			return fmt.Errorf("%w for phase %s", ErrNoHandler, phase)
		}
	}

	o.clearStaleStopFile()

	if err := o.tracker.StartRun(); err != nil {
		return fmt.Errorf("start run: %w", err)
	}
	runID := o.tracker.RunID()
	logger := o.logger.With(zap.String("runId", runID))
	logger.Info("Starting migration",
		zap.Bool("resume", opts.Resume),
		zap.Bool("dryRun", opts.DryRun),
		zap.String("level", string(opts.Level)))

	for i, phase := range model.PipelinePhases {
		if o.checkStop() {
			logger.Warn("Pipeline halted by emergency stop", zap.String("nextPhase", string(phase)))
			return ErrEmergencyStopped
		}

		switch {
		case skip[phase]:
			logger.Info("Skipping phase", zap.String("phase", string(phase)))
			continue
		case i <= resumeAfter:
			logger.Info("Phase completed before resume, skipping", zap.String("phase", string(phase)))
			continue
		}

		if current, _ := o.tracker.PhaseStatus(phase); current == model.PhaseStatusCompleted {
			logger.Info("Phase already completed in this run, skipping", zap.String("phase", string(phase)))
			continue
		}

		if err := o.runPhase(ctx, runID, phase, opts); err != nil {
			return err
		}
	}

	if o.checkStop() {
		return ErrEmergencyStopped
	}

	if err := o.tracker.CompleteRun(&model.RunResult{Message: "migration completed"}); err != nil {
		return fmt.Errorf("complete run: %w", err)
	}
	logger.Info("Migration completed")
	return nil
}

// runPhase executes one phase and records its outcome
func (o *Orchestrator) runPhase(ctx context.Context, runID string, phase model.Phase, opts RunOptions) error {
	logger := o.logger.With(zap.String("runId", runID), zap.String("phase", string(phase)))

	// A phase interrupted by a crash or failed in an earlier attempt is reset first
	if current, _ := o.tracker.PhaseStatus(phase); current == model.PhaseStatusInProgress || current == model.PhaseStatusFailed {
		logger.Info("Restarting phase", zap.String("previousStatus", string(current)))
		if err := o.tracker.RestartPhase(phase); err != nil {
			return fmt.Errorf("restart %s: %w", phase, err)
		}
	}
	if err := o.tracker.StartPhase(phase); err != nil {
		return fmt.Errorf("start %s: %w", phase, err)
	}

	pc := PhaseContext{
		RunID:    runID,
		Phase:    phase,
		DryRun:   opts.DryRun,
		Level:    opts.Level,
		Snapshot: o.tracker.Snapshot(),
		Logger:   logger,
		Progress: func(percent float64, details string) {
			if err := o.tracker.UpdatePhaseProgress(phase, percent, details); err != nil {
				logger.Debug("Progress not recorded", zap.Error(err))
			}
		},
	}

	start := time.Now()
	result, execErr := o.handlers[phase].Execute(ctx, pc)
	duration := time.Since(start)

	if execErr != nil {
		logger.Error("Phase failed", zap.Duration("duration", duration), zap.Error(execErr))
		return o.handleFailure(ctx, phase, execErr, opts)
	}

	// Handlers that record their own outcome leave the phase finished
	if current, _ := o.tracker.PhaseStatus(phase); current == model.PhaseStatusInProgress {
		if err := o.tracker.CompletePhase(phase, result); err != nil {
			return fmt.Errorf("complete %s: %w", phase, err)
		}
	}
	if result != nil && result.Executor != nil {
		if err := o.tracker.UpdateStatistics(result.Executor.Counters()); err != nil {
			logger.Warn("Failed to record executor statistics", zap.Error(err))
		}
	}

	if err := o.tracker.AddCheckpoint(string(phase)+"_completed", map[string]any{
		"phase":      string(phase),
		"durationMs": duration.Milliseconds(),
		"dryRun":     opts.DryRun,
	}); err != nil {
		logger.Warn("Failed to add checkpoint", zap.Error(err))
	}
	o.writeCheckpoint(runID, phase)

	logger.Info("Phase completed", zap.Duration("duration", duration))
	return nil
}

// handleFailure records a failed phase, runs phase-specific recovery and
// fails the run
func (o *Orchestrator) handleFailure(ctx context.Context, phase model.Phase, cause error, opts RunOptions) error {
	if current, _ := o.tracker.PhaseStatus(phase); current == model.PhaseStatusInProgress {
		if err := o.tracker.FailPhase(phase, cause); err != nil {
			o.logger.Warn("Failed to record phase failure", zap.String("phase", string(phase)), zap.Error(err))
		}
	}

	if phase == model.PhaseImport {
		o.recoverImport(ctx, opts)
	}

	if err := o.tracker.FailRun(fmt.Errorf("phase %s failed: %w", phase, cause)); err != nil {
		o.logger.Warn("Failed to record run failure", zap.Error(err))
	}
	return fmt.Errorf("phase %s failed: %w", phase, cause)
}

// recoverImport removes partially imported data
func (o *Orchestrator) recoverImport(ctx context.Context, opts RunOptions) {
	switch {
	case !o.config.AutoRollback:
		o.logger.Warn("Import failed and auto-rollback is disabled; target may hold partial data")
		return
	case opts.DryRun:
		o.logger.Info("Dry run, skipping rollback after import failure")
		return
	case o.suite == nil:
		o.logger.Warn("Import failed but no rollback is configured")
		return
	}

	o.logger.Warn("Rolling back partial import")
	result, err := o.suite.Rollback(ctx, rollback.Options{Scope: model.RollbackScopeDataOnly})
	if err != nil {
		o.logger.Error("Rollback after import failure failed", zap.Error(err))
		return
	}
	o.logger.Info("Rolled back partial import",
		zap.Int64("removed", result.TotalRemoved()),
		zap.Bool("completed", result.Completed))
}

// EmergencyStop marks the run EMERGENCY_STOPPED; a running pipeline halts
// at the next phase boundary
func (o *Orchestrator) EmergencyStop(reason string) error {
	o.mu.Lock()
	if o.stopped {
		o.mu.Unlock()
		return nil
	}
	o.stopped = true
	o.stopReason = reason
	o.mu.Unlock()

	o.logger.Warn("Emergency stop requested", zap.String("reason", reason))
	if err := o.tracker.AddCheckpoint("emergency_stop", map[string]any{"reason": reason}); err != nil {
		o.logger.Warn("Failed to add emergency checkpoint", zap.Error(err))
	}
	if err := o.tracker.EmergencyStop(reason); err != nil {
		return fmt.Errorf("emergency stop: %w", err)
	}
	o.refreshCheckpoint()
	return nil
}

// EmergencyRollback clears every imported table without confirmation
func (o *Orchestrator) EmergencyRollback(ctx context.Context) (*model.RollbackResult, error) {
	if o.suite == nil {
		return nil, errors.New("rollback is not configured")
	}
	return o.suite.EmergencyRollback(ctx)
}

// Stopped reports whether an emergency stop was requested
func (o *Orchestrator) Stopped() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.stopped
}

// checkStop reports whether the pipeline must halt, turning a stop file
// into an emergency stop
func (o *Orchestrator) checkStop() bool {
	if o.Stopped() {
		return true
	}
	if o.config.StopFile == "" {
		return false
	}
	data, err := os.ReadFile(o.config.StopFile)
	if err != nil {
		return false
	}
	reason := strings.TrimSpace(string(data))
	if reason == "" {
		reason = "stop requested"
	}
	if err := os.Remove(o.config.StopFile); err != nil {
		o.logger.Warn("Failed to remove stop file", zap.String("path", o.config.StopFile), zap.Error(err))
	}
	if err := o.EmergencyStop(reason); err != nil {
		o.logger.Warn("Emergency stop not recorded", zap.Error(err))
	}
	return true
}

func (o *Orchestrator) clearStaleStopFile() {
	if o.config.StopFile == "" {
		return
	}
	if err := os.Remove(o.config.StopFile); err == nil {
		o.logger.Warn("Removed stale stop file", zap.String("path", o.config.StopFile))
	}
}

// resumePoint returns the pipeline index of the last completed phase
// recorded in the checkpoint file, or -1
func (o *Orchestrator) resumePoint() int {
	if o.checkpoint == nil {
		o.logger.Warn("Resume requested without a checkpoint file, starting from the beginning")
		return -1
	}
	state, err := o.checkpoint.Load()
	if err != nil {
		o.logger.Warn("Could not read checkpoint, starting from the beginning", zap.Error(err))
		return -1
	}
	if state == nil || state.LastCompletedPhase == "" {
		o.logger.Info("No checkpoint found, starting from the beginning")
		return -1
	}

	idx := model.PhaseIndex(state.LastCompletedPhase)
	if idx < 0 {
		o.logger.Warn("Checkpoint names an unknown phase, starting from the beginning",
			zap.String("phase", string(state.LastCompletedPhase)))
		return -1
	}
	if state.RunID != o.tracker.RunID() {
		o.logger.Warn("Checkpoint belongs to a different run",
			zap.String("checkpointRunId", state.RunID),
			zap.String("runId", o.tracker.RunID()))
	}
	o.logger.Info("Resuming after checkpoint",
		zap.String("lastCompletedPhase", string(state.LastCompletedPhase)),
		zap.Time("checkpointTime", state.Timestamp))
	return idx
}

func (o *Orchestrator) writeCheckpoint(runID string, phase model.Phase) {
	if o.checkpoint == nil {
		return
	}
	state := &CheckpointState{
		RunID:              runID,
		LastCompletedPhase: phase,
		Timestamp:          time.Now().UTC(),
		FullRunSnapshot:    o.tracker.Snapshot(),
	}
	if err := o.checkpoint.Save(state); err != nil {
		o.logger.Warn("Failed to write checkpoint file", zap.String("path", o.checkpoint.Path()), zap.Error(err))
		if warnErr := o.tracker.AddWarning("checkpoint file not written: " + err.Error()); warnErr != nil {
			o.logger.Debug("Warning not recorded", zap.Error(warnErr))
		}
	}
}

// refreshCheckpoint rewrites the checkpoint snapshot, keeping the last
// completed phase
func (o *Orchestrator) refreshCheckpoint() {
	if o.checkpoint == nil {
		return
	}
	state, err := o.checkpoint.Load()
	if err != nil || state == nil {
		state = &CheckpointState{RunID: o.tracker.RunID()}
	}
	state.Timestamp = time.Now().UTC()
	state.FullRunSnapshot = o.tracker.Snapshot()
	if err := o.checkpoint.Save(state); err != nil {
		o.logger.Warn("Failed to write checkpoint file", zap.String("path", o.checkpoint.Path()), zap.Error(err))
	}
}
