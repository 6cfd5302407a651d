// pkg/orchestrator/handler.go
package orchestrator

import (
	"context"
	"fmt"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/fittrack/firestore-migration/pkg/model"
	"github.com/fittrack/firestore-migration/pkg/suite"
)

// PhaseContext is what a handler knows about the run it is part of
type PhaseContext struct {
	RunID  string
	Phase  model.Phase
	DryRun bool
	Level  suite.Level
	// Snapshot is a copy of the run document taken before the phase started
	Snapshot *model.MigrationRun
	// Progress reports phase progress in percent
	Progress func(percent float64, details string)
	Logger   *zap.Logger
}

// PhaseHandler executes one phase of the pipeline
type PhaseHandler interface {
	Execute(ctx context.Context, pc PhaseContext) (*model.PhaseResult, error)
}

// HandlerFunc adapts a function to the PhaseHandler interface
type HandlerFunc func(ctx context.Context, pc PhaseContext) (*model.PhaseResult, error)

// Execute calls f(ctx, pc)
func (f HandlerFunc) Execute(ctx context.Context, pc PhaseContext) (*model.PhaseResult, error) {
	return f(ctx, pc)
}

// Pinger is a store the pre-validation phase must reach
type Pinger interface {
	Name() string
	Ping(ctx context.Context) error
}

// validator is implemented by connectors that can check their schema
type validator interface {
	Validate(ctx context.Context) error
}

// ValidationHandler pings every store and validates those that support it
type ValidationHandler struct {
	Pingers []Pinger
}

// Execute checks every store and reports all failures together
func (h *ValidationHandler) Execute(ctx context.Context, pc PhaseContext) (*model.PhaseResult, error) {
	result := &model.ValidationResult{Checked: make([]string, 0, len(h.Pingers)), DryRun: pc.DryRun}

	var err error
	for i, p := range h.Pingers {
		name := p.Name()
		if pingErr := p.Ping(ctx); pingErr != nil {
			err = multierr.Append(err, fmt.Errorf("%s: %w", name, pingErr))
			continue
		}
		if v, ok := p.(validator); ok {
			if valErr := v.Validate(ctx); valErr != nil {
				err = multierr.Append(err, fmt.Errorf("%s: %w", name, valErr))
				continue
			}
		}
		result.Checked = append(result.Checked, name)
		if pc.Progress != nil {
			pc.Progress(float64(i+1)*100/float64(len(h.Pingers)), name+" reachable")
		}
		pc.Logger.Info("Store validated", zap.String("store", name))
	}
	if err != nil {
		return nil, fmt.Errorf("pre-validation failed: %w", err)
	}

	return &model.PhaseResult{Kind: model.ResultKindValidation, Validation: result}, nil
}

// VerificationHandler runs the verification suite. The suite records the
// verification and any rollback in the tracker itself.
type VerificationHandler struct {
	Suite *suite.Suite
}

// Execute runs the suite at the requested level and fails unless it passed
func (h *VerificationHandler) Execute(ctx context.Context, pc PhaseContext) (*model.PhaseResult, error) {
	if pc.DryRun {
		pc.Logger.Info("Dry run, skipping verification")
		return &model.PhaseResult{
			Kind:         model.ResultKindVerification,
			Verification: &model.VerificationSummary{Collections: map[string]model.CollectionOutcome{}},
		}, nil
	}

	report, err := h.Suite.Run(ctx, pc.Level)
	if err != nil {
		return nil, fmt.Errorf("verification did not run: %w", err)
	}

	result := &model.PhaseResult{Kind: model.ResultKindVerification, Verification: report.Verification.Summary()}
	for _, rec := range report.Recommendations {
		pc.Logger.Info("Recommendation",
			zap.String("priority", rec.Priority.String()),
			zap.String("message", rec.Message))
	}

	switch report.Status {
	case suite.StatusPassed:
		return result, nil
	case suite.StatusRolledBack:
		return result, fmt.Errorf("verification failed at level %s; imported data was rolled back", report.Level)
	default:
		return result, fmt.Errorf("verification failed at level %s: %d of %d pairs failed, %d warnings",
			report.Level, report.Verification.FailedCount, report.Verification.TotalPairs, report.Verification.TotalWarnings)
	}
}

// PostMigrationHandler rolls up the statistics of the run
type PostMigrationHandler struct{}

// Execute lists the completed phases and the run statistics
func (PostMigrationHandler) Execute(ctx context.Context, pc PhaseContext) (*model.PhaseResult, error) {
	result := &model.PostMigrationResult{
		CompletedPhases: make([]model.Phase, 0, len(model.PipelinePhases)),
		Statistics:      make(model.Statistics),
	}
	if pc.Snapshot != nil {
		for _, phase := range model.PipelinePhases {
			if rec := pc.Snapshot.Phases[phase]; rec != nil && rec.Status == model.PhaseStatusCompleted {
				result.CompletedPhases = append(result.CompletedPhases, phase)
			}
		}
		result.Statistics.Merge(pc.Snapshot.Statistics)
	}
	result.Statistics["phases_completed"] = float64(len(result.CompletedPhases))

	pc.Logger.Info("Migration summary",
		zap.Int("phasesCompleted", len(result.CompletedPhases)),
		zap.Any("statistics", result.Statistics))

	return &model.PhaseResult{Kind: model.ResultKindPostMigration, PostMigration: result}, nil
}
