// pkg/suite/suite.go
package suite

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/fittrack/firestore-migration/pkg/model"
	"github.com/fittrack/firestore-migration/pkg/rollback"
	"github.com/fittrack/firestore-migration/pkg/status"
	"github.com/fittrack/firestore-migration/pkg/verify"
)

// Level selects a verification preset
type Level string

const (
	LevelBasic         Level = "basic"
	LevelStandard      Level = "standard"
	LevelComprehensive Level = "comprehensive"
)

// Preset is the sampling and policy configuration of a level
type Preset struct {
	SampleSize      int
	Probes          bool
	AllowedFailures int
	AllowedWarnings int
}

// Presets maps every level to its preset
var Presets = map[Level]Preset{
	LevelBasic:         {SampleSize: 10, Probes: false, AllowedFailures: 0, AllowedWarnings: 10},
	LevelStandard:      {SampleSize: 50, Probes: false, AllowedFailures: 0, AllowedWarnings: 5},
	LevelComprehensive: {SampleSize: 200, Probes: true, AllowedFailures: 0, AllowedWarnings: 0},
}

// ParseLevel validates a level name
func ParseLevel(s string) (Level, error) {
	level := Level(s)
	if _, ok := Presets[level]; !ok {
		return "", fmt.Errorf("invalid verification level %q (expected basic, standard or comprehensive)", s)
	}
	return level, nil
}

// Status is the outcome of a suite run
type Status string

const (
	StatusNotStarted Status = "NOT_STARTED"
	StatusInProgress Status = "IN_PROGRESS"
	StatusPassed     Status = "PASSED"
	StatusFailed     Status = "FAILED"
	StatusRolledBack Status = "ROLLED_BACK"
)

// Priority orders recommendations
type Priority int

const (
	PriorityCritical Priority = iota
	PriorityHigh
	PriorityMedium
	PriorityLow
)

func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityMedium:
		return "medium"
	default:
		return "low"
	}
}

// MarshalText encodes the priority by name
func (p Priority) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// Recommendation is an operator action derived from a suite run
type Recommendation struct {
	Priority Priority `json:"priority"`
	Message  string   `json:"message"`
}

// Report is the outcome of a suite run
type Report struct {
	Level           Level                     `json:"level"`
	Status          Status                    `json:"status"`
	Verification    *model.VerificationReport `json:"verification,omitempty"`
	Rollback        *model.RollbackResult     `json:"rollback,omitempty"`
	Recommendations []Recommendation          `json:"recommendations"`
	Error           string                    `json:"error,omitempty"`
	Duration        time.Duration             `json:"duration"`
}

// Config configures a Suite
type Config struct {
	Pairs                []verify.Pair
	AutoRollback         bool
	BackupBeforeRollback bool
	// SampleSize overrides the preset's sample size when positive
	SampleSize int
}

// DefaultConfig returns the default suite configuration
func DefaultConfig() Config {
	return Config{
		Pairs:        verify.DefaultPairs(),
		AutoRollback: true,
	}
}

// Suite runs verification at a chosen level and applies the pass/fail
// policy, rolling back when verification fails
type Suite struct {
	verifier *verify.Verifier
	rollback *rollback.Manager
	tracker  *status.Tracker
	config   Config
	logger   *zap.Logger
}

// NewSuite creates a verification suite. The tracker may be nil.
func NewSuite(
	verifier *verify.Verifier,
	manager *rollback.Manager,
	tracker *status.Tracker,
	config Config,
	logger *zap.Logger,
) *Suite {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.Pairs == nil {
		config.Pairs = verify.DefaultPairs()
	}
	return &Suite{
		verifier: verifier,
		rollback: manager,
		tracker:  tracker,
		config:   config,
		logger:   logger.Named("suite"),
	}
}

// Run verifies at level and applies the policy. The returned error is
// non-nil only when verification could not be carried out; a failed
// verification is reported through Report.Status.
func (s *Suite) Run(ctx context.Context, level Level) (*Report, error) {
	preset, ok := Presets[level]
	if !ok {
		return nil, fmt.Errorf("unknown verification level %q", level)
	}
	if s.config.SampleSize > 0 {
		preset.SampleSize = s.config.SampleSize
	}

	started := time.Now()
	report := &Report{Level: level, Status: StatusInProgress}
	logger := s.logger.With(zap.String("level", string(level)))
	logger.Info("Starting verification suite",
		zap.Int("sampleSize", preset.SampleSize),
		zap.Bool("probes", preset.Probes),
		zap.Int("allowedWarnings", preset.AllowedWarnings))

	verification, err := s.verifier.Verify(ctx, s.config.Pairs, verify.Settings{
		SampleSize: preset.SampleSize,
		Probes:     preset.Probes,
	})
	report.Verification = verification
	if err != nil {
		report.Status = StatusFailed
		report.Error = err.Error()
		report.Duration = time.Since(started)
		report.Recommendations = recommendations(report, preset)
		return report, err
	}

	failed := Failed(verification, preset)
	s.track(func(t *status.Tracker) error { return t.IntegrateVerificationResult(verification, !failed) })

	if !failed {
		report.Status = StatusPassed
		report.Duration = time.Since(started)
		report.Recommendations = recommendations(report, preset)
		logger.Info("Verification suite passed",
			zap.Int("pairs", verification.TotalPairs),
			zap.Int("warnings", verification.TotalWarnings))
		return report, nil
	}

	logger.Warn("Verification suite failed",
		zap.Int("failed", verification.FailedCount),
		zap.Int("warnings", verification.TotalWarnings))
	report.Status = StatusFailed

	if s.config.AutoRollback {
		result, rbErr := s.Rollback(ctx, rollback.Options{
			Scope:  model.RollbackScopeDataOnly,
			Backup: s.config.BackupBeforeRollback,
		})
		report.Rollback = result
		switch {
		case rbErr != nil:
			report.Error = rbErr.Error()
		case result.Completed:
			report.Status = StatusRolledBack
		}
	}

	report.Duration = time.Since(started)
	report.Recommendations = recommendations(report, preset)
	return report, nil
}

// EmergencyVerification runs the basic level
func (s *Suite) EmergencyVerification(ctx context.Context) (*Report, error) {
	s.logger.Warn("Emergency verification requested")
	return s.Run(ctx, LevelBasic)
}

// Rollback runs a rollback and mirrors its result into the tracker
func (s *Suite) Rollback(ctx context.Context, opts rollback.Options) (*model.RollbackResult, error) {
	if s.rollback == nil {
		return nil, errors.New("rollback is not configured")
	}
	result, err := s.rollback.ExecuteRollback(ctx, opts)
	if result != nil {
		s.track(func(t *status.Tracker) error { return t.IntegrateRollbackResult(result) })
	}
	return result, err
}

// EmergencyRollback runs an emergency recovery and mirrors it into the
// tracker. The run always ends in a terminal status: ROLLED_BACK when the
// recovery completed, otherwise FAILED.
func (s *Suite) EmergencyRollback(ctx context.Context) (*model.RollbackResult, error) {
	if s.rollback == nil {
		return nil, errors.New("rollback is not configured")
	}
	result, err := s.rollback.EmergencyRecovery(ctx)
	if result != nil {
		s.track(func(t *status.Tracker) error { return t.IntegrateRollbackResult(result) })
	}
	if err != nil || result == nil || !result.Completed {
		cause := err
		if cause == nil {
			cause = errors.New("emergency rollback did not complete")
		}
		s.track(func(t *status.Tracker) error { return t.FailRun(fmt.Errorf("emergency rollback: %w", cause)) })
	}
	return result, err
}

// Failed applies the pass/fail policy of a preset
func Failed(report *model.VerificationReport, preset Preset) bool {
	return report.FailedCount > preset.AllowedFailures || report.TotalWarnings > preset.AllowedWarnings
}

func (s *Suite) track(fn func(t *status.Tracker) error) {
	if s.tracker == nil {
		return
	}
	if err := fn(s.tracker); err != nil {
		s.logger.Warn("Failed to record verification state", zap.Error(err))
	}
}

// recommendations derives operator actions ordered by priority
func recommendations(report *Report, preset Preset) []Recommendation {
	var recs []Recommendation
	add := func(p Priority, format string, args ...any) {
		recs = append(recs, Recommendation{Priority: p, Message: fmt.Sprintf(format, args...)})
	}

	if report.Error != "" {
		add(PriorityCritical, "Verification or rollback did not finish: %s", report.Error)
	}

	if v := report.Verification; v != nil {
		for _, res := range v.Results {
			if !res.Passed {
				add(PriorityHigh, "Investigate %s -> %s: %d errors (source %d, target %d)",
					res.Collection, res.Table, len(res.Errors), res.SourceCount, res.TargetCount)
			}
			if res.Sample != nil && res.Sample.MissingInTarget > 0 {
				add(PriorityMedium, "%d sampled %s records are missing from %s",
					res.Sample.MissingInTarget, res.Collection, res.Table)
			}
		}
		if v.TotalWarnings > preset.AllowedWarnings {
			add(PriorityHigh, "%d warnings exceed the %d allowed at level %s",
				v.TotalWarnings, preset.AllowedWarnings, report.Level)
		}
		for _, p := range v.Probes {
			if !p.Passed {
				add(PriorityLow, "Performance probe %s failed: %s", p.Name, p.Error)
			}
		}
	}

	switch report.Status {
	case StatusRolledBack:
		add(PriorityHigh, "Imported data was rolled back; fix the failing collections and re-import")
	case StatusFailed:
		if report.Rollback == nil {
			add(PriorityCritical, "Verification failed and no rollback ran; decide whether to roll back manually")
		} else if !report.Rollback.Completed {
			add(PriorityCritical, "Rollback did not complete; inspect the target before retrying")
		}
	case StatusPassed:
		if report.Level != LevelComprehensive {
			add(PriorityLow, "Run comprehensive verification before switching traffic")
		}
	}

	sort.SliceStable(recs, func(i, j int) bool { return recs[i].Priority < recs[j].Priority })
	return recs
}
