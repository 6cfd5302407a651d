// pkg/model/run.go
package model

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// RunStatus is the overall status of a migration run
type RunStatus string

const (
	RunStatusNotStarted       RunStatus = "NOT_STARTED"
	RunStatusInProgress       RunStatus = "IN_PROGRESS"
	RunStatusCompleted        RunStatus = "COMPLETED"
	RunStatusFailed           RunStatus = "FAILED"
	RunStatusRolledBack       RunStatus = "ROLLED_BACK"
	RunStatusEmergencyStopped RunStatus = "EMERGENCY_STOPPED"
)

// IsTerminal reports whether no further phase work is expected for the run
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunStatusCompleted, RunStatusFailed, RunStatusRolledBack, RunStatusEmergencyStopped:
		return true
	default:
		return false
	}
}

// PhaseStatus is the status of a single phase
type PhaseStatus string

const (
	PhaseStatusNotStarted PhaseStatus = "NOT_STARTED"
	PhaseStatusInProgress PhaseStatus = "IN_PROGRESS"
	PhaseStatusCompleted  PhaseStatus = "COMPLETED"
	PhaseStatusFailed     PhaseStatus = "FAILED"
)

// Phase names a stage of the migration
type Phase string

const (
	PhasePreValidation  Phase = "pre_validation"
	PhaseExtraction     Phase = "extraction"
	PhaseTransformation Phase = "transformation"
	PhaseImport         Phase = "import"
	PhaseVerification   Phase = "verification"
	PhasePostMigration  Phase = "post_migration"
	PhaseRollback       Phase = "rollback"
)

// PipelinePhases is the fixed, ordered phase sequence driven by the orchestrator.
var PipelinePhases = []Phase{
	PhasePreValidation,
	PhaseExtraction,
	PhaseTransformation,
	PhaseImport,
	PhaseVerification,
	PhasePostMigration,
}

// TrackedPhases is every phase a run document carries a record for.
var TrackedPhases = append(append([]Phase{}, PipelinePhases...), PhaseRollback)

// IsKnownPhase reports whether name belongs to the fixed phase set
func IsKnownPhase(name Phase) bool {
	for _, p := range TrackedPhases {
		if p == name {
			return true
		}
	}
	return false
}

// PhaseIndex returns the position of a phase in PipelinePhases, or -1
func PhaseIndex(name Phase) int {
	for i, p := range PipelinePhases {
		if p == name {
			return i
		}
	}
	return -1
}

// Statistics holds free-form numeric counters for a run
type Statistics map[string]float64

// Merge overrides matching keys with values from partial and keeps the rest
func (s Statistics) Merge(partial Statistics) {
	for k, v := range partial {
		s[k] = v
	}
}

// Checkpoint is an immutable marker recorded during a run
type Checkpoint struct {
	Name      string         `json:"name"`
	Timestamp time.Time      `json:"timestamp"`
	Phase     Phase          `json:"phase"`
	Data      map[string]any `json:"data,omitempty"`
}

// PhaseRecord is the tracked state of one phase
type PhaseRecord struct {
	Status    PhaseStatus  `json:"status"`
	StartedAt *time.Time   `json:"startedAt,omitempty"`
	EndedAt   *time.Time   `json:"endedAt,omitempty"`
	Progress  float64      `json:"progress"`
	Details   string       `json:"details,omitempty"`
	Errors    []string     `json:"errors"`
	Result    *PhaseResult `json:"result,omitempty"`
}

// NewPhaseRecord returns a record in the NOT_STARTED state
func NewPhaseRecord() *PhaseRecord {
	return &PhaseRecord{
		Status: PhaseStatusNotStarted,
		Errors: make([]string, 0),
	}
}

// PhaseResultKind tags which member of a PhaseResult is populated
type PhaseResultKind string

const (
	ResultKindValidation    PhaseResultKind = "validation"
	ResultKindExecutor      PhaseResultKind = "executor"
	ResultKindVerification  PhaseResultKind = "verification"
	ResultKindRollback      PhaseResultKind = "rollback"
	ResultKindPostMigration PhaseResultKind = "post_migration"
)

// PhaseResult is a tagged union of the known phase result shapes.
// Exactly one member matching Kind is set.
type PhaseResult struct {
	Kind          PhaseResultKind      `json:"kind"`
	Validation    *ValidationResult    `json:"validation,omitempty"`
	Executor      *ExecutorResult      `json:"executor,omitempty"`
	Verification  *VerificationSummary `json:"verification,omitempty"`
	Rollback      *RollbackResult      `json:"rollback,omitempty"`
	PostMigration *PostMigrationResult `json:"postMigration,omitempty"`
}

// ValidationResult is produced by the pre-validation phase
type ValidationResult struct {
	Checked []string `json:"checked"`
	DryRun  bool     `json:"dryRun"`
}

// ExecutorResult wraps the opaque output of an external phase executor
type ExecutorResult struct {
	Output     json.RawMessage `json:"output,omitempty"`
	DurationMS int64           `json:"durationMs"`
	DryRun     bool            `json:"dryRun"`
}

// Counters extracts the top-level numeric fields of the executor output.
// Non-object output yields an empty map.
func (r *ExecutorResult) Counters() Statistics {
	stats := make(Statistics)
	if r == nil || len(r.Output) == 0 {
		return stats
	}
	var fields map[string]any
	if err := json.Unmarshal(r.Output, &fields); err != nil {
		return stats
	}
	for k, v := range fields {
		if n, ok := v.(float64); ok {
			stats[k] = n
		}
	}
	return stats
}

// CollectionOutcome is the per-pair verdict folded into the verification phase
type CollectionOutcome struct {
	Table       string `json:"table"`
	Passed      bool   `json:"passed"`
	SourceCount int64  `json:"sourceCount"`
	TargetCount int64  `json:"targetCount"`
	Errors      int    `json:"errors"`
	Warnings    int    `json:"warnings"`
}

// VerificationSummary is the verification phase result
type VerificationSummary struct {
	TotalPairs    int                          `json:"totalPairs"`
	PassedCount   int                          `json:"passedCount"`
	FailedCount   int                          `json:"failedCount"`
	TotalWarnings int                          `json:"totalWarnings"`
	Collections   map[string]CollectionOutcome `json:"collections"`
	DurationMS    int64                        `json:"durationMs"`
}

// PostMigrationResult is produced by the post-migration phase
type PostMigrationResult struct {
	CompletedPhases []Phase    `json:"completedPhases"`
	Statistics      Statistics `json:"statistics"`
}

// RunResult is attached to a run when it reaches a terminal state
type RunResult struct {
	Message  string          `json:"message,omitempty"`
	Error    string          `json:"error,omitempty"`
	Rollback *RollbackResult `json:"rollback,omitempty"`
}

// MigrationRun is the full persisted document of one migration attempt
type MigrationRun struct {
	ID           string                 `json:"runId"`
	Status       RunStatus              `json:"status"`
	CurrentPhase Phase                  `json:"currentPhase,omitempty"`
	StartedAt    *time.Time             `json:"startedAt,omitempty"`
	EndedAt      *time.Time             `json:"endedAt,omitempty"`
	DurationMS   int64                  `json:"durationMs"`
	Phases       map[Phase]*PhaseRecord `json:"phases"`
	Checkpoints  []Checkpoint           `json:"checkpoints"`
	Statistics   Statistics             `json:"statistics"`
	Errors       []ErrorEntry           `json:"errors"`
	Warnings     []string               `json:"warnings"`
	Result       *RunResult             `json:"result,omitempty"`
}

// NewMigrationRun creates a run with a fresh identifier and every tracked phase NOT_STARTED
func NewMigrationRun() *MigrationRun {
	run := &MigrationRun{
		ID:          NewRunID(time.Now()),
		Status:      RunStatusNotStarted,
		Phases:      make(map[Phase]*PhaseRecord, len(TrackedPhases)),
		Checkpoints: make([]Checkpoint, 0),
		Statistics:  make(Statistics),
		Errors:      make([]ErrorEntry, 0),
		Warnings:    make([]string, 0),
	}
	run.EnsurePhases()
	return run
}

// EnsurePhases fills in records for tracked phases missing from a loaded document
func (r *MigrationRun) EnsurePhases() {
	if r.Phases == nil {
		r.Phases = make(map[Phase]*PhaseRecord, len(TrackedPhases))
	}
	for _, p := range TrackedPhases {
		if r.Phases[p] == nil {
			r.Phases[p] = NewPhaseRecord()
		}
	}
	if r.Statistics == nil {
		r.Statistics = make(Statistics)
	}
	if r.Checkpoints == nil {
		r.Checkpoints = make([]Checkpoint, 0)
	}
	if r.Errors == nil {
		r.Errors = make([]ErrorEntry, 0)
	}
	if r.Warnings == nil {
		r.Warnings = make([]string, 0)
	}
}

// LastCheckpoint returns the most recent checkpoint, if any
func (r *MigrationRun) LastCheckpoint() (Checkpoint, bool) {
	if len(r.Checkpoints) == 0 {
		return Checkpoint{}, false
	}
	return r.Checkpoints[len(r.Checkpoints)-1], true
}

// Clone returns a deep copy of the run via its JSON form
func (r *MigrationRun) Clone() *MigrationRun {
	data, err := json.Marshal(r)
	if err != nil {
		// Checkpoint data is validated as JSON on insert.
		panic(fmt.Sprintf("clone migration run: %v", err))
	}
	var out MigrationRun
	if err := json.Unmarshal(data, &out); err != nil {
		panic(fmt.Sprintf("clone migration run: %v", err))
	}
	out.EnsurePhases()
	return &out
}

// NewRunID derives a run identifier from the start time and a random suffix
func NewRunID(now time.Time) string {
	return fmt.Sprintf("migration-%s-%s", now.UTC().Format("20060102T150405"), uuid.NewString()[:8])
}
