// pkg/rollback/rollback.go
package rollback

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgconn"
	"go.uber.org/zap"

	"github.com/fittrack/firestore-migration/pkg/model"
)

// Postgres SQLSTATE for foreign_key_violation
const foreignKeyViolation = "23503"

var (
	// ErrTargetUnreachable is returned when the target does not answer a ping
	ErrTargetUnreachable = errors.New("target store unreachable")
	// ErrNotConfirmed is returned when a required confirmation was declined
	ErrNotConfirmed = errors.New("rollback not confirmed")
	// ErrBackupUnavailable is returned when a backup was requested but the
	// target cannot take one
	ErrBackupUnavailable = errors.New("target does not support backups")
)

// TargetWriter removes rows from the target store
type TargetWriter interface {
	Ping(ctx context.Context) error
	Delete(ctx context.Context, table string, filter model.DeleteFilter) (int64, error)
}

// Snapshotter copies tables before they are cleared
type Snapshotter interface {
	Backup(ctx context.Context, tables []string) (string, error)
}

// Confirmer asks an operator to approve a rollback plan
type Confirmer interface {
	Confirm(ctx context.Context, scope model.RollbackScope, tables []string) (bool, error)
}

// ConfirmFunc adapts a function to the Confirmer interface
type ConfirmFunc func(ctx context.Context, scope model.RollbackScope, tables []string) (bool, error)

// Confirm calls f
func (f ConfirmFunc) Confirm(ctx context.Context, scope model.RollbackScope, tables []string) (bool, error) {
	return f(ctx, scope, tables)
}

// Step is one table of the rollback plan
type Step struct {
	Table string
	// Reference tables hold shared rows that a data-only rollback keeps
	Reference bool
}

// DefaultPlan clears dependents before the rows they reference
var DefaultPlan = []Step{
	{Table: "user_analytics"},
	{Table: "workout_log_exercises"},
	{Table: "workout_logs"},
	{Table: "program_exercises"},
	{Table: "programs"},
	{Table: "users"},
	{Table: "exercises", Reference: true},
}

// Options controls a rollback
type Options struct {
	Scope               model.RollbackScope
	Backup              bool
	RequireConfirmation bool
}

// Manager removes imported data from the target store
type Manager struct {
	target      TargetWriter
	snapshotter Snapshotter
	confirmer   Confirmer
	plan        []Step
	logger      *zap.Logger
}

// NewManager creates a rollback manager using DefaultPlan. When target
// also implements Snapshotter it is used for backups.
func NewManager(target TargetWriter, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{
		target: target,
		plan:   DefaultPlan,
		logger: logger.Named("rollback"),
	}
	if s, ok := target.(Snapshotter); ok {
		m.snapshotter = s
	}
	return m
}

// WithConfirmer sets the confirmer consulted when confirmation is required
func (m *Manager) WithConfirmer(c Confirmer) *Manager {
	m.confirmer = c
	return m
}

// WithPlan replaces the table plan
func (m *Manager) WithPlan(plan []Step) *Manager {
	m.plan = plan
	return m
}

// Tables returns the plan's tables in processing order
func (m *Manager) Tables() []string {
	tables := make([]string, len(m.plan))
	for i, s := range m.plan {
		tables[i] = s.Table
	}
	return tables
}

// ExecuteRollback clears the plan's tables in order. A table that cannot
// be cleared is recorded as a warning with zero rows removed and the
// rollback continues. An error is returned only when the rollback could
// not be carried out at all.
func (m *Manager) ExecuteRollback(ctx context.Context, opts Options) (*model.RollbackResult, error) {
	if opts.Scope == "" {
		opts.Scope = model.RollbackScopeFull
	}
	result := model.NewRollbackResult(opts.Scope)
	tables := m.Tables()

	m.logger.Info("Starting rollback",
		zap.String("scope", string(opts.Scope)),
		zap.Bool("backup", opts.Backup),
		zap.Strings("tables", tables))

	if err := m.target.Ping(ctx); err != nil {
		return m.abort(result, fmt.Errorf("%w: %v", ErrTargetUnreachable, err))
	}

	if opts.RequireConfirmation {
		confirmed := false
		if m.confirmer != nil {
			ok, err := m.confirmer.Confirm(ctx, opts.Scope, tables)
			if err != nil {
				return m.abort(result, fmt.Errorf("confirmation failed: %w", err))
			}
			confirmed = ok
		}
		if !confirmed {
			return m.abort(result, ErrNotConfirmed)
		}
	}

	if opts.Backup {
		if m.snapshotter == nil {
			return m.abort(result, ErrBackupUnavailable)
		}
		ref, err := m.snapshotter.Backup(ctx, tables)
		if err != nil {
			return m.abort(result, fmt.Errorf("backup failed: %w", err))
		}
		result.BackupRef = ref
		m.logger.Info("Backup taken", zap.String("ref", ref))
	}

	for _, step := range m.plan {
		if err := ctx.Err(); err != nil {
			return m.abort(result, fmt.Errorf("rollback interrupted before %s: %w", step.Table, err))
		}

		filter := filterFor(step, opts.Scope)
		removed, err := m.target.Delete(ctx, step.Table, filter)
		if err != nil {
			result.RecordTable(step.Table, 0)
			result.AddWarning(m.describeFailure(step.Table, err))
			m.logger.Warn("Failed to clear table", zap.String("table", step.Table), zap.Error(err))
			continue
		}
		result.RecordTable(step.Table, removed)
		m.logger.Info("Cleared table",
			zap.String("table", step.Table),
			zap.Int64("removed", removed),
			zap.Bool("filtered", !filter.MatchesAll()))
	}

	result.Complete(true)
	m.logger.Info("Rollback finished",
		zap.Int64("removed", result.TotalRemoved()),
		zap.Int("warnings", len(result.Warnings)))
	return result, nil
}

// EmergencyRecovery clears every table with no backup and no confirmation
func (m *Manager) EmergencyRecovery(ctx context.Context) (*model.RollbackResult, error) {
	m.logger.Warn("Emergency recovery requested")
	return m.ExecuteRollback(ctx, Options{Scope: model.RollbackScopeFull})
}

func (m *Manager) abort(result *model.RollbackResult, err error) (*model.RollbackResult, error) {
	result.AddError(err.Error())
	result.Complete(false)
	m.logger.Error("Rollback failed", zap.Error(err))
	return result, fmt.Errorf("rollback failed: %w", err)
}

// describeFailure renders a per-table failure, adding an ordering hint for
// foreign key violations
func (m *Manager) describeFailure(table string, err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == foreignKeyViolation {
		return fmt.Sprintf("%s: foreign key violation (%s); rows in dependent tables must be removed first, expected order: %s",
			table, pgErr.ConstraintName, strings.Join(m.Tables(), " -> "))
	}
	return fmt.Sprintf("%s: %v", table, err)
}

func filterFor(step Step, scope model.RollbackScope) model.DeleteFilter {
	if step.Reference && scope == model.RollbackScopeDataOnly {
		return model.DeleteFilter{Column: "is_global", Value: true, Negate: true}
	}
	return model.DeleteFilter{}
}
