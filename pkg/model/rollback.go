package model

import (
	"fmt"
	"time"
)

// RollbackScope selects which tables a rollback clears
type RollbackScope string

const (
	// RollbackScopeFull clears every table including shared reference rows
	RollbackScopeFull RollbackScope = "full"
	// RollbackScopeDataOnly keeps global reference rows intact
	RollbackScopeDataOnly RollbackScope = "data-only"
)

// ParseRollbackScope validates a scope name
func ParseRollbackScope(s string) (RollbackScope, error) {
	switch RollbackScope(s) {
	case RollbackScopeFull, RollbackScopeDataOnly:
		return RollbackScope(s), nil
	default:
		return "", fmt.Errorf("invalid rollback scope %q (expected %q or %q)", s, RollbackScopeFull, RollbackScopeDataOnly)
	}
}

// RollbackResult reports what a rollback removed
type RollbackResult struct {
	Scope     RollbackScope    `json:"scope"`
	Tables    []string         `json:"tables"`
	Removed   map[string]int64 `json:"removed"`
	Errors    []string         `json:"errors"`
	Warnings  []string         `json:"warnings"`
	Completed bool             `json:"completed"`
	BackupRef string           `json:"backupRef,omitempty"`
	StartedAt time.Time        `json:"startedAt"`
	EndedAt   time.Time        `json:"endedAt"`
}

// NewRollbackResult initializes a result for a rollback invocation
func NewRollbackResult(scope RollbackScope) *RollbackResult {
	return &RollbackResult{
		Scope:     scope,
		Tables:    make([]string, 0),
		Removed:   make(map[string]int64),
		Errors:    make([]string, 0),
		Warnings:  make([]string, 0),
		StartedAt: time.Now().UTC(),
	}
}

// RecordTable records the outcome for one table
func (r *RollbackResult) RecordTable(table string, removed int64) {
	r.Tables = append(r.Tables, table)
	r.Removed[table] = removed
}

// AddWarning adds a warning to the result
func (r *RollbackResult) AddWarning(warning string) {
	r.Warnings = append(r.Warnings, warning)
}

// AddError adds an error to the result
func (r *RollbackResult) AddError(msg string) {
	r.Errors = append(r.Errors, msg)
}

// Complete marks the rollback finished
func (r *RollbackResult) Complete(completed bool) {
	r.EndedAt = time.Now().UTC()
	r.Completed = completed
}

// TotalRemoved sums rows removed across tables
func (r *RollbackResult) TotalRemoved() int64 {
	var total int64
	for _, n := range r.Removed {
		total += n
	}
	return total
}
