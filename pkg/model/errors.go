package model

import (
	"fmt"
	"strings"
	"time"
)

// ErrorCategory classifies errors recorded against a run
type ErrorCategory int

const (
	ErrorCategoryNone ErrorCategory = iota
	// ErrorCategoryConfiguration is a missing or invalid setting; never retried
	ErrorCategoryConfiguration
	// ErrorCategoryPhaseExecution is a phase handler failure; halts the pipeline
	ErrorCategoryPhaseExecution
	// ErrorCategoryReconciliation is a single pair's comparison failure
	ErrorCategoryReconciliation
	// ErrorCategoryRollback is a rollback failure, per-table or overall
	ErrorCategoryRollback
	// ErrorCategoryPersistence is a failed write of the run document
	ErrorCategoryPersistence
)

// String returns a string representation of the error category
func (ec ErrorCategory) String() string {
	switch ec {
	case ErrorCategoryNone:
		return "none"
	case ErrorCategoryConfiguration:
		return "configuration"
	case ErrorCategoryPhaseExecution:
		return "phase_execution"
	case ErrorCategoryReconciliation:
		return "reconciliation"
	case ErrorCategoryRollback:
		return "rollback"
	case ErrorCategoryPersistence:
		return "persistence"
	default:
		return fmt.Sprintf("unknown(%d)", ec)
	}
}

// MarshalText encodes the category by name in the run document
func (ec ErrorCategory) MarshalText() ([]byte, error) {
	return []byte(ec.String()), nil
}

// UnmarshalText decodes a category name
func (ec *ErrorCategory) UnmarshalText(text []byte) error {
	switch strings.ToLower(string(text)) {
	case "", "none":
		*ec = ErrorCategoryNone
	case "configuration":
		*ec = ErrorCategoryConfiguration
	case "phase_execution":
		*ec = ErrorCategoryPhaseExecution
	case "reconciliation":
		*ec = ErrorCategoryReconciliation
	case "rollback":
		*ec = ErrorCategoryRollback
	case "persistence":
		*ec = ErrorCategoryPersistence
	default:
		return fmt.Errorf("unknown error category %q", text)
	}
	return nil
}

// ErrorEntry is a single error recorded against a run
type ErrorEntry struct {
	Phase     Phase         `json:"phase,omitempty"`
	Category  ErrorCategory `json:"category"`
	Error     string        `json:"error"`
	Timestamp time.Time     `json:"timestamp"`
}

// NewErrorEntry creates a new error entry with current timestamp
func NewErrorEntry(err error, category ErrorCategory) ErrorEntry {
	entry := ErrorEntry{
		Category:  category,
		Timestamp: time.Now().UTC(),
	}
	if err != nil {
		entry.Error = err.Error()
	}
	return entry
}

// WithPhase adds phase information to the entry
func (e ErrorEntry) WithPhase(phase Phase) ErrorEntry {
	e.Phase = phase
	return e
}

// String returns a formatted error message
func (e ErrorEntry) String() string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("[%s] ", e.Category))
	if e.Phase != "" {
		sb.WriteString(fmt.Sprintf("Phase: %s ", e.Phase))
	}
	sb.WriteString(fmt.Sprintf("Error: %s", e.Error))
	return sb.String()
}
