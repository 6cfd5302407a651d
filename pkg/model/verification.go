package model

import "time"

// Severity is the verdict of an integrity check
type Severity string

const (
	SeveritySuccess Severity = "SUCCESS"
	SeverityWarning Severity = "WARNING"
	SeverityError   Severity = "ERROR"
)

// IntegrityKind names the type of integrity check
type IntegrityKind string

const (
	IntegrityNotNull    IntegrityKind = "not_null"
	IntegrityUnique     IntegrityKind = "unique"
	IntegrityForeignKey IntegrityKind = "foreign_key"
)

// IntegrityCheck is one integrity finding against the target store
type IntegrityCheck struct {
	Kind     IntegrityKind `json:"kind"`
	Table    string        `json:"table"`
	Column   string        `json:"column"`
	Severity Severity      `json:"severity"`
	Affected int           `json:"affected"`
	Message  string        `json:"message"`
}

// FieldMismatch is a sampled field whose source and target values differ
type FieldMismatch struct {
	RecordID    string `json:"recordId"`
	Field       string `json:"field"`
	SourceValue any    `json:"sourceValue"`
	TargetValue any    `json:"targetValue"`
}

// SampleComparison records the outcome of field-level sampling for a pair
type SampleComparison struct {
	Requested       int             `json:"requested"`
	Achieved        int             `json:"achieved"`
	Matched         int             `json:"matched"`
	Mismatched      int             `json:"mismatched"`
	MissingInTarget int             `json:"missingInTarget"`
	Mismatches      []FieldMismatch `json:"mismatches"`
}

// VerificationResult is the comparison of one collection/table pair
type VerificationResult struct {
	Collection  string            `json:"collection"`
	Table       string            `json:"table"`
	Passed      bool              `json:"passed"`
	SourceCount int64             `json:"sourceCount"`
	TargetCount int64             `json:"targetCount"`
	Sample      *SampleComparison `json:"sample,omitempty"`
	Integrity   []IntegrityCheck  `json:"integrity"`
	Errors      []string          `json:"errors"`
	Warnings    []string          `json:"warnings"`
}

// NewVerificationResult initializes a result for a pair
func NewVerificationResult(collection, table string) *VerificationResult {
	return &VerificationResult{
		Collection: collection,
		Table:      table,
		Integrity:  make([]IntegrityCheck, 0),
		Errors:     make([]string, 0),
		Warnings:   make([]string, 0),
	}
}

// AddError adds an error to the result and marks it failed
func (r *VerificationResult) AddError(msg string) {
	r.Errors = append(r.Errors, msg)
	r.Passed = false
}

// AddWarning adds a warning to the result
func (r *VerificationResult) AddWarning(msg string) {
	r.Warnings = append(r.Warnings, msg)
}

// HasIntegrityErrors reports whether any integrity check returned ERROR
func (r *VerificationResult) HasIntegrityErrors() bool {
	for _, c := range r.Integrity {
		if c.Severity == SeverityError {
			return true
		}
	}
	return false
}

// Probe is a representative read query run against the target store
type Probe struct {
	Name  string `json:"name"`
	Query string `json:"query"`
}

// ProbeResult is the latency measurement of one performance probe
type ProbeResult struct {
	Name      string  `json:"name"`
	Passed    bool    `json:"passed"`
	LatencyMS float64 `json:"latencyMs"`
	Error     string  `json:"error,omitempty"`
}

// VerificationReport aggregates a verification sweep
type VerificationReport struct {
	TotalPairs    int                  `json:"totalPairs"`
	PassedCount   int                  `json:"passedCount"`
	FailedCount   int                  `json:"failedCount"`
	TotalWarnings int                  `json:"totalWarnings"`
	Results       []VerificationResult `json:"results"`
	Probes        []ProbeResult        `json:"probes,omitempty"`
	StartedAt     time.Time            `json:"startedAt"`
	Duration      time.Duration        `json:"duration"`
}

// Add incorporates a pair result into the report totals
func (r *VerificationReport) Add(result VerificationResult) {
	r.Results = append(r.Results, result)
	r.TotalPairs++
	if result.Passed {
		r.PassedCount++
	} else {
		r.FailedCount++
	}
	r.TotalWarnings += len(result.Warnings)
}

// Passed reports whether every pair passed
func (r *VerificationReport) Passed() bool {
	return r.FailedCount == 0
}

// Summary folds per-pair outcomes into the verification phase result
func (r *VerificationReport) Summary() *VerificationSummary {
	summary := &VerificationSummary{
		TotalPairs:    r.TotalPairs,
		PassedCount:   r.PassedCount,
		FailedCount:   r.FailedCount,
		TotalWarnings: r.TotalWarnings,
		Collections:   make(map[string]CollectionOutcome, len(r.Results)),
		DurationMS:    r.Duration.Milliseconds(),
	}
	for _, res := range r.Results {
		summary.Collections[res.Collection] = CollectionOutcome{
			Table:       res.Table,
			Passed:      res.Passed,
			SourceCount: res.SourceCount,
			TargetCount: res.TargetCount,
			Errors:      len(res.Errors),
			Warnings:    len(res.Warnings),
		}
	}
	return summary
}
