// pkg/model/mapping.go
package model

import "strings"

// Record is one source document or target row
type Record struct {
	ID   string         // Document ID or primary key rendered as text
	Data map[string]any // Field values
}

// Get returns a field value, or nil when absent
func (r Record) Get(field string) any {
	if r.Data == nil {
		return nil
	}
	return r.Data[field]
}

// Document is a source document addressed by its full path
type Document struct {
	Path string // e.g. users/u1/workoutLogs/w1
	Data map[string]any
}

// FieldUpdate sets one field on the document at Path
type FieldUpdate struct {
	Path  string
	Field string
	Value any
}

// FieldMapping maps a source field to its target column
type FieldMapping struct {
	Source string // Firestore field name
	Target string // Postgres column name
}

// Fields builds identity mappings for fields that keep their name
func Fields(names ...string) []FieldMapping {
	out := make([]FieldMapping, len(names))
	for i, n := range names {
		out[i] = FieldMapping{Source: n, Target: n}
	}
	return out
}

// ForeignKey describes a reference column checked for orphans
type ForeignKey struct {
	Column    string
	RefTable  string
	RefColumn string
}

// DeleteFilter narrows a rollback delete; the zero value matches every row
type DeleteFilter struct {
	Column string
	Value  any
	Negate bool // rows where Column IS DISTINCT FROM Value
}

// MatchesAll reports whether the filter removes every row
func (f DeleteFilter) MatchesAll() bool {
	return f.Column == ""
}

// Matches evaluates the filter against a row held in memory
func (f DeleteFilter) Matches(row map[string]any) bool {
	if f.MatchesAll() {
		return true
	}
	equal := row[f.Column] == f.Value
	if f.Negate {
		return !equal
	}
	return equal
}

// IsDateField checks if a field should be compared as an absolute time
// based on its name
func IsDateField(name string) bool {
	lower := normalizeColumnName(name)

	if contains(lower, "date") || contains(lower, "time") {
		return true
	}

	return strings.HasSuffix(name, "At") || hasSuffix(lower, "_at")
}

// Helper functions for case-insensitive string operations
func normalizeColumnName(name string) string {
	return strings.ToLower(name)
}

func contains(s, substr string) bool {
	return strings.Contains(
		strings.ToLower(s),
		strings.ToLower(substr),
	)
}

func hasSuffix(s, suffix string) bool {
	return strings.HasSuffix(
		strings.ToLower(s),
		strings.ToLower(suffix),
	)
}
