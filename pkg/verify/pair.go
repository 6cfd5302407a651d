// pkg/verify/pair.go
package verify

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/fittrack/firestore-migration/pkg/model"
)

// ErrAggregateMissing is returned when the document holding an aggregate
// collection does not exist
var ErrAggregateMissing = errors.New("aggregate document not found")

// Pair maps a source collection to its target table
type Pair struct {
	Name       string
	Collection string // Source collection or collection group
	Table      string // Target table

	// SourceKey is the source field used for lookups; empty uses the document ID
	SourceKey string
	// LookupKey is the target column matched against SourceKey
	LookupKey string
	// NaturalKey orders candidates when more than one row matches
	NaturalKey string
	Fields     []model.FieldMapping

	// Tolerance is the allowed relative count difference; zero uses the shape's default
	Tolerance float64
	// Shape defines how records are counted and sampled; nil means DocumentShape
	Shape Shape

	RequiredFields []string
	UniqueFields   []string
	ForeignKeys    []model.ForeignKey
}

func (p Pair) name() string {
	if p.Name != "" {
		return p.Name
	}
	return p.Collection
}

func (p Pair) shape() Shape {
	if p.Shape == nil {
		return DocumentShape{}
	}
	return p.Shape
}

func (p Pair) tolerance() float64 {
	if p.Tolerance > 0 {
		return p.Tolerance
	}
	return p.shape().DefaultTolerance()
}

func (p Pair) lookupKey() string {
	if p.LookupKey == "" {
		return "id"
	}
	return p.LookupKey
}

func (p Pair) naturalKey() string {
	if p.NaturalKey == "" {
		return p.lookupKey()
	}
	return p.NaturalKey
}

// Shape counts and samples the source side of a pair
type Shape interface {
	Count(ctx context.Context, source SourceReader, collection string) (int64, error)
	Sample(ctx context.Context, source SourceReader, collection string, n int) ([]model.Record, error)
	DefaultTolerance() float64
}

// DocumentShape treats every document in the collection as one record
type DocumentShape struct{}

// Count counts documents in the collection
func (DocumentShape) Count(ctx context.Context, source SourceReader, collection string) (int64, error) {
	return source.Count(ctx, collection)
}

// Sample returns up to n documents
func (DocumentShape) Sample(ctx context.Context, source SourceReader, collection string, n int) ([]model.Record, error) {
	return source.Sample(ctx, collection, n)
}

// DefaultTolerance is 1%
func (DocumentShape) DefaultTolerance() float64 {
	return DefaultTolerance
}

// AggregateShape reads records from a map held by a single document, as
// used for exercise metadata
type AggregateShape struct {
	DocumentID string
	Field      string // Field holding the map; empty uses the whole document
}

// Count returns the number of entries in the aggregate map
func (s AggregateShape) Count(ctx context.Context, source SourceReader, collection string) (int64, error) {
	entries, err := s.entries(ctx, source, collection)
	if err != nil {
		return 0, err
	}
	return int64(len(entries)), nil
}

// Sample returns the first n entries ordered by key
func (s AggregateShape) Sample(ctx context.Context, source SourceReader, collection string, n int) ([]model.Record, error) {
	entries, err := s.entries(ctx, source, collection)
	if err != nil {
		return nil, err
	}

	keys := make([]string, 0, len(entries))
	for k := range entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	if n < len(keys) {
		keys = keys[:n]
	}

	records := make([]model.Record, 0, len(keys))
	for _, k := range keys {
		data, ok := entries[k].(map[string]any)
		if !ok {
			data = map[string]any{"value": entries[k]}
		}
		records = append(records, model.Record{ID: k, Data: data})
	}
	return records, nil
}

// DefaultTolerance is 5%
func (AggregateShape) DefaultTolerance() float64 {
	return 0.05
}

func (s AggregateShape) entries(ctx context.Context, source SourceReader, collection string) (map[string]any, error) {
	doc, err := source.GetByID(ctx, collection, s.DocumentID)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s/%s: %w", collection, s.DocumentID, err)
	}
	if doc == nil {
		return nil, fmt.Errorf("%w: %s/%s", ErrAggregateMissing, collection, s.DocumentID)
	}
	if s.Field == "" {
		return doc.Data, nil
	}

	raw, ok := doc.Data[s.Field]
	if !ok || raw == nil {
		return nil, fmt.Errorf("%w: %s/%s has no field %s", ErrAggregateMissing, collection, s.DocumentID, s.Field)
	}
	entries, ok := raw.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("field %s of %s/%s is %T, not a map", s.Field, collection, s.DocumentID, raw)
	}
	return entries, nil
}

// DefaultPairs returns the collection/table pairs of the fitness schema
func DefaultPairs() []Pair {
	return []Pair{
		{
			Name:       "users",
			Collection: "users",
			Table:      "users",
			LookupKey:  "auth_id",
			NaturalKey: "created_at",
			Fields: []model.FieldMapping{
				{Source: "email", Target: "email"},
				{Source: "displayName", Target: "name"},
				{Source: "createdAt", Target: "created_at"},
			},
			RequiredFields: []string{"auth_id", "email"},
			UniqueFields:   []string{"auth_id", "email"},
		},
		{
			Name:       "exercises",
			Collection: "exercises",
			Table:      "exercises",
			Fields: []model.FieldMapping{
				{Source: "name", Target: "name"},
				{Source: "category", Target: "category"},
				{Source: "primaryMuscles", Target: "primary_muscles"},
				{Source: "isGlobal", Target: "is_global"},
			},
			RequiredFields: []string{"name"},
			UniqueFields:   []string{"id"},
		},
		{
			Name:       "programs",
			Collection: "programs",
			Table:      "programs",
			Fields: []model.FieldMapping{
				{Source: "name", Target: "name"},
				{Source: "duration", Target: "duration"},
				{Source: "createdAt", Target: "created_at"},
			},
			RequiredFields: []string{"name", "user_id"},
			UniqueFields:   []string{"id"},
			ForeignKeys: []model.ForeignKey{
				{Column: "user_id", RefTable: "users", RefColumn: "id"},
			},
		},
		{
			Name:       "workoutLogs",
			Collection: "workoutLogs",
			Table:      "workout_logs",
			Fields: []model.FieldMapping{
				{Source: "name", Target: "name"},
				{Source: "completedDate", Target: "completed_date"},
				{Source: "duration", Target: "duration"},
				{Source: "isDraft", Target: "is_draft"},
			},
			RequiredFields: []string{"user_id"},
			UniqueFields:   []string{"id"},
			ForeignKeys: []model.ForeignKey{
				{Column: "user_id", RefTable: "users", RefColumn: "id"},
				{Column: "program_id", RefTable: "programs", RefColumn: "id"},
			},
		},
		{
			Name:       "exerciseMetadata",
			Collection: "exerciseMetadata",
			Table:      "exercise_metadata",
			LookupKey:  "exercise_id",
			Shape:      AggregateShape{DocumentID: "all_exercises", Field: "exercises"},
			Fields: []model.FieldMapping{
				{Source: "name", Target: "name"},
				{Source: "category", Target: "category"},
			},
			RequiredFields: []string{"exercise_id"},
			ForeignKeys: []model.ForeignKey{
				{Column: "exercise_id", RefTable: "exercises", RefColumn: "id"},
			},
		},
	}
}
