package verify

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fittrack/firestore-migration/pkg/memstore"
	"github.com/fittrack/firestore-migration/pkg/model"
)

func usersPair() Pair {
	return Pair{
		Name:       "users",
		Collection: "users",
		Table:      "users",
		LookupKey:  "auth_id",
		Fields: []model.FieldMapping{
			{Source: "email", Target: "email"},
			{Source: "createdAt", Target: "created_at"},
		},
	}
}

// seedUsers puts n users in the source and the first m of them in the target
func seedUsers(n, m int) (*memstore.Source, *memstore.Target) {
	created := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	source := memstore.NewSource()
	target := memstore.NewTarget()
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("u%04d", i)
		email := fmt.Sprintf("user%d@example.com", i)
		source.Put("users", id, map[string]any{
			"email":     email,
			"createdAt": map[string]any{"_seconds": float64(created.Unix()), "_nanoseconds": float64(0)},
		})
		if i < m {
			target.Insert("users", map[string]any{
				"id":         fmt.Sprintf("%d", i+1),
				"auth_id":    id,
				"email":      email,
				"created_at": created,
			})
		}
	}
	return source, target
}

func TestCountPass(t *testing.T) {
	tests := []struct {
		source, target int64
		tolerance      float64
		want           bool
	}{
		{0, 0, 0.01, true},
		{0, 1, 0.01, false},
		{100, 100, 0.01, true},
		{100, 99, 0.01, true},
		{100, 98, 0.01, false},
		{100, 80, 0.01, false},
		{50, 51, 0.01, true},
		{1000, 995, 0.01, true},
		{1000, 990, 0.01, true},
		{1000, 989, 0.01, false},
		{20, 19, 0.05, true},
		{20, 18, 0.05, false},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%d_%d", tt.source, tt.target), func(t *testing.T) {
			assert.Equal(t, tt.want, CountPass(tt.source, tt.target, tt.tolerance))
		})
	}

	for _, s := range []int64{0, 1, 7, 1000, 123456} {
		assert.True(t, CountPass(s, s, DefaultTolerance), "equal counts must pass for %d", s)
	}
}

func TestCountWithinToleranceWarns(t *testing.T) {
	source, target := seedUsers(1000, 990)
	v := NewVerifier(source, target, nil)

	report, err := v.Verify(context.Background(), []Pair{usersPair()}, Settings{SampleSize: 10})
	require.NoError(t, err)

	require.Len(t, report.Results, 1)
	res := report.Results[0]
	assert.True(t, res.Passed)
	assert.Equal(t, int64(1000), res.SourceCount)
	assert.Equal(t, int64(990), res.TargetCount)
	assert.Empty(t, res.Errors)
	require.NotEmpty(t, res.Warnings)
	assert.Contains(t, res.Warnings[0], "within tolerance")

	require.NotNil(t, res.Sample)
	assert.Equal(t, 10, res.Sample.Achieved)
	assert.Equal(t, 10, res.Sample.Matched)
	assert.Equal(t, 1, report.PassedCount)
	assert.Equal(t, 1, report.TotalWarnings)
}

func TestCountOutsideToleranceFails(t *testing.T) {
	source, target := seedUsers(1000, 989)
	v := NewVerifier(source, target, nil)

	report, err := v.Verify(context.Background(), []Pair{usersPair()}, Settings{SampleSize: 10})
	require.NoError(t, err)

	res := report.Results[0]
	assert.False(t, res.Passed)
	require.NotEmpty(t, res.Errors)
	assert.Contains(t, res.Errors[0], "count mismatch")
	assert.Equal(t, 1, report.FailedCount)
}

func TestSampleIsBoundedBySourceCount(t *testing.T) {
	source, target := seedUsers(3, 3)
	v := NewVerifier(source, target, nil)

	res := v.VerifyPair(context.Background(), usersPair(), 50)
	require.NotNil(t, res.Sample)
	assert.Equal(t, 3, res.Sample.Requested)
	assert.Equal(t, 3, res.Sample.Achieved)
	assert.LessOrEqual(t, res.Sample.Achieved, 50)
	assert.True(t, res.Passed)
}

func TestNoSampleWhenEitherSideEmpty(t *testing.T) {
	source, target := seedUsers(0, 0)
	v := NewVerifier(source, target, nil)

	res := v.VerifyPair(context.Background(), usersPair(), 50)
	assert.True(t, res.Passed)
	assert.Nil(t, res.Sample)
}

func TestSampleMismatchesAreDiagnostic(t *testing.T) {
	source, target := seedUsers(5, 0)
	for i := 0; i < 5; i++ {
		row := map[string]any{
			"id":         fmt.Sprintf("%d", i+1),
			"auth_id":    fmt.Sprintf("u%04d", i),
			"email":      "changed@example.com",
			"created_at": "2024-01-01T00:00:00.400Z",
		}
		if i == 4 {
			row["auth_id"] = "someone-else"
		}
		target.Insert("users", row)
	}
	v := NewVerifier(source, target, nil)

	res := v.VerifyPair(context.Background(), usersPair(), 5)
	assert.True(t, res.Passed)
	require.NotNil(t, res.Sample)
	assert.Equal(t, 4, res.Sample.Mismatched)
	assert.Equal(t, 1, res.Sample.MissingInTarget)
	assert.Equal(t, 0, res.Sample.Matched)
	require.Len(t, res.Sample.Mismatches, 4)
	for _, m := range res.Sample.Mismatches {
		assert.Equal(t, "email", m.Field)
	}
}

func TestLookupFailureFailsPair(t *testing.T) {
	source, target := seedUsers(2, 2)
	target.FailOn("find:users", errors.New("connection reset"))
	v := NewVerifier(source, target, nil)

	res := v.VerifyPair(context.Background(), usersPair(), 2)
	assert.False(t, res.Passed)
	require.Len(t, res.Errors, 1)
	assert.Contains(t, res.Errors[0], "connection reset")
}

func TestPairErrorsDoNotStopSweep(t *testing.T) {
	source, target := seedUsers(2, 2)
	source.Put("exercises", "e1", map[string]any{"name": "Squat"})
	target.Insert("exercises", map[string]any{"id": "e1", "name": "squat"})
	source.FailOn("count:users", errors.New("deadline exceeded"))

	exercises := Pair{Collection: "exercises", Table: "exercises", Fields: model.Fields("name")}
	v := NewVerifier(source, target, nil)

	report, err := v.Verify(context.Background(), []Pair{usersPair(), exercises}, Settings{SampleSize: 10})
	require.NoError(t, err)

	assert.Equal(t, 2, report.TotalPairs)
	assert.Equal(t, 1, report.FailedCount)
	assert.Equal(t, 1, report.PassedCount)
	assert.False(t, report.Passed())
	assert.Contains(t, report.Results[0].Errors[0], "deadline exceeded")
	assert.Equal(t, 1, report.Results[1].Sample.Matched)
}

func TestIntegrityVerdicts(t *testing.T) {
	newStores := func() (*memstore.Source, *memstore.Target) {
		source := memstore.NewSource().
			Put("programs", "p1", map[string]any{"name": "A"}).
			Put("programs", "p2", map[string]any{"name": "B"})
		target := memstore.NewTarget().
			Insert("users", map[string]any{"id": "u1"}).
			Insert("programs",
				map[string]any{"id": "p1", "name": "A", "user_id": "u1"},
				map[string]any{"id": "p2", "name": "B", "user_id": "u1"})
		return source, target
	}
	pair := Pair{
		Collection:     "programs",
		Table:          "programs",
		Fields:         model.Fields("name"),
		RequiredFields: []string{"name"},
		UniqueFields:   []string{"user_id"},
		ForeignKeys:    []model.ForeignKey{{Column: "user_id", RefTable: "users", RefColumn: "id"}},
	}

	t.Run("duplicates warn", func(t *testing.T) {
		source, target := newStores()
		res := NewVerifier(source, target, nil).VerifyPair(context.Background(), pair, 10)
		assert.True(t, res.Passed)
		require.Len(t, res.Integrity, 3)
		assert.Equal(t, model.SeveritySuccess, res.Integrity[0].Severity)
		assert.Equal(t, model.SeverityWarning, res.Integrity[1].Severity)
		assert.Equal(t, model.SeveritySuccess, res.Integrity[2].Severity)
		assert.Len(t, res.Warnings, 1)
	})

	t.Run("null required field fails", func(t *testing.T) {
		source, target := newStores()
		source.Put("programs", "p3", map[string]any{})
		target.Insert("programs", map[string]any{"id": "p3", "user_id": "u1"})
		res := NewVerifier(source, target, nil).VerifyPair(context.Background(), pair, 10)
		assert.False(t, res.Passed)
		assert.Equal(t, model.SeverityError, res.Integrity[0].Severity)
		assert.Equal(t, 1, res.Integrity[0].Affected)
	})

	t.Run("orphaned reference fails", func(t *testing.T) {
		source, target := newStores()
		source.Put("programs", "p3", map[string]any{"name": "C"})
		target.Insert("programs", map[string]any{"id": "p3", "name": "C", "user_id": "ghost"})
		res := NewVerifier(source, target, nil).VerifyPair(context.Background(), pair, 10)
		assert.False(t, res.Passed)
		assert.Equal(t, model.SeverityError, res.Integrity[2].Severity)
		assert.Empty(t, res.Errors)
	})

	t.Run("query failure is a warning", func(t *testing.T) {
		source, target := newStores()
		target.FailOn("fk:programs", errors.New("permission denied"))
		res := NewVerifier(source, target, nil).VerifyPair(context.Background(), pair, 10)
		assert.True(t, res.Passed)
		assert.Equal(t, model.SeverityWarning, res.Integrity[2].Severity)
		assert.Contains(t, res.Integrity[2].Message, "permission denied")
	})
}

func TestAggregateShape(t *testing.T) {
	entries := make(map[string]any)
	target := memstore.NewTarget()
	for i := 0; i < 20; i++ {
		id := fmt.Sprintf("ex%02d", i)
		entries[id] = map[string]any{"name": "Exercise " + id, "category": "strength"}
		if i < 19 {
			target.Insert("exercise_metadata", map[string]any{
				"id":          i + 1,
				"exercise_id": id,
				"name":        "exercise " + id,
				"category":    "Strength",
			})
		}
	}
	source := memstore.NewSource().Put("exerciseMetadata", "all_exercises", map[string]any{"exercises": entries})

	pair := Pair{
		Collection: "exerciseMetadata",
		Table:      "exercise_metadata",
		LookupKey:  "exercise_id",
		Shape:      AggregateShape{DocumentID: "all_exercises", Field: "exercises"},
		Fields:     model.Fields("name", "category"),
	}

	res := NewVerifier(source, target, nil).VerifyPair(context.Background(), pair, 5)
	assert.True(t, res.Passed)
	assert.Equal(t, int64(20), res.SourceCount)
	assert.Equal(t, int64(19), res.TargetCount)
	require.NotNil(t, res.Sample)
	assert.Equal(t, 5, res.Sample.Matched)

	t.Run("missing document fails the pair", func(t *testing.T) {
		res := NewVerifier(memstore.NewSource(), target, nil).VerifyPair(context.Background(), pair, 5)
		assert.False(t, res.Passed)
		require.NotEmpty(t, res.Errors)
		assert.Contains(t, res.Errors[0], ErrAggregateMissing.Error())
	})
}

func TestProbes(t *testing.T) {
	source, target := seedUsers(1, 1)
	target.FailOn("probe:recent_workout_logs", errors.New("relation does not exist"))
	v := NewVerifier(source, target, nil).WithProber(target)

	report, err := v.Verify(context.Background(), []Pair{usersPair()}, Settings{SampleSize: 1, Probes: true})
	require.NoError(t, err)

	require.Len(t, report.Probes, len(DefaultProbes()))
	for _, p := range report.Probes {
		if p.Name == "recent_workout_logs" {
			assert.False(t, p.Passed)
			assert.Contains(t, p.Error, "relation does not exist")
		} else {
			assert.True(t, p.Passed, p.Name)
		}
	}
	assert.True(t, report.Passed())

	t.Run("disabled", func(t *testing.T) {
		report, err := v.Verify(context.Background(), []Pair{usersPair()}, Settings{SampleSize: 1})
		require.NoError(t, err)
		assert.Empty(t, report.Probes)
	})
}

func TestVerifyStopsOnCancellation(t *testing.T) {
	source, target := seedUsers(1, 1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report, err := NewVerifier(source, target, nil).Verify(ctx, []Pair{usersPair()}, Settings{})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, report.TotalPairs)
}

func TestDefaultPairs(t *testing.T) {
	pairs := DefaultPairs()
	names := make([]string, len(pairs))
	for i, p := range pairs {
		names[i] = p.name()
	}
	assert.Equal(t, []string{"users", "exercises", "programs", "workoutLogs", "exerciseMetadata"}, names)
	assert.Equal(t, "auth_id", pairs[0].lookupKey())
	assert.Equal(t, "id", pairs[1].lookupKey())
	assert.Equal(t, 0.05, pairs[4].tolerance())
	assert.Equal(t, DefaultTolerance, pairs[3].tolerance())
}
