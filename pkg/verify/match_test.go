package verify

import (
	"testing"
	"time"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
)

func TestValuesMatch(t *testing.T) {
	base := time.Date(2024, 5, 10, 18, 0, 0, 0, time.UTC)

	tests := []struct {
		name   string
		field  string
		source any
		target any
		want   bool
	}{
		{"both null", "notes", nil, nil, true},
		{"source null", "notes", nil, "x", false},
		{"target null", "notes", "x", nil, false},
		{"arrays ignore order", "tags", []any{1, 2}, []any{2, 1}, true},
		{"array against postgres literal", "primaryMuscles", []any{"Chest", "triceps"}, "{triceps,chest}", true},
		{"array against text array", "primaryMuscles", []any{"chest"}, pq.StringArray{"chest"}, true},
		{"numeric array literal", "sets", []any{int64(3), int64(5)}, "{5,3}", true},
		{"arrays differ in multiplicity", "tags", []any{"a", "a", "b"}, []any{"a", "b", "b"}, false},
		{"arrays differ in length", "tags", []any{"a"}, []any{"a", "b"}, false},
		{"objects", "settings", map[string]any{"units": "kg", "rest": 90}, []byte(`{"rest": 90, "units": "kg"}`), true},
		{"objects differ", "settings", map[string]any{"units": "kg"}, map[string]any{"units": "lb"}, false},
		{"strings trimmed and folded", "name", "Foo ", "foo", true},
		{"strings differ", "name", "foo", "bar", false},
		{"epoch against iso within a second", "createdAt", base.Unix(), base.Add(500 * time.Millisecond).Format(time.RFC3339Nano), true},
		{"epoch against iso two seconds apart", "createdAt", base.Unix(), base.Add(2 * time.Second).Format(time.RFC3339Nano), false},
		{"exported timestamp against time", "completed_date", map[string]any{"_seconds": float64(base.Unix()), "_nanoseconds": float64(0)}, base, true},
		{"date field with unparseable values", "updatedAt", "soon", "Soon", true},
		{"numbers across types", "duration", 45, "45", true},
		{"numbers differ", "duration", 45, 46.0, false},
		{"bools", "isGlobal", true, true, true},
		{"bools differ", "isGlobal", true, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ValuesMatch(tt.field, tt.source, tt.target))
		})
	}
}
