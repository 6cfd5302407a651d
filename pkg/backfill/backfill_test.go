package backfill

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

func seed() *memstore.Source {
	src := memstore.NewSource()
	src.PutPath("users/u1/workoutLogs/w1", map[string]any{"date": "2024-03-01"})
	src.PutPath("users/u1/workoutLogs/w2", map[string]any{"date": "2024-03-02", "completedDate": "2024-03-03"})
	src.PutPath("users/u2/workoutLogs/w3", map[string]any{"name": "no date"})
	src.PutPath("users/u2/workoutLogs/w4", map[string]any{"date": "2024-03-04", "completedDate": nil})
	src.PutPath("users/u3/workoutLogs/w5", map[string]any{"date": "2024-03-05"})
	src.PutPath("users/u3/workoutLogs/w6", map[string]any{"date": ""})
	src.Put("users", "u1", map[string]any{"date": "2024-01-01"})
	return src
}

func TestBackfill(t *testing.T) {
	src := seed()
	b := NewBackfiller(src, nil).WithPageSize(2)

	result, err := b.Run(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, int64(6), result.DocumentsProcessed)
	assert.Equal(t, int64(2), result.DocumentsUpdated)
	assert.Equal(t, 3, result.Pages)

	doc, _ := src.Document("users/u1/workoutLogs/w1")
	assert.Equal(t, "2024-03-01", doc["completedDate"])
	doc, _ = src.Document("users/u1/workoutLogs/w2")
	assert.Equal(t, "2024-03-03", doc["completedDate"])
	doc, _ = src.Document("users/u2/workoutLogs/w3")
	assert.NotContains(t, doc, "completedDate")
	// An explicit null completedDate is left as is
	doc, _ = src.Document("users/u2/workoutLogs/w4")
	assert.Contains(t, doc, "completedDate")
	assert.Nil(t, doc["completedDate"])
	doc, _ = src.Document("users/u3/workoutLogs/w5")
	assert.Equal(t, "2024-03-05", doc["completedDate"])
	doc, _ = src.Document("users/u3/workoutLogs/w6")
	assert.NotContains(t, doc, "completedDate")
	doc, _ = src.Document("users/u1")
	assert.NotContains(t, doc, "completedDate")

	t.Run("second pass is a no-op", func(t *testing.T) {
		writes := src.Writes()
		again, err := b.Run(context.Background(), false)
		require.NoError(t, err)
		assert.Equal(t, int64(6), again.DocumentsProcessed)
		assert.Zero(t, again.DocumentsUpdated)
		assert.Equal(t, writes, src.Writes())
	})
}

func TestBackfillDryRun(t *testing.T) {
	src := seed()

	result, err := NewBackfiller(src, nil).Run(context.Background(), true)
	require.NoError(t, err)
	assert.True(t, result.DryRun)
	assert.Equal(t, int64(2), result.DocumentsUpdated)
	assert.Equal(t, 1, result.Pages)
	assert.Zero(t, src.Writes())

	doc, _ := src.Document("users/u1/workoutLogs/w1")
	assert.NotContains(t, doc, "completedDate")
}

func TestBackfillFullLastPage(t *testing.T) {
	src := memstore.NewSource()
	for i := 0; i < 4; i++ {
		src.PutPath(fmt.Sprintf("users/u1/workoutLogs/w%d", i), map[string]any{"date": "2024-03-01"})
	}

	result, err := NewBackfiller(src, nil).WithPageSize(2).Run(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Pages)
	assert.Equal(t, int64(4), result.DocumentsUpdated)
}

func TestBackfillErrors(t *testing.T) {
	t.Run("page read", func(t *testing.T) {
		src := seed().FailOn("page:workoutLogs", errors.New("unavailable"))
		_, err := NewBackfiller(src, nil).Run(context.Background(), false)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unavailable")
	})

	t.Run("write", func(t *testing.T) {
		src := seed().FailOn("set:workoutLogs", errors.New("permission denied"))
		result, err := NewBackfiller(src, nil).Run(context.Background(), false)
		require.Error(t, err)
		assert.Equal(t, 1, result.Pages)
		assert.Zero(t, result.DocumentsUpdated)
	})

	t.Run("failed page writes nothing", func(t *testing.T) {
		src := memstore.NewSource()
		for i := 0; i < 4; i++ {
			src.PutPath(fmt.Sprintf("users/u1/workoutLogs/w%d", i), map[string]any{"date": "2024-03-01"})
		}
		src.FailOn("set:users/u1/workoutLogs/w3", errors.New("aborted"))

		result, err := NewBackfiller(src, nil).WithPageSize(2).Run(context.Background(), false)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "write page 2")
		assert.Equal(t, int64(2), result.DocumentsUpdated)

		doc, _ := src.Document("users/u1/workoutLogs/w1")
		assert.Equal(t, "2024-03-01", doc["completedDate"])
		doc, _ = src.Document("users/u1/workoutLogs/w2")
		assert.NotContains(t, doc, "completedDate")
	})

	t.Run("cancelled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := NewBackfiller(seed(), nil).Run(ctx, false)
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestPendingUpdatesSkipsEmptyDates(t *testing.T) {
	docs := []model.Document{
		{Path: "a", Data: map[string]any{"date": "2024-03-01"}},
		{Path: "b", Data: map[string]any{"date": ""}},
		{Path: "c", Data: map[string]any{"date": false}},
		{Path: "d", Data: map[string]any{"date": int64(0)}},
		{Path: "e", Data: map[string]any{"date": time.Time{}}},
		{Path: "f", Data: map[string]any{"date": time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)}},
		{Path: "g", Data: map[string]any{"date": "2024-03-01", "completedDate": nil}},
		{Path: "h", Data: map[string]any{"date": nil}},
	}

	var paths []string
	for _, u := range pendingUpdates(docs) {
		paths = append(paths, u.Path)
	}
	assert.Equal(t, []string{"a", "f"}, paths)
}
