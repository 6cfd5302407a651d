// pkg/backfill/backfill.go
package backfill

import (
	"context"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"github.com/fittrack/firestore-migration/pkg/model"
)

const (
	// DefaultPageSize bounds each page read and each write batch
	DefaultPageSize = 400
	// DefaultGroup is the collection group holding workout logs
	DefaultGroup = "workoutLogs"

	sourceField = "date"
	targetField = "completedDate"
)

// Store pages through a collection group and writes field updates
type Store interface {
	Page(ctx context.Context, group, after string, limit int) ([]model.Document, error)
	SetFields(ctx context.Context, updates []model.FieldUpdate) error
}

// Result summarizes a backfill pass
type Result struct {
	DocumentsProcessed int64         `json:"documentsProcessed"`
	DocumentsUpdated   int64         `json:"documentsUpdated"`
	Pages              int           `json:"pages"`
	DryRun             bool          `json:"dryRun"`
	Duration           time.Duration `json:"duration"`
}

// DocumentsPerSecond returns the scan throughput
func (r *Result) DocumentsPerSecond() float64 {
	if r.Duration <= 0 {
		return 0
	}
	return float64(r.DocumentsProcessed) / r.Duration.Seconds()
}

// Backfiller copies workout log dates into completedDate where it is missing
type Backfiller struct {
	store    Store
	group    string
	pageSize int
	logger   *zap.Logger
}

// NewBackfiller creates a backfiller over the workoutLogs collection group
func NewBackfiller(store Store, logger *zap.Logger) *Backfiller {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Backfiller{
		store:    store,
		group:    DefaultGroup,
		pageSize: DefaultPageSize,
		logger:   logger.Named("backfill"),
	}
}

// WithPageSize overrides the page size
func (b *Backfiller) WithPageSize(size int) *Backfiller {
	if size > 0 {
		b.pageSize = size
	}
	return b
}

// WithGroup overrides the collection group
func (b *Backfiller) WithGroup(group string) *Backfiller {
	if group != "" {
		b.group = group
	}
	return b
}

// Run scans the collection group page by page. In dry-run mode documents
// needing an update are counted but not written.
func (b *Backfiller) Run(ctx context.Context, dryRun bool) (*Result, error) {
	start := time.Now()
	result := &Result{DryRun: dryRun}
	defer func() { result.Duration = time.Since(start) }()

	b.logger.Info("Starting completedDate backfill",
		zap.String("group", b.group),
		zap.Int("pageSize", b.pageSize),
		zap.Bool("dryRun", dryRun))

	after := ""
	for {
		if err := ctx.Err(); err != nil {
			return result, fmt.Errorf("backfill interrupted after %d pages: %w", result.Pages, err)
		}

		docs, err := b.store.Page(ctx, b.group, after, b.pageSize)
		if err != nil {
			return result, fmt.Errorf("read page %d of %s: %w", result.Pages+1, b.group, err)
		}
		if len(docs) == 0 {
			break
		}
		result.Pages++
		result.DocumentsProcessed += int64(len(docs))
		after = docs[len(docs)-1].Path

		updates := pendingUpdates(docs)
		if len(updates) > 0 && !dryRun {
			if err := b.store.SetFields(ctx, updates); err != nil {
				return result, fmt.Errorf("write page %d of %s: %w", result.Pages, b.group, err)
			}
		}
		result.DocumentsUpdated += int64(len(updates))

		b.logger.Debug("Processed page",
			zap.Int("page", result.Pages),
			zap.Int("documents", len(docs)),
			zap.Int("updates", len(updates)))

		if len(docs) < b.pageSize {
			break
		}
	}

	result.Duration = time.Since(start)
	b.logger.Info("Backfill finished",
		zap.String("processed", humanize.Comma(result.DocumentsProcessed)),
		zap.String("updated", humanize.Comma(result.DocumentsUpdated)),
		zap.Int("pages", result.Pages),
		zap.String("rate", humanize.FormatFloat("#,###.#", result.DocumentsPerSecond())+" docs/s"),
		zap.Bool("dryRun", dryRun))
	return result, nil
}

// pendingUpdates returns the updates for documents that have a non-empty
// date and no completedDate key at all. An explicit null completedDate is
// left alone.
func pendingUpdates(docs []model.Document) []model.FieldUpdate {
	var updates []model.FieldUpdate
	for _, doc := range docs {
		date := doc.Data[sourceField]
		if isEmpty(date) {
			continue
		}
		if _, ok := doc.Data[targetField]; ok {
			continue
		}
		updates = append(updates, model.FieldUpdate{Path: doc.Path, Field: targetField, Value: date})
	}
	return updates
}

// isEmpty reports whether v is missing or a zero scalar, string or collection
func isEmpty(v any) bool {
	switch x := v.(type) {
	case nil:
		return true
	case string:
		return x == ""
	case bool:
		return !x
	case int:
		return x == 0
	case int64:
		return x == 0
	case float64:
		return x == 0
	case []any:
		return len(x) == 0
	case map[string]any:
		return len(x) == 0
	case time.Time:
		return x.IsZero()
	}
	return false
}
