// pkg/memstore/target.go
package memstore

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"sync"

	"github.com/fittrack/firestore-migration/pkg/model"
)

// Target is an in-memory relational store holding rows per table
type Target struct {
	mu       sync.Mutex
	tables   map[string][]map[string]any
	failures map[string]error
	deletes  []string
	backups  int
	probes   []string
}

// NewTarget creates an empty target store
func NewTarget() *Target {
	return &Target{
		tables:   make(map[string][]map[string]any),
		failures: make(map[string]error),
	}
}

// Insert appends rows to a table
func (t *Target) Insert(table string, rows ...map[string]any) *Target {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, r := range rows {
		t.tables[table] = append(t.tables[table], copyMap(r))
	}
	return t
}

// Rows returns a copy of the rows of a table
func (t *Target) Rows(table string) []map[string]any {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]map[string]any, 0, len(t.tables[table]))
	for _, r := range t.tables[table] {
		out = append(out, copyMap(r))
	}
	return out
}

// FailOn makes the named operation return err. Names are "ping", "backup",
// "probe" or "<op>:<table>" with op one of count, find, null, dup, fk, delete.
func (t *Target) FailOn(name string, err error) *Target {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failures[name] = err
	return t
}

// Deletes returns the tables passed to Delete, in call order
func (t *Target) Deletes() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.deletes...)
}

// Backups returns how many backups were taken
func (t *Target) Backups() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.backups
}

// Probes returns the names of probes that were run
func (t *Target) Probes() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.probes...)
}

// Ping reports whether the store is reachable
func (t *Target) Ping(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.failures["ping"]
}

// Count returns the number of rows in a table
func (t *Target) Count(ctx context.Context, table string) (int64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.failures["count:"+table]; err != nil {
		return 0, err
	}
	return int64(len(t.tables[table])), nil
}

// FindOne returns the first row where key equals value, ordered by orderBy
func (t *Target) FindOne(ctx context.Context, table, key string, value any, orderBy string) (*model.Record, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.failures["find:"+table]; err != nil {
		return nil, err
	}

	var matches []map[string]any
	for _, r := range t.tables[table] {
		if reflect.DeepEqual(r[key], value) {
			matches = append(matches, r)
		}
	}
	if len(matches) == 0 {
		return nil, nil
	}
	if orderBy != "" {
		sort.SliceStable(matches, func(i, j int) bool {
			return fmt.Sprint(matches[i][orderBy]) < fmt.Sprint(matches[j][orderBy])
		})
	}
	rec := toRecord(matches[0])
	return &rec, nil
}

// ListNullField lists rows whose field is missing or nil
func (t *Target) ListNullField(ctx context.Context, table, field string) ([]model.Record, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.failures["null:"+table]; err != nil {
		return nil, err
	}

	var out []model.Record
	for _, r := range t.tables[table] {
		if r[field] == nil {
			out = append(out, toRecord(r))
		}
	}
	return out, nil
}

// ListDuplicates lists values of field that occur more than once
func (t *Target) ListDuplicates(ctx context.Context, table, field string) ([]model.Record, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.failures["dup:"+table]; err != nil {
		return nil, err
	}

	counts := make(map[string]int)
	var order []string
	for _, r := range t.tables[table] {
		if r[field] == nil {
			continue
		}
		key := fmt.Sprint(r[field])
		if counts[key] == 0 {
			order = append(order, key)
		}
		counts[key]++
	}

	var out []model.Record
	for _, key := range order {
		if counts[key] > 1 {
			out = append(out, model.Record{
				ID:   key,
				Data: map[string]any{"value": key, "occurrences": counts[key]},
			})
		}
	}
	return out, nil
}

// CheckForeignKey lists rows whose column references a missing row
func (t *Target) CheckForeignKey(ctx context.Context, table, column, refTable, refColumn string) ([]model.Record, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.failures["fk:"+table]; err != nil {
		return nil, err
	}

	refs := make(map[string]bool)
	for _, r := range t.tables[refTable] {
		if r[refColumn] != nil {
			refs[fmt.Sprint(r[refColumn])] = true
		}
	}

	var out []model.Record
	for _, r := range t.tables[table] {
		if r[column] != nil && !refs[fmt.Sprint(r[column])] {
			out = append(out, toRecord(r))
		}
	}
	return out, nil
}

// Delete removes rows matching filter
func (t *Target) Delete(ctx context.Context, table string, filter model.DeleteFilter) (int64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.deletes = append(t.deletes, table)
	if err := t.failures["delete:"+table]; err != nil {
		return 0, err
	}

	kept := t.tables[table][:0]
	var removed int64
	for _, r := range t.tables[table] {
		if filter.Matches(r) {
			removed++
			continue
		}
		kept = append(kept, r)
	}
	t.tables[table] = kept
	return removed, nil
}

// Backup records a backup and returns its reference
func (t *Target) Backup(ctx context.Context, tables []string) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.failures["backup"]; err != nil {
		return "", err
	}
	t.backups++
	return fmt.Sprintf("memory_backup_%d", t.backups), nil
}

// Probe records the probe
func (t *Target) Probe(ctx context.Context, probe model.Probe) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.probes = append(t.probes, probe.Name)
	if err := t.failures["probe"]; err != nil {
		return err
	}
	return t.failures["probe:"+probe.Name]
}

func toRecord(row map[string]any) model.Record {
	rec := model.Record{Data: copyMap(row)}
	if id, ok := row["id"]; ok && id != nil {
		rec.ID = fmt.Sprint(id)
	}
	return rec
}
