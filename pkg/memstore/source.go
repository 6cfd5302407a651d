// pkg/memstore/source.go
package memstore

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/fittrack/firestore-migration/pkg/model"
)

// Source is an in-memory document store addressed by slash-separated paths.
// Collections are matched by their last path segment, like collection groups.
type Source struct {
	mu       sync.Mutex
	docs     map[string]map[string]any
	failures map[string]error
	writes   int
}

// NewSource creates an empty source store
func NewSource() *Source {
	return &Source{
		docs:     make(map[string]map[string]any),
		failures: make(map[string]error),
	}
}

// Put stores a top-level document
func (s *Source) Put(collection, id string, data map[string]any) *Source {
	return s.PutPath(collection+"/"+id, data)
}

// PutPath stores a document at a full path such as users/u1/workoutLogs/w1
func (s *Source) PutPath(path string, data map[string]any) *Source {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs[path] = copyMap(data)
	return s
}

// Delete removes the document at path
func (s *Source) Delete(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.docs, path)
}

// Document returns a copy of the document at path
func (s *Source) Document(path string) (map[string]any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.docs[path]
	return copyMap(data), ok
}

// FailOn makes the named operation return err. Names are "<op>:<collection>"
// with op one of count, sample, get, page, set.
func (s *Source) FailOn(name string, err error) *Source {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[name] = err
	return s
}

// Writes returns the number of SetFields calls that were applied
func (s *Source) Writes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes
}

// Count counts documents in the collection
func (s *Source) Count(ctx context.Context, collection string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure("count", collection); err != nil {
		return 0, err
	}
	return int64(len(s.pathsLocked(collection))), nil
}

// Sample returns up to n documents ordered by ID
func (s *Source) Sample(ctx context.Context, collection string, n int) ([]model.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure("sample", collection); err != nil {
		return nil, err
	}

	paths := s.pathsLocked(collection)
	records := make([]model.Record, 0, len(paths))
	for _, p := range paths {
		records = append(records, model.Record{ID: docID(p), Data: copyMap(s.docs[p])})
	}
	sort.Slice(records, func(i, j int) bool { return records[i].ID < records[j].ID })
	if n < len(records) {
		records = records[:n]
	}
	return records, nil
}

// GetByID returns the document with the given ID, or nil
func (s *Source) GetByID(ctx context.Context, collection, id string) (*model.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure("get", collection); err != nil {
		return nil, err
	}

	if strings.Contains(id, "/") {
		if data, ok := s.docs[id]; ok {
			return &model.Record{ID: docID(id), Data: copyMap(data)}, nil
		}
		return nil, nil
	}
	for _, p := range s.pathsLocked(collection) {
		if docID(p) == id {
			return &model.Record{ID: id, Data: copyMap(s.docs[p])}, nil
		}
	}
	return nil, nil
}

// Page returns up to limit documents of a collection group ordered by path,
// starting after the document at path after
func (s *Source) Page(ctx context.Context, group, after string, limit int) ([]model.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure("page", group); err != nil {
		return nil, err
	}

	docs := make([]model.Document, 0, limit)
	for _, p := range s.pathsLocked(group) {
		if after != "" && p <= after {
			continue
		}
		if len(docs) == limit {
			break
		}
		docs = append(docs, model.Document{Path: p, Data: copyMap(s.docs[p])})
	}
	return docs, nil
}

// SetFields applies field updates to existing documents as one batch: when
// any update fails none is applied. Failures can be injected per collection
// ("set:<collection>") or per document ("set:<path>").
func (s *Source) SetFields(ctx context.Context, updates []model.FieldUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range updates {
		if err := s.failure("set", collectionOf(u.Path)); err != nil {
			return err
		}
		if err := s.failure("set", u.Path); err != nil {
			return fmt.Errorf("update %s: %w", u.Path, err)
		}
		if _, ok := s.docs[u.Path]; !ok {
			return fmt.Errorf("update %s: document not found", u.Path)
		}
	}
	for _, u := range updates {
		if s.docs[u.Path] == nil {
			s.docs[u.Path] = make(map[string]any)
		}
		s.docs[u.Path][u.Field] = u.Value
	}
	if len(updates) > 0 {
		s.writes++
	}
	return nil
}

func (s *Source) failure(op, collection string) error {
	return s.failures[op+":"+collection]
}

// pathsLocked returns the sorted paths of documents in a collection
func (s *Source) pathsLocked(collection string) []string {
	var paths []string
	for p := range s.docs {
		if collectionOf(p) == collection {
			paths = append(paths, p)
		}
	}
	sort.Strings(paths)
	return paths
}

func collectionOf(path string) string {
	parts := strings.Split(path, "/")
	if len(parts) < 2 {
		return ""
	}
	return parts[len(parts)-2]
}

func docID(path string) string {
	return path[strings.LastIndex(path, "/")+1:]
}

func copyMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
