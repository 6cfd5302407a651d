// pkg/status/store.go
package status

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fittrack/firestore-migration/pkg/model"
)

// Store persists the run document
type Store interface {
	// Load returns the persisted run, or nil when none exists
	Load() (*model.MigrationRun, error)
	// Save overwrites the persisted run with a complete snapshot
	Save(run *model.MigrationRun) error
}

// JSONFile reads and atomically rewrites a single JSON document
type JSONFile struct {
	path string
	mu   sync.Mutex
}

// NewJSONFile creates a file-backed JSON document at the given path
func NewJSONFile(path string) *JSONFile {
	return &JSONFile{path: path}
}

// Path returns the file location
func (f *JSONFile) Path() string {
	return f.path
}

// Read decodes the document into v. It reports false when the file does
// not exist or is empty.
func (f *JSONFile) Read(v any) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.path == "" {
		return false, errors.New("store path is required")
	}

	data, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	if len(data) == 0 {
		return false, nil
	}

	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("decode %s: %w", f.path, err)
	}
	return true, nil
}

// Write encodes v and replaces the file through a temp file and rename,
// so readers observe either the previous or the new document
func (f *JSONFile) Write(v any) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.path == "" {
		return errors.New("store path is required")
	}

	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".tmp-"+filepath.Base(f.path)+"-*")
	if err != nil {
		return err
	}

	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	return os.Rename(tmp.Name(), f.path)
}

// FileStore keeps the run document in a local JSON file
type FileStore struct {
	file *JSONFile
}

// NewFileStore creates a file-backed run store at the given path
func NewFileStore(path string) *FileStore {
	return &FileStore{file: NewJSONFile(path)}
}

// Load returns the persisted run, or nil when none exists
func (s *FileStore) Load() (*model.MigrationRun, error) {
	var run model.MigrationRun
	ok, err := s.file.Read(&run)
	if err != nil || !ok {
		return nil, err
	}
	run.EnsurePhases()
	return &run, nil
}

// Save overwrites the run document
func (s *FileStore) Save(run *model.MigrationRun) error {
	return s.file.Write(run)
}
