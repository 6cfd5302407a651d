// pkg/orchestrator/checkpoint.go
package orchestrator

import (
	"time"

	"github.com/fittrack/firestore-migration/pkg/model"
	"github.com/fittrack/firestore-migration/pkg/status"
)

// CheckpointState is the resume document written after every completed phase
type CheckpointState struct {
	RunID              string              `json:"runId"`
	LastCompletedPhase model.Phase         `json:"lastCompletedPhase"`
	Timestamp          time.Time           `json:"timestamp"`
	FullRunSnapshot    *model.MigrationRun `json:"fullRunSnapshot"`
}

// CheckpointFile reads and writes the resume document
type CheckpointFile struct {
	file *status.JSONFile
}

// NewCheckpointFile creates a checkpoint file at path
func NewCheckpointFile(path string) *CheckpointFile {
	return &CheckpointFile{file: status.NewJSONFile(path)}
}

// Path returns the file location
func (c *CheckpointFile) Path() string {
	return c.file.Path()
}

// Load returns the checkpoint, or nil when none was written
func (c *CheckpointFile) Load() (*CheckpointState, error) {
	var state CheckpointState
	ok, err := c.file.Read(&state)
	if err != nil || !ok {
		return nil, err
	}
	return &state, nil
}

// Save replaces the checkpoint
func (c *CheckpointFile) Save(state *CheckpointState) error {
	return c.file.Write(state)
}
