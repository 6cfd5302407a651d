// pkg/config/migration.go
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// MigrationConfig holds orchestration, verification and rollback settings
type MigrationConfig struct {
	// Persisted state
	StatusFile     string
	CheckpointFile string
	ReportDir      string
	// StopFile requests an emergency stop of a running pipeline when it appears
	StopFile string

	// Verification
	Level        string
	SampleSize   int // 0 keeps the preset's sample size
	AutoRollback bool

	// Rollback
	BackupBeforeRollback bool

	// External phase executors, each a command line split on spaces
	ExtractionCommand     []string
	TransformationCommand []string
	ImportCommand         []string
	ExecutorTimeout       time.Duration

	// Backfill
	BackfillPageSize int
}

// LoadMigrationConfig loads migration settings from environment variables
func LoadMigrationConfig() *MigrationConfig {
	return &MigrationConfig{
		StatusFile:     getEnv("MIGRATION_STATUS_FILE", "migration-status.json"),
		CheckpointFile: getEnv("MIGRATION_CHECKPOINT_FILE", "migration-checkpoint.json"),
		ReportDir:      getEnv("MIGRATION_REPORT_DIR", "migration-reports"),
		StopFile:       getEnv("MIGRATION_STOP_FILE", "migration.stop"),

		Level:        getEnv("VERIFICATION_LEVEL", "standard"),
		SampleSize:   getEnvAsInt("VERIFICATION_SAMPLE_SIZE", 0),
		AutoRollback: getEnvAsBool("AUTO_ROLLBACK", true),

		BackupBeforeRollback: getEnvAsBool("ROLLBACK_BACKUP", false),

		ExtractionCommand:     getEnvAsFields("EXTRACTION_COMMAND"),
		TransformationCommand: getEnvAsFields("TRANSFORMATION_COMMAND"),
		ImportCommand:         getEnvAsFields("IMPORT_COMMAND"),
		ExecutorTimeout:       time.Duration(getEnvAsInt("EXECUTOR_TIMEOUT_MINUTES", 60)) * time.Minute,

		BackfillPageSize: getEnvAsInt("BACKFILL_PAGE_SIZE", 400),
	}
}

// Validate checks migration settings
func (m *MigrationConfig) Validate() error {
	if m.StatusFile == "" {
		return errors.New("status file path is required")
	}
	if m.CheckpointFile == "" {
		return errors.New("checkpoint file path is required")
	}
	switch m.Level {
	case "basic", "standard", "comprehensive":
	default:
		return fmt.Errorf("invalid verification level %q", m.Level)
	}
	if m.SampleSize < 0 {
		return errors.New("sample size cannot be negative")
	}
	if m.BackfillPageSize <= 0 || m.BackfillPageSize > 500 {
		return errors.New("backfill page size must be between 1 and 500")
	}
	return nil
}

func getEnvAsFields(key string) []string {
	return strings.Fields(getEnv(key, ""))
}
