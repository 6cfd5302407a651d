// pkg/connector/connector.go
package connector

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/fittrack/firestore-migration/pkg/config"
)

// Connector defines the lifecycle shared by the source and target connectors
type Connector interface {
	// Name identifies the store in logs and validation results
	Name() string

	// Ping checks the store is reachable
	Ping(ctx context.Context) error

	// Validate verifies the connection and the expected layout
	Validate(ctx context.Context) error

	// Close closes the connection and releases resources
	Close() error
}

// pingTimeout bounds every reachability check against the target
const pingTimeout = 5 * time.Second

// logPoolStats logs the target connection pool state
func logPoolStats(logger *zap.Logger, database string, db *sql.DB) {
	stats := db.Stats()
	logger.Debug("Connection pool stats",
		zap.String("database", database),
		zap.Int("open", stats.OpenConnections),
		zap.Int("inUse", stats.InUse),
		zap.Int("idle", stats.Idle),
		zap.Int("maxOpen", stats.MaxOpenConnections),
		zap.Int64("waitCount", stats.WaitCount),
		zap.Duration("waitDuration", stats.WaitDuration))
}

// pingDB pings the database within pingTimeout
func pingDB(ctx context.Context, db *sql.DB) error {
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("no answer within %s: %w", pingTimeout, err)
		}
		return err
	}
	return nil
}

// applyPoolSettings copies the configured pool limits onto db; zero keeps
// the driver default
func applyPoolSettings(db *sql.DB, cfg *config.PostgresConfig) {
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	if cfg.ConnMaxIdleTime > 0 {
		db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	}
}
