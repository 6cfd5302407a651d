// pkg/connector/factory.go
package connector

import (
	"context"
	"fmt"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/fittrack/firestore-migration/pkg/config"
)

// ConnectorFactory creates store connectors
type ConnectorFactory struct {
	cfg    *config.Config
	logger *zap.Logger
}

// NewConnectorFactory creates a new connector factory
func NewConnectorFactory(cfg *config.Config, logger *zap.Logger) *ConnectorFactory {
	return &ConnectorFactory{
		cfg:    cfg,
		logger: logger,
	}
}

// CreateFirestoreConnector creates a new Firestore connector
func (f *ConnectorFactory) CreateFirestoreConnector(ctx context.Context) (*FirestoreConnector, error) {
	f.logger.Info("Creating Firestore connector")

	connector, err := NewFirestoreConnector(ctx, f.cfg.Firestore, f.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create Firestore connector: %w", err)
	}

	return connector, nil
}

// CreatePostgresConnector creates a new PostgreSQL connector
func (f *ConnectorFactory) CreatePostgresConnector(ctx context.Context) (*PostgresConnector, error) {
	f.logger.Info("Creating PostgreSQL connector")

	connector, err := NewPostgresConnector(ctx, f.cfg.Postgres, f.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create PostgreSQL connector: %w", err)
	}

	return connector, nil
}

// CreateAllConnectors creates both Firestore and PostgreSQL connectors
func (f *ConnectorFactory) CreateAllConnectors(ctx context.Context) (*FirestoreConnector, *PostgresConnector, error) {
	fsConn, err := f.CreateFirestoreConnector(ctx)
	if err != nil {
		return nil, nil, err
	}

	pgConn, err := f.CreatePostgresConnector(ctx)
	if err != nil {
		if closeErr := fsConn.Close(); closeErr != nil {
			err = multierr.Append(err, closeErr)
		}
		return nil, nil, err
	}

	return fsConn, pgConn, nil
}

// CloseAll closes every connector and combines their errors
func CloseAll(connectors ...Connector) error {
	var err error
	for _, c := range connectors {
		if c == nil {
			continue
		}
		if closeErr := c.Close(); closeErr != nil {
			err = multierr.Append(err, fmt.Errorf("close %s: %w", c.Name(), closeErr))
		}
	}
	return err
}
