// cmd/migrate/app.go
package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/fittrack/firestore-migration/pkg/config"
	"github.com/fittrack/firestore-migration/pkg/connector"
	"github.com/fittrack/firestore-migration/pkg/model"
	"github.com/fittrack/firestore-migration/pkg/rollback"
	"github.com/fittrack/firestore-migration/pkg/status"
	"github.com/fittrack/firestore-migration/pkg/suite"
	"github.com/fittrack/firestore-migration/pkg/verify"
)

// globalOptions are the flags shared by every command
type globalOptions struct {
	envFiles []string
	logLevel string
}

// app holds the configuration, logger and connectors of one command
type app struct {
	cfg    *config.Config
	logger *zap.Logger
	source *connector.FirestoreConnector
	target *connector.PostgresConnector
}

// loadApp reads configuration and builds the logger. Configuration
// problems are reported with exit code 2.
func loadApp(opts *globalOptions) (*app, error) {
	cfg, err := config.LoadConfig(opts.envFiles...)
	if err != nil {
		return nil, configError(err)
	}
	level := cfg.LogLevel
	if opts.logLevel != "" {
		level = opts.logLevel
	}
	logger, err := config.NewLogger(level, cfg.LogFormat)
	if err != nil {
		return nil, configError(err)
	}
	return &app{cfg: cfg, logger: logger}, nil
}

// connect opens the source and target stores
func (a *app) connect(ctx context.Context) error {
	factory := connector.NewConnectorFactory(a.cfg, a.logger)
	source, target, err := factory.CreateAllConnectors(ctx)
	if err != nil {
		return err
	}
	a.source = source
	a.target = target
	return nil
}

// connectSource opens only the Firestore store
func (a *app) connectSource(ctx context.Context) error {
	source, err := connector.NewConnectorFactory(a.cfg, a.logger).CreateFirestoreConnector(ctx)
	if err != nil {
		return err
	}
	a.source = source
	return nil
}

// connectTarget opens only the Postgres store
func (a *app) connectTarget(ctx context.Context) error {
	target, err := connector.NewConnectorFactory(a.cfg, a.logger).CreatePostgresConnector(ctx)
	if err != nil {
		return err
	}
	a.target = target
	return nil
}

// close releases the connectors and flushes the logger
func (a *app) close() {
	var conns []connector.Connector
	if a.source != nil {
		conns = append(conns, a.source)
	}
	if a.target != nil {
		conns = append(conns, a.target)
	}
	err := connector.CloseAll(conns...)
	err = multierr.Append(err, ignoreSyncError(a.logger.Sync()))
	if err != nil {
		a.logger.Warn("Shutdown was not clean", zap.Error(err))
	}
}

// newTracker creates a tracker over the configured status file and report directory
func (a *app) newTracker() *status.Tracker {
	return status.NewTracker(status.Options{
		Store:     status.NewFileStore(a.cfg.Migration.StatusFile),
		Reports:   status.NewFileReportWriter(a.cfg.Migration.ReportDir, a.logger),
		Observers: []status.Observer{status.NewLogObserver(a.logger)},
		Logger:    a.logger,
	})
}

// newRollbackManager creates the rollback manager over the target store
func (a *app) newRollbackManager(confirmer rollback.Confirmer) *rollback.Manager {
	manager := rollback.NewManager(a.target, a.logger)
	if confirmer != nil {
		manager.WithConfirmer(confirmer)
	}
	return manager
}

// newSuite wires the verifier, the rollback manager and the tracker
func (a *app) newSuite(tracker *status.Tracker, autoRollback bool) *suite.Suite {
	verifier := verify.NewVerifier(a.source, a.target, a.logger).
		WithProber(a.target, verify.DefaultProbes()...)

	cfg := suite.DefaultConfig()
	cfg.AutoRollback = autoRollback
	cfg.BackupBeforeRollback = a.cfg.Migration.BackupBeforeRollback
	cfg.SampleSize = a.cfg.Migration.SampleSize

	return suite.NewSuite(verifier, a.newRollbackManager(nil), tracker, cfg, a.logger)
}

// promptConfirmer asks on the terminal before a rollback deletes data
func promptConfirmer(in io.Reader, out io.Writer) rollback.ConfirmFunc {
	return func(ctx context.Context, scope model.RollbackScope, tables []string) (bool, error) {
		fmt.Fprintf(out, "Rollback (%s) will delete imported rows from: %s\n", scope, strings.Join(tables, ", "))
		fmt.Fprint(out, "Type 'yes' to continue: ")
		answer, err := bufio.NewReader(in).ReadString('\n')
		if err != nil && err != io.EOF {
			return false, fmt.Errorf("read confirmation: %w", err)
		}
		return strings.TrimSpace(strings.ToLower(answer)) == "yes", nil
	}
}

// ignoreSyncError drops the error zap returns when syncing a terminal
func ignoreSyncError(err error) error {
	if err != nil && strings.Contains(err.Error(), "inappropriate ioctl") {
		return nil
	}
	return err
}
