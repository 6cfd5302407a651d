// pkg/connector/postgres.go
package connector

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v4/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/fittrack/firestore-migration/pkg/config"
	"github.com/fittrack/firestore-migration/pkg/model"
)

// maxListedRows caps the rows returned by integrity listings
const maxListedRows = 100

// RequiredTables are the target tables the migration writes to
var RequiredTables = []string{
	"users",
	"exercises",
	"exercise_metadata",
	"programs",
	"program_exercises",
	"workout_logs",
	"workout_log_exercises",
	"user_analytics",
}

// PostgresConnector reads from and deletes in the target PostgreSQL database
type PostgresConnector struct {
	db     *sqlx.DB
	logger *zap.Logger
	cfg    *config.PostgresConfig
	schema string
}

// NewPostgresConnector creates and initializes a new PostgreSQL connector
func NewPostgresConnector(ctx context.Context, cfg *config.PostgresConfig, logger *zap.Logger) (*PostgresConnector, error) {
	logger = logger.Named("postgres-connector")

	// Log connection attempt
	logger.Info("Connecting to PostgreSQL",
		zap.String("host", cfg.Host),
		zap.Int("port", cfg.Port),
		zap.String("database", cfg.Database),
		zap.String("user", cfg.User))

	db, err := sqlx.Open("pgx", cfg.ConnectionString())
	if err != nil {
		return nil, fmt.Errorf("failed to initialize PostgreSQL connection: %w", err)
	}

	return newPostgresConnector(ctx, db, cfg, logger)
}

func newPostgresConnector(ctx context.Context, db *sqlx.DB, cfg *config.PostgresConfig, logger *zap.Logger) (*PostgresConnector, error) {
	applyPoolSettings(db.DB, cfg)

	// Set statement timeout if configured
	if cfg.StatementTimeout > 0 {
		_, err := db.ExecContext(
			ctx,
			fmt.Sprintf("SET statement_timeout = %d", cfg.StatementTimeout.Milliseconds()),
		)
		if err != nil {
			logger.Warn("Failed to set statement timeout", zap.Error(err))
		}
	}

	// Verify connection
	if err := pingDB(ctx, db.DB); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}

	connector := &PostgresConnector{
		db:     db,
		logger: logger,
		cfg:    cfg,
		schema: "public",
	}

	logPoolStats(logger, cfg.Database, db.DB)
	return connector, nil
}

// DB returns the underlying database connection
func (c *PostgresConnector) DB() *sql.DB {
	return c.db.DB
}

// Name identifies the connector
func (c *PostgresConnector) Name() string {
	return "postgres"
}

// Ping checks the database is reachable
func (c *PostgresConnector) Ping(ctx context.Context) error {
	if err := pingDB(ctx, c.db.DB); err != nil {
		return fmt.Errorf("postgres unreachable: %w", err)
	}
	return nil
}

// Validate verifies the PostgreSQL connection and that the target tables exist
func (c *PostgresConnector) Validate(ctx context.Context) error {
	var version string
	if err := c.db.GetContext(ctx, &version, "SELECT version()"); err != nil {
		return fmt.Errorf("failed to query PostgreSQL version: %w", err)
	}
	c.logger.Info("Connected to PostgreSQL", zap.String("version", version))

	var present []string
	err := c.db.SelectContext(ctx, &present,
		`SELECT table_name FROM information_schema.tables WHERE table_schema = $1 AND table_name = ANY($2)`,
		c.schema, pq.Array(RequiredTables))
	if err != nil {
		return fmt.Errorf("failed to list target tables: %w", err)
	}

	found := make(map[string]bool, len(present))
	for _, t := range present {
		found[t] = true
	}
	var missing []string
	for _, t := range RequiredTables {
		if !found[t] {
			missing = append(missing, t)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("target tables missing in schema %s: %s", c.schema, strings.Join(missing, ", "))
	}

	c.logger.Info("PostgreSQL connection validated",
		zap.String("database", c.cfg.Database),
		zap.String("host", c.cfg.Host),
		zap.Int("port", c.cfg.Port))

	return nil
}

// Close closes the database connection
func (c *PostgresConnector) Close() error {
	c.logger.Info("Closing PostgreSQL connection")
	logPoolStats(c.logger, c.cfg.Database, c.db.DB)
	return c.db.Close()
}

// ExecWithTimeout executes a statement with a timeout
func (c *PostgresConnector) ExecWithTimeout(
	ctx context.Context,
	query string,
	timeout time.Duration,
	args ...interface{},
) (sql.Result, error) {
	queryCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return c.db.ExecContext(queryCtx, query, args...)
}

// qualified returns the quoted schema-qualified table name
func (c *PostgresConnector) qualified(table string) string {
	return pq.QuoteIdentifier(c.schema) + "." + pq.QuoteIdentifier(table)
}

// Count returns the number of rows in a table
func (c *PostgresConnector) Count(ctx context.Context, table string) (int64, error) {
	var n int64
	if err := c.db.GetContext(ctx, &n, "SELECT count(*) FROM "+c.qualified(table)); err != nil {
		return 0, fmt.Errorf("count %s: %w", table, err)
	}
	return n, nil
}

// FindOne returns the first row where key equals value, ordered by orderBy,
// or nil when nothing matches
func (c *PostgresConnector) FindOne(ctx context.Context, table, key string, value any, orderBy string) (*model.Record, error) {
	if orderBy == "" {
		orderBy = key
	}
	query := fmt.Sprintf("SELECT * FROM %s WHERE %s = $1 ORDER BY %s LIMIT 1",
		c.qualified(table), pq.QuoteIdentifier(key), pq.QuoteIdentifier(orderBy))

	row := make(map[string]interface{})
	err := c.db.QueryRowxContext(ctx, query, value).MapScan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find %s.%s: %w", table, key, err)
	}
	rec := toRecord(row)
	return &rec, nil
}

// ListNullField lists rows whose column is NULL
func (c *PostgresConnector) ListNullField(ctx context.Context, table, field string) ([]model.Record, error) {
	query := fmt.Sprintf("SELECT * FROM %s WHERE %s IS NULL LIMIT %d",
		c.qualified(table), pq.QuoteIdentifier(field), maxListedRows)
	return c.queryRecords(ctx, query)
}

// ListDuplicates lists values of a column that occur more than once
func (c *PostgresConnector) ListDuplicates(ctx context.Context, table, field string) ([]model.Record, error) {
	col := pq.QuoteIdentifier(field)
	query := fmt.Sprintf(
		"SELECT %s AS value, count(*) AS occurrences FROM %s WHERE %s IS NOT NULL GROUP BY %s HAVING count(*) > 1 LIMIT %d",
		col, c.qualified(table), col, col, maxListedRows)
	return c.queryRecords(ctx, query)
}

// CheckForeignKey lists rows whose column references a missing row in refTable
func (c *PostgresConnector) CheckForeignKey(ctx context.Context, table, column, refTable, refColumn string) ([]model.Record, error) {
	col := pq.QuoteIdentifier(column)
	refCol := pq.QuoteIdentifier(refColumn)
	query := fmt.Sprintf(
		"SELECT t.* FROM %s t LEFT JOIN %s r ON t.%s = r.%s WHERE t.%s IS NOT NULL AND r.%s IS NULL LIMIT %d",
		c.qualified(table), c.qualified(refTable), col, refCol, col, refCol, maxListedRows)
	return c.queryRecords(ctx, query)
}

// Delete removes rows matching filter and returns how many were removed
func (c *PostgresConnector) Delete(ctx context.Context, table string, filter model.DeleteFilter) (int64, error) {
	query := "DELETE FROM " + c.qualified(table)
	var args []interface{}
	if !filter.MatchesAll() {
		op := "="
		if filter.Negate {
			op = "IS DISTINCT FROM"
		}
		query += fmt.Sprintf(" WHERE %s %s $1", pq.QuoteIdentifier(filter.Column), op)
		args = append(args, filter.Value)
	}

	result, err := c.ExecWithTimeout(ctx, query, c.timeout(), args...)
	if err != nil {
		return 0, fmt.Errorf("delete from %s: %w", table, err)
	}

	removed, err := result.RowsAffected()
	if err != nil {
		c.logger.Warn("Couldn't get rows affected", zap.String("table", table), zap.Error(err))
		return 0, nil
	}
	return removed, nil
}

// Backup copies the given tables into a fresh schema and returns its name
func (c *PostgresConnector) Backup(ctx context.Context, tables []string) (string, error) {
	backupSchema := fmt.Sprintf("migration_backup_%s_%s",
		time.Now().UTC().Format("20060102150405"), uuid.NewString()[:8])

	tx, err := c.db.BeginTxx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin backup: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "CREATE SCHEMA "+pq.QuoteIdentifier(backupSchema)); err != nil {
		return "", fmt.Errorf("create backup schema: %w", err)
	}
	for _, table := range tables {
		stmt := fmt.Sprintf("CREATE TABLE %s.%s AS TABLE %s",
			pq.QuoteIdentifier(backupSchema), pq.QuoteIdentifier(table), c.qualified(table))
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return "", fmt.Errorf("backup %s: %w", table, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit backup: %w", err)
	}

	c.logger.Info("Backed up target tables",
		zap.String("schema", backupSchema),
		zap.Strings("tables", tables))
	return backupSchema, nil
}

// Probe runs a read query and discards its rows
func (c *PostgresConnector) Probe(ctx context.Context, probe model.Probe) error {
	queryCtx, cancel := context.WithTimeout(ctx, c.timeout())
	defer cancel()

	rows, err := c.db.QueryxContext(queryCtx, probe.Query)
	if err != nil {
		return fmt.Errorf("probe %s: %w", probe.Name, err)
	}
	defer rows.Close()
	n := 0
	for rows.Next() {
		n++
	}
	c.logger.Debug("Probe finished", zap.String("probe", probe.Name), zap.Int("rows", n))
	return rows.Err()
}

func (c *PostgresConnector) timeout() time.Duration {
	if c.cfg.StatementTimeout > 0 {
		return c.cfg.StatementTimeout
	}
	return 30 * time.Second
}

func (c *PostgresConnector) queryRecords(ctx context.Context, query string, args ...interface{}) ([]model.Record, error) {
	rows, err := c.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []model.Record
	for rows.Next() {
		row := make(map[string]interface{})
		if err := rows.MapScan(row); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		records = append(records, toRecord(row))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return records, nil
}

func toRecord(row map[string]interface{}) model.Record {
	rec := model.Record{Data: row}
	switch id := row["id"].(type) {
	case nil:
	case []byte:
		rec.ID = string(id)
	default:
		rec.ID = fmt.Sprint(id)
	}
	return rec
}
