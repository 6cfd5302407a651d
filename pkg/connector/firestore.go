// pkg/connector/firestore.go
package connector

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/firestore/apiv1/firestorepb"
	"go.uber.org/zap"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/fittrack/firestore-migration/pkg/config"
	"github.com/fittrack/firestore-migration/pkg/model"
)

// FirestoreConnector reads the source Firestore database
type FirestoreConnector struct {
	client *firestore.Client
	logger *zap.Logger
	cfg    *config.FirestoreConfig
	groups map[string]bool
}

// NewFirestoreConnector creates a new Firestore client
func NewFirestoreConnector(ctx context.Context, cfg *config.FirestoreConfig, logger *zap.Logger) (*FirestoreConnector, error) {
	logger = logger.Named("firestore-connector")

	logger.Info("Connecting to Firestore",
		zap.String("project", cfg.ProjectID),
		zap.String("database", cfg.DatabaseID),
		zap.Bool("credentials_file", cfg.CredentialsFile != ""))

	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}

	client, err := firestore.NewClientWithDatabase(ctx, cfg.ProjectID, cfg.DatabaseID, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize Firestore client: %w", err)
	}

	groups := make(map[string]bool, len(cfg.CollectionGroups))
	for _, g := range cfg.CollectionGroups {
		groups[g] = true
	}

	connector := &FirestoreConnector{
		client: client,
		logger: logger,
		cfg:    cfg,
		groups: groups,
	}

	if err := connector.Ping(ctx); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Firestore: %w", err)
	}

	return connector, nil
}

// Client returns the underlying Firestore client
func (c *FirestoreConnector) Client() *firestore.Client {
	return c.client
}

// Name identifies the connector
func (c *FirestoreConnector) Name() string {
	return "firestore"
}

// Ping lists one root collection to check the project is reachable
func (c *FirestoreConnector) Ping(ctx context.Context) error {
	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	_, err := c.client.Collections(pingCtx).Next()
	if err != nil && !errors.Is(err, iterator.Done) {
		return fmt.Errorf("firestore unreachable: %w", err)
	}
	return nil
}

// Validate verifies the source collections can be read
func (c *FirestoreConnector) Validate(ctx context.Context) error {
	if err := c.Ping(ctx); err != nil {
		return err
	}

	for _, collection := range []string{"users", "exercises"} {
		if _, err := c.Count(ctx, collection); err != nil {
			return fmt.Errorf("failed to read collection %s: %w", collection, err)
		}
	}

	c.logger.Info("Firestore connection validated",
		zap.String("project", c.cfg.ProjectID),
		zap.Strings("collection_groups", c.cfg.CollectionGroups))
	return nil
}

// Close closes the client
func (c *FirestoreConnector) Close() error {
	c.logger.Info("Closing Firestore client")
	return c.client.Close()
}

// query returns the base query for a collection, using a collection group
// query for collections nested under other documents
func (c *FirestoreConnector) query(collection string) firestore.Query {
	if c.groups[collection] {
		return c.client.CollectionGroup(collection).Query
	}
	return c.client.Collection(collection).Query
}

// Count runs a server-side count aggregation over a collection
func (c *FirestoreConnector) Count(ctx context.Context, collection string) (int64, error) {
	queryCtx, cancel := context.WithTimeout(ctx, c.cfg.QueryTimeout)
	defer cancel()

	q := c.query(collection)
	result, err := q.NewAggregationQuery().WithCount("all").Get(queryCtx)
	if err != nil {
		return 0, fmt.Errorf("count %s: %w", collection, err)
	}

	value, ok := result["all"].(*firestorepb.Value)
	if !ok {
		return 0, fmt.Errorf("count %s: unexpected aggregation result %T", collection, result["all"])
	}
	return value.GetIntegerValue(), nil
}

// Sample returns up to n documents ordered by document ID
func (c *FirestoreConnector) Sample(ctx context.Context, collection string, n int) ([]model.Record, error) {
	if n <= 0 {
		return nil, nil
	}

	queryCtx, cancel := context.WithTimeout(ctx, c.cfg.QueryTimeout)
	defer cancel()

	snaps, err := c.query(collection).OrderBy(firestore.DocumentID, firestore.Asc).Limit(n).Documents(queryCtx).GetAll()
	if err != nil {
		return nil, fmt.Errorf("sample %s: %w", collection, err)
	}

	records := make([]model.Record, 0, len(snaps))
	for _, snap := range snaps {
		records = append(records, model.Record{ID: snap.Ref.ID, Data: snap.Data()})
	}
	return records, nil
}

// GetByID fetches one document, returning nil when it does not exist.
// For collection groups id must be the document path.
func (c *FirestoreConnector) GetByID(ctx context.Context, collection, id string) (*model.Record, error) {
	var ref *firestore.DocumentRef
	switch {
	case strings.Contains(id, "/"):
		ref = c.client.Doc(id)
	case c.groups[collection]:
		return nil, fmt.Errorf("get %s/%s: collection group lookups need a document path", collection, id)
	default:
		ref = c.client.Collection(collection).Doc(id)
	}
	if ref == nil {
		return nil, fmt.Errorf("get %s: invalid document path %q", collection, id)
	}

	snap, err := ref.Get(ctx)
	if status.Code(err) == codes.NotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get %s/%s: %w", collection, id, err)
	}
	return &model.Record{ID: snap.Ref.ID, Data: snap.Data()}, nil
}

// Page returns up to limit documents of a collection group ordered by
// document ID, starting after the document at path after
func (c *FirestoreConnector) Page(ctx context.Context, group, after string, limit int) ([]model.Document, error) {
	q := c.client.CollectionGroup(group).OrderBy(firestore.DocumentID, firestore.Asc).Limit(limit)
	if after != "" {
		q = q.StartAfter(c.client.Doc(after))
	}

	snaps, err := q.Documents(ctx).GetAll()
	if err != nil {
		return nil, fmt.Errorf("page %s: %w", group, err)
	}

	docs := make([]model.Document, 0, len(snaps))
	for _, snap := range snaps {
		docs = append(docs, model.Document{Path: relativePath(snap.Ref.Path), Data: snap.Data()})
	}
	return docs, nil
}

// SetFields applies field updates in a single write batch. The batch commits
// atomically, so a failed call leaves every document unchanged. Callers keep
// each call within the 500 write limit of a batch.
func (c *FirestoreConnector) SetFields(ctx context.Context, updates []model.FieldUpdate) error {
	if len(updates) == 0 {
		return nil
	}

	batch := c.client.Batch()
	for _, u := range updates {
		batch.Update(c.client.Doc(u.Path), []firestore.Update{{Path: u.Field, Value: u.Value}})
	}
	if _, err := batch.Commit(ctx); err != nil {
		c.logger.Warn("Batch update failed",
			zap.Int("updates", len(updates)),
			zap.String("first", updates[0].Path),
			zap.Error(err))
		return fmt.Errorf("commit %d updates: %w", len(updates), err)
	}
	return nil
}

// relativePath strips the projects/<p>/databases/<d>/documents/ prefix
func relativePath(full string) string {
	const marker = "/documents/"
	if i := strings.Index(full, marker); i >= 0 {
		return full[i+len(marker):]
	}
	return full
}
