package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	chromem "github.com/philippgille/chromem-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

// timeNow is a variable for testing purposes (allows mocking time).
var timeNow = time.Now

// chromemTracer for OpenTelemetry instrumentation.
var chromemTracer = otel.Tracer("analystd.vectorstore.chromem")

// Reserved metadata keys injected by the store. Caller-supplied metadata
// cannot override them.
const (
	metaWorkspaceID = "workspace_id"
	metaCreatedAt   = "created_at"
	metaCreatedDay  = "created_day"
)

// createdDayLayout buckets records by calendar day (UTC) so retention can
// purge by exact-match metadata filter.
const createdDayLayout = "2006-01-02"

// ChromemConfig holds configuration for the chromem-go embedded vector
// database.
type ChromemConfig struct {
	// Path is the directory for persistent storage.
	// Default: "~/.local/share/analystd/vectorstore"
	Path string

	// Compress enables gzip compression for stored data.
	// Note: This defaults to false (Go zero value). Set explicitly if compression is desired.
	Compress bool

	// Namespace is the collection this store is bound to.
	Namespace string

	// VectorSize is the expected embedding dimension.
	// Must match the embedder's output dimension.
	// Default: 384
	VectorSize int

	// RetentionScanDays bounds how far back a purge scans day buckets.
	// Default: 120
	RetentionScanDays int
}

// ApplyDefaults sets default values for unset fields.
func (c *ChromemConfig) ApplyDefaults() {
	if c.Path == "" {
		c.Path = "~/.local/share/analystd/vectorstore"
	}
	if c.VectorSize == 0 {
		c.VectorSize = 384
	}
	if c.RetentionScanDays == 0 {
		c.RetentionScanDays = 120
	}
}

// Validate validates the configuration.
func (c *ChromemConfig) Validate() error {
	if err := ValidateNamespace(c.Namespace); err != nil {
		return err
	}
	if c.VectorSize <= 0 {
		return fmt.Errorf("%w: vector size must be positive", ErrInvalidConfig)
	}
	if c.RetentionScanDays <= 0 {
		return fmt.Errorf("%w: retention scan days must be positive", ErrInvalidConfig)
	}
	return nil
}

// ChromemStore implements the Store interface using chromem-go.
//
// chromem-go is an embeddable vector database with zero third-party
// dependencies. It provides in-memory storage with persistence to gob files,
// so a single-process deployment needs no external database service.
//
// Embeddings are always supplied by the caller. The collection's embedding
// function is a guard that rejects any attempt to embed inside the store;
// this keeps the embed-once contract honest.
type ChromemStore struct {
	db         *chromem.DB
	collection *chromem.Collection
	config     ChromemConfig
	logger     *zap.Logger
}

// NewChromemStore creates a ChromemStore bound to the configured namespace.
func NewChromemStore(config ChromemConfig, logger *zap.Logger) (*ChromemStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	config.ApplyDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	expandedPath, err := expandChromemPath(config.Path)
	if err != nil {
		return nil, fmt.Errorf("expanding path: %w", err)
	}

	if err := os.MkdirAll(expandedPath, 0755); err != nil {
		return nil, fmt.Errorf("creating directory %s: %w", expandedPath, err)
	}

	db, err := chromem.NewPersistentDB(expandedPath, config.Compress)
	if err != nil {
		return nil, fmt.Errorf("creating chromem DB: %w", err)
	}

	collection, err := db.GetOrCreateCollection(config.Namespace, nil, rejectEmbedding)
	if err != nil {
		return nil, fmt.Errorf("creating collection %s: %w", config.Namespace, err)
	}

	store := &ChromemStore{
		db:         db,
		collection: collection,
		config:     config,
		logger:     logger,
	}

	logger.Info("chromem store initialized",
		zap.String("path", expandedPath),
		zap.String("namespace", config.Namespace),
		zap.Bool("compress", config.Compress),
		zap.Int("vector_size", config.VectorSize),
	)

	return store, nil
}

// rejectEmbedding is the collection embedding function. All writes and
// queries carry precomputed vectors, so any invocation is a caller bug.
func rejectEmbedding(_ context.Context, _ string) ([]float32, error) {
	return nil, errors.New("vectorstore: embeddings must be precomputed")
}

// expandChromemPath expands ~ to home directory.
func expandChromemPath(path string) (string, error) {
	if strings.HasPrefix(path, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, path[1:]), nil
	}
	return path, nil
}

// StoreEpisode writes a record with a precomputed embedding and returns its ID.
func (s *ChromemStore) StoreEpisode(ctx context.Context, workspaceID, content string, embedding []float32, metadata map[string]any) (string, error) {
	ctx, span := chromemTracer.Start(ctx, "ChromemStore.StoreEpisode")
	defer span.End()

	if workspaceID == "" {
		return "", ErrMissingWorkspace
	}
	if content == "" {
		return "", ErrEmptyContent
	}
	if len(embedding) == 0 {
		return "", ErrEmptyEmbedding
	}
	if len(embedding) != s.config.VectorSize {
		return "", fmt.Errorf("%w: embedding dimension %d does not match configured %d",
			ErrEmptyEmbedding, len(embedding), s.config.VectorSize)
	}

	id := uuid.New().String()
	now := timeNow().UTC()

	meta := convertMetadataToString(metadata)
	if meta == nil {
		meta = make(map[string]string, 3)
	}
	meta[metaWorkspaceID] = workspaceID
	meta[metaCreatedAt] = strconv.FormatInt(now.Unix(), 10)
	meta[metaCreatedDay] = now.Format(createdDayLayout)

	span.SetAttributes(
		attribute.String("namespace", s.config.Namespace),
		attribute.String("record_id", id),
	)

	doc := chromem.Document{
		ID:        id,
		Content:   content,
		Metadata:  meta,
		Embedding: embedding,
	}

	// Concurrency of 1: the embedding is already present, there is no
	// embed work to parallelize.
	if err := s.collection.AddDocuments(ctx, []chromem.Document{doc}, 1); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", fmt.Errorf("adding document: %w", err)
	}

	span.SetStatus(codes.Ok, "success")

	s.logger.Debug("stored episode in chromem",
		zap.String("namespace", s.config.Namespace),
		zap.String("workspace_id", workspaceID),
		zap.String("record_id", id),
	)

	return id, nil
}

// RecallSimilar returns up to limit records scoped to the workspace, ordered
// by descending similarity with a CreatedAt tie-break.
func (s *ChromemStore) RecallSimilar(ctx context.Context, workspaceID string, queryEmbedding []float32, limit int, filters map[string]any) ([]Record, error) {
	ctx, span := chromemTracer.Start(ctx, "ChromemStore.RecallSimilar")
	defer span.End()

	if workspaceID == "" {
		return nil, ErrMissingWorkspace
	}
	if len(queryEmbedding) == 0 {
		return nil, ErrEmptyEmbedding
	}
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be positive, got %d", limit)
	}

	span.SetAttributes(
		attribute.String("namespace", s.config.Namespace),
		attribute.Int("limit", limit),
	)

	// Workspace scope is injected last so caller filters can never widen it.
	where := convertMetadataToString(filters)
	if where == nil {
		where = make(map[string]string, 1)
	}
	where[metaWorkspaceID] = workspaceID

	// chromem requires nResults <= doc count.
	docCount := s.collection.Count()
	if docCount == 0 {
		return []Record{}, nil
	}
	if limit > docCount {
		limit = docCount
	}

	results, err := s.collection.QueryEmbedding(ctx, queryEmbedding, limit, where, nil)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("querying collection %s: %w", s.config.Namespace, err)
	}

	records := make([]Record, len(results))
	for i, r := range results {
		records[i] = recordFromChromem(r, workspaceID)
	}
	sortRecords(records)

	span.SetAttributes(attribute.Int("results_count", len(records)))
	span.SetStatus(codes.Ok, "success")

	s.logger.Debug("recalled from chromem",
		zap.String("namespace", s.config.Namespace),
		zap.String("workspace_id", workspaceID),
		zap.Int("results", len(records)),
	)

	return records, nil
}

// recordFromChromem converts a chromem query result, lifting the reserved
// metadata keys into struct fields.
func recordFromChromem(r chromem.Result, workspaceID string) Record {
	rec := Record{
		ID:          r.ID,
		WorkspaceID: workspaceID,
		Content:     r.Content,
		Score:       r.Similarity,
		Metadata:    make(map[string]any, len(r.Metadata)),
	}
	for k, v := range r.Metadata {
		switch k {
		case metaWorkspaceID:
			// Already lifted.
		case metaCreatedAt:
			if unix, err := strconv.ParseInt(v, 10, 64); err == nil {
				rec.CreatedAt = time.Unix(unix, 0).UTC()
			}
		case metaCreatedDay:
			// Internal retention bucket, not caller metadata.
		default:
			rec.Metadata[k] = v
		}
	}
	return rec
}

// Purge deletes the workspace's records created before olderThan.
//
// chromem has no range filters, so retention works on the created_day
// buckets stamped at write time: every whole day strictly before olderThan
// is deleted by exact-match filter, scanning at most RetentionScanDays back.
// Records from the same day as olderThan are kept until the next day's purge.
func (s *ChromemStore) Purge(ctx context.Context, workspaceID string, olderThan time.Time) (int, error) {
	ctx, span := chromemTracer.Start(ctx, "ChromemStore.Purge")
	defer span.End()

	if workspaceID == "" {
		return 0, ErrMissingWorkspace
	}

	cutoffDay := olderThan.UTC().Truncate(24 * time.Hour)
	before := s.collection.Count()

	for i := 1; i <= s.config.RetentionScanDays; i++ {
		day := cutoffDay.AddDate(0, 0, -i).Format(createdDayLayout)
		where := map[string]string{
			metaWorkspaceID: workspaceID,
			metaCreatedDay:  day,
		}
		if err := s.collection.Delete(ctx, where, nil); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return before - s.collection.Count(), fmt.Errorf("purging day %s: %w", day, err)
		}
	}

	removed := before - s.collection.Count()

	span.SetAttributes(attribute.Int("records_removed", removed))
	span.SetStatus(codes.Ok, "success")

	s.logger.Info("purged chromem records",
		zap.String("namespace", s.config.Namespace),
		zap.String("workspace_id", workspaceID),
		zap.Time("older_than", olderThan),
		zap.Int("removed", removed),
	)

	return removed, nil
}

// Close closes the ChromemStore.
// Note: chromem-go persists on write, no explicit close needed.
func (s *ChromemStore) Close() error {
	s.logger.Info("chromem store closed")
	return nil
}

// convertMetadataToString converts map[string]any to map[string]string.
func convertMetadataToString(metadata map[string]any) map[string]string {
	if metadata == nil {
		return nil
	}

	result := make(map[string]string, len(metadata))
	for k, v := range metadata {
		switch val := v.(type) {
		case string:
			result[k] = val
		case int:
			result[k] = strconv.Itoa(val)
		case int64:
			result[k] = strconv.FormatInt(val, 10)
		case float64:
			result[k] = strconv.FormatFloat(val, 'f', -1, 64)
		case bool:
			result[k] = strconv.FormatBool(val)
		default:
			result[k] = fmt.Sprintf("%v", val)
		}
	}
	return result
}

// Ensure ChromemStore implements Store interface.
var _ Store = (*ChromemStore)(nil)
