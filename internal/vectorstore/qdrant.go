package vectorstore

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	grpccodes "google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Tracer for OpenTelemetry instrumentation.
var qdrantTracer = otel.Tracer("analystd.vectorstore.qdrant")

// QdrantConfig holds configuration for the Qdrant gRPC client.
type QdrantConfig struct {
	// Host is the Qdrant server hostname or IP address.
	// Default: "localhost"
	Host string

	// Port is the Qdrant gRPC port (NOT the HTTP REST port).
	// Default: 6334 (gRPC), not 6333 (HTTP)
	Port int

	// Namespace is the collection this store is bound to.
	Namespace string

	// VectorSize is the dimensionality of embeddings.
	// MUST match the embedder's output dimension.
	VectorSize uint64

	// Distance is the similarity metric for vector search.
	// Options: Cosine (default), Euclid, Dot
	Distance qdrant.Distance

	// UseTLS enables TLS encryption for the gRPC connection.
	UseTLS bool

	// MaxRetries is the maximum number of retry attempts for transient failures.
	// Default: 3
	MaxRetries int

	// RetryBackoff is the initial backoff duration for retries.
	// Doubles on each retry (exponential backoff).
	// Default: 1 second
	RetryBackoff time.Duration

	// MaxMessageSize is the maximum gRPC message size in bytes.
	// Default: 50MB
	MaxMessageSize int

	// FailureThreshold is the number of consecutive transient failures
	// before the store stops retrying for a cooldown period.
	// Default: 5
	FailureThreshold int
}

// ApplyDefaults sets default values for unset fields.
func (c *QdrantConfig) ApplyDefaults() {
	if c.Host == "" {
		c.Host = "localhost"
	}
	if c.Port == 0 {
		c.Port = 6334
	}
	if c.VectorSize == 0 {
		c.VectorSize = 384
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.RetryBackoff == 0 {
		c.RetryBackoff = time.Second
	}
	if c.MaxMessageSize == 0 {
		c.MaxMessageSize = 50 * 1024 * 1024 // 50MB
	}
	if c.FailureThreshold == 0 {
		c.FailureThreshold = 5
	}
	if c.Distance == 0 {
		c.Distance = qdrant.Distance_Cosine
	}
}

// Validate validates the configuration.
func (c QdrantConfig) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("%w: host required", ErrInvalidConfig)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("%w: invalid port: %d", ErrInvalidConfig, c.Port)
	}
	if err := ValidateNamespace(c.Namespace); err != nil {
		return err
	}
	if c.VectorSize == 0 {
		return fmt.Errorf("%w: vector size required", ErrInvalidConfig)
	}
	return nil
}

// IsTransientError checks if an error is transient (should retry).
// Returns true for network timeouts and temporary unavailability.
// Returns false for invalid arguments, not found, permission denied.
func IsTransientError(err error) bool {
	if err == nil {
		return false
	}

	st, ok := status.FromError(err)
	if !ok {
		return false
	}

	switch st.Code() {
	case grpccodes.Unavailable, grpccodes.DeadlineExceeded, grpccodes.Aborted, grpccodes.ResourceExhausted:
		return true
	default:
		return false
	}
}

// QdrantStore is a Store implementation using Qdrant's native gRPC client.
//
// gRPC transport (port 6334) gives binary protobuf encoding with no JSON
// payload size limits and full Qdrant feature access, including server-side
// range filters that make retention a single delete call.
type QdrantStore struct {
	client *qdrant.Client
	config QdrantConfig
	logger *zap.Logger

	// failureState tracks consecutive transient failures so a dead
	// backend does not absorb retry budget on every call.
	failureState struct {
		failures int
		lastFail time.Time
		mu       sync.Mutex
	}
}

// NewQdrantStore creates a QdrantStore bound to the configured namespace.
// It connects, health checks, and creates the collection if missing.
func NewQdrantStore(config QdrantConfig, logger *zap.Logger) (*QdrantStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	config.ApplyDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	if !config.UseTLS {
		fmt.Fprintf(os.Stderr, "WARNING: Qdrant gRPC using plaintext (TLS disabled). Insecure for production.\n")
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   config.Host,
		Port:   config.Port,
		UseTLS: config.UseTLS,
		GrpcOptions: []grpc.DialOption{
			grpc.WithDefaultCallOptions(
				grpc.MaxCallRecvMsgSize(config.MaxMessageSize),
				grpc.MaxCallSendMsgSize(config.MaxMessageSize),
			),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}

	store := &QdrantStore{
		client: client,
		config: config,
		logger: logger,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := store.healthCheck(ctx); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("health check failed: %w", err)
	}

	if err := store.ensureCollection(ctx); err != nil {
		_ = client.Close()
		return nil, err
	}

	logger.Info("qdrant store initialized",
		zap.String("host", config.Host),
		zap.Int("port", config.Port),
		zap.String("namespace", config.Namespace),
		zap.Uint64("vector_size", config.VectorSize),
	)

	return store, nil
}

// healthCheck performs a health check on the Qdrant connection.
func (s *QdrantStore) healthCheck(ctx context.Context) error {
	ctx, span := qdrantTracer.Start(ctx, "QdrantStore.HealthCheck")
	defer span.End()

	_, err := s.client.HealthCheck(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("health check failed: %w", err)
	}

	span.SetStatus(codes.Ok, "healthy")
	return nil
}

// ensureCollection creates the namespace collection if it does not exist.
func (s *QdrantStore) ensureCollection(ctx context.Context) error {
	ctx, span := qdrantTracer.Start(ctx, "QdrantStore.EnsureCollection")
	defer span.End()

	span.SetAttributes(attribute.String("collection", s.config.Namespace))

	exists, err := s.client.CollectionExists(ctx, s.config.Namespace)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("checking collection %s: %w", s.config.Namespace, err)
	}
	if exists {
		return nil
	}

	err = s.retryOperation(ctx, "create_collection", func() error {
		return s.client.CreateCollection(ctx, &qdrant.CreateCollection{
			CollectionName: s.config.Namespace,
			VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
				Size:     s.config.VectorSize,
				Distance: s.config.Distance,
			}),
		})
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("creating collection %s: %w", s.config.Namespace, err)
	}

	span.SetStatus(codes.Ok, "success")
	return nil
}

// retryOperation retries an operation with exponential backoff.
func (s *QdrantStore) retryOperation(ctx context.Context, operationName string, operation func() error) error {
	backoff := s.config.RetryBackoff

	for attempt := 0; attempt <= s.config.MaxRetries; attempt++ {
		err := operation()
		if err == nil {
			s.resetFailures()
			return nil
		}

		if s.tooManyFailures() {
			return fmt.Errorf("%s: backend failing, retries suspended", operationName)
		}

		if !IsTransientError(err) {
			return fmt.Errorf("%s failed (permanent): %w", operationName, err)
		}

		s.recordFailure()

		if attempt == s.config.MaxRetries {
			return fmt.Errorf("%s failed after %d retries: %w", operationName, s.config.MaxRetries, err)
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("%s canceled: %w", operationName, ctx.Err())
		case <-time.After(backoff):
			backoff *= 2
		}
	}
	return nil
}

func (s *QdrantStore) recordFailure() {
	s.failureState.mu.Lock()
	defer s.failureState.mu.Unlock()
	s.failureState.failures++
	s.failureState.lastFail = time.Now()
}

func (s *QdrantStore) resetFailures() {
	s.failureState.mu.Lock()
	defer s.failureState.mu.Unlock()
	s.failureState.failures = 0
}

func (s *QdrantStore) tooManyFailures() bool {
	s.failureState.mu.Lock()
	defer s.failureState.mu.Unlock()

	if s.failureState.failures >= s.config.FailureThreshold {
		// Allow retry again after 30 seconds.
		if time.Since(s.failureState.lastFail) > 30*time.Second {
			s.failureState.failures = 0
			return false
		}
		return true
	}
	return false
}

// StoreEpisode writes a record with a precomputed embedding and returns its ID.
func (s *QdrantStore) StoreEpisode(ctx context.Context, workspaceID, content string, embedding []float32, metadata map[string]any) (string, error) {
	ctx, span := qdrantTracer.Start(ctx, "QdrantStore.StoreEpisode")
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
	if uint64(len(embedding)) != s.config.VectorSize {
		return "", fmt.Errorf("%w: embedding dimension %d does not match configured %d",
			ErrEmptyEmbedding, len(embedding), s.config.VectorSize)
	}

	id := uuid.New().String()
	now := timeNow().UTC()

	span.SetAttributes(
		attribute.String("collection", s.config.Namespace),
		attribute.String("record_id", id),
	)

	payload := make(map[string]*qdrant.Value, len(metadata)+4)
	for k, v := range metadata {
		switch val := v.(type) {
		case string:
			payload[k] = &qdrant.Value{Kind: &qdrant.Value_StringValue{StringValue: val}}
		case int:
			payload[k] = &qdrant.Value{Kind: &qdrant.Value_IntegerValue{IntegerValue: int64(val)}}
		case int64:
			payload[k] = &qdrant.Value{Kind: &qdrant.Value_IntegerValue{IntegerValue: val}}
		case float64:
			payload[k] = &qdrant.Value{Kind: &qdrant.Value_DoubleValue{DoubleValue: val}}
		case bool:
			payload[k] = &qdrant.Value{Kind: &qdrant.Value_BoolValue{BoolValue: val}}
		}
	}
	// Reserved keys win over caller metadata.
	payload["id"] = &qdrant.Value{Kind: &qdrant.Value_StringValue{StringValue: id}}
	payload["content"] = &qdrant.Value{Kind: &qdrant.Value_StringValue{StringValue: content}}
	payload[metaWorkspaceID] = &qdrant.Value{Kind: &qdrant.Value_StringValue{StringValue: workspaceID}}
	payload[metaCreatedAt] = &qdrant.Value{Kind: &qdrant.Value_IntegerValue{IntegerValue: now.Unix()}}

	point := &qdrant.PointStruct{
		Id:      qdrant.NewIDUUID(id),
		Vectors: qdrant.NewVectors(embedding...),
		Payload: payload,
	}

	err := s.retryOperation(ctx, "upsert", func() error {
		_, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
			CollectionName: s.config.Namespace,
			Points:         []*qdrant.PointStruct{point},
		})
		return err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", fmt.Errorf("upserting point to collection %s: %w", s.config.Namespace, err)
	}

	span.SetStatus(codes.Ok, "success")

	s.logger.Debug("stored episode in qdrant",
		zap.String("collection", s.config.Namespace),
		zap.String("workspace_id", workspaceID),
		zap.String("record_id", id),
	)

	return id, nil
}

// RecallSimilar returns up to limit records scoped to the workspace, ordered
// by descending similarity with a CreatedAt tie-break.
func (s *QdrantStore) RecallSimilar(ctx context.Context, workspaceID string, queryEmbedding []float32, limit int, filters map[string]any) ([]Record, error) {
	ctx, span := qdrantTracer.Start(ctx, "QdrantStore.RecallSimilar")
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
	const maxLimit = 10000
	if limit > maxLimit {
		limit = maxLimit
	}

	span.SetAttributes(
		attribute.String("collection", s.config.Namespace),
		attribute.Int("limit", limit),
	)

	// Workspace scope is appended last so caller filters can never widen it.
	conditions := make([]*qdrant.Condition, 0, len(filters)+1)
	for key, value := range filters {
		if key == metaWorkspaceID {
			continue
		}
		if v, ok := value.(string); ok {
			conditions = append(conditions, keywordCondition(key, v))
		}
	}
	conditions = append(conditions, keywordCondition(metaWorkspaceID, workspaceID))
	filter := &qdrant.Filter{Must: conditions}

	var results []*qdrant.ScoredPoint
	err := s.retryOperation(ctx, "query", func() error {
		res, err := s.client.Query(ctx, &qdrant.QueryPoints{
			CollectionName: s.config.Namespace,
			Query:          qdrant.NewQuery(queryEmbedding...),
			Limit:          qdrant.PtrOf(uint64(limit)),
			WithPayload:    qdrant.NewWithPayload(true),
			Filter:         filter,
		})
		if err != nil {
			return err
		}
		results = res
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("querying collection %s: %w", s.config.Namespace, err)
	}

	records := make([]Record, len(results))
	for i, point := range results {
		records[i] = recordFromPoint(point, workspaceID)
	}
	sortRecords(records)

	span.SetAttributes(attribute.Int("results_count", len(records)))
	span.SetStatus(codes.Ok, "success")

	s.logger.Debug("recalled from qdrant",
		zap.String("collection", s.config.Namespace),
		zap.String("workspace_id", workspaceID),
		zap.Int("results", len(records)),
	)

	return records, nil
}

// recordFromPoint converts a scored point, lifting the reserved payload keys
// into struct fields.
func recordFromPoint(point *qdrant.ScoredPoint, workspaceID string) Record {
	rec := Record{
		WorkspaceID: workspaceID,
		Score:       point.Score,
		Metadata:    make(map[string]any, len(point.Payload)),
	}
	for k, v := range point.Payload {
		switch val := v.Kind.(type) {
		case *qdrant.Value_StringValue:
			switch k {
			case "id":
				rec.ID = val.StringValue
			case "content":
				rec.Content = val.StringValue
			case metaWorkspaceID:
				// Already lifted.
			default:
				rec.Metadata[k] = val.StringValue
			}
		case *qdrant.Value_IntegerValue:
			if k == metaCreatedAt {
				rec.CreatedAt = time.Unix(val.IntegerValue, 0).UTC()
			} else {
				rec.Metadata[k] = val.IntegerValue
			}
		case *qdrant.Value_DoubleValue:
			rec.Metadata[k] = val.DoubleValue
		case *qdrant.Value_BoolValue:
			rec.Metadata[k] = val.BoolValue
		}
	}
	return rec
}

// keywordCondition builds an exact-match payload condition.
func keywordCondition(key, value string) *qdrant.Condition {
	return &qdrant.Condition{
		ConditionOneOf: &qdrant.Condition_Field{
			Field: &qdrant.FieldCondition{
				Key: key,
				Match: &qdrant.Match{
					MatchValue: &qdrant.Match_Keyword{Keyword: value},
				},
			},
		},
	}
}

// Purge deletes the workspace's records created before olderThan using a
// server-side range filter. Qdrant does not report the deleted count, so
// Purge returns -1 on success.
func (s *QdrantStore) Purge(ctx context.Context, workspaceID string, olderThan time.Time) (int, error) {
	ctx, span := qdrantTracer.Start(ctx, "QdrantStore.Purge")
	defer span.End()

	if workspaceID == "" {
		return 0, ErrMissingWorkspace
	}

	span.SetAttributes(
		attribute.String("collection", s.config.Namespace),
		attribute.String("older_than", olderThan.UTC().Format(time.RFC3339)),
	)

	filter := &qdrant.Filter{
		Must: []*qdrant.Condition{
			keywordCondition(metaWorkspaceID, workspaceID),
			{
				ConditionOneOf: &qdrant.Condition_Field{
					Field: &qdrant.FieldCondition{
						Key: metaCreatedAt,
						Range: &qdrant.Range{
							Lt: qdrant.PtrOf(float64(olderThan.UTC().Unix())),
						},
					},
				},
			},
		},
	}

	err := s.retryOperation(ctx, "purge", func() error {
		_, err := s.client.Delete(ctx, &qdrant.DeletePoints{
			CollectionName: s.config.Namespace,
			Points: &qdrant.PointsSelector{
				PointsSelectorOneOf: &qdrant.PointsSelector_Filter{Filter: filter},
			},
		})
		return err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return 0, fmt.Errorf("purging collection %s: %w", s.config.Namespace, err)
	}

	span.SetStatus(codes.Ok, "success")

	s.logger.Info("purged qdrant records",
		zap.String("collection", s.config.Namespace),
		zap.String("workspace_id", workspaceID),
		zap.Time("older_than", olderThan),
	)

	return -1, nil
}

// Close closes the Qdrant gRPC connection.
func (s *QdrantStore) Close() error {
	if s.client != nil {
		return s.client.Close()
	}
	return nil
}

// Ensure QdrantStore implements Store interface.
var _ Store = (*QdrantStore)(nil)
