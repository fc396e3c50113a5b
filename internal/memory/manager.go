package memory

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/lodestarlabs/analystd/internal/cache"
	"github.com/lodestarlabs/analystd/internal/embeddings"
	"github.com/lodestarlabs/analystd/internal/vectorstore"
)

// tracer for OpenTelemetry instrumentation.
var tracer = otel.Tracer("analystd.memory")

const (
	// DefaultTraceTTL is how long an L1 trace survives without a refresh.
	DefaultTraceTTL = 24 * time.Hour

	// DefaultRecallLimit is the per-tier result count for retrieval.
	DefaultRecallLimit = 3
)

// Degraded bucket names reported by RetrieveContext.
const (
	bucketShortTerm = "short_term"
	bucketEpisodic  = "episodic"
	bucketSemantic  = "semantic"
)

// ManagerConfig holds tuning for the memory manager.
type ManagerConfig struct {
	// TraceTTL is the L1 expiry for stored traces.
	// Default: 24h
	TraceTTL time.Duration

	// RecallLimit is the per-tier maximum for retrieval.
	// Default: 3
	RecallLimit int
}

// ApplyDefaults sets default values for unset fields.
func (c *ManagerConfig) ApplyDefaults() {
	if c.TraceTTL == 0 {
		c.TraceTTL = DefaultTraceTTL
	}
	if c.RecallLimit == 0 {
		c.RecallLimit = DefaultRecallLimit
	}
}

// Manager coordinates the three memory tiers.
//
// Write path: every trace lands in L1; traces marked important are embedded
// once and also written to L2. Promotion into L3 happens downstream of run
// evaluation, not here.
//
// Read path: retrieval fans out to all three tiers and degrades per bucket.
// A dead redis or vector backend costs recall quality, never a failed run.
type Manager struct {
	l1       cache.Cache
	episodic vectorstore.Store
	semantic vectorstore.Store
	embedder embeddings.Provider
	config   ManagerConfig
	logger   *zap.Logger
}

// NewManager creates a memory manager over the given tiers.
func NewManager(l1 cache.Cache, episodic, semantic vectorstore.Store, embedder embeddings.Provider, config ManagerConfig, logger *zap.Logger) (*Manager, error) {
	if l1 == nil {
		return nil, fmt.Errorf("memory: L1 cache cannot be nil")
	}
	if episodic == nil {
		return nil, fmt.Errorf("memory: episodic store cannot be nil")
	}
	if semantic == nil {
		return nil, fmt.Errorf("memory: semantic store cannot be nil")
	}
	if embedder == nil {
		return nil, fmt.Errorf("memory: embedder cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	config.ApplyDefaults()

	return &Manager{
		l1:       l1,
		episodic: episodic,
		semantic: semantic,
		embedder: embedder,
		config:   config,
		logger:   logger,
	}, nil
}

// traceKey builds the L1 key for a thread's trace.
func traceKey(workspaceID, threadID string) string {
	return fmt.Sprintf("trace:%s:%s", workspaceID, threadID)
}

// StoreTrace persists a run trace.
//
// The L1 write is authoritative: its failure fails the call. When important
// is set the trace is embedded once and written to the episodic tier as
// well; a failure there is logged and degraded, the trace is already safe
// in L1.
func (m *Manager) StoreTrace(ctx context.Context, workspaceID, threadID, content string, important bool, metadata map[string]any) error {
	ctx, span := tracer.Start(ctx, "Manager.StoreTrace")
	defer span.End()

	if workspaceID == "" {
		return ErrEmptyWorkspace
	}
	if threadID == "" {
		return ErrEmptyThread
	}
	if content == "" {
		return ErrEmptyContent
	}

	span.SetAttributes(
		attribute.String("workspace_id", workspaceID),
		attribute.Bool("important", important),
	)

	if err := m.l1.Store(ctx, traceKey(workspaceID, threadID), content, m.config.TraceTTL); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("storing trace: %w", err)
	}

	if !important {
		span.SetStatus(codes.Ok, "stored")
		return nil
	}

	embedding, err := m.embedder.EmbedQuery(ctx, content)
	if err != nil {
		span.RecordError(err)
		m.logger.Warn("episodic write skipped, embedding failed",
			zap.String("workspace_id", workspaceID),
			zap.String("thread_id", threadID),
			zap.Error(err),
		)
		return nil
	}

	meta := cloneMetadata(metadata)
	meta["kind"] = string(KindEpisodic)
	meta["thread_id"] = threadID

	if _, err := m.episodic.StoreEpisode(ctx, workspaceID, content, embedding, meta); err != nil {
		span.RecordError(err)
		m.logger.Warn("episodic write failed, trace kept in L1 only",
			zap.String("workspace_id", workspaceID),
			zap.String("thread_id", threadID),
			zap.Error(err),
		)
		return nil
	}

	span.SetStatus(codes.Ok, "stored")
	return nil
}

// RetrieveContext assembles the three-bucket context for a query.
//
// It never returns an error: each tier that fails leaves its bucket empty
// and is named in Context.Degraded.
func (m *Manager) RetrieveContext(ctx context.Context, workspaceID, query, threadID string) Context {
	ctx, span := tracer.Start(ctx, "Manager.RetrieveContext")
	defer span.End()

	var out Context

	if workspaceID == "" {
		// Fail closed: no workspace, no reads from any tier.
		m.logger.Warn("context retrieval without workspace ID")
		out.Degraded = []string{bucketShortTerm, bucketEpisodic, bucketSemantic}
		return out
	}

	span.SetAttributes(attribute.String("workspace_id", workspaceID))

	if threadID != "" {
		value, found, err := m.l1.Get(ctx, traceKey(workspaceID, threadID))
		switch {
		case err != nil:
			m.logger.Warn("short-term lookup degraded",
				zap.String("workspace_id", workspaceID),
				zap.Error(err),
			)
			out.Degraded = append(out.Degraded, bucketShortTerm)
		case found:
			out.ShortTerm = value
		}
	}

	queryEmbedding, err := m.embedder.EmbedQuery(ctx, query)
	if err != nil {
		m.logger.Warn("similarity recall degraded, query embedding failed",
			zap.String("workspace_id", workspaceID),
			zap.Error(err),
		)
		out.Degraded = append(out.Degraded, bucketEpisodic, bucketSemantic)
		return out
	}

	out.Episodic = m.recallTier(ctx, m.episodic, KindEpisodic, workspaceID, queryEmbedding, &out.Degraded)
	out.Semantic = m.recallTier(ctx, m.semantic, KindSemantic, workspaceID, queryEmbedding, &out.Degraded)

	span.SetAttributes(
		attribute.Int("episodic_count", len(out.Episodic)),
		attribute.Int("semantic_count", len(out.Semantic)),
		attribute.Int("degraded_count", len(out.Degraded)),
	)

	return out
}

// recallTier queries one persistent tier, degrading its bucket on failure.
func (m *Manager) recallTier(ctx context.Context, store vectorstore.Store, kind Kind, workspaceID string, queryEmbedding []float32, degraded *[]string) []Record {
	results, err := store.RecallSimilar(ctx, workspaceID, queryEmbedding, m.config.RecallLimit, nil)
	if err != nil {
		m.logger.Warn("tier recall degraded",
			zap.String("workspace_id", workspaceID),
			zap.String("kind", string(kind)),
			zap.Error(err),
		)
		*degraded = append(*degraded, bucketName(kind))
		return nil
	}

	records := make([]Record, len(results))
	for i, r := range results {
		records[i] = recordFromStore(r, kind)
	}
	return records
}

func bucketName(kind Kind) string {
	if kind == KindSemantic {
		return bucketSemantic
	}
	return bucketEpisodic
}

// recordFromStore converts a store result into a domain record.
func recordFromStore(r vectorstore.Record, kind Kind) Record {
	return Record{
		ID:          r.ID,
		WorkspaceID: r.WorkspaceID,
		Content:     r.Content,
		Kind:        kind,
		Metadata:    r.Metadata,
		Score:       r.Score,
		CreatedAt:   r.CreatedAt,
	}
}

// Purge removes records of the given kind created before olderThan.
// Returns the removed count, or -1 when the backend does not report one.
func (m *Manager) Purge(ctx context.Context, workspaceID string, kind Kind, olderThan time.Time) (int, error) {
	ctx, span := tracer.Start(ctx, "Manager.Purge")
	defer span.End()

	if workspaceID == "" {
		return 0, ErrEmptyWorkspace
	}
	if !kind.Valid() {
		return 0, ErrInvalidKind
	}

	span.SetAttributes(
		attribute.String("workspace_id", workspaceID),
		attribute.String("kind", string(kind)),
	)

	store := m.episodic
	if kind == KindSemantic {
		store = m.semantic
	}

	removed, err := store.Purge(ctx, workspaceID, olderThan)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return removed, fmt.Errorf("purging %s tier: %w", kind, err)
	}

	m.logger.Info("retention purge completed",
		zap.String("workspace_id", workspaceID),
		zap.String("kind", string(kind)),
		zap.Time("older_than", olderThan),
		zap.Int("removed", removed),
	)

	return removed, nil
}

// cloneMetadata copies caller metadata so tier writes cannot alias it.
func cloneMetadata(metadata map[string]any) map[string]any {
	out := make(map[string]any, len(metadata)+2)
	for k, v := range metadata {
		out[k] = v
	}
	return out
}
