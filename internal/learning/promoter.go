package learning

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/lodestarlabs/analystd/internal/embeddings"
	"github.com/lodestarlabs/analystd/internal/vectorstore"
)

// tracer for OpenTelemetry instrumentation.
var tracer = otel.Tracer("analystd.learning")

// Common errors for learning operations.
var (
	ErrEmptyWorkspace = errors.New("learning: workspace ID cannot be empty")
	ErrEmptyContent   = errors.New("learning: content cannot be empty")
)

// Evaluation is the upstream quality judgment on a piece of run output.
type Evaluation struct {
	// Score is the evaluator's quality score in [0, 1].
	Score float64 `json:"score"`

	// Confidence is how sure the evaluator is of the score.
	Confidence float64 `json:"confidence"`

	// Category labels the kind of learning.
	Category Category `json:"category,omitempty"`

	// PromoteToL2 requests a write to the episodic tier.
	PromoteToL2 bool `json:"promote_to_l2"`

	// PromoteToL3 requests a write to the semantic tier.
	PromoteToL3 bool `json:"promote_to_l3"`
}

// PromotionResult reports where a learning landed.
type PromotionResult struct {
	// EpisodicID is the L2 record ID, empty if not promoted there.
	EpisodicID string `json:"episodic_id,omitempty"`

	// SemanticID is the L3 record ID, empty if not promoted there.
	SemanticID string `json:"semantic_id,omitempty"`

	// Embedded is true when an embedding was computed for this learning.
	Embedded bool `json:"embedded"`
}

// Promoted reports whether the learning reached any persistent tier.
func (r PromotionResult) Promoted() bool {
	return r.EpisodicID != "" || r.SemanticID != ""
}

// Promoter writes evaluated learnings into the persistent memory tiers.
//
// The embedding is computed at most once per learning and shared by both
// tier writes. A learning whose evaluation requests no promotion costs no
// embedding at all.
type Promoter struct {
	episodic   vectorstore.Store
	semantic   vectorstore.Store
	embedder   embeddings.Provider
	classifier *Classifier
	logger     *zap.Logger
}

// NewPromoter creates a promoter over the two persistent tiers.
func NewPromoter(episodic, semantic vectorstore.Store, embedder embeddings.Provider, logger *zap.Logger) (*Promoter, error) {
	if episodic == nil {
		return nil, fmt.Errorf("learning: episodic store cannot be nil")
	}
	if semantic == nil {
		return nil, fmt.Errorf("learning: semantic store cannot be nil")
	}
	if embedder == nil {
		return nil, fmt.Errorf("learning: embedder cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Promoter{
		episodic:   episodic,
		semantic:   semantic,
		embedder:   embedder,
		classifier: NewClassifier(),
		logger:     logger,
	}, nil
}

// RecordLearning persists a learning according to its evaluation.
//
// Neither promotion flag set means nothing is written and no embedding is
// computed. Either flag means embed once, then write the requested tiers
// with the same vector.
func (p *Promoter) RecordLearning(ctx context.Context, workspaceID, content string, eval Evaluation, metadata map[string]any) (PromotionResult, error) {
	ctx, span := tracer.Start(ctx, "Promoter.RecordLearning")
	defer span.End()

	var result PromotionResult

	if workspaceID == "" {
		return result, ErrEmptyWorkspace
	}
	if content == "" {
		return result, ErrEmptyContent
	}

	span.SetAttributes(
		attribute.String("workspace_id", workspaceID),
		attribute.String("category", string(eval.Category)),
		attribute.Bool("promote_l2", eval.PromoteToL2),
		attribute.Bool("promote_l3", eval.PromoteToL3),
	)

	if !eval.PromoteToL2 && !eval.PromoteToL3 {
		p.logger.Debug("learning not promoted",
			zap.String("workspace_id", workspaceID),
			zap.String("category", string(eval.Category)),
		)
		return result, nil
	}

	embedding, err := p.embedder.EmbedQuery(ctx, content)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return result, fmt.Errorf("embedding learning: %w", err)
	}
	result.Embedded = true

	meta := make(map[string]any, len(metadata)+3)
	for k, v := range metadata {
		meta[k] = v
	}
	meta["category"] = string(eval.Category)
	meta["score"] = eval.Score
	meta["confidence"] = eval.Confidence

	if eval.PromoteToL2 {
		id, err := p.episodic.StoreEpisode(ctx, workspaceID, content, embedding, meta)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return result, fmt.Errorf("promoting to episodic tier: %w", err)
		}
		result.EpisodicID = id
	}

	if eval.PromoteToL3 {
		id, err := p.semantic.StoreEpisode(ctx, workspaceID, content, embedding, meta)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return result, fmt.Errorf("promoting to semantic tier: %w", err)
		}
		result.SemanticID = id
	}

	p.logger.Info("learning promoted",
		zap.String("workspace_id", workspaceID),
		zap.String("category", string(eval.Category)),
		zap.Bool("episodic", result.EpisodicID != ""),
		zap.Bool("semantic", result.SemanticID != ""),
	)

	return result, nil
}

// Evaluate classifies content for callers without an upstream evaluation.
func (p *Promoter) Evaluate(content string) Evaluation {
	return p.classifier.Classify(content)
}
