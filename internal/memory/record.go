// Package memory implements the tiered memory surface: a volatile
// short-term tier in redis (L1), an episodic similarity tier (L2), and a
// semantic long-term tier (L3).
package memory

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// Common errors for memory operations.
var (
	ErrEmptyWorkspace = errors.New("memory: workspace ID cannot be empty")
	ErrEmptyThread    = errors.New("memory: thread ID cannot be empty")
	ErrEmptyContent   = errors.New("memory: content cannot be empty")
	ErrInvalidKind    = errors.New("memory: kind must be 'episodic' or 'semantic'")
)

// Kind identifies which persistent tier a record belongs to.
type Kind string

const (
	// KindEpisodic is the L2 tier: raw run traces kept for recent recall.
	KindEpisodic Kind = "episodic"

	// KindSemantic is the L3 tier: distilled learnings kept long term.
	KindSemantic Kind = "semantic"
)

// Valid reports whether k names a persistent tier.
func (k Kind) Valid() bool {
	return k == KindEpisodic || k == KindSemantic
}

// Record is a persisted memory record.
//
// Records are append-only. They are never updated in place and leave the
// store only through an explicit retention purge keyed on kind and age.
type Record struct {
	// ID is the unique record identifier (UUID).
	ID string `json:"id"`

	// WorkspaceID is the tenant ownership boundary. A record is only ever
	// retrievable within its owning workspace.
	WorkspaceID string `json:"workspace_id"`

	// Content is the stored text.
	Content string `json:"content"`

	// Embedding is the similarity vector, computed once at write time.
	Embedding []float32 `json:"-"`

	// Kind is the persistent tier the record lives in.
	Kind Kind `json:"kind"`

	// Metadata holds open key/value pairs (importance, category, scores).
	Metadata map[string]any `json:"metadata,omitempty"`

	// Score is the similarity score when the record came from a recall.
	Score float32 `json:"score,omitempty"`

	// CreatedAt is when the record was stored.
	CreatedAt time.Time `json:"created_at"`
}

// NewRecord creates a record with a generated UUID after validating the
// required fields.
func NewRecord(workspaceID, content string, kind Kind, metadata map[string]any) (*Record, error) {
	if workspaceID == "" {
		return nil, ErrEmptyWorkspace
	}
	if content == "" {
		return nil, ErrEmptyContent
	}
	if !kind.Valid() {
		return nil, ErrInvalidKind
	}

	return &Record{
		ID:          uuid.New().String(),
		WorkspaceID: workspaceID,
		Content:     content,
		Kind:        kind,
		Metadata:    metadata,
		CreatedAt:   time.Now().UTC(),
	}, nil
}

// Context is the three-bucket result of a context retrieval.
//
// Buckets degrade independently: a failed sub-lookup leaves its bucket
// empty and is reported in Degraded, it never fails the retrieval.
type Context struct {
	// ShortTerm is the L1 trace for the thread, empty if absent.
	ShortTerm string `json:"short_term,omitempty"`

	// Episodic holds the most similar recent traces (L2).
	Episodic []Record `json:"episodic,omitempty"`

	// Semantic holds the most similar distilled learnings (L3).
	Semantic []Record `json:"semantic,omitempty"`

	// Degraded lists buckets that returned empty because their backing
	// tier failed ("short_term", "episodic", "semantic").
	Degraded []string `json:"degraded,omitempty"`
}
