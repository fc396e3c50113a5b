// Package vectorstore provides the persistent similarity-indexed tiers
// (L2 episodic, L3 semantic) behind the memory manager.
//
// A Store instance is bound to a single namespace (collection) at
// construction time; the episodic and semantic tiers are logically separate
// namespaces so their retention policies can differ.
//
// Workspace Isolation:
//
// Every record carries its owning workspace_id and every recall is filtered
// by it. Isolation is fail-closed: an empty workspace ID is an error, never
// an unscoped read. Cross-tenant leakage is a correctness violation.
package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"time"
)

// Sentinel errors for vector store operations.
var (
	// ErrMissingWorkspace is returned when an operation lacks a workspace ID.
	ErrMissingWorkspace = errors.New("vectorstore: workspace ID required")

	// ErrEmptyContent indicates empty record content.
	ErrEmptyContent = errors.New("vectorstore: content cannot be empty")

	// ErrEmptyEmbedding indicates a missing or zero-length embedding.
	ErrEmptyEmbedding = errors.New("vectorstore: embedding cannot be empty")

	// ErrInvalidConfig indicates invalid configuration.
	ErrInvalidConfig = errors.New("vectorstore: invalid configuration")

	// ErrInvalidNamespace indicates namespace name validation failure.
	ErrInvalidNamespace = errors.New("vectorstore: invalid namespace")

	// ErrConnectionFailed indicates the backing store could not be reached.
	ErrConnectionFailed = errors.New("vectorstore: connection failed")
)

// namespacePattern validates namespace names.
// Pattern: lowercase letters, numbers, underscores, 1-64 characters.
var namespacePattern = regexp.MustCompile(`^[a-z0-9_]{1,64}$`)

// ValidateNamespace validates a namespace name against naming rules.
func ValidateNamespace(name string) error {
	if name == "" {
		return fmt.Errorf("%w: namespace cannot be empty", ErrInvalidNamespace)
	}
	if !namespacePattern.MatchString(name) {
		return fmt.Errorf("%w: must match ^[a-z0-9_]{1,64}$, got %q", ErrInvalidNamespace, name)
	}
	return nil
}

// Record is a stored memory record returned by similarity recall.
//
// Records are append-only: they are never mutated after creation and are
// removed only by an explicit retention purge.
type Record struct {
	// ID is the unique record identifier.
	ID string

	// WorkspaceID is the tenant ownership boundary.
	WorkspaceID string

	// Content is the record text.
	Content string

	// Metadata holds open key/value pairs, including retention and
	// importance hints.
	Metadata map[string]any

	// Score is the similarity score from recall (higher is more similar).
	// Zero for records not produced by a similarity query.
	Score float32

	// CreatedAt is when the record was stored.
	CreatedAt time.Time
}

// Store is the contract shared by the L2 and L3 tiers.
type Store interface {
	// StoreEpisode writes a record with a precomputed embedding and
	// returns its ID.
	StoreEpisode(ctx context.Context, workspaceID, content string, embedding []float32, metadata map[string]any) (string, error)

	// RecallSimilar returns up to limit records ordered by descending
	// similarity, with a stable tie-break on CreatedAt descending.
	// Results are scoped to workspaceID; filters narrow by exact metadata
	// match.
	RecallSimilar(ctx context.Context, workspaceID string, queryEmbedding []float32, limit int, filters map[string]any) ([]Record, error)

	// Purge deletes records in the workspace created before olderThan.
	// Returns the number of records removed where the backend reports it,
	// or -1 when it does not.
	Purge(ctx context.Context, workspaceID string, olderThan time.Time) (int, error)

	// Close releases backend resources.
	Close() error
}

// sortRecords orders by descending score, breaking ties on CreatedAt
// descending so recall order is a total order.
func sortRecords(records []Record) {
	sort.SliceStable(records, func(i, j int) bool {
		if records[i].Score != records[j].Score {
			return records[i].Score > records[j].Score
		}
		return records[i].CreatedAt.After(records[j].CreatedAt)
	})
}
