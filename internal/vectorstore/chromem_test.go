package vectorstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testVectorSize = 4

// unitVec returns a normalized 4-dimensional embedding. chromem assumes
// normalized vectors for cosine similarity.
func unitVec(x, y, z, w float32) []float32 {
	v := []float32{x, y, z, w}
	var sumSq float32
	for _, c := range v {
		sumSq += c * c
	}
	norm := float32(1.0)
	if sumSq > 0 {
		norm = 1.0 / sqrt32(sumSq)
	}
	for i := range v {
		v[i] *= norm
	}
	return v
}

func sqrt32(x float32) float32 {
	if x <= 0 {
		return 0
	}
	z := x / 2
	for i := 0; i < 10; i++ {
		z = (z + x/z) / 2
	}
	return z
}

func newTestChromemStore(t *testing.T) *ChromemStore {
	t.Helper()

	store, err := NewChromemStore(ChromemConfig{
		Path:       t.TempDir(),
		Namespace:  "episodic_test",
		VectorSize: testVectorSize,
	}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	return store
}

func TestNewChromemStore_InvalidConfig(t *testing.T) {
	_, err := NewChromemStore(ChromemConfig{
		Path:      t.TempDir(),
		Namespace: "Not-Valid",
	}, zap.NewNop())
	assert.ErrorIs(t, err, ErrInvalidNamespace)
}

func TestChromemStore_StoreEpisode_Validation(t *testing.T) {
	store := newTestChromemStore(t)
	ctx := context.Background()
	vec := unitVec(1, 0, 0, 0)

	tests := []struct {
		name      string
		workspace string
		content   string
		embedding []float32
		wantErr   error
	}{
		{"missing workspace", "", "text", vec, ErrMissingWorkspace},
		{"empty content", "ws1", "", vec, ErrEmptyContent},
		{"nil embedding", "ws1", "text", nil, ErrEmptyEmbedding},
		{"wrong dimension", "ws1", "text", []float32{1, 0}, ErrEmptyEmbedding},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := store.StoreEpisode(ctx, tt.workspace, tt.content, tt.embedding, nil)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestChromemStore_RecallSimilar_EmptyCollection(t *testing.T) {
	store := newTestChromemStore(t)

	records, err := store.RecallSimilar(context.Background(), "ws1", unitVec(1, 0, 0, 0), 3, nil)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestChromemStore_WorkspaceScoping(t *testing.T) {
	store := newTestChromemStore(t)
	ctx := context.Background()
	vec := unitVec(1, 1, 0, 0)

	_, err := store.StoreEpisode(ctx, "ws1", "alpha finding", vec, nil)
	require.NoError(t, err)
	_, err = store.StoreEpisode(ctx, "ws2", "beta finding", vec, nil)
	require.NoError(t, err)

	records, err := store.RecallSimilar(ctx, "ws1", vec, 5, nil)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "alpha finding", records[0].Content)
	assert.Equal(t, "ws1", records[0].WorkspaceID)
}

func TestChromemStore_RecallSimilar_MissingWorkspace(t *testing.T) {
	store := newTestChromemStore(t)

	_, err := store.RecallSimilar(context.Background(), "", unitVec(1, 0, 0, 0), 3, nil)
	assert.ErrorIs(t, err, ErrMissingWorkspace)
}

func TestChromemStore_RecallSimilar_MetadataFilter(t *testing.T) {
	store := newTestChromemStore(t)
	ctx := context.Background()
	vec := unitVec(0, 1, 1, 0)

	_, err := store.StoreEpisode(ctx, "ws1", "kept", vec, map[string]any{"kind": "semantic"})
	require.NoError(t, err)
	_, err = store.StoreEpisode(ctx, "ws1", "filtered out", vec, map[string]any{"kind": "episodic"})
	require.NoError(t, err)

	records, err := store.RecallSimilar(ctx, "ws1", vec, 1, map[string]any{"kind": "semantic"})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "kept", records[0].Content)
	assert.Equal(t, "semantic", records[0].Metadata["kind"])
}

func TestChromemStore_RecallOrdering_TieBreakOnCreatedAt(t *testing.T) {
	store := newTestChromemStore(t)
	ctx := context.Background()
	vec := unitVec(1, 0, 1, 0)

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	origNow := timeNow
	t.Cleanup(func() { timeNow = origNow })

	// Identical embeddings so all three tie on similarity.
	for i, content := range []string{"first", "second", "third"} {
		stamp := base.Add(time.Duration(i) * time.Hour)
		timeNow = func() time.Time { return stamp }
		_, err := store.StoreEpisode(ctx, "ws1", content, vec, nil)
		require.NoError(t, err)
	}

	records, err := store.RecallSimilar(ctx, "ws1", vec, 3, nil)
	require.NoError(t, err)
	require.Len(t, records, 3)

	// Newest first on equal similarity.
	assert.Equal(t, "third", records[0].Content)
	assert.Equal(t, "second", records[1].Content)
	assert.Equal(t, "first", records[2].Content)
	assert.Equal(t, base.Add(2*time.Hour), records[0].CreatedAt)
}

func TestChromemStore_Purge(t *testing.T) {
	store := newTestChromemStore(t)
	ctx := context.Background()
	vec := unitVec(1, 1, 1, 0)

	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	origNow := timeNow
	t.Cleanup(func() { timeNow = origNow })

	timeNow = func() time.Time { return now.AddDate(0, 0, -30) }
	_, err := store.StoreEpisode(ctx, "ws1", "stale", vec, nil)
	require.NoError(t, err)

	timeNow = func() time.Time { return now.AddDate(0, 0, -30) }
	_, err = store.StoreEpisode(ctx, "ws2", "other tenant stale", vec, nil)
	require.NoError(t, err)

	timeNow = func() time.Time { return now }
	_, err = store.StoreEpisode(ctx, "ws1", "fresh", vec, nil)
	require.NoError(t, err)

	removed, err := store.Purge(ctx, "ws1", now.AddDate(0, 0, -7))
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	records, err := store.RecallSimilar(ctx, "ws1", vec, 5, nil)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "fresh", records[0].Content)

	// Other tenants untouched.
	records, err = store.RecallSimilar(ctx, "ws2", vec, 5, nil)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "other tenant stale", records[0].Content)
}

func TestChromemStore_Purge_MissingWorkspace(t *testing.T) {
	store := newTestChromemStore(t)

	_, err := store.Purge(context.Background(), "", time.Now())
	assert.ErrorIs(t, err, ErrMissingWorkspace)
}
