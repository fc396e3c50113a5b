package embeddings

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalProviderDeterministic(t *testing.T) {
	p := NewLocalProvider(384)
	ctx := context.Background()

	a, err := p.EmbedQuery(ctx, "competitor launched a price cut in the EU market")
	require.NoError(t, err)
	b, err := p.EmbedQuery(ctx, "competitor launched a price cut in the EU market")
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.Len(t, a, 384)
}

func TestLocalProviderNormalized(t *testing.T) {
	p := NewLocalProvider(64)
	vec, err := p.EmbedQuery(context.Background(), "return on investment improved")
	require.NoError(t, err)

	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	assert.InDelta(t, 1.0, math.Sqrt(sum), 1e-5)
}

func TestLocalProviderSimilarityOrdering(t *testing.T) {
	p := NewLocalProvider(384)
	ctx := context.Background()

	query, err := p.EmbedQuery(ctx, "competitor price cut in market")
	require.NoError(t, err)
	near, err := p.EmbedQuery(ctx, "the competitor announced a price cut")
	require.NoError(t, err)
	far, err := p.EmbedQuery(ctx, "quarterly telemetry ingestion schema migration")
	require.NoError(t, err)

	assert.Greater(t, dot(query, near), dot(query, far))
}

func TestEmbedDocuments(t *testing.T) {
	p := NewLocalProvider(128)

	vecs, err := p.EmbedDocuments(context.Background(), []string{"one", "two"})
	require.NoError(t, err)
	assert.Len(t, vecs, 2)

	_, err = p.EmbedDocuments(context.Background(), nil)
	assert.ErrorIs(t, err, ErrEmptyInput)
}

func TestNewProvider(t *testing.T) {
	p, err := NewProvider(ProviderConfig{})
	require.NoError(t, err)
	assert.Equal(t, 384, p.Dimension())

	_, err = NewProvider(ProviderConfig{Provider: "onnx"})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func dot(a, b []float32) float64 {
	var sum float64
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}
