package embeddings

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
)

// LocalProvider generates deterministic embeddings without a model runtime.
//
// It hashes word n-grams into a fixed-size vector and L2-normalizes the
// result. The vectors carry enough lexical signal for similarity ranking to
// behave sensibly, and identical text always yields identical vectors, which
// the promotion pipeline relies on (embed once, reuse for both tiers).
type LocalProvider struct {
	dimension int
}

// NewLocalProvider creates a LocalProvider with the given dimension.
func NewLocalProvider(dimension int) *LocalProvider {
	if dimension <= 0 {
		dimension = 384
	}
	return &LocalProvider{dimension: dimension}
}

// EmbedDocuments generates embeddings for multiple texts.
func (p *LocalProvider) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, ErrEmptyInput
	}
	out := make([][]float32, len(texts))
	for i, text := range texts {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		out[i] = p.embed(text)
	}
	return out, nil
}

// EmbedQuery generates an embedding for a single query.
func (p *LocalProvider) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, ErrEmptyInput
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	return p.embed(text), nil
}

// Dimension returns the embedding dimension.
func (p *LocalProvider) Dimension() int {
	return p.dimension
}

// Close is a no-op.
func (p *LocalProvider) Close() error {
	return nil
}

func (p *LocalProvider) embed(text string) []float32 {
	vec := make([]float32, p.dimension)

	words := strings.Fields(strings.ToLower(text))
	for i, word := range words {
		addFeature(vec, word, 1.0)
		// Bigrams capture a little word order.
		if i+1 < len(words) {
			addFeature(vec, word+" "+words[i+1], 0.5)
		}
	}

	normalize(vec)
	return vec
}

func addFeature(vec []float32, feature string, weight float32) {
	h := fnv.New64a()
	_, _ = h.Write([]byte(feature))
	sum := h.Sum64()

	idx := int(sum % uint64(len(vec)))
	// Sign bit keeps the hashed features roughly zero-centered.
	sign := float32(1)
	if sum&(1<<63) != 0 {
		sign = -1
	}
	vec[idx] += sign * weight
}

func normalize(vec []float32) {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	if sum == 0 {
		return
	}
	norm := float32(math.Sqrt(sum))
	for i := range vec {
		vec[i] /= norm
	}
}

var _ Provider = (*LocalProvider)(nil)
