package embeddings

import (
	"context"
	"fmt"

	lcembeddings "github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms/openai"
)

// OpenAIConfig configures the OpenAI-compatible embedding provider. Works
// against the OpenAI API and self-hosted compatible servers such as TEI.
type OpenAIConfig struct {
	// BaseURL is the API endpoint. Required.
	BaseURL string

	// Model names the embedding model. Empty uses the endpoint default.
	Model string

	// APIKey authenticates against the endpoint.
	APIKey string

	// Dimension is the embedding dimension the endpoint produces.
	Dimension int
}

// Validate validates the configuration.
func (c OpenAIConfig) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("%w: base URL cannot be empty", ErrInvalidConfig)
	}
	if c.Dimension <= 0 {
		return fmt.Errorf("%w: dimension must be positive", ErrInvalidConfig)
	}
	return nil
}

// OpenAIProvider implements Provider over langchaingo's embeddings
// abstraction.
type OpenAIProvider struct {
	embedder  *lcembeddings.EmbedderImpl
	dimension int
}

var _ Provider = (*OpenAIProvider)(nil)

// NewOpenAIProvider creates a provider against an OpenAI-compatible
// endpoint.
func NewOpenAIProvider(config OpenAIConfig) (*OpenAIProvider, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	apiKey := config.APIKey
	if apiKey == "" {
		// The client library refuses an empty token even when the
		// endpoint ignores it.
		apiKey = "placeholder"
	}

	opts := []openai.Option{
		openai.WithBaseURL(config.BaseURL),
		openai.WithToken(apiKey),
	}
	if config.Model != "" {
		opts = append(opts, openai.WithEmbeddingModel(config.Model))
	}

	llm, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("embeddings: creating client: %w", err)
	}

	embedder, err := lcembeddings.NewEmbedder(llm)
	if err != nil {
		return nil, fmt.Errorf("embeddings: creating embedder: %w", err)
	}

	return &OpenAIProvider{embedder: embedder, dimension: config.Dimension}, nil
}

// EmbedDocuments generates embeddings for multiple texts.
func (p *OpenAIProvider) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, ErrEmptyInput
	}
	vectors, err := p.embedder.EmbedDocuments(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("embeddings: embedding documents: %w", err)
	}
	for _, vec := range vectors {
		normalize(vec)
	}
	return vectors, nil
}

// EmbedQuery generates an embedding for a single query.
func (p *OpenAIProvider) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, ErrEmptyInput
	}
	vec, err := p.embedder.EmbedQuery(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("embeddings: embedding query: %w", err)
	}
	normalize(vec)
	return vec, nil
}

// Dimension returns the embedding dimension.
func (p *OpenAIProvider) Dimension() int {
	return p.dimension
}

// Close is a no-op; the underlying client holds no persistent connections.
func (p *OpenAIProvider) Close() error {
	return nil
}
