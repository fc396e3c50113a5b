package inference

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
	"github.com/tmc/langchaingo/schema"
	"go.uber.org/zap"
)

// LangchainConfig configures the langchaingo-backed client. Any
// OpenAI-compatible endpoint works, including local inference servers.
type LangchainConfig struct {
	// BaseURL is the API endpoint. Required.
	BaseURL string

	// Model names the model to invoke. Empty uses the endpoint default.
	Model string

	// APIKey authenticates against the endpoint. Local servers that skip
	// auth still need a non-empty token for the client library.
	APIKey string
}

// Validate validates the configuration.
func (c LangchainConfig) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("inference: base URL cannot be empty")
	}
	return nil
}

// LangchainClient implements Client over langchaingo's OpenAI-compatible
// chat API.
type LangchainClient struct {
	llm    llms.Model
	logger *zap.Logger
}

var _ Client = (*LangchainClient)(nil)

// NewLangchainClient creates a client against an OpenAI-compatible endpoint.
func NewLangchainClient(config LangchainConfig, logger *zap.Logger) (*LangchainClient, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
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
		opts = append(opts, openai.WithModel(config.Model))
	}

	llm, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("inference: creating client: %w", err)
	}

	return &LangchainClient{llm: llm, logger: logger}, nil
}

// Invoke sends a prompt and returns free-text output with its token cost.
func (c *LangchainClient) Invoke(ctx context.Context, prompt string) (Completion, error) {
	if strings.TrimSpace(prompt) == "" {
		return Completion{}, ErrEmptyPrompt
	}

	resp, err := c.llm.GenerateContent(ctx, userMessage(prompt))
	if err != nil {
		return Completion{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if len(resp.Choices) == 0 {
		return Completion{}, fmt.Errorf("%w: empty response", ErrUnavailable)
	}

	choice := resp.Choices[0]
	return Completion{
		Text:   choice.Content,
		Tokens: tokenCost(choice.GenerationInfo, prompt, choice.Content),
	}, nil
}

// InvokeStructured appends a schema instruction to the prompt. The caller
// parses the completion; malformed output is not retried here.
func (c *LangchainClient) InvokeStructured(ctx context.Context, prompt string, schema any) (Completion, error) {
	hint, err := json.Marshal(schema)
	if err != nil {
		return Completion{}, fmt.Errorf("inference: marshaling schema: %w", err)
	}
	structured := fmt.Sprintf("%s\n\nRespond with JSON matching this schema:\n%s\n", prompt, hint)
	return c.Invoke(ctx, structured)
}

// userMessage wraps a prompt as a single user-role chat message.
func userMessage(prompt string) []llms.MessageContent {
	return []llms.MessageContent{
		llms.TextParts(schema.ChatMessageTypeHuman, prompt),
	}
}

// tokenCost reads the provider's token accounting, falling back to a
// character estimate when the endpoint reports none.
func tokenCost(info map[string]any, prompt, text string) int {
	for _, key := range []string{"TotalTokens", "CompletionTokens"} {
		if v, ok := info[key]; ok {
			if n, ok := v.(int); ok && n > 0 {
				return n
			}
		}
	}
	return (len(prompt) + len(text)) / 4
}
