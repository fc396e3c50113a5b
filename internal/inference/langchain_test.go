package inference

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/schema"
)

func TestLangchainConfig_Validate(t *testing.T) {
	assert.Error(t, LangchainConfig{}.Validate())
	assert.NoError(t, LangchainConfig{BaseURL: "http://localhost:8000/v1"}.Validate())
}

func TestNewLangchainClient(t *testing.T) {
	t.Run("missing base URL", func(t *testing.T) {
		_, err := NewLangchainClient(LangchainConfig{}, nil)
		require.Error(t, err)
	})

	t.Run("construction does not dial", func(t *testing.T) {
		client, err := NewLangchainClient(LangchainConfig{
			BaseURL: "http://localhost:8000/v1",
			Model:   "local-model",
		}, nil)
		require.NoError(t, err)
		assert.NotNil(t, client)
	})
}

func TestUserMessage(t *testing.T) {
	msgs := userMessage("summarize the incident")

	require.Len(t, msgs, 1)
	assert.Equal(t, schema.ChatMessageTypeHuman, msgs[0].Role)
	require.Len(t, msgs[0].Parts, 1)
	assert.Equal(t, llms.TextContent{Text: "summarize the incident"}, msgs[0].Parts[0])
}

func TestTokenCost(t *testing.T) {
	tests := []struct {
		name   string
		info   map[string]any
		prompt string
		text   string
		want   int
	}{
		{
			name: "total tokens reported",
			info: map[string]any{"TotalTokens": 42},
			want: 42,
		},
		{
			name: "completion tokens fallback",
			info: map[string]any{"CompletionTokens": 17},
			want: 17,
		},
		{
			name: "total wins over completion",
			info: map[string]any{"TotalTokens": 42, "CompletionTokens": 17},
			want: 42,
		},
		{
			name:   "no accounting estimates from length",
			info:   map[string]any{},
			prompt: "aaaaaaaa",
			text:   "bbbb",
			want:   3,
		},
		{
			name:   "zero reported falls back to estimate",
			info:   map[string]any{"TotalTokens": 0},
			prompt: "aaaaaaaa",
			text:   "bbbb",
			want:   3,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tokenCost(tt.info, tt.prompt, tt.text))
		})
	}
}
