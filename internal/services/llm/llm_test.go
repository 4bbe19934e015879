package llm

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/reqflow/internal/common"
	"github.com/ternarybob/reqflow/internal/interfaces"
	"github.com/tmc/langchaingo/llms"
	"google.golang.org/genai"
)

func conversation() []interfaces.Message {
	return []interfaces.Message{
		{Role: RoleSystem, Content: "You are a market analyst."},
		{Role: RoleUser, Content: "Who buys dog-walking software?"},
		{Role: RoleAssistant, Content: "Small agencies."},
		{Role: "tool", Content: "treated as user"},
	}
}

func TestSplitSystem(t *testing.T) {
	turns, system, err := splitSystem(conversation())
	require.NoError(t, err)
	assert.Equal(t, "You are a market analyst.", system)
	require.Len(t, turns, 3)
	assert.Equal(t, RoleUser, turns[2].Role)

	_, _, err = splitSystem(nil)
	assert.Error(t, err)

	_, _, err = splitSystem([]interfaces.Message{{Role: RoleSystem, Content: "x"}, {Role: RoleAssistant, Content: "y"}})
	assert.Error(t, err, "a user message is required")
}

func TestConvertMessagesToGemini(t *testing.T) {
	contents, system, err := convertMessagesToGemini(conversation())
	require.NoError(t, err)
	assert.Equal(t, "You are a market analyst.", system)
	require.Len(t, contents, 3)
	assert.Equal(t, genai.RoleUser, contents[0].Role)
	assert.Equal(t, genai.RoleModel, contents[1].Role)
	assert.Equal(t, "Small agencies.", contents[1].Parts[0].Text)
}

func TestConvertMessagesToClaude(t *testing.T) {
	msgs, system, err := convertMessagesToClaude(conversation())
	require.NoError(t, err)
	assert.Equal(t, "You are a market analyst.", system)
	assert.Len(t, msgs, 3)
}

func TestConvertMessagesToLangchain(t *testing.T) {
	content, err := convertMessagesToLangchain(conversation())
	require.NoError(t, err)
	require.Len(t, content, 4)
	assert.Equal(t, llms.ChatMessageTypeSystem, content[0].Role)
	assert.Equal(t, llms.ChatMessageTypeHuman, content[1].Role)
	assert.Equal(t, llms.ChatMessageTypeAI, content[2].Role)
}

func TestStripCodeFence(t *testing.T) {
	assert.Equal(t, `{"a":1}`, StripCodeFence("```json\n{\"a\":1}\n```"))
	assert.Equal(t, `{"a":1}`, StripCodeFence("  {\"a\":1}  "))
	assert.Equal(t, `[1]`, StripCodeFence("```\n[1]\n```"))
}

func TestRetryHelpers(t *testing.T) {
	assert.True(t, IsRateLimitError(errors.New("Error 429, Status: RESOURCE_EXHAUSTED")))
	assert.True(t, IsRateLimitError(errors.New("rate_limit_error: slow down")))
	assert.False(t, IsRateLimitError(errors.New("invalid api key")))
	assert.False(t, IsRateLimitError(nil))

	delay := ExtractRetryDelay(errors.New("Please retry in 45.5s., Status: RESOURCE_EXHAUSTED"))
	assert.Equal(t, 45500*time.Millisecond, delay)
	assert.Zero(t, ExtractRetryDelay(errors.New("boom")))

	cfg := NewDefaultRetryConfig()
	assert.Equal(t, cfg.InitialBackoff, cfg.CalculateBackoff(0, 0))
	assert.Equal(t, cfg.MaxBackoff, cfg.CalculateBackoff(10, 0))
	assert.Equal(t, 6*time.Second, cfg.CalculateBackoff(0, 5*time.Second))
}

func TestWithRetry(t *testing.T) {
	cfg := &RetryConfig{MaxRetries: 2, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond, BackoffMultiplier: 1}
	logger := arbor.NewLogger()

	calls := 0
	text, err := withRetry(context.Background(), cfg, logger, "test", func(context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", errors.New("429 too many requests")
		}
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", text)
	assert.Equal(t, 3, calls)

	calls = 0
	_, err = withRetry(context.Background(), cfg, logger, "test", func(context.Context) (string, error) {
		calls++
		return "", errors.New("bad request")
	})
	assert.EqualError(t, err, "bad request")
	assert.Equal(t, 1, calls, "non rate-limit errors are not retried")
}

func TestNewLLMService_RequiresKeys(t *testing.T) {
	logger := arbor.NewLogger()
	ctx := context.Background()

	for _, provider := range []common.LLMProvider{common.LLMProviderOpenAI, common.LLMProviderClaude, common.LLMProviderGemini} {
		cfg := common.NewDefaultConfig().LLM
		cfg.Provider = provider
		cfg.OpenAI.APIKey, cfg.Claude.APIKey, cfg.Gemini.APIKey = "", "", ""
		_, err := NewLLMService(ctx, &cfg, logger)
		assert.Error(t, err, string(provider))
	}

	cfg := common.NewDefaultConfig().LLM
	cfg.Provider = "llama"
	_, err := NewLLMService(ctx, &cfg, logger)
	assert.ErrorContains(t, err, "unsupported LLM provider")
}

func TestNewLLMService_BuildsProvider(t *testing.T) {
	cfg := common.NewDefaultConfig().LLM
	cfg.Provider = common.LLMProviderClaude
	cfg.Claude.APIKey = "sk-ant-test"

	svc, err := NewLLMService(context.Background(), &cfg, arbor.NewLogger())
	require.NoError(t, err)
	assert.Equal(t, "claude", svc.Provider())
	assert.NoError(t, svc.Close())

	cfg.Provider = common.LLMProviderOpenAI
	cfg.OpenAI.APIKey = "sk-test"
	svc, err = NewLLMService(context.Background(), &cfg, arbor.NewLogger())
	require.NoError(t, err)
	assert.Equal(t, "openai", svc.Provider())
}
