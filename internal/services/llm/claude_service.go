package llm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/reqflow/internal/common"
	"github.com/ternarybob/reqflow/internal/interfaces"
)

// ClaudeService implements LLMService using the Anthropic Messages API
type ClaudeService struct {
	config      common.ClaudeConfig
	temperature float32
	timeout     time.Duration
	retry       *RetryConfig
	logger      arbor.ILogger
	client      anthropic.Client
}

// convertMessagesToClaude maps the conversation onto Claude message params.
// The first system message is returned separately for the System field.
func convertMessagesToClaude(messages []interfaces.Message) ([]anthropic.MessageParam, string, error) {
	turns, system, err := splitSystem(messages)
	if err != nil {
		return nil, "", err
	}

	out := make([]anthropic.MessageParam, 0, len(turns))
	for _, msg := range turns {
		if msg.Role == RoleAssistant {
			out = append(out, anthropic.NewAssistantMessage(anthropic.NewTextBlock(msg.Content)))
			continue
		}
		out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock(msg.Content)))
	}
	return out, system, nil
}

// NewClaudeService creates a Claude LLM service
func NewClaudeService(cfg *common.LLMConfig, logger arbor.ILogger) (*ClaudeService, error) {
	claude := cfg.Claude
	if claude.APIKey == "" {
		return nil, fmt.Errorf("Anthropic API key is required for Claude (set ANTHROPIC_API_KEY or llm.claude.api_key)")
	}
	if claude.Model == "" {
		claude.Model = "claude-3-5-haiku-latest"
	}
	if claude.MaxTokens <= 0 {
		claude.MaxTokens = 4096
	}

	timeout := common.ParseDurationOr(cfg.Timeout, 2*time.Minute)

	service := &ClaudeService{
		config:      claude,
		temperature: cfg.Temperature,
		timeout:     timeout,
		retry:       NewDefaultRetryConfig(),
		logger:      logger,
		client:      anthropic.NewClient(option.WithAPIKey(claude.APIKey)),
	}

	logger.Debug().
		Str("model", claude.Model).
		Dur("timeout", timeout).
		Int("max_tokens", claude.MaxTokens).
		Msg("Claude LLM service initialized")

	return service, nil
}

// Chat generates a completion for the conversation
func (s *ClaudeService) Chat(ctx context.Context, messages []interfaces.Message) (string, error) {
	claudeMessages, system, err := convertMessagesToClaude(messages)
	if err != nil {
		return "", fmt.Errorf("failed to convert messages to Claude format: %w", err)
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(s.config.Model),
		MaxTokens: int64(s.config.MaxTokens),
		Messages:  claudeMessages,
	}
	if s.temperature > 0 {
		params.Temperature = anthropic.Float(float64(s.temperature))
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	start := time.Now()
	text, err := withRetry(timeoutCtx, s.retry, s.logger, s.Provider(), func(ctx context.Context) (string, error) {
		resp, err := s.client.Messages.New(ctx, params)
		if err != nil {
			return "", fmt.Errorf("Claude API call failed: %w", err)
		}

		var response strings.Builder
		for _, block := range resp.Content {
			if block.Type == "text" {
				response.WriteString(block.Text)
			}
		}
		if response.Len() == 0 {
			return "", fmt.Errorf("no response generated from Claude API")
		}
		return response.String(), nil
	})
	if err != nil {
		s.logger.Error().Err(err).Int("message_count", len(messages)).Msg("Claude chat completion failed")
		return "", fmt.Errorf("chat completion failed: %w", err)
	}

	s.logger.Debug().
		Int("response_length", len(text)).
		Dur("duration", time.Since(start)).
		Msg("Claude chat completion completed")

	return text, nil
}

// Provider returns "claude"
func (s *ClaudeService) Provider() string {
	return string(common.LLMProviderClaude)
}

// Close is a no-op; the HTTP client needs no cleanup
func (s *ClaudeService) Close() error {
	return nil
}
