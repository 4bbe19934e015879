package llm

import (
	"context"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/reqflow/internal/common"
	"github.com/ternarybob/reqflow/internal/interfaces"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
)

// OpenAIService implements LLMService over langchaingo's OpenAI client.
// BaseURL allows any OpenAI-compatible gateway.
type OpenAIService struct {
	model       llms.Model
	modelName   string
	temperature float32
	timeout     time.Duration
	retry       *RetryConfig
	logger      arbor.ILogger
}

// convertMessagesToLangchain maps the conversation onto langchaingo message content,
// system prompt first
func convertMessagesToLangchain(messages []interfaces.Message) ([]llms.MessageContent, error) {
	turns, system, err := splitSystem(messages)
	if err != nil {
		return nil, err
	}

	out := make([]llms.MessageContent, 0, len(turns)+1)
	if system != "" {
		out = append(out, llms.MessageContent{
			Role:  llms.ChatMessageTypeSystem,
			Parts: []llms.ContentPart{llms.TextPart(system)},
		})
	}
	for _, msg := range turns {
		role := llms.ChatMessageTypeHuman
		if msg.Role == RoleAssistant {
			role = llms.ChatMessageTypeAI
		}
		out = append(out, llms.MessageContent{
			Role:  role,
			Parts: []llms.ContentPart{llms.TextPart(msg.Content)},
		})
	}
	return out, nil
}

// NewOpenAIService creates an OpenAI LLM service
func NewOpenAIService(cfg *common.LLMConfig, logger arbor.ILogger) (*OpenAIService, error) {
	if cfg.OpenAI.APIKey == "" {
		return nil, fmt.Errorf("OpenAI API key is required (set OPENAI_API_KEY or llm.openai.api_key)")
	}
	modelName := cfg.OpenAI.Model
	if modelName == "" {
		modelName = "gpt-4o-mini"
	}

	opts := []openai.Option{
		openai.WithToken(cfg.OpenAI.APIKey),
		openai.WithModel(modelName),
	}
	if cfg.OpenAI.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(cfg.OpenAI.BaseURL))
	}

	model, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize OpenAI client: %w", err)
	}

	timeout := common.ParseDurationOr(cfg.Timeout, 2*time.Minute)
	logger.Debug().
		Str("model", modelName).
		Str("base_url", cfg.OpenAI.BaseURL).
		Dur("timeout", timeout).
		Msg("OpenAI LLM service initialized")

	return &OpenAIService{
		model:       model,
		modelName:   modelName,
		temperature: cfg.Temperature,
		timeout:     timeout,
		retry:       NewDefaultRetryConfig(),
		logger:      logger,
	}, nil
}

// Chat generates a completion for the conversation
func (s *OpenAIService) Chat(ctx context.Context, messages []interfaces.Message) (string, error) {
	content, err := convertMessagesToLangchain(messages)
	if err != nil {
		return "", fmt.Errorf("failed to convert messages to OpenAI format: %w", err)
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	start := time.Now()
	text, err := withRetry(timeoutCtx, s.retry, s.logger, s.Provider(), func(ctx context.Context) (string, error) {
		resp, err := s.model.GenerateContent(ctx, content, llms.WithTemperature(float64(s.temperature)))
		if err != nil {
			return "", fmt.Errorf("OpenAI API call failed: %w", err)
		}
		if len(resp.Choices) == 0 || resp.Choices[0].Content == "" {
			return "", fmt.Errorf("no response generated from OpenAI API")
		}
		return resp.Choices[0].Content, nil
	})
	if err != nil {
		s.logger.Error().Err(err).Int("message_count", len(messages)).Msg("OpenAI chat completion failed")
		return "", fmt.Errorf("chat completion failed: %w", err)
	}

	s.logger.Debug().
		Str("model", s.modelName).
		Int("response_length", len(text)).
		Dur("duration", time.Since(start)).
		Msg("OpenAI chat completion completed")

	return text, nil
}

// Provider returns "openai"
func (s *OpenAIService) Provider() string {
	return string(common.LLMProviderOpenAI)
}

// Close is a no-op
func (s *OpenAIService) Close() error {
	return nil
}
