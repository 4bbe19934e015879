package llm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/reqflow/internal/common"
	"github.com/ternarybob/reqflow/internal/interfaces"
	"google.golang.org/genai"
)

// GeminiService implements LLMService using the Gemini API
type GeminiService struct {
	model       string
	temperature float32
	timeout     time.Duration
	retry       *RetryConfig
	logger      arbor.ILogger
	client      *genai.Client
}

// convertMessagesToGemini maps the conversation onto Gemini contents.
// The first system message is returned separately for SystemInstruction.
func convertMessagesToGemini(messages []interfaces.Message) ([]*genai.Content, string, error) {
	turns, system, err := splitSystem(messages)
	if err != nil {
		return nil, "", err
	}

	contents := make([]*genai.Content, 0, len(turns))
	for _, msg := range turns {
		role := genai.RoleUser
		if msg.Role == RoleAssistant {
			role = genai.RoleModel
		}
		contents = append(contents, &genai.Content{
			Role:  role,
			Parts: []*genai.Part{genai.NewPartFromText(msg.Content)},
		})
	}
	return contents, system, nil
}

// NewGeminiService creates a Gemini LLM service
func NewGeminiService(ctx context.Context, cfg *common.LLMConfig, logger arbor.ILogger) (*GeminiService, error) {
	if cfg.Gemini.APIKey == "" {
		return nil, fmt.Errorf("Google API key is required for Gemini (set GOOGLE_API_KEY or llm.gemini.api_key)")
	}
	model := cfg.Gemini.Model
	if model == "" {
		model = "gemini-2.0-flash"
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.Gemini.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize genai client: %w", err)
	}

	timeout := common.ParseDurationOr(cfg.Timeout, 2*time.Minute)
	logger.Debug().
		Str("model", model).
		Dur("timeout", timeout).
		Msg("Gemini LLM service initialized")

	return &GeminiService{
		model:       model,
		temperature: cfg.Temperature,
		timeout:     timeout,
		retry:       NewDefaultRetryConfig(),
		logger:      logger,
		client:      client,
	}, nil
}

// Chat generates a completion for the conversation
func (s *GeminiService) Chat(ctx context.Context, messages []interfaces.Message) (string, error) {
	contents, system, err := convertMessagesToGemini(messages)
	if err != nil {
		return "", fmt.Errorf("failed to convert messages to Gemini format: %w", err)
	}

	config := &genai.GenerateContentConfig{
		Temperature: genai.Ptr(s.temperature),
	}
	if system != "" {
		config.SystemInstruction = genai.NewContentFromText(system, genai.RoleUser)
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	start := time.Now()
	text, err := withRetry(timeoutCtx, s.retry, s.logger, s.Provider(), func(ctx context.Context) (string, error) {
		resp, err := s.client.Models.GenerateContent(ctx, s.model, contents, config)
		if err != nil {
			return "", fmt.Errorf("chat generation failed: %w", err)
		}

		// First candidate with text wins
		var response strings.Builder
		if resp != nil {
			for _, candidate := range resp.Candidates {
				if candidate.Content == nil {
					continue
				}
				for _, part := range candidate.Content.Parts {
					response.WriteString(part.Text)
				}
				if response.Len() > 0 {
					break
				}
			}
		}
		if response.Len() == 0 {
			return "", fmt.Errorf("no response generated from chat model")
		}
		return response.String(), nil
	})
	if err != nil {
		s.logger.Error().Err(err).Int("message_count", len(messages)).Msg("Gemini chat completion failed")
		return "", fmt.Errorf("chat completion failed: %w", err)
	}

	s.logger.Debug().
		Int("response_length", len(text)).
		Dur("duration", time.Since(start)).
		Msg("Gemini chat completion completed")

	return text, nil
}

// Provider returns "gemini"
func (s *GeminiService) Provider() string {
	return string(common.LLMProviderGemini)
}

// Close releases the client
func (s *GeminiService) Close() error {
	s.client = nil
	return nil
}
