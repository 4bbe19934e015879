package llm

import (
	"context"
	"fmt"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/reqflow/internal/common"
	"github.com/ternarybob/reqflow/internal/interfaces"
)

// NewLLMService creates the provider selected by llm.provider
func NewLLMService(ctx context.Context, cfg *common.LLMConfig, logger arbor.ILogger) (interfaces.LLMService, error) {
	logger.Info().Str("provider", string(cfg.Provider)).Msg("Initializing LLM service")

	switch cfg.Provider {
	case common.LLMProviderOpenAI, "":
		return NewOpenAIService(cfg, logger)
	case common.LLMProviderClaude:
		return NewClaudeService(cfg, logger)
	case common.LLMProviderGemini:
		return NewGeminiService(ctx, cfg, logger)
	default:
		return nil, fmt.Errorf("unsupported LLM provider '%s': must be openai, claude or gemini", cfg.Provider)
	}
}
