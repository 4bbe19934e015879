package llm

import (
	"fmt"
	"strings"

	"github.com/ternarybob/reqflow/internal/interfaces"
)

// Message roles accepted by every provider
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// splitSystem validates the conversation and separates the first system prompt
// from the user/assistant turns. At least one user message is required.
func splitSystem(messages []interfaces.Message) ([]interfaces.Message, string, error) {
	if len(messages) == 0 {
		return nil, "", fmt.Errorf("messages cannot be empty")
	}

	hasUser := false
	turns := make([]interfaces.Message, 0, len(messages))
	var system string
	for _, msg := range messages {
		switch msg.Role {
		case RoleSystem:
			if system == "" {
				system = msg.Content
			}
			continue
		case RoleUser:
			hasUser = true
		case RoleAssistant:
		default:
			msg.Role = RoleUser
			hasUser = true
		}
		turns = append(turns, msg)
	}

	if !hasUser {
		return nil, "", fmt.Errorf("at least one message must have role 'user'")
	}
	return turns, system, nil
}

// StripCodeFence removes a surrounding ```json ... ``` fence that chat models
// like to wrap structured output in
func StripCodeFence(text string) string {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "```") {
		return trimmed
	}
	trimmed = strings.TrimPrefix(trimmed, "```")
	if nl := strings.IndexByte(trimmed, '\n'); nl >= 0 {
		trimmed = trimmed[nl+1:]
	}
	trimmed = strings.TrimSuffix(strings.TrimSpace(trimmed), "```")
	return strings.TrimSpace(trimmed)
}
