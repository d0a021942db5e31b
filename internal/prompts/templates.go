package prompts

import (
	"github.com/tmc/langchaingo/llms"

	"github.com/avvvet/veribuddy-dispatch/internal/memory"
	"github.com/avvvet/veribuddy-dispatch/internal/models"
)

const SystemPrompt = `You are VeriBuddy, an assistant for a learning community built on verifiable credentials. You help with channel moderation, credential operations, courses and support.

IMPORTANT RULES:
1. When the user asks for an operation, call exactly one of the provided functions
2. Work on ONE action at a time; if several are mentioned, pick the first one
3. Extract function parameters from the conversation, never invent identifiers
4. For anything that is not an operation, answer briefly in plain text
5. Keep answers short and factual`

const FallbackMessage = "I didn't understand your request clearly. Could you rephrase what you'd like me to help you with?"

// BuildMessages assembles the completion request: one system instruction,
// the trailing context window, then the current user message. The current
// message is skipped when it is already the last context entry so it never
// appears twice.
func BuildMessages(history []memory.Message, current string) []llms.MessageContent {
	messages := []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeSystem, SystemPrompt),
	}

	for _, msg := range history {
		role := llms.ChatMessageTypeHuman
		if msg.Role == models.RoleAssistant {
			role = llms.ChatMessageTypeAI
		}
		messages = append(messages, llms.TextParts(role, msg.Content))
	}

	if n := len(history); n == 0 || history[n-1].Role != models.RoleUser || history[n-1].Content != current {
		messages = append(messages, llms.TextParts(llms.ChatMessageTypeHuman, current))
	}

	return messages
}
