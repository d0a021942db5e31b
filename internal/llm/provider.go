package llm

import (
	"context"

	"github.com/tmc/langchaingo/llms"

	"github.com/avvvet/veribuddy-dispatch/internal/memory"
	"github.com/avvvet/veribuddy-dispatch/internal/models"
)

// CompletionClient is the slice of langchaingo's model interface the caller
// needs. *openai.LLM satisfies it; tests plug in fakes.
type CompletionClient interface {
	GenerateContent(ctx context.Context, messages []llms.MessageContent, options ...llms.CallOption) (*llms.ContentResponse, error)
}

// CompleteRequest is one fallback invocation.
type CompleteRequest struct {
	UserID    string
	ChannelID string
	Text      string
	History   []memory.Message
}

// NormalizedResult is the caller's output: either a typed action or plain
// text, with the normalization stage that produced it and whether the
// offline responder had to stand in.
type NormalizedResult struct {
	Type     string // models.ResultFunction or models.ResultText
	Action   *models.Action
	Text     string
	Stage    string // models.Stage*
	Degraded bool
}

// Caller contract: Complete never returns an error. Whatever goes wrong
// upstream, the user gets a usable result.
type Provider interface {
	Complete(ctx context.Context, req CompleteRequest) NormalizedResult
}
