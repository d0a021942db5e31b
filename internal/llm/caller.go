// Package llm invokes the external completion service with the full function
// catalog and normalizes whatever comes back: a structured call, free text
// that still describes an action, or plain conversation. When the service is
// down it degrades to an offline keyword responder instead of failing.
package llm

import (
	"context"

	"github.com/rs/zerolog"
	"github.com/tmc/langchaingo/llms"

	"github.com/avvvet/veribuddy-dispatch/internal/audit"
	"github.com/avvvet/veribuddy-dispatch/internal/catalog"
	"github.com/avvvet/veribuddy-dispatch/internal/models"
	"github.com/avvvet/veribuddy-dispatch/internal/prompts"
)

// Caller implements Provider against a langchaingo completion client.
type Caller struct {
	client      CompletionClient // nil means permanently degraded
	temperature float64
	maxTokens   int
	recorder    audit.Recorder
	logger      zerolog.Logger
}

// NewCaller creates a Caller. client may be nil (no API key configured), in
// which case every Complete goes through the offline responder. recorder may
// be nil to disable auditing.
func NewCaller(client CompletionClient, temperature float64, maxTokens int, recorder audit.Recorder, logger zerolog.Logger) *Caller {
	return &Caller{
		client:      client,
		temperature: temperature,
		maxTokens:   maxTokens,
		recorder:    recorder,
		logger:      logger.With().Str("component", "llm").Logger(),
	}
}

// Complete runs one fallback call. It never returns an error: upstream
// failures and malformed responses all normalize into a usable result.
func (c *Caller) Complete(ctx context.Context, req CompleteRequest) NormalizedResult {
	if c.client == nil {
		result := offlineRespond(req.Text)
		c.record(ctx, req, result)
		return result
	}

	messages := prompts.BuildMessages(req.History, req.Text)
	resp, err := c.client.GenerateContent(ctx, messages,
		llms.WithTemperature(c.temperature),
		llms.WithMaxTokens(c.maxTokens),
		llms.WithTools(catalog.Tools()),
	)
	if err != nil {
		c.logger.Warn().Err(err).Str("user", req.UserID).Msg("completion service unavailable, degrading")
		result := offlineRespond(req.Text)
		c.record(ctx, req, result)
		return result
	}

	result := c.normalize(resp)
	c.record(ctx, req, result)
	return result
}

// normalize is the three-stage parse pipeline: strict tool-call decode,
// lenient JSON extraction, then free-text promotion, falling through to a
// plain text result. The chosen stage rides on the result for telemetry.
func (c *Caller) normalize(resp *llms.ContentResponse) NormalizedResult {
	if resp == nil || len(resp.Choices) == 0 {
		c.logger.Warn().Msg("empty completion response")
		return NormalizedResult{
			Type:  models.ResultText,
			Text:  prompts.FallbackMessage,
			Stage: models.StageDefault,
		}
	}
	choice := resp.Choices[0]
	if len(choice.GenerationInfo) > 0 {
		c.logger.Debug().Interface("usage", choice.GenerationInfo).Msg("completion usage")
	}

	if len(choice.ToolCalls) > 0 {
		action, stage, err := decodeToolCall(choice.ToolCalls[0])
		if err != nil {
			// Malformed structured output: safe canned default, not an error.
			c.logger.Warn().Err(err).Msg("malformed tool call in completion response")
			return NormalizedResult{
				Type:  models.ResultText,
				Text:  prompts.FallbackMessage,
				Stage: models.StageDefault,
			}
		}
		return NormalizedResult{Type: models.ResultFunction, Action: action, Stage: stage}
	}

	content := choice.Content
	if action, ok := extractAction(content); ok {
		return NormalizedResult{Type: models.ResultFunction, Action: action, Stage: models.StageExtracted}
	}
	if action, ok := promote(content); ok {
		return NormalizedResult{Type: models.ResultFunction, Action: action, Stage: models.StagePromoted}
	}
	if content == "" {
		content = prompts.FallbackMessage
	}
	return NormalizedResult{Type: models.ResultText, Text: content, Stage: models.StageText}
}

func (c *Caller) record(ctx context.Context, req CompleteRequest, result NormalizedResult) {
	if c.recorder == nil {
		return
	}
	entry := audit.Entry{
		UserID:    req.UserID,
		ChannelID: req.ChannelID,
		Success:   !result.Degraded,
		Stage:     result.Stage,
	}
	if result.Action != nil {
		entry.Action = result.Action.Name
		entry.Parameters = result.Action.Parameters
	} else {
		entry.Response = result.Text
	}
	c.recorder.Record(ctx, entry)
}
