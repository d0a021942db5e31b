// Package handlers contains the dispatch orchestrator: the single entry
// point that turns one inbound chat message into a typed action or a text
// reply. Sequence: guard, response cache, deterministic match, context load,
// completion fallback, normalization, context update, delivery.
package handlers

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/avvvet/veribuddy-dispatch/internal/cache"
	"github.com/avvvet/veribuddy-dispatch/internal/catalog"
	"github.com/avvvet/veribuddy-dispatch/internal/guard"
	"github.com/avvvet/veribuddy-dispatch/internal/intent"
	"github.com/avvvet/veribuddy-dispatch/internal/llm"
	"github.com/avvvet/veribuddy-dispatch/internal/memory"
	"github.com/avvvet/veribuddy-dispatch/internal/models"
	"github.com/avvvet/veribuddy-dispatch/internal/prompts"
)

const tryLaterMessage = "You're sending requests too quickly. Please try again in a moment."

// Stats are the orchestrator's telemetry counters.
type Stats struct {
	Received     uint64 `json:"received"`
	Rejected     uint64 `json:"rejected"`
	CacheHits    uint64 `json:"cache_hits"`
	LocalMatches uint64 `json:"local_matches"`
	AICalls      uint64 `json:"ai_calls"`
	Degraded     uint64 `json:"degraded"`
	Repaired     uint64 `json:"repaired"`
	Errors       uint64 `json:"errors"`
}

type counters struct {
	received     atomic.Uint64
	rejected     atomic.Uint64
	cacheHits    atomic.Uint64
	localMatches atomic.Uint64
	aiCalls      atomic.Uint64
	degraded     atomic.Uint64
	repaired     atomic.Uint64
	errors       atomic.Uint64
}

// Dispatcher wires the pipeline components together. All of them are
// injected so tests can swap any stage.
type Dispatcher struct {
	tracker   *guard.Tracker
	scheduler *guard.Scheduler
	cache     *cache.Store
	matcher   *intent.Matcher
	contexts  *memory.Manager
	provider  llm.Provider
	roles     intent.RoleChecker

	confidenceThreshold float64
	responseTTL         time.Duration
	logger              zerolog.Logger
	counters            counters
}

// NewDispatcher creates a Dispatcher. cache may be nil to disable the
// identical-recent-request short circuit. roles may be nil, in which case
// admin-only actions are denied for everyone.
func NewDispatcher(
	tracker *guard.Tracker,
	scheduler *guard.Scheduler,
	cacheStore *cache.Store,
	matcher *intent.Matcher,
	contexts *memory.Manager,
	provider llm.Provider,
	roles intent.RoleChecker,
	confidenceThreshold float64,
	responseTTL time.Duration,
	logger zerolog.Logger,
) *Dispatcher {
	return &Dispatcher{
		tracker:             tracker,
		scheduler:           scheduler,
		cache:               cacheStore,
		matcher:             matcher,
		contexts:            contexts,
		provider:            provider,
		roles:               roles,
		confidenceThreshold: confidenceThreshold,
		responseTTL:         responseTTL,
		logger:              logger.With().Str("component", "dispatch").Logger(),
	}
}

// Dispatch processes one inbound message. It never panics or returns an
// error to its caller; every failure mode becomes a typed result. External
// timeouts are the caller's job; there is no mid-flight cancellation.
func (d *Dispatcher) Dispatch(ctx context.Context, req *models.DispatchRequest) (result *models.DispatchResult) {
	d.counters.received.Add(1)

	defer func() {
		if r := recover(); r != nil {
			d.counters.errors.Add(1)
			d.logger.Error().Interface("panic", r).Str("user", req.UserID).Msg("panic in dispatch")
			result = &models.DispatchResult{
				Type:      models.ResultError,
				Message:   "Something went wrong processing your request. Please try again.",
				ErrorCode: models.ErrorInternal,
			}
		}
	}()

	if err := validateRequest(req); err != nil {
		d.counters.errors.Add(1)
		return &models.DispatchResult{
			Type:      models.ResultError,
			Message:   err.Error(),
			ErrorCode: models.ErrorValidation,
		}
	}

	// Guarded: abuse check first, then the per-user scheduler. Both produce
	// a typed "try later" result, never an exception.
	d.tracker.Track(req.UserID, req.OriginID, requestType(req.Text))
	if d.tracker.ShouldBlock(req.UserID, req.OriginID) {
		d.counters.rejected.Add(1)
		return rejectedResult()
	}

	release, err := d.scheduler.Acquire(ctx, req.UserID)
	if err != nil {
		d.counters.rejected.Add(1)
		return rejectedResult()
	}
	defer release()

	// CacheChecked: identical recent request short circuit.
	cacheKey := responseCacheKey(req)
	if d.cache != nil {
		var cached models.DispatchResult
		if d.cache.Get(ctx, cacheKey, &cached) {
			d.counters.cacheHits.Add(1)
			return &cached
		}
	}

	// LocallyMatched: the fast, deterministic, auditable path. It takes
	// priority over the completion fallback whenever it fires.
	match := d.matcher.Match(ctx, req.Text, intent.MatchContext{
		UserID:    req.UserID,
		ChannelID: req.ChannelID,
	})
	if match.IsOperation && match.Confidence > d.confidenceThreshold && match.Action != nil {
		d.counters.localMatches.Add(1)
		return d.deliverAction(ctx, req, match.Action, cacheKey)
	}

	// ContextLoaded -> AIDispatched: only when no local match is confident.
	history := d.contexts.Get(ctx, req.UserID, req.ChannelID)
	d.counters.aiCalls.Add(1)
	normalized := d.provider.Complete(ctx, llm.CompleteRequest{
		UserID:    req.UserID,
		ChannelID: req.ChannelID,
		Text:      req.Text,
		History:   history,
	})
	if normalized.Degraded {
		d.counters.degraded.Add(1)
	}
	if normalized.Stage == models.StageDefault {
		d.counters.repaired.Add(1)
	}

	if normalized.Type == models.ResultFunction && normalized.Action != nil {
		return d.deliverAction(ctx, req, normalized.Action, cacheKey)
	}

	// Normalized -> Delivered, text path: both turns go into context.
	d.contexts.Append(ctx, req.UserID, req.ChannelID, memory.Message{Role: models.RoleUser, Content: req.Text})
	d.contexts.Append(ctx, req.UserID, req.ChannelID, memory.Message{Role: models.RoleAssistant, Content: normalized.Text})

	result = &models.DispatchResult{Type: models.ResultText, Message: normalized.Text}
	if !normalized.Degraded {
		d.cacheResult(ctx, cacheKey, result)
	}
	return result
}

// TelemetryStats snapshots the counters.
func (d *Dispatcher) TelemetryStats() Stats {
	return Stats{
		Received:     d.counters.received.Load(),
		Rejected:     d.counters.rejected.Load(),
		CacheHits:    d.counters.cacheHits.Load(),
		LocalMatches: d.counters.localMatches.Load(),
		AICalls:      d.counters.aiCalls.Load(),
		Degraded:     d.counters.degraded.Load(),
		Repaired:     d.counters.repaired.Load(),
		Errors:       d.counters.errors.Load(),
	}
}

// HealthSnapshot is the payload served on the health subject: orchestrator
// counters plus per-component state sizes.
type HealthSnapshot struct {
	Dispatch       Stats                `json:"dispatch"`
	Tracker        guard.TrackerStats   `json:"tracker"`
	Scheduler      guard.SchedulerStats `json:"scheduler"`
	Cache          cache.Stats          `json:"cache"`
	ActiveContexts int                  `json:"active_contexts"`
}

func (d *Dispatcher) HealthSnapshot(ctx context.Context) HealthSnapshot {
	snap := HealthSnapshot{
		Dispatch:       d.TelemetryStats(),
		Tracker:        d.tracker.Stats(),
		Scheduler:      d.scheduler.Stats(),
		ActiveContexts: d.contexts.ActiveContexts(),
	}
	if d.cache != nil {
		snap.Cache = d.cache.Stats(ctx)
	}
	return snap
}

// deliverAction validates and delivers a typed action result, updating
// context and the response cache on the way out.
func (d *Dispatcher) deliverAction(ctx context.Context, req *models.DispatchRequest, action *models.Action, cacheKey string) *models.DispatchResult {
	// The role gate applies to every path that produced the action. The
	// matcher already checks it, but an inferred action must not bypass it.
	if entry := catalog.Get(action.Name); entry != nil && entry.AdminOnly && !d.isAdmin(ctx, req.UserID) {
		d.logger.Warn().
			Str("user", req.UserID).
			Str("action", action.Name).
			Str("provenance", action.Provenance).
			Msg("admin-only action suppressed")
		// Shaped like a non-match so the permission boundary stays
		// invisible to unauthorized callers. Never cached.
		return &models.DispatchResult{Type: models.ResultText, Message: prompts.FallbackMessage}
	}

	// Catalog validation is the last gate before dispatch. An action that
	// fails here is rejected, never executed.
	if err := catalog.Validate(action.Name, action.Parameters); err != nil {
		d.counters.errors.Add(1)
		d.logger.Warn().Err(err).Str("action", action.Name).Msg("action failed catalog validation")
		return &models.DispatchResult{
			Type:      models.ResultError,
			Message:   "I couldn't assemble a valid request from that. Could you rephrase?",
			ErrorCode: models.ErrorValidation,
		}
	}

	d.contexts.Append(ctx, req.UserID, req.ChannelID, memory.Message{Role: models.RoleUser, Content: req.Text})
	d.contexts.Append(ctx, req.UserID, req.ChannelID, memory.Message{
		Role:    models.RoleAssistant,
		Content: fmt.Sprintf("executed %s", action.Name),
	})

	result := &models.DispatchResult{
		Type:       models.ResultFunction,
		Name:       action.Name,
		Parameters: action.Parameters,
		Provenance: action.Provenance,
	}
	d.cacheResult(ctx, cacheKey, result)

	d.logger.Info().
		Str("user", req.UserID).
		Str("channel", req.ChannelID).
		Str("action", action.Name).
		Str("provenance", action.Provenance).
		Msg("action dispatched")
	return result
}

// isAdmin fails closed: no checker, no user or a lookup error all deny.
func (d *Dispatcher) isAdmin(ctx context.Context, userID string) bool {
	if d.roles == nil || userID == "" {
		return false
	}
	ok, err := d.roles.HasRole(ctx, userID, intent.AdminRole)
	if err != nil {
		d.logger.Warn().Err(err).Str("user", userID).Msg("role lookup failed")
		return false
	}
	return ok
}

func (d *Dispatcher) cacheResult(ctx context.Context, key string, result *models.DispatchResult) {
	if d.cache == nil {
		return
	}
	d.cache.Set(ctx, key, result, cache.Options{TTL: d.responseTTL})
}

func validateRequest(req *models.DispatchRequest) error {
	if req.UserID == "" {
		return fmt.Errorf("user_id is required")
	}
	if req.ChannelID == "" {
		return fmt.Errorf("channel_id is required")
	}
	if strings.TrimSpace(req.Text) == "" {
		return fmt.Errorf("text is required")
	}
	return nil
}

func rejectedResult() *models.DispatchResult {
	return &models.DispatchResult{
		Type:     models.ResultText,
		Message:  tryLaterMessage,
		Rejected: true,
	}
}

func responseCacheKey(req *models.DispatchRequest) string {
	return fmt.Sprintf("response:%s:%s:%s", req.UserID, req.ChannelID, strings.ToLower(strings.TrimSpace(req.Text)))
}

// requestType buckets a message for the abuse tracker's histogram.
func requestType(text string) string {
	lower := strings.ToLower(text)
	switch {
	case containsAny(lower, "ban", "kick", "mute", "warn"):
		return "moderation"
	case containsAny(lower, "credential", "verify", "revoke", "issue"):
		return "credential"
	case containsAny(lower, "explain", "teach", "quiz", "course"):
		return "education"
	case containsAny(lower, "ticket", "support", "upgrade"):
		return "support"
	default:
		return "chat"
	}
}

func containsAny(s string, substrings ...string) bool {
	for _, sub := range substrings {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
