package handlers

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avvvet/veribuddy-dispatch/internal/cache"
	"github.com/avvvet/veribuddy-dispatch/internal/catalog"
	"github.com/avvvet/veribuddy-dispatch/internal/guard"
	"github.com/avvvet/veribuddy-dispatch/internal/intent"
	"github.com/avvvet/veribuddy-dispatch/internal/llm"
	"github.com/avvvet/veribuddy-dispatch/internal/memory"
	"github.com/avvvet/veribuddy-dispatch/internal/models"
	"github.com/avvvet/veribuddy-dispatch/internal/prompts"
)

type scriptedProvider struct {
	result llm.NormalizedResult
	calls  int
}

func (p *scriptedProvider) Complete(_ context.Context, _ llm.CompleteRequest) llm.NormalizedResult {
	p.calls++
	return p.result
}

type staticRoles struct{ admin bool }

func (r staticRoles) HasRole(_ context.Context, _, _ string) (bool, error) {
	return r.admin, nil
}

type panickingProvider struct{}

func (p *panickingProvider) Complete(_ context.Context, _ llm.CompleteRequest) llm.NormalizedResult {
	panic("provider exploded")
}

type testPipeline struct {
	dispatcher *Dispatcher
	contexts   *memory.Manager
	tracker    *guard.Tracker
}

func newTestPipeline(t *testing.T, provider llm.Provider) *testPipeline {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	cacheStore := cache.New(client, 0, zerolog.Nop())
	t.Cleanup(cacheStore.Close)

	tracker := guard.NewTracker(guard.TrackerConfig{
		OriginWarnThreshold:  50,
		OriginBlockThreshold: 100,
		UserBlockThreshold:   50,
		OriginRecordMaxAge:   24 * time.Hour,
		UserRecordMaxAge:     time.Hour,
	}, zerolog.Nop())
	t.Cleanup(tracker.Close)

	scheduler := guard.NewScheduler(guard.SchedulerConfig{
		MaxConcurrency:  3,
		ReservoirSize:   100,
		ReservoirRefill: 100,
		RefillInterval:  time.Minute,
		AdmissionWait:   100 * time.Millisecond,
	}, zerolog.Nop())
	t.Cleanup(scheduler.Close)

	matcher := intent.NewMatcher(nil, nil, 30*time.Minute, zerolog.Nop())
	contexts := memory.NewManager(memory.NewRedisStore(client, time.Hour), 10, time.Minute, zerolog.Nop())

	dispatcher := NewDispatcher(
		tracker, scheduler, cacheStore, matcher, contexts, provider, nil,
		0.7, 60*time.Second, zerolog.Nop(),
	)
	return &testPipeline{dispatcher: dispatcher, contexts: contexts, tracker: tracker}
}

func TestKickFastPathSkipsAI(t *testing.T) {
	provider := &scriptedProvider{}
	p := newTestPipeline(t, provider)

	result := p.dispatcher.Dispatch(context.Background(), &models.DispatchRequest{
		UserID:    "mod",
		ChannelID: "ch1",
		Text:      "kick that spammer Bob",
	})

	require.Equal(t, models.ResultFunction, result.Type)
	assert.Equal(t, catalog.KickUser, result.Name)
	assert.Equal(t, "Bob", result.Parameters["user"])
	assert.Equal(t, models.ProvenanceMatched, result.Provenance)
	assert.Equal(t, 0, provider.calls, "local match must not reach the completion service")

	stats := p.dispatcher.TelemetryStats()
	assert.Equal(t, uint64(1), stats.LocalMatches)
	assert.Equal(t, uint64(0), stats.AICalls)
}

func TestUpgradeEndToEnd(t *testing.T) {
	p := newTestPipeline(t, &scriptedProvider{})

	result := p.dispatcher.Dispatch(context.Background(), &models.DispatchRequest{
		UserID:    "alice",
		ChannelID: "ch1",
		Text:      "upgrade me to premium",
	})

	require.Equal(t, models.ResultFunction, result.Type)
	assert.Equal(t, catalog.UpgradeSupportTier, result.Name)
	assert.Equal(t, "premium", result.Parameters["target_tier"])
}

func TestConversationalFallbackAppendsBothTurns(t *testing.T) {
	provider := &scriptedProvider{result: llm.NormalizedResult{
		Type:  models.ResultText,
		Text:  "Why did the DID cross the road?",
		Stage: models.StageText,
	}}
	p := newTestPipeline(t, provider)

	result := p.dispatcher.Dispatch(context.Background(), &models.DispatchRequest{
		UserID:    "alice",
		ChannelID: "ch1",
		Text:      "tell me a joke about cheqd",
	})

	require.Equal(t, models.ResultText, result.Type)
	assert.Equal(t, "Why did the DID cross the road?", result.Message)
	assert.Equal(t, 1, provider.calls)

	messages := p.contexts.Get(context.Background(), "alice", "ch1")
	require.Len(t, messages, 2)
	assert.Equal(t, models.RoleUser, messages[0].Role)
	assert.Equal(t, "tell me a joke about cheqd", messages[0].Content)
	assert.Equal(t, models.RoleAssistant, messages[1].Role)
}

func TestBlockedUserRejectedNotErrored(t *testing.T) {
	p := newTestPipeline(t, &scriptedProvider{})

	for i := 0; i < 51; i++ {
		p.tracker.Track("flooder", "10.0.0.9", "chat")
	}

	result := p.dispatcher.Dispatch(context.Background(), &models.DispatchRequest{
		UserID:    "flooder",
		ChannelID: "ch1",
		Text:      "hello",
	})

	assert.Equal(t, models.ResultText, result.Type, "rejection is a typed non-error result")
	assert.True(t, result.Rejected)
	assert.NotEmpty(t, result.Message)
	assert.Equal(t, uint64(1), p.dispatcher.TelemetryStats().Rejected)
}

func TestIdenticalRecentRequestServedFromCache(t *testing.T) {
	provider := &scriptedProvider{result: llm.NormalizedResult{
		Type:  models.ResultText,
		Text:  "cached answer",
		Stage: models.StageText,
	}}
	p := newTestPipeline(t, provider)

	req := &models.DispatchRequest{UserID: "alice", ChannelID: "ch1", Text: "something unusual"}
	first := p.dispatcher.Dispatch(context.Background(), req)
	second := p.dispatcher.Dispatch(context.Background(), req)

	assert.Equal(t, first.Message, second.Message)
	assert.Equal(t, 1, provider.calls, "second request must short-circuit on the cache")
	assert.Equal(t, uint64(1), p.dispatcher.TelemetryStats().CacheHits)
}

func TestAIFunctionResultDelivered(t *testing.T) {
	provider := &scriptedProvider{result: llm.NormalizedResult{
		Type: models.ResultFunction,
		Action: &models.Action{
			Name:       catalog.WarnUser,
			Parameters: map[string]string{"user": "bob", "reason": "spamming"},
			Provenance: models.ProvenanceInferred,
		},
		Stage: models.StageToolCall,
	}}
	p := newTestPipeline(t, provider)

	result := p.dispatcher.Dispatch(context.Background(), &models.DispatchRequest{
		UserID:    "alice",
		ChannelID: "ch1",
		Text:      "bob keeps posting spam, do something reasonable",
	})

	require.Equal(t, models.ResultFunction, result.Type)
	assert.Equal(t, catalog.WarnUser, result.Name)
	assert.Equal(t, models.ProvenanceInferred, result.Provenance)

	messages := p.contexts.Get(context.Background(), "alice", "ch1")
	require.Len(t, messages, 2, "function delivery updates context too")
}

func TestInvalidAIActionNeverDispatched(t *testing.T) {
	provider := &scriptedProvider{result: llm.NormalizedResult{
		Type: models.ResultFunction,
		Action: &models.Action{
			Name:       catalog.KickUser,
			Parameters: map[string]string{}, // missing required "user"
			Provenance: models.ProvenanceInferred,
		},
		Stage: models.StageToolCall,
	}}
	p := newTestPipeline(t, provider)

	result := p.dispatcher.Dispatch(context.Background(), &models.DispatchRequest{
		UserID:    "alice",
		ChannelID: "ch1",
		Text:      "do whatever",
	})

	assert.Equal(t, models.ResultError, result.Type)
	assert.Equal(t, models.ErrorValidation, result.ErrorCode)
	assert.Empty(t, result.Name, "invalid action must never be dispatched")
}

func TestAdminGateHoldsOnInferredActions(t *testing.T) {
	// The matcher's role gate is not enough on its own: a completion tool
	// call naming a privileged action arrives here without ever passing a
	// rule. The gate must hold regardless of provenance.
	provider := &scriptedProvider{result: llm.NormalizedResult{
		Type:  models.ResultFunction,
		Stage: models.StageToolCall,
		Action: &models.Action{
			Name:       catalog.RevokeCredential,
			Parameters: map[string]string{"credential_id": "0f8fad5b-d9cb-469f-a165-70867728950e"},
			Provenance: models.ProvenanceInferred,
		},
	}}
	p := newTestPipeline(t, provider)

	result := p.dispatcher.Dispatch(context.Background(), &models.DispatchRequest{
		UserID:    "peon",
		ChannelID: "ch1",
		Text:      "please remove authorization 0f8fad5b-d9cb-469f-a165-70867728950e",
	})

	require.Equal(t, models.ResultText, result.Type, "non-admin revocation must never dispatch")
	assert.Empty(t, result.Name)
	assert.Equal(t, prompts.FallbackMessage, result.Message, "denial is shaped like a non-match")
	assert.Equal(t, 1, provider.calls)
}

func TestAdminGatePassesAdmins(t *testing.T) {
	provider := &scriptedProvider{result: llm.NormalizedResult{
		Type:  models.ResultFunction,
		Stage: models.StageToolCall,
		Action: &models.Action{
			Name:       catalog.RevokeCredential,
			Parameters: map[string]string{"credential_id": "0f8fad5b-d9cb-469f-a165-70867728950e"},
			Provenance: models.ProvenanceInferred,
		},
	}}
	p := newTestPipeline(t, provider)
	p.dispatcher.roles = staticRoles{admin: true}

	result := p.dispatcher.Dispatch(context.Background(), &models.DispatchRequest{
		UserID:    "moderator",
		ChannelID: "ch1",
		Text:      "please remove authorization 0f8fad5b-d9cb-469f-a165-70867728950e",
	})

	require.Equal(t, models.ResultFunction, result.Type)
	assert.Equal(t, catalog.RevokeCredential, result.Name)
}

func TestMissingFieldsValidation(t *testing.T) {
	p := newTestPipeline(t, &scriptedProvider{})

	result := p.dispatcher.Dispatch(context.Background(), &models.DispatchRequest{
		UserID:    "alice",
		ChannelID: "ch1",
		Text:      "   ",
	})

	assert.Equal(t, models.ResultError, result.Type)
	assert.Equal(t, models.ErrorValidation, result.ErrorCode)
}

func TestPanicConvertedToTypedError(t *testing.T) {
	p := newTestPipeline(t, &panickingProvider{})

	var result *models.DispatchResult
	require.NotPanics(t, func() {
		result = p.dispatcher.Dispatch(context.Background(), &models.DispatchRequest{
			UserID:    "alice",
			ChannelID: "ch1",
			Text:      "something the matcher won't catch",
		})
	})

	require.NotNil(t, result)
	assert.Equal(t, models.ResultError, result.Type)
	assert.Equal(t, models.ErrorInternal, result.ErrorCode)
}

func TestDegradedResultNotCached(t *testing.T) {
	provider := &scriptedProvider{result: llm.NormalizedResult{
		Type:     models.ResultText,
		Text:     "canned offline reply",
		Stage:    models.StageOffline,
		Degraded: true,
	}}
	p := newTestPipeline(t, provider)

	req := &models.DispatchRequest{UserID: "alice", ChannelID: "ch1", Text: "unusual phrasing"}
	p.dispatcher.Dispatch(context.Background(), req)
	p.dispatcher.Dispatch(context.Background(), req)

	assert.Equal(t, 2, provider.calls, "degraded replies are retried, not cached")
	assert.Equal(t, uint64(2), p.dispatcher.TelemetryStats().Degraded)
}

func TestHealthSnapshotReflectsActivity(t *testing.T) {
	p := newTestPipeline(t, &scriptedProvider{})

	p.dispatcher.Dispatch(context.Background(), &models.DispatchRequest{
		UserID:    "mod",
		ChannelID: "ch1",
		Text:      "kick that spammer Bob",
	})

	snap := p.dispatcher.HealthSnapshot(context.Background())
	assert.Equal(t, uint64(1), snap.Dispatch.Received)
	assert.Equal(t, 1, snap.Tracker.Users)
	assert.Positive(t, snap.Cache.Valid, "delivered action is cached")
	assert.Equal(t, 1, snap.ActiveContexts)
}
