// Package memory manages bounded per-(user, channel) conversation context:
// an in-memory cache with its own TTL in front of a persistent store.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

type cachedContext struct {
	data      *ContextData
	fetchedAt time.Time
}

// Manager orchestrates the two-level context lookup. All failures below it
// are logged and absorbed: conversational context is an accelerator, not a
// source of truth, and must never fail the dispatch that touches it.
type Manager struct {
	mu       sync.Mutex
	store    Store
	cache    map[string]*cachedContext
	window   int
	cacheTTL time.Duration
	logger   zerolog.Logger
}

// NewManager creates a Manager keeping the most recent window messages per
// conversation and caching loaded contexts for cacheTTL.
func NewManager(store Store, window int, cacheTTL time.Duration, logger zerolog.Logger) *Manager {
	return &Manager{
		store:    store,
		cache:    make(map[string]*cachedContext),
		window:   window,
		cacheTTL: cacheTTL,
		logger:   logger.With().Str("component", "memory").Logger(),
	}
}

func cacheKey(userID, channelID string) string {
	return fmt.Sprintf("%s:%s", userID, channelID)
}

// Get returns the ordered conversation window for (userID, channelID).
// Lookup failures yield an empty window.
func (m *Manager) Get(ctx context.Context, userID, channelID string) []Message {
	data := m.load(ctx, userID, channelID)
	if data == nil {
		return []Message{}
	}
	return data.Messages
}

// Append re-reads current state, appends msg, trims to the window (oldest
// evicted first) and writes back to both cache and store. The read-modify-
// write is not cross-process locked; concurrent appenders race and the last
// writer's snapshot wins.
func (m *Manager) Append(ctx context.Context, userID, channelID string, msg Message) {
	data := m.load(ctx, userID, channelID)
	if data == nil {
		data = &ContextData{
			UserID:    userID,
			ChannelID: channelID,
			Messages:  []Message{},
			Metadata:  Metadata{StartedAt: time.Now()},
		}
	}

	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	data.Messages = append(data.Messages, msg)
	if len(data.Messages) > m.window {
		data.Messages = data.Messages[len(data.Messages)-m.window:]
	}
	data.Metadata.LastActivity = msg.Timestamp
	data.Metadata.MessageCount = len(data.Messages)

	m.mu.Lock()
	m.cache[cacheKey(userID, channelID)] = &cachedContext{data: data, fetchedAt: time.Now()}
	m.mu.Unlock()

	if err := m.store.Save(ctx, data); err != nil {
		m.logger.Warn().Err(err).
			Str("user", userID).
			Str("channel", channelID).
			Msg("failed to persist context")
	}
}

// Clear removes the conversation from both the cache and the store. A Get
// after Clear sees an empty window, never stale cached data.
func (m *Manager) Clear(ctx context.Context, userID, channelID string) bool {
	m.mu.Lock()
	delete(m.cache, cacheKey(userID, channelID))
	m.mu.Unlock()

	existed, err := m.store.Clear(ctx, userID, channelID)
	if err != nil {
		m.logger.Warn().Err(err).
			Str("user", userID).
			Str("channel", channelID).
			Msg("failed to clear persisted context")
		return false
	}
	return existed
}

// ActiveContexts returns the number of cached conversations.
func (m *Manager) ActiveContexts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.cache)
}

// load returns a private copy of the conversation state. Cached ContextData
// is shared between goroutines and must never be handed out for mutation.
func (m *Manager) load(ctx context.Context, userID, channelID string) *ContextData {
	key := cacheKey(userID, channelID)

	m.mu.Lock()
	cached, ok := m.cache[key]
	if ok && time.Since(cached.fetchedAt) < m.cacheTTL {
		data := cached.data.clone()
		m.mu.Unlock()
		return data
	}
	if ok {
		delete(m.cache, key)
	}
	m.mu.Unlock()

	data, err := m.store.Load(ctx, userID, channelID)
	if err != nil {
		m.logger.Warn().Err(err).
			Str("user", userID).
			Str("channel", channelID).
			Msg("failed to load context")
		return nil
	}

	m.mu.Lock()
	m.cache[key] = &cachedContext{data: data, fetchedAt: time.Now()}
	m.mu.Unlock()
	return data.clone()
}
