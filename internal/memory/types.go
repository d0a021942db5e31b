package memory

import (
	"context"
	"time"
)

// Message is a single conversation turn.
type Message struct {
	Role      string    `json:"role"` // "user" or "assistant"
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// ContextData is the persisted conversation window for one (user, channel).
type ContextData struct {
	UserID    string    `json:"user_id"`
	ChannelID string    `json:"channel_id"`
	Messages  []Message `json:"messages"`
	Metadata  Metadata  `json:"metadata"`
}

// clone makes a copy with its own message slice, so the receiver can stay
// shared read-only while the copy is mutated.
func (d *ContextData) clone() *ContextData {
	if d == nil {
		return nil
	}
	out := *d
	out.Messages = make([]Message, len(d.Messages))
	copy(out.Messages, d.Messages)
	return &out
}

// Metadata tracks conversation bookkeeping.
type Metadata struct {
	StartedAt    time.Time `json:"started_at"`
	LastActivity time.Time `json:"last_activity"`
	MessageCount int       `json:"message_count"`
}

// Store is the persistent backing for conversation context. The Redis
// implementation is the production one; tests use an in-memory one.
type Store interface {
	// Load returns the stored context, or an empty one when none exists.
	Load(ctx context.Context, userID, channelID string) (*ContextData, error)

	// Save upserts the context and refreshes its TTL.
	Save(ctx context.Context, data *ContextData) error

	// Clear removes the stored context. Returns true when a row existed.
	Clear(ctx context.Context, userID, channelID string) (bool, error)
}
