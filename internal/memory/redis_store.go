package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore implements Store on Redis.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisStore creates a Redis-backed context store. ttl bounds how long an
// inactive conversation survives; every Save refreshes it.
func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, ttl: ttl}
}

func contextKey(userID, channelID string) string {
	return fmt.Sprintf("context:%s:%s", userID, channelID)
}

// Load loads the context for (userID, channelID). A missing row yields an
// empty context, not an error.
func (r *RedisStore) Load(ctx context.Context, userID, channelID string) (*ContextData, error) {
	data, err := r.client.Get(ctx, contextKey(userID, channelID)).Result()
	if err == redis.Nil {
		return &ContextData{
			UserID:    userID,
			ChannelID: channelID,
			Messages:  []Message{},
			Metadata: Metadata{
				StartedAt:    time.Now(),
				LastActivity: time.Now(),
			},
		}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load context: %w", err)
	}

	var stored ContextData
	if err := json.Unmarshal([]byte(data), &stored); err != nil {
		return nil, fmt.Errorf("failed to parse context data: %w", err)
	}
	return &stored, nil
}

// Save upserts the context with a refreshed TTL. Last writer wins; the
// context is advisory state, so racing writers need no coordination.
func (r *RedisStore) Save(ctx context.Context, data *ContextData) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal context: %w", err)
	}
	if err := r.client.Set(ctx, contextKey(data.UserID, data.ChannelID), payload, r.ttl).Err(); err != nil {
		return fmt.Errorf("failed to save context: %w", err)
	}
	return nil
}

// Clear removes the persisted context.
func (r *RedisStore) Clear(ctx context.Context, userID, channelID string) (bool, error) {
	n, err := r.client.Del(ctx, contextKey(userID, channelID)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to clear context: %w", err)
	}
	return n > 0, nil
}
