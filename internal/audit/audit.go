// Package audit records one row per completion call so credential and
// moderation actions can be tied back to the text that triggered them.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Entry is one audit row.
type Entry struct {
	UserID     string            `json:"user_id"`
	ChannelID  string            `json:"channel_id"`
	Action     string            `json:"action,omitempty"` // empty for text responses
	Parameters map[string]string `json:"parameters,omitempty"`
	Success    bool              `json:"success"`
	Stage      string            `json:"stage"`
	Response   string            `json:"response,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
}

// Recorder is the sink the caller writes to.
type Recorder interface {
	Record(ctx context.Context, entry Entry)
}

// RedisLog keeps a capped per-(user, channel) list of audit rows in Redis.
// Writes are best-effort: a failed audit write never fails the dispatch.
type RedisLog struct {
	client     *redis.Client
	maxEntries int64
	logger     zerolog.Logger
}

func NewRedisLog(client *redis.Client, maxEntries int64, logger zerolog.Logger) *RedisLog {
	return &RedisLog{
		client:     client,
		maxEntries: maxEntries,
		logger:     logger.With().Str("component", "audit").Logger(),
	}
}

func auditKey(userID, channelID string) string {
	return fmt.Sprintf("audit:%s:%s", userID, channelID)
}

// Record appends entry and trims the list to the configured cap.
func (l *RedisLog) Record(ctx context.Context, entry Entry) {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	payload, err := json.Marshal(&entry)
	if err != nil {
		l.logger.Warn().Err(err).Msg("failed to marshal audit entry")
		return
	}

	key := auditKey(entry.UserID, entry.ChannelID)
	pipe := l.client.TxPipeline()
	pipe.LPush(ctx, key, payload)
	pipe.LTrim(ctx, key, 0, l.maxEntries-1)
	if _, err := pipe.Exec(ctx); err != nil {
		l.logger.Warn().Err(err).
			Str("user", entry.UserID).
			Str("channel", entry.ChannelID).
			Msg("failed to write audit entry")
	}
}

// Recent returns up to n newest audit rows for (userID, channelID).
func (l *RedisLog) Recent(ctx context.Context, userID, channelID string, n int64) ([]Entry, error) {
	rows, err := l.client.LRange(ctx, auditKey(userID, channelID), 0, n-1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read audit entries: %w", err)
	}
	entries := make([]Entry, 0, len(rows))
	for _, row := range rows {
		var entry Entry
		if err := json.Unmarshal([]byte(row), &entry); err != nil {
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}
