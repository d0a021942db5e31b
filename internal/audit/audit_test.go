package audit

import (
	"context"
	"fmt"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLog(t *testing.T, max int64) *RedisLog {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisLog(client, max, zerolog.Nop())
}

func TestRecordAndRecent(t *testing.T) {
	log := newTestLog(t, 200)
	ctx := context.Background()

	log.Record(ctx, Entry{
		UserID:     "alice",
		ChannelID:  "ch1",
		Action:     "kick_user",
		Parameters: map[string]string{"user": "bob"},
		Success:    true,
		Stage:      "tool_call",
	})
	log.Record(ctx, Entry{UserID: "alice", ChannelID: "ch1", Response: "hi", Success: true, Stage: "text"})

	entries, err := log.Recent(ctx, "alice", "ch1", 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	// Newest first.
	assert.Equal(t, "hi", entries[0].Response)
	assert.Equal(t, "kick_user", entries[1].Action)
	assert.Equal(t, "bob", entries[1].Parameters["user"])
	assert.False(t, entries[0].CreatedAt.IsZero())
}

func TestListCapped(t *testing.T) {
	log := newTestLog(t, 5)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		log.Record(ctx, Entry{UserID: "alice", ChannelID: "ch1", Response: fmt.Sprintf("r%d", i), Stage: "text"})
	}

	entries, err := log.Recent(ctx, "alice", "ch1", 100)
	require.NoError(t, err)
	require.Len(t, entries, 5)
	assert.Equal(t, "r9", entries[0].Response, "cap keeps the newest rows")
}

func TestConversationsSeparate(t *testing.T) {
	log := newTestLog(t, 200)
	ctx := context.Background()

	log.Record(ctx, Entry{UserID: "alice", ChannelID: "ch1", Response: "a", Stage: "text"})
	log.Record(ctx, Entry{UserID: "alice", ChannelID: "ch2", Response: "b", Stage: "text"})

	entries, err := log.Recent(ctx, "alice", "ch1", 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "a", entries[0].Response)
}
