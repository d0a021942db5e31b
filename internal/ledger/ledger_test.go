package ledger

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
)

type countingClient struct {
	inner Client
	calls int
}

func (c *countingClient) HasRole(ctx context.Context, userID, role string) (bool, error) {
	c.calls++
	return c.inner.HasRole(ctx, userID, role)
}

func (c *countingClient) CredentialExists(ctx context.Context, credentialID string) (bool, error) {
	c.calls++
	return c.inner.CredentialExists(ctx, credentialID)
}

func (c *countingClient) TypesForUser(ctx context.Context, userID string) ([]string, error) {
	c.calls++
	return c.inner.TypesForUser(ctx, userID)
}

func newTestLedger(t *testing.T) (*RedisClient, *cache.Store, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	cacheStore := cache.New(client, 0, zerolog.Nop())
	t.Cleanup(cacheStore.Close)
	return NewRedisClient(client), cacheStore, client
}

func TestRedisClientLookups(t *testing.T) {
	ledger, _, client := newTestLedger(t)
	ctx := context.Background()

	require.NoError(t, client.SAdd(ctx, "roles:alice", "admin").Err())
	require.NoError(t, client.Set(ctx, "credential:cred-1", "{}", 0).Err())
	require.NoError(t, client.SAdd(ctx, "credential_types:alice", "membership").Err())

	has, err := ledger.HasRole(ctx, "alice", "admin")
	require.NoError(t, err)
	assert.True(t, has)

	has, err = ledger.HasRole(ctx, "bob", "admin")
	require.NoError(t, err)
	assert.False(t, has)

	exists, err := ledger.CredentialExists(ctx, "cred-1")
	require.NoError(t, err)
	assert.True(t, exists)

	exists, err = ledger.CredentialExists(ctx, "cred-2")
	require.NoError(t, err)
	assert.False(t, exists)

	types, err := ledger.TypesForUser(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, []string{"membership"}, types)
}

func TestCachedClientMemoizes(t *testing.T) {
	ledger, cacheStore, client := newTestLedger(t)
	ctx := context.Background()

	require.NoError(t, client.SAdd(ctx, "roles:alice", "admin").Err())

	counting := &countingClient{inner: ledger}
	cached := NewCachedClient(counting, cacheStore, time.Minute)

	for i := 0; i < 3; i++ {
		has, err := cached.HasRole(ctx, "alice", "admin")
		require.NoError(t, err)
		assert.True(t, has)
	}
	assert.Equal(t, 1, counting.calls, "repeated lookups hit the cache")
}
