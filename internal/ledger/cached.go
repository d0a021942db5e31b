package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/avvvet/veribuddy-dispatch/internal/cache"
)

// Client is what the intent matcher needs from the ledger mirror.
type Client interface {
	HasRole(ctx context.Context, userID, role string) (bool, error)
	CredentialExists(ctx context.Context, credentialID string) (bool, error)
	TypesForUser(ctx context.Context, userID string) ([]string, error)
}

// CachedClient memoizes ledger lookups through the shared cache store. Role
// changes and freshly issued credentials become visible after at most ttl.
type CachedClient struct {
	inner Client
	cache *cache.Store
	ttl   time.Duration
}

func NewCachedClient(inner Client, cacheStore *cache.Store, ttl time.Duration) *CachedClient {
	return &CachedClient{inner: inner, cache: cacheStore, ttl: ttl}
}

func (c *CachedClient) HasRole(ctx context.Context, userID, role string) (bool, error) {
	var has bool
	err := c.cache.GetOrSet(ctx, fmt.Sprintf("ledger:role:%s:%s", userID, role), &has,
		cache.Options{TTL: c.ttl}, func() (any, error) {
			return c.inner.HasRole(ctx, userID, role)
		})
	return has, err
}

func (c *CachedClient) CredentialExists(ctx context.Context, credentialID string) (bool, error) {
	var exists bool
	err := c.cache.GetOrSet(ctx, fmt.Sprintf("ledger:credential:%s", credentialID), &exists,
		cache.Options{TTL: c.ttl}, func() (any, error) {
			return c.inner.CredentialExists(ctx, credentialID)
		})
	return exists, err
}

func (c *CachedClient) TypesForUser(ctx context.Context, userID string) ([]string, error) {
	var types []string
	err := c.cache.GetOrSet(ctx, fmt.Sprintf("ledger:types:%s", userID), &types,
		cache.Options{TTL: c.ttl}, func() (any, error) {
			return c.inner.TypesForUser(ctx, userID)
		})
	return types, err
}
