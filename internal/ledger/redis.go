// Package ledger is the pipeline-side view of the credential ledger: role
// membership and credential existence lookups the intent matcher needs. The
// real issuing/revocation work happens in the external ledger service; this
// package only reads the mirrored records.
package ledger

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisClient answers role and credential lookups from the mirrored records
// the backend keeps in Redis.
type RedisClient struct {
	client *redis.Client
}

func NewRedisClient(client *redis.Client) *RedisClient {
	return &RedisClient{client: client}
}

// HasRole reports whether userID holds role.
func (r *RedisClient) HasRole(ctx context.Context, userID, role string) (bool, error) {
	ok, err := r.client.SIsMember(ctx, fmt.Sprintf("roles:%s", userID), role).Result()
	if err != nil {
		return false, fmt.Errorf("failed to look up role: %w", err)
	}
	return ok, nil
}

// CredentialExists reports whether credentialID names a known credential.
func (r *RedisClient) CredentialExists(ctx context.Context, credentialID string) (bool, error) {
	n, err := r.client.Exists(ctx, fmt.Sprintf("credential:%s", credentialID)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to look up credential: %w", err)
	}
	return n > 0, nil
}

// TypesForUser returns the credential types userID currently holds.
func (r *RedisClient) TypesForUser(ctx context.Context, userID string) ([]string, error) {
	types, err := r.client.SMembers(ctx, fmt.Sprintf("credential_types:%s", userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to look up credential types: %w", err)
	}
	return types, nil
}
