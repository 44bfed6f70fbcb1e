// AngelaMos | 2026
// revocation.go

package identity

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RevocationList remembers sessions whose access tokens must stop verifying
// before they naturally expire.
type RevocationList interface {
	Revoke(ctx context.Context, sessionID string, ttl time.Duration) error
	IsRevoked(ctx context.Context, sessionID string) (bool, error)
}

type redisRevocationList struct {
	client *redis.Client
}

func NewRedisRevocationList(client *redis.Client) RevocationList {
	return &redisRevocationList{client: client}
}

func revokedKey(sessionID string) string {
	return "revoked:session:" + sessionID
}

func (l *redisRevocationList) Revoke(
	ctx context.Context,
	sessionID string,
	ttl time.Duration,
) error {
	if ttl <= 0 {
		return nil
	}

	if err := l.client.Set(ctx, revokedKey(sessionID), "1", ttl).Err(); err != nil {
		return fmt.Errorf("revoke session: %w", err)
	}

	return nil
}

func (l *redisRevocationList) IsRevoked(
	ctx context.Context,
	sessionID string,
) (bool, error) {
	exists, err := l.client.Exists(ctx, revokedKey(sessionID)).Result()
	if err != nil {
		return false, fmt.Errorf("check revoked session: %w", err)
	}

	return exists > 0, nil
}
