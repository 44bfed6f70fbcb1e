// AngelaMos | 2026
// tokens.go

package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Tokens are the provider credentials persisted for one client.
type Tokens struct {
	SessionID    string    `json:"sid"`
	IdentityID   string    `json:"identity_id"`
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
	RefreshUntil time.Time `json:"refresh_until"`
}

// TokenStore persists Tokens per client id. Load returns nil, nil when the
// client has nothing stored.
type TokenStore interface {
	Load(ctx context.Context, clientID string) (*Tokens, error)
	Save(ctx context.Context, clientID string, tokens *Tokens) error
	Delete(ctx context.Context, clientID string) error
	Exists(ctx context.Context, clientID string) (bool, error)
}

type redisTokenStore struct {
	client *redis.Client
}

func NewRedisTokenStore(client *redis.Client) TokenStore {
	return &redisTokenStore{client: client}
}

func tokenKey(clientID string) string {
	return "session:client:" + clientID
}

func (s *redisTokenStore) Load(ctx context.Context, clientID string) (*Tokens, error) {
	raw, err := s.client.Get(ctx, tokenKey(clientID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load tokens: %w", err)
	}

	var tokens Tokens
	if err := json.Unmarshal(raw, &tokens); err != nil {
		//nolint:errcheck // corrupt entry is dropped either way
		_ = s.client.Del(ctx, tokenKey(clientID)).Err()
		return nil, nil
	}

	return &tokens, nil
}

func (s *redisTokenStore) Save(
	ctx context.Context,
	clientID string,
	tokens *Tokens,
) error {
	ttl := time.Until(tokens.RefreshUntil)
	if ttl <= 0 {
		return s.Delete(ctx, clientID)
	}

	raw, err := json.Marshal(tokens)
	if err != nil {
		return fmt.Errorf("encode tokens: %w", err)
	}

	if err := s.client.Set(ctx, tokenKey(clientID), raw, ttl).Err(); err != nil {
		return fmt.Errorf("save tokens: %w", err)
	}

	return nil
}

func (s *redisTokenStore) Delete(ctx context.Context, clientID string) error {
	if err := s.client.Del(ctx, tokenKey(clientID)).Err(); err != nil {
		return fmt.Errorf("delete tokens: %w", err)
	}
	return nil
}

func (s *redisTokenStore) Exists(ctx context.Context, clientID string) (bool, error) {
	n, err := s.client.Exists(ctx, tokenKey(clientID)).Result()
	if err != nil {
		return false, fmt.Errorf("check tokens: %w", err)
	}
	return n > 0, nil
}
