package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

const sessionKeyPrefix = "keel:session:"

// RedisSessionStore keeps sessions in Redis keyed by token hash, with the Redis TTL
// matching the session expiry.
type RedisSessionStore struct {
	client *redis.Client
	now    func() time.Time
}

// NewRedisSessionStore creates a session store on an existing client.
func NewRedisSessionStore(client *redis.Client) *RedisSessionStore {
	return &RedisSessionStore{client: client, now: time.Now}
}

func sessionKey(token string) string {
	return sessionKeyPrefix + HashToken(token)
}

// CreateSession issues a new token for userID valid for ttl.
func (s *RedisSessionStore) CreateSession(ctx context.Context, userID int64, ttl time.Duration) (string, *Session, error) {
	if ttl <= 0 {
		return "", nil, fmt.Errorf("session ttl must be positive")
	}

	token, _, err := GenerateToken()
	if err != nil {
		return "", nil, err
	}

	now := s.now().UTC()
	session := &Session{
		ID:        uuid.NewString(),
		UserID:    userID,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}

	data, err := json.Marshal(session)
	if err != nil {
		return "", nil, fmt.Errorf("failed to marshal session: %w", err)
	}
	if err := s.client.Set(ctx, sessionKey(token), data, ttl).Err(); err != nil {
		return "", nil, fmt.Errorf("failed to store session: %w", err)
	}

	return token, session, nil
}

// GetSession implements SessionStore.
func (s *RedisSessionStore) GetSession(ctx context.Context, token string) (*Session, error) {
	if err := ValidateTokenFormat(token); err != nil {
		return nil, ErrSessionNotFound
	}

	data, err := s.client.Get(ctx, sessionKey(token)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	var session Session
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session: %w", err)
	}
	if session.Expired(s.now()) {
		return nil, ErrSessionNotFound
	}

	return &session, nil
}

// RevokeSession deletes the session behind token. Revoking an unknown token is not an error.
func (s *RedisSessionStore) RevokeSession(ctx context.Context, token string) error {
	if err := s.client.Del(ctx, sessionKey(token)).Err(); err != nil {
		return fmt.Errorf("failed to revoke session: %w", err)
	}
	return nil
}
