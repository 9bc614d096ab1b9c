// Package session keeps the iteration sessions that tell the ordering service
// which participant and domain of expertise a user is working as.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"reqorder/api/internal/store"
)

const defaultTTL = 8 * time.Hour

// RedisStore implements iteration session storage using Redis
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore creates a new Redis-backed session store
func NewRedisStore(redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewRedisStoreWithClient(client), nil
}

// NewRedisStoreWithClient creates a store from an existing Redis client
func NewRedisStoreWithClient(client *redis.Client) *RedisStore {
	return &RedisStore{
		client: client,
		prefix: "iteration-session:",
	}
}

func (s *RedisStore) key(userID, iterationID string) string {
	return s.prefix + userID + ":" + iterationID
}

// SaveIterationSession stores the session until its ExpiresAt.
func (s *RedisStore) SaveIterationSession(ctx context.Context, sess store.IterationSession) error {
	if sess.OpenedAt.IsZero() {
		sess.OpenedAt = time.Now()
	}
	ttl := time.Until(sess.ExpiresAt)
	if sess.ExpiresAt.IsZero() || ttl <= 0 {
		ttl = defaultTTL
		sess.ExpiresAt = time.Now().Add(ttl)
	}

	jsonData, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("marshal iteration session: %w", err)
	}
	if err := s.client.Set(ctx, s.key(sess.UserID, sess.IterationID), jsonData, ttl).Err(); err != nil {
		return fmt.Errorf("save iteration session: %w", err)
	}
	return nil
}

// LookupIterationSession returns store.ErrSessionNotFound when the user has
// not opened the iteration or the session expired.
func (s *RedisStore) LookupIterationSession(ctx context.Context, userID, iterationID string) (store.IterationSession, error) {
	jsonData, err := s.client.Get(ctx, s.key(userID, iterationID)).Result()
	if errors.Is(err, redis.Nil) {
		return store.IterationSession{}, store.ErrSessionNotFound
	}
	if err != nil {
		return store.IterationSession{}, fmt.Errorf("lookup iteration session: %w", err)
	}

	var sess store.IterationSession
	if err := json.Unmarshal([]byte(jsonData), &sess); err != nil {
		return store.IterationSession{}, fmt.Errorf("unmarshal iteration session: %w", err)
	}
	if sess.Role == "" {
		sess.Role = "viewer"
	}
	return sess, nil
}

// DeleteIterationSession closes the iteration for the user
func (s *RedisStore) DeleteIterationSession(ctx context.Context, userID, iterationID string) error {
	if err := s.client.Del(ctx, s.key(userID, iterationID)).Err(); err != nil {
		return fmt.Errorf("delete iteration session: %w", err)
	}
	return nil
}

// Close closes the Redis connection
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping checks if Redis is reachable
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
