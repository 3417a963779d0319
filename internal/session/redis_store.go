// Package session provides Redis-backed storage for refresh tokens and for
// cached version-compare results.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"stencil/api/internal/store"

	"github.com/redis/go-redis/v9"
)

const (
	refreshPrefix = "stencil:refresh:"
	comparePrefix = "stencil:compare:"

	compareTTL = 10 * time.Minute
)

// ErrNotFound is returned when a token or cache entry is absent or expired.
var ErrNotFound = errors.New("not found")

// TokenData is what we persist per refresh token.
type TokenData struct {
	UserID      string    `json:"user_id"`
	DisplayName string    `json:"display_name"`
	Email       string    `json:"email"`
	Role        string    `json:"role"`
	CreatedAt   time.Time `json:"created_at"`
}

type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &RedisStore{client: client}, nil
}

// SaveRefreshSession stores a refresh token digest with user identity until
// expiresAt.
func (s *RedisStore) SaveRefreshSession(ctx context.Context, tokenHash string, user store.User, expiresAt time.Time) error {
	data := TokenData{
		UserID:      user.ID,
		DisplayName: user.DisplayName,
		Email:       user.Email,
		Role:        user.Role,
		CreatedAt:   time.Now(),
	}
	jsonData, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal token data: %w", err)
	}

	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		ttl = 30 * 24 * time.Hour
	}

	if err := s.client.Set(ctx, refreshPrefix+tokenHash, jsonData, ttl).Err(); err != nil {
		return fmt.Errorf("save refresh token: %w", err)
	}
	return nil
}

func (s *RedisStore) LookupRefreshSession(ctx context.Context, tokenHash string) (store.User, error) {
	jsonData, err := s.client.Get(ctx, refreshPrefix+tokenHash).Result()
	if errors.Is(err, redis.Nil) {
		return store.User{}, ErrNotFound
	}
	if err != nil {
		return store.User{}, fmt.Errorf("lookup refresh token: %w", err)
	}

	var data TokenData
	if err := json.Unmarshal([]byte(jsonData), &data); err != nil {
		return store.User{}, fmt.Errorf("unmarshal token data: %w", err)
	}
	if data.Role == "" {
		data.Role = "viewer"
	}

	return store.User{
		ID:          data.UserID,
		DisplayName: data.DisplayName,
		Email:       data.Email,
		Role:        data.Role,
	}, nil
}

func (s *RedisStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	if err := s.client.Del(ctx, refreshPrefix+tokenHash).Err(); err != nil {
		return fmt.Errorf("revoke refresh token: %w", err)
	}
	return nil
}

// CacheCompareResult stores a serialized compare payload. Compare results are
// immutable for a given (resource, from, to) triple since published versions
// never change, so a short TTL only bounds memory.
func (s *RedisStore) CacheCompareResult(ctx context.Context, resourceID, from, to string, payload []byte) error {
	if err := s.client.Set(ctx, compareKey(resourceID, from, to), payload, compareTTL).Err(); err != nil {
		return fmt.Errorf("cache compare result: %w", err)
	}
	return nil
}

func (s *RedisStore) LookupCompareResult(ctx context.Context, resourceID, from, to string) ([]byte, error) {
	payload, err := s.client.Get(ctx, compareKey(resourceID, from, to)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lookup compare result: %w", err)
	}
	return payload, nil
}

func compareKey(resourceID, from, to string) string {
	return fmt.Sprintf("%s%s:%s..%s", comparePrefix, resourceID, from, to)
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
