// Package cache holds the redis-backed cover binding store for lite_video
// mode: each playback token is bound to one random background image so a
// listening session keeps a stable look.
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const coverBindingKeyPrefix = "litebg:"

// ErrNoBinding is returned when a token has no bound cover.
var ErrNoBinding = errors.New("no cover binding")

// CoverBindingCache maps playback tokens to their lite_video background
// image URL. Entries expire with the token.
type CoverBindingCache struct {
	client *redis.Client
}

func NewCoverBindingCache(client *redis.Client) *CoverBindingCache {
	return &CoverBindingCache{client: client}
}

// Get returns the cover URL bound to a token, or ErrNoBinding.
func (c *CoverBindingCache) Get(ctx context.Context, token string) (string, error) {
	val, err := c.client.Get(ctx, buildKey(token)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", ErrNoBinding
		}
		return "", fmt.Errorf("redis get: %w", err)
	}
	return val, nil
}

// Set binds a cover URL to a token for ttl. A non-positive ttl (already
// expired token) is stored for one minute so an in-flight request still
// sees a stable image.
func (c *CoverBindingCache) Set(ctx context.Context, token, coverURL string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = time.Minute
	}
	if err := c.client.Set(ctx, buildKey(token), coverURL, ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// Delete removes a token's binding.
func (c *CoverBindingCache) Delete(ctx context.Context, token string) error {
	if err := c.client.Del(ctx, buildKey(token)).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

func buildKey(token string) string {
	return coverBindingKeyPrefix + token
}
