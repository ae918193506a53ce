// Package dedup provides the idempotency guards that keep provider retries
// from producing duplicate side effects.
package dedup

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/kwamkid/aoochat-sub002/internal/models"
)

// RedisGuard claims event ids with SETNX, which is atomic across every
// process instance sharing the Redis. Keys expire after the retention
// window, matching how long providers keep retrying.
type RedisGuard struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisGuard(client *redis.Client, ttl time.Duration) *RedisGuard {
	return &RedisGuard{client: client, ttl: ttl}
}

func (g *RedisGuard) MarkIfNew(ctx context.Context, p models.Platform, eventID string) (bool, error) {
	ok, err := g.client.SetNX(ctx, claimKey(p, eventID), "1", g.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("dedup: redis setnx: %w", err)
	}
	return ok, nil
}

func (g *RedisGuard) Release(ctx context.Context, p models.Platform, eventID string) error {
	if err := g.client.Del(ctx, claimKey(p, eventID)).Err(); err != nil {
		return fmt.Errorf("dedup: redis del: %w", err)
	}
	return nil
}

func claimKey(p models.Platform, eventID string) string {
	return fmt.Sprintf("evt:%s:%s", p, eventID)
}
