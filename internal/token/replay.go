package token

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrReplayed reports a nonce that was already redeemed within its TTL.
var ErrReplayed = errors.New("scan token already used")

// ReplayGuard tracks redeemed scan-token nonces so a token can be consumed
// at most once. Entries expire with the token itself, bounding the set.
// Replay-within-TTL is an accepted risk when no guard is configured, since
// redemption is still gated by wrangler approval downstream.
type ReplayGuard interface {
	Consume(ctx context.Context, shiftID, nonce string, ttl time.Duration) error
}

type NoopReplayGuard struct{}

func (NoopReplayGuard) Consume(context.Context, string, string, time.Duration) error { return nil }

type RedisReplayGuard struct {
	rdb *redis.Client
}

func NewRedisReplayGuard(rdb *redis.Client) *RedisReplayGuard {
	return &RedisReplayGuard{rdb: rdb}
}

func (g *RedisReplayGuard) Consume(ctx context.Context, shiftID, nonce string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = time.Second
	}
	key := fmt.Sprintf("scan:nonce:%s:%s", shiftID, nonce)
	ok, err := g.rdb.SetNX(ctx, key, 1, ttl).Result()
	if err != nil {
		return fmt.Errorf("replay guard: %w", err)
	}
	if !ok {
		return ErrReplayed
	}
	return nil
}
