package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisStore keeps the sliding-window log in a Redis sorted set scored
// by request time, so multiple API instances share one window per
// identity. Synchronization is Redis-side and naturally per key.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore wraps an existing Redis client.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func windowKey(identity string) string {
	return "ratelimit:" + identity
}

// Take implements Store. The request's entry is appended in the same
// MULTI/EXEC as the prune and the count, so two instances racing at
// the limit boundary serialize instead of both admitting. A random
// member suffix keeps same-instant requests from collapsing into one
// entry; an entry that turns out to be over the limit is withdrawn.
func (s *RedisStore) Take(ctx context.Context, identity string, limit int, window time.Duration, now time.Time) (Decision, error) {
	key := windowKey(identity)
	cutoff := now.Add(-window).UnixNano()
	member := strconv.FormatInt(now.UnixNano(), 10) + "-" + uuid.NewString()

	pipe := s.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, key, "0", strconv.FormatInt(cutoff, 10))
	pipe.ZAdd(ctx, key, redis.Z{
		Score:  float64(now.UnixNano()),
		Member: member,
	})
	countCmd := pipe.ZCard(ctx, key)
	oldestCmd := pipe.ZRangeWithScores(ctx, key, 0, 0)
	pipe.PExpire(ctx, key, window)
	if _, err := pipe.Exec(ctx); err != nil {
		return Decision{}, fmt.Errorf("rate limit window update failed: %w", err)
	}

	// The count includes this request's own entry.
	count := int(countCmd.Val())
	resetIn := window
	if oldest := oldestCmd.Val(); len(oldest) > 0 {
		oldestAt := time.Unix(0, int64(oldest[0].Score))
		resetIn = oldestAt.Add(window).Sub(now)
	}

	if count > limit {
		// Denied requests do not consume a slot. If the withdrawal
		// fails the entry ages out with the window.
		_ = s.client.ZRem(ctx, key, member).Err()
		return Decision{Allowed: false, Remaining: 0, ResetIn: resetIn}, nil
	}

	return Decision{
		Allowed:   true,
		Remaining: limit - count,
		ResetIn:   resetIn,
	}, nil
}
