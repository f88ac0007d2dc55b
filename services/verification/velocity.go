package verification

import (
	"context"
	"sync"
	"time"

	"carbon-ledger/pkg/rediskey"

	"github.com/redis/go-redis/v9"
)

type redisVelocity struct {
	rdb    *redis.Client
	window time.Duration
	now    func() time.Time
}

// NewRedisVelocity counts with INCR on a per user, per window key that
// expires with the window.
func NewRedisVelocity(rdb *redis.Client, window time.Duration) VelocityCounter {
	return &redisVelocity{rdb: rdb, window: window, now: time.Now}
}

func (v *redisVelocity) Incr(ctx context.Context, userID string) (int64, error) {
	key := rediskey.BuildVelocityKey(userID, v.window, v.now())

	pipe := v.rdb.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, v.window)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return incr.Val(), nil
}

type memoryVelocity struct {
	mu     sync.Mutex
	window time.Duration
	counts map[string]int64
	now    func() time.Time
}

// NewMemoryVelocity is a single process VelocityCounter.
func NewMemoryVelocity(window time.Duration) VelocityCounter {
	return &memoryVelocity{window: window, counts: make(map[string]int64), now: time.Now}
}

func (v *memoryVelocity) Incr(_ context.Context, userID string) (int64, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	key := rediskey.BuildVelocityKey(userID, v.window, v.now())
	v.counts[key]++
	return v.counts[key], nil
}
