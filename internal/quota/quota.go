package quota

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Limiter decides whether one more guest message may be processed for key.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// Unlimited allows everything. It is used when no Redis address is configured.
type Unlimited struct{}

func (Unlimited) Allow(context.Context, string) (bool, error) {
	return true, nil
}

// Redis is a fixed-window counter: the first hit in a window sets the expiry.
type Redis struct {
	client *redis.Client
	limit  int
	window time.Duration
	prefix string
}

func NewRedis(client *redis.Client, limit int, window time.Duration) *Redis {
	if window <= 0 {
		window = time.Hour
	}
	return &Redis{
		client: client,
		limit:  limit,
		window: window,
		prefix: "perps:guest-quota:",
	}
}

func (r *Redis) Allow(ctx context.Context, key string) (bool, error) {
	if r.limit <= 0 {
		return true, nil
	}

	redisKey := r.prefix + key

	var incr *redis.IntCmd
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, redisKey)
		pipe.ExpireNX(ctx, redisKey, r.window)
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("quota: increment %s: %w", redisKey, err)
	}

	return incr.Val() <= int64(r.limit), nil
}
