package quota_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wuwenbin0122/perps.ai/internal/db"
	"github.com/wuwenbin0122/perps.ai/internal/quota"
	"github.com/wuwenbin0122/perps.ai/internal/utils"
)

func TestUnlimitedAlwaysAllows(t *testing.T) {
	allowed, err := quota.Unlimited{}.Allow(context.Background(), "anyone")
	require.NoError(t, err)
	assert.True(t, allowed)
}

func TestRedisFixedWindow(t *testing.T) {
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR not set; skipping redis integration test")
	}

	ctx := context.Background()
	client, err := db.NewRedisClient(ctx, utils.RedisConfig{Addr: addr, DialTimeout: 2 * time.Second})
	require.NoError(t, err)
	defer client.Close()

	limiter := quota.NewRedis(client, 3, time.Minute)
	key := "test-" + uuid.NewString()

	for i := 0; i < 3; i++ {
		allowed, err := limiter.Allow(ctx, key)
		require.NoError(t, err)
		assert.True(t, allowed, "message %d should be allowed", i+1)
	}

	allowed, err := limiter.Allow(ctx, key)
	require.NoError(t, err)
	assert.False(t, allowed)

	ttl, err := client.TTL(ctx, "perps:guest-quota:"+key).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))

	unlimited := quota.NewRedis(client, 0, time.Minute)
	allowed, err = unlimited.Allow(ctx, key)
	require.NoError(t, err)
	assert.True(t, allowed)
}
