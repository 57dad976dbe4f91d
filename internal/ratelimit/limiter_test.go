package ratelimit

import (
	"context"
	"testing"
	"time"

	"zconnect-engine/internal/config"
	"zconnect-engine/internal/models"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func setupTestLimiter(t *testing.T, limits map[models.MessageKind]int) (*miniredis.Miniredis, *RateLimiter) {
	mr := miniredis.RunT(t)
	redisClient := redis.NewClient(&redis.Options{
		Addr: mr.Addr(),
	})

	cfg := &config.Config{}
	cfg.RateLimit.Period = 600 * time.Second
	cfg.RateLimit.Limits = limits

	limiter := NewRateLimiter(cfg, redisClient, zap.NewNop())
	return mr, limiter
}

func mustAdmit(t *testing.T, limiter *RateLimiter, deviceID string, kind models.MessageKind) bool {
	t.Helper()
	admitted, err := limiter.Admit(context.Background(), deviceID, kind)
	require.NoError(t, err)
	return admitted
}

func TestAdmit_UnderLimit(t *testing.T) {
	_, limiter := setupTestLimiter(t, map[models.MessageKind]int{
		models.KindEvent: 3,
	})

	for i := 0; i < 3; i++ {
		assert.True(t, mustAdmit(t, limiter, "dev-1", models.KindEvent))
	}
}

func TestAdmit_DeniesOverLimit(t *testing.T) {
	_, limiter := setupTestLimiter(t, map[models.MessageKind]int{
		models.KindEvent: 3,
	})

	for i := 0; i < 3; i++ {
		require.True(t, mustAdmit(t, limiter, "dev-1", models.KindEvent))
	}

	// 第4条超限
	assert.False(t, mustAdmit(t, limiter, "dev-1", models.KindEvent))
}

func TestAdmit_PerDeviceAndKind(t *testing.T) {
	_, limiter := setupTestLimiter(t, map[models.MessageKind]int{
		models.KindEvent:    1,
		models.KindPeriodic: 1,
	})

	require.True(t, mustAdmit(t, limiter, "dev-1", models.KindEvent))
	require.False(t, mustAdmit(t, limiter, "dev-1", models.KindEvent))

	// 其他设备、其他类型各有独立计数器
	assert.True(t, mustAdmit(t, limiter, "dev-2", models.KindEvent))
	assert.True(t, mustAdmit(t, limiter, "dev-1", models.KindPeriodic))
}

func TestAdmit_WindowReset(t *testing.T) {
	mr, limiter := setupTestLimiter(t, map[models.MessageKind]int{
		models.KindEvent: 1,
	})

	require.True(t, mustAdmit(t, limiter, "dev-1", models.KindEvent))
	require.False(t, mustAdmit(t, limiter, "dev-1", models.KindEvent))

	// 窗口过期后计数器重置
	mr.FastForward(601 * time.Second)
	assert.True(t, mustAdmit(t, limiter, "dev-1", models.KindEvent))
}

func TestAdmit_UnconfiguredKindAlwaysAdmits(t *testing.T) {
	_, limiter := setupTestLimiter(t, map[models.MessageKind]int{})

	for i := 0; i < 1000; i++ {
		require.True(t, mustAdmit(t, limiter, "dev-1", models.KindEvent))
	}
}

func TestAdmit_FailsOpenOnRedisError(t *testing.T) {
	mr, limiter := setupTestLimiter(t, map[models.MessageKind]int{
		models.KindEvent: 1,
	})

	// Redis 不可达时放行并返回错误供观测，不能把全部流量打入黑洞
	mr.Close()
	admitted, err := limiter.Admit(context.Background(), "dev-1", models.KindEvent)

	assert.True(t, admitted)
	assert.Error(t, err)
}

func TestUsage(t *testing.T) {
	_, limiter := setupTestLimiter(t, map[models.MessageKind]int{
		models.KindEvent: 10,
	})

	usage, err := limiter.Usage(context.Background(), "dev-1", models.KindEvent)
	require.NoError(t, err)
	assert.Equal(t, int64(0), usage)

	for i := 0; i < 3; i++ {
		require.True(t, mustAdmit(t, limiter, "dev-1", models.KindEvent))
	}

	usage, err = limiter.Usage(context.Background(), "dev-1", models.KindEvent)
	require.NoError(t, err)
	assert.Equal(t, int64(3), usage)
}
