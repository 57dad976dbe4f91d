package ratelimit

import (
	"context"
	"fmt"

	"zconnect-engine/internal/config"
	"zconnect-engine/internal/metrics"
	"zconnect-engine/internal/models"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// incrementScript 固定窗口计数脚本
// INCR 后首次创建的键设置过期时间，过期即窗口重置；原子执行避免多进程竞态
var incrementScript = redis.NewScript(`
	local current
	current = tonumber(redis.call("incr", KEYS[1]))
	if current == 1 then
		redis.call("expire", KEYS[1], ARGV[1])
	end
	return current
`)

// RateLimiter 按 (设备, 消息类型) 的固定窗口限流器
// 窗口边界对齐的突发最多达到配置速率的约2倍，配置值是宽裕的保护值而非硬SLA，
// 此行为是有意保留的近似，不要改成滑动窗口
type RateLimiter struct {
	redisClient *redis.Client
	period      int // 窗口周期（秒），所有消息类型共用
	limits      map[models.MessageKind]int
	logger      *zap.Logger
}

// NewRateLimiter 创建限流器
func NewRateLimiter(cfg *config.Config, redisClient *redis.Client, logger *zap.Logger) *RateLimiter {
	return &RateLimiter{
		redisClient: redisClient,
		period:      int(cfg.RateLimit.Period.Seconds()),
		limits:      cfg.RateLimit.Limits,
		logger:      logger,
	}
}

// Admit 判断消息是否放行
// 返回 true 表示放行；未配置限额的类型始终放行
// Redis 不可达时 fail open：放行并返回非 nil 错误供调用方观测，
// 计数器故障不能把全部设备流量打入黑洞
func (l *RateLimiter) Admit(ctx context.Context, deviceID string, kind models.MessageKind) (bool, error) {
	max, ok := l.limits[kind]
	if !ok {
		return true, nil
	}

	key := fmt.Sprintf("rate_limit:%s_%s", kind, deviceID)

	current, err := incrementScript.Run(ctx, l.redisClient, []string{key}, l.period).Int64()
	if err != nil {
		metrics.StoreFailure("redis_rate_limit")
		return true, fmt.Errorf("rate limit counter unavailable, failing open: %w", err)
	}

	if current > int64(max) {
		l.logger.Warn("Rate limited device",
			zap.String("device_id", deviceID),
			zap.String("kind", string(kind)),
			zap.Int64("count", current),
			zap.Int("max", max),
		)
		return false, nil
	}

	return true, nil
}

// Usage 查询当前窗口内的计数（仅观测用，可能大于配置限额）
func (l *RateLimiter) Usage(ctx context.Context, deviceID string, kind models.MessageKind) (int64, error) {
	key := fmt.Sprintf("rate_limit:%s_%s", kind, deviceID)

	current, err := l.redisClient.Get(ctx, key).Int64()
	if err != nil {
		if err == redis.Nil {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to get rate limit usage: %w", err)
	}

	return current, nil
}
