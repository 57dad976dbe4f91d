package status

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"zconnect-engine/internal/config"
	"zconnect-engine/internal/repository"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

const lastSeenKeyPrefix = "device:last_seen:"

// OnlineStatusTracker 设备在线状态跟踪器
// 不存冗余的在线布尔值（会漂移），查询时按 last_seen + 阈值惰性推导，
// 无需全量后台扫描和心跳超时定时器
type OnlineStatusTracker struct {
	redisClient *redis.Client
	deviceRepo  *repository.DeviceRepository
	threshold   time.Duration
	logger      *zap.Logger
}

// NewOnlineStatusTracker 创建在线状态跟踪器
func NewOnlineStatusTracker(
	cfg *config.Config,
	redisClient *redis.Client,
	deviceRepo *repository.DeviceRepository,
	logger *zap.Logger,
) *OnlineStatusTracker {
	return &OnlineStatusTracker{
		redisClient: redisClient,
		deviceRepo:  deviceRepo,
		threshold:   cfg.Evaluation.OnlineThreshold,
		logger:      logger,
	}
}

// Touch 记录设备最后在线时间（任意上行消息都会调用）
// Redis 为权威读路径，目录 last_seen 为尽力而为的回写，失败只记日志
func (t *OnlineStatusTracker) Touch(ctx context.Context, deviceID string, at time.Time) error {
	key := lastSeenKeyPrefix + deviceID

	err := t.redisClient.Set(ctx, key, at.Unix(), 0).Err()
	if err != nil {
		return fmt.Errorf("failed to set last_seen: %w", err)
	}

	if err := t.deviceRepo.UpdateLastSeen(ctx, deviceID, at); err != nil {
		t.logger.Warn("Failed to write last_seen to catalog",
			zap.String("device_id", deviceID),
			zap.Error(err),
		)
	}

	return nil
}

// IsOnline 判断设备是否在线
// 在线 iff now - last_seen < threshold（严格小于，半开区间）
// 从未上报过的设备视为离线，不报错
func (t *OnlineStatusTracker) IsOnline(ctx context.Context, deviceID string) (bool, error) {
	lastSeen, err := t.LastSeen(ctx, deviceID)
	if err != nil {
		return false, err
	}
	if lastSeen == nil {
		return false, nil
	}

	return time.Since(*lastSeen) < t.threshold, nil
}

// LastSeen 查询设备最后在线时间
// Redis 未命中时回退到目录（如进程重启后缓存为空）
func (t *OnlineStatusTracker) LastSeen(ctx context.Context, deviceID string) (*time.Time, error) {
	key := lastSeenKeyPrefix + deviceID

	val, err := t.redisClient.Get(ctx, key).Result()
	if err == nil {
		unix, parseErr := strconv.ParseInt(val, 10, 64)
		if parseErr != nil {
			return nil, fmt.Errorf("corrupt last_seen value for device %s: %w", deviceID, parseErr)
		}
		ts := time.Unix(unix, 0).UTC()
		return &ts, nil
	}
	if err != redis.Nil {
		return nil, fmt.Errorf("failed to get last_seen: %w", err)
	}

	device, err := t.deviceRepo.GetDevice(ctx, deviceID)
	if err != nil {
		// 目录中也不存在时视为从未在线
		return nil, nil
	}

	return device.LastSeen, nil
}
