package evaluator

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

const (
	evalTimesKey        = "event_defs:eval_times"
	lastResultsKey      = "event_defs:last_results"
	lastTriggeredPrefix = "event_defs:last_triggered:"
)

// triggerScript 触发权 CAS 脚本
// 仅当时间确实向前推进且距上次触发已超过冷却期时，原子推进 last_triggered 并返回 1；
// 多进程并发评估同一 (定义, 设备) 时只有一个赢家，输家是 no-op 而非错误。
// now > last 是单赢家的硬条件：冷却期为 0（冷却可选）时若只比较差值，
// 同一秒内的全部竞争者都会通过
var triggerScript = redis.NewScript(`
	local last = tonumber(redis.call("get", KEYS[1]) or "0")
	local now = tonumber(ARGV[1])
	local cooldown = tonumber(ARGV[2])
	if now > last and now - last >= cooldown then
		redis.call("set", KEYS[1], now)
		return 1
	end
	return 0
`)

// StateManager 评估状态管理器
// 状态存放在共享协调存储（Redis）中，保证水平扩展的多个监听进程评估一致；
// 所有写入使用存储端原子原语，客户端不做无条件的读-改-写
type StateManager struct {
	redisClient *redis.Client
	skewOffset  time.Duration
	logger      *zap.Logger
}

// NewStateManager 创建状态管理器
func NewStateManager(redisClient *redis.Client, skewOffset time.Duration, logger *zap.Logger) *StateManager {
	return &StateManager{
		redisClient: redisClient,
		skewOffset:  skewOffset,
		logger:      logger,
	}
}

// StateKey 构建 (定义, 设备) 状态键
func StateKey(definitionID int64, deviceID string) string {
	return fmt.Sprintf("%s:%d", deviceID, definitionID)
}

// GetEvalTime 获取上次评估时间
// 首次评估返回 now + 时钟偏移容差：轻微超前的样本不会在首轮就被判为跨过窗口边界
func (s *StateManager) GetEvalTime(ctx context.Context, stateKey string, now time.Time) (time.Time, error) {
	val, err := s.redisClient.HGet(ctx, evalTimesKey, stateKey).Result()
	if err == redis.Nil {
		return now.Add(s.skewOffset), nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to get eval time: %w", err)
	}

	unix, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("corrupt eval time for %s: %w", stateKey, err)
	}
	return time.Unix(int64(unix), 0).UTC(), nil
}

// SetEvalTime 记录评估时间
func (s *StateManager) SetEvalTime(ctx context.Context, stateKey string, t time.Time) error {
	if err := s.redisClient.HSet(ctx, evalTimesKey, stateKey, t.Unix()).Err(); err != nil {
		return fmt.Errorf("failed to set eval time: %w", err)
	}
	return nil
}

// GetLastResult 获取上次条件结果（false→true 边沿检测用）
func (s *StateManager) GetLastResult(ctx context.Context, stateKey string) (bool, error) {
	val, err := s.redisClient.HGet(ctx, lastResultsKey, stateKey).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to get last result: %w", err)
	}
	return val == "1", nil
}

// SetLastResult 记录本次条件结果
func (s *StateManager) SetLastResult(ctx context.Context, stateKey string, result bool) error {
	val := "0"
	if result {
		val = "1"
	}
	if err := s.redisClient.HSet(ctx, lastResultsKey, stateKey, val).Err(); err != nil {
		return fmt.Errorf("failed to set last result: %w", err)
	}
	return nil
}

// TryAcquireTrigger 竞争触发权
// 返回 true 表示本进程赢得本次触发，可以发出事件；
// 返回 false 表示其他评估进程已触发或冷却期未过
func (s *StateManager) TryAcquireTrigger(ctx context.Context, definitionID int64, deviceID string, now time.Time, cooldown time.Duration) (bool, error) {
	key := fmt.Sprintf("%s%d:%s", lastTriggeredPrefix, definitionID, deviceID)

	won, err := triggerScript.Run(ctx, s.redisClient,
		[]string{key},
		now.Unix(),
		int64(cooldown.Seconds()),
	).Int64()
	if err != nil {
		return false, fmt.Errorf("failed to acquire trigger: %w", err)
	}

	return won == 1, nil
}
