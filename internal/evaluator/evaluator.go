package evaluator

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"zconnect-engine/internal/config"
	"zconnect-engine/internal/metrics"
	"zconnect-engine/internal/models"
	"zconnect-engine/internal/repository"
	"zconnect-engine/internal/timeseries"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Evaluator 事件定义评估器
// 对每条消息（或定时 tick）评估设备所属产品的全部事件定义，
// 单条定义的评估失败被隔离，不影响同一消息上的其他定义
type Evaluator struct {
	config     *config.Config
	state      *StateManager
	deviceRepo *repository.DeviceRepository
	defRepo    *repository.EventDefinitionRepository
	eventRepo  *repository.EventRepository
	tsRepo     *repository.TimeSeriesRepository
	aggEngine  *timeseries.Engine
	logger     *zap.Logger
}

// NewEvaluator 创建评估器
func NewEvaluator(
	cfg *config.Config,
	state *StateManager,
	deviceRepo *repository.DeviceRepository,
	defRepo *repository.EventDefinitionRepository,
	eventRepo *repository.EventRepository,
	tsRepo *repository.TimeSeriesRepository,
	aggEngine *timeseries.Engine,
	logger *zap.Logger,
) *Evaluator {
	return &Evaluator{
		config:     cfg,
		state:      state,
		deviceRepo: deviceRepo,
		defRepo:    defRepo,
		eventRepo:  eventRepo,
		tsRepo:     tsRepo,
		aggEngine:  aggEngine,
		logger:     logger,
	}
}

// EvaluateDevice 评估设备的全部事件定义
// at 为服务端到达时间（权威排序键），payload 为触发本轮评估的消息内容（定时评估时为空）
func (e *Evaluator) EvaluateDevice(ctx context.Context, device *models.DeviceInfo, payload map[string]interface{}, at time.Time) []models.Event {
	defs, err := e.defRepo.GetEnabledByProduct(ctx, device.ProductID)
	if err != nil {
		e.logger.Error("Failed to load event definitions",
			zap.String("device_id", device.DeviceID),
			zap.String("product_id", device.ProductID),
			zap.Error(err),
		)
		return nil
	}
	if len(defs) == 0 {
		return nil
	}

	src := NewAggregatedContext(ctx, device, payload, at, e.aggEngine)

	var triggered []models.Event
	for _, def := range defs {
		event, err := e.evaluateDefinition(ctx, device, &def, src, at)
		if err != nil {
			e.logger.Error("Failed to evaluate event definition",
				zap.String("device_id", device.DeviceID),
				zap.Int64("definition_id", def.ID),
				zap.String("condition", def.Condition),
				zap.Error(err),
			)
			// 继续评估其他定义，不中断
			continue
		}
		if event != nil {
			triggered = append(triggered, *event)
		}
	}

	return triggered
}

// evaluateDefinition 评估单条定义，触发时返回写入后的事件
func (e *Evaluator) evaluateDefinition(ctx context.Context, device *models.DeviceInfo, def *models.EventDefinition, src VarSource, now time.Time) (*models.Event, error) {
	cond, err := ParseCondition(def.Condition)
	if err != nil {
		return nil, err
	}

	stateKey := StateKey(def.ID, device.DeviceID)

	// 协调存储不可达时跳过本轮，等下一条消息重试，绝不凭空触发
	lastEval, err := e.state.GetEvalTime(ctx, stateKey, now)
	if err != nil {
		metrics.StoreFailure("redis_eval_state")
		return nil, err
	}

	result, err := cond.Evaluate(src, lastEval, now)
	if err != nil {
		if errors.Is(err, timeseries.ErrNoData) {
			// 窗口内还没有数据：条件暂不可评估，不更新状态
			e.logger.Debug("Aggregation window empty, skipping definition",
				zap.String("device_id", device.DeviceID),
				zap.Int64("definition_id", def.ID),
			)
			return nil, nil
		}
		return nil, err
	}

	if err := e.state.SetEvalTime(ctx, stateKey, now); err != nil {
		metrics.StoreFailure("redis_eval_state")
		return nil, err
	}

	previous, err := e.state.GetLastResult(ctx, stateKey)
	if err != nil {
		metrics.StoreFailure("redis_eval_state")
		return nil, err
	}

	var event *models.Event
	// 状态机：条件上次为 false（已武装）且本次为 true 时才尝试触发；
	// 触发权由协调存储 CAS 裁决，并发评估收敛到唯一赢家
	if result && !previous {
		cooldown := time.Duration(def.DebounceWindow) * time.Second
		won, err := e.state.TryAcquireTrigger(ctx, def.ID, device.DeviceID, now, cooldown)
		if err != nil {
			metrics.StoreFailure("redis_eval_state")
			return nil, err
		}
		if won {
			event, err = e.emitEvent(ctx, device, def, src, now)
			if err != nil {
				return nil, err
			}
		}
	}

	if err := e.state.SetLastResult(ctx, stateKey, result); err != nil {
		metrics.StoreFailure("redis_eval_state")
		return event, err
	}

	return event, nil
}

// emitEvent 写入事件和通知记录
func (e *Evaluator) emitEvent(ctx context.Context, device *models.DeviceInfo, def *models.EventDefinition, src VarSource, now time.Time) (*models.Event, error) {
	event := &models.Event{
		EventID:      uuid.New().String(),
		DeviceID:     device.DeviceID,
		DefinitionID: def.ID,
		Success:      true,
		TriggeredAt:  now,
		Context:      snapshotContext(src),
	}

	if err := e.eventRepo.CreateEvent(ctx, event); err != nil {
		return nil, fmt.Errorf("failed to create event: %w", err)
	}

	notification := &models.Notification{
		NotificationID: uuid.New().String(),
		DeviceID:       device.DeviceID,
		DefinitionID:   def.ID,
		Ref:            def.Ref,
		Severity:       severityFromActions(def.Actions),
		CreatedAt:      now,
	}
	if err := e.eventRepo.CreateNotification(ctx, notification); err != nil {
		// 事件已落库，通知失败只记日志
		e.logger.Error("Failed to create notification",
			zap.String("event_id", event.EventID),
			zap.Error(err),
		)
	}

	metrics.EventTriggered()
	e.logger.Info("Event definition triggered",
		zap.String("event_id", event.EventID),
		zap.String("device_id", device.DeviceID),
		zap.Int64("definition_id", def.ID),
		zap.String("ref", def.Ref),
	)

	return event, nil
}

// RecordDeviceEvent 记录设备自行确认的事件（event 类型消息）
// event_id 格式为 "<device_id>:<definition_id>"
func (e *Evaluator) RecordDeviceEvent(ctx context.Context, device *models.DeviceInfo, eventID string, payload map[string]interface{}, at time.Time) error {
	parts := strings.SplitN(eventID, ":", 2)
	if len(parts) != 2 {
		return fmt.Errorf("malformed event_id %q, expected device:definition", eventID)
	}

	definitionID, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return fmt.Errorf("malformed definition id in event_id %q: %w", eventID, err)
	}

	def, err := e.defRepo.GetDefinition(ctx, definitionID)
	if err != nil {
		// 定义可能已被目录管理端删除，记录并放过
		e.logger.Error("Event definition does not exist for device event",
			zap.String("device_id", device.DeviceID),
			zap.Int64("definition_id", definitionID),
			zap.Error(err),
		)
		return nil
	}

	event := &models.Event{
		EventID:      uuid.New().String(),
		DeviceID:     device.DeviceID,
		DefinitionID: def.ID,
		Success:      true,
		TriggeredAt:  at,
		Context:      payload,
	}
	if err := e.eventRepo.CreateEvent(ctx, event); err != nil {
		return fmt.Errorf("failed to record device event: %w", err)
	}

	metrics.EventTriggered()
	return nil
}

// EvaluateScheduled 定时评估所有带 scheduled 定义的设备
// 时间关键字（time/day/period）类定义不依赖消息到达，由此路径驱动。
// 没有触发消息，上下文用每个指标的最新落库样本填充：传感器变量在定时扫描中
// 照常解析，消息驱动定义在两条消息之间也不会被扫描误写 last_result=false 而解除武装
func (e *Evaluator) EvaluateScheduled(ctx context.Context) error {
	devices, err := e.deviceRepo.GetDevicesWithScheduledDefinitions(ctx)
	if err != nil {
		return fmt.Errorf("failed to load devices for scheduled evaluation: %w", err)
	}

	now := time.Now().UTC()
	for i := range devices {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		payload, err := e.latestContext(ctx, devices[i].DeviceID)
		if err != nil {
			// 取不到最新样本就跳过该设备，用空上下文评估会破坏边沿检测状态
			e.logger.Error("Failed to load latest samples for scheduled evaluation",
				zap.String("device_id", devices[i].DeviceID),
				zap.Error(err),
			)
			continue
		}

		e.EvaluateDevice(ctx, &devices[i], payload, now)
	}

	return nil
}

// latestContext 用各指标的最新样本构建定时评估上下文
func (e *Evaluator) latestContext(ctx context.Context, deviceID string) (map[string]interface{}, error) {
	latest, err := e.tsRepo.GetLatestValues(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	if len(latest) == 0 {
		return nil, nil
	}

	payload := make(map[string]interface{}, len(latest))
	for metric, value := range latest {
		payload[metric] = value
	}
	return payload, nil
}

func severityFromActions(actions map[string]interface{}) string {
	for _, args := range actions {
		m, ok := args.(map[string]interface{})
		if !ok {
			continue
		}
		if severity, ok := m["severity"].(string); ok && severity != "" {
			return severity
		}
	}
	return "warning"
}

// snapshotContext 提取可序列化的上下文快照（落库到事件记录的 context 列）
func snapshotContext(src VarSource) map[string]interface{} {
	if agg, ok := src.(*AggregatedContext); ok {
		snapshot := make(map[string]interface{}, len(agg.payload)+len(agg.cache))
		for k, v := range agg.payload {
			snapshot[k] = v
		}
		for k, v := range agg.cache {
			snapshot[k] = v
		}
		return snapshot
	}
	return nil
}
