package listener

import (
	"context"
	"fmt"

	"zconnect-engine/internal/evaluator"
	"zconnect-engine/internal/models"
	"zconnect-engine/internal/repository"
	"zconnect-engine/internal/status"

	"go.uber.org/zap"
)

// Handlers 各消息类型的处理函数集合
// 任意上行消息都会刷新设备在线状态；在此之外按类型分发副作用
type Handlers struct {
	deviceRepo *repository.DeviceRepository
	tsRepo     *repository.TimeSeriesRepository
	tracker    *status.OnlineStatusTracker
	eval       *evaluator.Evaluator
	logger     *zap.Logger
}

// NewHandlers 创建处理函数集合
func NewHandlers(
	deviceRepo *repository.DeviceRepository,
	tsRepo *repository.TimeSeriesRepository,
	tracker *status.OnlineStatusTracker,
	eval *evaluator.Evaluator,
	logger *zap.Logger,
) *Handlers {
	return &Handlers{
		deviceRepo: deviceRepo,
		tsRepo:     tsRepo,
		tracker:    tracker,
		eval:       eval,
		logger:     logger,
	}
}

// RegisterAll 注册全部消息处理函数
func (h *Handlers) RegisterAll(l *Listener) error {
	registrations := map[models.MessageKind]HandlerFunc{
		models.KindPeriodic:               h.HandlePeriodic,
		models.KindEvent:                  h.HandleEvent,
		models.KindManualStatus:           h.HandleManualStatus,
		models.KindVersion:                h.HandleVersion,
		models.KindFwUpdateComplete:       h.HandleFwUpdateComplete,
		models.KindSettings:               h.HandleAcknowledged,
		models.KindLocalIP:                h.HandleAcknowledged,
		models.KindInitWifiSuccess:        h.HandleAcknowledged,
		models.KindGatewayNewClient:       h.HandleAcknowledged,
		models.KindIRReceiveCodes:         h.HandleAcknowledged,
		models.KindIRReceiveCodesComplete: h.HandleAcknowledged,
	}

	for kind, fn := range registrations {
		if err := l.RegisterHandler(kind, fn); err != nil {
			return err
		}
	}
	return nil
}

// touchDevice 查设备目录并刷新在线状态
func (h *Handlers) touchDevice(ctx context.Context, msg *models.Message) (*models.DeviceInfo, error) {
	device, err := h.deviceRepo.GetDevice(ctx, msg.DeviceID)
	if err != nil {
		return nil, fmt.Errorf("unknown device %s: %w", msg.DeviceID, err)
	}

	if err := h.tracker.Touch(ctx, device.DeviceID, msg.ArrivedAt); err != nil {
		// 在线状态刷新失败不阻断消息处理
		h.logger.Warn("Failed to touch online status",
			zap.String("device_id", device.DeviceID),
			zap.Error(err),
		)
	}

	return device, nil
}

// HandlePeriodic 周期上报：写入时序数据并评估事件定义
func (h *Handlers) HandlePeriodic(ctx context.Context, msg *models.Message) error {
	device, err := h.touchDevice(ctx, msg)
	if err != nil {
		return err
	}

	// 数据点的时间戳用设备上报时间，服务端到达时间只做排序键
	for metric, value := range msg.NumericPayload() {
		sample := &models.TimeSeriesSample{
			DeviceID:  device.DeviceID,
			Metric:    metric,
			Timestamp: msg.Timestamp,
			Value:     value,
		}
		if err := h.tsRepo.InsertSample(ctx, sample); err != nil {
			return fmt.Errorf("failed to store sample %s: %w", metric, err)
		}
	}

	h.eval.EvaluateDevice(ctx, device, msg.Payload, msg.ArrivedAt)
	return nil
}

// HandleEvent 设备侧确认的事件（payload.event_id = "<device>:<definition>"）
func (h *Handlers) HandleEvent(ctx context.Context, msg *models.Message) error {
	device, err := h.touchDevice(ctx, msg)
	if err != nil {
		return err
	}

	eventID, ok := msg.Payload["event_id"].(string)
	if !ok || eventID == "" {
		return fmt.Errorf("event message missing event_id")
	}

	return h.eval.RecordDeviceEvent(ctx, device, eventID, msg.Payload, msg.ArrivedAt)
}

// HandleManualStatus 手动状态上报：只刷新在线状态
func (h *Handlers) HandleManualStatus(ctx context.Context, msg *models.Message) error {
	_, err := h.touchDevice(ctx, msg)
	return err
}

// HandleVersion 固件版本上报
func (h *Handlers) HandleVersion(ctx context.Context, msg *models.Message) error {
	device, err := h.touchDevice(ctx, msg)
	if err != nil {
		return err
	}

	version, ok := msg.Payload["version"].(string)
	if !ok || version == "" {
		return fmt.Errorf("version message missing version field")
	}

	if err := h.deviceRepo.UpdateFwVersion(ctx, device.DeviceID, version); err != nil {
		return err
	}

	h.logger.Info("Device firmware version updated",
		zap.String("device_id", device.DeviceID),
		zap.String("fw_version", version),
	)
	return nil
}

// HandleFwUpdateComplete 固件升级完成
func (h *Handlers) HandleFwUpdateComplete(ctx context.Context, msg *models.Message) error {
	device, err := h.touchDevice(ctx, msg)
	if err != nil {
		return err
	}

	if version, ok := msg.Payload["version"].(string); ok && version != "" {
		if err := h.deviceRepo.UpdateFwVersion(ctx, device.DeviceID, version); err != nil {
			return err
		}
	}

	h.logger.Info("Device firmware update complete",
		zap.String("device_id", device.DeviceID),
	)
	return nil
}

// HandleAcknowledged 只需刷新在线状态的消息类型
// （settings/local_ip/init_wifi_success/gateway_new_client/ir_receive_codes 等
// 由周边平台消费，引擎只关心活性）
func (h *Handlers) HandleAcknowledged(ctx context.Context, msg *models.Message) error {
	_, err := h.touchDevice(ctx, msg)
	if err != nil {
		return err
	}

	h.logger.Debug("Message acknowledged",
		zap.String("device_id", msg.DeviceID),
		zap.String("kind", string(msg.Kind)),
	)
	return nil
}
