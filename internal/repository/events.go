package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"zconnect-engine/internal/models"

	"go.uber.org/zap"
)

// EventRepository 事件/通知输出仓库
// 触发产生的 Event/Notification 写入外部目录后归其所有
type EventRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewEventRepository 创建事件仓库
func NewEventRepository(db *sql.DB, logger *zap.Logger) *EventRepository {
	return &EventRepository{
		db:     db,
		logger: logger,
	}
}

// CreateEvent 写入事件记录
func (r *EventRepository) CreateEvent(ctx context.Context, event *models.Event) error {
	contextJSON, err := json.Marshal(event.Context)
	if err != nil {
		return fmt.Errorf("failed to marshal event context: %w", err)
	}

	query := `
		INSERT INTO events (event_id, device_id, definition_id, success, triggered_at, context)
		VALUES ($1, $2, $3, $4, $5, $6)
	`

	_, err = r.db.ExecContext(ctx, query,
		event.EventID,
		event.DeviceID,
		event.DefinitionID,
		event.Success,
		event.TriggeredAt,
		contextJSON,
	)
	if err != nil {
		return fmt.Errorf("failed to insert event: %w", err)
	}

	return nil
}

// CreateNotification 写入通知记录
func (r *EventRepository) CreateNotification(ctx context.Context, notification *models.Notification) error {
	query := `
		INSERT INTO notifications (notification_id, device_id, definition_id, ref, severity, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`

	_, err := r.db.ExecContext(ctx, query,
		notification.NotificationID,
		notification.DeviceID,
		notification.DefinitionID,
		notification.Ref,
		notification.Severity,
		notification.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert notification: %w", err)
	}

	return nil
}
