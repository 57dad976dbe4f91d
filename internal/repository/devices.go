package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"zconnect-engine/internal/models"

	"go.uber.org/zap"
)

// DeviceRepository 设备目录仓库
// 目录表结构由外部系统维护，引擎只读身份/产品映射，回写 last_seen 和固件版本
type DeviceRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewDeviceRepository 创建设备仓库
func NewDeviceRepository(db *sql.DB, logger *zap.Logger) *DeviceRepository {
	return &DeviceRepository{
		db:     db,
		logger: logger,
	}
}

// GetDevice 获取设备信息
func (r *DeviceRepository) GetDevice(ctx context.Context, deviceID string) (*models.DeviceInfo, error) {
	query := `
		SELECT device_id, product_id, name, COALESCE(fw_version, ''), last_seen
		FROM devices
		WHERE device_id = $1
	`

	var device models.DeviceInfo
	var lastSeen sql.NullTime
	err := r.db.QueryRowContext(ctx, query, deviceID).Scan(
		&device.DeviceID,
		&device.ProductID,
		&device.Name,
		&device.FwVersion,
		&lastSeen,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("device not found: %s", deviceID)
		}
		return nil, fmt.Errorf("failed to query device: %w", err)
	}

	if lastSeen.Valid {
		device.LastSeen = &lastSeen.Time
	}

	return &device, nil
}

// UpdateLastSeen 回写设备最后在线时间
func (r *DeviceRepository) UpdateLastSeen(ctx context.Context, deviceID string, at time.Time) error {
	query := `
		UPDATE devices
		SET last_seen = $1
		WHERE device_id = $2
	`

	_, err := r.db.ExecContext(ctx, query, at, deviceID)
	if err != nil {
		return fmt.Errorf("failed to update last_seen: %w", err)
	}

	return nil
}

// UpdateFwVersion 更新设备固件版本（version / fw_update_complete 消息）
func (r *DeviceRepository) UpdateFwVersion(ctx context.Context, deviceID string, fwVersion string) error {
	query := `
		UPDATE devices
		SET fw_version = $1
		WHERE device_id = $2
	`

	_, err := r.db.ExecContext(ctx, query, fwVersion, deviceID)
	if err != nil {
		return fmt.Errorf("failed to update fw_version: %w", err)
	}

	return nil
}

// GetDevicesWithScheduledDefinitions 获取产品上有 scheduled 事件定义的所有设备
// 定时评估任务按此列表分批评估
func (r *DeviceRepository) GetDevicesWithScheduledDefinitions(ctx context.Context) ([]models.DeviceInfo, error) {
	query := `
		SELECT DISTINCT d.device_id, d.product_id, d.name, COALESCE(d.fw_version, ''), d.last_seen
		FROM devices d
		JOIN event_definitions ed ON ed.product_id = d.product_id
		WHERE ed.enabled = true AND ed.scheduled = true
		ORDER BY d.device_id
	`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query scheduled devices: %w", err)
	}
	defer rows.Close()

	var devices []models.DeviceInfo
	for rows.Next() {
		var device models.DeviceInfo
		var lastSeen sql.NullTime
		if err := rows.Scan(
			&device.DeviceID,
			&device.ProductID,
			&device.Name,
			&device.FwVersion,
			&lastSeen,
		); err != nil {
			return nil, fmt.Errorf("failed to scan device row: %w", err)
		}
		if lastSeen.Valid {
			device.LastSeen = &lastSeen.Time
		}
		devices = append(devices, device)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate device rows: %w", err)
	}

	return devices, nil
}
