package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"zconnect-engine/internal/models"

	"go.uber.org/zap"
)

// TimeSeriesRepository 时序数据仓库
// 追加为主，(device_id, metric, ts) 上幂等，样本写入无需加锁
type TimeSeriesRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewTimeSeriesRepository 创建时序数据仓库
func NewTimeSeriesRepository(db *sql.DB, logger *zap.Logger) *TimeSeriesRepository {
	return &TimeSeriesRepository{
		db:     db,
		logger: logger,
	}
}

// InsertSample 写入单个数据点
// ON CONFLICT DO NOTHING：同一 (device, metric, ts) 重复写入不产生新行
func (r *TimeSeriesRepository) InsertSample(ctx context.Context, sample *models.TimeSeriesSample) error {
	query := `
		INSERT INTO timeseries_data (device_id, metric, ts, value)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (device_id, metric, ts) DO NOTHING
	`

	_, err := r.db.ExecContext(ctx, query,
		sample.DeviceID,
		sample.Metric,
		sample.Timestamp,
		sample.Value,
	)
	if err != nil {
		return fmt.Errorf("failed to insert timeseries sample: %w", err)
	}

	return nil
}

// GetRange 查询半开区间 [start, end) 内的数据点，按时间升序
func (r *TimeSeriesRepository) GetRange(ctx context.Context, deviceID, metric string, start, end time.Time) ([]models.TimeSeriesSample, error) {
	query := `
		SELECT device_id, metric, ts, value
		FROM timeseries_data
		WHERE device_id = $1 AND metric = $2 AND ts >= $3 AND ts < $4
		ORDER BY ts
	`

	rows, err := r.db.QueryContext(ctx, query, deviceID, metric, start, end)
	if err != nil {
		return nil, fmt.Errorf("failed to query timeseries range: %w", err)
	}
	defer rows.Close()

	var samples []models.TimeSeriesSample
	for rows.Next() {
		var sample models.TimeSeriesSample
		if err := rows.Scan(
			&sample.DeviceID,
			&sample.Metric,
			&sample.Timestamp,
			&sample.Value,
		); err != nil {
			return nil, fmt.Errorf("failed to scan timeseries row: %w", err)
		}
		samples = append(samples, sample)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate timeseries rows: %w", err)
	}

	return samples, nil
}

// GetLatestValues 查询设备每个指标的最新数据点值
// 定时评估没有触发消息，用各指标的最新落库样本充当评估上下文
func (r *TimeSeriesRepository) GetLatestValues(ctx context.Context, deviceID string) (map[string]float64, error) {
	query := `
		SELECT DISTINCT ON (metric) metric, value
		FROM timeseries_data
		WHERE device_id = $1
		ORDER BY metric, ts DESC
	`

	rows, err := r.db.QueryContext(ctx, query, deviceID)
	if err != nil {
		return nil, fmt.Errorf("failed to query latest values: %w", err)
	}
	defer rows.Close()

	latest := make(map[string]float64)
	for rows.Next() {
		var metric string
		var value float64
		if err := rows.Scan(&metric, &value); err != nil {
			return nil, fmt.Errorf("failed to scan latest value row: %w", err)
		}
		latest[metric] = value
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate latest value rows: %w", err)
	}

	return latest, nil
}

// DeleteOlderThan 删除过期数据点（周期清理任务）
func (r *TimeSeriesRepository) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	query := `
		DELETE FROM timeseries_data
		WHERE ts < $1
	`

	result, err := r.db.ExecContext(ctx, query, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired samples: %w", err)
	}

	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return deleted, nil
}
