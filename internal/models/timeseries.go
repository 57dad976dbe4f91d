package models

import "time"

// TimeSeriesSample 时序数据点
// (device_id, metric, ts) 上幂等，重复写入不产生新行
type TimeSeriesSample struct {
	DeviceID  string
	Metric    string
	Timestamp time.Time
	Value     float64
}
