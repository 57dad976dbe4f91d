package evaluator

import (
	"context"
	"strconv"
	"strings"
	"time"

	"zconnect-engine/internal/models"
	"zconnect-engine/internal/timeseries"
)

// AggregatedContext 条件评估上下文
// 变量优先从消息 payload 取值（":" 路径进入嵌套字段），
// "<agg>_<秒数>_<指标>" 形式的变量惰性调用聚合引擎计算并在本次评估内缓存，
// 如 "avg_300_temperature" = 最近5分钟温度均值
type AggregatedContext struct {
	ctx     context.Context
	device  *models.DeviceInfo
	payload map[string]interface{}
	aggTime time.Time
	engine  *timeseries.Engine
	cache   map[string]interface{}
}

// NewAggregatedContext 创建评估上下文
// aggTime 为聚合窗口的右端点，取服务端到达时间（权威排序键）
func NewAggregatedContext(
	ctx context.Context,
	device *models.DeviceInfo,
	payload map[string]interface{},
	aggTime time.Time,
	engine *timeseries.Engine,
) *AggregatedContext {
	return &AggregatedContext{
		ctx:     ctx,
		device:  device,
		payload: payload,
		aggTime: aggTime,
		engine:  engine,
		cache:   make(map[string]interface{}),
	}
}

// Lookup 解析变量
// 返回 (nil, nil) 表示变量不存在；聚合窗口为空时返回 timeseries.ErrNoData，
// 调用方必须按"暂不可评估"处理
func (c *AggregatedContext) Lookup(name string) (interface{}, error) {
	if cached, ok := c.cache[name]; ok {
		return cached, nil
	}

	// 1. payload 字段（支持 ":" 路径）
	if value, ok := lookupPath(c.payload, name); ok {
		return normalizeValue(value), nil
	}

	// 2. 设备目录字段（device:name 等）
	if value, ok := c.lookupDeviceField(name); ok {
		return value, nil
	}

	// 3. 聚合变量
	aggType, seconds, metric, ok := parseAggKey(name)
	if !ok {
		return nil, nil
	}

	start := c.aggTime.Add(-time.Duration(seconds) * time.Second)
	value, err := c.engine.Aggregate(c.ctx, c.device.DeviceID, metric, start, c.aggTime, aggType)
	if err != nil {
		return nil, err
	}

	c.cache[name] = value
	return value, nil
}

func (c *AggregatedContext) lookupDeviceField(name string) (interface{}, bool) {
	switch name {
	case "device:name":
		return c.device.Name, true
	case "device:product_id":
		return c.device.ProductID, true
	case "device:fw_version":
		return c.device.FwVersion, true
	default:
		return nil, false
	}
}

// lookupPath 按 ":" 路径逐层进入嵌套 map
func lookupPath(payload map[string]interface{}, name string) (interface{}, bool) {
	if payload == nil {
		return nil, false
	}

	parts := strings.Split(name, ":")
	var current interface{} = payload
	for _, part := range parts {
		m, ok := current.(map[string]interface{})
		if !ok {
			return nil, false
		}
		current, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// parseAggKey 解析聚合变量名 "<agg>_<seconds>_<metric>"
// 指标名可以含下划线，所以从左边切两刀
func parseAggKey(name string) (aggType string, seconds int, metric string, ok bool) {
	parts := strings.SplitN(name, "_", 3)
	if len(parts) != 3 || parts[2] == "" {
		return "", 0, "", false
	}
	if !timeseries.KnownAggregations[parts[0]] {
		return "", 0, "", false
	}
	secs, err := strconv.Atoi(parts[1])
	if err != nil || secs <= 0 {
		return "", 0, "", false
	}
	return parts[0], secs, parts[2], true
}

// normalizeValue JSON 解码出的整数统一成 float64，比较时少一类分支
func normalizeValue(value interface{}) interface{} {
	switch v := value.(type) {
	case int:
		return float64(v)
	case int64:
		return float64(v)
	default:
		return value
	}
}
