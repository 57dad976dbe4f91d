package timeseries

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"zconnect-engine/internal/models"
	"zconnect-engine/internal/repository"

	"go.uber.org/zap"
)

// ErrNoData 空窗口的显式结果
// 调用方（尤其是评估器）必须把它当作"条件暂不可评估"，而不是 false 或 0
var ErrNoData = errors.New("no data in aggregation window")

// 支持的聚合函数
const (
	AggSum    = "sum"
	AggAvg    = "avg"
	AggMin    = "min"
	AggMax    = "max"
	AggCount  = "count"
	AggStddev = "stddev"
	AggMedian = "median"
)

// KnownAggregations 所有支持的聚合函数名
var KnownAggregations = map[string]bool{
	AggSum:    true,
	AggAvg:    true,
	AggMin:    true,
	AggMax:    true,
	AggCount:  true,
	AggStddev: true,
	AggMedian: true,
}

// Engine 时序数据聚合引擎
// 在半开窗口 [start, end) 上计算数值统计，供评估器和报表消费方调用
type Engine struct {
	tsRepo *repository.TimeSeriesRepository
	logger *zap.Logger
}

// NewEngine 创建聚合引擎
func NewEngine(tsRepo *repository.TimeSeriesRepository, logger *zap.Logger) *Engine {
	return &Engine{
		tsRepo: tsRepo,
		logger: logger,
	}
}

// Aggregate 聚合设备某指标在 [start, end) 内的数据点
// 空窗口返回 ErrNoData，不返回数值默认值
func (e *Engine) Aggregate(ctx context.Context, deviceID, metric string, start, end time.Time, fn string) (float64, error) {
	if !KnownAggregations[fn] {
		return 0, fmt.Errorf("unknown aggregation function %q", fn)
	}

	samples, err := e.tsRepo.GetRange(ctx, deviceID, metric, start, end)
	if err != nil {
		return 0, fmt.Errorf("failed to load samples for aggregation: %w", err)
	}

	return Compute(samples, fn)
}

// Compute 对样本序列计算聚合值
// 相同样本集的结果与插入顺序无关：样本按时间戳排序后再做单遍折叠；
// avg 用 sum/count 一次计算，避免二次舍入
func Compute(samples []models.TimeSeriesSample, fn string) (float64, error) {
	if len(samples) == 0 {
		return 0, ErrNoData
	}

	// 仓库按 ts 升序返回；防御性排序保证纯内存调用时同样可复现
	ordered := make([]models.TimeSeriesSample, len(samples))
	copy(ordered, samples)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Timestamp.Before(ordered[j].Timestamp)
	})

	switch fn {
	case AggCount:
		return float64(len(ordered)), nil
	case AggSum:
		return sum(ordered), nil
	case AggAvg:
		return sum(ordered) / float64(len(ordered)), nil
	case AggMin:
		min := ordered[0].Value
		for _, s := range ordered[1:] {
			if s.Value < min {
				min = s.Value
			}
		}
		return min, nil
	case AggMax:
		max := ordered[0].Value
		for _, s := range ordered[1:] {
			if s.Value > max {
				max = s.Value
			}
		}
		return max, nil
	case AggStddev:
		return stddev(ordered), nil
	case AggMedian:
		return median(ordered), nil
	default:
		return 0, fmt.Errorf("unknown aggregation function %q", fn)
	}
}

func sum(samples []models.TimeSeriesSample) float64 {
	var total float64
	for _, s := range samples {
		total += s.Value
	}
	return total
}

// stddev 总体标准差（两遍算法，数值稳定）
func stddev(samples []models.TimeSeriesSample) float64 {
	mean := sum(samples) / float64(len(samples))

	var sqDiff float64
	for _, s := range samples {
		d := s.Value - mean
		sqDiff += d * d
	}

	return math.Sqrt(sqDiff / float64(len(samples)))
}

func median(samples []models.TimeSeriesSample) float64 {
	values := make([]float64, len(samples))
	for i, s := range samples {
		values[i] = s.Value
	}
	sort.Float64s(values)

	mid := len(values) / 2
	if len(values)%2 == 1 {
		return values[mid]
	}
	return (values[mid-1] + values[mid]) / 2
}
