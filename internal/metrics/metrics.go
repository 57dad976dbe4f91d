package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const metricPrefix = "zconnect_"

// 丢弃原因
const (
	ReasonMalformed   = "malformed"
	ReasonNoHandler   = "no_handler"
	ReasonRateLimited = "rate_limited"
	ReasonHandlerErr  = "handler_error"
	ReasonQueueFull   = "queue_full"
	ReasonShutdown    = "shutdown"
)

var (
	registerOnce sync.Once

	messagesReceived *prometheus.CounterVec
	messagesDropped  *prometheus.CounterVec
	rateLimitDenied  *prometheus.CounterVec
	handlerErrors    *prometheus.CounterVec
	storeFailures    *prometheus.CounterVec
	eventsTriggered  prometheus.Counter
)

// Init 注册监控指标
// 被限流/丢弃的消息没有同步响应通道，只能通过这些计数器观测
func Init() {
	registerOnce.Do(func() {
		messagesReceived = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "messages_received_total",
				Help: "Total inbound device messages by kind",
			},
			[]string{"kind"},
		)
		messagesDropped = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "messages_dropped_total",
				Help: "Total dropped messages by reason",
			},
			[]string{"reason"},
		)
		rateLimitDenied = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "rate_limit_denied_total",
				Help: "Total rate limiter denials by kind",
			},
			[]string{"kind"},
		)
		handlerErrors = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "handler_errors_total",
				Help: "Total handler invocation failures by kind",
			},
			[]string{"kind"},
		)
		storeFailures = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "store_failures_total",
				Help: "Total coordination/catalog store failures by store",
			},
			[]string{"store"},
		)
		eventsTriggered = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "events_triggered_total",
				Help: "Total event definition triggers emitted",
			},
		)

		prometheus.MustRegister(
			messagesReceived,
			messagesDropped,
			rateLimitDenied,
			handlerErrors,
			storeFailures,
			eventsTriggered,
		)
	})
}

// MessageReceived 记录收到的消息
func MessageReceived(kind string) {
	if messagesReceived != nil {
		messagesReceived.WithLabelValues(kind).Inc()
	}
}

// MessageDropped 记录丢弃的消息
func MessageDropped(reason string) {
	if messagesDropped != nil {
		messagesDropped.WithLabelValues(reason).Inc()
	}
}

// RateLimitDenied 记录限流拒绝
func RateLimitDenied(kind string) {
	if rateLimitDenied != nil {
		rateLimitDenied.WithLabelValues(kind).Inc()
	}
}

// HandlerError 记录处理函数失败
func HandlerError(kind string) {
	if handlerErrors != nil {
		handlerErrors.WithLabelValues(kind).Inc()
	}
}

// StoreFailure 记录存储故障（限流器 fail open 等场景必须可观测）
func StoreFailure(store string) {
	if storeFailures != nil {
		storeFailures.WithLabelValues(store).Inc()
	}
}

// EventTriggered 记录事件触发
func EventTriggered() {
	if eventsTriggered != nil {
		eventsTriggered.Inc()
	}
}
