package listener

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"zconnect-engine/internal/config"
	"zconnect-engine/internal/metrics"
	"zconnect-engine/internal/models"
	"zconnect-engine/internal/ratelimit"

	"go.uber.org/zap"
)

// Transport 消息传输层抽象
// 引擎对具体 broker 客户端保持多态，只要求连接/订阅/关闭三个能力
type Transport interface {
	Connect() error
	Subscribe(handler func(topic string, payload []byte)) error
	Close() error
}

// HandlerFunc 消息处理函数
type HandlerFunc func(ctx context.Context, msg *models.Message) error

// Listener 消息监听器
// 维持到传输层的长连接，把无界、可能乱序的上行消息流变成一系列处理函数调用。
// 消息按设备ID哈希分片到固定数量的工作协程：同一设备的消息串行处理
// （在线状态和评估状态假设到达时间单调不减），不同设备并发处理
type Listener struct {
	config    *config.Config
	transport Transport
	limiter   *ratelimit.RateLimiter
	handlers  map[models.MessageKind]HandlerFunc
	logger    *zap.Logger

	queues  []chan *models.Message
	wg      sync.WaitGroup
	mu      sync.Mutex
	started bool
	closed  bool

	workerCtx    context.Context
	workerCancel context.CancelFunc
}

// NewListener 创建监听器
func NewListener(
	cfg *config.Config,
	transport Transport,
	limiter *ratelimit.RateLimiter,
	logger *zap.Logger,
) *Listener {
	return &Listener{
		config:    cfg,
		transport: transport,
		limiter:   limiter,
		handlers:  make(map[models.MessageKind]HandlerFunc),
		logger:    logger,
	}
}

// RegisterHandler 注册消息处理函数
// 必须在 Start 之前调用；未知消息类型启动即报错（fail fast）
func (l *Listener) RegisterHandler(kind models.MessageKind, fn HandlerFunc) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.started {
		return fmt.Errorf("cannot register handler after listener started")
	}
	if !models.KnownKinds[kind] {
		return fmt.Errorf("cannot register handler for unknown message kind %q", kind)
	}
	if _, exists := l.handlers[kind]; exists {
		return fmt.Errorf("handler already registered for kind %q", kind)
	}

	l.handlers[kind] = fn
	return nil
}

// Start 启动监听器（连接传输层、订阅、启动工作协程后返回）
func (l *Listener) Start(ctx context.Context) error {
	l.mu.Lock()
	if l.started {
		l.mu.Unlock()
		return fmt.Errorf("listener already started")
	}
	l.started = true
	l.mu.Unlock()

	l.workerCtx, l.workerCancel = context.WithCancel(context.Background())

	l.queues = make([]chan *models.Message, l.config.Listener.Workers)
	for i := range l.queues {
		l.queues[i] = make(chan *models.Message, l.config.Listener.QueueSize)
		l.wg.Add(1)
		go l.worker(i)
	}

	if err := l.transport.Connect(); err != nil {
		return fmt.Errorf("failed to connect transport: %w", err)
	}
	if err := l.transport.Subscribe(l.onRawMessage); err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}

	l.logger.Info("Message listener started",
		zap.Int("workers", l.config.Listener.Workers),
		zap.Int("queue_size", l.config.Listener.QueueSize),
		zap.Int("registered_handlers", len(l.handlers)),
	)

	return nil
}

// Stop 优雅关闭
// 取消订阅并关闭进料，等待在途消息处理完成；超过宽限期强制放弃并告警，
// 卡死的处理函数不能无限阻塞进程退出
func (l *Listener) Stop() {
	l.mu.Lock()
	if !l.started || l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	l.mu.Unlock()

	if err := l.transport.Close(); err != nil {
		l.logger.Warn("Failed to close transport",
			zap.Error(err),
		)
	}

	// 与 onRawMessage 的入队临界区互斥后再关闭进料
	l.mu.Lock()
	for _, queue := range l.queues {
		close(queue)
	}
	l.mu.Unlock()

	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		l.workerCancel()
		l.logger.Info("Message listener stopped")
	case <-time.After(l.config.Listener.ShutdownGrace):
		l.workerCancel()
		l.logger.Warn("Shutdown grace period elapsed, abandoning in-flight messages",
			zap.Duration("grace", l.config.Listener.ShutdownGrace),
		)
	}
}

// onRawMessage 传输层回调：解析信封并分片入队
// 回调里不做存储 I/O，保证 broker 客户端的接收线程不被阻塞
func (l *Listener) onRawMessage(topic string, payload []byte) {
	arrivedAt := time.Now().UTC()

	msg, err := models.ParseMessage(payload, arrivedAt)
	if err != nil {
		// 坏消息丢弃并计数，绝不让监听器崩溃
		metrics.MessageDropped(metrics.ReasonMalformed)
		l.logger.Error("Dropping malformed message",
			zap.String("topic", topic),
			zap.Error(err),
		)
		return
	}

	metrics.MessageReceived(string(msg.Kind))

	// closed 检查和入队在同一临界区内：Stop 关闭队列也持同一把锁，
	// 在途回调不可能向已关闭的通道发送
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		metrics.MessageDropped(metrics.ReasonShutdown)
		return
	}
	if _, ok := l.handlers[msg.Kind]; !ok {
		l.mu.Unlock()
		// 新固件可能上报未知消息类型，静默丢弃保证向前兼容
		metrics.MessageDropped(metrics.ReasonNoHandler)
		l.logger.Debug("No handler for message kind",
			zap.String("kind", string(msg.Kind)),
			zap.String("device_id", msg.DeviceID),
		)
		return
	}

	shard := deviceShard(msg.DeviceID, len(l.queues))
	enqueued := false
	select {
	case l.queues[shard] <- msg:
		enqueued = true
	default:
	}
	l.mu.Unlock()

	if !enqueued {
		// 队列有界：积压时丢弃而不是无限占用内存
		metrics.MessageDropped(metrics.ReasonQueueFull)
		l.logger.Warn("Worker queue full, dropping message",
			zap.String("device_id", msg.DeviceID),
			zap.String("kind", string(msg.Kind)),
			zap.Int("shard", shard),
		)
	}
}

// worker 工作协程：限流后串行调用处理函数
func (l *Listener) worker(shard int) {
	defer l.wg.Done()

	for msg := range l.queues[shard] {
		admitted, err := l.limiter.Admit(l.workerCtx, msg.DeviceID, msg.Kind)
		if err != nil {
			// fail open：消息已放行，错误只用于观测
			l.logger.Error("Rate limiter degraded",
				zap.String("device_id", msg.DeviceID),
				zap.String("kind", string(msg.Kind)),
				zap.Error(err),
			)
		}
		if !admitted {
			// 限流拒绝是控制流结果而非错误：丢弃、计数、不调用处理函数
			metrics.RateLimitDenied(string(msg.Kind))
			metrics.MessageDropped(metrics.ReasonRateLimited)
			continue
		}

		l.invoke(msg)
	}
}

// invoke 调用处理函数，失败按消息隔离
func (l *Listener) invoke(msg *models.Message) {
	defer func() {
		if r := recover(); r != nil {
			metrics.HandlerError(string(msg.Kind))
			l.logger.Error("Handler panicked",
				zap.String("device_id", msg.DeviceID),
				zap.String("kind", string(msg.Kind)),
				zap.Any("panic", r),
			)
		}
	}()

	handler := l.handlers[msg.Kind]
	if err := handler(l.workerCtx, msg); err != nil {
		// 一条坏消息绝不能终止消息流
		metrics.HandlerError(string(msg.Kind))
		metrics.MessageDropped(metrics.ReasonHandlerErr)
		l.logger.Error("Handler failed",
			zap.String("device_id", msg.DeviceID),
			zap.String("kind", string(msg.Kind)),
			zap.Error(err),
		)
	}
}

// deviceShard 设备ID哈希分片（FNV-1a）
func deviceShard(deviceID string, shards int) int {
	h := fnv.New32a()
	h.Write([]byte(deviceID))
	return int(h.Sum32() % uint32(shards))
}
