package service

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"time"

	"zconnect-engine/internal/config"
	"zconnect-engine/internal/database"
	"zconnect-engine/internal/evaluator"
	"zconnect-engine/internal/listener"
	"zconnect-engine/internal/metrics"
	"zconnect-engine/internal/mqtt"
	"zconnect-engine/internal/ratelimit"
	enginredis "zconnect-engine/internal/redis"
	"zconnect-engine/internal/repository"
	"zconnect-engine/internal/status"
	"zconnect-engine/internal/timeseries"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// 过期时序数据保留天数（周期清理）
const sampleRetentionDays = 31

// Engine 设备事件接入与评估引擎
// 组装配置、存储、限流器、评估器和监听器；Start 阻塞到上下文取消后优雅关闭
type Engine struct {
	config      *config.Config
	logger      *zap.Logger
	db          *sql.DB
	redisClient *enginredis.Client
	listener    *listener.Listener
	eval        *evaluator.Evaluator
	tsRepo      *repository.TimeSeriesRepository

	metricsServer *http.Server
}

// NewEngine 创建引擎（建立全部外部连接，失败即返回错误）
func NewEngine(cfg *config.Config, logger *zap.Logger) (*Engine, error) {
	metrics.Init()

	// 1. PostgreSQL（目录 + 时序存储）
	db, err := database.NewPostgresDB(&cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// 2. Redis（共享协调存储：限流计数器、评估状态）
	connectCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	redisClient, err := enginredis.Connect(connectCtx, &cfg.Redis)
	if err != nil {
		database.Close(db)
		return nil, err
	}

	// 3. 仓库
	deviceRepo := repository.NewDeviceRepository(db, logger)
	defRepo := repository.NewEventDefinitionRepository(db, logger)
	eventRepo := repository.NewEventRepository(db, logger)
	tsRepo := repository.NewTimeSeriesRepository(db, logger)

	// 4. 核心组件
	aggEngine := timeseries.NewEngine(tsRepo, logger)
	stateManager := evaluator.NewStateManager(redisClient, cfg.Evaluation.ClockSkewOffset, logger)
	eval := evaluator.NewEvaluator(cfg, stateManager, deviceRepo, defRepo, eventRepo, tsRepo, aggEngine, logger)
	tracker := status.NewOnlineStatusTracker(cfg, redisClient, deviceRepo, logger)
	limiter := ratelimit.NewRateLimiter(cfg, redisClient, logger)

	// 5. 监听器
	transport := mqtt.NewClient(&cfg.MQTT, logger)
	lst := listener.NewListener(cfg, transport, limiter, logger)
	handlers := listener.NewHandlers(deviceRepo, tsRepo, tracker, eval, logger)
	if err := handlers.RegisterAll(lst); err != nil {
		database.Close(db)
		enginredis.Close(redisClient)
		return nil, fmt.Errorf("failed to register handlers: %w", err)
	}

	engine := &Engine{
		config:      cfg,
		logger:      logger,
		db:          db,
		redisClient: redisClient,
		listener:    lst,
		eval:        eval,
		tsRepo:      tsRepo,
	}

	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		engine.metricsServer = &http.Server{
			Addr:    cfg.MetricsAddr,
			Handler: mux,
		}
	}

	return engine, nil
}

// Start 启动引擎并阻塞到上下文取消
func (e *Engine) Start(ctx context.Context) error {
	if e.metricsServer != nil {
		go func() {
			e.logger.Info("Metrics server listening",
				zap.String("addr", e.metricsServer.Addr),
			)
			if err := e.metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				e.logger.Error("Metrics server failed",
					zap.Error(err),
				)
			}
		}()
	}

	if err := e.listener.Start(ctx); err != nil {
		return fmt.Errorf("failed to start listener: %w", err)
	}

	if e.config.Evaluation.ScheduledInterval > 0 {
		go e.runScheduledEvaluation(ctx)
	}
	go e.runRetentionSweep(ctx)

	e.logger.Info("Engine started")

	<-ctx.Done()
	e.Stop()
	return nil
}

// Stop 优雅关闭（监听器先停，保证在途消息处理完成后再断开存储）
func (e *Engine) Stop() {
	e.listener.Stop()

	if e.metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := e.metricsServer.Shutdown(shutdownCtx); err != nil {
			e.logger.Warn("Failed to shut down metrics server",
				zap.Error(err),
			)
		}
	}

	if err := enginredis.Close(e.redisClient); err != nil {
		e.logger.Warn("Failed to close redis client",
			zap.Error(err),
		)
	}
	if err := database.Close(e.db); err != nil {
		e.logger.Warn("Failed to close database",
			zap.Error(err),
		)
	}

	e.logger.Info("Engine stopped")
}

// runScheduledEvaluation 定时评估循环（驱动 time/day/period 类定义）
func (e *Engine) runScheduledEvaluation(ctx context.Context) {
	ticker := time.NewTicker(e.config.Evaluation.ScheduledInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.eval.EvaluateScheduled(ctx); err != nil {
				e.logger.Error("Scheduled evaluation failed",
					zap.Error(err),
				)
				// 下个周期重试，不中断
			}
		}
	}
}

// runRetentionSweep 周期清理过期时序数据
func (e *Engine) runRetentionSweep(ctx context.Context) {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().UTC().AddDate(0, 0, -sampleRetentionDays)
			deleted, err := e.tsRepo.DeleteOlderThan(ctx, cutoff)
			if err != nil {
				e.logger.Error("Retention sweep failed",
					zap.Error(err),
				)
				continue
			}
			e.logger.Info("Retention sweep complete",
				zap.Int64("deleted", deleted),
				zap.Time("cutoff", cutoff),
			)
		}
	}
}
