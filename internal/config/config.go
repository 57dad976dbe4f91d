package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"zconnect-engine/internal/models"
)

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
	MaxConns int
	MaxIdle  int
}

// GetDSN 获取数据库连接字符串
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode)
}

// RedisConfig Redis配置（协调存储：限流计数器、评估状态）
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// MQTTConfig MQTT配置（消息传输层）
type MQTTConfig struct {
	Broker   string
	ClientID string
	Username string
	Password string
	Topic    string
	QoS      byte
}

// Config 引擎配置
// 启动时构造一次，只读注入到各组件，不做热加载
type Config struct {
	Database DatabaseConfig
	Redis    RedisConfig
	MQTT     MQTTConfig

	// 限流配置
	RateLimit struct {
		// Period 固定窗口周期（所有消息类型共用）
		Period time.Duration
		// Limits 消息类型 -> 窗口内最大条数，未配置的类型不限流
		Limits map[models.MessageKind]int
	}

	// 评估配置
	Evaluation struct {
		// OnlineThreshold 在线状态阈值，last_seen 距今小于该值视为在线
		OnlineThreshold time.Duration
		// ClockSkewOffset 时钟偏移容差，用于窗口边界判断
		ClockSkewOffset time.Duration
		// ScheduledInterval 定时评估（scheduled 定义）轮询间隔，0 表示关闭
		ScheduledInterval time.Duration
	}

	// 监听器配置
	Listener struct {
		// Workers 工作协程数量（按设备ID哈希分片，保证同设备串行）
		Workers int
		// QueueSize 每个工作协程的队列长度（有界，防止内存失控）
		QueueSize int
		// ShutdownGrace 优雅关闭宽限期，超时放弃在途消息
		ShutdownGrace time.Duration
	}

	// Metrics 监控指标服务监听地址，空表示关闭
	MetricsAddr string

	Log struct {
		Level  string
		Format string
	}
}

// 默认限流表（periodic 上报频率高，放宽到 1000/周期，其余 100/周期）
func defaultRateLimits() map[models.MessageKind]int {
	limits := make(map[models.MessageKind]int, len(models.KnownKinds))
	for kind := range models.KnownKinds {
		limits[kind] = 100
	}
	limits[models.KindPeriodic] = 1000
	return limits
}

// Load 加载配置
func Load() (*Config, error) {
	cfg := &Config{}

	cfg.Database.Host = getEnv("DB_HOST", "localhost")
	cfg.Database.Port = getEnvInt("DB_PORT", 5432)
	cfg.Database.User = getEnv("DB_USER", "postgres")
	cfg.Database.Password = getEnv("DB_PASSWORD", "postgres")
	cfg.Database.Database = getEnv("DB_NAME", "zconnect")
	cfg.Database.SSLMode = getEnv("DB_SSLMODE", "disable")
	cfg.Database.MaxConns = getEnvInt("DB_MAX_CONNS", 10)
	cfg.Database.MaxIdle = getEnvInt("DB_MAX_IDLE", 5)

	cfg.Redis.Addr = getEnv("REDIS_ADDR", "localhost:6379")
	cfg.Redis.Password = getEnv("REDIS_PASSWORD", "")
	cfg.Redis.DB = getEnvInt("REDIS_DB", 0)

	cfg.MQTT.Broker = getEnv("MQTT_BROKER", "tcp://localhost:1883")
	cfg.MQTT.ClientID = getEnv("MQTT_CLIENT_ID", "zconnect-engine")
	cfg.MQTT.Username = getEnv("MQTT_USERNAME", "")
	cfg.MQTT.Password = getEnv("MQTT_PASSWORD", "")
	cfg.MQTT.Topic = getEnv("MQTT_TOPIC", "zconnect/+/up")
	cfg.MQTT.QoS = 1

	cfg.RateLimit.Period = time.Duration(getEnvInt("RATE_LIMIT_PERIOD", 600)) * time.Second
	limits, err := parseRateLimits(os.Getenv("RATE_LIMITS"))
	if err != nil {
		return nil, err
	}
	cfg.RateLimit.Limits = limits

	cfg.Evaluation.OnlineThreshold = time.Duration(getEnvInt("ONLINE_STATUS_THRESHOLD_MINS", 10)) * time.Minute
	cfg.Evaluation.ClockSkewOffset = time.Duration(getEnvInt("CLOCK_SKEW_OFFSET_SECS", 5)) * time.Second
	cfg.Evaluation.ScheduledInterval = time.Duration(getEnvInt("SCHEDULED_EVAL_INTERVAL_SECS", 60)) * time.Second

	cfg.Listener.Workers = getEnvInt("LISTENER_WORKERS", 8)
	cfg.Listener.QueueSize = getEnvInt("LISTENER_QUEUE_SIZE", 256)
	cfg.Listener.ShutdownGrace = time.Duration(getEnvInt("SHUTDOWN_GRACE_SECS", 10)) * time.Second

	cfg.MetricsAddr = getEnv("METRICS_ADDR", ":9102")

	cfg.Log.Level = getEnv("LOG_LEVEL", "info")
	cfg.Log.Format = getEnv("LOG_FORMAT", "json")

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate 校验配置（启动即失败，避免运行期才暴露配置错误）
func (c *Config) Validate() error {
	if c.RateLimit.Period <= 0 {
		return fmt.Errorf("rate limit period must be positive, got %v", c.RateLimit.Period)
	}
	for kind, limit := range c.RateLimit.Limits {
		if !models.KnownKinds[kind] {
			return fmt.Errorf("rate limit configured for unknown message kind %q", kind)
		}
		if limit <= 0 {
			return fmt.Errorf("rate limit for kind %q must be positive, got %d", kind, limit)
		}
	}
	if c.Evaluation.OnlineThreshold <= 0 {
		return fmt.Errorf("online status threshold must be positive, got %v", c.Evaluation.OnlineThreshold)
	}
	if c.Evaluation.ClockSkewOffset < 0 {
		return fmt.Errorf("clock skew offset must not be negative, got %v", c.Evaluation.ClockSkewOffset)
	}
	if c.Listener.Workers <= 0 {
		return fmt.Errorf("listener workers must be positive, got %d", c.Listener.Workers)
	}
	if c.Listener.QueueSize <= 0 {
		return fmt.Errorf("listener queue size must be positive, got %d", c.Listener.QueueSize)
	}
	return nil
}

// parseRateLimits 解析限流配置
// 格式: "kind:count,kind:count"，如 "periodic:1000,event:100"；空值使用默认表
func parseRateLimits(raw string) (map[models.MessageKind]int, error) {
	if raw == "" {
		return defaultRateLimits(), nil
	}

	limits := make(map[models.MessageKind]int)
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		parts := strings.SplitN(pair, ":", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("invalid rate limit entry %q, expected kind:count", pair)
		}
		count, err := strconv.Atoi(strings.TrimSpace(parts[1]))
		if err != nil {
			return nil, fmt.Errorf("invalid rate limit count in %q: %w", pair, err)
		}
		limits[models.MessageKind(strings.TrimSpace(parts[0]))] = count
	}
	return limits, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}
