package redis

import (
	"context"
	"fmt"
	"time"

	"zconnect-engine/internal/config"

	"github.com/go-redis/redis/v8"
)

// Client 协调存储客户端别名
// 限流计数器和评估状态都走这一个连接池
type Client = redis.Client

// Connect 创建协调存储客户端并验证连通性
// 引擎没有 Redis 就无法保证多进程评估一致，启动即失败
func Connect(ctx context.Context, cfg *config.RedisConfig) (*Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Addr, err)
	}

	return client, nil
}

// Close 关闭协调存储连接
func Close(client *Client) error {
	if client == nil {
		return nil
	}
	return client.Close()
}
