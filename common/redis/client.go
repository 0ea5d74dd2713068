package redis

import (
	"context"
	"fmt"
	"time"

	"fieldrep/common/config"

	"github.com/go-redis/redis/v8"
)

// Client 供各服务直接引用，避免到处导入驱动包
type Client = redis.Client

// Options 由配置生成驱动参数；未设置的连接池大小与拨号超时沿用驱动默认值
func Options(cfg *config.RedisConfig) *redis.Options {
	opts := &redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	}
	if cfg.PoolSize > 0 {
		opts.PoolSize = cfg.PoolSize
	}
	if cfg.DialTimeout > 0 {
		opts.DialTimeout = cfg.DialTimeout
	}
	return opts
}

// NewRedisClient 创建客户端（不会立即建立连接）
func NewRedisClient(cfg *config.RedisConfig) *Client {
	return redis.NewClient(Options(cfg))
}

// Connect 创建客户端并确认可达；Redis 晚于服务就绪时按 delay 重试
func Connect(ctx context.Context, cfg *config.RedisConfig, attempts int, delay time.Duration) (*Client, error) {
	if attempts < 1 {
		attempts = 1
	}
	client := NewRedisClient(cfg)
	var lastErr error
retry:
	for i := 1; ; i++ {
		if lastErr = Ping(ctx, client); lastErr == nil {
			return client, nil
		}
		if i >= attempts {
			break
		}
		select {
		case <-ctx.Done():
			lastErr = ctx.Err()
			break retry
		case <-time.After(delay):
		}
	}
	_ = client.Close()
	return nil, fmt.Errorf("redis %s unreachable after %d attempts: %w", cfg.Addr, attempts, lastErr)
}

// Ping 测试Redis连接
func Ping(ctx context.Context, client *Client) error {
	return client.Ping(ctx).Err()
}

// Close 关闭连接，nil 安全
func Close(client *Client) error {
	if client == nil {
		return nil
	}
	return client.Close()
}
