// Package redis 提供基于 go-redis 的近期执行标记，作为阶段去重的廉价前置检查。
//
// 标记只是提示：是否已执行以持久化存储为准。
package redis

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

type ClientConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

type Client struct {
	rdb    *redis.Client
	prefix string
}

// New 建立连接并 ping 一次，失败时立即返回错误。
func New(ctx context.Context, cfg ClientConfig) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis: ping %s: %w", cfg.Addr, err)
	}
	return &Client{rdb: rdb, prefix: cfg.Prefix}, nil
}

func (c *Client) Close() error {
	return c.rdb.Close()
}

func (c *Client) key(k string) string {
	return buildKey(c.prefix, k)
}

func buildKey(prefix, k string) string {
	if prefix == "" {
		return "recent:" + k
	}
	if !strings.HasSuffix(prefix, ":") {
		prefix += ":"
	}
	return prefix + "recent:" + k
}

// Mark 以 SETNX 写入标记，返回 false 表示标记已存在。
func (c *Client) Mark(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := c.rdb.SetNX(ctx, c.key(key), time.Now().UTC().Format(time.RFC3339Nano), ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis: mark %s: %w", key, err)
	}
	return ok, nil
}

func (c *Client) Seen(ctx context.Context, key string) (bool, error) {
	n, err := c.rdb.Exists(ctx, c.key(key)).Result()
	if err != nil {
		return false, fmt.Errorf("redis: exists %s: %w", key, err)
	}
	return n > 0, nil
}
