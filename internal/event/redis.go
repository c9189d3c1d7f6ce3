package event

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisBusConfig 描述 Redis 事件通道的连接参数。
type RedisBusConfig struct {
	Address  string
	Password string
	DB       int
	Channel  string
}

// RedisBus 将事件以 JSON 形式推入 Redis list，供下游消费。
type RedisBus struct {
	client  *redis.Client
	channel string
}

// NewRedisBus 创建 Redis 事件通道实例。
func NewRedisBus(cfg RedisBusConfig) (*RedisBus, error) {
	if cfg.Address == "" {
		return nil, errors.New("redis address cannot be empty")
	}
	channel := cfg.Channel
	if channel == "" {
		channel = "agentops:events"
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return &RedisBus{client: client, channel: channel}, nil
}

// Publish 实现 Bus 接口。
func (b *RedisBus) Publish(ctx context.Context, evt Event) error {
	encoded, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if err := b.client.LPush(ctx, b.channel, encoded).Err(); err != nil {
		return fmt.Errorf("publish event to redis: %w", err)
	}
	return nil
}

// Close 关闭 Redis 连接。
func (b *RedisBus) Close() error {
	if b == nil || b.client == nil {
		return nil
	}
	return b.client.Close()
}

var _ Bus = (*RedisBus)(nil)
