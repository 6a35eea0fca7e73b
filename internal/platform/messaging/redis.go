package messaging

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

type RedisConfig struct {
	URL          string
	MaxRetries   int
	RetryBackoff time.Duration
	PoolSize     int
}

// redisClient is the part of *redis.Client the publisher uses.
type redisClient interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
	Close() error
}

type RedisPublisher struct {
	client redisClient
}

// NewRedisPublisher connects and pings the server before returning.
func NewRedisPublisher(ctx context.Context, cfg RedisConfig) (*RedisPublisher, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	if cfg.MaxRetries > 0 {
		opts.MaxRetries = cfg.MaxRetries
	}
	if cfg.RetryBackoff > 0 {
		opts.MinRetryBackoff = cfg.RetryBackoff
	}
	if cfg.PoolSize > 0 {
		opts.PoolSize = cfg.PoolSize
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return &RedisPublisher{client: client}, nil
}

// Publish fails when the message reached no subscriber, so an escalation
// nobody is listening for surfaces as an error.
func (p *RedisPublisher) Publish(ctx context.Context, channel string, body []byte) error {
	n, err := p.client.Publish(ctx, channel, body).Result()
	if err != nil {
		return fmt.Errorf("redis publish %s: %w", channel, err)
	}
	if n == 0 {
		return fmt.Errorf("redis publish %s: %w", channel, ErrNoSubscribers)
	}
	return nil
}

func (p *RedisPublisher) Close() error {
	return p.client.Close()
}
