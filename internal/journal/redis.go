package journal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/l4z41/ibkr-connector/internal/model"
)

// RedisConfig configures the Redis publisher.
type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	Channel   string
	KeyPrefix string
	TTL       time.Duration
}

// redisClient is the part of redis.Client the publisher uses.
type redisClient interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Close() error
}

var _ Sink = (*RedisPublisher)(nil)

// RedisPublisher publishes every emission on a channel and keeps the latest
// one per symbol under "<prefix><symbol>".
type RedisPublisher struct {
	client  redisClient
	channel string
	prefix  string
	ttl     time.Duration
}

// NewRedisPublisher creates a publisher for cfg.
func NewRedisPublisher(cfg RedisConfig) (*RedisPublisher, error) {
	if cfg.Addr == "" {
		return nil, errors.New("journal.redis.addr is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return newRedisPublisher(client, cfg), nil
}

func newRedisPublisher(client redisClient, cfg RedisConfig) *RedisPublisher {
	if cfg.Channel == "" {
		cfg.Channel = "ibkr:emissions"
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "ibkr:last:"
	}
	return &RedisPublisher{
		client:  client,
		channel: cfg.Channel,
		prefix:  cfg.KeyPrefix,
		ttl:     cfg.TTL,
	}
}

// Write publishes the emission and stores it as the symbol's latest.
func (p *RedisPublisher) Write(ctx context.Context, em model.Emission) error {
	r, err := NewRecord(em)
	if err != nil {
		return err
	}
	if err := p.client.Publish(ctx, p.channel, r.Payload).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	if r.Symbol != "" {
		if err := p.client.Set(ctx, p.prefix+r.Symbol, r.Payload, p.ttl).Err(); err != nil {
			return fmt.Errorf("redis set latest: %w", err)
		}
	}
	return nil
}

// Close closes the client.
func (p *RedisPublisher) Close() error {
	return p.client.Close()
}
