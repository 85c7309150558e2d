package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ghuser/notifier/pkg/config"
)

const (
	pingTimeout = 2 * time.Second

	// healthConns covers the /health probe, which runs beside the consumers.
	healthConns = 1
)

// RedisClient is the connection pool behind the message ledger.
type RedisClient struct {
	client *redis.Client
}

// PoolSize returns the number of connections the ledger can use at once.
// Every in-flight message holds at most one connection (Seen, then the Mark
// pipeline), and each topic runs cfg.Consumers handlers concurrently.
func PoolSize(consumers, topics int) int {
	consumers = max(consumers, 1)
	topics = max(topics, 1)
	return consumers*topics + healthConns
}

// NewRedisClient connects to cfg.RedisURL with a pool sized for topics
// subscriptions of cfg.Consumers each, and verifies the connection with Ping.
func NewRedisClient(cfg *config.Config, topics int) (*RedisClient, error) {
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}

	opts.PoolSize = PoolSize(cfg.Consumers, topics)
	opts.MinIdleConns = max(topics, 1)

	// A ledger call sits on the message path; fail fast and let the bus
	// process the message anyway.
	opts.MaxRetries = 1
	opts.DialTimeout = 2 * time.Second
	opts.ReadTimeout = time.Second
	opts.WriteTimeout = time.Second
	opts.PoolTimeout = 2 * time.Second

	rdb := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()

	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	return &RedisClient{client: rdb}, nil
}

// Ping checks the Redis connection health.
func (r *RedisClient) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

// Close shuts down the pool.
func (r *RedisClient) Close() error {
	if r.client == nil {
		return nil
	}
	if err := r.client.Close(); err != nil {
		return fmt.Errorf("redis close: %w", err)
	}
	return nil
}

// Client returns the underlying redis.Client.
func (r *RedisClient) Client() *redis.Client {
	return r.client
}
