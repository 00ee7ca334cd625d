package redis

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// Client owns the Redis connection pool shared by the geo cache, the
// distributed lock and realtime fan-out.
type Client struct {
	rdb    *goredis.Client
	logger *slog.Logger
}

// NewClient connects to the Redis instance at url (redis://host:port/db).
func NewClient(ctx context.Context, url string, logger *slog.Logger) (*Client, error) {
	opts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}

	// Configure pool settings
	opts.PoolSize = 20
	opts.MinIdleConns = 2
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 2 * time.Second
	opts.WriteTimeout = 2 * time.Second

	rdb := goredis.NewClient(opts)

	// Verify connection
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	logger.Info("connected to Redis",
		"addr", opts.Addr,
		"db", opts.DB,
		"pool_size", opts.PoolSize,
	)

	return &Client{
		rdb:    rdb,
		logger: logger.With("component", "redis"),
	}, nil
}

// Redis returns the underlying client.
func (c *Client) Redis() *goredis.Client {
	return c.rdb
}

// Close closes the connection pool.
func (c *Client) Close() {
	if err := c.rdb.Close(); err != nil {
		c.logger.Warn("error closing Redis client", "error", err)
		return
	}
	c.logger.Info("Redis connection pool closed")
}

// Health checks if Redis is reachable.
func (c *Client) Health(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}
