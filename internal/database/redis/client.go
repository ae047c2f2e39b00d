// Package redis provides Redis caching for poolwatch.
// It keeps the latest observed work hot for dashboards and counts session
// events without touching PostgreSQL.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/bitsentry/poolwatch/internal/telemetry"
)

// Client wraps Redis operations for poolwatch
type Client struct {
	rdb *redis.Client
}

// Config holds Redis connection configuration
type Config struct {
	URL          string
	PoolSize     int
	MinIdleConns int
	MaxRetries   int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// NewClient creates a new Redis client
func NewClient(cfg *Config) (*Client, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	opts.PoolSize = cfg.PoolSize
	opts.MinIdleConns = cfg.MinIdleConns
	opts.MaxRetries = cfg.MaxRetries
	if cfg.DialTimeout > 0 {
		opts.DialTimeout = cfg.DialTimeout
	}
	if cfg.ReadTimeout > 0 {
		opts.ReadTimeout = cfg.ReadTimeout
	}
	if cfg.WriteTimeout > 0 {
		opts.WriteTimeout = cfg.WriteTimeout
	}

	rdb := redis.NewClient(opts)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to ping Redis: %w", err)
	}

	return &Client{rdb: rdb}, nil
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Health checks Redis connectivity
func (c *Client) Health(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Latest work

// SetLatestWork stores the most recent notification. No expiration: the
// key is overwritten on every notify and survives pool quiet spells.
func (c *Client) SetLatestWork(ctx context.Context, work *telemetry.WorkNotification) error {
	jsonData, err := json.Marshal(work)
	if err != nil {
		return fmt.Errorf("failed to marshal work: %w", err)
	}

	if err := c.rdb.Set(ctx, "latest_work", jsonData, 0).Err(); err != nil {
		return fmt.Errorf("failed to set latest work: %w", err)
	}
	return nil
}

// GetLatestWork retrieves the most recent notification.
func (c *Client) GetLatestWork(ctx context.Context) (*telemetry.WorkNotification, error) {
	jsonData, err := c.rdb.Get(ctx, "latest_work").Result()
	if err != nil {
		if err == redis.Nil {
			return nil, fmt.Errorf("no work observed yet")
		}
		return nil, fmt.Errorf("failed to get latest work: %w", err)
	}

	var work telemetry.WorkNotification
	if err := json.Unmarshal([]byte(jsonData), &work); err != nil {
		return nil, fmt.Errorf("failed to unmarshal work: %w", err)
	}
	return &work, nil
}

// SetLatestDecode caches the decoded view alongside the latest work.
func (c *Client) SetLatestDecode(ctx context.Context, decoded any) error {
	jsonData, err := json.Marshal(decoded)
	if err != nil {
		return fmt.Errorf("failed to marshal decode: %w", err)
	}

	if err := c.rdb.Set(ctx, "latest_decode", jsonData, 0).Err(); err != nil {
		return fmt.Errorf("failed to set latest decode: %w", err)
	}
	return nil
}

// GetLatestDecode retrieves the cached decoded view into dest.
func (c *Client) GetLatestDecode(ctx context.Context, dest any) error {
	jsonData, err := c.rdb.Get(ctx, "latest_decode").Result()
	if err != nil {
		if err == redis.Nil {
			return fmt.Errorf("no decode cached yet")
		}
		return fmt.Errorf("failed to get latest decode: %w", err)
	}

	if err := json.Unmarshal([]byte(jsonData), dest); err != nil {
		return fmt.Errorf("failed to unmarshal decode: %w", err)
	}
	return nil
}

// Statistics and counters

// IncrementCounter increments a counter with expiration
func (c *Client) IncrementCounter(ctx context.Context, key string, expiration time.Duration) (int64, error) {
	pipe := c.rdb.Pipeline()
	incrCmd := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, expiration)

	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("failed to increment counter: %w", err)
	}

	return incrCmd.Val(), nil
}

// GetCounter retrieves a counter value
func (c *Client) GetCounter(ctx context.Context, key string) (int64, error) {
	val, err := c.rdb.Get(ctx, key).Int64()
	if err != nil {
		if err == redis.Nil {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to get counter: %w", err)
	}
	return val, nil
}
