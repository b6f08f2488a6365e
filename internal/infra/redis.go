package infra

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisOptions overrides connection settings parsed from the URL. Zero values
// keep what the URL or go-redis chose.
type RedisOptions struct {
	PoolSize    int
	DialTimeout time.Duration
	// OpTimeout bounds reads and writes, keeping a slow cache off the hot path.
	OpTimeout time.Duration
}

// NewRedisClient configures a Redis client and verifies connectivity.
func NewRedisClient(ctx context.Context, url string, opts RedisOptions) (*redis.Client, error) {
	opt, err := redisOptions(url, opts)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(opt)

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return client, nil
}

func redisOptions(url string, opts RedisOptions) (*redis.Options, error) {
	if url == "" {
		return nil, fmt.Errorf("redis url is required")
	}

	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	if opts.PoolSize > 0 {
		opt.PoolSize = opts.PoolSize
	}
	if opts.DialTimeout > 0 {
		opt.DialTimeout = opts.DialTimeout
	}
	if opts.OpTimeout > 0 {
		opt.ReadTimeout = opts.OpTimeout
		opt.WriteTimeout = opts.OpTimeout
	}
	return opt, nil
}
