package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	taskerrors "github.com/taskmesh/taskmesh/pkg/errors"
)

// RedisConfig holds connection settings for the Redis cache
type RedisConfig struct {
	Address      string
	Username     string
	Password     string
	Database     int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	PoolSize     int
	MinIdleConns int
	MaxRetries   int
}

// DefaultRedisConfig returns connection defaults for a local Redis
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Address:      "localhost:6379",
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
		MaxRetries:   3,
	}
}

// RedisCache implements Cache on a Redis server. Values are stored as
// JSON; the key space is owned by the callers.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache connects to Redis and pings it before returning
func NewRedisCache(cfg RedisConfig) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Username:     cfg.Username,
		Password:     cfg.Password,
		DB:           cfg.Database,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		MaxRetries:   cfg.MaxRetries,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, taskerrors.Wrap(taskerrors.KindStorage,
			fmt.Sprintf("redis ping %s", cfg.Address), err)
	}

	return &RedisCache{client: client}, nil
}

// Get retrieves a value from the cache into value
func (c *RedisCache) Get(ctx context.Context, key string, value interface{}) error {
	data, err := c.client.Get(ctx, key).Bytes()
	switch {
	case errors.Is(err, redis.Nil):
		return ErrNotFound
	case err != nil:
		return c.wrap("get", key, err)
	}
	if err := json.Unmarshal(data, value); err != nil {
		// A corrupt entry behaves like a miss once it is gone
		_ = c.client.Del(ctx, key).Err()
		return c.wrap("decode", key, err)
	}
	return nil
}

// Set stores a value in the cache under the given TTL
func (c *RedisCache) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return taskerrors.Wrap(taskerrors.KindSerialization,
			fmt.Sprintf("cache encode %s", key), err)
	}
	if err := c.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return c.wrap("set", key, err)
	}
	return nil
}

// Delete removes a key; deleting an absent key is not an error
func (c *RedisCache) Delete(ctx context.Context, key string) error {
	if err := c.client.Del(ctx, key).Err(); err != nil {
		return c.wrap("delete", key, err)
	}
	return nil
}

// Exists reports whether a key is present
func (c *RedisCache) Exists(ctx context.Context, key string) (bool, error) {
	n, err := c.client.Exists(ctx, key).Result()
	if err != nil {
		return false, c.wrap("exists", key, err)
	}
	return n > 0, nil
}

// Flush drops every key in the selected database
func (c *RedisCache) Flush(ctx context.Context) error {
	if err := c.client.FlushDB(ctx).Err(); err != nil {
		return c.wrap("flush", "*", err)
	}
	return nil
}

// Close releases the connection pool
func (c *RedisCache) Close() error {
	return c.client.Close()
}

func (c *RedisCache) wrap(op, key string, err error) error {
	return taskerrors.Wrap(taskerrors.KindStorage,
		fmt.Sprintf("cache %s %s", op, key), err)
}
