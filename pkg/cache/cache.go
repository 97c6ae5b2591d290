package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/crosslogic/metering/internal/config"
	"github.com/go-redis/redis/v8"
)

// ErrNotFound is returned by Get for a missing key.
var ErrNotFound = errors.New("cache: key not found")

// Cache wraps the Redis client
type Cache struct {
	Client *redis.Client
}

// NewCache creates a new Redis cache client
func NewCache(cfg config.RedisConfig) (*Cache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.PoolSize / 2,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolTimeout:  4 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("unable to connect to Redis: %w", err)
	}

	return &Cache{Client: client}, nil
}

// Close closes the Redis connection
func (c *Cache) Close() error {
	return c.Client.Close()
}

// Health checks cache health
func (c *Cache) Health(ctx context.Context) error {
	return c.Client.Ping(ctx).Err()
}

// Set sets a key-value pair with expiration
func (c *Cache) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	return c.Client.Set(ctx, key, value, expiration).Err()
}

// SetNX sets key only if it does not already exist.
func (c *Cache) SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) (bool, error) {
	return c.Client.SetNX(ctx, key, value, expiration).Result()
}

// Reserve claims key for value. When the key is already held it returns the
// current holder's value instead.
func (c *Cache) Reserve(ctx context.Context, key, value string, expiration time.Duration) (acquired bool, holder string, err error) {
	acquired, err = c.SetNX(ctx, key, value, expiration)
	if err != nil || acquired {
		return acquired, value, err
	}

	holder, err = c.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		// expired between SETNX and GET; try once more
		if acquired, err = c.SetNX(ctx, key, value, expiration); acquired {
			return true, value, err
		}
		return false, "", err
	}
	return false, holder, err
}

// Get retrieves a value by key
func (c *Cache) Get(ctx context.Context, key string) (string, error) {
	v, err := c.Client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	return v, err
}

// Delete deletes a key
func (c *Cache) Delete(ctx context.Context, keys ...string) error {
	return c.Client.Del(ctx, keys...).Err()
}
