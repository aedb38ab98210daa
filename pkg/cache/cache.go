package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/dca57/MesSnippets-sub002/internal/config"
	"github.com/go-redis/redis/v8"
)

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

// NewFromClient wraps an existing client. Tests use it with miniredis.
func NewFromClient(client *redis.Client) *Cache {
	return &Cache{Client: client}
}

// Close closes the Redis connection
func (c *Cache) Close() error {
	return c.Client.Close()
}

// Health checks cache health
func (c *Cache) Health(ctx context.Context) error {
	return c.Client.Ping(ctx).Err()
}

// IncrWithExpiry increments a counter and sets its expiry on first increment.
func (c *Cache) IncrWithExpiry(ctx context.Context, key string, expiration time.Duration) (int64, error) {
	count, err := c.Client.Incr(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	if count == 1 {
		if err := c.Client.Expire(ctx, key, expiration).Err(); err != nil {
			return count, err
		}
	}
	return count, nil
}

// TTL returns the remaining time to live of a key
func (c *Cache) TTL(ctx context.Context, key string) (time.Duration, error) {
	return c.Client.TTL(ctx, key).Result()
}

// Run executes a Lua script, loading it on first use
func (c *Cache) Run(ctx context.Context, script *redis.Script, keys []string, args ...interface{}) *redis.Cmd {
	return script.Run(ctx, c.Client, keys, args...)
}

// SetNX sets key only if it does not exist and reports whether it was set
func (c *Cache) SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) (bool, error) {
	return c.Client.SetNX(ctx, key, value, expiration).Result()
}
