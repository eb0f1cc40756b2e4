package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"tickerflow/internal/domain"
)

const (
	RedisReconnectInterval = 10 * time.Second
	redisOpTimeout         = 2 * time.Second
)

// RedisCache keeps values in Redis and publishes every write on a pub/sub
// channel so that readers can follow the write path. While Redis is down it
// serves reads and writes from the fallback MemoryCache.
type RedisCache struct {
	client          *redis.Client
	channel         string
	logger          *slog.Logger
	fallback        *MemoryCache
	redisAvailable  bool
	mutex           sync.RWMutex
	monitorInterval time.Duration
	monitorCtx      context.Context
	monitorCancel   context.CancelFunc
}

type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	Channel  string
	// MonitorInterval defaults to RedisReconnectInterval.
	MonitorInterval time.Duration
}

func NewRedisCache(opts RedisOptions, logger *slog.Logger) *RedisCache {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	return newRedisCache(client, opts, logger)
}

func newRedisCache(client *redis.Client, opts RedisOptions, logger *slog.Logger) *RedisCache {
	logger = logger.With("component", "redis_cache")
	if opts.Channel == "" {
		opts.Channel = "ticker-updates"
	}
	if opts.MonitorInterval <= 0 {
		opts.MonitorInterval = RedisReconnectInterval
	}

	ctx, cancel := context.WithCancel(context.Background())

	c := &RedisCache{
		client:          client,
		channel:         opts.Channel,
		logger:          logger,
		fallback:        NewMemoryCache(logger),
		monitorInterval: opts.MonitorInterval,
		monitorCtx:      ctx,
		monitorCancel:   cancel,
	}

	// Unavailability at startup is not fatal, the monitor keeps probing.
	c.checkRedisConnection()
	logger.Info("Redis cache initialized", "addr", opts.Addr, "available", c.isRedisAvailable())

	go c.monitorRedisConnection()
	return c
}

func (c *RedisCache) monitorRedisConnection() {
	ticker := time.NewTicker(c.monitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.monitorCtx.Done():
			c.logger.Info("Redis connection monitor stopped")
			return
		case <-ticker.C:
			c.checkRedisConnection()
			c.fallback.Purge()
		}
	}
}

func (c *RedisCache) checkRedisConnection() {
	ctx, cancel := context.WithTimeout(c.monitorCtx, redisOpTimeout)
	_, err := c.client.Ping(ctx).Result()
	cancel()

	c.mutex.Lock()
	defer c.mutex.Unlock()

	if err != nil {
		if c.redisAvailable {
			c.logger.Error("Redis became unavailable", "error", err)
		}
		c.redisAvailable = false
		return
	}
	if !c.redisAvailable {
		c.logger.Info("Redis connection available")
		c.redisAvailable = true
	}
}

func (c *RedisCache) isRedisAvailable() bool {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return c.redisAvailable
}

func (c *RedisCache) markUnavailable(op string, err error) {
	c.mutex.Lock()
	c.redisAvailable = false
	c.mutex.Unlock()
	c.logger.Error("Redis operation failed", "op", op, "error", err)
}

// Set overwrites key and publishes the write. When Redis is down the value
// lands in the fallback store and the error wraps ErrCacheUnavailable.
func (c *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if !c.isRedisAvailable() {
		_ = c.fallback.Set(ctx, key, value, ttl)
		return fmt.Errorf("set %s: %w", key, domain.ErrCacheUnavailable)
	}

	event, err := json.Marshal(domain.CacheEvent{Key: key, Value: value})
	if err != nil {
		return fmt.Errorf("failed to marshal cache event: %w", err)
	}

	_, err = c.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, key, value, ttl)
		pipe.Publish(ctx, c.channel, event)
		return nil
	})
	if err != nil {
		c.markUnavailable("set", err)
		_ = c.fallback.Set(ctx, key, value, ttl)
		return fmt.Errorf("set %s: %w: %v", key, domain.ErrCacheUnavailable, err)
	}
	return nil
}

func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, bool) {
	if !c.isRedisAvailable() {
		return c.fallback.Get(ctx, key)
	}

	data, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false
		}
		c.markUnavailable("get", err)
		return c.fallback.Get(ctx, key)
	}
	return data, true
}

func (c *RedisCache) Keys(ctx context.Context, pattern string) []string {
	if !c.isRedisAvailable() {
		return c.fallback.Keys(ctx, pattern)
	}

	keys, err := c.client.Keys(ctx, pattern).Result()
	if err != nil {
		c.markUnavailable("keys", err)
		return c.fallback.Keys(ctx, pattern)
	}
	return keys
}

// Updates follows the pub/sub channel and the fallback store's own feed.
func (c *RedisCache) Updates(ctx context.Context) <-chan domain.CacheEvent {
	out := make(chan domain.CacheEvent, feedBuffer)
	local := c.fallback.Updates(ctx)
	pubsub := c.client.Subscribe(ctx, c.channel)

	confirmCtx, cancel := context.WithTimeout(ctx, redisOpTimeout)
	if _, err := pubsub.Receive(confirmCtx); err != nil {
		c.logger.Warn("Subscription to cache updates not confirmed", "channel", c.channel, "error", err)
	}
	cancel()

	go func() {
		defer close(out)
		defer pubsub.Close()

		remote := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-remote:
				if !ok {
					remote = nil
					continue
				}
				var ev domain.CacheEvent
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					c.logger.Warn("Failed to decode cache event", "error", err)
					continue
				}
				c.forward(ctx, out, ev)
			case ev, ok := <-local:
				if !ok {
					return
				}
				c.forward(ctx, out, ev)
			}
		}
	}()
	return out
}

func (c *RedisCache) forward(ctx context.Context, out chan<- domain.CacheEvent, ev domain.CacheEvent) {
	select {
	case out <- ev:
	case <-ctx.Done():
	}
}

func (c *RedisCache) Close() error {
	c.monitorCancel()
	return c.client.Close()
}

// Available reports the last known Redis state.
func (c *RedisCache) Available() bool {
	return c.isRedisAvailable()
}
