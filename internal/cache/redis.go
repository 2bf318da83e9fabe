package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"storefront/api/internal/document"
)

// RedisCache stores the slot under a single namespaced key without expiry.
type RedisCache struct {
	client *redis.Client
	key    string
}

// NewRedisCache connects to redisURL and verifies the connection.
func NewRedisCache(redisURL, namespace string) (*RedisCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewRedisCacheWithClient(client, namespace), nil
}

// NewRedisCacheWithClient creates a cache from an existing Redis client
func NewRedisCacheWithClient(client *redis.Client, namespace string) *RedisCache {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	return &RedisCache{
		client: client,
		key:    "cache:" + namespace,
	}
}

func (c *RedisCache) Get(ctx context.Context) (document.Document, bool, error) {
	raw, err := c.client.Get(ctx, c.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get cached settings: %w", err)
	}
	doc, err := document.Parse(raw)
	if err != nil {
		return nil, false, fmt.Errorf("decode cached settings: %w", err)
	}
	return doc, true, nil
}

func (c *RedisCache) Set(ctx context.Context, doc document.Document) error {
	if err := c.client.Set(ctx, c.key, []byte(doc), 0).Err(); err != nil {
		return fmt.Errorf("set cached settings: %w", err)
	}
	return nil
}

func (c *RedisCache) Clear(ctx context.Context) error {
	if err := c.client.Del(ctx, c.key).Err(); err != nil {
		return fmt.Errorf("clear cached settings: %w", err)
	}
	return nil
}

// Ping checks if Redis is reachable
func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close closes the Redis connection
func (c *RedisCache) Close() error {
	return c.client.Close()
}
