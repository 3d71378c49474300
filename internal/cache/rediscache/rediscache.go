// Package rediscache adapts a Redis client to the credits cache port.
package rediscache

import (
	"context"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"
)

// Cache stores credit aggregates in Redis with per-key TTLs.
type Cache struct {
	client *redis.Client
}

// New wraps an already-connected Redis client.
func New(client *redis.Client) *Cache {
	return &Cache{client: client}
}

// Connect dials Redis and verifies the connection with a ping.
func Connect(ctx context.Context, addr string, password string, db int) (*Cache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}
	return New(client), nil
}

// Get reads a key. A missing key is not an error.
func (cache *Cache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	payload, err := cache.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return payload, true, nil
}

// Set writes a key with TTL.
func (cache *Cache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return cache.client.Set(ctx, key, value, ttl).Err()
}

// Delete removes a key. Deleting an absent key succeeds.
func (cache *Cache) Delete(ctx context.Context, key string) error {
	return cache.client.Del(ctx, key).Err()
}

// Close releases the underlying client.
func (cache *Cache) Close() error {
	return cache.client.Close()
}
