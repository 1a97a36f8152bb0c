package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"rusted-workshop-web/models"
)

const statusKeyPrefix = "task:status:"

// StatusCache holds normalized task snapshots for a short time so that a
// page polling every two seconds does not hit the backend on every tick.
type StatusCache interface {
	Get(ctx context.Context, key string) (*models.TaskStatus, bool, error)
	Set(ctx context.Context, status models.TaskStatus) error
	Delete(ctx context.Context, key string) error
	Close() error
}

type RedisStatusCache struct {
	client *redis.Client
	ttl    time.Duration
}

// ConnectRedis opens a Redis-backed cache and checks it answers.
func ConnectRedis(addr, password string, ttl time.Duration) (*RedisStatusCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           0,
		PoolSize:     10,
		MinIdleConns: 2,
		PoolTimeout:  5 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return NewRedisStatusCache(client, ttl), nil
}

func NewRedisStatusCache(client *redis.Client, ttl time.Duration) *RedisStatusCache {
	return &RedisStatusCache{client: client, ttl: ttl}
}

func (c *RedisStatusCache) Get(ctx context.Context, key string) (*models.TaskStatus, bool, error) {
	data, err := c.client.Get(ctx, statusKeyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var status models.TaskStatus
	if err := json.Unmarshal(data, &status); err != nil {
		return nil, false, fmt.Errorf("decode cached status: %w", err)
	}
	return &status, true, nil
}

func (c *RedisStatusCache) Set(ctx context.Context, status models.TaskStatus) error {
	data, err := json.Marshal(status)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, statusKeyPrefix+status.TaskKey, data, c.ttl).Err()
}

func (c *RedisStatusCache) Delete(ctx context.Context, key string) error {
	return c.client.Del(ctx, statusKeyPrefix+key).Err()
}

// Ping is used by the health monitor.
func (c *RedisStatusCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisStatusCache) Close() error {
	return c.client.Close()
}

// MemoryStatusCache is the single-process fallback when no Redis address
// is configured.
type MemoryStatusCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]memoryEntry
	now     func() time.Time
}

type memoryEntry struct {
	status  models.TaskStatus
	expires time.Time
}

func NewMemoryStatusCache(ttl time.Duration) *MemoryStatusCache {
	return &MemoryStatusCache{
		ttl:     ttl,
		entries: make(map[string]memoryEntry),
		now:     time.Now,
	}
}

func (c *MemoryStatusCache) Get(_ context.Context, key string) (*models.TaskStatus, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return nil, false, nil
	}
	if !c.now().Before(e.expires) {
		delete(c.entries, key)
		return nil, false, nil
	}
	status := e.status
	return &status, true, nil
}

func (c *MemoryStatusCache) Set(_ context.Context, status models.TaskStatus) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for k, e := range c.entries {
		if !now.Before(e.expires) {
			delete(c.entries, k)
		}
	}
	c.entries[status.TaskKey] = memoryEntry{status: status, expires: now.Add(c.ttl)}
	return nil
}

func (c *MemoryStatusCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
	return nil
}

func (c *MemoryStatusCache) Close() error { return nil }
