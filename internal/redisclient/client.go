package redisclient

import (
	"context"
	_ "embed"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

//go:embed scripts/release_lock.lua
var releaseLockScript string

type Client struct {
	rdb           *redis.Client
	releaseScript *redis.Script
}

// NewClient creates a new Redis client with Lua scripts loaded
func NewClient(addr, password string, db int) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &Client{
		rdb:           rdb,
		releaseScript: redis.NewScript(releaseLockScript),
	}, nil
}

// GetClient returns the underlying Redis client
func (c *Client) GetClient() *redis.Client {
	return c.rdb
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Ping checks the connection
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// AcquireLock takes lockKey for token until ttl elapses. It reports false when
// another owner holds the lock.
func (c *Client) AcquireLock(ctx context.Context, lockKey, token string, ttl time.Duration) (bool, error) {
	ok, err := c.rdb.SetNX(ctx, lockPrefix+lockKey, token, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire lock %s: %w", lockKey, err)
	}
	return ok, nil
}

// ReleaseLock deletes lockKey only if token still owns it
func (c *Client) ReleaseLock(ctx context.Context, lockKey, token string) (bool, error) {
	result, err := c.releaseScript.Run(ctx, c.rdb, []string{lockPrefix + lockKey}, token).Result()
	if err != nil {
		return false, fmt.Errorf("release lock script failed: %w", err)
	}

	released, ok := result.(int64)
	if !ok {
		return false, fmt.Errorf("unexpected script result type")
	}
	return released == 1, nil
}

// MarkNotificationSeen records a provider correlation id. It reports true the
// first time an id is marked within ttl.
func (c *Client) MarkNotificationSeen(ctx context.Context, correlationID string, ttl time.Duration) (bool, error) {
	return c.rdb.SetNX(ctx, seenPrefix+correlationID, time.Now().Unix(), ttl).Result()
}

// IsNotificationSeen checks whether a correlation id was marked
func (c *Client) IsNotificationSeen(ctx context.Context, correlationID string) (bool, error) {
	n, err := c.rdb.Exists(ctx, seenPrefix+correlationID).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

const (
	lockPrefix = "lock:order:"
	seenPrefix = "callback:seen:"
)
