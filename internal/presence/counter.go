package presence

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultCounterPrefix namespaces the per-user session counters in Redis
const DefaultCounterPrefix = "classpulse:presence:"

// SessionCounter counts a user's open sessions. Incr and Decr return the
// count after the change, across every node that shares the counter.
type SessionCounter interface {
	Incr(ctx context.Context, userID string) (int64, error)
	Decr(ctx context.Context, userID string) (int64, error)
	Count(ctx context.Context, userID string) (int64, error)
}

// localCounter is the single-node counter used when nothing is shared
type localCounter struct {
	mu     sync.Mutex
	counts map[string]int64
}

func newLocalCounter() *localCounter {
	return &localCounter{counts: make(map[string]int64)}
}

func (c *localCounter) Incr(ctx context.Context, userID string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counts[userID]++
	return c.counts[userID], nil
}

func (c *localCounter) Decr(ctx context.Context, userID string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := c.counts[userID] - 1
	if n <= 0 {
		delete(c.counts, userID)
		return 0, nil
	}
	c.counts[userID] = n
	return n, nil
}

func (c *localCounter) Count(ctx context.Context, userID string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[userID], nil
}

// decrScript removes the key once it reaches zero so a concurrent INCR on
// another node never lands between the decrement and the delete.
var decrScript = redis.NewScript(`
local n = redis.call('DECR', KEYS[1])
if n <= 0 then
	redis.call('DEL', KEYS[1])
	return 0
end
return n
`)

// RedisCounter keeps session counts in Redis so every node sharing a fan-out
// channel agrees on when a user is online.
type RedisCounter struct {
	client *redis.Client
	prefix string
}

// NewRedisCounter connects to redisURL and verifies the connection
func NewRedisCounter(redisURL, prefix string) (*RedisCounter, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	if prefix == "" {
		prefix = DefaultCounterPrefix
	}
	return &RedisCounter{client: client, prefix: prefix}, nil
}

func (c *RedisCounter) key(userID string) string {
	return c.prefix + userID
}

func (c *RedisCounter) Incr(ctx context.Context, userID string) (int64, error) {
	n, err := c.client.Incr(ctx, c.key(userID)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count session: %w", err)
	}
	return n, nil
}

func (c *RedisCounter) Decr(ctx context.Context, userID string) (int64, error) {
	n, err := decrScript.Run(ctx, c.client, []string{c.key(userID)}).Int64()
	if err != nil {
		return 0, fmt.Errorf("failed to uncount session: %w", err)
	}
	return n, nil
}

func (c *RedisCounter) Count(ctx context.Context, userID string) (int64, error) {
	n, err := c.client.Get(ctx, c.key(userID)).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read session count: %w", err)
	}
	return n, nil
}

// Close releases the Redis connection
func (c *RedisCounter) Close() error {
	return c.client.Close()
}
