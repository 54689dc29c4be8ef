package indexer

import (
	"context"
	"strconv"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Checkpoints persists the last event sequence applied, so a restart
// resumes from where the previous run stopped instead of replaying or
// skipping events.
type Checkpoints interface {
	Load(ctx context.Context) (uint64, error)
	Save(ctx context.Context, seq uint64) error
}

// RedisCheckpoints stores the cursor under a single key.
type RedisCheckpoints struct {
	client *redis.Client
	key    string
}

// NewRedisCheckpoints creates a checkpoint store on the given key.
func NewRedisCheckpoints(client *redis.Client, key string) *RedisCheckpoints {
	if key == "" {
		key = "indexer:checkpoint"
	}
	return &RedisCheckpoints{client: client, key: key}
}

// Load implements Checkpoints. A missing key means start from zero.
func (c *RedisCheckpoints) Load(ctx context.Context) (uint64, error) {
	raw, err := c.client.Get(ctx, c.key).Result()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return strconv.ParseUint(raw, 10, 64)
}

// Save implements Checkpoints.
func (c *RedisCheckpoints) Save(ctx context.Context, seq uint64) error {
	return c.client.Set(ctx, c.key, strconv.FormatUint(seq, 10), 0).Err()
}

// MemoryCheckpoints keeps the cursor in memory, for tests.
type MemoryCheckpoints struct {
	mu  sync.Mutex
	seq uint64
}

// NewMemoryCheckpoints creates an empty checkpoint store.
func NewMemoryCheckpoints() *MemoryCheckpoints { return &MemoryCheckpoints{} }

// Load implements Checkpoints.
func (c *MemoryCheckpoints) Load(ctx context.Context) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.seq, nil
}

// Save implements Checkpoints.
func (c *MemoryCheckpoints) Save(ctx context.Context, seq uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if seq > c.seq {
		c.seq = seq
	}
	return nil
}
