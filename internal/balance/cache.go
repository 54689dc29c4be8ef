package balance

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/custodix/vaultcore/internal/model"
)

const cacheKeyPrefix = "vault:balance:"

// RedisCache caches derived balances with a short TTL. Cache failures are
// logged and treated as misses; the store remains the source of truth.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

// NewRedisCache creates a cache with the given TTL.
func NewRedisCache(client *redis.Client, ttl time.Duration, logger *zap.Logger) *RedisCache {
	if ttl == 0 {
		ttl = 5 * time.Second
	}
	return &RedisCache{client: client, ttl: ttl, logger: logger}
}

func (c *RedisCache) key(vaultID uuid.UUID) string {
	return cacheKeyPrefix + vaultID.String()
}

// Get implements Cache.
func (c *RedisCache) Get(ctx context.Context, vaultID uuid.UUID) (model.Balances, bool) {
	raw, err := c.client.Get(ctx, c.key(vaultID)).Bytes()
	if err == redis.Nil {
		return model.Balances{}, false
	}
	if err != nil {
		c.logger.Warn("balance cache read failed", zap.Error(err))
		return model.Balances{}, false
	}
	var b model.Balances
	if err := json.Unmarshal(raw, &b); err != nil {
		return model.Balances{}, false
	}
	return b, true
}

// Set implements Cache.
func (c *RedisCache) Set(ctx context.Context, vaultID uuid.UUID, b model.Balances) {
	raw, err := json.Marshal(b)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, c.key(vaultID), raw, c.ttl).Err(); err != nil {
		c.logger.Warn("balance cache write failed", zap.Error(err))
	}
}

// Invalidate implements Cache.
func (c *RedisCache) Invalidate(ctx context.Context, vaultID uuid.UUID) {
	if err := c.client.Del(ctx, c.key(vaultID)).Err(); err != nil {
		c.logger.Warn("balance cache invalidate failed", zap.Error(err))
	}
}
