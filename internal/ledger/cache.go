package ledger

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisKeyCache is a read-through idempotency cache backed by Redis. It is
// strictly an optimisation: misses and Redis outages fall through to the
// store's uniqueness constraint, which remains the authority.
type RedisKeyCache struct {
	client *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

// NewRedisKeyCache wraps a Redis client. Entries expire after ttl.
func NewRedisKeyCache(client *redis.Client, ttl time.Duration, logger *zap.Logger) *RedisKeyCache {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisKeyCache{client: client, ttl: ttl, logger: logger}
}

func cacheKey(tenant, key string) string {
	return "ledger:idem:" + tenant + ":" + key
}

// GetTransactionID implements KeyCache.
func (c *RedisKeyCache) GetTransactionID(ctx context.Context, tenant, key string) (string, bool) {
	id, err := c.client.Get(ctx, cacheKey(tenant, key)).Result()
	if err == redis.Nil {
		return "", false
	}
	if err != nil {
		c.logger.Warn("idempotency cache read failed, falling through to store",
			zap.Error(err))
		return "", false
	}
	return id, true
}

// PutTransactionID implements KeyCache.
func (c *RedisKeyCache) PutTransactionID(ctx context.Context, tenant, key, transactionID string) {
	if err := c.client.Set(ctx, cacheKey(tenant, key), transactionID, c.ttl).Err(); err != nil {
		c.logger.Warn("idempotency cache write failed",
			zap.Error(err))
	}
}
