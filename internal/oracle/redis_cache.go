package oracle

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RedisPriceCacheKey is the shared key every process-wide oracle
// instance reads/writes, so a fleet of supervisors shares one upstream
// price lookup instead of each hammering SOL_PRICE_URL independently.
const RedisPriceCacheKey = "contractstream:oracle:sol_price_usd"

// RedisPriceCache is a PriceCache backed by Redis, grounded on the
// graceful-degradation pattern in internal/cache/cache_service.go: Redis
// unavailability degrades silently to a cache miss (the caller falls
// through to a live HTTP fetch) rather than surfacing an error.
type RedisPriceCache struct {
	client *redis.Client
	log    zerolog.Logger
}

// NewRedisPriceCache wraps an existing redis client.
func NewRedisPriceCache(client *redis.Client, log zerolog.Logger) *RedisPriceCache {
	return &RedisPriceCache{client: client, log: log.With().Str("component", "oracle.redis_cache").Logger()}
}

// Get returns the cached price if present and not expired. Any Redis
// error (including redis.Nil) is treated as a cache miss.
func (c *RedisPriceCache) Get(ctx context.Context) (float64, bool) {
	if c.client == nil {
		return 0, false
	}
	val, err := c.client.Get(ctx, RedisPriceCacheKey).Result()
	if err != nil {
		if err != redis.Nil {
			c.log.Debug().Err(err).Msg("redis price cache get failed, degrading to live fetch")
		}
		return 0, false
	}
	price, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return 0, false
	}
	return price, true
}

// Set writes the price with the given TTL, capped by MaxCacheTTL by the
// caller. Errors are swallowed: a failed write just means the next
// reader falls back to its own local cache or a live fetch.
func (c *RedisPriceCache) Set(ctx context.Context, price float64, ttl time.Duration) {
	if c.client == nil {
		return
	}
	if err := c.client.Set(ctx, RedisPriceCacheKey, strconv.FormatFloat(price, 'f', -1, 64), ttl).Err(); err != nil {
		c.log.Debug().Err(err).Msg("redis price cache set failed")
	}
}
