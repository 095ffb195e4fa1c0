package broker

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// CachedPrices is a read-through PriceSource backed by Redis. Cache errors
// degrade to the underlying source and never fail a lookup.
type CachedPrices struct {
	rdb    redis.Cmdable
	source PriceSource
	ttl    time.Duration
	logger zerolog.Logger
}

var _ PriceSource = (*CachedPrices)(nil)

// RedisConfig holds connection parameters for the price cache.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// NewRedisClient creates a Redis client and pings it.
func NewRedisClient(ctx context.Context, cfg RedisConfig) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis: ping: %w", err)
	}
	return rdb, nil
}

// NewCachedPrices wraps source with a Redis cache of the given TTL.
func NewCachedPrices(rdb redis.Cmdable, source PriceSource, ttl time.Duration, logger zerolog.Logger) *CachedPrices {
	return &CachedPrices{
		rdb:    rdb,
		source: source,
		ttl:    ttl,
		logger: logger,
	}
}

func priceKey(ticker string) string {
	return "price:" + ticker
}

// LatestPrice returns the cached price when fresh, else asks the source and
// caches the answer.
func (c *CachedPrices) LatestPrice(ctx context.Context, ticker string) (float64, error) {
	val, err := c.rdb.Get(ctx, priceKey(ticker)).Result()
	switch {
	case err == nil:
		if price, perr := strconv.ParseFloat(val, 64); perr == nil && price > 0 {
			return price, nil
		}
	case err != redis.Nil:
		c.logger.Debug().Err(err).Str("ticker", ticker).Msg("Price cache read failed")
	}

	price, err := c.source.LatestPrice(ctx, ticker)
	if err != nil {
		return 0, err
	}

	if err := c.rdb.Set(ctx, priceKey(ticker), strconv.FormatFloat(price, 'f', -1, 64), c.ttl).Err(); err != nil {
		c.logger.Debug().Err(err).Str("ticker", ticker).Msg("Price cache write failed")
	}
	return price, nil
}
