package oracle

import (
	"context"
	"crypto/tls"
	"fmt"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/redis/go-redis/v9"
)

type RedisConfig struct {
	Addr       string
	Password   string
	DB         int
	PoolSize   int
	MaxRetries int
	TLSEnabled bool
	KeyPrefix  string
}

// RedisCache stores each quote as a hash at "<prefix>price:<asset>" with
// fields "price" (decimal, 18 decimals) and "ts" (unix nanoseconds).
type RedisCache struct {
	rdb    *redis.Client
	prefix string
}

// DialRedis connects and pings before returning the cache.
func DialRedis(ctx context.Context, cfg RedisConfig) (*RedisCache, error) {
	opts := &redis.Options{
		Addr:       cfg.Addr,
		Password:   cfg.Password,
		DB:         cfg.DB,
		PoolSize:   cfg.PoolSize,
		MaxRetries: cfg.MaxRetries,
	}
	if cfg.TLSEnabled {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis: ping: %w", err)
	}
	return &RedisCache{rdb: rdb, prefix: cfg.KeyPrefix}, nil
}

func (c *RedisCache) Close() error {
	return c.rdb.Close()
}

func (c *RedisCache) key(asset common.Address) string {
	return c.prefix + "price:" + asset.Hex()
}

func (c *RedisCache) SetPrice(ctx context.Context, asset common.Address, price *uint256.Int, ts time.Time) error {
	if err := c.rdb.HSet(ctx, c.key(asset), encodeQuote(price, ts)).Err(); err != nil {
		return fmt.Errorf("redis: set price %s: %w", asset.Hex(), err)
	}
	return nil
}

// GetPrice returns ErrNoPrice when the asset has never been cached.
func (c *RedisCache) GetPrice(ctx context.Context, asset common.Address) (*uint256.Int, time.Time, error) {
	vals, err := c.rdb.HGetAll(ctx, c.key(asset)).Result()
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("redis: get price %s: %w", asset.Hex(), err)
	}
	return decodeQuote(vals)
}

func encodeQuote(price *uint256.Int, ts time.Time) map[string]interface{} {
	return map[string]interface{}{
		"price": price.Dec(),
		"ts":    strconv.FormatInt(ts.UnixNano(), 10),
	}
}

func decodeQuote(vals map[string]string) (*uint256.Int, time.Time, error) {
	priceStr, ok := vals["price"]
	if !ok {
		return nil, time.Time{}, ErrNoPrice
	}
	price, err := uint256.FromDecimal(priceStr)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("redis: parse price: %w", err)
	}
	tsStr, ok := vals["ts"]
	if !ok {
		return nil, time.Time{}, ErrNoPrice
	}
	tsNano, err := strconv.ParseInt(tsStr, 10, 64)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("redis: parse ts: %w", err)
	}
	return price, time.Unix(0, tsNano), nil
}
