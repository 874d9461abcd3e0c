package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/garyburd/redigo/redis"
	"go.uber.org/zap"
)

// RedisCache is a Cache backed by a redigo connection pool, so several
// server instances can read each other's session snapshots.
type RedisCache struct {
	pool   *redis.Pool
	ttl    time.Duration
	logger *zap.Logger
}

func NewRedisCache(addr, password string, db int, ttl time.Duration, logger *zap.Logger) (*RedisCache, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	pool := &redis.Pool{
		MaxIdle:     10,
		IdleTimeout: 240 * time.Second,
		Dial: func() (redis.Conn, error) {
			c, err := redis.Dial("tcp", addr,
				redis.DialPassword(password),
				redis.DialDatabase(db),
				redis.DialConnectTimeout(5*time.Second))
			if err != nil {
				return nil, err
			}
			return c, nil
		},
		TestOnBorrow: func(c redis.Conn, t time.Time) error {
			if time.Since(t) < time.Minute {
				return nil
			}
			_, err := c.Do("PING")
			return err
		},
	}

	conn := pool.Get()
	defer conn.Close()
	if _, err := conn.Do("PING"); err != nil {
		pool.Close()
		return nil, fmt.Errorf("connect to redis at %s: %w", addr, err)
	}

	logger.Info("Connected to Redis", zap.String("addr", addr), zap.Int("db", db))
	return &RedisCache{pool: pool, ttl: ttl, logger: logger}, nil
}

func (c *RedisCache) do(ctx context.Context, cmd string, args ...interface{}) (interface{}, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	conn := c.pool.Get()
	defer conn.Close()
	return conn.Do(cmd, args...)
}

func (c *RedisCache) Set(ctx context.Context, key string, value interface{}) error {
	return c.SetWithTTL(ctx, key, value, c.ttl)
}

func (c *RedisCache) SetWithTTL(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	data, err := encode(value)
	if err != nil {
		return err
	}
	if ttl > 0 {
		_, err = c.do(ctx, "SET", key, data, "PX", ttl.Milliseconds())
	} else {
		_, err = c.do(ctx, "SET", key, data)
	}
	return err
}

func (c *RedisCache) Get(ctx context.Context, key string, dest interface{}) error {
	data, err := redis.Bytes(c.do(ctx, "GET", key))
	if errors.Is(err, redis.ErrNil) {
		return ErrCacheMiss
	}
	if err != nil {
		return err
	}
	return decode(data, dest)
}

func (c *RedisCache) Delete(ctx context.Context, key string) error {
	_, err := c.do(ctx, "DEL", key)
	return err
}

func (c *RedisCache) GetTTL(ctx context.Context, key string) (time.Duration, error) {
	ms, err := redis.Int64(c.do(ctx, "PTTL", key))
	if err != nil {
		return 0, err
	}
	switch ms {
	case -2:
		return 0, ErrCacheMiss
	case -1:
		return 0, nil
	}
	return time.Duration(ms) * time.Millisecond, nil
}

// Increment bumps key and applies the default TTL to a new counter.
func (c *RedisCache) Increment(ctx context.Context, key string) (int64, error) {
	n, err := redis.Int64(c.do(ctx, "INCR", key))
	if err != nil {
		return 0, err
	}
	if n == 1 && c.ttl > 0 {
		if _, err := c.do(ctx, "PEXPIRE", key, c.ttl.Milliseconds()); err != nil {
			c.logger.Warn("Failed to set counter expiry", zap.String("key", key), zap.Error(err))
		}
	}
	return n, nil
}

func (c *RedisCache) IncrementWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	conn := c.pool.Get()
	defer conn.Close()

	if err := conn.Send("MULTI"); err != nil {
		return 0, err
	}
	if err := conn.Send("INCR", key); err != nil {
		return 0, err
	}
	if err := conn.Send("PEXPIRE", key, ttl.Milliseconds()); err != nil {
		return 0, err
	}
	replies, err := redis.Values(conn.Do("EXEC"))
	if err != nil {
		return 0, err
	}
	return redis.Int64(replies[0], nil)
}

func (c *RedisCache) GetStats(ctx context.Context) (*CacheStats, error) {
	stats := &CacheStats{Backend: "redis"}
	if _, err := c.do(ctx, "PING"); err != nil {
		stats.Info = err.Error()
		return stats, nil
	}
	stats.Connected = true

	keys, err := redis.Int64(c.do(ctx, "DBSIZE"))
	if err != nil {
		return nil, err
	}
	stats.Keys = keys
	stats.Info = fmt.Sprintf("active=%d,idle=%d", c.pool.ActiveCount(), c.pool.IdleCount())
	return stats, nil
}

func (c *RedisCache) Close() error {
	return c.pool.Close()
}
