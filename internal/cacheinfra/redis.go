package cacheinfra

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goliatone/go-call-cache/cache"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type redisDriver struct {
	client *redis.Client
	prefix string
	flight flight
}

// NewRedisStore connects to a redis server with go-redis and pings it.
func NewRedisStore(ctx context.Context, cfg cache.RemoteConfig, logger *zap.Logger) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	client := redis.NewClient(&redis.Options{
		Addr:        cfg.Addr,
		Username:    cfg.Username,
		Password:    cfg.Password,
		DB:          cfg.DB,
		PoolSize:    cfg.PoolSize,
		DialTimeout: cfg.DialTimeout,
	})
	return newRedisStore(ctx, client, cfg.KeyPrefix, logger)
}

// NewRedisStoreFromClient wraps an existing go-redis client.
func NewRedisStoreFromClient(ctx context.Context, client *redis.Client, keyPrefix string, logger *zap.Logger) (*Store, error) {
	return newRedisStore(ctx, client, keyPrefix, logger)
}

func newRedisStore(ctx context.Context, client *redis.Client, prefix string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("cache: redis ping: %w", err)
	}
	logger.Info("redis store connected",
		zap.String("component", "cacheinfra"),
		zap.String("addr", client.Options().Addr),
		zap.Int("db", client.Options().DB),
	)
	return newStore(cache.DriverRedis, &redisDriver{client: client, prefix: prefix}), nil
}

func (d *redisDriver) key(key string) string {
	return d.prefix + key
}

func (d *redisDriver) tagKey(tag string) string {
	return d.prefix + tagSegment + tag
}

func (d *redisDriver) has(ctx context.Context, key string) (bool, error) {
	n, err := d.client.Exists(ctx, d.key(key)).Result()
	if err != nil {
		return false, fmt.Errorf("cache: redis exists: %w", err)
	}
	return n > 0, nil
}

func (d *redisDriver) get(ctx context.Context, key string) (any, bool, error) {
	val, err := d.client.Get(ctx, d.key(key)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("cache: redis get: %w", err)
	}
	return val, true, nil
}

func (d *redisDriver) set(ctx context.Context, key string, value any, ttl time.Duration, tags []string) error {
	data, err := payload(value)
	if err != nil {
		return err
	}
	if ttl < 0 {
		ttl = 0
	}
	k := d.key(key)
	_, err = d.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, k, data, ttl)
		for _, tag := range tags {
			pipe.SAdd(ctx, d.tagKey(tag), k)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("cache: redis set: %w", err)
	}
	return nil
}

func (d *redisDriver) del(ctx context.Context, key string) error {
	if err := d.client.Del(ctx, d.key(key)).Err(); err != nil {
		return fmt.Errorf("cache: redis del: %w", err)
	}
	return nil
}

func (d *redisDriver) flush(ctx context.Context, tags []string) error {
	for _, tag := range tags {
		tk := d.tagKey(tag)
		members, err := d.client.SMembers(ctx, tk).Result()
		if err != nil {
			return fmt.Errorf("cache: redis smembers: %w", err)
		}
		keys := append(members, tk)
		if err := d.client.Del(ctx, keys...).Err(); err != nil {
			return fmt.Errorf("cache: redis flush tag %s: %w", tag, err)
		}
	}
	return nil
}

func (d *redisDriver) remember(ctx context.Context, key string, ttl time.Duration, tags []string, compute cache.ComputeFn) (any, error) {
	return d.flight.remember(ctx, d, key, ttl, tags, compute)
}

func (d *redisDriver) close() error {
	return d.client.Close()
}
