package cacheinfra

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/goliatone/go-call-cache/cache"
	valkey "github.com/valkey-io/valkey-go"
	"go.uber.org/zap"
)

type valkeyDriver struct {
	client valkey.Client
	prefix string
	flight flight
}

// NewValkeyStore connects to a redis protocol server with valkey-go.
// Client side caching is disabled; entries are read from the server.
func NewValkeyStore(ctx context.Context, cfg cache.RemoteConfig, logger *zap.Logger) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	option := valkey.ClientOption{
		InitAddress:       []string{cfg.Addr},
		Username:          cfg.Username,
		Password:          cfg.Password,
		SelectDB:          cfg.DB,
		AlwaysRESP2:       true,
		ForceSingleClient: true,
		DisableCache:      true,
		BlockingPoolSize:  cfg.PoolSize,
		Dialer:            net.Dialer{Timeout: cfg.DialTimeout},
	}
	client, err := valkey.NewClient(option)
	if err != nil {
		return nil, fmt.Errorf("cache: valkey client: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Do(pingCtx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("cache: valkey ping: %w", err)
	}
	logger.Info("valkey store connected",
		zap.String("component", "cacheinfra"),
		zap.String("addr", cfg.Addr),
		zap.Int("db", cfg.DB),
	)
	return newStore(cache.DriverValkey, &valkeyDriver{client: client, prefix: cfg.KeyPrefix}), nil
}

func (d *valkeyDriver) key(key string) string {
	return d.prefix + key
}

func (d *valkeyDriver) tagKey(tag string) string {
	return d.prefix + tagSegment + tag
}

func (d *valkeyDriver) has(ctx context.Context, key string) (bool, error) {
	n, err := d.client.Do(ctx, d.client.B().Exists().Key(d.key(key)).Build()).AsInt64()
	if err != nil {
		return false, fmt.Errorf("cache: valkey exists: %w", err)
	}
	return n > 0, nil
}

func (d *valkeyDriver) get(ctx context.Context, key string) (any, bool, error) {
	val, err := d.client.Do(ctx, d.client.B().Get().Key(d.key(key)).Build()).ToString()
	if errors.Is(err, valkey.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("cache: valkey get: %w", err)
	}
	return val, true, nil
}

func (d *valkeyDriver) set(ctx context.Context, key string, value any, ttl time.Duration, tags []string) error {
	data, err := payload(value)
	if err != nil {
		return err
	}
	k := d.key(key)
	cmds := make(valkey.Commands, 0, len(tags)+1)
	if ttl > 0 {
		cmds = append(cmds, d.client.B().Set().Key(k).Value(data).Px(ttl).Build())
	} else {
		cmds = append(cmds, d.client.B().Set().Key(k).Value(data).Build())
	}
	for _, tag := range tags {
		cmds = append(cmds, d.client.B().Sadd().Key(d.tagKey(tag)).Member(k).Build())
	}
	for _, resp := range d.client.DoMulti(ctx, cmds...) {
		if err := resp.Error(); err != nil {
			return fmt.Errorf("cache: valkey set: %w", err)
		}
	}
	return nil
}

func (d *valkeyDriver) del(ctx context.Context, key string) error {
	if err := d.client.Do(ctx, d.client.B().Del().Key(d.key(key)).Build()).Error(); err != nil {
		return fmt.Errorf("cache: valkey del: %w", err)
	}
	return nil
}

func (d *valkeyDriver) flush(ctx context.Context, tags []string) error {
	for _, tag := range tags {
		tk := d.tagKey(tag)
		members, err := d.client.Do(ctx, d.client.B().Smembers().Key(tk).Build()).AsStrSlice()
		if err != nil {
			return fmt.Errorf("cache: valkey smembers: %w", err)
		}
		keys := append(members, tk)
		if err := d.client.Do(ctx, d.client.B().Del().Key(keys...).Build()).Error(); err != nil {
			return fmt.Errorf("cache: valkey flush tag %s: %w", tag, err)
		}
	}
	return nil
}

func (d *valkeyDriver) remember(ctx context.Context, key string, ttl time.Duration, tags []string, compute cache.ComputeFn) (any, error) {
	return d.flight.remember(ctx, d, key, ttl, tags, compute)
}

func (d *valkeyDriver) close() error {
	d.client.Close()
	return nil
}
