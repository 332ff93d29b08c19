package cacheinfra

import (
	"context"
	"time"

	"github.com/goliatone/go-call-cache/cache"
	"github.com/viccon/sturdyc"
)

// sturdycOptions converts the memory config to sturdyc options.
// Capacity, NumShards, TTL and EvictionPercentage are passed directly to
// sturdyc.New and are not included.
func sturdycOptions(cfg cache.MemoryConfig) []sturdyc.Option {
	var options []sturdyc.Option
	if cfg.EarlyRefresh != nil {
		options = append(options, sturdyc.WithEarlyRefreshes(
			cfg.EarlyRefresh.MinAsyncRefreshTime,
			cfg.EarlyRefresh.MaxAsyncRefreshTime,
			cfg.EarlyRefresh.SyncRefreshTime,
			cfg.EarlyRefresh.RetryBaseDelay,
		))
	}
	if cfg.EvictionInterval > 0 {
		options = append(options, sturdyc.WithEvictionInterval(cfg.EvictionInterval))
	}
	return options
}

// entry is the value held by the sturdyc client. sturdyc has a single TTL
// per client, so per policy expiry is tracked here. A zero expiresAt lives
// until sturdyc evicts it.
type entry struct {
	value     any
	expiresAt time.Time
}

// memoryDriver keeps entries in a sturdyc client.
type memoryDriver struct {
	client *sturdyc.Client[any]
	tags   *tagIndex
	now    func() time.Time
}

// NewMemoryStore creates an in-process store backed by sturdyc.
//
// The constructor translates the config to sturdyc initialization:
// Capacity, NumShards, TTL and EvictionPercentage go to sturdyc.New and the
// remaining options through sturdycOptions. cfg.TTL caps the residency of
// every entry, including entries written forever.
func NewMemoryStore(cfg cache.MemoryConfig) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	client := sturdyc.New[any](
		cfg.Capacity,
		cfg.NumShards,
		cfg.TTL,
		cfg.EvictionPercentage,
		sturdycOptions(cfg)...,
	)
	return newStore(cache.DriverMemory, &memoryDriver{
		client: client,
		tags:   newTagIndex(),
		now:    time.Now,
	}), nil
}

func (d *memoryDriver) lookup(key string) (entry, bool) {
	raw, ok := d.client.Get(key)
	if !ok {
		return entry{}, false
	}
	e, ok := raw.(entry)
	if !ok {
		return entry{}, false
	}
	if !e.expiresAt.IsZero() && !d.now().Before(e.expiresAt) {
		d.client.Delete(key)
		d.tags.forget(key)
		return entry{}, false
	}
	return e, true
}

func (d *memoryDriver) wrap(value any, ttl time.Duration) entry {
	e := entry{value: value}
	if ttl > 0 {
		e.expiresAt = d.now().Add(ttl)
	}
	return e
}

func (d *memoryDriver) has(_ context.Context, key string) (bool, error) {
	_, ok := d.lookup(key)
	return ok, nil
}

func (d *memoryDriver) get(_ context.Context, key string) (any, bool, error) {
	e, ok := d.lookup(key)
	if !ok {
		return nil, false, nil
	}
	return e.value, true, nil
}

func (d *memoryDriver) set(_ context.Context, key string, value any, ttl time.Duration, tags []string) error {
	d.client.Set(key, d.wrap(value, ttl))
	d.tags.add(key, tags)
	return nil
}

func (d *memoryDriver) del(_ context.Context, key string) error {
	d.client.Delete(key)
	d.tags.forget(key)
	return nil
}

func (d *memoryDriver) flush(_ context.Context, tags []string) error {
	for _, tag := range tags {
		for _, key := range d.tags.take(tag) {
			d.client.Delete(key)
		}
	}
	return nil
}

// remember uses sturdyc GetOrFetch, which deduplicates in-flight fetches
// for the same key.
func (d *memoryDriver) remember(ctx context.Context, key string, ttl time.Duration, tags []string, compute cache.ComputeFn) (any, error) {
	if e, ok := d.lookup(key); ok {
		return e.value, nil
	}
	raw, err := d.client.GetOrFetch(ctx, key, func(ctx context.Context) (any, error) {
		value, err := compute(ctx)
		if err != nil {
			return nil, err
		}
		d.tags.add(key, tags)
		return d.wrap(value, ttl), nil
	})
	if err != nil {
		return nil, err
	}
	e, ok := raw.(entry)
	if !ok {
		return raw, nil
	}
	return e.value, nil
}

func (d *memoryDriver) close() error {
	return nil
}
