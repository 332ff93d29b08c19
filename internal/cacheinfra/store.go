package cacheinfra

import (
	"context"
	"time"

	"github.com/goliatone/go-call-cache/cache"
)

// driver is the primitive surface each backend implements. Tag scoping,
// forever writes and the public API live in Store.
type driver interface {
	has(ctx context.Context, key string) (bool, error)
	get(ctx context.Context, key string) (any, bool, error)
	// set writes value and registers key under tags. ttl <= 0 means no expiry.
	set(ctx context.Context, key string, value any, ttl time.Duration, tags []string) error
	del(ctx context.Context, key string) error
	flush(ctx context.Context, tags []string) error
	remember(ctx context.Context, key string, ttl time.Duration, tags []string, compute cache.ComputeFn) (any, error)
	close() error
}

// Store exposes a driver as a cache.TaggableStore and cache.Rememberer.
// A Store returned by Tags shares the driver of its parent.
type Store struct {
	name string
	d    driver
	tags []string
}

var (
	_ cache.TaggableStore = (*Store)(nil)
	_ cache.Rememberer    = (*Store)(nil)
)

func newStore(name string, d driver) *Store {
	return &Store{name: name, d: d}
}

// Driver returns the driver type of the store.
func (s *Store) Driver() string {
	return s.name
}

// Has implements cache.Store.
func (s *Store) Has(ctx context.Context, key string) (bool, error) {
	return s.d.has(ctx, key)
}

// Get implements cache.Store.
func (s *Store) Get(ctx context.Context, key string) (any, bool, error) {
	return s.d.get(ctx, key)
}

// Put implements cache.Store. ttl <= 0 behaves like Forever.
func (s *Store) Put(ctx context.Context, key string, value any, ttl time.Duration) error {
	return s.d.set(ctx, key, value, ttl, s.tags)
}

// Forever implements cache.Store.
func (s *Store) Forever(ctx context.Context, key string, value any) error {
	return s.d.set(ctx, key, value, 0, s.tags)
}

// Delete implements cache.Store.
func (s *Store) Delete(ctx context.Context, key string) error {
	return s.d.del(ctx, key)
}

// Remember implements cache.Rememberer. Concurrent misses on one key share
// a single compute call.
func (s *Store) Remember(ctx context.Context, key string, ttl time.Duration, compute cache.ComputeFn) (any, error) {
	return s.d.remember(ctx, key, ttl, s.tags, compute)
}

// Tags implements cache.TaggableStore.
func (s *Store) Tags(tags ...string) cache.Store {
	scope := cache.DedupeStrings(append(append([]string(nil), s.tags...), tags...))
	return &Store{name: s.name, d: s.d, tags: scope}
}

// FlushTags implements cache.TaggableStore.
func (s *Store) FlushTags(ctx context.Context, tags ...string) error {
	tags = cache.DedupeStrings(tags)
	if len(tags) == 0 {
		return nil
	}
	return s.d.flush(ctx, tags)
}

// Close releases the driver connection. Tagged views share the connection,
// so close only the root store.
func (s *Store) Close() error {
	return s.d.close()
}
