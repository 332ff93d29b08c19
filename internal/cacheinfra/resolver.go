package cacheinfra

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/goliatone/go-call-cache/cache"
	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/zap"
)

// Resolver maps policy driver names to stores.
type Resolver struct {
	stores        *xsync.MapOf[string, cache.Store]
	defaultDriver string
}

var _ cache.StoreResolver = (*Resolver)(nil)

// NewResolver creates an empty resolver. Empty driver names resolve to
// defaultDriver.
func NewResolver(defaultDriver string) *Resolver {
	return &Resolver{
		stores:        xsync.NewMapOf[string, cache.Store](),
		defaultDriver: defaultDriver,
	}
}

// Register binds name to store, replacing any previous binding.
func (r *Resolver) Register(name string, store cache.Store) {
	r.stores.Store(name, store)
}

// Store implements cache.StoreResolver.
func (r *Resolver) Store(driver string) (cache.Store, error) {
	name := driver
	if name == "" {
		name = r.defaultDriver
	}
	store, ok := r.stores.Load(name)
	if !ok {
		return nil, cache.NewError(cache.ErrUnknownDriver, "resolve store", name, nil)
	}
	return store, nil
}

// Names returns the registered driver names in sorted order.
func (r *Resolver) Names() []string {
	var names []string
	r.stores.Range(func(name string, _ cache.Store) bool {
		names = append(names, name)
		return true
	})
	sort.Strings(names)
	return names
}

// Close closes every registered store that holds a connection.
func (r *Resolver) Close() error {
	var errs []error
	r.stores.Range(func(name string, store cache.Store) bool {
		if c, ok := store.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close %s: %w", name, err))
			}
		}
		return true
	})
	return errors.Join(errs...)
}

// OpenStore creates the store described by cfg.
func OpenStore(ctx context.Context, cfg cache.DriverConfig, logger *zap.Logger) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	switch cfg.Type {
	case cache.DriverMemory:
		return NewMemoryStore(cfg.Memory)
	case cache.DriverRedis:
		return NewRedisStore(ctx, cfg.Remote, logger)
	case cache.DriverValkey:
		return NewValkeyStore(ctx, cfg.Remote, logger)
	default:
		return nil, cache.NewError(cache.ErrUnknownDriver, "open store", cfg.Type, nil)
	}
}

// Open creates a resolver holding one store per configured driver. Stores
// opened before a failure are closed.
func Open(ctx context.Context, drivers map[string]cache.DriverConfig, defaultDriver string, logger *zap.Logger) (*Resolver, error) {
	r := NewResolver(defaultDriver)
	names := make([]string, 0, len(drivers))
	for name := range drivers {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		store, err := OpenStore(ctx, drivers[name], logger)
		if err != nil {
			_ = r.Close()
			return nil, fmt.Errorf("cache: driver %s: %w", name, err)
		}
		r.Register(name, store)
	}
	if _, ok := drivers[defaultDriver]; !ok {
		_ = r.Close()
		return nil, cache.NewError(cache.ErrUnknownDriver, "open", "default driver "+defaultDriver, nil)
	}
	return r, nil
}
