package cache

import (
	"context"
	"time"
)

// Store is the backing key-value cache a call proxy reads and writes.
// Keys are strings; values are whatever the selected codec produces.
//
// Contract:
//   - Concurrency: implementations must be safe for concurrent use.
//   - Get returns (nil, false, nil) on a miss.
//   - Put with ttl <= 0 behaves like Forever.
type Store interface {
	Has(ctx context.Context, key string) (bool, error)
	Get(ctx context.Context, key string) (any, bool, error)
	Put(ctx context.Context, key string, value any, ttl time.Duration) error
	Forever(ctx context.Context, key string, value any) error
	Delete(ctx context.Context, key string) error
}

// TaggableStore is a Store that can scope writes to tags and flush them in bulk.
type TaggableStore interface {
	Store

	// Tags returns a view of the store whose writes are registered under tags.
	Tags(tags ...string) Store

	// FlushTags removes every entry written under any of the tags.
	FlushTags(ctx context.Context, tags ...string) error
}

// ComputeFn produces the value to store on a miss.
type ComputeFn func(ctx context.Context) (any, error)

// Rememberer is implemented by stores with an atomic get-or-compute-and-set
// primitive. The proxy prefers it over separate Get/Put calls.
//
// Remember returns the stored value on a hit. On a miss it calls compute and,
// when compute succeeds, stores the value with ttl (ttl <= 0 means forever)
// before returning it. Errors from compute are returned unchanged and nothing
// is stored.
type Rememberer interface {
	Remember(ctx context.Context, key string, ttl time.Duration, compute ComputeFn) (any, error)
}

// StoreResolver selects the backing store for a policy driver name.
// An empty name selects the default store.
type StoreResolver interface {
	Store(driver string) (Store, error)
}

// StoreResolverFunc adapts a function to StoreResolver.
type StoreResolverFunc func(driver string) (Store, error)

// Store implements StoreResolver.
func (f StoreResolverFunc) Store(driver string) (Store, error) {
	return f(driver)
}

// SingleStore resolves every driver name to the same store.
func SingleStore(store Store) StoreResolver {
	return StoreResolverFunc(func(string) (Store, error) {
		return store, nil
	})
}
