package cacheinfra

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goliatone/go-call-cache/cache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runStoreContract exercises the behaviour every driver shares. advance
// moves the clock of the backend forward.
func runStoreContract(t *testing.T, store *Store, advance func(time.Duration)) {
	t.Helper()
	ctx := context.Background()

	t.Run("miss", func(t *testing.T) {
		v, ok, err := store.Get(ctx, "contract:missing")
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Nil(t, v)

		has, err := store.Has(ctx, "contract:missing")
		require.NoError(t, err)
		assert.False(t, has)
	})

	t.Run("put and get", func(t *testing.T) {
		require.NoError(t, store.Put(ctx, "contract:user:1", `{"id":1}`, time.Minute))

		v, ok, err := store.Get(ctx, "contract:user:1")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, `{"id":1}`, v)

		has, err := store.Has(ctx, "contract:user:1")
		require.NoError(t, err)
		assert.True(t, has)
	})

	t.Run("ttl expiry", func(t *testing.T) {
		require.NoError(t, store.Put(ctx, "contract:short", "v", time.Second))
		require.NoError(t, store.Forever(ctx, "contract:long", "v"))

		advance(2 * time.Second)

		_, ok, err := store.Get(ctx, "contract:short")
		require.NoError(t, err)
		assert.False(t, ok, "entry should expire after its ttl")

		_, ok, err = store.Get(ctx, "contract:long")
		require.NoError(t, err)
		assert.True(t, ok, "forever entry should survive")
	})

	t.Run("delete", func(t *testing.T) {
		require.NoError(t, store.Put(ctx, "contract:gone", "v", time.Minute))
		require.NoError(t, store.Delete(ctx, "contract:gone"))

		_, ok, err := store.Get(ctx, "contract:gone")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("flush tags", func(t *testing.T) {
		users := store.Tags("users")
		require.NoError(t, users.Put(ctx, "contract:tagged:1", "a", time.Minute))
		require.NoError(t, store.Tags("users", "admins").Put(ctx, "contract:tagged:2", "b", 0))
		require.NoError(t, store.Tags("orders").Put(ctx, "contract:tagged:3", "c", time.Minute))
		require.NoError(t, store.Put(ctx, "contract:untagged", "d", time.Minute))

		require.NoError(t, store.FlushTags(ctx, "users"))

		for _, key := range []string{"contract:tagged:1", "contract:tagged:2"} {
			_, ok, err := store.Get(ctx, key)
			require.NoError(t, err)
			assert.False(t, ok, "%s should be flushed", key)
		}
		for _, key := range []string{"contract:tagged:3", "contract:untagged"} {
			_, ok, err := store.Get(ctx, key)
			require.NoError(t, err)
			assert.True(t, ok, "%s should survive", key)
		}
	})

	t.Run("flush without tags is a no-op", func(t *testing.T) {
		require.NoError(t, store.FlushTags(ctx))
		require.NoError(t, store.FlushTags(ctx, "", " "))
	})

	t.Run("remember computes once", func(t *testing.T) {
		var calls atomic.Int32
		compute := func(context.Context) (any, error) {
			calls.Add(1)
			return "computed", nil
		}

		v, err := store.Remember(ctx, "contract:remember", time.Minute, compute)
		require.NoError(t, err)
		assert.Equal(t, "computed", v)

		v, err = store.Remember(ctx, "contract:remember", time.Minute, compute)
		require.NoError(t, err)
		assert.Equal(t, "computed", v)
		assert.Equal(t, int32(1), calls.Load())
	})

	t.Run("remember does not store errors", func(t *testing.T) {
		boom := errors.New("boom")
		_, err := store.Remember(ctx, "contract:failing", time.Minute, func(context.Context) (any, error) {
			return nil, boom
		})
		require.ErrorIs(t, err, boom)

		_, ok, err := store.Get(ctx, "contract:failing")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("remember registers tags", func(t *testing.T) {
		tagged, ok := store.Tags("remembered").(cache.Rememberer)
		require.True(t, ok, "tagged view should keep Remember")

		_, err := tagged.Remember(ctx, "contract:remembered", 0, func(context.Context) (any, error) {
			return "v", nil
		})
		require.NoError(t, err)
		require.NoError(t, store.FlushTags(ctx, "remembered"))

		_, ok, err = store.Get(ctx, "contract:remembered")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("concurrent remember", func(t *testing.T) {
		var calls atomic.Int32
		release := make(chan struct{})
		compute := func(context.Context) (any, error) {
			calls.Add(1)
			<-release
			return "shared", nil
		}

		const callers = 8
		var wg sync.WaitGroup
		results := make([]any, callers)
		for i := 0; i < callers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				v, err := store.Remember(ctx, "contract:concurrent", time.Minute, compute)
				assert.NoError(t, err)
				results[i] = v
			}(i)
		}
		time.Sleep(50 * time.Millisecond)
		close(release)
		wg.Wait()

		assert.Equal(t, int32(1), calls.Load())
		for _, v := range results {
			assert.Equal(t, "shared", v)
		}
	})
}
