package cacheinfra

import (
	"context"
	"fmt"
	"time"

	"github.com/goliatone/go-call-cache/cache"
	"golang.org/x/sync/singleflight"
)

const tagSegment = "tag:"

// payload converts a codec result to the string form kept by redis
// protocol servers. Passthrough values other than text cannot be stored.
func payload(value any) (string, error) {
	switch v := value.(type) {
	case string:
		return v, nil
	case []byte:
		return string(v), nil
	default:
		return "", cache.NewError(cache.ErrUnsupportedValue, "store",
			fmt.Sprintf("remote stores keep text or bytes, got %T", value), nil)
	}
}

// flight collapses concurrent misses on one key into a single compute. The
// shared work runs detached from the context of the caller that started it,
// so a cancelled caller only abandons its own wait.
type flight struct {
	group singleflight.Group
}

func (f *flight) remember(ctx context.Context, d driver, key string, ttl time.Duration, tags []string, compute cache.ComputeFn) (any, error) {
	shared := context.WithoutCancel(ctx)
	ch := f.group.DoChan(key, func() (any, error) {
		if v, ok, err := d.get(shared, key); err != nil || ok {
			return v, err
		}
		v, err := compute(shared)
		if err != nil {
			return nil, err
		}
		if err := d.set(shared, key, v, ttl, tags); err != nil {
			return nil, err
		}
		return v, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		return res.Val, res.Err
	}
}
