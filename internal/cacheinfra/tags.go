package cacheinfra

import (
	"sort"

	"github.com/puzpuzpuz/xsync/v3"
)

// tagIndex tracks which keys were written under each tag for stores without
// native set support.
type tagIndex struct {
	sets *xsync.MapOf[string, *xsync.MapOf[string, struct{}]]
}

func newTagIndex() *tagIndex {
	return &tagIndex{sets: xsync.NewMapOf[string, *xsync.MapOf[string, struct{}]]()}
}

func (t *tagIndex) add(key string, tags []string) {
	for _, tag := range tags {
		set, _ := t.sets.LoadOrCompute(tag, func() *xsync.MapOf[string, struct{}] {
			return xsync.NewMapOf[string, struct{}]()
		})
		set.Store(key, struct{}{})
	}
}

// take removes tag from the index and returns its keys in sorted order.
func (t *tagIndex) take(tag string) []string {
	set, ok := t.sets.LoadAndDelete(tag)
	if !ok {
		return nil
	}
	keys := make([]string, 0, set.Size())
	set.Range(func(key string, _ struct{}) bool {
		keys = append(keys, key)
		return true
	})
	sort.Strings(keys)
	return keys
}

// forget drops key from every tag set.
func (t *tagIndex) forget(key string) {
	t.sets.Range(func(_ string, set *xsync.MapOf[string, struct{}]) bool {
		set.Delete(key)
		return true
	})
}
