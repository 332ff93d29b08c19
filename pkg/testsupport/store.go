package testsupport

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/goliatone/go-call-cache/cache"
)

// Op kinds recorded by RecordingStore.
const (
	OpHas     = "has"
	OpGet     = "get"
	OpPut     = "put"
	OpForever = "forever"
	OpDelete  = "delete"
	OpFlush   = "flush"
)

// Op is one recorded store call.
type Op struct {
	Kind  string
	Key   string
	Value any
	TTL   time.Duration
	Tags  []string
}

// RecordingStore is an in-memory cache.TaggableStore that records every call.
// Set the Fail* fields to inject errors.
type RecordingStore struct {
	*recorder
	scope []string
}

type recorder struct {
	mu      sync.Mutex
	data    map[string]any
	tagged  map[string]map[string]struct{}
	ops     []Op
	FailGet error
	FailPut error
}

// NewRecordingStore creates an empty recording store.
func NewRecordingStore() *RecordingStore {
	return &RecordingStore{recorder: &recorder{
		data:   make(map[string]any),
		tagged: make(map[string]map[string]struct{}),
	}}
}

var _ cache.TaggableStore = (*RecordingStore)(nil)

// Has implements cache.Store.
func (s *RecordingStore) Has(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record(Op{Kind: OpHas, Key: key})
	_, ok := s.data[key]
	return ok, nil
}

// Get implements cache.Store.
func (s *RecordingStore) Get(_ context.Context, key string) (any, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record(Op{Kind: OpGet, Key: key})
	if s.FailGet != nil {
		return nil, false, s.FailGet
	}
	v, ok := s.data[key]
	return v, ok, nil
}

// Put implements cache.Store.
func (s *RecordingStore) Put(_ context.Context, key string, value any, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	kind := OpPut
	if ttl <= 0 {
		kind = OpForever
	}
	return s.write(Op{Kind: kind, Key: key, Value: value, TTL: ttl, Tags: s.scope})
}

// Forever implements cache.Store.
func (s *RecordingStore) Forever(_ context.Context, key string, value any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.write(Op{Kind: OpForever, Key: key, Value: value, Tags: s.scope})
}

// Delete implements cache.Store.
func (s *RecordingStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record(Op{Kind: OpDelete, Key: key})
	delete(s.data, key)
	return nil
}

// Tags implements cache.TaggableStore.
func (s *RecordingStore) Tags(tags ...string) cache.Store {
	scope := append(append([]string(nil), s.scope...), tags...)
	return &RecordingStore{recorder: s.recorder, scope: scope}
}

// FlushTags implements cache.TaggableStore.
func (s *RecordingStore) FlushTags(_ context.Context, tags ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record(Op{Kind: OpFlush, Tags: tags})
	for _, tag := range tags {
		for key := range s.tagged[tag] {
			delete(s.data, key)
		}
		delete(s.tagged, tag)
	}
	return nil
}

func (r *recorder) record(op Op) {
	r.ops = append(r.ops, op)
}

func (r *recorder) write(op Op) error {
	r.record(op)
	if r.FailPut != nil {
		return r.FailPut
	}
	r.data[op.Key] = op.Value
	for _, tag := range op.Tags {
		if r.tagged[tag] == nil {
			r.tagged[tag] = make(map[string]struct{})
		}
		r.tagged[tag][op.Key] = struct{}{}
	}
	return nil
}

// Ops returns a copy of the recorded calls.
func (s *RecordingStore) Ops() []Op {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Op(nil), s.ops...)
}

// Writes returns the recorded put and forever calls.
func (s *RecordingStore) Writes() []Op {
	var out []Op
	for _, op := range s.Ops() {
		if op.Kind == OpPut || op.Kind == OpForever {
			out = append(out, op)
		}
	}
	return out
}

// Keys returns the stored keys in sorted order.
func (s *RecordingStore) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.data))
	for k := range s.data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Value returns the raw stored value of key.
func (s *RecordingStore) Value(key string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.data[key]
	return v, ok
}

// RememberingStore adds a cache.Rememberer to a RecordingStore and counts
// Remember calls across all tag views.
type RememberingStore struct {
	*RecordingStore
	calls *counter
}

type counter struct {
	mu sync.Mutex
	n  int
}

// NewRememberingStore wraps store.
func NewRememberingStore(store *RecordingStore) *RememberingStore {
	return &RememberingStore{RecordingStore: store, calls: &counter{}}
}

// Tags keeps the Remember capability on the tagged view.
func (s *RememberingStore) Tags(tags ...string) cache.Store {
	view := s.RecordingStore.Tags(tags...).(*RecordingStore)
	return &RememberingStore{RecordingStore: view, calls: s.calls}
}

// Remember implements cache.Rememberer with Get followed by Put.
func (s *RememberingStore) Remember(ctx context.Context, key string, ttl time.Duration, compute cache.ComputeFn) (any, error) {
	s.calls.mu.Lock()
	s.calls.n++
	s.calls.mu.Unlock()

	if v, ok, err := s.Get(ctx, key); err != nil || ok {
		return v, err
	}
	v, err := compute(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.Put(ctx, key, v, ttl); err != nil {
		return nil, err
	}
	return v, nil
}

// Remembers returns the number of Remember calls.
func (s *RememberingStore) Remembers() int {
	s.calls.mu.Lock()
	defer s.calls.mu.Unlock()
	return s.calls.n
}
