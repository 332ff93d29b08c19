package callcache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goliatone/go-call-cache/cache"
	"github.com/goliatone/go-call-cache/codec"
	"github.com/goliatone/go-call-cache/internal/cacheinfra"
	"github.com/goliatone/go-call-cache/pkg/testsupport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type user struct {
	ID    int
	Name  string
	Tags  []string
	email string
}

type conn struct {
	Events chan string
}

// userService counts real invocations per method.
type userService struct {
	mu    sync.Mutex
	calls map[string]int
	fail  error
}

func newUserService() *userService {
	return &userService{calls: map[string]int{}}
}

func (s *userService) hit(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[name]++
}

func (s *userService) count(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[name]
}

func (s *userService) FindByID(_ context.Context, id int) (*user, error) {
	s.hit("FindByID")
	if s.fail != nil {
		return nil, s.fail
	}
	return &user{ID: id, Name: "user", Tags: []string{"a", "b"}, email: "u@example.com"}, nil
}

func (s *userService) Search(_ context.Context, name string, page int) ([]user, error) {
	s.hit("Search")
	return []user{{ID: page, Name: name}, {ID: page + 1, Name: name}}, nil
}

func (s *userService) Missing(_ context.Context, id int) (*user, error) {
	s.hit("Missing")
	return nil, nil
}

func (s *userService) Open(_ context.Context) (conn, error) {
	s.hit("Open")
	return conn{Events: make(chan string)}, nil
}

func (s *userService) Version(_ context.Context) (string, error) {
	s.hit("Version")
	return "v1", nil
}

func (s *userService) methods() Methods {
	return Methods{
		"FindByID": Func1(s.FindByID),
		"Search":   Func2(s.Search),
		"Missing":  Func1(s.Missing),
		"Open":     Func0(s.Open),
		"Version":  Func0(s.Version),
	}
}

func basePolicies() []cache.Policy {
	return []cache.Policy{
		{Method: "FindByID", KeyTemplate: "user:%d", TTL: time.Minute, Pattern: cache.PatternTree, Tags: []string{"users"}},
		{Method: "Search", KeyTemplate: "search:%s:%d", Pattern: cache.PatternTabular},
		{Method: "Missing", KeyTemplate: "missing:%d", Pattern: cache.PatternTree},
		{Method: "Open", KeyTemplate: "open", Pattern: cache.PatternTree},
	}
}

func newTestProxy(t *testing.T, svc *userService, store cache.Store, opts ...Option) *Proxy {
	t.Helper()
	opts = append([]Option{WithStore(store), WithPolicies(basePolicies()...)}, opts...)
	p, err := New(svc, svc.methods(), opts...)
	require.NoError(t, err)
	return p
}

func TestProxy_HitAvoidsRecomputation(t *testing.T) {
	for _, pattern := range []cache.Pattern{cache.PatternPassthrough, cache.PatternTree, cache.PatternTabular, cache.PatternMsgpack} {
		t.Run(string(pattern), func(t *testing.T) {
			svc := newUserService()
			store := testsupport.NewRecordingStore()
			p, err := New(svc, svc.methods(),
				WithStore(store),
				WithPolicies(cache.Policy{Method: "FindByID", KeyTemplate: "user:%d", TTL: time.Minute, Pattern: pattern}),
			)
			require.NoError(t, err)
			ctx := context.Background()

			first, err := Call[*user](ctx, p, "FindByID", 7)
			require.NoError(t, err)
			second, err := Call[*user](ctx, p, "FindByID", 7)
			require.NoError(t, err)

			assert.Equal(t, 1, svc.count("FindByID"))
			assert.Equal(t, first, second)
			assert.Equal(t, "u@example.com", second.email)
			assert.Len(t, store.Writes(), 1)
		})
	}
}

func TestProxy_DistinctArgumentsMiss(t *testing.T) {
	svc := newUserService()
	store := testsupport.NewRecordingStore()
	p := newTestProxy(t, svc, store)
	ctx := context.Background()

	_, err := p.Invoke(ctx, "FindByID", 1)
	require.NoError(t, err)
	_, err = p.Invoke(ctx, "FindByID", 2)
	require.NoError(t, err)

	assert.Equal(t, 2, svc.count("FindByID"))
	assert.Equal(t, []string{"callcache:user:1", "callcache:user:2"}, store.Keys())
}

func TestProxy_HitDecodesDeclaredType(t *testing.T) {
	svc := newUserService()
	p := newTestProxy(t, svc, testsupport.NewRecordingStore())
	ctx := context.Background()

	miss, err := p.Invoke(ctx, "Search", "ada", 3)
	require.NoError(t, err)
	hit, err := p.Invoke(ctx, "Search", "ada", 3)
	require.NoError(t, err)

	require.IsType(t, []user{}, hit)
	assert.Equal(t, miss, hit)
	assert.Equal(t, 1, svc.count("Search"))
}

func TestProxy_NullResultIsNotCached(t *testing.T) {
	svc := newUserService()
	store := testsupport.NewRecordingStore()
	p := newTestProxy(t, svc, store)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		got, err := Call[*user](ctx, p, "Missing", 9)
		require.NoError(t, err)
		assert.Nil(t, got)
	}

	assert.Equal(t, 3, svc.count("Missing"))
	assert.Empty(t, store.Writes())
}

func TestProxy_NullResultCachedWhenEnabled(t *testing.T) {
	svc := newUserService()
	store := testsupport.NewRecordingStore()
	p, err := New(svc, svc.methods(),
		WithStore(store),
		WithPolicies(cache.Policy{Method: "Missing", KeyTemplate: "missing:%d", CacheNullValue: true, Pattern: cache.PatternTree}),
	)
	require.NoError(t, err)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		got, err := Call[*user](ctx, p, "Missing", 9)
		require.NoError(t, err)
		assert.Nil(t, got)
	}

	assert.Equal(t, 1, svc.count("Missing"))
	assert.Len(t, store.Writes(), 1)
}

func TestProxy_NullResultSkippedWithRememberer(t *testing.T) {
	svc := newUserService()
	store := testsupport.NewRememberingStore(testsupport.NewRecordingStore())
	p := newTestProxy(t, svc, store)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		got, err := Call[*user](ctx, p, "Missing", 9)
		require.NoError(t, err)
		assert.Nil(t, got)
	}

	assert.Equal(t, 2, svc.count("Missing"))
	assert.Equal(t, 2, store.Remembers())
	assert.Empty(t, store.Writes())
}

func TestProxy_TTLDispatch(t *testing.T) {
	tests := []struct {
		name     string
		ttl      time.Duration
		wantKind string
	}{
		{name: "absent ttl writes forever", ttl: 0, wantKind: testsupport.OpForever},
		{name: "ttl writes with expiry", ttl: 60 * time.Second, wantKind: testsupport.OpPut},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := newUserService()
			store := testsupport.NewRecordingStore()
			p, err := New(svc, svc.methods(),
				WithStore(store),
				WithPolicies(cache.Policy{Method: "Version", KeyTemplate: "version", TTL: tt.ttl}),
			)
			require.NoError(t, err)

			_, err = p.Invoke(context.Background(), "Version")
			require.NoError(t, err)

			writes := store.Writes()
			require.Len(t, writes, 1)
			assert.Equal(t, tt.wantKind, writes[0].Kind)
			assert.Equal(t, tt.ttl, writes[0].TTL)
			assert.Equal(t, "v1", writes[0].Value)
		})
	}
}

func TestProxy_RememberPathTTL(t *testing.T) {
	svc := newUserService()
	store := testsupport.NewRememberingStore(testsupport.NewRecordingStore())
	p := newTestProxy(t, svc, store)
	ctx := context.Background()

	_, err := p.Invoke(ctx, "FindByID", 1)
	require.NoError(t, err)
	_, err = p.Invoke(ctx, "FindByID", 1)
	require.NoError(t, err)

	assert.Equal(t, 1, svc.count("FindByID"))
	assert.Equal(t, 2, store.Remembers())
	writes := store.Writes()
	require.Len(t, writes, 1)
	assert.Equal(t, testsupport.OpPut, writes[0].Kind)
	assert.Equal(t, time.Minute, writes[0].TTL)
	assert.Equal(t, []string{"users"}, writes[0].Tags)
}

func TestProxy_UnsupportedValueWritesNothing(t *testing.T) {
	for _, remember := range []bool{false, true} {
		svc := newUserService()
		recording := testsupport.NewRecordingStore()
		var store cache.Store = recording
		if remember {
			store = testsupport.NewRememberingStore(recording)
		}
		p := newTestProxy(t, svc, store)

		_, err := p.Invoke(context.Background(), "Open")
		require.ErrorIs(t, err, cache.ErrUnsupportedValue)
		assert.Empty(t, recording.Writes())

		var ce *cache.Error
		require.ErrorAs(t, err, &ce)
		assert.Equal(t, "Open", ce.Method)
		assert.Equal(t, "callcache:open", ce.Key)
	}
}

func TestProxy_UnknownMethods(t *testing.T) {
	svc := newUserService()
	p := newTestProxy(t, svc, testsupport.NewRecordingStore())
	ctx := context.Background()

	_, err := p.Invoke(ctx, "doesNotExist")
	assert.ErrorIs(t, err, cache.ErrNoSuchMethod)
	assert.NotErrorIs(t, err, cache.ErrUnknownCachedMethod)

	_, err = p.Invoke(ctx, "Version")
	assert.ErrorIs(t, err, cache.ErrUnknownCachedMethod)
	assert.NotErrorIs(t, err, cache.ErrNoSuchMethod)
	assert.Equal(t, 0, svc.count("Version"))
}

func TestProxy_PolicyForMissingMethod(t *testing.T) {
	ghost := cache.Policy{Method: "Ghost", KeyTemplate: "ghost:%d", Pattern: cache.PatternTree}
	stores := map[string][]Option{
		"default store":   nil,
		"recording store": {WithStore(testsupport.NewRecordingStore())},
		"remember store":  {WithStore(testsupport.NewRememberingStore(testsupport.NewRecordingStore()))},
	}

	for name, opts := range stores {
		t.Run(name, func(t *testing.T) {
			svc := newUserService()
			p, err := New(svc, svc.methods(), append(opts, WithPolicies(ghost))...)
			require.NoError(t, err)

			_, err = p.Invoke(context.Background(), "Ghost", 1)
			assert.ErrorIs(t, err, cache.ErrNoSuchMethod)
			assert.NotErrorIs(t, err, cache.ErrUnknownCachedMethod)

			_, err = p.Registry().Resolve("Ghost")
			assert.ErrorIs(t, err, cache.ErrNoSuchMethod)
		})
	}
}

type shape struct {
	N int
}

// shapeService declares results as any so the cache cannot lean on the
// declared type when decoding.
type shapeService struct {
	calls atomic.Int32
}

func (s *shapeService) Value(_ context.Context, n int) (any, error) {
	s.calls.Add(1)
	return shape{N: n}, nil
}

func (s *shapeService) Pointer(_ context.Context, n int) (any, error) {
	s.calls.Add(1)
	return &shape{N: n}, nil
}

func TestProxy_AnyResultKeepsShapeOnHit(t *testing.T) {
	for _, pattern := range []cache.Pattern{cache.PatternTree, cache.PatternTabular, cache.PatternMsgpack} {
		t.Run(string(pattern), func(t *testing.T) {
			svc := &shapeService{}
			p, err := New(svc, Methods{
				"Value":   Func1(svc.Value),
				"Pointer": Func1(svc.Pointer),
			},
				WithStore(testsupport.NewRecordingStore()),
				WithPolicies(
					cache.Policy{Method: "Value", KeyTemplate: "value:%d", Pattern: pattern},
					cache.Policy{Method: "Pointer", KeyTemplate: "pointer:%d", Pattern: pattern},
				),
			)
			require.NoError(t, err)
			ctx := context.Background()

			for _, method := range []string{"Value", "Pointer"} {
				miss, err := p.Invoke(ctx, method, 1)
				require.NoError(t, err)
				hit, err := p.Invoke(ctx, method, 1)
				require.NoError(t, err)

				assert.IsType(t, miss, hit, method)
				assert.Equal(t, miss, hit, method)
			}
			assert.Equal(t, int32(2), svc.calls.Load())
		})
	}
}

func TestProxy_MethodErrorsAreNotCached(t *testing.T) {
	boom := errors.New("database down")
	for _, remember := range []bool{false, true} {
		svc := newUserService()
		svc.fail = boom
		recording := testsupport.NewRecordingStore()
		var store cache.Store = recording
		if remember {
			store = testsupport.NewRememberingStore(recording)
		}
		p := newTestProxy(t, svc, store)
		ctx := context.Background()

		for i := 0; i < 2; i++ {
			_, err := p.Invoke(ctx, "FindByID", 1)
			assert.ErrorIs(t, err, boom)
		}
		assert.Equal(t, 2, svc.count("FindByID"))
		assert.Empty(t, recording.Writes())
	}
}

func TestProxy_KeyPaddingAndPrefix(t *testing.T) {
	svc := newUserService()
	store := testsupport.NewRecordingStore()
	opts := codec.DefaultOptions()
	opts.Prefixes = map[cache.Pattern]string{cache.PatternTabular: "toon:"}

	p := newTestProxy(t, svc, store, WithFactories(codec.DefaultFactories(opts)), WithNamespace("app:"))
	_, err := p.Invoke(context.Background(), "Search", "ada")
	require.Error(t, err, "Search needs its page argument")

	_, err = p.Invoke(context.Background(), "Search", "ada", 2, "ignored")
	require.NoError(t, err)
	assert.Equal(t, []string{"toon:app:search:ada:2"}, store.Keys())
}

func TestProxy_KeyGenerationError(t *testing.T) {
	svc := newUserService()
	p, err := New(svc, svc.methods(),
		WithStore(testsupport.NewRecordingStore()),
		WithPolicies(cache.Policy{Method: "FindByID", KeyTemplate: "user:%t"}),
	)
	require.NoError(t, err)

	_, err = p.Invoke(context.Background(), "FindByID", 1)
	assert.ErrorIs(t, err, cache.ErrKeyGeneration)
	assert.Equal(t, 0, svc.count("FindByID"))
}

func TestProxy_UnconfiguredPattern(t *testing.T) {
	svc := newUserService()
	factories := codec.DefaultFactories(codec.DefaultOptions())
	delete(factories, cache.PatternTabular)

	p := newTestProxy(t, svc, testsupport.NewRecordingStore(), WithFactories(factories))
	_, err := p.Invoke(context.Background(), "Search", "ada", 1)
	assert.ErrorIs(t, err, cache.ErrUnconfiguredPattern)
	assert.Equal(t, 0, svc.count("Search"))
}

func TestProxy_CorruptEntryFailsDecoding(t *testing.T) {
	svc := newUserService()
	store := testsupport.NewRecordingStore()
	p := newTestProxy(t, svc, store)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "callcache:user:5", `{"broken"`, time.Minute))

	_, err := p.Invoke(ctx, "FindByID", 5)
	assert.ErrorIs(t, err, cache.ErrDecoding)
	assert.Equal(t, 0, svc.count("FindByID"))
}

func TestProxy_StoreFailurePropagates(t *testing.T) {
	svc := newUserService()
	store := testsupport.NewRecordingStore()
	store.FailGet = errors.New("connection reset")
	p := newTestProxy(t, svc, store)

	_, err := p.Invoke(context.Background(), "FindByID", 1)
	assert.ErrorIs(t, err, store.FailGet)
	assert.Equal(t, 0, svc.count("FindByID"))
}

func TestProxy_TagsFromPolicyAndContext(t *testing.T) {
	svc := newUserService()
	store := testsupport.NewRecordingStore()
	p := newTestProxy(t, svc, store)

	ctx := WithCacheTags(context.Background(), "tenant:1", "users")
	_, err := p.Invoke(ctx, "FindByID", 1)
	require.NoError(t, err)

	writes := store.Writes()
	require.Len(t, writes, 1)
	assert.Equal(t, []string{"users", "tenant:1"}, writes[0].Tags)

	require.NoError(t, p.FlushTags(ctx, "", "tenant:1"))
	assert.Empty(t, store.Keys())
}

func TestProxy_Forget(t *testing.T) {
	svc := newUserService()
	store := testsupport.NewRecordingStore()
	p := newTestProxy(t, svc, store)
	ctx := context.Background()

	_, err := p.Invoke(ctx, "FindByID", 1)
	require.NoError(t, err)
	require.NoError(t, p.Forget(ctx, "FindByID", 1))
	_, err = p.Invoke(ctx, "FindByID", 1)
	require.NoError(t, err)

	assert.Equal(t, 2, svc.count("FindByID"))
}

func TestProxy_DriverSelection(t *testing.T) {
	svc := newUserService()
	primary := testsupport.NewRecordingStore()
	reports := testsupport.NewRecordingStore()
	resolver := cacheinfra.NewResolver("primary")
	resolver.Register("primary", primary)
	resolver.Register("reports", reports)

	p, err := New(svc, svc.methods(),
		WithStores(resolver),
		WithPolicies(
			cache.Policy{Method: "FindByID", KeyTemplate: "user:%d"},
			cache.Policy{Method: "Version", KeyTemplate: "version", Driver: "reports"},
			cache.Policy{Method: "Search", KeyTemplate: "s", Driver: "archive"},
		),
	)
	require.NoError(t, err)
	ctx := context.Background()

	_, err = p.Invoke(ctx, "FindByID", 1)
	require.NoError(t, err)
	_, err = p.Invoke(ctx, "Version")
	require.NoError(t, err)
	_, err = p.Invoke(ctx, "Search", "x", 1)
	assert.ErrorIs(t, err, cache.ErrUnknownDriver)

	assert.Equal(t, []string{"callcache:user:1"}, primary.Keys())
	assert.Equal(t, []string{"callcache:version"}, reports.Keys())
}

func TestProxy_ConcurrentCallsWithMemoryStore(t *testing.T) {
	store, err := cacheinfra.NewMemoryStore(cache.DefaultMemoryConfig())
	require.NoError(t, err)

	var calls atomic.Int32
	release := make(chan struct{})
	slow := func(ctx context.Context, id int) (int, error) {
		calls.Add(1)
		<-release
		return id * 2, nil
	}
	p, err := New(struct{}{}, Methods{"Slow": Func1(slow)},
		WithStore(store),
		WithPolicies(cache.Policy{Method: "Slow", KeyTemplate: "slow:%d", Pattern: cache.PatternTree}),
	)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := Call[int](context.Background(), p, "Slow", 21)
			assert.NoError(t, err)
			assert.Equal(t, 42, v)
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
}

func TestProxy_DefaultStoreAndTypeNamespace(t *testing.T) {
	svc := newUserService()
	p, err := New(svc, svc.methods(), WithPolicies(basePolicies()...), WithTypeNamespace())
	require.NoError(t, err)
	assert.Equal(t, "user_service:", p.Namespace())

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		got, err := Call[*user](ctx, p, "FindByID", 3)
		require.NoError(t, err)
		assert.Equal(t, 3, got.ID)
	}
	assert.Equal(t, 1, svc.count("FindByID"))
}

func TestNew_RejectsInvalidInput(t *testing.T) {
	_, err := New(nil, nil)
	assert.ErrorIs(t, err, cache.ErrInvalidArgument)

	svc := newUserService()
	_, err = New(svc, svc.methods(), WithStore(testsupport.NewRecordingStore()),
		WithPolicies(cache.Policy{Method: "FindByID", TTL: -time.Second}))
	assert.ErrorIs(t, err, cache.ErrInvalidArgument)
}

func TestCall_ConvertsResult(t *testing.T) {
	p, err := New(struct{}{}, Methods{
		"Answer": {Fn: func(context.Context, ...any) (any, error) { return int64(42), nil }},
	}, WithStore(testsupport.NewRecordingStore()), WithPolicies(cache.Policy{Method: "Answer", KeyTemplate: "answer"}))
	require.NoError(t, err)

	got, err := Call[int](context.Background(), p, "Answer")
	require.NoError(t, err)
	assert.Equal(t, 42, got)

	_, err = Call[string](context.Background(), p, "Answer")
	assert.ErrorIs(t, err, cache.ErrDecoding)
}

func TestIsNull(t *testing.T) {
	var nilUser *user
	var nilMap map[string]int
	var nilSlice []int

	assert.True(t, isNull(nil))
	assert.True(t, isNull(nilUser))
	assert.True(t, isNull(nilMap))
	assert.True(t, isNull(nilSlice))
	assert.False(t, isNull(0))
	assert.False(t, isNull(""))
	assert.False(t, isNull([]int{}))
	assert.False(t, isNull(&user{}))
}
