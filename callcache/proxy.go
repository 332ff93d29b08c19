package callcache

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync/atomic"
	"time"

	"github.com/goliatone/go-call-cache/cache"
	"github.com/goliatone/go-call-cache/codec"
	"github.com/goliatone/go-call-cache/internal/cacheinfra"
	"github.com/puzpuzpuz/xsync/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// DefaultNamespace prefixes every key rendered by a proxy without an
// explicit namespace.
const DefaultNamespace = "callcache:"

const instrumentationName = "github.com/goliatone/go-call-cache/callcache"

// errSkipStore aborts a Remember call for a null result that must not be
// cached.
var errSkipStore = errors.New("callcache: skip store")

// Proxy intercepts named calls on a target and serves them from a backing
// store according to each method's caching policy.
//
// A Proxy is safe for concurrent use. Its registry and codec cache are
// filled on first use with insert-if-absent semantics.
type Proxy struct {
	target    any
	methods   Methods
	registry  *Registry
	factories codec.Factories
	codecs    *xsync.MapOf[cache.Pattern, codec.Codec]
	keys      cache.KeyGenerator
	stores    cache.StoreResolver
	logger    *zap.Logger
	metrics   *Metrics
	tracer    trace.Tracer

	namespace     string
	typeNamespace bool
	sources       []IntentSource
	policies      []cache.Policy
}

// Option configures a Proxy.
type Option func(*Proxy)

// WithNamespace sets the key namespace.
func WithNamespace(namespace string) Option {
	return func(p *Proxy) {
		p.namespace = namespace
		p.typeNamespace = false
	}
}

// WithTypeNamespace derives the namespace from the target type name, e.g.
// "user_repository:" for *UserRepository.
func WithTypeNamespace() Option {
	return func(p *Proxy) {
		p.typeNamespace = true
	}
}

// WithKeyGenerator replaces the template key generator. The namespace
// options are ignored when it is set.
func WithKeyGenerator(keys cache.KeyGenerator) Option {
	return func(p *Proxy) {
		p.keys = keys
	}
}

// WithStores selects stores through resolver.
func WithStores(resolver cache.StoreResolver) Option {
	return func(p *Proxy) {
		p.stores = resolver
	}
}

// WithStore uses store for every driver name.
func WithStore(store cache.Store) Option {
	return func(p *Proxy) {
		p.stores = cache.SingleStore(store)
	}
}

// WithFactories sets the codec factories. Patterns missing from factories
// fail with cache.ErrUnconfiguredPattern.
func WithFactories(factories codec.Factories) Option {
	return func(p *Proxy) {
		p.factories = factories
	}
}

// WithIntentSources appends policy discovery sources consulted after the
// target itself.
func WithIntentSources(sources ...IntentSource) Option {
	return func(p *Proxy) {
		p.sources = append(p.sources, sources...)
	}
}

// WithPolicies registers policies up front.
func WithPolicies(policies ...cache.Policy) Option {
	return func(p *Proxy) {
		p.policies = append(p.policies, policies...)
	}
}

// WithLogger sets the logger. Calls are logged at debug level.
func WithLogger(logger *zap.Logger) Option {
	return func(p *Proxy) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithMetrics records call metrics.
func WithMetrics(metrics *Metrics) Option {
	return func(p *Proxy) {
		p.metrics = metrics
	}
}

// WithTracerProvider sets the provider of the per call spans.
func WithTracerProvider(provider trace.TracerProvider) Option {
	return func(p *Proxy) {
		if provider != nil {
			p.tracer = provider.Tracer(instrumentationName)
		}
	}
}

// New creates a proxy for target. A nil methods table is built with
// ReflectMethods. Without WithStore or WithStores the proxy owns an
// in-process memory store.
func New(target any, methods Methods, opts ...Option) (*Proxy, error) {
	if target == nil {
		return nil, cache.NewError(cache.ErrInvalidArgument, "new proxy", "target is nil", nil)
	}
	if methods == nil {
		methods = ReflectMethods(target)
	}

	p := &Proxy{
		target:    target,
		methods:   methods,
		codecs:    xsync.NewMapOf[cache.Pattern, codec.Codec](),
		logger:    zap.NewNop(),
		tracer:    otel.Tracer(instrumentationName),
		namespace: DefaultNamespace,
	}
	for _, opt := range opts {
		opt(p)
	}

	if p.factories == nil {
		p.factories = codec.DefaultFactories(codec.DefaultOptions())
	}
	if p.stores == nil {
		store, err := cacheinfra.NewMemoryStore(cache.DefaultMemoryConfig())
		if err != nil {
			return nil, err
		}
		p.stores = cache.SingleStore(store)
	}
	if p.typeNamespace {
		p.namespace = typeNamespace(target)
	}
	if p.keys == nil {
		p.keys = cache.NewKeyGenerator(p.namespace)
	}
	p.logger = p.logger.With(zap.String("component", "callcache"))

	p.registry = NewRegistry(target, methods, p.sources...)
	for _, policy := range p.policies {
		if err := p.registry.Register(policy); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// Target returns the proxied object.
func (p *Proxy) Target() any {
	return p.target
}

// Namespace returns the key namespace.
func (p *Proxy) Namespace() string {
	return p.namespace
}

// Registry returns the policy registry of the proxy.
func (p *Proxy) Registry() *Registry {
	return p.registry
}

// call is the resolved state of one proxied call.
type call struct {
	method Method
	policy cache.Policy
	codec  codec.Codec
	key    string
	store  cache.Store
}

// prepare resolves policy, codec, key and store for method.
func (p *Proxy) prepare(ctx context.Context, name string, args []any) (*call, error) {
	policy, err := p.registry.Resolve(name)
	if err != nil {
		return nil, err
	}
	method, ok := p.methods.Lookup(name)
	if !ok {
		return nil, &cache.Error{Kind: cache.ErrNoSuchMethod, Op: "invoke", Method: name}
	}

	c, err := p.codec(policy.Pattern)
	if err != nil {
		return nil, annotate(err, name, "")
	}

	rendered, err := p.keys.Render(policy, args...)
	if err != nil {
		return nil, annotate(err, name, "")
	}
	key := c.Prefix() + rendered

	store, err := p.stores.Store(policy.Driver)
	if err != nil {
		return nil, annotate(err, name, key)
	}
	if tags := cache.DedupeStrings(append(policy.Tags, cacheTagsFromContext(ctx)...)); len(tags) > 0 {
		if taggable, ok := store.(cache.TaggableStore); ok {
			store = taggable.Tags(tags...)
		} else {
			p.logger.Debug("store does not support tags",
				zap.String("method", name),
				zap.String("driver", policy.Driver),
				zap.Strings("tags", tags),
			)
		}
	}

	return &call{method: method, policy: policy, codec: c, key: key, store: store}, nil
}

// codec returns the codec of pattern, building it on first use.
func (p *Proxy) codec(pattern cache.Pattern) (codec.Codec, error) {
	var buildErr error
	c, _ := p.codecs.LoadOrTryCompute(pattern, func() (codec.Codec, bool) {
		built, err := p.factories.New(pattern)
		if err != nil {
			buildErr = err
			return nil, true
		}
		return built, false
	})
	if buildErr != nil {
		return nil, buildErr
	}
	if c == nil {
		return nil, cache.NewError(cache.ErrUnconfiguredPattern, "codec", string(pattern), nil)
	}
	return c, nil
}

// Invoke calls method through the cache. On a hit the stored value is
// decoded into the declared result type of the method. On a miss the
// method runs and its result is stored unless it is null and the policy
// does not cache null values. Method errors are returned unchanged and are
// never cached.
func (p *Proxy) Invoke(ctx context.Context, method string, args ...any) (result any, err error) {
	if ctx == nil {
		ctx = context.Background()
	}
	start := time.Now()
	ctx, span := p.tracer.Start(ctx, "callcache.Invoke",
		trace.WithAttributes(attribute.String("callcache.method", method)),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	pattern := ""
	hit := false
	defer func() {
		span.SetAttributes(attribute.Bool("callcache.hit", hit))
		label := method
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
			span.RecordError(err)
			if errors.Is(err, cache.ErrNoSuchMethod) {
				label = UnknownMethodLabel
			}
			p.metrics.lookup(label, pattern, LookupError)
		} else {
			span.SetStatus(codes.Ok, "")
			outcome := LookupMiss
			if hit {
				outcome = LookupHit
			}
			p.metrics.lookup(label, pattern, outcome)
		}
		p.metrics.observe(label, time.Since(start))
		span.End()
	}()

	c, err := p.prepare(ctx, method, args)
	if err != nil {
		return nil, err
	}
	pattern = string(c.policy.Pattern)
	span.SetAttributes(
		attribute.String("callcache.key", c.key),
		attribute.String("callcache.pattern", pattern),
	)

	if r, ok := c.store.(cache.Rememberer); ok {
		result, hit, err = p.remember(ctx, c, r, args)
	} else {
		result, hit, err = p.lookupOrCompute(ctx, c, args)
	}
	return result, err
}

// invocation holds the result of the method when this call computed it.
type invocation struct {
	result any
}

// remember collapses lookup, invocation and write into one store call.
func (p *Proxy) remember(ctx context.Context, c *call, r cache.Rememberer, args []any) (any, bool, error) {
	var computed atomic.Pointer[invocation]
	var methodErr atomic.Bool

	stored, err := r.Remember(ctx, c.key, c.policy.TTL, func(ctx context.Context) (any, error) {
		result, err := c.method.Fn(ctx, args...)
		if err != nil {
			methodErr.Store(true)
			return nil, err
		}
		computed.CompareAndSwap(nil, &invocation{result: result})
		if isNull(result) && !c.policy.CacheNullValue {
			return nil, errSkipStore
		}
		encoded, err := c.codec.Encode(result)
		if err != nil {
			p.metrics.store(c.policy.Method, StoreError)
			return nil, annotate(err, c.policy.Method, c.key)
		}
		return encoded, nil
	})

	inv := computed.Load()
	switch {
	case errors.Is(err, errSkipStore):
		p.metrics.store(c.policy.Method, StoreSkipped)
		p.log("skip null", c)
		if inv != nil {
			return inv.result, false, nil
		}
		return zeroOf(c.method.Out), false, nil
	case err != nil:
		if methodErr.Load() {
			return nil, false, err
		}
		return nil, false, annotate(err, c.policy.Method, c.key)
	case inv != nil:
		p.metrics.store(c.policy.Method, StoreStored)
		p.log("miss", c)
		return inv.result, false, nil
	}

	value, err := p.decode(c, stored)
	if err != nil {
		return nil, false, err
	}
	p.log("hit", c)
	return value, true, nil
}

// lookupOrCompute runs the lookup, invocation and write steps one by one.
// Concurrent misses on one key may both invoke the method; the last write
// wins.
func (p *Proxy) lookupOrCompute(ctx context.Context, c *call, args []any) (any, bool, error) {
	stored, ok, err := c.store.Get(ctx, c.key)
	if err != nil {
		return nil, false, annotate(fmt.Errorf("get: %w", err), c.policy.Method, c.key)
	}
	if ok {
		value, err := p.decode(c, stored)
		if err != nil {
			return nil, false, err
		}
		p.log("hit", c)
		return value, true, nil
	}

	result, err := c.method.Fn(ctx, args...)
	if err != nil {
		return nil, false, err
	}
	if isNull(result) && !c.policy.CacheNullValue {
		p.metrics.store(c.policy.Method, StoreSkipped)
		p.log("skip null", c)
		return result, false, nil
	}

	encoded, err := c.codec.Encode(result)
	if err != nil {
		p.metrics.store(c.policy.Method, StoreError)
		return nil, false, annotate(err, c.policy.Method, c.key)
	}
	if c.policy.Forever() {
		err = c.store.Forever(ctx, c.key, encoded)
	} else {
		err = c.store.Put(ctx, c.key, encoded, c.policy.TTL)
	}
	if err != nil {
		p.metrics.store(c.policy.Method, StoreError)
		return nil, false, annotate(fmt.Errorf("put: %w", err), c.policy.Method, c.key)
	}
	p.metrics.store(c.policy.Method, StoreStored)
	p.log("miss", c)
	return result, false, nil
}

func (p *Proxy) decode(c *call, stored any) (any, error) {
	value, err := c.codec.Decode(stored, c.method.Out)
	if err != nil {
		return nil, annotate(err, c.policy.Method, c.key)
	}
	return value, nil
}

func (p *Proxy) log(msg string, c *call) {
	p.logger.Debug(msg,
		zap.String("method", c.policy.Method),
		zap.String("key", c.key),
		zap.String("pattern", string(c.policy.Pattern)),
		zap.String("driver", c.policy.Driver),
	)
}

// Forget removes the entry a call with args would read.
func (p *Proxy) Forget(ctx context.Context, method string, args ...any) error {
	if ctx == nil {
		ctx = context.Background()
	}
	c, err := p.prepare(ctx, method, args)
	if err != nil {
		return err
	}
	if err := c.store.Delete(ctx, c.key); err != nil {
		return annotate(fmt.Errorf("delete: %w", err), method, c.key)
	}
	p.log("forget", c)
	return nil
}

// FlushTags removes every entry written under tags in the store of driver.
func (p *Proxy) FlushTags(ctx context.Context, driver string, tags ...string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	store, err := p.stores.Store(driver)
	if err != nil {
		return err
	}
	taggable, ok := store.(cache.TaggableStore)
	if !ok {
		return cache.NewError(cache.ErrInvalidArgument, "flush tags",
			fmt.Sprintf("store %q does not support tags", driver), nil)
	}
	return taggable.FlushTags(ctx, tags...)
}

// Call invokes method and returns its result as T.
func Call[T any](ctx context.Context, p *Proxy, method string, args ...any) (T, error) {
	var zero T
	v, err := p.Invoke(ctx, method, args...)
	if err != nil || v == nil {
		return zero, err
	}
	if out, ok := v.(T); ok {
		return out, nil
	}
	converted, err := codec.Convert(v, reflect.TypeFor[T]())
	if err != nil {
		return zero, &cache.Error{Kind: cache.ErrDecoding, Op: "call", Method: method, Err: err}
	}
	if converted == nil {
		return zero, nil
	}
	return converted.(T), nil
}

// isNull reports whether v is nil or a nil pointer, map, slice, interface,
// func or chan.
func isNull(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Ptr, reflect.Map, reflect.Slice, reflect.Interface, reflect.Func, reflect.Chan:
		return rv.IsNil()
	}
	return false
}

func zeroOf(t reflect.Type) any {
	if t == nil {
		return nil
	}
	return reflect.Zero(t).Interface()
}

// annotate fills in the method and key of a cache error. Other errors,
// such as store failures, are wrapped with the same context.
func annotate(err error, method, key string) error {
	var ce *cache.Error
	if errors.As(err, &ce) && err == error(ce) {
		out := *ce
		if out.Method == "" {
			out.Method = method
		}
		if out.Key == "" {
			out.Key = key
		}
		return &out
	}
	return fmt.Errorf("callcache: %s [%s]: %w", method, key, err)
}

// typeNamespace derives a key namespace from the dynamic type of target.
func typeNamespace(target any) string {
	t := reflect.TypeOf(target)
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	name := toSnake(t.Name())
	if name == "" {
		return DefaultNamespace
	}
	return name + ":"
}
