package repositorycache

import (
	"context"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/goliatone/go-call-cache/cache"
	"github.com/goliatone/go-call-cache/callcache"
	goerrors "github.com/goliatone/go-errors"
	repository "github.com/goliatone/go-repository-bun"
	"github.com/uptrace/bun"
	"go.uber.org/zap"
)

// Interface assertion to ensure CachedRepository implements Repository[T]
var _ repository.Repository[any] = (*CachedRepository[any])(nil)

// Names of the cached read operations.
const (
	MethodGet             = "Get"
	MethodGetByID         = "GetByID"
	MethodGetByIdentifier = "GetByIdentifier"
	MethodList            = "List"
	MethodCount           = "Count"
)

// listResult wraps the tuple result from List operations for caching
type listResult[T any] struct {
	Records []T `json:"records"`
	Total   int `json:"total"`
}

// InvalidationHandler receives errors raised while flushing cached reads
// after a successful write. The write result is returned unchanged.
type InvalidationHandler func(ctx context.Context, err error)

// CachedRepository decorates a base repository with caching functionality.
// Reads are served through a call cache proxy; writes pass through and flush
// the tags of the reads they affect.
type CachedRepository[T any] struct {
	base         repository.Repository[T]
	proxy        *callcache.Proxy
	namespace    string
	driver       string
	logger       *zap.Logger
	onInvalidate InvalidationHandler
}

type settings struct {
	namespace    string
	ttl          time.Duration
	pattern      cache.Pattern
	driver       string
	logger       *zap.Logger
	onInvalidate InvalidationHandler
	proxyOpts    []callcache.Option
}

// Option configures a CachedRepository.
type Option func(*settings)

// WithNamespace sets the key and tag namespace. It defaults to the lower
// cased model name, e.g. "user:".
func WithNamespace(namespace string) Option {
	return func(s *settings) {
		s.namespace = namespace
	}
}

// WithTTL sets the TTL of cached reads. Zero keeps them until invalidated.
func WithTTL(ttl time.Duration) Option {
	return func(s *settings) {
		s.ttl = ttl
	}
}

// WithPattern selects the codec of cached reads. It defaults to
// cache.PatternTree.
func WithPattern(pattern cache.Pattern) Option {
	return func(s *settings) {
		s.pattern = pattern
	}
}

// WithDriver selects the store driver of cached reads.
func WithDriver(driver string) Option {
	return func(s *settings) {
		s.driver = driver
	}
}

// WithLogger sets the logger used for the repository and its proxy.
func WithLogger(logger *zap.Logger) Option {
	return func(s *settings) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithInvalidationHandler replaces the default handler, which logs a warning.
func WithInvalidationHandler(fn InvalidationHandler) Option {
	return func(s *settings) {
		s.onInvalidate = fn
	}
}

// WithProxyOptions passes options to the underlying proxy, e.g. its store.
func WithProxyOptions(opts ...callcache.Option) Option {
	return func(s *settings) {
		s.proxyOpts = append(s.proxyOpts, opts...)
	}
}

// New creates a new CachedRepository that wraps the base repository with caching
func New[T any](base repository.Repository[T], opts ...Option) (*CachedRepository[T], error) {
	if base == nil {
		return nil, cache.NewError(cache.ErrInvalidArgument, "new repository", "base repository is nil", nil)
	}

	s := &settings{
		namespace: modelNamespace[T](),
		ttl:       5 * time.Minute,
		pattern:   cache.PatternTree,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}

	c := &CachedRepository[T]{
		base:         base,
		namespace:    s.namespace,
		driver:       s.driver,
		logger:       s.logger.With(zap.String("repository", strings.TrimSuffix(s.namespace, ":"))),
		onInvalidate: s.onInvalidate,
	}
	if c.onInvalidate == nil {
		c.onInvalidate = func(_ context.Context, err error) {
			c.logger.Warn("cache invalidation failed", zap.Error(err))
		}
	}

	proxyOpts := append([]callcache.Option{
		callcache.WithNamespace(s.namespace),
		callcache.WithLogger(s.logger),
		callcache.WithPolicies(c.policies(s)...),
	}, s.proxyOpts...)

	proxy, err := callcache.New(base, c.methods(), proxyOpts...)
	if err != nil {
		return nil, err
	}
	c.proxy = proxy
	return c, nil
}

// Proxy returns the call cache proxy serving the cached reads.
func (c *CachedRepository[T]) Proxy() *callcache.Proxy {
	return c.proxy
}

func (c *CachedRepository[T]) policies(s *settings) []cache.Policy {
	policy := func(method, key string, tags ...string) cache.Policy {
		return cache.Policy{
			Method:      method,
			KeyTemplate: key,
			TTL:         s.ttl,
			Pattern:     s.pattern,
			Driver:      s.driver,
			Tags:        append([]string{c.tag("records")}, tags...),
		}
	}
	return []cache.Policy{
		policy(MethodGet, "get:%s", c.tag("queries")),
		policy(MethodGetByID, "get_by_id:%s:%s"),
		policy(MethodGetByIdentifier, "get_by_identifier:%s:%s"),
		policy(MethodList, "list:%s", c.tag("queries")),
		policy(MethodCount, "count:%s", c.tag("queries")),
	}
}

// methods dispatches the cached reads. Arguments are the key arguments of
// the policy followed by the criteria slice.
func (c *CachedRepository[T]) methods() callcache.Methods {
	record := reflect.TypeFor[T]()
	return callcache.Methods{
		MethodGet: {Out: record, Fn: func(ctx context.Context, args ...any) (any, error) {
			return c.base.Get(ctx, criteriaAt(args, 1)...)
		}},
		MethodGetByID: {Out: record, Fn: func(ctx context.Context, args ...any) (any, error) {
			return c.base.GetByID(ctx, stringAt(args, 0), criteriaAt(args, 2)...)
		}},
		MethodGetByIdentifier: {Out: record, Fn: func(ctx context.Context, args ...any) (any, error) {
			return c.base.GetByIdentifier(ctx, stringAt(args, 0), criteriaAt(args, 2)...)
		}},
		MethodList: {Out: reflect.TypeFor[listResult[T]](), Fn: func(ctx context.Context, args ...any) (any, error) {
			records, total, err := c.base.List(ctx, criteriaAt(args, 1)...)
			if err != nil {
				return nil, err
			}
			return listResult[T]{Records: records, Total: total}, nil
		}},
		MethodCount: {Out: reflect.TypeFor[int](), Fn: func(ctx context.Context, args ...any) (any, error) {
			return c.base.Count(ctx, criteriaAt(args, 1)...)
		}},
	}
}

func stringAt(args []any, i int) string {
	if i < len(args) {
		s, _ := args[i].(string)
		return s
	}
	return ""
}

func criteriaAt(args []any, i int) []repository.SelectCriteria {
	if i < len(args) {
		criteria, _ := args[i].([]repository.SelectCriteria)
		return criteria
	}
	return nil
}

// cacheable reports whether a read with criteria can be keyed. Criteria are
// closures, so they need a query key from the context.
func (c *CachedRepository[T]) cacheable(ctx context.Context, method string, criteria []repository.SelectCriteria) (string, bool) {
	key := queryKeyFromContext(ctx)
	if len(criteria) > 0 && key == "" {
		c.logger.Debug("read with criteria bypasses cache", zap.String("method", method))
		return "", false
	}
	return key, true
}

// Get retrieves a single record using the provided criteria, with caching
func (c *CachedRepository[T]) Get(ctx context.Context, criteria ...repository.SelectCriteria) (T, error) {
	key, ok := c.cacheable(ctx, MethodGet, criteria)
	if !ok {
		return c.base.Get(ctx, criteria...)
	}
	return callcache.Call[T](ctx, c.proxy, MethodGet, key, criteria)
}

// GetByID retrieves a record by ID with optional criteria, with caching
func (c *CachedRepository[T]) GetByID(ctx context.Context, id string, criteria ...repository.SelectCriteria) (T, error) {
	key, ok := c.cacheable(ctx, MethodGetByID, criteria)
	if !ok {
		return c.base.GetByID(ctx, id, criteria...)
	}
	ctx = callcache.WithCacheTags(ctx, c.tag("id:"+id))
	return callcache.Call[T](ctx, c.proxy, MethodGetByID, id, key, criteria)
}

// List retrieves multiple records using the provided criteria, with caching
func (c *CachedRepository[T]) List(ctx context.Context, criteria ...repository.SelectCriteria) ([]T, int, error) {
	key, ok := c.cacheable(ctx, MethodList, criteria)
	if !ok {
		return c.base.List(ctx, criteria...)
	}
	res, err := callcache.Call[listResult[T]](ctx, c.proxy, MethodList, key, criteria)
	if err != nil {
		return nil, 0, err
	}
	return res.Records, res.Total, nil
}

// Count returns the number of records matching the criteria, with caching
func (c *CachedRepository[T]) Count(ctx context.Context, criteria ...repository.SelectCriteria) (int, error) {
	key, ok := c.cacheable(ctx, MethodCount, criteria)
	if !ok {
		return c.base.Count(ctx, criteria...)
	}
	return callcache.Call[int](ctx, c.proxy, MethodCount, key, criteria)
}

// GetByIdentifier retrieves a record by identifier with optional criteria, with caching
func (c *CachedRepository[T]) GetByIdentifier(ctx context.Context, identifier string, criteria ...repository.SelectCriteria) (T, error) {
	key, ok := c.cacheable(ctx, MethodGetByIdentifier, criteria)
	if !ok {
		return c.base.GetByIdentifier(ctx, identifier, criteria...)
	}
	ctx = callcache.WithCacheTags(ctx, c.tag("identifier:"+identifier))
	return callcache.Call[T](ctx, c.proxy, MethodGetByIdentifier, identifier, key, criteria)
}

// Create creates a new record. Write operations pass through to base repository
func (c *CachedRepository[T]) Create(ctx context.Context, record T, criteria ...repository.InsertCriteria) (T, error) {
	result, err := c.base.Create(ctx, record, criteria...)
	if err == nil {
		c.invalidateAfterCreate(ctx)
	}
	return result, err
}

// CreateTx creates a new record within a transaction
func (c *CachedRepository[T]) CreateTx(ctx context.Context, tx bun.IDB, record T, criteria ...repository.InsertCriteria) (T, error) {
	result, err := c.base.CreateTx(ctx, tx, record, criteria...)
	if err == nil {
		c.invalidateAfterCreate(ctx)
	}
	return result, err
}

// CreateMany creates multiple records
func (c *CachedRepository[T]) CreateMany(ctx context.Context, records []T, criteria ...repository.InsertCriteria) ([]T, error) {
	result, err := c.base.CreateMany(ctx, records, criteria...)
	if err == nil {
		c.invalidateAfterCreate(ctx)
	}
	return result, err
}

// CreateManyTx creates multiple records within a transaction
func (c *CachedRepository[T]) CreateManyTx(ctx context.Context, tx bun.IDB, records []T, criteria ...repository.InsertCriteria) ([]T, error) {
	result, err := c.base.CreateManyTx(ctx, tx, records, criteria...)
	if err == nil {
		c.invalidateAfterCreate(ctx)
	}
	return result, err
}

// GetOrCreate gets a record or creates it if it doesn't exist
func (c *CachedRepository[T]) GetOrCreate(ctx context.Context, record T) (T, error) {
	result, err := c.base.GetOrCreate(ctx, record)
	if err == nil {
		c.invalidateAfterCreate(ctx)
	}
	return result, err
}

// GetOrCreateTx gets a record or creates it if it doesn't exist within a transaction
func (c *CachedRepository[T]) GetOrCreateTx(ctx context.Context, tx bun.IDB, record T) (T, error) {
	result, err := c.base.GetOrCreateTx(ctx, tx, record)
	if err == nil {
		c.invalidateAfterCreate(ctx)
	}
	return result, err
}

// Update updates a record
func (c *CachedRepository[T]) Update(ctx context.Context, record T, criteria ...repository.UpdateCriteria) (T, error) {
	result, err := c.base.Update(ctx, record, criteria...)
	if err == nil {
		c.invalidateRecords(ctx, result)
	}
	return result, err
}

// UpdateTx updates a record within a transaction
func (c *CachedRepository[T]) UpdateTx(ctx context.Context, tx bun.IDB, record T, criteria ...repository.UpdateCriteria) (T, error) {
	result, err := c.base.UpdateTx(ctx, tx, record, criteria...)
	if err == nil {
		c.invalidateRecords(ctx, result)
	}
	return result, err
}

// UpdateMany updates multiple records
func (c *CachedRepository[T]) UpdateMany(ctx context.Context, records []T, criteria ...repository.UpdateCriteria) ([]T, error) {
	result, err := c.base.UpdateMany(ctx, records, criteria...)
	if err == nil {
		c.invalidateRecords(ctx, result...)
	}
	return result, err
}

// UpdateManyTx updates multiple records within a transaction
func (c *CachedRepository[T]) UpdateManyTx(ctx context.Context, tx bun.IDB, records []T, criteria ...repository.UpdateCriteria) ([]T, error) {
	result, err := c.base.UpdateManyTx(ctx, tx, records, criteria...)
	if err == nil {
		c.invalidateRecords(ctx, result...)
	}
	return result, err
}

// Upsert inserts or updates a record
func (c *CachedRepository[T]) Upsert(ctx context.Context, record T, criteria ...repository.UpdateCriteria) (T, error) {
	result, err := c.base.Upsert(ctx, record, criteria...)
	if err == nil {
		c.invalidateRecords(ctx, result)
	}
	return result, err
}

// UpsertTx inserts or updates a record within a transaction
func (c *CachedRepository[T]) UpsertTx(ctx context.Context, tx bun.IDB, record T, criteria ...repository.UpdateCriteria) (T, error) {
	result, err := c.base.UpsertTx(ctx, tx, record, criteria...)
	if err == nil {
		c.invalidateRecords(ctx, result)
	}
	return result, err
}

// UpsertMany inserts or updates multiple records
func (c *CachedRepository[T]) UpsertMany(ctx context.Context, records []T, criteria ...repository.UpdateCriteria) ([]T, error) {
	result, err := c.base.UpsertMany(ctx, records, criteria...)
	if err == nil {
		c.invalidateRecords(ctx, result...)
	}
	return result, err
}

// UpsertManyTx inserts or updates multiple records within a transaction
func (c *CachedRepository[T]) UpsertManyTx(ctx context.Context, tx bun.IDB, records []T, criteria ...repository.UpdateCriteria) ([]T, error) {
	result, err := c.base.UpsertManyTx(ctx, tx, records, criteria...)
	if err == nil {
		c.invalidateRecords(ctx, result...)
	}
	return result, err
}

// Delete deletes a record
func (c *CachedRepository[T]) Delete(ctx context.Context, record T) error {
	err := c.base.Delete(ctx, record)
	if err == nil {
		c.invalidateRecords(ctx, record)
	}
	return err
}

// DeleteTx deletes a record within a transaction
func (c *CachedRepository[T]) DeleteTx(ctx context.Context, tx bun.IDB, record T) error {
	err := c.base.DeleteTx(ctx, tx, record)
	if err == nil {
		c.invalidateRecords(ctx, record)
	}
	return err
}

// DeleteMany deletes multiple records based on criteria
func (c *CachedRepository[T]) DeleteMany(ctx context.Context, criteria ...repository.DeleteCriteria) error {
	err := c.base.DeleteMany(ctx, criteria...)
	if err == nil {
		c.invalidateAll(ctx)
	}
	return err
}

// DeleteManyTx deletes multiple records based on criteria within a transaction
func (c *CachedRepository[T]) DeleteManyTx(ctx context.Context, tx bun.IDB, criteria ...repository.DeleteCriteria) error {
	err := c.base.DeleteManyTx(ctx, tx, criteria...)
	if err == nil {
		c.invalidateAll(ctx)
	}
	return err
}

// DeleteWhere deletes records based on criteria
func (c *CachedRepository[T]) DeleteWhere(ctx context.Context, criteria ...repository.DeleteCriteria) error {
	err := c.base.DeleteWhere(ctx, criteria...)
	if err == nil {
		c.invalidateAll(ctx)
	}
	return err
}

// DeleteWhereTx deletes records based on criteria within a transaction
func (c *CachedRepository[T]) DeleteWhereTx(ctx context.Context, tx bun.IDB, criteria ...repository.DeleteCriteria) error {
	err := c.base.DeleteWhereTx(ctx, tx, criteria...)
	if err == nil {
		c.invalidateAll(ctx)
	}
	return err
}

// ForceDelete force deletes a record (bypassing soft delete)
func (c *CachedRepository[T]) ForceDelete(ctx context.Context, record T) error {
	err := c.base.ForceDelete(ctx, record)
	if err == nil {
		c.invalidateRecords(ctx, record)
	}
	return err
}

// ForceDeleteTx force deletes a record within a transaction (bypassing soft delete)
func (c *CachedRepository[T]) ForceDeleteTx(ctx context.Context, tx bun.IDB, record T) error {
	err := c.base.ForceDeleteTx(ctx, tx, record)
	if err == nil {
		c.invalidateRecords(ctx, record)
	}
	return err
}

// GetTx retrieves a single record using the provided criteria within a transaction
func (c *CachedRepository[T]) GetTx(ctx context.Context, tx bun.IDB, criteria ...repository.SelectCriteria) (T, error) {
	return c.base.GetTx(ctx, tx, criteria...)
}

// GetByIDTx retrieves a record by ID with optional criteria within a transaction
func (c *CachedRepository[T]) GetByIDTx(ctx context.Context, tx bun.IDB, id string, criteria ...repository.SelectCriteria) (T, error) {
	return c.base.GetByIDTx(ctx, tx, id, criteria...)
}

// ListTx retrieves multiple records using the provided criteria within a transaction
func (c *CachedRepository[T]) ListTx(ctx context.Context, tx bun.IDB, criteria ...repository.SelectCriteria) ([]T, int, error) {
	return c.base.ListTx(ctx, tx, criteria...)
}

// CountTx returns the number of records matching the criteria within a transaction
func (c *CachedRepository[T]) CountTx(ctx context.Context, tx bun.IDB, criteria ...repository.SelectCriteria) (int, error) {
	return c.base.CountTx(ctx, tx, criteria...)
}

// GetByIdentifierTx retrieves a record by identifier with optional criteria within a transaction
func (c *CachedRepository[T]) GetByIdentifierTx(ctx context.Context, tx bun.IDB, identifier string, criteria ...repository.SelectCriteria) (T, error) {
	return c.base.GetByIdentifierTx(ctx, tx, identifier, criteria...)
}

// Raw executes a raw SQL query and returns the results
func (c *CachedRepository[T]) Raw(ctx context.Context, sql string, args ...any) ([]T, error) {
	return c.base.Raw(ctx, sql, args...)
}

// RawTx executes a raw SQL query within a transaction and returns the results
func (c *CachedRepository[T]) RawTx(ctx context.Context, tx bun.IDB, sql string, args ...any) ([]T, error) {
	return c.base.RawTx(ctx, tx, sql, args...)
}

// Handlers returns the model handlers from the base repository
func (c *CachedRepository[T]) Handlers() repository.ModelHandlers[T] {
	return c.base.Handlers()
}

// Invalidate drops every cached read of the repository.
func (c *CachedRepository[T]) Invalidate(ctx context.Context) error {
	return c.flush(ctx, c.tag("records"))
}

func (c *CachedRepository[T]) tag(name string) string {
	return c.namespace + name
}

// invalidateAfterCreate drops query results; new records change lists and
// totals but not cached lookups by ID.
func (c *CachedRepository[T]) invalidateAfterCreate(ctx context.Context) {
	c.report(ctx, c.flush(ctx, c.tag("queries")))
}

// invalidateRecords drops query results and the lookups of records.
func (c *CachedRepository[T]) invalidateRecords(ctx context.Context, records ...T) {
	tags := []string{c.tag("queries")}
	for _, record := range records {
		if id, ok := extractField(record, "ID", "Id", "id"); ok {
			tags = append(tags, c.tag("id:"+id))
		}
		if identifier, ok := extractField(record, "Identifier", "identifier", "Name", "name", "Code", "code"); ok {
			tags = append(tags, c.tag("identifier:"+identifier))
		}
	}
	c.report(ctx, c.flush(ctx, tags...))
}

// invalidateAll handles criteria based writes whose records are unknown.
func (c *CachedRepository[T]) invalidateAll(ctx context.Context) {
	c.report(ctx, c.Invalidate(ctx))
}

func (c *CachedRepository[T]) flush(ctx context.Context, tags ...string) error {
	if err := c.proxy.FlushTags(ctx, c.driver, tags...); err != nil {
		return goerrors.Wrap(err, goerrors.CategoryExternal, "repositorycache: flush tags "+strings.Join(tags, ","))
	}
	return nil
}

func (c *CachedRepository[T]) report(ctx context.Context, err error) {
	if err != nil {
		c.onInvalidate(ctx, err)
	}
}

// extractField reads the first present field of names from a struct or
// struct pointer record.
func extractField(record any, names ...string) (string, bool) {
	v := reflect.ValueOf(record)
	for v.Kind() == reflect.Ptr || v.Kind() == reflect.Interface {
		if v.IsNil() {
			return "", false
		}
		v = v.Elem()
	}
	if v.Kind() != reflect.Struct {
		return "", false
	}

	for _, name := range names {
		field := v.FieldByName(name)
		if field.IsValid() && field.CanInterface() {
			return fmt.Sprintf("%v", field.Interface()), true
		}
	}
	return "", false
}

func modelNamespace[T any]() string {
	t := reflect.TypeFor[T]()
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	name := strings.ToLower(t.Name())
	if name == "" {
		return callcache.DefaultNamespace
	}
	return name + ":"
}

type queryKeyContextKey struct{}

// WithQueryKey names the criteria of reads made with ctx. Reads with
// criteria are only cached under a query key, since criteria closures
// cannot be told apart.
//
//	ctx = repositorycache.WithQueryKey(ctx, "active")
//	users, total, err := cached.List(ctx, activeOnly)
func WithQueryKey(ctx context.Context, key string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, queryKeyContextKey{}, key)
}

func queryKeyFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	key, _ := ctx.Value(queryKeyContextKey{}).(string)
	return key
}
