package repositorycache

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/goliatone/go-call-cache/cache"
	"github.com/goliatone/go-call-cache/callcache"
	"github.com/goliatone/go-call-cache/pkg/testsupport"
	goerrors "github.com/goliatone/go-errors"
	repository "github.com/goliatone/go-repository-bun"
	"github.com/uptrace/bun"
)

// TestUser represents a test entity
type TestUser struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// mockRepository is a comprehensive mock that tracks method calls for testing
type mockRepository[T any] struct {
	mu               sync.Mutex
	calls            []string
	getResult        T
	getError         error
	getByIDResult    T
	getByIDError     error
	listRecords      []T
	listTotal        int
	listError        error
	countResult      int
	countError       error
	getByIdentResult T
	getByIdentError  error
	createResult     T
	createError      error
	updateResult     T
	updateError      error
	deleteError      error
}

// Helper method to record method calls
func (m *mockRepository[T]) recordCall(method string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, method)
}

// Helper method to get recorded calls
func (m *mockRepository[T]) getCalls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

// Helper method to clear recorded calls
func (m *mockRepository[T]) clearCalls() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
}

// READ methods that we want to test caching for
func (m *mockRepository[T]) Get(ctx context.Context, criteria ...repository.SelectCriteria) (T, error) {
	m.recordCall("Get")
	return m.getResult, m.getError
}

func (m *mockRepository[T]) GetByID(ctx context.Context, id string, criteria ...repository.SelectCriteria) (T, error) {
	m.recordCall("GetByID")
	return m.getByIDResult, m.getByIDError
}

func (m *mockRepository[T]) List(ctx context.Context, criteria ...repository.SelectCriteria) ([]T, int, error) {
	m.recordCall("List")
	return m.listRecords, m.listTotal, m.listError
}

func (m *mockRepository[T]) Count(ctx context.Context, criteria ...repository.SelectCriteria) (int, error) {
	m.recordCall("Count")
	return m.countResult, m.countError
}

func (m *mockRepository[T]) GetByIdentifier(ctx context.Context, identifier string, criteria ...repository.SelectCriteria) (T, error) {
	m.recordCall("GetByIdentifier")
	return m.getByIdentResult, m.getByIdentError
}

// WRITE methods that we want to test delegation for
func (m *mockRepository[T]) Create(ctx context.Context, record T, criteria ...repository.InsertCriteria) (T, error) {
	m.recordCall("Create")
	return m.createResult, m.createError
}

func (m *mockRepository[T]) Update(ctx context.Context, record T, criteria ...repository.UpdateCriteria) (T, error) {
	m.recordCall("Update")
	return m.updateResult, m.updateError
}

func (m *mockRepository[T]) Delete(ctx context.Context, record T) error {
	m.recordCall("Delete")
	return m.deleteError
}

// Other methods that panic to ensure they're not called during our tests
func (m *mockRepository[T]) Raw(ctx context.Context, sql string, args ...any) ([]T, error) {
	panic("Raw not implemented in mock - should not be called in cache tests")
}
func (m *mockRepository[T]) RawTx(ctx context.Context, tx bun.IDB, sql string, args ...any) ([]T, error) {
	panic("RawTx not implemented in mock")
}
func (m *mockRepository[T]) GetTx(ctx context.Context, tx bun.IDB, criteria ...repository.SelectCriteria) (T, error) {
	panic("GetTx not implemented in mock")
}
func (m *mockRepository[T]) GetByIDTx(ctx context.Context, tx bun.IDB, id string, criteria ...repository.SelectCriteria) (T, error) {
	panic("GetByIDTx not implemented in mock")
}
func (m *mockRepository[T]) ListTx(ctx context.Context, tx bun.IDB, criteria ...repository.SelectCriteria) ([]T, int, error) {
	panic("ListTx not implemented in mock")
}
func (m *mockRepository[T]) CountTx(ctx context.Context, tx bun.IDB, criteria ...repository.SelectCriteria) (int, error) {
	panic("CountTx not implemented in mock")
}
func (m *mockRepository[T]) CreateTx(ctx context.Context, tx bun.IDB, record T, criteria ...repository.InsertCriteria) (T, error) {
	panic("CreateTx not implemented in mock")
}
func (m *mockRepository[T]) CreateMany(ctx context.Context, records []T, criteria ...repository.InsertCriteria) ([]T, error) {
	m.recordCall("CreateMany")
	return records, m.createError
}
func (m *mockRepository[T]) CreateManyTx(ctx context.Context, tx bun.IDB, records []T, criteria ...repository.InsertCriteria) ([]T, error) {
	panic("CreateManyTx not implemented in mock")
}
func (m *mockRepository[T]) GetOrCreate(ctx context.Context, record T) (T, error) {
	panic("GetOrCreate not implemented in mock")
}
func (m *mockRepository[T]) GetOrCreateTx(ctx context.Context, tx bun.IDB, record T) (T, error) {
	panic("GetOrCreateTx not implemented in mock")
}
func (m *mockRepository[T]) GetByIdentifierTx(ctx context.Context, tx bun.IDB, identifier string, criteria ...repository.SelectCriteria) (T, error) {
	panic("GetByIdentifierTx not implemented in mock")
}
func (m *mockRepository[T]) UpdateTx(ctx context.Context, tx bun.IDB, record T, criteria ...repository.UpdateCriteria) (T, error) {
	panic("UpdateTx not implemented in mock")
}
func (m *mockRepository[T]) UpdateMany(ctx context.Context, records []T, criteria ...repository.UpdateCriteria) ([]T, error) {
	m.recordCall("UpdateMany")
	return records, m.updateError
}
func (m *mockRepository[T]) UpdateManyTx(ctx context.Context, tx bun.IDB, records []T, criteria ...repository.UpdateCriteria) ([]T, error) {
	panic("UpdateManyTx not implemented in mock")
}
func (m *mockRepository[T]) Upsert(ctx context.Context, record T, criteria ...repository.UpdateCriteria) (T, error) {
	panic("Upsert not implemented in mock")
}
func (m *mockRepository[T]) UpsertTx(ctx context.Context, tx bun.IDB, record T, criteria ...repository.UpdateCriteria) (T, error) {
	panic("UpsertTx not implemented in mock")
}
func (m *mockRepository[T]) UpsertMany(ctx context.Context, records []T, criteria ...repository.UpdateCriteria) ([]T, error) {
	panic("UpsertMany not implemented in mock")
}
func (m *mockRepository[T]) UpsertManyTx(ctx context.Context, tx bun.IDB, records []T, criteria ...repository.UpdateCriteria) ([]T, error) {
	panic("UpsertManyTx not implemented in mock")
}
func (m *mockRepository[T]) DeleteTx(ctx context.Context, tx bun.IDB, record T) error {
	panic("DeleteTx not implemented in mock")
}
func (m *mockRepository[T]) DeleteMany(ctx context.Context, criteria ...repository.DeleteCriteria) error {
	m.recordCall("DeleteMany")
	return m.deleteError
}
func (m *mockRepository[T]) DeleteManyTx(ctx context.Context, tx bun.IDB, criteria ...repository.DeleteCriteria) error {
	panic("DeleteManyTx not implemented in mock")
}
func (m *mockRepository[T]) DeleteWhere(ctx context.Context, criteria ...repository.DeleteCriteria) error {
	panic("DeleteWhere not implemented in mock")
}
func (m *mockRepository[T]) DeleteWhereTx(ctx context.Context, tx bun.IDB, criteria ...repository.DeleteCriteria) error {
	panic("DeleteWhereTx not implemented in mock")
}
func (m *mockRepository[T]) ForceDelete(ctx context.Context, record T) error {
	panic("ForceDelete not implemented in mock")
}
func (m *mockRepository[T]) ForceDeleteTx(ctx context.Context, tx bun.IDB, record T) error {
	panic("ForceDeleteTx not implemented in mock")
}
func (m *mockRepository[T]) Handlers() repository.ModelHandlers[T] {
	panic("Handlers not implemented in mock")
}

func (m *mockRepository[T]) count(method string) int {
	n := 0
	for _, call := range m.getCalls() {
		if call == method {
			n++
		}
	}
	return n
}

// plainStore hides the tag support of the wrapped store.
type plainStore struct {
	cache.Store
}

func newUserRepo(t *testing.T, store cache.Store, opts ...Option) (*CachedRepository[TestUser], *mockRepository[TestUser]) {
	t.Helper()
	base := &mockRepository[TestUser]{
		getResult:        TestUser{ID: "0", Name: "first"},
		getByIDResult:    TestUser{ID: "1", Name: "Ada"},
		getByIdentResult: TestUser{ID: "1", Name: "ada"},
		listRecords:      []TestUser{{ID: "1", Name: "Ada"}, {ID: "2", Name: "Grace"}},
		listTotal:        2,
		countResult:      2,
		createResult:     TestUser{ID: "3", Name: "Linus"},
		updateResult:     TestUser{ID: "1", Name: "Ada L."},
	}
	opts = append([]Option{WithProxyOptions(callcache.WithStore(store))}, opts...)
	cached, err := New[TestUser](base, opts...)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return cached, base
}

func TestNew(t *testing.T) {
	if _, err := New[TestUser](nil); !errors.Is(err, cache.ErrInvalidArgument) {
		t.Fatalf("New(nil) error = %v, want ErrInvalidArgument", err)
	}

	cached, _ := newUserRepo(t, testsupport.NewRecordingStore())
	if cached.Proxy() == nil {
		t.Fatal("Proxy() returned nil")
	}
	if got := cached.Proxy().Namespace(); got != "testuser:" {
		t.Errorf("namespace = %q, want %q", got, "testuser:")
	}

	custom, _ := newUserRepo(t, testsupport.NewRecordingStore(), WithNamespace("people:"))
	if got := custom.Proxy().Namespace(); got != "people:" {
		t.Errorf("namespace = %q, want %q", got, "people:")
	}
}

// Test cache hit scenarios for read methods
func TestCachedReadMethods_CacheHit(t *testing.T) {
	tests := []struct {
		name   string
		method string
		call   func(ctx context.Context, c *CachedRepository[TestUser]) (any, error)
		want   any
	}{
		{
			name:   "Get",
			method: "Get",
			call: func(ctx context.Context, c *CachedRepository[TestUser]) (any, error) {
				return c.Get(ctx)
			},
			want: TestUser{ID: "0", Name: "first"},
		},
		{
			name:   "GetByID",
			method: "GetByID",
			call: func(ctx context.Context, c *CachedRepository[TestUser]) (any, error) {
				return c.GetByID(ctx, "1")
			},
			want: TestUser{ID: "1", Name: "Ada"},
		},
		{
			name:   "GetByIdentifier",
			method: "GetByIdentifier",
			call: func(ctx context.Context, c *CachedRepository[TestUser]) (any, error) {
				return c.GetByIdentifier(ctx, "ada")
			},
			want: TestUser{ID: "1", Name: "ada"},
		},
		{
			name:   "List",
			method: "List",
			call: func(ctx context.Context, c *CachedRepository[TestUser]) (any, error) {
				records, total, err := c.List(ctx)
				return listResult[TestUser]{Records: records, Total: total}, err
			},
			want: listResult[TestUser]{Records: []TestUser{{ID: "1", Name: "Ada"}, {ID: "2", Name: "Grace"}}, Total: 2},
		},
		{
			name:   "Count",
			method: "Count",
			call: func(ctx context.Context, c *CachedRepository[TestUser]) (any, error) {
				return c.Count(ctx)
			},
			want: 2,
		},
	}

	for _, pattern := range []cache.Pattern{cache.PatternTree, cache.PatternTabular, cache.PatternMsgpack} {
		for _, tt := range tests {
			t.Run(string(pattern)+"/"+tt.name, func(t *testing.T) {
				cached, base := newUserRepo(t, testsupport.NewRecordingStore(), WithPattern(pattern))
				ctx := context.Background()

				for i := 0; i < 3; i++ {
					got, err := tt.call(ctx, cached)
					if err != nil {
						t.Fatalf("call %d error = %v", i, err)
					}
					if !reflect.DeepEqual(got, tt.want) {
						t.Errorf("call %d = %#v, want %#v", i, got, tt.want)
					}
				}
				if n := base.count(tt.method); n != 1 {
					t.Errorf("base.%s called %d times, want 1", tt.method, n)
				}
			})
		}
	}
}

func TestCachedReadMethods_KeysAndTags(t *testing.T) {
	store := testsupport.NewRecordingStore()
	cached, _ := newUserRepo(t, store, WithTTL(time.Minute))
	ctx := context.Background()

	if _, err := cached.GetByID(ctx, "1"); err != nil {
		t.Fatal(err)
	}
	if _, _, err := cached.List(ctx); err != nil {
		t.Fatal(err)
	}

	writes := store.Writes()
	if len(writes) != 2 {
		t.Fatalf("writes = %d, want 2", len(writes))
	}

	want := []struct {
		key  string
		tags []string
	}{
		{key: "testuser:get_by_id:1:", tags: []string{"testuser:records", "testuser:id:1"}},
		{key: "testuser:list:", tags: []string{"testuser:records", "testuser:queries"}},
	}
	for i, w := range want {
		if writes[i].Key != w.key {
			t.Errorf("write %d key = %q, want %q", i, writes[i].Key, w.key)
		}
		if !reflect.DeepEqual(writes[i].Tags, w.tags) {
			t.Errorf("write %d tags = %v, want %v", i, writes[i].Tags, w.tags)
		}
		if writes[i].TTL != time.Minute {
			t.Errorf("write %d ttl = %v, want 1m", i, writes[i].TTL)
		}
	}
}

func TestCachedReadMethods_ErrorPropagation(t *testing.T) {
	store := testsupport.NewRecordingStore()
	cached, base := newUserRepo(t, store)
	boom := errors.New("database unavailable")
	base.getByIDError = boom
	base.listError = boom
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := cached.GetByID(ctx, "1"); !errors.Is(err, boom) {
			t.Errorf("GetByID error = %v, want %v", err, boom)
		}
		if _, _, err := cached.List(ctx); !errors.Is(err, boom) {
			t.Errorf("List error = %v, want %v", err, boom)
		}
	}

	if n := base.count("GetByID"); n != 2 {
		t.Errorf("base.GetByID called %d times, want 2", n)
	}
	if len(store.Writes()) != 0 {
		t.Errorf("errors were cached: %v", store.Writes())
	}
}

func TestCachedReadMethods_Criteria(t *testing.T) {
	cached, base := newUserRepo(t, testsupport.NewRecordingStore())
	active := func(q *bun.SelectQuery) *bun.SelectQuery { return q }
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, _, err := cached.List(ctx, active); err != nil {
			t.Fatal(err)
		}
	}
	if n := base.count("List"); n != 2 {
		t.Errorf("unkeyed criteria: base.List called %d times, want 2", n)
	}

	keyed := WithQueryKey(ctx, "active")
	for i := 0; i < 2; i++ {
		if _, _, err := cached.List(keyed, active); err != nil {
			t.Fatal(err)
		}
	}
	if n := base.count("List"); n != 3 {
		t.Errorf("keyed criteria: base.List called %d times, want 3", n)
	}

	if _, _, err := cached.List(WithQueryKey(ctx, "inactive"), active); err != nil {
		t.Fatal(err)
	}
	if n := base.count("List"); n != 4 {
		t.Errorf("second query key: base.List called %d times, want 4", n)
	}
}

func TestWriteMethods_Invalidation(t *testing.T) {
	tests := []struct {
		name      string
		write     func(ctx context.Context, c *CachedRepository[TestUser]) error
		wantByID1 int
		wantByID2 int
		wantList  int
	}{
		{
			name: "create drops queries only",
			write: func(ctx context.Context, c *CachedRepository[TestUser]) error {
				_, err := c.Create(ctx, TestUser{Name: "Linus"})
				return err
			},
			wantByID1: 1, wantByID2: 1, wantList: 2,
		},
		{
			name: "create many drops queries only",
			write: func(ctx context.Context, c *CachedRepository[TestUser]) error {
				_, err := c.CreateMany(ctx, []TestUser{{Name: "Linus"}})
				return err
			},
			wantByID1: 1, wantByID2: 1, wantList: 2,
		},
		{
			name: "update drops the record and queries",
			write: func(ctx context.Context, c *CachedRepository[TestUser]) error {
				_, err := c.Update(ctx, TestUser{ID: "1"})
				return err
			},
			wantByID1: 2, wantByID2: 1, wantList: 2,
		},
		{
			name: "update many drops each record",
			write: func(ctx context.Context, c *CachedRepository[TestUser]) error {
				_, err := c.UpdateMany(ctx, []TestUser{{ID: "1"}, {ID: "2"}})
				return err
			},
			wantByID1: 2, wantByID2: 2, wantList: 2,
		},
		{
			name: "delete drops the record and queries",
			write: func(ctx context.Context, c *CachedRepository[TestUser]) error {
				return c.Delete(ctx, TestUser{ID: "2"})
			},
			wantByID1: 1, wantByID2: 2, wantList: 2,
		},
		{
			name: "delete by criteria drops everything",
			write: func(ctx context.Context, c *CachedRepository[TestUser]) error {
				return c.DeleteMany(ctx)
			},
			wantByID1: 2, wantByID2: 2, wantList: 2,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cached, base := newUserRepo(t, testsupport.NewRecordingStore())
			ctx := context.Background()

			// The mock ignores ids but each id gets its own key.
			read := func() {
				for _, id := range []string{"1", "2"} {
					if _, err := cached.GetByID(ctx, id); err != nil {
						t.Fatal(err)
					}
				}
				if _, _, err := cached.List(ctx); err != nil {
					t.Fatal(err)
				}
			}

			read()
			if err := tt.write(ctx, cached); err != nil {
				t.Fatalf("write error = %v", err)
			}
			read()

			gotByID := base.count("GetByID")
			if want := tt.wantByID1 + tt.wantByID2; gotByID != want {
				t.Errorf("base.GetByID called %d times, want %d", gotByID, want)
			}
			if got := base.count("List"); got != tt.wantList {
				t.Errorf("base.List called %d times, want %d", got, tt.wantList)
			}
		})
	}
}

func TestWriteMethods_FailedWriteKeepsCache(t *testing.T) {
	cached, base := newUserRepo(t, testsupport.NewRecordingStore())
	base.updateError = errors.New("constraint violation")
	ctx := context.Background()

	if _, err := cached.GetByID(ctx, "1"); err != nil {
		t.Fatal(err)
	}
	if _, err := cached.Update(ctx, TestUser{ID: "1"}); !errors.Is(err, base.updateError) {
		t.Fatalf("Update error = %v", err)
	}
	if _, err := cached.GetByID(ctx, "1"); err != nil {
		t.Fatal(err)
	}
	if n := base.count("GetByID"); n != 1 {
		t.Errorf("base.GetByID called %d times, want 1", n)
	}
}

func TestWriteMethods_InvalidationErrorsAreReported(t *testing.T) {
	var reported []error
	handler := func(_ context.Context, err error) {
		reported = append(reported, err)
	}
	cached, _ := newUserRepo(t, plainStore{testsupport.NewRecordingStore()}, WithInvalidationHandler(handler))

	created, err := cached.Create(context.Background(), TestUser{Name: "Linus"})
	if err != nil {
		t.Fatalf("Create error = %v, want the write to succeed", err)
	}
	if created.ID != "3" {
		t.Errorf("Create result = %+v", created)
	}

	if len(reported) != 1 {
		t.Fatalf("reported %d errors, want 1", len(reported))
	}
	if !goerrors.IsCategory(reported[0], goerrors.CategoryExternal) {
		t.Errorf("error category of %v, want %s", reported[0], goerrors.CategoryExternal)
	}
	if !errors.Is(reported[0], cache.ErrInvalidArgument) {
		t.Errorf("error %v does not wrap ErrInvalidArgument", reported[0])
	}
}

func TestExtractField(t *testing.T) {
	type coded struct{ Code int }

	tests := []struct {
		name   string
		record any
		fields []string
		want   string
		ok     bool
	}{
		{name: "struct", record: TestUser{ID: "7"}, fields: []string{"ID"}, want: "7", ok: true},
		{name: "pointer", record: &TestUser{ID: "8"}, fields: []string{"ID"}, want: "8", ok: true},
		{name: "fallback field", record: coded{Code: 3}, fields: []string{"Identifier", "Code"}, want: "3", ok: true},
		{name: "nil pointer", record: (*TestUser)(nil), fields: []string{"ID"}},
		{name: "not a struct", record: "id", fields: []string{"ID"}},
		{name: "missing", record: TestUser{}, fields: []string{"Slug"}},
	}

	for _, tt := range tests {
		got, ok := extractField(tt.record, tt.fields...)
		if got != tt.want || ok != tt.ok {
			t.Errorf("%s: extractField() = (%q, %v), want (%q, %v)", tt.name, got, ok, tt.want, tt.ok)
		}
	}
}

func TestRepositoryInterfaceSatisfaction(t *testing.T) {
	var _ repository.Repository[TestUser] = (*CachedRepository[TestUser])(nil)
	var _ repository.Repository[*TestUser] = (*CachedRepository[*TestUser])(nil)
}
