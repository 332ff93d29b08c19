// Package repositorycache provides cached repository decorators for go-repository-bun.
//
// # Overview
//
// CachedRepository wraps a repository.Repository[T] and serves its read
// operations through a callcache.Proxy. Write operations pass through to the
// base repository and, when they succeed, flush the cached reads they affect.
//
//	cached, err := repositorycache.New[*User](base,
//		repositorycache.WithTTL(10*time.Minute),
//		repositorycache.WithProxyOptions(callcache.WithStores(resolver)),
//	)
//
//	user, err := cached.GetByID(ctx, "user-123")
//	users, total, err := cached.List(ctx)
//
// # Cached Operations
//
// Get, GetByID, GetByIdentifier, List and Count are cached. Keys live under
// the repository namespace, the lower cased model name by default:
//
//	user:get_by_id:user-123:
//	user:list:
//
// Criteria are closures and cannot be compared, so reads with criteria
// bypass the cache unless the context names the query with WithQueryKey.
// The query key becomes part of the store key.
//
// Transaction methods (*Tx) and Raw queries always reach the base repository.
//
// # Invalidation
//
// Every cached read is tagged. Writes flush tags as follows:
//
//   - Create, CreateMany, GetOrCreate: list, count and get queries
//   - Update, Upsert, Delete, ForceDelete and their variants: queries plus
//     the GetByID and GetByIdentifier entries of each written record
//   - DeleteMany, DeleteWhere: every entry of the repository
//
// Record IDs are read from an ID field, identifiers from an Identifier, Name
// or Code field. Invalidation needs a store that supports tags. Failures are
// passed to the InvalidationHandler and never fail the write.
//
// # Error Handling
//
// Errors from the base repository are propagated unchanged and never cached.
package repositorycache
