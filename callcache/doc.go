// Package callcache memoizes method calls behind a named-call proxy.
//
// # Overview
//
// A Proxy wraps a target and a dispatch table of its methods. Each call names
// a method and passes its arguments:
//
//	proxy, err := callcache.New(repo, callcache.Methods{
//		"FindByID": callcache.Func1(repo.FindByID),
//		"Search":   callcache.Func2(repo.Search),
//	}, callcache.WithStore(store))
//
//	user, err := callcache.Call[*User](ctx, proxy, "FindByID", 7)
//
// For every call the proxy resolves the caching policy of the method, renders
// the store key from the policy key template and the arguments, and either
// decodes the stored result or invokes the method and stores the encoded
// result with the policy TTL and tags.
//
// # Policies
//
// Policies are resolved once per method and kept for the lifetime of the
// proxy. Discovery asks, in order:
//
//   - policies registered with WithPolicies or Registry.Register
//   - the target, when it implements IntentDeclarer or PolicyProvider
//   - sources added with WithIntentSources, e.g. PolicySource over policies
//     loaded from configuration
//
// Calling a method missing from the dispatch table fails with
// cache.ErrNoSuchMethod. Calling a method without a policy fails with
// cache.ErrUnknownCachedMethod.
//
// # Null results
//
// A nil result, or a nil pointer, map or slice, is returned to the caller
// but only stored when the policy sets CacheNullValue. Method errors are
// never stored.
//
// # Stores
//
// Stores implementing cache.Rememberer are used through Remember so the
// store can collapse concurrent misses. Other stores are read with Get and
// written with Put or Forever; concurrent misses may then invoke the method
// more than once and the last write wins.
//
// # Observability
//
// WithLogger logs hits, misses and skipped writes at debug level.
// WithMetrics publishes Prometheus counters and a latency histogram.
// Every call runs in a "callcache.Invoke" OpenTelemetry span.
package callcache
