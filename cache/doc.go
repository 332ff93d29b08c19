// Package cache defines the vocabulary shared by the call cache packages:
// caching policies, key rendering, the backing store contract, driver
// configuration and the error taxonomy.
//
// # Overview
//
// A Policy describes how the results of one method are cached: the key
// template, the TTL, the tags, whether nil results are stored, the Pattern
// (codec) and the named store driver.
//
//	policy := cache.Policy{
//		Method:      "FindByID",
//		KeyTemplate: "user:%d",
//		TTL:         time.Minute,
//		Tags:        []string{"users"},
//		Pattern:     cache.PatternTree,
//	}
//
// Patterns accept the aliases base, json and toon through ParsePattern.
//
// # Keys
//
// TemplateKeyGenerator renders the key template with fmt verbs against the
// call arguments and prepends the namespace:
//
//	keys := cache.NewKeyGenerator("users:")
//	key, err := keys.Render(policy, 42) // users:user:42
//
// Missing arguments render as the empty string, or as zero under integer and
// float verbs. Extra arguments are ignored.
// A verb that does not accept its argument, such as %d for a string, fails
// with ErrKeyGeneration. Composite arguments render deterministically: maps
// by sorted key, structs by exported field.
//
// # Stores
//
// Store is the key-value contract the proxy reads and writes. Stores that
// implement TaggableStore support tag scoped writes and bulk flushes, and
// stores that implement Rememberer get or compute a value atomically.
// StoreResolver selects a store by the driver name of a policy.
//
// DriverConfig declares one named store: memory (sturdyc), redis (go-redis)
// or valkey (valkey-go).
//
// # Error Handling
//
// Every failure wraps one of the sentinel errors, usually through *Error,
// which also carries the operation, method and key:
//
//	if errors.Is(err, cache.ErrUnknownCachedMethod) {
//		// the method has no policy
//	}
//
// Configuration problems are reported as *ConfigError naming the field.
package cache
