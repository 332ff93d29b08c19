package callcache

import (
	"github.com/goliatone/go-call-cache/cache"
	"github.com/puzpuzpuz/xsync/v3"
)

// IntentSource discovers the caching policy a target declares for a method.
// It returns ok=false when the method carries no caching intent.
type IntentSource interface {
	CachingIntent(target any, method string) (policy cache.Policy, ok bool, err error)
}

// IntentSourceFunc adapts a function to IntentSource.
type IntentSourceFunc func(target any, method string) (cache.Policy, bool, error)

// CachingIntent implements IntentSource.
func (f IntentSourceFunc) CachingIntent(target any, method string) (cache.Policy, bool, error) {
	return f(target, method)
}

// PolicyProvider is implemented by targets that declare their cached methods.
type PolicyProvider interface {
	CachePolicies() []cache.Policy
}

// IntentDeclarer is implemented by targets that answer per method.
type IntentDeclarer interface {
	CachingIntent(method string) (cache.Policy, bool)
}

// PolicySource serves a fixed list of policies, e.g. loaded from config.
func PolicySource(policies ...cache.Policy) IntentSource {
	byMethod := make(map[string]cache.Policy, len(policies))
	for _, p := range policies {
		if _, dup := byMethod[p.Method]; !dup {
			byMethod[p.Method] = p.Clone()
		}
	}
	return IntentSourceFunc(func(_ any, method string) (cache.Policy, bool, error) {
		p, ok := byMethod[method]
		return p.Clone(), ok, nil
	})
}

// targetSource asks the target itself.
func targetSource() IntentSource {
	return IntentSourceFunc(func(target any, method string) (cache.Policy, bool, error) {
		if d, ok := target.(IntentDeclarer); ok {
			if p, found := d.CachingIntent(method); found {
				return p, true, nil
			}
		}
		if provider, ok := target.(PolicyProvider); ok {
			for _, p := range provider.CachePolicies() {
				if p.Method == method {
					return p, true, nil
				}
			}
		}
		return cache.Policy{}, false, nil
	})
}

// Registry maps method names to caching policies for one target. Entries
// are discovered on first use and never removed.
type Registry struct {
	target  any
	methods Methods
	sources []IntentSource
	entries *xsync.MapOf[string, cache.Policy]
}

// NewRegistry creates a registry for target. Discovery consults the target
// first (IntentDeclarer, then PolicyProvider) and then sources in order.
func NewRegistry(target any, methods Methods, sources ...IntentSource) *Registry {
	chain := make([]IntentSource, 0, len(sources)+1)
	chain = append(chain, targetSource())
	for _, s := range sources {
		if s != nil {
			chain = append(chain, s)
		}
	}
	return &Registry{
		target:  target,
		methods: methods,
		sources: chain,
		entries: xsync.NewMapOf[string, cache.Policy](),
	}
}

// Register validates policy and adds it unless the method already has an
// entry. The first registration wins.
func (r *Registry) Register(policy cache.Policy) error {
	_, err := r.store(policy)
	return err
}

// Resolve returns the policy of method, discovering it on first use.
func (r *Registry) Resolve(method string) (cache.Policy, error) {
	if _, ok := r.methods.Lookup(method); !ok {
		return cache.Policy{}, &cache.Error{Kind: cache.ErrNoSuchMethod, Op: "resolve", Method: method}
	}
	if p, ok := r.entries.Load(method); ok {
		return p.Clone(), nil
	}

	for _, source := range r.sources {
		p, ok, err := source.CachingIntent(r.target, method)
		if err != nil {
			return cache.Policy{}, &cache.Error{Kind: cache.ErrUnknownCachedMethod, Op: "discover", Method: method, Err: err}
		}
		if !ok {
			continue
		}
		if p.Method == "" {
			p.Method = method
		}
		stored, err := r.store(p)
		if err != nil {
			return cache.Policy{}, err
		}
		return stored.Clone(), nil
	}
	return cache.Policy{}, &cache.Error{Kind: cache.ErrUnknownCachedMethod, Op: "resolve", Method: method}
}

// Len returns the number of resolved entries.
func (r *Registry) Len() int {
	return r.entries.Size()
}

func (r *Registry) store(policy cache.Policy) (cache.Policy, error) {
	if err := policy.Validate(); err != nil {
		return cache.Policy{}, &cache.Error{Kind: cache.ErrInvalidArgument, Op: "register", Method: policy.Method, Err: err}
	}
	normalized, err := policy.Normalize()
	if err != nil {
		return cache.Policy{}, &cache.Error{Kind: cache.ErrInvalidArgument, Op: "register", Method: policy.Method, Err: err}
	}
	actual, _ := r.entries.LoadOrStore(normalized.Method, normalized)
	return actual, nil
}
