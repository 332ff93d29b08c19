package callcache

import "sync"

// Owned lets a target hold its own lazily created proxy. Embed it and
// expose an accessor:
//
//	type UserService struct {
//		callcache.Owned
//		db *sql.DB
//	}
//
//	func (s *UserService) Cached() (*callcache.Proxy, error) {
//		return s.Proxy(func() (*callcache.Proxy, error) {
//			return callcache.New(s, nil, callcache.WithTypeNamespace())
//		})
//	}
//
// The zero value is ready to use. Owned must not be copied after first use.
type Owned struct {
	once  sync.Once
	proxy *Proxy
	err   error
}

// Proxy returns the owned proxy, calling build on first use only. A build
// error is returned on every call.
func (o *Owned) Proxy(build func() (*Proxy, error)) (*Proxy, error) {
	o.once.Do(func() {
		o.proxy, o.err = build()
	})
	return o.proxy, o.err
}
