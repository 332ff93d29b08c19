// Package di wires the call cache components described by a config.Config.
package di

import (
	"context"

	"github.com/goliatone/go-call-cache/cache"
	"github.com/goliatone/go-call-cache/callcache"
	"github.com/goliatone/go-call-cache/codec"
	"github.com/goliatone/go-call-cache/internal/cacheinfra"
	"github.com/goliatone/go-call-cache/pkg/config"
	"github.com/goliatone/go-call-cache/pkg/logging"
	"github.com/goliatone/go-call-cache/repositorycache"
	repository "github.com/goliatone/go-repository-bun"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// Container holds the stores, codecs, logger and metrics shared by every
// proxy it creates.
type Container struct {
	config    config.Config
	logger    *zap.Logger
	resolver  *cacheinfra.Resolver
	factories codec.Factories
	metrics   *callcache.Metrics
}

// ContainerOption customizes a Container.
type ContainerOption func(*containerSettings)

type containerSettings struct {
	logger     *zap.Logger
	registerer prometheus.Registerer
}

// WithLogger replaces the logger built from the logging configuration.
func WithLogger(logger *zap.Logger) ContainerOption {
	return func(s *containerSettings) {
		s.logger = logger
	}
}

// WithRegisterer sets the Prometheus registerer used when metrics are enabled.
// The default is prometheus.DefaultRegisterer.
func WithRegisterer(reg prometheus.Registerer) ContainerOption {
	return func(s *containerSettings) {
		s.registerer = reg
	}
}

// NewContainer validates cfg and opens every configured store.
func NewContainer(ctx context.Context, cfg config.Config, opts ...ContainerOption) (*Container, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := &containerSettings{registerer: prometheus.DefaultRegisterer}
	for _, opt := range opts {
		opt(s)
	}

	logger := s.logger
	if logger == nil {
		built, err := logging.New(cfg.Logging)
		if err != nil {
			return nil, err
		}
		logger = built
	}

	resolver, err := cacheinfra.Open(ctx, cfg.Drivers, cfg.DefaultDriver, logger)
	if err != nil {
		return nil, err
	}

	c := &Container{
		config:    cfg,
		logger:    logger,
		resolver:  resolver,
		factories: codec.DefaultFactories(cfg.CodecOptions()),
	}

	if cfg.Metrics.Enabled {
		metrics, err := callcache.NewMetrics(s.registerer)
		if err != nil {
			_ = resolver.Close()
			return nil, err
		}
		c.metrics = metrics
	}

	logger.Debug("cache container ready",
		zap.Strings("drivers", resolver.Names()),
		zap.String("default_driver", cfg.DefaultDriver),
	)
	return c, nil
}

// NewContainerWithDefaults creates a container for config.DefaultConfig.
func NewContainerWithDefaults(ctx context.Context, opts ...ContainerOption) (*Container, error) {
	return NewContainer(ctx, config.DefaultConfig(), opts...)
}

// LoadContainer loads the configuration from files and the environment and
// creates a container for it.
func LoadContainer(ctx context.Context, envPrefix string, files ...string) (*Container, error) {
	cfg, err := config.NewLoader(envPrefix, files...).Load(ctx)
	if err != nil {
		return nil, err
	}
	return NewContainer(ctx, cfg)
}

// Config returns the configuration the container was built from.
func (c *Container) Config() config.Config {
	return c.config
}

// Logger returns the shared logger.
func (c *Container) Logger() *zap.Logger {
	return c.logger
}

// Stores returns the driver resolver.
func (c *Container) Stores() cache.StoreResolver {
	return c.resolver
}

// Store returns the store registered under driver, or the default store for
// an empty name.
func (c *Container) Store(driver string) (cache.Store, error) {
	return c.resolver.Store(driver)
}

// Factories returns the codec factories built from the configuration.
func (c *Container) Factories() codec.Factories {
	return c.factories
}

// Metrics returns the shared metrics, nil when disabled.
func (c *Container) Metrics() *callcache.Metrics {
	return c.metrics
}

// ProxyOptions returns the options binding a proxy to the container's
// stores, codecs, logger and metrics.
func (c *Container) ProxyOptions() []callcache.Option {
	return []callcache.Option{
		callcache.WithStores(c.resolver),
		callcache.WithFactories(c.factories),
		callcache.WithLogger(c.logger),
		callcache.WithMetrics(c.metrics),
	}
}

// NewProxy creates a proxy for target under namespace. Policies configured
// for the namespace act as a fallback intent source after the target's own
// declarations. An empty namespace uses the configured one.
func (c *Container) NewProxy(target any, methods callcache.Methods, namespace string, opts ...callcache.Option) (*callcache.Proxy, error) {
	if namespace == "" {
		namespace = c.config.Namespace
	}
	proxyOpts := append(c.ProxyOptions(),
		callcache.WithNamespace(namespace),
		callcache.WithIntentSources(callcache.PolicySource(c.config.PoliciesFor(namespace)...)),
	)
	return callcache.New(target, methods, append(proxyOpts, opts...)...)
}

// Close closes every store holding a connection.
func (c *Container) Close() error {
	// Sync of stderr fails on some platforms.
	_ = c.logger.Sync()
	return c.resolver.Close()
}

// NewCachedRepository wraps base with a cached repository bound to the
// container's stores.
//
// Since Go methods cannot have type parameters, this is provided as a package-level function.
// Example: NewCachedRepository[*User](container, baseUserRepository)
func NewCachedRepository[T any](container *Container, base repository.Repository[T], opts ...repositorycache.Option) (*repositorycache.CachedRepository[T], error) {
	repoOpts := append([]repositorycache.Option{
		repositorycache.WithLogger(container.logger),
		repositorycache.WithProxyOptions(
			callcache.WithStores(container.resolver),
			callcache.WithFactories(container.factories),
			callcache.WithMetrics(container.metrics),
		),
	}, opts...)
	return repositorycache.New(base, repoOpts...)
}
