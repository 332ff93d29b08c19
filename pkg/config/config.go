// Package config loads the call cache configuration from defaults, files and
// environment variables.
package config

import (
	"fmt"
	"io"
	"sort"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/goliatone/go-call-cache/cache"
	"github.com/goliatone/go-call-cache/codec"
	"github.com/goliatone/go-call-cache/pkg/logging"
	"gopkg.in/yaml.v3"
)

// Config is the effective call cache configuration.
type Config struct {
	// Namespace prefixes every rendered key.
	Namespace string `json:"namespace" yaml:"namespace" koanf:"namespace"`

	// DefaultDriver names the store used by policies without a driver.
	DefaultDriver string `json:"default_driver" yaml:"default_driver" koanf:"default_driver"`

	// Drivers declares the named backing stores.
	Drivers map[string]cache.DriverConfig `json:"drivers" yaml:"drivers" koanf:"drivers"`

	// Tabular configures the tabular pattern codec.
	Tabular codec.TabularOptions `json:"tabular" yaml:"tabular" koanf:"tabular"`

	// Prefixes adds a key prefix per pattern, e.g. {tabular: "toon:"}.
	Prefixes map[string]string `json:"prefixes" yaml:"prefixes" koanf:"prefixes"`

	// Policies lists caching policies per target namespace.
	Policies map[string][]cache.Policy `json:"policies" yaml:"policies" koanf:"policies"`

	Logging logging.Config `json:"logging" yaml:"logging" koanf:"logging"`
	Metrics MetricsConfig  `json:"metrics" yaml:"metrics" koanf:"metrics"`
}

// MetricsConfig toggles Prometheus metrics.
type MetricsConfig struct {
	Enabled bool `json:"enabled" yaml:"enabled" koanf:"enabled"`
}

// DefaultConfig returns a single memory store configuration.
func DefaultConfig() Config {
	return Config{
		Namespace:     "callcache:",
		DefaultDriver: cache.DriverMemory,
		Drivers: map[string]cache.DriverConfig{
			cache.DriverMemory: {
				Type: cache.DriverMemory,
				Memory: cache.MemoryConfig{
					Capacity:           10000,
					NumShards:          256,
					TTL:                5 * time.Minute,
					EvictionPercentage: 10,
				},
			},
		},
		Tabular: codec.DefaultTabularOptions(),
		Logging: logging.DefaultConfig(),
	}
}

// Validate checks the configuration and every driver, policy and prefix in it.
func (c Config) Validate() error {
	// Drivers are checked one by one below so errors carry the driver name.
	if err := validation.Validate(c.DefaultDriver, validation.Required); err != nil {
		return &cache.ConfigError{Field: "default_driver", Message: err.Error()}
	}
	if len(c.Drivers) == 0 {
		return &cache.ConfigError{Field: "drivers", Message: "at least one driver is required"}
	}

	if _, ok := c.Drivers[c.DefaultDriver]; !ok {
		return &cache.ConfigError{Field: "default_driver", Message: fmt.Sprintf("driver %q is not declared", c.DefaultDriver)}
	}

	for _, name := range sortedKeys(c.Drivers) {
		if err := c.Drivers[name].Validate(); err != nil {
			return prefixed("drivers."+name+".", err)
		}
	}

	for pattern := range c.Prefixes {
		if _, err := cache.ParsePattern(pattern); err != nil {
			return &cache.ConfigError{Field: "prefixes." + pattern, Message: "unknown pattern"}
		}
	}

	for _, namespace := range sortedKeys(c.Policies) {
		for i, p := range c.Policies[namespace] {
			field := fmt.Sprintf("policies.%s[%d]", namespace, i)
			if err := p.Validate(); err != nil {
				return &cache.ConfigError{Field: field, Message: err.Error()}
			}
			if p.Driver != "" {
				if _, ok := c.Drivers[p.Driver]; !ok {
					return &cache.ConfigError{Field: field + ".driver", Message: fmt.Sprintf("driver %q is not declared", p.Driver)}
				}
			}
		}
	}

	return c.Logging.Validate()
}

// CodecOptions returns the codec options described by the configuration.
func (c Config) CodecOptions() codec.Options {
	opts := codec.DefaultOptions()
	opts.Tabular = c.Tabular
	if len(c.Prefixes) > 0 {
		opts.Prefixes = make(map[cache.Pattern]string, len(c.Prefixes))
		for name, prefix := range c.Prefixes {
			pattern, err := cache.ParsePattern(name)
			if err != nil {
				continue
			}
			opts.Prefixes[pattern] = prefix
		}
	}
	return opts
}

// PoliciesFor returns a copy of the policies declared for namespace.
func (c Config) PoliciesFor(namespace string) []cache.Policy {
	declared := c.Policies[namespace]
	out := make([]cache.Policy, 0, len(declared))
	for _, p := range declared {
		out = append(out, p.Clone())
	}
	return out
}

// WriteYAML renders the configuration in the layout read by Loader.
func (c Config) WriteYAML(w io.Writer) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return fmt.Errorf("config: encode yaml: %w", err)
	}
	return enc.Close()
}

// withDriverDefaults fills unset settings of d from the defaults of its type.
func withDriverDefaults(d cache.DriverConfig) cache.DriverConfig {
	switch d.Type {
	case cache.DriverMemory:
		def := cache.DefaultMemoryConfig()
		if d.Memory.Capacity == 0 {
			d.Memory.Capacity = def.Capacity
		}
		if d.Memory.NumShards == 0 {
			d.Memory.NumShards = def.NumShards
		}
		if d.Memory.TTL == 0 {
			d.Memory.TTL = def.TTL
		}
		if d.Memory.EvictionPercentage == 0 {
			d.Memory.EvictionPercentage = def.EvictionPercentage
		}
	case cache.DriverRedis, cache.DriverValkey:
		def := cache.DefaultRemoteConfig()
		if d.Remote.Addr == "" {
			d.Remote.Addr = def.Addr
		}
		if d.Remote.PoolSize == 0 {
			d.Remote.PoolSize = def.PoolSize
		}
		if d.Remote.DialTimeout == 0 {
			d.Remote.DialTimeout = def.DialTimeout
		}
	}
	return d
}

func prefixed(prefix string, err error) error {
	if ce, ok := err.(*cache.ConfigError); ok {
		return &cache.ConfigError{Field: prefix + ce.Field, Message: ce.Message}
	}
	return err
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
