package cache

import (
	"errors"
	"sort"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

// Driver types understood by the store resolver.
const (
	DriverMemory = "memory"
	DriverRedis  = "redis"
	DriverValkey = "valkey"
)

// MemoryConfig configures the in-process sturdyc store.
type MemoryConfig struct {
	// Capacity defines the maximum number of entries that the cache can store.
	// Must be greater than 0.
	Capacity int `json:"capacity" yaml:"capacity" koanf:"capacity"`

	// NumShards determines the number of cache shards for concurrent access.
	// Must be greater than 0. Default: 256
	NumShards int `json:"num_shards" yaml:"num_shards" koanf:"num_shards"`

	// TTL bounds how long any entry stays resident, including entries
	// written forever. Policy TTLs shorter than this are honoured per entry.
	TTL time.Duration `json:"ttl" yaml:"ttl" koanf:"ttl"`

	// EvictionPercentage specifies what percentage of entries to evict
	// when the cache reaches its capacity. Must be between 1-100.
	EvictionPercentage int `json:"eviction_percentage" yaml:"eviction_percentage" koanf:"eviction_percentage"`

	// EarlyRefresh recomputes hot entries in the background before they
	// expire. Nil disables it.
	EarlyRefresh *EarlyRefreshConfig `json:"early_refresh" yaml:"early_refresh" koanf:"early_refresh"`

	// EvictionInterval sets how often the cache checks for expired entries.
	// Zero uses the sturdyc default.
	EvictionInterval time.Duration `json:"eviction_interval" yaml:"eviction_interval" koanf:"eviction_interval"`
}

// EarlyRefreshConfig mirrors the sturdyc early refresh options.
type EarlyRefreshConfig struct {
	MinAsyncRefreshTime time.Duration `json:"min_async_refresh_time" yaml:"min_async_refresh_time" koanf:"min_async_refresh_time"`
	MaxAsyncRefreshTime time.Duration `json:"max_async_refresh_time" yaml:"max_async_refresh_time" koanf:"max_async_refresh_time"`
	SyncRefreshTime     time.Duration `json:"sync_refresh_time" yaml:"sync_refresh_time" koanf:"sync_refresh_time"`
	RetryBaseDelay      time.Duration `json:"retry_base_delay" yaml:"retry_base_delay" koanf:"retry_base_delay"`
}

// DefaultMemoryConfig returns the memory store defaults.
func DefaultMemoryConfig() MemoryConfig {
	return MemoryConfig{
		Capacity:           10000,
		NumShards:          256,
		TTL:                time.Hour,
		EvictionPercentage: 10,
	}
}

// Validate checks the memory store settings.
func (c MemoryConfig) Validate() error {
	err := validation.ValidateStruct(&c,
		validation.Field(&c.Capacity, validation.Required.Error("must be greater than 0"), validation.Min(1).Error("must be greater than 0")),
		validation.Field(&c.NumShards, validation.Required.Error("must be greater than 0"), validation.Min(1).Error("must be greater than 0")),
		validation.Field(&c.TTL, validation.Required.Error("must be greater than 0"), validation.Min(time.Duration(1)).Error("must be greater than 0")),
		validation.Field(&c.EvictionPercentage,
			validation.Required.Error("must be between 1 and 100"),
			validation.Min(1).Error("must be between 1 and 100"),
			validation.Max(100).Error("must be between 1 and 100"),
		),
		validation.Field(&c.EvictionInterval, validation.Min(time.Duration(0)).Error("must be non-negative")),
	)
	if err != nil {
		return asConfigError("", err)
	}
	if c.EarlyRefresh != nil {
		if err := c.EarlyRefresh.Validate(); err != nil {
			return asConfigError("early_refresh.", err)
		}
	}
	return nil
}

// Validate checks the early refresh durations.
func (c EarlyRefreshConfig) Validate() error {
	nonNegative := validation.Min(time.Duration(0)).Error("must be non-negative")
	return validation.ValidateStruct(&c,
		validation.Field(&c.MinAsyncRefreshTime, nonNegative),
		validation.Field(&c.MaxAsyncRefreshTime, nonNegative),
		validation.Field(&c.SyncRefreshTime, nonNegative),
		validation.Field(&c.RetryBaseDelay, nonNegative),
	)
}

// RemoteConfig configures a redis protocol store. It serves both the
// go-redis and the valkey drivers.
type RemoteConfig struct {
	Addr     string `json:"addr" yaml:"addr" koanf:"addr"`
	Username string `json:"username" yaml:"username" koanf:"username"`
	Password string `json:"password" yaml:"password" koanf:"password"`
	DB       int    `json:"db" yaml:"db" koanf:"db"`

	// KeyPrefix is prepended to every key and tag set written by the store.
	KeyPrefix string `json:"key_prefix" yaml:"key_prefix" koanf:"key_prefix"`

	PoolSize    int           `json:"pool_size" yaml:"pool_size" koanf:"pool_size"`
	DialTimeout time.Duration `json:"dial_timeout" yaml:"dial_timeout" koanf:"dial_timeout"`
}

// DefaultRemoteConfig returns the defaults for a local redis server.
func DefaultRemoteConfig() RemoteConfig {
	return RemoteConfig{
		Addr:        "localhost:6379",
		PoolSize:    10,
		DialTimeout: 5 * time.Second,
	}
}

// Validate checks the connection settings.
func (c RemoteConfig) Validate() error {
	err := validation.ValidateStruct(&c,
		validation.Field(&c.Addr, validation.Required),
		validation.Field(&c.DB, validation.Min(0)),
		validation.Field(&c.PoolSize, validation.Min(0)),
		validation.Field(&c.DialTimeout, validation.Min(time.Duration(0))),
	)
	if err != nil {
		return asConfigError("", err)
	}
	return nil
}

// DriverConfig declares one named backing store. Only the settings matching
// Type are read.
type DriverConfig struct {
	Type   string       `json:"type" yaml:"type" koanf:"type"`
	Memory MemoryConfig `json:"memory" yaml:",inline" koanf:",squash"`
	Remote RemoteConfig `json:"remote" yaml:",inline" koanf:",squash"`
}

// Validate checks the type and the settings it selects.
func (c DriverConfig) Validate() error {
	switch c.Type {
	case DriverMemory:
		return c.Memory.Validate()
	case DriverRedis, DriverValkey:
		return c.Remote.Validate()
	default:
		return &ConfigError{Field: "type", Message: "must be one of memory, redis, valkey"}
	}
}

// asConfigError reduces ozzo validation errors to the first failing field.
func asConfigError(prefix string, err error) error {
	var fields validation.Errors
	if !errors.As(err, &fields) || len(fields) == 0 {
		return err
	}
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)
	first := names[0]
	return &ConfigError{Field: prefix + first, Message: fields[first].Error()}
}
