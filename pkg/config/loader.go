package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/goliatone/go-call-cache/codec"
	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// DefaultEnvPrefix is the conventional environment prefix, e.g.
// CALLCACHE_DEFAULT_DRIVER.
const DefaultEnvPrefix = "CALLCACHE"

// Loader hydrates the configuration with env > file > default precedence.
type Loader struct {
	envPrefix string
	files     []string
}

// NewLoader prepares a loader reading files in order, later files winning,
// and then environment variables starting with envPrefix. An empty prefix
// skips the environment.
func NewLoader(envPrefix string, files ...string) *Loader {
	return &Loader{
		envPrefix: envPrefix,
		files:     files,
	}
}

// Load assembles and validates the effective configuration.
func (l *Loader) Load(ctx context.Context) (Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(structToMap(DefaultConfig()), "."), nil); err != nil {
		return Config{}, fmt.Errorf("config: load defaults: %w", err)
	}

	for _, path := range l.files {
		if path == "" {
			continue
		}
		select {
		case <-ctx.Done():
			return Config{}, ctx.Err()
		default:
		}
		if _, err := os.Stat(path); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return Config{}, fmt.Errorf("config: file %s not found", path)
			}
			return Config{}, fmt.Errorf("config: stat %s: %w", path, err)
		}
		parser, err := parserFor(path)
		if err != nil {
			return Config{}, err
		}
		if err := k.Load(file.Provider(path), parser); err != nil {
			return Config{}, fmt.Errorf("config: load file %s: %w", path, err)
		}
	}

	if l.envPrefix != "" {
		prefix := l.envPrefix + "_"
		transform := func(s string) string {
			// Double underscores nest (CALLCACHE_DRIVERS__REDIS__ADDR -> drivers.redis.addr).
			key := strings.TrimPrefix(s, prefix)
			key = strings.ReplaceAll(key, "__", ".")
			return strings.ToLower(key)
		}
		if err := k.Load(env.Provider(prefix, ".", transform), nil); err != nil {
			return Config{}, fmt.Errorf("config: load env: %w", err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	for name, driver := range cfg.Drivers {
		cfg.Drivers[name] = withDriverDefaults(driver)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func parserFor(path string) (koanf.Parser, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return yaml.Parser(), nil
	case ".json":
		return json.Parser(), nil
	case ".toml":
		return toml.Parser(), nil
	}
	return nil, fmt.Errorf("config: unsupported file type %s", path)
}

// structToMap converts DefaultConfig into a map for the koanf confmap provider.
func structToMap(cfg Config) map[string]any {
	drivers := make(map[string]any, len(cfg.Drivers))
	for name, d := range cfg.Drivers {
		drivers[name] = map[string]any{
			"type":                d.Type,
			"capacity":            d.Memory.Capacity,
			"num_shards":          d.Memory.NumShards,
			"ttl":                 d.Memory.TTL,
			"eviction_percentage": d.Memory.EvictionPercentage,
		}
	}

	return map[string]any{
		"namespace":      cfg.Namespace,
		"default_driver": cfg.DefaultDriver,
		"drivers":        drivers,
		"tabular":        tabularToMap(cfg.Tabular),
		"logging": map[string]any{
			"level":        cfg.Logging.Level,
			"format":       cfg.Logging.Format,
			"output_paths": cfg.Logging.OutputPaths,
		},
		"metrics": map[string]any{
			"enabled": cfg.Metrics.Enabled,
		},
	}
}

func tabularToMap(t codec.TabularOptions) map[string]any {
	return map[string]any{
		"validate_lengths":       t.ValidateLengths,
		"restore_dates":          t.RestoreDates,
		"max_depth":              t.MaxDepth,
		"object_as_array":        t.ObjectAsArray,
		"key_folding":            t.KeyFolding,
		"tabular_arrays":         t.TabularArrays,
		"indentation":            t.Indentation,
		"indent_char":            t.IndentChar,
		"explicit_lengths":       t.ExplicitLengths,
		"skip_nulls":             t.SkipNulls,
		"normalize_numeric_keys": t.NormalizeNumericKeys,
	}
}
