package cache

import (
	"fmt"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

// Pattern selects the codec used to store a method result.
type Pattern string

const (
	// PatternPassthrough stores results as-is.
	PatternPassthrough Pattern = "passthrough"
	// PatternTree stores results as a JSON object-graph tree.
	PatternTree Pattern = "tree"
	// PatternTabular stores results in the compact tabular text notation.
	PatternTabular Pattern = "tabular"
	// PatternMsgpack stores results as a msgpack encoded object-graph tree.
	PatternMsgpack Pattern = "msgpack"
)

var patternAliases = map[string]Pattern{
	"passthrough": PatternPassthrough,
	"base":        PatternPassthrough,
	"tree":        PatternTree,
	"json":        PatternTree,
	"tabular":     PatternTabular,
	"toon":        PatternTabular,
	"msgpack":     PatternMsgpack,
}

// ParsePattern resolves a pattern name, accepting the base/json/toon aliases.
// An empty name resolves to PatternPassthrough.
func ParsePattern(name string) (Pattern, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return PatternPassthrough, nil
	}
	if p, ok := patternAliases[name]; ok {
		return p, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnconfiguredPattern, name)
}

// String implements fmt.Stringer.
func (p Pattern) String() string {
	return string(p)
}

// Known reports whether p is one of the built in patterns.
func (p Pattern) Known() bool {
	_, err := ParsePattern(string(p))
	return err == nil && p != ""
}

// Policy describes how the results of one method are cached.
type Policy struct {
	// Method is the name of the cached operation, unique per registry.
	Method string `json:"method" yaml:"method" koanf:"method"`

	// KeyTemplate is a fmt format string; its verbs consume call arguments in order.
	KeyTemplate string `json:"key" yaml:"key" koanf:"key"`

	// TTL of the stored entry. Zero caches indefinitely until evicted.
	TTL time.Duration `json:"ttl" yaml:"ttl" koanf:"ttl"`

	// Tags scope the entry for bulk invalidation.
	Tags []string `json:"tags" yaml:"tags" koanf:"tags"`

	// CacheNullValue stores nil results when true.
	CacheNullValue bool `json:"cache_null_value" yaml:"cache_null_value" koanf:"cache_null_value"`

	// Pattern selects the codec. Empty means PatternPassthrough.
	Pattern Pattern `json:"pattern" yaml:"pattern" koanf:"pattern"`

	// Driver names the backing store. Empty means the default store.
	Driver string `json:"driver" yaml:"driver" koanf:"driver"`
}

// Validate checks the policy fields.
func (p Policy) Validate() error {
	return validation.ValidateStruct(&p,
		validation.Field(&p.Method, validation.Required),
		validation.Field(&p.TTL, validation.Min(time.Duration(0))),
		validation.Field(&p.Pattern, validation.By(func(value any) error {
			pattern, _ := value.(Pattern)
			if pattern == "" {
				return nil
			}
			if _, err := ParsePattern(string(pattern)); err != nil {
				return err
			}
			return nil
		})),
	)
}

// Normalize resolves pattern aliases and drops empty or duplicated tags.
func (p Policy) Normalize() (Policy, error) {
	out := p.Clone()
	pattern, err := ParsePattern(string(p.Pattern))
	if err != nil {
		return Policy{}, err
	}
	out.Pattern = pattern
	out.Tags = DedupeStrings(out.Tags)
	return out, nil
}

// Clone returns a deep copy of the policy.
func (p Policy) Clone() Policy {
	out := p
	if p.Tags != nil {
		out.Tags = append([]string(nil), p.Tags...)
	}
	return out
}

// Forever reports whether entries are written without expiry.
func (p Policy) Forever() bool {
	return p.TTL <= 0
}

// DedupeStrings removes empty and duplicated values preserving first-seen order.
func DedupeStrings(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
