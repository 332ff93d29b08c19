package codec

import (
	"reflect"

	"github.com/goliatone/go-call-cache/cache"
	"github.com/goliatone/go-call-cache/internal/toon"
)

// Codec converts method results to their stored form and back.
//
// Contract:
//   - Concurrency: a Codec is shared by every call of a proxy; Encode and
//     Decode keep all transient state local to the call.
//   - Encode failures wrap cache.ErrUnsupportedValue or cache.ErrEncoding.
//   - Decode failures wrap cache.ErrDecoding or cache.ErrUnknownType.
//   - Decode converts the result to target when target is not nil.
type Codec interface {
	Pattern() cache.Pattern
	// Prefix is prepended to every key written through the codec.
	Prefix() string
	Encode(value any) (any, error)
	Decode(stored any, target reflect.Type) (any, error)
}

// Factory builds a codec.
type Factory func() (Codec, error)

// Factories maps each configured pattern to its factory. A pattern missing
// from the map is unconfigured.
type Factories map[cache.Pattern]Factory

// New builds the codec for pattern.
func (f Factories) New(pattern cache.Pattern) (Codec, error) {
	factory, ok := f[pattern]
	if !ok || factory == nil {
		return nil, cache.NewError(cache.ErrUnconfiguredPattern, "codec", string(pattern), nil)
	}
	return factory()
}

// Options shared by the built in codecs.
type Options struct {
	// Types resolves envelope classes. Nil means DefaultTypes.
	Types *Types
	// MaxDepth bounds object graph nesting. Zero means DefaultMaxDepth.
	MaxDepth int
	// Prefixes sets the key prefix of each pattern. Missing entries are empty.
	Prefixes map[cache.Pattern]string
	// Tabular configures the tabular text notation.
	Tabular TabularOptions
}

// DefaultOptions returns options with the default tabular settings.
func DefaultOptions() Options {
	return Options{Tabular: DefaultTabularOptions()}
}

func (o Options) prefix(p cache.Pattern) string {
	return o.Prefixes[p]
}

// DefaultFactories wires the passthrough, tree, tabular and msgpack codecs.
func DefaultFactories(opts Options) Factories {
	return Factories{
		cache.PatternPassthrough: func() (Codec, error) { return NewPassthrough(opts), nil },
		cache.PatternTree:        func() (Codec, error) { return NewTree(opts), nil },
		cache.PatternTabular:     func() (Codec, error) { return NewTabular(opts) },
		cache.PatternMsgpack:     func() (Codec, error) { return NewMsgpack(opts), nil },
	}
}

// TabularOptions mirrors the option surface of the tabular notation.
type TabularOptions struct {
	ValidateLengths      bool   `json:"validate_lengths" yaml:"validate_lengths" koanf:"validate_lengths"`
	RestoreDates         bool   `json:"restore_dates" yaml:"restore_dates" koanf:"restore_dates"`
	MaxDepth             int    `json:"max_depth" yaml:"max_depth" koanf:"max_depth"`
	ObjectAsArray        bool   `json:"object_as_array" yaml:"object_as_array" koanf:"object_as_array"`
	KeyFolding           bool   `json:"key_folding" yaml:"key_folding" koanf:"key_folding"`
	TabularArrays        bool   `json:"tabular_arrays" yaml:"tabular_arrays" koanf:"tabular_arrays"`
	Indentation          int    `json:"indentation" yaml:"indentation" koanf:"indentation"`
	IndentChar           string `json:"indent_char" yaml:"indent_char" koanf:"indent_char"`
	ExplicitLengths      bool   `json:"explicit_lengths" yaml:"explicit_lengths" koanf:"explicit_lengths"`
	SkipNulls            bool   `json:"skip_nulls" yaml:"skip_nulls" koanf:"skip_nulls"`
	NormalizeNumericKeys bool   `json:"normalize_numeric_keys" yaml:"normalize_numeric_keys" koanf:"normalize_numeric_keys"`
}

// DefaultTabularOptions returns the default tabular settings.
func DefaultTabularOptions() TabularOptions {
	d := toon.DefaultOptions()
	return TabularOptions{
		ValidateLengths:      d.ValidateLengths,
		RestoreDates:         d.RestoreDates,
		MaxDepth:             d.MaxDepth,
		ObjectAsArray:        d.ObjectAsArray,
		KeyFolding:           d.KeyFolding,
		TabularArrays:        d.TabularArrays,
		Indentation:          d.Indentation,
		IndentChar:           d.IndentChar,
		ExplicitLengths:      d.ExplicitLengths,
		SkipNulls:            d.SkipNulls,
		NormalizeNumericKeys: d.NormalizeNumericKeys,
	}
}

func (o TabularOptions) toonOptions() toon.Options {
	return toon.Options{
		ValidateLengths:      o.ValidateLengths,
		RestoreDates:         o.RestoreDates,
		MaxDepth:             o.MaxDepth,
		ObjectAsArray:        o.ObjectAsArray,
		KeyFolding:           o.KeyFolding,
		TabularArrays:        o.TabularArrays,
		Indentation:          o.Indentation,
		IndentChar:           o.IndentChar,
		ExplicitLengths:      o.ExplicitLengths,
		SkipNulls:            o.SkipNulls,
		NormalizeNumericKeys: o.NormalizeNumericKeys,
	}
}

// encodeGraph walks value with a fresh identity set.
func encodeGraph(value any, opts Options, requireUTF8, rawBytes bool) (any, error) {
	g := newGraphEncoder(opts.Types, opts.MaxDepth, requireUTF8, rawBytes)
	return g.encode(reflect.ValueOf(value), 0, "")
}

// decodeGraph rebuilds a tree and converts the result to target.
func decodeGraph(tree any, target reflect.Type, opts Options) (any, error) {
	g := newGraphDecoder(opts.Types, opts.MaxDepth)
	value, err := g.decode(tree, target, 0)
	if err != nil {
		return nil, err
	}
	out, err := Convert(value, target)
	if err != nil {
		return nil, decodeErr("convert result", err)
	}
	return out, nil
}
