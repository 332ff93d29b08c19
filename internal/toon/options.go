// Package toon implements a compact, indentation based text notation for
// value trees. Uniform arrays of flat records are written as tables with a
// single header, which keeps cached collections small and readable.
//
// Supported tree values are nil, bool, integer and float kinds, string,
// time.Time, []any, map[string]any and Object.
//
//	user:
//	  name: Ada
//	  tags[2]: admin,ops
//	rows[2]{id,name}:
//	  1,Ada
//	  2,Grace
package toon

import (
	"errors"
)

// ErrSyntax is wrapped by every Unmarshal parse failure.
var ErrSyntax = errors.New("toon: syntax error")

// ErrUnsupported is wrapped when Marshal meets a value it cannot write.
var ErrUnsupported = errors.New("toon: unsupported value")

// Options configure Marshal and Unmarshal. Use the same options on both sides.
type Options struct {
	// ValidateLengths rejects arrays whose declared [N] differs from the parsed count.
	ValidateLengths bool
	// RestoreDates turns RFC 3339 strings back into time.Time on Unmarshal.
	RestoreDates bool
	// MaxDepth bounds object/array nesting on both sides. Zero means 100.
	MaxDepth int
	// ObjectAsArray makes Unmarshal return objects as ordered Object values
	// instead of map[string]any.
	ObjectAsArray bool
	// KeyFolding writes chains of single-key objects as dotted paths (a.b.c: 1)
	// and expands unquoted dotted keys on Unmarshal.
	KeyFolding bool
	// TabularArrays writes uniform arrays of flat objects as tables.
	TabularArrays bool
	// Indentation is the number of IndentChar per nesting level. Zero means 2.
	Indentation int
	// IndentChar is the indentation character, a space or a tab. Empty means space.
	IndentChar string
	// ExplicitLengths writes [N] array headers; otherwise headers are [].
	ExplicitLengths bool
	// SkipNulls omits object fields whose value is nil.
	SkipNulls bool
	// NormalizeNumericKeys orders integer-like object keys numerically
	// (2 before 10) instead of lexically.
	NormalizeNumericKeys bool
}

// DefaultOptions mirrors the defaults of the cache configuration.
func DefaultOptions() Options {
	return Options{
		ValidateLengths:      true,
		RestoreDates:         false,
		MaxDepth:             100,
		ObjectAsArray:        false,
		KeyFolding:           true,
		TabularArrays:        true,
		Indentation:          2,
		IndentChar:           " ",
		ExplicitLengths:      true,
		SkipNulls:            false,
		NormalizeNumericKeys: true,
	}
}

func (o Options) maxDepth() int {
	if o.MaxDepth <= 0 {
		return 100
	}
	return o.MaxDepth
}

func (o Options) indentUnit() string {
	char := o.IndentChar
	if char == "" {
		char = " "
	}
	width := o.Indentation
	if width <= 0 {
		width = 2
	}
	out := ""
	for i := 0; i < width; i++ {
		out += char
	}
	return out
}

// Field is one entry of an ordered Object.
type Field struct {
	Key   string
	Value any
}

// Object is an object whose field order is preserved.
type Object []Field

// Map converts the object to a map. Later duplicates win.
func (o Object) Map() map[string]any {
	out := make(map[string]any, len(o))
	for _, f := range o {
		out[f.Key] = f.Value
	}
	return out
}
