package codec

import (
	"reflect"

	"github.com/goliatone/go-call-cache/cache"
	"github.com/goliatone/go-call-cache/internal/toon"
)

// Tabular stores results in the compact tabular text notation. Collections
// of records become one header plus a row per record.
type Tabular struct {
	opts   Options
	text   toon.Options
	prefix string
}

// NewTabular creates the tabular codec. Indentation must use spaces or tabs.
func NewTabular(opts Options) (*Tabular, error) {
	text := opts.Tabular.toonOptions()
	if text.IndentChar != "" && text.IndentChar != " " && text.IndentChar != "\t" {
		return nil, &cache.ConfigError{Field: "tabular.indent_char", Message: "must be a space or a tab"}
	}
	if text.Indentation < 0 || text.MaxDepth < 0 {
		return nil, &cache.ConfigError{Field: "tabular", Message: "indentation and max_depth must not be negative"}
	}
	return &Tabular{opts: opts, text: text, prefix: opts.prefix(cache.PatternTabular)}, nil
}

// Pattern implements Codec.
func (c *Tabular) Pattern() cache.Pattern { return cache.PatternTabular }

// Prefix implements Codec.
func (c *Tabular) Prefix() string { return c.prefix }

// Encode walks value and writes it in the tabular notation.
func (c *Tabular) Encode(value any) (any, error) {
	tree, err := encodeGraph(value, c.opts, true, false)
	if err != nil {
		return nil, err
	}
	text, err := toon.Marshal(tree, c.text)
	if err != nil {
		return nil, cache.NewError(cache.ErrEncoding, "encode", "tabular", err)
	}
	return text, nil
}

// Decode parses tabular text and rebuilds the value. Stored values that are
// not text are returned unchanged.
func (c *Tabular) Decode(stored any, target reflect.Type) (any, error) {
	data, ok := textOf(stored)
	if !ok {
		return stored, nil
	}
	tree, err := toon.Unmarshal(string(data), c.text)
	if err != nil {
		return nil, decodeErr("tabular", err)
	}
	return decodeGraph(toon.Maps(tree), target, c.opts)
}
