package codec

import (
	"bytes"
	"encoding/json"
	"reflect"

	"github.com/goliatone/go-call-cache/cache"
)

// Tree stores results as JSON text of the object graph envelope.
//
//	{"__cc_type":"object","__cc_class":"example.com/app.User",
//	 "__cc_properties":{"Name":{"value":"Ada","visibility":"public"}}}
type Tree struct {
	opts   Options
	prefix string
}

// NewTree creates the JSON tree codec.
func NewTree(opts Options) *Tree {
	return &Tree{opts: opts, prefix: opts.prefix(cache.PatternTree)}
}

// Pattern implements Codec.
func (c *Tree) Pattern() cache.Pattern { return cache.PatternTree }

// Prefix implements Codec.
func (c *Tree) Prefix() string { return c.prefix }

// Encode walks value and returns its JSON text.
func (c *Tree) Encode(value any) (any, error) {
	tree, err := encodeGraph(value, c.opts, true, false)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(tree); err != nil {
		return nil, cache.NewError(cache.ErrEncoding, "encode", "json", err)
	}
	return string(bytes.TrimSuffix(buf.Bytes(), []byte("\n"))), nil
}

// Decode parses JSON text and rebuilds the value. Stored values that are not
// text are returned unchanged.
func (c *Tree) Decode(stored any, target reflect.Type) (any, error) {
	data, ok := textOf(stored)
	if !ok {
		return stored, nil
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var tree any
	if err := dec.Decode(&tree); err != nil {
		return nil, decodeErr("json", err)
	}
	if dec.More() {
		return nil, decodeErr("json: trailing data", nil)
	}
	return decodeGraph(tree, target, c.opts)
}

func textOf(stored any) ([]byte, bool) {
	switch s := stored.(type) {
	case string:
		return []byte(s), true
	case []byte:
		return s, true
	}
	return nil, false
}
