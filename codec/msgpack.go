package codec

import (
	"bytes"
	"reflect"

	"github.com/goliatone/go-call-cache/cache"
	"github.com/vmihailenco/msgpack/v5"
)

// Msgpack stores the object graph envelope as msgpack bytes. Byte slices are
// kept raw rather than base64 wrapped.
type Msgpack struct {
	opts   Options
	prefix string
}

// NewMsgpack creates the msgpack codec.
func NewMsgpack(opts Options) *Msgpack {
	return &Msgpack{opts: opts, prefix: opts.prefix(cache.PatternMsgpack)}
}

// Pattern implements Codec.
func (c *Msgpack) Pattern() cache.Pattern { return cache.PatternMsgpack }

// Prefix implements Codec.
func (c *Msgpack) Prefix() string { return c.prefix }

// Encode walks value and returns its msgpack bytes.
func (c *Msgpack) Encode(value any) (any, error) {
	tree, err := encodeGraph(value, c.opts, false, true)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetSortMapKeys(true)
	if err := enc.Encode(tree); err != nil {
		return nil, cache.NewError(cache.ErrEncoding, "encode", "msgpack", err)
	}
	return buf.Bytes(), nil
}

// Decode parses msgpack bytes, or a string holding them as returned by
// remote stores, and rebuilds the value.
func (c *Msgpack) Decode(stored any, target reflect.Type) (any, error) {
	data, ok := textOf(stored)
	if !ok {
		return stored, nil
	}

	dec := msgpack.NewDecoder(bytes.NewReader(data))
	dec.UseLooseInterfaceDecoding(true)
	var tree any
	if err := dec.Decode(&tree); err != nil {
		return nil, decodeErr("msgpack", err)
	}
	return decodeGraph(tree, target, c.opts)
}
