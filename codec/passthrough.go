package codec

import (
	"reflect"

	"github.com/goliatone/go-call-cache/cache"
)

// Passthrough stores results unchanged. Use it with stores that keep Go
// values in memory.
type Passthrough struct {
	prefix string
}

// NewPassthrough creates the identity codec.
func NewPassthrough(opts Options) *Passthrough {
	return &Passthrough{prefix: opts.prefix(cache.PatternPassthrough)}
}

// Pattern implements Codec.
func (p *Passthrough) Pattern() cache.Pattern { return cache.PatternPassthrough }

// Prefix implements Codec.
func (p *Passthrough) Prefix() string { return p.prefix }

// Encode returns value as is.
func (p *Passthrough) Encode(value any) (any, error) {
	return value, nil
}

// Decode returns stored as is, converted to target when one is given.
func (p *Passthrough) Decode(stored any, target reflect.Type) (any, error) {
	out, err := Convert(stored, target)
	if err != nil {
		return nil, decodeErr("passthrough", err)
	}
	return out, nil
}
