package codec

import (
	"reflect"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
)

// Types resolves the class names recorded in object envelopes back to Go
// types. It is safe for concurrent use.
type Types struct {
	byName *xsync.MapOf[string, reflect.Type]
}

// DefaultTypes is shared by codecs created without an explicit registry.
var DefaultTypes = NewTypes(time.Time{})

// NewTypes creates a registry holding the types of samples.
func NewTypes(samples ...any) *Types {
	t := &Types{byName: xsync.NewMapOf[string, reflect.Type]()}
	t.Register(samples...)
	return t
}

// Register records the dynamic type of every sample. Pointers are
// dereferenced so Register(&User{}) and Register(User{}) are equivalent.
func (t *Types) Register(samples ...any) {
	for _, s := range samples {
		if s == nil {
			continue
		}
		t.RegisterType(reflect.TypeOf(s))
	}
}

// RegisterType records rt under its TypeName.
func (t *Types) RegisterType(rt reflect.Type) {
	for rt.Kind() == reflect.Ptr {
		rt = rt.Elem()
	}
	t.byName.LoadOrStore(TypeName(rt), rt)
}

// Lookup returns the type registered under name.
func (t *Types) Lookup(name string) (reflect.Type, bool) {
	return t.byName.Load(name)
}

// Len returns the number of registered types.
func (t *Types) Len() int {
	return t.byName.Size()
}

// TypeName is the class identifier written into envelopes: the package
// path and the type name, or the type literal for unnamed types.
func TypeName(rt reflect.Type) string {
	for rt.Kind() == reflect.Ptr {
		rt = rt.Elem()
	}
	if rt.Name() == "" || rt.PkgPath() == "" {
		return rt.String()
	}
	return rt.PkgPath() + "." + rt.Name()
}
