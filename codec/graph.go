package codec

import (
	"encoding"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"reflect"
	"strconv"
	"strings"
	"unicode/utf8"
	"unsafe"

	"github.com/goliatone/go-call-cache/cache"
)

// Envelope keys and kinds. A map carrying KeyType is an envelope, any other
// map is a plain keyed container.
const (
	KeyType       = "__cc_type"
	KeyClass      = "__cc_class"
	KeyProperties = "__cc_properties"
	KeyID         = "__cc_id"
	KeyValue      = "__cc_value"
	KeyRef        = "__cc_ref"

	KindObject            = "object"
	KindCircularReference = "circular_reference"
	KindText              = "text"
	KindBytes             = "bytes"

	VisibilityPublic  = "public"
	VisibilityPrivate = "private"
)

// DefaultMaxDepth bounds nesting when Options.MaxDepth is zero.
const DefaultMaxDepth = 100

// Extensible is implemented by types that accept fields their struct does
// not declare. Returning cache.ErrFieldNotSupported drops the field; any
// other error fails the decode.
type Extensible interface {
	SetCacheField(name string, value any) error
}

var (
	closerType          = reflect.TypeOf((*io.Closer)(nil)).Elem()
	textMarshalerType   = reflect.TypeOf((*encoding.TextMarshaler)(nil)).Elem()
	textUnmarshalerType = reflect.TypeOf((*encoding.TextUnmarshaler)(nil)).Elem()
	extensibleType      = reflect.TypeOf((*Extensible)(nil)).Elem()
)

type visit struct {
	addr uintptr
	typ  reflect.Type
}

// graphEncoder turns a value into a tree of nil, bool, int64, uint64,
// float64, string, []any and map[string]any. One instance serves one Encode
// call; the identity set never outlives it.
type graphEncoder struct {
	types       *Types
	maxDepth    int
	requireUTF8 bool
	rawBytes    bool

	seen map[visit]int64
	next int64
}

func newGraphEncoder(types *Types, maxDepth int, requireUTF8, rawBytes bool) *graphEncoder {
	if types == nil {
		types = DefaultTypes
	}
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	return &graphEncoder{
		types:       types,
		maxDepth:    maxDepth,
		requireUTF8: requireUTF8,
		rawBytes:    rawBytes,
		seen:        make(map[visit]int64),
	}
}

func (g *graphEncoder) encode(v reflect.Value, depth int, path string) (any, error) {
	if !v.IsValid() {
		return nil, nil
	}
	if depth > g.maxDepth {
		return nil, cache.NewError(cache.ErrEncoding, "encode", fmt.Sprintf("%s: nesting exceeds max depth %d", path, g.maxDepth), nil)
	}

	if v.Kind() != reflect.Interface && v.Type().Implements(closerType) {
		return nil, unsupported(path, v.Type())
	}

	switch v.Kind() {
	case reflect.Interface:
		if v.IsNil() {
			return nil, nil
		}
		return g.encode(v.Elem(), depth, path)
	case reflect.Bool:
		return v.Bool(), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return v.Int(), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return v.Uint(), nil
	case reflect.Float32, reflect.Float64:
		return v.Float(), nil
	case reflect.String:
		s := v.String()
		if g.requireUTF8 && !utf8.ValidString(s) {
			return nil, cache.NewError(cache.ErrEncoding, "encode", path+": invalid UTF-8 string", nil)
		}
		return s, nil
	case reflect.Slice:
		if v.IsNil() {
			return nil, nil
		}
		if v.Type().Elem().Kind() == reflect.Uint8 {
			return g.bytes(v.Bytes()), nil
		}
		return g.list(v, depth, path)
	case reflect.Array:
		return g.list(v, depth, path)
	case reflect.Map:
		if v.IsNil() {
			return nil, nil
		}
		return g.mapping(v, depth, path)
	case reflect.Ptr:
		if v.IsNil() {
			return nil, nil
		}
		if v.Elem().Kind() != reflect.Struct {
			return g.encode(v.Elem(), depth, path)
		}
		id := visit{addr: v.Pointer(), typ: v.Type()}
		if seq, ok := g.seen[id]; ok {
			return map[string]any{KeyType: KindCircularReference, KeyID: seq}, nil
		}
		g.next++
		g.seen[id] = g.next
		return g.object(v.Elem(), depth, path, true)
	case reflect.Struct:
		return g.object(v, depth, path, false)
	}

	return nil, unsupported(path, v.Type())
}

func unsupported(path string, rt reflect.Type) error {
	if path == "" {
		path = "value"
	}
	return cache.NewError(cache.ErrUnsupportedValue, "encode", fmt.Sprintf("%s: %s cannot be cached", path, rt), nil)
}

func (g *graphEncoder) bytes(b []byte) any {
	if g.rawBytes {
		return append([]byte(nil), b...)
	}
	return map[string]any{KeyType: KindBytes, KeyValue: base64.StdEncoding.EncodeToString(b)}
}

func (g *graphEncoder) list(v reflect.Value, depth int, path string) (any, error) {
	out := make([]any, v.Len())
	for i := range out {
		item, err := g.encode(v.Index(i), depth+1, path+"["+strconv.Itoa(i)+"]")
		if err != nil {
			return nil, err
		}
		out[i] = item
	}
	return out, nil
}

func (g *graphEncoder) mapping(v reflect.Value, depth int, path string) (any, error) {
	out := make(map[string]any, v.Len())
	iter := v.MapRange()
	for iter.Next() {
		key, err := mapKey(iter.Key())
		if err != nil {
			return nil, unsupported(path+" key", iter.Key().Type())
		}
		item, err := g.encode(iter.Value(), depth+1, path+"."+key)
		if err != nil {
			return nil, err
		}
		out[key] = item
	}
	return out, nil
}

func mapKey(k reflect.Value) (string, error) {
	switch k.Kind() {
	case reflect.String:
		return k.String(), nil
	case reflect.Bool, reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return fmt.Sprint(k.Interface()), nil
	case reflect.Interface:
		if !k.IsNil() {
			return mapKey(k.Elem())
		}
	}
	if k.Type().Implements(textMarshalerType) {
		text, err := k.Interface().(encoding.TextMarshaler).MarshalText()
		return string(text), err
	}
	return "", errors.New("unsupported map key")
}

// object encodes struct v. ref marks a struct reached through a pointer so
// the decoder hands back the same shape.
func (g *graphEncoder) object(v reflect.Value, depth int, path string, ref bool) (any, error) {
	rt := v.Type()
	class := TypeName(rt)
	g.types.RegisterType(rt)

	if !v.CanAddr() {
		cp := reflect.New(rt).Elem()
		cp.Set(v)
		v = cp
	}

	if rt.Implements(textMarshalerType) && reflect.PointerTo(rt).Implements(textUnmarshalerType) {
		text, err := v.Interface().(encoding.TextMarshaler).MarshalText()
		if err != nil {
			return nil, cache.NewError(cache.ErrEncoding, "encode", path+": "+class, err)
		}
		return withRef(map[string]any{KeyType: KindText, KeyClass: class, KeyValue: string(text)}, ref), nil
	}

	props := make(map[string]any, rt.NumField())
	var extra reflect.Value

	for i := 0; i < rt.NumField(); i++ {
		sf := rt.Field(i)
		name, opts := parseTag(sf)
		if name == "-" {
			continue
		}
		fv := fieldValue(v, i)
		if opts.extra {
			extra = fv
			continue
		}

		encoded, err := g.encode(fv, depth+1, path+"."+sf.Name)
		if err != nil {
			return nil, err
		}
		visibility := VisibilityPublic
		if !sf.IsExported() {
			visibility = VisibilityPrivate
		}
		props[sf.Name] = map[string]any{"value": encoded, "visibility": visibility}
	}

	if extra.IsValid() && !extra.IsNil() {
		iter := extra.MapRange()
		for iter.Next() {
			name := iter.Key().String()
			if _, declared := props[name]; declared {
				continue
			}
			encoded, err := g.encode(iter.Value(), depth+1, path+"."+name)
			if err != nil {
				return nil, err
			}
			props[name] = map[string]any{"value": encoded, "visibility": VisibilityPublic}
		}
	}

	return withRef(map[string]any{KeyType: KindObject, KeyClass: class, KeyProperties: props}, ref), nil
}

func withRef(envelope map[string]any, ref bool) map[string]any {
	if ref {
		envelope[KeyRef] = true
	}
	return envelope
}

// addressed reports whether an envelope was encoded from a pointer.
func addressed(m map[string]any) bool {
	ref, _ := m[KeyRef].(bool)
	return ref
}

// shaped returns the pointer ptr or the value it points to, matching how
// the envelope m was encoded.
func shaped(ptr reflect.Value, m map[string]any) any {
	if addressed(m) {
		return ptr.Interface()
	}
	return ptr.Elem().Interface()
}

type tagOptions struct {
	extra bool
}

// parseTag reads the `cache` struct tag. `cache:"-"` skips the field and
// `cache:",extra"` marks a map[string]any holding undeclared fields.
func parseTag(sf reflect.StructField) (string, tagOptions) {
	tag := sf.Tag.Get("cache")
	if tag == "-" {
		return "-", tagOptions{}
	}
	name, rest, _ := strings.Cut(tag, ",")
	opts := tagOptions{}
	for _, o := range strings.Split(rest, ",") {
		if o == "extra" && sf.Type.Kind() == reflect.Map && sf.Type.Key().Kind() == reflect.String {
			opts.extra = true
		}
	}
	return name, opts
}

// fieldValue returns field i of the addressable struct v with read and write
// access, unexported fields included.
func fieldValue(v reflect.Value, i int) reflect.Value {
	fv := v.Field(i)
	if fv.CanSet() {
		return fv
	}
	return reflect.NewAt(fv.Type(), unsafe.Pointer(fv.UnsafeAddr())).Elem()
}

// graphDecoder rebuilds Go values from a tree produced by graphEncoder and
// a serializer round trip.
type graphDecoder struct {
	types    *Types
	maxDepth int
}

func newGraphDecoder(types *Types, maxDepth int) *graphDecoder {
	if types == nil {
		types = DefaultTypes
	}
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	return &graphDecoder{types: types, maxDepth: maxDepth}
}

// decode rebuilds node. hint is the type the caller will convert the result
// to, or nil; it guides element decoding and resolves unregistered classes.
func (g *graphDecoder) decode(node any, hint reflect.Type, depth int) (any, error) {
	if depth > g.maxDepth {
		return nil, decodeErr("nesting exceeds max depth", nil)
	}
	hint = concrete(hint)

	switch x := node.(type) {
	case nil, bool, string, int64, uint64, float64:
		return x, nil
	case int:
		return int64(x), nil
	case int8:
		return int64(x), nil
	case int16:
		return int64(x), nil
	case int32:
		return int64(x), nil
	case uint:
		return normalizeUint(uint64(x)), nil
	case uint8:
		return int64(x), nil
	case uint16:
		return int64(x), nil
	case uint32:
		return int64(x), nil
	case float32:
		return float64(x), nil
	case []byte:
		return append([]byte(nil), x...), nil
	case json.Number:
		return parseNumber(x.String())
	case []any:
		return g.list(x, hint, depth)
	case map[string]any:
		return g.mapping(x, hint, depth)
	case map[any]any:
		m := make(map[string]any, len(x))
		for k, v := range x {
			m[fmt.Sprint(k)] = v
		}
		return g.mapping(m, hint, depth)
	}

	return node, nil
}

func normalizeUint(n uint64) any {
	if n <= math.MaxInt64 {
		return int64(n)
	}
	return n
}

func parseNumber(s string) (any, error) {
	if !strings.ContainsAny(s, ".eE") {
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return n, nil
		}
		if n, err := strconv.ParseUint(s, 10, 64); err == nil {
			return n, nil
		}
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil, decodeErr("bad number "+s, err)
	}
	return f, nil
}

// concrete strips pointers from hint and drops interface hints.
func concrete(hint reflect.Type) reflect.Type {
	for hint != nil && hint.Kind() == reflect.Ptr {
		hint = hint.Elem()
	}
	if hint != nil && hint.Kind() == reflect.Interface {
		return nil
	}
	return hint
}

func decodeErr(detail string, cause error) error {
	return cache.NewError(cache.ErrDecoding, "decode", detail, cause)
}

func (g *graphDecoder) list(items []any, hint reflect.Type, depth int) (any, error) {
	var elem reflect.Type
	if hint != nil && (hint.Kind() == reflect.Slice || hint.Kind() == reflect.Array) {
		elem = hint.Elem()
	}
	out := make([]any, len(items))
	for i, item := range items {
		v, err := g.decode(item, elem, depth+1)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (g *graphDecoder) mapping(m map[string]any, hint reflect.Type, depth int) (any, error) {
	if kind, ok := m[KeyType].(string); ok {
		switch kind {
		case KindCircularReference:
			return nil, nil
		case KindObject:
			return g.object(m, hint, depth)
		case KindText:
			return g.text(m, hint)
		case KindBytes:
			s, _ := m[KeyValue].(string)
			b, err := base64.StdEncoding.DecodeString(s)
			if err != nil {
				return nil, decodeErr("bad bytes envelope", err)
			}
			return b, nil
		}
		return nil, decodeErr("unknown envelope kind "+strconv.Quote(kind), nil)
	}

	var elem reflect.Type
	if hint != nil && hint.Kind() == reflect.Map {
		elem = hint.Elem()
	}
	out := make(map[string]any, len(m))
	for k, item := range m {
		v, err := g.decode(item, elem, depth+1)
		if err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, nil
}

// resolve finds the Go type of class: the registry first, then the hint
// when its name matches.
func (g *graphDecoder) resolve(class string, hint reflect.Type) (reflect.Type, error) {
	if hint != nil && TypeName(hint) == class {
		return hint, nil
	}
	if rt, ok := g.types.Lookup(class); ok {
		return rt, nil
	}
	return nil, cache.NewError(cache.ErrUnknownType, "decode", strconv.Quote(class), nil)
}

func (g *graphDecoder) text(m map[string]any, hint reflect.Type) (any, error) {
	class, _ := m[KeyClass].(string)
	rt, err := g.resolve(class, hint)
	if err != nil {
		return nil, err
	}
	if !reflect.PointerTo(rt).Implements(textUnmarshalerType) {
		return nil, decodeErr(class+" does not implement encoding.TextUnmarshaler", nil)
	}
	var text string
	switch v := m[KeyValue].(type) {
	case string:
		text = v
	case encoding.TextMarshaler:
		raw, err := v.MarshalText()
		if err != nil {
			return nil, decodeErr(class, err)
		}
		text = string(raw)
	}
	ptr := reflect.New(rt)
	if err := ptr.Interface().(encoding.TextUnmarshaler).UnmarshalText([]byte(text)); err != nil {
		return nil, decodeErr(class, err)
	}
	return shaped(ptr, m), nil
}

// object allocates a bare instance of the recorded class and assigns every
// recorded property. It returns a pointer to the instance when the envelope
// was encoded from one, the instance itself otherwise.
func (g *graphDecoder) object(m map[string]any, hint reflect.Type, depth int) (any, error) {
	class, _ := m[KeyClass].(string)
	rt, err := g.resolve(class, hint)
	if err != nil {
		return nil, err
	}
	if rt.Kind() != reflect.Struct {
		return nil, decodeErr(class+" is not a struct type", nil)
	}
	props, err := asProperties(m[KeyProperties])
	if err != nil {
		return nil, decodeErr(class, err)
	}

	ptr := reflect.New(rt)
	obj := ptr.Elem()

	declared := make(map[string]int, rt.NumField())
	extraIndex := -1
	for i := 0; i < rt.NumField(); i++ {
		sf := rt.Field(i)
		name, opts := parseTag(sf)
		switch {
		case name == "-":
		case opts.extra:
			extraIndex = i
		default:
			declared[sf.Name] = i
		}
	}

	for name, raw := range props {
		prop, ok := raw.(map[string]any)
		if !ok {
			return nil, decodeErr(fmt.Sprintf("%s.%s: malformed property", class, name), nil)
		}

		if i, ok := declared[name]; ok {
			field := fieldValue(obj, i)
			value, err := g.decode(prop["value"], field.Type(), depth+1)
			if err != nil {
				return nil, err
			}
			converted, err := convertValue(reflect.ValueOf(value), field.Type())
			if err != nil {
				return nil, decodeErr(fmt.Sprintf("%s.%s", class, name), err)
			}
			field.Set(converted)
			continue
		}

		value, err := g.decode(prop["value"], nil, depth+1)
		if err != nil {
			return nil, err
		}
		if err := g.setDynamic(ptr, extraIndex, name, value); err != nil {
			return nil, decodeErr(fmt.Sprintf("%s.%s", class, name), err)
		}
	}

	return shaped(ptr, m), nil
}

// setDynamic attaches an undeclared field through the extra map or the
// Extensible hook. Types offering neither drop the field.
func (g *graphDecoder) setDynamic(ptr reflect.Value, extraIndex int, name string, value any) error {
	if extraIndex >= 0 {
		extra := fieldValue(ptr.Elem(), extraIndex)
		if extra.IsNil() {
			extra.Set(reflect.MakeMap(extra.Type()))
		}
		v, err := convertValue(reflect.ValueOf(value), extra.Type().Elem())
		if err != nil {
			return err
		}
		extra.SetMapIndex(reflect.ValueOf(name).Convert(extra.Type().Key()), v)
		return nil
	}
	if ptr.Type().Implements(extensibleType) {
		err := ptr.Interface().(Extensible).SetCacheField(name, value)
		if err != nil && !errors.Is(err, cache.ErrFieldNotSupported) {
			return err
		}
	}
	return nil
}

func asProperties(raw any) (map[string]any, error) {
	switch p := raw.(type) {
	case nil:
		return nil, nil
	case map[string]any:
		return p, nil
	case map[any]any:
		out := make(map[string]any, len(p))
		for k, v := range p {
			if inner, ok := v.(map[any]any); ok {
				converted := make(map[string]any, len(inner))
				for ik, iv := range inner {
					converted[fmt.Sprint(ik)] = iv
				}
				v = converted
			}
			out[fmt.Sprint(k)] = v
		}
		return out, nil
	}
	return nil, fmt.Errorf("properties must be a map, got %T", raw)
}
