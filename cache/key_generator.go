package cache

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"strings"
)

// KeyGenerator renders the store key of a policy for one call.
type KeyGenerator interface {
	Render(policy Policy, args ...any) (string, error)
}

// TemplateKeyGenerator renders Policy.KeyTemplate with fmt verbs against the
// call arguments and prepends a namespace.
//
// Arguments are consumed in order by the template verbs. Missing and nil
// arguments render as the empty string, or as zero under the integer and
// float verbs. Extra arguments are ignored.
type TemplateKeyGenerator struct {
	Namespace string
}

// NewKeyGenerator creates a template key generator for the namespace.
func NewKeyGenerator(namespace string) *TemplateKeyGenerator {
	return &TemplateKeyGenerator{Namespace: namespace}
}

// Render implements KeyGenerator.
func (g *TemplateKeyGenerator) Render(policy Policy, args ...any) (string, error) {
	verbs, count, err := scanVerbs(policy.KeyTemplate)
	if err != nil {
		return "", keyError(policy, err.Error())
	}

	formatted := make([]any, count)
	for i := range formatted {
		if i < len(args) {
			formatted[i] = normalizeArg(args[i])
		} else {
			formatted[i] = blank{}
		}
	}

	for _, v := range verbs {
		arg, err := coerceArg(v.letter, formatted[v.index])
		if err != nil {
			return "", keyError(policy, fmt.Sprintf("argument %d for %%%c: %v", v.index+1, v.letter, err))
		}
		formatted[v.index] = arg
	}

	key := fmt.Sprintf(policy.KeyTemplate, formatted...)
	if strings.Contains(key, "%!") && !argsContainMarker(formatted) {
		return "", keyError(policy, "malformed template "+strconv.Quote(policy.KeyTemplate))
	}
	if key == "" {
		return "", keyError(policy, "template rendered an empty key")
	}
	return g.Namespace + key, nil
}

func keyError(policy Policy, detail string) *Error {
	return &Error{Kind: ErrKeyGeneration, Op: "render", Method: policy.Method, Detail: detail}
}

// blank pads missing arguments. It prints nothing under every verb.
type blank struct{}

func (blank) Format(fmt.State, rune) {}

// blankFor returns the padding of a missing argument under letter: zero for
// numeric verbs, nothing otherwise.
func blankFor(letter rune) any {
	switch letter {
	case 'd', 'b', 'o', 'O', 'x', 'X':
		return 0
	case 'e', 'E', 'f', 'F', 'g', 'G':
		return 0.0
	}
	return blank{}
}

type verb struct {
	letter rune
	index  int
}

const knownVerbs = "bcdeEfFgGoOqstUvxX"

// scanVerbs returns the verbs of a fmt template with the argument index each
// one consumes, plus the number of arguments the template needs.
func scanVerbs(template string) ([]verb, int, error) {
	var verbs []verb
	next, count := 0, 0

	for i := 0; i < len(template); i++ {
		if template[i] != '%' {
			continue
		}
		i++
		if i >= len(template) {
			return nil, 0, fmt.Errorf("dangling %% at end of template")
		}
		if template[i] == '%' {
			continue
		}

		for i < len(template) && strings.IndexByte("+-# 0", template[i]) >= 0 {
			i++
		}
		if i < len(template) && template[i] == '[' {
			end := strings.IndexByte(template[i:], ']')
			if end < 0 {
				return nil, 0, fmt.Errorf("unterminated argument index")
			}
			n, err := strconv.Atoi(template[i+1 : i+end])
			if err != nil || n < 1 {
				return nil, 0, fmt.Errorf("bad argument index %q", template[i:i+end+1])
			}
			next = n - 1
			i += end + 1
		}
		for i < len(template) && template[i] >= '0' && template[i] <= '9' {
			i++
		}
		if i < len(template) && template[i] == '.' {
			i++
			for i < len(template) && template[i] >= '0' && template[i] <= '9' {
				i++
			}
		}
		if i >= len(template) {
			return nil, 0, fmt.Errorf("verb missing at end of template")
		}

		letter := rune(template[i])
		if letter == '*' {
			return nil, 0, fmt.Errorf("star width or precision is not supported")
		}
		if !strings.ContainsRune(knownVerbs, letter) {
			return nil, 0, fmt.Errorf("unsupported verb %%%c", letter)
		}

		verbs = append(verbs, verb{letter: letter, index: next})
		next++
		if next > count {
			count = next
		}
	}

	return verbs, count, nil
}

// coerceArg checks that arg suits the verb, converting where the conversion
// is lossless (ints under float verbs, any scalar under %s and %q).
func coerceArg(letter rune, arg any) (any, error) {
	if _, ok := arg.(blank); ok {
		return blankFor(letter), nil
	}

	kind := reflect.ValueOf(arg).Kind()
	switch letter {
	case 'v':
		return arg, nil
	case 's', 'q':
		if _, ok := arg.(string); ok {
			return arg, nil
		}
		return fmt.Sprint(arg), nil
	case 't':
		if kind == reflect.Bool {
			return arg, nil
		}
	case 'd', 'b', 'o', 'O', 'c', 'U':
		if isInteger(kind) {
			return arg, nil
		}
	case 'x', 'X':
		if isInteger(kind) || isFloat(kind) || kind == reflect.String {
			return arg, nil
		}
	case 'e', 'E', 'f', 'F', 'g', 'G':
		if isFloat(kind) || kind == reflect.Complex64 || kind == reflect.Complex128 {
			return arg, nil
		}
		if isInteger(kind) {
			return reflect.ValueOf(arg).Convert(reflect.TypeOf(float64(0))).Interface(), nil
		}
	}
	return nil, fmt.Errorf("incompatible type %T", arg)
}

func isInteger(kind reflect.Kind) bool {
	switch kind {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return true
	}
	return false
}

func isFloat(kind reflect.Kind) bool {
	return kind == reflect.Float32 || kind == reflect.Float64
}

func argsContainMarker(args []any) bool {
	for _, a := range args {
		if s, ok := a.(string); ok && strings.Contains(s, "%!") {
			return true
		}
	}
	return false
}

// normalizeArg turns a call argument into something a template verb can
// print deterministically. Scalars are kept so numeric verbs still apply;
// composite values are flattened to a stable string.
func normalizeArg(v any) any {
	if v == nil {
		return blank{}
	}
	rv := reflect.ValueOf(v)
	for rv.Kind() == reflect.Ptr || rv.Kind() == reflect.Interface {
		if rv.IsNil() {
			return blank{}
		}
		if !isScalar(rv.Elem().Kind()) {
			if s, ok := rv.Interface().(fmt.Stringer); ok {
				return s.String()
			}
		}
		rv = rv.Elem()
	}
	if isScalar(rv.Kind()) {
		return rv.Interface()
	}
	if b, ok := rv.Interface().([]byte); ok {
		return string(b)
	}
	if s, ok := rv.Interface().(fmt.Stringer); ok {
		return s.String()
	}
	return serializeValue(rv)
}

func isScalar(kind reflect.Kind) bool {
	switch kind {
	case reflect.Bool, reflect.String,
		reflect.Float32, reflect.Float64, reflect.Complex64, reflect.Complex128:
		return true
	}
	return isInteger(kind)
}

// serializeValue builds a deterministic textual form of composite values.
func serializeValue(rv reflect.Value) string {
	if !rv.IsValid() {
		return "nil"
	}

	switch rv.Kind() {
	case reflect.Ptr, reflect.Interface:
		if rv.IsNil() {
			return "nil"
		}
		return serializeValue(rv.Elem())
	case reflect.Func:
		if rv.IsNil() {
			return "func:nil"
		}
		return fmt.Sprintf("func:%#x", rv.Pointer())
	case reflect.Chan:
		if rv.IsNil() {
			return "chan:nil"
		}
		return fmt.Sprintf("chan:%#x", rv.Pointer())
	case reflect.Slice:
		if rv.IsNil() {
			return "slice:nil"
		}
		return fmt.Sprintf("slice[%d]:{%s}", rv.Len(), serializeElems(rv))
	case reflect.Array:
		return fmt.Sprintf("array[%d]:{%s}", rv.Len(), serializeElems(rv))
	case reflect.Map:
		if rv.IsNil() {
			return "map:nil"
		}
		return serializeMap(rv)
	case reflect.Struct:
		return serializeStruct(rv)
	case reflect.String:
		return rv.String()
	}

	if rv.CanInterface() {
		if s, ok := rv.Interface().(fmt.Stringer); ok {
			return s.String()
		}
		switch rv.Kind() {
		case reflect.Bool, reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
			reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
			reflect.Float32, reflect.Float64, reflect.Complex64, reflect.Complex128:
			return fmt.Sprintf("%v", rv.Interface())
		}
		if data, err := json.Marshal(rv.Interface()); err == nil {
			return "json:" + string(data)
		}
	}
	return "fallback:" + rv.Type().String()
}

func serializeElems(rv reflect.Value) string {
	parts := make([]string, rv.Len())
	for i := range parts {
		parts[i] = serializeValue(rv.Index(i))
	}
	return strings.Join(parts, ",")
}

func serializeMap(rv reflect.Value) string {
	pairs := make([]string, 0, rv.Len())
	iter := rv.MapRange()
	for iter.Next() {
		pairs = append(pairs, serializeValue(iter.Key())+"="+serializeValue(iter.Value()))
	}
	sort.Strings(pairs)
	return fmt.Sprintf("map[%d]:{%s}", len(pairs), strings.Join(pairs, ","))
}

// serializeStruct keeps exported fields only; unexported state is not part
// of a key.
func serializeStruct(rv reflect.Value) string {
	rt := rv.Type()
	parts := make([]string, 0, rv.NumField())
	for i := 0; i < rv.NumField(); i++ {
		field := rt.Field(i)
		if !field.IsExported() {
			continue
		}
		parts = append(parts, field.Name+":"+serializeValue(rv.Field(i)))
	}
	return fmt.Sprintf("struct:{%s}", strings.Join(parts, ","))
}
