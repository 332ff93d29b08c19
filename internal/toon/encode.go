package toon

import (
	"fmt"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

var (
	identRe  = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
	numberRe = regexp.MustCompile(`^-?[0-9]+(\.[0-9]+)?([eE][+-]?[0-9]+)?$`)
	intKeyRe = regexp.MustCompile(`^-?[0-9]+$`)
)

// Marshal writes tree in the tabular notation.
func Marshal(tree any, opts Options) (string, error) {
	e := &encoder{opts: opts, unit: opts.indentUnit()}

	if obj, ok := e.asObject(tree); ok {
		if err := e.writeObject(obj, 0, 1); err != nil {
			return "", err
		}
	} else if arr, ok := tree.([]any); ok {
		if err := e.writeArray("", arr, 0, 1); err != nil {
			return "", err
		}
	} else {
		prim, err := e.primitive(tree)
		if err != nil {
			return "", err
		}
		return prim, nil
	}

	return strings.TrimSuffix(e.b.String(), "\n"), nil
}

type encoder struct {
	opts Options
	unit string
	b    strings.Builder
}

func (e *encoder) line(depth int, text string) {
	for i := 0; i < depth; i++ {
		e.b.WriteString(e.unit)
	}
	e.b.WriteString(text)
	e.b.WriteByte('\n')
}

func (e *encoder) checkDepth(nest int) error {
	if nest > e.opts.maxDepth() {
		return fmt.Errorf("%w: nesting exceeds max depth %d", ErrUnsupported, e.opts.maxDepth())
	}
	return nil
}

func (e *encoder) writeObject(obj Object, depth, nest int) error {
	if err := e.checkDepth(nest); err != nil {
		return err
	}
	for _, f := range obj {
		if f.Value == nil && e.opts.SkipNulls {
			continue
		}
		keyText, value := e.fold(f.Key, f.Value)
		if err := e.writeField(keyText, value, depth, nest); err != nil {
			return err
		}
	}
	return nil
}

// fold collapses chains of single-key objects into a dotted key.
func (e *encoder) fold(key string, value any) (string, any) {
	if !e.opts.KeyFolding || !identRe.MatchString(key) {
		return encodeKey(key), value
	}
	path := key
	for {
		inner, ok := e.asObject(value)
		if !ok || len(inner) != 1 || !identRe.MatchString(inner[0].Key) {
			break
		}
		if inner[0].Value == nil && e.opts.SkipNulls {
			break
		}
		path += "." + inner[0].Key
		value = inner[0].Value
	}
	return path, value
}

func (e *encoder) writeField(keyText string, value any, depth, nest int) error {
	if obj, ok := e.asObject(value); ok {
		e.line(depth, keyText+":")
		return e.writeObject(obj, depth+1, nest+1)
	}
	if arr, ok := value.([]any); ok {
		return e.writeArray(keyText, arr, depth, nest+1)
	}
	prim, err := e.primitive(value)
	if err != nil {
		return fmt.Errorf("%s: %w", keyText, err)
	}
	e.line(depth, keyText+": "+prim)
	return nil
}

func (e *encoder) bracket(n int) string {
	if e.opts.ExplicitLengths {
		return "[" + strconv.Itoa(n) + "]"
	}
	return "[]"
}

func (e *encoder) writeArray(prefix string, arr []any, depth, nest int) error {
	if err := e.checkDepth(nest); err != nil {
		return err
	}
	header := prefix + e.bracket(len(arr))

	if len(arr) == 0 {
		e.line(depth, header+":")
		return nil
	}

	if prims, ok := e.inlinePrimitives(arr); ok {
		e.line(depth, header+": "+strings.Join(prims, ","))
		return nil
	}

	if e.opts.TabularArrays {
		if fields, rows, ok := e.table(arr); ok {
			keys := make([]string, len(fields))
			for i, f := range fields {
				keys[i] = encodeKey(f)
			}
			e.line(depth, header+"{"+strings.Join(keys, ",")+"}:")
			for _, row := range rows {
				e.line(depth+1, strings.Join(row, ","))
			}
			return nil
		}
	}

	e.line(depth, header+":")
	for _, item := range arr {
		if obj, ok := e.asObject(item); ok {
			e.line(depth+1, "-")
			if err := e.writeObject(obj, depth+2, nest+1); err != nil {
				return err
			}
			continue
		}
		if inner, ok := item.([]any); ok {
			if err := e.writeArray("- ", inner, depth+1, nest+1); err != nil {
				return err
			}
			continue
		}
		prim, err := e.primitive(item)
		if err != nil {
			return err
		}
		e.line(depth+1, "- "+prim)
	}
	return nil
}

func (e *encoder) inlinePrimitives(arr []any) ([]string, bool) {
	out := make([]string, len(arr))
	for i, item := range arr {
		if !isPrimitive(item) {
			return nil, false
		}
		prim, err := e.primitive(item)
		if err != nil {
			return nil, false
		}
		out[i] = prim
	}
	return out, true
}

// table reports whether arr is a uniform array of flat objects and returns
// the header fields and encoded rows.
func (e *encoder) table(arr []any) ([]string, [][]string, bool) {
	first, ok := e.asObject(arr[0])
	if !ok || len(first) == 0 {
		return nil, nil, false
	}
	fields := make([]string, len(first))
	for i, f := range first {
		fields[i] = f.Key
	}

	rows := make([][]string, len(arr))
	for i, item := range arr {
		obj, ok := e.asObject(item)
		if !ok || len(obj) != len(fields) {
			return nil, nil, false
		}
		values := obj.Map()
		row := make([]string, len(fields))
		for j, name := range fields {
			v, present := values[name]
			if !present || !isPrimitive(v) {
				return nil, nil, false
			}
			prim, err := e.primitive(v)
			if err != nil {
				return nil, nil, false
			}
			row[j] = prim
		}
		rows[i] = row
	}
	return fields, rows, true
}

func (e *encoder) primitive(v any) (string, error) {
	switch x := v.(type) {
	case nil:
		return "null", nil
	case bool:
		return strconv.FormatBool(x), nil
	case string:
		return encodeString(x), nil
	case time.Time:
		return strconv.Quote(x.Format(time.RFC3339Nano)), nil
	case int:
		return strconv.FormatInt(int64(x), 10), nil
	case int8:
		return strconv.FormatInt(int64(x), 10), nil
	case int16:
		return strconv.FormatInt(int64(x), 10), nil
	case int32:
		return strconv.FormatInt(int64(x), 10), nil
	case int64:
		return strconv.FormatInt(x, 10), nil
	case uint:
		return strconv.FormatUint(uint64(x), 10), nil
	case uint8:
		return strconv.FormatUint(uint64(x), 10), nil
	case uint16:
		return strconv.FormatUint(uint64(x), 10), nil
	case uint32:
		return strconv.FormatUint(uint64(x), 10), nil
	case uint64:
		return strconv.FormatUint(x, 10), nil
	case float32:
		return formatFloat(float64(x), 32)
	case float64:
		return formatFloat(x, 64)
	}
	return "", fmt.Errorf("%w: %T", ErrUnsupported, v)
}

func formatFloat(f float64, bits int) (string, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return "", fmt.Errorf("%w: non-finite float %v", ErrUnsupported, f)
	}
	s := strconv.FormatFloat(f, 'g', -1, bits)
	if !strings.ContainsAny(s, ".eE") {
		s += ".0"
	}
	return s, nil
}

func encodeString(s string) string {
	if needsQuote(s) {
		return strconv.Quote(s)
	}
	return s
}

func needsQuote(s string) bool {
	if s == "" || s == "null" || s == "true" || s == "false" {
		return true
	}
	if strings.TrimSpace(s) != s {
		return true
	}
	switch s[0] {
	case '-', '+', '.', '[', '{', '"':
		return true
	}
	if s[0] >= '0' && s[0] <= '9' {
		return true
	}
	for _, r := range s {
		if r < 0x20 || r == 0x7f || strings.ContainsRune(`,:"\[]{}#`, r) {
			return true
		}
	}
	return false
}

func encodeKey(k string) string {
	if identRe.MatchString(k) {
		return k
	}
	return strconv.Quote(k)
}

func isPrimitive(v any) bool {
	switch v.(type) {
	case Object, map[string]any, []any:
		return false
	}
	return true
}

// asObject returns v as an ordered object. Maps are ordered by key.
func (e *encoder) asObject(v any) (Object, bool) {
	switch x := v.(type) {
	case Object:
		return x, true
	case map[string]any:
		return sortedObject(x, e.opts.NormalizeNumericKeys), true
	}
	return nil, false
}

func sortedObject(m map[string]any, numeric bool) Object {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sortKeys(keys, numeric)
	out := make(Object, len(keys))
	for i, k := range keys {
		out[i] = Field{Key: k, Value: m[k]}
	}
	return out
}

func sortKeys(keys []string, numeric bool) {
	sort.Slice(keys, func(i, j int) bool {
		if numeric && intKeyRe.MatchString(keys[i]) && intKeyRe.MatchString(keys[j]) {
			a, errA := strconv.ParseInt(keys[i], 10, 64)
			b, errB := strconv.ParseInt(keys[j], 10, 64)
			if errA == nil && errB == nil && a != b {
				return a < b
			}
		}
		return keys[i] < keys[j]
	})
}
