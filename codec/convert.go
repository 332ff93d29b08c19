package codec

import (
	"encoding"
	"fmt"
	"math"
	"reflect"
	"strconv"
)

// Convert shapes a decoded value into target. It dereferences or allocates
// pointers, widens and narrows numbers with overflow checks, rebuilds typed
// slices, arrays and maps from their generic forms and parses string map
// keys. A nil target returns value unchanged.
func Convert(value any, target reflect.Type) (any, error) {
	if target == nil {
		return value, nil
	}
	out, err := convertValue(reflect.ValueOf(value), target)
	if err != nil {
		return nil, err
	}
	return out.Interface(), nil
}

func convertValue(v reflect.Value, t reflect.Type) (reflect.Value, error) {
	if !v.IsValid() {
		return reflect.Zero(t), nil
	}
	if v.Kind() == reflect.Interface {
		if v.IsNil() {
			return reflect.Zero(t), nil
		}
		return convertValue(v.Elem(), t)
	}
	if v.Type() == t {
		return v, nil
	}

	switch t.Kind() {
	case reflect.Interface:
		if v.Type().Implements(t) {
			return assign(v, t), nil
		}
		if v.Kind() == reflect.Ptr && !v.IsNil() && v.Elem().Type().Implements(t) {
			return assign(v.Elem(), t), nil
		}
		if v.Kind() != reflect.Ptr && reflect.PointerTo(v.Type()).Implements(t) {
			ptr := reflect.New(v.Type())
			ptr.Elem().Set(v)
			return assign(ptr, t), nil
		}
		return reflect.Value{}, mismatch(v, t)
	case reflect.Ptr:
		if v.Kind() == reflect.Ptr {
			if v.IsNil() {
				return reflect.Zero(t), nil
			}
			if v.Type().AssignableTo(t) {
				return assign(v, t), nil
			}
			v = v.Elem()
		}
		inner, err := convertValue(v, t.Elem())
		if err != nil {
			return reflect.Value{}, err
		}
		ptr := reflect.New(t.Elem())
		ptr.Elem().Set(inner)
		return ptr, nil
	}

	if v.Kind() == reflect.Ptr {
		if v.IsNil() {
			return reflect.Zero(t), nil
		}
		return convertValue(v.Elem(), t)
	}
	if v.Type().AssignableTo(t) {
		return assign(v, t), nil
	}

	switch t.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return toInt(v, t)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return toUint(v, t)
	case reflect.Float32, reflect.Float64:
		return toFloat(v, t)
	case reflect.Bool:
		if v.Kind() == reflect.Bool {
			return v.Convert(t), nil
		}
	case reflect.String:
		switch {
		case v.Kind() == reflect.String:
			return v.Convert(t), nil
		case v.Kind() == reflect.Slice && v.Type().Elem().Kind() == reflect.Uint8:
			return reflect.ValueOf(string(v.Bytes())).Convert(t), nil
		case v.Type().Implements(textMarshalerType):
			text, err := v.Interface().(encoding.TextMarshaler).MarshalText()
			if err != nil {
				return reflect.Value{}, err
			}
			return reflect.ValueOf(string(text)).Convert(t), nil
		}
	case reflect.Slice:
		if t.Elem().Kind() == reflect.Uint8 && v.Kind() == reflect.String {
			return reflect.ValueOf([]byte(v.String())).Convert(t), nil
		}
		if v.Kind() == reflect.Slice || v.Kind() == reflect.Array {
			if v.Kind() == reflect.Slice && v.IsNil() {
				return reflect.Zero(t), nil
			}
			out := reflect.MakeSlice(t, v.Len(), v.Len())
			for i := 0; i < v.Len(); i++ {
				item, err := convertValue(v.Index(i), t.Elem())
				if err != nil {
					return reflect.Value{}, fmt.Errorf("[%d]: %w", i, err)
				}
				out.Index(i).Set(item)
			}
			return out, nil
		}
	case reflect.Array:
		if v.Kind() == reflect.Slice || v.Kind() == reflect.Array {
			if v.Len() != t.Len() {
				return reflect.Value{}, fmt.Errorf("cannot convert %d items to %s", v.Len(), t)
			}
			out := reflect.New(t).Elem()
			for i := 0; i < v.Len(); i++ {
				item, err := convertValue(v.Index(i), t.Elem())
				if err != nil {
					return reflect.Value{}, fmt.Errorf("[%d]: %w", i, err)
				}
				out.Index(i).Set(item)
			}
			return out, nil
		}
	case reflect.Map:
		if v.Kind() == reflect.Map {
			if v.IsNil() {
				return reflect.Zero(t), nil
			}
			out := reflect.MakeMapWithSize(t, v.Len())
			iter := v.MapRange()
			for iter.Next() {
				key, err := convertKey(iter.Key(), t.Key())
				if err != nil {
					return reflect.Value{}, err
				}
				item, err := convertValue(iter.Value(), t.Elem())
				if err != nil {
					return reflect.Value{}, fmt.Errorf("[%v]: %w", iter.Key(), err)
				}
				out.SetMapIndex(key, item)
			}
			return out, nil
		}
	case reflect.Struct:
		if v.Kind() == reflect.String && reflect.PointerTo(t).Implements(textUnmarshalerType) {
			ptr := reflect.New(t)
			if err := ptr.Interface().(encoding.TextUnmarshaler).UnmarshalText([]byte(v.String())); err != nil {
				return reflect.Value{}, err
			}
			return ptr.Elem(), nil
		}
	}

	if v.Kind() == t.Kind() && v.Type().ConvertibleTo(t) {
		return v.Convert(t), nil
	}
	return reflect.Value{}, mismatch(v, t)
}

func assign(v reflect.Value, t reflect.Type) reflect.Value {
	out := reflect.New(t).Elem()
	out.Set(v)
	return out
}

func mismatch(v reflect.Value, t reflect.Type) error {
	return fmt.Errorf("cannot convert %s to %s", v.Type(), t)
}

func toInt(v reflect.Value, t reflect.Type) (reflect.Value, error) {
	var n int64
	switch v.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n = v.Int()
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		u := v.Uint()
		if u > math.MaxInt64 {
			return reflect.Value{}, fmt.Errorf("%d overflows %s", u, t)
		}
		n = int64(u)
	case reflect.Float32, reflect.Float64:
		f := v.Float()
		if f != math.Trunc(f) || f < math.MinInt64 || f >= math.MaxInt64 {
			return reflect.Value{}, fmt.Errorf("%v is not representable as %s", f, t)
		}
		n = int64(f)
	default:
		return reflect.Value{}, mismatch(v, t)
	}
	out := reflect.New(t).Elem()
	if out.OverflowInt(n) {
		return reflect.Value{}, fmt.Errorf("%d overflows %s", n, t)
	}
	out.SetInt(n)
	return out, nil
}

func toUint(v reflect.Value, t reflect.Type) (reflect.Value, error) {
	var n uint64
	switch v.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		i := v.Int()
		if i < 0 {
			return reflect.Value{}, fmt.Errorf("%d overflows %s", i, t)
		}
		n = uint64(i)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		n = v.Uint()
	case reflect.Float32, reflect.Float64:
		f := v.Float()
		if f != math.Trunc(f) || f < 0 || f >= math.MaxUint64 {
			return reflect.Value{}, fmt.Errorf("%v is not representable as %s", f, t)
		}
		n = uint64(f)
	default:
		return reflect.Value{}, mismatch(v, t)
	}
	out := reflect.New(t).Elem()
	if out.OverflowUint(n) {
		return reflect.Value{}, fmt.Errorf("%d overflows %s", n, t)
	}
	out.SetUint(n)
	return out, nil
}

func toFloat(v reflect.Value, t reflect.Type) (reflect.Value, error) {
	var f float64
	switch v.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		f = float64(v.Int())
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		f = float64(v.Uint())
	case reflect.Float32, reflect.Float64:
		f = v.Float()
	default:
		return reflect.Value{}, mismatch(v, t)
	}
	out := reflect.New(t).Elem()
	if out.OverflowFloat(f) {
		return reflect.Value{}, fmt.Errorf("%v overflows %s", f, t)
	}
	out.SetFloat(f)
	return out, nil
}

// convertKey parses string keys into the key kind of the target map.
func convertKey(k reflect.Value, t reflect.Type) (reflect.Value, error) {
	if k.Kind() == reflect.Interface {
		k = k.Elem()
	}
	if k.Kind() != reflect.String || t.Kind() == reflect.String {
		return convertValue(k, t)
	}

	s := k.String()
	out := reflect.New(t).Elem()
	var err error
	switch t.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		var n int64
		if n, err = strconv.ParseInt(s, 10, t.Bits()); err == nil {
			out.SetInt(n)
		}
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		var n uint64
		if n, err = strconv.ParseUint(s, 10, t.Bits()); err == nil {
			out.SetUint(n)
		}
	case reflect.Float32, reflect.Float64:
		var f float64
		if f, err = strconv.ParseFloat(s, t.Bits()); err == nil {
			out.SetFloat(f)
		}
	case reflect.Bool:
		var b bool
		if b, err = strconv.ParseBool(s); err == nil {
			out.SetBool(b)
		}
	default:
		if reflect.PointerTo(t).Implements(textUnmarshalerType) {
			err = out.Addr().Interface().(encoding.TextUnmarshaler).UnmarshalText([]byte(s))
		} else {
			err = fmt.Errorf("unsupported map key type %s", t)
		}
	}
	if err != nil {
		return reflect.Value{}, fmt.Errorf("map key %q: %w", s, err)
	}
	return out, nil
}
