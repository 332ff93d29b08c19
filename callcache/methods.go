package callcache

import (
	"context"
	"fmt"
	"reflect"

	"github.com/goliatone/go-call-cache/cache"
	"github.com/goliatone/go-call-cache/codec"
)

// Method is one dispatchable operation of a proxied target.
type Method struct {
	// Fn invokes the operation with the call arguments.
	Fn func(ctx context.Context, args ...any) (any, error)
	// Out is the declared result type. Cache hits are decoded into it so
	// hits and misses return the same Go type. Nil keeps decoded values as is.
	Out reflect.Type
}

// Methods is the dispatch table of a target, keyed by method name.
type Methods map[string]Method

// Lookup returns the method registered under name.
func (m Methods) Lookup(name string) (Method, bool) {
	method, ok := m[name]
	if !ok || method.Fn == nil {
		return Method{}, false
	}
	return method, true
}

// Names returns the method names in no particular order.
func (m Methods) Names() []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	return names
}

var (
	contextType = reflect.TypeFor[context.Context]()
	errorType   = reflect.TypeFor[error]()
)

// Func0 adapts a method without arguments.
func Func0[R any](fn func(context.Context) (R, error)) Method {
	return Method{
		Out: reflect.TypeFor[R](),
		Fn: func(ctx context.Context, _ ...any) (any, error) {
			return fn(ctx)
		},
	}
}

// Func1 adapts a method with one argument.
func Func1[A, R any](fn func(context.Context, A) (R, error)) Method {
	return Method{
		Out: reflect.TypeFor[R](),
		Fn: func(ctx context.Context, args ...any) (any, error) {
			a, err := argAt[A](args, 0)
			if err != nil {
				return nil, err
			}
			return fn(ctx, a)
		},
	}
}

// Func2 adapts a method with two arguments.
func Func2[A, B, R any](fn func(context.Context, A, B) (R, error)) Method {
	return Method{
		Out: reflect.TypeFor[R](),
		Fn: func(ctx context.Context, args ...any) (any, error) {
			a, err := argAt[A](args, 0)
			if err != nil {
				return nil, err
			}
			b, err := argAt[B](args, 1)
			if err != nil {
				return nil, err
			}
			return fn(ctx, a, b)
		},
	}
}

// Func3 adapts a method with three arguments.
func Func3[A, B, C, R any](fn func(context.Context, A, B, C) (R, error)) Method {
	return Method{
		Out: reflect.TypeFor[R](),
		Fn: func(ctx context.Context, args ...any) (any, error) {
			a, err := argAt[A](args, 0)
			if err != nil {
				return nil, err
			}
			b, err := argAt[B](args, 1)
			if err != nil {
				return nil, err
			}
			c, err := argAt[C](args, 2)
			if err != nil {
				return nil, err
			}
			return fn(ctx, a, b, c)
		},
	}
}

// argAt returns args[i] as T, converting compatible values (an int for an
// int64 parameter, a []any for a []string parameter).
func argAt[T any](args []any, i int) (T, error) {
	var zero T
	if i >= len(args) {
		return zero, argError(i, fmt.Errorf("missing argument, have %d", len(args)))
	}
	if args[i] == nil {
		return zero, nil
	}
	if v, ok := args[i].(T); ok {
		return v, nil
	}
	converted, err := codec.Convert(args[i], reflect.TypeFor[T]())
	if err != nil {
		return zero, argError(i, err)
	}
	return converted.(T), nil
}

func argError(i int, err error) error {
	return cache.NewError(cache.ErrInvalidArgument, "dispatch", fmt.Sprintf("argument %d", i), err)
}

// ReflectMethods builds the dispatch table from the exported methods of
// target with the shape func(context.Context, ...) (R, error). Variadic
// methods and methods of any other shape are skipped.
func ReflectMethods(target any) Methods {
	methods := Methods{}
	if target == nil {
		return methods
	}
	rv := reflect.ValueOf(target)
	rt := rv.Type()
	for i := 0; i < rt.NumMethod(); i++ {
		m := rt.Method(i)
		if !m.IsExported() {
			continue
		}
		fn := rv.Method(i)
		ft := fn.Type()
		if ft.IsVariadic() || ft.NumIn() == 0 || ft.In(0) != contextType {
			continue
		}
		if ft.NumOut() != 2 || ft.Out(1) != errorType {
			continue
		}
		methods[m.Name] = reflectMethod(fn, ft)
	}
	return methods
}

func reflectMethod(fn reflect.Value, ft reflect.Type) Method {
	return Method{
		Out: ft.Out(0),
		Fn: func(ctx context.Context, args ...any) (any, error) {
			in := make([]reflect.Value, ft.NumIn())
			in[0] = reflect.ValueOf(ctx)
			for i := 1; i < ft.NumIn(); i++ {
				param := ft.In(i)
				if i-1 >= len(args) {
					return nil, argError(i-1, fmt.Errorf("missing argument, have %d", len(args)))
				}
				arg, err := codec.Convert(args[i-1], param)
				if err != nil {
					return nil, argError(i-1, err)
				}
				if arg == nil {
					in[i] = reflect.Zero(param)
				} else {
					in[i] = reflect.ValueOf(arg)
				}
			}
			out := fn.Call(in)
			if errValue := out[1]; !errValue.IsNil() {
				return nil, errValue.Interface().(error)
			}
			return out[0].Interface(), nil
		},
	}
}
