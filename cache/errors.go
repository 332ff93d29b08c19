package cache

import (
	"errors"
	"strings"
)

// Sentinel errors identifying each failure class of the call cache.
// Use errors.Is against these; the concrete error is usually an *Error.
var (
	ErrNoSuchMethod        = errors.New("cache: no such method")
	ErrUnknownCachedMethod = errors.New("cache: method has no caching policy")
	ErrKeyGeneration       = errors.New("cache: key generation failed")
	ErrUnconfiguredPattern = errors.New("cache: pattern is not configured")
	ErrUnsupportedValue    = errors.New("cache: value cannot be cached")
	ErrEncoding            = errors.New("cache: encoding failed")
	ErrDecoding            = errors.New("cache: decoding failed")
	ErrUnknownType         = errors.New("cache: unknown type")
	ErrInvalidArgument     = errors.New("cache: invalid argument")
	ErrUnknownDriver       = errors.New("cache: unknown store driver")

	// ErrFieldNotSupported is returned by Extensible implementations that
	// refuse a dynamic field. It is the only decode error that is swallowed.
	ErrFieldNotSupported = errors.New("cache: field not supported")
)

// Error carries the context of a failed cache operation.
type Error struct {
	// Kind is one of the sentinel errors above.
	Kind   error
	Op     string
	Method string
	Key    string
	Detail string
	Err    error
}

// NewError builds an *Error of the given kind.
func NewError(kind error, op, detail string, cause error) *Error {
	return &Error{Kind: kind, Op: op, Detail: detail, Err: cause}
}

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder
	if e.Kind != nil {
		b.WriteString(e.Kind.Error())
	} else {
		b.WriteString("cache: error")
	}
	if e.Op != "" {
		b.WriteString(" [" + e.Op + "]")
	}
	if e.Method != "" {
		b.WriteString(" method=" + e.Method)
	}
	if e.Key != "" {
		b.WriteString(" key=" + e.Key)
	}
	if e.Detail != "" {
		b.WriteString(": " + e.Detail)
	}
	if e.Err != nil {
		b.WriteString(": " + e.Err.Error())
	}
	return b.String()
}

// Is reports whether target is the kind sentinel of this error.
func (e *Error) Is(target error) bool {
	return e.Kind != nil && target == e.Kind
}

// Unwrap exposes the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// WithMethod returns a copy of the error annotated with the method name.
func (e *Error) WithMethod(method string) *Error {
	cp := *e
	cp.Method = method
	return &cp
}

// ConfigError represents a configuration validation error.
type ConfigError struct {
	Field   string
	Message string
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	return "config error in field " + e.Field + ": " + e.Message
}
