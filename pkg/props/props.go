// Package props provides a type-keyed capability table attached to
// connections and listeners. Higher layers (TLS, connection ids, lifetime
// notifications) discover optional capabilities by looking up their type.
//
// A Collection has three tiers:
//
//   - an overlay of values set at runtime with Set (last write wins)
//   - built-in values fixed at construction with Builtin
//   - an optional fallback lookup, used by adapters that wrap another
//     connection model
//
// Lookups never fail for a missing capability; they report found=false.
package props

import (
	"errors"
	"fmt"
	"reflect"
	"sync"
)

// ErrCapabilityMissing is returned by Require when a capability is not available.
var ErrCapabilityMissing = errors.New("capability not available")

// Lookup resolves a capability by its type key.
type Lookup func(key reflect.Type) (any, bool)

// Option configures a Collection at construction.
type Option func(*Collection)

// Builtin registers v as an immutable built-in capability keyed by T.
func Builtin[T any](v T) Option {
	return func(c *Collection) {
		c.builtin[reflect.TypeFor[T]()] = v
	}
}

// WithFallback installs a lookup consulted after the overlay and built-ins.
func WithFallback(fn Lookup) Option {
	return func(c *Collection) {
		c.fallback = fn
	}
}

// Collection is a type-keyed capability table. It is safe for concurrent use.
type Collection struct {
	mu       sync.RWMutex
	overlay  map[reflect.Type]any
	builtin  map[reflect.Type]any
	fallback Lookup
}

// New creates a Collection with the given options applied.
func New(opts ...Option) *Collection {
	c := &Collection{
		overlay: make(map[reflect.Type]any),
		builtin: make(map[reflect.Type]any),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// TryGet looks up the capability registered under key.
func (c *Collection) TryGet(key reflect.Type) (any, bool) {
	if c == nil {
		return nil, false
	}

	c.mu.RLock()
	v, ok := c.overlay[key]
	if !ok {
		v, ok = c.builtin[key]
	}
	fallback := c.fallback
	c.mu.RUnlock()

	if ok {
		return v, true
	}
	if fallback != nil {
		return fallback(key)
	}
	return nil, false
}

// SetValue stores v under key in the overlay. A nil v removes the overlay entry,
// which makes built-ins and the fallback visible again.
func (c *Collection) SetValue(key reflect.Type, v any) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if v == nil {
		delete(c.overlay, key)
		return
	}
	c.overlay[key] = v
}

// Overlay returns a snapshot of the runtime-assigned values.
func (c *Collection) Overlay() map[reflect.Type]any {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[reflect.Type]any, len(c.overlay))
	for k, v := range c.overlay {
		out[k] = v
	}
	return out
}

// Get returns the capability of type T.
func Get[T any](c *Collection) (T, bool) {
	var zero T
	v, ok := c.TryGet(reflect.TypeFor[T]())
	if !ok {
		return zero, false
	}
	t, ok := v.(T)
	if !ok {
		return zero, false
	}
	return t, true
}

// Require returns the capability of type T or an error wrapping ErrCapabilityMissing.
func Require[T any](c *Collection) (T, error) {
	v, ok := Get[T](c)
	if !ok {
		return v, fmt.Errorf("%w: %s", ErrCapabilityMissing, reflect.TypeFor[T]())
	}
	return v, nil
}

// Set stores v as the capability of type T, overriding built-ins and the fallback.
func Set[T any](c *Collection, v T) {
	c.SetValue(reflect.TypeFor[T](), v)
}

// Delete removes the overlay entry for T.
func Delete[T any](c *Collection) {
	c.SetValue(reflect.TypeFor[T](), nil)
}
