// Package registry provides typed lookup of process-wide services and scoped
// child registries for sub-agents. Services are resolved by interface type,
// not by string key, so a missing wiring is caught at the call site.
package registry

import (
	"fmt"
	"reflect"
	"sync"
)

// Registry holds named singleton services. A child registry resolves locally
// first and falls back to its parent, so sub-agents can override individual
// services (tool manager, model client) without copying the rest.
type Registry struct {
	mu       sync.RWMutex
	parent   *Registry
	services map[reflect.Type]any
}

// New creates an empty root registry.
func New() *Registry {
	return &Registry{services: make(map[reflect.Type]any)}
}

// NewChild creates a scoped registry that falls back to r for unset services.
func (r *Registry) NewChild() *Registry {
	return &Registry{parent: r, services: make(map[reflect.Type]any)}
}

// Set registers svc under the interface type T, replacing any previous value.
func Set[T any](r *Registry, svc T) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.services[typeOf[T]()] = svc
}

// Get resolves the service registered under T, walking up the parent chain.
func Get[T any](r *Registry) (T, error) {
	var zero T
	key := typeOf[T]()
	for cur := r; cur != nil; cur = cur.parent {
		cur.mu.RLock()
		svc, ok := cur.services[key]
		cur.mu.RUnlock()
		if ok {
			return svc.(T), nil
		}
	}
	return zero, fmt.Errorf("registry: no service registered for %s", key)
}

// MustGet resolves T or panics. For wiring done at startup where a missing
// service is a programmer error.
func MustGet[T any](r *Registry) T {
	svc, err := Get[T](r)
	if err != nil {
		panic(err)
	}
	return svc
}

// Has reports whether T is resolvable from r or any ancestor.
func Has[T any](r *Registry) bool {
	_, err := Get[T](r)
	return err == nil
}

func typeOf[T any]() reflect.Type {
	return reflect.TypeOf((*T)(nil)).Elem()
}
