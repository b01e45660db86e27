// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Loom Contributors

package loom

import (
	"reflect"
	"sort"
	"sync"
)

// ServiceEvent is emitted (parallel strategy) after a service write and
// its cascade have completed. The single argument is the service name.
const ServiceEvent = "internal/service"

// serviceTable is the process-wide name → value mapping shared by
// reference across all contexts. The lock covers raw access only; write
// cascades follow the kernel's cooperative discipline.
type serviceTable struct {
	mu     sync.RWMutex
	values map[string]any
}

func newServiceTable() *serviceTable {
	return &serviceTable{values: make(map[string]any)}
}

// get returns the current value, nil when absent.
func (t *serviceTable) get(name string) any {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.values[name]
}

// store installs a value; nil removes the entry.
func (t *serviceTable) store(name string, v any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if v == nil {
		delete(t.values, name)
		return
	}
	t.values[name] = v
}

// names returns the sorted names with a current value.
func (t *serviceTable) names() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, 0, len(t.values))
	for name := range t.values {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// sameRef reports reference identity: pointer identity for pointer-shaped
// kinds, == for comparable values. A write of a sameRef value is a no-op;
// any other write, including nil, is a change.
func sameRef(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	va, vb := reflect.ValueOf(a), reflect.ValueOf(b)
	if va.Type() != vb.Type() {
		return false
	}
	switch va.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Chan, reflect.Func, reflect.UnsafePointer:
		return va.Pointer() == vb.Pointer()
	case reflect.Slice:
		return va.Pointer() == vb.Pointer() && va.Len() == vb.Len()
	default:
		if va.Type().Comparable() {
			return a == b
		}
		return false
	}
}

// setService performs the reference-diffed write and its synchronous
// cascade: scopes watching the name are cancelled before the new value is
// readable, the value is installed, then newly satisfiable scopes start.
func (k *kernel) setService(name string, value any) {
	old := k.services.get(name)
	if sameRef(old, value) {
		return
	}

	watchers := k.watchersOf(name)
	for _, s := range watchers {
		s.cancel()
	}

	k.services.store(name, value)
	k.metrics.ServiceWrite()

	for _, s := range watchers {
		s.tryStart()
	}

	k.bus.Parallel(nil, ServiceEvent, name)
}

// watchersOf returns every scope whose dependency spec requires the name,
// plus reactive scopes that optionally watch it.
func (k *kernel) watchersOf(name string) []*Scope {
	var out []*Scope
	for _, meta := range k.registry.Metas() {
		req, ok := meta.Inject[name]
		if !ok {
			continue
		}
		if !req.Required && !meta.Reactive {
			continue
		}
		out = append(out, meta.Scopes()...)
	}
	return out
}
