// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Loom Contributors

package loom

import (
	"runtime"
	"sync"

	"github.com/Masterminds/semver/v3"
	"github.com/samber/oops"

	"github.com/loomkit/loom/schema"
)

// PluginEvent is emitted (parallel strategy) after a plugin's registry
// metadata is created or refreshed. The single argument is the plugin
// name.
const PluginEvent = "internal/plugin"

// Meta is the registry entry for one plugin: its declared metadata plus
// the scopes instantiated from it.
type Meta struct {
	Name      string
	Kind      Kind
	Inject    DependencySpec
	Reactive  bool
	Reusable  bool
	Provides  []string
	Version   *semver.Version
	Transform *schema.Transform

	apply  func(*Context, any) error
	mu     sync.RWMutex
	scopes []*Scope
}

// Scopes returns a snapshot of the live scopes created from this plugin.
func (m *Meta) Scopes() []*Scope {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Scope, len(m.scopes))
	copy(out, m.scopes)
	return out
}

func (m *Meta) addScope(s *Scope) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scopes = append(m.scopes, s)
}

func (m *Meta) removeScope(s *Scope) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, cand := range m.scopes {
		if cand == s {
			m.scopes = append(m.scopes[:i:i], m.scopes[i+1:]...)
			return
		}
	}
}

// setSpec applies a declared descriptor to the registry entry. On
// re-registration every field is refreshed, the apply function included,
// so the latest registration wins.
func (m *Meta) setSpec(kind Kind, key pluginKey, spec Spec, apply func(*Context, any) error) error {
	name := spec.Name
	if name == "" {
		name = defaultName(kind, key)
	}
	var version *semver.Version
	if spec.Version != "" {
		v, err := semver.NewVersion(spec.Version)
		if err != nil {
			return oops.
				Code(CodeInvalidVersion).
				With("plugin", name).
				Wrapf(err, "invalid plugin version %q", spec.Version)
		}
		version = v
	}
	m.Name = name
	m.Kind = kind
	m.Inject = spec.Inject
	m.Reactive = spec.Reactive
	m.Reusable = spec.Reusable
	m.Provides = spec.Provides
	m.Version = version
	m.Transform = spec.Transform
	m.apply = apply
	return nil
}

// Satisfies checks the plugin version against a semver constraint
// expression. Plugins without a declared version satisfy nothing.
func (m *Meta) Satisfies(constraint string) bool {
	if m.Version == nil {
		return false
	}
	c, err := semver.NewConstraint(constraint)
	if err != nil {
		return false
	}
	return c.Check(m.Version)
}

// Registry maps installed plugin references to their metadata and owns
// scope creation.
type Registry struct {
	k       *kernel
	mu      sync.RWMutex
	entries map[pluginKey]*Meta
}

func newRegistry(k *kernel) *Registry {
	return &Registry{k: k, entries: make(map[pluginKey]*Meta)}
}

// Has reports whether the plugin reference is registered.
func (r *Registry) Has(ref any) bool {
	return r.Get(ref) != nil
}

// Get resolves a plugin reference to its metadata, nil when absent or the
// reference has an invalid shape.
func (r *Registry) Get(ref any) *Meta {
	_, _, key, _, err := resolveShape(ref)
	if err != nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.entries[key]
}

// Delete removes a plugin: every scope created from it is disposed, then
// the metadata entry is dropped.
func (r *Registry) Delete(ref any) bool {
	meta := r.Get(ref)
	if meta == nil {
		return false
	}
	for _, s := range meta.Scopes() {
		s.Dispose()
	}
	_, _, key, _, _ := resolveShape(ref)
	r.mu.Lock()
	delete(r.entries, key)
	r.mu.Unlock()
	return true
}

// Len returns the number of registered plugins.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Metas returns a snapshot of all registry entries.
func (r *Registry) Metas() []*Meta {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Meta, 0, len(r.entries))
	for _, m := range r.entries {
		out = append(out, m)
	}
	return out
}

// InstallOption adjusts a scope before its first start attempt.
type InstallOption func(*Scope)

// Held installs the scope with its own flag disabled; it stays pending
// until Enable.
func Held() InstallOption {
	return func(s *Scope) { s.disabled = true }
}

// Suppressed installs the scope gated as if a disabled ancestor suppressed
// it; its own flag stays untouched.
func Suppressed() InstallOption {
	return func(s *Scope) { s.suppressed = true }
}

// install validates a plugin reference, resolves its config and creates a
// scope under parent. Invalid shapes and invalid declared versions fail
// synchronously. A config resolution failure is captured on the returned
// scope and reported, never propagated. Re-registering a known reference
// refreshes its full metadata, apply function included, rather than
// duplicating the entry; for a non-reusable plugin that already has a
// scope, the existing scope's config is updated under its existing
// identity instead of a second scope being created.
func (r *Registry) install(parent *Context, ref, config any, opts ...InstallOption) (*Scope, error) {
	kind, apply, key, spec, err := resolveShape(ref)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	meta, exists := r.entries[key]
	r.mu.Unlock()
	if !exists {
		meta = &Meta{}
	}
	if err := meta.setSpec(kind, key, spec, apply); err != nil {
		return nil, err
	}
	if !exists {
		r.mu.Lock()
		r.entries[key] = meta
		r.mu.Unlock()
	}
	defer r.k.bus.Parallel(nil, PluginEvent, meta.Name)

	if exists && !meta.Reusable {
		if scopes := meta.Scopes(); len(scopes) > 0 {
			s := scopes[0]
			r.k.report().Warnf("plugin %q is not reusable; updating the existing scope", meta.Name)
			_ = s.SetConfig(config)
			return s, nil
		}
	}

	s := newScope(r.k, meta, parent)
	s.ctx = parent.child(s)
	for _, opt := range opts {
		opt(s)
	}
	meta.addScope(s)
	r.k.metrics.Created(StatusPending)
	if parent.scope != nil {
		parent.scope.OnDispose(s.Dispose)
	}

	resolved, rerr := meta.Transform.Resolve(config)
	if rerr != nil {
		s.err = oops.Code(CodeConfigResolve).Wrapf(rerr, "resolve config for plugin %q", meta.Name)
		s.transition(StatusFailed)
		r.k.report().Errorf("plugin %q config resolution failed: %v", meta.Name, rerr)
		return s, nil
	}
	s.config = resolved
	s.tryStart()
	return s, nil
}

// defaultName derives a stable name for plugins registered without one.
func defaultName(kind Kind, key pluginKey) string {
	if kind == KindFunc {
		if fn := runtime.FuncForPC(key.fn); fn != nil {
			return fn.Name()
		}
		return "func"
	}
	return key.typ.String()
}
