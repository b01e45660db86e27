// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Loom Contributors

package loom

import (
	"reflect"

	"github.com/samber/oops"

	"github.com/loomkit/loom/schema"
)

// Stable error codes surfaced through the error reporting channel.
const (
	CodeInvalidShape   = "PLUGIN_SHAPE_INVALID"
	CodeConfigResolve  = "CONFIG_RESOLVE_FAILED"
	CodeBodyFailed     = "PLUGIN_BODY_FAILED"
	CodeInvalidVersion = "PLUGIN_VERSION_INVALID"
	CodeScopeDisposed  = "SCOPE_DISPOSED"
)

// Func is the plain-callable plugin shape.
type Func func(ctx *Context, config any) error

// Applier is the object plugin shape. Two instances of the same dynamic
// type are the same plugin.
type Applier interface {
	Apply(ctx *Context, config any) error
}

// Specifier lets a plugin carry its own descriptor. Plugins without one
// are registered with a zero Spec.
type Specifier interface {
	PluginSpec() Spec
}

// Requirement describes one declared dependency.
type Requirement struct {
	Required bool
}

// DependencySpec maps service names to their requiredness. A scope is
// satisfiable iff every required name currently has a value.
type DependencySpec map[string]Requirement

// Require builds a spec of required service names.
func Require(names ...string) DependencySpec {
	d := make(DependencySpec, len(names))
	for _, n := range names {
		d[n] = Requirement{Required: true}
	}
	return d
}

// AndOptional adds optional names to the spec. Optional names never block
// activation but trigger re-evaluation for reactive plugins.
func (d DependencySpec) AndOptional(names ...string) DependencySpec {
	for _, n := range names {
		if _, ok := d[n]; !ok {
			d[n] = Requirement{}
		}
	}
	return d
}

// Spec is the explicit plugin descriptor attached at registration time.
type Spec struct {
	// Name identifies the plugin in logs and group descriptors.
	Name string

	// Inject declares the services the plugin depends on.
	Inject DependencySpec

	// Transform resolves the raw config before the body sees it.
	// Nil means the raw config is passed through unchanged.
	Transform *schema.Transform

	// Reusable permits multiple concurrent scopes of this plugin.
	// Without it, re-installing the plugin updates the existing scope's
	// config instead of creating a second scope.
	Reusable bool

	// Reactive re-evaluates the scope when optional dependencies change.
	Reactive bool

	// Provides lists service names the plugin intends to publish.
	Provides []string

	// Version is an optional semantic version, checked against group
	// entry constraints.
	Version string
}

// Kind tags the plugin shape, resolved once at registration.
type Kind uint8

// Plugin kinds.
const (
	KindFunc Kind = iota
	KindObject
)

func (k Kind) String() string {
	switch k {
	case KindFunc:
		return "func"
	case KindObject:
		return "object"
	default:
		return "unknown"
	}
}

// Describe attaches a descriptor to a plugin body. The returned value is
// a plugin in its own right: every Describe call mints a distinct
// identity, so two descriptors over the same body install as two separate
// plugins. Install the same returned value to address the same registry
// entry.
func Describe(body any, spec Spec) any {
	return &described{body: body, spec: spec}
}

type described struct {
	body any
	spec Spec
}

func (d *described) PluginSpec() Spec { return d.spec }

// SpecOf returns the descriptor attached to a plugin reference, zero when
// the reference carries none.
func SpecOf(ref any) (Spec, error) {
	_, _, _, spec, err := resolveShape(ref)
	return spec, err
}

// pluginKey is the canonical identity of a plugin reference: a described
// plugin is identified by its descriptor, a bare function by its code
// pointer, an object by its dynamic type. Distinct closures built from one
// function literal share a code pointer, so closures that must stay
// distinct plugins are wrapped in Describe.
type pluginKey struct {
	desc *described
	fn   uintptr
	typ  reflect.Type
}

// resolveShape validates a plugin reference and resolves it to a tagged
// shape, an apply function and a canonical identity.
func resolveShape(ref any) (Kind, func(*Context, any) error, pluginKey, Spec, error) {
	var (
		spec Spec
		desc *described
	)
	if d, ok := ref.(*described); ok {
		desc = d
		spec = d.spec
		ref = d.body
	}
	if s, ok := ref.(Specifier); ok {
		spec = s.PluginSpec()
	}

	switch p := ref.(type) {
	case Func:
		return KindFunc, p, pluginKey{desc: desc, fn: reflect.ValueOf(p).Pointer()}, spec, nil
	case func(*Context, any) error:
		return KindFunc, p, pluginKey{desc: desc, fn: reflect.ValueOf(p).Pointer()}, spec, nil
	case Applier:
		return KindObject, p.Apply, pluginKey{desc: desc, typ: reflect.TypeOf(p)}, spec, nil
	}
	return 0, nil, pluginKey{}, spec, oops.
		Code(CodeInvalidShape).
		With("type", reflect.TypeOf(ref)).
		Errorf("plugin must be a func(*Context, any) error or implement Applier")
}
