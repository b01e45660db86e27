// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Loom Contributors

package loom

import (
	"context"

	"github.com/gobwas/glob"

	"github.com/loomkit/loom/bus"
)

// Filter decides whether an inbound session is visible to a context and
// its descendants.
type Filter func(session any) bool

// Streamer is the session shape understood by stream-pattern filters.
type Streamer interface {
	Stream() string
}

// Context is the isolated handle through which a plugin sees services and
// installs further plugins. Contexts form a tree mirroring the plugin
// install tree; a child inherits its parent's filter unless narrowed.
type Context struct {
	k       *kernel
	scope   *Scope
	filter  Filter
	provide map[string]struct{}
	expose  map[string]struct{}
}

// child derives the context a new scope runs under.
func (c *Context) child(s *Scope) *Context {
	return &Context{
		k:       c.k,
		scope:   s,
		filter:  c.filter,
		provide: make(map[string]struct{}),
		expose:  c.expose,
	}
}

// Scope returns the owning scope.
func (c *Context) Scope() *Scope { return c.scope }

// Registry returns the shared plugin registry.
func (c *Context) Registry() *Registry { return c.k.registry }

// Bus returns the shared event bus.
func (c *Context) Bus() *bus.Bus { return c.k.bus }

// Reporter returns the kernel's reporting channels.
func (c *Context) Reporter() Reporter { return c.k.report() }

// Plugin installs a plugin under this context. See Registry for the error
// contract: only invalid shapes and invalid declared versions error here.
func (c *Context) Plugin(ref, config any, opts ...InstallOption) (*Scope, error) {
	return c.k.registry.install(c, ref, config, opts...)
}

// GetService reads the current value of a named service, nil when absent.
// Reads outside the owning plugin's declared dependencies are permitted
// but not tracked for reactivity.
func (c *Context) GetService(name string) any {
	return c.k.services.get(name)
}

// SetService writes a named service. An identical-reference write is a
// no-op; any other write synchronously cancels dependent scopes before
// the value becomes readable, then restarts those still satisfiable. The
// cascade may dispose many scopes; callers must not assume O(1) cost.
func (c *Context) SetService(name string, value any) {
	c.provide[name] = struct{}{}
	c.k.setService(name, value)
}

// ClearService removes a named service, cascading like any other write.
func (c *Context) ClearService(name string) {
	c.k.setService(name, nil)
}

// Services returns the sorted names that currently have a value.
func (c *Context) Services() []string {
	return c.k.services.names()
}

// Provided returns the names this context has declared by writing them.
func (c *Context) Provided() []string {
	out := make([]string, 0, len(c.provide))
	for name := range c.provide {
		out = append(out, name)
	}
	return out
}

// Match evaluates the isolation filter chain. A nil session is visible
// everywhere.
func (c *Context) Match(session any) bool {
	if session == nil || c.filter == nil {
		return true
	}
	return c.filter(session)
}

// ExtendOption narrows a derived context.
type ExtendOption func(*Context)

// WithFilter intersects an additional predicate with the inherited filter.
func WithFilter(f Filter) ExtendOption {
	return func(c *Context) {
		parent := c.filter
		c.filter = func(session any) bool {
			if parent != nil && !parent(session) {
				return false
			}
			return f(session)
		}
	}
}

// WithStreams restricts visibility to sessions whose stream matches one of
// the glob patterns. Sessions may be plain strings or implement Streamer;
// anything else does not match.
func WithStreams(patterns ...string) ExtendOption {
	globs := make([]glob.Glob, 0, len(patterns))
	for _, p := range patterns {
		globs = append(globs, glob.MustCompile(p))
	}
	return WithFilter(func(session any) bool {
		var stream string
		switch s := session.(type) {
		case string:
			stream = s
		case Streamer:
			stream = s.Stream()
		default:
			return false
		}
		for _, g := range globs {
			if g.Match(stream) {
				return true
			}
		}
		return false
	})
}

// WithExpose declares the service names the derived context reads.
func WithExpose(names ...string) ExtendOption {
	return func(c *Context) {
		c.expose = make(map[string]struct{}, len(names))
		for _, n := range names {
			c.expose[n] = struct{}{}
		}
	}
}

// Extend derives a context with additional isolation constraints, bound to
// the same owning scope.
func (c *Context) Extend(opts ...ExtendOption) *Context {
	derived := &Context{
		k:       c.k,
		scope:   c.scope,
		filter:  c.filter,
		provide: c.provide,
		expose:  c.expose,
	}
	for _, opt := range opts {
		opt(derived)
	}
	return derived
}

// busOwner binds hook registration to a scope's lifetime and a context's
// filter: hooks stop matching once the scope is disposed, and their
// disposers are tracked as scope disposables.
type busOwner struct {
	s *Scope
	c *Context
}

func (o busOwner) Match(session any) bool {
	if o.s != nil && o.s.status == StatusDisposed {
		return false
	}
	return o.c.Match(session)
}

func (o busOwner) Track(dispose func()) {
	if o.s != nil {
		o.s.OnDispose(dispose)
	}
}

func (c *Context) owner() bus.Owner { return busOwner{s: c.scope, c: c} }

// On registers a hook; the disposer is tracked on the owning scope.
func (c *Context) On(name string, fn bus.Handler) func() {
	return c.k.bus.On(c.owner(), name, fn, false)
}

// OnPrepend registers a hook ahead of existing ones.
func (c *Context) OnPrepend(name string, fn bus.Handler) func() {
	return c.k.bus.On(c.owner(), name, fn, true)
}

// Once registers a hook removed after its first delivery.
func (c *Context) Once(name string, fn bus.Handler) func() {
	return c.k.bus.Once(c.owner(), name, fn, false)
}

// Before registers a hook on the before-<name> event.
func (c *Context) Before(name string, fn bus.Handler) func() {
	return c.k.bus.Before(c.owner(), name, fn, false)
}

// Off removes a hook by function identity.
func (c *Context) Off(name string, fn bus.Handler) bool {
	return c.k.bus.Off(name, fn)
}

// OnDispose registers a cleanup on the owning scope.
func (c *Context) OnDispose(fn func()) {
	if c.scope != nil {
		c.scope.OnDispose(fn)
	}
}

// Emit dispatches with the parallel strategy.
func (c *Context) Emit(session any, name string, args ...any) {
	c.k.bus.Parallel(session, name, args...)
}

// Parallel dispatches to all matching hooks concurrently and waits for
// them to settle.
func (c *Context) Parallel(session any, name string, args ...any) {
	c.k.bus.Parallel(session, name, args...)
}

// Bail dispatches in registration order, stopping at the first non-nil,
// non-false result.
func (c *Context) Bail(session any, name string, args ...any) any {
	return c.k.bus.Bail(session, name, args...)
}

// Serial dispatches blocking hooks in registration order with bail
// semantics.
func (c *Context) Serial(session any, name string, args ...any) any {
	return c.k.bus.Serial(session, name, args...)
}

// Chain dispatches in order, each result replacing the first argument.
func (c *Context) Chain(session any, name string, args ...any) any {
	return c.k.bus.Chain(session, name, args...)
}

// Waterfall is the blocking-hook variant of Chain.
func (c *Context) Waterfall(session any, name string, args ...any) any {
	return c.k.bus.Waterfall(session, name, args...)
}

// Start drains startup work and fires queued ready hooks; it returns only
// once all startup-triggered work has settled.
func (c *Context) Start(ctx context.Context) error {
	return c.k.bus.Start(ctx)
}

// Stop cancels the root scope's effects and deactivates the bus.
func (c *Context) Stop() {
	c.k.root.cancel()
	c.k.bus.Stop()
}
