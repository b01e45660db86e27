// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Loom Contributors

package loom

import (
	"fmt"
	"sort"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
)

// Status is the lifecycle state of one plugin instantiation.
type Status int

const (
	// StatusPending indicates the scope is waiting for its required
	// dependencies.
	StatusPending Status = iota
	// StatusActive indicates the plugin body ran and its effects are live.
	StatusActive
	// StatusFailed indicates the plugin body errored; the scope retries on
	// the next satisfying change.
	StatusFailed
	// StatusDisposed is terminal; a disposed scope is never reactivated.
	StatusDisposed
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusActive:
		return "active"
	case StatusFailed:
		return "failed"
	case StatusDisposed:
		return "disposed"
	default:
		return "unknown"
	}
}

// Scope tracks one plugin instantiation: its resolved config, its status,
// and every side effect registered while it was active, undone in reverse
// order when the scope is cancelled or disposed.
type Scope struct {
	id     ulid.ULID
	k      *kernel
	meta   *Meta
	parent *Context
	ctx    *Context

	config      any
	status      Status
	err         error
	disposables []func()

	disabled   bool
	suppressed bool

	// busy blocks re-entrant transitions: a disposable or body that
	// cascades back into its own scope must not unwind it mid-transition.
	busy bool
}

func newScope(k *kernel, meta *Meta, parent *Context) *Scope {
	return &Scope{
		id:     NewID(),
		k:      k,
		meta:   meta,
		parent: parent,
	}
}

// ID returns the scope's monotonic id.
func (s *Scope) ID() string { return s.id.String() }

// Status returns the current lifecycle state.
func (s *Scope) Status() Status { return s.status }

// Err returns the last body or config error, if any.
func (s *Scope) Err() error { return s.err }

// Context returns the scope's own child context.
func (s *Scope) Context() *Context { return s.ctx }

// Meta returns the registry entry the scope was created from.
func (s *Scope) Meta() *Meta { return s.meta }

// Config returns the resolved configuration.
func (s *Scope) Config() any { return s.config }

// Disabled reports the scope's own flag, ignoring ancestor suppression.
func (s *Scope) Disabled() bool { return s.disabled }

// OnDispose registers a cleanup on the scope. Cleanups run in reverse
// registration order when the scope is cancelled or disposed. On an
// already-disposed scope the cleanup runs immediately.
func (s *Scope) OnDispose(fn func()) {
	if s.status == StatusDisposed {
		s.runDisposable(fn)
		return
	}
	s.disposables = append(s.disposables, fn)
}

// Track implements the bus owner contract.
func (s *Scope) Track(dispose func()) { s.OnDispose(dispose) }

// Match implements the bus owner contract: a disposed scope stops
// matching, so no new events are dispatched into it.
func (s *Scope) Match(session any) bool {
	if s.status == StatusDisposed {
		return false
	}
	if s.ctx == nil {
		return true
	}
	return s.ctx.Match(session)
}

// MissingDependencies returns the sorted required service names that
// currently have no value.
func (s *Scope) MissingDependencies() []string {
	var missing []string
	for name, req := range s.meta.Inject {
		if req.Required && s.k.services.get(name) == nil {
			missing = append(missing, name)
		}
	}
	sort.Strings(missing)
	return missing
}

func (s *Scope) satisfiable() bool {
	for name, req := range s.meta.Inject {
		if req.Required && s.k.services.get(name) == nil {
			return false
		}
	}
	return true
}

// effective reports whether the scope is allowed to run at all.
func (s *Scope) effective() bool {
	return !s.disabled && !s.suppressed
}

// Disable cancels the scope and records its own flag. A disabled scope
// stays pending until Enable.
func (s *Scope) Disable() {
	if s.disabled {
		return
	}
	s.disabled = true
	s.cancel()
}

// Enable clears the scope's own flag and re-evaluates satisfiability.
func (s *Scope) Enable() {
	if !s.disabled {
		return
	}
	s.disabled = false
	s.tryStart()
}

// Suppress gates the scope on behalf of a disabled ancestor group without
// touching its own flag, so clearing the suppression restores exactly the
// previous enablement.
func (s *Scope) Suppress(v bool) {
	if s.suppressed == v {
		return
	}
	s.suppressed = v
	if v {
		s.cancel()
	} else {
		s.tryStart()
	}
}

// SetConfig replaces the scope's configuration: the scope is cancelled,
// the raw config is resolved through the plugin's transform, and the scope
// restarts under its existing identity. Mutations are strictly ordered by
// the kernel's cooperative discipline, so a restart always observes the
// service table and config as of the mutation that triggered it.
func (s *Scope) SetConfig(raw any) error {
	if s.status == StatusDisposed {
		return oops.Code(CodeScopeDisposed).Errorf("scope %s is disposed", s.ID())
	}
	s.cancel()
	resolved, err := s.meta.Transform.Resolve(raw)
	if err != nil {
		s.err = oops.Code(CodeConfigResolve).Wrapf(err, "resolve config for plugin %q", s.meta.Name)
		s.status = StatusFailed
		s.k.report().Errorf("plugin %q config resolution failed: %v", s.meta.Name, err)
		return s.err
	}
	s.config = resolved
	s.err = nil
	s.tryStart()
	return nil
}

// Dispose terminates the scope: remaining disposables run in reverse
// order, the scope leaves its registry entry, and it never restarts.
func (s *Scope) Dispose() {
	if s.status == StatusDisposed {
		return
	}
	s.cancel()
	s.transition(StatusDisposed)
	s.meta.removeScope(s)
}

// cancel undoes the scope's effects: every disposable registered since
// activation runs in reverse registration order, failures warn-logged and
// swallowed so the rest still run. An active scope returns to pending.
func (s *Scope) cancel() {
	if s.status == StatusDisposed || s.busy {
		return
	}
	s.busy = true
	defer func() { s.busy = false }()
	s.runDisposables()
	if s.status == StatusActive || s.status == StatusFailed {
		s.transition(StatusPending)
	}
	s.err = nil
}

// tryStart attempts pending/failed → active. It is a no-op while the
// scope is disabled, suppressed, disposed, already active, or missing a
// required dependency.
func (s *Scope) tryStart() {
	if s.status == StatusDisposed || s.status == StatusActive || s.busy {
		return
	}
	if !s.effective() || !s.satisfiable() {
		return
	}
	s.transition(StatusActive)
	s.err = nil
	s.busy = true
	err := s.invokeBody()
	s.busy = false
	if err != nil {
		s.runDisposables()
		s.err = oops.Code(CodeBodyFailed).Wrapf(err, "plugin %q body failed", s.meta.Name)
		s.transition(StatusFailed)
		s.k.metrics.BodyFailure()
		s.k.report().Errorf("plugin %q activation failed: %v", s.meta.Name, err)
	}
}

// invokeBody calls the plugin body inside the scope's own context,
// converting a panic into a body error.
func (s *Scope) invokeBody() (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return s.meta.apply(s.ctx, s.config)
}

func (s *Scope) runDisposables() {
	ds := s.disposables
	s.disposables = nil
	for i := len(ds) - 1; i >= 0; i-- {
		s.runDisposable(ds[i])
	}
}

func (s *Scope) runDisposable(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			s.k.report().Warnf("disposable for plugin %q panicked: %v", s.meta.Name, r)
		}
	}()
	fn()
}

func (s *Scope) transition(to Status) {
	from := s.status
	s.status = to
	s.k.metrics.Transition(from, to)
}
