// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Loom Contributors

// Package bus is the named-hook event bus used for cross-cutting lifecycle
// hooks. It knows nothing about the kernel: hook owners are represented by
// the Owner interface so contexts can filter dispatch and collect disposers.
package bus

import (
	"context"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"
)

// Owner filters inbound dispatch for a hook and collects its disposer so
// that disposing the owning scope unregisters the hook.
type Owner interface {
	// Match reports whether a dispatched session is visible to the owner.
	Match(session any) bool
	// Track registers a cleanup to run when the owner is disposed.
	Track(dispose func())
}

// Handler is a hook body. The returned value is interpreted by the
// dispatch strategy: bail stops at the first non-nil, non-false result,
// waterfall feeds it to the next hook, parallel logs error results.
type Handler func(session any, args ...any) any

// Reporter is the logging boundary consumed by the bus.
type Reporter interface {
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
}

// BeforePrefix is the event-name convention for hooks that must fire ahead
// of the event proper.
const BeforePrefix = "before-"

// Reserved event names with special registration behavior.
const (
	EventReady   = "ready"
	EventDispose = "dispose"
)

// DefaultMaxListeners is the per-event registration count above which the
// bus logs a leak warning.
const DefaultMaxListeners = 64

type entry struct {
	owner   Owner
	fn      Handler
	once    bool
	removed atomic.Bool
}

// Bus registers and dispatches named hooks.
type Bus struct {
	mu           sync.RWMutex
	hooks        map[string][]*entry
	queue        []func()
	active       bool
	draining     bool
	maxListeners int
	rep          Reporter

	dispatched atomic.Uint64
	failures   atomic.Uint64
	tasks      atomic.Uint64
}

// Option configures a Bus.
type Option func(*Bus)

// WithMaxListeners overrides the leak-warning threshold.
func WithMaxListeners(n int) Option {
	return func(b *Bus) { b.maxListeners = n }
}

// New creates a bus reporting through rep.
func New(rep Reporter, opts ...Option) *Bus {
	b := &Bus{
		hooks:        make(map[string][]*entry),
		maxListeners: DefaultMaxListeners,
		rep:          rep,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// On registers a hook for the named event and returns its disposer. The
// disposer is also tracked on the owner, so disposing the owner's scope
// unregisters the hook. Two names are special: "dispose" registrations are
// redirected to the owner's disposable list, and "ready" registrations on
// an active bus are queued for immediate execution instead of being stored.
func (b *Bus) On(owner Owner, name string, fn Handler, prepend bool) func() {
	return b.register(name, &entry{owner: owner, fn: fn}, prepend)
}

// Once registers a hook that removes itself after its first delivery. The
// special names behave as they do for On; "dispose" and post-start
// "ready" registrations deliver at most once regardless.
func (b *Bus) Once(owner Owner, name string, fn Handler, prepend bool) func() {
	return b.register(name, &entry{owner: owner, fn: fn, once: true}, prepend)
}

// register stores a hook entry, applying the special-name handling shared
// by On and Once.
func (b *Bus) register(name string, e *entry, prepend bool) func() {
	if name == EventDispose {
		e.owner.Track(func() {
			if !e.removed.Load() {
				e.fn(nil)
			}
		})
		return func() { e.removed.Store(true) }
	}

	if name == EventReady {
		b.mu.Lock()
		if b.active {
			b.queue = append(b.queue, func() {
				if !e.removed.Load() && e.owner.Match(nil) {
					b.invoke(e, nil)
				}
			})
			b.mu.Unlock()
			b.drain(context.Background())
			return func() { e.removed.Store(true) }
		}
		b.mu.Unlock()
		// Not started yet: stored like any hook and collected by Start.
	}

	b.mu.Lock()
	if prepend {
		b.hooks[name] = append([]*entry{e}, b.hooks[name]...)
	} else {
		b.hooks[name] = append(b.hooks[name], e)
	}
	count := len(b.hooks[name])
	b.mu.Unlock()

	if count > b.maxListeners && b.rep != nil {
		b.rep.Warnf("possible listener leak: %d hooks registered for %q (max %d)", count, name, b.maxListeners)
	}

	dispose := func() { b.remove(name, e) }
	e.owner.Track(dispose)
	return dispose
}

// Before registers a hook on the "before-<name>" event. Before-hooks are
// prepended unless appendHook is set, mirroring the registration-order
// inversion of the before convention.
func (b *Bus) Before(owner Owner, name string, fn Handler, appendHook bool) func() {
	return b.On(owner, BeforePrefix+strings.TrimPrefix(name, BeforePrefix), fn, !appendHook)
}

// Off removes the first hook registered for name with the same function
// identity. Disposers returned from On are the preferred removal path.
func (b *Bus) Off(name string, fn Handler) bool {
	fp := reflect.ValueOf(fn).Pointer()
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, e := range b.hooks[name] {
		if reflect.ValueOf(e.fn).Pointer() == fp {
			b.hooks[name] = append(b.hooks[name][:i:i], b.hooks[name][i+1:]...)
			e.removed.Store(true)
			return true
		}
	}
	return false
}

func (b *Bus) remove(name string, e *entry) {
	e.removed.Store(true)
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, cand := range b.hooks[name] {
		if cand == e {
			b.hooks[name] = append(b.hooks[name][:i:i], b.hooks[name][i+1:]...)
			return
		}
	}
}

// matching snapshots the hooks visible to session, in registration order.
func (b *Bus) matching(name string, session any) []*entry {
	b.mu.RLock()
	defer b.mu.RUnlock()
	hooks := b.hooks[name]
	out := make([]*entry, 0, len(hooks))
	for _, e := range hooks {
		if e.removed.Load() {
			continue
		}
		if !e.owner.Match(session) {
			continue
		}
		out = append(out, e)
	}
	return out
}

// Queue enqueues fire-and-forget work. On an active bus the queue is
// drained before Queue returns; before Start the work is held until Start
// drains it.
func (b *Bus) Queue(task func()) {
	b.mu.Lock()
	b.queue = append(b.queue, task)
	active := b.active
	b.mu.Unlock()
	if active {
		b.drain(context.Background())
	}
}

// Start marks the bus active and drains all queued startup work, including
// every "ready" hook registered so far. Ready hooks fire once and are not
// replayed for hooks registered later; those are queued immediately at
// registration instead. Start returns only once all startup-triggered
// work, including work enqueued by that work, has settled.
func (b *Bus) Start(ctx context.Context) error {
	b.mu.Lock()
	ready := b.hooks[EventReady]
	delete(b.hooks, EventReady)
	for _, e := range ready {
		e := e
		b.queue = append(b.queue, func() {
			if !e.removed.Load() && e.owner.Match(nil) {
				b.invoke(e, nil)
			}
		})
	}
	b.active = true
	b.mu.Unlock()
	return b.drain(ctx)
}

// Stop deactivates the bus and abandons queued work. Registered hooks are
// left to their owners' disposers.
func (b *Bus) Stop() {
	b.mu.Lock()
	b.active = false
	b.queue = nil
	b.mu.Unlock()
}

// Active reports whether Start has completed.
func (b *Bus) Active() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.active
}

// drain runs queued tasks until the queue is empty. Tasks may enqueue
// further tasks; they run in the same drain. Re-entrant drains (a task
// queueing while draining) are folded into the outer loop.
func (b *Bus) drain(ctx context.Context) error {
	b.mu.Lock()
	if b.draining {
		b.mu.Unlock()
		return nil
	}
	b.draining = true
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		b.draining = false
		b.mu.Unlock()
	}()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		b.mu.Lock()
		if len(b.queue) == 0 {
			b.mu.Unlock()
			return nil
		}
		task := b.queue[0]
		b.queue = b.queue[1:]
		b.mu.Unlock()

		b.tasks.Add(1)
		b.safely(func() { task() })
	}
}

// invoke runs a hook body, handling error results.
func (b *Bus) invoke(e *entry, session any, args ...any) {
	b.dispatched.Add(1)
	res := e.fn(session, args...)
	if err, ok := res.(error); ok && err != nil {
		b.failures.Add(1)
		if b.rep != nil {
			b.rep.Warnf("hook failed: %v", err)
		}
	}
}

// safely runs fn, converting a panic into a warning.
func (b *Bus) safely(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			b.failures.Add(1)
			if b.rep != nil {
				b.rep.Warnf("hook panicked: %v", r)
			}
		}
	}()
	fn()
}

// Stats is a point-in-time snapshot of bus counters.
type Stats struct {
	Dispatched  uint64
	Failures    uint64
	Tasks       uint64
	ActiveHooks int
}

// Stats returns current counters.
func (b *Bus) Stats() Stats {
	b.mu.RLock()
	n := 0
	for _, hooks := range b.hooks {
		n += len(hooks)
	}
	b.mu.RUnlock()
	return Stats{
		Dispatched:  b.dispatched.Load(),
		Failures:    b.failures.Load(),
		Tasks:       b.tasks.Load(),
		ActiveHooks: n,
	}
}
