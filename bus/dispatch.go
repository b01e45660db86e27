// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Loom Contributors

package bus

import "sync"

// bailed reports whether a hook result stops bail/serial iteration.
// Any value other than nil and false is considered a bailed result.
func bailed(v any) bool {
	return v != nil && v != false
}

// consumeOnce claims a once-hook for delivery. It reports false when
// another dispatch already claimed it.
func (b *Bus) consumeOnce(name string, e *entry) bool {
	if !e.once {
		return true
	}
	if !e.removed.CompareAndSwap(false, true) {
		return false
	}
	b.mu.Lock()
	for i, cand := range b.hooks[name] {
		if cand == e {
			b.hooks[name] = append(b.hooks[name][:i:i], b.hooks[name][i+1:]...)
			break
		}
	}
	b.mu.Unlock()
	return true
}

// Parallel invokes every matching hook concurrently and returns once all
// have settled. Hook panics and error results are warn-logged and never
// stop sibling hooks.
func (b *Bus) Parallel(session any, name string, args ...any) {
	hooks := b.matching(name, session)
	var wg sync.WaitGroup
	for _, e := range hooks {
		if !b.consumeOnce(name, e) {
			continue
		}
		wg.Add(1)
		go func(e *entry) {
			defer wg.Done()
			b.safely(func() { b.invoke(e, session, args...) })
		}(e)
	}
	wg.Wait()
}

// Emit is Parallel under its conventional name.
func (b *Bus) Emit(session any, name string, args ...any) {
	b.Parallel(session, name, args...)
}

// Bail invokes matching hooks in registration order and returns the first
// bailed result, skipping the remaining hooks. A synchronous panic in a
// hook propagates to the caller.
func (b *Bus) Bail(session any, name string, args ...any) any {
	for _, e := range b.matching(name, session) {
		if !b.consumeOnce(name, e) {
			continue
		}
		b.dispatched.Add(1)
		if res := e.fn(session, args...); bailed(res) {
			return res
		}
	}
	return nil
}

// Serial is the strategy for hooks that block: each hook completes before
// the next is invoked, with the same bail semantics as Bail. Hook bodies
// here are synchronous calls, so Serial and Bail coincide operationally;
// both names are kept because callers select a strategy by name.
func (b *Bus) Serial(session any, name string, args ...any) any {
	return b.Bail(session, name, args...)
}

// Chain invokes matching hooks in order, feeding each hook's non-nil
// result as the first argument of the next. It returns the final value of
// that first argument.
func (b *Bus) Chain(session any, name string, args ...any) any {
	var acc any
	if len(args) > 0 {
		acc = args[0]
	}
	rest := args
	if len(rest) > 0 {
		rest = rest[1:]
	}
	for _, e := range b.matching(name, session) {
		if !b.consumeOnce(name, e) {
			continue
		}
		b.dispatched.Add(1)
		call := append([]any{acc}, rest...)
		if res := e.fn(session, call...); res != nil {
			acc = res
		}
	}
	return acc
}

// Waterfall is the blocking-hook variant of Chain; see Serial for why the
// pair collapses to one implementation here.
func (b *Bus) Waterfall(session any, name string, args ...any) any {
	return b.Chain(session, name, args...)
}
