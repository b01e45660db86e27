// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Loom Contributors

// Package loom is a dependency-driven lifecycle kernel for composable
// in-process plugins.
//
// A host builds a tree of isolated Contexts. Plugins are installed into a
// Context, declare the named services they require, and are activated only
// while those services exist. When a service is replaced or removed, every
// scope that depended on it is cancelled (its disposables run in reverse
// registration order) before the new value becomes visible, then restarted
// if it is still satisfiable.
//
// # Scheduling discipline
//
// The kernel is cooperatively scheduled: service writes, scope transitions
// and plugin registration must all happen on one goroutine, and each
// mutation synchronously cascades its consequences before returning. Hook
// bodies dispatched in parallel run on their own goroutines but are always
// awaited before the dispatch call returns; such bodies must not mutate
// kernel state directly.
package loom
