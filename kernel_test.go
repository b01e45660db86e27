// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Loom Contributors

package loom_test

import (
	"log/slog"
	"sync"
	"testing"

	"github.com/loomkit/loom"
)

// newRoot builds a quiet kernel and tears it down with the test.
func newRoot(t *testing.T) *loom.Context {
	t.Helper()
	root := loom.New(loom.WithLogger(slog.New(slog.DiscardHandler)))
	t.Cleanup(root.Stop)
	return root
}

// recordingReporter captures report lines for assertions.
type recordingReporter struct {
	mu     sync.Mutex
	infos  []string
	warns  []string
	errors []string
}

func (r *recordingReporter) Infof(format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.infos = append(r.infos, format)
}

func (r *recordingReporter) Warnf(format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.warns = append(r.warns, format)
}

func (r *recordingReporter) Errorf(format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errors = append(r.errors, format)
}
