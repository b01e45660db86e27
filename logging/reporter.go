// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Loom Contributors

package logging

import (
	"fmt"
	"log/slog"
)

// Reporter exposes the three reporting channels the kernel uses to surface
// non-fatal conditions, backed by a slog.Logger.
type Reporter struct {
	log *slog.Logger
}

// NewReporter wraps a logger. A nil logger falls back to slog.Default.
func NewReporter(l *slog.Logger) *Reporter {
	if l == nil {
		l = slog.Default()
	}
	return &Reporter{log: l}
}

// Infof reports an informational condition.
func (r *Reporter) Infof(format string, args ...any) {
	r.log.Info(fmt.Sprintf(format, args...))
}

// Warnf reports a non-fatal anomaly (swallowed hook failure, listener
// leak suspicion, disposable panic).
func (r *Reporter) Warnf(format string, args ...any) {
	r.log.Warn(fmt.Sprintf(format, args...))
}

// Errorf reports a plugin-level failure (body error, config resolution).
func (r *Reporter) Errorf(format string, args ...any) {
	r.log.Error(fmt.Sprintf(format, args...))
}
