// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Loom Contributors

// Package logging provides the structured logging façade used by the
// kernel: slog output carrying the kernel's base attributes, with
// OpenTelemetry trace correlation.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"

	"go.opentelemetry.io/otel/trace"
)

// kernelHandler decorates a slog.Handler with a fixed set of base
// attributes and the trace ids of the calling context.
type kernelHandler struct {
	inner slog.Handler
	base  []slog.Attr
}

func (h *kernelHandler) Handle(ctx context.Context, r slog.Record) error {
	r.AddAttrs(h.base...)

	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		r.AddAttrs(slog.String("trace_id", sc.TraceID().String()))
	}
	if sc.HasSpanID() {
		r.AddAttrs(slog.String("span_id", sc.SpanID().String()))
	}

	//nolint:wrapcheck // Handler interface requires unwrapped error passthrough
	return h.inner.Handle(ctx, r)
}

func (h *kernelHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *kernelHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &kernelHandler{inner: h.inner.WithAttrs(attrs), base: h.base}
}

func (h *kernelHandler) WithGroup(name string) slog.Handler {
	return &kernelHandler{inner: h.inner.WithGroup(name), base: h.base}
}

type setupConfig struct {
	format string
	level  slog.Leveler
	out    io.Writer
}

// SetupOption adjusts the logger built by Setup.
type SetupOption func(*setupConfig)

// WithFormat selects the output encoding, "json" (the default) or "text".
func WithFormat(format string) SetupOption {
	return func(c *setupConfig) { c.format = format }
}

// WithLevel sets the minimum record level. The default is slog.LevelDebug.
func WithLevel(level slog.Leveler) SetupOption {
	return func(c *setupConfig) { c.level = level }
}

// WithOutput redirects output away from os.Stderr.
func WithOutput(w io.Writer) SetupOption {
	return func(c *setupConfig) { c.out = w }
}

// Setup builds the kernel logger. Every record carries the service and
// version attributes; records logged with a span-bearing context also
// carry trace_id and span_id.
func Setup(service, version string, opts ...SetupOption) *slog.Logger {
	cfg := setupConfig{level: slog.LevelDebug}
	for _, opt := range opts {
		opt(&cfg)
	}
	w := cfg.out
	if w == nil {
		w = os.Stderr
	}

	var inner slog.Handler
	ho := &slog.HandlerOptions{Level: cfg.level}
	if cfg.format == "text" {
		inner = slog.NewTextHandler(w, ho)
	} else {
		inner = slog.NewJSONHandler(w, ho)
	}

	return slog.New(&kernelHandler{
		inner: inner,
		base: []slog.Attr{
			slog.String("service", service),
			slog.String("version", version),
		},
	})
}

// SetDefault installs the Setup logger as the process default.
func SetDefault(service, version string, opts ...SetupOption) {
	slog.SetDefault(Setup(service, version, opts...))
}
