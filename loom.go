// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Loom Contributors

package loom

import (
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loomkit/loom/bus"
	"github.com/loomkit/loom/logging"
)

// Version is the kernel version reported in logs.
const Version = "0.3.0"

// Reporter is the logging boundary consumed by the kernel: three printf
// channels for non-fatal conditions.
type Reporter interface {
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
}

// kernel is the shared state behind every context in one tree.
type kernel struct {
	services *serviceTable
	registry *Registry
	bus      *bus.Bus
	rep      Reporter
	metrics  *Metrics
	root     *Scope
}

func (k *kernel) report() Reporter {
	if k.rep == nil {
		return noopReporter{}
	}
	return k.rep
}

type noopReporter struct{}

func (noopReporter) Infof(string, ...any)  {}
func (noopReporter) Warnf(string, ...any)  {}
func (noopReporter) Errorf(string, ...any) {}

type options struct {
	logger       *slog.Logger
	rep          Reporter
	registerer   prometheus.Registerer
	maxListeners int
}

// Option configures a kernel.
type Option func(*options)

// WithLogger injects the slog logger behind the default reporter.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithReporter replaces the reporting channels entirely.
func WithReporter(r Reporter) Option {
	return func(o *options) { o.rep = r }
}

// WithRegisterer enables Prometheus metrics on the given registerer.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) { o.registerer = reg }
}

// WithMaxListeners overrides the bus leak-warning threshold.
func WithMaxListeners(n int) Option {
	return func(o *options) { o.maxListeners = n }
}

// New builds a kernel with default wiring and returns its root context.
// The root scope is always active; plugins installed on the root context
// live until Stop or explicit disposal.
func New(opts ...Option) *Context {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.rep == nil {
		logger := o.logger
		if logger == nil {
			logger = logging.Setup("loom", Version)
		}
		o.rep = logging.NewReporter(logger)
	}

	k := &kernel{
		services: newServiceTable(),
		rep:      o.rep,
	}
	busOpts := []bus.Option{}
	if o.maxListeners > 0 {
		busOpts = append(busOpts, bus.WithMaxListeners(o.maxListeners))
	}
	k.bus = bus.New(o.rep, busOpts...)
	k.registry = newRegistry(k)
	if o.registerer != nil {
		k.metrics = NewMetrics(o.registerer)
	}

	rootMeta := &Meta{
		Name: "root",
		Kind: KindFunc,
		apply: func(*Context, any) error {
			return nil
		},
	}
	root := newScope(k, rootMeta, nil)
	root.status = StatusActive
	rootCtx := &Context{
		k:       k,
		scope:   root,
		provide: make(map[string]struct{}),
	}
	root.ctx = rootCtx
	rootMeta.addScope(root)
	k.root = root
	k.metrics.Created(StatusActive)
	return rootCtx
}
