// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Loom Contributors

package loom

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics contains the kernel's Prometheus metrics. A nil *Metrics is a
// valid no-op receiver, so metrics stay optional.
type Metrics struct {
	Scopes        *prometheus.GaugeVec
	ServiceWrites prometheus.Counter
	BodyFailures  prometheus.Counter
}

// NewMetrics creates and registers the kernel metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Scopes: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "loom_scopes",
				Help: "Number of effect scopes by lifecycle status",
			},
			[]string{"status"},
		),
		ServiceWrites: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "loom_service_writes_total",
				Help: "Total number of reference-changing service writes",
			},
		),
		BodyFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "loom_plugin_body_failures_total",
				Help: "Total number of plugin body activation failures",
			},
		),
	}
	reg.MustRegister(m.Scopes, m.ServiceWrites, m.BodyFailures)
	return m
}

// Created records a scope entering its initial status.
func (m *Metrics) Created(st Status) {
	if m == nil {
		return
	}
	m.Scopes.WithLabelValues(st.String()).Inc()
}

// Transition records a scope status change.
func (m *Metrics) Transition(from, to Status) {
	if m == nil {
		return
	}
	m.Scopes.WithLabelValues(from.String()).Dec()
	m.Scopes.WithLabelValues(to.String()).Inc()
}

// ServiceWrite records a reference-changing service write.
func (m *Metrics) ServiceWrite() {
	if m == nil {
		return
	}
	m.ServiceWrites.Inc()
}

// BodyFailure records a plugin body activation failure.
func (m *Metrics) BodyFailure() {
	if m == nil {
		return
	}
	m.BodyFailures.Inc()
}
