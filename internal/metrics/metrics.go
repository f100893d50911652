// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package metrics implements internal/subscription.MetricsSink with
// Prometheus collectors: per-client gauge vectors, an outcome-labeled
// counter and histogram, and an HTTP handler exposing them on a
// dedicated registry.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/trustmesh/subscriptiond/internal/subscription"
)

const namespace = "subscriptiond"

// Registry holds every collector the engine reports through, bound to
// its own prometheus.Registry rather than the global default so that
// multiple engines (e.g. in tests) never collide.
type Registry struct {
	registry *prometheus.Registry

	queueDepth      *prometheus.GaugeVec
	failureCount    *prometheus.GaugeVec
	deliveries      *prometheus.CounterVec
	deliveryLatency *prometheus.HistogramVec
	clientsRemoved  prometheus.Counter
}

// New constructs a Registry with every collector registered.
func New() *Registry {
	reg := prometheus.NewRegistry()

	r := &Registry{
		registry: reg,
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Number of notifications currently queued for a client.",
		}, []string{"client"}),
		failureCount: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "failure_count",
			Help:      "Consecutive delivery failures recorded for a client.",
		}, []string{"client"}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_total",
			Help:      "Delivery attempts by outcome.",
		}, []string{"outcome"}),
		deliveryLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "delivery_duration_seconds",
			Help:      "Time spent in one transport Send* call.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}, []string{"outcome"}),
		clientsRemoved: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "clients_removed_total",
			Help:      "Clients removed due to disconnect or exhausted failure budget.",
		}),
	}

	reg.MustRegister(r.queueDepth, r.failureCount, r.deliveries, r.deliveryLatency, r.clientsRemoved)
	return r
}

// Handler returns the HTTP handler serving this Registry's collectors
// in the Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// SetQueueDepth implements subscription.MetricsSink.
func (r *Registry) SetQueueDepth(client subscription.TransportID, depth int) {
	r.queueDepth.WithLabelValues(string(client)).Set(float64(depth))
}

// SetFailureCount implements subscription.MetricsSink.
func (r *Registry) SetFailureCount(client subscription.TransportID, count int) {
	r.failureCount.WithLabelValues(string(client)).Set(float64(count))
}

// ObserveDelivery implements subscription.MetricsSink.
func (r *Registry) ObserveDelivery(outcome subscription.Outcome, d time.Duration) {
	label := outcome.String()
	r.deliveries.WithLabelValues(label).Inc()
	r.deliveryLatency.WithLabelValues(label).Observe(d.Seconds())
}

// IncClientsRemoved implements subscription.MetricsSink.
func (r *Registry) IncClientsRemoved() {
	r.clientsRemoved.Inc()
}

// DeleteClient implements subscription.MetricsSink, dropping a
// removed client's per-client gauge series so label cardinality does
// not grow unbounded over the daemon's lifetime.
func (r *Registry) DeleteClient(client subscription.TransportID) {
	r.queueDepth.DeleteLabelValues(string(client))
	r.failureCount.DeleteLabelValues(string(client))
}
