// Copyright 2025 SAP SE
// SPDX-License-Identifier: Apache-2.0

package scheduler

import (
	"github.com/cobaltcore-dev/resa/monitoring"
	"github.com/prometheus/client_golang/prometheus"
)

// Collection of Prometheus metrics to monitor scheduler activity.
type Monitor struct {
	// Counter for allocation writes, by operation.
	allocationsCounter *prometheus.CounterVec
	// Counter for reservation writes, by operation.
	reservationsCounter *prometheus.CounterVec
	// Counter for reserved slot writes, by operation.
	slotsCounter *prometheus.CounterVec
	// Observer for the availability percentages served by queries.
	availabilityObserver prometheus.Observer
}

// Create a new scheduler monitor and register the necessary Prometheus metrics.
func NewSchedulerMonitor(registry *monitoring.Registry) Monitor {
	allocationsCounter := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "resa_scheduler_allocations_total",
		Help: "Total number of allocation rows written by the scheduler.",
	}, []string{"operation"})
	reservationsCounter := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "resa_scheduler_reservations_total",
		Help: "Total number of reservation rows written by the scheduler.",
	}, []string{"operation"})
	slotsCounter := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "resa_scheduler_reserved_slots_total",
		Help: "Total number of reserved slot rows written by the scheduler.",
	}, []string{"operation"})
	availabilityObserver := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "resa_scheduler_availability_percent",
		Help:    "Availability percentages served by scheduler queries.",
		Buckets: prometheus.LinearBuckets(0, 5, 21),
	})
	registry.MustRegister(
		allocationsCounter,
		reservationsCounter,
		slotsCounter,
		availabilityObserver,
	)
	return Monitor{
		allocationsCounter:   allocationsCounter,
		reservationsCounter:  reservationsCounter,
		slotsCounter:         slotsCounter,
		availabilityObserver: availabilityObserver,
	}
}

// Observe allocation rows touched by a write operation.
func (m *Monitor) observeAllocations(operation string, count int) {
	if m.allocationsCounter != nil {
		m.allocationsCounter.WithLabelValues(operation).Add(float64(count))
	}
}

// Observe reservation rows touched by a write operation.
func (m *Monitor) observeReservations(operation string, count int) {
	if m.reservationsCounter != nil {
		m.reservationsCounter.WithLabelValues(operation).Add(float64(count))
	}
}

// Observe reserved slot rows touched by a write operation.
func (m *Monitor) observeSlots(operation string, count int) {
	if m.slotsCounter != nil {
		m.slotsCounter.WithLabelValues(operation).Add(float64(count))
	}
}

// Observe an availability percentage served by a query.
func (m *Monitor) observeAvailability(percent float64) {
	if m.availabilityObserver != nil {
		m.availabilityObserver.Observe(percent)
	}
}
