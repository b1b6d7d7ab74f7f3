// Copyright 2025 SAP SE
// SPDX-License-Identifier: Apache-2.0

package db

import (
	"github.com/cobaltcore-dev/resa/monitoring"
	"github.com/prometheus/client_golang/prometheus"
)

type SessionMonitor struct {
	// A histogram to measure how long serialized transactions take.
	transactionTimer *prometheus.HistogramVec
	// A counter for attempts repeated after a serialization conflict.
	retryCounter *prometheus.CounterVec
	// A counter for transactions abandoned after the retry budget.
	rollbackCounter *prometheus.CounterVec
}

func NewSessionMonitor(registry *monitoring.Registry) SessionMonitor {
	transactionTimer := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "resa_transaction_duration_seconds",
		Help:    "Duration of serialized transactions",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation"})
	retryCounter := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "resa_transaction_retries_total",
		Help: "Number of serialized transaction attempts repeated after a conflict",
	}, []string{"operation"})
	rollbackCounter := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "resa_transaction_rollbacks_total",
		Help: "Number of serialized transactions rolled back for good",
	}, []string{"operation"})
	registry.MustRegister(
		transactionTimer,
		retryCounter,
		rollbackCounter,
	)
	return SessionMonitor{
		transactionTimer: transactionTimer,
		retryCounter:     retryCounter,
		rollbackCounter:  rollbackCounter,
	}
}
