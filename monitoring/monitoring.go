// Copyright 2025 SAP SE
// SPDX-License-Identifier: Apache-2.0

package monitoring

import (
	"maps"
	"slices"

	"github.com/cobaltcore-dev/resa/conf"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	dto "github.com/prometheus/client_model/go"
)

// Registry collects the library's metrics and stamps every gathered
// metric with the configured labels, so several services exporting the
// same families can be told apart.
type Registry struct {
	*prometheus.Registry
	config conf.MonitoringConfig
}

func NewRegistry(config conf.MonitoringConfig) *Registry {
	registry := &Registry{
		Registry: prometheus.NewRegistry(),
		config:   config,
	}
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return registry
}

// Gather implements prometheus.Gatherer, appending the configured
// labels to every metric in deterministic order.
func (r *Registry) Gather() ([]*dto.MetricFamily, error) {
	families, err := r.Registry.Gather()
	if err != nil {
		return nil, err
	}
	pairs := make([]*dto.LabelPair, 0, len(r.config.Labels))
	for _, name := range slices.Sorted(maps.Keys(r.config.Labels)) {
		value := r.config.Labels[name]
		pairs = append(pairs, &dto.LabelPair{Name: &name, Value: &value})
	}
	for _, family := range families {
		for _, metric := range family.Metric {
			metric.Label = append(metric.Label, pairs...)
		}
	}
	return families, nil
}
