// Package metrics holds the Prometheus collectors for saga execution.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector holds all Prometheus metrics for saga execution. A nil
// *Collector is valid and records nothing.
type Collector struct {
	registry *prometheus.Registry

	Sagas         *prometheus.CounterVec
	Steps         *prometheus.CounterVec
	Compensations *prometheus.CounterVec
	Duration      *prometheus.HistogramVec
}

// NewCollector creates a collector registered on its own registry.
func NewCollector(namespace string) *Collector {
	registry := prometheus.NewRegistry()

	c := &Collector{
		registry: registry,
		Sagas: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sagas_total",
				Help:      "Total number of executed sagas by result",
			},
			[]string{"saga", "result"},
		),
		Steps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "saga_steps_total",
				Help:      "Total number of saga steps by outcome kind",
			},
			[]string{"saga", "step", "kind"},
		),
		Compensations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "compensations_total",
				Help:      "Total number of compensations run by result",
			},
			[]string{"saga", "result"},
		),
		Duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "saga_duration_seconds",
				Help:      "Saga execution duration in seconds, compensation included",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"saga"},
		),
	}

	registry.MustRegister(c.Sagas, c.Steps, c.Compensations, c.Duration)
	return c
}

// Registry returns the registry the collectors are registered on.
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// SagaFinished records the result and duration of one saga.
func (c *Collector) SagaFinished(saga, result string, started time.Time) {
	if c == nil {
		return
	}
	c.Sagas.WithLabelValues(saga, result).Inc()
	c.Duration.WithLabelValues(saga).Observe(time.Since(started).Seconds())
}

// StepFinished records the outcome kind of one step.
func (c *Collector) StepFinished(saga, step, kind string) {
	if c == nil {
		return
	}
	c.Steps.WithLabelValues(saga, step, kind).Inc()
}

// Compensated records one compensation attempt.
func (c *Collector) Compensated(saga string, ok bool) {
	if c == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "failed"
	}
	c.Compensations.WithLabelValues(saga, result).Inc()
}
