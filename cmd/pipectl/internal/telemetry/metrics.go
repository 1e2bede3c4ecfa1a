// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"

	"github.com/AleutianAI/pipectl/cmd/pipectl/internal/domain"
)

const metricsNamespace = "pipectl"

// Metrics records pipeline outcomes.
type Metrics interface {
	RecordStage(stage string, status domain.StageStatus, d time.Duration)
	RecordHealthAttempts(attempts int)
	RecordRun(overall domain.Overall, d time.Duration)
	RecordPruned(count int)
}

// PrometheusMetrics holds the pipeline collectors in a private registry.
type PrometheusMetrics struct {
	registry *prometheus.Registry

	stagesTotal    *prometheus.CounterVec
	stageDuration  *prometheus.HistogramVec
	healthAttempts prometheus.Histogram
	runsTotal      *prometheus.CounterVec
	runDuration    prometheus.Gauge
	lastRunSuccess prometheus.Gauge
	imagesPruned   prometheus.Counter

	mu sync.Mutex
}

// NewPrometheusMetrics creates and registers the collectors.
func NewPrometheusMetrics() *PrometheusMetrics {
	m := &PrometheusMetrics{
		registry: prometheus.NewRegistry(),

		stagesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "stage",
				Name:      "results_total",
				Help:      "Stage results by stage and status",
			},
			[]string{"stage", "status"},
		),

		stageDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: "stage",
				Name:      "duration_seconds",
				Help:      "Stage wall-clock duration in seconds",
				Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
			},
			[]string{"stage"},
		),

		healthAttempts: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: "health",
				Name:      "attempts",
				Help:      "Health probe attempts until healthy or exhausted",
				Buckets:   []float64{1, 2, 3, 5, 10, 20, 30},
			},
		),

		runsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "run",
				Name:      "total",
				Help:      "Finished runs by overall outcome",
			},
			[]string{"overall"},
		),

		runDuration: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: "run",
				Name:      "duration_seconds",
				Help:      "Duration of the last run in seconds",
			},
		),

		lastRunSuccess: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: "run",
				Name:      "last_success",
				Help:      "1 if the last run exited 0, else 0",
			},
		),

		imagesPruned: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "images",
				Name:      "pruned_total",
				Help:      "Images removed by retention",
			},
		),
	}

	m.registry.MustRegister(
		m.stagesTotal,
		m.stageDuration,
		m.healthAttempts,
		m.runsTotal,
		m.runDuration,
		m.lastRunSuccess,
		m.imagesPruned,
	)
	return m
}

// Registry exposes the private registry.
func (m *PrometheusMetrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordStage implements Metrics.
func (m *PrometheusMetrics) RecordStage(stage string, status domain.StageStatus, d time.Duration) {
	m.stagesTotal.WithLabelValues(stage, string(status)).Inc()
	if status != domain.StatusSkipped {
		m.stageDuration.WithLabelValues(stage).Observe(d.Seconds())
	}
}

// RecordHealthAttempts implements Metrics.
func (m *PrometheusMetrics) RecordHealthAttempts(attempts int) {
	m.healthAttempts.Observe(float64(attempts))
}

// RecordRun implements Metrics.
func (m *PrometheusMetrics) RecordRun(overall domain.Overall, d time.Duration) {
	m.runsTotal.WithLabelValues(string(overall)).Inc()
	m.runDuration.Set(d.Seconds())
	if overall.ExitCode() == 0 {
		m.lastRunSuccess.Set(1)
	} else {
		m.lastRunSuccess.Set(0)
	}
}

// RecordPruned implements Metrics.
func (m *PrometheusMetrics) RecordPruned(count int) {
	m.imagesPruned.Add(float64(count))
}

// Push sends every collector to a Pushgateway under job, grouped by
// environment.
func (m *PrometheusMetrics) Push(ctx context.Context, url, job, environment string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p := push.New(url, job).Gatherer(m.registry)
	if environment != "" {
		p = p.Grouping("environment", environment)
	}
	if err := p.PushContext(ctx); err != nil {
		return fmt.Errorf("push metrics to %s: %w", url, err)
	}
	return nil
}

// NoOpMetrics discards everything.
type NoOpMetrics struct{}

// RecordStage implements Metrics.
func (NoOpMetrics) RecordStage(string, domain.StageStatus, time.Duration) {}

// RecordHealthAttempts implements Metrics.
func (NoOpMetrics) RecordHealthAttempts(int) {}

// RecordRun implements Metrics.
func (NoOpMetrics) RecordRun(domain.Overall, time.Duration) {}

// RecordPruned implements Metrics.
func (NoOpMetrics) RecordPruned(int) {}

var (
	_ Metrics = (*PrometheusMetrics)(nil)
	_ Metrics = NoOpMetrics{}
)
