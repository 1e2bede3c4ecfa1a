// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package verify

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/AleutianAI/pipectl/cmd/pipectl/internal/domain"
)

// Endpoint is a monitoring collaborator's fixed health probe.
type Endpoint struct {
	Name string `json:"name" yaml:"name" toml:"name" validate:"required"`
	URL  string `json:"url" yaml:"url" toml:"url" validate:"required,url"`
}

// DefaultEndpoints are the Prometheus and Grafana health probes.
func DefaultEndpoints() []Endpoint {
	return []Endpoint{
		{Name: "prometheus", URL: "http://localhost:9090/-/healthy"},
		{Name: "grafana", URL: "http://localhost:3000/api/health"},
	}
}

// MonitoringReport is the outcome of MonitoringCheck.Probe.
type MonitoringReport struct {
	Results  []CheckResult `json:"results"`
	Warnings []string      `json:"warnings,omitempty"`
}

// MonitoringCheck probes the monitoring stack. Failures are warnings.
type MonitoringCheck struct {
	endpoints []Endpoint
	stage     *Stage
	logger    *slog.Logger
}

// NewMonitoringCheck creates a check over endpoints. An empty list probes
// nothing.
func NewMonitoringCheck(endpoints []Endpoint, client HTTPClient, timeout time.Duration, logger *slog.Logger) *MonitoringCheck {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("stage", domain.StageMonitoring)
	return &MonitoringCheck{
		endpoints: endpoints,
		stage:     NewStage(Config{RequestTimeout: timeout}, client, logger),
		logger:    logger,
	}
}

// Probe GETs every endpoint in order.
func (m *MonitoringCheck) Probe(ctx context.Context) *MonitoringReport {
	report := &MonitoringReport{}
	for _, ep := range m.endpoints {
		res, _ := m.stage.do(ctx, ep.Name, http.MethodGet, ep.URL, nil)
		report.Results = append(report.Results, res)
		if !res.Passed {
			w := fmt.Sprintf("%s unhealthy: %s", ep.Name, res.Error)
			report.Warnings = append(report.Warnings, w)
			m.logger.Warn("monitoring endpoint unhealthy", "name", ep.Name, "url", ep.URL, "error", res.Error)
		}
	}
	return report
}
