// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

/*
Package report finalizes pipeline runs.

The Reporter runs after every run, including hard failures and timeouts.
It prunes old images, aggregates the overall outcome, writes the JSON
summary, persists the run, publishes the report and metrics, and sends
the human notification. None of these steps can change the outcome.
*/
package report

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/AleutianAI/pipectl/cmd/pipectl/internal/domain"
	"github.com/AleutianAI/pipectl/cmd/pipectl/internal/telemetry"
)

// DefaultPublishTimeout bounds each publishing step.
const DefaultPublishTimeout = 30 * time.Second

// RunStore persists finished runs.
type RunStore interface {
	Finish(ctx context.Context, run *domain.PipelineRun) error
}

// MetricsPusher sends collected metrics to a Pushgateway.
type MetricsPusher interface {
	Push(ctx context.Context, url, job, environment string) error
}

// Config configures a Reporter.
type Config struct {
	// OutputDir receives run-<id>.json. Empty disables the file.
	OutputDir string

	PushgatewayURL string
	PushJob        string

	PublishTimeout time.Duration
}

// Deps are the Reporter's optional collaborators. Nil fields disable the
// step they serve.
type Deps struct {
	Pruner   *Pruner
	Store    RunStore
	Notifier Notifier
	Uploader Uploader
	Metrics  telemetry.Metrics
	Pusher   MetricsPusher
}

// Reporter finalizes runs.
//
// # Thread Safety
//
// Finalize is called once per run from the orchestrator goroutine.
type Reporter struct {
	config Config
	deps   Deps
	logger *slog.Logger
}

// NewReporter creates a Reporter.
func NewReporter(cfg Config, deps Deps, logger *slog.Logger) *Reporter {
	if cfg.PushJob == "" {
		cfg.PushJob = "pipectl"
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = DefaultPublishTimeout
	}
	if deps.Notifier == nil {
		deps.Notifier = NewLogNotifier(logger)
	}
	if deps.Metrics == nil {
		deps.Metrics = telemetry.NoOpMetrics{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reporter{config: cfg, deps: deps, logger: logger.With("component", "reporter")}
}

// Finalize stamps the run's overall outcome and publishes it.
//
// # Description
//
// Every step runs on a context detached from the run deadline, so a run
// that timed out is still pruned, persisted and reported. The returned
// summary is always non-nil. The error joins every publishing failure;
// it never reflects the run's outcome.
func (r *Reporter) Finalize(ctx context.Context, run *domain.PipelineRun) (*Summary, error) {
	ctx = context.WithoutCancel(ctx)

	var pruned *PruneResult
	if r.deps.Pruner != nil {
		pctx, cancel := context.WithTimeout(ctx, DefaultPruneTimeout)
		pruned = r.deps.Pruner.Prune(pctx)
		cancel()
		r.deps.Metrics.RecordPruned(len(pruned.Removed))
	}

	run.Finalize(Aggregate(run.Stages))
	for _, st := range run.Stages {
		r.deps.Metrics.RecordStage(st.Name, st.Status, st.Duration)
	}
	r.deps.Metrics.RecordRun(run.Overall, run.Duration())

	summary := NewSummary(run, pruned)
	var errs []error

	if r.config.OutputDir != "" {
		if _, err := summary.WriteFile(r.config.OutputDir); err != nil {
			errs = append(errs, err)
		}
	}

	if r.deps.Store != nil {
		if err := r.withTimeout(ctx, func(c context.Context) error { return r.deps.Store.Finish(c, run) }); err != nil {
			errs = append(errs, fmt.Errorf("persist run: %w", err))
		}
	}

	if r.deps.Uploader != nil {
		if err := r.upload(ctx, summary); err != nil {
			errs = append(errs, err)
		}
	}

	if r.deps.Pusher != nil && r.config.PushgatewayURL != "" {
		err := r.withTimeout(ctx, func(c context.Context) error {
			return r.deps.Pusher.Push(c, r.config.PushgatewayURL, r.config.PushJob, run.Environment)
		})
		if err != nil {
			errs = append(errs, err)
		}
	}

	n := Notification{RunID: run.ID, Overall: run.Overall, Subject: summary.Subject(), Body: summary.Text()}
	if err := r.withTimeout(ctx, func(c context.Context) error { return r.deps.Notifier.Notify(c, n) }); err != nil {
		errs = append(errs, fmt.Errorf("notify: %w", err))
	}

	err := errors.Join(errs...)
	if err != nil {
		r.logger.Warn("report publishing incomplete", "run_id", run.ID, "error", err)
	}
	r.logger.Info("run finalized", "run_id", run.ID, "overall", run.Overall, "duration", run.Duration())
	return summary, err
}

func (r *Reporter) upload(ctx context.Context, s *Summary) error {
	data, err := s.JSON()
	if err != nil {
		return err
	}
	return r.withTimeout(ctx, func(c context.Context) error {
		url, err := r.deps.Uploader.Upload(c, FileName(s.RunID), data)
		if err != nil {
			return fmt.Errorf("upload report: %w", err)
		}
		s.ReportURL = url
		return nil
	})
}

func (r *Reporter) withTimeout(ctx context.Context, fn func(context.Context) error) error {
	c, cancel := context.WithTimeout(ctx, r.config.PublishTimeout)
	defer cancel()
	return fn(c)
}
