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
Package pipeline drives a deployment run through its stages.

The Orchestrator executes Cleanup, Build, Image, Deploy, Health, Verify,
Monitoring and Promotion strictly in sequence, records one StageResult per
stage, and hands the run to the Reporter. A hard failure or the run
deadline skips every remaining stage; the Reporter always runs.
*/
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/pipectl/cmd/pipectl/internal/build"
	"github.com/AleutianAI/pipectl/cmd/pipectl/internal/cleanup"
	"github.com/AleutianAI/pipectl/cmd/pipectl/internal/domain"
	"github.com/AleutianAI/pipectl/cmd/pipectl/internal/health"
	"github.com/AleutianAI/pipectl/cmd/pipectl/internal/promotion"
	"github.com/AleutianAI/pipectl/cmd/pipectl/internal/report"
	"github.com/AleutianAI/pipectl/cmd/pipectl/internal/telemetry"
	"github.com/AleutianAI/pipectl/cmd/pipectl/internal/verify"
)

// =============================================================================
// Interfaces
// =============================================================================

// Cleaner tears down the previous deployment.
type Cleaner interface {
	Cleanup(ctx context.Context, previous *domain.DeploymentTarget) *cleanup.Report
}

// Packager builds and packages the artifact.
type Packager interface {
	Run(ctx context.Context, sourceDir string) (*build.PackageResult, error)
}

// ImageBuilder builds and tags the image.
type ImageBuilder interface {
	Run(ctx context.Context, artifact domain.Artifact, tag string) (*build.ImageResult, error)
}

// Deployer starts the image.
type Deployer interface {
	Deploy(ctx context.Context, image domain.ImageRef, port domain.PortMapping) (*domain.DeploymentTarget, error)
}

// HealthChecker polls a health URL.
type HealthChecker interface {
	AwaitHealthy(ctx context.Context, url string, policy domain.RetryPolicy) (*health.Outcome, error)
}

// HealthFactory builds a HealthChecker whose diagnostics describe target.
type HealthFactory func(target *domain.DeploymentTarget) HealthChecker

// Verifier runs functional and load checks.
type Verifier interface {
	Verify(ctx context.Context, target *domain.DeploymentTarget, runID uint64) *verify.Report
}

// Monitor probes the monitoring stack.
type Monitor interface {
	Probe(ctx context.Context) *verify.MonitoringReport
}

// Promoter gates and performs the production rollout.
type Promoter interface {
	Promote(ctx context.Context, run *domain.PipelineRun) (*promotion.Outcome, error)
}

// Finalizer reports a finished run.
type Finalizer interface {
	Finalize(ctx context.Context, run *domain.PipelineRun) (*report.Summary, error)
}

// RunStore records runs and the last deployment target per environment.
type RunStore interface {
	Begin(ctx context.Context, run *domain.PipelineRun) error
	LastTarget(ctx context.Context, environment string) (*domain.DeploymentTarget, error)
	SaveTarget(ctx context.Context, environment string, target *domain.DeploymentTarget) error
}

// =============================================================================
// Options
// =============================================================================

// Options are the per-run parameters.
type Options struct {
	RunID       uint64
	Name        string
	Environment string
	Ref         string
	Commit      string
	SourceDir   string

	// Port is the deployment's port mapping.
	Port domain.PortMapping

	// Retry is the health gate policy.
	Retry domain.RetryPolicy

	// RunTimeout bounds the run. 0 disables the deadline.
	RunTimeout time.Duration

	EnableMonitoring bool
	EnablePromotion  bool
}

// Stages holds the stage implementations. Monitor and Promoter may be nil.
type Stages struct {
	Cleanup   Cleaner
	Package   Packager
	Image     ImageBuilder
	Deploy    Deployer
	Health    HealthFactory
	Verify    Verifier
	Monitor   Monitor
	Promotion Promoter
	Reporter  Finalizer
}

// =============================================================================
// Orchestrator
// =============================================================================

// Orchestrator runs one pipeline.
//
// # Description
//
// Stages run strictly in sequence. Each produces exactly one StageResult.
// A stage that fails with a hard error halts the run: every later stage is
// recorded as skipped. The run deadline is checked before every stage;
// long stages check it again at their own boundaries (health attempts,
// promotion approval). When it has passed, the stage about to start is
// recorded as failed with RunTimedOut and the rest are skipped.
//
// External calls already in flight are not cancelled by the deadline. The
// cleanup, build, image, deploy and monitoring stages receive a context
// detached from it and rely on their own per-call timeouts.
//
// # Thread Safety
//
// An Orchestrator runs one pipeline at a time.
type Orchestrator struct {
	opts    Options
	stages  Stages
	store   RunStore
	tracer  telemetry.Tracer
	metrics telemetry.Metrics
	logger  *slog.Logger

	summary *report.Summary
}

// New creates an Orchestrator.
func New(opts Options, stages Stages, store RunStore, tracer telemetry.Tracer, metrics telemetry.Metrics, logger *slog.Logger) *Orchestrator {
	if tracer == nil {
		tracer = telemetry.NoOpTracer{}
	}
	if metrics == nil {
		metrics = telemetry.NoOpMetrics{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		opts:    opts,
		stages:  stages,
		store:   store,
		tracer:  tracer,
		metrics: metrics,
		logger:  logger.With("run_id", opts.RunID, "pipeline", opts.Name),
	}
}

// stageOutcome is what a stage body reports back to exec.
type stageOutcome struct {
	status   domain.StageStatus
	attempts int
	output   string
	warnings []string
	err      error
}

// Run executes the pipeline and returns the finalized run.
//
// The error is non-nil only when the run could not start, e.g. a reused
// run ID. Stage failures are reported through the run's Overall.
func (o *Orchestrator) Run(ctx context.Context) (*domain.PipelineRun, error) {
	run := domain.NewPipelineRun(o.opts.RunID, o.opts.Name, o.opts.Environment, o.opts.Ref)
	run.Commit = o.opts.Commit
	run.Ports = []domain.PortMapping{o.opts.Port}

	if o.store != nil {
		if err := o.store.Begin(ctx, run); err != nil {
			return nil, fmt.Errorf("begin run %d: %w", run.ID, err)
		}
	}

	ctx, endRun := o.tracer.StartSpan(ctx, "pipeline.run", map[string]string{
		"run_id":      strconv.FormatUint(run.ID, 10),
		"environment": run.Environment,
		"ref":         run.Ref,
	})

	runCtx := ctx
	if o.opts.RunTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, o.opts.RunTimeout)
		defer cancel()
	}

	o.logger.Info("pipeline started", "environment", run.Environment, "ref", run.Ref, "port", o.opts.Port.HostPort)

	halted := false
	for _, name := range domain.StageOrder {
		if halted {
			o.skip(run, name, "skipped after earlier failure")
			continue
		}
		if err := runCtx.Err(); err != nil {
			o.record(run, name, time.Now(), stageOutcome{err: timedOut(name, err)})
			halted = true
			continue
		}
		halted = o.exec(runCtx, run, name)
	}

	var finalizeErr error
	if o.stages.Reporter != nil {
		o.summary, finalizeErr = o.stages.Reporter.Finalize(ctx, run)
	} else {
		run.Finalize(report.Aggregate(run.Stages))
	}
	if o.summary == nil {
		o.summary = report.NewSummary(run, nil)
	}

	endRun(overallErr(run))
	o.logger.Info("pipeline finished", "overall", run.Overall, "duration", run.Duration())
	if finalizeErr != nil {
		o.logger.Warn("reporting incomplete", "error", finalizeErr)
	}
	return run, nil
}

// Summary returns the report of the last Run, or nil before the first.
func (o *Orchestrator) Summary() *report.Summary {
	return o.summary
}

// exec runs one stage and reports whether the run must halt.
func (o *Orchestrator) exec(runCtx context.Context, run *domain.PipelineRun, name string) bool {
	start := time.Now()
	ctx, end := o.tracer.StartSpan(runCtx, "stage."+name, map[string]string{"stage": name})
	run.CurrentStage = name
	o.logger.Info("stage started", "stage", name)

	var out stageOutcome
	switch name {
	case domain.StageCleanup:
		out = o.cleanup(ctx, run)
	case domain.StageBuild:
		out = o.build(ctx, run)
	case domain.StageImage:
		out = o.image(ctx, run)
	case domain.StageDeploy:
		out = o.deploy(ctx, run)
	case domain.StageHealth:
		out = o.health(ctx, run)
	case domain.StageVerify:
		out = o.verify(ctx, run)
	case domain.StageMonitoring:
		out = o.monitoring(ctx)
	case domain.StagePromotion:
		out = o.promote(ctx, run)
	default:
		out = stageOutcome{status: domain.StatusSkipped, output: "unknown stage"}
	}

	res := o.record(run, name, start, out)
	end(out.err)
	return res.Status == domain.StatusFailed
}

// record builds and appends the stage result. A fatal error forces the
// failed status.
func (o *Orchestrator) record(run *domain.PipelineRun, name string, start time.Time, out stageOutcome) domain.StageResult {
	res := domain.StageResult{
		ID:        uuid.NewString(),
		Name:      name,
		Status:    out.status,
		StartedAt: start,
		Duration:  time.Since(start),
		Attempts:  out.attempts,
		Output:    out.output,
		Warnings:  out.warnings,
	}
	if out.err != nil {
		res.ErrorKind = domain.KindOf(out.err)
		res.Error = out.err.Error()
		var se *domain.StageError
		if errors.As(out.err, &se) {
			res.Diagnostics = se.Diagnostics
		}
		if res.ErrorKind.Fatal() || res.ErrorKind == "" {
			res.Status = domain.StatusFailed
		}
	}
	if res.Status == "" || res.Status == domain.StatusPending {
		res.Status = domain.StatusPassed
	}

	if err := run.Record(res); err != nil {
		o.logger.Error("stage result rejected", "stage", name, "error", err)
	}

	attrs := []any{"stage", name, "status", res.Status, "duration", res.Duration}
	switch res.Status {
	case domain.StatusFailed:
		o.logger.Error("stage failed", append(attrs, "kind", res.ErrorKind, "error", res.Error)...)
	case domain.StatusUnstable:
		o.logger.Warn("stage unstable", append(attrs, "error", res.Error)...)
	default:
		o.logger.Info("stage finished", attrs...)
	}
	return res
}

func (o *Orchestrator) skip(run *domain.PipelineRun, name, reason string) {
	o.record(run, name, time.Now(), stageOutcome{status: domain.StatusSkipped, output: reason})
}

// =============================================================================
// Stage Bodies
// =============================================================================

func (o *Orchestrator) cleanup(ctx context.Context, run *domain.PipelineRun) stageOutcome {
	var previous *domain.DeploymentTarget
	var warnings []string
	if o.store != nil {
		prev, err := o.store.LastTarget(ctx, run.Environment)
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("load previous target: %v", err))
		}
		previous = prev
	}

	rep := o.stages.Cleanup.Cleanup(context.WithoutCancel(ctx), previous)
	return stageOutcome{
		status:   domain.StatusPassed,
		output:   rep.Summary(),
		warnings: append(warnings, rep.Warnings...),
	}
}

func (o *Orchestrator) build(ctx context.Context, run *domain.PipelineRun) stageOutcome {
	res, err := o.stages.Package.Run(context.WithoutCancel(ctx), o.opts.SourceDir)
	if err != nil {
		out := stageOutcome{err: err}
		if res != nil {
			out.output = res.Output
		}
		return out
	}
	artifact := res.Artifact
	run.Artifact = &artifact
	return stageOutcome{
		status: domain.StatusPassed,
		output: fmt.Sprintf("%s (%d bytes, sha256 %s)", artifact.Path, artifact.Size, artifact.SHA256),
	}
}

func (o *Orchestrator) image(ctx context.Context, run *domain.PipelineRun) stageOutcome {
	if run.Artifact == nil {
		return stageOutcome{err: domain.NewStageError(domain.StageImage, domain.KindArtifactMissing, domain.ErrArtifactMissing)}
	}
	res, err := o.stages.Image.Run(context.WithoutCancel(ctx), *run.Artifact, strconv.FormatUint(run.ID, 10))
	if err != nil {
		out := stageOutcome{err: err}
		if res != nil {
			out.output = res.Output
		}
		return out
	}
	run.Image = res.Image
	return stageOutcome{status: domain.StatusPassed, output: res.Image.String()}
}

func (o *Orchestrator) deploy(ctx context.Context, run *domain.PipelineRun) stageOutcome {
	target, err := o.stages.Deploy.Deploy(context.WithoutCancel(ctx), run.Image, o.opts.Port)
	if target == nil {
		if err == nil {
			err = domain.NewStageError(domain.StageDeploy, domain.KindDeployFailed, domain.ErrDeployFailed)
		}
		return stageOutcome{err: err}
	}
	run.Target = target

	var warnings []string
	if o.store != nil {
		if serr := o.store.SaveTarget(context.WithoutCancel(ctx), run.Environment, target); serr != nil {
			warnings = append(warnings, fmt.Sprintf("save target: %v", serr))
		}
	}
	if err != nil {
		return stageOutcome{err: err, warnings: warnings}
	}
	return stageOutcome{
		status:   domain.StatusPassed,
		output:   fmt.Sprintf("%s %v at %s", target.Mode, target.Containers, target.BaseURL),
		warnings: warnings,
	}
}

func (o *Orchestrator) health(ctx context.Context, run *domain.PipelineRun) stageOutcome {
	hc := o.stages.Health(run.Target)
	out, err := hc.AwaitHealthy(ctx, run.Target.HealthURL, o.opts.Retry)
	if out == nil {
		return stageOutcome{err: err}
	}
	o.metrics.RecordHealthAttempts(out.Attempts)

	res := stageOutcome{attempts: out.Attempts, err: err}
	for _, d := range out.Interim {
		res.warnings = append(res.warnings, fmt.Sprintf("attempt %d diagnostics: %s", d.Attempt, firstLine(d.String())))
	}
	if err != nil {
		res.output = fmt.Sprintf("unhealthy after %d attempts", out.Attempts)
		return res
	}
	res.status = domain.StatusPassed
	res.output = fmt.Sprintf("healthy after %d attempt(s)", out.Attempts)
	return res
}

func (o *Orchestrator) verify(ctx context.Context, run *domain.PipelineRun) stageOutcome {
	rep := o.stages.Verify.Verify(ctx, run.Target, run.ID)
	return stageOutcome{status: rep.Status(), output: rep.Output(), err: rep.Err()}
}

func (o *Orchestrator) monitoring(ctx context.Context) stageOutcome {
	if !o.opts.EnableMonitoring || o.stages.Monitor == nil {
		return stageOutcome{status: domain.StatusSkipped, output: "monitoring disabled"}
	}
	rep := o.stages.Monitor.Probe(context.WithoutCancel(ctx))
	ok := 0
	for _, r := range rep.Results {
		if r.Passed {
			ok++
		}
	}
	return stageOutcome{
		status:   domain.StatusPassed,
		output:   fmt.Sprintf("%d/%d monitoring endpoints healthy", ok, len(rep.Results)),
		warnings: rep.Warnings,
	}
}

// promotedEnvironment keys the promoted target in the store, so only a
// production run's cleanup tears it down.
const promotedEnvironment = "production"

func (o *Orchestrator) promote(ctx context.Context, run *domain.PipelineRun) stageOutcome {
	if !o.opts.EnablePromotion || o.stages.Promotion == nil {
		return stageOutcome{status: domain.StatusSkipped, output: "promotion disabled"}
	}
	out, err := o.stages.Promotion.Promote(ctx, run)
	if out == nil {
		return stageOutcome{err: err}
	}
	warnings := out.Warnings
	if out.Target != nil && o.store != nil {
		if serr := o.store.SaveTarget(context.WithoutCancel(ctx), promotedEnvironment, out.Target); serr != nil {
			warnings = append(warnings, fmt.Sprintf("save production target: %v", serr))
		}
	}
	return stageOutcome{
		status:   out.Status,
		attempts: out.HealthAttempts,
		output:   out.Reason,
		warnings: warnings,
		err:      err,
	}
}

// =============================================================================
// Helpers
// =============================================================================

func timedOut(stage string, cause error) error {
	return domain.NewStageError(stage, domain.KindRunTimedOut,
		fmt.Errorf("deadline reached before %s started: %w", stage, cause))
}

// overallErr is the error recorded on the run span.
func overallErr(run *domain.PipelineRun) error {
	if run.Overall.ExitCode() == 0 {
		return nil
	}
	for _, s := range run.Stages {
		if s.Status == domain.StatusFailed {
			return fmt.Errorf("%s: %s", s.Name, s.Error)
		}
	}
	return fmt.Errorf("run %s", run.Overall)
}

func firstLine(s string) string {
	for i, r := range s {
		if r == '\n' {
			return s[:i]
		}
	}
	return s
}
