// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/AleutianAI/pipectl/cmd/pipectl/config"
	"github.com/AleutianAI/pipectl/cmd/pipectl/internal/build"
	"github.com/AleutianAI/pipectl/cmd/pipectl/internal/cleanup"
	"github.com/AleutianAI/pipectl/cmd/pipectl/internal/deploy"
	"github.com/AleutianAI/pipectl/cmd/pipectl/internal/domain"
	"github.com/AleutianAI/pipectl/cmd/pipectl/internal/health"
	"github.com/AleutianAI/pipectl/cmd/pipectl/internal/probe"
	"github.com/AleutianAI/pipectl/cmd/pipectl/internal/process"
	"github.com/AleutianAI/pipectl/cmd/pipectl/internal/promotion"
	"github.com/AleutianAI/pipectl/cmd/pipectl/internal/report"
	"github.com/AleutianAI/pipectl/cmd/pipectl/internal/runtime"
	"github.com/AleutianAI/pipectl/cmd/pipectl/internal/store"
	"github.com/AleutianAI/pipectl/cmd/pipectl/internal/telemetry"
	"github.com/AleutianAI/pipectl/cmd/pipectl/internal/verify"
)

// RunParams are the values the CLI resolves per invocation.
type RunParams struct {
	RunID  uint64
	Ref    string
	Commit string

	// AutoDecision replaces the configured approver with a static one.
	AutoDecision promotion.Decision
}

// Assembly is a fully wired pipeline and the resources it holds.
type Assembly struct {
	Orchestrator *Orchestrator
	Runtime      runtime.Runtime
	Tracer       telemetry.Tracer

	closers []func(context.Context) error
}

// Close releases every resource in reverse order of creation.
func (a *Assembly) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i](ctx))
	}
	return errors.Join(errs...)
}

// NewRuntime builds the container runtime driver selected by cfg.
func NewRuntime(cfg config.PipelineConfig, runner process.Runner, logger *slog.Logger) (runtime.Runtime, func(context.Context) error, error) {
	cli := runtime.NewCLIRuntime(runtime.CLIConfig{
		Binary:         cfg.Runtime.Binary,
		CommandTimeout: cfg.Runtime.CommandTimeout,
		BuildTimeout:   cfg.Runtime.BuildTimeout,
	}, runner, logger)

	if cfg.Runtime.Driver != "engine" {
		return cli, func(context.Context) error { return nil }, nil
	}
	engine, err := runtime.NewEngineRuntime(cli, logger)
	if err != nil {
		return nil, nil, err
	}
	return engine, func(context.Context) error { return engine.Close() }, nil
}

// NewCleanupManager builds the CleanupManager for cfg's environment.
func NewCleanupManager(cfg config.PipelineConfig, rt runtime.Runtime, pr probe.Probe, logger *slog.Logger) *cleanup.Manager {
	networks := cfg.Cleanup.Networks
	if cfg.Deploy.Network != "" {
		networks = append(append([]string(nil), networks...), cfg.Deploy.Network)
	}
	return cleanup.NewManager(cleanup.Config{
		Service:       cfg.Name,
		Environment:   cfg.Environment,
		NamePrefix:    cfg.Cleanup.NamePrefix,
		Networks:      networks,
		NetworkPrefix: cfg.Cleanup.NetworkPrefix,
		Ports:         []int{cfg.HostPort()},
		StopGrace:     cfg.Cleanup.StopGrace,
		SkipPrune:     cfg.Cleanup.SkipPrune,
	}, rt, pr, logger)
}

// Assemble wires every stage from a validated configuration.
//
// # Description
//
// Construction order follows the dependencies:
//
//	ProcessRunner -> Runtime -> ResourceProbe -> stages -> Reporter -> Orchestrator
//
// The returned Assembly must be closed after the run to flush traces and
// release the runtime client.
func Assemble(ctx context.Context, cfg config.PipelineConfig, params RunParams, st *store.Store, logger *slog.Logger) (*Assembly, error) {
	if logger == nil {
		logger = slog.Default()
	}
	asm := &Assembly{}

	tracer, err := telemetry.NewTracer(ctx, telemetry.TracerConfig{
		ServiceName: "pipectl",
		Environment: cfg.Environment,
		Exporter:    cfg.Telemetry.Exporter,
		Endpoint:    cfg.Telemetry.Endpoint,
		Insecure:    cfg.Telemetry.Insecure,
	})
	if err != nil {
		return nil, err
	}
	asm.Tracer = tracer
	asm.closers = append(asm.closers, tracer.Shutdown)

	runner := process.NewDefaultRunner(logger)
	rt, closeRuntime, err := NewRuntime(cfg, runner, logger)
	if err != nil {
		_ = asm.Close(ctx)
		return nil, err
	}
	asm.Runtime = rt
	asm.closers = append(asm.closers, closeRuntime)
	pr := probe.NewHostProbe(rt, runner, logger)

	metrics := telemetry.NewPrometheusMetrics()
	httpClient := &http.Client{}

	pkg := build.NewPackageStage(build.PackageConfig{
		Build:          cfg.Build.Build,
		Test:           cfg.Build.Test,
		Package:        cfg.Build.Package,
		ArtifactGlob:   cfg.Build.ArtifactGlob,
		CommandTimeout: cfg.Build.CommandTimeout,
		Env:            cfg.Build.Env,
	}, runner, logger)

	img := build.NewImageStage(build.ImageConfig{
		Repository: cfg.Repository(),
		ContextDir: cfg.Image.ContextDir,
		Dockerfile: cfg.Image.Dockerfile,
		BuildArgs:  cfg.Image.BuildArgs,
		Timeout:    cfg.Runtime.BuildTimeout,
	}, rt, logger)

	dep := deploy.NewStage(deployConfig(cfg), rt, pr, runner, logger)

	healthCfg := health.Config{RequestTimeout: cfg.Health.RequestTimeout}
	healthFactory := func(target *domain.DeploymentTarget) HealthChecker {
		collector := health.NewTargetCollector(pr, rt, target, cfg.Health.LogTail)
		return health.NewGate(healthCfg, httpClient, collector, logger)
	}

	ver := verify.NewStage(verify.Config{
		TasksPath:         cfg.Verify.TasksPath,
		CompletedPath:     cfg.Verify.CompletedPath,
		ActuatorPath:      cfg.Verify.ActuatorPath,
		ReadRequests:      cfg.Verify.ReadRequests,
		SecondaryRequests: cfg.Verify.SecondaryRequests,
		RatePerSecond:     cfg.Verify.RatePerSecond,
		RequestTimeout:    cfg.Verify.RequestTimeout,
		SkipLoad:          cfg.Verify.SkipLoad,
	}, httpClient, logger)

	stages := Stages{
		Cleanup: NewCleanupManager(cfg, rt, pr, logger),
		Package: pkg,
		Image:   img,
		Deploy:  dep,
		Health:  healthFactory,
		Verify:  ver,
	}

	if cfg.Monitoring.Enabled {
		endpoints := make([]verify.Endpoint, 0, len(cfg.Monitoring.Endpoints))
		for _, e := range cfg.Monitoring.Endpoints {
			endpoints = append(endpoints, verify.Endpoint{Name: e.Name, URL: e.URL})
		}
		stages.Monitor = verify.NewMonitoringCheck(endpoints, httpClient, cfg.Monitoring.Timeout, logger)
	}

	if cfg.Promotion.Enabled {
		prodPort := cfg.ProductionPortMapping()
		prodConfig := productionDeployConfig(cfg)
		prodDeploy := deploy.NewStage(prodConfig, rt, pr, runner, logger)
		prodTarget := productionTarget(prodConfig, prodPort)
		prodHealth := health.NewGate(healthCfg, httpClient, health.NewTargetCollector(pr, rt, prodTarget, cfg.Health.LogTail), logger)

		approver, closeApprover, err := newApprover(cfg.Promotion, params.AutoDecision, logger)
		if err != nil {
			_ = asm.Close(ctx)
			return nil, err
		}
		asm.closers = append(asm.closers, closeApprover)

		stages.Promotion = promotion.NewGate(promotion.Config{
			Eligibility: promotion.Eligibility{
				Refs:              cfg.Promotion.EligibleRefs,
				VersionConstraint: cfg.Promotion.VersionConstraint,
			},
			Timeout: cfg.Promotion.Timeout,
			Alias:   cfg.Promotion.Alias,
			Port:    prodPort,
			Retry:   cfg.Promotion.Retry,
		}, approver, rt, prodDeploy, prodHealth, logger)
	}

	reporter, closeReporter, err := newReporter(ctx, cfg, rt, st, metrics, logger)
	if err != nil {
		_ = asm.Close(ctx)
		return nil, err
	}
	asm.closers = append(asm.closers, closeReporter)
	stages.Reporter = reporter

	var runs RunStore
	if st != nil {
		runs = st
	}
	asm.Orchestrator = New(Options{
		RunID:            params.RunID,
		Name:             cfg.Name,
		Environment:      cfg.Environment,
		Ref:              params.Ref,
		Commit:           params.Commit,
		SourceDir:        cfg.SourceDir,
		Port:             cfg.PortMapping(),
		Retry:            cfg.Health.Retry,
		RunTimeout:       cfg.RunTimeout,
		EnableMonitoring: cfg.Monitoring.Enabled,
		EnablePromotion:  cfg.Promotion.Enabled,
	}, stages, runs, tracer, metrics, logger)

	return asm, nil
}

func deployConfig(cfg config.PipelineConfig) deploy.Config {
	return deploy.Config{
		Mode:              cfg.Deploy.Mode,
		Service:           cfg.Name,
		Environment:       cfg.Environment,
		ContainerName:     cfg.ContainerName(),
		Network:           cfg.Deploy.Network,
		Env:               cfg.Deploy.Env,
		Host:              cfg.Deploy.Host,
		HealthPath:        cfg.Deploy.HealthPath,
		ComposeFile:       cfg.Deploy.ComposeFile,
		ComposeProject:    cfg.ComposeProjectName(),
		ComposeContainers: cfg.Deploy.ComposeContainers,
		SettleDelay:       cfg.Deploy.SettleDelay,
	}
}

// productionDeployConfig is the promotion rollout: same image and mode,
// production names, labels and compose project.
func productionDeployConfig(cfg config.PipelineConfig) deploy.Config {
	dc := deployConfig(cfg)
	dc.Environment = config.EnvProduction
	dc.ContainerName = cfg.ProductionContainerName()
	dc.ComposeProject = cfg.ProductionComposeProject()
	dc.ComposeContainers = cfg.ProductionComposeContainers()
	return dc
}

// productionTarget describes what the promotion rollout starts, for the
// production health gate's diagnostics.
func productionTarget(dc deploy.Config, port domain.PortMapping) *domain.DeploymentTarget {
	t := &domain.DeploymentTarget{Mode: dc.Mode, Ports: []domain.PortMapping{port}}
	if dc.Mode == domain.DeployModeCompose {
		t.Project = dc.ComposeProject
		t.ComposeFile = dc.ComposeFile
		t.Containers = append([]string(nil), dc.ComposeContainers...)
		return t
	}
	t.Containers = []string{dc.ContainerName}
	return t
}

func newApprover(cfg config.PromotionConfig, auto promotion.Decision, logger *slog.Logger) (promotion.Approver, func(context.Context) error, error) {
	noop := func(context.Context) error { return nil }
	if auto != "" {
		return promotion.StaticApprover{Decision: auto, By: "cli"}, noop, nil
	}

	switch cfg.Approver {
	case config.ApproverStatic:
		d, err := promotion.ParseDecision(cfg.StaticDecision)
		if err != nil {
			return nil, nil, err
		}
		return promotion.StaticApprover{Decision: d, By: "config"}, noop, nil
	case config.ApproverFile:
		if err := os.MkdirAll(cfg.SignalDir, 0o755); err != nil {
			return nil, nil, fmt.Errorf("create signal dir: %w", err)
		}
		return promotion.NewFileApprover(cfg.SignalDir, logger), noop, nil
	case config.ApproverWebhook:
		w := promotion.NewWebhookApprover(cfg.WebhookAddr, cfg.WebhookToken, logger)
		return w, func(context.Context) error { return w.Close() }, nil
	default:
		return promotion.NewTerminalApprover(), noop, nil
	}
}

func newReporter(ctx context.Context, cfg config.PipelineConfig, rt runtime.Runtime, st *store.Store, metrics *telemetry.PrometheusMetrics, logger *slog.Logger) (*report.Reporter, func(context.Context) error, error) {
	closeFn := func(context.Context) error { return nil }
	protected := []string{build.DefaultLatestAlias, cfg.Promotion.Alias}

	deps := report.Deps{
		Pruner:   report.NewPruner(rt, cfg.Repository(), cfg.Report.KeepImages, protected, logger),
		Notifier: report.NewLogNotifier(logger),
		Metrics:  metrics,
	}
	if st != nil {
		deps.Store = st
	}
	if cfg.Report.PushgatewayURL != "" {
		deps.Pusher = metrics
	}
	if cfg.Report.GCSBucket != "" {
		up, err := report.NewGCSUploader(ctx, cfg.Report.GCSBucket, cfg.Report.GCSPrefix, cfg.Report.GCSCredentials)
		if err != nil {
			return nil, nil, err
		}
		deps.Uploader = up
		closeFn = func(context.Context) error { return up.Close() }
	}

	return report.NewReporter(report.Config{
		OutputDir:      cfg.Report.Dir,
		PushgatewayURL: cfg.Report.PushgatewayURL,
		PushJob:        cfg.Report.PushJob,
	}, deps, logger), closeFn, nil
}
