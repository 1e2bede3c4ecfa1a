// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package deploy starts the service image on the target port.
package deploy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/AleutianAI/pipectl/cmd/pipectl/internal/domain"
	"github.com/AleutianAI/pipectl/cmd/pipectl/internal/probe"
	"github.com/AleutianAI/pipectl/cmd/pipectl/internal/process"
	"github.com/AleutianAI/pipectl/cmd/pipectl/internal/runtime"
)

// Config configures a Stage. One Stage deploys one environment.
type Config struct {
	Mode domain.DeployMode

	// Service is written to the pipectl.service label.
	Service string

	// Environment is written to the pipectl.env label and exported to
	// compose as PIPECTL_ENV.
	Environment string

	// ContainerName names the single container.
	ContainerName string

	// Network is created if missing and joined by the container.
	Network string

	// Env is passed to the container (single) or compose (compose).
	Env []string

	// Host is used to build the service URLs. Default: "localhost".
	Host string

	// HealthPath is appended to the base URL. Default: "/api/tasks/health".
	HealthPath string

	// ComposeFile and ComposeProject select the compose project.
	// ComposeContainers lists the entities compose is expected to start.
	ComposeFile       string
	ComposeProject    string
	ComposeContainers []string

	// SettleDelay is waited after start, before returning.
	SettleDelay time.Duration
}

// SleepFunc waits for d or until ctx ends.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Stage deploys an image and describes what it started.
//
// # Description
//
// Deploy checks the host port first. A busy port gets exactly one forced
// reclaim: containers publishing it are force-removed and remaining
// listener PIDs are killed. If the port is still busy afterwards the
// stage fails with KindPortConflict and nothing is started.
//
// # Limitations
//
//   - Killing PIDs requires permission over the owning process.
//   - The settle delay is fixed; readiness is the health gate's job.
type Stage struct {
	config  Config
	runtime runtime.Runtime
	probe   probe.Probe
	runner  process.Runner
	logger  *slog.Logger
	sleep   SleepFunc
}

// NewStage creates a Stage. runner may be nil, in which case PID owners are
// not killed during reclaim.
func NewStage(cfg Config, rt runtime.Runtime, p probe.Probe, runner process.Runner, logger *slog.Logger) *Stage {
	if cfg.Mode == "" {
		cfg.Mode = domain.DeployModeSingle
	}
	if cfg.Host == "" {
		cfg.Host = "localhost"
	}
	if cfg.HealthPath == "" {
		cfg.HealthPath = "/api/tasks/health"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Stage{
		config:  cfg,
		runtime: rt,
		probe:   p,
		runner:  runner,
		logger:  logger.With("stage", domain.StageDeploy),
		sleep:   sleepContext,
	}
}

// WithSleep replaces the settle sleep. Used by tests.
func (s *Stage) WithSleep(fn SleepFunc) *Stage {
	s.sleep = fn
	return s
}

// Deploy starts image with the given port mapping.
func (s *Stage) Deploy(ctx context.Context, image domain.ImageRef, port domain.PortMapping) (*domain.DeploymentTarget, error) {
	if err := s.ensurePortFree(ctx, port.HostPort); err != nil {
		return nil, err
	}

	target := &domain.DeploymentTarget{
		Mode:      s.config.Mode,
		Network:   s.config.Network,
		Ports:     []domain.PortMapping{port},
		Image:     image,
		BaseURL:   fmt.Sprintf("http://%s:%d", s.config.Host, port.HostPort),
		HealthURL: fmt.Sprintf("http://%s:%d%s", s.config.Host, port.HostPort, s.config.HealthPath),
	}

	var err error
	switch s.config.Mode {
	case domain.DeployModeCompose:
		err = s.startCompose(ctx, image, port, target)
	default:
		err = s.startSingle(ctx, image, port, target)
	}
	if err != nil {
		return target, domain.NewStageError(domain.StageDeploy, domain.KindDeployFailed, err)
	}
	target.DeployedAt = time.Now()

	if s.config.SettleDelay > 0 {
		s.logger.Debug("waiting for settle delay", "delay", s.config.SettleDelay)
		if err := s.sleep(ctx, s.config.SettleDelay); err != nil {
			return target, domain.NewStageError(domain.StageDeploy, domain.KindDeployFailed, err)
		}
	}

	s.logger.Info("deployment started",
		"mode", target.Mode,
		"containers", target.Containers,
		"health_url", target.HealthURL)
	return target, nil
}

// ensurePortFree performs the single reclaim attempt.
func (s *Stage) ensurePortFree(ctx context.Context, port int) error {
	busy, err := s.probe.PortBusy(ctx, port)
	if err != nil {
		return domain.NewStageError(domain.StageDeploy, domain.KindPortConflict, err)
	}
	if !busy {
		return nil
	}

	s.logger.Warn("port busy, reclaiming", "port", port)
	reclaimErr := s.reclaim(ctx, port)

	busy, err = s.probe.PortBusy(ctx, port)
	if err == nil && !busy {
		s.logger.Info("port reclaimed", "port", port)
		return nil
	}

	owners, _ := s.probe.PortOwners(ctx, port)
	cause := fmt.Errorf("port %d still busy after reclaim (owners: %v)", port, owners.Strings())
	return domain.NewStageError(domain.StageDeploy, domain.KindPortConflict, errors.Join(cause, reclaimErr, err))
}

// reclaim force-removes containers publishing the port and kills the
// remaining listener PIDs.
func (s *Stage) reclaim(ctx context.Context, port int) error {
	owners, err := s.probe.PortOwners(ctx, port)
	errs := []error{err}

	for _, name := range owners.Containers {
		if err := s.runtime.Remove(ctx, name, true); err != nil && !runtime.IsNotFound(err) {
			errs = append(errs, fmt.Errorf("remove %s: %w", name, err))
		}
	}

	if s.runner != nil {
		for _, pid := range owners.PIDs {
			res, err := s.runner.Run(ctx, process.Command{
				Name:    "kill",
				Args:    []string{"-9", strconv.Itoa(pid)},
				Timeout: 10 * time.Second,
			})
			if err == nil {
				err = res.Err()
			}
			if err != nil {
				errs = append(errs, fmt.Errorf("kill %d: %w", pid, err))
			}
		}
	}
	return errors.Join(errs...)
}

func (s *Stage) startSingle(ctx context.Context, image domain.ImageRef, port domain.PortMapping, target *domain.DeploymentTarget) error {
	name := s.config.ContainerName
	if name == "" {
		return fmt.Errorf("no container name configured")
	}
	if s.config.Network != "" {
		if err := s.runtime.EnsureNetwork(ctx, s.config.Network); err != nil {
			return fmt.Errorf("network %s: %w", s.config.Network, err)
		}
	}
	// a stopped container with the same name blocks run
	if err := s.runtime.Remove(ctx, name, true); err != nil && !runtime.IsNotFound(err) {
		s.logger.Warn("could not remove stale container", "name", name, "error", err)
	}

	id, err := s.runtime.Run(ctx, runtime.ContainerSpec{
		Name:    name,
		Image:   image.String(),
		Ports:   []domain.PortMapping{port},
		Network: s.config.Network,
		Labels: map[string]string{
			runtime.RunLabel:     image.Tag,
			runtime.ServiceLabel: s.config.Service,
			runtime.EnvLabel:     s.config.Environment,
		},
		Env: s.config.Env,
	})
	if err != nil {
		return fmt.Errorf("run %s: %w", name, err)
	}
	s.logger.Debug("container started", "name", name, "id", id)
	target.Containers = []string{name}
	return nil
}

func (s *Stage) startCompose(ctx context.Context, image domain.ImageRef, port domain.PortMapping, target *domain.DeploymentTarget) error {
	spec := runtime.ComposeSpec{
		File:    s.config.ComposeFile,
		Project: s.config.ComposeProject,
		Env: append([]string{
			"IMAGE=" + image.Repository,
			"IMAGE_TAG=" + image.Tag,
			"HOST_PORT=" + strconv.Itoa(port.HostPort),
			"CONTAINER_PORT=" + strconv.Itoa(port.ContainerPort),
			"PIPECTL_ENV=" + s.config.Environment,
		}, s.config.Env...),
	}
	if err := s.runtime.ComposeUp(ctx, spec); err != nil {
		return fmt.Errorf("compose up %s: %w", spec.Project, err)
	}
	target.Project = spec.Project
	target.ComposeFile = spec.File
	target.Containers = append([]string(nil), s.config.ComposeContainers...)
	return nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
