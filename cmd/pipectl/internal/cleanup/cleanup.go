// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package cleanup tears down the previous deployment before a new run.
package cleanup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/AleutianAI/pipectl/cmd/pipectl/internal/domain"
	"github.com/AleutianAI/pipectl/cmd/pipectl/internal/probe"
	"github.com/AleutianAI/pipectl/cmd/pipectl/internal/runtime"
)

// Config selects what cleanup considers "ours".
type Config struct {
	// Service is matched against the pipectl.service label.
	Service string

	// Environment restricts matches to containers whose pipectl.env label
	// equals it. Containers labelled for another environment are never
	// touched, even when their name matches NamePrefix.
	Environment string

	// NamePrefix matches container names. Empty disables prefix matching.
	NamePrefix string

	// Networks are always removed when present.
	Networks []string

	// NetworkPrefix removes every network whose name starts with it.
	NetworkPrefix string

	// Ports are re-probed after cleanup in addition to the previous target's.
	Ports []int

	// StopGrace is the SIGTERM grace period before SIGKILL. Default: 10s.
	StopGrace time.Duration

	// SkipPrune disables the dangling resource prune step.
	SkipPrune bool
}

// Report is the outcome of one cleanup pass. It is always returned.
type Report struct {
	Stopped         []string
	Removed         []string
	NetworksRemoved []string
	Pruned          bool
	PortsStillBusy  []int
	Warnings        []string
	Duration        time.Duration
}

// Clean reports whether the pass finished without warnings.
func (r *Report) Clean() bool {
	return len(r.Warnings) == 0
}

// Summary renders a one-line description for stage output.
func (r *Report) Summary() string {
	return fmt.Sprintf("stopped=%d removed=%d networks=%d pruned=%t ports_still_busy=%v warnings=%d",
		len(r.Stopped), len(r.Removed), len(r.NetworksRemoved), r.Pruned, r.PortsStillBusy, len(r.Warnings))
}

func (r *Report) warn(step string, err error) {
	r.Warnings = append(r.Warnings, fmt.Sprintf("%s: %v", step, err))
}

// Manager performs best-effort teardown.
//
// # Description
//
// Cleanup runs its steps in a fixed order and never aborts: every failure
// becomes a Report warning and the next step still runs. Entities that do
// not exist are skipped silently, so repeated passes over a clean host
// produce no warnings.
//
// Steps:
//  1. compose down (previous compose target only)
//  2. stop every running matching container
//  3. force-remove every matching container
//  4. remove matching networks
//  5. prune dangling resources
//  6. re-probe target ports
//
// # Thread Safety
//
// A Manager is safe for concurrent use, but concurrent cleanups of the same
// target race each other.
type Manager struct {
	config  Config
	runtime runtime.Runtime
	probe   probe.Probe
	logger  *slog.Logger
}

// NewManager creates a Manager.
func NewManager(cfg Config, rt runtime.Runtime, p probe.Probe, logger *slog.Logger) *Manager {
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{config: cfg, runtime: rt, probe: p, logger: logger.With("stage", domain.StageCleanup)}
}

// Cleanup tears down the previous deployment. previous may be nil.
func (m *Manager) Cleanup(ctx context.Context, previous *domain.DeploymentTarget) *Report {
	start := time.Now()
	report := &Report{}

	if previous != nil && previous.Mode == domain.DeployModeCompose && previous.Project != "" {
		m.step(report, "compose down", func() error {
			err := m.runtime.ComposeDown(ctx, runtime.ComposeSpec{File: previous.ComposeFile, Project: previous.Project})
			if runtime.IsNotFound(err) {
				return nil
			}
			return err
		})
	}

	var candidates []runtime.ContainerInfo
	m.step(report, "list containers", func() error {
		var err error
		candidates, err = m.matchingContainers(ctx, previous)
		return err
	})

	m.step(report, "stop containers", func() error {
		return m.stopAll(ctx, candidates, report)
	})
	m.step(report, "remove containers", func() error {
		return m.removeAll(ctx, candidates, report)
	})
	m.step(report, "remove networks", func() error {
		return m.removeNetworks(ctx, previous, report)
	})
	if !m.config.SkipPrune {
		m.step(report, "prune", func() error {
			if err := m.runtime.PruneUnused(ctx); err != nil {
				return err
			}
			report.Pruned = true
			return nil
		})
	}
	m.step(report, "probe ports", func() error {
		return m.probePorts(ctx, previous, report)
	})

	report.Duration = time.Since(start)
	m.logger.Info("cleanup finished",
		"stopped", len(report.Stopped),
		"removed", len(report.Removed),
		"networks", len(report.NetworksRemoved),
		"warnings", len(report.Warnings),
		"duration", report.Duration)
	return report
}

// step runs fn and converts an error or panic into a warning.
func (m *Manager) step(report *Report, name string, fn func() error) {
	defer func() {
		if r := recover(); r != nil {
			report.warn(name, fmt.Errorf("panic: %v", r))
			m.logger.Warn("cleanup step panicked", "step", name, "panic", r)
		}
	}()
	if err := fn(); err != nil {
		report.warn(name, err)
		m.logger.Warn("cleanup step failed", "step", name, "error", err)
	}
}

// matchingContainers lists every container that belongs to this service.
// When listing fails the previous target's names are still returned so
// stop/remove can be attempted directly.
func (m *Manager) matchingContainers(ctx context.Context, previous *domain.DeploymentTarget) ([]runtime.ContainerInfo, error) {
	wanted := make(map[string]bool)
	if previous != nil {
		for _, name := range previous.Containers {
			wanted[name] = true
		}
	}

	all, err := m.runtime.List(ctx, runtime.ListFilter{All: true})
	if err != nil {
		fallback := make([]runtime.ContainerInfo, 0, len(wanted))
		for name := range wanted {
			fallback = append(fallback, runtime.ContainerInfo{Name: name, State: "unknown"})
		}
		sort.Slice(fallback, func(i, j int) bool { return fallback[i].Name < fallback[j].Name })
		return fallback, err
	}

	var out []runtime.ContainerInfo
	for _, c := range all {
		if m.matches(c, wanted) {
			out = append(out, c)
		}
	}
	return out, nil
}

func (m *Manager) matches(c runtime.ContainerInfo, wanted map[string]bool) bool {
	if wanted[c.Name] {
		return true
	}
	if m.otherEnvironment(c) {
		return false
	}
	if m.config.NamePrefix != "" && strings.HasPrefix(c.Name, m.config.NamePrefix) {
		return true
	}
	if m.config.Service != "" && c.Labels[runtime.ServiceLabel] == m.config.Service {
		return m.config.Environment == "" || c.Labels[runtime.EnvLabel] == m.config.Environment
	}
	return false
}

// otherEnvironment reports whether c is labelled for a different environment.
func (m *Manager) otherEnvironment(c runtime.ContainerInfo) bool {
	env, ok := c.Labels[runtime.EnvLabel]
	return ok && env != "" && m.config.Environment != "" && env != m.config.Environment
}

func (m *Manager) stopAll(ctx context.Context, containers []runtime.ContainerInfo, report *Report) error {
	var failed []string
	for _, c := range containers {
		if c.State != "unknown" && !c.Running() {
			continue
		}
		err := m.runtime.Stop(ctx, c.Name, m.config.StopGrace)
		switch {
		case err == nil:
			report.Stopped = append(report.Stopped, c.Name)
		case runtime.IsNotFound(err):
		default:
			failed = append(failed, fmt.Sprintf("%s (%v)", c.Name, err))
		}
	}
	return joinFailures(failed)
}

func (m *Manager) removeAll(ctx context.Context, containers []runtime.ContainerInfo, report *Report) error {
	var failed []string
	for _, c := range containers {
		err := m.runtime.Remove(ctx, c.Name, true)
		switch {
		case err == nil:
			report.Removed = append(report.Removed, c.Name)
		case runtime.IsNotFound(err):
		default:
			failed = append(failed, fmt.Sprintf("%s (%v)", c.Name, err))
		}
	}
	return joinFailures(failed)
}

func (m *Manager) removeNetworks(ctx context.Context, previous *domain.DeploymentTarget, report *Report) error {
	names := make(map[string]bool)
	for _, n := range m.config.Networks {
		names[n] = true
	}
	if previous != nil && previous.Network != "" {
		names[previous.Network] = true
	}

	var failed []string
	if m.config.NetworkPrefix != "" {
		listed, err := m.runtime.ListNetworks(ctx, m.config.NetworkPrefix)
		if err != nil {
			failed = append(failed, fmt.Sprintf("list (%v)", err))
		}
		for _, n := range listed {
			names[n] = true
		}
	}

	sorted := make([]string, 0, len(names))
	for n := range names {
		sorted = append(sorted, n)
	}
	sort.Strings(sorted)

	for _, n := range sorted {
		err := m.runtime.RemoveNetwork(ctx, n)
		switch {
		case err == nil:
			report.NetworksRemoved = append(report.NetworksRemoved, n)
		case runtime.IsNotFound(err):
		default:
			failed = append(failed, fmt.Sprintf("%s (%v)", n, err))
		}
	}
	return joinFailures(failed)
}

func (m *Manager) probePorts(ctx context.Context, previous *domain.DeploymentTarget, report *Report) error {
	if m.probe == nil {
		return nil
	}
	seen := make(map[int]bool)
	var ports []int
	for _, p := range append(previous.HostPorts(), m.config.Ports...) {
		if p > 0 && !seen[p] {
			seen[p] = true
			ports = append(ports, p)
		}
	}
	sort.Ints(ports)

	var failed []string
	for _, port := range ports {
		busy, err := m.probe.PortBusy(ctx, port)
		if err != nil {
			failed = append(failed, fmt.Sprintf("port %d (%v)", port, err))
			continue
		}
		if busy {
			report.PortsStillBusy = append(report.PortsStillBusy, port)
		}
	}
	if len(report.PortsStillBusy) > 0 {
		failed = append(failed, fmt.Sprintf("ports still busy: %v", report.PortsStillBusy))
	}
	return joinFailures(failed)
}

func joinFailures(failed []string) error {
	if len(failed) == 0 {
		return nil
	}
	return errors.New(strings.Join(failed, "; "))
}
