// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package domain

import (
	"fmt"
	"strings"
	"time"
)

// =============================================================================
// Stage Names
// =============================================================================

// Stage names, in execution order.
const (
	StageCleanup    = "cleanup"
	StageBuild      = "build"
	StageImage      = "image"
	StageDeploy     = "deploy"
	StageHealth     = "health"
	StageVerify     = "verify"
	StageMonitoring = "monitoring"
	StagePromotion  = "promotion"
)

// StageOrder lists every stage the orchestrator may record.
var StageOrder = []string{
	StageCleanup,
	StageBuild,
	StageImage,
	StageDeploy,
	StageHealth,
	StageVerify,
	StageMonitoring,
	StagePromotion,
}

// =============================================================================
// Status Enums
// =============================================================================

// StageStatus is the outcome of a single stage.
type StageStatus string

const (
	StatusPending  StageStatus = "pending"
	StatusPassed   StageStatus = "passed"
	StatusFailed   StageStatus = "failed"
	StatusSkipped  StageStatus = "skipped"
	StatusUnstable StageStatus = "unstable"
)

// Overall is the aggregated outcome of a run.
type Overall string

const (
	OverallRunning   Overall = "running"
	OverallSucceeded Overall = "succeeded"
	OverallUnstable  Overall = "unstable"
	OverallFailed    Overall = "failed"
)

// ExitCode maps the overall outcome to a process exit code.
// Succeeded and Unstable exit 0; Failed and unfinished runs exit 1.
func (o Overall) ExitCode() int {
	switch o {
	case OverallSucceeded, OverallUnstable:
		return 0
	default:
		return 1
	}
}

// DeployMode selects how DeployStage starts the service.
type DeployMode string

const (
	DeployModeSingle  DeployMode = "single"
	DeployModeCompose DeployMode = "compose"
)

// =============================================================================
// Value Objects
// =============================================================================

// PortMapping binds a host port to a container port.
type PortMapping struct {
	HostPort      int    `json:"host_port" yaml:"host_port"`
	ContainerPort int    `json:"container_port" yaml:"container_port"`
	Protocol      string `json:"protocol,omitempty" yaml:"protocol,omitempty"`
}

// String renders "host:container/proto".
func (p PortMapping) String() string {
	proto := p.Protocol
	if proto == "" {
		proto = "tcp"
	}
	return fmt.Sprintf("%d:%d/%s", p.HostPort, p.ContainerPort, proto)
}

// Artifact is the packaged build output.
type Artifact struct {
	Path   string `json:"path"`
	Size   int64  `json:"size"`
	SHA256 string `json:"sha256"`
}

// ImageRef identifies a locally built image.
type ImageRef struct {
	Repository string `json:"repository"`
	Tag        string `json:"tag"`
	ID         string `json:"id,omitempty"`
}

// String returns "repository:tag".
func (r ImageRef) String() string {
	if r.Tag == "" {
		return r.Repository
	}
	return r.Repository + ":" + r.Tag
}

// Alias returns the same repository under another tag.
func (r ImageRef) Alias(tag string) ImageRef {
	return ImageRef{Repository: r.Repository, Tag: tag, ID: r.ID}
}

// DeploymentTarget describes what DeployStage started.
type DeploymentTarget struct {
	Mode        DeployMode    `json:"mode"`
	Project     string        `json:"project,omitempty"`
	ComposeFile string        `json:"compose_file,omitempty"`
	Containers  []string      `json:"containers"`
	Network     string        `json:"network,omitempty"`
	Ports       []PortMapping `json:"ports"`
	Image       ImageRef      `json:"image"`
	BaseURL     string        `json:"base_url"`
	HealthURL   string        `json:"health_url"`
	DeployedAt  time.Time     `json:"deployed_at"`
}

// HostPorts returns the host side of every port mapping.
func (t *DeploymentTarget) HostPorts() []int {
	if t == nil {
		return nil
	}
	ports := make([]int, 0, len(t.Ports))
	for _, p := range t.Ports {
		ports = append(ports, p.HostPort)
	}
	return ports
}

// RetryPolicy bounds a retry loop. Copy it into the stage; do not mutate.
type RetryPolicy struct {
	// MaxAttempts is the total number of attempts, at least 1.
	MaxAttempts int `json:"max_attempts" yaml:"max_attempts" toml:"max_attempts" validate:"gte=1"`

	// Delay is slept between attempts, never after the last one.
	Delay time.Duration `json:"delay" yaml:"delay" toml:"delay" validate:"gte=0"`

	// ProbeCadence collects diagnostics every Nth failed attempt. 0 disables.
	ProbeCadence int `json:"probe_cadence" yaml:"probe_cadence" toml:"probe_cadence" validate:"gte=0"`
}

// Validate enforces MaxAttempts >= 1, Delay >= 0 and ProbeCadence >= 0.
func (p RetryPolicy) Validate() error {
	if p.MaxAttempts < 1 {
		return fmt.Errorf("%w: max attempts must be >= 1, got %d", ErrInvalidPolicy, p.MaxAttempts)
	}
	if p.Delay < 0 {
		return fmt.Errorf("%w: delay must be >= 0, got %v", ErrInvalidPolicy, p.Delay)
	}
	if p.ProbeCadence < 0 {
		return fmt.Errorf("%w: probe cadence must be >= 0, got %d", ErrInvalidPolicy, p.ProbeCadence)
	}
	return nil
}

// =============================================================================
// Diagnostics
// =============================================================================

// ContainerState is a point-in-time view of one container.
type ContainerState struct {
	Name     string `json:"name"`
	State    string `json:"state"`
	Status   string `json:"status,omitempty"`
	ExitCode int    `json:"exit_code,omitempty"`
	Present  bool   `json:"present"`
}

// PortSnapshot records whether a port was bound and by whom.
type PortSnapshot struct {
	Port   int      `json:"port"`
	Busy   bool     `json:"busy"`
	Owners []string `json:"owners,omitempty"`
}

// Diagnostics is the snapshot attached to an exhausted health check.
type Diagnostics struct {
	CollectedAt    time.Time        `json:"collected_at"`
	Attempt        int              `json:"attempt"`
	Containers     []ContainerState `json:"containers"`
	LogTail        string           `json:"log_tail"`
	Ports          []PortSnapshot   `json:"ports"`
	LastError      string           `json:"last_error,omitempty"`
	LastStatusCode int              `json:"last_status_code,omitempty"`
	CollectErrors  []string         `json:"collect_errors,omitempty"`
}

// String renders the snapshot for humans.
func (d *Diagnostics) String() string {
	if d == nil {
		return ""
	}
	var b strings.Builder
	fmt.Fprintf(&b, "diagnostics at attempt %d (%s)\n", d.Attempt, d.CollectedAt.Format(time.RFC3339))
	if d.LastError != "" || d.LastStatusCode != 0 {
		fmt.Fprintf(&b, "  last probe: status=%d error=%s\n", d.LastStatusCode, d.LastError)
	}
	for _, c := range d.Containers {
		if !c.Present {
			fmt.Fprintf(&b, "  container %s: not found\n", c.Name)
			continue
		}
		fmt.Fprintf(&b, "  container %s: %s %s\n", c.Name, c.State, c.Status)
	}
	for _, p := range d.Ports {
		if p.Busy {
			fmt.Fprintf(&b, "  port %d: busy %s\n", p.Port, strings.Join(p.Owners, ","))
		} else {
			fmt.Fprintf(&b, "  port %d: free\n", p.Port)
		}
	}
	if d.LogTail != "" {
		b.WriteString("  log tail:\n")
		for _, line := range strings.Split(strings.TrimRight(d.LogTail, "\n"), "\n") {
			b.WriteString("    ")
			b.WriteString(line)
			b.WriteString("\n")
		}
	}
	for _, e := range d.CollectErrors {
		fmt.Fprintf(&b, "  (collection error: %s)\n", e)
	}
	return b.String()
}

// =============================================================================
// Stage Result and Run
// =============================================================================

// StageResult is the immutable record of one stage.
type StageResult struct {
	ID          string        `json:"id"`
	Name        string        `json:"name"`
	Status      StageStatus   `json:"status"`
	StartedAt   time.Time     `json:"started_at"`
	Duration    time.Duration `json:"duration"`
	Attempts    int           `json:"attempts,omitempty"`
	Output      string        `json:"output,omitempty"`
	Warnings    []string      `json:"warnings,omitempty"`
	ErrorKind   ErrorKind     `json:"error_kind,omitempty"`
	Error       string        `json:"error,omitempty"`
	Diagnostics *Diagnostics  `json:"diagnostics,omitempty"`
}

// PipelineRun is one execution of the pipeline.
type PipelineRun struct {
	ID           uint64            `json:"id"`
	Name         string            `json:"name"`
	Environment  string            `json:"environment"`
	Ref          string            `json:"ref"`
	Commit       string            `json:"commit,omitempty"`
	Image        ImageRef          `json:"image"`
	Ports        []PortMapping     `json:"ports"`
	CurrentStage string            `json:"current_stage"`
	Stages       []StageResult     `json:"stages"`
	Artifact     *Artifact         `json:"artifact,omitempty"`
	Target       *DeploymentTarget `json:"target,omitempty"`
	Overall      Overall           `json:"overall"`
	StartedAt    time.Time         `json:"started_at"`
	FinishedAt   time.Time         `json:"finished_at,omitempty"`
}

// NewPipelineRun creates a run in the running state.
func NewPipelineRun(id uint64, name, environment, ref string) *PipelineRun {
	return &PipelineRun{
		ID:          id,
		Name:        name,
		Environment: environment,
		Ref:         ref,
		Overall:     OverallRunning,
		Stages:      make([]StageResult, 0, len(StageOrder)),
		StartedAt:   time.Now(),
	}
}

// Record appends a finished stage result. A stage is recorded at most once;
// a second result for the same name is rejected.
func (r *PipelineRun) Record(res StageResult) error {
	for _, s := range r.Stages {
		if s.Name == res.Name {
			return fmt.Errorf("stage %q already recorded", res.Name)
		}
	}
	r.Stages = append(r.Stages, res)
	r.CurrentStage = res.Name
	return nil
}

// Stage returns the recorded result for name.
func (r *PipelineRun) Stage(name string) (StageResult, bool) {
	for _, s := range r.Stages {
		if s.Name == name {
			return s, true
		}
	}
	return StageResult{}, false
}

// StatusOf returns the recorded status for name, or StatusPending.
func (r *PipelineRun) StatusOf(name string) StageStatus {
	if s, ok := r.Stage(name); ok {
		return s.Status
	}
	return StatusPending
}

// Finalize stamps the overall outcome and completion time.
func (r *PipelineRun) Finalize(overall Overall) {
	r.Overall = overall
	r.FinishedAt = time.Now()
}

// Duration is the wall-clock time of a finished run.
func (r *PipelineRun) Duration() time.Duration {
	if r.FinishedAt.IsZero() {
		return time.Since(r.StartedAt)
	}
	return r.FinishedAt.Sub(r.StartedAt)
}
