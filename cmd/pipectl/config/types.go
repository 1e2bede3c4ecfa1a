// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config holds the pipeline configuration: its types, defaults,
// loading from YAML or TOML, and validation.
package config

import (
	"path/filepath"
	"strings"
	"time"

	"github.com/AleutianAI/pipectl/cmd/pipectl/internal/domain"
)

// Environments.
const (
	EnvStaging    = "staging"
	EnvProduction = "production"
)

// Default host ports per environment.
const (
	DefaultStagingPort    = 8080
	DefaultProductionPort = 8081
)

// PipelineConfig is loaded once, validated, and passed by value into every
// stage constructor.
type PipelineConfig struct {
	// Name identifies the service. It names the image repository, the
	// containers and the pipectl.service label.
	Name string `yaml:"name" toml:"name" validate:"required,hostname_rfc1123"`

	Environment string `yaml:"environment" toml:"environment" validate:"oneof=staging production"`

	// SourceDir is where build commands run.
	SourceDir string `yaml:"source_dir" toml:"source_dir" validate:"required"`

	// DataDir holds the run store.
	DataDir string `yaml:"data_dir" toml:"data_dir" validate:"required"`

	// RunTimeout bounds the whole run. 0 disables the deadline.
	RunTimeout time.Duration `yaml:"run_timeout" toml:"run_timeout" validate:"gte=0"`

	Runtime    RuntimeConfig    `yaml:"runtime" toml:"runtime"`
	Build      BuildConfig      `yaml:"build" toml:"build"`
	Image      ImageConfig      `yaml:"image" toml:"image"`
	Deploy     DeployConfig     `yaml:"deploy" toml:"deploy"`
	Cleanup    CleanupConfig    `yaml:"cleanup" toml:"cleanup"`
	Health     HealthConfig     `yaml:"health" toml:"health"`
	Verify     VerifyConfig     `yaml:"verify" toml:"verify"`
	Monitoring MonitoringConfig `yaml:"monitoring" toml:"monitoring"`
	Promotion  PromotionConfig  `yaml:"promotion" toml:"promotion"`
	Report     ReportConfig     `yaml:"report" toml:"report"`
	Telemetry  TelemetryConfig  `yaml:"telemetry" toml:"telemetry"`
	Log        LogConfig        `yaml:"log" toml:"log"`
}

type RuntimeConfig struct {
	// Driver is "cli" (docker/podman binary) or "engine" (Docker Engine API).
	Driver string `yaml:"driver" toml:"driver" validate:"oneof=cli engine"`

	// Binary is the CLI executable, e.g. docker or podman.
	Binary string `yaml:"binary" toml:"binary" validate:"required"`

	CommandTimeout time.Duration `yaml:"command_timeout" toml:"command_timeout" validate:"gte=0"`
	BuildTimeout   time.Duration `yaml:"build_timeout" toml:"build_timeout" validate:"gte=0"`
}

type BuildConfig struct {
	Build   []string `yaml:"build" toml:"build"`
	Test    []string `yaml:"test" toml:"test"`
	Package []string `yaml:"package" toml:"package"`

	// ArtifactGlob is relative to SourceDir, e.g. "target/*.jar".
	ArtifactGlob string `yaml:"artifact_glob" toml:"artifact_glob" validate:"required,glob"`

	CommandTimeout time.Duration `yaml:"command_timeout" toml:"command_timeout" validate:"gte=0"`
	Env            []string      `yaml:"env" toml:"env"`
}

type ImageConfig struct {
	// Repository defaults to Name.
	Repository string            `yaml:"repository" toml:"repository"`
	ContextDir string            `yaml:"context_dir" toml:"context_dir"`
	Dockerfile string            `yaml:"dockerfile" toml:"dockerfile"`
	BuildArgs  map[string]string `yaml:"build_args" toml:"build_args"`
}

type DeployConfig struct {
	Mode domain.DeployMode `yaml:"mode" toml:"mode" validate:"oneof=single compose"`

	// ContainerName defaults to "<name>-<environment>".
	ContainerName string `yaml:"container_name" toml:"container_name"`
	Network       string `yaml:"network" toml:"network"`
	Host          string `yaml:"host" toml:"host" validate:"required"`
	HealthPath    string `yaml:"health_path" toml:"health_path" validate:"required,startswith=/"`

	// Port is the host port. 0 picks the environment default.
	Port          int `yaml:"port" toml:"port" validate:"gte=0,lte=65535"`
	ContainerPort int `yaml:"container_port" toml:"container_port" validate:"gte=1,lte=65535"`

	Env []string `yaml:"env" toml:"env"`

	ComposeFile       string   `yaml:"compose_file" toml:"compose_file" validate:"required_if=Mode compose"`
	ComposeProject    string   `yaml:"compose_project" toml:"compose_project"`
	ComposeContainers []string `yaml:"compose_containers" toml:"compose_containers"`

	SettleDelay time.Duration `yaml:"settle_delay" toml:"settle_delay" validate:"gte=0"`
}

type CleanupConfig struct {
	NamePrefix    string        `yaml:"name_prefix" toml:"name_prefix"`
	Networks      []string      `yaml:"networks" toml:"networks"`
	NetworkPrefix string        `yaml:"network_prefix" toml:"network_prefix"`
	StopGrace     time.Duration `yaml:"stop_grace" toml:"stop_grace" validate:"gte=0"`
	SkipPrune     bool          `yaml:"skip_prune" toml:"skip_prune"`
}

type HealthConfig struct {
	Retry          domain.RetryPolicy `yaml:"retry" toml:"retry"`
	RequestTimeout time.Duration      `yaml:"request_timeout" toml:"request_timeout" validate:"gte=0"`
	LogTail        int                `yaml:"log_tail" toml:"log_tail" validate:"gte=0"`
}

type VerifyConfig struct {
	TasksPath         string        `yaml:"tasks_path" toml:"tasks_path" validate:"required,startswith=/"`
	CompletedPath     string        `yaml:"completed_path" toml:"completed_path" validate:"required,startswith=/"`
	ActuatorPath      string        `yaml:"actuator_path" toml:"actuator_path" validate:"required,startswith=/"`
	ReadRequests      int           `yaml:"read_requests" toml:"read_requests" validate:"gte=0"`
	SecondaryRequests int           `yaml:"secondary_requests" toml:"secondary_requests" validate:"gte=0"`
	RatePerSecond     float64       `yaml:"rate_per_second" toml:"rate_per_second" validate:"gte=0"`
	RequestTimeout    time.Duration `yaml:"request_timeout" toml:"request_timeout" validate:"gte=0"`
	SkipLoad          bool          `yaml:"skip_load" toml:"skip_load"`
}

type MonitoringConfig struct {
	Enabled   bool             `yaml:"enabled" toml:"enabled"`
	Endpoints []EndpointConfig `yaml:"endpoints" toml:"endpoints" validate:"dive"`
	Timeout   time.Duration    `yaml:"timeout" toml:"timeout" validate:"gte=0"`
}

type EndpointConfig struct {
	Name string `yaml:"name" toml:"name" validate:"required"`
	URL  string `yaml:"url" toml:"url" validate:"required,url"`
}

// Approver kinds.
const (
	ApproverStatic   = "static"
	ApproverTerminal = "terminal"
	ApproverFile     = "file"
	ApproverWebhook  = "webhook"
)

type PromotionConfig struct {
	Enabled bool `yaml:"enabled" toml:"enabled"`

	// EligibleRefs are exact names or path.Match globs.
	EligibleRefs []string `yaml:"eligible_refs" toml:"eligible_refs" validate:"dive,glob"`

	// VersionConstraint admits semver tags, e.g. ">= 1.0.0".
	VersionConstraint string `yaml:"version_constraint" toml:"version_constraint" validate:"omitempty,semver_constraint"`

	Timeout time.Duration `yaml:"timeout" toml:"timeout" validate:"gte=0"`
	Alias   string        `yaml:"alias" toml:"alias"`

	// Port is the production host port. 0 means DefaultProductionPort.
	Port          int    `yaml:"port" toml:"port" validate:"gte=0,lte=65535"`
	ContainerName string `yaml:"container_name" toml:"container_name"`

	Retry domain.RetryPolicy `yaml:"retry" toml:"retry"`

	Approver string `yaml:"approver" toml:"approver" validate:"oneof=static terminal file webhook"`

	// StaticDecision is used by the static approver: approved or declined.
	StaticDecision string `yaml:"static_decision" toml:"static_decision" validate:"omitempty,oneof=approved declined"`

	SignalDir    string `yaml:"signal_dir" toml:"signal_dir" validate:"required_if=Approver file"`
	WebhookAddr  string `yaml:"webhook_addr" toml:"webhook_addr" validate:"required_if=Approver webhook"`
	WebhookToken string `yaml:"webhook_token" toml:"webhook_token"`
}

type ReportConfig struct {
	Dir        string `yaml:"dir" toml:"dir"`
	KeepImages int    `yaml:"keep_images" toml:"keep_images" validate:"gte=1"`

	GCSBucket      string `yaml:"gcs_bucket" toml:"gcs_bucket"`
	GCSPrefix      string `yaml:"gcs_prefix" toml:"gcs_prefix"`
	GCSCredentials string `yaml:"gcs_credentials" toml:"gcs_credentials"`

	PushgatewayURL string `yaml:"pushgateway_url" toml:"pushgateway_url" validate:"omitempty,url"`
	PushJob        string `yaml:"push_job" toml:"push_job"`
}

type TelemetryConfig struct {
	// Exporter is none, stdout or otlp.
	Exporter string `yaml:"exporter" toml:"exporter" validate:"oneof=none stdout otlp"`
	Endpoint string `yaml:"endpoint" toml:"endpoint"`
	Insecure bool   `yaml:"insecure" toml:"insecure"`
}

type LogConfig struct {
	Level string `yaml:"level" toml:"level" validate:"oneof=debug info warn error"`
	JSON  bool   `yaml:"json" toml:"json"`
	Dir   string `yaml:"dir" toml:"dir"`
}

// DefaultConfig returns a staging configuration for the task manager
// service built with Maven.
func DefaultConfig() PipelineConfig {
	return PipelineConfig{
		Name:        "task-manager",
		Environment: EnvStaging,
		SourceDir:   ".",
		DataDir:     ".pipectl",
		RunTimeout:  30 * time.Minute,
		Runtime: RuntimeConfig{
			Driver:         "cli",
			Binary:         "docker",
			CommandTimeout: 30 * time.Second,
			BuildTimeout:   15 * time.Minute,
		},
		Build: BuildConfig{
			Build:          []string{"mvn", "-B", "clean", "compile"},
			Test:           []string{"mvn", "-B", "test"},
			Package:        []string{"mvn", "-B", "package", "-DskipTests"},
			ArtifactGlob:   "target/*.jar",
			CommandTimeout: 10 * time.Minute,
		},
		Image: ImageConfig{
			ContextDir: ".",
			Dockerfile: "Dockerfile",
		},
		Deploy: DeployConfig{
			Mode:          domain.DeployModeSingle,
			Host:          "localhost",
			HealthPath:    "/api/tasks/health",
			ContainerPort: 8080,
			SettleDelay:   10 * time.Second,
		},
		Cleanup: CleanupConfig{
			StopGrace: 10 * time.Second,
		},
		Health: HealthConfig{
			Retry:          domain.RetryPolicy{MaxAttempts: 10, Delay: 30 * time.Second, ProbeCadence: 3},
			RequestTimeout: 5 * time.Second,
			LogTail:        50,
		},
		Verify: VerifyConfig{
			TasksPath:         "/api/tasks",
			CompletedPath:     "/api/tasks/completed",
			ActuatorPath:      "/actuator/health",
			ReadRequests:      10,
			SecondaryRequests: 5,
			RequestTimeout:    10 * time.Second,
		},
		Monitoring: MonitoringConfig{
			Enabled: true,
			Endpoints: []EndpointConfig{
				{Name: "prometheus", URL: "http://localhost:9090/-/healthy"},
				{Name: "grafana", URL: "http://localhost:3000/api/health"},
			},
			Timeout: 5 * time.Second,
		},
		Promotion: PromotionConfig{
			Enabled:      false,
			EligibleRefs: []string{"main", "master"},
			Timeout:      5 * time.Minute,
			Alias:        "production",
			Retry:        domain.RetryPolicy{MaxAttempts: 10, Delay: 30 * time.Second, ProbeCadence: 3},
			Approver:     ApproverTerminal,
			SignalDir:    ".pipectl/approvals",
			WebhookAddr:  "127.0.0.1:8099",
		},
		Report: ReportConfig{
			Dir:        ".pipectl/reports",
			KeepImages: 5,
			PushJob:    "pipectl",
		},
		Telemetry: TelemetryConfig{Exporter: "none"},
		Log:       LogConfig{Level: "info"},
	}
}

// =============================================================================
// Derived Values
// =============================================================================

// Repository is the image repository, defaulting to Name.
func (c PipelineConfig) Repository() string {
	if c.Image.Repository != "" {
		return c.Image.Repository
	}
	return c.Name
}

// HostPort is the configured port or the environment's default.
func (c PipelineConfig) HostPort() int {
	if c.Deploy.Port > 0 {
		return c.Deploy.Port
	}
	if c.Environment == EnvProduction {
		return DefaultProductionPort
	}
	return DefaultStagingPort
}

// PortMapping maps HostPort to the container port.
func (c PipelineConfig) PortMapping() domain.PortMapping {
	return domain.PortMapping{HostPort: c.HostPort(), ContainerPort: c.Deploy.ContainerPort}
}

// ContainerName is the deployed container's name for this environment.
func (c PipelineConfig) ContainerName() string {
	if c.Deploy.ContainerName != "" {
		return c.Deploy.ContainerName
	}
	return c.Name + "-" + c.Environment
}

// ProductionContainerName names the container started on promotion.
func (c PipelineConfig) ProductionContainerName() string {
	if c.Promotion.ContainerName != "" {
		return c.Promotion.ContainerName
	}
	return c.Name + "-" + EnvProduction
}

// ProductionPortMapping is the port the promoted image is rolled out on.
func (c PipelineConfig) ProductionPortMapping() domain.PortMapping {
	port := c.Promotion.Port
	if port == 0 {
		port = DefaultProductionPort
	}
	return domain.PortMapping{HostPort: port, ContainerPort: c.Deploy.ContainerPort}
}

// ComposeProjectName is the compose project for this environment.
func (c PipelineConfig) ComposeProjectName() string {
	if c.Deploy.ComposeProject != "" {
		return c.Deploy.ComposeProject
	}
	return c.Name + "-" + c.Environment
}

// ProductionComposeProject is the compose project started on promotion.
// It never equals the staging project, so promotion cannot recreate the
// environment it was verified in.
func (c PipelineConfig) ProductionComposeProject() string {
	if c.Deploy.ComposeProject != "" {
		return c.Deploy.ComposeProject + "-" + EnvProduction
	}
	return c.Name + "-" + EnvProduction
}

// ProductionComposeContainers renames the compose containers whose names
// carry the environment's project prefix to the production project.
func (c PipelineConfig) ProductionComposeContainers() []string {
	from, to := c.ComposeProjectName(), c.ProductionComposeProject()
	out := make([]string, 0, len(c.Deploy.ComposeContainers))
	for _, name := range c.Deploy.ComposeContainers {
		if rest, ok := strings.CutPrefix(name, from); ok {
			name = to + rest
		}
		out = append(out, name)
	}
	return out
}

// StorePath is the run store directory.
func (c PipelineConfig) StorePath() string {
	return filepath.Join(c.DataDir, "runs")
}
