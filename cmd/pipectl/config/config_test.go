package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/pipectl/cmd/pipectl/internal/domain"
)

func env(vars map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := vars[k]
		return v, ok
	}
}

// =============================================================================
// Defaults
// =============================================================================

func TestDefaultConfig_IsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "task-manager", cfg.Repository())
	assert.Equal(t, 8080, cfg.HostPort())
	assert.Equal(t, "task-manager-staging", cfg.ContainerName())
	assert.Equal(t, domain.PortMapping{HostPort: 8081, ContainerPort: 8080}, cfg.ProductionPortMapping())
	assert.Equal(t, filepath.Join(".pipectl", "runs"), cfg.StorePath())
}

func TestHostPort_PerEnvironment(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Environment = EnvProduction
	assert.Equal(t, DefaultProductionPort, cfg.HostPort())
	assert.Equal(t, "task-manager-production", cfg.ContainerName())

	cfg.Deploy.Port = 9000
	assert.Equal(t, 9000, cfg.HostPort())
}

func TestComposeProject_ProductionIsDistinct(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "task-manager-staging", cfg.ComposeProjectName())
	assert.Equal(t, "task-manager-production", cfg.ProductionComposeProject())

	cfg.Deploy.ComposeProject = "tm"
	cfg.Deploy.ComposeContainers = []string{"tm-app-1", "grafana"}
	assert.Equal(t, "tm", cfg.ComposeProjectName())
	assert.Equal(t, "tm-production", cfg.ProductionComposeProject())
	assert.Equal(t, []string{"tm-production-app-1", "grafana"}, cfg.ProductionComposeContainers())
}

// =============================================================================
// Parsing
// =============================================================================

func TestParse_YAML(t *testing.T) {
	data := []byte(`
name: orders
environment: staging
run_timeout: 20m
deploy:
  port: 8090
  network: ${NETWORK}
health:
  retry:
    max_attempts: 12
    delay: 15s
    probe_cadence: 4
promotion:
  enabled: true
  eligible_refs: ["main", "release/*"]
  version_constraint: ">= 1.0.0"
  approver: webhook
  webhook_token: ${APPROVAL_TOKEN}
`)
	cfg, err := Parse(data, FormatYAML, env(map[string]string{"NETWORK": "orders-net", "APPROVAL_TOKEN": "s3cret"}))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "orders", cfg.Name)
	assert.Equal(t, 20*time.Minute, cfg.RunTimeout)
	assert.Equal(t, 8090, cfg.HostPort())
	assert.Equal(t, "orders-net", cfg.Deploy.Network)
	assert.Equal(t, domain.RetryPolicy{MaxAttempts: 12, Delay: 15 * time.Second, ProbeCadence: 4}, cfg.Health.Retry)
	assert.Equal(t, "s3cret", cfg.Promotion.WebhookToken)
	// untouched keys keep their defaults
	assert.Equal(t, "/api/tasks/health", cfg.Deploy.HealthPath)
	assert.Equal(t, "target/*.jar", cfg.Build.ArtifactGlob)
}

func TestParse_TOML(t *testing.T) {
	data := []byte(`
name = "orders"
environment = "production"

[health]
request_timeout = "3s"

[health.retry]
max_attempts = 5
delay = "10s"

[monitoring]
enabled = false
`)
	cfg, err := Parse(data, FormatTOML, nil)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, EnvProduction, cfg.Environment)
	assert.Equal(t, 8081, cfg.HostPort())
	assert.Equal(t, 3*time.Second, cfg.Health.RequestTimeout)
	assert.Equal(t, 5, cfg.Health.Retry.MaxAttempts)
	assert.Equal(t, 10*time.Second, cfg.Health.Retry.Delay)
	assert.False(t, cfg.Monitoring.Enabled)
}

func TestParse_RejectsUnknownKeys(t *testing.T) {
	_, err := Parse([]byte("name: x\nhelth: {}\n"), FormatYAML, nil)
	assert.Error(t, err)

	_, err = Parse([]byte("name = \"x\"\nhelth = 1\n"), FormatTOML, nil)
	assert.ErrorContains(t, err, "helth")
}

func TestParse_EmptyYAMLKeepsDefaults(t *testing.T) {
	cfg, err := Parse(nil, FormatYAML, nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Name, cfg.Name)
}

func TestExpandEnv(t *testing.T) {
	lookup := env(map[string]string{"A": "1"})
	got := ExpandEnv([]byte("x=${A} y=${MISSING} z=$A"), lookup)
	assert.Equal(t, "x=1 y= z=$A", string(got))
}

func TestFormatOf(t *testing.T) {
	for file, want := range map[string]string{"p.yaml": FormatYAML, "p.YML": FormatYAML, "p.toml": FormatTOML} {
		got, err := FormatOf(file)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := FormatOf("p.json")
	assert.ErrorIs(t, err, ErrUnknownFormat)
}

func TestLoad_FromFile(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "pipeline.yaml")
	require.NoError(t, os.WriteFile(file, []byte("name: billing\n"), 0o644))

	cfg, err := Load(file)
	require.NoError(t, err)
	assert.Equal(t, "billing", cfg.Name)

	_, err = Load(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}

func TestWriteDefault_RoundTrip(t *testing.T) {
	file := filepath.Join(t.TempDir(), "nested", "pipeline.yaml")
	require.NoError(t, WriteDefault(file))

	cfg, err := Load(file)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	def := DefaultConfig()
	assert.Equal(t, def.Health, cfg.Health)
	assert.Equal(t, def.Build.Package, cfg.Build.Package)
	assert.Equal(t, def.Monitoring.Endpoints, cfg.Monitoring.Endpoints)
	assert.Equal(t, def.RunTimeout, cfg.RunTimeout)
}

// =============================================================================
// Validation
// =============================================================================

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*PipelineConfig)
	}{
		{"bad environment", func(c *PipelineConfig) { c.Environment = "qa" }},
		{"zero attempts", func(c *PipelineConfig) { c.Health.Retry.MaxAttempts = 0 }},
		{"negative delay", func(c *PipelineConfig) { c.Health.Retry.Delay = -time.Second }},
		{"port out of range", func(c *PipelineConfig) { c.Deploy.Port = 70000 }},
		{"compose without file", func(c *PipelineConfig) { c.Deploy.Mode = domain.DeployModeCompose }},
		{"bad glob", func(c *PipelineConfig) { c.Build.ArtifactGlob = "target/[*.jar" }},
		{"bad constraint", func(c *PipelineConfig) { c.Promotion.VersionConstraint = "banana" }},
		{"bad monitoring url", func(c *PipelineConfig) {
			c.Monitoring.Endpoints = []EndpointConfig{{Name: "grafana", URL: "not a url"}}
		}},
		{"promotion port collision", func(c *PipelineConfig) {
			c.Promotion.Enabled = true
			c.Promotion.Port = 8080
		}},
		{"promotion without refs", func(c *PipelineConfig) {
			c.Promotion.Enabled = true
			c.Promotion.EligibleRefs = nil
		}},
		{"file approver without dir", func(c *PipelineConfig) {
			c.Promotion.Approver = ApproverFile
			c.Promotion.SignalDir = ""
		}},
		{"static approver without decision", func(c *PipelineConfig) {
			c.Promotion.Enabled = true
			c.Promotion.Approver = ApproverStatic
		}},
		{"gcs prefix without bucket", func(c *PipelineConfig) { c.Report.GCSPrefix = "runs/" }},
		{"unknown exporter", func(c *PipelineConfig) { c.Telemetry.Exporter = "jaeger" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
