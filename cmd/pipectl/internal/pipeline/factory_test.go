package pipeline

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/pipectl/cmd/pipectl/config"
	"github.com/AleutianAI/pipectl/cmd/pipectl/internal/domain"
	"github.com/AleutianAI/pipectl/cmd/pipectl/internal/promotion"
	"github.com/AleutianAI/pipectl/cmd/pipectl/internal/runtime"
	"github.com/AleutianAI/pipectl/cmd/pipectl/internal/store"
)

func TestAssemble_WiresEnabledStages(t *testing.T) {
	st, err := store.OpenInMemory()
	require.NoError(t, err)
	defer st.Close()

	cfg := config.DefaultConfig()
	cfg.Promotion.Enabled = true
	cfg.Promotion.Approver = config.ApproverFile
	cfg.Promotion.SignalDir = filepath.Join(t.TempDir(), "approvals")
	require.NoError(t, cfg.Validate())

	asm, err := Assemble(context.Background(), cfg, RunParams{RunID: 9, Ref: "main"}, st, nil)
	require.NoError(t, err)
	defer asm.Close(context.Background())

	o := asm.Orchestrator
	assert.Equal(t, uint64(9), o.opts.RunID)
	assert.Equal(t, 8080, o.opts.Port.HostPort)
	assert.NotNil(t, o.stages.Monitor)
	assert.NotNil(t, o.stages.Promotion)
	assert.NotNil(t, o.stages.Reporter)
	assert.NotNil(t, o.store)
	assert.DirExists(t, cfg.Promotion.SignalDir)
}

func TestAssemble_DisabledStagesStayNil(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Monitoring.Enabled = false

	asm, err := Assemble(context.Background(), cfg, RunParams{RunID: 1}, nil, nil)
	require.NoError(t, err)
	defer asm.Close(context.Background())

	assert.Nil(t, asm.Orchestrator.stages.Monitor)
	assert.Nil(t, asm.Orchestrator.stages.Promotion)
	assert.Nil(t, asm.Orchestrator.store, "a nil store must not become a non-nil interface")
}

func TestAssemble_UnknownExporter(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Telemetry.Exporter = "zipkin"

	_, err := Assemble(context.Background(), cfg, RunParams{RunID: 1}, nil, nil)
	assert.Error(t, err)
}

func TestProductionDeployConfig_ComposeUsesSeparateProject(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Deploy.Mode = domain.DeployModeCompose
	cfg.Deploy.ComposeFile = "deploy/compose.yml"
	cfg.Deploy.ComposeProject = "task-manager"
	cfg.Deploy.ComposeContainers = []string{"task-manager-app-1", "prometheus"}
	cfg.Promotion.Enabled = true

	staging := deployConfig(cfg)
	prod := productionDeployConfig(cfg)

	assert.Equal(t, "task-manager", staging.ComposeProject)
	assert.Equal(t, cfg.Environment, staging.Environment)
	assert.Equal(t, "task-manager-production", prod.ComposeProject)
	assert.NotEqual(t, staging.ComposeProject, prod.ComposeProject)
	assert.Equal(t, config.EnvProduction, prod.Environment)
	assert.Equal(t, []string{"task-manager-production-app-1", "prometheus"}, prod.ComposeContainers)
	assert.Equal(t, []string{"task-manager-app-1", "prometheus"}, cfg.Deploy.ComposeContainers)

	target := productionTarget(prod, cfg.ProductionPortMapping())
	assert.Equal(t, domain.DeployModeCompose, target.Mode)
	assert.Equal(t, "task-manager-production", target.Project)
	assert.Equal(t, "deploy/compose.yml", target.ComposeFile)
	assert.Equal(t, prod.ComposeContainers, target.Containers)
	assert.Equal(t, 8081, target.Ports[0].HostPort)
}

func TestProductionDeployConfig_Single(t *testing.T) {
	cfg := config.DefaultConfig()
	prod := productionDeployConfig(cfg)

	assert.Equal(t, cfg.ProductionContainerName(), prod.ContainerName)
	assert.Equal(t, config.EnvProduction, prod.Environment)

	target := productionTarget(prod, cfg.ProductionPortMapping())
	assert.Equal(t, []string{cfg.ProductionContainerName()}, target.Containers)
	assert.Empty(t, target.Project)
}

func TestNewRuntime_SelectsDriver(t *testing.T) {
	cfg := config.DefaultConfig()
	rt, closeFn, err := NewRuntime(cfg, nil, nil)
	require.NoError(t, err)
	assert.IsType(t, &runtime.CLIRuntime{}, rt)
	assert.NoError(t, closeFn(context.Background()))
}

func TestNewApprover(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "signals")
	tests := []struct {
		name     string
		cfg      config.PromotionConfig
		auto     promotion.Decision
		wantName string
		wantErr  bool
	}{
		{"auto approve wins", config.PromotionConfig{Approver: config.ApproverWebhook}, promotion.DecisionApproved, "static", false},
		{"static from config", config.PromotionConfig{Approver: config.ApproverStatic, StaticDecision: "declined"}, "", "static", false},
		{"static without decision", config.PromotionConfig{Approver: config.ApproverStatic}, "", "", true},
		{"file", config.PromotionConfig{Approver: config.ApproverFile, SignalDir: dir}, "", "file", false},
		{"webhook", config.PromotionConfig{Approver: config.ApproverWebhook, WebhookAddr: "127.0.0.1:0"}, "", "webhook", false},
		{"terminal", config.PromotionConfig{Approver: config.ApproverTerminal}, "", "terminal", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, closeFn, err := newApprover(tt.cfg, tt.auto, nil)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantName, a.Name())
			assert.NoError(t, closeFn(context.Background()))
		})
	}
}
