package cleanup

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/AleutianAI/pipectl/cmd/pipectl/internal/domain"
	"github.com/AleutianAI/pipectl/cmd/pipectl/internal/probe"
	"github.com/AleutianAI/pipectl/cmd/pipectl/internal/runtime"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errDaemon = errors.New("cannot connect to daemon")

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func previousTarget() *domain.DeploymentTarget {
	return &domain.DeploymentTarget{
		Mode:       domain.DeployModeSingle,
		Containers: []string{"task-manager-staging"},
		Network:    "task-net",
		Ports:      []domain.PortMapping{{HostPort: 8080, ContainerPort: 8080}},
	}
}

// failingRuntime fails every call.
func failingRuntime() *runtime.MockRuntime {
	return &runtime.MockRuntime{
		ListFunc: func(ctx context.Context, f runtime.ListFilter) ([]runtime.ContainerInfo, error) {
			return nil, errDaemon
		},
		StopFunc:          func(ctx context.Context, name string, grace time.Duration) error { return errDaemon },
		RemoveFunc:        func(ctx context.Context, name string, force bool) error { return errDaemon },
		ListNetworksFunc:  func(ctx context.Context, prefix string) ([]string, error) { return nil, errDaemon },
		RemoveNetworkFunc: func(ctx context.Context, name string) error { return errDaemon },
		PruneUnusedFunc:   func(ctx context.Context) error { return errDaemon },
		ComposeDownFunc:   func(ctx context.Context, spec runtime.ComposeSpec) error { return errDaemon },
	}
}

// =============================================================================
// Best-Effort Behavior
// =============================================================================

func TestCleanup_EveryCallFails_StillReturnsReport(t *testing.T) {
	rt := failingRuntime()
	pr := &probe.MockProbe{PortBusyErr: errDaemon}
	m := NewManager(Config{Service: "task-manager", NetworkPrefix: "task-"}, rt, pr, quietLogger())

	prev := previousTarget()
	prev.Mode = domain.DeployModeCompose
	prev.Project = "task-manager-41"

	report := m.Cleanup(context.Background(), prev)

	require.NotNil(t, report)
	assert.False(t, report.Clean())
	assert.Empty(t, report.Stopped)
	assert.Empty(t, report.Removed)
	assert.False(t, report.Pruned)

	joined := ""
	for _, w := range report.Warnings {
		joined += w + "\n"
	}
	for _, step := range []string{"compose down", "list containers", "stop containers", "remove containers", "remove networks", "prune", "probe ports"} {
		assert.Contains(t, joined, step+":")
	}

	// listing failed, so the previous target is still attempted by name
	assert.Equal(t, []string{"task-manager-staging"}, rt.CallsTo("Stop"))
	assert.Equal(t, []string{"task-manager-staging"}, rt.CallsTo("Remove"))
}

func TestCleanup_PanicInStepBecomesWarning(t *testing.T) {
	rt := &runtime.MockRuntime{
		PruneUnusedFunc: func(ctx context.Context) error { panic("boom") },
	}
	m := NewManager(Config{}, rt, &probe.MockProbe{}, quietLogger())

	report := m.Cleanup(context.Background(), nil)

	require.Len(t, report.Warnings, 1)
	assert.Contains(t, report.Warnings[0], "prune: panic: boom")
}

// =============================================================================
// Idempotence
// =============================================================================

func TestCleanup_CleanEnvironment_TwiceWithoutWarnings(t *testing.T) {
	notFound := func() error { return runtime.ErrNotFound }
	rt := &runtime.MockRuntime{
		RemoveNetworkFunc: func(ctx context.Context, name string) error { return notFound() },
		ComposeDownFunc:   func(ctx context.Context, spec runtime.ComposeSpec) error { return nil },
	}
	m := NewManager(Config{Service: "task-manager", Networks: []string{"task-net"}, Ports: []int{8080}}, rt, &probe.MockProbe{}, quietLogger())

	first := m.Cleanup(context.Background(), previousTarget())
	second := m.Cleanup(context.Background(), previousTarget())

	assert.Empty(t, first.Warnings)
	assert.Empty(t, second.Warnings)
	assert.Empty(t, first.NetworksRemoved)
	assert.True(t, first.Pruned)
	assert.True(t, second.Pruned)
}

// =============================================================================
// Matching and Ordering
// =============================================================================

func TestCleanup_StopsRunningAndRemovesAllMatching(t *testing.T) {
	rt := &runtime.MockRuntime{
		ListFunc: func(ctx context.Context, f runtime.ListFilter) ([]runtime.ContainerInfo, error) {
			assert.True(t, f.All)
			return []runtime.ContainerInfo{
				{Name: "task-manager-staging", State: "running"},
				{Name: "tm-old", State: "exited", Labels: map[string]string{runtime.ServiceLabel: "task-manager"}},
				{Name: "tm-prefixed", State: "running"},
				{Name: "unrelated", State: "running", Labels: map[string]string{runtime.ServiceLabel: "billing"}},
			}, nil
		},
	}
	m := NewManager(Config{Service: "task-manager", NamePrefix: "tm-prefix"}, rt, &probe.MockProbe{}, quietLogger())

	report := m.Cleanup(context.Background(), previousTarget())

	assert.Empty(t, report.Warnings)
	assert.Equal(t, []string{"task-manager-staging", "tm-prefixed"}, report.Stopped)
	assert.Equal(t, []string{"task-manager-staging", "tm-old", "tm-prefixed"}, report.Removed)
	assert.Equal(t, []string{"task-net"}, report.NetworksRemoved)
	assert.NotContains(t, rt.CallsTo("Remove"), "unrelated")

	var order []string
	for _, c := range rt.Calls {
		if len(order) == 0 || order[len(order)-1] != c.Method {
			order = append(order, c.Method)
		}
	}
	assert.Equal(t, []string{"List", "Stop", "Remove", "RemoveNetwork", "PruneUnused"}, order)
}

func TestCleanup_LeavesOtherEnvironmentAlone(t *testing.T) {
	stagingLabels := map[string]string{runtime.ServiceLabel: "task-manager", runtime.EnvLabel: "staging"}
	productionLabels := map[string]string{runtime.ServiceLabel: "task-manager", runtime.EnvLabel: "production"}
	rt := &runtime.MockRuntime{
		ListFunc: func(ctx context.Context, f runtime.ListFilter) ([]runtime.ContainerInfo, error) {
			return []runtime.ContainerInfo{
				{Name: "task-manager-staging", State: "running", Labels: stagingLabels},
				{Name: "task-manager-production", State: "running", Labels: productionLabels},
				{Name: "task-manager-canary", State: "exited", Labels: productionLabels},
			}, nil
		},
	}
	m := NewManager(Config{
		Service:     "task-manager",
		Environment: "staging",
		NamePrefix:  "task-manager-",
	}, rt, &probe.MockProbe{}, quietLogger())

	report := m.Cleanup(context.Background(), previousTarget())

	assert.Empty(t, report.Warnings)
	assert.Equal(t, []string{"task-manager-staging"}, report.Stopped)
	assert.Equal(t, []string{"task-manager-staging"}, report.Removed)
	assert.NotContains(t, rt.CallsTo("Stop"), "task-manager-production")
	assert.NotContains(t, rt.CallsTo("Remove"), "task-manager-production")
	assert.NotContains(t, rt.CallsTo("Remove"), "task-manager-canary")
}

func TestCleanup_ProductionRunRemovesPromotedContainer(t *testing.T) {
	rt := &runtime.MockRuntime{
		ListFunc: func(ctx context.Context, f runtime.ListFilter) ([]runtime.ContainerInfo, error) {
			return []runtime.ContainerInfo{
				{Name: "task-manager-staging", State: "running", Labels: map[string]string{runtime.ServiceLabel: "task-manager", runtime.EnvLabel: "staging"}},
				{Name: "task-manager-production", State: "running", Labels: map[string]string{runtime.ServiceLabel: "task-manager", runtime.EnvLabel: "production"}},
			}, nil
		},
	}
	m := NewManager(Config{Service: "task-manager", Environment: "production"}, rt, &probe.MockProbe{}, quietLogger())

	prev := &domain.DeploymentTarget{Mode: domain.DeployModeSingle, Containers: []string{"task-manager-production"}}
	report := m.Cleanup(context.Background(), prev)

	assert.Empty(t, report.Warnings)
	assert.Equal(t, []string{"task-manager-production"}, report.Removed)
}

func TestCleanup_ComposeTargetIsBroughtDown(t *testing.T) {
	var got runtime.ComposeSpec
	rt := &runtime.MockRuntime{
		ComposeDownFunc: func(ctx context.Context, spec runtime.ComposeSpec) error {
			got = spec
			return nil
		},
	}
	m := NewManager(Config{}, rt, &probe.MockProbe{}, quietLogger())

	prev := previousTarget()
	prev.Mode = domain.DeployModeCompose
	prev.Project = "task-manager-41"
	prev.ComposeFile = "/srv/compose.yml"

	report := m.Cleanup(context.Background(), prev)
	assert.Empty(t, report.Warnings)
	assert.Equal(t, "task-manager-41", got.Project)
	assert.Equal(t, "/srv/compose.yml", got.File)
}

func TestCleanup_PortsStillBusyIsWarning(t *testing.T) {
	pr := &probe.MockProbe{}
	pr.SetBusy(8080, true)
	m := NewManager(Config{Ports: []int{8080, 9090}}, &runtime.MockRuntime{}, pr, quietLogger())

	report := m.Cleanup(context.Background(), previousTarget())

	assert.Equal(t, []int{8080}, report.PortsStillBusy)
	require.Len(t, report.Warnings, 1)
	assert.Contains(t, report.Warnings[0], "ports still busy")
	assert.Equal(t, []int{8080, 9090}, pr.PortBusyCalls)
}
