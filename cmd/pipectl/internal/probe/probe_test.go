package probe

import (
	"context"
	"errors"
	"net"
	"os"
	"syscall"
	"testing"

	"github.com/AleutianAI/pipectl/cmd/pipectl/internal/process"
	"github.com/AleutianAI/pipectl/cmd/pipectl/internal/runtime"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// PortBusy Tests
// =============================================================================

func TestHostProbe_PortBusy_RealListener(t *testing.T) {
	ln, err := net.Listen("tcp", ":0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port

	p := NewHostProbe(nil, nil, nil)

	busy, err := p.PortBusy(context.Background(), port)
	require.NoError(t, err)
	assert.True(t, busy)

	require.NoError(t, ln.Close())

	busy, err = p.PortBusy(context.Background(), port)
	require.NoError(t, err)
	assert.False(t, busy)
}

func TestHostProbe_PortBusy_OtherErrorsSurface(t *testing.T) {
	p := NewHostProbe(nil, nil, nil).WithListen(func(network, address string) (net.Listener, error) {
		return nil, &net.OpError{Op: "listen", Err: os.ErrPermission}
	})

	busy, err := p.PortBusy(context.Background(), 80)
	assert.False(t, busy)
	assert.Error(t, err)
}

func TestHostProbe_PortBusy_InvalidPort(t *testing.T) {
	p := NewHostProbe(nil, nil, nil)
	_, err := p.PortBusy(context.Background(), 0)
	assert.Error(t, err)
	_, err = p.PortBusy(context.Background(), 70000)
	assert.Error(t, err)
}

// =============================================================================
// PortOwners Tests
// =============================================================================

func TestHostProbe_PortOwners_CombinesContainersAndPIDs(t *testing.T) {
	rt := &runtime.MockRuntime{
		ListFunc: func(ctx context.Context, f runtime.ListFilter) ([]runtime.ContainerInfo, error) {
			assert.Equal(t, 8080, f.PublishedPort)
			return []runtime.ContainerInfo{{Name: "task-manager-staging"}}, nil
		},
	}
	runner := &process.MockRunner{
		RunFunc: func(ctx context.Context, cmd process.Command) (*process.Result, error) {
			return &process.Result{Stdout: "4242\n17\n4242\n"}, nil
		},
	}

	owners, err := NewHostProbe(rt, runner, nil).PortOwners(context.Background(), 8080)
	require.NoError(t, err)
	assert.Equal(t, []string{"task-manager-staging"}, owners.Containers)
	assert.Equal(t, []int{17, 4242}, owners.PIDs)
	assert.Equal(t, []string{"task-manager-staging", "pid:17", "pid:4242"}, owners.Strings())
	assert.Equal(t, "lsof -t -nP -iTCP:8080 -sTCP:LISTEN", runner.CommandLines()[0])
}

func TestHostProbe_PortOwners_LsofNoMatchIsEmpty(t *testing.T) {
	runner := &process.MockRunner{
		RunFunc: func(ctx context.Context, cmd process.Command) (*process.Result, error) {
			return &process.Result{ExitCode: 1}, nil
		},
	}

	owners, err := NewHostProbe(&runtime.MockRuntime{}, runner, nil).PortOwners(context.Background(), 8080)
	require.NoError(t, err)
	assert.True(t, owners.Empty())
}

func TestHostProbe_PortOwners_ErrorsAreJoined(t *testing.T) {
	rt := &runtime.MockRuntime{
		ListFunc: func(ctx context.Context, f runtime.ListFilter) ([]runtime.ContainerInfo, error) {
			return nil, errors.New("daemon down")
		},
	}
	runner := &process.MockRunner{
		RunFunc: func(ctx context.Context, cmd process.Command) (*process.Result, error) {
			return &process.Result{ExitCode: -1}, process.ErrCommandNotFound
		},
	}

	_, err := NewHostProbe(rt, runner, nil).PortOwners(context.Background(), 8080)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "daemon down")
	assert.ErrorIs(t, err, process.ErrCommandNotFound)
}

// =============================================================================
// ContainerState and Snapshot Tests
// =============================================================================

func TestHostProbe_ContainerState(t *testing.T) {
	rt := &runtime.MockRuntime{
		InspectFunc: func(ctx context.Context, name string) (*runtime.ContainerInfo, error) {
			switch name {
			case "up":
				return &runtime.ContainerInfo{Name: name, State: "running", Status: "running"}, nil
			case "gone":
				return nil, runtime.ErrNotFound
			default:
				return nil, errors.New("permission denied")
			}
		},
	}
	p := NewHostProbe(rt, nil, nil)

	up := p.ContainerState(context.Background(), "up")
	assert.True(t, up.Present)
	assert.Equal(t, "running", up.State)

	gone := p.ContainerState(context.Background(), "gone")
	assert.False(t, gone.Present)
	assert.Empty(t, gone.State)

	broken := p.ContainerState(context.Background(), "broken")
	assert.False(t, broken.Present)
	assert.Equal(t, "unknown", broken.State)
	assert.Contains(t, broken.Status, "permission denied")
}

func TestHostProbe_Snapshot_KeepsOrder(t *testing.T) {
	rt := &runtime.MockRuntime{
		InspectFunc: func(ctx context.Context, name string) (*runtime.ContainerInfo, error) {
			return &runtime.ContainerInfo{Name: name, State: "exited", ExitCode: 1}, nil
		},
	}
	busyPort := 18080
	p := NewHostProbe(rt, nil, nil).WithListen(func(network, address string) (net.Listener, error) {
		if address == ":18080" {
			return nil, &net.OpError{Op: "listen", Err: os.NewSyscallError("bind", syscall.EADDRINUSE)}
		}
		return &fakeListener{}, nil
	})

	snap := p.Snapshot(context.Background(), []string{"a", "b"}, []int{busyPort, 18081})

	require.Len(t, snap.Containers, 2)
	assert.Equal(t, "a", snap.Containers[0].Name)
	assert.Equal(t, "b", snap.Containers[1].Name)
	assert.Equal(t, 1, snap.Containers[0].ExitCode)

	require.Len(t, snap.Ports, 2)
	assert.True(t, snap.Ports[0].Busy)
	assert.False(t, snap.Ports[1].Busy)
	assert.Empty(t, snap.Errors)
}

func TestMockProbe(t *testing.T) {
	m := &MockProbe{}
	m.SetBusy(8080, true)

	busy, err := m.PortBusy(context.Background(), 8080)
	require.NoError(t, err)
	assert.True(t, busy)

	busy, _ = m.PortBusy(context.Background(), 8081)
	assert.False(t, busy)
	assert.Equal(t, []int{8080, 8081}, m.PortBusyCalls)
}

type fakeListener struct{}

func (fakeListener) Accept() (net.Conn, error) { return nil, errors.New("closed") }
func (fakeListener) Close() error              { return nil }
func (fakeListener) Addr() net.Addr            { return &net.TCPAddr{} }
