// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package probe answers "is this port or container in use right now".
package probe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/AleutianAI/pipectl/cmd/pipectl/internal/domain"
	"github.com/AleutianAI/pipectl/cmd/pipectl/internal/process"
	"github.com/AleutianAI/pipectl/cmd/pipectl/internal/runtime"
)

// Owners lists what holds a port.
type Owners struct {
	Containers []string
	PIDs       []int
}

// Empty reports whether no owner was found.
func (o Owners) Empty() bool {
	return len(o.Containers) == 0 && len(o.PIDs) == 0
}

// Strings renders owners as "name" and "pid:N" entries.
func (o Owners) Strings() []string {
	out := make([]string, 0, len(o.Containers)+len(o.PIDs))
	out = append(out, o.Containers...)
	for _, pid := range o.PIDs {
		out = append(out, "pid:"+strconv.Itoa(pid))
	}
	return out
}

// Snapshot is a point-in-time view of containers and ports.
type Snapshot struct {
	Containers []domain.ContainerState
	Ports      []domain.PortSnapshot
	Errors     []string
}

// =============================================================================
// Interface Definition
// =============================================================================

// Probe inspects shared host resources.
//
// # Description
//
// Probe is used before deploy (is the port free?), after cleanup (did the
// port get released?) and by the health gate's diagnostics. It never
// mutates anything.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
type Probe interface {
	// PortBusy reports whether the host port is bound by anyone.
	PortBusy(ctx context.Context, port int) (bool, error)

	// PortOwners lists the containers publishing the port and the PIDs
	// listening on it. Either list may be empty.
	PortOwners(ctx context.Context, port int) (Owners, error)

	// ContainerState reports the state of a named container. A missing
	// container yields Present=false, not an error.
	ContainerState(ctx context.Context, name string) domain.ContainerState

	// Snapshot collects container states and port occupancy in one pass.
	// Collection problems are reported in Snapshot.Errors.
	Snapshot(ctx context.Context, containers []string, ports []int) Snapshot
}

// =============================================================================
// Implementation
// =============================================================================

// ListenFunc opens a listener. Replaced in tests.
type ListenFunc func(network, address string) (net.Listener, error)

// HostProbe implements Probe against the local host.
type HostProbe struct {
	runtime runtime.Runtime
	runner  process.Runner
	logger  *slog.Logger
	listen  ListenFunc
}

// NewHostProbe creates a HostProbe. runner may be nil, in which case
// non-container port owners are not resolved.
func NewHostProbe(rt runtime.Runtime, runner process.Runner, logger *slog.Logger) *HostProbe {
	if logger == nil {
		logger = slog.Default()
	}
	return &HostProbe{runtime: rt, runner: runner, logger: logger, listen: net.Listen}
}

// WithListen replaces the listener used by PortBusy.
func (p *HostProbe) WithListen(fn ListenFunc) *HostProbe {
	p.listen = fn
	return p
}

// PortBusy implements Probe by attempting to bind the port on all interfaces.
func (p *HostProbe) PortBusy(ctx context.Context, port int) (bool, error) {
	if port <= 0 || port > 65535 {
		return false, fmt.Errorf("invalid port %d", port)
	}
	ln, err := p.listen("tcp", ":"+strconv.Itoa(port))
	if err == nil {
		_ = ln.Close()
		return false, nil
	}
	if errors.Is(err, syscall.EADDRINUSE) {
		return true, nil
	}
	return false, fmt.Errorf("probe port %d: %w", port, err)
}

// PortOwners implements Probe.
func (p *HostProbe) PortOwners(ctx context.Context, port int) (Owners, error) {
	var owners Owners
	var errs []error

	if p.runtime != nil {
		containers, err := p.runtime.List(ctx, runtime.ListFilter{PublishedPort: port})
		if err != nil {
			errs = append(errs, fmt.Errorf("list containers: %w", err))
		}
		for _, c := range containers {
			owners.Containers = append(owners.Containers, c.Name)
		}
	}

	if p.runner != nil {
		pids, err := p.listeningPIDs(ctx, port)
		if err != nil {
			errs = append(errs, err)
		}
		owners.PIDs = pids
	}

	return owners, errors.Join(errs...)
}

// listeningPIDs asks lsof for processes listening on the port. lsof exits 1
// when nothing matches, which is not an error here.
func (p *HostProbe) listeningPIDs(ctx context.Context, port int) ([]int, error) {
	res, err := p.runner.Run(ctx, process.Command{
		Name:    "lsof",
		Args:    []string{"-t", "-nP", "-iTCP:" + strconv.Itoa(port), "-sTCP:LISTEN"},
		Timeout: 10 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("lsof: %w", err)
	}
	if res.ExitCode == 1 && strings.TrimSpace(res.Stdout) == "" {
		return nil, nil
	}
	if !res.Success() {
		return nil, res.Err()
	}

	seen := make(map[int]bool)
	var pids []int
	for _, line := range strings.Fields(res.Stdout) {
		pid, err := strconv.Atoi(line)
		if err != nil || seen[pid] {
			continue
		}
		seen[pid] = true
		pids = append(pids, pid)
	}
	sort.Ints(pids)
	return pids, nil
}

// ContainerState implements Probe.
func (p *HostProbe) ContainerState(ctx context.Context, name string) domain.ContainerState {
	state := domain.ContainerState{Name: name}
	if p.runtime == nil {
		state.State = "unknown"
		return state
	}
	info, err := p.runtime.Inspect(ctx, name)
	if err != nil {
		if !runtime.IsNotFound(err) {
			state.State = "unknown"
			state.Status = err.Error()
		}
		return state
	}
	state.Present = true
	state.State = info.State
	state.Status = info.Status
	state.ExitCode = info.ExitCode
	return state
}

// Snapshot implements Probe. Containers and ports are probed concurrently;
// results keep the input order.
func (p *HostProbe) Snapshot(ctx context.Context, containers []string, ports []int) Snapshot {
	snap := Snapshot{
		Containers: make([]domain.ContainerState, len(containers)),
		Ports:      make([]domain.PortSnapshot, len(ports)),
	}

	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)
	addErr := func(msg string) {
		mu.Lock()
		snap.Errors = append(snap.Errors, msg)
		mu.Unlock()
	}

	for i, name := range containers {
		wg.Add(1)
		go func(i int, name string) {
			defer wg.Done()
			snap.Containers[i] = p.ContainerState(ctx, name)
		}(i, name)
	}

	for i, port := range ports {
		wg.Add(1)
		go func(i, port int) {
			defer wg.Done()
			ps := domain.PortSnapshot{Port: port}
			busy, err := p.PortBusy(ctx, port)
			if err != nil {
				addErr(err.Error())
			}
			ps.Busy = busy
			if busy {
				owners, err := p.PortOwners(ctx, port)
				if err != nil {
					addErr(fmt.Sprintf("owners of port %d: %v", port, err))
				}
				ps.Owners = owners.Strings()
			}
			snap.Ports[i] = ps
		}(i, port)
	}

	wg.Wait()
	sort.Strings(snap.Errors)
	return snap
}

// =============================================================================
// Mock Implementation
// =============================================================================

// MockProbe is a Probe for tests. Busy ports and owners are plain maps;
// funcs override them when set.
type MockProbe struct {
	Busy        map[int]bool
	PortOwner   map[int]Owners
	Containers  map[string]domain.ContainerState
	PortBusyErr error

	PortBusyFunc   func(ctx context.Context, port int) (bool, error)
	PortOwnersFunc func(ctx context.Context, port int) (Owners, error)

	// PortBusyCalls records every probed port in order.
	PortBusyCalls []int

	mu sync.Mutex
}

// SetBusy marks a port busy or free.
func (m *MockProbe) SetBusy(port int, busy bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Busy == nil {
		m.Busy = make(map[int]bool)
	}
	m.Busy[port] = busy
}

// PortBusy implements Probe.
func (m *MockProbe) PortBusy(ctx context.Context, port int) (bool, error) {
	m.mu.Lock()
	m.PortBusyCalls = append(m.PortBusyCalls, port)
	fn := m.PortBusyFunc
	busy := m.Busy[port]
	m.mu.Unlock()

	if fn != nil {
		return fn(ctx, port)
	}
	return busy, m.PortBusyErr
}

// PortOwners implements Probe.
func (m *MockProbe) PortOwners(ctx context.Context, port int) (Owners, error) {
	if m.PortOwnersFunc != nil {
		return m.PortOwnersFunc(ctx, port)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.PortOwner[port], nil
}

// ContainerState implements Probe.
func (m *MockProbe) ContainerState(ctx context.Context, name string) domain.ContainerState {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.Containers[name]; ok {
		return s
	}
	return domain.ContainerState{Name: name}
}

// Snapshot implements Probe.
func (m *MockProbe) Snapshot(ctx context.Context, containers []string, ports []int) Snapshot {
	var snap Snapshot
	for _, c := range containers {
		snap.Containers = append(snap.Containers, m.ContainerState(ctx, c))
	}
	for _, port := range ports {
		busy, _ := m.PortBusy(ctx, port)
		owners, _ := m.PortOwners(ctx, port)
		snap.Ports = append(snap.Ports, domain.PortSnapshot{Port: port, Busy: busy, Owners: owners.Strings()})
	}
	return snap
}

var (
	_ Probe = (*HostProbe)(nil)
	_ Probe = (*MockProbe)(nil)
)
