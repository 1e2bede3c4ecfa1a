// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package runtime

import (
	"context"
	"strconv"
	"sync"
	"time"
)

// RuntimeCall records a single MockRuntime invocation.
type RuntimeCall struct {
	Method string
	Target string
}

// MockRuntime is a Runtime for tests.
//
// Every method delegates to its Func field when set. Unset funcs succeed
// with zero values, and List/ListNetworks/ListImages return nothing, so a
// zero MockRuntime behaves like an empty, healthy host.
type MockRuntime struct {
	BuildImageFunc    func(ctx context.Context, req BuildRequest) (string, error)
	TagImageFunc      func(ctx context.Context, source, target string) error
	ImageExistsFunc   func(ctx context.Context, ref string) (bool, error)
	RunFunc           func(ctx context.Context, spec ContainerSpec) (string, error)
	StopFunc          func(ctx context.Context, name string, grace time.Duration) error
	RemoveFunc        func(ctx context.Context, name string, force bool) error
	LogsFunc          func(ctx context.Context, name string, tail int) (string, error)
	ListFunc          func(ctx context.Context, filter ListFilter) ([]ContainerInfo, error)
	InspectFunc       func(ctx context.Context, name string) (*ContainerInfo, error)
	EnsureNetworkFunc func(ctx context.Context, name string) error
	ListNetworksFunc  func(ctx context.Context, prefix string) ([]string, error)
	RemoveNetworkFunc func(ctx context.Context, name string) error
	PruneUnusedFunc   func(ctx context.Context) error
	ListImagesFunc    func(ctx context.Context, repository string) ([]ImageInfo, error)
	RemoveImageFunc   func(ctx context.Context, ref string) error
	ComposeUpFunc     func(ctx context.Context, spec ComposeSpec) error
	ComposeDownFunc   func(ctx context.Context, spec ComposeSpec) error

	// Calls records all method invocations for verification.
	Calls []RuntimeCall

	mu sync.Mutex
}

func (m *MockRuntime) record(method, target string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = append(m.Calls, RuntimeCall{Method: method, Target: target})
}

// CallsTo returns the targets of every recorded call to method.
func (m *MockRuntime) CallsTo(method string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, c := range m.Calls {
		if c.Method == method {
			out = append(out, c.Target)
		}
	}
	return out
}

// Name implements Runtime.
func (m *MockRuntime) Name() string { return "mock" }

// BuildImage implements Runtime.
func (m *MockRuntime) BuildImage(ctx context.Context, req BuildRequest) (string, error) {
	target := ""
	if len(req.Tags) > 0 {
		target = req.Tags[0]
	}
	m.record("BuildImage", target)
	if m.BuildImageFunc != nil {
		return m.BuildImageFunc(ctx, req)
	}
	return "", nil
}

// TagImage implements Runtime.
func (m *MockRuntime) TagImage(ctx context.Context, source, target string) error {
	m.record("TagImage", source+"->"+target)
	if m.TagImageFunc != nil {
		return m.TagImageFunc(ctx, source, target)
	}
	return nil
}

// ImageExists implements Runtime.
func (m *MockRuntime) ImageExists(ctx context.Context, ref string) (bool, error) {
	m.record("ImageExists", ref)
	if m.ImageExistsFunc != nil {
		return m.ImageExistsFunc(ctx, ref)
	}
	return true, nil
}

// Run implements Runtime.
func (m *MockRuntime) Run(ctx context.Context, spec ContainerSpec) (string, error) {
	m.record("Run", spec.Name)
	if m.RunFunc != nil {
		return m.RunFunc(ctx, spec)
	}
	return "id-" + spec.Name, nil
}

// Stop implements Runtime.
func (m *MockRuntime) Stop(ctx context.Context, name string, grace time.Duration) error {
	m.record("Stop", name)
	if m.StopFunc != nil {
		return m.StopFunc(ctx, name, grace)
	}
	return nil
}

// Remove implements Runtime.
func (m *MockRuntime) Remove(ctx context.Context, name string, force bool) error {
	m.record("Remove", name)
	if m.RemoveFunc != nil {
		return m.RemoveFunc(ctx, name, force)
	}
	return nil
}

// Logs implements Runtime.
func (m *MockRuntime) Logs(ctx context.Context, name string, tail int) (string, error) {
	m.record("Logs", name+"#"+strconv.Itoa(tail))
	if m.LogsFunc != nil {
		return m.LogsFunc(ctx, name, tail)
	}
	return "", nil
}

// List implements Runtime.
func (m *MockRuntime) List(ctx context.Context, filter ListFilter) ([]ContainerInfo, error) {
	m.record("List", filter.NamePrefix+filter.Label)
	if m.ListFunc != nil {
		return m.ListFunc(ctx, filter)
	}
	return nil, nil
}

// Inspect implements Runtime.
func (m *MockRuntime) Inspect(ctx context.Context, name string) (*ContainerInfo, error) {
	m.record("Inspect", name)
	if m.InspectFunc != nil {
		return m.InspectFunc(ctx, name)
	}
	return &ContainerInfo{Name: name, State: "running", Status: "Up"}, nil
}

// EnsureNetwork implements Runtime.
func (m *MockRuntime) EnsureNetwork(ctx context.Context, name string) error {
	m.record("EnsureNetwork", name)
	if m.EnsureNetworkFunc != nil {
		return m.EnsureNetworkFunc(ctx, name)
	}
	return nil
}

// ListNetworks implements Runtime.
func (m *MockRuntime) ListNetworks(ctx context.Context, prefix string) ([]string, error) {
	m.record("ListNetworks", prefix)
	if m.ListNetworksFunc != nil {
		return m.ListNetworksFunc(ctx, prefix)
	}
	return nil, nil
}

// RemoveNetwork implements Runtime.
func (m *MockRuntime) RemoveNetwork(ctx context.Context, name string) error {
	m.record("RemoveNetwork", name)
	if m.RemoveNetworkFunc != nil {
		return m.RemoveNetworkFunc(ctx, name)
	}
	return nil
}

// PruneUnused implements Runtime.
func (m *MockRuntime) PruneUnused(ctx context.Context) error {
	m.record("PruneUnused", "")
	if m.PruneUnusedFunc != nil {
		return m.PruneUnusedFunc(ctx)
	}
	return nil
}

// ListImages implements Runtime.
func (m *MockRuntime) ListImages(ctx context.Context, repository string) ([]ImageInfo, error) {
	m.record("ListImages", repository)
	if m.ListImagesFunc != nil {
		return m.ListImagesFunc(ctx, repository)
	}
	return nil, nil
}

// RemoveImage implements Runtime.
func (m *MockRuntime) RemoveImage(ctx context.Context, ref string) error {
	m.record("RemoveImage", ref)
	if m.RemoveImageFunc != nil {
		return m.RemoveImageFunc(ctx, ref)
	}
	return nil
}

// ComposeUp implements Runtime.
func (m *MockRuntime) ComposeUp(ctx context.Context, spec ComposeSpec) error {
	m.record("ComposeUp", spec.Project)
	if m.ComposeUpFunc != nil {
		return m.ComposeUpFunc(ctx, spec)
	}
	return nil
}

// ComposeDown implements Runtime.
func (m *MockRuntime) ComposeDown(ctx context.Context, spec ComposeSpec) error {
	m.record("ComposeDown", spec.Project)
	if m.ComposeDownFunc != nil {
		return m.ComposeDownFunc(ctx, spec)
	}
	return nil
}

var _ Runtime = (*MockRuntime)(nil)
