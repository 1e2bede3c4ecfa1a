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
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/AleutianAI/pipectl/cmd/pipectl/internal/domain"
)

const (
	// RunLabel marks every container and network the pipeline creates.
	// Its value is the run ID.
	RunLabel = "pipectl.run"

	// ServiceLabel carries the pipeline name so cleanup only touches
	// containers of the same service.
	ServiceLabel = "pipectl.service"

	// EnvLabel carries the environment so a staging cleanup leaves the
	// production containers of the same service alone.
	EnvLabel = "pipectl.env"
)

var (
	// ErrNotFound is returned when a container, network or image does not exist.
	ErrNotFound = errors.New("not found")

	// ErrUnsupported is returned when a driver cannot perform an operation.
	ErrUnsupported = errors.New("operation not supported by runtime driver")
)

// =============================================================================
// Types
// =============================================================================

// BuildRequest describes an image build.
type BuildRequest struct {
	// ContextDir is the build context directory.
	ContextDir string

	// Dockerfile is relative to ContextDir. Empty means "Dockerfile".
	Dockerfile string

	// Tags are applied to the built image. At least one is required.
	Tags []string

	// BuildArgs are passed as --build-arg KEY=VALUE.
	BuildArgs map[string]string

	// Timeout bounds the build. Zero uses the driver default.
	Timeout time.Duration
}

// ContainerSpec describes a single detached container.
type ContainerSpec struct {
	Name    string
	Image   string
	Ports   []domain.PortMapping
	Network string
	Labels  map[string]string
	Env     []string
}

// ComposeSpec identifies a compose project.
type ComposeSpec struct {
	File    string
	Project string
	Env     []string
}

// ContainerInfo is what List and Inspect report about a container.
type ContainerInfo struct {
	ID       string
	Name     string
	Image    string
	State    string
	Status   string
	ExitCode int
	Ports    []int
	Labels   map[string]string
}

// Running reports whether the container is in the running state.
func (c ContainerInfo) Running() bool {
	return strings.EqualFold(c.State, "running")
}

// Publishes reports whether the container binds the given host port.
func (c ContainerInfo) Publishes(port int) bool {
	for _, p := range c.Ports {
		if p == port {
			return true
		}
	}
	return false
}

// ListFilter narrows List. Empty fields match everything.
type ListFilter struct {
	// All includes stopped containers.
	All bool

	// NamePrefix matches containers whose name starts with the prefix.
	NamePrefix string

	// Label matches "key" or "key=value".
	Label string

	// PublishedPort keeps only containers binding this host port.
	PublishedPort int
}

// Matches applies the filter client side.
func (f ListFilter) Matches(c ContainerInfo) bool {
	if !f.All && !c.Running() {
		return false
	}
	if f.NamePrefix != "" && !strings.HasPrefix(c.Name, f.NamePrefix) {
		return false
	}
	if f.Label != "" {
		key, value, hasValue := strings.Cut(f.Label, "=")
		got, ok := c.Labels[key]
		if !ok || (hasValue && got != value) {
			return false
		}
	}
	if f.PublishedPort > 0 && !c.Publishes(f.PublishedPort) {
		return false
	}
	return true
}

// ImageInfo is one tagged image in the local store.
type ImageInfo struct {
	ID         string
	Repository string
	Tag        string
	Created    time.Time
}

// Ref returns "repository:tag".
func (i ImageInfo) Ref() string {
	return i.Repository + ":" + i.Tag
}

// SortImagesNewestFirst orders images by creation time, newest first.
// Images with equal or unknown timestamps keep their relative order.
func SortImagesNewestFirst(images []ImageInfo) {
	sort.SliceStable(images, func(i, j int) bool {
		return images[i].Created.After(images[j].Created)
	})
}

// =============================================================================
// Interface Definition
// =============================================================================

// Runtime is the container runtime the pipeline drives.
//
// # Description
//
// Runtime hides whether containers are managed through a CLI binary
// (docker, podman) or the Docker Engine API. Every method returns an
// explicit error; callers decide whether a failure is fatal. Operations
// on entities that do not exist return an error wrapping ErrNotFound so
// cleanup can tell "nothing to do" apart from a real failure.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
type Runtime interface {
	// Name identifies the driver for logs ("docker", "podman", "engine").
	Name() string

	// BuildImage builds an image and returns the build output tail.
	BuildImage(ctx context.Context, req BuildRequest) (string, error)

	// TagImage adds target as an additional reference to source.
	TagImage(ctx context.Context, source, target string) error

	// ImageExists reports whether ref resolves in the local image store.
	ImageExists(ctx context.Context, ref string) (bool, error)

	// Run starts a detached container and returns its ID.
	Run(ctx context.Context, spec ContainerSpec) (string, error)

	// Stop stops a running container, killing it after grace.
	Stop(ctx context.Context, name string, grace time.Duration) error

	// Remove deletes a container. force removes it even if running.
	Remove(ctx context.Context, name string, force bool) error

	// Logs returns the last tail lines of a container's output.
	Logs(ctx context.Context, name string, tail int) (string, error)

	// List returns containers matching filter.
	List(ctx context.Context, filter ListFilter) ([]ContainerInfo, error)

	// Inspect returns one container. Missing containers wrap ErrNotFound.
	Inspect(ctx context.Context, name string) (*ContainerInfo, error)

	// EnsureNetwork creates a network unless it already exists.
	EnsureNetwork(ctx context.Context, name string) error

	// ListNetworks returns network names starting with prefix.
	ListNetworks(ctx context.Context, prefix string) ([]string, error)

	// RemoveNetwork deletes a network.
	RemoveNetwork(ctx context.Context, name string) error

	// PruneUnused removes stopped containers, unused networks and dangling images.
	PruneUnused(ctx context.Context) error

	// ListImages returns tagged images of repository.
	ListImages(ctx context.Context, repository string) ([]ImageInfo, error)

	// RemoveImage deletes one image reference.
	RemoveImage(ctx context.Context, ref string) error

	// ComposeUp starts a compose project detached.
	ComposeUp(ctx context.Context, spec ComposeSpec) error

	// ComposeDown stops and removes a compose project.
	ComposeDown(ctx context.Context, spec ComposeSpec) error
}

// IsNotFound reports whether err means the entity does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// looksNotFound matches the "does not exist" messages of docker and podman.
func looksNotFound(stderr string) bool {
	s := strings.ToLower(stderr)
	for _, marker := range []string{
		"no such container",
		"no such object",
		"no such network",
		"no such image",
		"no container with name or id",
		"network not found",
		"image not known",
		"not found: network",
	} {
		if strings.Contains(s, marker) {
			return true
		}
	}
	return false
}
