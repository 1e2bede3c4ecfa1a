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
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/AleutianAI/pipectl/cmd/pipectl/internal/process"
	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/archive"
	"github.com/docker/docker/pkg/jsonmessage"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
)

// EngineRuntime implements Runtime against the Docker Engine API.
//
// # Description
//
// Containers, images and networks are managed through the Docker SDK
// client. The Engine API has no compose endpoint, so ComposeUp and
// ComposeDown are delegated to the compose CLI when one is configured.
//
// # Limitations
//
//   - Requires a reachable Docker daemon (DOCKER_HOST or the default socket).
//   - Podman works only through its Docker-compatible API socket.
type EngineRuntime struct {
	cli     *client.Client
	compose *CLIRuntime
	logger  *slog.Logger
}

// NewEngineRuntime connects to the daemon described by the environment.
// compose may be nil, in which case compose operations return ErrUnsupported.
func NewEngineRuntime(compose *CLIRuntime, logger *slog.Logger) (*EngineRuntime, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &EngineRuntime{cli: cli, compose: compose, logger: logger.With("runtime", "engine")}, nil
}

// Close releases the client connection.
func (r *EngineRuntime) Close() error {
	return r.cli.Close()
}

// Name implements Runtime.
func (r *EngineRuntime) Name() string {
	return "engine"
}

// BuildImage implements Runtime.
func (r *EngineRuntime) BuildImage(ctx context.Context, req BuildRequest) (string, error) {
	if len(req.Tags) == 0 {
		return "", fmt.Errorf("build %s: no tags given", req.ContextDir)
	}
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	buildCtx, err := archive.TarWithOptions(req.ContextDir, &archive.TarOptions{})
	if err != nil {
		return "", fmt.Errorf("failed to archive build context: %w", err)
	}
	defer buildCtx.Close()

	args := make(map[string]*string, len(req.BuildArgs))
	for k, v := range req.BuildArgs {
		v := v
		args[k] = &v
	}

	resp, err := r.cli.ImageBuild(ctx, buildCtx, types.ImageBuildOptions{
		Tags:       req.Tags,
		Dockerfile: req.Dockerfile,
		BuildArgs:  args,
		Remove:     true,
	})
	if err != nil {
		return "", fmt.Errorf("image build: %w", err)
	}
	defer resp.Body.Close()

	var out bytes.Buffer
	if err := jsonmessage.DisplayJSONMessagesStream(resp.Body, &out, 0, false, nil); err != nil {
		return process.TailLines(out.String(), 40), fmt.Errorf("image build: %w", err)
	}
	return process.TailLines(out.String(), 40), nil
}

// TagImage implements Runtime.
func (r *EngineRuntime) TagImage(ctx context.Context, source, target string) error {
	return wrapEngine(r.cli.ImageTag(ctx, source, target), "tag "+source)
}

// ImageExists implements Runtime.
func (r *EngineRuntime) ImageExists(ctx context.Context, ref string) (bool, error) {
	_, _, err := r.cli.ImageInspectWithRaw(ctx, ref)
	if err == nil {
		return true, nil
	}
	if errdefs.IsNotFound(err) {
		return false, nil
	}
	return false, fmt.Errorf("inspect image %s: %w", ref, err)
}

// ListImages implements Runtime.
func (r *EngineRuntime) ListImages(ctx context.Context, repository string) ([]ImageInfo, error) {
	args := filters.NewArgs()
	if repository != "" {
		args.Add("reference", repository)
	}
	summaries, err := r.cli.ImageList(ctx, types.ImageListOptions{Filters: args})
	if err != nil {
		return nil, fmt.Errorf("list images: %w", err)
	}

	var images []ImageInfo
	for _, s := range summaries {
		for _, repoTag := range s.RepoTags {
			idx := strings.LastIndex(repoTag, ":")
			if idx < 0 || repoTag[idx+1:] == "<none>" {
				continue
			}
			images = append(images, ImageInfo{
				ID:         s.ID,
				Repository: repoTag[:idx],
				Tag:        repoTag[idx+1:],
				Created:    time.Unix(s.Created, 0),
			})
		}
	}
	return images, nil
}

// RemoveImage implements Runtime.
func (r *EngineRuntime) RemoveImage(ctx context.Context, ref string) error {
	_, err := r.cli.ImageRemove(ctx, ref, types.ImageRemoveOptions{PruneChildren: true})
	return wrapEngine(err, "remove image "+ref)
}

// Run implements Runtime.
func (r *EngineRuntime) Run(ctx context.Context, spec ContainerSpec) (string, error) {
	exposed := nat.PortSet{}
	bindings := nat.PortMap{}
	for _, p := range spec.Ports {
		proto := p.Protocol
		if proto == "" {
			proto = "tcp"
		}
		port, err := nat.NewPort(proto, strconv.Itoa(p.ContainerPort))
		if err != nil {
			return "", fmt.Errorf("invalid port mapping %s: %w", p, err)
		}
		exposed[port] = struct{}{}
		bindings[port] = append(bindings[port], nat.PortBinding{HostPort: strconv.Itoa(p.HostPort)})
	}

	cfg := &container.Config{
		Image:        spec.Image,
		Env:          spec.Env,
		Labels:       spec.Labels,
		ExposedPorts: exposed,
	}
	hostCfg := &container.HostConfig{PortBindings: bindings}
	if spec.Network != "" {
		hostCfg.NetworkMode = container.NetworkMode(spec.Network)
	}

	created, err := r.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, spec.Name)
	if err != nil {
		return "", fmt.Errorf("create container %s: %w", spec.Name, err)
	}
	if err := r.cli.ContainerStart(ctx, created.ID, types.ContainerStartOptions{}); err != nil {
		return created.ID, fmt.Errorf("start container %s: %w", spec.Name, err)
	}
	r.logger.Debug("container started", "name", spec.Name, "id", created.ID, "image", spec.Image)
	return created.ID, nil
}

// Stop implements Runtime.
func (r *EngineRuntime) Stop(ctx context.Context, name string, grace time.Duration) error {
	secs := int(grace.Seconds())
	return wrapEngine(r.cli.ContainerStop(ctx, name, container.StopOptions{Timeout: &secs}), "stop "+name)
}

// Remove implements Runtime.
func (r *EngineRuntime) Remove(ctx context.Context, name string, force bool) error {
	return wrapEngine(r.cli.ContainerRemove(ctx, name, types.ContainerRemoveOptions{Force: force}), "remove "+name)
}

// Logs implements Runtime.
func (r *EngineRuntime) Logs(ctx context.Context, name string, n int) (string, error) {
	details, err := r.cli.ContainerInspect(ctx, name)
	if err != nil {
		return "", wrapEngine(err, "inspect "+name)
	}
	reader, err := r.cli.ContainerLogs(ctx, name, types.ContainerLogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       strconv.Itoa(n),
	})
	if err != nil {
		return "", wrapEngine(err, "logs "+name)
	}
	defer reader.Close()

	var out bytes.Buffer
	if details.Config != nil && details.Config.Tty {
		_, err = io.Copy(&out, reader)
	} else {
		_, err = stdcopy.StdCopy(&out, &out, reader)
	}
	if err != nil && err != io.EOF {
		return out.String(), fmt.Errorf("read logs %s: %w", name, err)
	}
	return process.TailLines(out.String(), n), nil
}

// List implements Runtime.
func (r *EngineRuntime) List(ctx context.Context, filter ListFilter) ([]ContainerInfo, error) {
	args := filters.NewArgs()
	if filter.NamePrefix != "" {
		args.Add("name", filter.NamePrefix)
	}
	if filter.Label != "" {
		args.Add("label", filter.Label)
	}
	list, err := r.cli.ContainerList(ctx, types.ContainerListOptions{All: filter.All, Filters: args})
	if err != nil {
		return nil, fmt.Errorf("list containers: %w", err)
	}

	var out []ContainerInfo
	for _, c := range list {
		info := ContainerInfo{
			ID:     c.ID,
			Image:  c.Image,
			State:  c.State,
			Status: c.Status,
			Labels: c.Labels,
		}
		if len(c.Names) > 0 {
			info.Name = strings.TrimPrefix(c.Names[0], "/")
		}
		for _, p := range c.Ports {
			if p.PublicPort != 0 && !info.Publishes(int(p.PublicPort)) {
				info.Ports = append(info.Ports, int(p.PublicPort))
			}
		}
		if filter.Matches(info) {
			out = append(out, info)
		}
	}
	return out, nil
}

// Inspect implements Runtime.
func (r *EngineRuntime) Inspect(ctx context.Context, name string) (*ContainerInfo, error) {
	details, err := r.cli.ContainerInspect(ctx, name)
	if err != nil {
		return nil, wrapEngine(err, "inspect "+name)
	}
	info := &ContainerInfo{
		ID:   details.ID,
		Name: strings.TrimPrefix(details.Name, "/"),
	}
	if details.Config != nil {
		info.Image = details.Config.Image
		info.Labels = details.Config.Labels
	}
	if details.State != nil {
		info.State = details.State.Status
		info.Status = details.State.Status
		info.ExitCode = details.State.ExitCode
	}
	return info, nil
}

// EnsureNetwork implements Runtime.
func (r *EngineRuntime) EnsureNetwork(ctx context.Context, name string) error {
	if _, err := r.cli.NetworkInspect(ctx, name, types.NetworkInspectOptions{}); err == nil {
		return nil
	} else if !errdefs.IsNotFound(err) {
		return fmt.Errorf("inspect network %s: %w", name, err)
	}
	_, err := r.cli.NetworkCreate(ctx, name, types.NetworkCreate{
		CheckDuplicate: true,
		Labels:         map[string]string{RunLabel: ""},
	})
	return wrapEngine(err, "create network "+name)
}

// ListNetworks implements Runtime.
func (r *EngineRuntime) ListNetworks(ctx context.Context, prefix string) ([]string, error) {
	args := filters.NewArgs()
	if prefix != "" {
		args.Add("name", prefix)
	}
	networks, err := r.cli.NetworkList(ctx, types.NetworkListOptions{Filters: args})
	if err != nil {
		return nil, fmt.Errorf("list networks: %w", err)
	}
	var names []string
	for _, n := range networks {
		if strings.HasPrefix(n.Name, prefix) {
			names = append(names, n.Name)
		}
	}
	return names, nil
}

// RemoveNetwork implements Runtime.
func (r *EngineRuntime) RemoveNetwork(ctx context.Context, name string) error {
	return wrapEngine(r.cli.NetworkRemove(ctx, name), "remove network "+name)
}

// PruneUnused implements Runtime.
func (r *EngineRuntime) PruneUnused(ctx context.Context) error {
	var failures []string
	if _, err := r.cli.ContainersPrune(ctx, filters.NewArgs()); err != nil {
		failures = append(failures, "container prune: "+err.Error())
	}
	if _, err := r.cli.NetworksPrune(ctx, filters.NewArgs()); err != nil {
		failures = append(failures, "network prune: "+err.Error())
	}
	if _, err := r.cli.ImagesPrune(ctx, filters.NewArgs(filters.Arg("dangling", "true"))); err != nil {
		failures = append(failures, "image prune: "+err.Error())
	}
	if len(failures) > 0 {
		return fmt.Errorf("prune: %s", strings.Join(failures, "; "))
	}
	return nil
}

// ComposeUp implements Runtime.
func (r *EngineRuntime) ComposeUp(ctx context.Context, spec ComposeSpec) error {
	if r.compose == nil {
		return fmt.Errorf("compose up: %w", ErrUnsupported)
	}
	return r.compose.ComposeUp(ctx, spec)
}

// ComposeDown implements Runtime.
func (r *EngineRuntime) ComposeDown(ctx context.Context, spec ComposeSpec) error {
	if r.compose == nil {
		return fmt.Errorf("compose down: %w", ErrUnsupported)
	}
	return r.compose.ComposeDown(ctx, spec)
}

// wrapEngine maps daemon "not found" responses onto ErrNotFound.
func wrapEngine(err error, op string) error {
	if err == nil {
		return nil
	}
	if errdefs.IsNotFound(err) {
		return fmt.Errorf("%s: %v: %w", op, err, ErrNotFound)
	}
	return fmt.Errorf("%s: %w", op, err)
}

var _ Runtime = (*EngineRuntime)(nil)
