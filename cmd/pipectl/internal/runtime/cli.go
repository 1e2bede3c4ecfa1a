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
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/AleutianAI/pipectl/cmd/pipectl/internal/process"
)

const (
	defaultCommandTimeout = 30 * time.Second
	defaultBuildTimeout   = 15 * time.Minute
	defaultComposeTimeout = 5 * time.Minute

	psFormat     = "{{.ID}}\t{{.Names}}\t{{.Image}}\t{{.State}}\t{{.Status}}\t{{.Ports}}\t{{.Labels}}"
	imagesFormat = "{{.ID}}\t{{.Repository}}\t{{.Tag}}\t{{.CreatedAt}}"
	createdAtFmt = "2006-01-02 15:04:05 -0700 MST"
)

// CLIConfig configures a CLIRuntime.
type CLIConfig struct {
	// Binary is the runtime executable. Default: "docker".
	Binary string

	// ComposeCommand is the compose entry point.
	// Default: [Binary, "compose"].
	ComposeCommand []string

	// CommandTimeout bounds short commands (ps, rm, stop). Default: 30s.
	CommandTimeout time.Duration

	// BuildTimeout bounds image builds. Default: 15m.
	BuildTimeout time.Duration
}

// CLIRuntime implements Runtime by shelling out to docker or podman.
//
// # Description
//
// Every operation is a single invocation of the configured binary through
// process.Runner. Output is requested with Go templates that docker and
// podman both understand, then parsed line by line.
//
// # Limitations
//
//   - Published ports are parsed from the human "Ports" column.
//   - Image creation times rely on the CreatedAt template layout.
type CLIRuntime struct {
	config CLIConfig
	runner process.Runner
	logger *slog.Logger
}

// NewCLIRuntime creates a CLIRuntime with defaults applied.
func NewCLIRuntime(cfg CLIConfig, runner process.Runner, logger *slog.Logger) *CLIRuntime {
	if cfg.Binary == "" {
		cfg.Binary = "docker"
	}
	if len(cfg.ComposeCommand) == 0 {
		cfg.ComposeCommand = []string{cfg.Binary, "compose"}
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = defaultCommandTimeout
	}
	if cfg.BuildTimeout <= 0 {
		cfg.BuildTimeout = defaultBuildTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CLIRuntime{config: cfg, runner: runner, logger: logger.With("runtime", cfg.Binary)}
}

// Name implements Runtime.
func (r *CLIRuntime) Name() string {
	return r.config.Binary
}

// -----------------------------------------------------------------------------
// Images
// -----------------------------------------------------------------------------

// BuildImage implements Runtime.
func (r *CLIRuntime) BuildImage(ctx context.Context, req BuildRequest) (string, error) {
	if len(req.Tags) == 0 {
		return "", fmt.Errorf("build %s: no tags given", req.ContextDir)
	}
	args := []string{"build"}
	for _, tag := range req.Tags {
		args = append(args, "-t", tag)
	}
	if req.Dockerfile != "" {
		args = append(args, "-f", req.Dockerfile)
	}
	keys := make([]string, 0, len(req.BuildArgs))
	for k := range req.BuildArgs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, "--build-arg", k+"="+req.BuildArgs[k])
	}
	args = append(args, ".")

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = r.config.BuildTimeout
	}
	res, err := r.runner.Run(ctx, process.Command{
		Name:    r.config.Binary,
		Args:    args,
		Dir:     req.ContextDir,
		Timeout: timeout,
	})
	if err != nil {
		return res.Tail(40), fmt.Errorf("image build: %w", err)
	}
	if !res.Success() {
		return res.Tail(40), res.Err()
	}
	return res.Tail(40), nil
}

// TagImage implements Runtime.
func (r *CLIRuntime) TagImage(ctx context.Context, source, target string) error {
	_, err := r.run(ctx, "tag", source, target)
	return err
}

// ImageExists implements Runtime.
func (r *CLIRuntime) ImageExists(ctx context.Context, ref string) (bool, error) {
	_, err := r.run(ctx, "image", "inspect", "--format", "{{.ID}}", ref)
	if err == nil {
		return true, nil
	}
	if IsNotFound(err) {
		return false, nil
	}
	return false, err
}

// ListImages implements Runtime.
func (r *CLIRuntime) ListImages(ctx context.Context, repository string) ([]ImageInfo, error) {
	res, err := r.run(ctx, "images", "--format", imagesFormat, repository)
	if err != nil {
		return nil, err
	}
	return parseImages(res.Stdout), nil
}

// RemoveImage implements Runtime.
func (r *CLIRuntime) RemoveImage(ctx context.Context, ref string) error {
	_, err := r.run(ctx, "rmi", ref)
	return err
}

// -----------------------------------------------------------------------------
// Containers
// -----------------------------------------------------------------------------

// Run implements Runtime.
func (r *CLIRuntime) Run(ctx context.Context, spec ContainerSpec) (string, error) {
	args := []string{"run", "-d", "--name", spec.Name}
	for _, p := range spec.Ports {
		args = append(args, "-p", p.String())
	}
	if spec.Network != "" {
		args = append(args, "--network", spec.Network)
	}
	labelKeys := make([]string, 0, len(spec.Labels))
	for k := range spec.Labels {
		labelKeys = append(labelKeys, k)
	}
	sort.Strings(labelKeys)
	for _, k := range labelKeys {
		args = append(args, "--label", k+"="+spec.Labels[k])
	}
	for _, e := range spec.Env {
		args = append(args, "-e", e)
	}
	args = append(args, spec.Image)

	res, err := r.run(ctx, args...)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(res.Stdout), nil
}

// Stop implements Runtime.
func (r *CLIRuntime) Stop(ctx context.Context, name string, grace time.Duration) error {
	secs := int(grace.Seconds())
	_, err := r.run(ctx, "stop", "-t", strconv.Itoa(secs), name)
	return err
}

// Remove implements Runtime.
func (r *CLIRuntime) Remove(ctx context.Context, name string, force bool) error {
	args := []string{"rm"}
	if force {
		args = append(args, "-f")
	}
	args = append(args, name)
	_, err := r.run(ctx, args...)
	return err
}

// Logs implements Runtime.
func (r *CLIRuntime) Logs(ctx context.Context, name string, tail int) (string, error) {
	res, err := r.run(ctx, "logs", "--tail", strconv.Itoa(tail), name)
	if err != nil {
		return "", err
	}
	return res.Tail(tail), nil
}

// List implements Runtime.
func (r *CLIRuntime) List(ctx context.Context, filter ListFilter) ([]ContainerInfo, error) {
	args := []string{"ps", "--no-trunc", "--format", psFormat}
	if filter.All {
		args = append(args, "-a")
	}
	if filter.NamePrefix != "" {
		args = append(args, "--filter", "name="+filter.NamePrefix)
	}
	if filter.Label != "" {
		args = append(args, "--filter", "label="+filter.Label)
	}
	res, err := r.run(ctx, args...)
	if err != nil {
		return nil, err
	}

	var out []ContainerInfo
	for _, c := range parseContainers(res.Stdout) {
		// name= is a substring match on the daemon side
		if filter.Matches(c) {
			out = append(out, c)
		}
	}
	return out, nil
}

// Inspect implements Runtime.
func (r *CLIRuntime) Inspect(ctx context.Context, name string) (*ContainerInfo, error) {
	res, err := r.run(ctx, "inspect", "--type", "container", "--format",
		"{{.Id}}\t{{.Name}}\t{{.Config.Image}}\t{{.State.Status}}\t{{.State.ExitCode}}", name)
	if err != nil {
		return nil, err
	}
	fields := strings.Split(strings.TrimSpace(res.Stdout), "\t")
	if len(fields) < 5 {
		return nil, fmt.Errorf("inspect %s: unexpected output %q", name, res.Stdout)
	}
	exitCode, _ := strconv.Atoi(fields[4])
	return &ContainerInfo{
		ID:       fields[0],
		Name:     strings.TrimPrefix(fields[1], "/"),
		Image:    fields[2],
		State:    fields[3],
		Status:   fields[3],
		ExitCode: exitCode,
	}, nil
}

// -----------------------------------------------------------------------------
// Networks and Pruning
// -----------------------------------------------------------------------------

// EnsureNetwork implements Runtime.
func (r *CLIRuntime) EnsureNetwork(ctx context.Context, name string) error {
	_, err := r.run(ctx, "network", "inspect", name)
	if err == nil {
		return nil
	}
	if !IsNotFound(err) {
		return err
	}
	_, err = r.run(ctx, "network", "create", "--label", RunLabel, name)
	return err
}

// ListNetworks implements Runtime.
func (r *CLIRuntime) ListNetworks(ctx context.Context, prefix string) ([]string, error) {
	args := []string{"network", "ls", "--format", "{{.Name}}"}
	if prefix != "" {
		args = append(args, "--filter", "name="+prefix)
	}
	res, err := r.run(ctx, args...)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, n := range splitLines(res.Stdout) {
		if strings.HasPrefix(n, prefix) {
			names = append(names, n)
		}
	}
	return names, nil
}

// RemoveNetwork implements Runtime.
func (r *CLIRuntime) RemoveNetwork(ctx context.Context, name string) error {
	_, err := r.run(ctx, "network", "rm", name)
	return err
}

// PruneUnused implements Runtime.
func (r *CLIRuntime) PruneUnused(ctx context.Context) error {
	var failures []string
	for _, kind := range []string{"container", "network", "image"} {
		if _, err := r.run(ctx, kind, "prune", "-f"); err != nil {
			failures = append(failures, fmt.Sprintf("%s prune: %v", kind, err))
		}
	}
	if len(failures) > 0 {
		return fmt.Errorf("prune: %s", strings.Join(failures, "; "))
	}
	return nil
}

// -----------------------------------------------------------------------------
// Compose
// -----------------------------------------------------------------------------

// ComposeUp implements Runtime.
func (r *CLIRuntime) ComposeUp(ctx context.Context, spec ComposeSpec) error {
	return r.compose(ctx, spec, "up", "-d")
}

// ComposeDown implements Runtime.
func (r *CLIRuntime) ComposeDown(ctx context.Context, spec ComposeSpec) error {
	return r.compose(ctx, spec, "down", "--remove-orphans")
}

func (r *CLIRuntime) compose(ctx context.Context, spec ComposeSpec, verb ...string) error {
	base := r.config.ComposeCommand
	args := append([]string{}, base[1:]...)
	if spec.File != "" {
		args = append(args, "-f", spec.File)
	}
	if spec.Project != "" {
		args = append(args, "-p", spec.Project)
	}
	args = append(args, verb...)

	res, err := r.runner.Run(ctx, process.Command{
		Name:    base[0],
		Args:    args,
		Env:     spec.Env,
		Timeout: defaultComposeTimeout,
	})
	if err != nil {
		return fmt.Errorf("compose %s: %w", verb[0], err)
	}
	if !res.Success() {
		return res.Err()
	}
	return nil
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

// run executes the binary and converts non-zero exits to errors, mapping
// "does not exist" messages to ErrNotFound.
func (r *CLIRuntime) run(ctx context.Context, args ...string) (*process.Result, error) {
	res, err := r.runner.Run(ctx, process.Command{
		Name:    r.config.Binary,
		Args:    args,
		Timeout: r.config.CommandTimeout,
	})
	if err != nil {
		return res, fmt.Errorf("%s %s: %w", r.config.Binary, args[0], err)
	}
	if res.Success() {
		return res, nil
	}
	if looksNotFound(res.Stderr) {
		return res, fmt.Errorf("%s: %w", strings.TrimSpace(process.TailLines(res.Stderr, 1)), ErrNotFound)
	}
	return res, res.Err()
}

func splitLines(s string) []string {
	var out []string
	for _, line := range strings.Split(s, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			out = append(out, line)
		}
	}
	return out
}

func parseContainers(out string) []ContainerInfo {
	var containers []ContainerInfo
	for _, line := range strings.Split(out, "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		fields := strings.Split(line, "\t")
		for len(fields) < 7 {
			fields = append(fields, "")
		}
		name := strings.Split(fields[1], ",")[0]
		containers = append(containers, ContainerInfo{
			ID:     fields[0],
			Name:   strings.TrimPrefix(name, "/"),
			Image:  fields[2],
			State:  fields[3],
			Status: fields[4],
			Ports:  parsePublishedPorts(fields[5]),
			Labels: parseLabels(fields[6]),
		})
	}
	return containers
}

// parsePublishedPorts extracts host ports from "0.0.0.0:8080->8080/tcp, :::8080->8080/tcp".
func parsePublishedPorts(s string) []int {
	seen := make(map[int]bool)
	var ports []int
	for _, part := range strings.Split(s, ",") {
		hostSide, _, ok := strings.Cut(strings.TrimSpace(part), "->")
		if !ok {
			continue
		}
		idx := strings.LastIndex(hostSide, ":")
		port, err := strconv.Atoi(hostSide[idx+1:])
		if err != nil || seen[port] {
			continue
		}
		seen[port] = true
		ports = append(ports, port)
	}
	return ports
}

// parseLabels reads "k1=v1,k2=v2". Podman renders a map literal instead.
func parseLabels(s string) map[string]string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "map[")
	s = strings.TrimSuffix(s, "]")
	labels := make(map[string]string)
	if s == "" {
		return labels
	}
	sep := ","
	if !strings.Contains(s, ",") && strings.Contains(s, ":") {
		sep = " "
	}
	for _, kv := range strings.Split(s, sep) {
		kv = strings.TrimSpace(kv)
		if kv == "" {
			continue
		}
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			k, v, _ = strings.Cut(kv, ":")
		}
		labels[k] = v
	}
	return labels
}

func parseImages(out string) []ImageInfo {
	var images []ImageInfo
	for _, line := range splitLines(out) {
		fields := strings.Split(line, "\t")
		if len(fields) < 3 || fields[2] == "<none>" {
			continue
		}
		info := ImageInfo{ID: fields[0], Repository: fields[1], Tag: fields[2]}
		if len(fields) > 3 {
			if t, err := time.Parse(createdAtFmt, fields[3]); err == nil {
				info.Created = t
			}
		}
		images = append(images, info)
	}
	return images
}

var _ Runtime = (*CLIRuntime)(nil)
