// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package build runs the build/test/package commands and the image build.
package build

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/AleutianAI/pipectl/cmd/pipectl/internal/domain"
	"github.com/AleutianAI/pipectl/cmd/pipectl/internal/process"
)

// outputTailLines is how much command output a StageResult keeps.
const outputTailLines = 40

// PackageConfig configures PackageStage.
type PackageConfig struct {
	// Build, Test and Package are argv slices. An empty slice skips the step.
	Build   []string
	Test    []string
	Package []string

	// ArtifactGlob locates the artifact relative to the source directory,
	// e.g. "target/*.jar".
	ArtifactGlob string

	// CommandTimeout bounds each command. Default: 10m.
	CommandTimeout time.Duration

	// Env is added to every command's environment.
	Env []string
}

// PackageResult is what PackageStage produced.
type PackageResult struct {
	Artifact domain.Artifact
	Output   string
	Steps    []string
}

// PackageStage builds, tests and packages the service from source.
type PackageStage struct {
	config PackageConfig
	runner process.Runner
	logger *slog.Logger
}

// NewPackageStage creates a PackageStage.
func NewPackageStage(cfg PackageConfig, runner process.Runner, logger *slog.Logger) *PackageStage {
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = 10 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PackageStage{config: cfg, runner: runner, logger: logger.With("stage", domain.StageBuild)}
}

// Run executes the configured commands in sourceDir and locates the artifact.
//
// # Description
//
// Commands run in order build, test, package. The first non-zero exit stops
// the stage with KindBuildFailed. After all commands succeed the artifact
// glob must resolve to a non-empty regular file, otherwise the stage fails
// with KindArtifactMissing. Neither failure is retried.
//
// # Outputs
//
//   - *PackageResult: Always non-nil; Output holds the tail of the last command.
//   - error: *domain.StageError on failure.
func (s *PackageStage) Run(ctx context.Context, sourceDir string) (*PackageResult, error) {
	result := &PackageResult{}

	steps := []struct {
		name string
		argv []string
	}{
		{"build", s.config.Build},
		{"test", s.config.Test},
		{"package", s.config.Package},
	}

	for _, step := range steps {
		if len(step.argv) == 0 {
			continue
		}
		cmd := process.Command{
			Name:    step.argv[0],
			Args:    step.argv[1:],
			Dir:     sourceDir,
			Env:     s.config.Env,
			Timeout: s.config.CommandTimeout,
		}
		s.logger.Info("running build step", "step", step.name, "command", cmd.String())

		res, err := s.runner.Run(ctx, cmd)
		result.Output = res.Tail(outputTailLines)
		result.Steps = append(result.Steps, step.name)
		if err != nil {
			return result, domain.NewStageError(domain.StageBuild, domain.KindBuildFailed,
				fmt.Errorf("%s step: %w", step.name, err))
		}
		if !res.Success() {
			return result, domain.NewStageError(domain.StageBuild, domain.KindBuildFailed,
				fmt.Errorf("%s step: %w", step.name, res.Err()))
		}
	}

	artifact, err := locateArtifact(sourceDir, s.config.ArtifactGlob)
	if err != nil {
		return result, domain.NewStageError(domain.StageBuild, domain.KindArtifactMissing, err)
	}
	result.Artifact = artifact
	s.logger.Info("artifact ready", "path", artifact.Path, "size", artifact.Size, "sha256", artifact.SHA256)
	return result, nil
}

// locateArtifact resolves the glob and returns the newest non-empty regular
// file it matches.
func locateArtifact(sourceDir, pattern string) (domain.Artifact, error) {
	if pattern == "" {
		return domain.Artifact{}, fmt.Errorf("no artifact pattern configured")
	}
	full := pattern
	if !filepath.IsAbs(full) {
		full = filepath.Join(sourceDir, pattern)
	}
	matches, err := filepath.Glob(full)
	if err != nil {
		return domain.Artifact{}, fmt.Errorf("invalid artifact pattern %q: %w", pattern, err)
	}

	type candidate struct {
		path string
		info os.FileInfo
	}
	var found []candidate
	for _, m := range matches {
		info, err := os.Stat(m)
		if err != nil || !info.Mode().IsRegular() || info.Size() == 0 {
			continue
		}
		found = append(found, candidate{m, info})
	}
	if len(found) == 0 {
		return domain.Artifact{}, fmt.Errorf("no non-empty file matches %q", full)
	}
	sort.Slice(found, func(i, j int) bool {
		if !found[i].info.ModTime().Equal(found[j].info.ModTime()) {
			return found[i].info.ModTime().After(found[j].info.ModTime())
		}
		return found[i].path < found[j].path
	})

	best := found[0]
	sum, err := fileSHA256(best.path)
	if err != nil {
		return domain.Artifact{}, fmt.Errorf("hash artifact: %w", err)
	}
	return domain.Artifact{Path: best.path, Size: best.info.Size(), SHA256: sum}, nil
}

func fileSHA256(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// relativeTo returns path relative to base when it lies inside base.
func relativeTo(base, path string) (string, bool) {
	absBase, err := filepath.Abs(base)
	if err != nil {
		return "", false
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return "", false
	}
	rel, err := filepath.Rel(absBase, absPath)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", false
	}
	return filepath.ToSlash(rel), true
}
