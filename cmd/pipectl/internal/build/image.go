// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package build

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/AleutianAI/pipectl/cmd/pipectl/internal/domain"
	"github.com/AleutianAI/pipectl/cmd/pipectl/internal/runtime"
)

// ArtifactBuildArg receives the artifact path, relative to the build context.
const ArtifactBuildArg = "ARTIFACT"

// ImageConfig configures ImageStage.
type ImageConfig struct {
	// Repository is the image name without tag.
	Repository string

	// ContextDir is the build context. Dockerfile is relative to it.
	ContextDir string
	Dockerfile string

	// LatestAlias is the floating tag. Default: "latest".
	LatestAlias string

	// BuildArgs are passed to the build in addition to ARTIFACT.
	BuildArgs map[string]string

	// Timeout bounds the build. Zero uses the runtime default.
	Timeout time.Duration
}

// ImageResult is what ImageStage produced.
type ImageResult struct {
	Image  domain.ImageRef
	Latest domain.ImageRef
	Output string
}

// ImageStage builds the service image and tags it.
type ImageStage struct {
	config  ImageConfig
	runtime runtime.Runtime
	logger  *slog.Logger
}

// DefaultLatestAlias is the floating tag applied to every build.
const DefaultLatestAlias = "latest"

// NewImageStage creates an ImageStage.
func NewImageStage(cfg ImageConfig, rt runtime.Runtime, logger *slog.Logger) *ImageStage {
	if cfg.LatestAlias == "" {
		cfg.LatestAlias = DefaultLatestAlias
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ImageStage{config: cfg, runtime: rt, logger: logger.With("stage", domain.StageImage)}
}

// Run builds repository:tag from the build context, adds the floating alias
// and checks that the unique tag resolves locally. Every failure is
// KindImageBuildFailed.
func (s *ImageStage) Run(ctx context.Context, artifact domain.Artifact, tag string) (*ImageResult, error) {
	image := domain.ImageRef{Repository: s.config.Repository, Tag: tag}
	latest := image.Alias(s.config.LatestAlias)
	result := &ImageResult{Image: image, Latest: latest}

	fail := func(err error) (*ImageResult, error) {
		return result, domain.NewStageError(domain.StageImage, domain.KindImageBuildFailed, err)
	}

	if tag == "" {
		return fail(fmt.Errorf("empty image tag"))
	}

	args := make(map[string]string, len(s.config.BuildArgs)+1)
	for k, v := range s.config.BuildArgs {
		args[k] = v
	}
	if artifact.Path != "" {
		rel, ok := relativeTo(s.config.ContextDir, artifact.Path)
		if !ok {
			return fail(fmt.Errorf("artifact %s is outside build context %s", artifact.Path, s.config.ContextDir))
		}
		args[ArtifactBuildArg] = rel
	}

	s.logger.Info("building image", "image", image.String(), "context", s.config.ContextDir)
	out, err := s.runtime.BuildImage(ctx, runtime.BuildRequest{
		ContextDir: s.config.ContextDir,
		Dockerfile: s.config.Dockerfile,
		Tags:       []string{image.String()},
		BuildArgs:  args,
		Timeout:    s.config.Timeout,
	})
	result.Output = out
	if err != nil {
		return fail(err)
	}

	if err := s.runtime.TagImage(ctx, image.String(), latest.String()); err != nil {
		return fail(fmt.Errorf("tag %s: %w", latest, err))
	}

	exists, err := s.runtime.ImageExists(ctx, image.String())
	if err != nil {
		return fail(fmt.Errorf("verify %s: %w", image, err))
	}
	if !exists {
		return fail(fmt.Errorf("image %s does not resolve after build", image))
	}

	s.logger.Info("image ready", "image", image.String(), "alias", latest.String())
	return result, nil
}
