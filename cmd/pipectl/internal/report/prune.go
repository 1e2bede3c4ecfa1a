// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package report

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/AleutianAI/pipectl/cmd/pipectl/internal/runtime"
)

// DefaultKeepImages is the retention when none is configured.
const DefaultKeepImages = 5

// DefaultPruneTimeout bounds one pruning pass.
const DefaultPruneTimeout = 2 * time.Minute

// PruneResult lists what a pruning pass did.
type PruneResult struct {
	Kept     []string `json:"kept,omitempty"`
	Removed  []string `json:"removed,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

// Pruner keeps the most recent tagged images of one repository.
//
// # Description
//
// Images are ordered newest first by creation time. The first Keep
// non-protected tags survive; the rest are removed one by one. Protected
// tags (the floating aliases) are never counted or removed.
//
// # Limitations
//
//   - Prune never returns an error. Listing and removal failures become
//     warnings and the pass continues.
type Pruner struct {
	runtime    runtime.Runtime
	repository string
	keep       int
	protected  map[string]bool
	logger     *slog.Logger
}

// NewPruner creates a Pruner. keep < 1 means DefaultKeepImages.
func NewPruner(rt runtime.Runtime, repository string, keep int, protected []string, logger *slog.Logger) *Pruner {
	if keep < 1 {
		keep = DefaultKeepImages
	}
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pruner{
		runtime:    rt,
		repository: repository,
		keep:       keep,
		protected:  make(map[string]bool, len(protected)),
		logger:     logger.With("component", "image-pruner"),
	}
	for _, tag := range protected {
		p.protected[tag] = true
	}
	return p
}

// Prune removes every tagged image beyond the newest Keep.
func (p *Pruner) Prune(ctx context.Context) *PruneResult {
	res := &PruneResult{}
	if p.runtime == nil || p.repository == "" {
		return res
	}

	images, err := p.runtime.ListImages(ctx, p.repository)
	if err != nil {
		res.Warnings = append(res.Warnings, fmt.Sprintf("list images of %s: %v", p.repository, err))
		return res
	}
	runtime.SortImagesNewestFirst(images)

	kept := 0
	for _, img := range images {
		if p.protected[img.Tag] || img.Tag == "" || img.Tag == "<none>" {
			continue
		}
		if kept < p.keep {
			kept++
			res.Kept = append(res.Kept, img.Ref())
			continue
		}
		if err := p.runtime.RemoveImage(ctx, img.Ref()); err != nil {
			if runtime.IsNotFound(err) {
				continue
			}
			res.Warnings = append(res.Warnings, fmt.Sprintf("remove image %s: %v", img.Ref(), err))
			p.logger.Warn("image removal failed", "image", img.Ref(), "error", err)
			continue
		}
		res.Removed = append(res.Removed, img.Ref())
	}

	p.logger.Info("images pruned", "repository", p.repository, "kept", len(res.Kept), "removed", len(res.Removed))
	return res
}
