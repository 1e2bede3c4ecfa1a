// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package health

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/AleutianAI/pipectl/cmd/pipectl/internal/domain"
	"github.com/AleutianAI/pipectl/cmd/pipectl/internal/probe"
	"github.com/AleutianAI/pipectl/cmd/pipectl/internal/runtime"
)

// DefaultLogTail is the number of log lines captured per container.
const DefaultLogTail = 50

// TargetCollector snapshots a deployment target: container states, a log
// tail per container and the target's host ports.
type TargetCollector struct {
	Probe   probe.Probe
	Runtime runtime.Runtime
	Target  *domain.DeploymentTarget
	LogTail int
}

// NewTargetCollector creates a collector for target.
func NewTargetCollector(p probe.Probe, rt runtime.Runtime, target *domain.DeploymentTarget, logTail int) *TargetCollector {
	if logTail <= 0 {
		logTail = DefaultLogTail
	}
	return &TargetCollector{Probe: p, Runtime: rt, Target: target, LogTail: logTail}
}

// Collect implements Collector. Collection failures are recorded in
// CollectErrors; Collect never fails.
func (c *TargetCollector) Collect(ctx context.Context, attempt int) *domain.Diagnostics {
	d := &domain.Diagnostics{CollectedAt: time.Now(), Attempt: attempt}
	if c.Target == nil {
		return d
	}

	if c.Probe != nil {
		snap := c.Probe.Snapshot(ctx, c.Target.Containers, c.Target.HostPorts())
		d.Containers = snap.Containers
		d.Ports = snap.Ports
		d.CollectErrors = append(d.CollectErrors, snap.Errors...)
	}

	if c.Runtime != nil {
		var tails []string
		for _, name := range c.Target.Containers {
			logs, err := c.Runtime.Logs(ctx, name, c.LogTail)
			if err != nil {
				if !runtime.IsNotFound(err) {
					d.CollectErrors = append(d.CollectErrors, fmt.Sprintf("logs %s: %v", name, err))
				}
				continue
			}
			if len(c.Target.Containers) > 1 {
				logs = prefixLines(name, logs)
			}
			tails = append(tails, strings.TrimRight(logs, "\n"))
		}
		d.LogTail = strings.Join(tails, "\n")
	}
	return d
}

func prefixLines(prefix, s string) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	for i, l := range lines {
		lines[i] = prefix + " | " + l
	}
	return strings.Join(lines, "\n")
}

var _ Collector = (*TargetCollector)(nil)
