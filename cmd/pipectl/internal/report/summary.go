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
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/AleutianAI/pipectl/cmd/pipectl/internal/domain"
)

// Summary is the structured record written for every run.
type Summary struct {
	RunID       uint64                   `json:"run_id"`
	Pipeline    string                   `json:"pipeline"`
	Environment string                   `json:"environment"`
	Ref         string                   `json:"ref"`
	Commit      string                   `json:"commit,omitempty"`
	Image       string                   `json:"image,omitempty"`
	Overall     domain.Overall           `json:"overall"`
	ExitCode    int                      `json:"exit_code"`
	StartedAt   time.Time                `json:"started_at"`
	FinishedAt  time.Time                `json:"finished_at"`
	Duration    time.Duration            `json:"duration"`
	Stages      []domain.StageResult     `json:"stages"`
	Target      *domain.DeploymentTarget `json:"target,omitempty"`
	Pruned      *PruneResult             `json:"pruned,omitempty"`
	Warnings    []string                 `json:"warnings,omitempty"`
	ReportPath  string                   `json:"-"`
	ReportURL   string                   `json:"report_url,omitempty"`
}

// NewSummary builds the summary of a finalized run.
func NewSummary(run *domain.PipelineRun, pruned *PruneResult) *Summary {
	s := &Summary{
		RunID:       run.ID,
		Pipeline:    run.Name,
		Environment: run.Environment,
		Ref:         run.Ref,
		Commit:      run.Commit,
		Overall:     run.Overall,
		ExitCode:    run.Overall.ExitCode(),
		StartedAt:   run.StartedAt,
		FinishedAt:  run.FinishedAt,
		Duration:    run.Duration(),
		Stages:      run.Stages,
		Target:      run.Target,
		Pruned:      pruned,
	}
	if run.Image.Repository != "" {
		s.Image = run.Image.String()
	}
	for _, st := range run.Stages {
		for _, w := range st.Warnings {
			s.Warnings = append(s.Warnings, st.Name+": "+w)
		}
	}
	if pruned != nil {
		for _, w := range pruned.Warnings {
			s.Warnings = append(s.Warnings, "prune: "+w)
		}
	}
	return s
}

// FileName is "run-<id>.json".
func FileName(runID uint64) string {
	return fmt.Sprintf("run-%d.json", runID)
}

// JSON encodes the summary with indentation.
func (s *Summary) JSON() ([]byte, error) {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode summary: %w", err)
	}
	return append(data, '\n'), nil
}

// WriteFile writes the JSON summary into dir and records its path.
func (s *Summary) WriteFile(dir string) (string, error) {
	data, err := s.JSON()
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create report dir: %w", err)
	}
	path := filepath.Join(dir, FileName(s.RunID))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write report: %w", err)
	}
	s.ReportPath = path
	return path, nil
}

// Subject is the one-line notification title.
func (s *Summary) Subject() string {
	return fmt.Sprintf("%s #%d %s on %s (%s)",
		s.Pipeline, s.RunID, strings.ToUpper(string(s.Overall)), s.Environment, s.Ref)
}

// Text renders the plain-text notification body.
func (s *Summary) Text() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s\n", s.Subject())
	if s.Image != "" {
		fmt.Fprintf(&b, "image: %s\n", s.Image)
	}
	if s.Commit != "" {
		fmt.Fprintf(&b, "commit: %s\n", s.Commit)
	}
	fmt.Fprintf(&b, "duration: %s\n\n", s.Duration.Round(time.Second))

	for _, st := range s.Stages {
		fmt.Fprintf(&b, "  %-11s %-9s %8s", st.Name, st.Status, st.Duration.Round(time.Millisecond))
		if st.Attempts > 0 {
			fmt.Fprintf(&b, "  attempts=%d", st.Attempts)
		}
		if st.Error != "" {
			fmt.Fprintf(&b, "  %s: %s", st.ErrorKind, st.Error)
		}
		b.WriteByte('\n')
	}

	for _, st := range s.Stages {
		if st.Diagnostics != nil {
			fmt.Fprintf(&b, "\nDiagnostics (%s):\n%s", st.Name, st.Diagnostics.String())
		}
	}

	if len(s.Warnings) > 0 {
		b.WriteString("\nWarnings:\n")
		for _, w := range s.Warnings {
			fmt.Fprintf(&b, "  - %s\n", w)
		}
	}
	if s.ReportURL != "" {
		fmt.Fprintf(&b, "\nreport: %s\n", s.ReportURL)
	}
	return b.String()
}
