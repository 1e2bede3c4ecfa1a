// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/pipectl/cmd/pipectl/internal/report"
	"github.com/AleutianAI/pipectl/cmd/pipectl/internal/store"
	"github.com/AleutianAI/pipectl/pkg/ux"
)

// runHistory lists recorded runs newest first.
func runHistory(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	mode, err := resolveMode(outputMode, cmd.OutOrStdout())
	if err != nil {
		return err
	}
	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	runs, err := st.ListRuns(cmd.Context(), historyLimit)
	if err != nil {
		return err
	}

	p := ux.NewPrinter(cmd.OutOrStdout(), mode)
	p.Title(fmt.Sprintf("%s runs", cfg.Name))
	if len(runs) == 0 {
		p.Status(ux.IconPending, "none", "no runs recorded in "+cfg.StorePath())
		return nil
	}
	for _, run := range runs {
		detail := fmt.Sprintf("%-10s %-10s %-12s %s", run.Overall, run.Environment, run.Ref, run.StartedAt.Format(time.RFC3339))
		if !run.FinishedAt.IsZero() {
			detail += " " + run.Duration().Round(time.Second).String()
		}
		p.Status(ux.StatusIcon(string(run.Overall)), fmt.Sprintf("#%d", run.ID), detail)
	}
	return nil
}

// runShow renders the stored report of one run.
func runShow(cmd *cobra.Command, args []string) error {
	id, err := parseRunID(args[0])
	if err != nil {
		return err
	}
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	mode, err := resolveMode(outputMode, cmd.OutOrStdout())
	if err != nil {
		return err
	}
	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	run, err := st.GetRun(cmd.Context(), id)
	if errors.Is(err, store.ErrRunNotFound) {
		return &ExitError{Code: ExitFailed, Err: err}
	}
	if err != nil {
		return err
	}
	report.Render(cmd.OutOrStdout(), report.NewSummary(run, nil), mode)
	return nil
}
