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
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/pipectl/cmd/pipectl/config"
	"github.com/AleutianAI/pipectl/cmd/pipectl/internal/pipeline"
	"github.com/AleutianAI/pipectl/cmd/pipectl/internal/probe"
	"github.com/AleutianAI/pipectl/cmd/pipectl/internal/process"
	"github.com/AleutianAI/pipectl/cmd/pipectl/internal/promotion"
	"github.com/AleutianAI/pipectl/cmd/pipectl/internal/report"
	"github.com/AleutianAI/pipectl/cmd/pipectl/internal/store"
	"github.com/AleutianAI/pipectl/cmd/pipectl/internal/vcs"
	"github.com/AleutianAI/pipectl/pkg/ux"
)

// unknownRef is recorded when the source directory is not a git checkout
// and --ref was not given. It matches no eligibility pattern.
const unknownRef = "unknown"

// closeTimeout bounds flushing traces and closing clients after a run.
const closeTimeout = 10 * time.Second

// applyRunFlags lets run-pipeline flags override the file.
func applyRunFlags(cmd *cobra.Command, cfg *config.PipelineConfig) {
	flags := cmd.Flags()
	if flags.Changed("env") {
		cfg.Environment = runEnv
	}
	if flags.Changed("port") {
		cfg.Deploy.Port = runPort
	}
	if skipMonitoring {
		cfg.Monitoring.Enabled = false
	}
	if promote {
		cfg.Promotion.Enabled = true
	}
}

// autoDecision maps --auto-approve and --auto-decline.
func autoDecision() promotion.Decision {
	switch {
	case autoApprove:
		return promotion.DecisionApproved
	case autoDecline:
		return promotion.DecisionDeclined
	default:
		return ""
	}
}

// resolveRunParams picks the run ID and the source ref.
func resolveRunParams(ctx context.Context, cmd *cobra.Command, cfg config.PipelineConfig, st *store.Store, logger *slog.Logger) (pipeline.RunParams, error) {
	params := pipeline.RunParams{AutoDecision: autoDecision()}

	if cmd.Flags().Changed("run-id") {
		if runID == 0 {
			return params, usageError(errors.New("--run-id must be positive"))
		}
		params.RunID = runID
	} else {
		id, err := st.NextRunID(ctx)
		if err != nil {
			return params, err
		}
		params.RunID = id
	}

	info, err := vcs.Detect(cfg.SourceDir)
	switch {
	case err == nil:
		params.Ref = info.Ref()
		params.Commit = info.Commit
	case errors.Is(err, vcs.ErrNotRepository):
		logger.Warn("source directory is not a git repository", "dir", cfg.SourceDir)
	default:
		logger.Warn("could not read git state", "dir", cfg.SourceDir, "error", err)
	}
	if runRef != "" {
		params.Ref = runRef
	}
	if params.Ref == "" {
		params.Ref = unknownRef
	}
	return params, nil
}

// runPipeline is the run-pipeline command.
//
// # Description
//
// Loads and validates the configuration, wires the pipeline and runs it.
// The report is rendered to stdout and the process exits with the run's
// exit code: 0 for succeeded or unstable, 1 for failed. Configuration
// problems exit 2 before any stage runs.
func runPipeline(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	applyLogFlags(cmd, &cfg)
	applyRunFlags(cmd, &cfg)
	if err := cfg.Validate(); err != nil {
		return usageError(err)
	}
	mode, err := resolveMode(outputMode, cmd.OutOrStdout())
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg.Log, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer logger.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	params, err := resolveRunParams(ctx, cmd, cfg, st, logger.Slog())
	if err != nil {
		return err
	}

	asm, err := pipeline.Assemble(ctx, cfg, params, st, logger.Slog())
	if err != nil {
		return fmt.Errorf("assemble pipeline: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), closeTimeout)
		defer cancel()
		if err := asm.Close(closeCtx); err != nil {
			logger.Warn("shutdown incomplete", "error", err)
		}
	}()

	run, err := asm.Orchestrator.Run(ctx)
	if err != nil {
		if errors.Is(err, store.ErrDuplicateRun) {
			return usageError(err)
		}
		return err
	}

	report.Render(cmd.OutOrStdout(), asm.Orchestrator.Summary(), mode)
	if code := run.Overall.ExitCode(); code != ExitOK {
		return &ExitError{Code: code}
	}
	return nil
}

// runCleanup is the cleanup command. It tears down the environment's last
// recorded deployment and whatever else matches the service, then reports.
// Cleanup is best effort: warnings never change the exit code.
func runCleanup(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	applyLogFlags(cmd, &cfg)
	if cmd.Flags().Changed("env") {
		cfg.Environment = runEnv
	}
	if err := cfg.Validate(); err != nil {
		return usageError(err)
	}
	mode, err := resolveMode(outputMode, cmd.OutOrStdout())
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg.Log, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer logger.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	previous, err := st.LastTarget(ctx, cfg.Environment)
	if err != nil {
		logger.Warn("could not load the last deployment target", "error", err)
	}

	runner := process.NewDefaultRunner(logger.Slog())
	rt, closeRuntime, err := pipeline.NewRuntime(cfg, runner, logger.Slog())
	if err != nil {
		return err
	}
	defer closeRuntime(context.WithoutCancel(ctx))

	mgr := pipeline.NewCleanupManager(cfg, rt, probe.NewHostProbe(rt, runner, logger.Slog()), logger.Slog())
	rep := mgr.Cleanup(ctx, previous)

	p := ux.NewPrinter(cmd.OutOrStdout(), mode)
	p.Title(fmt.Sprintf("cleanup %s (%s)", cfg.Name, cfg.Environment))
	for _, name := range rep.Stopped {
		p.Status(ux.IconSuccess, "stopped", name)
	}
	for _, name := range rep.Removed {
		p.Status(ux.IconSuccess, "removed", name)
	}
	for _, name := range rep.NetworksRemoved {
		p.Status(ux.IconSuccess, "network", name)
	}
	for _, port := range rep.PortsStillBusy {
		p.Warning(fmt.Sprintf("port %d still busy", port))
	}
	for _, w := range rep.Warnings {
		p.Warning(w)
	}
	icon := ux.IconSuccess
	if !rep.Clean() {
		icon = ux.IconWarning
	}
	p.Box(icon, "CLEANUP", rep.Summary())
	return nil
}
