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
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
)

// --- Global Command Variables ---
var (
	configFile string
	outputMode string
	logLevel   string
	logJSON    bool
	logDir     string

	// run-pipeline
	runEnv         string
	runPort        int
	runID          uint64
	runRef         string
	skipMonitoring bool
	promote        bool
	autoApprove    bool
	autoDecline    bool

	// approve / decline
	decisionBy     string
	decisionReason string
	viaWebhook     bool

	historyLimit int

	rootCmd = &cobra.Command{
		Use:   "pipectl",
		Short: "Build, deploy, verify and promote a containerized service",
		Long: `pipectl runs the deployment pipeline for one service: clean up the
previous deployment, build and package from source, build the image, deploy
it, wait for it to become healthy, verify it, check monitoring and optionally
promote it to production.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	runPipelineCmd = &cobra.Command{
		Use:   "run-pipeline",
		Short: "Run every pipeline stage and write the run report",
		Args:  cobra.NoArgs,
		RunE:  runPipeline, // Defined in cmd_run.go
	}

	cleanupCmd = &cobra.Command{
		Use:   "cleanup",
		Short: "Tear down the last deployment of an environment",
		Args:  cobra.NoArgs,
		RunE:  runCleanup, // Defined in cmd_run.go
	}

	approveCmd = &cobra.Command{
		Use:   "approve [run-id]",
		Short: "Approve a run waiting for promotion",
		Args:  cobra.ExactArgs(1),
		RunE:  runDecision, // Defined in cmd_approval.go
	}

	declineCmd = &cobra.Command{
		Use:   "decline [run-id]",
		Short: "Decline a run waiting for promotion",
		Args:  cobra.ExactArgs(1),
		// RunE is set in init: runDecision refers to declineCmd.
	}

	historyCmd = &cobra.Command{
		Use:   "history",
		Short: "List recent runs, newest first",
		Args:  cobra.NoArgs,
		RunE:  runHistory, // Defined in cmd_history.go
	}

	showCmd = &cobra.Command{
		Use:   "show [run-id]",
		Short: "Show the report of one run",
		Args:  cobra.ExactArgs(1),
		RunE:  runShow, // Defined in cmd_history.go
	}

	configCmd = &cobra.Command{
		Use:   "config",
		Short: "Inspect and create pipeline configuration",
	}

	configInitCmd = &cobra.Command{
		Use:   "init [file]",
		Short: "Write the default configuration to a file",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runConfigInit, // Defined in cmd_config.go
	}

	configValidateCmd = &cobra.Command{
		Use:   "validate",
		Short: "Load and validate the configuration",
		Args:  cobra.NoArgs,
		RunE:  runConfigValidate, // Defined in cmd_config.go
	}
)

func init() {
	gin.SetMode(gin.ReleaseMode)

	declineCmd.RunE = runDecision // Defined in cmd_approval.go

	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&configFile, "config", "c", defaultConfigFile, "pipeline configuration file (.yaml, .yml or .toml)")
	pf.StringVarP(&outputMode, "output", "o", "", "output mode: styled, plain or machine (default: styled on a terminal)")
	pf.StringVar(&logLevel, "log-level", "", "log level: debug, info, warn or error")
	pf.BoolVar(&logJSON, "log-json", false, "write JSON logs to stderr")
	pf.StringVar(&logDir, "log-dir", "", "also write daily JSON log files to this directory")

	rf := runPipelineCmd.Flags()
	rf.StringVarP(&runEnv, "env", "e", "", "target environment: staging or production")
	rf.IntVarP(&runPort, "port", "p", 0, "host port for the deployment")
	rf.Uint64Var(&runID, "run-id", 0, "run identifier (default: next in sequence)")
	rf.StringVar(&runRef, "ref", "", "source ref for the run (default: detected from git)")
	rf.BoolVar(&skipMonitoring, "skip-monitoring", false, "skip the monitoring stage")
	rf.BoolVar(&promote, "promote", false, "enable the promotion stage")
	rf.BoolVar(&autoApprove, "auto-approve", false, "approve promotion without asking")
	rf.BoolVar(&autoDecline, "auto-decline", false, "decline promotion without asking")
	runPipelineCmd.MarkFlagsMutuallyExclusive("auto-approve", "auto-decline")

	cleanupCmd.Flags().StringVarP(&runEnv, "env", "e", "", "environment to clean up")

	for _, c := range []*cobra.Command{approveCmd, declineCmd} {
		c.Flags().StringVar(&decisionBy, "by", "", "who decided (default: $USER)")
		c.Flags().StringVar(&decisionReason, "reason", "", "reason recorded with the decision")
		c.Flags().BoolVar(&viaWebhook, "webhook", false, "send the decision to the webhook approver instead of the signal directory")
	}

	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "maximum number of runs to list (0 for all)")

	configCmd.AddCommand(configInitCmd, configValidateCmd)
	rootCmd.AddCommand(runPipelineCmd, cleanupCmd, approveCmd, declineCmd, historyCmd, showCmd, configCmd)
}
