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
	"io"
	"io/fs"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/pipectl/cmd/pipectl/config"
	"github.com/AleutianAI/pipectl/cmd/pipectl/internal/store"
	"github.com/AleutianAI/pipectl/pkg/logging"
	"github.com/AleutianAI/pipectl/pkg/ux"
)

const defaultConfigFile = "pipectl.yaml"

// Process exit codes. A finished run exits with its Overall's code.
const (
	ExitOK     = 0
	ExitFailed = 1
	ExitUsage  = 2
)

// ExitError carries a process exit code out of a command.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("exit %d", e.Code)
	}
	return e.Err.Error()
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

func usageError(err error) error {
	return &ExitError{Code: ExitUsage, Err: err}
}

// loadConfig reads --config. A missing default file yields the built-in
// defaults; a missing file named explicitly is an error.
func loadConfig(cmd *cobra.Command) (config.PipelineConfig, error) {
	cfg, err := config.Load(configFile)
	if err == nil {
		return cfg, nil
	}
	if errors.Is(err, fs.ErrNotExist) && !cmd.Flags().Changed("config") {
		return config.DefaultConfig(), nil
	}
	return config.PipelineConfig{}, usageError(err)
}

// applyLogFlags lets the persistent log flags override the file.
func applyLogFlags(cmd *cobra.Command, cfg *config.PipelineConfig) {
	flags := cmd.Flags()
	if flags.Changed("log-level") {
		cfg.Log.Level = logLevel
	}
	if flags.Changed("log-json") {
		cfg.Log.JSON = logJSON
	}
	if flags.Changed("log-dir") {
		cfg.Log.Dir = logDir
	}
}

// newLogger builds the process logger from cfg.Log.
func newLogger(cfg config.LogConfig, stderr io.Writer) (*logging.Logger, error) {
	level, err := logging.ParseLevel(cfg.Level)
	if err != nil {
		return nil, usageError(err)
	}
	return logging.New(logging.Config{
		Level:   level,
		LogDir:  cfg.Dir,
		Service: "pipectl",
		JSON:    cfg.JSON,
		Output:  stderr,
	}), nil
}

// resolveMode picks the output mode: the flag when given, styled on a
// terminal, plain otherwise.
func resolveMode(flag string, w io.Writer) (ux.Mode, error) {
	switch ux.Mode(strings.ToLower(flag)) {
	case ux.ModeStyled:
		return ux.ModeStyled, nil
	case ux.ModePlain:
		return ux.ModePlain, nil
	case ux.ModeMachine:
		return ux.ModeMachine, nil
	case "":
	default:
		return "", usageError(fmt.Errorf("unknown output mode %q", flag))
	}
	if f, ok := w.(*os.File); ok && (isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())) {
		return ux.ModeStyled, nil
	}
	return ux.ModePlain, nil
}

func openStore(cfg config.PipelineConfig) (*store.Store, error) {
	st, err := store.Open(store.DefaultConfig(cfg.StorePath()))
	if err != nil {
		return nil, fmt.Errorf("open run store: %w", err)
	}
	return st, nil
}

func parseRunID(arg string) (uint64, error) {
	var id uint64
	if _, err := fmt.Sscan(arg, &id); err != nil || id == 0 {
		return 0, usageError(fmt.Errorf("invalid run id %q", arg))
	}
	return id, nil
}
