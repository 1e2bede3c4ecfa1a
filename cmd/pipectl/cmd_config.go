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
	"io/fs"
	"os"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/pipectl/cmd/pipectl/config"
	"github.com/AleutianAI/pipectl/pkg/ux"
)

// runConfigInit writes the defaults. An existing file is never overwritten.
func runConfigInit(cmd *cobra.Command, args []string) error {
	file := configFile
	if len(args) == 1 {
		file = args[0]
	}
	if _, err := os.Stat(file); err == nil {
		return usageError(fmt.Errorf("%s already exists", file))
	} else if !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	if err := config.WriteDefault(file); err != nil {
		return usageError(err)
	}
	mode, err := resolveMode(outputMode, cmd.OutOrStdout())
	if err != nil {
		return err
	}
	ux.NewPrinter(cmd.OutOrStdout(), mode).Status(ux.IconSuccess, "written", file)
	return nil
}

// runConfigValidate loads --config and reports the first problem.
func runConfigValidate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	mode, err := resolveMode(outputMode, cmd.OutOrStdout())
	if err != nil {
		return err
	}
	p := ux.NewPrinter(cmd.OutOrStdout(), mode)
	if err := cfg.Validate(); err != nil {
		p.Status(ux.IconError, "invalid", configFile)
		return usageError(err)
	}
	p.Status(ux.IconSuccess, "valid", fmt.Sprintf("%s (%s, port %d)", configFile, cfg.Environment, cfg.HostPort()))
	return nil
}
