// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package process

import (
	"errors"
	"fmt"
	"strings"
)

// CommandError is a failed external command with its exit code and stderr.
//
// # Examples
//
//	err := process.NewCommandError("docker rm -f web", 1, "no such container", nil)
//	fmt.Println(err) // docker rm -f web (exit 1): no such container
type CommandError struct {
	Command  string
	ExitCode int
	Stderr   string
	Wrapped  error
}

func (e *CommandError) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("%s (exit %d): %s", e.Command, e.ExitCode, e.Stderr)
	}
	if e.Wrapped != nil {
		return fmt.Sprintf("%s (exit %d): %v", e.Command, e.ExitCode, e.Wrapped)
	}
	return fmt.Sprintf("%s (exit %d)", e.Command, e.ExitCode)
}

func (e *CommandError) Unwrap() error {
	return e.Wrapped
}

// HasStderr reports whether stderr was captured.
func (e *CommandError) HasStderr() bool {
	return e.Stderr != ""
}

var _ error = (*CommandError)(nil)

// NewCommandError trims stderr and keeps only its last line block.
func NewCommandError(cmd string, exitCode int, stderr string, wrapped error) *CommandError {
	return &CommandError{
		Command:  cmd,
		ExitCode: exitCode,
		Stderr:   TailLines(strings.TrimSpace(stderr), 20),
		Wrapped:  wrapped,
	}
}

// ExtractStderr walks the chain and returns the first captured stderr.
func ExtractStderr(err error) string {
	var cmdErr *CommandError
	if errors.As(err, &cmdErr) && cmdErr.HasStderr() {
		return cmdErr.Stderr
	}
	return ""
}
