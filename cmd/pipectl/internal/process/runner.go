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
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"
)

// DefaultTimeout bounds a command that does not set its own Timeout.
const DefaultTimeout = 2 * time.Minute

// waitDelay bounds how long Run waits for output pipes after the process
// group was killed.
const waitDelay = 500 * time.Millisecond

var (
	// ErrCommandTimeout is returned when a command exceeds its timeout.
	ErrCommandTimeout = errors.New("command timed out")

	// ErrCommandNotFound is returned when the executable cannot be resolved.
	ErrCommandNotFound = errors.New("command not found")
)

// -----------------------------------------------------------------------------
// Command and Result
// -----------------------------------------------------------------------------

// Command describes one external invocation.
type Command struct {
	// Name is the executable name or path.
	Name string

	// Args are passed verbatim, never through a shell.
	Args []string

	// Dir is the working directory. Empty means the current directory.
	Dir string

	// Env is appended to the parent environment as KEY=VALUE entries.
	Env []string

	// Stdin is written to the process's standard input when non-nil.
	Stdin []byte

	// Timeout bounds the command. Zero means DefaultTimeout.
	Timeout time.Duration
}

// String renders the command line for logs.
func (c Command) String() string {
	if len(c.Args) == 0 {
		return c.Name
	}
	return c.Name + " " + strings.Join(c.Args, " ")
}

// Result captures the outcome of a finished command.
type Result struct {
	Command  string
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
	TimedOut bool
}

// Success reports a zero exit status.
func (r *Result) Success() bool {
	return r != nil && r.ExitCode == 0 && !r.TimedOut
}

// Err converts a failed result into a *CommandError. Returns nil on success.
func (r *Result) Err() error {
	if r.Success() {
		return nil
	}
	if r == nil {
		return NewCommandError("", -1, "", errors.New("no result"))
	}
	var wrapped error
	if r.TimedOut {
		wrapped = ErrCommandTimeout
	}
	return NewCommandError(r.Command, r.ExitCode, r.Stderr, wrapped)
}

// Tail returns the last n lines of stdout followed by stderr.
func (r *Result) Tail(n int) string {
	if r == nil {
		return ""
	}
	combined := strings.TrimRight(r.Stdout, "\n")
	if errOut := strings.TrimRight(r.Stderr, "\n"); errOut != "" {
		if combined != "" {
			combined += "\n"
		}
		combined += errOut
	}
	return TailLines(combined, n)
}

// TailLines keeps the last n lines of s. n <= 0 returns s unchanged.
func TailLines(s string, n int) string {
	if n <= 0 || s == "" {
		return s
	}
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	if len(lines) <= n {
		return strings.Join(lines, "\n")
	}
	return strings.Join(lines[len(lines)-n:], "\n")
}

// -----------------------------------------------------------------------------
// Interface Definition
// -----------------------------------------------------------------------------

// Runner executes external commands.
type Runner interface {
	// Run executes cmd synchronously and captures its output.
	//
	// # Description
	//
	// Runs the command with its own timeout derived from ctx. A non-zero
	// exit status is reported in Result.ExitCode with a nil error.
	//
	// # Inputs
	//
	//   - ctx: Parent context. Cancellation kills the process.
	//   - cmd: Command to run.
	//
	// # Outputs
	//
	//   - *Result: Always non-nil, even when err is non-nil.
	//   - error: ErrCommandNotFound, ErrCommandTimeout, or a start failure.
	//
	// # Examples
	//
	//	res, err := runner.Run(ctx, process.Command{Name: "docker", Args: []string{"ps"}})
	//
	// # Limitations
	//
	//   - Output is buffered in memory.
	Run(ctx context.Context, cmd Command) (*Result, error)
}

// -----------------------------------------------------------------------------
// Implementation
// -----------------------------------------------------------------------------

// DefaultRunner implements Runner using os/exec.
type DefaultRunner struct {
	logger *slog.Logger
}

// NewDefaultRunner creates a DefaultRunner. A nil logger uses slog.Default().
func NewDefaultRunner(logger *slog.Logger) *DefaultRunner {
	if logger == nil {
		logger = slog.Default()
	}
	return &DefaultRunner{logger: logger}
}

// Run implements Runner.
func (r *DefaultRunner) Run(ctx context.Context, cmd Command) (*Result, error) {
	start := time.Now()
	result := &Result{Command: cmd.String(), ExitCode: -1}

	timeout := cmd.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	c := exec.CommandContext(execCtx, cmd.Name, cmd.Args...)
	c.Dir = cmd.Dir
	c.WaitDelay = waitDelay
	killProcessGroup(c)
	if len(cmd.Env) > 0 {
		c.Env = append(os.Environ(), cmd.Env...)
	}
	if cmd.Stdin != nil {
		c.Stdin = bytes.NewReader(cmd.Stdin)
	}

	var stdout, stderr bytes.Buffer
	c.Stdout = &stdout
	c.Stderr = &stderr

	r.logger.Debug("running command", "command", result.Command, "dir", cmd.Dir, "timeout", timeout)
	err := c.Run()

	result.Stdout = stdout.String()
	result.Stderr = stderr.String()
	result.Duration = time.Since(start)

	if err == nil {
		result.ExitCode = 0
		return result, nil
	}

	if errors.Is(execCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		result.TimedOut = true
		r.logger.Warn("command timed out", "command", result.Command, "timeout", timeout)
		return result, fmt.Errorf("%w after %v: %s", ErrCommandTimeout, timeout, result.Command)
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		result.ExitCode = exitErr.ExitCode()
		r.logger.Debug("command exited non-zero", "command", result.Command, "exit_code", result.ExitCode)
		return result, nil
	}

	if errors.Is(err, exec.ErrNotFound) {
		return result, fmt.Errorf("%w: %s", ErrCommandNotFound, cmd.Name)
	}
	if ctx.Err() != nil {
		return result, fmt.Errorf("command cancelled: %w", ctx.Err())
	}
	return result, fmt.Errorf("failed to run %s: %w", cmd.Name, err)
}

// -----------------------------------------------------------------------------
// Mock Implementation
// -----------------------------------------------------------------------------

// MockRunner is a Runner for tests.
//
// When RunFunc is nil every command succeeds with empty output.
type MockRunner struct {
	RunFunc func(ctx context.Context, cmd Command) (*Result, error)

	Calls []Command
	mu    sync.Mutex
}

// Run implements Runner.
func (m *MockRunner) Run(ctx context.Context, cmd Command) (*Result, error) {
	m.mu.Lock()
	m.Calls = append(m.Calls, cmd)
	fn := m.RunFunc
	m.mu.Unlock()

	if fn == nil {
		return &Result{Command: cmd.String()}, nil
	}
	res, err := fn(ctx, cmd)
	if res == nil {
		res = &Result{Command: cmd.String(), ExitCode: -1}
	}
	if res.Command == "" {
		res.Command = cmd.String()
	}
	return res, err
}

// GetCalls returns a copy of the recorded commands.
func (m *MockRunner) GetCalls() []Command {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Command, len(m.Calls))
	copy(out, m.Calls)
	return out
}

// CommandLines returns the recorded commands rendered with String.
func (m *MockRunner) CommandLines() []string {
	calls := m.GetCalls()
	out := make([]string, len(calls))
	for i, c := range calls {
		out[i] = c.String()
	}
	return out
}

var (
	_ Runner = (*DefaultRunner)(nil)
	_ Runner = (*MockRunner)(nil)
)
