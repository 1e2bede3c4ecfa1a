// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package promotion

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/user"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/mattn/go-isatty"
)

// ErrNotInteractive is returned by TerminalApprover when stdin is not a TTY.
var ErrNotInteractive = errors.New("stdin is not a terminal")

// TerminalApprover asks on the controlling terminal.
type TerminalApprover struct {
	// isTerminal is replaceable for tests.
	isTerminal func() bool
	confirm    func(ctx context.Context, title, description string) (bool, error)
}

// NewTerminalApprover creates a huh confirm prompt approver.
func NewTerminalApprover() *TerminalApprover {
	return &TerminalApprover{isTerminal: stdinIsTerminal, confirm: huhConfirm}
}

// Interactive reports whether stdin is a terminal.
func Interactive() bool {
	return stdinIsTerminal()
}

func stdinIsTerminal() bool {
	fd := os.Stdin.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

// Name implements Approver.
func (t *TerminalApprover) Name() string { return "terminal" }

// Await implements Approver. An aborted prompt is a decline.
func (t *TerminalApprover) Await(ctx context.Context, req Request) (Approval, error) {
	if !t.isTerminal() {
		return Approval{}, ErrNotInteractive
	}

	title := fmt.Sprintf("Promote run %d to production?", req.RunID)
	desc := fmt.Sprintf("ref %s, image %s", req.Ref, req.Image)
	if dl, ok := ctx.Deadline(); ok {
		desc += fmt.Sprintf("\nno answer by %s counts as timed out", dl.Format(time.Kitchen))
	}

	ok, err := t.confirm(ctx, title, desc)
	if ctxErr := ctx.Err(); ctxErr != nil {
		return Approval{}, ctxErr
	}
	by := "terminal"
	if u, uerr := user.Current(); uerr == nil {
		by = "terminal:" + u.Username
	}
	if errors.Is(err, huh.ErrUserAborted) {
		return Approval{Decision: DecisionDeclined, By: by, Reason: "prompt aborted", At: time.Now()}, nil
	}
	if err != nil {
		return Approval{}, fmt.Errorf("approval prompt: %w", err)
	}

	d := DecisionDeclined
	if ok {
		d = DecisionApproved
	}
	return Approval{Decision: d, By: by, At: time.Now()}, nil
}

func huhConfirm(ctx context.Context, title, description string) (bool, error) {
	var ok bool
	form := huh.NewForm(huh.NewGroup(
		huh.NewConfirm().
			Title(title).
			Description(description).
			Affirmative("Promote").
			Negative("Decline").
			Value(&ok),
	))
	err := form.RunWithContext(ctx)
	return ok, err
}

var _ Approver = (*TerminalApprover)(nil)
