// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package ux provides terminal output styling for the pipectl CLI.
package ux

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// Pipeline color palette
var (
	ColorTealBright  = lipgloss.Color("#2CD7C7") // highlights
	ColorTealPrimary = lipgloss.Color("#20B9B4") // titles
	ColorTealDeep    = lipgloss.Color("#16858E") // borders
	ColorSlate       = lipgloss.Color("#2C4A54") // muted text

	ColorSuccess = lipgloss.Color("#2CD7C7")
	ColorWarning = lipgloss.Color("#F4D03F")
	ColorError   = lipgloss.Color("#E74C3C")
)

// Styles provides pre-configured lipgloss styles
var Styles = struct {
	Title   lipgloss.Style
	Bold    lipgloss.Style
	Muted   lipgloss.Style
	Success lipgloss.Style
	Warning lipgloss.Style
	Error   lipgloss.Style

	Box        lipgloss.Style
	WarningBox lipgloss.Style
	ErrorBox   lipgloss.Style
}{
	Title:   lipgloss.NewStyle().Bold(true).Foreground(ColorTealBright),
	Bold:    lipgloss.NewStyle().Bold(true),
	Muted:   lipgloss.NewStyle().Foreground(ColorSlate),
	Success: lipgloss.NewStyle().Foreground(ColorSuccess),
	Warning: lipgloss.NewStyle().Foreground(ColorWarning),
	Error:   lipgloss.NewStyle().Foreground(ColorError),

	Box: lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(ColorTealDeep).
		Padding(0, 1),
	WarningBox: lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(ColorWarning).
		Padding(0, 1),
	ErrorBox: lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(ColorError).
		Padding(0, 1),
}

// Icon provides themed status icons
type Icon string

const (
	IconSuccess Icon = "✓"
	IconWarning Icon = "⚠"
	IconError   Icon = "✗"
	IconPending Icon = "○"
	IconSkipped Icon = "-"
)

// Render returns the icon with appropriate styling
func (i Icon) Render() string {
	switch i {
	case IconSuccess:
		return Styles.Success.Render(string(i))
	case IconWarning:
		return Styles.Warning.Render(string(i))
	case IconError:
		return Styles.Error.Render(string(i))
	case IconPending, IconSkipped:
		return Styles.Muted.Render(string(i))
	default:
		return string(i)
	}
}

// StatusIcon maps a stage or run status word to its icon.
func StatusIcon(status string) Icon {
	switch strings.ToLower(status) {
	case "passed", "succeeded":
		return IconSuccess
	case "unstable":
		return IconWarning
	case "failed":
		return IconError
	case "skipped":
		return IconSkipped
	default:
		return IconPending
	}
}

// =============================================================================
// Printer
// =============================================================================

// Mode selects how a Printer renders.
type Mode string

const (
	// ModeStyled renders colors, icons and boxes.
	ModeStyled Mode = "styled"

	// ModePlain renders icons without colors.
	ModePlain Mode = "plain"

	// ModeMachine renders tab separated lines for scripts.
	ModeMachine Mode = "machine"
)

// Printer writes styled lines to w.
type Printer struct {
	w    io.Writer
	mode Mode
}

// NewPrinter creates a Printer. An empty mode means ModeStyled.
func NewPrinter(w io.Writer, mode Mode) *Printer {
	if mode == "" {
		mode = ModeStyled
	}
	return &Printer{w: w, mode: mode}
}

// Mode returns the printer's mode.
func (p *Printer) Mode() Mode { return p.mode }

// Title prints a styled title
func (p *Printer) Title(text string) {
	switch p.mode {
	case ModeMachine:
		return
	case ModePlain:
		fmt.Fprintln(p.w, text)
	default:
		fmt.Fprintln(p.w, Styles.Title.Render(text))
	}
}

// Status prints one status line: icon, name, detail.
func (p *Printer) Status(icon Icon, name, detail string) {
	switch p.mode {
	case ModeMachine:
		fmt.Fprintf(p.w, "%s\t%s\t%s\n", icon, name, detail)
	case ModePlain:
		fmt.Fprintf(p.w, "%s %-11s %s\n", icon, name, detail)
	default:
		fmt.Fprintf(p.w, "%s %-11s %s\n", icon.Render(), Styles.Bold.Render(name), Styles.Muted.Render(detail))
	}
}

// Warning prints a warning message
func (p *Printer) Warning(text string) {
	switch p.mode {
	case ModeMachine:
		fmt.Fprintf(p.w, "WARN\t%s\n", text)
	case ModePlain:
		fmt.Fprintf(p.w, "%s %s\n", IconWarning, text)
	default:
		fmt.Fprintf(p.w, "%s %s\n", IconWarning.Render(), Styles.Warning.Render(text))
	}
}

// Box prints content in a rounded box whose border follows icon.
func (p *Printer) Box(icon Icon, title, content string) {
	if p.mode != ModeStyled {
		fmt.Fprintf(p.w, "%s: %s\n", title, content)
		return
	}
	style := Styles.Box
	titleStyle := Styles.Title
	switch icon {
	case IconWarning:
		style, titleStyle = Styles.WarningBox, Styles.Warning.Bold(true)
	case IconError:
		style, titleStyle = Styles.ErrorBox, Styles.Error.Bold(true)
	}
	fmt.Fprintln(p.w, style.Width(72).Render(titleStyle.Render(title)+"\n"+content))
}
