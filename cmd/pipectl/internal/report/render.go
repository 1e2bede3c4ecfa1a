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
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/AleutianAI/pipectl/pkg/ux"
)

// Render writes the terminal summary of a run.
func Render(w io.Writer, s *Summary, mode ux.Mode) {
	p := ux.NewPrinter(w, mode)

	p.Title(fmt.Sprintf("%s run #%d", s.Pipeline, s.RunID))
	for _, st := range s.Stages {
		detail := fmt.Sprintf("%-9s %s", st.Status, st.Duration.Round(time.Millisecond))
		if st.Attempts > 0 {
			detail += fmt.Sprintf(" (%d attempts)", st.Attempts)
		}
		if st.Error != "" {
			detail += " " + string(st.ErrorKind)
		}
		p.Status(ux.StatusIcon(string(st.Status)), st.Name, detail)
	}
	for _, warning := range s.Warnings {
		p.Warning(warning)
	}

	var body strings.Builder
	fmt.Fprintf(&body, "environment %s, ref %s, %s", s.Environment, s.Ref, s.Duration.Round(time.Second))
	if s.Image != "" {
		fmt.Fprintf(&body, "\nimage %s", s.Image)
	}
	if s.ReportPath != "" {
		fmt.Fprintf(&body, "\nreport %s", s.ReportPath)
	}
	p.Box(ux.StatusIcon(string(s.Overall)), strings.ToUpper(string(s.Overall)), body.String())
}
