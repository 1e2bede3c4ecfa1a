// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package domain holds the value types shared by every pipeline stage.
//
// # Overview
//
// A PipelineRun is one execution of the deployment pipeline. Each stage
// appends exactly one StageResult to it; results are never edited after
// they are appended. DeployStage produces a DeploymentTarget that the
// health gate and verification consume and that the next run's cleanup
// tears down.
//
// # Errors
//
// Stage failures are reported as *StageError values that wrap one of the
// sentinel errors below, so callers can use errors.Is for the category and
// errors.As for the payload:
//
//	var se *domain.StageError
//	if errors.As(err, &se) && se.Kind == domain.KindHealthCheckExhausted {
//	    render(se.Diagnostics)
//	}
//
// # Thread Safety
//
// Value types are not synchronized. PipelineRun is owned by the
// orchestrator goroutine.
package domain
