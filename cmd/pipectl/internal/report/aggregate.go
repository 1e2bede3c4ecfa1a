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

import "github.com/AleutianAI/pipectl/cmd/pipectl/internal/domain"

// Aggregate derives the overall outcome from recorded stage results.
//
// Failed wins over everything: a hard failure, a timed-out run or a failed
// production rollout is Failed even when a later stage was unstable.
// Otherwise any unstable stage makes the run Unstable. Skipped stages,
// including a promotion that timed out or was declined, never downgrade.
func Aggregate(results []domain.StageResult) domain.Overall {
	unstable := false
	for _, r := range results {
		switch r.Status {
		case domain.StatusFailed:
			return domain.OverallFailed
		case domain.StatusUnstable:
			unstable = true
		}
	}
	if unstable {
		return domain.OverallUnstable
	}
	return domain.OverallSucceeded
}
