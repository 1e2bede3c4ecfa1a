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
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/pipectl/cmd/pipectl/internal/promotion"
	"github.com/AleutianAI/pipectl/pkg/ux"
)

const decisionTimeout = 15 * time.Second

// runDecision backs both approve and decline. The decision goes to the
// signal directory watched by the file approver, or with --webhook to the
// webhook approver's endpoint.
func runDecision(cmd *cobra.Command, args []string) error {
	decision := promotion.DecisionApproved
	if cmd.Name() == declineCmd.Name() {
		decision = promotion.DecisionDeclined
	}
	id, err := parseRunID(args[0])
	if err != nil {
		return err
	}
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	mode, err := resolveMode(outputMode, cmd.OutOrStdout())
	if err != nil {
		return err
	}

	by := decisionBy
	if by == "" {
		by = os.Getenv("USER")
	}

	p := ux.NewPrinter(cmd.OutOrStdout(), mode)
	if viaWebhook {
		ctx, cancel := context.WithTimeout(cmd.Context(), decisionTimeout)
		defer cancel()
		url := "http://" + cfg.Promotion.WebhookAddr
		body := promotion.DecisionRequest{By: by, Reason: decisionReason}
		if err := promotion.SendDecision(ctx, nil, url, cfg.Promotion.WebhookToken, id, decision, body); err != nil {
			return &ExitError{Code: ExitFailed, Err: fmt.Errorf("send decision: %w", err)}
		}
		p.Status(ux.IconSuccess, string(decision), fmt.Sprintf("run %d via %s", id, url))
		return nil
	}

	path, err := promotion.WriteSignal(cfg.Promotion.SignalDir, id, decision, by, decisionReason)
	if err != nil {
		return &ExitError{Code: ExitFailed, Err: err}
	}
	p.Status(ux.IconSuccess, string(decision), fmt.Sprintf("run %d (%s)", id, path))
	return nil
}
