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
	"log/slog"
	"time"

	"github.com/AleutianAI/pipectl/cmd/pipectl/internal/domain"
	"github.com/AleutianAI/pipectl/cmd/pipectl/internal/health"
)

// DefaultTimeout bounds the approval wait.
const DefaultTimeout = 5 * time.Minute

// =============================================================================
// Collaborators
// =============================================================================

// Tagger adds a tag to a local image.
type Tagger interface {
	TagImage(ctx context.Context, source, target string) error
}

// Deployer starts an image on a port.
type Deployer interface {
	Deploy(ctx context.Context, image domain.ImageRef, port domain.PortMapping) (*domain.DeploymentTarget, error)
}

// HealthChecker waits for a deployment to become healthy.
type HealthChecker interface {
	AwaitHealthy(ctx context.Context, url string, policy domain.RetryPolicy) (*health.Outcome, error)
}

// =============================================================================
// Gate
// =============================================================================

// Config configures a Gate.
type Config struct {
	Eligibility Eligibility

	// Timeout bounds the approval wait. Default: 5m.
	Timeout time.Duration

	// Alias is the production tag added on approval. Default: "production".
	Alias string

	// Port is the production port mapping.
	Port domain.PortMapping

	// Retry is the production health policy.
	Retry domain.RetryPolicy
}

// Outcome is what Promote decided and did.
type Outcome struct {
	Status         domain.StageStatus       `json:"status"`
	Eligible       bool                     `json:"eligible"`
	Reason         string                   `json:"reason"`
	Approver       string                   `json:"approver,omitempty"`
	Approval       *Approval                `json:"approval,omitempty"`
	Image          domain.ImageRef          `json:"image,omitempty"`
	Target         *domain.DeploymentTarget `json:"target,omitempty"`
	HealthAttempts int                      `json:"health_attempts,omitempty"`
	Warnings       []string                 `json:"warnings,omitempty"`
}

// Gate promotes an eligible run to production after approval.
//
// # Description
//
// Not eligible, declined and timed out all resolve to StatusSkipped and
// never fail the run. A timeout additionally returns a non-fatal
// KindPromotionTimedOut error. Only an approved rollout that fails to
// tag, deploy or become healthy is a hard failure (KindPromotionFailed).
//
// The approval wait runs on a context detached from the run deadline and
// bounded by Config.Timeout.
type Gate struct {
	config   Config
	approver Approver
	tagger   Tagger
	deployer Deployer
	health   HealthChecker
	logger   *slog.Logger
}

// NewGate creates a Gate.
func NewGate(cfg Config, approver Approver, tagger Tagger, deployer Deployer, hc HealthChecker, logger *slog.Logger) *Gate {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Alias == "" {
		cfg.Alias = "production"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{
		config:   cfg,
		approver: approver,
		tagger:   tagger,
		deployer: deployer,
		health:   hc,
		logger:   logger.With("stage", domain.StagePromotion),
	}
}

// Promote runs the gate for run.
func (g *Gate) Promote(ctx context.Context, run *domain.PipelineRun) (*Outcome, error) {
	out := &Outcome{Status: domain.StatusSkipped}

	eligible, reason := g.config.Eligibility.Eligible(run.Ref)
	out.Eligible = eligible
	out.Reason = reason
	if !eligible {
		g.logger.Info("promotion skipped", "ref", run.Ref, "reason", reason)
		return out, nil
	}
	if g.approver == nil {
		out.Reason = "no approver configured"
		return out, nil
	}
	out.Approver = g.approver.Name()

	req := Request{RunID: run.ID, Ref: run.Ref, Image: run.Image.String(), Environment: run.Environment}
	waitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.config.Timeout)
	defer cancel()

	g.logger.Info("awaiting promotion approval", "run_id", run.ID, "approver", out.Approver, "timeout", g.config.Timeout)
	approval, err := g.approver.Await(waitCtx, req)
	if err != nil || approval.Decision == DecisionTimedOut {
		if err == nil || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			out.Approval = &Approval{Decision: DecisionTimedOut, At: time.Now()}
			out.Reason = fmt.Sprintf("no decision within %s", g.config.Timeout)
			g.logger.Warn("promotion approval timed out", "run_id", run.ID, "timeout", g.config.Timeout)
			return out, domain.NewStageError(domain.StagePromotion, domain.KindPromotionTimedOut, errors.New(out.Reason))
		}
		out.Reason = "approver failed"
		out.Warnings = append(out.Warnings, fmt.Sprintf("%s approver: %v", out.Approver, err))
		g.logger.Warn("approver failed, promotion skipped", "approver", out.Approver, "error", err)
		return out, nil
	}
	out.Approval = &approval

	if approval.Decision != DecisionApproved {
		out.Reason = "declined by " + approval.By
		if approval.Reason != "" {
			out.Reason += ": " + approval.Reason
		}
		g.logger.Info("promotion declined", "run_id", run.ID, "by", approval.By)
		return out, nil
	}

	g.logger.Info("promotion approved", "run_id", run.ID, "by", approval.By)
	if err := ctx.Err(); err != nil {
		return out, domain.NewStageError(domain.StagePromotion, domain.KindRunTimedOut, err)
	}
	return out, g.rollout(ctx, run, out)
}

// rollout tags the production alias, deploys it and waits for health.
func (g *Gate) rollout(ctx context.Context, run *domain.PipelineRun, out *Outcome) error {
	fail := func(err error) error {
		out.Status = domain.StatusFailed
		se := domain.NewStageError(domain.StagePromotion, domain.KindPromotionFailed, err)
		var inner *domain.StageError
		if errors.As(err, &inner) {
			se.Diagnostics = inner.Diagnostics
		}
		g.logger.Error("production rollout failed", "error", err)
		return se
	}

	prod := run.Image.Alias(g.config.Alias)
	out.Image = prod
	if err := g.tagger.TagImage(ctx, run.Image.String(), prod.String()); err != nil {
		return fail(fmt.Errorf("tag %s: %w", prod, err))
	}

	target, err := g.deployer.Deploy(ctx, prod, g.config.Port)
	out.Target = target
	if err != nil {
		return fail(err)
	}

	res, err := g.health.AwaitHealthy(ctx, target.HealthURL, g.config.Retry)
	if res != nil {
		out.HealthAttempts = res.Attempts
	}
	if err != nil {
		return fail(err)
	}

	out.Status = domain.StatusPassed
	out.Reason = "promoted by " + out.Approval.By
	g.logger.Info("promoted to production", "image", prod.String(), "url", target.BaseURL)
	return nil
}
