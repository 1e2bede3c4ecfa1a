// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package health

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/AleutianAI/pipectl/cmd/pipectl/internal/domain"
)

// DefaultRequestTimeout bounds a single health probe.
const DefaultRequestTimeout = 5 * time.Second

// =============================================================================
// Types
// =============================================================================

// State is a HealthGate state.
type State string

const (
	StateProbing   State = "probing"
	StateHealthy   State = "healthy"
	StateExhausted State = "exhausted"
)

// HTTPClient abstracts HTTP operations for health probing.
//
// # Examples
//
//	type stubClient struct{ DoFunc func(*http.Request) (*http.Response, error) }
//	func (s *stubClient) Do(r *http.Request) (*http.Response, error) { return s.DoFunc(r) }
//
// # Assumptions
//
//   - Caller closes the response body.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Collector gathers a diagnostic snapshot of the deployment.
type Collector interface {
	Collect(ctx context.Context, attempt int) *domain.Diagnostics
}

// CollectorFunc adapts a function to Collector.
type CollectorFunc func(ctx context.Context, attempt int) *domain.Diagnostics

// Collect implements Collector.
func (f CollectorFunc) Collect(ctx context.Context, attempt int) *domain.Diagnostics {
	return f(ctx, attempt)
}

// SleepFunc waits for d or until ctx ends.
type SleepFunc func(ctx context.Context, d time.Duration) error

// ProbeResult is the outcome of one attempt.
type ProbeResult struct {
	Attempt    int
	StatusCode int
	Err        error
	Duration   time.Duration
}

// Healthy reports a 2xx response.
func (r ProbeResult) Healthy() bool {
	return r.Err == nil && r.StatusCode >= 200 && r.StatusCode < 300
}

// Outcome is what AwaitHealthy observed.
type Outcome struct {
	State    State
	URL      string
	Attempts int
	Waits    int
	Last     ProbeResult
	Interim  []*domain.Diagnostics
	Final    *domain.Diagnostics
	Duration time.Duration
}

// ExhaustedError is returned when every attempt failed.
type ExhaustedError struct {
	URL         string
	Attempts    int
	Last        ProbeResult
	Diagnostics *domain.Diagnostics
}

func (e *ExhaustedError) Error() string {
	reason := fmt.Sprintf("status %d", e.Last.StatusCode)
	if e.Last.Err != nil {
		reason = e.Last.Err.Error()
	}
	return fmt.Sprintf("%s not healthy after %d attempts: %s", e.URL, e.Attempts, reason)
}

// Unwrap returns the last probe error.
func (e *ExhaustedError) Unwrap() error {
	return e.Last.Err
}

// =============================================================================
// Gate
// =============================================================================

// Config configures a Gate.
type Config struct {
	// RequestTimeout bounds each probe. Default: 5s.
	RequestTimeout time.Duration
}

// Gate polls a health endpoint until it is healthy or attempts run out.
//
// # Description
//
// States: Probing -> Healthy | Exhausted. Attempts are strictly sequential.
// policy.Delay is slept between attempts only, so N attempts perform N-1
// waits. Every ProbeCadence-th failed attempt (except the last) collects
// diagnostics early; exhaustion always collects a final snapshot.
//
// ctx bounds the loop at attempt boundaries. In-flight probes run on a
// context detached from ctx and are bounded only by RequestTimeout.
//
// # Thread Safety
//
// Safe for concurrent use; each call keeps its own state.
type Gate struct {
	config    Config
	client    HTTPClient
	collector Collector
	logger    *slog.Logger
	sleep     SleepFunc
}

// NewGate creates a Gate. collector may be nil.
func NewGate(cfg Config, client HTTPClient, collector Collector, logger *slog.Logger) *Gate {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	if client == nil {
		client = &http.Client{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{
		config:    cfg,
		client:    client,
		collector: collector,
		logger:    logger.With("stage", domain.StageHealth),
		sleep:     sleepContext,
	}
}

// WithSleep replaces the inter-attempt sleep. Used by tests.
func (g *Gate) WithSleep(fn SleepFunc) *Gate {
	g.sleep = fn
	return g
}

// AwaitHealthy probes url until a 2xx response or policy.MaxAttempts failures.
//
// # Outputs
//
//   - *Outcome: Always non-nil once the policy is valid.
//   - error: nil when healthy; a *domain.StageError of kind
//     KindHealthCheckExhausted wrapping *ExhaustedError; KindRunTimedOut
//     when ctx ended at an attempt boundary; or a policy validation error.
func (g *Gate) AwaitHealthy(ctx context.Context, url string, policy domain.RetryPolicy) (*Outcome, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}

	start := time.Now()
	out := &Outcome{State: StateProbing, URL: url}
	defer func() { out.Duration = time.Since(start) }()

	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return out, domain.NewStageError(domain.StageHealth, domain.KindRunTimedOut,
				fmt.Errorf("stopped before attempt %d: %w", attempt, err))
		}

		res := g.probe(ctx, url, attempt)
		out.Attempts = attempt
		out.Last = res

		if res.Healthy() {
			out.State = StateHealthy
			g.logger.Info("service healthy", "url", url, "attempt", attempt, "status", res.StatusCode)
			return out, nil
		}

		g.logger.Warn("health probe failed",
			"url", url,
			"attempt", attempt,
			"max_attempts", policy.MaxAttempts,
			"status", res.StatusCode,
			"error", res.Err)

		if attempt == policy.MaxAttempts {
			break
		}

		if policy.ProbeCadence > 0 && attempt%policy.ProbeCadence == 0 {
			if d := g.collect(ctx, attempt, res); d != nil {
				out.Interim = append(out.Interim, d)
				g.logger.Warn("interim diagnostics", "attempt", attempt, "snapshot", d.String())
			}
		}

		out.Waits++
		if policy.Delay > 0 {
			// an interrupted sleep is caught by the boundary check above
			_ = g.sleep(ctx, policy.Delay)
		}
	}

	out.State = StateExhausted
	out.Final = g.collect(ctx, out.Attempts, out.Last)

	exhausted := &ExhaustedError{URL: url, Attempts: out.Attempts, Last: out.Last, Diagnostics: out.Final}
	stageErr := domain.NewStageError(domain.StageHealth, domain.KindHealthCheckExhausted, exhausted)
	stageErr.Diagnostics = out.Final
	g.logger.Error("health check exhausted", "url", url, "attempts", out.Attempts)
	return out, stageErr
}

// probe issues one GET bounded by RequestTimeout.
func (g *Gate) probe(ctx context.Context, url string, attempt int) ProbeResult {
	start := time.Now()
	res := ProbeResult{Attempt: attempt}

	reqCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.config.RequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		res.Err = fmt.Errorf("build request: %w", err)
		return res
	}

	resp, err := g.client.Do(req)
	res.Duration = time.Since(start)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("probe timed out after %v: %w", g.config.RequestTimeout, err)
		}
		res.Err = err
		return res
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	res.StatusCode = resp.StatusCode
	return res
}

func (g *Gate) collect(ctx context.Context, attempt int, last ProbeResult) *domain.Diagnostics {
	if g.collector == nil {
		return &domain.Diagnostics{
			CollectedAt:    time.Now(),
			Attempt:        attempt,
			LastStatusCode: last.StatusCode,
			LastError:      errString(last.Err),
		}
	}
	d := g.collector.Collect(context.WithoutCancel(ctx), attempt)
	if d == nil {
		return nil
	}
	d.Attempt = attempt
	d.LastStatusCode = last.StatusCode
	d.LastError = errString(last.Err)
	return d
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
