// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package verify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/pipectl/cmd/pipectl/internal/domain"
)

// Check names, in execution order.
const (
	CheckHealth    = "health-reconfirm"
	CheckList      = "list-tasks"
	CheckCreate    = "create-task"
	CheckListAgain = "list-tasks-again"
	CheckFramework = "actuator-health"
)

// SmokeTitlePrefix starts the title of the task created by Verify.
const SmokeTitlePrefix = "pipeline-smoke"

// maxBody bounds how much of a response body is read.
const maxBody = 1 << 20

// HTTPClient abstracts HTTP operations for verification.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Config configures a Stage. Paths are joined to the target's base URL.
type Config struct {
	TasksPath     string
	CompletedPath string
	ActuatorPath  string

	// ReadRequests and SecondaryRequests size the load batch.
	ReadRequests      int
	SecondaryRequests int

	// RatePerSecond paces the load batch. 0 means unpaced.
	RatePerSecond float64

	// RequestTimeout bounds every request. Default: 10s.
	RequestTimeout time.Duration

	// SkipLoad disables the load batch.
	SkipLoad bool
}

// DefaultConfig returns the task manager's endpoints and batch sizes.
func DefaultConfig() Config {
	return Config{
		TasksPath:         "/api/tasks",
		CompletedPath:     "/api/tasks/completed",
		ActuatorPath:      "/actuator/health",
		ReadRequests:      10,
		SecondaryRequests: 5,
		RequestTimeout:    10 * time.Second,
	}
}

// CheckResult records one request-level check.
type CheckResult struct {
	Name       string        `json:"name"`
	Passed     bool          `json:"passed"`
	StatusCode int           `json:"status_code,omitempty"`
	Duration   time.Duration `json:"duration"`
	Error      string        `json:"error,omitempty"`
}

// Report is the outcome of Verify.
type Report struct {
	Checks   []CheckResult `json:"checks"`
	Load     []LoadResult  `json:"load,omitempty"`
	Duration time.Duration `json:"duration"`
}

// Failures lists a line per failed check or load path.
func (r *Report) Failures() []string {
	var out []string
	for _, c := range r.Checks {
		if !c.Passed {
			out = append(out, fmt.Sprintf("%s: %s", c.Name, c.Error))
		}
	}
	for _, l := range r.Load {
		if l.Failures > 0 {
			out = append(out, fmt.Sprintf("load %s: %d/%d requests failed", l.Path, l.Failures, l.Requests))
		}
	}
	return out
}

// Status is passed when every check passed, unstable otherwise.
func (r *Report) Status() domain.StageStatus {
	if len(r.Failures()) > 0 {
		return domain.StatusUnstable
	}
	return domain.StatusPassed
}

// Err returns a KindVerificationUnstable StageError, or nil.
func (r *Report) Err() error {
	failures := r.Failures()
	if len(failures) == 0 {
		return nil
	}
	return domain.NewStageError(domain.StageVerify, domain.KindVerificationUnstable,
		fmt.Errorf("%d check(s) failed: %s", len(failures), strings.Join(failures, "; ")))
}

// Output renders one line per check.
func (r *Report) Output() string {
	var b strings.Builder
	for _, c := range r.Checks {
		mark := "ok"
		if !c.Passed {
			mark = "FAIL " + c.Error
		}
		fmt.Fprintf(&b, "%-18s %s (%s)\n", c.Name, mark, c.Duration.Round(time.Millisecond))
	}
	for _, l := range r.Load {
		fmt.Fprintf(&b, "load %-13s %d/%d ok, max %s\n", l.Path, l.Requests-l.Failures, l.Requests, l.MaxLatency.Round(time.Millisecond))
	}
	return b.String()
}

// Task is the service's resource shape.
type Task struct {
	ID          int64  `json:"id,omitempty"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Completed   bool   `json:"completed"`
}

// =============================================================================
// Stage
// =============================================================================

// Stage runs functional and load checks against a healthy deployment.
//
// # Description
//
// Functional checks run in a fixed order: health re-confirmation, list,
// create a uniquely titled task, list again expecting it, framework health.
// The load batch then fires ReadRequests GETs on the tasks path and
// SecondaryRequests on the completed path concurrently and waits for all.
//
// Any failure makes the report unstable. Verify never returns an error of
// its own; use Report.Err.
//
// # Limitations
//
//   - The smoke task is left in the service.
type Stage struct {
	config Config
	client HTTPClient
	logger *slog.Logger
}

// NewStage creates a Stage. Zero fields fall back to DefaultConfig.
func NewStage(cfg Config, client HTTPClient, logger *slog.Logger) *Stage {
	def := DefaultConfig()
	if cfg.TasksPath == "" {
		cfg.TasksPath = def.TasksPath
	}
	if cfg.CompletedPath == "" {
		cfg.CompletedPath = def.CompletedPath
	}
	if cfg.ActuatorPath == "" {
		cfg.ActuatorPath = def.ActuatorPath
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = def.RequestTimeout
	}
	if client == nil {
		client = &http.Client{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Stage{config: cfg, client: client, logger: logger.With("stage", domain.StageVerify)}
}

// Verify checks target. runID makes the smoke task title unique per run.
func (s *Stage) Verify(ctx context.Context, target *domain.DeploymentTarget, runID uint64) *Report {
	start := time.Now()
	report := &Report{}
	if target == nil {
		report.Checks = append(report.Checks, CheckResult{Name: CheckHealth, Error: "no deployment target"})
		return report
	}

	base := strings.TrimRight(target.BaseURL, "/")
	tasksURL := base + s.config.TasksPath
	title := fmt.Sprintf("%s-%d-%s", SmokeTitlePrefix, runID, uuid.NewString()[:8])

	report.Checks = append(report.Checks, s.expectOK(ctx, CheckHealth, target.HealthURL))
	report.Checks = append(report.Checks, s.listTasks(ctx, CheckList, tasksURL, ""))

	created := s.createTask(ctx, tasksURL, title)
	report.Checks = append(report.Checks, created)
	if created.Passed {
		report.Checks = append(report.Checks, s.listTasks(ctx, CheckListAgain, tasksURL, title))
	} else {
		report.Checks = append(report.Checks, CheckResult{Name: CheckListAgain, Error: "not run: create failed"})
	}

	report.Checks = append(report.Checks, s.expectOK(ctx, CheckFramework, base+s.config.ActuatorPath))

	if !s.config.SkipLoad {
		report.Load = s.loadBatch(ctx, []loadPath{
			{path: s.config.TasksPath, url: tasksURL, count: s.config.ReadRequests},
			{path: s.config.CompletedPath, url: base + s.config.CompletedPath, count: s.config.SecondaryRequests},
		})
	}

	report.Duration = time.Since(start)
	if failures := report.Failures(); len(failures) > 0 {
		s.logger.Warn("verification unstable", "failures", failures)
	} else {
		s.logger.Info("verification passed", "checks", len(report.Checks), "duration", report.Duration)
	}
	return report
}

// expectOK passes on any 2xx.
func (s *Stage) expectOK(ctx context.Context, name, url string) CheckResult {
	res, _ := s.do(ctx, name, http.MethodGet, url, nil)
	return res
}

// listTasks validates the list response and, when want is set, looks for
// a task with that title.
func (s *Stage) listTasks(ctx context.Context, name, url, want string) CheckResult {
	res, body := s.do(ctx, name, http.MethodGet, url, nil)
	if !res.Passed {
		return res
	}
	problems, err := ValidateTaskList(body)
	if err != nil {
		return res.fail(err.Error())
	}
	if len(problems) > 0 {
		return res.fail("schema: " + strings.Join(problems, "; "))
	}
	if want == "" {
		return res
	}
	var tasks []Task
	if err := json.Unmarshal(body, &tasks); err != nil {
		return res.fail(fmt.Sprintf("decode: %v", err))
	}
	for _, t := range tasks {
		if t.Title == want {
			return res
		}
	}
	return res.fail(fmt.Sprintf("task %q not listed", want))
}

func (s *Stage) createTask(ctx context.Context, url, title string) CheckResult {
	payload, err := json.Marshal(Task{Title: title, Description: "created by pipectl verification"})
	if err != nil {
		return CheckResult{Name: CheckCreate, Error: err.Error()}
	}
	res, body := s.do(ctx, CheckCreate, http.MethodPost, url, payload)
	if !res.Passed {
		return res
	}
	var created Task
	if err := json.Unmarshal(body, &created); err != nil {
		return res.fail(fmt.Sprintf("decode: %v", err))
	}
	if created.Title != title {
		return res.fail(fmt.Sprintf("created title %q, want %q", created.Title, title))
	}
	return res
}

// do performs one request on a context detached from the run and bounded
// by RequestTimeout. Non-2xx fails the check.
func (s *Stage) do(ctx context.Context, name, method, url string, payload []byte) (CheckResult, []byte) {
	start := time.Now()
	res := CheckResult{Name: name}

	reqCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.config.RequestTimeout)
	defer cancel()

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(reqCtx, method, url, body)
	if err != nil {
		res.Error = err.Error()
		return res, nil
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	res.Duration = time.Since(start)
	if err != nil {
		res.Error = err.Error()
		return res, nil
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	res.StatusCode = resp.StatusCode
	if err != nil {
		res.Error = fmt.Sprintf("read body: %v", err)
		return res, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		res.Error = fmt.Sprintf("%s %s returned %d", method, url, resp.StatusCode)
		return res, data
	}
	res.Passed = true
	return res, data
}

func (c CheckResult) fail(msg string) CheckResult {
	c.Passed = false
	c.Error = msg
	return c
}
