package pipeline

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/pipectl/cmd/pipectl/internal/build"
	"github.com/AleutianAI/pipectl/cmd/pipectl/internal/cleanup"
	"github.com/AleutianAI/pipectl/cmd/pipectl/internal/domain"
	"github.com/AleutianAI/pipectl/cmd/pipectl/internal/health"
	"github.com/AleutianAI/pipectl/cmd/pipectl/internal/promotion"
	"github.com/AleutianAI/pipectl/cmd/pipectl/internal/report"
	"github.com/AleutianAI/pipectl/cmd/pipectl/internal/store"
	"github.com/AleutianAI/pipectl/cmd/pipectl/internal/verify"
)

// =============================================================================
// Fakes
// =============================================================================

type fakeCleaner struct {
	previous []*domain.DeploymentTarget
	warnings []string
}

func (f *fakeCleaner) Cleanup(ctx context.Context, previous *domain.DeploymentTarget) *cleanup.Report {
	f.previous = append(f.previous, previous)
	return &cleanup.Report{Warnings: f.warnings}
}

type fakePackager struct {
	err   error
	delay time.Duration
}

func (f *fakePackager) Run(ctx context.Context, sourceDir string) (*build.PackageResult, error) {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.err != nil {
		return &build.PackageResult{Output: "BUILD FAILURE"}, f.err
	}
	return &build.PackageResult{Artifact: domain.Artifact{Path: "target/app.jar", Size: 1024, SHA256: "abc"}}, nil
}

type fakeImage struct {
	calls atomic.Int32
}

func (f *fakeImage) Run(ctx context.Context, artifact domain.Artifact, tag string) (*build.ImageResult, error) {
	f.calls.Add(1)
	img := domain.ImageRef{Repository: "task-manager", Tag: tag}
	return &build.ImageResult{Image: img, Latest: img.Alias("latest")}, nil
}

type fakeDeployer struct {
	err   error
	calls atomic.Int32
}

func (f *fakeDeployer) Deploy(ctx context.Context, image domain.ImageRef, port domain.PortMapping) (*domain.DeploymentTarget, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	return &domain.DeploymentTarget{
		Mode:       domain.DeployModeSingle,
		Containers: []string{"task-manager-staging"},
		Ports:      []domain.PortMapping{port},
		Image:      image,
		BaseURL:    "http://localhost:8080",
		HealthURL:  "http://localhost:8080/api/tasks/health",
	}, nil
}

type fakeHealth struct {
	attempts int
	err      error
}

func (f *fakeHealth) AwaitHealthy(ctx context.Context, url string, policy domain.RetryPolicy) (*health.Outcome, error) {
	out := &health.Outcome{URL: url, Attempts: f.attempts, State: health.StateHealthy}
	if f.err != nil {
		out.State = health.StateExhausted
	}
	return out, f.err
}

type fakeVerifier struct {
	fail bool
}

func (f *fakeVerifier) Verify(ctx context.Context, target *domain.DeploymentTarget, runID uint64) *verify.Report {
	rep := &verify.Report{Checks: []verify.CheckResult{{Name: verify.CheckHealth, Passed: true}}}
	if f.fail {
		rep.Checks = append(rep.Checks, verify.CheckResult{Name: verify.CheckListAgain, Error: "task not listed"})
	}
	return rep
}

type fakeMonitor struct{}

func (fakeMonitor) Probe(ctx context.Context) *verify.MonitoringReport {
	return &verify.MonitoringReport{
		Results:  []verify.CheckResult{{Name: "prometheus", Passed: true}, {Name: "grafana"}},
		Warnings: []string{"grafana unhealthy: connection refused"},
	}
}

type fakePromoter struct {
	out   *promotion.Outcome
	err   error
	calls atomic.Int32
}

func (f *fakePromoter) Promote(ctx context.Context, run *domain.PipelineRun) (*promotion.Outcome, error) {
	f.calls.Add(1)
	return f.out, f.err
}

type harness struct {
	cleaner  *fakeCleaner
	packager *fakePackager
	image    *fakeImage
	deployer *fakeDeployer
	health   *fakeHealth
	verifier *fakeVerifier
	promoter *fakePromoter
	notifier *report.MockNotifier
	store    *store.Store

	healthBuilt atomic.Int32
	opts        Options
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	st, err := store.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	return &harness{
		cleaner:  &fakeCleaner{},
		packager: &fakePackager{},
		image:    &fakeImage{},
		deployer: &fakeDeployer{},
		health:   &fakeHealth{attempts: 3},
		verifier: &fakeVerifier{},
		promoter: &fakePromoter{out: &promotion.Outcome{Status: domain.StatusPassed, Reason: "approved by ops"}},
		notifier: &report.MockNotifier{},
		store:    st,
		opts: Options{
			RunID:            1,
			Name:             "task-manager",
			Environment:      "staging",
			Ref:              "main",
			SourceDir:        ".",
			Port:             domain.PortMapping{HostPort: 8080, ContainerPort: 8080},
			Retry:            domain.RetryPolicy{MaxAttempts: 10, Delay: time.Second},
			EnableMonitoring: true,
			EnablePromotion:  true,
		},
	}
}

func (h *harness) orchestrator() *Orchestrator {
	reporter := report.NewReporter(report.Config{}, report.Deps{Store: h.store, Notifier: h.notifier}, nil)
	return New(h.opts, Stages{
		Cleanup: h.cleaner,
		Package: h.packager,
		Image:   h.image,
		Deploy:  h.deployer,
		Health: func(target *domain.DeploymentTarget) HealthChecker {
			h.healthBuilt.Add(1)
			return h.health
		},
		Verify:    h.verifier,
		Monitor:   fakeMonitor{},
		Promotion: h.promoter,
		Reporter:  reporter,
	}, h.store, nil, nil, nil)
}

func statuses(run *domain.PipelineRun) map[string]domain.StageStatus {
	out := make(map[string]domain.StageStatus, len(run.Stages))
	for _, s := range run.Stages {
		out[s.Name] = s.Status
	}
	return out
}

func assertSkippedAfter(t *testing.T, run *domain.PipelineRun, stage string) {
	t.Helper()
	after := false
	for _, name := range domain.StageOrder {
		if after {
			assert.Equal(t, domain.StatusSkipped, run.StatusOf(name), name)
		}
		if name == stage {
			after = true
		}
	}
}

// =============================================================================
// Scenarios
// =============================================================================

func TestRun_AllStagesPass(t *testing.T) {
	h := newHarness(t)
	orch := h.orchestrator()
	assert.Nil(t, orch.Summary())

	run, err := orch.Run(context.Background())
	require.NoError(t, err)
	require.NotNil(t, orch.Summary())
	assert.Equal(t, domain.OverallSucceeded, orch.Summary().Overall)

	require.Len(t, run.Stages, len(domain.StageOrder))
	for i, name := range domain.StageOrder {
		assert.Equal(t, name, run.Stages[i].Name)
		assert.Equal(t, domain.StatusPassed, run.Stages[i].Status, name)
		assert.NotEmpty(t, run.Stages[i].ID)
	}
	assert.Equal(t, domain.OverallSucceeded, run.Overall)
	assert.Equal(t, "task-manager:1", run.Image.String())

	hs, _ := run.Stage(domain.StageHealth)
	assert.Equal(t, 3, hs.Attempts)

	ms, _ := run.Stage(domain.StageMonitoring)
	assert.Equal(t, []string{"grafana unhealthy: connection refused"}, ms.Warnings)

	saved, err := h.store.LastTarget(context.Background(), "staging")
	require.NoError(t, err)
	require.NotNil(t, saved)
	assert.Equal(t, []string{"task-manager-staging"}, saved.Containers)

	stored, err := h.store.GetRun(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, domain.OverallSucceeded, stored.Overall)
	require.Len(t, h.notifier.Sent, 1)
}

func TestRun_NextRunCleansPreviousTarget(t *testing.T) {
	h := newHarness(t)

	_, err := h.orchestrator().Run(context.Background())
	require.NoError(t, err)

	h.opts.RunID = 2
	_, err = h.orchestrator().Run(context.Background())
	require.NoError(t, err)

	require.Len(t, h.cleaner.previous, 2)
	assert.Nil(t, h.cleaner.previous[0])
	require.NotNil(t, h.cleaner.previous[1])
	assert.Equal(t, []string{"task-manager-staging"}, h.cleaner.previous[1].Containers)
}

func TestRun_PromotedTargetIsKeyedByProduction(t *testing.T) {
	h := newHarness(t)
	h.promoter.out.Target = &domain.DeploymentTarget{
		Mode:       domain.DeployModeSingle,
		Containers: []string{"task-manager-production"},
	}

	_, err := h.orchestrator().Run(context.Background())
	require.NoError(t, err)

	staging, err := h.store.LastTarget(context.Background(), "staging")
	require.NoError(t, err)
	require.NotNil(t, staging)
	assert.Equal(t, []string{"task-manager-staging"}, staging.Containers)

	production, err := h.store.LastTarget(context.Background(), "production")
	require.NoError(t, err)
	require.NotNil(t, production)
	assert.Equal(t, []string{"task-manager-production"}, production.Containers)

	h.opts.RunID = 2
	_, err = h.orchestrator().Run(context.Background())
	require.NoError(t, err)
	require.Len(t, h.cleaner.previous, 2)
	assert.Equal(t, []string{"task-manager-staging"}, h.cleaner.previous[1].Containers)
}

func TestRun_ArtifactMissingSkipsDownstream(t *testing.T) {
	h := newHarness(t)
	h.packager.err = domain.NewStageError(domain.StageBuild, domain.KindArtifactMissing,
		errors.New("no file matches target/*.jar"))

	run, err := h.orchestrator().Run(context.Background())
	require.NoError(t, err)

	bs, _ := run.Stage(domain.StageBuild)
	assert.Equal(t, domain.StatusFailed, bs.Status)
	assert.Equal(t, domain.KindArtifactMissing, bs.ErrorKind)
	assert.Equal(t, "BUILD FAILURE", bs.Output)

	assertSkippedAfter(t, run, domain.StageBuild)
	assert.Equal(t, int32(0), h.image.calls.Load())
	assert.Equal(t, int32(0), h.deployer.calls.Load())
	assert.Equal(t, int32(0), h.promoter.calls.Load())

	assert.Equal(t, domain.OverallFailed, run.Overall)
	assert.Equal(t, 1, run.Overall.ExitCode())
	require.Len(t, h.notifier.Sent, 1, "reporter runs after hard failures")
}

func TestRun_PortConflictNeverReachesHealthGate(t *testing.T) {
	h := newHarness(t)
	h.deployer.err = domain.NewStageError(domain.StageDeploy, domain.KindPortConflict,
		errors.New("port 8080 still bound after reclaim"))

	run, err := h.orchestrator().Run(context.Background())
	require.NoError(t, err)

	ds, _ := run.Stage(domain.StageDeploy)
	assert.Equal(t, domain.KindPortConflict, ds.ErrorKind)
	assert.Equal(t, int32(0), h.healthBuilt.Load())
	assertSkippedAfter(t, run, domain.StageDeploy)
	assert.Equal(t, domain.OverallFailed, run.Overall)
}

func TestRun_HealthExhaustedCarriesDiagnostics(t *testing.T) {
	h := newHarness(t)
	se := domain.NewStageError(domain.StageHealth, domain.KindHealthCheckExhausted, errors.New("status 503"))
	se.Diagnostics = &domain.Diagnostics{Attempt: 10, LogTail: "Connection refused: postgres:5432"}
	h.health = &fakeHealth{attempts: 10, err: se}

	run, err := h.orchestrator().Run(context.Background())
	require.NoError(t, err)

	hs, _ := run.Stage(domain.StageHealth)
	assert.Equal(t, domain.StatusFailed, hs.Status)
	assert.Equal(t, 10, hs.Attempts)
	require.NotNil(t, hs.Diagnostics)
	assert.Contains(t, hs.Diagnostics.LogTail, "postgres:5432")

	assertSkippedAfter(t, run, domain.StageHealth)
	assert.Equal(t, int32(0), h.promoter.calls.Load())
	assert.Contains(t, h.notifier.Sent[0].Body, "postgres:5432")
}

func TestRun_VerificationUnstableStillPromotes(t *testing.T) {
	h := newHarness(t)
	h.verifier.fail = true

	run, err := h.orchestrator().Run(context.Background())
	require.NoError(t, err)

	vs, _ := run.Stage(domain.StageVerify)
	assert.Equal(t, domain.StatusUnstable, vs.Status)
	assert.Equal(t, domain.KindVerificationUnstable, vs.ErrorKind)
	assert.Equal(t, int32(1), h.promoter.calls.Load())
	assert.Equal(t, domain.OverallUnstable, run.Overall)
	assert.Equal(t, 0, run.Overall.ExitCode())
}

func TestRun_PromotionTimeoutDoesNotDowngrade(t *testing.T) {
	tests := []struct {
		name        string
		verifyFails bool
		wantOverall domain.Overall
	}{
		{"after passing verification", false, domain.OverallSucceeded},
		{"after unstable verification", true, domain.OverallUnstable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.verifier.fail = tt.verifyFails
			h.promoter.out = &promotion.Outcome{Status: domain.StatusSkipped, Eligible: true, Reason: "approval timed out after 5m0s"}
			h.promoter.err = domain.NewStageError(domain.StagePromotion, domain.KindPromotionTimedOut, context.DeadlineExceeded)

			run, err := h.orchestrator().Run(context.Background())
			require.NoError(t, err)

			ps, _ := run.Stage(domain.StagePromotion)
			assert.Equal(t, domain.StatusSkipped, ps.Status)
			assert.Equal(t, domain.KindPromotionTimedOut, ps.ErrorKind)
			assert.Equal(t, tt.wantOverall, run.Overall)
		})
	}
}

func TestRun_PromotionRolloutFailureFailsRun(t *testing.T) {
	h := newHarness(t)
	h.promoter.out = &promotion.Outcome{Status: domain.StatusFailed, Eligible: true}
	h.promoter.err = domain.NewStageError(domain.StagePromotion, domain.KindPromotionFailed, errors.New("production unhealthy"))

	run, err := h.orchestrator().Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, run.StatusOf(domain.StagePromotion))
	assert.Equal(t, domain.OverallFailed, run.Overall)
}

func TestRun_DisabledStagesAreSkipped(t *testing.T) {
	h := newHarness(t)
	h.opts.EnableMonitoring = false
	h.opts.EnablePromotion = false

	run, err := h.orchestrator().Run(context.Background())
	require.NoError(t, err)

	st := statuses(run)
	assert.Equal(t, domain.StatusSkipped, st[domain.StageMonitoring])
	assert.Equal(t, domain.StatusSkipped, st[domain.StagePromotion])
	assert.Equal(t, int32(0), h.promoter.calls.Load())
	assert.Equal(t, domain.OverallSucceeded, run.Overall)
}

func TestRun_DeadlineAtStageBoundary(t *testing.T) {
	h := newHarness(t)
	h.opts.RunTimeout = 20 * time.Millisecond
	h.packager.delay = 60 * time.Millisecond

	run, err := h.orchestrator().Run(context.Background())
	require.NoError(t, err)

	// the in-flight build finished; the next stage saw the deadline
	assert.Equal(t, domain.StatusPassed, run.StatusOf(domain.StageBuild))
	is, _ := run.Stage(domain.StageImage)
	assert.Equal(t, domain.StatusFailed, is.Status)
	assert.Equal(t, domain.KindRunTimedOut, is.ErrorKind)
	assert.Equal(t, int32(0), h.image.calls.Load())

	assertSkippedAfter(t, run, domain.StageImage)
	assert.Equal(t, domain.OverallFailed, run.Overall)
	require.Len(t, h.notifier.Sent, 1, "reporter runs after the deadline")
}

func TestRun_DuplicateRunID(t *testing.T) {
	h := newHarness(t)
	_, err := h.orchestrator().Run(context.Background())
	require.NoError(t, err)

	_, err = h.orchestrator().Run(context.Background())
	assert.ErrorIs(t, err, store.ErrDuplicateRun)
}

func TestRun_CleanupWarningsDoNotFail(t *testing.T) {
	h := newHarness(t)
	h.cleaner.warnings = []string{"stop task-manager-staging: daemon timeout"}

	run, err := h.orchestrator().Run(context.Background())
	require.NoError(t, err)

	cs, _ := run.Stage(domain.StageCleanup)
	assert.Equal(t, domain.StatusPassed, cs.Status)
	assert.Equal(t, h.cleaner.warnings, cs.Warnings)
	assert.Equal(t, domain.OverallSucceeded, run.Overall)
}
