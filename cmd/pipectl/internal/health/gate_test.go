package health

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/AleutianAI/pipectl/cmd/pipectl/internal/domain"
	"github.com/AleutianAI/pipectl/cmd/pipectl/internal/probe"
	"github.com/AleutianAI/pipectl/cmd/pipectl/internal/runtime"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// healthyAfter serves 503 until the nth request, then 200.
func healthyAfter(n int32) (*httptest.Server, *atomic.Int32) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) >= n {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	return srv, &hits
}

type sleepRecorder struct {
	calls []time.Duration
}

func (s *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	s.calls = append(s.calls, d)
	return nil
}

type stubClient struct {
	DoFunc func(*http.Request) (*http.Response, error)
}

func (s *stubClient) Do(r *http.Request) (*http.Response, error) { return s.DoFunc(r) }

func newTestGate(collector Collector) (*Gate, *sleepRecorder) {
	sl := &sleepRecorder{}
	g := NewGate(Config{RequestTimeout: time.Second}, nil, collector, nil).WithSleep(sl.sleep)
	return g, sl
}

// =============================================================================
// Attempt Accounting
// =============================================================================

func TestAwaitHealthy_SucceedsOnThirdOfTen(t *testing.T) {
	srv, hits := healthyAfter(3)
	defer srv.Close()

	g, sl := newTestGate(nil)
	out, err := g.AwaitHealthy(context.Background(), srv.URL, domain.RetryPolicy{MaxAttempts: 10, Delay: 30 * time.Second})

	require.NoError(t, err)
	assert.Equal(t, StateHealthy, out.State)
	assert.Equal(t, 3, out.Attempts)
	assert.Equal(t, 2, out.Waits)
	assert.Equal(t, []time.Duration{30 * time.Second, 30 * time.Second}, sl.calls)
	assert.Equal(t, int32(3), hits.Load())
	assert.Equal(t, http.StatusOK, out.Last.StatusCode)
}

func TestAwaitHealthy_SingleAttemptNeverWaits(t *testing.T) {
	srv, hits := healthyAfter(100)
	defer srv.Close()

	g, sl := newTestGate(nil)
	out, err := g.AwaitHealthy(context.Background(), srv.URL, domain.RetryPolicy{MaxAttempts: 1, Delay: time.Minute})

	require.Error(t, err)
	assert.Equal(t, 1, out.Attempts)
	assert.Equal(t, 0, out.Waits)
	assert.Empty(t, sl.calls)
	assert.Equal(t, int32(1), hits.Load())
}

func TestAwaitHealthy_FirstAttemptHealthy(t *testing.T) {
	srv, _ := healthyAfter(1)
	defer srv.Close()

	g, sl := newTestGate(nil)
	out, err := g.AwaitHealthy(context.Background(), srv.URL, domain.RetryPolicy{MaxAttempts: 5, Delay: time.Second})

	require.NoError(t, err)
	assert.Equal(t, 1, out.Attempts)
	assert.Empty(t, sl.calls)
}

func TestAwaitHealthy_NeverExceedsMaxAttempts(t *testing.T) {
	tests := []struct {
		name        string
		maxAttempts int
	}{
		{"two", 2},
		{"five", 5},
		{"twelve", 12},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, hits := healthyAfter(1000)
			defer srv.Close()

			g, sl := newTestGate(nil)
			out, err := g.AwaitHealthy(context.Background(), srv.URL, domain.RetryPolicy{MaxAttempts: tt.maxAttempts, Delay: time.Second})

			require.Error(t, err)
			assert.Equal(t, tt.maxAttempts, out.Attempts)
			assert.Equal(t, int32(tt.maxAttempts), hits.Load())
			assert.Len(t, sl.calls, tt.maxAttempts-1)
			assert.Equal(t, StateExhausted, out.State)
		})
	}
}

func TestAwaitHealthy_ZeroDelayCountsWaitsWithoutSleeping(t *testing.T) {
	srv, _ := healthyAfter(1000)
	defer srv.Close()

	g, sl := newTestGate(nil)
	out, _ := g.AwaitHealthy(context.Background(), srv.URL, domain.RetryPolicy{MaxAttempts: 4})

	assert.Equal(t, 3, out.Waits)
	assert.Empty(t, sl.calls)
}

func TestAwaitHealthy_InvalidPolicy(t *testing.T) {
	g, _ := newTestGate(nil)
	out, err := g.AwaitHealthy(context.Background(), "http://localhost", domain.RetryPolicy{MaxAttempts: 0})

	assert.Nil(t, out)
	assert.ErrorIs(t, err, domain.ErrInvalidPolicy)
}

// =============================================================================
// Failure Classification
// =============================================================================

func TestAwaitHealthy_ExhaustedCarriesDiagnostics(t *testing.T) {
	srv, _ := healthyAfter(1000)
	defer srv.Close()

	collector := CollectorFunc(func(ctx context.Context, attempt int) *domain.Diagnostics {
		return &domain.Diagnostics{LogTail: "java.lang.IllegalStateException"}
	})
	g, _ := newTestGate(collector)
	out, err := g.AwaitHealthy(context.Background(), srv.URL, domain.RetryPolicy{MaxAttempts: 3})

	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrHealthCheckExhausted)
	assert.True(t, domain.KindOf(err).Fatal())

	var exhausted *ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, 3, exhausted.Attempts)
	assert.Equal(t, http.StatusServiceUnavailable, exhausted.Last.StatusCode)
	assert.Contains(t, exhausted.Error(), "status 503")

	var se *domain.StageError
	require.ErrorAs(t, err, &se)
	require.NotNil(t, se.Diagnostics)
	assert.Equal(t, 3, se.Diagnostics.Attempt)
	assert.Equal(t, http.StatusServiceUnavailable, se.Diagnostics.LastStatusCode)
	assert.Equal(t, "java.lang.IllegalStateException", se.Diagnostics.LogTail)
	assert.Same(t, out.Final, se.Diagnostics)
}

func TestAwaitHealthy_TransportErrorsCount(t *testing.T) {
	client := &stubClient{DoFunc: func(r *http.Request) (*http.Response, error) {
		return nil, errors.New("connection refused")
	}}
	g := NewGate(Config{}, client, nil, nil).WithSleep((&sleepRecorder{}).sleep)

	out, err := g.AwaitHealthy(context.Background(), "http://localhost:8080/api/tasks/health", domain.RetryPolicy{MaxAttempts: 2})

	require.Error(t, err)
	assert.Equal(t, 2, out.Attempts)
	assert.ErrorContains(t, err, "connection refused")
	assert.Equal(t, "connection refused", out.Final.LastError)
}

func TestAwaitHealthy_InterimDiagnosticsCadence(t *testing.T) {
	srv, _ := healthyAfter(1000)
	defer srv.Close()

	var collected []int
	collector := CollectorFunc(func(ctx context.Context, attempt int) *domain.Diagnostics {
		collected = append(collected, attempt)
		return &domain.Diagnostics{}
	})
	g, _ := newTestGate(collector)
	out, err := g.AwaitHealthy(context.Background(), srv.URL, domain.RetryPolicy{MaxAttempts: 10, ProbeCadence: 3})

	require.Error(t, err)
	// 3, 6, 9 interim; 10 final
	assert.Equal(t, []int{3, 6, 9, 10}, collected)
	assert.Len(t, out.Interim, 3)
}

func TestAwaitHealthy_CadenceSkipsLastAttempt(t *testing.T) {
	srv, _ := healthyAfter(1000)
	defer srv.Close()

	var collected []int
	collector := CollectorFunc(func(ctx context.Context, attempt int) *domain.Diagnostics {
		collected = append(collected, attempt)
		return &domain.Diagnostics{}
	})
	g, _ := newTestGate(collector)
	out, _ := g.AwaitHealthy(context.Background(), srv.URL, domain.RetryPolicy{MaxAttempts: 4, ProbeCadence: 2})

	assert.Equal(t, []int{2, 4}, collected)
	assert.Len(t, out.Interim, 1)
}

func TestAwaitHealthy_RunDeadlineAtBoundary(t *testing.T) {
	srv, hits := healthyAfter(1000)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	sleeps := 0
	g := NewGate(Config{}, nil, nil, nil).WithSleep(func(c context.Context, d time.Duration) error {
		sleeps++
		if sleeps == 2 {
			cancel()
		}
		return nil
	})

	out, err := g.AwaitHealthy(ctx, srv.URL, domain.RetryPolicy{MaxAttempts: 10, Delay: time.Second})

	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrRunTimedOut)
	assert.Equal(t, domain.KindRunTimedOut, domain.KindOf(err))
	assert.Equal(t, 2, out.Attempts)
	assert.Equal(t, int32(2), hits.Load())
}

func TestAwaitHealthy_InFlightProbeSurvivesRunCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	client := &stubClient{DoFunc: func(r *http.Request) (*http.Response, error) {
		cancel()
		// the request context must not be cancelled with the run
		assert.NoError(t, r.Context().Err())
		return &http.Response{StatusCode: http.StatusOK, Body: http.NoBody}, nil
	}}
	g := NewGate(Config{}, client, nil, nil)

	out, err := g.AwaitHealthy(ctx, "http://localhost/health", domain.RetryPolicy{MaxAttempts: 3})
	require.NoError(t, err)
	assert.Equal(t, StateHealthy, out.State)
}

// =============================================================================
// TargetCollector Tests
// =============================================================================

func TestTargetCollector_Collect(t *testing.T) {
	pr := &probe.MockProbe{
		Containers: map[string]domain.ContainerState{
			"app": {Name: "app", State: "exited", ExitCode: 1, Present: true},
		},
	}
	pr.SetBusy(8080, false)

	rt := &runtime.MockRuntime{
		LogsFunc: func(ctx context.Context, name string, tail int) (string, error) {
			if name == "gone" {
				return "", runtime.ErrNotFound
			}
			return "Caused by: port in use\n", nil
		},
	}
	target := &domain.DeploymentTarget{
		Containers: []string{"app", "gone"},
		Ports:      []domain.PortMapping{{HostPort: 8080, ContainerPort: 8080}},
	}

	d := NewTargetCollector(pr, rt, target, 0).Collect(context.Background(), 5)

	assert.Equal(t, 5, d.Attempt)
	require.Len(t, d.Containers, 2)
	assert.Equal(t, "exited", d.Containers[0].State)
	assert.False(t, d.Containers[1].Present)
	require.Len(t, d.Ports, 1)
	assert.False(t, d.Ports[0].Busy)
	assert.Equal(t, "app | Caused by: port in use", d.LogTail)
	assert.Empty(t, d.CollectErrors)
	assert.Contains(t, rt.CallsTo("Logs"), "app#50")
}

func TestTargetCollector_NilTarget(t *testing.T) {
	d := NewTargetCollector(nil, nil, nil, 10).Collect(context.Background(), 1)
	require.NotNil(t, d)
	assert.Empty(t, d.Containers)
}
