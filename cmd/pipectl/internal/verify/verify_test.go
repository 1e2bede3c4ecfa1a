package verify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/AleutianAI/pipectl/cmd/pipectl/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// taskServer is an in-memory task manager.
type taskServer struct {
	mu    sync.Mutex
	tasks []Task
	next  int64

	// dropCreated accepts POSTs but never lists them.
	dropCreated bool
	failPaths   map[string]int

	hits atomic.Int32
}

func (s *taskServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.hits.Add(1)
	if code, ok := s.failPaths[r.URL.Path]; ok {
		w.WriteHeader(code)
		return
	}
	switch r.URL.Path {
	case "/api/tasks/health":
		_, _ = w.Write([]byte("Task Manager API is running!"))
	case "/actuator/health":
		_, _ = w.Write([]byte(`{"status":"UP"}`))
	case "/api/tasks/completed":
		_, _ = w.Write([]byte(`[]`))
	case "/api/tasks":
		s.mu.Lock()
		defer s.mu.Unlock()
		if r.Method == http.MethodPost {
			var t Task
			if err := json.NewDecoder(r.Body).Decode(&t); err != nil {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			s.next++
			t.ID = s.next
			if !s.dropCreated {
				s.tasks = append(s.tasks, t)
			}
			_ = json.NewEncoder(w).Encode(t)
			return
		}
		list := s.tasks
		if list == nil {
			list = []Task{}
		}
		_ = json.NewEncoder(w).Encode(list)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func targetFor(srv *httptest.Server) *domain.DeploymentTarget {
	return &domain.DeploymentTarget{BaseURL: srv.URL, HealthURL: srv.URL + "/api/tasks/health"}
}

// =============================================================================
// Functional Checks
// =============================================================================

func TestVerify_AllPass(t *testing.T) {
	ts := &taskServer{}
	srv := httptest.NewServer(ts)
	defer srv.Close()

	stage := NewStage(Config{ReadRequests: 4, SecondaryRequests: 3}, nil, nil)
	report := stage.Verify(context.Background(), targetFor(srv), 42)

	require.Len(t, report.Checks, 5)
	names := make([]string, 0, len(report.Checks))
	for _, c := range report.Checks {
		names = append(names, c.Name)
		assert.True(t, c.Passed, "%s: %s", c.Name, c.Error)
	}
	assert.Equal(t, []string{CheckHealth, CheckList, CheckCreate, CheckListAgain, CheckFramework}, names)

	assert.Equal(t, domain.StatusPassed, report.Status())
	assert.NoError(t, report.Err())
	assert.Empty(t, report.Failures())

	require.Len(t, ts.tasks, 1)
	assert.True(t, strings.HasPrefix(ts.tasks[0].Title, "pipeline-smoke-42-"))

	require.Len(t, report.Load, 2)
	assert.Equal(t, 4, report.Load[0].Requests)
	assert.Equal(t, 3, report.Load[1].Requests)
	// 5 functional + 7 load
	assert.Equal(t, int32(12), ts.hits.Load())
}

func TestVerify_CreatedTaskMissingIsUnstable(t *testing.T) {
	srv := httptest.NewServer(&taskServer{dropCreated: true})
	defer srv.Close()

	report := NewStage(Config{SkipLoad: true}, nil, nil).Verify(context.Background(), targetFor(srv), 7)

	assert.Equal(t, domain.StatusUnstable, report.Status())
	err := report.Err()
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrVerificationUnstable)
	assert.False(t, domain.KindOf(err).Fatal())
	assert.Contains(t, err.Error(), "not listed")
}

func TestVerify_FailedCreateSkipsListAgain(t *testing.T) {
	ts := &taskServer{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		ts.ServeHTTP(w, r)
	}))
	defer srv.Close()

	report := NewStage(Config{SkipLoad: true}, nil, nil).Verify(context.Background(), targetFor(srv), 1)

	failures := report.Failures()
	require.Len(t, failures, 2)
	assert.Contains(t, failures[0], "returned 500")
	assert.Contains(t, failures[1], "create failed")
}

func TestVerify_SchemaViolationIsUnstable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/tasks" && r.Method == http.MethodGet {
			_, _ = w.Write([]byte(`[{"id":"one","title":5}]`))
			return
		}
		(&taskServer{}).ServeHTTP(w, r)
	}))
	defer srv.Close()

	report := NewStage(Config{SkipLoad: true}, nil, nil).Verify(context.Background(), targetFor(srv), 1)

	require.False(t, report.Checks[1].Passed)
	assert.Contains(t, report.Checks[1].Error, "schema")
}

func TestVerify_ActuatorDown(t *testing.T) {
	srv := httptest.NewServer(&taskServer{failPaths: map[string]int{"/actuator/health": http.StatusServiceUnavailable}})
	defer srv.Close()

	report := NewStage(Config{SkipLoad: true}, nil, nil).Verify(context.Background(), targetFor(srv), 1)

	assert.Equal(t, domain.StatusUnstable, report.Status())
	assert.False(t, report.Checks[4].Passed)
	assert.Equal(t, http.StatusServiceUnavailable, report.Checks[4].StatusCode)
}

func TestVerify_NilTarget(t *testing.T) {
	report := NewStage(Config{}, nil, nil).Verify(context.Background(), nil, 1)
	assert.Equal(t, domain.StatusUnstable, report.Status())
}

// =============================================================================
// Load Batch
// =============================================================================

func TestLoadBatch_JoinsAllAndCountsFailures(t *testing.T) {
	var inflight, peak atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := inflight.Add(1)
		defer inflight.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		if r.URL.Path == "/api/tasks/completed" {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	stage := NewStage(Config{}, nil, nil)
	results := stage.loadBatch(context.Background(), []loadPath{
		{path: "/api/tasks", url: srv.URL + "/api/tasks", count: 6},
		{path: "/api/tasks/completed", url: srv.URL + "/api/tasks/completed", count: 4},
	})

	require.Len(t, results, 2)
	assert.Equal(t, 0, results[0].Failures)
	assert.Equal(t, 4, results[1].Failures)
	assert.Len(t, results[1].Errors, 4)
	assert.Equal(t, int32(0), inflight.Load(), "every request joined")
	assert.Greater(t, peak.Load(), int32(1), "requests ran concurrently")
}

func TestLoadBatch_RequestTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	stage := NewStage(Config{RequestTimeout: 50 * time.Millisecond}, nil, nil)
	results := stage.loadBatch(context.Background(), []loadPath{{path: "/slow", url: srv.URL, count: 3}})

	assert.Equal(t, 3, results[0].Failures)
}

// =============================================================================
// Schema and Monitoring
// =============================================================================

func TestValidateTaskList(t *testing.T) {
	tests := []struct {
		name  string
		body  string
		valid bool
	}{
		{"empty array", `[]`, true},
		{"full task", `[{"id":1,"title":"a","description":null,"completed":false}]`, true},
		{"not an array", `{"id":1}`, false},
		{"missing title", `[{"id":1}]`, false},
		{"string id", `[{"id":"1","title":"a"}]`, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			problems, err := ValidateTaskList([]byte(tt.body))
			require.NoError(t, err)
			assert.Equal(t, tt.valid, len(problems) == 0, "%v", problems)
		})
	}

	_, err := ValidateTaskList([]byte(`not json`))
	assert.Error(t, err)
}

func TestMonitoringCheck_FailuresAreWarnings(t *testing.T) {
	prom := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("Prometheus Server is Healthy."))
	}))
	defer prom.Close()
	grafana := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer grafana.Close()

	check := NewMonitoringCheck([]Endpoint{
		{Name: "prometheus", URL: prom.URL + "/-/healthy"},
		{Name: "grafana", URL: grafana.URL + "/api/health"},
	}, nil, time.Second, nil)

	report := check.Probe(context.Background())

	require.Len(t, report.Results, 2)
	assert.True(t, report.Results[0].Passed)
	assert.False(t, report.Results[1].Passed)
	require.Len(t, report.Warnings, 1)
	assert.Contains(t, report.Warnings[0], "grafana unhealthy")
}

func TestDefaultEndpoints(t *testing.T) {
	eps := DefaultEndpoints()
	require.Len(t, eps, 2)
	assert.Equal(t, "http://localhost:9090/-/healthy", eps[0].URL)
	assert.Equal(t, "http://localhost:3000/api/health", eps[1].URL)
}
