package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgeworks/hydra/pkg/config"
	"github.com/forgeworks/hydra/pkg/models"
)

func fakeHostServer(t *testing.T) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if strings.HasPrefix(r.URL.Path, "/api/issues") && r.Method == http.MethodGet {
			w.Write([]byte("[]"))
			return
		}
		if strings.HasPrefix(r.URL.Path, "/api/pulls") && r.Method == http.MethodGet {
			w.Write([]byte("[]"))
			return
		}
		w.Write([]byte("{}"))
	}))
	t.Cleanup(server.Close)
	return server
}

func testConfig(t *testing.T, hostURL string) *config.Config {
	t.Helper()
	return &config.Config{
		HostURL:             hostURL,
		HostToken:           "test-token",
		Label:               "hydra",
		AgentCommand:        "/bin/true",
		ListenAddr:          ":0",
		MaxTriagers:         1,
		MaxPlanners:         1,
		MaxWorkers:          1,
		MaxReviewers:        1,
		SnapshotIntervalSec: 300,
	}
}

func TestAppStartStop(t *testing.T) {
	host := fakeHostServer(t)
	a, err := New(testConfig(t, host.URL), nil)
	require.NoError(t, err)
	require.NotEmpty(t, a.InstanceID)

	ctx := context.Background()
	require.NoError(t, a.Start(ctx))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	a.Server.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	a.Stop(ctx)
}

func TestAppSQLiteMetrics(t *testing.T) {
	host := fakeHostServer(t)
	cfg := testConfig(t, host.URL)
	cfg.MetricsDBPath = filepath.Join(t.TempDir(), "metrics.db")

	a, err := New(cfg, nil)
	require.NoError(t, err)
	require.NotNil(t, a.sqlite)

	ctx := context.Background()
	require.NoError(t, a.Start(ctx))
	a.Stop(ctx)
}

func TestAppRequestChangesReachesScheduler(t *testing.T) {
	host := fakeHostServer(t)
	a, err := New(testConfig(t, host.URL), nil)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, a.Start(ctx))
	defer a.Stop(ctx)

	a.Store.Upsert(models.Issue{Number: 7, Title: "rework config"},
		models.StageReview, models.IssueStatusDone)

	// Exercises the late-bound admitter: the coordinator forwards the
	// forced admission to the scheduler built after it.
	require.NoError(t, a.HITL.RequestChanges(7, "rename the flag", models.StageImplement))

	got, ok := a.Store.Get(7)
	require.True(t, ok)
	assert.Equal(t, models.StageImplement, got.Stage)
	assert.Equal(t, models.IssueStatusQueued, got.Status)
}
