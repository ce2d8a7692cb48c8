package githost

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateIssue(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/api/issues", r.URL.Path)
		require.Equal(t, "Bearer tok", r.Header.Get("Authorization"))

		var req map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "Add a README badge", req["title"])

		_ = json.NewEncoder(w).Encode(map[string]any{
			"number": 101, "title": req["title"], "html_url": "https://host/issues/101",
		})
	}))
	defer server.Close()

	c := NewClient(server.URL, "tok")
	issue, err := c.CreateIssue(context.Background(), "Add a README badge", "body text", []string{"hydra"})
	require.NoError(t, err)
	assert.Equal(t, 101, issue.Number)
	assert.Equal(t, "https://host/issues/101", issue.URL)
}

func TestValidate_AuthFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "bad credentials", http.StatusUnauthorized)
	}))
	defer server.Close()

	c := NewClient(server.URL, "bad")
	err := c.Validate(context.Background())
	require.Error(t, err)
	assert.True(t, IsAuth(err))
	assert.False(t, IsTransient(err))
}

func TestValidate_UnreachableHostIsNotAuthFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "maintenance", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	c := NewClient(server.URL, "tok")
	err := c.Validate(context.Background())
	require.Error(t, err)
	assert.False(t, IsAuth(err), "a down host must not read as rejected credentials")
	assert.True(t, IsTransient(err))
}

func TestDoJSON_RetriesTransientThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "upstream flake", http.StatusBadGateway)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"number": 1})
	}))
	defer server.Close()

	c := NewClient(server.URL, "tok")
	_, err := c.GetPullRequest(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
}

func TestDoJSON_PermanentNotRetried(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		http.Error(w, "no such issue", http.StatusNotFound)
	}))
	defer server.Close()

	c := NewClient(server.URL, "tok")
	err := c.CloseIssue(context.Background(), 7)
	require.Error(t, err)
	assert.True(t, IsPermanent(err))
	assert.Equal(t, int32(1), calls.Load(), "permanent failures must not be retried")
}

func TestGetPullRequest_Cached(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"number": 200, "issue": 101, "html_url": "https://host/pulls/200", "merged": false,
		})
	}))
	defer server.Close()

	c := NewClient(server.URL, "tok")
	for i := 0; i < 3; i++ {
		pr, err := c.GetPullRequest(context.Background(), 200)
		require.NoError(t, err)
		assert.Equal(t, 101, pr.Issue)
	}
	assert.Equal(t, int32(1), calls.Load(), "lookups within the TTL hit the cache")
}

func TestCIStatus_NormalizesUnknownState(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"state": "queued"})
	}))
	defer server.Close()

	c := NewClient(server.URL, "tok")
	state, err := c.CIStatus(context.Background(), 3)
	require.NoError(t, err)
	assert.Equal(t, CIPending, state)
}

func TestListOpenIssues_LabelFilter(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "hydra", r.URL.Query().Get("labels"))
		_ = json.NewEncoder(w).Encode([]map[string]any{
			{"number": 1, "title": "one", "html_url": "u1"},
			{"number": 2, "title": "two", "html_url": "u2"},
		})
	}))
	defer server.Close()

	c := NewClient(server.URL, "tok")
	issues, err := c.ListOpenIssues(context.Background(), "hydra")
	require.NoError(t, err)
	require.Len(t, issues, 2)
	assert.Equal(t, 2, issues[1].Number)
}

func TestMergePullRequest_InvalidatesCache(t *testing.T) {
	merged := false
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPut:
			merged = true
			w.WriteHeader(http.StatusOK)
		default:
			_ = json.NewEncoder(w).Encode(map[string]any{"number": 9, "merged": merged})
		}
	}))
	defer server.Close()

	c := NewClient(server.URL, "tok")
	pr, err := c.GetPullRequest(context.Background(), 9)
	require.NoError(t, err)
	require.False(t, pr.Merged)

	require.NoError(t, c.MergePullRequest(context.Background(), 9))

	pr, err = c.GetPullRequest(context.Background(), 9)
	require.NoError(t, err)
	assert.True(t, pr.Merged, "merge must invalidate the cached PR")
}
