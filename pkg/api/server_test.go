package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgeworks/hydra/pkg/bus"
	"github.com/forgeworks/hydra/pkg/hitl"
	"github.com/forgeworks/hydra/pkg/intent"
	"github.com/forgeworks/hydra/pkg/metrics"
	"github.com/forgeworks/hydra/pkg/models"
	"github.com/forgeworks/hydra/pkg/pipeline"
	"github.com/forgeworks/hydra/pkg/worker"
)

type fakeScheduler struct {
	status  models.OrchestratorStatus
	starts  int
	stops   int
	resets  int
	toggles map[models.Stage]bool
}

func (f *fakeScheduler) Start() { f.starts++ }
func (f *fakeScheduler) Stop()  { f.stops++ }
func (f *fakeScheduler) Status() models.OrchestratorStatus {
	if f.status == "" {
		return models.OrchestratorIdle
	}
	return f.status
}
func (f *fakeScheduler) ToggleStage(stage models.Stage, enabled bool) {
	if f.toggles == nil {
		f.toggles = make(map[models.Stage]bool)
	}
	f.toggles[stage] = enabled
}
func (f *fakeScheduler) Reset() { f.resets++ }

type hitlCall struct {
	op       string
	issue    int
	feedback string
	stage    models.Stage
}

type fakeHITL struct {
	items     []models.HITLItem
	questions map[int]string
	calls     []hitlCall
	err       error
}

func (f *fakeHITL) record(c hitlCall) error {
	f.calls = append(f.calls, c)
	return f.err
}

func (f *fakeHITL) List() []models.HITLItem { return f.items }
func (f *fakeHITL) Retry(issue int, feedback string) error {
	return f.record(hitlCall{op: "retry", issue: issue, feedback: feedback})
}
func (f *fakeHITL) Skip(issue int) error {
	return f.record(hitlCall{op: "skip", issue: issue})
}
func (f *fakeHITL) Close(_ context.Context, issue int) error {
	return f.record(hitlCall{op: "close", issue: issue})
}
func (f *fakeHITL) ApproveAsMemory(_ context.Context, issue int) error {
	return f.record(hitlCall{op: "approve", issue: issue})
}
func (f *fakeHITL) Answer(issue int, text string) error {
	return f.record(hitlCall{op: "answer", issue: issue, feedback: text})
}
func (f *fakeHITL) PendingQuestions() map[int]string { return f.questions }
func (f *fakeHITL) RequestChanges(issue int, feedback string, stage models.Stage) error {
	return f.record(hitlCall{op: "request-changes", issue: issue, feedback: feedback, stage: stage})
}

type fakeIngestor struct {
	next int
	err  error
	text string
}

func (f *fakeIngestor) Submit(_ context.Context, text string) (int, error) {
	if f.err != nil {
		return 0, f.err
	}
	f.text = text
	return f.next, nil
}

type fakeRunner struct {
	enabled   map[string]bool
	intervals map[string]time.Duration
	statuses  []models.BackgroundWorkerStatusPayload
	err       error
}

func (f *fakeRunner) SetEnabled(name string, enabled bool) error {
	if f.err != nil {
		return f.err
	}
	if f.enabled == nil {
		f.enabled = make(map[string]bool)
	}
	f.enabled[name] = enabled
	return nil
}
func (f *fakeRunner) SetInterval(name string, interval time.Duration) error {
	if f.err != nil {
		return f.err
	}
	if f.intervals == nil {
		f.intervals = make(map[string]time.Duration)
	}
	f.intervals[name] = interval
	return nil
}
func (f *fakeRunner) Statuses() []models.BackgroundWorkerStatusPayload { return f.statuses }

type fakeMetrics struct {
	session  metrics.Counters
	lifetime metrics.Counters
	history  []metrics.Snapshot
}

func (f *fakeMetrics) Session() metrics.Counters   { return f.session }
func (f *fakeMetrics) Lifetime() metrics.Counters  { return f.lifetime }
func (f *fakeMetrics) History() []metrics.Snapshot { return f.history }

type fakeWorkers struct {
	records []models.WorkerRecord
}

func (f *fakeWorkers) Records() []models.WorkerRecord { return f.records }

type fakeHost struct {
	prs    []models.PullRequest
	issues []models.Issue
	err    error
}

func (f *fakeHost) ListOpenPullRequests(context.Context) ([]models.PullRequest, error) {
	return f.prs, f.err
}
func (f *fakeHost) ListOpenIssues(context.Context, string) ([]models.Issue, error) {
	return f.issues, f.err
}

type serverFixture struct {
	server    *Server
	bus       *bus.Bus
	store     *pipeline.Store
	scheduler *fakeScheduler
	hitl      *fakeHITL
	ingestor  *fakeIngestor
	runner    *fakeRunner
	metrics   *fakeMetrics
	workers   *fakeWorkers
	host      *fakeHost
}

func newServerFixture(t *testing.T) *serverFixture {
	t.Helper()
	b := bus.New()
	f := &serverFixture{
		bus:       b,
		store:     pipeline.NewStore(b),
		scheduler: &fakeScheduler{},
		hitl:      &fakeHITL{},
		ingestor:  &fakeIngestor{next: 101},
		runner:    &fakeRunner{},
		metrics:   &fakeMetrics{},
		workers:   &fakeWorkers{},
		host:      &fakeHost{},
	}
	f.server = NewServer(Deps{
		Bus:       b,
		Store:     f.store,
		Scheduler: f.scheduler,
		HITL:      f.hitl,
		Ingestor:  f.ingestor,
		Runner:    f.runner,
		Metrics:   f.metrics,
		Workers:   f.workers,
		Host:      f.host,
		Label:     "hydra",
		Control: ControlConfig{
			Label:               "hydra",
			Caps:                map[models.Stage]int{models.StageImplement: 3},
			SnapshotIntervalSec: 300,
		},
	}, nil)
	return f
}

func (f *serverFixture) do(method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestHealthz(t *testing.T) {
	f := newServerFixture(t)
	rec := f.do(http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decodeBody(t, rec)["status"])
}

func TestSecurityHeaders(t *testing.T) {
	f := newServerFixture(t)
	rec := f.do(http.MethodGet, "/healthz", "")
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "strict-origin-when-cross-origin", rec.Header().Get("Referrer-Policy"))
}

func TestIntentSubmit(t *testing.T) {
	f := newServerFixture(t)
	rec := f.do(http.MethodPost, "/api/intent", `{"text":"add dark mode"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, float64(101), decodeBody(t, rec)["issue_number"])
	assert.Equal(t, "add dark mode", f.ingestor.text)
}

func TestIntentRejectsEmpty(t *testing.T) {
	f := newServerFixture(t)
	f.ingestor.err = intent.ErrEmpty
	rec := f.do(http.MethodPost, "/api/intent", `{"text":""}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "bad_request", decodeBody(t, rec)["kind"])
}

func TestPipelineSnapshot(t *testing.T) {
	f := newServerFixture(t)
	f.store.Upsert(models.Issue{Number: 7, Title: "fix login"}, models.StageTriage, models.IssueStatusQueued)

	rec := f.do(http.MethodGet, "/api/pipeline", "")
	require.Equal(t, http.StatusOK, rec.Code)
	stages, ok := decodeBody(t, rec)["stages"].(map[string]any)
	require.True(t, ok)
	triage, ok := stages["triage"].([]any)
	require.True(t, ok)
	require.Len(t, triage, 1)
}

func TestQueueDepths(t *testing.T) {
	f := newServerFixture(t)
	f.store.Upsert(models.Issue{Number: 1}, models.StagePlan, models.IssueStatusQueued)
	f.store.Upsert(models.Issue{Number: 2}, models.StagePlan, models.IssueStatusQueued)

	rec := f.do(http.MethodGet, "/api/queue", "")
	require.Equal(t, http.StatusOK, rec.Code)
	depths := decodeBody(t, rec)["depths"].(map[string]any)
	assert.Equal(t, float64(2), depths["plan"])
}

func TestEventsBackfill(t *testing.T) {
	f := newServerFixture(t)
	cutoff := time.Now().UTC().Add(-time.Minute)
	f.bus.Publish(models.EventQueueUpdate, nil)
	f.bus.Publish(models.EventBatchStart, nil)

	rec := f.do(http.MethodGet, "/api/events?since="+cutoff.Format(time.RFC3339), "")
	require.Equal(t, http.StatusOK, rec.Code)
	events := decodeBody(t, rec)["events"].([]any)
	assert.Len(t, events, 2)
}

func TestEventsRejectsBadSince(t *testing.T) {
	f := newServerFixture(t)
	rec := f.do(http.MethodGet, "/api/events?since=yesterday", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestControlStartStop(t *testing.T) {
	f := newServerFixture(t)
	require.Equal(t, http.StatusOK, f.do(http.MethodPost, "/api/control/start", "").Code)
	require.Equal(t, http.StatusOK, f.do(http.MethodPost, "/api/control/stop", "").Code)
	assert.Equal(t, 1, f.scheduler.starts)
	assert.Equal(t, 1, f.scheduler.stops)
}

func TestControlStatus(t *testing.T) {
	f := newServerFixture(t)
	f.scheduler.status = models.OrchestratorRunning
	rec := f.do(http.MethodGet, "/api/control/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "running", body["status"])
	config := body["config"].(map[string]any)
	assert.Equal(t, "hydra", config["label"])
}

func TestControlStageToggle(t *testing.T) {
	f := newServerFixture(t)
	rec := f.do(http.MethodPost, "/api/control/stage", `{"stage":"plan","enabled":false}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, f.scheduler.toggles[models.StagePlan])
}

func TestControlStageRejectsNonWorkStage(t *testing.T) {
	f := newServerFixture(t)
	for _, stage := range []string{"merged", "hitl", "bogus"} {
		rec := f.do(http.MethodPost, "/api/control/stage", `{"stage":"`+stage+`","enabled":true}`)
		assert.Equal(t, http.StatusBadRequest, rec.Code, stage)
	}
}

func TestControlReset(t *testing.T) {
	f := newServerFixture(t)
	require.Equal(t, http.StatusOK, f.do(http.MethodPost, "/api/control/reset", "").Code)
	assert.Equal(t, 1, f.scheduler.resets)
}

func TestHITLRetryForwardsFeedback(t *testing.T) {
	f := newServerFixture(t)
	rec := f.do(http.MethodPost, "/api/hitl/42/retry", `{"feedback":"use the v2 endpoint"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, f.hitl.calls, 1)
	assert.Equal(t, hitlCall{op: "retry", issue: 42, feedback: "use the v2 endpoint"}, f.hitl.calls[0])
}

func TestHITLRejectsBadIssueNumber(t *testing.T) {
	f := newServerFixture(t)
	for _, path := range []string{"/api/hitl/zero/retry", "/api/hitl/-3/skip"} {
		rec := f.do(http.MethodPost, path, "{}")
		assert.Equal(t, http.StatusBadRequest, rec.Code, path)
	}
	assert.Empty(t, f.hitl.calls)
}

func TestHITLList(t *testing.T) {
	f := newServerFixture(t)
	f.hitl.items = []models.HITLItem{{Issue: 9, Cause: "from review"}}
	rec := f.do(http.MethodGet, "/api/hitl", "")
	require.Equal(t, http.StatusOK, rec.Code)
	items := decodeBody(t, rec)["items"].([]any)
	require.Len(t, items, 1)
}

func TestHumanInputAnswerRequired(t *testing.T) {
	f := newServerFixture(t)
	rec := f.do(http.MethodPost, "/api/human-input/5", `{"answer":""}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(http.MethodPost, "/api/human-input/5", `{"answer":"use blue"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, f.hitl.calls, 1)
	assert.Equal(t, "answer", f.hitl.calls[0].op)
}

func TestRequestChangesValidatesStage(t *testing.T) {
	f := newServerFixture(t)
	rec := f.do(http.MethodPost, "/api/request-changes", `{"issue_number":8,"feedback":"rename it","stage":"merged"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(http.MethodPost, "/api/request-changes", `{"issue_number":8,"feedback":"rename it","stage":"implement"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, f.hitl.calls, 1)
	assert.Equal(t, models.StageImplement, f.hitl.calls[0].stage)
}

func TestHITLLookupFailuresMapToNotFound(t *testing.T) {
	f := newServerFixture(t)

	f.hitl.err = fmt.Errorf("%w for issue 9", hitl.ErrNoItem)
	rec := f.do(http.MethodPost, "/api/hitl/9/retry", `{"feedback":"try again"}`)
	require.Equal(t, http.StatusNotFound, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "not_found", body["kind"])

	f.hitl.err = fmt.Errorf("%w for issue 9", worker.ErrNoWorker)
	rec = f.do(http.MethodPost, "/api/human-input/9", `{"answer":"yes"}`)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestBackgroundWorkerToggle(t *testing.T) {
	f := newServerFixture(t)
	rec := f.do(http.MethodPost, "/api/control/bg-worker", `{"name":"pr-merge-watcher","enabled":false}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, f.runner.enabled["pr-merge-watcher"])
}

func TestBackgroundWorkerInterval(t *testing.T) {
	f := newServerFixture(t)
	rec := f.do(http.MethodPost, "/api/control/bg-worker/interval", `{"name":"ci-status-watcher","interval_seconds":0}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(http.MethodPost, "/api/control/bg-worker/interval", `{"name":"ci-status-watcher","interval_seconds":45}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 45*time.Second, f.runner.intervals["ci-status-watcher"])
}

func TestMetricsIncludesRates(t *testing.T) {
	f := newServerFixture(t)
	f.metrics.session = metrics.Counters{
		PRsOpened: 4, PRsMerged: 3, ReviewsTotal: 4, FirstPassApprovals: 2,
		QualityFixes: 1, Implementations: 4,
	}
	rec := f.do(http.MethodGet, "/api/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	rates := body["rates"].(map[string]any)
	assert.InDelta(t, 0.75, rates["merge_rate"], 0.001)
	assert.InDelta(t, 0.5, rates["first_pass_approval_rate"], 0.001)
	assert.InDelta(t, 0.25, rates["quality_fix_rate"], 0.001)
}

func TestMetricsGithub(t *testing.T) {
	f := newServerFixture(t)
	f.host.issues = []models.Issue{{Number: 1}, {Number: 2}}
	f.host.prs = []models.PullRequest{{Number: 10}}
	rec := f.do(http.MethodGet, "/api/metrics/github", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, float64(2), body["open_issues"])
	assert.Equal(t, float64(1), body["open_prs"])
}

func TestWorkersListing(t *testing.T) {
	f := newServerFixture(t)
	f.workers.records = []models.WorkerRecord{{Key: "7", Issue: 7, Status: models.WorkerRunning}}
	rec := f.do(http.MethodGet, "/api/workers", "")
	require.Equal(t, http.StatusOK, rec.Code)
	records := decodeBody(t, rec)["workers"].([]any)
	require.Len(t, records, 1)
}
