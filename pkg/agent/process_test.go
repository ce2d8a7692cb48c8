package agent

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgeworks/hydra/pkg/models"
)

// runScript starts /bin/sh -c script as the agent binary.
func runScript(t *testing.T, ctx context.Context, script string, handlers Handlers) (Result, error) {
	t.Helper()
	p, err := Start(ctx, "/bin/sh", []string{"-c", script}, Input{Role: models.RoleImplementer, IssueNumber: 5}, handlers)
	require.NoError(t, err)
	return p.Wait(ctx)
}

func TestProcess_HappyPath(t *testing.T) {
	var (
		mu       sync.Mutex
		lines    []string
		statuses []models.WorkerStatus
	)
	handlers := Handlers{
		OnStatus: func(s models.WorkerStatus) {
			mu.Lock()
			statuses = append(statuses, s)
			mu.Unlock()
		},
		OnLine: func(l string) {
			mu.Lock()
			lines = append(lines, l)
			mu.Unlock()
		},
	}

	script := `
read input
echo "starting work"
echo "::hydra:status planning"
echo "::hydra:status testing"
echo '::hydra:result {"verdict":"done","pr":200,"pr_url":"https://host/pulls/200","branch":"hydra/issue-5"}'
`
	result, err := runScript(t, context.Background(), script, handlers)
	require.NoError(t, err)
	assert.Equal(t, "done", result.Verdict)
	assert.Equal(t, 200, result.PR)
	assert.Equal(t, "hydra/issue-5", result.Branch)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []models.WorkerStatus{models.WorkerPlanning, models.WorkerTesting}, statuses)
	assert.Contains(t, lines, "starting work")
}

func TestProcess_ReceivesInputOnStdin(t *testing.T) {
	var (
		mu    sync.Mutex
		lines []string
	)
	handlers := Handlers{OnLine: func(l string) {
		mu.Lock()
		lines = append(lines, l)
		mu.Unlock()
	}}

	// Echo the input back so the test can inspect what the agent saw.
	script := `
read input
echo "input: $input"
echo '::hydra:result {"verdict":"done"}'
`
	_, err := runScript(t, context.Background(), script, handlers)
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], `"role":"implementer"`)
	assert.Contains(t, lines[0], `"issue_number":5`)
}

func TestProcess_NonZeroExitIsCrash(t *testing.T) {
	_, err := runScript(t, context.Background(), "read input; exit 3", Handlers{})
	var crash *CrashError
	require.ErrorAs(t, err, &crash)
	assert.Equal(t, 3, crash.ExitCode)
}

func TestProcess_CleanExitWithoutResultIsSchemaViolation(t *testing.T) {
	_, err := runScript(t, context.Background(), `read input; echo "did stuff"; exit 0`, Handlers{})
	assert.ErrorIs(t, err, ErrSchema)
}

func TestProcess_Timeout(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := runScript(t, ctx, "read input; sleep 30", Handlers{})
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Less(t, time.Since(start), 15*time.Second)
}

func TestProcess_CreditsExhausted(t *testing.T) {
	notified := make(chan struct{}, 1)
	handlers := Handlers{OnCredits: func() { notified <- struct{}{} }}

	script := `
read input
echo "::hydra:credits_exhausted"
exit 1
`
	_, err := runScript(t, context.Background(), script, handlers)
	assert.ErrorIs(t, err, ErrCreditsExhausted)
	select {
	case <-notified:
	case <-time.After(time.Second):
		t.Fatal("credits callback not invoked")
	}
}

func TestProcess_AnswerReachesAgent(t *testing.T) {
	var (
		mu    sync.Mutex
		lines []string
	)
	questions := make(chan string, 1)
	handlers := Handlers{
		OnQuestion: func(q string) { questions <- q },
		OnLine: func(l string) {
			mu.Lock()
			lines = append(lines, l)
			mu.Unlock()
		},
	}

	script := `
read input
echo "::hydra:ask pick a color"
read answer
echo "got $answer"
echo '::hydra:result {"verdict":"done"}'
`
	ctx := context.Background()
	p, err := Start(ctx, "/bin/sh", []string{"-c", script}, Input{Role: models.RoleImplementer, IssueNumber: 5}, handlers)
	require.NoError(t, err)

	select {
	case q := <-questions:
		assert.Equal(t, "pick a color", q)
	case <-time.After(5 * time.Second):
		t.Fatal("question never surfaced")
	}

	require.NoError(t, p.Answer("blue"))

	result, err := p.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, "done", result.Verdict)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], "blue")
}
