package intent

import (
	"context"
	"errors"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgeworks/hydra/pkg/bus"
	"github.com/forgeworks/hydra/pkg/models"
	"github.com/forgeworks/hydra/pkg/pipeline"
)

type fakeHost struct {
	created []string
	labels  []string
	err     error
	next    int
}

func (f *fakeHost) CreateIssue(_ context.Context, title, _ string, labels []string) (models.Issue, error) {
	if f.err != nil {
		return models.Issue{}, f.err
	}
	f.created = append(f.created, title)
	f.labels = labels
	f.next++
	return models.Issue{Number: 100 + f.next, Title: title, URL: "https://host/issues/x"}, nil
}

func newIngestor(host *fakeHost) (*Ingestor, *pipeline.Store, *bus.Bus) {
	b := bus.New()
	store := pipeline.NewStore(b)
	return New(store, b, host, "hydra", nil), store, b
}

func TestSubmit_CreatesIssueAndQueuesTriage(t *testing.T) {
	host := &fakeHost{}
	ing, store, b := newIngestor(host)
	sub := b.Subscribe(0)
	defer b.Unsubscribe(sub)

	n, err := ing.Submit(context.Background(), "Add dark mode to the dashboard")
	require.NoError(t, err)
	assert.Equal(t, 101, n)
	assert.Equal(t, []string{"hydra"}, host.labels)

	issue, ok := store.Get(101)
	require.True(t, ok)
	assert.Equal(t, models.StageTriage, issue.Stage)
	assert.Equal(t, models.IssueStatusQueued, issue.Status)

	var saw bool
	for !saw {
		ev := <-sub.Events()
		if ev.Type == models.EventIntentCreated {
			p := ev.Data.(models.IntentCreatedPayload)
			assert.Equal(t, 101, p.IssueNumber)
			saw = true
		}
	}
}

func TestSubmit_TitleIsFirstLineClipped(t *testing.T) {
	host := &fakeHost{}
	ing, _, _ := newIngestor(host)

	long := strings.Repeat("x", 200)
	_, err := ing.Submit(context.Background(), long+"\nmore detail below")
	require.NoError(t, err)
	require.Len(t, host.created, 1)
	assert.Len(t, host.created[0], 80)
}

func TestSubmit_TitleClipNeverSplitsRune(t *testing.T) {
	host := &fakeHost{}
	ing, _, _ := newIngestor(host)

	_, err := ing.Submit(context.Background(), strings.Repeat("ü", 200))
	require.NoError(t, err)
	require.Len(t, host.created, 1)
	title := host.created[0]
	assert.True(t, utf8.ValidString(title))
	assert.Equal(t, 80, utf8.RuneCountInString(title))
	assert.Equal(t, strings.Repeat("ü", 80), title)
}

func TestSubmit_RejectsEmpty(t *testing.T) {
	ing, _, _ := newIngestor(&fakeHost{})
	_, err := ing.Submit(context.Background(), "   \n\t ")
	assert.ErrorIs(t, err, ErrEmpty)
}

func TestSubmit_RejectsOversized(t *testing.T) {
	ing, _, _ := newIngestor(&fakeHost{})
	_, err := ing.Submit(context.Background(), strings.Repeat("a", 11*1024))
	assert.ErrorIs(t, err, ErrTooLarge)
}

func TestSubmit_HostFailureLeavesNoState(t *testing.T) {
	hostErr := errors.New("503 from host")
	ing, store, b := newIngestor(&fakeHost{err: hostErr})
	sub := b.Subscribe(0)
	defer b.Unsubscribe(sub)

	_, err := ing.Submit(context.Background(), "do the thing")
	require.ErrorIs(t, err, hostErr, "host error surfaces verbatim")

	assert.Empty(t, store.Snapshot()[models.StageTriage])

	ev := <-sub.Events()
	require.Equal(t, models.EventIntentFailed, ev.Type)
	p := ev.Data.(models.IntentFailedPayload)
	assert.Equal(t, "503 from host", p.Error)
}
