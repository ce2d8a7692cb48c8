// Package intent turns free-text requests into tracked issues at the front
// of the pipeline.
package intent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/forgeworks/hydra/pkg/bus"
	"github.com/forgeworks/hydra/pkg/models"
	"github.com/forgeworks/hydra/pkg/pipeline"
)

const (
	// maxIntentBytes bounds one submission.
	maxIntentBytes = 10 * 1024

	// titleLimit is how much of the intent becomes the issue title.
	titleLimit = 80
)

// Validation errors surfaced to the transport as bad requests.
var (
	ErrEmpty    = errors.New("intent text is empty")
	ErrTooLarge = fmt.Errorf("intent text exceeds %d bytes", maxIntentBytes)
)

// Host creates issues for accepted intents.
type Host interface {
	CreateIssue(ctx context.Context, title, body string, labels []string) (models.Issue, error)
}

// Ingestor validates intents and enters them at triage.
type Ingestor struct {
	store  *pipeline.Store
	bus    *bus.Bus
	host   Host
	label  string
	logger *slog.Logger
}

// New builds an ingestor. label is attached to every created issue so the
// reconciler can recognize pipeline-owned work.
func New(store *pipeline.Store, b *bus.Bus, host Host, label string, logger *slog.Logger) *Ingestor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ingestor{
		store:  store,
		bus:    b,
		host:   host,
		label:  label,
		logger: logger.With("component", "intent"),
	}
}

// Submit validates text, creates the host issue, and queues it for triage.
// A host failure leaves no pipeline state behind; the error is returned
// verbatim and mirrored as an intent_failed event.
func (i *Ingestor) Submit(ctx context.Context, text string) (int, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return 0, ErrEmpty
	}
	if len(text) > maxIntentBytes {
		return 0, ErrTooLarge
	}

	issue, err := i.host.CreateIssue(ctx, title(text), text, []string{i.label})
	if err != nil {
		i.bus.Publish(models.EventIntentFailed, models.IntentFailedPayload{
			Text: text, Error: err.Error(),
		})
		i.logger.Error("Intent rejected by host", "error", err)
		return 0, err
	}

	i.store.Upsert(issue, models.StageTriage, models.IssueStatusQueued)
	i.bus.Publish(models.EventIntentCreated, models.IntentCreatedPayload{
		Text: text, IssueNumber: issue.Number,
	})
	i.logger.Info("Intent accepted", "issue", issue.Number)
	return issue.Number, nil
}

// title is the first line of the intent, clipped to the title limit. The
// limit counts runes so a multibyte character is never split.
func title(text string) string {
	line := text
	if idx := strings.IndexByte(line, '\n'); idx >= 0 {
		line = line[:idx]
	}
	line = strings.TrimSpace(line)
	if utf8.RuneCountInString(line) > titleLimit {
		runes := []rune(line)
		line = string(runes[:titleLimit])
	}
	return line
}
