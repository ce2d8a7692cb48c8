// Package agent runs coding-agent sub-processes behind a narrow seam: JSON
// input on stdin, line-oriented markers on stdout, exit status as the final
// word. The orchestrator treats the agent binary as opaque; everything it
// knows arrives through this package.
package agent

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/forgeworks/hydra/pkg/models"
)

// Stdout markers. One status marker per line; one terminal result line;
// anything else is transcript.
const (
	statusMarker   = "::hydra:status "
	resultMarker   = "::hydra:result "
	questionMarker = "::hydra:ask "
	creditsMarker  = "::hydra:credits_exhausted"
)

// Sentinel errors for agent failures.
var (
	// ErrTimeout marks an agent that exceeded its hard deadline.
	ErrTimeout = errors.New("agent timed out")

	// ErrSchema marks an agent that exited 0 without a valid result line.
	// Treated as a crash by policy.
	ErrSchema = errors.New("agent produced invalid result")

	// ErrCreditsExhausted marks an agent aborted by the runtime's
	// 402-equivalent. The scheduler pauses rather than escalating.
	ErrCreditsExhausted = errors.New("agent credits exhausted")
)

// CrashError wraps a non-zero exit.
type CrashError struct {
	ExitCode int
}

func (e *CrashError) Error() string {
	return fmt.Sprintf("agent exited with status %d", e.ExitCode)
}

// Input is the invocation payload written to the agent's stdin as one JSON
// line.
type Input struct {
	Role        models.WorkerRole `json:"role"`
	IssueNumber int               `json:"issue_number"`
	PR          int               `json:"pr,omitempty"`
	Branch      string            `json:"branch,omitempty"`
	Feedback    string            `json:"feedback,omitempty"`
}

// Result is the agent's terminal report, parsed from the result marker line.
type Result struct {
	Verdict          string `json:"verdict"` // done, failed, escalated
	PR               int    `json:"pr,omitempty"`
	PRURL            string `json:"pr_url,omitempty"`
	Branch           string `json:"branch,omitempty"`
	Draft            bool   `json:"draft,omitempty"`
	Cause            string `json:"cause,omitempty"`
	MemorySuggestion bool   `json:"memory_suggestion,omitempty"`
}

// LineKind discriminates parsed stdout lines.
type LineKind int

// Line kinds.
const (
	LineText LineKind = iota
	LineStatus
	LineResult
	LineQuestion
	LineCredits
)

// ParsedLine is one classified line of agent stdout.
type ParsedLine struct {
	Kind     LineKind
	Text     string              // transcript text (LineText)
	Status   models.WorkerStatus // LineStatus
	Result   *Result             // LineResult
	Question string              // LineQuestion
}

// validStatuses are the sub-states an agent may report mid-run.
var validStatuses = map[models.WorkerStatus]bool{
	models.WorkerRunning:    true,
	models.WorkerPlanning:   true,
	models.WorkerTesting:    true,
	models.WorkerCommitting: true,
	models.WorkerReviewing:  true,
	models.WorkerQualityFix: true,
}

// ParseLine classifies one stdout line. Unrecognized status values and
// malformed result JSON degrade to transcript text so a misbehaving agent
// cannot wedge the stream.
func ParseLine(line string) ParsedLine {
	switch {
	case strings.HasPrefix(line, statusMarker):
		status := models.WorkerStatus(strings.TrimSpace(strings.TrimPrefix(line, statusMarker)))
		if !validStatuses[status] {
			return ParsedLine{Kind: LineText, Text: line}
		}
		return ParsedLine{Kind: LineStatus, Status: status}

	case strings.HasPrefix(line, resultMarker):
		var res Result
		raw := strings.TrimSpace(strings.TrimPrefix(line, resultMarker))
		if err := json.Unmarshal([]byte(raw), &res); err != nil || res.Verdict == "" {
			return ParsedLine{Kind: LineText, Text: line}
		}
		return ParsedLine{Kind: LineResult, Result: &res}

	case strings.HasPrefix(line, questionMarker):
		return ParsedLine{Kind: LineQuestion, Question: strings.TrimSpace(strings.TrimPrefix(line, questionMarker))}

	case strings.TrimSpace(line) == creditsMarker:
		return ParsedLine{Kind: LineCredits}

	default:
		return ParsedLine{Kind: LineText, Text: line}
	}
}
