// Package models defines the shared domain types: issues, stages, workers,
// pull requests, HITL items, and the event envelope that flows over the bus.
package models

// Stage identifies a pipeline stage bucket. An issue is a member of exactly
// one stage at any moment.
type Stage string

// Pipeline stages in flow order, plus the two absorbing states.
const (
	StageTriage    Stage = "triage"
	StagePlan      Stage = "plan"
	StageImplement Stage = "implement"
	StageReview    Stage = "review"
	StageMerged    Stage = "merged"
	StageHITL      Stage = "hitl"
)

// WorkStages lists the stages that admit workers, in pipeline order.
var WorkStages = []Stage{StageTriage, StagePlan, StageImplement, StageReview}

// Next returns the stage an issue advances to when a worker reports done.
// ok is false for terminal and non-work stages.
func (s Stage) Next() (next Stage, ok bool) {
	switch s {
	case StageTriage:
		return StagePlan, true
	case StagePlan:
		return StageImplement, true
	case StageImplement:
		return StageReview, true
	case StageReview:
		return StageMerged, true
	default:
		return "", false
	}
}

// IsWorkStage reports whether the stage admits workers.
func (s Stage) IsWorkStage() bool {
	switch s {
	case StageTriage, StagePlan, StageImplement, StageReview:
		return true
	}
	return false
}

// IssueStatus is the coarse status of an issue within its stage.
type IssueStatus string

// Issue status values.
const (
	IssueStatusQueued IssueStatus = "queued"
	IssueStatusActive IssueStatus = "active"
	IssueStatusDone   IssueStatus = "done"
	IssueStatusFailed IssueStatus = "failed"
	IssueStatusHITL   IssueStatus = "hitl"
)

// Issue is the primary unit of work. The issue number is assigned by the
// host and immutable; everything else is derived orchestration state.
type Issue struct {
	Number int         `json:"issue_number"`
	Title  string      `json:"title"`
	URL    string      `json:"url"`
	Stage  Stage       `json:"stage"`
	Status IssueStatus `json:"status"`

	// PR fields are set once the implementer opens a pull request.
	PR     int    `json:"pr,omitempty"`
	PRURL  string `json:"pr_url,omitempty"`
	Branch string `json:"branch,omitempty"`

	// Cause records why the issue was escalated to HITL.
	Cause string `json:"cause,omitempty"`

	// MemorySuggestion flags the special HITL variant that is resolved by
	// approval rather than retry.
	MemorySuggestion bool `json:"memory_suggestion,omitempty"`
}

// PullRequest is a PR learned from the host or reported by an implementer.
type PullRequest struct {
	Number int    `json:"pr"`
	Issue  int    `json:"issue"`
	Branch string `json:"branch,omitempty"`
	URL    string `json:"url"`
	Draft  bool   `json:"draft"`
	Merged bool   `json:"merged"`
}
