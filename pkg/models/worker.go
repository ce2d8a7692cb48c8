package models

import "time"

// WorkerRole identifies which stage a worker serves.
type WorkerRole string

// Worker roles.
const (
	RoleTriage      WorkerRole = "triage"
	RolePlanner     WorkerRole = "planner"
	RoleImplementer WorkerRole = "implementer"
	RoleReviewer    WorkerRole = "reviewer"
)

// RoleForStage maps a work stage to the role of the worker it admits.
func RoleForStage(s Stage) WorkerRole {
	switch s {
	case StageTriage:
		return RoleTriage
	case StagePlan:
		return RolePlanner
	case StageImplement:
		return RoleImplementer
	case StageReview:
		return RoleReviewer
	}
	return ""
}

// WorkerStatus is the fine-grained status of an agent sub-process. Transitions
// are monotonic within a worker and terminate in done, failed, or escalated.
type WorkerStatus string

// Worker status values. The middle group is reported by the agent itself
// via status markers on stdout.
const (
	WorkerQueued     WorkerStatus = "queued"
	WorkerRunning    WorkerStatus = "running"
	WorkerPlanning   WorkerStatus = "planning"
	WorkerTesting    WorkerStatus = "testing"
	WorkerCommitting WorkerStatus = "committing"
	WorkerReviewing  WorkerStatus = "reviewing"
	WorkerQualityFix WorkerStatus = "quality_fix"
	WorkerDone       WorkerStatus = "done"
	WorkerFailed     WorkerStatus = "failed"
	WorkerEscalated  WorkerStatus = "escalated"
)

// Terminal reports whether the status ends the worker's lifecycle.
func (s WorkerStatus) Terminal() bool {
	return s == WorkerDone || s == WorkerFailed || s == WorkerEscalated
}

// WorkerRecord is a snapshot of an active or recently completed worker.
// Records are retained after completion for inspection until session reset.
type WorkerRecord struct {
	Key        string       `json:"key"`
	Role       WorkerRole   `json:"role"`
	Status     WorkerStatus `json:"status"`
	Issue      int          `json:"issue"`
	PR         int          `json:"pr,omitempty"`
	StartTime  time.Time    `json:"start_time"`
	EndTime    *time.Time   `json:"end_time,omitempty"`
	Transcript []string     `json:"transcript,omitempty"`
}

// HITLItemStatus is the resolution state of a HITL item.
type HITLItemStatus string

// HITL item statuses. Stage-originated statuses ("from-<stage>") are
// produced by HITLStatusFrom.
const (
	HITLPending    HITLItemStatus = "pending"
	HITLProcessing HITLItemStatus = "processing"
	HITLResolved   HITLItemStatus = "resolved"
	HITLApproval   HITLItemStatus = "approval"
)

// HITLStatusFrom returns the stage-originated status variant.
func HITLStatusFrom(s Stage) HITLItemStatus {
	return HITLItemStatus("from-" + string(s))
}

// HITLItem is the derived view of an escalated issue awaiting human action.
// PR is 0 when the issue has no pull request yet.
type HITLItem struct {
	Issue              int            `json:"issue"`
	Title              string         `json:"title"`
	Branch             string         `json:"branch,omitempty"`
	PR                 int            `json:"pr"`
	PRURL              string         `json:"pr_url,omitempty"`
	Status             HITLItemStatus `json:"status"`
	Cause              string         `json:"cause"`
	IsMemorySuggestion bool           `json:"is_memory_suggestion"`
}
