package models

import "time"

// Event is a single immutable record in the bus's append-only log. The log
// is the authoritative history; every derived view is a projection of it.
//
// IDs are assigned by the bus and strictly increase over a process lifetime.
// Data holds the kind-specific payload struct (see payloads.go); on the wire
// the envelope serializes as {id, type, timestamp, data}.
type Event struct {
	ID        uint64    `json:"id"`
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
}

// Event types. The set is exhaustive: clients switch on these tags.
const (
	EventOrchestratorStatus = "orchestrator_status"
	EventPhaseChange        = "phase_change"
	EventBatchStart         = "batch_start"
	EventBatchComplete      = "batch_complete"

	EventTriageUpdate  = "triage_update"
	EventPlannerUpdate = "planner_update"
	EventWorkerUpdate  = "worker_update"
	EventReviewUpdate  = "review_update"

	EventTranscriptLine = "transcript_line"
	EventPRCreated      = "pr_created"
	EventMergeUpdate    = "merge_update"

	EventHITLEscalation = "hitl_escalation"
	EventHITLUpdate     = "hitl_update"

	EventQueueUpdate            = "queue_update"
	EventBackgroundWorkerStatus = "background_worker_status"
	EventMetricsUpdate          = "metrics_update"
	EventSystemAlert            = "system_alert"
	EventError                  = "error"

	EventPipelineUpdate = "pipeline_update"
	EventIntentCreated  = "intent_created"
	EventIntentFailed   = "intent_failed"

	// EventGap is the sentinel delivered to a subscriber whose requested
	// replay position has aged out of the ring. The client must reconcile
	// via the REST surface before trusting the live stream.
	EventGap = "gap"
)

// UpdateEventForStage maps a work stage to its worker-lifecycle event type.
func UpdateEventForStage(s Stage) string {
	switch s {
	case StageTriage:
		return EventTriageUpdate
	case StagePlan:
		return EventPlannerUpdate
	case StageImplement:
		return EventWorkerUpdate
	case StageReview:
		return EventReviewUpdate
	}
	return EventWorkerUpdate
}

// OrchestratorStatus is the lifecycle state of the global scheduler.
type OrchestratorStatus string

// Orchestrator statuses.
const (
	OrchestratorIdle          OrchestratorStatus = "idle"
	OrchestratorRunning       OrchestratorStatus = "running"
	OrchestratorStopping      OrchestratorStatus = "stopping"
	OrchestratorStopped       OrchestratorStatus = "stopped"
	OrchestratorDone          OrchestratorStatus = "done"
	OrchestratorCreditsPaused OrchestratorStatus = "credits_paused"
	OrchestratorAuthFailed    OrchestratorStatus = "auth_failed"
)
