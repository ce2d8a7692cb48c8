package models

// Typed payloads for each event kind. Every payload is immutable once
// published; components hand the bus a value, never a shared pointer.

// OrchestratorStatusPayload announces a scheduler lifecycle transition.
// Reset=true tells clients to clear session-scoped views (workers table,
// session counters) before applying subsequent events.
type OrchestratorStatusPayload struct {
	Status OrchestratorStatus `json:"status"`
	Reset  bool               `json:"reset,omitempty"`
}

// PhaseChangePayload is the coarse banner phase: the dominant active stage.
type PhaseChangePayload struct {
	Phase Stage `json:"phase"`
}

// BatchPayload marks the start or completion of one admission cycle.
type BatchPayload struct {
	Batch    uint64 `json:"batch"`
	Admitted int    `json:"admitted,omitempty"`
	Active   int    `json:"active,omitempty"`
	Queued   int    `json:"queued,omitempty"`
}

// WorkerUpdatePayload carries a worker lifecycle transition. Published under
// the stage-specific event type (triage_update, planner_update,
// worker_update, review_update). Status=done ends the stage for the issue.
type WorkerUpdatePayload struct {
	Issue  int          `json:"issue,omitempty"`
	PR     int          `json:"pr,omitempty"`
	Status WorkerStatus `json:"status"`
	Worker string       `json:"worker"`
	Role   WorkerRole   `json:"role"`
}

// TranscriptLinePayload is one line of agent output. Exactly one of Issue
// and PR identifies the worker (reviewers are keyed by PR).
type TranscriptLinePayload struct {
	Issue  int    `json:"issue,omitempty"`
	PR     int    `json:"pr,omitempty"`
	Source string `json:"source"`
	Line   string `json:"line"`
}

// PRCreatedPayload announces a newly opened pull request.
type PRCreatedPayload struct {
	PR    int    `json:"pr"`
	Issue int    `json:"issue"`
	URL   string `json:"url"`
	Draft bool   `json:"draft"`
}

// MergeUpdatePayload reports merge progress for a PR. Status "merged" moves
// the owning issue to the merged stage.
type MergeUpdatePayload struct {
	PR     int    `json:"pr"`
	Issue  int    `json:"issue,omitempty"`
	Status string `json:"status"`
}

// HITLEscalationPayload moves an issue into the hitl stage.
type HITLEscalationPayload struct {
	Issue            int    `json:"issue"`
	PR               int    `json:"pr,omitempty"`
	Cause            string `json:"cause"`
	MemorySuggestion bool   `json:"memory_suggestion,omitempty"`
}

// HITLUpdatePayload reports resolution progress on a HITL item.
type HITLUpdatePayload struct {
	Issue  int            `json:"issue"`
	Action string         `json:"action,omitempty"`
	Status HITLItemStatus `json:"status,omitempty"`
}

// QueueUpdatePayload carries current queue depths per stage.
type QueueUpdatePayload struct {
	Depths map[Stage]int `json:"depths"`
}

// BackgroundWorkerStatusPayload is a background loop heartbeat.
type BackgroundWorkerStatusPayload struct {
	Name            string `json:"name"`
	Status          string `json:"status"` // ok, error, disabled
	Enabled         bool   `json:"enabled"`
	IntervalSeconds int    `json:"interval_seconds"`
	LastRun         string `json:"last_run,omitempty"`
	Details         string `json:"details,omitempty"`
}

// SystemAlertPayload is an operator-facing notification outside the normal
// pipeline flow (e.g. the agent runtime reporting exhausted credits).
type SystemAlertPayload struct {
	Alert   string `json:"alert"`
	Details string `json:"details,omitempty"`
}

// ErrorPayload surfaces a non-fatal failure on the bus.
type ErrorPayload struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
	Issue   int    `json:"issue,omitempty"`
}

// PipelineUpdatePayload is a stage-membership delta so clients can patch
// their pipeline view without re-fetching the whole table.
type PipelineUpdatePayload struct {
	Issue  int         `json:"issue"`
	From   Stage       `json:"from,omitempty"`
	To     Stage       `json:"to"`
	Status IssueStatus `json:"status"`
}

// IntentCreatedPayload confirms a submitted intent became an issue.
type IntentCreatedPayload struct {
	Text        string `json:"text"`
	IssueNumber int    `json:"issueNumber"`
}

// IntentFailedPayload reports that intent ingestion failed at the host.
type IntentFailedPayload struct {
	Text  string `json:"text"`
	Error string `json:"error"`
}

// GapPayload accompanies the gap sentinel; OldestRetained is the ring floor
// at the time the gap was detected.
type GapPayload struct {
	OldestRetained uint64 `json:"oldest_retained"`
}
