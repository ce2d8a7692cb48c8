// Package metrics tracks session and lifetime counters for the pipeline.
// The collector derives every count from bus events, so producers never call
// into it directly.
package metrics

import (
	"time"
)

// Counters are the monotonic pipeline counts. Session counters reset with
// the session; lifetime counters persist across restarts via the repository.
type Counters struct {
	IssuesCompleted    uint64 `json:"issues_completed"`
	PRsMerged          uint64 `json:"prs_merged"`
	PRsOpened          uint64 `json:"prs_opened"`
	HITLEscalations    uint64 `json:"hitl_escalations"`
	FirstPassApprovals uint64 `json:"first_pass_approvals"`
	QualityFixes       uint64 `json:"quality_fixes"`
	ReviewsTotal       uint64 `json:"reviews_total"`
	Implementations    uint64 `json:"implementations"`
	IssuesAdmitted     uint64 `json:"issues_admitted"`
}

// Rates are the derived ratios. A zero denominator yields a zero rate rather
// than NaN.
type Rates struct {
	MergeRate             float64 `json:"merge_rate"`               // prs_merged / prs_opened
	FirstPassApprovalRate float64 `json:"first_pass_approval_rate"` // first_pass_approvals / reviews_total
	QualityFixRate        float64 `json:"quality_fix_rate"`         // quality_fixes / implementations
	HITLEscalationRate    float64 `json:"hitl_escalation_rate"`     // hitl_escalations / issues_admitted
	CompletionRate        float64 `json:"completion_rate"`          // issues_completed / issues_admitted
}

// RatesFor derives rates from a counter set.
func RatesFor(c Counters) Rates {
	return Rates{
		MergeRate:             ratio(c.PRsMerged, c.PRsOpened),
		FirstPassApprovalRate: ratio(c.FirstPassApprovals, c.ReviewsTotal),
		QualityFixRate:        ratio(c.QualityFixes, c.Implementations),
		HITLEscalationRate:    ratio(c.HITLEscalations, c.IssuesAdmitted),
		CompletionRate:        ratio(c.IssuesCompleted, c.IssuesAdmitted),
	}
}

func ratio(num, den uint64) float64 {
	if den == 0 {
		return 0
	}
	return float64(num) / float64(den)
}

// Snapshot is one periodic sample of both counter sets and their derived
// rates.
type Snapshot struct {
	Time          time.Time `json:"time"`
	Session       Counters  `json:"session"`
	Lifetime      Counters  `json:"lifetime"`
	SessionRates  Rates     `json:"session_rates"`
	LifetimeRates Rates     `json:"lifetime_rates"`
}
