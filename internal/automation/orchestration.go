package automation

import (
	"fmt"
	"time"
)

// =============================================================================
// ORCHESTRATION RESULT - STRUCTURED RUN SUMMARY
// =============================================================================

// OrchestrationResult summarizes one evolution pass: what triggered it,
// whether rate limiting blocked it, and what came out the other end.
type OrchestrationResult struct {
	Timestamp          time.Time     `json:"timestamp"`
	Triggered          bool          `json:"triggered"`
	TriggerReason      TriggerReason `json:"trigger_reason"`
	RateLimited        bool          `json:"rate_limited"`
	RateLimitReason    string        `json:"rate_limit_reason,omitempty"`
	TraceExported      bool          `json:"trace_exported"`
	ReviewRan          bool          `json:"review_ran"`
	ProposalsGenerated int           `json:"proposals_generated"`
	AutoApplied        int           `json:"auto_applied"`
	Notes              []string      `json:"notes,omitempty"`
}

// NewOrchestrationResult returns a result stamped now with nothing recorded.
func NewOrchestrationResult(now time.Time) *OrchestrationResult {
	return &OrchestrationResult{
		Timestamp:     now,
		TriggerReason: TriggerNone,
	}
}

// Note appends a free-form observation to the run summary.
func (r *OrchestrationResult) Note(format string, args ...interface{}) {
	r.Notes = append(r.Notes, fmt.Sprintf(format, args...))
}

// NewLogEntry renders the result as a single timestamped log line.
func NewLogEntry(r *OrchestrationResult) string {
	return fmt.Sprintf("[%s] triggered=%t reason=%s rate_limited=%t proposals=%d auto_applied=%d",
		r.Timestamp.Format(time.RFC3339), r.Triggered, r.TriggerReason,
		r.RateLimited, r.ProposalsGenerated, r.AutoApplied)
}
