// Package types contains the shared data model for darwin's evolution
// pipeline: trace events recorded during agent execution, the learning
// signals inferred from them, the change proposals synthesized from signals,
// and the records kept by the self-healing monitor after a proposal is
// applied.
package types

import "time"

// =============================================================================
// TRACE EVENTS - WHAT HAPPENED DURING AGENT EXECUTION
// =============================================================================

// TraceEventType classifies a single recorded execution fact.
type TraceEventType string

const (
	EventToolError         TraceEventType = "tool_error"
	EventToolSuccess       TraceEventType = "tool_success"
	EventUserCorrection    TraceEventType = "user_correction"
	EventUserRejection     TraceEventType = "user_rejection"
	EventTaskComplete      TraceEventType = "task_complete"
	EventTaskAbandoned     TraceEventType = "task_abandoned"
	EventModeSwitch        TraceEventType = "mode_switch"
	EventContextOverflow   TraceEventType = "context_overflow"
	EventAPIError          TraceEventType = "api_error"
	EventDoomLoopDetected  TraceEventType = "doom_loop_detected"
	EventProposalGenerated TraceEventType = "proposal_generated"
	EventProposalApplied   TraceEventType = "proposal_applied"
	EventProposalRejected  TraceEventType = "proposal_rejected"
)

// TraceEvent is a single recorded fact about agent task execution.
// Events are immutable once recorded; darwin only reads them.
type TraceEvent struct {
	ID           string                 `json:"id"`
	Timestamp    int64                  `json:"timestamp"` // epoch milliseconds
	Type         TraceEventType         `json:"type"`
	TaskID       string                 `json:"task_id"`
	Summary      string                 `json:"summary"`
	ToolName     string                 `json:"tool_name,omitempty"`
	ErrorMessage string                 `json:"error_message,omitempty"`
	Mode         string                 `json:"mode,omitempty"`
	Model        string                 `json:"model,omitempty"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
}

// =============================================================================
// LEARNING SIGNALS - SCORED PATTERNS INFERRED FROM A TRACE WINDOW
// =============================================================================

// SignalType classifies a detected pattern.
type SignalType string

const (
	SignalDoomLoop         SignalType = "doom_loop"
	SignalInstructionDrift SignalType = "instruction_drift"
	SignalCapabilityGap    SignalType = "capability_gap"
	SignalSuccessPattern   SignalType = "success_pattern"
	SignalInefficiency     SignalType = "inefficiency"
	SignalUserPreference   SignalType = "user_preference"
)

// LearningSignal is a scored, evidence-linked pattern inferred from a window
// of trace events. Created only by the pattern detector and never mutated.
type LearningSignal struct {
	ID              string                 `json:"id"`
	Type            SignalType             `json:"type"`
	Confidence      float64                `json:"confidence"` // [0,1]
	Description     string                 `json:"description"`
	SourceEventIDs  []string               `json:"source_event_ids"`
	DetectedAt      time.Time              `json:"detected_at"`
	SuggestedAction string                 `json:"suggested_action,omitempty"`
	Context         map[string]interface{} `json:"context,omitempty"`
}

// =============================================================================
// EVOLUTION PROPOSALS - RISK-SCORED CHANGE SUGGESTIONS
// =============================================================================

// ProposalType classifies what kind of change a proposal makes.
type ProposalType string

const (
	ProposalRuleUpdate       ProposalType = "rule_update"
	ProposalModeInstruction  ProposalType = "mode_instruction"
	ProposalToolCreation     ProposalType = "tool_creation"
	ProposalConfigChange     ProposalType = "config_change"
	ProposalPromptRefinement ProposalType = "prompt_refinement"
)

// ProposalStatus is a proposal's position in its lifecycle.
type ProposalStatus string

const (
	StatusPending    ProposalStatus = "pending"
	StatusApproved   ProposalStatus = "approved"
	StatusRejected   ProposalStatus = "rejected"
	StatusApplied    ProposalStatus = "applied"
	StatusFailed     ProposalStatus = "failed"
	StatusRolledBack ProposalStatus = "rolled_back"
)

// proposalTransitions holds the only legal status edges. The lifecycle is
// monotonic: once applied, a proposal can never return to pending.
var proposalTransitions = map[ProposalStatus][]ProposalStatus{
	StatusPending:  {StatusApproved, StatusRejected},
	StatusApproved: {StatusApplied, StatusFailed},
	StatusApplied:  {StatusFailed, StatusRolledBack},
}

// CanTransition reports whether a proposal may move from one status to
// another. Rejected, failed, and rolled_back are terminal.
func CanTransition(from, to ProposalStatus) bool {
	for _, next := range proposalTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// RiskLevel classifies how dangerous applying a proposal is.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// EvolutionProposal is a structured, risk-classified suggested change derived
// from one or more learning signals.
type EvolutionProposal struct {
	ID             string                 `json:"id"`
	Type           ProposalType           `json:"type"`
	Status         ProposalStatus         `json:"status"`
	Risk           RiskLevel              `json:"risk"`
	Title          string                 `json:"title"`
	Description    string                 `json:"description"`
	Payload        map[string]interface{} `json:"payload"`
	SourceSignalID string                 `json:"source_signal_id,omitempty"`
	CreatedAt      time.Time              `json:"created_at"`
	UpdatedAt      time.Time              `json:"updated_at"`
	ReviewedBy     string                 `json:"reviewed_by,omitempty"`
	ReviewNotes    string                 `json:"review_notes,omitempty"`
	RollbackData   map[string]interface{} `json:"rollback_data,omitempty"`
}

// =============================================================================
// PERFORMANCE METRICS AND TRIGGER INPUTS
// =============================================================================

// PerformanceMetrics is an immutable snapshot of recent task performance.
type PerformanceMetrics struct {
	SuccessRate       float64   `json:"success_rate"` // [0,1]
	AverageCost       float64   `json:"average_cost"`
	AverageDurationMs float64   `json:"average_duration_ms"`
	TaskCount         int       `json:"task_count"`
	Timestamp         time.Time `json:"timestamp"`
}

// TokenUsage summarizes model spend for trigger evaluation.
type TokenUsage struct {
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	TotalCost    float64 `json:"total_cost"`
}

// HistoryItem is the most recent task outcome fed to trigger evaluation.
type HistoryItem struct {
	Task      string    `json:"task"`
	Timestamp time.Time `json:"timestamp"`
}

// FileChange is one file a proposal wants to touch, optionally pre-classified
// by the application engine. An empty category means "infer from path".
type FileChange struct {
	Path     string `json:"path"`
	Category string `json:"category,omitempty"`
}

// =============================================================================
// SELF-HEALING RECORDS
// =============================================================================

// ApplicationStatus is the state of one monitored application.
type ApplicationStatus string

const (
	ApplicationMonitoring ApplicationStatus = "monitoring"
	ApplicationRolledBack ApplicationStatus = "rolled-back"
)

// ApplicationRecord tracks one applied proposal: the performance baseline
// captured before application, the file backups taken, and the metrics that
// arrive afterwards. Terminal once rolled back.
type ApplicationRecord struct {
	ID            string              `json:"id"`
	ProposalID    string              `json:"proposal_id"`
	ProposalDir   string              `json:"proposal_dir"`
	BackupPaths   map[string]string   `json:"backup_paths"` // original path -> backup location
	BeforeMetrics PerformanceMetrics  `json:"before_metrics"`
	AfterMetrics  *PerformanceMetrics `json:"after_metrics,omitempty"`
	Status        ApplicationStatus   `json:"status"`
	RolledBack    bool                `json:"rolled_back"`
	CreatedAt     time.Time           `json:"created_at"`
}

// RollbackAction is one append-only entry in the rollback log.
type RollbackAction struct {
	ApplicationID string    `json:"application_id"`
	Result        string    `json:"result"` // success | failure
	RestoredFiles []string  `json:"restored_files"`
	Reason        string    `json:"reason"`
	Automatic     bool      `json:"automatic"`
	Trigger       string    `json:"trigger,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// =============================================================================
// COLLABORATOR CONTRACTS
// =============================================================================

// Verdict values returned by the council reviewer.
const (
	VerdictApprove        = "approve"
	VerdictReject         = "reject"
	VerdictRequestChanges = "request_changes"
)

// CouncilVerdict is the opaque outcome of a council review.
type CouncilVerdict struct {
	Decision   string `json:"decision"` // approve | reject | request_changes
	Notes      string `json:"notes,omitempty"`
	ReviewedBy string `json:"reviewed_by,omitempty"`
}
