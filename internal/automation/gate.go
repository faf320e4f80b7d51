// Package automation implements the policy gate that decides when evolution
// runs may start and which proposals may be applied without a human. The
// gate is a pure decision engine: the only state it touches is the
// externally persisted rate-limit state handed to it.
package automation

import (
	"fmt"
	"path"
	"strings"
	"time"

	"darwin/internal/logging"
	"darwin/internal/ratelimit"
	"darwin/internal/types"
)

// =============================================================================
// AUTOMATION LEVELS AND CONFIGURATION
// =============================================================================

// Level is the four-tier automation policy.
type Level int

const (
	// Manual means darwin never acts on its own.
	Manual Level = iota
	// AutoTrigger allows automatic evolution runs but every apply is manual.
	AutoTrigger
	// AutoApplyLowRisk additionally auto-applies whitelisted change categories.
	AutoApplyLowRisk
	// FullClosedLoop runs trigger, review, apply, and rollback unattended.
	FullClosedLoop
)

func (l Level) String() string {
	switch l {
	case Manual:
		return "manual"
	case AutoTrigger:
		return "auto-trigger"
	case AutoApplyLowRisk:
		return "auto-apply-low-risk"
	case FullClosedLoop:
		return "full-closed-loop"
	default:
		return fmt.Sprintf("level(%d)", int(l))
	}
}

// Triggers holds the conditions that may start an automatic run.
type Triggers struct {
	// FailureRate is the recent-task failure fraction above which external
	// metric pipelines should request a run. The gate itself consumes it
	// only through the history item it is handed.
	FailureRate float64 `yaml:"failure_rate" json:"failure_rate"`

	// CostThreshold triggers a run once total spend reaches it.
	// Exactly zero disables cost-based triggering.
	CostThreshold float64 `yaml:"cost_threshold" json:"cost_threshold"`

	// CooldownSeconds is the minimum spacing between automatic runs.
	CooldownSeconds int `yaml:"cooldown_seconds" json:"cooldown_seconds"`
}

// Safety holds the blast-radius limits.
type Safety struct {
	MaxDailyRuns   int      `yaml:"max_daily_runs" json:"max_daily_runs"`
	AutoApplyTypes []string `yaml:"auto_apply_types" json:"auto_apply_types"`
}

// Config is the automation policy document. Loaded once per session and
// only ever mutated by user action.
type Config struct {
	Level    Level    `yaml:"level" json:"level"`
	Triggers Triggers `yaml:"triggers" json:"triggers"`
	Safety   Safety   `yaml:"safety" json:"safety"`
}

// DefaultConfig returns the shipped policy: fully manual, conservative
// limits.
func DefaultConfig() Config {
	return Config{
		Level: Manual,
		Triggers: Triggers{
			FailureRate:     0.3,
			CostThreshold:   0,
			CooldownSeconds: 3600,
		},
		Safety: Safety{
			MaxDailyRuns:   5,
			AutoApplyTypes: []string{"docs", "memory"},
		},
	}
}

// =============================================================================
// TRIGGER EVALUATION
// =============================================================================

// TriggerReason labels why a run was (not) started.
type TriggerReason string

const (
	TriggerNone     TriggerReason = "none"
	TriggerFailure  TriggerReason = "failure"
	TriggerHighCost TriggerReason = "high_cost"
)

// TriggerDecision is the outcome of EvaluateTriggerConditions.
type TriggerDecision struct {
	ShouldTrigger bool          `json:"should_trigger"`
	Reason        TriggerReason `json:"reason"`
}

// failureIndicators are matched case-insensitively against the latest task
// outcome text.
var failureIndicators = []string{"failed", "failure", "error"}

// EvaluateTriggerConditions decides whether an evolution run should start.
// Manual never triggers. Failure indicators in the latest task text take
// priority over cost; a cost threshold of exactly zero disables the cost
// check.
func EvaluateTriggerConditions(cfg Config, usage types.TokenUsage, history *types.HistoryItem) TriggerDecision {
	if cfg.Level == Manual {
		return TriggerDecision{ShouldTrigger: false, Reason: TriggerNone}
	}

	if history != nil {
		task := strings.ToLower(history.Task)
		for _, indicator := range failureIndicators {
			if strings.Contains(task, indicator) {
				logging.Automation("Trigger: failure indicator %q in latest task", indicator)
				return TriggerDecision{ShouldTrigger: true, Reason: TriggerFailure}
			}
		}
	}

	if cfg.Triggers.CostThreshold > 0 && usage.TotalCost >= cfg.Triggers.CostThreshold {
		logging.Automation("Trigger: cost %.2f reached threshold %.2f", usage.TotalCost, cfg.Triggers.CostThreshold)
		return TriggerDecision{ShouldTrigger: true, Reason: TriggerHighCost}
	}

	return TriggerDecision{ShouldTrigger: false, Reason: TriggerNone}
}

// =============================================================================
// RATE LIMITING
// =============================================================================

func limiterFor(cfg Config) ratelimit.Limiter {
	return ratelimit.Limiter{
		MaxDaily: cfg.Safety.MaxDailyRuns,
		Cooldown: time.Duration(cfg.Triggers.CooldownSeconds) * time.Second,
	}
}

// CheckRateLimits reports whether a run may start now. The state is never
// mutated here; call UpdateRateLimitState once the run actually starts.
func CheckRateLimits(cfg Config, state ratelimit.State, now time.Time) ratelimit.Decision {
	return limiterFor(cfg).Check(state, now)
}

// UpdateRateLimitState records that a run started now.
func UpdateRateLimitState(cfg Config, state *ratelimit.State, reason TriggerReason, now time.Time) {
	limiterFor(cfg).Update(state, string(reason), now)
}

// =============================================================================
// AUTO-APPLY POLICY
// =============================================================================

// IsSafeToAutoApply reports whether a change category may be applied without
// a human at the configured level.
func IsSafeToAutoApply(category string, cfg Config) bool {
	if cfg.Level < AutoApplyLowRisk || category == "" {
		return false
	}
	for _, allowed := range cfg.Safety.AutoApplyTypes {
		if allowed == category {
			return true
		}
	}
	return false
}

// InferCategoryFromPath classifies a file path into a change category.
// Returns "" when the path is uncategorizable.
func InferCategoryFromPath(p string) string {
	normalized := strings.ToLower(strings.ReplaceAll(p, "\\", "/"))
	base := path.Base(normalized)

	switch {
	case strings.Contains(base, "mode-map"), strings.Contains(base, "modemap"):
		return "mode-map"
	case strings.HasPrefix(normalized, "docs/"), strings.Contains(normalized, "/docs/"),
		strings.HasPrefix(base, "readme"), strings.HasPrefix(base, "changelog"):
		return "docs"
	case strings.HasPrefix(normalized, "memory/"), strings.Contains(normalized, "/memory/"):
		return "memory"
	case strings.HasPrefix(normalized, "rubrics/"), strings.Contains(normalized, "/rubrics/"),
		strings.Contains(base, "rubric"):
		return "rubric"
	default:
		return ""
	}
}

// AutoApplyDecision is the outcome of EvaluateAutoApply.
type AutoApplyDecision struct {
	CanAutoApply  bool     `json:"can_auto_apply"`
	SafeChanges   []string `json:"safe_changes,omitempty"`
	UnsafeChanges []string `json:"unsafe_changes,omitempty"`
	Reason        string   `json:"reason"`
}

// EvaluateAutoApply partitions a change set into safe and unsafe paths.
// Every change must be safe for the whole set to auto-apply; hard human
// approval overrides beat any category whitelist.
func EvaluateAutoApply(changes []types.FileChange, cfg Config) AutoApplyDecision {
	if cfg.Level < AutoApplyLowRisk {
		return AutoApplyDecision{
			CanAutoApply: false,
			Reason:       fmt.Sprintf("automation level %s does not permit auto-apply", cfg.Level),
		}
	}
	if len(changes) == 0 {
		return AutoApplyDecision{CanAutoApply: false, Reason: "no changes to evaluate"}
	}

	var safe, unsafe []string
	for _, change := range changes {
		category := change.Category
		if category == "" {
			category = InferCategoryFromPath(change.Path)
		}
		if RequiresHumanApproval(change.Path) || !IsSafeToAutoApply(category, cfg) {
			unsafe = append(unsafe, change.Path)
			continue
		}
		safe = append(safe, change.Path)
	}

	if len(unsafe) > 0 {
		return AutoApplyDecision{
			CanAutoApply:  false,
			SafeChanges:   safe,
			UnsafeChanges: unsafe,
			Reason:        fmt.Sprintf("changes require manual approval: %s", strings.Join(unsafe, ", ")),
		}
	}
	return AutoApplyDecision{
		CanAutoApply: true,
		SafeChanges:  safe,
		Reason:       fmt.Sprintf("all %d changes fall into auto-apply categories", len(safe)),
	}
}

// RequiresHumanApproval reports whether a path is a hard override that no
// automation level may bypass: council configuration, rules markdown,
// dependency manifests and lockfiles, and CI configuration.
func RequiresHumanApproval(p string) bool {
	normalized := strings.ToLower(strings.ReplaceAll(p, "\\", "/"))
	base := path.Base(normalized)

	if strings.Contains(normalized, "council") && (strings.HasSuffix(base, ".yaml") ||
		strings.HasSuffix(base, ".yml") || strings.HasSuffix(base, ".json")) {
		return true
	}
	if strings.Contains(base, "rules") && strings.HasSuffix(base, ".md") {
		return true
	}

	switch base {
	case "package.json", "pnpm-lock.yaml", "package-lock.json", "yarn.lock", "go.mod", "go.sum":
		return true
	}

	if strings.HasPrefix(normalized, ".github/workflows/") || strings.Contains(normalized, "/.github/workflows/") {
		return true
	}
	if base == ".gitlab-ci.yml" || strings.HasPrefix(normalized, ".circleci/") || strings.Contains(normalized, "/.circleci/") {
		return true
	}
	return false
}
