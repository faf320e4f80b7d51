package automation

import (
	"strings"
	"testing"
	"time"

	"darwin/internal/ratelimit"
	"darwin/internal/types"

	"github.com/stretchr/testify/assert"
)

func levelConfig(level Level) Config {
	cfg := DefaultConfig()
	cfg.Level = level
	return cfg
}

func TestEvaluateTriggerConditions_ManualNeverTriggers(t *testing.T) {
	cfg := levelConfig(Manual)
	cfg.Triggers.CostThreshold = 100

	decision := EvaluateTriggerConditions(cfg, types.TokenUsage{TotalCost: 999},
		&types.HistoryItem{Task: "build failed hard"})
	assert.False(t, decision.ShouldTrigger)
	assert.Equal(t, TriggerNone, decision.Reason)
}

func TestEvaluateTriggerConditions_CostThreshold(t *testing.T) {
	cfg := levelConfig(AutoTrigger)
	cfg.Triggers.CostThreshold = 100

	tests := []struct {
		name    string
		cost    float64
		trigger bool
	}{
		{"above threshold", 150, true},
		{"below threshold", 50, false},
		{"exactly threshold", 100, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			decision := EvaluateTriggerConditions(cfg, types.TokenUsage{TotalCost: tc.cost}, nil)
			assert.Equal(t, tc.trigger, decision.ShouldTrigger)
			if tc.trigger {
				assert.Equal(t, TriggerHighCost, decision.Reason)
			}
		})
	}
}

func TestEvaluateTriggerConditions_ZeroThresholdDisablesCost(t *testing.T) {
	cfg := levelConfig(AutoTrigger)
	cfg.Triggers.CostThreshold = 0

	decision := EvaluateTriggerConditions(cfg, types.TokenUsage{TotalCost: 1e9}, nil)
	assert.False(t, decision.ShouldTrigger)
}

func TestEvaluateTriggerConditions_FailureBeatsCost(t *testing.T) {
	cfg := levelConfig(AutoTrigger)
	cfg.Triggers.CostThreshold = 100

	decision := EvaluateTriggerConditions(cfg, types.TokenUsage{TotalCost: 500},
		&types.HistoryItem{Task: "Deploy FAILED after retry"})
	assert.True(t, decision.ShouldTrigger)
	assert.Equal(t, TriggerFailure, decision.Reason)
}

func TestCheckRateLimits(t *testing.T) {
	cfg := levelConfig(AutoTrigger)
	cfg.Safety.MaxDailyRuns = 5
	cfg.Triggers.CooldownSeconds = 3600

	now := time.Date(2026, 8, 23, 12, 0, 0, 0, time.UTC)

	// At the daily cap on the same day.
	state := ratelimit.State{DailyCount: 5, DailyDate: ratelimit.DayKey(now)}
	decision := CheckRateLimits(cfg, state, now)
	assert.False(t, decision.Allowed)
	assert.True(t, strings.HasPrefix(decision.Reason, "Daily limit"), decision.Reason)

	// Same state on the next calendar day counts as zero runs.
	decision = CheckRateLimits(cfg, state, now.Add(24*time.Hour))
	assert.True(t, decision.Allowed)

	// Inside the cooldown window.
	state = ratelimit.State{LastRunMs: now.Add(-30 * time.Minute).UnixMilli()}
	decision = CheckRateLimits(cfg, state, now)
	assert.False(t, decision.Allowed)
	assert.True(t, strings.HasPrefix(decision.Reason, "Cooldown"), decision.Reason)

	// Past the cooldown window.
	state = ratelimit.State{LastRunMs: now.Add(-2 * time.Hour).UnixMilli()}
	assert.True(t, CheckRateLimits(cfg, state, now).Allowed)
}

func TestUpdateRateLimitState(t *testing.T) {
	cfg := levelConfig(AutoTrigger)
	now := time.Date(2026, 8, 23, 12, 0, 0, 0, time.UTC)

	var state ratelimit.State
	UpdateRateLimitState(cfg, &state, TriggerHighCost, now)
	assert.Equal(t, 1, state.DailyCount)
	assert.Equal(t, "2026-08-23", state.DailyDate)
	assert.Equal(t, string(TriggerHighCost), state.LastReason)

	UpdateRateLimitState(cfg, &state, TriggerFailure, now.Add(time.Hour))
	assert.Equal(t, 2, state.DailyCount)

	UpdateRateLimitState(cfg, &state, TriggerFailure, now.Add(24*time.Hour))
	assert.Equal(t, 1, state.DailyCount)
	assert.Equal(t, "2026-08-24", state.DailyDate)
}

func TestInferCategoryFromPath(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"docs/readme.md", "docs"},
		{"project/docs/guide.md", "docs"},
		{"README.md", "docs"},
		{"CHANGELOG.md", "docs"},
		{"docs/llm-mode-map.yaml", "mode-map"},
		{"config\\modemap.json", "mode-map"},
		{"memory/facts.json", "memory"},
		{"rubrics/review.yaml", "rubric"},
		{"eval/scoring-rubric.md", "rubric"},
		{"src/main.ts", ""},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, InferCategoryFromPath(tc.path), tc.path)
	}
}

func TestIsSafeToAutoApply(t *testing.T) {
	cfg := levelConfig(AutoApplyLowRisk)
	cfg.Safety.AutoApplyTypes = []string{"docs", "mode-map"}

	assert.True(t, IsSafeToAutoApply("docs", cfg))
	assert.False(t, IsSafeToAutoApply("memory", cfg))
	assert.False(t, IsSafeToAutoApply("", cfg))

	cfg.Level = AutoTrigger
	assert.False(t, IsSafeToAutoApply("docs", cfg))
}

func TestEvaluateAutoApply(t *testing.T) {
	cfg := levelConfig(AutoApplyLowRisk)
	cfg.Safety.AutoApplyTypes = []string{"docs", "mode-map"}

	changes := []types.FileChange{
		{Path: "docs/readme.md"},
		{Path: "docs/llm-mode-map.yaml"},
	}
	decision := EvaluateAutoApply(changes, cfg)
	assert.True(t, decision.CanAutoApply)
	assert.Len(t, decision.SafeChanges, 2)
	assert.Empty(t, decision.UnsafeChanges)

	changes = append(changes, types.FileChange{Path: "src/main.ts"})
	decision = EvaluateAutoApply(changes, cfg)
	assert.False(t, decision.CanAutoApply)
	assert.Len(t, decision.SafeChanges, 2)
	assert.Equal(t, []string{"src/main.ts"}, decision.UnsafeChanges)
	assert.Contains(t, decision.Reason, "manual approval")
	assert.Contains(t, decision.Reason, "src/main.ts")
}

func TestEvaluateAutoApply_LevelAndEmpty(t *testing.T) {
	cfg := levelConfig(AutoTrigger)
	decision := EvaluateAutoApply([]types.FileChange{{Path: "docs/readme.md"}}, cfg)
	assert.False(t, decision.CanAutoApply)

	cfg.Level = FullClosedLoop
	decision = EvaluateAutoApply(nil, cfg)
	assert.False(t, decision.CanAutoApply)
	assert.Equal(t, "no changes to evaluate", decision.Reason)
}

func TestEvaluateAutoApply_ExplicitCategoryWins(t *testing.T) {
	cfg := levelConfig(AutoApplyLowRisk)
	cfg.Safety.AutoApplyTypes = []string{"docs"}

	// Uncategorizable path, but the engine pre-classified it.
	decision := EvaluateAutoApply([]types.FileChange{{Path: "notes/todo.txt", Category: "docs"}}, cfg)
	assert.True(t, decision.CanAutoApply)
}

func TestRequiresHumanApproval(t *testing.T) {
	approve := []string{
		"council/config.yaml",
		".darwin/council.json",
		"rules.md",
		"project-rules.md",
		"package.json",
		"pnpm-lock.yaml",
		"frontend/yarn.lock",
		"go.mod",
		"go.sum",
		".github/workflows/ci.yml",
		"repo/.github/workflows/release.yaml",
		".gitlab-ci.yml",
		".circleci/config.yml",
	}
	for _, p := range approve {
		assert.True(t, RequiresHumanApproval(p), p)
	}

	free := []string{
		"docs/readme.md",
		"memory/facts.json",
		"src/main.go",
		"council-notes.txt",
	}
	for _, p := range free {
		assert.False(t, RequiresHumanApproval(p), p)
	}
}

func TestLevelString(t *testing.T) {
	assert.Equal(t, "manual", Manual.String())
	assert.Equal(t, "full-closed-loop", FullClosedLoop.String())
	assert.Equal(t, "level(9)", Level(9).String())
}
