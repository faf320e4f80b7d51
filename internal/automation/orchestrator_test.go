package automation

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"darwin/internal/patterns"
	"darwin/internal/proposals"
	"darwin/internal/selfheal"
	"darwin/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubReviewer struct {
	decision string
	reviews  int
}

func (r *stubReviewer) Review(_ context.Context, _ *types.EvolutionProposal) (*types.CouncilVerdict, error) {
	r.reviews++
	return &types.CouncilVerdict{Decision: r.decision, ReviewedBy: "council-stub"}, nil
}

type stubApplier struct {
	plan    []types.FileChange
	applied []string
}

func (a *stubApplier) Plan(_ context.Context, _ *types.EvolutionProposal) ([]types.FileChange, error) {
	return a.plan, nil
}

func (a *stubApplier) Apply(_ context.Context, p *types.EvolutionProposal) ([]string, error) {
	a.applied = append(a.applied, p.ID)
	paths := make([]string, 0, len(a.plan))
	for _, c := range a.plan {
		paths = append(paths, c.Path)
	}
	return paths, nil
}

func doomTraces(now time.Time) []types.TraceEvent {
	var traces []types.TraceEvent
	for i := 0; i < 3; i++ {
		traces = append(traces, types.TraceEvent{
			ID:           fmt.Sprintf("e%d", i),
			Timestamp:    now.Add(time.Duration(i) * time.Millisecond).UnixMilli(),
			Type:         types.EventToolError,
			TaskID:       "t1",
			ToolName:     "compile",
			ErrorMessage: "syntax error near line 40",
		})
	}
	return traces
}

func newTestOrchestrator(cfg Config) *Orchestrator {
	return NewOrchestrator(cfg, nil, patterns.New(patterns.DefaultConfig()), proposals.New(proposals.DefaultConfig()))
}

func TestRunOnce_ManualIsNoOp(t *testing.T) {
	o := newTestOrchestrator(levelConfig(Manual))

	now := time.Date(2026, 8, 23, 12, 0, 0, 0, time.UTC)
	result, err := o.RunOnce(context.Background(), RunInput{
		Usage:  types.TokenUsage{TotalCost: 999},
		Traces: doomTraces(now),
		Now:    now,
	})
	require.NoError(t, err)
	assert.False(t, result.Triggered)
	assert.Equal(t, TriggerNone, result.TriggerReason)
	assert.Equal(t, 0, result.ProposalsGenerated)
}

func TestRunOnce_FullClosedLoopAutoApplies(t *testing.T) {
	cfg := levelConfig(FullClosedLoop)
	cfg.Triggers.CostThreshold = 100
	cfg.Triggers.CooldownSeconds = 0
	cfg.Safety.AutoApplyTypes = []string{"docs"}

	o := newTestOrchestrator(cfg)
	reviewer := &stubReviewer{decision: types.VerdictApprove}
	applier := &stubApplier{plan: []types.FileChange{{Path: "docs/readme.md"}}}
	o.SetReviewer(reviewer)
	o.SetApplier(applier)

	now := time.Date(2026, 8, 23, 12, 0, 0, 0, time.UTC)
	result, err := o.RunOnce(context.Background(), RunInput{
		Usage:  types.TokenUsage{TotalCost: 150},
		Traces: doomTraces(now),
		Now:    now,
	})
	require.NoError(t, err)

	assert.True(t, result.Triggered)
	assert.Equal(t, TriggerHighCost, result.TriggerReason)
	assert.False(t, result.RateLimited)
	assert.True(t, result.ReviewRan)
	assert.Equal(t, 2, result.ProposalsGenerated)
	assert.Equal(t, 2, result.AutoApplied)
	assert.Equal(t, 2, reviewer.reviews)
	assert.Len(t, applier.applied, 2)
}

func TestRunOnce_RejectedProposalsAreNotApplied(t *testing.T) {
	cfg := levelConfig(FullClosedLoop)
	cfg.Triggers.CostThreshold = 100
	cfg.Triggers.CooldownSeconds = 0

	o := newTestOrchestrator(cfg)
	applier := &stubApplier{plan: []types.FileChange{{Path: "docs/readme.md"}}}
	o.SetReviewer(&stubReviewer{decision: types.VerdictReject})
	o.SetApplier(applier)

	now := time.Date(2026, 8, 23, 12, 0, 0, 0, time.UTC)
	result, err := o.RunOnce(context.Background(), RunInput{
		Usage:  types.TokenUsage{TotalCost: 150},
		Traces: doomTraces(now),
		Now:    now,
	})
	require.NoError(t, err)
	assert.Equal(t, 2, result.ProposalsGenerated)
	assert.Equal(t, 0, result.AutoApplied)
	assert.Empty(t, applier.applied)
}

func TestRunOnce_NoReviewerLeavesPending(t *testing.T) {
	cfg := levelConfig(FullClosedLoop)
	cfg.Triggers.CostThreshold = 100
	cfg.Triggers.CooldownSeconds = 0

	o := newTestOrchestrator(cfg)
	applier := &stubApplier{plan: []types.FileChange{{Path: "docs/readme.md"}}}
	o.SetApplier(applier)

	now := time.Date(2026, 8, 23, 12, 0, 0, 0, time.UTC)
	result, err := o.RunOnce(context.Background(), RunInput{
		Usage:  types.TokenUsage{TotalCost: 150},
		Traces: doomTraces(now),
		Now:    now,
	})
	require.NoError(t, err)
	assert.False(t, result.ReviewRan)
	assert.Equal(t, 0, result.AutoApplied)
	assert.Empty(t, applier.applied)
}

func TestRunOnce_RegistersApplicationsWithMonitor(t *testing.T) {
	cfg := levelConfig(FullClosedLoop)
	cfg.Triggers.CostThreshold = 100
	cfg.Triggers.CooldownSeconds = 0
	cfg.Safety.AutoApplyTypes = []string{"docs"}

	dir := t.TempDir()
	docsDir := filepath.Join(dir, "docs")
	require.NoError(t, os.MkdirAll(docsDir, 0o755))
	target := filepath.Join(docsDir, "readme.md")
	require.NoError(t, os.WriteFile(target, []byte("before\n"), 0o644))

	monitor, err := selfheal.NewMonitor(nil, filepath.Join(dir, "backups"), selfheal.DefaultConfig())
	require.NoError(t, err)

	o := newTestOrchestrator(cfg)
	o.SetReviewer(&stubReviewer{decision: types.VerdictApprove})
	o.SetApplier(&stubApplier{plan: []types.FileChange{{Path: target}}})
	o.SetMonitor(monitor)

	now := time.Date(2026, 8, 23, 12, 0, 0, 0, time.UTC)
	result, err := o.RunOnce(context.Background(), RunInput{
		Usage:   types.TokenUsage{TotalCost: 150},
		Traces:  doomTraces(now),
		Metrics: types.PerformanceMetrics{SuccessRate: 0.9, TaskCount: 20},
		Now:     now,
	})
	require.NoError(t, err)
	assert.Equal(t, 2, result.AutoApplied)

	apps := monitor.Applications()
	require.Len(t, apps, 2)
	for _, app := range apps {
		assert.Equal(t, types.ApplicationMonitoring, app.Status)
		assert.Contains(t, app.BackupPaths, target)
		assert.InDelta(t, 0.9, app.BeforeMetrics.SuccessRate, 1e-9)
	}
}

func TestNewLogEntry(t *testing.T) {
	now := time.Date(2026, 8, 23, 12, 0, 0, 0, time.UTC)
	r := NewOrchestrationResult(now)
	r.Triggered = true
	r.TriggerReason = TriggerFailure
	r.ProposalsGenerated = 3

	line := NewLogEntry(r)
	assert.Contains(t, line, "triggered=true")
	assert.Contains(t, line, "reason=failure")
	assert.Contains(t, line, "proposals=3")
}
