package patterns

import (
	"fmt"
	"testing"
	"time"

	"darwin/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2026, 8, 23, 12, 0, 0, 0, time.UTC)

func event(id string, offset time.Duration, evType types.TraceEventType, taskID, tool, errMsg string) types.TraceEvent {
	return types.TraceEvent{
		ID:           id,
		Timestamp:    testNow.Add(offset).UnixMilli(),
		Type:         evType,
		TaskID:       taskID,
		ToolName:     tool,
		ErrorMessage: errMsg,
		Summary:      string(evType),
	}
}

func TestNew_ClampsConfig(t *testing.T) {
	d := New(Config{DoomLoopThreshold: 1})
	assert.Equal(t, 2, d.Config().DoomLoopThreshold)

	d = New(Config{DoomLoopThreshold: 50})
	assert.Equal(t, 10, d.Config().DoomLoopThreshold)

	d = New(Config{})
	assert.Equal(t, 5*time.Minute, d.Config().AnalysisWindow)
	assert.Equal(t, 0.5, d.Config().MinConfidence)
}

func TestAnalyzeTraces_WindowFiltering(t *testing.T) {
	d := New(DefaultConfig())

	// Three identical failures, but one fell out of the 5-minute window.
	traces := []types.TraceEvent{
		event("e1", -10*time.Minute, types.EventToolError, "t1", "grep", "exit 2"),
		event("e2", -1*time.Second, types.EventToolError, "t1", "grep", "exit 2"),
		event("e3", -2*time.Second, types.EventToolError, "t1", "grep", "exit 2"),
	}
	signals := d.AnalyzeTraces(traces, testNow)
	assert.Empty(t, signals, "stale event must not count toward the doom-loop threshold")
}

func TestAnalyzeTraces_DoomLoopHighConfidence(t *testing.T) {
	d := New(DefaultConfig())

	// Canonical doom loop: threshold hits with identical error text and
	// millisecond-adjacent timestamps.
	traces := []types.TraceEvent{
		event("e1", 0, types.EventToolError, "task-9", "compile", "syntax error near line 40"),
		event("e2", time.Millisecond, types.EventToolError, "task-9", "compile", "syntax error near line 40"),
		event("e3", 2*time.Millisecond, types.EventToolError, "task-9", "compile", "syntax error near line 40"),
	}
	signals := d.AnalyzeTraces(traces, testNow)
	require.Len(t, signals, 1)

	sig := signals[0]
	assert.Equal(t, types.SignalDoomLoop, sig.Type)
	assert.GreaterOrEqual(t, sig.Confidence, 0.9)
	assert.Equal(t, []string{"e1", "e2", "e3"}, sig.SourceEventIDs)
	assert.Contains(t, sig.SuggestedAction, "syntax error near line 40")
	assert.Equal(t, "compile", sig.Context["toolName"])
}

func TestAnalyzeTraces_DoomLoopRequiresToolName(t *testing.T) {
	d := New(DefaultConfig())

	traces := []types.TraceEvent{
		event("e1", 0, types.EventToolError, "t1", "", "boom"),
		event("e2", time.Millisecond, types.EventToolError, "t1", "", "boom"),
		event("e3", 2*time.Millisecond, types.EventToolError, "t1", "", "boom"),
	}
	assert.Empty(t, d.AnalyzeTraces(traces, testNow),
		"tool_error without tool_name is excluded from grouping, not an error")
}

func TestAnalyzeTraces_MinConfidenceFilter(t *testing.T) {
	d := New(DefaultConfig())

	// Two rejections score min(2/5,1)*0.8 = 0.32, below the 0.5 floor.
	traces := []types.TraceEvent{
		event("r1", 0, types.EventUserRejection, "t1", "web_search", ""),
		event("r2", time.Second, types.EventUserRejection, "t1", "web_search", ""),
	}
	signals := d.AnalyzeTraces(traces, testNow)
	assert.Empty(t, signals)

	for _, sig := range d.AnalyzeTraces(traces, testNow) {
		assert.GreaterOrEqual(t, sig.Confidence, d.Config().MinConfidence)
	}
}

func TestDetectCapabilityGaps_Rejections(t *testing.T) {
	d := New(DefaultConfig())

	// Spread across tasks so only the per-tool grouping fires.
	var traces []types.TraceEvent
	for i := 0; i < 4; i++ {
		traces = append(traces, event(fmt.Sprintf("r%d", i), time.Duration(i)*time.Second,
			types.EventUserRejection, fmt.Sprintf("t%d", i), "web_search", ""))
	}
	signals := d.AnalyzeTraces(traces, testNow)
	require.Len(t, signals, 1)
	assert.Equal(t, types.SignalCapabilityGap, signals[0].Type)
	assert.InDelta(t, 0.8*4.0/5.0, signals[0].Confidence, 1e-9)
	assert.Equal(t, 4, signals[0].Context["rejectionCount"])
}

func TestDetectCapabilityGaps_ErrorKeywords(t *testing.T) {
	d := New(DefaultConfig())

	// Three distinct tools all report "not found"; first keyword match wins
	// per message so "command not found: permission denied" counts once.
	traces := []types.TraceEvent{
		event("k1", 0, types.EventToolError, "t1", "a", "binary not found in PATH"),
		event("k2", time.Second, types.EventToolError, "t2", "b", "resource NOT FOUND"),
		event("k3", 2*time.Second, types.EventToolError, "t3", "c", "not found: permission denied"),
	}
	signals := d.AnalyzeTraces(traces, testNow)

	var gap *types.LearningSignal
	for i := range signals {
		if signals[i].Type == types.SignalCapabilityGap {
			gap = &signals[i]
		}
	}
	require.NotNil(t, gap)
	assert.Equal(t, "not found", gap.Context["keyword"])
	assert.InDelta(t, 0.6, gap.Confidence, 1e-9) // min(3/5, 0.9)
	assert.Len(t, gap.SourceEventIDs, 3)
}

func TestDetectFeedbackPatterns(t *testing.T) {
	d := New(DefaultConfig())

	traces := []types.TraceEvent{
		event("f1", 0, types.EventUserRejection, "t7", "", ""),
		event("f2", time.Second, types.EventUserRejection, "t7", "", ""),
		event("f3", 2*time.Second, types.EventUserRejection, "t7", "", ""),
		event("f4", 3*time.Second, types.EventUserCorrection, "t7", "", ""),
	}
	signals := d.AnalyzeTraces(traces, testNow)
	require.Len(t, signals, 1)
	assert.Equal(t, types.SignalInstructionDrift, signals[0].Type)
	assert.InDelta(t, 0.75, signals[0].Confidence, 1e-9)

	// A rejection minority does not qualify.
	traces[0].Type = types.EventUserCorrection
	traces[1].Type = types.EventUserCorrection
	assert.Empty(t, d.AnalyzeTraces(traces, testNow))
}

func TestDetectInstructionDrift_ModeSwitches(t *testing.T) {
	d := New(DefaultConfig())

	var traces []types.TraceEvent
	for i := 0; i < 3; i++ {
		traces = append(traces, event(fmt.Sprintf("m%d", i), time.Duration(i)*time.Second,
			types.EventModeSwitch, "t2", "", ""))
	}
	signals := d.AnalyzeTraces(traces, testNow)
	require.Len(t, signals, 1)
	assert.Equal(t, types.SignalInstructionDrift, signals[0].Type)
	assert.InDelta(t, 0.6, signals[0].Confidence, 1e-9) // min(3/5, 0.8)
}

func TestDetectInstructionDrift_Alternation(t *testing.T) {
	d := New(DefaultConfig())

	// success, error, success, error, success: every adjacent pair flips.
	seq := []types.TraceEventType{
		types.EventToolSuccess, types.EventToolError, types.EventToolSuccess,
		types.EventToolError, types.EventToolSuccess,
	}
	var traces []types.TraceEvent
	for i, evType := range seq {
		traces = append(traces, event(fmt.Sprintf("a%d", i), time.Duration(i)*time.Second,
			evType, "t3", "fmt", "fail"))
	}
	signals := d.AnalyzeTraces(traces, testNow)
	require.Len(t, signals, 1)
	assert.Equal(t, types.SignalInstructionDrift, signals[0].Type)
	assert.InDelta(t, 0.7, signals[0].Confidence, 1e-9) // ratio 1.0 * 0.7
	assert.InDelta(t, 1.0, signals[0].Context["alternationRatio"].(float64), 1e-9)

	// Steady failure (no flips) is a doom-loop concern, not drift.
	for i := range traces {
		traces[i].Type = types.EventToolError
	}
	for _, sig := range d.AnalyzeTraces(traces, testNow) {
		assert.Equal(t, types.SignalDoomLoop, sig.Type)
	}
}

func TestIsDoomLoop_FastPath(t *testing.T) {
	d := New(DefaultConfig())

	traces := []types.TraceEvent{
		event("e1", 0, types.EventToolError, "t1", "grep", "x"),
		event("e2", time.Second, types.EventToolError, "t1", "grep", "y"),
		event("e3", 2*time.Second, types.EventToolError, "t2", "grep", "z"),
	}
	assert.Equal(t, 2, d.DoomLoopCount(traces, "grep", testNow))
	assert.False(t, d.IsDoomLoop(traces, "grep", testNow))

	traces = append(traces, event("e4", 3*time.Second, types.EventToolError, "t1", "grep", "x"))
	assert.Equal(t, 3, d.DoomLoopCount(traces, "grep", testNow))
	assert.True(t, d.IsDoomLoop(traces, "grep", testNow))

	assert.Equal(t, 0, d.DoomLoopCount(traces, "sed", testNow))
}
