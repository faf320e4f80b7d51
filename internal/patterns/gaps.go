package patterns

import (
	"fmt"
	"math"
	"strings"
	"time"

	"darwin/internal/types"
)

// =============================================================================
// CAPABILITY GAP DETECTION - MISSING OR MISCONFIGURED TOOLS
// =============================================================================

// gapKeywords are the error-text markers that suggest a tool is missing,
// misconfigured, or lacks permissions. The first matching keyword wins per
// message.
var gapKeywords = []string{
	"not found",
	"unavailable",
	"permission denied",
	"access denied",
	"not supported",
}

// detectCapabilityGaps emits a signal per tool with repeated user rejections
// and a signal per gap keyword that recurs in tool error text.
func (d *Detector) detectCapabilityGaps(window []types.TraceEvent, now time.Time) []types.LearningSignal {
	var signals []types.LearningSignal

	// (a) Repeated user rejections of the same tool.
	rejections := make(map[string][]types.TraceEvent)
	var toolOrder []string
	for _, ev := range window {
		if ev.Type != types.EventUserRejection || ev.ToolName == "" {
			continue
		}
		if _, seen := rejections[ev.ToolName]; !seen {
			toolOrder = append(toolOrder, ev.ToolName)
		}
		rejections[ev.ToolName] = append(rejections[ev.ToolName], ev)
	}
	for _, tool := range toolOrder {
		events := rejections[tool]
		if len(events) < 2 {
			continue
		}
		confidence := math.Min(float64(len(events))/5, 1) * 0.8
		sig := newSignal(types.SignalCapabilityGap, confidence,
			fmt.Sprintf("Tool %q rejected by user %d times", tool, len(events)),
			events, now)
		sig.SuggestedAction = fmt.Sprintf("Review configuration of %s or provide an alternative", tool)
		sig.Context = map[string]interface{}{
			"toolName":       tool,
			"rejectionCount": len(events),
		}
		signals = append(signals, sig)
	}

	// (b) Characteristic error text. First keyword match wins per message.
	keywordHits := make(map[string][]types.TraceEvent)
	for _, ev := range window {
		if ev.Type != types.EventToolError || ev.ErrorMessage == "" {
			continue
		}
		msg := strings.ToLower(ev.ErrorMessage)
		for _, kw := range gapKeywords {
			if strings.Contains(msg, kw) {
				keywordHits[kw] = append(keywordHits[kw], ev)
				break
			}
		}
	}
	for _, kw := range gapKeywords {
		events := keywordHits[kw]
		if len(events) < 2 {
			continue
		}
		confidence := math.Min(float64(len(events))/5, 0.9)
		sig := newSignal(types.SignalCapabilityGap, confidence,
			fmt.Sprintf("Errors containing %q occurred %d times", kw, len(events)),
			events, now)
		sig.SuggestedAction = fmt.Sprintf("Investigate %q failures; a capability may be missing", kw)
		sig.Context = map[string]interface{}{
			"keyword":     kw,
			"occurrences": len(events),
		}
		signals = append(signals, sig)
	}

	return signals
}
