package patterns

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"darwin/internal/logging"
	"darwin/internal/types"
)

// =============================================================================
// DOOM LOOP DETECTION - REPEATED FAILURE OF THE SAME TOOL
// =============================================================================

// detectDoomLoops groups tool_error events by (task, tool) and scores every
// group that reaches the configured threshold. Events without a tool name
// are excluded from grouping.
func (d *Detector) detectDoomLoops(window []types.TraceEvent, now time.Time) []types.LearningSignal {
	groups := make(map[string][]types.TraceEvent)
	var order []string
	for _, ev := range window {
		if ev.Type != types.EventToolError || ev.ToolName == "" {
			continue
		}
		key := ev.TaskID + "\x00" + ev.ToolName
		if _, seen := groups[key]; !seen {
			order = append(order, key)
		}
		groups[key] = append(groups[key], ev)
	}

	var signals []types.LearningSignal
	for _, key := range order {
		events := groups[key]
		if len(events) < d.cfg.DoomLoopThreshold {
			continue
		}

		taskID, toolName, _ := strings.Cut(key, "\x00")
		confidence := d.scoreDoomLoop(events)
		topError := mostFrequentError(events)

		logging.Patterns("Doom loop candidate: tool=%s task=%s count=%d confidence=%.2f",
			toolName, taskID, len(events), confidence)

		sig := newSignal(types.SignalDoomLoop, confidence,
			fmt.Sprintf("Tool %q failed %d times in task %s", toolName, len(events), taskID),
			events, now)
		sig.SuggestedAction = fmt.Sprintf("Investigate repeated failure of %s: %s", toolName, topError)
		sig.Context = map[string]interface{}{
			"toolName":   toolName,
			"taskId":     taskID,
			"errorCount": len(events),
			"topError":   topError,
		}
		signals = append(signals, sig)
	}
	return signals
}

// scoreDoomLoop blends error-message similarity, time proximity, and the
// failure count ratio into a single confidence. The ratio saturates at the
// threshold: a group that qualifies already carries full failure weight.
func (d *Detector) scoreDoomLoop(events []types.TraceEvent) float64 {
	similarity := errorSimilarity(events)
	proximity := d.timeProximity(events)
	ratio := math.Min(float64(len(events))/float64(d.cfg.DoomLoopThreshold), 1)

	confidence := 0.4*similarity + 0.3*proximity + 0.3*ratio
	return math.Min(confidence, 1.0)
}

// errorSimilarity averages two measures over the group's error messages:
// the longest common prefix (case-folded) normalized by the shortest
// message, and the fraction of word tokens shared by every message.
func errorSimilarity(events []types.TraceEvent) float64 {
	messages := make([]string, 0, len(events))
	for _, ev := range events {
		messages = append(messages, strings.ToLower(ev.ErrorMessage))
	}
	if len(messages) < 2 {
		return 1.0
	}

	shortest := len(messages[0])
	for _, m := range messages[1:] {
		if len(m) < shortest {
			shortest = len(m)
		}
	}

	prefixScore := 0.0
	if shortest > 0 {
		prefix := messages[0]
		for _, m := range messages[1:] {
			prefix = commonPrefix(prefix, m)
			if prefix == "" {
				break
			}
		}
		prefixScore = float64(len(prefix)) / float64(shortest)
	}

	tokenScore := tokenOverlap(messages)

	return (prefixScore + tokenScore) / 2
}

func commonPrefix(a, b string) string {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	i := 0
	for i < n && a[i] == b[i] {
		i++
	}
	return a[:i]
}

// tokenOverlap returns |tokens common to every message| / |union of tokens|.
func tokenOverlap(messages []string) float64 {
	union := make(map[string]bool)
	common := make(map[string]bool)

	for i, m := range messages {
		tokens := make(map[string]bool)
		for _, tok := range strings.Fields(m) {
			tokens[tok] = true
			union[tok] = true
		}
		if i == 0 {
			for tok := range tokens {
				common[tok] = true
			}
			continue
		}
		for tok := range common {
			if !tokens[tok] {
				delete(common, tok)
			}
		}
	}

	if len(union) == 0 {
		return 0
	}
	return float64(len(common)) / float64(len(union))
}

// timeProximity scores how tightly packed the group's timestamps are:
// 1.0 when the average gap between consecutive events approaches zero,
// 0.0 once it reaches half the analysis window.
func (d *Detector) timeProximity(events []types.TraceEvent) float64 {
	if len(events) < 2 {
		return 1.0
	}
	timestamps := make([]int64, 0, len(events))
	for _, ev := range events {
		timestamps = append(timestamps, ev.Timestamp)
	}
	sort.Slice(timestamps, func(i, j int) bool { return timestamps[i] < timestamps[j] })

	avgGap := float64(timestamps[len(timestamps)-1]-timestamps[0]) / float64(len(timestamps)-1)
	halfWindow := float64(d.cfg.AnalysisWindow.Milliseconds()) / 2
	return math.Max(0, 1-avgGap/halfWindow)
}

// mostFrequentError returns the single most frequent exact error string.
// Ties resolve to the earliest-seen message.
func mostFrequentError(events []types.TraceEvent) string {
	counts := make(map[string]int)
	var order []string
	for _, ev := range events {
		if _, seen := counts[ev.ErrorMessage]; !seen {
			order = append(order, ev.ErrorMessage)
		}
		counts[ev.ErrorMessage]++
	}

	best, bestCount := "", -1
	for _, msg := range order {
		if counts[msg] > bestCount {
			best, bestCount = msg, counts[msg]
		}
	}
	return best
}

// =============================================================================
// FAST INLINE CHECKS
// =============================================================================

// DoomLoopCount returns the largest per-task tool_error count for the given
// tool inside the analysis window, without building signals.
func (d *Detector) DoomLoopCount(traces []types.TraceEvent, toolName string, now time.Time) int {
	counts := make(map[string]int)
	max := 0
	for _, ev := range d.windowed(traces, now) {
		if ev.Type != types.EventToolError || ev.ToolName != toolName {
			continue
		}
		counts[ev.TaskID]++
		if counts[ev.TaskID] > max {
			max = counts[ev.TaskID]
		}
	}
	return max
}

// IsDoomLoop reports whether any task's windowed error count for the tool
// reaches the doom-loop threshold.
func (d *Detector) IsDoomLoop(traces []types.TraceEvent, toolName string, now time.Time) bool {
	return d.DoomLoopCount(traces, toolName, now) >= d.cfg.DoomLoopThreshold
}
