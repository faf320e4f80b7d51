package patterns

import (
	"fmt"
	"math"
	"sort"
	"time"

	"darwin/internal/types"
)

// =============================================================================
// FEEDBACK PATTERNS - HIGH REJECTION RATIO PER TASK
// =============================================================================

// detectFeedbackPatterns looks at user_correction/user_rejection volume per
// task. Three or more feedback events with a rejection majority indicate the
// task's instructions are drifting from what the user wants.
func (d *Detector) detectFeedbackPatterns(window []types.TraceEvent, now time.Time) []types.LearningSignal {
	type feedback struct {
		events     []types.TraceEvent
		rejections int
	}
	byTask := make(map[string]*feedback)
	var taskOrder []string

	for _, ev := range window {
		if ev.Type != types.EventUserCorrection && ev.Type != types.EventUserRejection {
			continue
		}
		fb, ok := byTask[ev.TaskID]
		if !ok {
			fb = &feedback{}
			byTask[ev.TaskID] = fb
			taskOrder = append(taskOrder, ev.TaskID)
		}
		fb.events = append(fb.events, ev)
		if ev.Type == types.EventUserRejection {
			fb.rejections++
		}
	}

	var signals []types.LearningSignal
	for _, task := range taskOrder {
		fb := byTask[task]
		total := len(fb.events)
		if total < 3 {
			continue
		}
		ratio := float64(fb.rejections) / float64(total)
		if ratio <= 0.5 {
			continue
		}
		sig := newSignal(types.SignalInstructionDrift, ratio,
			fmt.Sprintf("Task %s drew %d feedback events with %d rejections", task, total, fb.rejections),
			fb.events, now)
		sig.SuggestedAction = "Revisit the task's instructions; user rejections dominate feedback"
		sig.Context = map[string]interface{}{
			"taskId":      task,
			"rejections":  fb.rejections,
			"corrections": total - fb.rejections,
		}
		signals = append(signals, sig)
	}
	return signals
}

// =============================================================================
// INSTRUCTION DRIFT - MODE THRASHING AND SUCCESS/FAILURE ALTERNATION
// =============================================================================

// detectInstructionDrift emits a signal per task with excessive mode
// switching, and a signal per (task, tool) whose success/error sequence
// flips status on most adjacent pairs.
func (d *Detector) detectInstructionDrift(window []types.TraceEvent, now time.Time) []types.LearningSignal {
	var signals []types.LearningSignal

	// (a) Mode switching.
	switches := make(map[string][]types.TraceEvent)
	var taskOrder []string
	for _, ev := range window {
		if ev.Type != types.EventModeSwitch {
			continue
		}
		if _, seen := switches[ev.TaskID]; !seen {
			taskOrder = append(taskOrder, ev.TaskID)
		}
		switches[ev.TaskID] = append(switches[ev.TaskID], ev)
	}
	for _, task := range taskOrder {
		events := switches[task]
		if len(events) < 3 {
			continue
		}
		confidence := math.Min(float64(len(events))/5, 0.8)
		sig := newSignal(types.SignalInstructionDrift, confidence,
			fmt.Sprintf("Task %s switched modes %d times", task, len(events)),
			events, now)
		sig.SuggestedAction = "Pin the task to a single mode; frequent switching suggests lost focus"
		sig.Context = map[string]interface{}{
			"taskId":       task,
			"modeSwitches": len(events),
		}
		signals = append(signals, sig)
	}

	// (b) Success/failure alternation per (task, tool).
	type outcome struct {
		event   types.TraceEvent
		success bool
	}
	sequences := make(map[string][]outcome)
	var seqOrder []string
	for _, ev := range window {
		var success bool
		switch ev.Type {
		case types.EventToolSuccess:
			success = true
		case types.EventToolError:
			success = false
		default:
			continue
		}
		if ev.ToolName == "" {
			continue
		}
		key := ev.TaskID + "\x00" + ev.ToolName
		if _, seen := sequences[key]; !seen {
			seqOrder = append(seqOrder, key)
		}
		sequences[key] = append(sequences[key], outcome{event: ev, success: success})
	}

	for _, key := range seqOrder {
		seq := sequences[key]
		if len(seq) < 4 {
			continue
		}
		sort.SliceStable(seq, func(i, j int) bool { return seq[i].event.Timestamp < seq[j].event.Timestamp })

		flips := 0
		for i := 1; i < len(seq); i++ {
			if seq[i].success != seq[i-1].success {
				flips++
			}
		}
		ratio := float64(flips) / float64(len(seq)-1)
		if ratio <= 0.7 {
			continue
		}

		events := make([]types.TraceEvent, 0, len(seq))
		for _, o := range seq {
			events = append(events, o.event)
		}
		task := seq[0].event.TaskID
		tool := seq[0].event.ToolName

		sig := newSignal(types.SignalInstructionDrift, ratio*0.7,
			fmt.Sprintf("Tool %q alternated success/failure %d of %d times in task %s", tool, flips, len(seq)-1, task),
			events, now)
		sig.SuggestedAction = fmt.Sprintf("Stabilize usage of %s; results flip between success and failure", tool)
		sig.Context = map[string]interface{}{
			"taskId":           task,
			"toolName":         tool,
			"alternationRatio": ratio,
		}
		signals = append(signals, sig)
	}

	return signals
}
