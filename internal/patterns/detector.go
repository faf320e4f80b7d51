// Package patterns converts a window of recorded trace events into scored
// learning signals. Four independent heuristics run over the window: doom
// loops (repeated tool failure), capability gaps (rejections and
// characteristic error text), feedback patterns (high rejection ratio per
// task), and instruction drift (mode thrashing and success/failure
// alternation). Malformed events are skipped, never errored.
package patterns

import (
	"time"

	"darwin/internal/logging"
	"darwin/internal/types"

	"github.com/google/uuid"
)

// =============================================================================
// DETECTOR
// =============================================================================

// Config holds the detector's tuning knobs.
type Config struct {
	// DoomLoopThreshold is the minimum error count per (task, tool) group.
	// Clamped to [2, 10].
	DoomLoopThreshold int

	// AnalysisWindow bounds how far back events are considered.
	AnalysisWindow time.Duration

	// MinConfidence drops signals scored below it.
	MinConfidence float64
}

// DefaultConfig returns the detector defaults.
func DefaultConfig() Config {
	return Config{
		DoomLoopThreshold: 3,
		AnalysisWindow:    5 * time.Minute,
		MinConfidence:     0.5,
	}
}

// Detector runs the pattern heuristics. It is stateless between calls.
type Detector struct {
	cfg Config
}

// New creates a detector, clamping out-of-range configuration.
func New(cfg Config) *Detector {
	if cfg.DoomLoopThreshold < 2 {
		cfg.DoomLoopThreshold = 2
	}
	if cfg.DoomLoopThreshold > 10 {
		cfg.DoomLoopThreshold = 10
	}
	if cfg.AnalysisWindow <= 0 {
		cfg.AnalysisWindow = 5 * time.Minute
	}
	if cfg.MinConfidence <= 0 {
		cfg.MinConfidence = 0.5
	}
	return &Detector{cfg: cfg}
}

// Config returns the effective (clamped) configuration.
func (d *Detector) Config() Config {
	return d.cfg
}

// AnalyzeTraces restricts the input to events inside the analysis window
// ending at now, runs all four detectors, and returns every signal at or
// above the minimum confidence. Order is stable as produced.
func (d *Detector) AnalyzeTraces(traces []types.TraceEvent, now time.Time) []types.LearningSignal {
	window := d.windowed(traces, now)
	logging.PatternsDebug("Analyzing %d/%d events inside %v window", len(window), len(traces), d.cfg.AnalysisWindow)

	signals := d.detectDoomLoops(window, now)
	signals = append(signals, d.detectCapabilityGaps(window, now)...)
	signals = append(signals, d.detectFeedbackPatterns(window, now)...)
	signals = append(signals, d.detectInstructionDrift(window, now)...)

	kept := signals[:0]
	for _, sig := range signals {
		if sig.Confidence >= d.cfg.MinConfidence {
			kept = append(kept, sig)
		}
	}

	if len(kept) > 0 {
		logging.Patterns("Detected %d signals (of %d candidates) from %d events", len(kept), len(signals), len(window))
	}
	return kept
}

// windowed keeps events with timestamp >= now - AnalysisWindow.
func (d *Detector) windowed(traces []types.TraceEvent, now time.Time) []types.TraceEvent {
	cutoff := now.UnixMilli() - d.cfg.AnalysisWindow.Milliseconds()
	window := make([]types.TraceEvent, 0, len(traces))
	for _, ev := range traces {
		if ev.Timestamp >= cutoff {
			window = append(window, ev)
		}
	}
	return window
}

// newSignal fills the fields every detector shares.
func newSignal(sigType types.SignalType, confidence float64, description string, events []types.TraceEvent, now time.Time) types.LearningSignal {
	ids := make([]string, 0, len(events))
	for _, ev := range events {
		ids = append(ids, ev.ID)
	}
	return types.LearningSignal{
		ID:             uuid.New().String(),
		Type:           sigType,
		Confidence:     confidence,
		Description:    description,
		SourceEventIDs: ids,
		DetectedAt:     now,
	}
}
