package selfheal

import (
	"darwin/internal/types"
)

// =============================================================================
// DEGRADATION DETECTION
// =============================================================================

// Thresholds define when a before/after metric delta counts as degradation.
// Success rate is measured in absolute percentage points; cost and duration
// as relative percent increase.
type Thresholds struct {
	SuccessRateDropPercent  float64 `yaml:"success_rate_drop_percent" json:"success_rate_drop_percent"`
	CostIncreasePercent     float64 `yaml:"cost_increase_percent" json:"cost_increase_percent"`
	DurationIncreasePercent float64 `yaml:"duration_increase_percent" json:"duration_increase_percent"`
}

// Breach records one metric that crossed its threshold.
type Breach struct {
	Metric    string  `json:"metric"`
	Magnitude float64 `json:"magnitude"`
}

// Recommendation values produced by degradation detection.
const (
	RecommendRollback = "rollback"
	RecommendMonitor  = "monitor"
	RecommendIgnore   = "ignore"
)

// DegradationResult ranks how badly an application hurt performance.
type DegradationResult struct {
	Degraded       bool     `json:"degraded"`
	Breaches       []Breach `json:"breaches,omitempty"`
	Severity       float64  `json:"severity"`
	Recommendation string   `json:"recommendation"`
}

// CalculatePercentChange returns the relative change from old to new as a
// percentage. A zero base yields 100 when the new value is positive and 0
// otherwise.
func CalculatePercentChange(oldValue, newValue float64) float64 {
	if oldValue == 0 {
		if newValue > 0 {
			return 100
		}
		return 0
	}
	return (newValue - oldValue) / oldValue * 100
}

// DetectDegradation compares two metric snapshots against the configured
// thresholds. Severity weighs success-rate points five times heavier than
// percent-over-threshold on cost or duration; the recommendation is ranked
// purely off severity.
func DetectDegradation(before, after types.PerformanceMetrics, cfg Config) *DegradationResult {
	t := cfg.Thresholds
	result := &DegradationResult{Recommendation: RecommendIgnore}

	dropPoints := (before.SuccessRate - after.SuccessRate) * 100
	if dropPoints > t.SuccessRateDropPercent {
		result.Breaches = append(result.Breaches, Breach{Metric: "success_rate", Magnitude: dropPoints})
		result.Severity += dropPoints * 5
	}

	costPct := CalculatePercentChange(before.AverageCost, after.AverageCost)
	if costPct > t.CostIncreasePercent {
		result.Breaches = append(result.Breaches, Breach{Metric: "average_cost", Magnitude: costPct})
		result.Severity += costPct - t.CostIncreasePercent
	}

	durationPct := CalculatePercentChange(before.AverageDurationMs, after.AverageDurationMs)
	if durationPct > t.DurationIncreasePercent {
		result.Breaches = append(result.Breaches, Breach{Metric: "average_duration_ms", Magnitude: durationPct})
		result.Severity += durationPct - t.DurationIncreasePercent
	}

	result.Degraded = len(result.Breaches) > 0
	switch {
	case result.Severity > cfg.SeverityRollbackCutoff:
		result.Recommendation = RecommendRollback
	case result.Degraded:
		result.Recommendation = RecommendMonitor
	}
	return result
}
