// Package config loads, validates, and saves darwin's workspace
// configuration at .darwin/config.yaml, and watches it for user edits.
// Validation is strict: out-of-range values are reported as errors, never
// silently coerced.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"darwin/internal/automation"
	"darwin/internal/logging"
	"darwin/internal/patterns"
	"darwin/internal/proposals"
	"darwin/internal/selfheal"

	"gopkg.in/yaml.v3"
)

// =============================================================================
// CONFIGURATION DOCUMENT
// =============================================================================

// DetectorConfig is the YAML shape of the pattern detector's knobs.
type DetectorConfig struct {
	DoomLoopThreshold int     `yaml:"doom_loop_threshold"`
	AnalysisWindowMs  int64   `yaml:"analysis_window_ms"`
	MinConfidence     float64 `yaml:"min_confidence"`
}

// ToDetectorConfig converts to the detector's native configuration.
func (c DetectorConfig) ToDetectorConfig() patterns.Config {
	return patterns.Config{
		DoomLoopThreshold: c.DoomLoopThreshold,
		AnalysisWindow:    time.Duration(c.AnalysisWindowMs) * time.Millisecond,
		MinConfidence:     c.MinConfidence,
	}
}

// GeneratorConfig is the YAML shape of the proposal generator's knobs.
type GeneratorConfig struct {
	MinConfidence         float64 `yaml:"min_confidence"`
	MaxProposalsPerSignal int     `yaml:"max_proposals_per_signal"`
}

// ToGeneratorConfig converts to the generator's native configuration.
func (c GeneratorConfig) ToGeneratorConfig() proposals.Config {
	return proposals.Config{
		MinConfidence:         c.MinConfidence,
		MaxProposalsPerSignal: c.MaxProposalsPerSignal,
	}
}

// LoggingConfig controls the categorized file logger.
type LoggingConfig struct {
	DebugMode  bool            `yaml:"debug_mode"`
	Level      string          `yaml:"level"`
	Categories map[string]bool `yaml:"categories,omitempty"`
	JSONFormat bool            `yaml:"json_format"`
}

// Config is the whole workspace configuration document.
type Config struct {
	Automation  automation.Config `yaml:"automation"`
	Detector    DetectorConfig    `yaml:"detector"`
	Generator   GeneratorConfig   `yaml:"generator"`
	SelfHealing selfheal.Config   `yaml:"self_healing"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// DefaultConfig returns the shipped configuration.
func DefaultConfig() *Config {
	return &Config{
		Automation: automation.DefaultConfig(),
		Detector: DetectorConfig{
			DoomLoopThreshold: 3,
			AnalysisWindowMs:  (5 * time.Minute).Milliseconds(),
			MinConfidence:     0.5,
		},
		Generator: GeneratorConfig{
			MinConfidence:         0.5,
			MaxProposalsPerSignal: 2,
		},
		SelfHealing: selfheal.DefaultConfig(),
		Logging: LoggingConfig{
			DebugMode: false,
			Level:     "info",
		},
	}
}

// Path returns the config file location for a workspace.
func Path(workspace string) string {
	return filepath.Join(workspace, ".darwin", "config.yaml")
}

// =============================================================================
// LOAD / SAVE / VALIDATE
// =============================================================================

// Load reads and validates the config at path. A missing file yields the
// defaults; file values are layered over the defaults so partial documents
// work.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			logging.ConfigDebug("No config at %s, using defaults", path)
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logging.ConfigLog("Loaded config from %s (automation level %s)", path, cfg.Automation.Level)
	return cfg, nil
}

// Save writes the config to path, creating the state directory if needed.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	return nil
}

// Validate checks every field range and returns one error naming all
// violations. Values are never coerced.
func (c *Config) Validate() error {
	var problems []string

	if c.Automation.Level < automation.Manual || c.Automation.Level > automation.FullClosedLoop {
		problems = append(problems, fmt.Sprintf("automation.level must be 0-3, got %d", int(c.Automation.Level)))
	}
	if c.Automation.Triggers.CostThreshold < 0 {
		problems = append(problems, "automation.triggers.cost_threshold must not be negative")
	}
	if c.Automation.Triggers.CooldownSeconds < 0 {
		problems = append(problems, "automation.triggers.cooldown_seconds must not be negative")
	}
	if c.Automation.Safety.MaxDailyRuns < 0 {
		problems = append(problems, "automation.safety.max_daily_runs must not be negative")
	}

	if c.Detector.DoomLoopThreshold < 2 || c.Detector.DoomLoopThreshold > 10 {
		problems = append(problems, fmt.Sprintf("detector.doom_loop_threshold must be 2-10, got %d", c.Detector.DoomLoopThreshold))
	}
	if c.Detector.AnalysisWindowMs <= 0 {
		problems = append(problems, "detector.analysis_window_ms must be positive")
	}
	if c.Detector.MinConfidence < 0 || c.Detector.MinConfidence > 1 {
		problems = append(problems, "detector.min_confidence must be within [0,1]")
	}

	if c.Generator.MinConfidence < 0 || c.Generator.MinConfidence > 1 {
		problems = append(problems, "generator.min_confidence must be within [0,1]")
	}
	if c.Generator.MaxProposalsPerSignal < 1 {
		problems = append(problems, "generator.max_proposals_per_signal must be at least 1")
	}

	if c.SelfHealing.MinTasksForEvaluation < 1 {
		problems = append(problems, "self_healing.min_tasks_for_evaluation must be at least 1")
	}
	if c.SelfHealing.MaxDailyRollbacks < 0 {
		problems = append(problems, "self_healing.max_daily_rollbacks must not be negative")
	}
	if c.SelfHealing.SeverityRollbackCutoff < 0 {
		problems = append(problems, "self_healing.severity_rollback_cutoff must not be negative")
	}
	t := c.SelfHealing.Thresholds
	if t.SuccessRateDropPercent < 0 || t.CostIncreasePercent < 0 || t.DurationIncreasePercent < 0 {
		problems = append(problems, "self_healing.thresholds must not be negative")
	}

	switch c.Logging.Level {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		problems = append(problems, fmt.Sprintf("logging.level %q is not recognized", c.Logging.Level))
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}
