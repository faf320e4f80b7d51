package proposals

import (
	"darwin/internal/types"
)

// =============================================================================
// PROPOSAL TEMPLATES - STATIC TABLE KEYED BY SIGNAL TYPE
// =============================================================================

// template fixes the shape of one proposal a signal type can produce.
// Title and Description carry {placeholder} slots resolved against the
// signal's context plus its description.
type template struct {
	Type        types.ProposalType
	Risk        types.RiskLevel
	Title       string
	Description string
}

// templateTable maps each signal type to its ordered template list. The
// generator walks the list in order, so put the preferred remedy first.
var templateTable = map[types.SignalType][]template{
	types.SignalDoomLoop: {
		{
			Type:        types.ProposalRuleUpdate,
			Risk:        AssessRisk(types.ProposalRuleUpdate),
			Title:       "Add failure guard for {toolName}",
			Description: "Tool {toolName} keeps failing with: {topError}. {description}",
		},
		{
			Type:        types.ProposalToolCreation,
			Risk:        AssessRisk(types.ProposalToolCreation),
			Title:       "Create fallback path for {toolName}",
			Description: "Repeated failures suggest {toolName} needs an alternative. {description}",
		},
	},
	types.SignalInstructionDrift: {
		{
			Type:        types.ProposalModeInstruction,
			Risk:        AssessRisk(types.ProposalModeInstruction),
			Title:       "Tighten mode instructions for task {taskId}",
			Description: "Execution drifted from the task's intent. {description}",
		},
		{
			Type:        types.ProposalPromptRefinement,
			Risk:        AssessRisk(types.ProposalPromptRefinement),
			Title:       "Refine prompt guidance for task {taskId}",
			Description: "Prompt-level guidance may reduce the drift observed. {description}",
		},
	},
	types.SignalCapabilityGap: {
		{
			Type:        types.ProposalToolCreation,
			Risk:        AssessRisk(types.ProposalToolCreation),
			Title:       "Fill capability gap around {toolName}",
			Description: "A needed capability appears to be missing. {description}",
		},
		{
			Type:        types.ProposalConfigChange,
			Risk:        AssessRisk(types.ProposalConfigChange),
			Title:       "Adjust configuration for missing capability",
			Description: "Configuration may unlock the blocked capability. {description}",
		},
	},
	types.SignalSuccessPattern: {
		{
			Type:        types.ProposalRuleUpdate,
			Risk:        AssessRisk(types.ProposalRuleUpdate),
			Title:       "Codify recurring success pattern",
			Description: "A repeatable approach worked well and should become a rule. {description}",
		},
	},
	types.SignalInefficiency: {
		{
			Type:        types.ProposalConfigChange,
			Risk:        AssessRisk(types.ProposalConfigChange),
			Title:       "Reduce overhead via configuration",
			Description: "Observed inefficiency looks configuration-addressable. {description}",
		},
		{
			Type:        types.ProposalPromptRefinement,
			Risk:        AssessRisk(types.ProposalPromptRefinement),
			Title:       "Trim wasted steps through prompt refinement",
			Description: "Prompt changes may shorten the observed detours. {description}",
		},
	},
	types.SignalUserPreference: {
		{
			Type:        types.ProposalRuleUpdate,
			Risk:        AssessRisk(types.ProposalRuleUpdate),
			Title:       "Record user preference as a rule",
			Description: "The user consistently prefers a different approach. {description}",
		},
		{
			Type:        types.ProposalModeInstruction,
			Risk:        AssessRisk(types.ProposalModeInstruction),
			Title:       "Fold user preference into mode instructions",
			Description: "Mode-level guidance should reflect the preference. {description}",
		},
	},
}

// =============================================================================
// PAYLOAD BUILDERS - TYPE-SPECIFIC PROPOSAL PAYLOADS
// =============================================================================

// payloadBuilders produce the type-specific payload for a proposal. Keys use
// snake_case so payloads serialize consistently with the rest of the model.
var payloadBuilders = map[types.ProposalType]func(sig types.LearningSignal) map[string]interface{}{
	types.ProposalRuleUpdate: func(sig types.LearningSignal) map[string]interface{} {
		return map[string]interface{}{
			"rules_file":   ".darwin/rules.md",
			"rule_content": actionOrDescription(sig),
		}
	},
	types.ProposalToolCreation: func(sig types.LearningSignal) map[string]interface{} {
		return map[string]interface{}{
			"tool_hint":       actionOrDescription(sig),
			"requires_review": true,
		}
	},
	types.ProposalModeInstruction: func(sig types.LearningSignal) map[string]interface{} {
		return map[string]interface{}{
			"mode":        contextString(sig, "mode"),
			"instruction": actionOrDescription(sig),
		}
	},
	types.ProposalConfigChange: func(sig types.LearningSignal) map[string]interface{} {
		return map[string]interface{}{
			"setting":   contextString(sig, "setting"),
			"rationale": actionOrDescription(sig),
		}
	},
	types.ProposalPromptRefinement: func(sig types.LearningSignal) map[string]interface{} {
		return map[string]interface{}{
			"target":     contextString(sig, "taskId"),
			"refinement": actionOrDescription(sig),
		}
	},
}

// actionOrDescription prefers the signal's suggested action; detectors do not
// always set one.
func actionOrDescription(sig types.LearningSignal) string {
	if sig.SuggestedAction != "" {
		return sig.SuggestedAction
	}
	return sig.Description
}

func contextString(sig types.LearningSignal, key string) string {
	if v, ok := sig.Context[key].(string); ok {
		return v
	}
	return ""
}
