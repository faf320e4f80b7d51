// Package proposals turns learning signals into risk-classified evolution
// proposals using a static template table. Generation is pure lookup and
// string interpolation; no model calls happen here.
package proposals

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"darwin/internal/logging"
	"darwin/internal/types"

	"github.com/google/uuid"
)

// =============================================================================
// GENERATOR
// =============================================================================

// Config holds the generator's tuning knobs.
type Config struct {
	// MinConfidence drops signals scored below it before templating.
	MinConfidence float64

	// MaxProposalsPerSignal caps how many templates are instantiated
	// per signal.
	MaxProposalsPerSignal int
}

// DefaultConfig returns the generator defaults.
func DefaultConfig() Config {
	return Config{
		MinConfidence:         0.5,
		MaxProposalsPerSignal: 2,
	}
}

// Generator instantiates proposals from signals. Stateless between calls.
type Generator struct {
	cfg Config
}

// New creates a generator, backfilling zero-valued configuration.
func New(cfg Config) *Generator {
	if cfg.MinConfidence <= 0 {
		cfg.MinConfidence = 0.5
	}
	if cfg.MaxProposalsPerSignal <= 0 {
		cfg.MaxProposalsPerSignal = 2
	}
	return &Generator{cfg: cfg}
}

// Config returns the effective configuration.
func (g *Generator) Config() Config {
	return g.cfg
}

// GenerateFromSignal instantiates up to MaxProposalsPerSignal proposals for
// one signal. Returns nil when the signal's confidence is below the floor or
// no template exists for its type.
func (g *Generator) GenerateFromSignal(sig types.LearningSignal) []types.EvolutionProposal {
	if sig.Confidence < g.cfg.MinConfidence {
		logging.ProposalsDebug("Skipping signal %s: confidence %.2f below %.2f",
			sig.ID, sig.Confidence, g.cfg.MinConfidence)
		return nil
	}
	templates, ok := templateTable[sig.Type]
	if !ok {
		logging.ProposalsDebug("Skipping signal %s: no templates for type %s", sig.ID, sig.Type)
		return nil
	}

	root := interpolationRoot(sig)
	now := time.Now()

	var out []types.EvolutionProposal
	for _, tpl := range templates {
		if len(out) >= g.cfg.MaxProposalsPerSignal {
			break
		}
		proposal := types.EvolutionProposal{
			ID:             uuid.New().String(),
			Type:           tpl.Type,
			Status:         types.StatusPending,
			Risk:           tpl.Risk,
			Title:          interpolate(tpl.Title, root),
			Description:    interpolate(tpl.Description, root),
			Payload:        payloadBuilders[tpl.Type](sig),
			SourceSignalID: sig.ID,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		out = append(out, proposal)
	}

	logging.Proposals("Generated %d proposals from %s signal %s", len(out), sig.Type, sig.ID)
	return out
}

// GenerateFromSignals unions per-signal results and deduplicates by
// type:lowercased(title), keeping the first occurrence.
func (g *Generator) GenerateFromSignals(signals []types.LearningSignal) []types.EvolutionProposal {
	seen := make(map[string]bool)
	var out []types.EvolutionProposal
	for _, sig := range signals {
		for _, p := range g.GenerateFromSignal(sig) {
			key := fmt.Sprintf("%s:%s", p.Type, strings.ToLower(p.Title))
			if seen[key] {
				continue
			}
			seen[key] = true
			out = append(out, p)
		}
	}
	return out
}

// AssessRisk classifies a proposal type's inherent risk. Tool creation runs
// new code; rule and prompt changes steer future behavior; the rest only
// touch settings.
func AssessRisk(pType types.ProposalType) types.RiskLevel {
	switch pType {
	case types.ProposalToolCreation:
		return types.RiskHigh
	case types.ProposalRuleUpdate, types.ProposalPromptRefinement:
		return types.RiskMedium
	default:
		return types.RiskLow
	}
}

// ValidateProposal checks structural requirements and returns a list of
// violation messages. The proposal itself is never mutated.
func ValidateProposal(p *types.EvolutionProposal) []string {
	var violations []string
	if p.ID == "" {
		violations = append(violations, "id is required")
	}
	if len(p.Title) < 5 {
		violations = append(violations, "title must be at least 5 characters")
	}
	if len(p.Description) < 10 {
		violations = append(violations, "description must be at least 10 characters")
	}
	if p.Type == "" {
		violations = append(violations, "type is required")
	}
	if p.Risk == "" {
		violations = append(violations, "risk is required")
	}
	return violations
}

// =============================================================================
// PLACEHOLDER INTERPOLATION
// =============================================================================

var placeholderPattern = regexp.MustCompile(`\{([a-zA-Z0-9_.]+)\}`)

// interpolationRoot is the signal's context with the description merged in
// under the "description" key. The context itself is never mutated.
func interpolationRoot(sig types.LearningSignal) map[string]interface{} {
	root := make(map[string]interface{}, len(sig.Context)+1)
	for k, v := range sig.Context {
		root[k] = v
	}
	root["description"] = sig.Description
	return root
}

// interpolate replaces {dot.path} placeholders with values looked up in root.
// Unresolved placeholders stay verbatim.
func interpolate(s string, root map[string]interface{}) string {
	return placeholderPattern.ReplaceAllStringFunc(s, func(match string) string {
		path := match[1 : len(match)-1]
		if v, ok := lookupPath(root, path); ok {
			return fmt.Sprintf("%v", v)
		}
		return match
	})
}

// lookupPath walks dot-separated segments through nested string-keyed maps.
func lookupPath(root map[string]interface{}, path string) (interface{}, bool) {
	segments := strings.Split(path, ".")
	var current interface{} = root
	for _, seg := range segments {
		m, ok := current.(map[string]interface{})
		if !ok {
			return nil, false
		}
		current, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	return current, true
}
