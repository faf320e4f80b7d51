package automation

import (
	"context"
	"fmt"
	"time"

	"darwin/internal/logging"
	"darwin/internal/patterns"
	"darwin/internal/proposals"
	"darwin/internal/ratelimit"
	"darwin/internal/selfheal"
	"darwin/internal/store"
	"darwin/internal/types"
)

// =============================================================================
// ORCHESTRATOR - ONE EVOLUTION PASS, GATE FIRST
// =============================================================================

// rateLimitKey scopes the gate's persisted limiter state in the store.
const rateLimitKey = "automation"

// Orchestrator wires the gate in front of the detector, generator, council
// reviewer, application engine, and self-healing monitor. It runs a single
// synchronous pass per call; cadence is the caller's concern.
type Orchestrator struct {
	cfg       Config
	store     *store.Store
	detector  *patterns.Detector
	generator *proposals.Generator
	reviewer  types.Reviewer
	applier   types.Applier
	monitor   *selfheal.Monitor
}

// NewOrchestrator builds an orchestrator. The store may be nil, in which
// case rate-limit state and proposals live only for the process lifetime.
func NewOrchestrator(cfg Config, st *store.Store, det *patterns.Detector, gen *proposals.Generator) *Orchestrator {
	return &Orchestrator{
		cfg:       cfg,
		store:     st,
		detector:  det,
		generator: gen,
	}
}

// SetReviewer installs the council collaborator.
func (o *Orchestrator) SetReviewer(r types.Reviewer) { o.reviewer = r }

// SetApplier installs the change-application engine.
func (o *Orchestrator) SetApplier(a types.Applier) { o.applier = a }

// SetMonitor installs the self-healing monitor.
func (o *Orchestrator) SetMonitor(m *selfheal.Monitor) { o.monitor = m }

// RunInput carries everything one pass needs. Traces are assumed to be an
// already-materialized list; collection is a collaborator's job.
type RunInput struct {
	Usage   types.TokenUsage
	History *types.HistoryItem
	Traces  []types.TraceEvent
	Metrics types.PerformanceMetrics
	Now     time.Time
}

// RunOnce executes one gated evolution pass: trigger check, rate limit,
// detection, generation, optional review, and optional gated auto-apply.
// A pass that does not trigger is a successful no-op.
func (o *Orchestrator) RunOnce(ctx context.Context, input RunInput) (*OrchestrationResult, error) {
	if input.Now.IsZero() {
		input.Now = time.Now()
	}
	result := NewOrchestrationResult(input.Now)

	trigger := EvaluateTriggerConditions(o.cfg, input.Usage, input.History)
	result.TriggerReason = trigger.Reason
	if !trigger.ShouldTrigger {
		result.Note("no trigger condition met at level %s", o.cfg.Level)
		return result, nil
	}
	result.Triggered = true

	state, err := o.loadRateLimitState()
	if err != nil {
		return result, fmt.Errorf("loading rate-limit state: %w", err)
	}
	decision := CheckRateLimits(o.cfg, state, input.Now)
	if !decision.Allowed {
		result.RateLimited = true
		result.RateLimitReason = decision.Reason
		logging.Automation("Run blocked: %s", decision.Reason)
		return result, nil
	}
	UpdateRateLimitState(o.cfg, &state, trigger.Reason, input.Now)
	if err := o.saveRateLimitState(state); err != nil {
		return result, fmt.Errorf("saving rate-limit state: %w", err)
	}

	signals := o.detector.AnalyzeTraces(input.Traces, input.Now)
	result.TraceExported = len(input.Traces) > 0

	generated := o.generator.GenerateFromSignals(signals)
	result.ProposalsGenerated = len(generated)
	logging.Automation("Pass produced %d signals, %d proposals", len(signals), len(generated))

	for i := range generated {
		if err := o.handleProposal(ctx, &generated[i], input, result); err != nil {
			result.Note("proposal %s: %v", generated[i].ID, err)
		}
	}
	return result, nil
}

// handleProposal reviews one proposal and, when policy allows, applies it
// and registers it with the self-healing monitor.
func (o *Orchestrator) handleProposal(ctx context.Context, p *types.EvolutionProposal, input RunInput, result *OrchestrationResult) error {
	if o.reviewer != nil {
		verdict, err := o.reviewer.Review(ctx, p)
		if err != nil {
			return fmt.Errorf("review: %w", err)
		}
		result.ReviewRan = true
		switch verdict.Decision {
		case types.VerdictApprove:
			transition(p, types.StatusApproved, input.Now)
		case types.VerdictReject:
			transition(p, types.StatusRejected, input.Now)
		default:
			// request_changes leaves the proposal pending for a human.
		}
		p.ReviewedBy = verdict.ReviewedBy
		p.ReviewNotes = verdict.Notes
		p.UpdatedAt = input.Now
	}
	o.saveProposal(p)

	if p.Status != types.StatusApproved || o.applier == nil {
		return nil
	}

	changes, err := o.plannedChanges(ctx, p)
	if err != nil {
		return fmt.Errorf("planning changes: %w", err)
	}
	apply := EvaluateAutoApply(changes, o.cfg)
	if !apply.CanAutoApply {
		result.Note("proposal %s held for manual apply: %s", p.ID, apply.Reason)
		return nil
	}

	// Back up the planned files before the applier mutates them.
	if o.monitor != nil {
		paths := make([]string, 0, len(changes))
		for _, c := range changes {
			paths = append(paths, c.Path)
		}
		if _, err := o.monitor.RecordApplication(p.ID, "", paths, input.Metrics); err != nil {
			return fmt.Errorf("recording application: %w", err)
		}
	}

	if _, err := o.applier.Apply(ctx, p); err != nil {
		transition(p, types.StatusFailed, input.Now)
		o.saveProposal(p)
		return fmt.Errorf("apply: %w", err)
	}
	transition(p, types.StatusApplied, input.Now)
	o.saveProposal(p)
	result.AutoApplied++
	logging.Automation("Auto-applied proposal %s (%s)", p.ID, p.Type)
	return nil
}

// transition moves a proposal along its lifecycle, refusing illegal edges.
func transition(p *types.EvolutionProposal, to types.ProposalStatus, now time.Time) bool {
	if !types.CanTransition(p.Status, to) {
		logging.AutomationWarn("Refusing illegal proposal transition %s -> %s for %s", p.Status, to, p.ID)
		return false
	}
	p.Status = to
	p.UpdatedAt = now
	return true
}

// plannedChanges asks the applier for its plan when it can provide one and
// otherwise falls back to paths named in the proposal payload.
func (o *Orchestrator) plannedChanges(ctx context.Context, p *types.EvolutionProposal) ([]types.FileChange, error) {
	if planner, ok := o.applier.(types.Planner); ok {
		return planner.Plan(ctx, p)
	}
	var changes []types.FileChange
	if f, ok := p.Payload["rules_file"].(string); ok && f != "" {
		changes = append(changes, types.FileChange{Path: f})
	}
	return changes, nil
}

func (o *Orchestrator) loadRateLimitState() (ratelimit.State, error) {
	if o.store == nil {
		return ratelimit.State{}, nil
	}
	return o.store.LoadRateLimitState(rateLimitKey)
}

func (o *Orchestrator) saveRateLimitState(state ratelimit.State) error {
	if o.store == nil {
		return nil
	}
	return o.store.SaveRateLimitState(rateLimitKey, state)
}

func (o *Orchestrator) saveProposal(p *types.EvolutionProposal) {
	if o.store == nil {
		return
	}
	if err := o.store.SaveProposal(p); err != nil {
		logging.AutomationWarn("Persisting proposal %s failed: %v", p.ID, err)
	}
}
