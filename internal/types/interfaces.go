package types

import "context"

// Reviewer is the council collaborator contract. darwin treats the council
// as a black box that accepts a proposal and returns a verdict; how the
// verdict is produced (votes, models, humans) is out of scope.
type Reviewer interface {
	Review(ctx context.Context, proposal *EvolutionProposal) (*CouncilVerdict, error)
}

// Applier is the change-application engine contract. Given an approved
// proposal it performs the filesystem edits and reports which files were
// touched, so the self-healing monitor can back them up and watch them.
type Applier interface {
	Apply(ctx context.Context, proposal *EvolutionProposal) (touched []string, err error)
}

// Planner is optionally implemented by appliers that can enumerate the
// files a proposal will touch before applying it. The automation gate uses
// the plan to decide whether the change set is safe to auto-apply.
type Planner interface {
	Plan(ctx context.Context, proposal *EvolutionProposal) ([]FileChange, error)
}
