package policy

import "sort"

// TieBreak decides between allow and deny rules at equal priority.
type TieBreak string

const (
	TieBreakDenyWins  TieBreak = "deny-wins"
	TieBreakAllowWins TieBreak = "allow-wins"
)

// Conflict resolution strategy labels recorded on decisions.
const (
	StrategyPriorityDenyWins  = "priority-then-deny-wins"
	StrategyPriorityAllowWins = "priority-then-allow-wins"
	StrategyDefaultDeny       = "default-deny"
)

// ConflictResolver picks a single winner among matched rules. It is a
// total function: any input, including none, yields a verdict, never an
// error.
type ConflictResolver struct {
	tieBreak TieBreak
}

// NewConflictResolver builds a resolver with the given tie-break, which
// defaults to deny-wins.
func NewConflictResolver(tb TieBreak) *ConflictResolver {
	if tb != TieBreakAllowWins {
		tb = TieBreakDenyWins
	}
	return &ConflictResolver{tieBreak: tb}
}

// Resolution is the outcome of conflict resolution over matched rules.
type Resolution struct {
	Effect      Effect
	WinningRule *MatchedRule
	Strategy    string
}

// Resolve ranks matched rules by priority ascending, then the configured
// tie-break between effects, then rule ID for full determinism. No
// matches means default deny.
func (c *ConflictResolver) Resolve(matched []*MatchedRule) Resolution {
	if len(matched) == 0 {
		return Resolution{Effect: EffectDeny, Strategy: StrategyDefaultDeny}
	}

	ranked := make([]*MatchedRule, len(matched))
	copy(ranked, matched)
	denyFirst := c.tieBreak == TieBreakDenyWins
	sort.SliceStable(ranked, func(i, j int) bool {
		a, b := ranked[i], ranked[j]
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		if a.Effect != b.Effect {
			if denyFirst {
				return a.Effect == EffectDeny
			}
			return a.Effect == EffectAllow
		}
		return a.RuleID < b.RuleID
	})

	strategy := StrategyPriorityDenyWins
	if !denyFirst {
		strategy = StrategyPriorityAllowWins
	}
	return Resolution{
		Effect:      ranked[0].Effect,
		WinningRule: ranked[0],
		Strategy:    strategy,
	}
}
