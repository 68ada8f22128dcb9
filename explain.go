package policy

import "time"

// ============================================================================
// EXPLAIN TREE
// ============================================================================

// Non-match reasons recorded on rule traces. Exactly one is set for each
// rule that did not match.
const (
	ReasonSubjectKeyNotPresent = "subject key not present"
	ReasonOperationNotListed   = "operation not listed"
	ReasonScopeMismatch        = "scope mismatch"
	ReasonConditionFailed      = "condition failed"
)

// ResolvedInput echoes the request as the engine saw it.
type ResolvedInput struct {
	PrincipalID string `json:"principal_id"`
	TenantID    string `json:"tenant_id"`
	Action      Action `json:"action"`
	ResourceID  string `json:"resource_id,omitempty"`
	Resource    string `json:"resource_type,omitempty"`
}

// SubjectTrace records how the subject was resolved.
type SubjectTrace struct {
	Keys       []string `json:"keys"`
	Roles      []string `json:"roles"`
	Groups     []string `json:"groups"`
	Persona    string   `json:"persona"`
	CacheHit   bool     `json:"cache_hit"`
	DurationMs float64  `json:"duration_ms"`
}

// RuleTrace records one rule's evaluation outcome: either it matched, or
// exactly one non-match reason explains why not.
type RuleTrace struct {
	RuleID         string                `json:"rule_id"`
	Effect         Effect                `json:"effect"`
	Priority       int                   `json:"priority"`
	Matched        bool                  `json:"matched"`
	NonMatchReason string                `json:"non_match_reason,omitempty"`
	Conditions     []ConditionEvalResult `json:"conditions,omitempty"`
}

// PolicyTrace groups the rule traces of one evaluated policy version.
type PolicyTrace struct {
	PolicyID string      `json:"policy_id"`
	Version  int         `json:"version"`
	Rules    []RuleTrace `json:"rules"`
}

// ConflictTrace records how the winner was picked.
type ConflictTrace struct {
	Strategy      string         `json:"strategy"`
	WinningRuleID string         `json:"winning_rule_id,omitempty"`
	Candidates    []*MatchedRule `json:"candidates,omitempty"`
}

// Performance breaks the evaluation down by phase. TotalMs covers the
// whole evaluation including assembly overhead, so it is at least the sum
// of the phases.
type Performance struct {
	SubjectResolutionMs float64 `json:"subject_resolution_ms"`
	PolicyFetchMs       float64 `json:"policy_fetch_ms"`
	PolicyEvaluationMs  float64 `json:"policy_evaluation_ms"`
	EffectResolutionMs  float64 `json:"effect_resolution_ms"`
	TotalMs             float64 `json:"total_ms"`
}

// ExplainTree is the full account of one evaluation: every consulted
// policy, every rule outcome, every condition comparison, and the
// conflict resolution that produced the verdict. The builder only adds,
// never drops, so the tree is complete for any input.
type ExplainTree struct {
	Input       ResolvedInput `json:"resolved_input"`
	Subject     SubjectTrace  `json:"subject"`
	Policies    []PolicyTrace `json:"policies"`
	Conflict    ConflictTrace `json:"conflict_resolution"`
	Performance Performance   `json:"performance"`
	Simulated   bool          `json:"simulated,omitempty"`
	GeneratedAt time.Time     `json:"generated_at"`
}

type explainBuilder struct {
	tree ExplainTree
}

func newExplainBuilder(req *AccessRequest) *explainBuilder {
	b := &explainBuilder{}
	b.tree.Input = ResolvedInput{
		PrincipalID: req.PrincipalID,
		TenantID:    req.TenantID,
		Action:      req.Action,
	}
	if req.Resource != nil {
		b.tree.Input.ResourceID = req.Resource.ID
		b.tree.Input.Resource = req.Resource.Type
	}
	return b
}

func (b *explainBuilder) subject(snap *SubjectSnapshot, keys []SubjectKey, cacheHit bool, persona string, elapsed time.Duration) {
	t := SubjectTrace{
		Persona:    persona,
		CacheHit:   cacheHit,
		DurationMs: durationMs(elapsed),
	}
	if snap != nil {
		t.Roles = snap.Roles
		t.Groups = snap.Groups
	}
	for _, k := range keys {
		t.Keys = append(t.Keys, k.String())
	}
	b.tree.Subject = t
}

func (b *explainBuilder) policy(policyID string, version int, rules []RuleTrace) {
	b.tree.Policies = append(b.tree.Policies, PolicyTrace{
		PolicyID: policyID,
		Version:  version,
		Rules:    rules,
	})
}

func (b *explainBuilder) conflict(res Resolution, candidates []*MatchedRule) {
	t := ConflictTrace{Strategy: res.Strategy, Candidates: candidates}
	if res.WinningRule != nil {
		t.WinningRuleID = res.WinningRule.RuleID
	}
	b.tree.Conflict = t
}

func (b *explainBuilder) finish(perf Performance, simulated bool, at time.Time) *ExplainTree {
	b.tree.Performance = perf
	b.tree.Simulated = simulated
	b.tree.GeneratedAt = at
	return &b.tree
}

func durationMs(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000.0
}
