package policy

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"
)

type fakePolicyStore struct {
	mu       sync.Mutex
	policies map[string]*Policy
	failWith error
}

func newFakePolicyStore(policies ...*Policy) *fakePolicyStore {
	s := &fakePolicyStore{policies: map[string]*Policy{}}
	for _, p := range policies {
		s.policies[p.ID] = p
	}
	return s
}

func (s *fakePolicyStore) ActivePolicies(ctx context.Context, tenantID string, filter ScopeFilter) ([]*Policy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return nil, s.failWith
	}
	out := make([]*Policy, 0, len(s.policies))
	for _, p := range s.policies {
		if p.IsActive && (p.TenantID == "" || p.TenantID == tenantID) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *fakePolicyStore) UpsertPolicy(ctx context.Context, p *Policy) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.policies[p.ID] = p
	return nil
}

func (s *fakePolicyStore) DeletePolicy(ctx context.Context, tenantID, policyID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.policies, policyID)
	return nil
}

type captureAudit struct {
	mu      sync.Mutex
	records []*AuditRecord
}

func (c *captureAudit) LogDecision(ctx context.Context, rec *AuditRecord) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records = append(c.records, rec)
	return nil
}

func (c *captureAudit) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.records)
}

func singleRulePolicy(rule *Rule) *Policy {
	rule.PolicyID = "pol-1"
	return &Policy{
		ID:            "pol-1",
		TenantID:      "t1",
		Name:          "test policy",
		ActiveVersion: 1,
		Versions:      []*PolicyVersion{{Version: 1, Rules: []*Rule{rule}}},
		IsActive:      true,
	}
}

func managerDirectory() *fakeDirectory {
	dir := newFakeDirectory()
	dir.types["u1"] = PrincipalUser
	dir.direct["u1"] = []BoundRole{boundRole("manager", 30, nil)}
	return dir
}

func updateRequest() *AccessRequest {
	return &AccessRequest{
		PrincipalID: "u1",
		TenantID:    "t1",
		Action:      "ENTITY.UPDATE",
		Resource: &Resource{
			ID:       "doc-1",
			Type:     "document",
			TenantID: "t1",
			OUPath:   []string{"OU-A"},
			Attrs:    map[string]any{"status": "published"},
		},
		Environment: &Environment{Time: time.Now(), TenantID: "t1"},
	}
}

func newTestEngine(t *testing.T, dir Directory, store PolicyStore, opts ...EngineOption) *Engine {
	t.Helper()
	e, err := NewEngine(NewSubjectResolver(dir), store, opts...)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	return e
}

func TestAllowViaRoleRule(t *testing.T) {
	store := newFakePolicyStore(singleRulePolicy(&Rule{
		ID:          "rule-manager-update",
		SubjectType: SubjectRole,
		SubjectKey:  "manager",
		Effect:      EffectAllow,
		Operations:  []Action{"ENTITY.*"},
		ScopeType:   ScopeTenant,
		Priority:    30,
		IsActive:    true,
	}))
	e := newTestEngine(t, managerDirectory(), store)
	defer e.Close()

	dec, tree, err := e.Evaluate(context.Background(), updateRequest())
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if !dec.Allowed || dec.Effect != EffectAllow {
		t.Fatalf("expected allow, got %+v", dec)
	}
	if dec.WinningRuleID != "rule-manager-update" {
		t.Fatalf("unexpected winner %q", dec.WinningRuleID)
	}
	if tree.Conflict.WinningRuleID != dec.WinningRuleID {
		t.Fatalf("explain winner disagrees with decision")
	}
	if len(tree.Policies) != 1 || len(tree.Policies[0].Rules) != 1 {
		t.Fatalf("explain must cover the evaluated rule, got %+v", tree.Policies)
	}
	if !tree.Policies[0].Rules[0].Matched {
		t.Fatalf("rule trace should be matched: %+v", tree.Policies[0].Rules[0])
	}
	if tree.Subject.Persona != PersonaManager {
		t.Fatalf("expected manager persona in trace, got %q", tree.Subject.Persona)
	}
}

func TestConditionFailureExplained(t *testing.T) {
	store := newFakePolicyStore(singleRulePolicy(&Rule{
		ID:          "rule-published-only",
		SubjectType: SubjectRole,
		SubjectKey:  "manager",
		Effect:      EffectAllow,
		Operations:  []Action{"ENTITY.UPDATE"},
		ScopeType:   ScopeTenant,
		Priority:    30,
		Conditions: &ConditionTree{Conditions: []ConditionNode{
			{Leaf: &ConditionLeaf{Field: "resource.attrs.status", Operator: OpEq, Value: "published"}},
		}},
		IsActive: true,
	}))
	e := newTestEngine(t, managerDirectory(), store)
	defer e.Close()

	req := updateRequest()
	req.Resource.Attrs["status"] = "draft"
	dec, tree, err := e.Evaluate(context.Background(), req)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if dec.Allowed {
		t.Fatalf("expected deny when condition fails")
	}
	if dec.Strategy != StrategyDefaultDeny {
		t.Fatalf("expected default-deny, got %q", dec.Strategy)
	}

	rt := tree.Policies[0].Rules[0]
	if rt.Matched || rt.NonMatchReason != ReasonConditionFailed {
		t.Fatalf("expected condition-failed trace, got %+v", rt)
	}
	if len(rt.Conditions) != 1 {
		t.Fatalf("expected condition trace, got %+v", rt.Conditions)
	}
	cond := rt.Conditions[0]
	if cond.Expected != "published" || cond.Actual != "draft" || cond.Passed {
		t.Fatalf("condition trace wrong: %+v", cond)
	}
}

func TestDefaultDenyWithoutPolicies(t *testing.T) {
	e := newTestEngine(t, managerDirectory(), newFakePolicyStore())
	defer e.Close()

	dec, tree, err := e.Evaluate(context.Background(), updateRequest())
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if dec.Allowed || dec.Strategy != StrategyDefaultDeny {
		t.Fatalf("expected default deny, got %+v", dec)
	}
	if tree.Conflict.WinningRuleID != "" {
		t.Fatalf("no winner expected, got %q", tree.Conflict.WinningRuleID)
	}
}

func TestNonMatchReasons(t *testing.T) {
	cases := []struct {
		name   string
		rule   *Rule
		mutate func(*AccessRequest)
		want   string
	}{
		{
			name: "subject key not present",
			rule: &Rule{ID: "r1", SubjectType: SubjectRole, SubjectKey: "tenant_admin",
				Effect: EffectAllow, Operations: []Action{"ENTITY.UPDATE"}, ScopeType: ScopeTenant, IsActive: true},
			want: ReasonSubjectKeyNotPresent,
		},
		{
			name: "operation not listed",
			rule: &Rule{ID: "r2", SubjectType: SubjectRole, SubjectKey: "manager",
				Effect: EffectAllow, Operations: []Action{"ENTITY.READ"}, ScopeType: ScopeTenant, IsActive: true},
			want: ReasonOperationNotListed,
		},
		{
			name: "scope mismatch",
			rule: &Rule{ID: "r3", SubjectType: SubjectRole, SubjectKey: "manager",
				Effect: EffectAllow, Operations: []Action{"ENTITY.UPDATE"}, ScopeType: ScopeOU, ScopeKey: "OU-B", IsActive: true},
			want: ReasonScopeMismatch,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			e := newTestEngine(t, managerDirectory(), newFakePolicyStore(singleRulePolicy(tc.rule)))
			defer e.Close()

			dec, tree, err := e.Evaluate(context.Background(), updateRequest())
			if err != nil {
				t.Fatalf("evaluate: %v", err)
			}
			if dec.Allowed {
				t.Fatalf("expected deny")
			}
			rt := tree.Policies[0].Rules[0]
			if rt.NonMatchReason != tc.want {
				t.Fatalf("expected reason %q, got %q", tc.want, rt.NonMatchReason)
			}
		})
	}
}

func TestGrantScopeRestrictsRoleRule(t *testing.T) {
	dir := newFakeDirectory()
	dir.types["u1"] = PrincipalUser
	dir.direct["u1"] = []BoundRole{boundRole("agent", 40, &RoleBinding{
		ID: "bind-scoped", TenantID: "t1", RoleID: "role-agent", PrincipalID: "u1",
		ScopeKind: ScopeOU, ScopeKey: "OU-A",
	})}
	store := newFakePolicyStore(singleRulePolicy(&Rule{
		ID:          "rule-agent",
		SubjectType: SubjectRole,
		SubjectKey:  "agent",
		Effect:      EffectAllow,
		Operations:  []Action{"ENTITY.UPDATE"},
		ScopeType:   ScopeTenant,
		Priority:    40,
		IsActive:    true,
	}))
	e := newTestEngine(t, dir, store)
	defer e.Close()

	req := updateRequest()
	req.Resource.OUPath = []string{"OU-B"}
	dec, tree, err := e.Evaluate(context.Background(), req)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if dec.Allowed {
		t.Fatalf("grant scoped to OU-A must not reach OU-B")
	}
	if tree.Policies[0].Rules[0].NonMatchReason != ReasonScopeMismatch {
		t.Fatalf("expected scope mismatch, got %+v", tree.Policies[0].Rules[0])
	}

	req.Resource.OUPath = []string{"OU-A"}
	dec, _, err = e.Evaluate(context.Background(), req)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if !dec.Allowed {
		t.Fatalf("grant must cover its own OU")
	}
}

func TestDenyWinsAcrossPolicies(t *testing.T) {
	allow := singleRulePolicy(&Rule{
		ID: "rule-allow", SubjectType: SubjectRole, SubjectKey: "manager",
		Effect: EffectAllow, Operations: []Action{"ENTITY.UPDATE"}, ScopeType: ScopeTenant,
		Priority: 30, IsActive: true,
	})
	deny := &Policy{
		ID: "pol-2", TenantID: "t1", ActiveVersion: 1, IsActive: true,
		Versions: []*PolicyVersion{{Version: 1, Rules: []*Rule{{
			ID: "rule-deny", PolicyID: "pol-2", SubjectType: SubjectUser, SubjectKey: "u1",
			Effect: EffectDeny, Operations: []Action{"ENTITY.UPDATE"}, ScopeType: ScopeTenant,
			Priority: 30, IsActive: true,
		}}}},
	}
	e := newTestEngine(t, managerDirectory(), newFakePolicyStore(allow, deny))
	defer e.Close()

	dec, tree, err := e.Evaluate(context.Background(), updateRequest())
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if dec.Allowed || dec.WinningRuleID != "rule-deny" {
		t.Fatalf("expected deny rule to win the tie, got %+v", dec)
	}
	if len(tree.Conflict.Candidates) != 2 {
		t.Fatalf("both matches must appear as candidates, got %d", len(tree.Conflict.Candidates))
	}
}

func TestEvaluateWritesAuditAndSimulateDoesNot(t *testing.T) {
	sink := &captureAudit{}
	store := newFakePolicyStore(singleRulePolicy(&Rule{
		ID: "rule-1", SubjectType: SubjectRole, SubjectKey: "manager",
		Effect: EffectAllow, Operations: []Action{"ENTITY.UPDATE"}, ScopeType: ScopeTenant,
		Priority: 30, IsActive: true,
	}))
	e := newTestEngine(t, managerDirectory(), store, WithAuditSink(sink))

	if _, _, err := e.Evaluate(context.Background(), updateRequest()); err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if _, tree, err := e.Simulate(context.Background(), updateRequest()); err != nil {
		t.Fatalf("simulate: %v", err)
	} else if !tree.Simulated {
		t.Fatalf("simulate tree must be flagged")
	}
	e.Close()

	if sink.count() != 1 {
		t.Fatalf("expected exactly the non-simulated evaluation audited, got %d", sink.count())
	}
	rec := sink.records[0]
	if rec.PrincipalID != "u1" || rec.Resource != "document:doc-1" {
		t.Fatalf("audit record incomplete: %+v", rec)
	}
	if rec.Explain == nil || rec.Decision == nil {
		t.Fatalf("audit record must carry decision and explain")
	}
}

func TestAuthorizeFastPath(t *testing.T) {
	store := newFakePolicyStore(singleRulePolicy(&Rule{
		ID: "rule-1", SubjectType: SubjectRole, SubjectKey: "manager",
		Effect: EffectAllow, Operations: []Action{"ENTITY.UPDATE"}, ScopeType: ScopeTenant,
		Priority: 30, IsActive: true,
	}))
	e := newTestEngine(t, managerDirectory(), store)
	defer e.Close()

	ctx := context.Background()
	allowed, err := e.Authorize(ctx, updateRequest())
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	if !allowed {
		t.Fatalf("expected allow")
	}

	if err := store.DeletePolicy(ctx, "t1", "pol-1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	e.InvalidateDecisionCache()
	allowed, err = e.Authorize(ctx, updateRequest())
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	if allowed {
		t.Fatalf("expected deny after policy removal and cache flush")
	}
}

func TestReplayDecision(t *testing.T) {
	sink := &captureAudit{}
	store := newFakePolicyStore(singleRulePolicy(&Rule{
		ID: "rule-1", SubjectType: SubjectRole, SubjectKey: "manager",
		Effect: EffectAllow, Operations: []Action{"ENTITY.UPDATE"}, ScopeType: ScopeTenant,
		Priority: 30, IsActive: true,
	}))
	e := newTestEngine(t, managerDirectory(), store, WithAuditSink(sink))
	defer e.Close()

	ctx := context.Background()
	if _, _, err := e.Evaluate(ctx, updateRequest()); err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for sink.count() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("audit record never arrived")
		}
		time.Sleep(time.Millisecond)
	}
	rec := sink.records[0]

	res, err := e.ReplayDecision(ctx, rec)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if !res.Match || res.CurrentEffect != EffectAllow {
		t.Fatalf("replay should confirm the recorded allow, got %+v", res)
	}
	if res.Tree == nil || !res.Tree.Simulated {
		t.Fatalf("replay must run through the simulation path")
	}

	if err := store.DeletePolicy(ctx, "t1", "pol-1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	res, err = e.ReplayDecision(ctx, rec)
	if err != nil {
		t.Fatalf("replay after policy change: %v", err)
	}
	if res.Match || res.CurrentEffect != EffectDeny {
		t.Fatalf("replay must report the drifted verdict, got %+v", res)
	}
	if sink.count() != 1 {
		t.Fatalf("replay must not write audit records, got %d", sink.count())
	}

	if _, err := e.ReplayDecision(ctx, &AuditRecord{}); err != ErrNoRecordedDecision {
		t.Fatalf("expected ErrNoRecordedDecision, got %v", err)
	}
}

func TestEvaluateBatch(t *testing.T) {
	store := newFakePolicyStore(singleRulePolicy(&Rule{
		ID: "rule-1", SubjectType: SubjectRole, SubjectKey: "manager",
		Effect: EffectAllow, Operations: []Action{"ENTITY.UPDATE"}, ScopeType: ScopeTenant,
		Priority: 30, IsActive: true,
	}))
	e := newTestEngine(t, managerDirectory(), store)
	defer e.Close()

	denied := updateRequest()
	denied.Action = "ENTITY.DELETE"
	decisions, err := e.EvaluateBatch(context.Background(), []*AccessRequest{updateRequest(), denied})
	if err != nil {
		t.Fatalf("batch: %v", err)
	}
	if len(decisions) != 2 {
		t.Fatalf("expected 2 decisions, got %d", len(decisions))
	}
	if !decisions[0].Allowed || decisions[1].Allowed {
		t.Fatalf("unexpected verdicts: %+v", decisions)
	}
}

func TestDirectoryFailureIsIndeterminate(t *testing.T) {
	dir := newFakeDirectory()
	dir.failWith = errors.New("directory down")
	e := newTestEngine(t, dir, newFakePolicyStore())
	defer e.Close()

	dec, tree, err := e.Evaluate(context.Background(), updateRequest())
	if err == nil {
		t.Fatalf("expected error")
	}
	if dec != nil || tree != nil {
		t.Fatalf("indeterminate evaluation must not produce a verdict")
	}
	var dirErr *DirectoryError
	if !errors.As(err, &dirErr) {
		t.Fatalf("expected DirectoryError, got %T", err)
	}

	if _, err := e.Authorize(context.Background(), updateRequest()); err == nil {
		t.Fatalf("fast path must propagate the error too")
	}
}

func TestEvaluationIsDeterministic(t *testing.T) {
	store := newFakePolicyStore(
		singleRulePolicy(&Rule{
			ID: "rule-b", SubjectType: SubjectRole, SubjectKey: "manager",
			Effect: EffectAllow, Operations: []Action{"ENTITY.UPDATE"}, ScopeType: ScopeTenant,
			Priority: 30, IsActive: true,
		}),
		&Policy{
			ID: "pol-2", TenantID: "t1", ActiveVersion: 1, IsActive: true,
			Versions: []*PolicyVersion{{Version: 1, Rules: []*Rule{{
				ID: "rule-a", PolicyID: "pol-2", SubjectType: SubjectRole, SubjectKey: "manager",
				Effect: EffectAllow, Operations: []Action{"ENTITY.UPDATE"}, ScopeType: ScopeTenant,
				Priority: 30, IsActive: true,
			}}}},
		},
	)
	e := newTestEngine(t, managerDirectory(), store)
	defer e.Close()

	first, _, err := e.Evaluate(context.Background(), updateRequest())
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	for i := 0; i < 5; i++ {
		dec, _, err := e.Evaluate(context.Background(), updateRequest())
		if err != nil {
			t.Fatalf("evaluate: %v", err)
		}
		if dec.WinningRuleID != first.WinningRuleID || dec.Effect != first.Effect {
			t.Fatalf("non-deterministic outcome: %+v vs %+v", dec, first)
		}
	}
	if first.WinningRuleID != "rule-a" {
		t.Fatalf("expected rule ID tie-break to pick rule-a, got %q", first.WinningRuleID)
	}
}

func TestPhaseTimingsWithinTotal(t *testing.T) {
	store := newFakePolicyStore(singleRulePolicy(&Rule{
		ID: "rule-1", SubjectType: SubjectRole, SubjectKey: "manager",
		Effect: EffectAllow, Operations: []Action{"ENTITY.UPDATE"}, ScopeType: ScopeTenant,
		Priority: 30, IsActive: true,
	}))
	e := newTestEngine(t, managerDirectory(), store)
	defer e.Close()

	_, tree, err := e.Evaluate(context.Background(), updateRequest())
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	p := tree.Performance
	sum := p.SubjectResolutionMs + p.PolicyFetchMs + p.PolicyEvaluationMs + p.EffectResolutionMs
	// phases truncate to microseconds independently of the total
	if p.TotalMs+0.005 < sum {
		t.Fatalf("total %.3fms smaller than phase sum %.3fms", p.TotalMs, sum)
	}
}
