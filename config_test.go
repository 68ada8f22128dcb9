package policy

import (
	"context"
	"strings"
	"testing"
)

const sampleYAML = `
version: 1
engine:
  snapshot_cache_ttl_ms: 60000
  decision_cache_ttl_ms: 2000
  max_condition_depth: 3
  tie_break: deny-wins
policies:
  - id: pol-entities
    tenant_id: t1
    name: Entity access
    rules:
      - id: rule-manager-all
        subject: kc_role:manager
        effect: allow
        operations: ["ENTITY.*"]
        scope: tenant
        priority: 30
      - id: rule-agent-ou
        subject: kc_role:agent
        effect: allow
        operations: ["ENTITY.READ", "ENTITY.UPDATE"]
        scope: ou:OU-A
        priority: 40
        conditions:
          conditions:
            - field: resource.attrs.status
              operator: ne
              value: archived
      - id: rule-block-exports
        subject: kc_group:contractors
        effect: deny
        operations: ["ENTITY.EXPORT"]
        priority: 10
`

func TestLoadYAMLAndCompile(t *testing.T) {
	cfg, err := NewConfigLoader().LoadYAML([]byte(sampleYAML))
	if err != nil {
		t.Fatalf("load yaml: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if len(cfg.Policies) != 1 || len(cfg.Policies[0].Rules) != 3 {
		t.Fatalf("unexpected shape: %+v", cfg.Policies)
	}

	p, err := cfg.Policies[0].Compile(3)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	active := p.Active()
	if active == nil || len(active.Rules) != 3 {
		t.Fatalf("expected active version with 3 rules")
	}

	agent := active.Rules[1]
	if agent.SubjectType != SubjectRole || agent.SubjectKey != "agent" {
		t.Fatalf("subject parse failed: %+v", agent)
	}
	if agent.ScopeType != ScopeOU || agent.ScopeKey != "OU-A" {
		t.Fatalf("scope parse failed: %+v", agent)
	}
	if agent.Conditions == nil || len(agent.Conditions.Conditions) != 1 {
		t.Fatalf("conditions not compiled: %+v", agent.Conditions)
	}

	deny := active.Rules[2]
	if deny.Effect != EffectDeny || deny.ScopeType != ScopeTenant {
		t.Fatalf("deny rule parse failed: %+v", deny)
	}
}

func TestCompileRejectsBadRules(t *testing.T) {
	cases := []struct {
		name string
		rule RuleConfig
		want string
	}{
		{"bad subject", RuleConfig{ID: "r", Subject: "manager", Effect: EffectAllow, Operations: []string{"X.Y"}}, "subject"},
		{"bad subject type", RuleConfig{ID: "r", Subject: "team:a", Effect: EffectAllow, Operations: []string{"X.Y"}}, "subject type"},
		{"bad effect", RuleConfig{ID: "r", Subject: "user:u1", Effect: "block", Operations: []string{"X.Y"}}, "effect"},
		{"no operations", RuleConfig{ID: "r", Subject: "user:u1", Effect: EffectAllow}, "operation"},
		{"bad scope", RuleConfig{ID: "r", Subject: "user:u1", Effect: EffectAllow, Operations: []string{"X.Y"}, Scope: "region:eu"}, "scope"},
		{"bad operator", RuleConfig{ID: "r", Subject: "user:u1", Effect: EffectAllow, Operations: []string{"X.Y"},
			Conditions: map[string]any{"field": "action", "operator": "regex", "value": ".*"}}, "operator"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := tc.rule.Compile("p1", 3)
			if err == nil {
				t.Fatalf("expected error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected %q in error, got %v", tc.want, err)
			}
		})
	}
}

func TestValidateRejectsDuplicatePolicyIDs(t *testing.T) {
	cfg := &Config{Policies: []PolicyConfig{
		{ID: "p1", Rules: []RuleConfig{{ID: "r1", Subject: "user:u1", Effect: EffectAllow, Operations: []string{"X.Y"}}}},
		{ID: "p1", Rules: []RuleConfig{{ID: "r2", Subject: "user:u2", Effect: EffectAllow, Operations: []string{"X.Y"}}}},
	}}
	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "duplicate") {
		t.Fatalf("expected duplicate error, got %v", err)
	}
}

func TestApplyConfig(t *testing.T) {
	cfg, err := NewConfigLoader().LoadYAML([]byte(sampleYAML))
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	store := newFakePolicyStore()
	e := newTestEngine(t, managerDirectory(), store)
	defer e.Close()

	if err := e.ApplyConfig(context.Background(), cfg); err != nil {
		t.Fatalf("apply: %v", err)
	}

	dec, _, err := e.Evaluate(context.Background(), updateRequest())
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if !dec.Allowed || dec.WinningRuleID != "rule-manager-all" {
		t.Fatalf("applied policy not in effect: %+v", dec)
	}
}

func TestConfigRoundtrip(t *testing.T) {
	cfg, err := NewConfigLoader().LoadYAML([]byte(sampleYAML))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	jsonData, err := cfg.ToJSON()
	if err != nil {
		t.Fatalf("to json: %v", err)
	}
	back, err := NewConfigLoader().LoadJSON(jsonData)
	if err != nil {
		t.Fatalf("load json: %v", err)
	}
	if err := back.Validate(); err != nil {
		t.Fatalf("roundtripped config invalid: %v", err)
	}
	if len(back.Policies) != len(cfg.Policies) {
		t.Fatalf("policy count changed across roundtrip")
	}
}
