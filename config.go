package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the declarative configuration surface: engine tuning, persona
// overrides, and policy sets authored in YAML or JSON.
type Config struct {
	Version  int            `json:"version" yaml:"version"`
	Engine   EngineSettings `json:"engine" yaml:"engine"`
	Personas []PersonaSpec  `json:"personas,omitempty" yaml:"personas,omitempty"`
	Policies []PolicyConfig `json:"policies" yaml:"policies"`
}

// EngineSettings tunes caches and evaluation bounds. Zero values keep the
// engine defaults.
type EngineSettings struct {
	SnapshotCacheTTLMs int64  `json:"snapshot_cache_ttl_ms" yaml:"snapshot_cache_ttl_ms"`
	DecisionCacheTTLMs int64  `json:"decision_cache_ttl_ms" yaml:"decision_cache_ttl_ms"`
	MaxConditionDepth  int    `json:"max_condition_depth" yaml:"max_condition_depth"`
	TieBreak           string `json:"tie_break" yaml:"tie_break"`
}

// PolicyConfig is one policy in authoring form.
type PolicyConfig struct {
	ID       string       `json:"id" yaml:"id"`
	TenantID string       `json:"tenant_id" yaml:"tenant_id"`
	Name     string       `json:"name" yaml:"name"`
	Version  int          `json:"version" yaml:"version"`
	Rules    []RuleConfig `json:"rules" yaml:"rules"`
}

// RuleConfig is one rule in authoring form. Subject is "<type>:<key>"
// (e.g. "kc_role:manager"), Scope is "<kind>:<key>" (e.g. "ou:OU-A") or
// just "tenant". Conditions carry the generic tree shape YAML produces.
type RuleConfig struct {
	ID         string         `json:"id" yaml:"id"`
	Subject    string         `json:"subject" yaml:"subject"`
	Effect     Effect         `json:"effect" yaml:"effect"`
	Operations []string       `json:"operations" yaml:"operations"`
	Scope      string         `json:"scope,omitempty" yaml:"scope,omitempty"`
	Priority   int            `json:"priority" yaml:"priority"`
	Conditions map[string]any `json:"conditions,omitempty" yaml:"conditions,omitempty"`
	Disabled   bool           `json:"disabled,omitempty" yaml:"disabled,omitempty"`
}

// Compile turns the authoring form into an evaluatable rule, validating
// everything the engine assumes at evaluation time.
func (rc *RuleConfig) Compile(policyID string, maxCondDepth int) (*Rule, error) {
	subjectType, subjectKey, err := splitSubject(rc.Subject)
	if err != nil {
		return nil, fmt.Errorf("rule %s: %w", rc.ID, err)
	}
	if rc.Effect != EffectAllow && rc.Effect != EffectDeny {
		return nil, fmt.Errorf("rule %s: effect must be allow or deny, got %q", rc.ID, rc.Effect)
	}
	if len(rc.Operations) == 0 {
		return nil, fmt.Errorf("rule %s: at least one operation required", rc.ID)
	}
	scopeType, scopeKey, err := splitScope(rc.Scope)
	if err != nil {
		return nil, fmt.Errorf("rule %s: %w", rc.ID, err)
	}

	var tree *ConditionTree
	if rc.Conditions != nil {
		tree, err = ConditionTreeFromMap(rc.Conditions)
		if err != nil {
			return nil, fmt.Errorf("rule %s: %w", rc.ID, err)
		}
		if err := ValidateConditionTree(tree, maxCondDepth); err != nil {
			return nil, fmt.Errorf("rule %s: %w", rc.ID, err)
		}
	}

	ops := make([]Action, len(rc.Operations))
	for i, op := range rc.Operations {
		ops[i] = Action(op)
	}
	return &Rule{
		ID:          rc.ID,
		PolicyID:    policyID,
		SubjectType: subjectType,
		SubjectKey:  subjectKey,
		Effect:      rc.Effect,
		Operations:  ops,
		ScopeType:   scopeType,
		ScopeKey:    scopeKey,
		Priority:    rc.Priority,
		Conditions:  tree,
		IsActive:    !rc.Disabled,
	}, nil
}

func splitSubject(s string) (SubjectType, string, error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 || parts[1] == "" {
		return "", "", fmt.Errorf("subject must be <type>:<key>, got %q", s)
	}
	switch t := SubjectType(parts[0]); t {
	case SubjectRole, SubjectGroup, SubjectUser, SubjectService:
		return t, parts[1], nil
	}
	return "", "", fmt.Errorf("unknown subject type %q", parts[0])
}

func splitScope(s string) (ScopeType, string, error) {
	if s == "" || s == "tenant" {
		return ScopeTenant, "", nil
	}
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 || parts[1] == "" {
		return "", "", fmt.Errorf("scope must be <kind>:<key>, got %q", s)
	}
	switch t := ScopeType(parts[0]); t {
	case ScopeOU, ScopeEntity, ScopeModule:
		return t, parts[1], nil
	}
	return "", "", fmt.Errorf("unknown scope kind %q", parts[0])
}

// Compile turns the policy's authoring form into the evaluatable shape.
func (pc *PolicyConfig) Compile(maxCondDepth int) (*Policy, error) {
	version := pc.Version
	if version == 0 {
		version = 1
	}
	rules := make([]*Rule, 0, len(pc.Rules))
	for i := range pc.Rules {
		r, err := pc.Rules[i].Compile(pc.ID, maxCondDepth)
		if err != nil {
			return nil, fmt.Errorf("policy %s: %w", pc.ID, err)
		}
		rules = append(rules, r)
	}
	now := time.Now()
	return &Policy{
		ID:            pc.ID,
		TenantID:      pc.TenantID,
		Name:          pc.Name,
		ActiveVersion: version,
		Versions:      []*PolicyVersion{{Version: version, Rules: rules}},
		IsActive:      true,
		CreatedAt:     now,
		UpdatedAt:     now,
	}, nil
}

// Validate compiles every policy without applying anything.
func (c *Config) Validate() error {
	depth := c.Engine.MaxConditionDepthOrDefault()
	seen := make(map[string]bool, len(c.Policies))
	for i := range c.Policies {
		p := &c.Policies[i]
		if p.ID == "" {
			return fmt.Errorf("policy at index %d missing id", i)
		}
		if seen[p.ID] {
			return fmt.Errorf("duplicate policy id %q", p.ID)
		}
		seen[p.ID] = true
		if _, err := p.Compile(depth); err != nil {
			return err
		}
	}
	if tb := c.Engine.TieBreak; tb != "" && tb != string(TieBreakDenyWins) && tb != string(TieBreakAllowWins) {
		return fmt.Errorf("unknown tie_break %q", tb)
	}
	return nil
}

// MaxConditionDepthOrDefault falls back to the engine default bound.
func (s *EngineSettings) MaxConditionDepthOrDefault() int {
	if s.MaxConditionDepth > 0 {
		return s.MaxConditionDepth
	}
	return defaultMaxCondDepth
}

// ConfigLoader loads configuration from YAML or JSON.
type ConfigLoader struct{}

func NewConfigLoader() *ConfigLoader { return &ConfigLoader{} }

func (l *ConfigLoader) LoadYAML(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (l *ConfigLoader) LoadJSON(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ToYAML exports config to YAML.
func (c *Config) ToYAML() ([]byte, error) {
	return yaml.Marshal(c)
}

// ToJSON exports config to JSON.
func (c *Config) ToJSON() ([]byte, error) {
	return json.MarshalIndent(c, "", "  ")
}

// ApplyConfig compiles and upserts the config's policies, applies engine
// settings, and flushes stale caches. The policy store must support
// writes.
func (e *Engine) ApplyConfig(ctx context.Context, cfg *Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	if cfg.Engine.SnapshotCacheTTLMs > 0 {
		e.resolver.SetCacheTTL(cfg.Engine.SnapshotCacheTTLMs)
	}
	if cfg.Engine.DecisionCacheTTLMs > 0 {
		e.decisionTTL = time.Duration(cfg.Engine.DecisionCacheTTLMs) * time.Millisecond
	}
	if cfg.Engine.MaxConditionDepth > 0 {
		e.maxCondDepth = cfg.Engine.MaxConditionDepth
	}
	if cfg.Engine.TieBreak != "" {
		e.conflict = NewConflictResolver(TieBreak(cfg.Engine.TieBreak))
	}
	if len(cfg.Personas) > 0 {
		e.resolver.personas = NewPersonaRegistry(cfg.Personas)
	}

	if len(cfg.Policies) > 0 {
		admin, ok := e.store.(PolicyAdminStore)
		if !ok {
			return fmt.Errorf("policy store does not support writes")
		}
		for i := range cfg.Policies {
			p, err := cfg.Policies[i].Compile(e.maxCondDepth)
			if err != nil {
				return err
			}
			if err := admin.UpsertPolicy(ctx, p); err != nil {
				return fmt.Errorf("upsert policy %s: %w", p.ID, err)
			}
		}
	}

	e.InvalidateDecisionCache()
	e.resolver.ClearCache()
	return nil
}
