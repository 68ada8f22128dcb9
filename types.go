package policy

import (
	"time"
)

// ============================================================================
// DOMAIN OBJECTS
// ============================================================================

// PrincipalType distinguishes interactive users from service accounts.
type PrincipalType string

const (
	PrincipalUser    PrincipalType = "user"
	PrincipalService PrincipalType = "service"
)

// Principal is an authenticatable identity. Identity is immutable; roles,
// memberships and attributes are separate, mutable facts kept in the
// directory.
type Principal struct {
	ID   string        `json:"id"`
	Type PrincipalType `json:"type"`
}

// Effect is the outcome a rule contributes to a decision.
type Effect string

const (
	EffectAllow Effect = "allow"
	EffectDeny  Effect = "deny"
)

// SubjectType classifies the matchable identity facets a rule can bind to.
type SubjectType string

const (
	SubjectRole    SubjectType = "kc_role"
	SubjectGroup   SubjectType = "kc_group"
	SubjectUser    SubjectType = "user"
	SubjectService SubjectType = "service"
)

// ScopeType narrows a role binding or rule to a slice of the tenant.
type ScopeType string

const (
	ScopeTenant ScopeType = "tenant"
	ScopeOU     ScopeType = "ou"
	ScopeEntity ScopeType = "entity"
	ScopeModule ScopeType = "module"
)

// Action is a fully-qualified operation code, e.g. "ENTITY.UPDATE".
type Action string

// Role is a tenant-scoped permission grouping. Priority is a precedence
// rank: lower number wins.
type Role struct {
	ID          string    `json:"id"`
	TenantID    string    `json:"tenant_id"`
	Code        string    `json:"code"`
	Name        string    `json:"name"`
	ScopeMode   ScopeType `json:"scope_mode"`
	Priority    int       `json:"priority"`
	IsActive    bool      `json:"is_active"`
	Description string    `json:"description,omitempty"`
}

// RoleBinding assigns one role to exactly one of principal or group,
// optionally narrowed to a scope and bounded in time. A zero Priority
// means the bound role's own priority applies.
type RoleBinding struct {
	ID          string     `json:"id"`
	TenantID    string     `json:"tenant_id"`
	RoleID      string     `json:"role_id"`
	PrincipalID string     `json:"principal_id,omitempty"`
	GroupID     string     `json:"group_id,omitempty"`
	ScopeKind   ScopeType  `json:"scope_kind,omitempty"`
	ScopeKey    string     `json:"scope_key,omitempty"`
	Priority    int        `json:"priority,omitempty"`
	ValidFrom   *time.Time `json:"valid_from,omitempty"`
	ValidUntil  *time.Time `json:"valid_until,omitempty"`
	CreatedBy   string     `json:"created_by"`
	CreatedAt   time.Time  `json:"created_at"`
}

// Validate enforces the binding invariant: exactly one of principal or
// group must be set.
func (b *RoleBinding) Validate() error {
	if (b.PrincipalID == "") == (b.GroupID == "") {
		return ErrInvalidBinding
	}
	if b.RoleID == "" {
		return ErrInvalidBinding
	}
	return nil
}

// ActiveAt reports whether the binding's validity window covers now.
// Nil bounds are unbounded.
func (b *RoleBinding) ActiveAt(now time.Time) bool {
	return windowCovers(b.ValidFrom, b.ValidUntil, now)
}

// BoundRole is a role binding joined with its role definition, the shape
// directory reads return.
type BoundRole struct {
	Binding *RoleBinding `json:"binding"`
	Role    *Role        `json:"role"`
}

// EffectivePriority is the binding override when present, otherwise the
// role's own priority.
func (br *BoundRole) EffectivePriority() int {
	if br.Binding != nil && br.Binding.Priority > 0 {
		return br.Binding.Priority
	}
	return br.Role.Priority
}

// Group is a named collection of principals.
type Group struct {
	ID       string `json:"id"`
	TenantID string `json:"tenant_id"`
	Code     string `json:"code"`
	Name     string `json:"name"`
}

// GroupMembership links a principal to a group, optionally time-bounded.
type GroupMembership struct {
	GroupID     string     `json:"group_id"`
	GroupCode   string     `json:"group_code"`
	PrincipalID string     `json:"principal_id"`
	ValidFrom   *time.Time `json:"valid_from,omitempty"`
	ValidUntil  *time.Time `json:"valid_until,omitempty"`
}

// ActiveAt reports whether the membership window covers now.
func (m *GroupMembership) ActiveAt(now time.Time) bool {
	return windowCovers(m.ValidFrom, m.ValidUntil, now)
}

// OrgUnit is a node in the organizational scoping hierarchy.
type OrgUnit struct {
	ID   string `json:"id"`
	Code string `json:"code"`
	Name string `json:"name,omitempty"`
}

// PrincipalAttribute is a free-form ABAC fact about a principal.
type PrincipalAttribute struct {
	PrincipalID string     `json:"principal_id"`
	Key         string     `json:"key"`
	Value       string     `json:"value"`
	ValidFrom   *time.Time `json:"valid_from,omitempty"`
	ValidUntil  *time.Time `json:"valid_until,omitempty"`
}

// ActiveAt reports whether the attribute window covers now.
func (a *PrincipalAttribute) ActiveAt(now time.Time) bool {
	return windowCovers(a.ValidFrom, a.ValidUntil, now)
}

func windowCovers(from, until *time.Time, now time.Time) bool {
	if from != nil && now.Before(*from) {
		return false
	}
	if until != nil && now.After(*until) {
		return false
	}
	return true
}

// ============================================================================
// SUBJECT SNAPSHOT
// ============================================================================

// GrantSource records how a role reached the subject.
type GrantSource string

const (
	GrantDirect GrantSource = "direct"
	GrantGroup  GrantSource = "group"
)

// RoleGrant is one resolved role with the binding metadata that survived
// deduplication. Direct bindings win over group-inherited ones for the
// same role code.
type RoleGrant struct {
	Code      string      `json:"code"`
	Source    GrantSource `json:"source"`
	ScopeKind ScopeType   `json:"scope_kind,omitempty"`
	ScopeKey  string      `json:"scope_key,omitempty"`
	Priority  int         `json:"priority"`
}

// SubjectSnapshot is the flattened, cacheable projection of everything
// policy evaluation needs to know about a principal within one tenant.
type SubjectSnapshot struct {
	PrincipalID   string            `json:"principal_id"`
	PrincipalType PrincipalType     `json:"principal_type"`
	TenantID      string            `json:"tenant_id"`
	Roles         []string          `json:"roles"`
	Grants        []RoleGrant       `json:"grants"`
	Groups        []string          `json:"groups"`
	OU            *OrgUnit          `json:"ou_membership,omitempty"`
	Attributes    map[string]string `json:"attributes"`
	GeneratedAt   time.Time         `json:"generated_at"`
}

// Stale reports whether the snapshot has outlived ttl at now.
func (s *SubjectSnapshot) Stale(ttl time.Duration, now time.Time) bool {
	return now.Sub(s.GeneratedAt) >= ttl
}

// SubjectKey is a typed, matchable identity facet derived from a snapshot.
type SubjectKey struct {
	Type SubjectType `json:"type"`
	Key  string      `json:"key"`
}

func (k SubjectKey) String() string {
	return string(k.Type) + ":" + k.Key
}

// ============================================================================
// POLICIES AND RULES
// ============================================================================

// Policy is a named container of versioned rule sets. Only the active
// version participates in evaluation.
type Policy struct {
	ID            string           `json:"id"`
	TenantID      string           `json:"tenant_id"`
	Name          string           `json:"name"`
	ActiveVersion int              `json:"active_version"`
	Versions      []*PolicyVersion `json:"versions"`
	IsActive      bool             `json:"is_active"`
	CreatedAt     time.Time        `json:"created_at"`
	UpdatedAt     time.Time        `json:"updated_at"`
}

// Active returns the policy version currently in force, or nil.
func (p *Policy) Active() *PolicyVersion {
	for _, v := range p.Versions {
		if v.Version == p.ActiveVersion {
			return v
		}
	}
	return nil
}

// PolicyVersion is one immutable, ordered rule set.
type PolicyVersion struct {
	Version int     `json:"version"`
	Rules   []*Rule `json:"rules"`
}

// Rule binds a subject matcher to an effect for a set of operations
// within a scope, optionally guarded by a condition tree.
type Rule struct {
	ID          string         `json:"id"`
	PolicyID    string         `json:"policy_id"`
	SubjectType SubjectType    `json:"subject_type"`
	SubjectKey  string         `json:"subject_key"`
	Effect      Effect         `json:"effect"`
	Operations  []Action       `json:"operations"`
	ScopeType   ScopeType      `json:"scope_type"`
	ScopeKey    string         `json:"scope_key,omitempty"`
	Priority    int            `json:"priority"`
	Conditions  *ConditionTree `json:"conditions,omitempty"`
	IsActive    bool           `json:"is_active"`
}

// ============================================================================
// EVALUATION INPUT AND OUTPUT
// ============================================================================

// Resource describes what is being accessed.
type Resource struct {
	ID       string         `json:"id"`
	Type     string         `json:"type"`
	TenantID string         `json:"tenant_id"`
	Module   string         `json:"module,omitempty"`
	OwnerID  string         `json:"owner_id,omitempty"`
	OUPath   []string       `json:"ou_path,omitempty"`
	Attrs    map[string]any `json:"attrs,omitempty"`
}

// InOU reports whether ouCode appears on the resource's OU path.
func (r *Resource) InOU(ouCode string) bool {
	for _, c := range r.OUPath {
		if c == ouCode {
			return true
		}
	}
	return false
}

// Environment carries request context for ABAC conditions.
type Environment struct {
	Time     time.Time      `json:"time"`
	TenantID string         `json:"tenant_id"`
	Extra    map[string]any `json:"extra,omitempty"`
}

// AccessRequest is one evaluation question: can this principal perform
// this action on this resource in this tenant.
type AccessRequest struct {
	PrincipalID string       `json:"principal_id"`
	TenantID    string       `json:"tenant_id"`
	Action      Action       `json:"action"`
	Resource    *Resource    `json:"resource"`
	Environment *Environment `json:"environment,omitempty"`
}

// Decision is the final verdict of one evaluation.
type Decision struct {
	Effect        Effect    `json:"effect"`
	Allowed       bool      `json:"allowed"`
	WinningRuleID string    `json:"winning_rule_id,omitempty"`
	Strategy      string    `json:"strategy"`
	Timestamp     time.Time `json:"timestamp"`
}

// MatchedRule is one rule that fully matched during evaluation, with the
// fields conflict resolution ranks on.
type MatchedRule struct {
	RuleID   string `json:"rule_id"`
	PolicyID string `json:"policy_id"`
	Effect   Effect `json:"effect"`
	Priority int    `json:"priority"`
}

// AuditRecord is what the engine hands to the audit sink after each
// non-simulated evaluation.
type AuditRecord struct {
	ID          string       `json:"id"`
	Timestamp   time.Time    `json:"timestamp"`
	TenantID    string       `json:"tenant_id"`
	PrincipalID string       `json:"principal_id"`
	Action      Action       `json:"action"`
	Resource    string       `json:"resource"`
	Decision    *Decision    `json:"decision"`
	Explain     *ExplainTree `json:"explain,omitempty"`
}

// AuditFilter narrows audit log queries.
type AuditFilter struct {
	TenantID    string
	PrincipalID string
	Resource    string
	Action      Action
	StartTime   time.Time
	EndTime     time.Time
	Limit       int
}
