package policy

import (
	"context"
	"time"
)

// Directory is the read-side contract over principal identity data. Every
// lookup takes the evaluation time so callers can filter validity windows
// consistently; implementations may ignore it and return raw rows, in
// which case the resolver applies the windows itself.
//
// Any error returned here propagates to the caller unchanged in meaning:
// a failed lookup means the subject cannot be resolved, never an implicit
// allow or deny.
type Directory interface {
	// PrincipalType returns the principal kind, or ErrPrincipalNotFound.
	PrincipalType(ctx context.Context, principalID, tenantID string) (PrincipalType, error)

	// DirectRoleBindings returns role bindings assigned straight to the
	// principal, joined with their role definitions.
	DirectRoleBindings(ctx context.Context, principalID, tenantID string, now time.Time) ([]BoundRole, error)

	// GroupMemberships returns the principal's group memberships.
	GroupMemberships(ctx context.Context, principalID, tenantID string, now time.Time) ([]GroupMembership, error)

	// GroupRoleBindings returns role bindings attached to any of the given
	// groups.
	GroupRoleBindings(ctx context.Context, groupIDs []string, tenantID string, now time.Time) ([]BoundRole, error)

	// OUMembership returns the principal's organizational unit, or nil when
	// the principal is not placed in the hierarchy.
	OUMembership(ctx context.Context, principalID, tenantID string) (*OrgUnit, error)

	// Attributes returns the principal's ABAC attributes.
	Attributes(ctx context.Context, principalID, tenantID string, now time.Time) ([]PrincipalAttribute, error)
}

// EntitlementSource is an optional pre-joined read model. When the
// directory also implements it, the resolver takes the snapshot from here
// and skips the per-lookup composition entirely.
type EntitlementSource interface {
	EffectiveEntitlements(ctx context.Context, principalID, tenantID string, now time.Time) (*SubjectSnapshot, error)
}

// ScopeFilter narrows a policy read to the rules that could possibly
// apply to one resource. Implementations may over-return; the engine
// re-checks scope per rule.
type ScopeFilter struct {
	ResourceType string
	ResourceID   string
	Module       string
	OUPath       []string
}

// PolicyStore serves active policies for evaluation.
type PolicyStore interface {
	// ActivePolicies returns every active policy for the tenant whose
	// active version could match the filter, in stable order.
	ActivePolicies(ctx context.Context, tenantID string, filter ScopeFilter) ([]*Policy, error)
}

// PolicyAdminStore extends PolicyStore with the write side used by
// configuration loading and the admin CLI.
type PolicyAdminStore interface {
	PolicyStore
	UpsertPolicy(ctx context.Context, p *Policy) error
	DeletePolicy(ctx context.Context, tenantID, policyID string) error
}

// AuditSink receives one record per non-simulated evaluation. The engine
// calls it from a background worker, so implementations need not be fast,
// only safe for concurrent use.
type AuditSink interface {
	LogDecision(ctx context.Context, rec *AuditRecord) error
}
