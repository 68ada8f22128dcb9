package stores

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oarkflow/policy"
)

// MemoryDirectory implements the principal directory in-memory for
// testing/demo. Writers use the Add/Set methods; reads clone nothing, so
// callers must not mutate returned rows.
type MemoryDirectory struct {
	mu          sync.RWMutex
	principals  map[string]policy.PrincipalType
	roles       map[string]*policy.Role
	bindings    []*policy.RoleBinding
	memberships []policy.GroupMembership
	groups      map[string]*policy.Group
	ous         map[string]*policy.OrgUnit
	attributes  []policy.PrincipalAttribute

	// FailLookups, when set, makes every read return this error. Used to
	// exercise indeterminate handling.
	FailLookups error
}

func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{
		principals: make(map[string]policy.PrincipalType),
		roles:      make(map[string]*policy.Role),
		groups:     make(map[string]*policy.Group),
		ous:        make(map[string]*policy.OrgUnit),
	}
}

func (d *MemoryDirectory) AddPrincipal(id string, t policy.PrincipalType) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.principals[id] = t
}

func (d *MemoryDirectory) AddRole(r *policy.Role) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.roles[r.ID] = r
}

func (d *MemoryDirectory) AddBinding(b *policy.RoleBinding) error {
	if err := b.Validate(); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now()
	}
	d.bindings = append(d.bindings, b)
	return nil
}

func (d *MemoryDirectory) AddGroup(g *policy.Group) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.groups[g.ID] = g
}

func (d *MemoryDirectory) AddMembership(m policy.GroupMembership) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if m.GroupCode == "" {
		if g, ok := d.groups[m.GroupID]; ok {
			m.GroupCode = g.Code
		}
	}
	d.memberships = append(d.memberships, m)
}

func (d *MemoryDirectory) SetOU(principalID string, ou *policy.OrgUnit) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ous[principalID] = ou
}

func (d *MemoryDirectory) AddAttribute(a policy.PrincipalAttribute) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.attributes = append(d.attributes, a)
}

func (d *MemoryDirectory) PrincipalType(ctx context.Context, principalID, tenantID string) (policy.PrincipalType, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.FailLookups != nil {
		return "", d.FailLookups
	}
	t, ok := d.principals[principalID]
	if !ok {
		return "", policy.ErrPrincipalNotFound
	}
	return t, nil
}

func (d *MemoryDirectory) DirectRoleBindings(ctx context.Context, principalID, tenantID string, now time.Time) ([]policy.BoundRole, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.FailLookups != nil {
		return nil, d.FailLookups
	}
	out := make([]policy.BoundRole, 0)
	for _, b := range d.bindings {
		if b.PrincipalID != principalID || b.TenantID != tenantID {
			continue
		}
		role, ok := d.roles[b.RoleID]
		if !ok {
			continue
		}
		out = append(out, policy.BoundRole{Binding: b, Role: role})
	}
	return out, nil
}

func (d *MemoryDirectory) GroupMemberships(ctx context.Context, principalID, tenantID string, now time.Time) ([]policy.GroupMembership, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.FailLookups != nil {
		return nil, d.FailLookups
	}
	out := make([]policy.GroupMembership, 0)
	for _, m := range d.memberships {
		if m.PrincipalID == principalID {
			out = append(out, m)
		}
	}
	return out, nil
}

func (d *MemoryDirectory) GroupRoleBindings(ctx context.Context, groupIDs []string, tenantID string, now time.Time) ([]policy.BoundRole, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.FailLookups != nil {
		return nil, d.FailLookups
	}
	wanted := make(map[string]bool, len(groupIDs))
	for _, id := range groupIDs {
		wanted[id] = true
	}
	out := make([]policy.BoundRole, 0)
	for _, b := range d.bindings {
		if b.GroupID == "" || !wanted[b.GroupID] || b.TenantID != tenantID {
			continue
		}
		role, ok := d.roles[b.RoleID]
		if !ok {
			continue
		}
		out = append(out, policy.BoundRole{Binding: b, Role: role})
	}
	return out, nil
}

func (d *MemoryDirectory) OUMembership(ctx context.Context, principalID, tenantID string) (*policy.OrgUnit, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.FailLookups != nil {
		return nil, d.FailLookups
	}
	return d.ous[principalID], nil
}

func (d *MemoryDirectory) Attributes(ctx context.Context, principalID, tenantID string, now time.Time) ([]policy.PrincipalAttribute, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.FailLookups != nil {
		return nil, d.FailLookups
	}
	out := make([]policy.PrincipalAttribute, 0)
	for _, a := range d.attributes {
		if a.PrincipalID == principalID {
			out = append(out, a)
		}
	}
	return out, nil
}

// MemoryPolicyStore implements policy persistence in-memory for
// testing/demo.
type MemoryPolicyStore struct {
	mu       sync.RWMutex
	policies map[string]*policy.Policy
}

func NewMemoryPolicyStore() *MemoryPolicyStore {
	return &MemoryPolicyStore{policies: make(map[string]*policy.Policy)}
}

func (s *MemoryPolicyStore) UpsertPolicy(ctx context.Context, p *policy.Policy) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	p.UpdatedAt = time.Now()
	s.policies[p.ID] = p
	return nil
}

func (s *MemoryPolicyStore) DeletePolicy(ctx context.Context, tenantID, policyID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.policies, policyID)
	return nil
}

func (s *MemoryPolicyStore) GetPolicy(ctx context.Context, id string) (*policy.Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.policies[id]
	if !ok {
		return nil, fmt.Errorf("policy not found: %s", id)
	}
	return p, nil
}

func (s *MemoryPolicyStore) ActivePolicies(ctx context.Context, tenantID string, filter policy.ScopeFilter) ([]*policy.Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*policy.Policy, 0)
	for _, p := range s.policies {
		if !p.IsActive {
			continue
		}
		if p.TenantID != "" && p.TenantID != tenantID {
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// MemoryAuditStore keeps decision records in-memory.
type MemoryAuditStore struct {
	mu      sync.RWMutex
	records []*policy.AuditRecord
	seq     atomic.Int64
}

func NewMemoryAuditStore() *MemoryAuditStore {
	return &MemoryAuditStore{}
}

func (s *MemoryAuditStore) LogDecision(ctx context.Context, rec *policy.AuditRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec.ID == "" {
		rec.ID = fmt.Sprintf("audit-%d", s.seq.Add(1))
	}
	s.records = append(s.records, rec)
	return nil
}

func (s *MemoryAuditStore) GetAccessLog(ctx context.Context, filter policy.AuditFilter) ([]*policy.AuditRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*policy.AuditRecord, 0)
	for _, rec := range s.records {
		if filter.TenantID != "" && rec.TenantID != filter.TenantID {
			continue
		}
		if filter.PrincipalID != "" && rec.PrincipalID != filter.PrincipalID {
			continue
		}
		if filter.Action != "" && rec.Action != filter.Action {
			continue
		}
		if filter.Resource != "" && rec.Resource != filter.Resource {
			continue
		}
		if !filter.StartTime.IsZero() && rec.Timestamp.Before(filter.StartTime) {
			continue
		}
		if !filter.EndTime.IsZero() && rec.Timestamp.After(filter.EndTime) {
			continue
		}
		out = append(out, rec)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

// Count returns the number of stored records.
func (s *MemoryAuditStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}
