package policy

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/oarkflow/policy/logger"
)

// SnapshotCache stores resolved subject snapshots keyed by
// "<principal_id>:<tenant_id>". Implementations must be safe for
// concurrent use. Staleness is judged by the resolver against the
// snapshot's GeneratedAt, not by the cache.
type SnapshotCache interface {
	Get(key string) (*SubjectSnapshot, bool)
	Set(key string, snap *SubjectSnapshot)
	Delete(key string)
	Clear()
}

type memorySnapshotCache struct {
	mu      sync.RWMutex
	entries map[string]*SubjectSnapshot
}

func newMemorySnapshotCache() *memorySnapshotCache {
	return &memorySnapshotCache{entries: make(map[string]*SubjectSnapshot)}
}

func (c *memorySnapshotCache) Get(key string) (*SubjectSnapshot, bool) {
	c.mu.RLock()
	snap, ok := c.entries[key]
	c.mu.RUnlock()
	return snap, ok
}

func (c *memorySnapshotCache) Set(key string, snap *SubjectSnapshot) {
	c.mu.Lock()
	c.entries[key] = snap
	c.mu.Unlock()
}

func (c *memorySnapshotCache) Delete(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

func (c *memorySnapshotCache) Clear() {
	c.mu.Lock()
	c.entries = make(map[string]*SubjectSnapshot)
	c.mu.Unlock()
}

// SubjectResolver composes directory lookups into cacheable subject
// snapshots. Safe for concurrent use; concurrent misses for the same
// principal may each hit the directory, last write wins in the cache.
type SubjectResolver struct {
	dir      Directory
	ents     EntitlementSource
	cache    SnapshotCache
	personas *PersonaRegistry
	log      logger.Logger
	clock    func() time.Time

	ttlMu sync.RWMutex
	ttl   time.Duration
}

// ResolverOption customizes a SubjectResolver.
type ResolverOption func(*SubjectResolver)

// WithResolverLogger sets the resolver's logger.
func WithResolverLogger(l logger.Logger) ResolverOption {
	return func(r *SubjectResolver) {
		if l != nil {
			r.log = l
		}
	}
}

// WithClock injects the time source, used by tests to pin evaluation time.
func WithClock(clock func() time.Time) ResolverOption {
	return func(r *SubjectResolver) {
		if clock != nil {
			r.clock = clock
		}
	}
}

// WithSnapshotCache replaces the default in-process snapshot cache.
func WithSnapshotCache(c SnapshotCache) ResolverOption {
	return func(r *SubjectResolver) {
		if c != nil {
			r.cache = c
		}
	}
}

// WithEntitlementSource enables the pre-joined read model fast path.
func WithEntitlementSource(src EntitlementSource) ResolverOption {
	return func(r *SubjectResolver) { r.ents = src }
}

// WithPersonaRegistry replaces the default persona registry.
func WithPersonaRegistry(reg *PersonaRegistry) ResolverOption {
	return func(r *SubjectResolver) {
		if reg != nil {
			r.personas = reg
		}
	}
}

// WithSnapshotTTL sets how long cached snapshots stay fresh.
func WithSnapshotTTL(ttl time.Duration) ResolverOption {
	return func(r *SubjectResolver) {
		if ttl > 0 {
			r.ttl = ttl
		}
	}
}

const defaultSnapshotTTL = 300000 * time.Millisecond

// NewSubjectResolver builds a resolver over the given directory. When the
// directory also implements EntitlementSource it is used as one unless an
// option overrides it.
func NewSubjectResolver(dir Directory, opts ...ResolverOption) *SubjectResolver {
	r := &SubjectResolver{
		dir:      dir,
		cache:    newMemorySnapshotCache(),
		personas: DefaultPersonaRegistry(),
		log:      logger.NewNullLogger(),
		clock:    time.Now,
		ttl:      defaultSnapshotTTL,
	}
	if src, ok := dir.(EntitlementSource); ok {
		r.ents = src
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func snapshotCacheKey(principalID, tenantID string) string {
	return principalID + ":" + tenantID
}

// Resolve returns the subject snapshot for one principal within one
// tenant, served from cache while fresh.
func (r *SubjectResolver) Resolve(ctx context.Context, principalID, tenantID string) (*SubjectSnapshot, error) {
	snap, _, err := r.resolve(ctx, principalID, tenantID)
	return snap, err
}

func (r *SubjectResolver) snapshotTTL() time.Duration {
	r.ttlMu.RLock()
	defer r.ttlMu.RUnlock()
	return r.ttl
}

// SetCacheTTL changes the snapshot freshness window at runtime.
func (r *SubjectResolver) SetCacheTTL(ms int64) {
	if ms <= 0 {
		return
	}
	r.ttlMu.Lock()
	r.ttl = time.Duration(ms) * time.Millisecond
	r.ttlMu.Unlock()
}

// InvalidateCache drops the cached snapshot for one principal. Callers
// invoke this after role or membership writes; the next Resolve rebuilds
// from the directory.
func (r *SubjectResolver) InvalidateCache(principalID, tenantID string) {
	r.cache.Delete(snapshotCacheKey(principalID, tenantID))
	r.log.Debug("subject snapshot invalidated", "principal_id", principalID, "tenant_id", tenantID)
}

// ClearCache drops every cached snapshot.
func (r *SubjectResolver) ClearCache() {
	r.cache.Clear()
}

func (r *SubjectResolver) resolve(ctx context.Context, principalID, tenantID string) (*SubjectSnapshot, bool, error) {
	now := r.clock()
	key := snapshotCacheKey(principalID, tenantID)
	if snap, ok := r.cache.Get(key); ok && !snap.Stale(r.snapshotTTL(), now) {
		return snap, true, nil
	}

	snap, err := r.build(ctx, principalID, tenantID, now)
	if err != nil {
		return nil, false, err
	}
	r.cache.Set(key, snap)
	r.log.Debug("subject snapshot built",
		"principal_id", principalID,
		"tenant_id", tenantID,
		"roles", len(snap.Roles),
		"groups", len(snap.Groups))
	return snap, false, nil
}

func (r *SubjectResolver) build(ctx context.Context, principalID, tenantID string, now time.Time) (*SubjectSnapshot, error) {
	if r.ents != nil {
		snap, err := r.ents.EffectiveEntitlements(ctx, principalID, tenantID, now)
		if err != nil {
			return nil, directoryErr("effective_entitlements", err)
		}
		if snap != nil {
			r.normalize(snap, now)
			return snap, nil
		}
	}

	ptype, err := r.dir.PrincipalType(ctx, principalID, tenantID)
	if err != nil {
		return nil, directoryErr("principal_type", err)
	}

	direct, err := r.dir.DirectRoleBindings(ctx, principalID, tenantID, now)
	if err != nil {
		return nil, directoryErr("direct_role_bindings", err)
	}

	memberships, err := r.dir.GroupMemberships(ctx, principalID, tenantID, now)
	if err != nil {
		return nil, directoryErr("group_memberships", err)
	}
	var groupIDs []string
	var groupCodes []string
	for _, m := range memberships {
		if !m.ActiveAt(now) {
			continue
		}
		groupIDs = append(groupIDs, m.GroupID)
		groupCodes = append(groupCodes, m.GroupCode)
	}

	var inherited []BoundRole
	if len(groupIDs) > 0 {
		inherited, err = r.dir.GroupRoleBindings(ctx, groupIDs, tenantID, now)
		if err != nil {
			return nil, directoryErr("group_role_bindings", err)
		}
	}

	ou, err := r.dir.OUMembership(ctx, principalID, tenantID)
	if err != nil {
		return nil, directoryErr("ou_membership", err)
	}

	attrRows, err := r.dir.Attributes(ctx, principalID, tenantID, now)
	if err != nil {
		return nil, directoryErr("attributes", err)
	}
	attrs := make(map[string]string, len(attrRows))
	for _, a := range attrRows {
		if a.ActiveAt(now) {
			attrs[a.Key] = a.Value
		}
	}

	// Principals placed in the hierarchy only via an attribute still get
	// an OU on the snapshot.
	if ou == nil {
		if nodeID, ok := attrs["ou_node_id"]; ok && nodeID != "" {
			ou = &OrgUnit{ID: nodeID}
		}
	}

	grants := mergeGrants(r.personas, direct, inherited, now)

	snap := &SubjectSnapshot{
		PrincipalID:   principalID,
		PrincipalType: ptype,
		TenantID:      tenantID,
		Grants:        grants,
		Groups:        groupCodes,
		OU:            ou,
		Attributes:    attrs,
		GeneratedAt:   now,
	}
	for _, g := range grants {
		snap.Roles = append(snap.Roles, g.Code)
	}
	return snap, nil
}

func (r *SubjectResolver) normalize(snap *SubjectSnapshot, now time.Time) {
	if snap.GeneratedAt.IsZero() {
		snap.GeneratedAt = now
	}
	if snap.Attributes == nil {
		snap.Attributes = map[string]string{}
	}
	for i, code := range snap.Roles {
		snap.Roles[i] = r.personas.NormalizeToPersonaCode(code)
	}
	for i := range snap.Grants {
		snap.Grants[i].Code = r.personas.NormalizeToPersonaCode(snap.Grants[i].Code)
	}
}

// mergeGrants dedups direct and group-inherited bindings by normalized
// role code. A direct grant always beats a group grant for the same role;
// among grants of the same source the first with the lowest effective
// priority wins, so its scope metadata is the one that survives.
func mergeGrants(reg *PersonaRegistry, direct, inherited []BoundRole, now time.Time) []RoleGrant {
	byCode := make(map[string]RoleGrant)
	var order []string

	consider := func(br BoundRole, source GrantSource) {
		if br.Role == nil || !br.Role.IsActive {
			return
		}
		if br.Binding != nil && !br.Binding.ActiveAt(now) {
			return
		}
		code := reg.NormalizeToPersonaCode(br.Role.Code)
		grant := RoleGrant{
			Code:     code,
			Source:   source,
			Priority: br.EffectivePriority(),
		}
		if br.Binding != nil {
			grant.ScopeKind = br.Binding.ScopeKind
			grant.ScopeKey = br.Binding.ScopeKey
		}
		existing, seen := byCode[code]
		if !seen {
			byCode[code] = grant
			order = append(order, code)
			return
		}
		if existing.Source == GrantGroup && source == GrantDirect {
			byCode[code] = grant
			return
		}
		if existing.Source == source && grant.Priority < existing.Priority {
			byCode[code] = grant
		}
	}

	for _, br := range direct {
		consider(br, GrantDirect)
	}
	for _, br := range inherited {
		consider(br, GrantGroup)
	}

	out := make([]RoleGrant, 0, len(order))
	for _, code := range order {
		out = append(out, byCode[code])
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].Code < out[j].Code
	})
	return out
}

// BuildSubjectKeys derives the matchable identity facets from a snapshot:
// always the user key, the service key for service principals, one role
// key per granted role, and one group key per membership.
func BuildSubjectKeys(snap *SubjectSnapshot) []SubjectKey {
	keys := make([]SubjectKey, 0, 2+len(snap.Roles)+len(snap.Groups))
	keys = append(keys, SubjectKey{Type: SubjectUser, Key: snap.PrincipalID})
	if snap.PrincipalType == PrincipalService {
		keys = append(keys, SubjectKey{Type: SubjectService, Key: snap.PrincipalID})
	}
	for _, role := range snap.Roles {
		keys = append(keys, SubjectKey{Type: SubjectRole, Key: role})
	}
	for _, group := range snap.Groups {
		keys = append(keys, SubjectKey{Type: SubjectGroup, Key: group})
	}
	return keys
}

// GetQualifiedPersonas returns the standard personas the principal holds,
// ordered by precedence.
func (r *SubjectResolver) GetQualifiedPersonas(ctx context.Context, principalID, tenantID string) ([]string, error) {
	snap, err := r.Resolve(ctx, principalID, tenantID)
	if err != nil {
		return nil, err
	}
	return r.personas.QualifiedPersonas(snap.Roles), nil
}

// ResolveEffectivePersona returns the single highest-precedence persona,
// defaulting to viewer.
func (r *SubjectResolver) ResolveEffectivePersona(ctx context.Context, principalID, tenantID string) (string, error) {
	snap, err := r.Resolve(ctx, principalID, tenantID)
	if err != nil {
		return "", err
	}
	return r.personas.EffectivePersona(snap.Roles), nil
}
