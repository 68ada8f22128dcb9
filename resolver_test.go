package policy

import (
	"context"
	"errors"
	"testing"
	"time"
)

type fakeDirectory struct {
	types       map[string]PrincipalType
	direct      map[string][]BoundRole
	memberships map[string][]GroupMembership
	groupRoles  map[string][]BoundRole
	ou          map[string]*OrgUnit
	attrs       map[string][]PrincipalAttribute

	failWith error
	lookups  int
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{
		types:       map[string]PrincipalType{},
		direct:      map[string][]BoundRole{},
		memberships: map[string][]GroupMembership{},
		groupRoles:  map[string][]BoundRole{},
		ou:          map[string]*OrgUnit{},
		attrs:       map[string][]PrincipalAttribute{},
	}
}

func (d *fakeDirectory) PrincipalType(ctx context.Context, pid, tid string) (PrincipalType, error) {
	d.lookups++
	if d.failWith != nil {
		return "", d.failWith
	}
	t, ok := d.types[pid]
	if !ok {
		return "", ErrPrincipalNotFound
	}
	return t, nil
}

func (d *fakeDirectory) DirectRoleBindings(ctx context.Context, pid, tid string, now time.Time) ([]BoundRole, error) {
	if d.failWith != nil {
		return nil, d.failWith
	}
	return d.direct[pid], nil
}

func (d *fakeDirectory) GroupMemberships(ctx context.Context, pid, tid string, now time.Time) ([]GroupMembership, error) {
	if d.failWith != nil {
		return nil, d.failWith
	}
	return d.memberships[pid], nil
}

func (d *fakeDirectory) GroupRoleBindings(ctx context.Context, groupIDs []string, tid string, now time.Time) ([]BoundRole, error) {
	if d.failWith != nil {
		return nil, d.failWith
	}
	var out []BoundRole
	for _, gid := range groupIDs {
		out = append(out, d.groupRoles[gid]...)
	}
	return out, nil
}

func (d *fakeDirectory) OUMembership(ctx context.Context, pid, tid string) (*OrgUnit, error) {
	if d.failWith != nil {
		return nil, d.failWith
	}
	return d.ou[pid], nil
}

func (d *fakeDirectory) Attributes(ctx context.Context, pid, tid string, now time.Time) ([]PrincipalAttribute, error) {
	if d.failWith != nil {
		return nil, d.failWith
	}
	return d.attrs[pid], nil
}

func boundRole(code string, priority int, b *RoleBinding) BoundRole {
	if b == nil {
		b = &RoleBinding{ID: "bind-" + code, TenantID: "t1", RoleID: "role-" + code, PrincipalID: "u1"}
	}
	return BoundRole{
		Binding: b,
		Role:    &Role{ID: "role-" + code, TenantID: "t1", Code: code, Priority: priority, IsActive: true},
	}
}

func TestSnapshotCacheTTL(t *testing.T) {
	dir := newFakeDirectory()
	dir.types["u1"] = PrincipalUser
	dir.direct["u1"] = []BoundRole{boundRole("agent", 40, nil)}

	t0 := time.Date(2026, 8, 23, 12, 0, 0, 0, time.UTC)
	now := t0
	ttl := 300000 * time.Millisecond
	r := NewSubjectResolver(dir,
		WithClock(func() time.Time { return now }),
		WithSnapshotTTL(ttl))

	ctx := context.Background()
	if _, err := r.Resolve(ctx, "u1", "t1"); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if dir.lookups != 1 {
		t.Fatalf("expected 1 directory build, got %d", dir.lookups)
	}

	now = t0.Add(ttl - time.Millisecond)
	if _, err := r.Resolve(ctx, "u1", "t1"); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if dir.lookups != 1 {
		t.Fatalf("expected cache hit just before expiry, builds=%d", dir.lookups)
	}

	now = t0.Add(ttl + time.Millisecond)
	if _, err := r.Resolve(ctx, "u1", "t1"); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if dir.lookups != 2 {
		t.Fatalf("expected rebuild after expiry, builds=%d", dir.lookups)
	}
}

func TestDirectOverGroupDedup(t *testing.T) {
	dir := newFakeDirectory()
	dir.types["u1"] = PrincipalUser
	dir.direct["u1"] = []BoundRole{boundRole("agent", 40, &RoleBinding{
		ID: "bind-direct", TenantID: "t1", RoleID: "role-agent", PrincipalID: "u1",
		ScopeKind: ScopeOU, ScopeKey: "OU-A",
	})}
	dir.memberships["u1"] = []GroupMembership{{GroupID: "g1", GroupCode: "support", PrincipalID: "u1"}}
	dir.groupRoles["g1"] = []BoundRole{boundRole("agent", 40, &RoleBinding{
		ID: "bind-group", TenantID: "t1", RoleID: "role-agent", GroupID: "g1",
	})}

	r := NewSubjectResolver(dir)
	snap, err := r.Resolve(context.Background(), "u1", "t1")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(snap.Grants) != 1 {
		t.Fatalf("expected dedup to one grant, got %d", len(snap.Grants))
	}
	g := snap.Grants[0]
	if g.Source != GrantDirect {
		t.Fatalf("expected direct grant to survive, got %q", g.Source)
	}
	if g.ScopeKind != ScopeOU || g.ScopeKey != "OU-A" {
		t.Fatalf("direct binding scope metadata lost: %+v", g)
	}
	if len(snap.Groups) != 1 || snap.Groups[0] != "support" {
		t.Fatalf("group membership lost: %v", snap.Groups)
	}
}

func TestTimeWindowFiltering(t *testing.T) {
	now := time.Date(2026, 8, 23, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Hour)
	farPast := now.Add(-2 * time.Hour)
	future := now.Add(time.Hour)

	dir := newFakeDirectory()
	dir.types["u1"] = PrincipalUser
	dir.direct["u1"] = []BoundRole{
		boundRole("agent", 40, &RoleBinding{ID: "b1", TenantID: "t1", RoleID: "role-agent", PrincipalID: "u1",
			ValidFrom: &past, ValidUntil: &future}),
		boundRole("manager", 30, &RoleBinding{ID: "b2", TenantID: "t1", RoleID: "role-manager", PrincipalID: "u1",
			ValidFrom: &farPast, ValidUntil: &past}),
		boundRole("reporter", 60, &RoleBinding{ID: "b3", TenantID: "t1", RoleID: "role-reporter", PrincipalID: "u1",
			ValidFrom: &future}),
	}
	dir.memberships["u1"] = []GroupMembership{
		{GroupID: "g1", GroupCode: "old-team", PrincipalID: "u1", ValidUntil: &past},
	}
	dir.attrs["u1"] = []PrincipalAttribute{
		{PrincipalID: "u1", Key: "department", Value: "finance"},
		{PrincipalID: "u1", Key: "temp_badge", Value: "1", ValidUntil: &past},
	}

	r := NewSubjectResolver(dir, WithClock(func() time.Time { return now }))
	snap, err := r.Resolve(context.Background(), "u1", "t1")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(snap.Roles) != 1 || snap.Roles[0] != "agent" {
		t.Fatalf("expected only agent inside its window, got %v", snap.Roles)
	}
	if len(snap.Groups) != 0 {
		t.Fatalf("expired membership must be dropped, got %v", snap.Groups)
	}
	if _, ok := snap.Attributes["temp_badge"]; ok {
		t.Fatalf("expired attribute must be dropped")
	}
	if snap.Attributes["department"] != "finance" {
		t.Fatalf("unbounded attribute missing")
	}
}

func TestInvalidateCacheForcesRebuild(t *testing.T) {
	dir := newFakeDirectory()
	dir.types["u1"] = PrincipalUser

	r := NewSubjectResolver(dir)
	ctx := context.Background()
	if _, err := r.Resolve(ctx, "u1", "t1"); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if _, err := r.Resolve(ctx, "u1", "t1"); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if dir.lookups != 1 {
		t.Fatalf("expected 1 build before invalidation, got %d", dir.lookups)
	}

	r.InvalidateCache("u1", "t1")
	if _, err := r.Resolve(ctx, "u1", "t1"); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if dir.lookups != 2 {
		t.Fatalf("expected rebuild after invalidation, got %d", dir.lookups)
	}
}

func TestBuildSubjectKeys(t *testing.T) {
	snap := &SubjectSnapshot{
		PrincipalID:   "svc-billing",
		PrincipalType: PrincipalService,
		TenantID:      "t1",
		Roles:         []string{"module_admin"},
		Groups:        []string{"ops"},
	}
	keys := BuildSubjectKeys(snap)
	want := map[string]bool{
		"user:svc-billing":     true,
		"service:svc-billing":  true,
		"kc_role:module_admin": true,
		"kc_group:ops":         true,
	}
	if len(keys) != len(want) {
		t.Fatalf("expected %d keys, got %v", len(want), keys)
	}
	for _, k := range keys {
		if !want[k.String()] {
			t.Fatalf("unexpected key %q", k.String())
		}
	}
}

func TestLegacyRoleCodesNormalizedInSnapshot(t *testing.T) {
	dir := newFakeDirectory()
	dir.types["u1"] = PrincipalUser
	dir.direct["u1"] = []BoundRole{boundRole("admin", 20, nil)}

	r := NewSubjectResolver(dir)
	snap, err := r.Resolve(context.Background(), "u1", "t1")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(snap.Roles) != 1 || snap.Roles[0] != PersonaModuleAdmin {
		t.Fatalf("expected legacy admin normalized to module_admin, got %v", snap.Roles)
	}

	persona, err := r.ResolveEffectivePersona(context.Background(), "u1", "t1")
	if err != nil {
		t.Fatalf("persona: %v", err)
	}
	if persona != PersonaModuleAdmin {
		t.Fatalf("expected module_admin persona, got %q", persona)
	}
}

func TestDirectoryErrorPropagates(t *testing.T) {
	dir := newFakeDirectory()
	dir.failWith = errors.New("connection refused")

	r := NewSubjectResolver(dir)
	_, err := r.Resolve(context.Background(), "u1", "t1")
	if err == nil {
		t.Fatalf("expected error")
	}
	var dirErr *DirectoryError
	if !errors.As(err, &dirErr) {
		t.Fatalf("expected DirectoryError, got %T: %v", err, err)
	}
	if dirErr.Lookup != "principal_type" {
		t.Fatalf("expected failing lookup name, got %q", dirErr.Lookup)
	}
}

func TestOUNodeAttributeFallback(t *testing.T) {
	dir := newFakeDirectory()
	dir.types["u1"] = PrincipalUser
	dir.attrs["u1"] = []PrincipalAttribute{{PrincipalID: "u1", Key: "ou_node_id", Value: "ou-42"}}

	r := NewSubjectResolver(dir)
	snap, err := r.Resolve(context.Background(), "u1", "t1")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if snap.OU == nil || snap.OU.ID != "ou-42" {
		t.Fatalf("expected OU from attribute fallback, got %+v", snap.OU)
	}
}

type fakeEntitlements struct {
	fakeDirectory
	snap *SubjectSnapshot
}

func (f *fakeEntitlements) EffectiveEntitlements(ctx context.Context, pid, tid string, now time.Time) (*SubjectSnapshot, error) {
	return f.snap, nil
}

func TestEntitlementSourceFastPath(t *testing.T) {
	src := &fakeEntitlements{
		fakeDirectory: *newFakeDirectory(),
		snap: &SubjectSnapshot{
			PrincipalID:   "u1",
			PrincipalType: PrincipalUser,
			TenantID:      "t1",
			Roles:         []string{"readonly"},
		},
	}

	r := NewSubjectResolver(src)
	snap, err := r.Resolve(context.Background(), "u1", "t1")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if src.lookups != 0 {
		t.Fatalf("fast path must skip per-lookup composition, got %d lookups", src.lookups)
	}
	if len(snap.Roles) != 1 || snap.Roles[0] != PersonaViewer {
		t.Fatalf("fast path snapshot must still be normalized, got %v", snap.Roles)
	}
	if snap.GeneratedAt.IsZero() {
		t.Fatalf("fast path snapshot must get a generation time")
	}
}
