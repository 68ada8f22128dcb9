package stores

import (
	"context"
	"time"

	"github.com/oarkflow/squealx"

	"github.com/oarkflow/policy"
)

// SQLDirectory serves principal identity data from SQL (squealx). Row
// errors abort the lookup; the caller decides what an indeterminate
// subject means.
type SQLDirectory struct {
	db *squealx.DB
}

func NewSQLDirectory(db *squealx.DB) *SQLDirectory {
	return &SQLDirectory{db: db}
}

func (d *SQLDirectory) PrincipalType(ctx context.Context, principalID, tenantID string) (policy.PrincipalType, error) {
	q := `SELECT type FROM principals WHERE id = :id AND tenant_id = :tenant_id`
	r, err := d.db.NamedQueryContext(ctx, q, map[string]any{"id": principalID, "tenant_id": tenantID})
	if err != nil {
		return "", err
	}
	defer r.Close()
	if !r.Next() {
		return "", policy.ErrPrincipalNotFound
	}
	var t string
	if err := r.Scan(&t); err != nil {
		return "", err
	}
	return policy.PrincipalType(t), nil
}

const boundRoleColumns = `b.id, b.tenant_id, b.role_id, b.principal_id, b.group_id, b.scope_kind, b.scope_key, b.priority, b.valid_from, b.valid_until,
	r.id, r.tenant_id, r.code, r.name, r.scope_mode, r.priority, r.is_active, r.description`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBoundRole(r rowScanner) (policy.BoundRole, error) {
	var b policy.RoleBinding
	var role policy.Role
	var principalID, groupID, scopeKind, scopeKey *string
	var validFromRaw, validUntilRaw interface{}
	var isActiveInt int
	if err := r.Scan(
		&b.ID, &b.TenantID, &b.RoleID, &principalID, &groupID, &scopeKind, &scopeKey, &b.Priority, &validFromRaw, &validUntilRaw,
		&role.ID, &role.TenantID, &role.Code, &role.Name, &role.ScopeMode, &role.Priority, &isActiveInt, &role.Description,
	); err != nil {
		return policy.BoundRole{}, err
	}
	if principalID != nil {
		b.PrincipalID = *principalID
	}
	if groupID != nil {
		b.GroupID = *groupID
	}
	if scopeKind != nil {
		b.ScopeKind = policy.ScopeType(*scopeKind)
	}
	if scopeKey != nil {
		b.ScopeKey = *scopeKey
	}
	b.ValidFrom = scanTimePtr(validFromRaw)
	b.ValidUntil = scanTimePtr(validUntilRaw)
	role.IsActive = isActiveInt != 0
	return policy.BoundRole{Binding: &b, Role: &role}, nil
}

func (d *SQLDirectory) DirectRoleBindings(ctx context.Context, principalID, tenantID string, now time.Time) ([]policy.BoundRole, error) {
	q := `SELECT ` + boundRoleColumns + `
		FROM role_bindings b JOIN roles r ON r.id = b.role_id
		WHERE b.principal_id = :principal_id AND b.tenant_id = :tenant_id`
	r, err := d.db.NamedQueryContext(ctx, q, map[string]any{"principal_id": principalID, "tenant_id": tenantID})
	if err != nil {
		return nil, err
	}
	defer r.Close()
	out := make([]policy.BoundRole, 0)
	for r.Next() {
		br, err := scanBoundRole(r)
		if err != nil {
			return nil, err
		}
		out = append(out, br)
	}
	return out, nil
}

func (d *SQLDirectory) GroupMemberships(ctx context.Context, principalID, tenantID string, now time.Time) ([]policy.GroupMembership, error) {
	q := `SELECT m.group_id, g.code, m.principal_id, m.valid_from, m.valid_until
		FROM group_members m JOIN groups g ON g.id = m.group_id
		WHERE m.principal_id = :principal_id AND g.tenant_id = :tenant_id`
	r, err := d.db.NamedQueryContext(ctx, q, map[string]any{"principal_id": principalID, "tenant_id": tenantID})
	if err != nil {
		return nil, err
	}
	defer r.Close()
	out := make([]policy.GroupMembership, 0)
	for r.Next() {
		var m policy.GroupMembership
		var validFromRaw, validUntilRaw interface{}
		if err := r.Scan(&m.GroupID, &m.GroupCode, &m.PrincipalID, &validFromRaw, &validUntilRaw); err != nil {
			return nil, err
		}
		m.ValidFrom = scanTimePtr(validFromRaw)
		m.ValidUntil = scanTimePtr(validUntilRaw)
		out = append(out, m)
	}
	return out, nil
}

func (d *SQLDirectory) GroupRoleBindings(ctx context.Context, groupIDs []string, tenantID string, now time.Time) ([]policy.BoundRole, error) {
	out := make([]policy.BoundRole, 0)
	// one query per group keeps the named-parameter binding simple
	for _, gid := range groupIDs {
		q := `SELECT ` + boundRoleColumns + `
			FROM role_bindings b JOIN roles r ON r.id = b.role_id
			WHERE b.group_id = :group_id AND b.tenant_id = :tenant_id`
		r, err := d.db.NamedQueryContext(ctx, q, map[string]any{"group_id": gid, "tenant_id": tenantID})
		if err != nil {
			return nil, err
		}
		for r.Next() {
			br, err := scanBoundRole(r)
			if err != nil {
				r.Close()
				return nil, err
			}
			out = append(out, br)
		}
		r.Close()
	}
	return out, nil
}

func (d *SQLDirectory) OUMembership(ctx context.Context, principalID, tenantID string) (*policy.OrgUnit, error) {
	q := `SELECT o.id, o.code, o.name
		FROM ou_members m JOIN org_units o ON o.id = m.ou_id
		WHERE m.principal_id = :principal_id AND m.tenant_id = :tenant_id`
	r, err := d.db.NamedQueryContext(ctx, q, map[string]any{"principal_id": principalID, "tenant_id": tenantID})
	if err != nil {
		return nil, err
	}
	defer r.Close()
	if !r.Next() {
		return nil, nil
	}
	ou := &policy.OrgUnit{}
	if err := r.Scan(&ou.ID, &ou.Code, &ou.Name); err != nil {
		return nil, err
	}
	return ou, nil
}

func (d *SQLDirectory) Attributes(ctx context.Context, principalID, tenantID string, now time.Time) ([]policy.PrincipalAttribute, error) {
	q := `SELECT principal_id, key, value, valid_from, valid_until
		FROM principal_attributes
		WHERE principal_id = :principal_id AND tenant_id = :tenant_id`
	r, err := d.db.NamedQueryContext(ctx, q, map[string]any{"principal_id": principalID, "tenant_id": tenantID})
	if err != nil {
		return nil, err
	}
	defer r.Close()
	out := make([]policy.PrincipalAttribute, 0)
	for r.Next() {
		var a policy.PrincipalAttribute
		var validFromRaw, validUntilRaw interface{}
		if err := r.Scan(&a.PrincipalID, &a.Key, &a.Value, &validFromRaw, &validUntilRaw); err != nil {
			return nil, err
		}
		a.ValidFrom = scanTimePtr(validFromRaw)
		a.ValidUntil = scanTimePtr(validUntilRaw)
		out = append(out, a)
	}
	return out, nil
}

// UpsertPrincipal registers or updates a principal row.
func (d *SQLDirectory) UpsertPrincipal(ctx context.Context, id, tenantID string, t policy.PrincipalType) error {
	q := `INSERT INTO principals(id, tenant_id, type) VALUES(:id, :tenant_id, :type)
		ON CONFLICT(id, tenant_id) DO UPDATE SET type = :type`
	_, err := d.db.NamedExecContext(ctx, q, map[string]any{"id": id, "tenant_id": tenantID, "type": string(t)})
	return err
}

// UpsertRole writes a role definition.
func (d *SQLDirectory) UpsertRole(ctx context.Context, role *policy.Role) error {
	q := `INSERT INTO roles(id, tenant_id, code, name, scope_mode, priority, is_active, description)
		VALUES(:id, :tenant_id, :code, :name, :scope_mode, :priority, :is_active, :description)
		ON CONFLICT(id) DO UPDATE SET code = :code, name = :name, scope_mode = :scope_mode,
			priority = :priority, is_active = :is_active, description = :description`
	_, err := d.db.NamedExecContext(ctx, q, map[string]any{
		"id":          role.ID,
		"tenant_id":   role.TenantID,
		"code":        role.Code,
		"name":        role.Name,
		"scope_mode":  string(role.ScopeMode),
		"priority":    role.Priority,
		"is_active":   boolToInt(role.IsActive),
		"description": role.Description,
	})
	return err
}

// UpsertGroup writes a group definition.
func (d *SQLDirectory) UpsertGroup(ctx context.Context, g *policy.Group) error {
	q := `INSERT INTO groups(id, tenant_id, code, name) VALUES(:id, :tenant_id, :code, :name)
		ON CONFLICT(id) DO UPDATE SET code = :code, name = :name`
	_, err := d.db.NamedExecContext(ctx, q, map[string]any{
		"id": g.ID, "tenant_id": g.TenantID, "code": g.Code, "name": g.Name,
	})
	return err
}

// AddGroupMember links a principal into a group.
func (d *SQLDirectory) AddGroupMember(ctx context.Context, m policy.GroupMembership) error {
	q := `INSERT INTO group_members(group_id, principal_id, valid_from, valid_until)
		VALUES(:group_id, :principal_id, :valid_from, :valid_until)
		ON CONFLICT(group_id, principal_id) DO UPDATE SET valid_from = :valid_from, valid_until = :valid_until`
	_, err := d.db.NamedExecContext(ctx, q, map[string]any{
		"group_id":     m.GroupID,
		"principal_id": m.PrincipalID,
		"valid_from":   sqlNullTimeOrNil(m.ValidFrom),
		"valid_until":  sqlNullTimeOrNil(m.ValidUntil),
	})
	return err
}

// SetOUMembership places a principal in an organizational unit.
func (d *SQLDirectory) SetOUMembership(ctx context.Context, principalID, tenantID string, ou *policy.OrgUnit) error {
	q := `INSERT INTO org_units(id, tenant_id, code, name) VALUES(:id, :tenant_id, :code, :name)
		ON CONFLICT(id) DO UPDATE SET code = :code, name = :name`
	if _, err := d.db.NamedExecContext(ctx, q, map[string]any{
		"id": ou.ID, "tenant_id": tenantID, "code": ou.Code, "name": ou.Name,
	}); err != nil {
		return err
	}
	q = `INSERT INTO ou_members(principal_id, tenant_id, ou_id) VALUES(:principal_id, :tenant_id, :ou_id)
		ON CONFLICT(principal_id, tenant_id) DO UPDATE SET ou_id = :ou_id`
	_, err := d.db.NamedExecContext(ctx, q, map[string]any{
		"principal_id": principalID, "tenant_id": tenantID, "ou_id": ou.ID,
	})
	return err
}

// UpsertAttribute writes one principal attribute.
func (d *SQLDirectory) UpsertAttribute(ctx context.Context, tenantID string, a policy.PrincipalAttribute) error {
	q := `INSERT INTO principal_attributes(principal_id, tenant_id, key, value, valid_from, valid_until)
		VALUES(:principal_id, :tenant_id, :key, :value, :valid_from, :valid_until)
		ON CONFLICT(principal_id, tenant_id, key) DO UPDATE SET value = :value, valid_from = :valid_from, valid_until = :valid_until`
	_, err := d.db.NamedExecContext(ctx, q, map[string]any{
		"principal_id": a.PrincipalID,
		"tenant_id":    tenantID,
		"key":          a.Key,
		"value":        a.Value,
		"valid_from":   sqlNullTimeOrNil(a.ValidFrom),
		"valid_until":  sqlNullTimeOrNil(a.ValidUntil),
	})
	return err
}

// InsertBinding writes a role binding after validating it.
func (d *SQLDirectory) InsertBinding(ctx context.Context, b *policy.RoleBinding) error {
	if err := b.Validate(); err != nil {
		return err
	}
	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now()
	}
	var principalID, groupID interface{}
	if b.PrincipalID != "" {
		principalID = b.PrincipalID
	}
	if b.GroupID != "" {
		groupID = b.GroupID
	}
	q := `INSERT INTO role_bindings(id, tenant_id, role_id, principal_id, group_id, scope_kind, scope_key, priority, valid_from, valid_until, created_by, created_at)
		VALUES(:id, :tenant_id, :role_id, :principal_id, :group_id, :scope_kind, :scope_key, :priority, :valid_from, :valid_until, :created_by, :created_at)`
	_, err := d.db.NamedExecContext(ctx, q, map[string]any{
		"id":           b.ID,
		"tenant_id":    b.TenantID,
		"role_id":      b.RoleID,
		"principal_id": principalID,
		"group_id":     groupID,
		"scope_kind":   string(b.ScopeKind),
		"scope_key":    b.ScopeKey,
		"priority":     b.Priority,
		"valid_from":   sqlNullTimeOrNil(b.ValidFrom),
		"valid_until":  sqlNullTimeOrNil(b.ValidUntil),
		"created_by":   b.CreatedBy,
		"created_at":   b.CreatedAt,
	})
	return err
}
