package stores

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/oarkflow/squealx"

	"github.com/oarkflow/policy"
)

// SQLPolicyStore persists policies in SQL (squealx). Versions are stored
// as a JSON document per policy; every write appends a snapshot to
// policy_history for auditability.
type SQLPolicyStore struct {
	db *squealx.DB
}

func NewSQLPolicyStore(db *squealx.DB) *SQLPolicyStore {
	return &SQLPolicyStore{db: db}
}

func (s *SQLPolicyStore) UpsertPolicy(ctx context.Context, p *policy.Policy) error {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	p.UpdatedAt = time.Now()
	versions, err := json.Marshal(p.Versions)
	if err != nil {
		return err
	}
	q := `INSERT INTO policies(id, tenant_id, name, active_version, versions_json, is_active, created_at, updated_at)
		VALUES(:id, :tenant_id, :name, :active_version, :versions_json, :is_active, :created_at, :updated_at)
		ON CONFLICT(id) DO UPDATE SET tenant_id = :tenant_id, name = :name, active_version = :active_version,
			versions_json = :versions_json, is_active = :is_active, updated_at = :updated_at`
	_, err = s.db.NamedExecContext(ctx, q, map[string]any{
		"id":             p.ID,
		"tenant_id":      p.TenantID,
		"name":           p.Name,
		"active_version": p.ActiveVersion,
		"versions_json":  string(versions),
		"is_active":      boolToInt(p.IsActive),
		"created_at":     p.CreatedAt,
		"updated_at":     p.UpdatedAt,
	})
	if err != nil {
		return err
	}
	return s.insertPolicyHistory(ctx, p)
}

func (s *SQLPolicyStore) DeletePolicy(ctx context.Context, tenantID, policyID string) error {
	q := `DELETE FROM policies WHERE id = :id AND tenant_id = :tenant_id`
	_, err := s.db.NamedExecContext(ctx, q, map[string]any{"id": policyID, "tenant_id": tenantID})
	return err
}

func (s *SQLPolicyStore) GetPolicy(ctx context.Context, id string) (*policy.Policy, error) {
	q := `SELECT id, tenant_id, name, active_version, versions_json, is_active, created_at, updated_at FROM policies WHERE id = :id`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{"id": id})
	if err != nil {
		return nil, err
	}
	defer r.Close()
	if !r.Next() {
		return nil, fmt.Errorf("policy not found: %s", id)
	}
	return scanPolicy(r)
}

func scanPolicy(r rowScanner) (*policy.Policy, error) {
	var p policy.Policy
	var versionsJSON string
	var isActiveInt int
	var createdRaw, updatedRaw interface{}
	if err := r.Scan(&p.ID, &p.TenantID, &p.Name, &p.ActiveVersion, &versionsJSON, &isActiveInt, &createdRaw, &updatedRaw); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(versionsJSON), &p.Versions); err != nil {
		return nil, fmt.Errorf("decode policy %s versions: %w", p.ID, err)
	}
	p.IsActive = isActiveInt != 0
	if t, ok := scanTime(createdRaw); ok {
		p.CreatedAt = t
	}
	if t, ok := scanTime(updatedRaw); ok {
		p.UpdatedAt = t
	}
	return &p, nil
}

func (s *SQLPolicyStore) ActivePolicies(ctx context.Context, tenantID string, filter policy.ScopeFilter) ([]*policy.Policy, error) {
	q := `SELECT id, tenant_id, name, active_version, versions_json, is_active, created_at, updated_at
		FROM policies WHERE is_active = 1 AND (tenant_id = :tenant_id OR tenant_id = '') ORDER BY id ASC`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{"tenant_id": tenantID})
	if err != nil {
		return nil, err
	}
	defer r.Close()
	out := make([]*policy.Policy, 0)
	for r.Next() {
		p, err := scanPolicy(r)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

func (s *SQLPolicyStore) insertPolicyHistory(ctx context.Context, p *policy.Policy) error {
	b, err := json.Marshal(p)
	if err != nil {
		return err
	}
	q := `INSERT INTO policy_history(policy_id, snapshot_json) VALUES(:policy_id, :snapshot_json)`
	_, err = s.db.NamedExecContext(ctx, q, map[string]any{"policy_id": p.ID, "snapshot_json": string(b)})
	return err
}

// GetPolicyHistory returns every stored snapshot of a policy, oldest
// first.
func (s *SQLPolicyStore) GetPolicyHistory(ctx context.Context, id string) ([]*policy.Policy, error) {
	q := `SELECT snapshot_json FROM policy_history WHERE policy_id = :policy_id ORDER BY seq ASC`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{"policy_id": id})
	if err != nil {
		return nil, err
	}
	defer r.Close()
	out := make([]*policy.Policy, 0)
	for r.Next() {
		var snap string
		if err := r.Scan(&snap); err != nil {
			return nil, err
		}
		p := &policy.Policy{}
		if err := json.Unmarshal([]byte(snap), p); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no history for policy %s", id)
	}
	return out, nil
}
