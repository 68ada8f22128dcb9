package stores

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/oarkflow/squealx"

	"github.com/oarkflow/policy"
)

// SQLAuditStore persists decision records in SQL.
type SQLAuditStore struct {
	db  *squealx.DB
	seq atomic.Int64
}

func NewSQLAuditStore(db *squealx.DB) (*SQLAuditStore, error) {
	return &SQLAuditStore{db: db}, nil
}

func (s *SQLAuditStore) LogDecision(ctx context.Context, rec *policy.AuditRecord) error {
	if rec.ID == "" {
		rec.ID = fmt.Sprintf("audit-%d-%d", time.Now().UnixNano(), s.seq.Add(1))
	}
	explainJSON := ""
	if rec.Explain != nil {
		b, _ := json.Marshal(rec.Explain)
		explainJSON = string(b)
	}
	effect := ""
	winning := ""
	strategy := ""
	if rec.Decision != nil {
		effect = string(rec.Decision.Effect)
		winning = rec.Decision.WinningRuleID
		strategy = rec.Decision.Strategy
	}
	q := `INSERT INTO audit_decisions(id, timestamp, tenant_id, principal_id, action, resource, effect, winning_rule_id, strategy, explain_json)
		VALUES(:id, :timestamp, :tenant_id, :principal_id, :action, :resource, :effect, :winning_rule_id, :strategy, :explain_json)`
	_, err := s.db.NamedExecContext(ctx, q, map[string]any{
		"id":              rec.ID,
		"timestamp":       rec.Timestamp,
		"tenant_id":       rec.TenantID,
		"principal_id":    rec.PrincipalID,
		"action":          string(rec.Action),
		"resource":        rec.Resource,
		"effect":          effect,
		"winning_rule_id": winning,
		"strategy":        strategy,
		"explain_json":    explainJSON,
	})
	return err
}

func (s *SQLAuditStore) GetAccessLog(ctx context.Context, filter policy.AuditFilter) ([]*policy.AuditRecord, error) {
	q := `SELECT id, timestamp, tenant_id, principal_id, action, resource, effect, winning_rule_id, strategy, explain_json FROM audit_decisions WHERE 1=1`
	params := map[string]any{}
	if filter.TenantID != "" {
		q += " AND tenant_id = :tenant_id"
		params["tenant_id"] = filter.TenantID
	}
	if filter.PrincipalID != "" {
		q += " AND principal_id = :principal_id"
		params["principal_id"] = filter.PrincipalID
	}
	if filter.Resource != "" {
		q += " AND resource = :resource"
		params["resource"] = filter.Resource
	}
	if filter.Action != "" {
		q += " AND action = :action"
		params["action"] = string(filter.Action)
	}
	if !filter.StartTime.IsZero() {
		q += " AND timestamp >= :start"
		params["start"] = filter.StartTime
	}
	if !filter.EndTime.IsZero() {
		q += " AND timestamp <= :end"
		params["end"] = filter.EndTime
	}
	if filter.Limit > 0 {
		q += " LIMIT :limit"
		params["limit"] = filter.Limit
	} else {
		q += " LIMIT 100"
	}
	r, err := s.db.NamedQueryContext(ctx, q, params)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	out := make([]*policy.AuditRecord, 0)
	for r.Next() {
		var rec policy.AuditRecord
		var action, effect, winning, strategy, explainJSON string
		var timestampRaw interface{}
		if err := r.Scan(&rec.ID, &timestampRaw, &rec.TenantID, &rec.PrincipalID, &action, &rec.Resource, &effect, &winning, &strategy, &explainJSON); err != nil {
			return nil, err
		}
		if t, ok := scanTime(timestampRaw); ok {
			rec.Timestamp = t
		}
		rec.Action = policy.Action(action)
		rec.Decision = &policy.Decision{
			Effect:        policy.Effect(effect),
			Allowed:       policy.Effect(effect) == policy.EffectAllow,
			WinningRuleID: winning,
			Strategy:      strategy,
			Timestamp:     rec.Timestamp,
		}
		if explainJSON != "" {
			tree := &policy.ExplainTree{}
			if err := json.Unmarshal([]byte(explainJSON), tree); err == nil {
				rec.Explain = tree
			}
		}
		out = append(out, &rec)
	}
	return out, nil
}
