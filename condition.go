package policy

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// ============================================================================
// CONDITION LANGUAGE (ABAC)
// ============================================================================

// Operator is one comparison from the closed, auditable catalog. The
// engine never evaluates free-form expressions.
type Operator string

const (
	OpEq       Operator = "eq"
	OpNe       Operator = "ne"
	OpIn       Operator = "in"
	OpNotIn    Operator = "nin"
	OpGt       Operator = "gt"
	OpGte      Operator = "gte"
	OpLt       Operator = "lt"
	OpLte      Operator = "lte"
	OpPrefix   Operator = "prefix"
	OpContains Operator = "contains"
)

// Valid reports whether the operator is in the catalog.
func (o Operator) Valid() bool {
	switch o {
	case OpEq, OpNe, OpIn, OpNotIn, OpGt, OpGte, OpLt, OpLte, OpPrefix, OpContains:
		return true
	}
	return false
}

// LogicOp combines child conditions in a group node.
type LogicOp string

const (
	LogicAnd LogicOp = "and"
	LogicOr  LogicOp = "or"
)

// ConditionLeaf is one field comparison. Field is a dotted path into the
// merged evaluation context (subject.*, resource.*, context.*, action).
type ConditionLeaf struct {
	Field    string   `json:"field"`
	Operator Operator `json:"operator"`
	Value    any      `json:"value"`
}

// ConditionNode is the tagged Leaf|Group variant. Exactly one of the two
// is set.
type ConditionNode struct {
	Leaf  *ConditionLeaf
	Group *ConditionTree
}

// ConditionTree is a group node: children combined with AND (default) or
// OR. A vacuous AND is true, a vacuous OR is false.
type ConditionTree struct {
	Operator   LogicOp         `json:"operator,omitempty"`
	Conditions []ConditionNode `json:"conditions"`
}

func (t *ConditionTree) logic() LogicOp {
	if t.Operator == "" {
		return LogicAnd
	}
	return t.Operator
}

// MarshalJSON emits the leaf or group shape directly, without a wrapper.
func (n ConditionNode) MarshalJSON() ([]byte, error) {
	if n.Group != nil {
		return json.Marshal(n.Group)
	}
	return json.Marshal(n.Leaf)
}

// UnmarshalJSON distinguishes leaves from groups by the presence of a
// "conditions" key.
func (n *ConditionNode) UnmarshalJSON(data []byte) error {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(data, &probe); err != nil {
		return err
	}
	if _, ok := probe["conditions"]; ok {
		g := &ConditionTree{}
		if err := json.Unmarshal(data, g); err != nil {
			return err
		}
		n.Group = g
		n.Leaf = nil
		return nil
	}
	l := &ConditionLeaf{}
	if err := json.Unmarshal(data, l); err != nil {
		return err
	}
	n.Leaf = l
	n.Group = nil
	return nil
}

// ConditionTreeFromMap decodes the generic map shape produced by YAML or
// JSON config into a typed tree.
func ConditionTreeFromMap(m map[string]any) (*ConditionTree, error) {
	if m == nil {
		return nil, nil
	}
	node, err := nodeFromAny(m)
	if err != nil {
		return nil, err
	}
	if node.Group != nil {
		return node.Group, nil
	}
	// a bare leaf becomes a single-child AND group
	return &ConditionTree{Conditions: []ConditionNode{node}}, nil
}

func nodeFromAny(v any) (ConditionNode, error) {
	m, ok := v.(map[string]any)
	if !ok {
		return ConditionNode{}, fmt.Errorf("condition node must be a mapping, got %T", v)
	}
	if raw, ok := m["conditions"]; ok {
		children, ok := raw.([]any)
		if !ok {
			return ConditionNode{}, fmt.Errorf("conditions must be a list, got %T", raw)
		}
		g := &ConditionTree{}
		if op, ok := m["operator"].(string); ok {
			g.Operator = LogicOp(op)
		}
		for _, c := range children {
			child, err := nodeFromAny(c)
			if err != nil {
				return ConditionNode{}, err
			}
			g.Conditions = append(g.Conditions, child)
		}
		return ConditionNode{Group: g}, nil
	}
	field, _ := m["field"].(string)
	op, _ := m["operator"].(string)
	return ConditionNode{Leaf: &ConditionLeaf{Field: field, Operator: Operator(op), Value: m["value"]}}, nil
}

// ValidateConditionTree enforces the authoring-time invariants: bounded
// depth, catalog operators, known field namespaces, and known logic
// operators. Evaluation never re-checks these; a malformed leaf that
// slips through degrades to a failed comparison instead.
func ValidateConditionTree(t *ConditionTree, maxDepth int) error {
	if t == nil {
		return nil
	}
	return validateTree(t, 1, maxDepth)
}

func validateTree(t *ConditionTree, depth, maxDepth int) error {
	if depth > maxDepth {
		return fmt.Errorf("%w: depth %d > %d", ErrConditionDepthExceeded, depth, maxDepth)
	}
	switch t.logic() {
	case LogicAnd, LogicOr:
	default:
		return fmt.Errorf("unknown logic operator %q", t.Operator)
	}
	for _, n := range t.Conditions {
		if n.Group != nil {
			if err := validateTree(n.Group, depth+1, maxDepth); err != nil {
				return err
			}
			continue
		}
		if n.Leaf == nil {
			return fmt.Errorf("empty condition node")
		}
		if !n.Leaf.Operator.Valid() {
			return fmt.Errorf("%w: %q", ErrUnknownOperator, n.Leaf.Operator)
		}
		if !knownFieldPath(n.Leaf.Field) {
			return fmt.Errorf("%w: %q", ErrUnknownFieldNamespace, n.Leaf.Field)
		}
	}
	return nil
}

func knownFieldPath(field string) bool {
	if field == "action" || field == "action.code" {
		return true
	}
	for _, prefix := range []string{"subject.", "resource.", "context."} {
		if strings.HasPrefix(field, prefix) && len(field) > len(prefix) {
			return true
		}
	}
	return false
}

// ConditionEvalResult is the per-leaf trace: what was compared, against
// what, and whether it passed.
type ConditionEvalResult struct {
	Field    string   `json:"field"`
	Operator Operator `json:"operator"`
	Expected any      `json:"expected_value"`
	Actual   any      `json:"actual_value"`
	Passed   bool     `json:"passed"`
}

// EvalContext is the merged data conditions resolve fields against.
type EvalContext struct {
	Subject     *SubjectSnapshot
	Resource    *Resource
	Action      Action
	Environment *Environment
}

// EvaluateConditions evaluates the tree with short-circuiting and no
// trace allocation. A nil tree passes.
func EvaluateConditions(t *ConditionTree, ctx *EvalContext) bool {
	if t == nil {
		return true
	}
	if t.logic() == LogicOr {
		for _, n := range t.Conditions {
			if evalNode(n, ctx) {
				return true
			}
		}
		return false
	}
	for _, n := range t.Conditions {
		if !evalNode(n, ctx) {
			return false
		}
	}
	return true
}

func evalNode(n ConditionNode, ctx *EvalContext) bool {
	if n.Group != nil {
		return EvaluateConditions(n.Group, ctx)
	}
	if n.Leaf == nil {
		return false
	}
	return evalLeaf(n.Leaf, ctx).Passed
}

// ExplainConditions evaluates the tree and records every leaf outcome.
// Unlike EvaluateConditions it never short-circuits: the explain tree
// must show each comparison.
func ExplainConditions(t *ConditionTree, ctx *EvalContext) (bool, []ConditionEvalResult) {
	if t == nil {
		return true, nil
	}
	results := make([]ConditionEvalResult, 0, len(t.Conditions))
	passed := explainTree(t, ctx, &results)
	return passed, results
}

func explainTree(t *ConditionTree, ctx *EvalContext, results *[]ConditionEvalResult) bool {
	or := t.logic() == LogicOr
	anyPassed := false
	allPassed := true
	for _, n := range t.Conditions {
		var ok bool
		if n.Group != nil {
			ok = explainTree(n.Group, ctx, results)
		} else if n.Leaf != nil {
			r := evalLeaf(n.Leaf, ctx)
			*results = append(*results, r)
			ok = r.Passed
		}
		if ok {
			anyPassed = true
		} else {
			allPassed = false
		}
	}
	if or {
		return anyPassed
	}
	return allPassed
}

func evalLeaf(l *ConditionLeaf, ctx *EvalContext) ConditionEvalResult {
	actual := resolveField(ctx, l.Field)
	return ConditionEvalResult{
		Field:    l.Field,
		Operator: l.Operator,
		Expected: l.Value,
		Actual:   actual,
		Passed:   compareLeaf(l.Operator, actual, l.Value),
	}
}

// compareLeaf applies one catalog operator. A nil actual (unknown field)
// or an operator outside the catalog fails the comparison; it never
// aborts the rule.
func compareLeaf(op Operator, actual, expected any) bool {
	if actual == nil {
		return false
	}
	switch op {
	case OpEq:
		return looseCompare(actual, expected) == 0
	case OpNe:
		return looseCompare(actual, expected) != 0
	case OpIn:
		return containsValue(expected, actual)
	case OpNotIn:
		if _, comparable := asList(expected); !comparable {
			return false
		}
		return !containsValue(expected, actual)
	case OpGt:
		c, ok := orderedCompare(actual, expected)
		return ok && c > 0
	case OpGte:
		c, ok := orderedCompare(actual, expected)
		return ok && c >= 0
	case OpLt:
		c, ok := orderedCompare(actual, expected)
		return ok && c < 0
	case OpLte:
		c, ok := orderedCompare(actual, expected)
		return ok && c <= 0
	case OpPrefix:
		as, aok := actual.(string)
		es, eok := expected.(string)
		return aok && eok && strings.HasPrefix(as, es)
	case OpContains:
		if as, ok := actual.(string); ok {
			es, eok := expected.(string)
			return eok && strings.Contains(as, es)
		}
		return containsValue(actual, expected)
	}
	return false
}

func asList(v any) ([]any, bool) {
	switch vv := v.(type) {
	case []any:
		return vv, true
	case []string:
		out := make([]any, len(vv))
		for i, s := range vv {
			out[i] = s
		}
		return out, true
	}
	return nil, false
}

func containsValue(list, item any) bool {
	items, ok := asList(list)
	if !ok {
		return false
	}
	for _, v := range items {
		if looseCompare(item, v) == 0 {
			return true
		}
	}
	return false
}

// looseCompare compares values across the types JSON/YAML decoding
// produces: 0 for equal, non-zero otherwise. Slices on the left compare
// as membership, matching how role lists are checked.
func looseCompare(a, b any) int {
	if items, ok := asList(a); ok {
		if _, alsoList := asList(b); !alsoList {
			for _, v := range items {
				if looseCompare(v, b) == 0 {
					return 0
				}
			}
			return -1
		}
	}
	if as, ok := a.(string); ok {
		if bs, ok := b.(string); ok {
			return strings.Compare(as, bs)
		}
	}
	if ab, ok := a.(bool); ok {
		if bb, ok := b.(bool); ok {
			if ab == bb {
				return 0
			}
			return -1
		}
	}
	if c, ok := orderedCompare(a, b); ok {
		return c
	}
	return -1
}

// orderedCompare compares numerically when both sides are numeric
// (including numeric strings, which attribute values often are).
func orderedCompare(a, b any) (int, bool) {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		switch {
		case af == bf:
			return 0, true
		case af < bf:
			return -1, true
		default:
			return 1, true
		}
	}
	as, aok := a.(string)
	bs, bok := b.(string)
	if aok && bok {
		return strings.Compare(as, bs), true
	}
	return 0, false
}

func toFloat(v any) (float64, bool) {
	switch vv := v.(type) {
	case int:
		return float64(vv), true
	case int32:
		return float64(vv), true
	case int64:
		return float64(vv), true
	case uint64:
		return float64(vv), true
	case float32:
		return float64(vv), true
	case float64:
		return vv, true
	case json.Number:
		f, err := vv.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(vv, 64)
		return f, err == nil
	}
	return 0, false
}

// resolveField resolves a dotted path against the merged context. Unknown
// paths yield nil, which downstream comparison treats as a failed match.
func resolveField(ctx *EvalContext, field string) any {
	switch {
	case field == "action" || field == "action.code":
		return string(ctx.Action)
	case strings.HasPrefix(field, "subject."):
		return subjectField(ctx.Subject, field[len("subject."):])
	case strings.HasPrefix(field, "resource."):
		return resourceField(ctx.Resource, field[len("resource."):])
	case strings.HasPrefix(field, "context."):
		return contextField(ctx.Environment, field[len("context."):])
	}
	return nil
}

func subjectField(s *SubjectSnapshot, field string) any {
	if s == nil {
		return nil
	}
	switch field {
	case "id":
		return s.PrincipalID
	case "type":
		return string(s.PrincipalType)
	case "tenant_id":
		return s.TenantID
	case "roles":
		return s.Roles
	case "groups":
		return s.Groups
	case "persona":
		return DefaultPersonaRegistry().EffectivePersona(s.Roles)
	case "ou":
		if s.OU != nil {
			return s.OU.Code
		}
		return nil
	}
	if k, ok := strings.CutPrefix(field, "attributes."); ok {
		if v, exists := s.Attributes[k]; exists {
			return v
		}
	}
	return nil
}

func resourceField(r *Resource, field string) any {
	if r == nil {
		return nil
	}
	switch field {
	case "id":
		return r.ID
	case "type":
		return r.Type
	case "tenant_id":
		return r.TenantID
	case "module":
		return r.Module
	case "owner_id":
		return r.OwnerID
	case "ou_path":
		return r.OUPath
	}
	if k, ok := strings.CutPrefix(field, "attrs."); ok {
		if v, exists := r.Attrs[k]; exists {
			return v
		}
	}
	return nil
}

func contextField(e *Environment, field string) any {
	if e == nil {
		return nil
	}
	switch field {
	case "tenant_id":
		return e.TenantID
	case "time":
		return e.Time.Format("2006-01-02T15:04:05Z07:00")
	}
	if v, ok := e.Extra[field]; ok {
		return v
	}
	return nil
}
