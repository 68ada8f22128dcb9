package policy

import (
	"context"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto"

	"github.com/oarkflow/policy/logger"
	"github.com/oarkflow/policy/utils"
)

const (
	defaultDecisionCacheTTL = 1000 * time.Millisecond
	defaultAuditBuffer      = 1024
	defaultMaxCondDepth     = 3
)

// Engine evaluates access requests against the tenant's active policies.
// One Engine serves many goroutines; all mutable state is behind the
// caches, which are safe for concurrent use.
type Engine struct {
	resolver *SubjectResolver
	store    PolicyStore
	conflict *ConflictResolver
	log      logger.Logger
	clock    func() time.Time

	maxCondDepth int

	decisions   *ristretto.Cache
	decisionTTL time.Duration

	audit    AuditSink
	auditCh  chan *AuditRecord
	auditWG  sync.WaitGroup
	closedMu sync.Mutex
	closed   bool
}

// EngineOption customizes an Engine.
type EngineOption func(*Engine)

// WithLogger sets the engine's logger.
func WithLogger(l logger.Logger) EngineOption {
	return func(e *Engine) {
		if l != nil {
			e.log = l
		}
	}
}

// WithEngineClock injects the engine's time source.
func WithEngineClock(clock func() time.Time) EngineOption {
	return func(e *Engine) {
		if clock != nil {
			e.clock = clock
		}
	}
}

// WithAuditSink enables decision auditing. Records are written from a
// background worker; when the buffer is full records are dropped, never
// blocking evaluation.
func WithAuditSink(sink AuditSink) EngineOption {
	return func(e *Engine) { e.audit = sink }
}

// WithTieBreak sets the conflict tie-break between allow and deny rules
// at equal priority.
func WithTieBreak(tb TieBreak) EngineOption {
	return func(e *Engine) { e.conflict = NewConflictResolver(tb) }
}

// WithDecisionCacheTTL sets how long Authorize verdicts stay cached.
func WithDecisionCacheTTL(ttl time.Duration) EngineOption {
	return func(e *Engine) {
		if ttl > 0 {
			e.decisionTTL = ttl
		}
	}
}

// WithMaxConditionDepth sets the authoring-time bound on condition tree
// nesting.
func WithMaxConditionDepth(depth int) EngineOption {
	return func(e *Engine) {
		if depth > 0 {
			e.maxCondDepth = depth
		}
	}
}

// NewEngine builds an engine over a subject resolver and a policy store.
func NewEngine(resolver *SubjectResolver, store PolicyStore, opts ...EngineOption) (*Engine, error) {
	e := &Engine{
		resolver:     resolver,
		store:        store,
		conflict:     NewConflictResolver(TieBreakDenyWins),
		log:          logger.NewNullLogger(),
		clock:        time.Now,
		maxCondDepth: defaultMaxCondDepth,
		decisionTTL:  defaultDecisionCacheTTL,
	}
	for _, opt := range opts {
		opt(e)
	}

	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1e6,
		MaxCost:     1 << 24,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	e.decisions = cache

	if e.audit != nil {
		e.auditCh = make(chan *AuditRecord, defaultAuditBuffer)
		e.auditWG.Add(1)
		go e.auditWorker()
	}
	return e, nil
}

// MaxConditionDepth is the nesting bound applied when compiling rules.
func (e *Engine) MaxConditionDepth() int { return e.maxCondDepth }

// Resolver exposes the engine's subject resolver, used by callers that
// need persona queries or cache invalidation.
func (e *Engine) Resolver() *SubjectResolver { return e.resolver }

// Close stops the audit worker after draining queued records.
func (e *Engine) Close() {
	e.closedMu.Lock()
	if e.closed {
		e.closedMu.Unlock()
		return
	}
	e.closed = true
	if e.auditCh != nil {
		close(e.auditCh)
	}
	e.closedMu.Unlock()
	e.auditWG.Wait()
	e.decisions.Close()
}

func (e *Engine) auditWorker() {
	defer e.auditWG.Done()
	for rec := range e.auditCh {
		if err := e.audit.LogDecision(context.Background(), rec); err != nil {
			e.log.Error("audit write failed", "error", err.Error(), "principal_id", rec.PrincipalID)
		}
	}
}

func (e *Engine) enqueueAudit(rec *AuditRecord) {
	if e.auditCh == nil {
		return
	}
	e.closedMu.Lock()
	defer e.closedMu.Unlock()
	if e.closed {
		return
	}
	select {
	case e.auditCh <- rec:
	default:
		e.log.Error("audit buffer full, record dropped", "principal_id", rec.PrincipalID, "action", string(rec.Action))
	}
}

// Evaluate runs the full pipeline and returns both the decision and its
// complete explain tree. Directory failures surface as errors with a nil
// decision: indeterminate, not denied.
func (e *Engine) Evaluate(ctx context.Context, req *AccessRequest) (*Decision, *ExplainTree, error) {
	return e.evaluate(ctx, req, false)
}

// Simulate evaluates without side effects: no audit record and no
// decision-cache population. The explain tree is marked as simulated.
func (e *Engine) Simulate(ctx context.Context, req *AccessRequest) (*Decision, *ExplainTree, error) {
	return e.evaluate(ctx, req, true)
}

func (e *Engine) evaluate(ctx context.Context, req *AccessRequest, simulated bool) (*Decision, *ExplainTree, error) {
	started := e.clock()
	builder := newExplainBuilder(req)
	var perf Performance

	subjectStart := e.clock()
	snap, cacheHit, err := e.resolver.resolve(ctx, req.PrincipalID, req.TenantID)
	subjectElapsed := e.clock().Sub(subjectStart)
	perf.SubjectResolutionMs = durationMs(subjectElapsed)
	if err != nil {
		e.log.Error("subject resolution failed",
			"principal_id", req.PrincipalID,
			"tenant_id", req.TenantID,
			"error", err.Error())
		return nil, nil, err
	}
	keys := BuildSubjectKeys(snap)
	persona := e.resolver.personas.EffectivePersona(snap.Roles)
	builder.subject(snap, keys, cacheHit, persona, subjectElapsed)

	fetchStart := e.clock()
	policies, err := e.store.ActivePolicies(ctx, req.TenantID, scopeFilterFor(req.Resource))
	perf.PolicyFetchMs = durationMs(e.clock().Sub(fetchStart))
	if err != nil {
		return nil, nil, err
	}

	evalCtx := &EvalContext{
		Subject:     snap,
		Resource:    req.Resource,
		Action:      req.Action,
		Environment: req.Environment,
	}

	evalStart := e.clock()
	var matched []*MatchedRule
	for _, p := range policies {
		version := p.Active()
		if version == nil {
			builder.policy(p.ID, p.ActiveVersion, nil)
			continue
		}
		traces := make([]RuleTrace, 0, len(version.Rules))
		for _, rule := range version.Rules {
			if !rule.IsActive {
				continue
			}
			trace := e.traceRule(rule, snap, keys, evalCtx)
			traces = append(traces, trace)
			if trace.Matched {
				matched = append(matched, &MatchedRule{
					RuleID:   rule.ID,
					PolicyID: p.ID,
					Effect:   rule.Effect,
					Priority: rule.Priority,
				})
			}
		}
		builder.policy(p.ID, version.Version, traces)
	}
	perf.PolicyEvaluationMs = durationMs(e.clock().Sub(evalStart))

	resolveStart := e.clock()
	res := e.conflict.Resolve(matched)
	perf.EffectResolutionMs = durationMs(e.clock().Sub(resolveStart))
	builder.conflict(res, matched)

	now := e.clock()
	perf.TotalMs = durationMs(now.Sub(started))

	decision := &Decision{
		Effect:    res.Effect,
		Allowed:   res.Effect == EffectAllow,
		Strategy:  res.Strategy,
		Timestamp: now,
	}
	if res.WinningRule != nil {
		decision.WinningRuleID = res.WinningRule.RuleID
	}
	tree := builder.finish(perf, simulated, now)

	if !simulated {
		rec := &AuditRecord{
			Timestamp:   now,
			TenantID:    req.TenantID,
			PrincipalID: req.PrincipalID,
			Action:      req.Action,
			Decision:    decision,
			Explain:     tree,
		}
		if req.Resource != nil {
			rec.Resource = req.Resource.Type + ":" + req.Resource.ID
		}
		e.enqueueAudit(rec)
	}

	e.log.Debug("access evaluated",
		"principal_id", req.PrincipalID,
		"action", string(req.Action),
		"allowed", decision.Allowed,
		"strategy", decision.Strategy)
	return decision, tree, nil
}

// traceRule checks one rule against the request, recording exactly one
// non-match reason when it does not apply. The checks run in a fixed
// order so explain output is stable.
func (e *Engine) traceRule(rule *Rule, snap *SubjectSnapshot, keys []SubjectKey, evalCtx *EvalContext) RuleTrace {
	trace := RuleTrace{RuleID: rule.ID, Effect: rule.Effect, Priority: rule.Priority}

	if !subjectKeyPresent(rule, keys) {
		trace.NonMatchReason = ReasonSubjectKeyNotPresent
		return trace
	}
	if !operationListed(rule, evalCtx.Action) {
		trace.NonMatchReason = ReasonOperationNotListed
		return trace
	}
	if !e.scopeCovers(rule, snap, evalCtx.Resource) {
		trace.NonMatchReason = ReasonScopeMismatch
		return trace
	}
	passed, results := ExplainConditions(rule.Conditions, evalCtx)
	trace.Conditions = results
	if !passed {
		trace.NonMatchReason = ReasonConditionFailed
		return trace
	}
	trace.Matched = true
	return trace
}

// matchRule is the traceless fast-path equivalent of traceRule.
func (e *Engine) matchRule(rule *Rule, snap *SubjectSnapshot, keys []SubjectKey, evalCtx *EvalContext) bool {
	return subjectKeyPresent(rule, keys) &&
		operationListed(rule, evalCtx.Action) &&
		e.scopeCovers(rule, snap, evalCtx.Resource) &&
		EvaluateConditions(rule.Conditions, evalCtx)
}

func subjectKeyPresent(rule *Rule, keys []SubjectKey) bool {
	for _, k := range keys {
		if k.Type == rule.SubjectType && k.Key == rule.SubjectKey {
			return true
		}
	}
	return false
}

func operationListed(rule *Rule, action Action) bool {
	for _, op := range rule.Operations {
		if utils.MatchAction(string(action), string(op)) {
			return true
		}
	}
	return false
}

// scopeCovers checks the rule's own scope against the resource and, for
// role-keyed rules, that the grant carrying the role is not itself
// narrowed to a scope that excludes the resource.
func (e *Engine) scopeCovers(rule *Rule, snap *SubjectSnapshot, res *Resource) bool {
	if !scopeMatches(rule.ScopeType, rule.ScopeKey, res) {
		return false
	}
	if rule.SubjectType != SubjectRole {
		return true
	}
	for _, g := range snap.Grants {
		if g.Code != rule.SubjectKey {
			continue
		}
		if g.ScopeKind == "" || g.ScopeKind == ScopeTenant {
			return true
		}
		return scopeMatches(g.ScopeKind, g.ScopeKey, res)
	}
	// role key came from the snapshot without grant metadata
	return true
}

func scopeMatches(kind ScopeType, key string, res *Resource) bool {
	switch kind {
	case "", ScopeTenant:
		return true
	case ScopeModule:
		return res != nil && utils.MatchScopeKey(res.Module, key)
	case ScopeEntity:
		return res != nil && utils.MatchScopeKey(res.Type, key)
	case ScopeOU:
		if res == nil {
			return false
		}
		for _, ou := range res.OUPath {
			if utils.MatchScopeKey(ou, key) {
				return true
			}
		}
		return false
	}
	return false
}

func scopeFilterFor(res *Resource) ScopeFilter {
	if res == nil {
		return ScopeFilter{}
	}
	return ScopeFilter{
		ResourceType: res.Type,
		ResourceID:   res.ID,
		Module:       res.Module,
		OUPath:       res.OUPath,
	}
}

func decisionCacheKey(req *AccessRequest) string {
	key := req.PrincipalID + "|" + req.TenantID + "|" + string(req.Action)
	if req.Resource != nil {
		key += "|" + req.Resource.Type + "|" + req.Resource.ID
	}
	return key
}

// Authorize is the fast path: no explain tree, verdicts cached briefly.
// Unlike Evaluate it allocates no trace structures and short-circuits
// condition evaluation.
func (e *Engine) Authorize(ctx context.Context, req *AccessRequest) (bool, error) {
	cacheKey := decisionCacheKey(req)
	if v, ok := e.decisions.Get(cacheKey); ok {
		if allowed, ok := v.(bool); ok {
			return allowed, nil
		}
	}

	snap, _, err := e.resolver.resolve(ctx, req.PrincipalID, req.TenantID)
	if err != nil {
		return false, err
	}
	keys := BuildSubjectKeys(snap)

	policies, err := e.store.ActivePolicies(ctx, req.TenantID, scopeFilterFor(req.Resource))
	if err != nil {
		return false, err
	}

	evalCtx := &EvalContext{
		Subject:     snap,
		Resource:    req.Resource,
		Action:      req.Action,
		Environment: req.Environment,
	}

	var matched []*MatchedRule
	for _, p := range policies {
		version := p.Active()
		if version == nil {
			continue
		}
		for _, rule := range version.Rules {
			if !rule.IsActive {
				continue
			}
			if e.matchRule(rule, snap, keys, evalCtx) {
				matched = append(matched, &MatchedRule{
					RuleID:   rule.ID,
					PolicyID: p.ID,
					Effect:   rule.Effect,
					Priority: rule.Priority,
				})
			}
		}
	}

	allowed := e.conflict.Resolve(matched).Effect == EffectAllow
	e.decisions.SetWithTTL(cacheKey, allowed, 1, e.decisionTTL)
	return allowed, nil
}

// ReplayResult compares a recorded verdict against a fresh evaluation of
// the same request under the current policy set.
type ReplayResult struct {
	Match          bool         `json:"match"`
	RecordedEffect Effect       `json:"recorded_effect"`
	CurrentEffect  Effect       `json:"current_effect"`
	Tree           *ExplainTree `json:"tree,omitempty"`
}

// ReplayDecision re-evaluates an audited decision through the simulation
// path and reports whether the verdict still holds. The resource is
// reconstructed from the recorded input, so attribute-dependent
// conditions see the resource as it exists now, not as it was recorded.
func (e *Engine) ReplayDecision(ctx context.Context, rec *AuditRecord) (*ReplayResult, error) {
	if rec == nil || rec.Decision == nil {
		return nil, ErrNoRecordedDecision
	}
	req := &AccessRequest{
		PrincipalID: rec.PrincipalID,
		TenantID:    rec.TenantID,
		Action:      rec.Action,
		Environment: &Environment{TenantID: rec.TenantID, Time: e.clock()},
	}
	if rec.Explain != nil && (rec.Explain.Input.ResourceID != "" || rec.Explain.Input.Resource != "") {
		req.Resource = &Resource{
			ID:       rec.Explain.Input.ResourceID,
			Type:     rec.Explain.Input.Resource,
			TenantID: rec.TenantID,
		}
	}
	decision, tree, err := e.Simulate(ctx, req)
	if err != nil {
		return nil, err
	}
	return &ReplayResult{
		Match:          decision.Effect == rec.Decision.Effect,
		RecordedEffect: rec.Decision.Effect,
		CurrentEffect:  decision.Effect,
		Tree:           tree,
	}, nil
}

// EvaluateBatch evaluates requests in order, stopping at the first
// indeterminate result. Decisions line up with the input slice.
func (e *Engine) EvaluateBatch(ctx context.Context, reqs []*AccessRequest) ([]*Decision, error) {
	out := make([]*Decision, 0, len(reqs))
	for _, req := range reqs {
		d, _, err := e.Evaluate(ctx, req)
		if err != nil {
			return out, err
		}
		out = append(out, d)
	}
	return out, nil
}

// InvalidateDecisionCache flushes every cached Authorize verdict. Called
// after policy writes; the snapshot cache is invalidated separately.
func (e *Engine) InvalidateDecisionCache() {
	e.decisions.Clear()
}
