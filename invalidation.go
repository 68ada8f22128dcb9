package policy

import (
	"context"
	"fmt"
	"sync"

	"github.com/oarkflow/policy/logger"
)

// InvalidationKind distinguishes what changed.
type InvalidationKind string

const (
	// InvalidateSubject means roles, memberships or attributes of one
	// principal changed.
	InvalidateSubject InvalidationKind = "subject"
	// InvalidatePolicy means a tenant's policy set changed.
	InvalidatePolicy InvalidationKind = "policy"
)

// InvalidationEvent names one stale cache entry.
type InvalidationEvent struct {
	Kind        InvalidationKind `json:"kind"`
	TenantID    string           `json:"tenant_id"`
	PrincipalID string           `json:"principal_id,omitempty"`
}

// InvalidationSubscriber receives invalidation events.
type InvalidationSubscriber interface {
	OnInvalidate(ctx context.Context, ev InvalidationEvent) error
}

// InvalidationSubscriberFunc adapts a function to InvalidationSubscriber.
type InvalidationSubscriberFunc func(ctx context.Context, ev InvalidationEvent) error

func (f InvalidationSubscriberFunc) OnInvalidate(ctx context.Context, ev InvalidationEvent) error {
	return f(ctx, ev)
}

// Invalidator fans invalidation events out to subscribers from a single
// background worker. Notify never blocks: when the buffer is full the
// event is dropped and the next full rebuild is left to TTL expiry.
type Invalidator struct {
	notifyCh    chan InvalidationEvent
	stopCh      chan struct{}
	subscribers map[string][]InvalidationSubscriber
	log         logger.Logger
	mu          sync.RWMutex
	started     bool
	wg          sync.WaitGroup
}

// InvalidatorOption customizes an Invalidator.
type InvalidatorOption func(*Invalidator)

// WithInvalidatorLogger sets the invalidator's logger.
func WithInvalidatorLogger(l logger.Logger) InvalidatorOption {
	return func(inv *Invalidator) {
		if l != nil {
			inv.log = l
		}
	}
}

// WithInvalidatorBuffer sets the notify channel capacity.
func WithInvalidatorBuffer(size int) InvalidatorOption {
	return func(inv *Invalidator) {
		if size > 0 {
			inv.notifyCh = make(chan InvalidationEvent, size)
		}
	}
}

// NewInvalidator builds an invalidator with no subscribers.
func NewInvalidator(opts ...InvalidatorOption) *Invalidator {
	inv := &Invalidator{
		notifyCh:    make(chan InvalidationEvent, 1024),
		stopCh:      make(chan struct{}),
		subscribers: make(map[string][]InvalidationSubscriber),
		log:         logger.NewNullLogger(),
	}
	for _, opt := range opts {
		opt(inv)
	}
	return inv
}

// BindEngine registers the standard subscribers for an engine: subject
// events drop the principal's snapshot, policy events flush the decision
// cache.
func (inv *Invalidator) BindEngine(e *Engine) {
	inv.Subscribe("", InvalidationSubscriberFunc(func(ctx context.Context, ev InvalidationEvent) error {
		switch ev.Kind {
		case InvalidateSubject:
			e.Resolver().InvalidateCache(ev.PrincipalID, ev.TenantID)
			e.InvalidateDecisionCache()
		case InvalidatePolicy:
			e.InvalidateDecisionCache()
		default:
			return fmt.Errorf("unknown invalidation kind %q", ev.Kind)
		}
		return nil
	}))
}

// Subscribe registers a subscriber for one tenant, or all tenants when
// tenantID is empty.
func (inv *Invalidator) Subscribe(tenantID string, sub InvalidationSubscriber) {
	if sub == nil {
		return
	}
	if tenantID == "" {
		tenantID = "*"
	}
	inv.mu.Lock()
	defer inv.mu.Unlock()
	inv.subscribers[tenantID] = append(inv.subscribers[tenantID], sub)
}

// Start launches the fan-out worker. Idempotent.
func (inv *Invalidator) Start(ctx context.Context) {
	inv.mu.Lock()
	if inv.started {
		inv.mu.Unlock()
		return
	}
	inv.started = true
	inv.mu.Unlock()

	inv.wg.Add(1)
	go func() {
		defer inv.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case <-inv.stopCh:
				return
			case ev := <-inv.notifyCh:
				inv.dispatch(ctx, ev)
			}
		}
	}()
}

// Stop shuts the worker down, waiting until ctx expires.
func (inv *Invalidator) Stop(ctx context.Context) error {
	inv.mu.Lock()
	if !inv.started {
		inv.mu.Unlock()
		return nil
	}
	inv.started = false
	inv.mu.Unlock()

	close(inv.stopCh)
	done := make(chan struct{})
	go func() {
		inv.wg.Wait()
		close(done)
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

// Notify enqueues an invalidation event without blocking.
func (inv *Invalidator) Notify(ev InvalidationEvent) {
	if ev.TenantID == "" {
		return
	}
	select {
	case inv.notifyCh <- ev:
	default:
		inv.log.Error("invalidation buffer full, event dropped",
			"kind", string(ev.Kind), "tenant_id", ev.TenantID)
	}
}

func (inv *Invalidator) dispatch(ctx context.Context, ev InvalidationEvent) {
	inv.mu.RLock()
	subs := make([]InvalidationSubscriber, 0, len(inv.subscribers[ev.TenantID])+len(inv.subscribers["*"]))
	subs = append(subs, inv.subscribers[ev.TenantID]...)
	subs = append(subs, inv.subscribers["*"]...)
	inv.mu.RUnlock()

	for _, sub := range subs {
		if err := sub.OnInvalidate(ctx, ev); err != nil {
			inv.log.Error("invalidation subscriber failed",
				"kind", string(ev.Kind), "tenant_id", ev.TenantID, "error", err.Error())
		}
	}
}
