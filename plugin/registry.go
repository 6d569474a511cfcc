package plugin

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"sync"
	"time"

	"github.com/xraph/tally/referral"
	"github.com/xraph/tally/subscription"
)

// Registry manages all registered plugins and provides efficient dispatch.
// It uses type-cached discovery so emitting never type-asserts.
type Registry struct {
	mu      sync.RWMutex
	plugins []Plugin
	logger  *slog.Logger
	timeout time.Duration

	// Type-cached plugin lists for efficient dispatch
	onInit                    []OnInit
	onShutdown                []OnShutdown
	onSubscriptionSynced      []OnSubscriptionSynced
	onSubscriptionCanceled    []OnSubscriptionCanceled
	onSubscriptionReactivated []OnSubscriptionReactivated
	onAccountDeleted          []OnAccountDeleted
	onReferralCreated         []OnReferralCreated
	onReferralTransition      []OnReferralTransition
	onCreditDivergence        []OnCreditDivergence
	onProviderCall            []OnProviderCall
	onWebhookReceived         []OnWebhookReceived
}

// NewRegistry creates a new plugin registry.
func NewRegistry() *Registry {
	return &Registry{
		logger:  slog.Default(),
		timeout: 5 * time.Second,
	}
}

// WithLogger sets the logger for the registry.
func (r *Registry) WithLogger(logger *slog.Logger) *Registry {
	r.logger = logger
	return r
}

// Register adds a plugin to the registry and caches its interfaces.
func (r *Registry) Register(p Plugin) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.plugins {
		if existing.Name() == p.Name() {
			return fmt.Errorf("plugin: duplicate registration: %s", p.Name())
		}
	}

	r.plugins = append(r.plugins, p)

	if v, ok := p.(OnInit); ok {
		r.onInit = append(r.onInit, v)
	}
	if v, ok := p.(OnShutdown); ok {
		r.onShutdown = append(r.onShutdown, v)
	}
	if v, ok := p.(OnSubscriptionSynced); ok {
		r.onSubscriptionSynced = append(r.onSubscriptionSynced, v)
	}
	if v, ok := p.(OnSubscriptionCanceled); ok {
		r.onSubscriptionCanceled = append(r.onSubscriptionCanceled, v)
	}
	if v, ok := p.(OnSubscriptionReactivated); ok {
		r.onSubscriptionReactivated = append(r.onSubscriptionReactivated, v)
	}
	if v, ok := p.(OnAccountDeleted); ok {
		r.onAccountDeleted = append(r.onAccountDeleted, v)
	}
	if v, ok := p.(OnReferralCreated); ok {
		r.onReferralCreated = append(r.onReferralCreated, v)
	}
	if v, ok := p.(OnReferralTransition); ok {
		r.onReferralTransition = append(r.onReferralTransition, v)
	}
	if v, ok := p.(OnCreditDivergence); ok {
		r.onCreditDivergence = append(r.onCreditDivergence, v)
	}
	if v, ok := p.(OnProviderCall); ok {
		r.onProviderCall = append(r.onProviderCall, v)
	}
	if v, ok := p.(OnWebhookReceived); ok {
		r.onWebhookReceived = append(r.onWebhookReceived, v)
	}

	r.logger.Info("plugin registered",
		"name", p.Name(),
		"interfaces", implementedInterfaces(p),
	)

	return nil
}

var hookTypes = []struct {
	name string
	typ  reflect.Type
}{
	{"OnInit", reflect.TypeOf((*OnInit)(nil)).Elem()},
	{"OnShutdown", reflect.TypeOf((*OnShutdown)(nil)).Elem()},
	{"OnSubscriptionSynced", reflect.TypeOf((*OnSubscriptionSynced)(nil)).Elem()},
	{"OnSubscriptionCanceled", reflect.TypeOf((*OnSubscriptionCanceled)(nil)).Elem()},
	{"OnSubscriptionReactivated", reflect.TypeOf((*OnSubscriptionReactivated)(nil)).Elem()},
	{"OnAccountDeleted", reflect.TypeOf((*OnAccountDeleted)(nil)).Elem()},
	{"OnReferralCreated", reflect.TypeOf((*OnReferralCreated)(nil)).Elem()},
	{"OnReferralTransition", reflect.TypeOf((*OnReferralTransition)(nil)).Elem()},
	{"OnCreditDivergence", reflect.TypeOf((*OnCreditDivergence)(nil)).Elem()},
	{"OnProviderCall", reflect.TypeOf((*OnProviderCall)(nil)).Elem()},
	{"OnWebhookReceived", reflect.TypeOf((*OnWebhookReceived)(nil)).Elem()},
}

// implementedInterfaces returns the hook names implemented by the plugin.
func implementedInterfaces(p Plugin) []string {
	var names []string
	v := reflect.TypeOf(p)
	for _, h := range hookTypes {
		if v.Implements(h.typ) {
			names = append(names, h.name)
		}
	}
	return names
}

// Get returns a plugin by name.
func (r *Registry) Get(name string) Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, p := range r.plugins {
		if p.Name() == name {
			return p
		}
	}
	return nil
}

// List returns all registered plugins.
func (r *Registry) List() []Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]Plugin, len(r.plugins))
	copy(result, r.plugins)
	return result
}

// Count returns the number of registered plugins.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.plugins)
}

// ──────────────────────────────────────────────────
// Event emission methods
// ──────────────────────────────────────────────────

// emit runs fn for every plugin in hooks, logging failures.
func emit[T Plugin](r *Registry, ctx context.Context, hook string, hooks []T, fn func(T) error) {
	for _, p := range hooks {
		if err := r.callWithTimeout(ctx, p.Name(), func() error {
			return fn(p)
		}); err != nil {
			r.logger.Warn("plugin "+hook+" failed",
				"plugin", p.Name(),
				"error", err,
			)
		}
	}
}

// EmitInit calls OnInit for all plugins that implement it.
func (r *Registry) EmitInit(ctx context.Context, engine any) {
	r.mu.RLock()
	hooks := r.onInit
	r.mu.RUnlock()
	emit(r, ctx, "OnInit", hooks, func(p OnInit) error { return p.OnInit(ctx, engine) })
}

// EmitShutdown calls OnShutdown for all plugins that implement it.
func (r *Registry) EmitShutdown(ctx context.Context) {
	r.mu.RLock()
	hooks := r.onShutdown
	r.mu.RUnlock()
	emit(r, ctx, "OnShutdown", hooks, func(p OnShutdown) error { return p.OnShutdown(ctx) })
}

// EmitSubscriptionSynced calls OnSubscriptionSynced for all plugins that implement it.
func (r *Registry) EmitSubscriptionSynced(ctx context.Context, sub *subscription.Subscription, outcome string) {
	r.mu.RLock()
	hooks := r.onSubscriptionSynced
	r.mu.RUnlock()
	emit(r, ctx, "OnSubscriptionSynced", hooks, func(p OnSubscriptionSynced) error {
		return p.OnSubscriptionSynced(ctx, sub, outcome)
	})
}

// EmitSubscriptionCanceled calls OnSubscriptionCanceled for all plugins that implement it.
func (r *Registry) EmitSubscriptionCanceled(ctx context.Context, sub *subscription.Subscription) {
	r.mu.RLock()
	hooks := r.onSubscriptionCanceled
	r.mu.RUnlock()
	emit(r, ctx, "OnSubscriptionCanceled", hooks, func(p OnSubscriptionCanceled) error {
		return p.OnSubscriptionCanceled(ctx, sub)
	})
}

// EmitSubscriptionReactivated calls OnSubscriptionReactivated for all plugins that implement it.
func (r *Registry) EmitSubscriptionReactivated(ctx context.Context, sub *subscription.Subscription) {
	r.mu.RLock()
	hooks := r.onSubscriptionReactivated
	r.mu.RUnlock()
	emit(r, ctx, "OnSubscriptionReactivated", hooks, func(p OnSubscriptionReactivated) error {
		return p.OnSubscriptionReactivated(ctx, sub)
	})
}

// EmitAccountDeleted calls OnAccountDeleted for all plugins that implement it.
func (r *Registry) EmitAccountDeleted(ctx context.Context, userID string, rows int64) {
	r.mu.RLock()
	hooks := r.onAccountDeleted
	r.mu.RUnlock()
	emit(r, ctx, "OnAccountDeleted", hooks, func(p OnAccountDeleted) error {
		return p.OnAccountDeleted(ctx, userID, rows)
	})
}

// EmitReferralCreated calls OnReferralCreated for all plugins that implement it.
func (r *Registry) EmitReferralCreated(ctx context.Context, ref *referral.Referral) {
	r.mu.RLock()
	hooks := r.onReferralCreated
	r.mu.RUnlock()
	emit(r, ctx, "OnReferralCreated", hooks, func(p OnReferralCreated) error {
		return p.OnReferralCreated(ctx, ref)
	})
}

// EmitReferralTransition calls OnReferralTransition for all plugins that implement it.
func (r *Registry) EmitReferralTransition(ctx context.Context, ref *referral.Referral, t referral.Transition) {
	r.mu.RLock()
	hooks := r.onReferralTransition
	r.mu.RUnlock()
	emit(r, ctx, "OnReferralTransition", hooks, func(p OnReferralTransition) error {
		return p.OnReferralTransition(ctx, ref, t)
	})
}

// EmitCreditDivergence calls OnCreditDivergence for all plugins that implement it.
func (r *Registry) EmitCreditDivergence(ctx context.Context, ref *referral.Referral, t referral.Transition, cause error) {
	r.mu.RLock()
	hooks := r.onCreditDivergence
	r.mu.RUnlock()
	emit(r, ctx, "OnCreditDivergence", hooks, func(p OnCreditDivergence) error {
		return p.OnCreditDivergence(ctx, ref, t, cause)
	})
}

// EmitProviderCall calls OnProviderCall for all plugins that implement it.
func (r *Registry) EmitProviderCall(ctx context.Context, provider, op string, elapsed time.Duration, err error) {
	r.mu.RLock()
	hooks := r.onProviderCall
	r.mu.RUnlock()
	emit(r, ctx, "OnProviderCall", hooks, func(p OnProviderCall) error {
		return p.OnProviderCall(ctx, provider, op, elapsed, err)
	})
}

// EmitWebhookReceived calls OnWebhookReceived for all plugins that implement it.
func (r *Registry) EmitWebhookReceived(ctx context.Context, provider, eventType string) {
	r.mu.RLock()
	hooks := r.onWebhookReceived
	r.mu.RUnlock()
	emit(r, ctx, "OnWebhookReceived", hooks, func(p OnWebhookReceived) error {
		return p.OnWebhookReceived(ctx, provider, eventType)
	})
}

// callWithTimeout calls a plugin function with a timeout.
// Plugins should never block a billing operation.
func (r *Registry) callWithTimeout(ctx context.Context, pluginName string, fn func() error) error {
	done := make(chan error, 1)

	go func() {
		done <- fn()
	}()

	select {
	case err := <-done:
		return err
	case <-time.After(r.timeout):
		return fmt.Errorf("plugin timeout: %s", pluginName)
	case <-ctx.Done():
		return ctx.Err()
	}
}
