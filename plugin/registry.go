package plugin

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"sync"
	"time"
)

// DefaultTimeout bounds a single plugin call.
const DefaultTimeout = 5 * time.Second

// Registry manages all registered plugins and provides efficient dispatch.
// It uses type-cached discovery for O(1) dispatch performance.
type Registry struct {
	mu      sync.RWMutex
	plugins []Plugin
	logger  *slog.Logger
	timeout time.Duration

	// Type-cached plugin lists for efficient dispatch
	onInit                  []OnInit
	onShutdown              []OnShutdown
	onSubscriptionSynced    []OnSubscriptionSynced
	onDuplicateSubscription []OnDuplicateSubscription
	onEventDropped          []OnEventDropped
	onCreditsGranted        []OnCreditsGranted
	onCreditsConsumed       []OnCreditsConsumed
	onCreditsAdjusted       []OnCreditsAdjusted
	onEntitlementChecked    []OnEntitlementChecked
}

// NewRegistry creates a new plugin registry.
func NewRegistry() *Registry {
	return &Registry{
		logger:  slog.Default(),
		timeout: DefaultTimeout,
	}
}

// WithLogger sets the logger for the registry.
func (r *Registry) WithLogger(logger *slog.Logger) *Registry {
	r.logger = logger
	return r
}

// WithTimeout sets the per-plugin call timeout.
func (r *Registry) WithTimeout(d time.Duration) *Registry {
	if d > 0 {
		r.timeout = d
	}
	return r
}

// Register adds a plugin to the registry and caches its interfaces.
func (r *Registry) Register(p Plugin) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	// Check for duplicate
	for _, existing := range r.plugins {
		if existing.Name() == p.Name() {
			return fmt.Errorf("plugin: duplicate registration: %s", p.Name())
		}
	}

	r.plugins = append(r.plugins, p)

	// Type-switch to cache interfaces
	if v, ok := p.(OnInit); ok {
		r.onInit = append(r.onInit, v)
	}
	if v, ok := p.(OnShutdown); ok {
		r.onShutdown = append(r.onShutdown, v)
	}
	if v, ok := p.(OnSubscriptionSynced); ok {
		r.onSubscriptionSynced = append(r.onSubscriptionSynced, v)
	}
	if v, ok := p.(OnDuplicateSubscription); ok {
		r.onDuplicateSubscription = append(r.onDuplicateSubscription, v)
	}
	if v, ok := p.(OnEventDropped); ok {
		r.onEventDropped = append(r.onEventDropped, v)
	}
	if v, ok := p.(OnCreditsGranted); ok {
		r.onCreditsGranted = append(r.onCreditsGranted, v)
	}
	if v, ok := p.(OnCreditsConsumed); ok {
		r.onCreditsConsumed = append(r.onCreditsConsumed, v)
	}
	if v, ok := p.(OnCreditsAdjusted); ok {
		r.onCreditsAdjusted = append(r.onCreditsAdjusted, v)
	}
	if v, ok := p.(OnEntitlementChecked); ok {
		r.onEntitlementChecked = append(r.onEntitlementChecked, v)
	}

	r.logger.Info("plugin registered",
		"name", p.Name(),
		"interfaces", r.getImplementedInterfaces(p),
	)

	return nil
}

// getImplementedInterfaces returns a list of interfaces implemented by the plugin.
func (r *Registry) getImplementedInterfaces(p Plugin) []string {
	var interfaces []string
	v := reflect.TypeOf(p)

	checkInterface := func(iface reflect.Type, name string) {
		if v.Implements(iface) {
			interfaces = append(interfaces, name)
		}
	}

	checkInterface(reflect.TypeOf((*OnInit)(nil)).Elem(), "OnInit")
	checkInterface(reflect.TypeOf((*OnShutdown)(nil)).Elem(), "OnShutdown")
	checkInterface(reflect.TypeOf((*OnSubscriptionSynced)(nil)).Elem(), "OnSubscriptionSynced")
	checkInterface(reflect.TypeOf((*OnDuplicateSubscription)(nil)).Elem(), "OnDuplicateSubscription")
	checkInterface(reflect.TypeOf((*OnEventDropped)(nil)).Elem(), "OnEventDropped")
	checkInterface(reflect.TypeOf((*OnCreditsGranted)(nil)).Elem(), "OnCreditsGranted")
	checkInterface(reflect.TypeOf((*OnCreditsConsumed)(nil)).Elem(), "OnCreditsConsumed")
	checkInterface(reflect.TypeOf((*OnCreditsAdjusted)(nil)).Elem(), "OnCreditsAdjusted")
	checkInterface(reflect.TypeOf((*OnEntitlementChecked)(nil)).Elem(), "OnEntitlementChecked")

	return interfaces
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

// EmitInit calls OnInit for all plugins that implement it.
func (r *Registry) EmitInit(ctx context.Context, t interface{}) {
	r.mu.RLock()
	plugins := r.onInit
	r.mu.RUnlock()

	for _, p := range plugins {
		if err := r.callWithTimeout(ctx, p.Name(), func() error {
			return p.OnInit(ctx, t)
		}); err != nil {
			r.logger.Warn("plugin OnInit failed",
				"plugin", p.Name(),
				"error", err,
			)
		}
	}
}

// EmitShutdown calls OnShutdown for all plugins that implement it.
func (r *Registry) EmitShutdown(ctx context.Context) {
	r.mu.RLock()
	plugins := r.onShutdown
	r.mu.RUnlock()

	for _, p := range plugins {
		if err := r.callWithTimeout(ctx, p.Name(), func() error {
			return p.OnShutdown(ctx)
		}); err != nil {
			r.logger.Warn("plugin OnShutdown failed",
				"plugin", p.Name(),
				"error", err,
			)
		}
	}
}

// EmitSubscriptionSynced emits a subscription synced event.
func (r *Registry) EmitSubscriptionSynced(ctx context.Context, evt *SubscriptionSynced) {
	r.mu.RLock()
	plugins := r.onSubscriptionSynced
	r.mu.RUnlock()

	for _, p := range plugins {
		if err := r.callWithTimeout(ctx, p.Name(), func() error {
			return p.OnSubscriptionSynced(ctx, evt)
		}); err != nil {
			r.logger.Warn("plugin OnSubscriptionSynced failed",
				"plugin", p.Name(),
				"error", err,
			)
		}
	}
}

// EmitDuplicateSubscription emits a duplicate subscription event.
func (r *Registry) EmitDuplicateSubscription(ctx context.Context, evt *DuplicateSubscription) {
	r.mu.RLock()
	plugins := r.onDuplicateSubscription
	r.mu.RUnlock()

	for _, p := range plugins {
		if err := r.callWithTimeout(ctx, p.Name(), func() error {
			return p.OnDuplicateSubscription(ctx, evt)
		}); err != nil {
			r.logger.Warn("plugin OnDuplicateSubscription failed",
				"plugin", p.Name(),
				"error", err,
			)
		}
	}
}

// EmitEventDropped emits an event dropped notification.
func (r *Registry) EmitEventDropped(ctx context.Context, evt *EventDropped) {
	r.mu.RLock()
	plugins := r.onEventDropped
	r.mu.RUnlock()

	for _, p := range plugins {
		if err := r.callWithTimeout(ctx, p.Name(), func() error {
			return p.OnEventDropped(ctx, evt)
		}); err != nil {
			r.logger.Warn("plugin OnEventDropped failed",
				"plugin", p.Name(),
				"error", err,
			)
		}
	}
}

// EmitCreditsGranted emits a credits granted event.
func (r *Registry) EmitCreditsGranted(ctx context.Context, evt *CreditsGranted) {
	r.mu.RLock()
	plugins := r.onCreditsGranted
	r.mu.RUnlock()

	for _, p := range plugins {
		if err := r.callWithTimeout(ctx, p.Name(), func() error {
			return p.OnCreditsGranted(ctx, evt)
		}); err != nil {
			r.logger.Warn("plugin OnCreditsGranted failed",
				"plugin", p.Name(),
				"error", err,
			)
		}
	}
}

// EmitCreditsConsumed emits a credits consumed event.
func (r *Registry) EmitCreditsConsumed(ctx context.Context, evt *CreditsConsumed) {
	r.mu.RLock()
	plugins := r.onCreditsConsumed
	r.mu.RUnlock()

	for _, p := range plugins {
		if err := r.callWithTimeout(ctx, p.Name(), func() error {
			return p.OnCreditsConsumed(ctx, evt)
		}); err != nil {
			r.logger.Warn("plugin OnCreditsConsumed failed",
				"plugin", p.Name(),
				"error", err,
			)
		}
	}
}

// EmitCreditsAdjusted emits a credits adjusted event.
func (r *Registry) EmitCreditsAdjusted(ctx context.Context, evt *CreditsAdjusted) {
	r.mu.RLock()
	plugins := r.onCreditsAdjusted
	r.mu.RUnlock()

	for _, p := range plugins {
		if err := r.callWithTimeout(ctx, p.Name(), func() error {
			return p.OnCreditsAdjusted(ctx, evt)
		}); err != nil {
			r.logger.Warn("plugin OnCreditsAdjusted failed",
				"plugin", p.Name(),
				"error", err,
			)
		}
	}
}

// EmitEntitlementChecked emits an entitlement checked event.
func (r *Registry) EmitEntitlementChecked(ctx context.Context, evt *EntitlementChecked) {
	r.mu.RLock()
	plugins := r.onEntitlementChecked
	r.mu.RUnlock()

	for _, p := range plugins {
		if err := r.callWithTimeout(ctx, p.Name(), func() error {
			return p.OnEntitlementChecked(ctx, evt)
		}); err != nil {
			r.logger.Warn("plugin OnEntitlementChecked failed",
				"plugin", p.Name(),
				"error", err,
			)
		}
	}
}

// callWithTimeout calls a plugin function with a timeout.
// Plugins should never block the billing pipeline.
func (r *Registry) callWithTimeout(ctx context.Context, pluginName string, fn func() error) error {
	done := make(chan error, 1)

	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				done <- fmt.Errorf("plugin panic: %s: %v", pluginName, rec)
			}
		}()
		done <- fn()
	}()

	timer := time.NewTimer(r.timeout)
	defer timer.Stop()

	select {
	case err := <-done:
		return err
	case <-timer.C:
		return fmt.Errorf("plugin timeout: %s", pluginName)
	case <-ctx.Done():
		return ctx.Err()
	}
}
