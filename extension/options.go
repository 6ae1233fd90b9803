package extension

import (
	tally "github.com/xraph/tally"
	"github.com/xraph/tally/plugin"
	"github.com/xraph/tally/store"
)

// Option configures the Tally Forge extension.
type Option func(*Extension)

// WithStore sets the store for the tally engine.
func WithStore(s store.Store) Option {
	return func(e *Extension) {
		e.store = s
	}
}

// WithTallyOption passes a tally.Option through to the underlying engine.
func WithTallyOption(opt tally.Option) Option {
	return func(e *Extension) {
		e.tallyOpts = append(e.tallyOpts, opt)
	}
}

// WithPlugin registers a tally plugin.
func WithPlugin(p plugin.Plugin) Option {
	return func(e *Extension) {
		e.tallyOpts = append(e.tallyOpts, tally.WithPlugin(p))
	}
}

// WithConfig sets the Forge extension configuration.
func WithConfig(cfg Config) Option {
	return func(e *Extension) { e.config = cfg }
}

// WithDisableRoutes prevents building the HTTP handler.
func WithDisableRoutes() Option {
	return func(e *Extension) { e.config.DisableRoutes = true }
}

// WithDisableMigrate prevents auto-migration on start.
func WithDisableMigrate() Option {
	return func(e *Extension) { e.config.DisableMigrate = true }
}

// WithRequireConfig requires config to be present in YAML files.
// If true and no config is found, Register returns an error.
func WithRequireConfig(require bool) Option {
	return func(e *Extension) { e.config.RequireConfig = require }
}

// WithDefaultCredits sets the fallback grant amount and rollover cap.
func WithDefaultCredits(grantPerPeriod, rolloverLimit int64) Option {
	return func(e *Extension) {
		e.config.DefaultGrantPerPeriod = grantPerPeriod
		e.config.DefaultRolloverLimit = rolloverLimit
	}
}

// WithStripeWebhookSecret enables the signed Stripe webhook route.
func WithStripeWebhookSecret(secret string) Option {
	return func(e *Extension) { e.config.StripeWebhookSecret = secret }
}
