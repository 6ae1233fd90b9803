// Package extension provides the Forge extension adapter for Tally.
//
// It implements the forge.Extension interface to integrate Tally
// into a Forge application with DI registration and lifecycle management.
//
// Configuration can be provided programmatically via Option functions
// or via YAML configuration files under "extensions.tally" or "tally" keys.
package extension

import (
	"context"
	"errors"

	"github.com/xraph/forge"
	"github.com/xraph/vessel"

	tally "github.com/xraph/tally"
	"github.com/xraph/tally/api"
	"github.com/xraph/tally/provider/stripeevent"
	"github.com/xraph/tally/store"
	"github.com/xraph/tally/store/memory"
)

// ExtensionName is the name registered with Forge.
const ExtensionName = "tally"

// ExtensionDescription is the human-readable description.
const ExtensionDescription = "Billing reconciliation and credit ledger"

// ExtensionVersion is the semantic version.
const ExtensionVersion = "0.1.0"

// Ensure Extension implements forge.Extension at compile time.
var _ forge.Extension = (*Extension)(nil)

// Extension adapts Tally as a Forge extension.
type Extension struct {
	*forge.BaseExtension

	config    Config
	engine    *tally.Tally
	handler   *api.Handler
	store     store.Store
	tallyOpts []tally.Option
}

// New creates a new Tally Forge extension with the given options.
func New(opts ...Option) *Extension {
	e := &Extension{
		BaseExtension: forge.NewBaseExtension(ExtensionName, ExtensionVersion, ExtensionDescription),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Engine returns the underlying Tally instance.
// This is nil until Register is called.
func (e *Extension) Engine() *tally.Tally { return e.engine }

// Handler returns the HTTP surface for webhooks and the credit API. It is
// nil until Register is called, or when routes are disabled. The host
// application mounts it under a prefix of its choosing.
func (e *Extension) Handler() *api.Handler { return e.handler }

// Register implements [forge.Extension]. It loads configuration,
// initializes the tally engine, and registers it in the DI container.
func (e *Extension) Register(fapp forge.App) error {
	if err := e.BaseExtension.Register(fapp); err != nil {
		return err
	}

	if err := e.loadConfiguration(); err != nil {
		return err
	}

	// Use memory store if no store was provided programmatically.
	if e.store == nil {
		e.store = memory.New()
	}

	e.engine = tally.New(e.store, e.buildTallyOpts()...)

	if err := vessel.Provide(fapp.Container(), func() (*tally.Tally, error) {
		return e.engine, nil
	}); err != nil {
		return err
	}

	if e.config.DisableRoutes {
		return nil
	}

	e.handler = api.New(e.engine, e.buildAPIOpts()...)
	return vessel.Provide(fapp.Container(), func() (*api.Handler, error) {
		return e.handler, nil
	})
}

// Start implements [forge.Extension].
func (e *Extension) Start(ctx context.Context) error {
	if e.engine == nil {
		return errors.New("tally: extension not initialized")
	}

	if err := e.engine.Start(ctx); err != nil {
		return err
	}

	e.MarkStarted()
	return nil
}

// Stop implements [forge.Extension].
func (e *Extension) Stop(_ context.Context) error {
	if e.engine != nil {
		if err := e.engine.Stop(); err != nil {
			e.MarkStopped()
			return err
		}
	}
	e.MarkStopped()
	return nil
}

// Health implements [forge.Extension].
func (e *Extension) Health(ctx context.Context) error {
	if e.store == nil {
		return errors.New("tally: store not initialized")
	}
	return e.store.Ping(ctx)
}

// buildTallyOpts constructs tally.Option values from the resolved config.
// Pass-through options are applied last so they win over config.
func (e *Extension) buildTallyOpts() []tally.Option {
	opts := make([]tally.Option, 0, len(e.tallyOpts)+3)
	opts = append(opts,
		tally.WithDefaults(e.config.DefaultGrantPerPeriod, e.config.DefaultRolloverLimit),
		tally.WithNotificationBuffer(e.config.NotificationBuffer),
		tally.WithAutoMigrate(!e.config.DisableMigrate),
	)
	return append(opts, e.tallyOpts...)
}

func (e *Extension) buildAPIOpts() []api.Option {
	opts := []api.Option{
		api.WithLogger(e.engine.Logger()),
		api.WithMaxBodyBytes(e.config.MaxBodyBytes),
	}
	if e.config.StripeWebhookSecret != "" {
		opts = append(opts, api.WithStripe(stripeevent.NewVerifier(e.config.StripeWebhookSecret)))
	}
	return opts
}

// --- Config Loading ---

// loadConfiguration loads config from YAML files or programmatic sources.
func (e *Extension) loadConfiguration() error {
	programmaticConfig := e.config

	fileConfig, configLoaded := e.tryLoadFromConfigFile()

	if !configLoaded {
		if programmaticConfig.RequireConfig {
			return errors.New("tally: configuration is required but not found in config files; " +
				"ensure 'extensions.tally' or 'tally' key exists in your config")
		}
		e.config = mergeWithDefaults(programmaticConfig)
	} else {
		e.config = mergeConfigurations(fileConfig, programmaticConfig)
	}

	e.Logger().Debug("tally: configuration loaded",
		forge.F("disable_routes", e.config.DisableRoutes),
		forge.F("disable_migrate", e.config.DisableMigrate),
		forge.F("default_grant_per_period", e.config.DefaultGrantPerPeriod),
		forge.F("default_rollover_limit", e.config.DefaultRolloverLimit),
		forge.F("notification_buffer", e.config.NotificationBuffer),
		forge.F("stripe_enabled", e.config.StripeWebhookSecret != ""),
	)

	return nil
}

// tryLoadFromConfigFile attempts to load config from YAML files.
func (e *Extension) tryLoadFromConfigFile() (Config, bool) {
	cm := e.App().Config()

	for _, key := range []string{"extensions.tally", "tally"} {
		if !cm.IsSet(key) {
			continue
		}
		var cfg Config
		if err := cm.Bind(key, &cfg); err != nil {
			e.Logger().Warn("tally: failed to bind config",
				forge.F("key", key),
				forge.F("error", err.Error()),
			)
			continue
		}
		e.Logger().Debug("tally: loaded config from file", forge.F("key", key))
		return cfg, true
	}

	return Config{}, false
}

// mergeWithDefaults fills zero-valued fields with defaults. A zero grant
// cannot be expressed through config; use WithTallyOption(tally.WithDefaults)
// for that.
func mergeWithDefaults(cfg Config) Config {
	defaults := DefaultConfig()
	if cfg.DefaultGrantPerPeriod == 0 {
		cfg.DefaultGrantPerPeriod = defaults.DefaultGrantPerPeriod
	}
	if cfg.DefaultRolloverLimit == 0 {
		cfg.DefaultRolloverLimit = defaults.DefaultRolloverLimit
	}
	if cfg.NotificationBuffer <= 0 {
		cfg.NotificationBuffer = defaults.NotificationBuffer
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaults.MaxBodyBytes
	}
	return cfg
}

// mergeConfigurations merges YAML config with programmatic options.
// YAML config takes precedence; programmatic values fill gaps and bool flags
// override when true.
func mergeConfigurations(yamlConfig, programmaticConfig Config) Config {
	if programmaticConfig.DisableRoutes {
		yamlConfig.DisableRoutes = true
	}
	if programmaticConfig.DisableMigrate {
		yamlConfig.DisableMigrate = true
	}

	if yamlConfig.StripeWebhookSecret == "" {
		yamlConfig.StripeWebhookSecret = programmaticConfig.StripeWebhookSecret
	}
	if yamlConfig.DefaultGrantPerPeriod == 0 {
		yamlConfig.DefaultGrantPerPeriod = programmaticConfig.DefaultGrantPerPeriod
	}
	if yamlConfig.DefaultRolloverLimit == 0 {
		yamlConfig.DefaultRolloverLimit = programmaticConfig.DefaultRolloverLimit
	}
	if yamlConfig.NotificationBuffer == 0 {
		yamlConfig.NotificationBuffer = programmaticConfig.NotificationBuffer
	}
	if yamlConfig.MaxBodyBytes == 0 {
		yamlConfig.MaxBodyBytes = programmaticConfig.MaxBodyBytes
	}

	return mergeWithDefaults(yamlConfig)
}
