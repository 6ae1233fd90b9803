package extension

// Config holds the Tally extension configuration.
// Fields can be set programmatically via Option functions or loaded from
// YAML configuration files (under "extensions.tally" or "tally" keys).
type Config struct {
	// DisableRoutes prevents building the HTTP handler.
	DisableRoutes bool `json:"disable_routes" mapstructure:"disable_routes" yaml:"disable_routes"`

	// DisableMigrate prevents auto-migration on start.
	DisableMigrate bool `json:"disable_migrate" mapstructure:"disable_migrate" yaml:"disable_migrate"`

	// DefaultGrantPerPeriod is the credit grant applied when neither the event
	// nor the stored record carries one (default: 10).
	DefaultGrantPerPeriod int64 `json:"default_grant_per_period" mapstructure:"default_grant_per_period" yaml:"default_grant_per_period"`

	// DefaultRolloverLimit caps the balance a grant may raise it to when no
	// other limit is known (default: 100).
	DefaultRolloverLimit int64 `json:"default_rollover_limit" mapstructure:"default_rollover_limit" yaml:"default_rollover_limit"`

	// NotificationBuffer is the capacity of the background plugin
	// notification queue (default: 1024).
	NotificationBuffer int `json:"notification_buffer" mapstructure:"notification_buffer" yaml:"notification_buffer"`

	// MaxBodyBytes limits webhook request bodies (default: 1 MiB).
	MaxBodyBytes int64 `json:"max_body_bytes" mapstructure:"max_body_bytes" yaml:"max_body_bytes"`

	// StripeWebhookSecret enables the signed Stripe webhook route when set.
	StripeWebhookSecret string `json:"stripe_webhook_secret" mapstructure:"stripe_webhook_secret" yaml:"stripe_webhook_secret"`

	// RequireConfig requires config to be present in YAML files.
	// If true and no config is found, Register returns an error.
	RequireConfig bool `json:"-" yaml:"-"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		DefaultGrantPerPeriod: 10,
		DefaultRolloverLimit:  100,
		NotificationBuffer:    1024,
		MaxBodyBytes:          1 << 20,
	}
}
