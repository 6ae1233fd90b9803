package tally

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/xraph/tally/id"
	"github.com/xraph/tally/lock"
	"github.com/xraph/tally/plugin"
	"github.com/xraph/tally/store"
)

// Defaults applied when neither the event nor an existing record carries a
// credit configuration.
const (
	DefaultGrantPerPeriod     int64 = 10
	DefaultRolloverLimit      int64 = 100
	DefaultNotificationBuffer       = 1024
)

// Tally is the billing reconciliation and credit ledger engine.
type Tally struct {
	store   store.Store
	plugins *plugin.Registry
	logger  *slog.Logger
	lookup  UserLookup
	locker  lock.Locker
	clock   func() time.Time

	// Credit defaults
	defaultGrant    int64
	defaultRollover int64

	// Background notification dispatch
	notifications chan func(context.Context)
	stopChan      chan struct{}
	wg            sync.WaitGroup
	mu            sync.RWMutex
	started       bool
	stopOnce      sync.Once

	// Configuration
	notificationBuffer int
	autoMigrate        bool
}

// New creates a new Tally instance.
func New(s store.Store, opts ...Option) *Tally {
	t := &Tally{
		store:              s,
		plugins:            plugin.NewRegistry(),
		logger:             slog.Default(),
		locker:             lock.NewLocal(),
		clock:              func() time.Time { return time.Now().UTC() },
		defaultGrant:       DefaultGrantPerPeriod,
		defaultRollover:    DefaultRolloverLimit,
		stopChan:           make(chan struct{}),
		notificationBuffer: DefaultNotificationBuffer,
		autoMigrate:        true,
	}

	for _, opt := range opts {
		opt(t)
	}

	return t
}

// Option configures a Tally instance.
type Option func(*Tally)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(t *Tally) {
		t.logger = logger
		t.plugins.WithLogger(logger)
	}
}

// WithPlugin registers a plugin.
func WithPlugin(p plugin.Plugin) Option {
	return func(t *Tally) {
		_ = t.plugins.Register(p) //nolint:errcheck // best-effort plugin registration during init
	}
}

// WithUserLookup sets the collaborator used to resolve billing customers by
// email when an event carries no owner id.
func WithUserLookup(l UserLookup) Option {
	return func(t *Tally) {
		t.lookup = l
	}
}

// WithLocker replaces the in-process per-record lock, e.g. with lock.NewRedis
// when several instances share a store.
func WithLocker(l lock.Locker) Option {
	return func(t *Tally) {
		if l != nil {
			t.locker = l
		}
	}
}

// WithDefaults sets the fallback grant amount and rollover cap.
func WithDefaults(grantPerPeriod, rolloverLimit int64) Option {
	return func(t *Tally) {
		t.defaultGrant = grantPerPeriod
		t.defaultRollover = rolloverLimit
	}
}

// WithClock overrides the time source used for entitlement checks and
// timestamps.
func WithClock(now func() time.Time) Option {
	return func(t *Tally) {
		if now != nil {
			t.clock = func() time.Time { return now().UTC() }
		}
	}
}

// WithNotificationBuffer sets the capacity of the background notification
// queue.
func WithNotificationBuffer(size int) Option {
	return func(t *Tally) {
		if size > 0 {
			t.notificationBuffer = size
		}
	}
}

// WithAutoMigrate controls whether Start runs store migrations.
func WithAutoMigrate(enabled bool) Option {
	return func(t *Tally) {
		t.autoMigrate = enabled
	}
}

// Store returns the underlying store.
func (t *Tally) Store() store.Store { return t.store }

// Plugins returns the plugin registry.
func (t *Tally) Plugins() *plugin.Registry { return t.plugins }

// Logger returns the engine logger.
func (t *Tally) Logger() *slog.Logger { return t.logger }

// Start migrates the store, initializes plugins and begins background
// notification dispatch.
func (t *Tally) Start(ctx context.Context) error {
	if t.autoMigrate {
		if err := t.store.Migrate(ctx); err != nil {
			return err
		}
	}

	t.plugins.EmitInit(ctx, t)

	t.mu.Lock()
	t.notifications = make(chan func(context.Context), t.notificationBuffer)
	t.started = true
	t.mu.Unlock()

	t.wg.Add(1)
	go t.dispatchWorker(context.WithoutCancel(ctx))

	t.logger.Info("tally started",
		"notification_buffer", t.notificationBuffer,
		"default_grant", t.defaultGrant,
		"default_rollover", t.defaultRollover,
	)

	return nil
}

// Stop drains pending notifications, shuts plugins down and closes the store.
func (t *Tally) Stop() error {
	t.mu.Lock()
	t.started = false
	t.mu.Unlock()

	t.stopOnce.Do(func() {
		close(t.stopChan)
	})
	t.wg.Wait()

	ctx := context.Background()
	t.plugins.EmitShutdown(ctx)

	return t.store.Close()
}

// ──────────────────────────────────────────────────
// Notifications
// ──────────────────────────────────────────────────

// notify runs fire in the background once the engine is started and inline
// before that. A full queue drops the notification.
func (t *Tally) notify(ctx context.Context, name string, fire func(context.Context)) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if !t.started {
		fire(ctx)
		return
	}

	select {
	case t.notifications <- fire:
	default:
		t.logger.Warn("tally: notification queue full, dropping",
			"notification", name,
			"capacity", cap(t.notifications),
		)
	}
}

func (t *Tally) dispatchWorker(ctx context.Context) {
	defer t.wg.Done()

	for {
		select {
		case <-t.stopChan:
			// Final drain
			for {
				select {
				case fire := <-t.notifications:
					fire(ctx)
				default:
					return
				}
			}

		case fire := <-t.notifications:
			fire(ctx)
		}
	}
}

func (t *Tally) header() plugin.Header {
	return plugin.Header{
		ID:         id.NewNotificationID(),
		OccurredAt: t.clock(),
	}
}

func (t *Tally) now() time.Time {
	return t.clock()
}
