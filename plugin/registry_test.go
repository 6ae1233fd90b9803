package plugin_test

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/xraph/tally/plugin"
)

type grantCounter struct {
	name  string
	calls atomic.Int64
	err   error
}

func (g *grantCounter) Name() string { return g.name }

func (g *grantCounter) OnCreditsGranted(_ context.Context, evt *plugin.CreditsGranted) error {
	g.calls.Add(evt.Amount)
	return g.err
}

type slowPlugin struct{}

func (slowPlugin) Name() string { return "slow" }

func (slowPlugin) OnCreditsConsumed(ctx context.Context, _ *plugin.CreditsConsumed) error {
	time.Sleep(200 * time.Millisecond)
	return nil
}

type panicPlugin struct{}

func (panicPlugin) Name() string { return "panics" }

func (panicPlugin) OnEventDropped(context.Context, *plugin.EventDropped) error {
	panic("boom")
}

func TestRegisterRejectsDuplicateNames(t *testing.T) {
	r := plugin.NewRegistry().WithLogger(slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)))

	if err := r.Register(&grantCounter{name: "a"}); err != nil {
		t.Fatalf("first Register: %v", err)
	}
	if err := r.Register(&grantCounter{name: "a"}); err == nil {
		t.Fatal("expected duplicate registration error")
	}
	if r.Count() != 1 {
		t.Errorf("Count() = %d, want 1", r.Count())
	}
	if r.Get("a") == nil {
		t.Error("Get(a) returned nil")
	}
	if r.Get("missing") != nil {
		t.Error("Get(missing) should be nil")
	}
}

func TestEmitDispatchesOnlyToImplementers(t *testing.T) {
	r := plugin.NewRegistry().WithLogger(slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)))
	g := &grantCounter{name: "grants"}
	if err := r.Register(g); err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	r.EmitCreditsGranted(ctx, &plugin.CreditsGranted{Amount: 10})
	r.EmitCreditsGranted(ctx, &plugin.CreditsGranted{Amount: 5})
	r.EmitCreditsConsumed(ctx, &plugin.CreditsConsumed{Amount: 99})

	if got := g.calls.Load(); got != 15 {
		t.Errorf("granted total = %d, want 15", got)
	}
}

func TestEmitLogsFailures(t *testing.T) {
	tests := []struct {
		name    string
		plugin  plugin.Plugin
		emit    func(*plugin.Registry)
		wantLog string
	}{
		{
			name:   "error",
			plugin: &grantCounter{name: "failing", err: errors.New("nope")},
			emit: func(r *plugin.Registry) {
				r.EmitCreditsGranted(context.Background(), &plugin.CreditsGranted{})
			},
			wantLog: "plugin OnCreditsGranted failed",
		},
		{
			name:   "timeout",
			plugin: slowPlugin{},
			emit: func(r *plugin.Registry) {
				r.EmitCreditsConsumed(context.Background(), &plugin.CreditsConsumed{})
			},
			wantLog: "plugin timeout: slow",
		},
		{
			name:   "panic",
			plugin: panicPlugin{},
			emit: func(r *plugin.Registry) {
				r.EmitEventDropped(context.Background(), &plugin.EventDropped{})
			},
			wantLog: "plugin panic: panics",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			r := plugin.NewRegistry().
				WithLogger(slog.New(slog.NewTextHandler(&buf, nil))).
				WithTimeout(20 * time.Millisecond)
			if err := r.Register(tt.plugin); err != nil {
				t.Fatal(err)
			}

			tt.emit(r)

			if !strings.Contains(buf.String(), tt.wantLog) {
				t.Errorf("log output %q does not contain %q", buf.String(), tt.wantLog)
			}
		})
	}
}
