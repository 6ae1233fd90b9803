package notify_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/xraph/tally/id"
	"github.com/xraph/tally/notify"
	"github.com/xraph/tally/plugin"
)

type fakePublisher struct {
	mu   sync.Mutex
	msgs []*nats.Msg
	err  error
}

func (p *fakePublisher) PublishMsg(m *nats.Msg) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.msgs = append(p.msgs, m)
	return nil
}

func quiet() notify.Option {
	return notify.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func header() plugin.Header {
	return plugin.Header{ID: id.NewNotificationID(), OccurredAt: time.Now().UTC()}
}

func TestPublishesEachHookOnItsSubject(t *testing.T) {
	ctx := context.Background()
	subID := id.NewSubscriptionID()

	tests := []struct {
		name    string
		subject string
		fire    func(e *notify.Extension, h plugin.Header) error
	}{
		{"synced", "tally.subscription.synced", func(e *notify.Extension, h plugin.Header) error {
			return e.OnSubscriptionSynced(ctx, &plugin.SubscriptionSynced{Header: h, SubscriptionID: subID, UserID: "u1"})
		}},
		{"duplicate", "tally.subscription.duplicate", func(e *notify.Extension, h plugin.Header) error {
			return e.OnDuplicateSubscription(ctx, &plugin.DuplicateSubscription{Header: h, UserID: "u1"})
		}},
		{"dropped", "tally.event.dropped", func(e *notify.Extension, h plugin.Header) error {
			return e.OnEventDropped(ctx, &plugin.EventDropped{Header: h, Reason: "no_owner"})
		}},
		{"granted", "tally.credits.granted", func(e *notify.Extension, h plugin.Header) error {
			return e.OnCreditsGranted(ctx, &plugin.CreditsGranted{Header: h, SubscriptionID: subID, Amount: 10})
		}},
		{"consumed", "tally.credits.consumed", func(e *notify.Extension, h plugin.Header) error {
			return e.OnCreditsConsumed(ctx, &plugin.CreditsConsumed{Header: h, SubscriptionID: subID, Amount: 3})
		}},
		{"adjusted", "tally.credits.adjusted", func(e *notify.Extension, h plugin.Header) error {
			return e.OnCreditsAdjusted(ctx, &plugin.CreditsAdjusted{Header: h, SubscriptionID: subID, Amount: -2})
		}},
		{"entitlement", "tally.entitlement.checked", func(e *notify.Extension, h plugin.Header) error {
			return e.OnEntitlementChecked(ctx, &plugin.EntitlementChecked{Header: h, UserID: "u1", Entitled: true})
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pub := &fakePublisher{}
			ext := notify.New(pub, quiet())
			h := header()

			if err := tt.fire(ext, h); err != nil {
				t.Fatalf("publish failed: %v", err)
			}
			if len(pub.msgs) != 1 {
				t.Fatalf("expected 1 message, got %d", len(pub.msgs))
			}
			msg := pub.msgs[0]
			if msg.Subject != tt.subject {
				t.Errorf("subject = %q, want %q", msg.Subject, tt.subject)
			}
			if got := msg.Header.Get(nats.MsgIdHdr); got != h.ID.String() {
				t.Errorf("Nats-Msg-Id = %q, want %q", got, h.ID.String())
			}

			var body map[string]any
			if err := json.Unmarshal(msg.Data, &body); err != nil {
				t.Fatalf("payload is not JSON: %v", err)
			}
			if body["id"] != h.ID.String() {
				t.Errorf("payload id = %v, want %s", body["id"], h.ID.String())
			}
		})
	}
}

func TestSubjectPrefix(t *testing.T) {
	pub := &fakePublisher{}
	ext := notify.New(pub, quiet(), notify.WithSubjectPrefix("billing.prod"))

	if err := ext.OnCreditsGranted(context.Background(), &plugin.CreditsGranted{Header: header()}); err != nil {
		t.Fatal(err)
	}
	if pub.msgs[0].Subject != "billing.prod.credits.granted" {
		t.Errorf("subject = %q", pub.msgs[0].Subject)
	}

	bare := notify.New(pub, quiet(), notify.WithSubjectPrefix(""))
	if bare.Subject(notify.SubjectEventDropped) != "event.dropped" {
		t.Errorf("empty prefix should yield the bare suffix")
	}
}

func TestPublishErrorIsReturned(t *testing.T) {
	boom := errors.New("nats: connection closed")
	ext := notify.New(&fakePublisher{err: boom}, quiet())

	err := ext.OnCreditsConsumed(context.Background(), &plugin.CreditsConsumed{Header: header()})
	if !errors.Is(err, boom) {
		t.Errorf("error = %v, want wrapped %v", err, boom)
	}
}
