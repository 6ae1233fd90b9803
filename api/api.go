// Package api exposes the Tally engine over HTTP: webhook intake for billing
// providers and read/consume endpoints for the application.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/xraph/tally"
	"github.com/xraph/tally/billing"
	"github.com/xraph/tally/credit"
	"github.com/xraph/tally/id"
)

// DefaultMaxBodyBytes caps webhook and request bodies.
const DefaultMaxBodyBytes = 1 << 20

// Engine is the subset of *tally.Tally the routes need.
type Engine interface {
	ProcessPayload(ctx context.Context, payload []byte) (*tally.ProcessResult, error)
	Process(ctx context.Context, evt *billing.Event) (*tally.ProcessResult, error)
	Drop(ctx context.Context, err error) *tally.ProcessResult
	GetBalance(ctx context.Context, userID string) (int64, error)
	HasEntitlement(ctx context.Context, userID string) (bool, error)
	RecheckEntitlement(ctx context.Context, userID string) (bool, error)
	Consume(ctx context.Context, req tally.ConsumeRequest) (*tally.ConsumeResult, error)
	Entries(ctx context.Context, subID id.SubscriptionID, opts credit.ListOpts) ([]*credit.Entry, error)
	Verify(ctx context.Context, subID id.SubscriptionID) (*tally.VerifyReport, error)
}

var _ Engine = (*tally.Tally)(nil)

// EventParser verifies and normalizes a provider-signed webhook.
type EventParser interface {
	Parse(payload []byte, signatureHeader string) (*billing.Event, error)
}

// Handler serves the Tally HTTP routes.
type Handler struct {
	engine  Engine
	stripe  EventParser
	logger  *slog.Logger
	maxBody int64
	router  chi.Router
}

// Option configures a Handler.
type Option func(*Handler)

// WithLogger sets the handler logger.
func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) { h.logger = l }
}

// WithStripe enables POST /webhooks/stripe using the given parser.
func WithStripe(p EventParser) Option {
	return func(h *Handler) { h.stripe = p }
}

// WithMaxBodyBytes overrides DefaultMaxBodyBytes.
func WithMaxBodyBytes(n int64) Option {
	return func(h *Handler) { h.maxBody = n }
}

// New builds the router.
func New(engine Engine, opts ...Option) *Handler {
	h := &Handler{
		engine:  engine,
		logger:  slog.Default(),
		maxBody: DefaultMaxBodyBytes,
	}
	for _, opt := range opts {
		opt(h)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Post("/webhooks/events", h.handleEvents)
	if h.stripe != nil {
		r.Post("/webhooks/stripe", h.handleStripe)
	}

	r.Route("/users/{userID}", func(r chi.Router) {
		r.Get("/balance", h.handleBalance)
		r.Get("/entitlement", h.handleEntitlement)
		r.Post("/consume", h.handleConsume)
	})

	r.Route("/subscriptions/{subscriptionID}", func(r chi.Router) {
		r.Get("/entries", h.handleEntries)
		r.Get("/verify", h.handleVerify)
	})

	h.router = r
	return h
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

// ──────────────────────────────────────────────────
// Responses
// ──────────────────────────────────────────────────

type errorBody struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v) //nolint:errcheck // client went away
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}

// internalError logs err and answers 500 so providers redeliver.
func (h *Handler) internalError(w http.ResponseWriter, r *http.Request, op string, err error) {
	h.logger.Error("tally/api: "+op+" failed",
		"request_id", middleware.GetReqID(r.Context()),
		"error", err,
	)
	writeError(w, http.StatusInternalServerError, "internal error")
}
