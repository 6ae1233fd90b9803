package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/xraph/tally"
)

type balanceResponse struct {
	UserID  string `json:"user_id"`
	Balance int64  `json:"balance"`
}

type entitlementResponse struct {
	UserID   string `json:"user_id"`
	Entitled bool   `json:"entitled"`
}

type consumeRequest struct {
	Amount         int64  `json:"amount"`
	Reason         string `json:"reason"`
	IdempotencyKey string `json:"idempotency_key"`
}

func (h *Handler) handleBalance(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	balance, err := h.engine.GetBalance(r.Context(), userID)
	if err != nil {
		h.internalError(w, r, "get balance", err)
		return
	}
	writeJSON(w, http.StatusOK, balanceResponse{UserID: userID, Balance: balance})
}

// handleEntitlement answers from the store; ?recheck=true also emits an
// entitlement notification.
func (h *Handler) handleEntitlement(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	check := h.engine.HasEntitlement
	if recheck, _ := strconv.ParseBool(r.URL.Query().Get("recheck")); recheck { //nolint:errcheck // absent means false
		check = h.engine.RecheckEntitlement
	}

	entitled, err := check(r.Context(), userID)
	if err != nil {
		h.internalError(w, r, "check entitlement", err)
		return
	}
	writeJSON(w, http.StatusOK, entitlementResponse{UserID: userID, Entitled: entitled})
}

func (h *Handler) handleConsume(w http.ResponseWriter, r *http.Request) {
	var req consumeRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, h.maxBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}

	userID := chi.URLParam(r, "userID")
	var key string
	if req.IdempotencyKey != "" {
		// Caller keys are scoped to the user so they cannot collide with
		// grant keys or another user's requests.
		key = tally.ConsumeKey(userID, req.IdempotencyKey)
	}

	res, err := h.engine.Consume(r.Context(), tally.ConsumeRequest{
		UserID:         userID,
		Amount:         req.Amount,
		Reason:         req.Reason,
		IdempotencyKey: key,
	})
	if err != nil {
		if errors.Is(err, tally.ErrInvalidInput) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		h.internalError(w, r, "consume", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
