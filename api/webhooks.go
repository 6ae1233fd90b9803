package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/xraph/tally"
)

type processResponse struct {
	Status string               `json:"status"`
	Reason tally.Reason         `json:"reason,omitempty"`
	Result *tally.ProcessResult `json:"result,omitempty"`
}

func processed(res *tally.ProcessResult) processResponse {
	if res.Dropped {
		return processResponse{Status: "dropped", Reason: res.Reason, Result: res}
	}
	return processResponse{Status: "processed", Result: res}
}

func (h *Handler) readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload too large")
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "unreadable body")
		return nil, false
	}
	return body, true
}

// handleEvents accepts the generic {type, id, data} envelope. Invalid
// payloads are acknowledged as dropped so the provider stops retrying.
func (h *Handler) handleEvents(w http.ResponseWriter, r *http.Request) {
	body, ok := h.readBody(w, r)
	if !ok {
		return
	}

	res, err := h.engine.ProcessPayload(r.Context(), body)
	if err != nil {
		h.internalError(w, r, "process event", err)
		return
	}
	writeJSON(w, http.StatusOK, processed(res))
}

func (h *Handler) handleStripe(w http.ResponseWriter, r *http.Request) {
	body, ok := h.readBody(w, r)
	if !ok {
		return
	}

	evt, err := h.stripe.Parse(body, r.Header.Get("Stripe-Signature"))
	switch {
	case err == nil:
	case tally.IsDropped(err):
		writeJSON(w, http.StatusOK, processed(h.engine.Drop(r.Context(), err)))
		return
	default:
		h.logger.Warn("tally/api: rejected stripe webhook", "error", err)
		writeError(w, http.StatusBadRequest, "invalid signature")
		return
	}

	res, err := h.engine.Process(r.Context(), evt)
	if err != nil {
		h.internalError(w, r, "process stripe event", err)
		return
	}
	writeJSON(w, http.StatusOK, processed(res))
}
