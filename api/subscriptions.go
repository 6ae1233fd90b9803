package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/xraph/tally"
	"github.com/xraph/tally/credit"
	"github.com/xraph/tally/id"
)

type entriesResponse struct {
	Entries []*credit.Entry `json:"entries"`
}

func (h *Handler) subscriptionID(w http.ResponseWriter, r *http.Request) (id.SubscriptionID, bool) {
	subID, err := id.ParseSubscriptionID(chi.URLParam(r, "subscriptionID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid subscription id")
		return id.Nil, false
	}
	return subID, true
}

func (h *Handler) handleEntries(w http.ResponseWriter, r *http.Request) {
	subID, ok := h.subscriptionID(w, r)
	if !ok {
		return
	}

	q := r.URL.Query()
	opts := credit.ListOpts{Type: credit.Type(q.Get("type"))}
	for name, dst := range map[string]*int{"limit": &opts.Limit, "offset": &opts.Offset} {
		v := q.Get(name)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid "+name)
			return
		}
		*dst = n
	}

	entries, err := h.engine.Entries(r.Context(), subID, opts)
	if err != nil {
		h.internalError(w, r, "list entries", err)
		return
	}
	writeJSON(w, http.StatusOK, entriesResponse{Entries: entries})
}

func (h *Handler) handleVerify(w http.ResponseWriter, r *http.Request) {
	subID, ok := h.subscriptionID(w, r)
	if !ok {
		return
	}

	report, err := h.engine.Verify(r.Context(), subID)
	if err != nil {
		if tally.IsNotFound(err) {
			writeError(w, http.StatusNotFound, "subscription not found")
			return
		}
		h.internalError(w, r, "verify", err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}
