package handler

import (
	"net/http"

	"storefront-cart/internal/continuity"
	"storefront-cart/internal/middleware"
	"storefront-cart/internal/model"
	"storefront-cart/internal/navigation"
)

type navigationRequest struct {
	Event    continuity.Trigger `json:"event"`
	Referrer string             `json:"referrer,omitempty"`
}

type navigationResponse struct {
	continuity.Outcome
	Cart *cartView `json:"cart"`
}

// DispatchNavigation runs ev against the requesting session's Continuity
// Guard. It is the navigation.Dispatcher used by the server's middleware.
func (h *Handler) DispatchNavigation(r *http.Request, ev navigation.Event) (continuity.Outcome, error) {
	id := middleware.SessionID(r.Context())
	if id == "" {
		return continuity.Outcome{}, model.NewInputError("session", "session id required")
	}
	s, err := h.lookup(r.Context(), id)
	if err != nil {
		return continuity.Outcome{}, err
	}
	return s.Continuity.Dispatch(r.Context(), ev.Trigger, ev.Referrer), nil
}

// handleNavigation reports a navigation event explicitly, for pages that
// cannot set the Storefront-Navigation header.
// POST /navigation
func (h *Handler) handleNavigation(w http.ResponseWriter, r *http.Request) {
	var req navigationRequest
	if err := decodeJSON(r, &req, false); err != nil {
		h.writeError(w, err)
		return
	}
	switch req.Event {
	case continuity.TriggerPopState, continuity.TriggerVisible, continuity.TriggerPageLoad:
	default:
		h.writeError(w, model.NewInputError("event", "must be popstate, visible or load"))
		return
	}

	s, err := h.session(r)
	if err != nil {
		h.writeError(w, err)
		return
	}

	out := s.Continuity.Dispatch(r.Context(), req.Event, req.Referrer)
	if v, err := navigation.FormatOutcome(out); err == nil {
		w.Header().Set(navigation.OutcomeHeaderName, v)
	}
	h.writeJSON(w, http.StatusOK, navigationResponse{Outcome: out, Cart: newCartView(s)})
}
