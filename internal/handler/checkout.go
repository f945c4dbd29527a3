package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"storefront-cart/internal/model"
	"storefront-cart/internal/session"
)

// unresolvedView names a cart row left out of a checkout.
type unresolvedView struct {
	LineID    string `json:"line_id"`
	ProductID string `json:"product_id,omitempty"`
	Title     string `json:"title,omitempty"`
}

// checkoutView describes a created checkout.
type checkoutView struct {
	CheckoutID  string               `json:"checkout_id"`
	RedirectURL string               `json:"redirect_url"`
	Corrected   bool                 `json:"corrected"`
	Submitted   []model.CheckoutLine `json:"submitted"`
	Unresolved  []unresolvedView     `json:"unresolved"`
}

func beginCheckout(ctx context.Context, s *session.Session) (*checkoutView, error) {
	res, err := s.Checkout.Begin(ctx)
	if err != nil {
		return nil, err
	}
	view := &checkoutView{
		CheckoutID:  res.CheckoutID,
		RedirectURL: res.RedirectURL,
		Corrected:   res.Corrected,
		Submitted:   res.Submitted,
		Unresolved:  make([]unresolvedView, 0, len(res.Unresolved)),
	}
	for _, u := range res.Unresolved {
		view.Unresolved = append(view.Unresolved, unresolvedView{
			LineID:    u.LineID,
			ProductID: u.Product.ID,
			Title:     u.Product.Title,
		})
	}
	return view, nil
}

// handleBeginCheckout creates a platform checkout for the cart.
// POST /checkout
//
// Browsers get a 303 to the checkout URL. Clients asking for JSON get the
// checkout description, including the rows that could not be submitted.
func (h *Handler) handleBeginCheckout(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	s, err := h.session(r)
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.logger.InfoContext(ctx, "beginning checkout",
		slog.String("session_id", s.ID),
		slog.Int("line_items", s.Cart.Len()),
	)

	view, err := beginCheckout(ctx, s)
	if err != nil {
		h.writeError(w, err)
		return
	}

	if wantsJSON(r) {
		h.writeJSON(w, http.StatusCreated, view)
		return
	}
	http.Redirect(w, r, view.RedirectURL, http.StatusSeeOther)
}

func wantsJSON(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "application/json")
}
