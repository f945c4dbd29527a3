package handler

import (
	"context"
	"log/slog"
	"net/http"

	"storefront-cart/internal/model"
	"storefront-cart/internal/navigation"
	"storefront-cart/internal/session"
)

// lineView is a cart row as rendered to clients. Money is a two-decimal string.
type lineView struct {
	LineID    string `json:"line_id"`
	ProductID string `json:"product_id,omitempty"`
	Title     string `json:"title,omitempty"`
	Color     string `json:"color,omitempty"`
	Size      string `json:"size,omitempty"`
	Quantity  int    `json:"quantity"`
	UnitPrice string `json:"unit_price"`
	Subtotal  string `json:"subtotal"`
	VariantID string `json:"variant_id,omitempty"`
	ImageURL  string `json:"image_url,omitempty"`
}

// cartView is the cart as rendered to clients.
type cartView struct {
	SessionID  string     `json:"session_id"`
	Revision   uint64     `json:"revision"`
	Items      []lineView `json:"items"`
	Count      int        `json:"count"`
	Subtotal   string     `json:"subtotal"`
	Continuity string     `json:"continuity"`
	Restored   bool       `json:"restored,omitempty"`
}

func newLineView(li model.LineItem) lineView {
	return lineView{
		LineID:    li.LineID,
		ProductID: li.Product.ID,
		Title:     li.Product.Title,
		Color:     li.Color,
		Size:      li.Size,
		Quantity:  li.Quantity,
		UnitPrice: model.FormatPrice(li.UnitPrice),
		Subtotal:  model.FormatPrice(li.Subtotal()),
		VariantID: li.ResolvedVariantID,
		ImageURL:  li.ImageURL,
	}
}

func newCartView(s *session.Session) *cartView {
	items := s.Cart.Items()
	v := &cartView{
		SessionID:  s.ID,
		Revision:   s.Cart.Revision(),
		Items:      make([]lineView, 0, len(items)),
		Count:      s.Cart.Count(),
		Subtotal:   model.FormatPrice(s.Cart.Subtotal()),
		Continuity: s.Continuity.State().String(),
	}
	for _, li := range items {
		v.Items = append(v.Items, newLineView(li))
	}
	return v
}

// addItemRequest is the body of POST /cart/items.
type addItemRequest struct {
	ProductID string `json:"product_id,omitempty"`
	Title     string `json:"title,omitempty"`
	Color     string `json:"color,omitempty"`
	Size      string `json:"size,omitempty"`
	Quantity  int    `json:"quantity,omitempty"`
	UnitPrice string `json:"unit_price,omitempty"`
	ImageURL  string `json:"image_url,omitempty"`
	// Merge overrides the server's duplicate policy for this add.
	Merge *bool `json:"merge,omitempty"`
}

func (req addItemRequest) selection() (model.Selection, error) {
	price, err := model.ParsePrice(req.UnitPrice)
	if err != nil {
		return model.Selection{}, model.NewInputError("unit_price", err.Error())
	}
	return model.Selection{
		Product:   model.ProductRef{ID: req.ProductID, Title: req.Title},
		Color:     req.Color,
		Size:      req.Size,
		Quantity:  req.Quantity,
		UnitPrice: price,
		ImageURL:  req.ImageURL,
	}, nil
}

type addItemResponse struct {
	Item   lineView  `json:"item"`
	Merged bool      `json:"merged"`
	Cart   *cartView `json:"cart"`
}

// addItem runs an add through the session's Duplicate-Add Guard.
func addItem(ctx context.Context, s *session.Session, req addItemRequest) (*addItemResponse, error) {
	sel, err := req.selection()
	if err != nil {
		return nil, err
	}

	add := s.Guard.Add
	if req.Merge != nil {
		add = s.Guard.AddStrict
		if *req.Merge {
			add = s.Guard.AddOrIncrement
		}
	}
	out, err := add(ctx, sel)
	if err != nil {
		return nil, err
	}
	return &addItemResponse{Item: newLineView(out.Item), Merged: out.Merged, Cart: newCartView(s)}, nil
}

// handleGetCart returns the session's cart.
// GET /cart
func (h *Handler) handleGetCart(w http.ResponseWriter, r *http.Request) {
	s, err := h.session(r)
	if err != nil {
		h.writeError(w, err)
		return
	}

	view := newCartView(s)
	if out := navigation.OutcomeFromContext(r.Context()); out != nil {
		view.Restored = out.Restored
	}
	h.writeJSON(w, http.StatusOK, view)
}

// handleAddItem adds a selection to the cart.
// POST /cart/items
func (h *Handler) handleAddItem(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req addItemRequest
	if err := decodeJSON(r, &req, false); err != nil {
		h.writeError(w, err)
		return
	}
	s, err := h.session(r)
	if err != nil {
		h.writeError(w, err)
		return
	}

	resp, err := addItem(ctx, s, req)
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.logger.InfoContext(ctx, "item added",
		slog.String("session_id", s.ID),
		slog.String("line_id", resp.Item.LineID),
		slog.Int("quantity", resp.Item.Quantity),
		slog.Bool("merged", resp.Merged),
	)

	status := http.StatusCreated
	if resp.Merged {
		status = http.StatusOK
	}
	h.writeJSON(w, status, resp)
}

// updateItemRequest is the body of PATCH /cart/items/{id}. Absent fields are
// left unchanged.
type updateItemRequest struct {
	Quantity *int    `json:"quantity,omitempty"`
	Color    *string `json:"color,omitempty"`
	Size     *string `json:"size,omitempty"`
}

// updateItem applies option changes first, then the quantity. Option changes
// may merge the row into another one, in which case the quantity applies to
// the surviving row.
func updateItem(ctx context.Context, s *session.Session, lineID string, req updateItemRequest) error {
	if req.Quantity == nil && req.Color == nil && req.Size == nil {
		return model.NewInputError("body", "quantity, color or size required")
	}

	if req.Color != nil || req.Size != nil {
		current, ok := s.Cart.Get(lineID)
		if !ok {
			return model.NewNotFoundError("line item " + lineID)
		}
		color, size := current.Color, current.Size
		if req.Color != nil {
			color = *req.Color
		}
		if req.Size != nil {
			size = *req.Size
		}
		updated, err := s.Cart.UpdateOptions(ctx, lineID, color, size)
		if err != nil {
			return err
		}
		lineID = updated.LineID
	}

	if req.Quantity != nil {
		if _, err := s.Cart.UpdateQuantity(ctx, lineID, *req.Quantity); err != nil {
			return err
		}
	}
	return nil
}

// handleUpdateItem changes quantity or options of a row.
// PATCH /cart/items/{id}
func (h *Handler) handleUpdateItem(w http.ResponseWriter, r *http.Request) {
	lineID := r.PathValue("id")

	var req updateItemRequest
	if err := decodeJSON(r, &req, false); err != nil {
		h.writeError(w, err)
		return
	}
	s, err := h.session(r)
	if err != nil {
		h.writeError(w, err)
		return
	}

	if err := updateItem(r.Context(), s, lineID, req); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, newCartView(s))
}

// handleRemoveItem removes a row. Removing an absent row is a no-op.
// DELETE /cart/items/{id}
func (h *Handler) handleRemoveItem(w http.ResponseWriter, r *http.Request) {
	s, err := h.session(r)
	if err != nil {
		h.writeError(w, err)
		return
	}

	if _, err := s.Cart.RemoveItem(r.Context(), r.PathValue("id")); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, newCartView(s))
}

type clearRequest struct {
	Reason model.ClearReason `json:"reason,omitempty"`
}

// handleClearCart empties the cart on purpose.
// POST /cart/clear
func (h *Handler) handleClearCart(w http.ResponseWriter, r *http.Request) {
	var req clearRequest
	if err := decodeJSON(r, &req, true); err != nil {
		h.writeError(w, err)
		return
	}
	if req.Reason == "" {
		req.Reason = model.ClearUserRequest
	}
	s, err := h.session(r)
	if err != nil {
		h.writeError(w, err)
		return
	}

	if err := s.Cart.Clear(r.Context(), req.Reason); err != nil {
		h.writeError(w, err)
		return
	}

	h.logger.InfoContext(r.Context(), "cart cleared",
		slog.String("session_id", s.ID),
		slog.String("reason", string(req.Reason)),
	)
	h.writeJSON(w, http.StatusOK, newCartView(s))
}
