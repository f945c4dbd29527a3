// Package handler provides the HTTP handlers for the storefront cart API.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"storefront-cart/internal/middleware"
	"storefront-cart/internal/model"
	"storefront-cart/internal/session"
)

// Sessions looks up or creates the component bundle for a session id.
type Sessions interface {
	Get(ctx context.Context, id string) (*session.Session, error)
}

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	sessions Sessions
	logger   *slog.Logger
}

// New creates a new Handler over the given session manager.
func New(sessions Sessions, logger *slog.Logger) *Handler {
	return &Handler{
		sessions: sessions,
		logger:   logger,
	}
}

// RegisterRoutes registers all HTTP routes with the given ServeMux.
// Uses Go 1.22+ method routing patterns.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	// REST transport - cart operations
	mux.HandleFunc("GET /cart", h.handleGetCart)
	mux.HandleFunc("POST /cart/items", h.handleAddItem)
	mux.HandleFunc("PATCH /cart/items/{id}", h.handleUpdateItem)
	mux.HandleFunc("DELETE /cart/items/{id}", h.handleRemoveItem)
	mux.HandleFunc("POST /cart/clear", h.handleClearCart)

	mux.HandleFunc("POST /checkout", h.handleBeginCheckout)
	mux.HandleFunc("POST /navigation", h.handleNavigation)

	// MCP transport - JSON-RPC endpoint using official MCP SDK
	mux.Handle("/mcp", h.NewMCPHandler())

	// Health check
	mux.HandleFunc("GET /health", h.handleHealth)
	mux.HandleFunc("GET /healthz", h.handleHealth)
}

// session resolves the bundle for the session id the Session middleware put
// on the request.
func (h *Handler) session(r *http.Request) (*session.Session, error) {
	id := middleware.SessionID(r.Context())
	if id == "" {
		return nil, model.NewInputError("session", "session id required")
	}
	return h.lookup(r.Context(), id)
}

func (h *Handler) lookup(ctx context.Context, id string) (*session.Session, error) {
	if !session.ValidID(id) {
		return nil, model.NewInputError("session_id", "must be a UUID")
	}
	s, err := h.sessions.Get(ctx, id)
	if err != nil {
		return nil, model.NewInternalError(err)
	}
	return s, nil
}

// === Response Helpers ===

// writeJSON sends a JSON response with the given status code.
func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode response", slog.String("error", err.Error()))
	}
}

// writeError sends an error response, extracting status/code from APIError if present.
// Uses errors.As() to unwrap error chains (e.g., fmt.Errorf wrapping).
func (h *Handler) writeError(w http.ResponseWriter, err error) {
	var apiErr *model.APIError
	if !errors.As(err, &apiErr) {
		apiErr = model.NewInternalError(err)
	}
	if apiErr.StatusCode >= http.StatusInternalServerError {
		h.logger.Error("request failed", slog.String("code", apiErr.Code), slog.Any("error", err))
	}

	h.writeJSON(w, apiErr.StatusCode, errorResponse{
		Error: errorBody{
			Code:    apiErr.Code,
			Message: apiErr.Message,
		},
	})
}

// errorResponse is the JSON structure for error responses.
type errorResponse struct {
	Error errorBody `json:"error"`
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// MaxRequestBodySize limits JSON request bodies to 1MB to prevent DoS.
const MaxRequestBodySize = 1 << 20 // 1MB

// decodeJSON reads JSON from request body into v.
// Limits body size to MaxRequestBodySize to prevent memory exhaustion.
// An empty body leaves v untouched when optional is set.
func decodeJSON(r *http.Request, v any, optional bool) error {
	r.Body = http.MaxBytesReader(nil, r.Body, MaxRequestBodySize)

	err := json.NewDecoder(r.Body).Decode(v)
	if optional && errors.Is(err, io.EOF) {
		return nil
	}
	if err != nil {
		// Don't expose internal error details to client
		return model.NewInputError("body", "invalid JSON")
	}
	return nil
}

// handleHealth returns a simple health check response.
// GET /health, GET /healthz
func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, healthResponse{Status: "ok"})
}

type healthResponse struct {
	Status string `json:"status"`
}
