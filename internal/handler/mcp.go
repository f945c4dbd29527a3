// MCP transport handler for the storefront cart using the official MCP Go SDK.
// Exposes the cart operations as MCP tools so assistants can manage a
// shopper's cart.
package handler

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"storefront-cart/internal/model"
	"storefront-cart/internal/session"
)

// === MCP Tool Input Types ===
// Every tool names the cart session it acts on. MCP transport sessions
// (Mcp-Session-Id) are unrelated to cart sessions.

// SessionInput is the input schema for get_cart, clear_cart and begin_checkout.
type SessionInput struct {
	SessionID string `json:"session_id" jsonschema:"cart session id (UUID)"`
}

// AddToCartInput is the input schema for add_to_cart.
type AddToCartInput struct {
	SessionID string `json:"session_id" jsonschema:"cart session id (UUID)"`
	ProductID string `json:"product_id,omitempty" jsonschema:"product or variant identifier"`
	Title     string `json:"title,omitempty" jsonschema:"product title"`
	Color     string `json:"color,omitempty" jsonschema:"selected color"`
	Size      string `json:"size,omitempty" jsonschema:"selected size"`
	Quantity  int    `json:"quantity,omitempty" jsonschema:"quantity to add, default 1"`
	UnitPrice string `json:"unit_price,omitempty" jsonschema:"unit price, e.g. 19.99"`
	Merge     *bool  `json:"merge,omitempty" jsonschema:"true increases the quantity of an item already in the cart, false refuses it; omitted uses the server default"`
}

// UpdateQuantityInput is the input schema for update_quantity.
type UpdateQuantityInput struct {
	SessionID string `json:"session_id" jsonschema:"cart session id (UUID)"`
	LineID    string `json:"line_id" jsonschema:"cart row id"`
	Quantity  int    `json:"quantity" jsonschema:"new quantity, 0 removes the row"`
}

// RemoveItemInput is the input schema for remove_item.
type RemoveItemInput struct {
	SessionID string `json:"session_id" jsonschema:"cart session id (UUID)"`
	LineID    string `json:"line_id" jsonschema:"cart row id"`
}

// NewMCPServer creates an MCP server with the cart tools registered.
// The server exposes the same operations as the REST API but via MCP protocol.
func (h *Handler) NewMCPServer() *mcp.Server {
	server := mcp.NewServer(
		&mcp.Implementation{
			Name:    "storefront-cart",
			Version: "1.0.0",
		},
		&mcp.ServerOptions{
			Instructions: "Storefront cart operations. Use these tools to inspect and change a " +
				"shopper's cart and to start a checkout.",
		},
	)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "get_cart",
		Description: "Get the items, count and subtotal of a cart.",
	}, h.mcpGetCart)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "add_to_cart",
		Description: "Add a product selection to a cart. Rapid repeats of the same selection are rejected.",
	}, h.mcpAddToCart)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "update_quantity",
		Description: "Set the quantity of a cart row. Quantity 0 removes the row.",
	}, h.mcpUpdateQuantity)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "remove_item",
		Description: "Remove a row from a cart.",
	}, h.mcpRemoveItem)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "clear_cart",
		Description: "Empty a cart on the shopper's request.",
	}, h.mcpClearCart)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "begin_checkout",
		Description: "Create a checkout for the cart and return the checkout URL and any items left out.",
	}, h.mcpBeginCheckout)

	return server
}

// NewMCPHandler returns an HTTP handler for the MCP endpoint.
// Mount this at /mcp on your mux.
func (h *Handler) NewMCPHandler() http.Handler {
	server := h.NewMCPServer()
	return mcp.NewStreamableHTTPHandler(
		func(r *http.Request) *mcp.Server { return server },
		nil,
	)
}

// === Tool Handlers ===

func (h *Handler) mcpGetCart(
	ctx context.Context,
	req *mcp.CallToolRequest,
	input SessionInput,
) (*mcp.CallToolResult, *cartView, error) {
	s, err := h.mcpSession(ctx, input.SessionID)
	if err != nil {
		return nil, nil, err
	}
	return nil, newCartView(s), nil
}

func (h *Handler) mcpAddToCart(
	ctx context.Context,
	req *mcp.CallToolRequest,
	input AddToCartInput,
) (*mcp.CallToolResult, *addItemResponse, error) {
	s, err := h.mcpSession(ctx, input.SessionID)
	if err != nil {
		return nil, nil, err
	}

	resp, err := addItem(ctx, s, addItemRequest{
		ProductID: input.ProductID,
		Title:     input.Title,
		Color:     input.Color,
		Size:      input.Size,
		Quantity:  input.Quantity,
		UnitPrice: input.UnitPrice,
		Merge:     input.Merge,
	})
	if err != nil {
		return nil, nil, h.mcpError(err)
	}
	return nil, resp, nil
}

func (h *Handler) mcpUpdateQuantity(
	ctx context.Context,
	req *mcp.CallToolRequest,
	input UpdateQuantityInput,
) (*mcp.CallToolResult, *cartView, error) {
	s, err := h.mcpSession(ctx, input.SessionID)
	if err != nil {
		return nil, nil, err
	}
	if input.LineID == "" {
		return nil, nil, fmt.Errorf("line_id is required")
	}

	qty := input.Quantity
	if err := updateItem(ctx, s, input.LineID, updateItemRequest{Quantity: &qty}); err != nil {
		return nil, nil, h.mcpError(err)
	}
	return nil, newCartView(s), nil
}

func (h *Handler) mcpRemoveItem(
	ctx context.Context,
	req *mcp.CallToolRequest,
	input RemoveItemInput,
) (*mcp.CallToolResult, *cartView, error) {
	s, err := h.mcpSession(ctx, input.SessionID)
	if err != nil {
		return nil, nil, err
	}
	if input.LineID == "" {
		return nil, nil, fmt.Errorf("line_id is required")
	}

	if _, err := s.Cart.RemoveItem(ctx, input.LineID); err != nil {
		return nil, nil, h.mcpError(err)
	}
	return nil, newCartView(s), nil
}

func (h *Handler) mcpClearCart(
	ctx context.Context,
	req *mcp.CallToolRequest,
	input SessionInput,
) (*mcp.CallToolResult, *cartView, error) {
	s, err := h.mcpSession(ctx, input.SessionID)
	if err != nil {
		return nil, nil, err
	}

	if err := s.Cart.Clear(ctx, model.ClearUserRequest); err != nil {
		return nil, nil, h.mcpError(err)
	}
	return nil, newCartView(s), nil
}

func (h *Handler) mcpBeginCheckout(
	ctx context.Context,
	req *mcp.CallToolRequest,
	input SessionInput,
) (*mcp.CallToolResult, *checkoutView, error) {
	s, err := h.mcpSession(ctx, input.SessionID)
	if err != nil {
		return nil, nil, err
	}

	view, err := beginCheckout(ctx, s)
	if err != nil {
		return nil, nil, h.mcpError(err)
	}
	return nil, view, nil
}

func (h *Handler) mcpSession(ctx context.Context, id string) (*session.Session, error) {
	if id == "" {
		return nil, fmt.Errorf("session_id is required")
	}
	s, err := h.lookup(ctx, id)
	if err != nil {
		return nil, h.mcpError(err)
	}
	return s, nil
}

// mcpError converts cart errors to MCP-friendly "CODE: message" errors.
func (h *Handler) mcpError(err error) error {
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		if apiErr.StatusCode >= http.StatusInternalServerError {
			h.logger.Error("mcp tool failed", "code", apiErr.Code, "error", err)
		}
		return fmt.Errorf("%s: %s", apiErr.Code, apiErr.Message)
	}
	// Don't leak internal error details
	h.logger.Error("mcp internal error", "error", err.Error())
	return fmt.Errorf("internal error")
}
