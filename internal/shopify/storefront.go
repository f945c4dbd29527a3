package shopify

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"storefront-cart/internal/model"
	"storefront-cart/internal/variantid"
)

// searchLimit caps products returned by a title search.
const searchLimit = 10

// CreateCheckout creates a platform cart holding lines and returns its id and
// checkout URL. Every failure is a *model.APIError wrapping model.ErrPlatform.
func (c *Client) CreateCheckout(ctx context.Context, lines []model.CheckoutLine) (*model.CheckoutSession, error) {
	if len(lines) == 0 {
		return nil, model.NewPlatformError("checkout", errors.New("no lines to submit"))
	}

	input := make([]map[string]any, len(lines))
	for i, l := range lines {
		input[i] = map[string]any{
			"merchandiseId": l.VariantID,
			"quantity":      l.Quantity,
		}
	}

	var data cartCreateData
	err := c.execute(ctx, cartCreateMutation, map[string]any{
		"input": map[string]any{"lines": input},
	}, &data)
	if err != nil {
		return nil, model.NewPlatformError("checkout", err)
	}

	if data.CartCreate == nil {
		return nil, model.NewPlatformError("checkout", errors.New("empty cartCreate payload"))
	}
	if ue := data.CartCreate.UserErrors; len(ue) > 0 {
		return nil, model.NewPlatformError("checkout", userErrorsToErr(ue))
	}
	cart := data.CartCreate.Cart
	if cart == nil || cart.ID == "" || cart.CheckoutURL == "" {
		return nil, model.NewPlatformError("checkout", errors.New("cartCreate returned no cart"))
	}

	c.logger.Info("checkout created", "cart_id", cart.ID, "lines", len(lines))
	return &model.CheckoutSession{ID: cart.ID, URL: cart.CheckoutURL}, nil
}

// ProductByHandle fetches one product with its variants.
// Returns an error wrapping model.ErrNotFound when no product has the handle.
func (c *Client) ProductByHandle(ctx context.Context, handle string) (*model.Product, error) {
	var data productByHandleData
	if err := c.execute(ctx, productByHandleQuery, map[string]any{"handle": handle}, &data); err != nil {
		return nil, model.NewPlatformError("product lookup", err)
	}
	if data.Product == nil {
		return nil, model.NewNotFoundError("product " + handle)
	}
	p := toProduct(*data.Product)
	return &p, nil
}

// SearchProducts runs a title search and returns the matching products.
func (c *Client) SearchProducts(ctx context.Context, title string) ([]model.Product, error) {
	var data searchProductsData
	err := c.execute(ctx, searchProductsQuery, map[string]any{
		"query": titleQuery(title),
		"first": searchLimit,
	}, &data)
	if err != nil {
		return nil, model.NewPlatformError("product search", err)
	}

	products := make([]model.Product, 0, len(data.Products.Nodes))
	for _, n := range data.Products.Nodes {
		products = append(products, toProduct(n))
	}
	return products, nil
}

// titleQuery builds a Storefront search expression matching a title.
func titleQuery(title string) string {
	escaped := strings.ReplaceAll(strings.TrimSpace(title), `"`, `\"`)
	return `title:"` + escaped + `"`
}

func toProduct(n productNode) model.Product {
	p := model.Product{
		ID:       n.ID,
		Handle:   n.Handle,
		Title:    n.Title,
		Variants: make([]model.Variant, 0, len(n.Variants.Nodes)),
	}
	for _, v := range n.Variants.Nodes {
		id := v.ID
		if canonical, ok := variantid.Normalize(v.ID); ok {
			id = canonical
		}
		variant := model.Variant{
			ID:        id,
			Title:     v.Title,
			Available: v.AvailableForSale,
		}
		if price, err := model.ParsePrice(v.Price.Amount); err == nil {
			variant.Price = price
		}
		if len(v.SelectedOptions) > 0 {
			variant.Options = make(map[string]string, len(v.SelectedOptions))
			for _, o := range v.SelectedOptions {
				variant.Options[o.Name] = o.Value
			}
		}
		p.Variants = append(p.Variants, variant)
	}
	return p
}

func userErrorsToErr(ue []userError) error {
	msgs := make([]string, len(ue))
	for i, e := range ue {
		if len(e.Field) > 0 {
			msgs[i] = fmt.Sprintf("%s: %s", strings.Join(e.Field, "."), e.Message)
		} else {
			msgs[i] = e.Message
		}
	}
	return fmt.Errorf("user errors: %s", strings.Join(msgs, "; "))
}
