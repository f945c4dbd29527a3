package model

import "github.com/shopspring/decimal"

// Product is a platform product as returned by a catalog lookup.
type Product struct {
	ID       string    `json:"id"`
	Handle   string    `json:"handle"`
	Title    string    `json:"title"`
	Variants []Variant `json:"variants"`
}

// Variant is one purchasable variant of a Product.
type Variant struct {
	ID        string            `json:"id"`
	Title     string            `json:"title"`
	Available bool              `json:"available"`
	Price     decimal.Decimal   `json:"price"`
	Options   map[string]string `json:"options,omitempty"` // option name -> value, e.g. "Color" -> "Black"
}

// CheckoutLine is one resolved line submitted to the platform.
type CheckoutLine struct {
	VariantID string `json:"variant_id"`
	Quantity  int    `json:"quantity"`
}

// CheckoutSession is the platform's answer to a checkout-creation request.
type CheckoutSession struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}
