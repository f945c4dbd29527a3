// Package model defines the cart, snapshot and error types shared by the
// storefront cart packages.
package model

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ProductRef loosely identifies a product as the storefront knows it.
// ID may be a canonical variant gid, a bare numeric id, or an ad-hoc
// composite such as "hoodie-42"; Title is the display title.
type ProductRef struct {
	Title string `json:"title,omitempty"`
	ID    string `json:"id,omitempty"`
}

// IsZero reports whether neither a title nor an id is present.
func (p ProductRef) IsZero() bool {
	return strings.TrimSpace(p.Title) == "" && strings.TrimSpace(p.ID) == ""
}

func (p ProductRef) String() string {
	switch {
	case p.ID != "" && p.Title != "":
		return p.Title + " [" + p.ID + "]"
	case p.ID != "":
		return p.ID
	default:
		return p.Title
	}
}

// Selection is an add-to-cart request coming from the storefront.
type Selection struct {
	Product   ProductRef      `json:"product"`
	Color     string          `json:"color,omitempty"`
	Size      string          `json:"size,omitempty"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	ImageURL  string          `json:"image_url,omitempty"`
}

// Validate checks the fields an add needs. Quantity 0 defaults to 1.
func (s *Selection) Validate() error {
	if s.Product.IsZero() {
		return NewInputError("product", "product reference is required")
	}
	if s.Quantity < 0 {
		return NewInputError("quantity", "must be at least 1")
	}
	if s.Quantity == 0 {
		s.Quantity = 1
	}
	if s.UnitPrice.IsNegative() {
		return NewInputError("unit_price", "must not be negative")
	}
	return nil
}

// LineItem is one row of the cart: a product/color/size selection and its quantity.
type LineItem struct {
	LineID            string          `json:"line_id"`
	Product           ProductRef      `json:"product"`
	Color             string          `json:"color,omitempty"`
	Size              string          `json:"size,omitempty"`
	Quantity          int             `json:"quantity"`
	UnitPrice         decimal.Decimal `json:"unit_price"`
	ResolvedVariantID string          `json:"resolved_variant_id,omitempty"`
	ImageURL          string          `json:"image_url,omitempty"`
	AddedAt           time.Time       `json:"added_at"`
}

// Subtotal is unit price times quantity.
func (li LineItem) Subtotal() decimal.Decimal {
	return li.UnitPrice.Mul(decimal.NewFromInt(int64(li.Quantity)))
}

// CloneItems returns a copy of items that shares no backing array with the input.
func CloneItems(items []LineItem) []LineItem {
	if items == nil {
		return nil
	}
	out := make([]LineItem, len(items))
	copy(out, items)
	return out
}

// CartSnapshot is a timestamped copy of the cart taken before a checkout redirect.
type CartSnapshot struct {
	Version string     `json:"version"`
	Items   []LineItem `json:"items"`
	TakenAt time.Time  `json:"taken_at"`
}

// Expired reports whether the snapshot is older than ttl at now.
// A zero TakenAt is always expired.
func (s *CartSnapshot) Expired(now time.Time, ttl time.Duration) bool {
	if s == nil || s.TakenAt.IsZero() {
		return true
	}
	return now.Sub(s.TakenAt) > ttl
}

// ClearReason records why a cart was intentionally emptied.
type ClearReason string

const (
	ClearUserRequest    ClearReason = "user_request"
	ClearOrderCompleted ClearReason = "order_completed"
)

// Valid reports whether r is one of the recognized reasons.
func (r ClearReason) Valid() bool {
	return r == ClearUserRequest || r == ClearOrderCompleted
}
