package cart

import (
	"testing"

	"storefront-cart/internal/model"
)

func row(id string, qty int) model.LineItem {
	return model.LineItem{LineID: id, Product: model.ProductRef{ID: id}, Quantity: qty}
}

func TestDiff_EmptyToItems(t *testing.T) {
	diff := Diff(nil, []model.LineItem{row("a", 2), row("b", 1)})

	if len(diff.Added) != 2 {
		t.Errorf("Added = %d, want 2", len(diff.Added))
	}
	if len(diff.Removed) != 0 || len(diff.Updated) != 0 {
		t.Errorf("unexpected removes/updates: %+v", diff)
	}
	if diff.Added[0].LineID != "a" || diff.Added[1].LineID != "b" {
		t.Errorf("Added not in cart order: %+v", diff.Added)
	}
}

func TestDiff_ItemsToEmpty(t *testing.T) {
	diff := Diff([]model.LineItem{row("a", 2), row("b", 1)}, nil)

	if len(diff.Removed) != 2 {
		t.Errorf("Removed = %d, want 2", len(diff.Removed))
	}
	if len(diff.Added) != 0 || len(diff.Updated) != 0 {
		t.Errorf("unexpected adds/updates: %+v", diff)
	}
}

func TestDiff_QuantityUpdate(t *testing.T) {
	diff := Diff([]model.LineItem{row("a", 2)}, []model.LineItem{row("a", 5)})

	if len(diff.Updated) != 1 {
		t.Fatalf("Updated = %d, want 1", len(diff.Updated))
	}
	u := diff.Updated[0]
	if u.OldQuantity != 2 || u.NewQuantity != 5 {
		t.Errorf("quantities = %d -> %d, want 2 -> 5", u.OldQuantity, u.NewQuantity)
	}
}

func TestDiff_NonQuantityFieldChange(t *testing.T) {
	before := row("a", 1)
	after := before
	after.ResolvedVariantID = "gid://shopify/ProductVariant/1"

	diff := Diff([]model.LineItem{before}, []model.LineItem{after})
	if len(diff.Updated) != 1 {
		t.Errorf("Updated = %d, want 1", len(diff.Updated))
	}
}

func TestDiff_NoChange(t *testing.T) {
	items := []model.LineItem{row("a", 1), row("b", 2)}
	diff := Diff(items, items)
	if !diff.IsEmpty() {
		t.Errorf("IsEmpty() = false, diff = %+v", diff)
	}
}

func TestDiff_Mixed(t *testing.T) {
	diff := Diff(
		[]model.LineItem{row("keep", 1), row("drop", 1), row("bump", 1)},
		[]model.LineItem{row("keep", 1), row("bump", 3), row("new", 1)},
	)

	if len(diff.Added) != 1 || diff.Added[0].LineID != "new" {
		t.Errorf("Added = %+v", diff.Added)
	}
	if len(diff.Removed) != 1 || diff.Removed[0].LineID != "drop" {
		t.Errorf("Removed = %+v", diff.Removed)
	}
	if len(diff.Updated) != 1 || diff.Updated[0].LineID != "bump" {
		t.Errorf("Updated = %+v", diff.Updated)
	}
}
