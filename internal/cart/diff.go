package cart

import "storefront-cart/internal/model"

// Change describes one committed mutation of the cart. Listeners receive it
// after the new state has been persisted.
type Change struct {
	Revision uint64
	Reason   string           // one of the Reason* constants
	Added    []model.LineItem // rows in the new state but not the old
	Removed  []model.LineItem // rows in the old state but not the new
	Updated  []ItemUpdate     // rows in both whose contents changed
	Items    []model.LineItem // full state after the change
}

// ItemUpdate records a row whose contents changed.
type ItemUpdate struct {
	LineID      string
	OldQuantity int
	NewQuantity int
	Item        model.LineItem // the row after the change
}

// Mutation reasons carried on Change.Reason.
const (
	ReasonAdd     = "add"
	ReasonUpdate  = "update"
	ReasonRemove  = "remove"
	ReasonOptions = "options"
	ReasonAssign  = "assign"
	ReasonClear   = "clear"
	ReasonRestore = "restore"
)

// IsEmpty returns true if no rows changed.
func (c *Change) IsEmpty() bool {
	return len(c.Added) == 0 && len(c.Removed) == 0 && len(c.Updated) == 0
}

// Diff computes the delta between current and desired rows.
// Matching is by LineID. Output slices follow cart order: Added and Updated
// in desired order, Removed in current order.
func Diff(current, desired []model.LineItem) Change {
	var c Change

	currentByID := make(map[string]model.LineItem, len(current))
	for _, item := range current {
		currentByID[item.LineID] = item
	}

	inDesired := make(map[string]bool, len(desired))
	for _, item := range desired {
		inDesired[item.LineID] = true
		old, exists := currentByID[item.LineID]
		if !exists {
			c.Added = append(c.Added, item)
			continue
		}
		if !sameRow(old, item) {
			c.Updated = append(c.Updated, ItemUpdate{
				LineID:      item.LineID,
				OldQuantity: old.Quantity,
				NewQuantity: item.Quantity,
				Item:        item,
			})
		}
	}

	for _, item := range current {
		if !inDesired[item.LineID] {
			c.Removed = append(c.Removed, item)
		}
	}

	return c
}

func sameRow(a, b model.LineItem) bool {
	return a.Product == b.Product &&
		a.Color == b.Color &&
		a.Size == b.Size &&
		a.Quantity == b.Quantity &&
		a.UnitPrice.Equal(b.UnitPrice) &&
		a.ResolvedVariantID == b.ResolvedVariantID &&
		a.ImageURL == b.ImageURL
}
