// Package variantkey derives deterministic keys for a (product, color, size)
// selection. The same logical variant yields the same key regardless of how
// the storefront capitalizes, spaces, punctuates or accents the strings.
package variantkey

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"storefront-cart/internal/model"
)

// sep joins key parts. Normalize never emits it, so parts cannot bleed together.
const sep = "|"

// noOption lists option values that mean "no choice was made".
var noOption = map[string]bool{
	"":              true,
	"default":       true,
	"default-title": true,
	"one-size":      true,
	"onesize":       true,
	"os":            true,
	"n-a":           true,
	"none":          true,
}

// Key returns the key for a product reference plus color and size.
// The product part prefers the reference ID and falls back to the title.
func Key(ref model.ProductRef, color, size string) string {
	product := Normalize(ref.ID)
	if product == "" {
		product = Normalize(ref.Title)
	}
	return product + sep + Option(color) + sep + Option(size)
}

// TitleKey keys a selection by title alone. The resolver uses it so a variant
// learned from a platform response is found again for an item that only
// carries a title.
func TitleKey(title, color, size string) string {
	return "t:" + Normalize(title) + sep + Option(color) + sep + Option(size)
}

// Option normalizes a color or size value, folding the "no choice" spellings to "".
func Option(v string) string {
	n := Normalize(v)
	if noOption[n] {
		return ""
	}
	return n
}

// Normalize lower-cases s, folds compatibility forms and accents
// ("Ｂｌａｃｋ", "Crème") to plain letters, and collapses every run of
// non-alphanumeric characters into a single '-'.
func Normalize(s string) string {
	folded, _, err := transform.String(foldChain(), s)
	if err != nil {
		folded = s
	}

	var b strings.Builder
	b.Grow(len(folded))
	pendingDash := false
	for _, r := range strings.ToLower(folded) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			if pendingDash && b.Len() > 0 {
				b.WriteByte('-')
			}
			pendingDash = false
			b.WriteRune(r)
			continue
		}
		pendingDash = true
	}
	return b.String()
}

// foldChain builds a fresh transformer per call; transform.Chain is stateful.
func foldChain() transform.Transformer {
	return transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
}
