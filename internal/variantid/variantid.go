// Package variantid recognizes and synthesizes canonical Shopify variant
// identifiers of the form gid://shopify/ProductVariant/<digits>.
package variantid

import (
	"encoding/base64"
	"strings"
)

// Prefix is the fixed namespace of every canonical variant identifier.
const Prefix = "gid://shopify/ProductVariant/"

// IsCanonical reports whether id is Prefix followed by one or more digits.
func IsCanonical(id string) bool {
	rest, ok := strings.CutPrefix(id, Prefix)
	return ok && isDigits(rest)
}

// FromNumeric synthesizes a canonical identifier. Returns "" unless n is purely numeric.
func FromNumeric(n string) string {
	n = strings.TrimSpace(n)
	if !isDigits(n) {
		return ""
	}
	return Prefix + n
}

// Numeric returns the numeric tail of a canonical identifier.
func Numeric(id string) (string, bool) {
	if !IsCanonical(id) {
		return "", false
	}
	return strings.TrimPrefix(id, Prefix), true
}

// Normalize returns the canonical form of id. Older Storefront API versions
// return base64-encoded gids; those are decoded. ok is false when id is
// neither form.
func Normalize(id string) (string, bool) {
	id = strings.TrimSpace(id)
	if IsCanonical(id) {
		return id, true
	}
	if id == "" {
		return "", false
	}
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.RawStdEncoding, base64.URLEncoding, base64.RawURLEncoding} {
		decoded, err := enc.DecodeString(id)
		if err != nil {
			continue
		}
		if s := string(decoded); IsCanonical(s) {
			return s, true
		}
	}
	return "", false
}

// FirstNumericSegment splits ref on '-' and '_' and returns the first
// segment, scanning left to right, that consists only of digits.
// "hoodie-42-2024" yields "42".
func FirstNumericSegment(ref string) (string, bool) {
	segments := strings.FieldsFunc(ref, func(r rune) bool { return r == '-' || r == '_' })
	for _, seg := range segments {
		if isDigits(seg) {
			return seg, true
		}
	}
	return "", false
}

// IsNumeric reports whether s is one or more ASCII digits.
func IsNumeric(s string) bool { return isDigits(s) }

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
