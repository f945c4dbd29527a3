package checkout

import (
	"fmt"
	"net/url"
	"strings"

	"storefront-cart/internal/model"
)

// ValidateRedirect checks that raw points at the checkout platform.
//
// A URL whose host is platformDomain or matches an allowed entry is returned
// as is (upgraded to https if needed). Any other http(s) or relative URL has
// its scheme and host replaced with https://platformDomain, keeping path,
// query and fragment. Allowed entries are exact hosts or "*.suffix" patterns.
//
// corrected reports whether the URL was rewritten. Empty, unparsable or
// non-web URLs fail with model.ErrInvalidRedirect.
func ValidateRedirect(raw, platformDomain string, allowed []string) (validated string, corrected bool, err error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", false, fmt.Errorf("%w: empty checkout url", model.ErrInvalidRedirect)
	}

	u, err := url.Parse(raw)
	if err != nil {
		return "", false, fmt.Errorf("%w: %v", model.ErrInvalidRedirect, err)
	}
	if u.Opaque != "" || (u.Scheme != "" && u.Scheme != "https" && u.Scheme != "http") {
		return "", false, fmt.Errorf("%w: unsupported url %q", model.ErrInvalidRedirect, raw)
	}

	platformDomain = strings.ToLower(strings.TrimSpace(platformDomain))
	host := strings.ToLower(u.Hostname())

	if host != "" && (host == platformDomain || MatchDomain(host, allowed)) {
		if u.Scheme == "https" {
			return u.String(), false, nil
		}
		u.Scheme = "https"
		return u.String(), true, nil
	}

	if platformDomain == "" {
		return "", false, fmt.Errorf("%w: %q is not a checkout domain and no platform domain is configured", model.ErrInvalidRedirect, host)
	}

	u.Scheme = "https"
	u.Host = platformDomain
	u.User = nil
	return u.String(), true, nil
}

// MatchDomain reports whether host equals one of domains or matches a
// "*.suffix" entry. Comparison ignores case.
func MatchDomain(host string, domains []string) bool {
	host = strings.ToLower(strings.TrimSpace(host))
	if host == "" {
		return false
	}
	for _, a := range domains {
		a = strings.ToLower(strings.TrimSpace(a))
		if suffix, ok := strings.CutPrefix(a, "*."); ok {
			if strings.HasSuffix(host, "."+suffix) {
				return true
			}
			continue
		}
		if a != "" && host == a {
			return true
		}
	}
	return false
}
