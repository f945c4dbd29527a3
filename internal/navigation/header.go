// Package navigation carries browser navigation events to the Continuity
// Guard through the Storefront-Navigation structured header (RFC 8941
// Dictionary).
package navigation

import (
	"errors"
	"fmt"
	"strings"

	"github.com/dunglas/httpsfv"

	"storefront-cart/internal/continuity"
)

// Header names.
const (
	HeaderName        = "Storefront-Navigation"
	OutcomeHeaderName = "Storefront-Continuity"
)

// Event is one navigation signal reported by the storefront page.
type Event struct {
	Trigger  continuity.Trigger
	Referrer string
}

// Parse reads a Storefront-Navigation header value.
//
// Examples:
//   - event=popstate
//   - event="visible"
//   - event=load, referrer="https://xyz.myshopify.com/checkouts/cn/abc"
//
// Unknown dictionary members are ignored. The event must be one of popstate,
// visible or load.
func Parse(header string) (Event, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return Event{}, errors.New("empty navigation header")
	}

	dict, err := httpsfv.UnmarshalDictionary([]string{header})
	if err != nil {
		return Event{}, fmt.Errorf("invalid navigation header: %w", err)
	}

	member, ok := dict.Get("event")
	if !ok {
		return Event{}, errors.New("event key not found in navigation header")
	}
	name, err := stringish(member)
	if err != nil {
		return Event{}, fmt.Errorf("event: %w", err)
	}

	ev := Event{Trigger: continuity.Trigger(strings.ToLower(name))}
	switch ev.Trigger {
	case continuity.TriggerPopState, continuity.TriggerVisible, continuity.TriggerPageLoad:
	default:
		return Event{}, fmt.Errorf("unknown navigation event %q", name)
	}

	if member, ok := dict.Get("referrer"); ok {
		ref, err := stringish(member)
		if err != nil {
			return Event{}, fmt.Errorf("referrer: %w", err)
		}
		ev.Referrer = ref
	}
	return ev, nil
}

// Format renders ev as a header value. The event is written as a token.
func Format(ev Event) (string, error) {
	dict := httpsfv.NewDictionary()
	dict.Add("event", httpsfv.NewItem(httpsfv.Token(ev.Trigger)))
	if ev.Referrer != "" {
		dict.Add("referrer", httpsfv.NewItem(ev.Referrer))
	}
	return httpsfv.Marshal(dict)
}

// FormatOutcome renders a continuity outcome for the Storefront-Continuity
// response header, e.g. `state=restoring, restored, reason=restored`.
func FormatOutcome(out continuity.Outcome) (string, error) {
	dict := httpsfv.NewDictionary()
	dict.Add("state", httpsfv.NewItem(httpsfv.Token(out.State.String())))
	dict.Add("restored", httpsfv.NewItem(out.Restored))
	if out.Reason != "" {
		dict.Add("reason", httpsfv.NewItem(httpsfv.Token(out.Reason)))
	}
	return httpsfv.Marshal(dict)
}

func stringish(m httpsfv.Member) (string, error) {
	item, ok := m.(httpsfv.Item)
	if !ok {
		return "", errors.New("value must be an item")
	}
	switch v := item.Value.(type) {
	case string:
		return v, nil
	case httpsfv.Token:
		return string(v), nil
	default:
		return "", errors.New("value must be a token or string")
	}
}
