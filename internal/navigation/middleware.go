package navigation

import (
	"context"
	"log/slog"
	"net/http"

	"storefront-cart/internal/continuity"
)

type contextKey struct{}

// Dispatcher runs a navigation event against the requesting session's
// Continuity Guard.
type Dispatcher func(r *http.Request, ev Event) (continuity.Outcome, error)

// Middleware runs the continuity trigger named by the Storefront-Navigation
// header before the route handler, so the handler already sees a restored
// cart. The outcome is echoed in the Storefront-Continuity response header
// and stored in the request context.
//
// Requests without the header pass through untouched. A malformed header or
// a dispatch failure is logged and the request continues: navigation hints
// never block cart access.
func Middleware(dispatch Dispatcher, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get(HeaderName)
			if header == "" || isExemptPath(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			ev, err := Parse(header)
			if err != nil {
				logger.Warn("invalid navigation header",
					slog.String("header", header),
					slog.String("error", err.Error()))
				next.ServeHTTP(w, r)
				return
			}

			out, err := dispatch(r, ev)
			if err != nil {
				logger.Error("navigation dispatch failed",
					slog.String("event", string(ev.Trigger)),
					slog.String("error", err.Error()))
				next.ServeHTTP(w, r)
				return
			}

			if v, err := FormatOutcome(out); err == nil {
				w.Header().Set(OutcomeHeaderName, v)
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), contextKey{}, &out)))
		})
	}
}

// OutcomeFromContext returns the outcome recorded by Middleware, or nil when
// the request carried no navigation event.
func OutcomeFromContext(ctx context.Context) *continuity.Outcome {
	out, _ := ctx.Value(contextKey{}).(*continuity.Outcome)
	return out
}

// isExemptPath skips health checks and the explicit navigation endpoint,
// which runs the trigger itself.
func isExemptPath(path string) bool {
	switch path {
	case "/health", "/healthz", "/navigation":
		return true
	default:
		return false
	}
}
