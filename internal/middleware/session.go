package middleware

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

// DefaultSessionCookie is the cookie carrying the session id.
const DefaultSessionCookie = "sf_session"

// SessionHeader lets non-browser clients (the CLI, MCP hosts) name their
// session explicitly. It takes precedence over the cookie.
const SessionHeader = "X-Session-ID"

type sessionKey struct{}

// Session returns middleware that attaches a session id to every request.
// The id comes from the SessionHeader or the session cookie; when neither
// holds a valid UUID a new one is issued in an HttpOnly, SameSite=Lax cookie.
func Session(cookieName string) func(http.Handler) http.Handler {
	if cookieName == "" {
		cookieName = DefaultSessionCookie
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get(SessionHeader)
			if !validID(id) {
				id = ""
				if c, err := r.Cookie(cookieName); err == nil && validID(c.Value) {
					id = c.Value
				}
			}
			if id == "" {
				id = uuid.NewString()
				http.SetCookie(w, &http.Cookie{
					Name:     cookieName,
					Value:    id,
					Path:     "/",
					HttpOnly: true,
					Secure:   r.TLS != nil,
					SameSite: http.SameSiteLaxMode,
				})
			}
			next.ServeHTTP(w, r.WithContext(WithSessionID(r.Context(), id)))
		})
	}
}

// WithSessionID returns ctx carrying id.
func WithSessionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, sessionKey{}, id)
}

// SessionID returns the session id stored by Session, or "".
func SessionID(ctx context.Context) string {
	id, _ := ctx.Value(sessionKey{}).(string)
	return id
}

func validID(id string) bool {
	if id == "" {
		return false
	}
	_, err := uuid.Parse(id)
	return err == nil
}
