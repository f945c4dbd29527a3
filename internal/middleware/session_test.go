package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
)

func sessionHandler(seen *string) http.Handler {
	return Session("sf_session")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*seen = SessionID(r.Context())
	}))
}

func TestSession_IssuesCookie(t *testing.T) {
	var seen string
	w := httptest.NewRecorder()
	sessionHandler(&seen).ServeHTTP(w, httptest.NewRequest("GET", "/cart", nil))

	if _, err := uuid.Parse(seen); err != nil {
		t.Fatalf("session id %q is not a UUID", seen)
	}

	cookies := w.Result().Cookies()
	if len(cookies) != 1 {
		t.Fatalf("got %d cookies, want 1", len(cookies))
	}
	c := cookies[0]
	if c.Name != "sf_session" || c.Value != seen {
		t.Errorf("cookie = %s=%s, want sf_session=%s", c.Name, c.Value, seen)
	}
	if !c.HttpOnly {
		t.Error("cookie should be HttpOnly")
	}
	if c.SameSite != http.SameSiteLaxMode {
		t.Errorf("SameSite = %v, want Lax", c.SameSite)
	}
}

func TestSession_ReusesCookie(t *testing.T) {
	id := uuid.NewString()
	req := httptest.NewRequest("GET", "/cart", nil)
	req.AddCookie(&http.Cookie{Name: "sf_session", Value: id})

	var seen string
	w := httptest.NewRecorder()
	sessionHandler(&seen).ServeHTTP(w, req)

	if seen != id {
		t.Errorf("session id = %q, want %q", seen, id)
	}
	if len(w.Result().Cookies()) != 0 {
		t.Error("existing session should not be reissued")
	}
}

func TestSession_HeaderTakesPrecedence(t *testing.T) {
	fromHeader := uuid.NewString()
	req := httptest.NewRequest("GET", "/cart", nil)
	req.Header.Set(SessionHeader, fromHeader)
	req.AddCookie(&http.Cookie{Name: "sf_session", Value: uuid.NewString()})

	var seen string
	sessionHandler(&seen).ServeHTTP(httptest.NewRecorder(), req)

	if seen != fromHeader {
		t.Errorf("session id = %q, want header value %q", seen, fromHeader)
	}
}

func TestSession_InvalidValuesReplaced(t *testing.T) {
	tests := []struct {
		name   string
		header string
		cookie string
	}{
		{"garbage cookie", "", "not-a-uuid"},
		{"garbage header", "../../etc", ""},
		{"empty cookie", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/cart", nil)
			if tt.header != "" {
				req.Header.Set(SessionHeader, tt.header)
			}
			if tt.cookie != "" {
				req.AddCookie(&http.Cookie{Name: "sf_session", Value: tt.cookie})
			}

			var seen string
			w := httptest.NewRecorder()
			sessionHandler(&seen).ServeHTTP(w, req)

			if _, err := uuid.Parse(seen); err != nil {
				t.Errorf("session id %q is not a UUID", seen)
			}
			if len(w.Result().Cookies()) != 1 {
				t.Error("a fresh session cookie should be issued")
			}
		})
	}
}
