package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"

	"storefront-cart/internal/checkout"
	"storefront-cart/internal/clock"
	"storefront-cart/internal/continuity"
	"storefront-cart/internal/middleware"
	"storefront-cart/internal/model"
	"storefront-cart/internal/navigation"
	"storefront-cart/internal/resolver"
	"storefront-cart/internal/session"
	"storefront-cart/internal/storage"
)

// mockPlatform implements checkout.Platform for testing.
type mockPlatform struct {
	CreateCheckoutFunc func(ctx context.Context, lines []model.CheckoutLine) (*model.CheckoutSession, error)
}

func (m *mockPlatform) CreateCheckout(ctx context.Context, lines []model.CheckoutLine) (*model.CheckoutSession, error) {
	if m.CreateCheckoutFunc != nil {
		return m.CreateCheckoutFunc(ctx, lines)
	}
	return &model.CheckoutSession{ID: "gid://shopify/Cart/1", URL: "https://xyz.myshopify.com/cart/c/1?key=k"}, nil
}

type testServer struct {
	handler  *Handler
	http     http.Handler
	clock    *clock.Manual
	sessions *session.Manager
}

func newTestServer(platform *mockPlatform, configure ...func(*session.Config)) *testServer {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	clk := clock.NewManual(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC))
	if platform == nil {
		platform = &mockPlatform{}
	}
	cfg := session.Config{
		Continuity: continuity.Config{CheckoutDomains: []string{"xyz.myshopify.com"}},
		Checkout:   checkout.Config{PlatformDomain: "xyz.myshopify.com"},
	}
	for _, fn := range configure {
		fn(&cfg)
	}
	sessions := session.NewManager(
		storage.NewMemory(),
		resolver.New(nil, resolver.WithLogger(logger)),
		platform,
		cfg,
		clk,
		logger,
	)

	h := New(sessions, logger)
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)
	chain := middleware.Chain(
		middleware.Session(middleware.DefaultSessionCookie),
		navigation.Middleware(h.DispatchNavigation, logger),
	)
	return &testServer{handler: h, http: chain(mux), clock: clk, sessions: sessions}
}

func (ts *testServer) do(t *testing.T, method, path, sessionID string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		r = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if sessionID != "" {
		req.Header.Set(middleware.SessionHeader, sessionID)
	}
	w := httptest.NewRecorder()
	ts.http.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %T: %v\nBody: %s", v, err, w.Body.String())
	}
	return v
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	return decode[errorResponse](t, w).Error.Code
}

func hoodie() addItemRequest {
	return addItemRequest{ProductID: "hoodie-42", Title: "Hoodie", Color: "Black", Size: "M", UnitPrice: "$50.00"}
}

func TestHandleHealth(t *testing.T) {
	ts := newTestServer(nil)

	for _, path := range []string{"/health", "/healthz"} {
		w := ts.do(t, "GET", path, "", nil)
		if w.Code != http.StatusOK {
			t.Errorf("%s Status = %d, want %d", path, w.Code, http.StatusOK)
		}
		if resp := decode[healthResponse](t, w); resp.Status != "ok" {
			t.Errorf("Status = %s, want ok", resp.Status)
		}
	}
}

func TestHandleGetCart_NewSession(t *testing.T) {
	ts := newTestServer(nil)

	w := ts.do(t, "GET", "/cart", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Status = %d, want 200\nBody: %s", w.Code, w.Body.String())
	}
	view := decode[cartView](t, w)
	if _, err := uuid.Parse(view.SessionID); err != nil {
		t.Errorf("session_id %q is not a UUID", view.SessionID)
	}
	if len(view.Items) != 0 || view.Subtotal != "0.00" || view.Continuity != "idle" {
		t.Errorf("unexpected empty cart view: %+v", view)
	}
	if len(w.Result().Cookies()) != 1 {
		t.Error("new session should receive a cookie")
	}
}

func TestHandleAddItem(t *testing.T) {
	ts := newTestServer(nil)
	sid := uuid.NewString()

	w := ts.do(t, "POST", "/cart/items", sid, hoodie())
	if w.Code != http.StatusCreated {
		t.Fatalf("Status = %d, want 201\nBody: %s", w.Code, w.Body.String())
	}
	resp := decode[addItemResponse](t, w)
	if resp.Merged || resp.Item.Quantity != 1 || resp.Item.UnitPrice != "50.00" {
		t.Errorf("unexpected add response: %+v", resp)
	}
	if resp.Cart.Count != 1 || resp.Cart.Subtotal != "50.00" {
		t.Errorf("cart = %+v", resp.Cart)
	}
}

func TestHandleAddItem_DuplicatePolicy(t *testing.T) {
	ts := newTestServer(nil)
	sid := uuid.NewString()

	if w := ts.do(t, "POST", "/cart/items", sid, hoodie()); w.Code != http.StatusCreated {
		t.Fatalf("first add Status = %d", w.Code)
	}

	// Inside the debounce window.
	w := ts.do(t, "POST", "/cart/items", sid, hoodie())
	if w.Code != http.StatusTooManyRequests || errorCode(t, w) != "DEBOUNCED" {
		t.Errorf("debounced add: Status = %d, Body = %s", w.Code, w.Body.String())
	}

	ts.clock.Advance(5 * time.Second)
	w = ts.do(t, "POST", "/cart/items", sid, hoodie())
	if w.Code != http.StatusConflict || errorCode(t, w) != "ALREADY_IN_CART" {
		t.Errorf("duplicate add: Status = %d, Body = %s", w.Code, w.Body.String())
	}

	ts.clock.Advance(5 * time.Second)
	merge := hoodie()
	yes := true
	merge.Merge = &yes
	merge.Quantity = 2
	w = ts.do(t, "POST", "/cart/items", sid, merge)
	if w.Code != http.StatusOK {
		t.Fatalf("merge add: Status = %d, Body = %s", w.Code, w.Body.String())
	}
	resp := decode[addItemResponse](t, w)
	if !resp.Merged || resp.Item.Quantity != 3 || resp.Cart.Subtotal != "150.00" {
		t.Errorf("merge response = %+v", resp)
	}
	if len(resp.Cart.Items) != 1 {
		t.Errorf("rows = %d, want 1", len(resp.Cart.Items))
	}
}

func TestAddItemMergeFalseOverridesServerDefault(t *testing.T) {
	ts := newTestServer(nil, func(c *session.Config) { c.MergeDuplicates = true })
	sid := uuid.NewString()

	if w := ts.do(t, "POST", "/cart/items", sid, hoodie()); w.Code != http.StatusCreated {
		t.Fatalf("first add: Status = %d, Body = %s", w.Code, w.Body.String())
	}

	ts.clock.Advance(5 * time.Second)
	strict := hoodie()
	no := false
	strict.Merge = &no
	w := ts.do(t, "POST", "/cart/items", sid, strict)
	if w.Code != http.StatusConflict || errorCode(t, w) != "ALREADY_IN_CART" {
		t.Errorf("merge=false add: Status = %d, Body = %s", w.Code, w.Body.String())
	}

	// Without the flag the server default applies.
	ts.clock.Advance(5 * time.Second)
	w = ts.do(t, "POST", "/cart/items", sid, hoodie())
	if w.Code != http.StatusOK {
		t.Fatalf("default add: Status = %d, Body = %s", w.Code, w.Body.String())
	}
	if resp := decode[addItemResponse](t, w); !resp.Merged || resp.Item.Quantity != 2 {
		t.Errorf("default add response = %+v", resp)
	}
}

func TestHandleAddItem_InvalidInput(t *testing.T) {
	tests := []struct {
		name string
		body any
	}{
		{"no product", addItemRequest{UnitPrice: "10"}},
		{"bad price", addItemRequest{Title: "Tee", UnitPrice: "ten"}},
		{"negative quantity", addItemRequest{Title: "Tee", Quantity: -1}},
		{"not json", "{"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(nil)
			w := ts.do(t, "POST", "/cart/items", uuid.NewString(), tt.body)
			if w.Code != http.StatusBadRequest {
				t.Errorf("Status = %d, want 400\nBody: %s", w.Code, w.Body.String())
			}
			if code := errorCode(t, w); code != "INPUT_ERROR" {
				t.Errorf("Code = %s, want INPUT_ERROR", code)
			}
		})
	}
}

func TestHandleUpdateItem(t *testing.T) {
	ts := newTestServer(nil)
	sid := uuid.NewString()
	line := decode[addItemResponse](t, ts.do(t, "POST", "/cart/items", sid, hoodie())).Item.LineID

	qty := 4
	w := ts.do(t, "PATCH", "/cart/items/"+line, sid, updateItemRequest{Quantity: &qty})
	if w.Code != http.StatusOK {
		t.Fatalf("Status = %d\nBody: %s", w.Code, w.Body.String())
	}
	if view := decode[cartView](t, w); view.Items[0].Quantity != 4 || view.Subtotal != "200.00" {
		t.Errorf("view = %+v", view)
	}

	size := "L"
	w = ts.do(t, "PATCH", "/cart/items/"+line, sid, updateItemRequest{Size: &size})
	if view := decode[cartView](t, w); view.Items[0].Size != "L" || view.Items[0].Color != "Black" {
		t.Errorf("options not applied: %+v", view.Items[0])
	}

	w = ts.do(t, "PATCH", "/cart/items/unknown", sid, updateItemRequest{Quantity: &qty})
	if w.Code != http.StatusNotFound {
		t.Errorf("unknown line Status = %d, want 404", w.Code)
	}

	w = ts.do(t, "PATCH", "/cart/items/"+line, sid, map[string]any{})
	if w.Code != http.StatusBadRequest {
		t.Errorf("empty patch Status = %d, want 400", w.Code)
	}

	zero := 0
	w = ts.do(t, "PATCH", "/cart/items/"+line, sid, updateItemRequest{Quantity: &zero})
	if view := decode[cartView](t, w); len(view.Items) != 0 {
		t.Errorf("quantity 0 should remove the row: %+v", view)
	}
}

func TestHandleRemoveItem(t *testing.T) {
	ts := newTestServer(nil)
	sid := uuid.NewString()
	line := decode[addItemResponse](t, ts.do(t, "POST", "/cart/items", sid, hoodie())).Item.LineID

	for range 2 { // second delete is a no-op
		w := ts.do(t, "DELETE", "/cart/items/"+line, sid, nil)
		if w.Code != http.StatusOK {
			t.Fatalf("Status = %d\nBody: %s", w.Code, w.Body.String())
		}
		if view := decode[cartView](t, w); len(view.Items) != 0 {
			t.Errorf("items = %d, want 0", len(view.Items))
		}
	}
}

func TestHandleClearCart(t *testing.T) {
	ts := newTestServer(nil)
	sid := uuid.NewString()
	ts.do(t, "POST", "/cart/items", sid, hoodie())

	w := ts.do(t, "POST", "/cart/clear", sid, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Status = %d\nBody: %s", w.Code, w.Body.String())
	}
	if view := decode[cartView](t, w); view.Count != 0 {
		t.Errorf("count = %d, want 0", view.Count)
	}

	w = ts.do(t, "POST", "/cart/clear", sid, clearRequest{Reason: "because"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("unknown reason Status = %d, want 400", w.Code)
	}
}

func TestHandleBeginCheckout_JSON(t *testing.T) {
	ts := newTestServer(nil)
	sid := uuid.NewString()
	ts.do(t, "POST", "/cart/items", sid, hoodie())
	ts.do(t, "POST", "/cart/items", sid, addItemRequest{Title: "Mystery Item", UnitPrice: "5"})

	w := ts.do(t, "POST", "/checkout", sid, nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("Status = %d\nBody: %s", w.Code, w.Body.String())
	}
	view := decode[checkoutView](t, w)
	if view.RedirectURL != "https://xyz.myshopify.com/cart/c/1?key=k" {
		t.Errorf("redirect_url = %s", view.RedirectURL)
	}
	if len(view.Submitted) != 1 || view.Submitted[0].VariantID != "gid://shopify/ProductVariant/42" {
		t.Errorf("submitted = %+v", view.Submitted)
	}
	if len(view.Unresolved) != 1 || view.Unresolved[0].Title != "Mystery Item" {
		t.Errorf("unresolved = %+v", view.Unresolved)
	}
}

func TestHandleBeginCheckout_Redirect(t *testing.T) {
	ts := newTestServer(nil)
	sid := uuid.NewString()
	ts.do(t, "POST", "/cart/items", sid, hoodie())

	req := httptest.NewRequest("POST", "/checkout", nil)
	req.Header.Set(middleware.SessionHeader, sid)
	w := httptest.NewRecorder()
	ts.http.ServeHTTP(w, req)

	if w.Code != http.StatusSeeOther {
		t.Fatalf("Status = %d, want 303", w.Code)
	}
	if loc := w.Header().Get("Location"); loc != "https://xyz.myshopify.com/cart/c/1?key=k" {
		t.Errorf("Location = %s", loc)
	}
}

func TestHandleBeginCheckout_Errors(t *testing.T) {
	tests := []struct {
		name       string
		items      []addItemRequest
		platform   *mockPlatform
		wantStatus int
		wantCode   string
	}{
		{
			name:       "empty cart",
			wantStatus: http.StatusUnprocessableEntity,
			wantCode:   "NOTHING_TO_CHECKOUT",
		},
		{
			name:       "nothing resolvable",
			items:      []addItemRequest{{Title: "Mystery Item"}},
			wantStatus: http.StatusUnprocessableEntity,
			wantCode:   "NOTHING_TO_CHECKOUT",
		},
		{
			name:  "platform failure",
			items: []addItemRequest{hoodie()},
			platform: &mockPlatform{
				CreateCheckoutFunc: func(context.Context, []model.CheckoutLine) (*model.CheckoutSession, error) {
					return nil, errors.New("connection reset")
				},
			},
			wantStatus: http.StatusBadGateway,
			wantCode:   "PLATFORM_ERROR",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(tt.platform)
			sid := uuid.NewString()
			for _, item := range tt.items {
				ts.do(t, "POST", "/cart/items", sid, item)
			}

			w := ts.do(t, "POST", "/checkout", sid, nil)
			if w.Code != tt.wantStatus {
				t.Errorf("Status = %d, want %d", w.Code, tt.wantStatus)
			}
			if code := errorCode(t, w); code != tt.wantCode {
				t.Errorf("Code = %s, want %s", code, tt.wantCode)
			}

			// The cart survives every failure.
			view := decode[cartView](t, ts.do(t, "GET", "/cart", sid, nil))
			if len(view.Items) != len(tt.items) {
				t.Errorf("items after failure = %d, want %d", len(view.Items), len(tt.items))
			}
		})
	}
}

// Back navigation from checkout, signalled by header, restores a cart the
// storefront lost while the shopper was away.
func TestNavigationHeader_RestoresCart(t *testing.T) {
	ts := newTestServer(nil)
	sid := uuid.NewString()
	ts.do(t, "POST", "/cart/items", sid, hoodie())
	if w := ts.do(t, "POST", "/checkout", sid, nil); w.Code != http.StatusCreated {
		t.Fatalf("checkout Status = %d", w.Code)
	}

	// The storefront loses its cart rows while the shopper is away.
	s, err := ts.sessions.Get(context.Background(), sid)
	if err != nil {
		t.Fatal(err)
	}
	line := s.Cart.Items()[0].LineID
	if _, err := s.Cart.RemoveItem(context.Background(), line); err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest("GET", "/cart", nil)
	req.Header.Set(middleware.SessionHeader, sid)
	req.Header.Set(navigation.HeaderName, "event=popstate")
	w := httptest.NewRecorder()
	ts.http.ServeHTTP(w, req)

	view := decode[cartView](t, w)
	if !view.Restored || len(view.Items) != 1 || view.Items[0].LineID != line {
		t.Errorf("cart not restored: %+v", view)
	}
	if got := w.Header().Get(navigation.OutcomeHeaderName); got != "state=restoring, restored, reason=restored" {
		t.Errorf("%s = %q", navigation.OutcomeHeaderName, got)
	}
}

func TestHandleNavigation(t *testing.T) {
	ts := newTestServer(nil)
	sid := uuid.NewString()

	w := ts.do(t, "POST", "/navigation", sid, navigationRequest{Event: continuity.TriggerVisible})
	if w.Code != http.StatusOK {
		t.Fatalf("Status = %d\nBody: %s", w.Code, w.Body.String())
	}
	var resp struct {
		State    string `json:"state"`
		Restored bool   `json:"restored"`
		Reason   string `json:"reason"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.State != "idle" || resp.Restored || resp.Reason != continuity.ReasonNotAwaiting {
		t.Errorf("resp = %+v", resp)
	}

	w = ts.do(t, "POST", "/navigation", sid, navigationRequest{Event: "scroll"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("unknown event Status = %d, want 400", w.Code)
	}
}

func TestErrorResponses(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"not found", model.NewNotFoundError("line item"), http.StatusNotFound, "NOT_FOUND"},
		{"input error", model.NewInputError("quantity", "must be at least 1"), http.StatusBadRequest, "INPUT_ERROR"},
		{"debounced", model.NewDebouncedError("k"), http.StatusTooManyRequests, "DEBOUNCED"},
		{"already in cart", model.NewAlreadyInCartError("l1"), http.StatusConflict, "ALREADY_IN_CART"},
		{"platform", model.NewPlatformError("checkout", errors.New("boom")), http.StatusBadGateway, "PLATFORM_ERROR"},
		{"in progress", model.NewCheckoutInProgressError(), http.StatusConflict, "CHECKOUT_IN_PROGRESS"},
		{"wrapped", errors.Join(errors.New("ctx"), model.NewNotFoundError("x")), http.StatusNotFound, "NOT_FOUND"},
		{"plain error", errors.New("disk full"), http.StatusInternalServerError, "INTERNAL_ERROR"},
	}

	h := newTestServer(nil).handler
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			h.writeError(w, tt.err)

			if w.Code != tt.wantStatus {
				t.Errorf("Status = %d, want %d", w.Code, tt.wantStatus)
			}
			if code := errorCode(t, w); code != tt.wantCode {
				t.Errorf("Code = %s, want %s", code, tt.wantCode)
			}
		})
	}
}
