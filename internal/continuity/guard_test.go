package continuity

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storefront-cart/internal/cart"
	"storefront-cart/internal/clock"
	"storefront-cart/internal/model"
	"storefront-cart/internal/storage"
)

var start = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

var testConfig = Config{
	CheckoutDomains: []string{"xyz.myshopify.com", "*.shopify.com"},
	SnapshotTTL:     30 * time.Minute,
	GraceDelay:      2 * time.Second,
}

type fixture struct {
	kv    *storage.Memory
	clock *clock.Manual
	cart  *cart.Store
	guard *Guard
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	kv := storage.NewMemory()
	clk := clock.NewManual(start)
	store, err := cart.New(context.Background(), kv, cart.WithClock(clk), cart.WithLogger(logger))
	require.NoError(t, err)
	return &fixture{
		kv:    kv,
		clock: clk,
		cart:  store,
		guard: New(store, kv, testConfig, clk, logger),
	}
}

func (f *fixture) add(t *testing.T, title string, qty int) {
	t.Helper()
	_, err := f.cart.AddItem(context.Background(), model.Selection{
		Product:   model.ProductRef{Title: title},
		Quantity:  qty,
		UnitPrice: decimal.NewFromInt(25),
	})
	require.NoError(t, err)
}

// leaveForCheckout snapshots the cart and simulates the storefront losing
// its cart state while the shopper is on the checkout domain.
func (f *fixture) leaveForCheckout(t *testing.T) []model.LineItem {
	t.Helper()
	items := f.cart.Items()
	require.NoError(t, f.guard.Backup(context.Background(), items))
	require.NoError(t, f.kv.Remove(context.Background(), cart.ItemsKey))
	store, err := cart.New(context.Background(), f.kv, cart.WithClock(f.clock))
	require.NoError(t, err)
	require.Zero(t, store.Len())
	f.cart = store
	f.guard.cart = store
	return items
}

func (f *fixture) has(key string) bool {
	_, err := f.kv.Get(context.Background(), key)
	return err == nil
}

func TestBackup_EmptyCartIsNoop(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.guard.Backup(context.Background(), nil))
	assert.Equal(t, Idle, f.guard.State())
	assert.False(t, f.has(SnapshotKey))
	assert.False(t, f.has(MarkerKey))
}

func TestBackup_WritesSnapshotAndMarker(t *testing.T) {
	f := newFixture(t)
	f.add(t, "Tee", 2)

	require.NoError(t, f.guard.Backup(context.Background(), f.cart.Items()))
	assert.Equal(t, AwaitingReturn, f.guard.State())

	raw, err := f.kv.Get(context.Background(), SnapshotKey)
	require.NoError(t, err)
	var snap model.CartSnapshot
	require.NoError(t, json.Unmarshal([]byte(raw), &snap))
	assert.Equal(t, SchemaVersion, snap.Version)
	assert.True(t, snap.TakenAt.Equal(start))
	require.Len(t, snap.Items, 1)
	assert.Equal(t, 2, snap.Items[0].Quantity)
	assert.True(t, f.has(MarkerKey))
}

// Back button after checkout on a storefront that lost its cart: the cart is
// restored, then the snapshot is cleared once the grace delay passes.
func TestBackNavigation_RestoresEmptyCart(t *testing.T) {
	f := newFixture(t)
	f.add(t, "Tee", 2)
	f.add(t, "Cap", 1)
	before := f.leaveForCheckout(t)

	f.clock.Advance(5 * time.Minute)
	out := f.guard.OnPopState(context.Background())

	assert.True(t, out.Restored)
	assert.Equal(t, ReasonRestored, out.Reason)
	assert.Equal(t, 2, out.Items)
	assert.Equal(t, Restoring, out.State)
	assert.Equal(t, before, f.cart.Items())

	// Inside the grace window further triggers do nothing.
	again := f.guard.OnVisible(context.Background())
	assert.False(t, again.Restored)
	assert.Equal(t, ReasonGraceWindow, again.Reason)

	f.clock.Advance(2 * time.Second)
	assert.Equal(t, Idle, f.guard.State())
	assert.False(t, f.has(SnapshotKey))
	assert.False(t, f.has(MarkerKey))
	assert.Equal(t, before, f.cart.Items(), "restored cart is kept")
}

func TestTrigger_NeverOverwritesNonEmptyCart(t *testing.T) {
	f := newFixture(t)
	f.add(t, "Tee", 2)
	require.NoError(t, f.guard.Backup(context.Background(), f.cart.Items()))

	_, err := f.cart.UpdateQuantity(context.Background(), f.cart.Items()[0].LineID, 5)
	require.NoError(t, err)

	out := f.guard.OnPopState(context.Background())
	assert.False(t, out.Restored)
	assert.Equal(t, ReasonCartNotEmpty, out.Reason)
	assert.Equal(t, AwaitingReturn, out.State)
	assert.Equal(t, 5, f.cart.Items()[0].Quantity)
	assert.True(t, f.has(SnapshotKey), "snapshot kept while awaiting return")
}

func TestTrigger_ExpiredSnapshot(t *testing.T) {
	f := newFixture(t)
	f.add(t, "Tee", 1)
	f.leaveForCheckout(t)

	f.clock.Advance(31 * time.Minute)
	out := f.guard.OnVisible(context.Background())

	assert.False(t, out.Restored)
	assert.Equal(t, ReasonSnapshotExpired, out.Reason)
	assert.ErrorIs(t, out.Err, model.ErrSnapshotExpired)
	assert.Equal(t, Idle, out.State)
	assert.Zero(t, f.cart.Len())
	assert.False(t, f.has(SnapshotKey))
	assert.False(t, f.has(MarkerKey))
}

func TestTrigger_ExactlyAtTTLStillRestores(t *testing.T) {
	f := newFixture(t)
	f.add(t, "Tee", 1)
	f.leaveForCheckout(t)

	f.clock.Advance(30 * time.Minute)
	out := f.guard.OnVisible(context.Background())
	assert.True(t, out.Restored)
}

func TestTrigger_IdleIsNoop(t *testing.T) {
	f := newFixture(t)
	out := f.guard.OnPopState(context.Background())
	assert.Equal(t, ReasonNotAwaiting, out.Reason)
	assert.Equal(t, Idle, out.State)
}

func TestTrigger_MissingSnapshotReturnsToIdle(t *testing.T) {
	f := newFixture(t)
	f.add(t, "Tee", 1)
	f.leaveForCheckout(t)
	require.NoError(t, f.kv.Remove(context.Background(), SnapshotKey))

	out := f.guard.OnPopState(context.Background())
	assert.Equal(t, ReasonSnapshotMissing, out.Reason)
	assert.NoError(t, out.Err)
	assert.Equal(t, Idle, out.State)
	assert.False(t, f.has(MarkerKey))
}

func TestTrigger_IncompatibleSnapshotDiscarded(t *testing.T) {
	f := newFixture(t)
	f.add(t, "Tee", 1)
	f.leaveForCheckout(t)
	require.NoError(t, f.kv.Set(context.Background(), SnapshotKey,
		`{"version":"v2.0.0","items":[{"line_id":"x","product":{"title":"Tee"},"quantity":1}],"taken_at":"2025-03-01T12:00:00Z"}`))

	out := f.guard.OnPopState(context.Background())
	assert.False(t, out.Restored)
	assert.Equal(t, ReasonSnapshotMissing, out.Reason)
	assert.Error(t, out.Err)
	assert.Equal(t, Idle, out.State)
}

func TestOnPageLoad_Referrer(t *testing.T) {
	tests := []struct {
		name     string
		referrer string
		want     string
	}{
		{"platform domain", "https://xyz.myshopify.com/checkouts/cn/abc", ReasonRestored},
		{"wildcard domain", "https://checkout.shopify.com/c/1", ReasonRestored},
		{"storefront itself", "https://storefront.example/products/tee", ReasonForeignReferrer},
		{"no referrer", "", ReasonForeignReferrer},
		{"lookalike", "https://xyz.myshopify.com.evil.example/", ReasonForeignReferrer},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.add(t, "Tee", 1)
			f.leaveForCheckout(t)

			out := f.guard.OnPageLoad(context.Background(), tt.referrer)
			assert.Equal(t, tt.want, out.Reason)
			assert.Equal(t, TriggerPageLoad, out.Trigger)
		})
	}
}

func TestOnPageLoad_OrderCompletedClearsCart(t *testing.T) {
	f := newFixture(t)
	f.add(t, "Tee", 1)
	require.NoError(t, f.guard.Backup(context.Background(), f.cart.Items()))

	out := f.guard.OnPageLoad(context.Background(), "https://xyz.myshopify.com/12345/orders/abcdef")
	assert.Equal(t, ReasonOrderCompleted, out.Reason)
	assert.NoError(t, out.Err)
	assert.Equal(t, Idle, f.guard.State())
	assert.Zero(t, f.cart.Len())
	assert.False(t, f.has(SnapshotKey))
	assert.False(t, f.has(MarkerKey))

	// The clear is persisted with its reason, so a reload stays empty.
	reloaded, err := cart.New(context.Background(), f.kv)
	require.NoError(t, err)
	assert.Zero(t, reloaded.Len())
}

func TestOnPageLoad_OrderStatusPaths(t *testing.T) {
	tests := []struct {
		name     string
		referrer string
		want     string
	}{
		{"thank you", "https://xyz.myshopify.com/checkouts/c/1/thank_you", ReasonOrderCompleted},
		{"thank you under shop id", "https://xyz.myshopify.com/12345/checkouts/abc/thank_you", ReasonOrderCompleted},
		{"order status", "https://xyz.myshopify.com/12345/orders/abcdef", ReasonOrderCompleted},
		{"account orders", "https://xyz.myshopify.com/account/orders/1001", ReasonCartNotEmpty},
		{"orders without token", "https://xyz.myshopify.com/12345/orders/", ReasonCartNotEmpty},
		{"thank you outside checkout", "https://xyz.myshopify.com/pages/thank_you", ReasonCartNotEmpty},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.add(t, "Hoodie", 1)
			require.NoError(t, f.guard.Backup(context.Background(), f.cart.Items()))

			out := f.guard.OnPageLoad(context.Background(), tt.referrer)
			assert.Equal(t, tt.want, out.Reason)
			if tt.want == ReasonOrderCompleted {
				assert.Zero(t, f.cart.Len())
			} else {
				assert.Equal(t, 1, f.cart.Len())
			}
		})
	}
}

func TestOnPageLoad_StorefrontAccountPageKeepsCart(t *testing.T) {
	f := newFixture(t)
	f.add(t, "Hoodie", 1)
	require.NoError(t, f.guard.Backup(context.Background(), f.cart.Items()))

	out := f.guard.OnPageLoad(context.Background(), "https://storefront-domain.example/account/orders/1001")
	assert.Equal(t, ReasonForeignReferrer, out.Reason)
	assert.Equal(t, AwaitingReturn, out.State)
	assert.Equal(t, 1, f.cart.Len())
	assert.True(t, f.has(SnapshotKey))
}

func TestOnPageLoad_ThankYouWhileIdleIsIgnored(t *testing.T) {
	f := newFixture(t)
	f.add(t, "Tee", 1)

	out := f.guard.OnPageLoad(context.Background(), "https://xyz.myshopify.com/checkouts/c/1/thank_you")
	assert.Equal(t, ReasonNotAwaiting, out.Reason)
	assert.Equal(t, 1, f.cart.Len())
}

func TestResume(t *testing.T) {
	f := newFixture(t)
	f.add(t, "Tee", 1)
	f.leaveForCheckout(t)

	// A fresh guard over the same storage, as after a process restart.
	g := New(f.cart, f.kv, testConfig, f.clock, nil)
	assert.Equal(t, Idle, g.State())
	require.NoError(t, g.Resume(context.Background()))
	assert.Equal(t, AwaitingReturn, g.State())

	out := g.OnPopState(context.Background())
	assert.True(t, out.Restored)
}

func TestResume_ExpiredMarkerDiscarded(t *testing.T) {
	f := newFixture(t)
	f.add(t, "Tee", 1)
	f.leaveForCheckout(t)
	f.clock.Advance(time.Hour)

	g := New(f.cart, f.kv, testConfig, f.clock, nil)
	require.NoError(t, g.Resume(context.Background()))
	assert.Equal(t, Idle, g.State())
	assert.False(t, f.has(SnapshotKey))
	assert.False(t, f.has(MarkerKey))
}

func TestResume_NoMarker(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.guard.Resume(context.Background()))
	assert.Equal(t, Idle, f.guard.State())
}

func TestDisarm(t *testing.T) {
	f := newFixture(t)
	f.add(t, "Tee", 1)
	f.leaveForCheckout(t)

	f.guard.Disarm(context.Background())
	assert.Equal(t, Idle, f.guard.State())
	assert.False(t, f.has(SnapshotKey))

	out := f.guard.OnPopState(context.Background())
	assert.False(t, out.Restored)
	assert.Zero(t, f.cart.Len())
}

func TestDisarm_CancelsGraceTimer(t *testing.T) {
	f := newFixture(t)
	f.add(t, "Tee", 1)
	f.leaveForCheckout(t)

	require.True(t, f.guard.OnPopState(context.Background()).Restored)
	require.Equal(t, 1, f.clock.Pending())

	f.guard.Disarm(context.Background())
	assert.Zero(t, f.clock.Pending())
	assert.Equal(t, Idle, f.guard.State())
}

func TestDispatch(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, TriggerPopState, f.guard.Dispatch(context.Background(), TriggerPopState, "").Trigger)
	assert.Equal(t, ReasonForeignReferrer, f.guard.Dispatch(context.Background(), TriggerPageLoad, "").Reason)
	assert.Equal(t, ReasonNotAwaiting, f.guard.Dispatch(context.Background(), "resize", "").Reason)
}

func TestState_MarshalText(t *testing.T) {
	b, err := json.Marshal(struct {
		S State `json:"s"`
	}{AwaitingReturn})
	require.NoError(t, err)
	assert.JSONEq(t, `{"s":"awaiting_return"}`, string(b))
}
