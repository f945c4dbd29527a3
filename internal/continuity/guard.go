// Package continuity keeps a cart from appearing lost after the browser goes
// to the external checkout domain and comes back.
//
// Before checkout the cart is snapshotted and a marker is written. When the
// shopper returns (back button, tab regains focus, or a page load referred by
// the checkout domain) and the cart is empty, the snapshot is restored. A
// non-empty cart is never overwritten.
//
//	Idle ──Backup──▶ AwaitingReturn ──trigger, empty cart, valid snapshot──▶ Restoring
//	  ▲                   │                                                     │
//	  └──expired/absent───┘◀──────────────── grace delay elapsed ───────────────┘
package continuity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/mod/semver"

	"storefront-cart/internal/checkout"
	"storefront-cart/internal/clock"
	"storefront-cart/internal/model"
	"storefront-cart/internal/storage"
)

// Storage keys owned by the guard.
const (
	SnapshotKey = "checkout.snapshot"
	MarkerKey   = "checkout.marker"
)

// SchemaVersion is written into snapshots. Other major versions are discarded.
const SchemaVersion = "v1.0.0"

// Defaults used when Config leaves a duration at zero.
const (
	DefaultSnapshotTTL = 30 * time.Minute
	DefaultGraceDelay  = 2 * time.Second
)

// State is the guard's position in the return-from-checkout state machine.
type State int

const (
	Idle State = iota
	AwaitingReturn
	Restoring
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case AwaitingReturn:
		return "awaiting_return"
	case Restoring:
		return "restoring"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// MarshalText renders the state name in JSON.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Trigger is a navigation event that may indicate a return from checkout.
type Trigger string

const (
	TriggerPopState Trigger = "popstate"
	TriggerVisible  Trigger = "visible"
	TriggerPageLoad Trigger = "load"
)

// Reasons reported in Outcome.Reason.
const (
	ReasonRestored        = "restored"
	ReasonNotAwaiting     = "not_awaiting"
	ReasonGraceWindow     = "grace_window"
	ReasonCartNotEmpty    = "cart_not_empty"
	ReasonSnapshotMissing = "snapshot_missing"
	ReasonSnapshotExpired = "snapshot_expired"
	ReasonForeignReferrer = "foreign_referrer"
	ReasonOrderCompleted  = "order_completed"
)

// Outcome describes what a trigger did.
type Outcome struct {
	Trigger  Trigger `json:"trigger"`
	State    State   `json:"state"`
	Restored bool    `json:"restored"`
	Items    int     `json:"items,omitempty"`
	Reason   string  `json:"reason"`
	// Err is model.ErrSnapshotExpired for an expired snapshot, or the
	// failure of a restore or clear. Never surfaced to shoppers.
	Err error `json:"-"`
}

// Cart is the subset of the Cart Store the guard uses.
type Cart interface {
	Len() int
	RestoreIfEmpty(ctx context.Context, items []model.LineItem) (bool, error)
	Clear(ctx context.Context, reason model.ClearReason) error
}

// Config configures a Guard.
type Config struct {
	CheckoutDomains []string // hosts whose referrer means "returned from checkout"
	SnapshotTTL     time.Duration
	GraceDelay      time.Duration
}

type marker struct {
	InitiatedAt time.Time `json:"initiated_at"`
}

// Guard is the Continuity Guard. Safe for concurrent use.
type Guard struct {
	cart   Cart
	kv     storage.KV
	cfg    Config
	clock  clock.Clock
	logger *slog.Logger

	mu    sync.Mutex
	state State
	grace clock.Timer
}

// New creates a Guard in the Idle state. Call Resume to pick up a checkout
// started before a restart.
func New(cart Cart, kv storage.KV, cfg Config, clk clock.Clock, logger *slog.Logger) *Guard {
	if cfg.SnapshotTTL <= 0 {
		cfg.SnapshotTTL = DefaultSnapshotTTL
	}
	if cfg.GraceDelay <= 0 {
		cfg.GraceDelay = DefaultGraceDelay
	}
	if clk == nil {
		clk = clock.System()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Guard{cart: cart, kv: kv, cfg: cfg, clock: clk, logger: logger}
}

// State returns the current state.
func (g *Guard) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// Backup stores items as the pre-checkout snapshot and arms the guard.
// An empty cart has nothing to protect and leaves the guard unchanged.
func (g *Guard) Backup(ctx context.Context, items []model.LineItem) error {
	if len(items) == 0 {
		return nil
	}

	now := g.clock.Now().UTC()
	snap, err := json.Marshal(model.CartSnapshot{
		Version: SchemaVersion,
		Items:   model.CloneItems(items),
		TakenAt: now,
	})
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	mark, err := json.Marshal(marker{InitiatedAt: now})
	if err != nil {
		return fmt.Errorf("encode marker: %w", err)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	// Snapshot before marker: a marker never points at a missing snapshot
	// written by this call.
	if err := g.kv.Set(ctx, SnapshotKey, string(snap)); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := g.kv.Set(ctx, MarkerKey, string(mark)); err != nil {
		return fmt.Errorf("write marker: %w", err)
	}

	g.stopGrace()
	g.state = AwaitingReturn
	g.logger.Debug("checkout snapshot stored", "items", len(items))
	return nil
}

// OnPopState handles browser history navigation.
func (g *Guard) OnPopState(ctx context.Context) Outcome {
	return g.trigger(ctx, TriggerPopState)
}

// OnVisible handles the tab becoming visible again.
func (g *Guard) OnVisible(ctx context.Context) Outcome {
	return g.trigger(ctx, TriggerVisible)
}

// OnPageLoad handles a full page load. Only loads referred by a checkout
// domain count as a return. A referrer on a thank-you or order status page
// confirms the order: the cart is cleared and the snapshot discarded.
func (g *Guard) OnPageLoad(ctx context.Context, referrer string) Outcome {
	u, err := url.Parse(strings.TrimSpace(referrer))
	if err != nil || !checkout.MatchDomain(u.Hostname(), g.cfg.CheckoutDomains) {
		return Outcome{Trigger: TriggerPageLoad, State: g.State(), Reason: ReasonForeignReferrer}
	}
	if isOrderStatusPath(u.Path) {
		return g.completeOrder(ctx)
	}
	return g.trigger(ctx, TriggerPageLoad)
}

// Dispatch routes a trigger by name. Unknown triggers are ignored.
func (g *Guard) Dispatch(ctx context.Context, t Trigger, referrer string) Outcome {
	switch t {
	case TriggerPopState:
		return g.OnPopState(ctx)
	case TriggerVisible:
		return g.OnVisible(ctx)
	case TriggerPageLoad:
		return g.OnPageLoad(ctx, referrer)
	default:
		return Outcome{Trigger: t, State: g.State(), Reason: ReasonNotAwaiting}
	}
}

func (g *Guard) trigger(ctx context.Context, t Trigger) (out Outcome) {
	snap, out, ok := g.prepareRestore(ctx, t)
	if !ok {
		return out
	}

	// The guard lock is released while the cart is written: cart listeners
	// may call Disarm.
	restored, err := g.cart.RestoreIfEmpty(ctx, snap.Items)

	g.mu.Lock()
	defer g.mu.Unlock()
	defer func() { out.State = g.state }()

	switch {
	case err != nil:
		if g.state == Restoring {
			g.state = AwaitingReturn
		}
		out.Reason, out.Err = ReasonSnapshotMissing, err
		g.logger.Warn("cart restore failed", "trigger", string(t), "error", err)
		return out
	case !restored:
		if g.state == Restoring {
			g.state = AwaitingReturn
		}
		out.Reason = ReasonCartNotEmpty
		return out
	}

	if g.state == Restoring {
		g.grace = g.clock.AfterFunc(g.cfg.GraceDelay, g.finishRestore)
	}
	out.Restored = true
	out.Items = len(snap.Items)
	out.Reason = ReasonRestored
	g.logger.Info("cart restored from checkout snapshot", "trigger", string(t), "items", len(snap.Items))
	return out
}

// prepareRestore decides under the guard lock whether t should restore the
// snapshot and, if so, moves to Restoring so concurrent triggers back off.
func (g *Guard) prepareRestore(ctx context.Context, t Trigger) (snap *model.CartSnapshot, out Outcome, ok bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	out.Trigger = t
	defer func() { out.State = g.state }()

	switch g.state {
	case Idle:
		out.Reason = ReasonNotAwaiting
		return nil, out, false
	case Restoring:
		out.Reason = ReasonGraceWindow
		return nil, out, false
	}

	if g.cart.Len() > 0 {
		// Stay armed: the shopper may still empty the cart by navigating.
		out.Reason = ReasonCartNotEmpty
		return nil, out, false
	}

	snap, err := g.loadSnapshot(ctx)
	switch {
	case errors.Is(err, model.ErrSnapshotExpired):
		g.discard(ctx)
		g.state = Idle
		out.Reason, out.Err = ReasonSnapshotExpired, err
		g.logger.Info("checkout snapshot expired, not restoring", "trigger", string(t))
		return nil, out, false
	case err != nil:
		g.discard(ctx)
		g.state = Idle
		out.Reason = ReasonSnapshotMissing
		if !errors.Is(err, storage.ErrNotFound) {
			out.Err = err
		}
		return nil, out, false
	}

	g.state = Restoring
	return snap, out, true
}

// finishRestore runs when the grace delay after a restore elapses.
func (g *Guard) finishRestore() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state != Restoring {
		return
	}
	g.grace = nil
	g.discard(context.Background())
	g.state = Idle
}

func (g *Guard) completeOrder(ctx context.Context) Outcome {
	g.mu.Lock()
	if g.state == Idle {
		g.mu.Unlock()
		return Outcome{Trigger: TriggerPageLoad, State: Idle, Reason: ReasonNotAwaiting}
	}
	g.stopGrace()
	g.state = Idle
	g.mu.Unlock()

	// Clear without holding the lock: cart listeners may call Disarm.
	out := Outcome{Trigger: TriggerPageLoad, State: Idle, Reason: ReasonOrderCompleted}
	if err := g.cart.Clear(ctx, model.ClearOrderCompleted); err != nil {
		out.Err = err
		g.logger.Warn("clearing cart after completed order failed", "error", err)
	}

	g.mu.Lock()
	g.discard(ctx)
	g.mu.Unlock()

	g.logger.Info("order completed, cart cleared")
	return out
}

// Disarm abandons any pending restore and deletes the snapshot and marker.
// Used when the shopper clears the cart on purpose.
func (g *Guard) Disarm(ctx context.Context) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state == Idle {
		return
	}
	g.stopGrace()
	g.discard(ctx)
	g.state = Idle
}

// Resume re-arms the guard from a persisted marker, for sessions rebuilt
// after a restart or eviction. A marker older than the snapshot TTL is
// discarded together with its snapshot.
func (g *Guard) Resume(ctx context.Context) error {
	raw, err := g.kv.Get(ctx, MarkerKey)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read marker: %w", err)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	var m marker
	if err := json.Unmarshal([]byte(raw), &m); err != nil || g.expired(m.InitiatedAt) {
		g.discard(ctx)
		g.state = Idle
		return nil
	}
	if g.state == Idle {
		g.state = AwaitingReturn
	}
	return nil
}

func (g *Guard) loadSnapshot(ctx context.Context) (*model.CartSnapshot, error) {
	raw, err := g.kv.Get(ctx, SnapshotKey)
	if err != nil {
		return nil, err
	}
	var snap model.CartSnapshot
	if err := json.Unmarshal([]byte(raw), &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	if !semver.IsValid(snap.Version) || semver.Major(snap.Version) != semver.Major(SchemaVersion) {
		return nil, fmt.Errorf("snapshot schema %q unsupported", snap.Version)
	}
	if g.expired(snap.TakenAt) {
		return nil, model.ErrSnapshotExpired
	}
	if len(snap.Items) == 0 {
		return nil, storage.ErrNotFound
	}
	return &snap, nil
}

func (g *Guard) expired(at time.Time) bool {
	return (&model.CartSnapshot{TakenAt: at}).Expired(g.clock.Now(), g.cfg.SnapshotTTL)
}

// discard removes snapshot and marker. Caller holds g.mu.
func (g *Guard) discard(ctx context.Context) {
	for _, key := range []string{MarkerKey, SnapshotKey} {
		if err := g.kv.Remove(ctx, key); err != nil {
			g.logger.Warn("removing checkout key failed", "key", key, "error", err)
		}
	}
}

// stopGrace cancels a pending grace timer. Caller holds g.mu.
func (g *Guard) stopGrace() {
	if g.grace != nil {
		g.grace.Stop()
		g.grace = nil
	}
}

// isOrderStatusPath matches Shopify checkout confirmation pages:
// /checkouts/<token>/thank_you (optionally under /<shop-id> or /c/), and
// the order status page /<shop-id>/orders/<token>. Storefront account pages
// such as /account/orders/<n> do not match.
func isOrderStatusPath(p string) bool {
	segs := strings.Split(strings.Trim(strings.ToLower(p), "/"), "/")
	if len(segs) >= 3 && isShopID(segs[0]) && segs[1] == "orders" && segs[2] != "" {
		return true
	}

	last := segs[len(segs)-1]
	if last != "thank_you" && last != "thank-you" {
		return false
	}
	start := 0
	if isShopID(segs[0]) {
		start = 1
	}
	return len(segs) >= start+3 && segs[start] == "checkouts"
}

func isShopID(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
