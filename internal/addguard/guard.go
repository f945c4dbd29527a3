// Package addguard filters add-to-cart requests before they reach the Cart
// Store. It suppresses repeated adds of the same variant inside a debounce
// window and, unless merging is enabled, refuses to re-add a variant that is
// already in the cart.
package addguard

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"storefront-cart/internal/clock"
	"storefront-cart/internal/model"
	"storefront-cart/internal/variantkey"
)

// DefaultWindow is the debounce window between accepted adds of one variant.
const DefaultWindow = 3 * time.Second

// Store is the subset of the Cart Store the guard decorates.
type Store interface {
	Find(product model.ProductRef, color, size string) (model.LineItem, bool)
	// AddItem must merge a row with the same triple in one atomic step.
	AddItem(ctx context.Context, sel model.Selection) (model.LineItem, error)
}

// Outcome is the result of an accepted add.
type Outcome struct {
	Item   model.LineItem
	Merged bool // true when an existing row's quantity was increased
}

// Option configures a Guard.
type Option func(*Guard)

// WithWindow sets the debounce window.
func WithWindow(d time.Duration) Option {
	return func(g *Guard) { g.window = d }
}

// WithMerge sets whether adding an item already in the cart increases its
// quantity (true) or is refused with ErrAlreadyInCart (false).
func WithMerge(merge bool) Option {
	return func(g *Guard) { g.merge = merge }
}

// WithClock sets the clock.
func WithClock(c clock.Clock) Option {
	return func(g *Guard) { g.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(g *Guard) { g.logger = l }
}

// Guard is the Duplicate-Add Guard.
type Guard struct {
	store  Store
	window time.Duration
	merge  bool
	clock  clock.Clock
	logger *slog.Logger

	mu      sync.Mutex
	lastAdd map[string]time.Time
}

// New creates a Guard in front of store.
func New(store Store, opts ...Option) *Guard {
	g := &Guard{
		store:   store,
		window:  DefaultWindow,
		clock:   clock.System(),
		logger:  slog.Default(),
		lastAdd: make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Add applies the guard's configured merge policy to sel.
func (g *Guard) Add(ctx context.Context, sel model.Selection) (Outcome, error) {
	return g.add(ctx, sel, g.merge)
}

// AddOrIncrement is Add with merge semantics forced on for this call.
func (g *Guard) AddOrIncrement(ctx context.Context, sel model.Selection) (Outcome, error) {
	return g.add(ctx, sel, true)
}

// AddStrict is Add with merge semantics forced off for this call.
func (g *Guard) AddStrict(ctx context.Context, sel model.Selection) (Outcome, error) {
	return g.add(ctx, sel, false)
}

func (g *Guard) add(ctx context.Context, sel model.Selection, merge bool) (Outcome, error) {
	if err := sel.Validate(); err != nil {
		return Outcome{}, err
	}

	key := variantkey.Key(sel.Product, sel.Color, sel.Size)

	// Check and add must be atomic so two concurrent adds of one key
	// cannot both pass the debounce check.
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.clock.Now()
	g.prune(now)

	if last, ok := g.lastAdd[key]; ok && now.Sub(last) < g.window {
		g.logger.Debug("add debounced", "key", key, "since_last", now.Sub(last))
		return Outcome{}, model.NewDebouncedError(key)
	}

	existing, found := g.store.Find(sel.Product, sel.Color, sel.Size)
	if found && !merge {
		return Outcome{}, model.NewAlreadyInCartError(existing.LineID)
	}

	// The store re-checks the triple under its own lock, so a row edited or
	// removed since Find is merged into or re-created, never lost.
	item, err := g.store.AddItem(ctx, sel)
	if err != nil {
		return Outcome{}, err
	}
	g.lastAdd[key] = now
	return Outcome{Item: item, Merged: found && item.LineID == existing.LineID}, nil
}

// prune drops timestamps that can no longer debounce anything.
func (g *Guard) prune(now time.Time) {
	for k, t := range g.lastAdd {
		if now.Sub(t) >= g.window {
			delete(g.lastAdd, k)
		}
	}
}

// Tracked returns the number of keys currently inside their debounce window.
func (g *Guard) Tracked() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.lastAdd)
}
