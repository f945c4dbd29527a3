// Package checkout turns the current cart into a platform checkout and
// produces the URL the browser is redirected to.
package checkout

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"

	"storefront-cart/internal/model"
	"storefront-cart/internal/resolver"
)

// Cart is the subset of the Cart Store the initiator uses.
type Cart interface {
	Items() []model.LineItem
	AssignVariants(ctx context.Context, ids map[string]string) error
}

// Resolver resolves every row of a cart.
type Resolver interface {
	ResolveAll(ctx context.Context, items []model.LineItem) resolver.Partition
}

// Platform creates checkouts on the commerce platform.
type Platform interface {
	CreateCheckout(ctx context.Context, lines []model.CheckoutLine) (*model.CheckoutSession, error)
}

// Snapshotter backs up the cart before the browser leaves for checkout.
type Snapshotter interface {
	Backup(ctx context.Context, items []model.LineItem) error
}

// Config holds the redirect hardening settings.
type Config struct {
	PlatformDomain string   // substituted into foreign checkout URLs
	AllowedDomains []string // additional checkout hosts, "*.suffix" allowed
}

// Result describes a created checkout.
type Result struct {
	CheckoutID  string                   `json:"checkout_id"`
	RedirectURL string                   `json:"redirect_url"`
	Corrected   bool                     `json:"corrected"`
	Submitted   []model.CheckoutLine     `json:"submitted"`
	Unresolved  []*model.ResolutionError `json:"-"`
}

// Initiator is the Checkout Session Initiator.
type Initiator struct {
	cart        Cart
	resolver    Resolver
	platform    Platform
	snapshotter Snapshotter
	cfg         Config
	logger      *slog.Logger

	inFlight atomic.Bool
}

// New creates an Initiator. snapshotter may be nil.
func New(cart Cart, res Resolver, platform Platform, snapshotter Snapshotter, cfg Config, logger *slog.Logger) *Initiator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Initiator{
		cart:        cart,
		resolver:    res,
		platform:    platform,
		snapshotter: snapshotter,
		cfg:         cfg,
		logger:      logger,
	}
}

// InFlight reports whether a Begin call is running.
func (in *Initiator) InFlight() bool {
	return in.inFlight.Load()
}

// Begin creates a checkout for the resolvable rows of the cart.
//
// The cart is snapshotted before anything else. Rows that fail resolution
// are reported in Result.Unresolved and left out of the submission. The cart
// is never modified on failure; on success the resolved identifiers are
// recorded on their rows. A second call while one is running fails with
// model.ErrCheckoutInProgress.
func (in *Initiator) Begin(ctx context.Context) (*Result, error) {
	if !in.inFlight.CompareAndSwap(false, true) {
		return nil, model.NewCheckoutInProgressError()
	}
	defer in.inFlight.Store(false)

	items := in.cart.Items()

	if in.snapshotter != nil {
		if err := in.snapshotter.Backup(ctx, items); err != nil {
			in.logger.Error("cart snapshot failed", "error", err, "items", len(items))
		}
	}

	if len(items) == 0 {
		return nil, model.NewNothingToCheckoutError(0)
	}

	partition := in.resolver.ResolveAll(ctx, items)
	for _, u := range partition.Unresolved {
		in.logger.Warn("line item unresolved, excluded from checkout",
			"line_id", u.LineID,
			"product", u.Product.String(),
			"tiers", u.Tiers,
			"error", u.Cause,
		)
	}
	if len(partition.Resolved) == 0 {
		return nil, model.NewNothingToCheckoutError(len(partition.Unresolved))
	}

	lines := mergeLines(partition.Resolved)
	session, err := in.platform.CreateCheckout(ctx, lines)
	if err != nil {
		if !errors.Is(err, model.ErrPlatform) {
			err = model.NewPlatformError("checkout", err)
		}
		in.logger.Error("checkout creation failed", "error", err, "lines", len(lines))
		return nil, err
	}

	redirect, corrected, err := ValidateRedirect(session.URL, in.cfg.PlatformDomain, in.cfg.AllowedDomains)
	if err != nil {
		in.logger.Error("checkout url rejected", "url", session.URL, "error", err)
		return nil, model.NewPlatformError("checkout", err)
	}
	if corrected {
		in.logger.Warn("checkout url corrected", "from", session.URL, "to", redirect)
	}

	ids := make(map[string]string, len(partition.Resolved))
	for _, r := range partition.Resolved {
		ids[r.Item.LineID] = r.VariantID
	}
	if err := in.cart.AssignVariants(ctx, ids); err != nil {
		// The checkout already exists; a conflicting id only means the row
		// changed under us and will be resolved again next time.
		in.logger.Warn("recording resolved variants failed", "error", err)
	}

	in.logger.Info("checkout started",
		"checkout_id", session.ID,
		"submitted", len(lines),
		"unresolved", len(partition.Unresolved),
	)

	return &Result{
		CheckoutID:  session.ID,
		RedirectURL: redirect,
		Corrected:   corrected,
		Submitted:   lines,
		Unresolved:  partition.Unresolved,
	}, nil
}

// mergeLines sums quantities of rows that resolved to the same variant,
// keeping first-seen order.
func mergeLines(resolved []resolver.Resolution) []model.CheckoutLine {
	index := make(map[string]int, len(resolved))
	lines := make([]model.CheckoutLine, 0, len(resolved))
	for _, r := range resolved {
		if i, ok := index[r.VariantID]; ok {
			lines[i].Quantity += r.Item.Quantity
			continue
		}
		index[r.VariantID] = len(lines)
		lines = append(lines, model.CheckoutLine{VariantID: r.VariantID, Quantity: r.Item.Quantity})
	}
	return lines
}
