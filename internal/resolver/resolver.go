// Package resolver turns loosely identified cart rows into canonical platform
// variant identifiers.
//
// Tiers are tried in a fixed order and the first success wins:
//
//  1. explicit:  the row already carries a canonical id (plain or base64)
//  2. cache:     a previous resolution of the same normalized selection
//  3. composite: the first purely numeric '-' or '_' segment of the product id
//  4. numeric:   the product id is itself numeric
//  5. lookup:    platform query by handle, then by title, matched on color/size
//
// Successful resolutions from tiers 3 to 5 are cached for the life of the
// Resolver. The cache is a hint only; the platform stays authoritative.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"storefront-cart/internal/model"
	"storefront-cart/internal/variantid"
	"storefront-cart/internal/variantkey"
)

// Tier names reported in resolutions and ResolutionError.Tiers.
const (
	TierExplicit  = "explicit"
	TierCache     = "cache"
	TierComposite = "composite"
	TierNumeric   = "numeric"
	TierLookup    = "lookup"
)

// DefaultConcurrency bounds concurrent per-item resolutions in ResolveAll.
const DefaultConcurrency = 4

// Finder queries the platform catalog.
// ProductByHandle returns model.ErrNotFound when no product has the handle.
type Finder interface {
	ProductByHandle(ctx context.Context, handle string) (*model.Product, error)
	SearchProducts(ctx context.Context, title string) ([]model.Product, error)
}

// Resolution is a successfully resolved row.
type Resolution struct {
	Item      model.LineItem
	VariantID string
	Tier      string
}

// Partition splits a cart into resolved and unresolved rows, each in cart order.
type Partition struct {
	Resolved   []Resolution
	Unresolved []*model.ResolutionError
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Resolver) { r.logger = l }
}

// WithConcurrency bounds concurrent resolutions in ResolveAll.
func WithConcurrency(n int) Option {
	return func(r *Resolver) {
		if n > 0 {
			r.concurrency = n
		}
	}
}

// Resolver is the Identifier Resolver. Safe for concurrent use.
type Resolver struct {
	finder      Finder // nil disables the lookup tier
	logger      *slog.Logger
	concurrency int

	mu    sync.RWMutex
	cache map[string]string

	lookups singleflight.Group
}

// New creates a Resolver. finder may be nil.
func New(finder Finder, opts ...Option) *Resolver {
	r := &Resolver{
		finder:      finder,
		logger:      slog.Default(),
		concurrency: DefaultConcurrency,
		cache:       make(map[string]string),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve runs the tiers for one row.
func (r *Resolver) Resolve(ctx context.Context, item model.LineItem) (Resolution, error) {
	var tried []string
	attempt := func(tier string) { tried = append(tried, tier) }
	ok := func(tier, id string) (Resolution, error) {
		if tier != TierExplicit && tier != TierCache {
			r.remember(item, id)
		}
		r.logger.Debug("variant resolved", "line_id", item.LineID, "tier", tier, "variant_id", id)
		return Resolution{Item: item, VariantID: id, Tier: tier}, nil
	}

	// 1. explicit
	attempt(TierExplicit)
	if id, found := variantid.Normalize(item.ResolvedVariantID); found {
		return ok(TierExplicit, id)
	}
	if id, found := variantid.Normalize(item.Product.ID); found {
		return ok(TierExplicit, id)
	}

	// 2. cache
	attempt(TierCache)
	if id, found := r.cached(item); found {
		return ok(TierCache, id)
	}

	ref := strings.TrimSpace(item.Product.ID)

	// 3. composite
	attempt(TierComposite)
	if isComposite(ref) {
		if n, found := variantid.FirstNumericSegment(ref); found {
			return ok(TierComposite, variantid.FromNumeric(n))
		}
	}

	// 4. numeric
	attempt(TierNumeric)
	if variantid.IsNumeric(ref) {
		return ok(TierNumeric, variantid.FromNumeric(ref))
	}

	// 5. lookup
	var cause error
	if r.finder != nil {
		attempt(TierLookup)
		id, err := r.lookup(ctx, item)
		if err == nil {
			return ok(TierLookup, id)
		}
		cause = err
	}

	return Resolution{}, &model.ResolutionError{
		LineID:  item.LineID,
		Product: item.Product,
		Tiers:   tried,
		Cause:   cause,
	}
}

// ResolveAll resolves every row concurrently and waits for all of them.
// Failures never cancel other rows.
func (r *Resolver) ResolveAll(ctx context.Context, items []model.LineItem) Partition {
	type result struct {
		res Resolution
		err error
	}
	results := make([]result, len(items))

	var g errgroup.Group
	g.SetLimit(r.concurrency)
	for i, item := range items {
		g.Go(func() error {
			res, err := r.Resolve(ctx, item)
			results[i] = result{res: res, err: err}
			return nil
		})
	}
	_ = g.Wait()

	var p Partition
	for i, res := range results {
		if res.err == nil {
			p.Resolved = append(p.Resolved, res.res)
			continue
		}
		var resErr *model.ResolutionError
		if !errors.As(res.err, &resErr) {
			resErr = &model.ResolutionError{LineID: items[i].LineID, Product: items[i].Product, Cause: res.err}
		}
		p.Unresolved = append(p.Unresolved, resErr)
	}
	return p
}

// Learn caches every variant of product under its normalized keys, so rows
// that refer to it by handle or title resolve without another lookup.
func (r *Resolver) Learn(product model.Product) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, v := range product.Variants {
		id, ok := variantid.Normalize(v.ID)
		if !ok {
			continue
		}
		color, size := optionValues(v)
		if product.Handle != "" {
			r.cache[variantkey.Key(model.ProductRef{ID: product.Handle}, color, size)] = id
		}
		if product.Title != "" {
			r.cache[variantkey.TitleKey(product.Title, color, size)] = id
		}
	}
}

// CacheLen returns the number of cached keys.
func (r *Resolver) CacheLen() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.cache)
}

func (r *Resolver) cached(item model.LineItem) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, key := range cacheKeys(item) {
		if id, ok := r.cache[key]; ok {
			return id, true
		}
	}
	return "", false
}

func (r *Resolver) remember(item model.LineItem, id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, key := range cacheKeys(item) {
		r.cache[key] = id
	}
}

func cacheKeys(item model.LineItem) []string {
	keys := []string{variantkey.Key(item.Product, item.Color, item.Size)}
	if item.Product.Title != "" {
		keys = append(keys, variantkey.TitleKey(item.Product.Title, item.Color, item.Size))
	}
	return keys
}

// lookup queries the platform. Concurrent lookups of the same product share
// one request; the variant is matched per row afterwards.
func (r *Resolver) lookup(ctx context.Context, item model.LineItem) (string, error) {
	handle := variantkey.Normalize(item.Product.ID)
	title := strings.TrimSpace(item.Product.Title)
	if handle == "" && title == "" {
		return "", fmt.Errorf("no handle or title to look up")
	}

	v, err, _ := r.lookups.Do(handle+"|"+variantkey.Normalize(title), func() (any, error) {
		return r.fetchCandidates(ctx, handle, title)
	})
	if err != nil {
		return "", err
	}

	for _, p := range v.([]model.Product) {
		r.Learn(p)
		if variant, ok := MatchVariant(p, item.Color, item.Size); ok {
			if id, ok := variantid.Normalize(variant.ID); ok {
				return id, nil
			}
		}
	}
	return "", fmt.Errorf("no variant matches color %q size %q", item.Color, item.Size)
}

func (r *Resolver) fetchCandidates(ctx context.Context, handle, title string) ([]model.Product, error) {
	if handle != "" {
		p, err := r.finder.ProductByHandle(ctx, handle)
		switch {
		case err == nil && p != nil:
			return []model.Product{*p}, nil
		case err != nil && !errors.Is(err, model.ErrNotFound):
			return nil, fmt.Errorf("lookup by handle %q: %w", handle, err)
		}
	}
	if title == "" {
		return nil, fmt.Errorf("no product with handle %q", handle)
	}

	products, err := r.finder.SearchProducts(ctx, title)
	if err != nil {
		return nil, fmt.Errorf("search %q: %w", title, err)
	}

	// Exact title matches first; the search is fuzzy.
	want := variantkey.Normalize(title)
	var exact, rest []model.Product
	for _, p := range products {
		if variantkey.Normalize(p.Title) == want {
			exact = append(exact, p)
		} else {
			rest = append(rest, p)
		}
	}
	if len(exact) > 0 {
		return exact, nil
	}
	if len(rest) == 0 {
		return nil, fmt.Errorf("no product titled %q", title)
	}
	return rest, nil
}

// MatchVariant picks the variant of p matching color and size.
//   - A single-variant product matches unless the variant declares a color
//     or size that differs from a requested one.
//   - Without requested options the first available variant wins.
//   - Otherwise every requested option must equal the variant's value after
//     normalization; available variants are preferred.
func MatchVariant(p model.Product, color, size string) (model.Variant, bool) {
	if len(p.Variants) == 0 {
		return model.Variant{}, false
	}
	wantColor, wantSize := variantkey.Option(color), variantkey.Option(size)

	if len(p.Variants) == 1 {
		v := p.Variants[0]
		vColor, vSize := optionValues(v)
		if conflicts(wantColor, vColor) || conflicts(wantSize, vSize) {
			return model.Variant{}, false
		}
		return v, true
	}

	var fallback *model.Variant
	for i, v := range p.Variants {
		vColor, vSize := optionValues(v)
		if wantColor != "" && wantColor != vColor {
			continue
		}
		if wantSize != "" && wantSize != vSize {
			continue
		}
		if v.Available {
			return v, true
		}
		if fallback == nil {
			fallback = &p.Variants[i]
		}
	}
	if fallback != nil {
		return *fallback, true
	}
	return model.Variant{}, false
}

// conflicts reports whether a requested and a declared option are both set
// and differ.
func conflicts(want, have string) bool {
	return want != "" && have != "" && want != have
}

// optionValues extracts normalized color and size values from a variant.
// Variants without options fall back to a "Color / Size" title.
func optionValues(v model.Variant) (color, size string) {
	for name, value := range v.Options {
		switch variantkey.Normalize(name) {
		case "color", "colour":
			color = variantkey.Option(value)
		case "size":
			size = variantkey.Option(value)
		}
	}
	if len(v.Options) == 0 && v.Title != "" {
		parts := strings.Split(v.Title, " / ")
		if len(parts) >= 1 {
			color = variantkey.Option(parts[0])
		}
		if len(parts) >= 2 {
			size = variantkey.Option(parts[1])
		}
	}
	return color, size
}

// isComposite reports whether ref has more than one '-' or '_' separated segment.
func isComposite(ref string) bool {
	return strings.ContainsAny(ref, "-_") && len(strings.FieldsFunc(ref, func(c rune) bool { return c == '-' || c == '_' })) > 1
}
