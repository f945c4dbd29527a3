// Package cart implements the Cart Store: the session's ordered list of line
// items, mirrored to durable storage after every mutation.
//
// Every mutation runs compute, persist, commit, notify in that order and is
// serialized against other mutations on the same Store. If persistence fails
// the in-memory state is left unchanged and the error is returned.
//
// The store never writes an empty item list except through Clear, which must
// carry a reason. Removing the last row deletes the storage key instead.
package cart

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/mod/semver"

	"storefront-cart/internal/clock"
	"storefront-cart/internal/model"
	"storefront-cart/internal/storage"
	"storefront-cart/internal/variantkey"
)

// ItemsKey is the storage key holding the persisted cart.
const ItemsKey = "cart.items"

// SchemaVersion is written into every persisted envelope. Envelopes with a
// different major version are refused on load.
const SchemaVersion = "v1.0.0"

// ErrIncompatibleSchema is returned by New when the persisted cart was
// written by an incompatible schema version.
var ErrIncompatibleSchema = errors.New("incompatible cart schema")

type envelope struct {
	Version       string            `json:"version"`
	Items         []model.LineItem  `json:"items"`
	ClearedReason model.ClearReason `json:"cleared_reason,omitempty"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

// Listener observes committed changes. It runs after the mutation is
// persisted and before the mutating call returns. Listeners may read the
// Store but must not mutate it.
type Listener func(Change)

// Option configures a Store.
type Option func(*Store)

// WithClock sets the clock used for AddedAt and envelope timestamps.
func WithClock(c clock.Clock) Option {
	return func(s *Store) { s.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithIDGenerator overrides line id generation. Used by tests.
func WithIDGenerator(f func() string) Option {
	return func(s *Store) { s.newID = f }
}

// WithListener registers a listener at construction.
func WithListener(l Listener) Option {
	return func(s *Store) { s.listeners = append(s.listeners, l) }
}

// Store is the Cart Store. Safe for concurrent use.
type Store struct {
	opMu sync.Mutex   // serializes mutations end to end
	mu   sync.RWMutex // guards items, revision, listeners

	kv        storage.KV
	items     []model.LineItem
	revision  uint64
	listeners []Listener

	clock  clock.Clock
	newID  func() string
	logger *slog.Logger
}

// New creates a Store over kv and loads any persisted items.
func New(ctx context.Context, kv storage.KV, opts ...Option) (*Store, error) {
	s := &Store{
		kv:     kv,
		clock:  clock.System(),
		newID:  uuid.NewString,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}

	items, err := s.load(ctx)
	if err != nil {
		return nil, err
	}
	s.items = items
	return s, nil
}

func (s *Store) load(ctx context.Context) ([]model.LineItem, error) {
	raw, err := s.kv.Get(ctx, ItemsKey)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load cart: %w", err)
	}

	raw = strings.TrimSpace(raw)
	if strings.HasPrefix(raw, "[") {
		// Bare array written before the envelope existed.
		var items []model.LineItem
		if err := json.Unmarshal([]byte(raw), &items); err != nil {
			return nil, fmt.Errorf("decode legacy cart: %w", err)
		}
		return sanitize(items), nil
	}

	var env envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return nil, fmt.Errorf("decode cart: %w", err)
	}
	if !semver.IsValid(env.Version) || semver.Major(env.Version) != semver.Major(SchemaVersion) {
		return nil, fmt.Errorf("%w: stored %q, supported %s", ErrIncompatibleSchema, env.Version, semver.Major(SchemaVersion))
	}
	return sanitize(env.Items), nil
}

// sanitize drops rows that could never have been written by a valid mutation.
func sanitize(items []model.LineItem) []model.LineItem {
	out := items[:0]
	for _, item := range items {
		if item.LineID == "" || item.Quantity < 1 || item.Product.IsZero() {
			continue
		}
		out = append(out, item)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// Subscribe registers a listener for committed changes.
func (s *Store) Subscribe(l Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, l)
}

// Items returns a copy of the current rows in cart order.
func (s *Store) Items() []model.LineItem {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return model.CloneItems(s.items)
}

// Len returns the number of rows.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

// Count returns the total quantity across all rows.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, item := range s.items {
		n += item.Quantity
	}
	return n
}

// Subtotal sums unit price times quantity across all rows.
func (s *Store) Subtotal() decimal.Decimal {
	s.mu.RLock()
	defer s.mu.RUnlock()
	total := decimal.Zero
	for _, item := range s.items {
		total = total.Add(item.Subtotal())
	}
	return total
}

// Revision increases by one with every committed mutation.
func (s *Store) Revision() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.revision
}

// Get returns the row with lineID.
func (s *Store) Get(lineID string) (model.LineItem, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if i := indexOf(s.items, lineID); i >= 0 {
		return s.items[i], true
	}
	return model.LineItem{}, false
}

// Find returns the row matching the (product, color, size) triple.
func (s *Store) Find(product model.ProductRef, color, size string) (model.LineItem, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if i := indexOfKey(s.items, variantkey.Key(product, color, size)); i >= 0 {
		return s.items[i], true
	}
	return model.LineItem{}, false
}

// AddItem adds sel to the cart. An existing row with the same triple has its
// quantity increased; otherwise a new row is appended with a fresh line id.
func (s *Store) AddItem(ctx context.Context, sel model.Selection) (model.LineItem, error) {
	if err := sel.Validate(); err != nil {
		return model.LineItem{}, err
	}

	var result model.LineItem
	_, err := s.mutate(ctx, ReasonAdd, "", func(items []model.LineItem) ([]model.LineItem, error) {
		if i := indexOfKey(items, variantkey.Key(sel.Product, sel.Color, sel.Size)); i >= 0 {
			items[i].Quantity += sel.Quantity
			result = items[i]
			return items, nil
		}
		result = model.LineItem{
			LineID:    s.newID(),
			Product:   sel.Product,
			Color:     sel.Color,
			Size:      sel.Size,
			Quantity:  sel.Quantity,
			UnitPrice: sel.UnitPrice,
			ImageURL:  sel.ImageURL,
			AddedAt:   s.clock.Now().UTC(),
		}
		return append(items, result), nil
	})
	if err != nil {
		return model.LineItem{}, err
	}
	return result, nil
}

// UpdateQuantity sets the quantity of lineID. Zero removes the row; the
// returned item then carries quantity 0.
func (s *Store) UpdateQuantity(ctx context.Context, lineID string, quantity int) (model.LineItem, error) {
	if quantity < 0 {
		return model.LineItem{}, model.NewInputError("quantity", "must not be negative")
	}

	reason := ReasonUpdate
	if quantity == 0 {
		reason = ReasonRemove
	}

	var result model.LineItem
	_, err := s.mutate(ctx, reason, "", func(items []model.LineItem) ([]model.LineItem, error) {
		i := indexOf(items, lineID)
		if i < 0 {
			return nil, model.NewNotFoundError("line item " + lineID)
		}
		items[i].Quantity = quantity
		result = items[i]
		if quantity == 0 {
			return append(items[:i], items[i+1:]...), nil
		}
		return items, nil
	})
	if err != nil {
		return model.LineItem{}, err
	}
	return result, nil
}

// RemoveItem removes lineID. Removing an absent row is a no-op and reports false.
func (s *Store) RemoveItem(ctx context.Context, lineID string) (bool, error) {
	change, err := s.mutate(ctx, ReasonRemove, "", func(items []model.LineItem) ([]model.LineItem, error) {
		if i := indexOf(items, lineID); i >= 0 {
			return append(items[:i], items[i+1:]...), nil
		}
		return items, nil
	})
	if err != nil {
		return false, err
	}
	return len(change.Removed) > 0, nil
}

// UpdateOptions changes the color and size of lineID. If another row already
// holds the new triple the two rows are merged into that row. The resolved
// variant id is reset because it no longer describes the selection.
func (s *Store) UpdateOptions(ctx context.Context, lineID, color, size string) (model.LineItem, error) {
	var result model.LineItem
	_, err := s.mutate(ctx, ReasonOptions, "", func(items []model.LineItem) ([]model.LineItem, error) {
		i := indexOf(items, lineID)
		if i < 0 {
			return nil, model.NewNotFoundError("line item " + lineID)
		}

		key := variantkey.Key(items[i].Product, color, size)
		if j := indexOfKey(items, key); j >= 0 && j != i {
			items[j].Quantity += items[i].Quantity
			result = items[j]
			return append(items[:i], items[i+1:]...), nil
		}

		if variantkey.Key(items[i].Product, items[i].Color, items[i].Size) != key {
			items[i].ResolvedVariantID = ""
		}
		items[i].Color = color
		items[i].Size = size
		result = items[i]
		return items, nil
	})
	if err != nil {
		return model.LineItem{}, err
	}
	return result, nil
}

// AssignVariant records the canonical variant id resolved for lineID.
func (s *Store) AssignVariant(ctx context.Context, lineID, variantID string) error {
	return s.AssignVariants(ctx, map[string]string{lineID: variantID})
}

// AssignVariants records resolved variant ids for several rows in one write.
// A row that already carries a different id is left unchanged and reported as
// a conflict; the other rows are still recorded. Unknown line ids are ignored.
func (s *Store) AssignVariants(ctx context.Context, ids map[string]string) error {
	var conflicts []error
	_, err := s.mutate(ctx, ReasonAssign, "", func(items []model.LineItem) ([]model.LineItem, error) {
		for i := range items {
			id, ok := ids[items[i].LineID]
			if !ok || id == "" {
				continue
			}
			current := items[i].ResolvedVariantID
			if current != "" && current != id {
				conflicts = append(conflicts, model.NewVariantConflictError(items[i].LineID, current, id))
				continue
			}
			items[i].ResolvedVariantID = id
		}
		return items, nil
	})
	if err != nil {
		return err
	}
	return errors.Join(conflicts...)
}

// Clear empties the cart. reason distinguishes an intentional clear from an
// accidental empty write and is persisted with the empty list.
func (s *Store) Clear(ctx context.Context, reason model.ClearReason) error {
	if !reason.Valid() {
		return model.NewInputError("reason", fmt.Sprintf("unknown clear reason %q", reason))
	}
	_, err := s.mutate(ctx, ReasonClear, reason, func([]model.LineItem) ([]model.LineItem, error) {
		return nil, nil
	})
	return err
}

// Restore replaces the cart with items verbatim. Empty input is refused.
func (s *Store) Restore(ctx context.Context, items []model.LineItem) error {
	restored := sanitize(model.CloneItems(items))
	if len(restored) == 0 {
		return fmt.Errorf("restore: %w", model.ErrEmptyWrite)
	}
	_, err := s.mutate(ctx, ReasonRestore, "", func([]model.LineItem) ([]model.LineItem, error) {
		return restored, nil
	})
	return err
}

// RestoreIfEmpty restores items only if the cart holds no rows at the moment
// of the write. It reports whether the restore happened.
func (s *Store) RestoreIfEmpty(ctx context.Context, items []model.LineItem) (bool, error) {
	restored := sanitize(model.CloneItems(items))
	if len(restored) == 0 {
		return false, fmt.Errorf("restore: %w", model.ErrEmptyWrite)
	}
	_, err := s.mutate(ctx, ReasonRestore, "", func(current []model.LineItem) ([]model.LineItem, error) {
		if len(current) > 0 {
			return nil, errNotEmpty
		}
		return restored, nil
	})
	if errors.Is(err, errNotEmpty) {
		return false, nil
	}
	return err == nil, err
}

var errNotEmpty = errors.New("cart not empty")

// mutate runs fn over a private copy of the rows, persists the result, commits
// it and notifies listeners. A change with no row differences is not
// persisted unless it is a clear.
func (s *Store) mutate(ctx context.Context, reason string, cleared model.ClearReason, fn func([]model.LineItem) ([]model.LineItem, error)) (Change, error) {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	current := s.Items()
	next, err := fn(model.CloneItems(current))
	if err != nil {
		return Change{}, err
	}

	change := Diff(current, next)
	if change.IsEmpty() && cleared == "" {
		return change, nil
	}

	if err := s.persist(ctx, next, cleared); err != nil {
		s.logger.Warn("cart persist failed", "reason", reason, "error", err)
		return Change{}, err
	}

	s.mu.Lock()
	s.items = next
	s.revision++
	change.Revision = s.revision
	listeners := append([]Listener(nil), s.listeners...)
	s.mu.Unlock()

	change.Reason = reason
	change.Items = model.CloneItems(next)

	s.logger.Debug("cart changed",
		"reason", reason,
		"revision", change.Revision,
		"added", len(change.Added),
		"removed", len(change.Removed),
		"updated", len(change.Updated),
	)

	for _, l := range listeners {
		l(change)
	}
	return change, nil
}

func (s *Store) persist(ctx context.Context, items []model.LineItem, cleared model.ClearReason) error {
	if len(items) == 0 && cleared == "" {
		if err := s.kv.Remove(ctx, ItemsKey); err != nil {
			return fmt.Errorf("persist cart: %w", err)
		}
		return nil
	}

	payload, err := encode(items, cleared, s.clock.Now().UTC())
	if err != nil {
		return err
	}
	if err := s.kv.Set(ctx, ItemsKey, payload); err != nil {
		return fmt.Errorf("persist cart: %w", err)
	}
	return nil
}

// encode builds the persisted envelope. An empty list is only encoded when a
// valid clear reason accompanies it.
func encode(items []model.LineItem, cleared model.ClearReason, now time.Time) (string, error) {
	if len(items) == 0 && !cleared.Valid() {
		return "", model.ErrEmptyWrite
	}
	if items == nil {
		items = []model.LineItem{}
	}
	data, err := json.Marshal(envelope{
		Version:       SchemaVersion,
		Items:         items,
		ClearedReason: cleared,
		UpdatedAt:     now,
	})
	if err != nil {
		return "", fmt.Errorf("encode cart: %w", err)
	}
	return string(data), nil
}

func indexOf(items []model.LineItem, lineID string) int {
	for i := range items {
		if items[i].LineID == lineID {
			return i
		}
	}
	return -1
}

func indexOfKey(items []model.LineItem, key string) int {
	for i := range items {
		if variantkey.Key(items[i].Product, items[i].Color, items[i].Size) == key {
			return i
		}
	}
	return -1
}
