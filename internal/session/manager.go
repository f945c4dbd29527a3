// Package session wires the per-session cart components and keeps a bounded
// set of live sessions in memory.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"storefront-cart/internal/addguard"
	"storefront-cart/internal/cart"
	"storefront-cart/internal/checkout"
	"storefront-cart/internal/clock"
	"storefront-cart/internal/continuity"
	"storefront-cart/internal/storage"
)

// DefaultMaxEntries limits live sessions held in memory (LRU eviction).
const DefaultMaxEntries = 1000

// Config configures the components built for every session.
type Config struct {
	MaxEntries      int
	DebounceWindow  time.Duration
	MergeDuplicates bool
	Continuity      continuity.Config
	Checkout        checkout.Config
}

// Session bundles the components serving one browser session.
type Session struct {
	ID         string
	Cart       *cart.Store
	Guard      *addguard.Guard
	Continuity *continuity.Guard
	Checkout   *checkout.Initiator
}

// Manager creates sessions on first use and re-hydrates evicted ones from
// durable storage. Safe for concurrent use.
type Manager struct {
	kv       storage.KV
	resolver checkout.Resolver
	platform checkout.Platform
	cfg      Config
	clock    clock.Clock
	logger   *slog.Logger

	mu         sync.Mutex
	sessions   map[string]*Session
	accessList []string // LRU tracking: most recent at end
	group      singleflight.Group
}

// NewManager creates a Manager. The resolver is shared by all sessions so
// learned variant identifiers benefit every shopper.
func NewManager(kv storage.KV, res checkout.Resolver, platform checkout.Platform, cfg Config, clk clock.Clock, logger *slog.Logger) *Manager {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = DefaultMaxEntries
	}
	if clk == nil {
		clk = clock.System()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		kv:         kv,
		resolver:   res,
		platform:   platform,
		cfg:        cfg,
		clock:      clk,
		logger:     logger,
		sessions:   make(map[string]*Session),
		accessList: make([]string, 0, cfg.MaxEntries),
	}
}

// NewID returns a fresh session id.
func NewID() string {
	return uuid.NewString()
}

// ValidID reports whether id has the session id format.
func ValidID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}

// Get returns the live session for id, building it from durable storage if
// it is not in memory. Concurrent calls for the same id share one build.
func (m *Manager) Get(ctx context.Context, id string) (*Session, error) {
	if !ValidID(id) {
		return nil, fmt.Errorf("invalid session id %q", id)
	}

	if s, ok := m.Peek(id); ok {
		return s, nil
	}

	v, err, _ := m.group.Do(id, func() (any, error) {
		if s, ok := m.Peek(id); ok {
			return s, nil
		}
		s, err := m.build(ctx, id)
		if err != nil {
			return nil, err
		}
		m.store(s)
		return s, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Session), nil
}

// Peek returns a live session without building one.
func (m *Manager) Peek(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if ok {
		m.recordAccessLocked(id)
	}
	return s, ok
}

// Len returns the number of live sessions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// build constructs the components in dependency order: store, add guard,
// continuity guard, checkout initiator.
func (m *Manager) build(ctx context.Context, id string) (*Session, error) {
	logger := m.logger.With(slog.String("session_id", id))
	kv := storage.Namespace(m.kv, storage.SessionPrefix(id))

	store, err := cart.New(ctx, kv, cart.WithClock(m.clock), cart.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("load cart: %w", err)
	}

	guardOpts := []addguard.Option{
		addguard.WithMerge(m.cfg.MergeDuplicates),
		addguard.WithClock(m.clock),
		addguard.WithLogger(logger),
	}
	if m.cfg.DebounceWindow > 0 {
		guardOpts = append(guardOpts, addguard.WithWindow(m.cfg.DebounceWindow))
	}
	guard := addguard.New(store, guardOpts...)

	cont := continuity.New(store, kv, m.cfg.Continuity, m.clock, logger)
	if err := cont.Resume(ctx); err != nil {
		logger.Warn("resuming checkout continuity failed", "error", err)
	}

	// An intentional clear abandons any pending restore.
	store.Subscribe(func(c cart.Change) {
		if c.Reason == cart.ReasonClear {
			cont.Disarm(context.Background())
		}
	})

	init := checkout.New(store, m.resolver, m.platform, cont, m.cfg.Checkout, logger)

	logger.Debug("session loaded", "items", store.Len(), "continuity", cont.State().String())
	return &Session{
		ID:         id,
		Cart:       store,
		Guard:      guard,
		Continuity: cont,
		Checkout:   init,
	}, nil
}

func (m *Manager) store(s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[s.ID]; !ok && len(m.sessions) >= m.cfg.MaxEntries {
		m.evictOldest()
	}
	m.sessions[s.ID] = s
	m.recordAccessLocked(s.ID)
}

func (m *Manager) recordAccessLocked(id string) {
	for i, v := range m.accessList {
		if v == id {
			m.accessList = append(m.accessList[:i], m.accessList[i+1:]...)
			break
		}
	}
	m.accessList = append(m.accessList, id)
}

// evictOldest drops the least recently used session from memory. Its cart and
// continuity marker stay in durable storage.
func (m *Manager) evictOldest() {
	if len(m.accessList) == 0 {
		return
	}
	oldest := m.accessList[0]
	m.accessList = m.accessList[1:]
	delete(m.sessions, oldest)
	m.logger.Debug("session evicted", "session_id", oldest)
}
