package store

import (
	"context"
	"time"

	"github.com/layer-3/walletauth/core"
	"github.com/layer-3/walletauth/ports"
)

// MemoryOption configures the in-memory stores
type MemoryOption func(*memoryConfig)

type memoryConfig struct {
	now          func() time.Time
	reapInterval time.Duration
}

// WithClock overrides the time source, mainly for tests.
func WithClock(now func() time.Time) MemoryOption {
	return func(c *memoryConfig) { c.now = now }
}

// WithReapInterval sets how often the reaper sweeps expired entries.
func WithReapInterval(d time.Duration) MemoryOption {
	return func(c *memoryConfig) { c.reapInterval = d }
}

// NewMemoryStores creates process-local stores sharing one clock, and the
// reaper that sweeps them. Intended for single-instance deployments and tests.
func NewMemoryStores(opts ...MemoryOption) (*ports.Stores, *Reaper) {
	cfg := memoryConfig{
		now:          time.Now,
		reapInterval: time.Minute,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	counters := NewMemoryCounterStore(cfg.now)
	nonces := NewMemoryNonceStore(cfg.now)
	sessions := NewMemorySessionStore(cfg.now)
	bindings := NewMemoryBindingStore(cfg.now)
	cache := NewMemoryCache(cfg.now)

	reaper := &Reaper{
		targets:  []sweeper{counters.items, nonces.items, sessions.items, bindings.items, cache.items},
		interval: cfg.reapInterval,
	}

	return &ports.Stores{
		Counters: counters,
		Nonces:   nonces,
		Sessions: sessions,
		Bindings: bindings,
		Cache:    cache,
	}, reaper
}

// MemoryCounterStore implements ports.CounterStore with fixed windows
type MemoryCounterStore struct {
	items *shardedMap[int]
}

var _ ports.CounterStore = (*MemoryCounterStore)(nil)

// NewMemoryCounterStore creates an empty counter store
func NewMemoryCounterStore(now func() time.Time) *MemoryCounterStore {
	return &MemoryCounterStore{items: newShardedMap[int](now)}
}

// Hit opens a window on first use and otherwise increments while under limit.
func (s *MemoryCounterStore) Hit(ctx context.Context, key string, limit int, window time.Duration) (int, time.Time, bool, error) {
	var (
		count   int
		resetAt time.Time
		allowed bool
	)
	s.items.update(key, func(cur *entry[int], now time.Time) *entry[int] {
		if cur == nil {
			count, resetAt, allowed = 1, now.Add(window), true
			return &entry[int]{value: 1, expiresAt: resetAt}
		}
		resetAt = cur.expiresAt
		if cur.value < limit {
			cur.value++
			allowed = true
		}
		count = cur.value
		return cur
	})
	return count, resetAt, allowed, nil
}

// Peek returns the live bucket of key without incrementing it
func (s *MemoryCounterStore) Peek(ctx context.Context, key string) (int, time.Time, error) {
	e, ok := s.items.get(key)
	if !ok {
		return 0, time.Time{}, nil
	}
	return e.value, e.expiresAt, nil
}

// Len reports how many buckets are held, expired ones included until swept.
func (s *MemoryCounterStore) Len() int {
	return s.items.len()
}

// MemoryNonceStore implements ports.NonceStore
type MemoryNonceStore struct {
	items *shardedMap[core.Nonce]
}

var _ ports.NonceStore = (*MemoryNonceStore)(nil)

// NewMemoryNonceStore creates an empty nonce store
func NewMemoryNonceStore(now func() time.Time) *MemoryNonceStore {
	return &MemoryNonceStore{items: newShardedMap[core.Nonce](now)}
}

// Save stores the nonce until its expiry
func (s *MemoryNonceStore) Save(ctx context.Context, nonce *core.Nonce) error {
	s.items.update(nonce.Value, func(_ *entry[core.Nonce], _ time.Time) *entry[core.Nonce] {
		return &entry[core.Nonce]{value: *nonce, expiresAt: nonce.ExpiresAt}
	})
	return nil
}

// Consume marks the nonce consumed and keeps the record until it expires so
// that replays can be told apart from unknown nonces.
func (s *MemoryNonceStore) Consume(ctx context.Context, value, sessionID, address string) (*core.Nonce, error) {
	var (
		out *core.Nonce
		err error
	)
	s.items.update(value, func(cur *entry[core.Nonce], _ time.Time) *entry[core.Nonce] {
		switch {
		case cur == nil:
			err = core.ErrInvalidNonce
			return nil
		case cur.value.Consumed:
			err = core.ErrNonceReplayed
		case cur.value.SessionID != sessionID || cur.value.WalletAddress != address:
			err = core.ErrInvalidNonce
		default:
			cur.value.Consumed = true
			n := cur.value
			out = &n
		}
		return cur
	})
	return out, err
}

// MemorySessionStore implements ports.SessionStore
type MemorySessionStore struct {
	items *shardedMap[core.Session]
}

var _ ports.SessionStore = (*MemorySessionStore)(nil)

// NewMemorySessionStore creates an empty session store
func NewMemorySessionStore(now func() time.Time) *MemorySessionStore {
	return &MemorySessionStore{items: newShardedMap[core.Session](now)}
}

// Create stores a copy of the session until it expires
func (s *MemorySessionStore) Create(ctx context.Context, session *core.Session) error {
	stored := cloneSession(session)
	s.items.update(session.ID, func(_ *entry[core.Session], _ time.Time) *entry[core.Session] {
		return &entry[core.Session]{value: *stored, expiresAt: session.ExpiresAt}
	})
	return nil
}

// Get returns a copy of the stored value or core.ErrNotFound
func (s *MemorySessionStore) Get(ctx context.Context, id string) (*core.Session, error) {
	e, ok := s.items.get(id)
	if !ok {
		return nil, core.ErrNotFound
	}
	return cloneSession(&e.value), nil
}

// Touch records activity at the given time
func (s *MemorySessionStore) Touch(ctx context.Context, id string, at time.Time) error {
	found := false
	s.items.update(id, func(cur *entry[core.Session], _ time.Time) *entry[core.Session] {
		if cur != nil {
			found = true
			cur.value.LastActivityAt = at
		}
		return cur
	})
	if !found {
		return core.ErrNotFound
	}
	return nil
}

// MarkVerified promotes the session once; later calls keep the first VerifiedAt
func (s *MemorySessionStore) MarkVerified(ctx context.Context, id string, at time.Time) (*core.Session, error) {
	var out *core.Session
	s.items.update(id, func(cur *entry[core.Session], _ time.Time) *entry[core.Session] {
		if cur == nil {
			return nil
		}
		if !cur.value.Verified {
			verifiedAt := at
			cur.value.Verified = true
			cur.value.VerifiedAt = &verifiedAt
			cur.value.LastActivityAt = at
		}
		out = cloneSession(&cur.value)
		return cur
	})
	if out == nil {
		return nil, core.ErrNotFound
	}
	return out, nil
}

// Destroy removes the session. Idempotent.
func (s *MemorySessionStore) Destroy(ctx context.Context, id string) error {
	s.items.delete(id)
	return nil
}

// MemoryBindingStore implements ports.BindingStore
type MemoryBindingStore struct {
	items *shardedMap[core.WalletBinding]
}

var _ ports.BindingStore = (*MemoryBindingStore)(nil)

// NewMemoryBindingStore creates an empty binding store
func NewMemoryBindingStore(now func() time.Time) *MemoryBindingStore {
	return &MemoryBindingStore{items: newShardedMap[core.WalletBinding](now)}
}

// Bind replaces the binding of the address and returns the previous one
func (s *MemoryBindingStore) Bind(ctx context.Context, binding *core.WalletBinding, ttl time.Duration) (*core.WalletBinding, error) {
	var previous *core.WalletBinding
	s.items.update(binding.Address, func(cur *entry[core.WalletBinding], now time.Time) *entry[core.WalletBinding] {
		if cur != nil {
			prev := cur.value
			previous = &prev
		}
		return &entry[core.WalletBinding]{value: *binding, expiresAt: now.Add(ttl)}
	})
	return previous, nil
}

// Get returns a copy of the stored value or core.ErrNotFound
func (s *MemoryBindingStore) Get(ctx context.Context, address string) (*core.WalletBinding, error) {
	e, ok := s.items.get(address)
	if !ok {
		return nil, core.ErrNotFound
	}
	b := e.value
	return &b, nil
}

// Touch records activity at the given time
func (s *MemoryBindingStore) Touch(ctx context.Context, address string, at time.Time) error {
	found := false
	s.items.update(address, func(cur *entry[core.WalletBinding], _ time.Time) *entry[core.WalletBinding] {
		if cur != nil {
			found = true
			cur.value.LastActivityAt = at
		}
		return cur
	})
	if !found {
		return core.ErrNotFound
	}
	return nil
}

// Delete removes the entry. Idempotent.
func (s *MemoryBindingStore) Delete(ctx context.Context, address string) error {
	s.items.delete(address)
	return nil
}

// DeleteIfSession removes the binding only while it points at sessionID
func (s *MemoryBindingStore) DeleteIfSession(ctx context.Context, address, sessionID string) (bool, error) {
	deleted := false
	s.items.update(address, func(cur *entry[core.WalletBinding], _ time.Time) *entry[core.WalletBinding] {
		if cur != nil && cur.value.SessionID == sessionID {
			deleted = true
			return nil
		}
		return cur
	})
	return deleted, nil
}

// MemoryCache implements ports.Cache
type MemoryCache struct {
	items *shardedMap[[]byte]
}

var _ ports.Cache = (*MemoryCache)(nil)

// NewMemoryCache creates an empty cache
func NewMemoryCache(now func() time.Time) *MemoryCache {
	return &MemoryCache{items: newShardedMap[[]byte](now)}
}

// Get returns a copy of the stored value or core.ErrNotFound
func (c *MemoryCache) Get(ctx context.Context, key string) ([]byte, error) {
	e, ok := c.items.get(key)
	if !ok {
		return nil, core.ErrNotFound
	}
	return append([]byte(nil), e.value...), nil
}

// Set stores a copy of value for ttl; a non-positive ttl drops the key
func (c *MemoryCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	stored := append([]byte(nil), value...)
	c.items.update(key, func(_ *entry[[]byte], now time.Time) *entry[[]byte] {
		if ttl <= 0 {
			return nil
		}
		return &entry[[]byte]{value: stored, expiresAt: now.Add(ttl)}
	})
	return nil
}

// Delete removes the entry. Idempotent.
func (c *MemoryCache) Delete(ctx context.Context, keys ...string) error {
	for _, k := range keys {
		c.items.delete(k)
	}
	return nil
}

func cloneSession(s *core.Session) *core.Session {
	out := *s
	if s.VerifiedAt != nil {
		at := *s.VerifiedAt
		out.VerifiedAt = &at
	}
	return &out
}
