package service

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/layer-3/walletauth/core"
	"github.com/layer-3/walletauth/ports"
)

// WalletMetadata describes the client that opened a wallet session
type WalletMetadata struct {
	ChainID   int64
	UserAgent string
	IPAddress string
}

// WalletSessions binds wallet addresses to their current session and keeps
// a cached projection of each connection. It never decides session expiry.
type WalletSessions struct {
	bindings   ports.BindingStore
	sessions   ports.SessionStore
	cache      ports.Cache
	bindingTTL time.Duration
	cacheTTL   time.Duration
	now        func() time.Time
	logger     *zap.Logger
}

// NewWalletSessions creates a wallet session manager
func NewWalletSessions(bindings ports.BindingStore, sessions ports.SessionStore, cache ports.Cache, bindingTTL, cacheTTL time.Duration, now func() time.Time, logger *zap.Logger) *WalletSessions {
	if bindingTTL <= 0 {
		bindingTTL = DefaultSessionTTL
	}
	if cacheTTL <= 0 {
		cacheTTL = DefaultCacheTTL
	}
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WalletSessions{
		bindings:   bindings,
		sessions:   sessions,
		cache:      cache,
		bindingTTL: bindingTTL,
		cacheTTL:   cacheTTL,
		now:        now,
		logger:     logger,
	}
}

func connectionCacheKey(address string) string {
	return "wallet:" + address
}

// CreateWalletSession binds address to sessionID, replacing any earlier
// binding. The replaced binding is returned, or nil.
func (w *WalletSessions) CreateWalletSession(ctx context.Context, address, sessionID string, meta WalletMetadata) (*core.WalletBinding, error) {
	now := w.now()
	return w.bindings.Bind(ctx, &core.WalletBinding{
		Address:        address,
		SessionID:      sessionID,
		ChainID:        meta.ChainID,
		UserAgent:      meta.UserAgent,
		IPAddress:      meta.IPAddress,
		ConnectedAt:    now,
		LastActivityAt: now,
	}, w.bindingTTL)
}

// ValidateWalletSession reports whether address is currently bound to sessionID.
func (w *WalletSessions) ValidateWalletSession(ctx context.Context, address, sessionID string) (bool, error) {
	binding, err := w.bindings.Get(ctx, address)
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return binding.SessionID == sessionID, nil
}

// Binding returns the current binding of address
func (w *WalletSessions) Binding(ctx context.Context, address string) (*core.WalletBinding, error) {
	return w.bindings.Get(ctx, address)
}

// UpdateLastActivity touches the binding of address and the session it
// is bound to.
func (w *WalletSessions) UpdateLastActivity(ctx context.Context, address string) error {
	binding, err := w.bindings.Get(ctx, address)
	if err != nil {
		return err
	}
	now := w.now()
	if err := w.bindings.Touch(ctx, address, now); err != nil {
		return err
	}
	return w.sessions.Touch(ctx, binding.SessionID, now)
}

// DisconnectWallet removes whatever binding address has. Idempotent.
func (w *WalletSessions) DisconnectWallet(ctx context.Context, address string) error {
	if err := w.bindings.Delete(ctx, address); err != nil {
		return err
	}
	w.InvalidateConnection(ctx, address)
	return nil
}

// ReleaseWalletSession removes the binding only while it still points at
// sessionID, so a late disconnect cannot undo a newer connect.
func (w *WalletSessions) ReleaseWalletSession(ctx context.Context, address, sessionID string) (bool, error) {
	released, err := w.bindings.DeleteIfSession(ctx, address, sessionID)
	if err != nil {
		return false, err
	}
	if released {
		w.InvalidateConnection(ctx, address)
	}
	return released, nil
}

// CachedConnection returns the cached connection projection of address,
// or core.ErrNotFound on a miss.
func (w *WalletSessions) CachedConnection(ctx context.Context, address string) (*core.ConnectionMetadata, error) {
	data, err := w.cache.Get(ctx, connectionCacheKey(address))
	if err != nil {
		return nil, err
	}
	var meta core.ConnectionMetadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, core.ErrNotFound
	}
	return &meta, nil
}

// CacheConnection stores the projection for at most the cache TTL and never
// past sessionExpiry.
func (w *WalletSessions) CacheConnection(ctx context.Context, meta *core.ConnectionMetadata, sessionExpiry time.Time) {
	ttl := min(w.cacheTTL, sessionExpiry.Sub(w.now()))
	if ttl <= 0 {
		return
	}

	data, err := json.Marshal(meta)
	if err != nil {
		return
	}
	if err := w.cache.Set(ctx, connectionCacheKey(meta.Address), data, ttl); err != nil {
		w.logger.Warn("connection cache write failed", zap.String("address", meta.Address), zap.Error(err))
	}
}

// CacheBoundConnection caches the projection, then drops it again unless
// the address is still bound to meta.SessionID. A disconnect or reconnect
// racing the write therefore cannot leave a stale entry behind.
func (w *WalletSessions) CacheBoundConnection(ctx context.Context, meta *core.ConnectionMetadata, sessionExpiry time.Time) {
	w.CacheConnection(ctx, meta, sessionExpiry)

	bound, err := w.ValidateWalletSession(ctx, meta.Address, meta.SessionID)
	if err != nil || !bound {
		w.InvalidateConnection(ctx, meta.Address)
	}
}

// InvalidateConnection drops the cached projection of address
func (w *WalletSessions) InvalidateConnection(ctx context.Context, address string) {
	if err := w.cache.Delete(ctx, connectionCacheKey(address)); err != nil {
		w.logger.Warn("connection cache invalidation failed", zap.String("address", address), zap.Error(err))
	}
}
