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

const (
	// DefaultSessionTTL is the absolute lifetime of a session
	DefaultSessionTTL = 4 * time.Hour

	// DefaultCacheTTL bounds how long a cached read may be served
	DefaultCacheTTL = 300 * time.Second
)

// Sessions wraps the session store with a short-lived read cache. The store
// stays authoritative; cache entries never outlive the session.
type Sessions struct {
	store    ports.SessionStore
	cache    ports.Cache
	cacheTTL time.Duration
	now      func() time.Time
	logger   *zap.Logger
}

// NewSessions creates a session service
func NewSessions(store ports.SessionStore, cache ports.Cache, cacheTTL time.Duration, now func() time.Time, logger *zap.Logger) *Sessions {
	if cacheTTL <= 0 {
		cacheTTL = DefaultCacheTTL
	}
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sessions{store: store, cache: cache, cacheTTL: cacheTTL, now: now, logger: logger}
}

func sessionCacheKey(id string) string {
	return "session:" + id
}

// Create stores a new unverified session
func (s *Sessions) Create(ctx context.Context, session *core.Session) error {
	return s.store.Create(ctx, session)
}

// Get reads the session from the store, bypassing the cache
func (s *Sessions) Get(ctx context.Context, id string) (*core.Session, error) {
	return s.store.Get(ctx, id)
}

// Cached reads the session through the cache.
func (s *Sessions) Cached(ctx context.Context, id string) (*core.Session, error) {
	if data, err := s.cache.Get(ctx, sessionCacheKey(id)); err == nil {
		var session core.Session
		if err := json.Unmarshal(data, &session); err == nil && session.ExpiresAt.After(s.now()) {
			return &session, nil
		}
	} else if !errors.Is(err, core.ErrNotFound) {
		s.logger.Warn("session cache read failed", zap.String("session_id", id), zap.Error(err))
	}

	session, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	s.refresh(ctx, session)
	return session, nil
}

// Touch records activity on the session
func (s *Sessions) Touch(ctx context.Context, id string) error {
	return s.store.Touch(ctx, id, s.now())
}

// Verify promotes the session to verified and refreshes its cache entry.
// Verifying an already verified session leaves VerifiedAt unchanged.
func (s *Sessions) Verify(ctx context.Context, id string) (*core.Session, error) {
	session, err := s.store.MarkVerified(ctx, id, s.now())
	if err != nil {
		return nil, err
	}
	s.refresh(ctx, session)
	return session, nil
}

// Destroy removes the session and its cache entry
func (s *Sessions) Destroy(ctx context.Context, id string) error {
	if err := s.store.Destroy(ctx, id); err != nil {
		return err
	}
	if err := s.cache.Delete(ctx, sessionCacheKey(id)); err != nil {
		s.logger.Warn("session cache invalidation failed", zap.String("session_id", id), zap.Error(err))
	}
	return nil
}

func (s *Sessions) refresh(ctx context.Context, session *core.Session) {
	ttl := min(s.cacheTTL, session.ExpiresAt.Sub(s.now()))
	if ttl <= 0 {
		return
	}

	data, err := json.Marshal(session)
	if err != nil {
		return
	}
	if err := s.cache.Set(ctx, sessionCacheKey(session.ID), data, ttl); err != nil {
		s.logger.Warn("session cache write failed", zap.String("session_id", session.ID), zap.Error(err))
		return
	}

	// a destroy that ran before the write left nothing to invalidate it
	if _, err := s.store.Get(ctx, session.ID); err != nil {
		if err := s.cache.Delete(ctx, sessionCacheKey(session.ID)); err != nil {
			s.logger.Warn("session cache invalidation failed", zap.String("session_id", session.ID), zap.Error(err))
		}
	}
}
