package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/layer-3/walletauth/core"
	"github.com/layer-3/walletauth/instrumentation"
	"github.com/layer-3/walletauth/ports"
)

// DefaultDomain is the domain rendered into challenge messages
const DefaultDomain = "walletauth"

// Config holds the gateway settings and collaborators. Verifier is required;
// Tokenizer and Publisher are optional.
type Config struct {
	Domain             string
	SessionTTL         time.Duration
	NonceTTL           time.Duration
	CacheTTL           time.Duration
	StoreTimeout       time.Duration
	RevokePriorSession bool
	Rules              map[core.Category]core.RateLimitRule

	Verifier  ports.SignatureVerifier
	Tokenizer ports.Tokenizer
	Publisher ports.EventPublisher
	Logger    *zap.Logger
	Metrics   *instrumentation.Metrics
	Clock     func() time.Time
}

// DefaultConfig returns the default settings without collaborators
func DefaultConfig() Config {
	return Config{
		Domain:             DefaultDomain,
		SessionTTL:         DefaultSessionTTL,
		NonceTTL:           DefaultNonceTTL,
		CacheTTL:           DefaultCacheTTL,
		StoreTimeout:       DefaultStoreTimeout,
		RevokePriorSession: true,
		Rules:              core.DefaultRateLimitRules(),
	}
}

// Gateway orchestrates connect, verify, query and disconnect for wallet
// sessions, applying rate limits and single-use nonces.
type Gateway struct {
	domain       string
	sessionTTL   time.Duration
	storeTimeout time.Duration
	revokePrior  bool
	limits       *Registry
	nonces       *Nonces
	sessions     *Sessions
	wallets      *WalletSessions
	verifier     ports.SignatureVerifier
	tokenizer    ports.Tokenizer
	publisher    ports.EventPublisher
	logger       *zap.Logger
	metrics      *instrumentation.Metrics
	now          func() time.Time
}

// NewGateway wires the gateway over stores
func NewGateway(cfg Config, stores *ports.Stores) (*Gateway, error) {
	if cfg.Verifier == nil {
		return nil, errors.New("gateway: signature verifier is required")
	}
	if stores == nil {
		return nil, errors.New("gateway: stores are required")
	}
	def := DefaultConfig()
	if cfg.Domain == "" {
		cfg.Domain = def.Domain
	}
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = def.SessionTTL
	}
	if cfg.NonceTTL <= 0 {
		cfg.NonceTTL = def.NonceTTL
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = def.CacheTTL
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = def.StoreTimeout
	}
	if cfg.Rules == nil {
		cfg.Rules = def.Rules
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}

	limits, err := NewRegistry(stores.Counters, cfg.Rules,
		WithStoreTimeout(cfg.StoreTimeout),
		WithRegistryClock(cfg.Clock),
		WithRegistryLogger(cfg.Logger),
		WithRegistryMetrics(cfg.Metrics),
	)
	if err != nil {
		return nil, err
	}
	for _, category := range []core.Category{core.CategoryWalletConnect, core.CategoryAuth} {
		if _, err := limits.Limiter(category); err != nil {
			return nil, fmt.Errorf("gateway: %w", err)
		}
	}

	logger := cfg.Logger.Named("gateway")
	return &Gateway{
		domain:       cfg.Domain,
		sessionTTL:   cfg.SessionTTL,
		storeTimeout: cfg.StoreTimeout,
		revokePrior:  cfg.RevokePriorSession,
		limits:       limits,
		nonces:       NewNonces(stores.Nonces, cfg.NonceTTL, cfg.Clock, cfg.Metrics),
		sessions:     NewSessions(stores.Sessions, stores.Cache, cfg.CacheTTL, cfg.Clock, logger),
		wallets:      NewWalletSessions(stores.Bindings, stores.Sessions, stores.Cache, cfg.SessionTTL, cfg.CacheTTL, cfg.Clock, logger),
		verifier:     cfg.Verifier,
		tokenizer:    cfg.Tokenizer,
		publisher:    cfg.Publisher,
		logger:       logger,
		metrics:      cfg.Metrics,
		now:          cfg.Clock,
	}, nil
}

// Limits exposes the rate limit registry, e.g. for transport middleware
func (g *Gateway) Limits() *Registry {
	return g.limits
}

// ConnectRequest opens a wallet session
type ConnectRequest struct {
	Address   string
	ChainID   int64
	UserAgent string
	IPAddress string
}

// ConnectResult carries the challenge the wallet must sign
type ConnectResult struct {
	SessionID string
	Nonce     string
	Message   string
	ExpiresAt time.Time
}

// Connect creates an unverified session bound to the address and issues its
// challenge. The previous session of the address is revoked when configured.
func (g *Gateway) Connect(ctx context.Context, req ConnectRequest) (*ConnectResult, error) {
	address, err := core.NormalizeAddress(req.Address)
	if err != nil {
		return nil, err
	}
	if req.ChainID <= 0 {
		return nil, fmt.Errorf("%w: chain id must be positive", core.ErrInvalidRequest)
	}

	if _, err := g.limits.Allow(ctx, core.CategoryWalletConnect, address); err != nil {
		return nil, err
	}

	ctx, cancel := boundedContext(ctx, g.storeTimeout)
	defer cancel()

	now := g.now()
	session := &core.Session{
		ID:             uuid.NewString(),
		WalletAddress:  address,
		ChainID:        req.ChainID,
		UserAgent:      req.UserAgent,
		IPAddress:      req.IPAddress,
		CreatedAt:      now,
		LastActivityAt: now,
		ExpiresAt:      now.Add(g.sessionTTL),
	}
	if err := g.sessions.Create(ctx, session); err != nil {
		return nil, g.storeFault("session.create", err)
	}

	previous, err := g.wallets.CreateWalletSession(ctx, address, session.ID, WalletMetadata{
		ChainID:   req.ChainID,
		UserAgent: req.UserAgent,
		IPAddress: req.IPAddress,
	})
	if err != nil {
		if derr := g.sessions.Destroy(ctx, session.ID); derr != nil {
			g.logger.Warn("failed to discard unbound session", zap.String("session_id", session.ID), zap.Error(derr))
		}
		return nil, g.storeFault("wallet.bind", err)
	}
	if previous != nil && previous.SessionID != session.ID && g.revokePrior {
		if err := g.sessions.Destroy(ctx, previous.SessionID); err != nil {
			g.logger.Warn("failed to revoke prior session",
				zap.String("address", address),
				zap.String("session_id", previous.SessionID),
				zap.Error(err))
		}
	}

	nonce, err := g.nonces.Issue(ctx, address, session.ID, PurposeWalletLogin)
	if err != nil {
		g.discard(ctx, address, session.ID)
		return nil, g.storeFault("nonce.issue", err)
	}

	g.wallets.CacheBoundConnection(ctx, &core.ConnectionMetadata{
		Address:       address,
		ChainID:       req.ChainID,
		LastConnected: now,
		SessionID:     session.ID,
	}, session.ExpiresAt)

	g.metrics.RecordSessionCreated(ctx, req.ChainID)
	g.publish(ctx, core.SessionEvent{
		Type:       core.SessionConnected,
		Address:    address,
		SessionID:  session.ID,
		ChainID:    req.ChainID,
		OccurredAt: now,
	})
	g.logger.Debug("wallet connected",
		zap.String("address", address),
		zap.String("session_id", session.ID),
		zap.Int64("chain_id", req.ChainID))

	return &ConnectResult{
		SessionID: session.ID,
		Nonce:     nonce.Value,
		Message:   core.ChallengeMessage(g.domain, nonce, req.ChainID),
		ExpiresAt: nonce.ExpiresAt,
	}, nil
}

// VerifyRequest proves control of the address for a connected session
type VerifyRequest struct {
	Address   string
	Signature string
	Message   string
	Nonce     string
	SessionID string
}

// VerifyResult reports a verified session. AccessToken is empty when no
// tokenizer is configured.
type VerifyResult struct {
	Verified      bool
	SessionID     string
	WalletAddress string
	VerifiedAt    time.Time
	AccessToken   string
}

// Verify consumes the session's nonce and checks the signed challenge. The
// nonce is spent even when the signature turns out to be invalid. Store
// faults on this path deny.
func (g *Gateway) Verify(ctx context.Context, req VerifyRequest) (*VerifyResult, error) {
	address, err := core.NormalizeAddress(req.Address)
	if err != nil {
		return nil, err
	}
	if req.SessionID == "" || req.Nonce == "" || req.Signature == "" || req.Message == "" {
		return nil, fmt.Errorf("%w: address, signature, message, nonce and sessionId are required", core.ErrInvalidRequest)
	}

	if _, err := g.limits.Allow(ctx, core.CategoryAuth, address); err != nil {
		return nil, err
	}

	ctx, cancel := boundedContext(ctx, g.storeTimeout)
	defer cancel()

	bound, err := g.wallets.ValidateWalletSession(ctx, address, req.SessionID)
	if err != nil {
		g.storeFault("wallet.validate", err)
		return nil, core.ErrInvalidSession
	}
	if !bound {
		g.logger.Debug("verify rejected, session not bound", zap.String("address", address), zap.String("session_id", req.SessionID))
		return nil, core.ErrInvalidSession
	}

	nonce, err := g.nonces.Consume(ctx, req.Nonce, req.SessionID, address)
	if err != nil {
		if errors.Is(err, core.ErrStoreUnavailable) {
			g.storeFault("nonce.consume", err)
			return nil, core.ErrInvalidNonce
		}
		g.logger.Debug("verify rejected, nonce not consumable", zap.String("address", address), zap.Error(err))
		return nil, err
	}

	session, err := g.sessions.Get(ctx, req.SessionID)
	if err != nil {
		if !errors.Is(err, core.ErrNotFound) {
			g.storeFault("session.get", err)
		}
		return nil, core.ErrInvalidSession
	}
	if session.WalletAddress != address {
		return nil, core.ErrInvalidSession
	}

	if req.Message != core.ChallengeMessage(g.domain, nonce, session.ChainID) {
		g.metrics.RecordSignatureRejected(ctx)
		g.logger.Debug("verify rejected, message does not match challenge", zap.String("address", address))
		return nil, core.ErrInvalidSignature
	}
	if err := g.verifier.Verify(ctx, address, req.Message, req.Signature); err != nil {
		g.metrics.RecordSignatureRejected(ctx)
		g.logger.Debug("verify rejected, bad signature", zap.String("address", address), zap.Error(err))
		return nil, core.ErrInvalidSignature
	}

	verified, err := g.sessions.Verify(ctx, req.SessionID)
	if err != nil {
		if !errors.Is(err, core.ErrNotFound) {
			g.storeFault("session.verify", err)
		}
		return nil, core.ErrInvalidSession
	}
	if err := g.wallets.UpdateLastActivity(ctx, address); err != nil {
		g.logger.Warn("failed to touch wallet binding", zap.String("address", address), zap.Error(err))
	}

	g.wallets.CacheBoundConnection(ctx, &core.ConnectionMetadata{
		Address:       address,
		ChainID:       verified.ChainID,
		LastConnected: verified.CreatedAt,
		SessionID:     verified.ID,
		Verified:      true,
	}, verified.ExpiresAt)

	result := &VerifyResult{
		Verified:      true,
		SessionID:     verified.ID,
		WalletAddress: address,
		VerifiedAt:    *verified.VerifiedAt,
	}
	if g.tokenizer != nil {
		token, err := g.tokenizer.SessionToAccessToken(verified)
		if err != nil {
			return nil, fmt.Errorf("failed to create access token: %w", err)
		}
		result.AccessToken = token
	}

	g.metrics.RecordSessionVerified(ctx, verified.ChainID)
	g.publish(ctx, core.SessionEvent{
		Type:       core.SessionVerified,
		Address:    address,
		SessionID:  verified.ID,
		ChainID:    verified.ChainID,
		OccurredAt: result.VerifiedAt,
	})
	g.logger.Debug("wallet verified", zap.String("address", address), zap.String("session_id", verified.ID))

	return result, nil
}

// GetSession returns the session if it is the one currently bound to address.
func (g *Gateway) GetSession(ctx context.Context, sessionID, address string) (*core.Session, error) {
	address, err := core.NormalizeAddress(address)
	if err != nil {
		return nil, err
	}
	if sessionID == "" {
		return nil, fmt.Errorf("%w: sessionId is required", core.ErrInvalidRequest)
	}

	ctx, cancel := boundedContext(ctx, g.storeTimeout)
	defer cancel()

	session, err := g.sessions.Cached(ctx, sessionID)
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			return nil, core.ErrNotFound
		}
		return nil, g.storeFault("session.get", err)
	}
	if session.WalletAddress != address {
		return nil, core.ErrInvalidSession
	}

	bound, err := g.wallets.ValidateWalletSession(ctx, address, sessionID)
	if err != nil {
		return nil, g.storeFault("wallet.validate", err)
	}
	if !bound {
		return nil, core.ErrInvalidSession
	}
	return session, nil
}

// DisconnectResult reports a completed disconnect
type DisconnectResult struct {
	Success bool
}

// Disconnect tears down the session, its binding and cached projections.
// With a session id only that session is released, so a late disconnect
// cannot unbind a newer connection. Without one, whatever is bound goes.
func (g *Gateway) Disconnect(ctx context.Context, sessionID, address string) (*DisconnectResult, error) {
	address, err := core.NormalizeAddress(address)
	if err != nil {
		return nil, err
	}

	ctx, cancel := boundedContext(ctx, g.storeTimeout)
	defer cancel()

	if sessionID == "" {
		binding, err := g.wallets.Binding(ctx, address)
		switch {
		case err == nil:
			sessionID = binding.SessionID
			if err := g.sessions.Destroy(ctx, sessionID); err != nil {
				return nil, g.storeFault("session.destroy", err)
			}
			// a connect landing after the read keeps its new binding
			if _, err := g.wallets.ReleaseWalletSession(ctx, address, sessionID); err != nil {
				return nil, g.storeFault("wallet.release", err)
			}
		case errors.Is(err, core.ErrNotFound):
			if err := g.wallets.DisconnectWallet(ctx, address); err != nil {
				return nil, g.storeFault("wallet.delete", err)
			}
		default:
			return nil, g.storeFault("wallet.get", err)
		}
	} else {
		session, err := g.sessions.Get(ctx, sessionID)
		switch {
		case err == nil:
			if session.WalletAddress != address {
				return nil, core.ErrInvalidSession
			}
			if err := g.sessions.Destroy(ctx, sessionID); err != nil {
				return nil, g.storeFault("session.destroy", err)
			}
		case !errors.Is(err, core.ErrNotFound):
			return nil, g.storeFault("session.get", err)
		}
		if _, err := g.wallets.ReleaseWalletSession(ctx, address, sessionID); err != nil {
			return nil, g.storeFault("wallet.release", err)
		}
	}

	g.metrics.RecordSessionDisconnected(ctx)
	if sessionID != "" {
		g.publish(ctx, core.SessionEvent{
			Type:       core.SessionDisconnected,
			Address:    address,
			SessionID:  sessionID,
			OccurredAt: g.now(),
		})
	}
	g.logger.Debug("wallet disconnected", zap.String("address", address), zap.String("session_id", sessionID))

	return &DisconnectResult{Success: true}, nil
}

// ConnectionStatus describes the current connection of an address
type ConnectionStatus struct {
	Connected     bool
	Verified      bool
	LastConnected *time.Time
	ChainID       int64
	SessionID     string
}

// GetConnectionStatus reads the connection projection through the cache.
func (g *Gateway) GetConnectionStatus(ctx context.Context, address string) (*ConnectionStatus, error) {
	address, err := core.NormalizeAddress(address)
	if err != nil {
		return nil, err
	}

	ctx, cancel := boundedContext(ctx, g.storeTimeout)
	defer cancel()

	if meta, err := g.wallets.CachedConnection(ctx, address); err == nil {
		return connectionStatus(meta), nil
	} else if !errors.Is(err, core.ErrNotFound) {
		g.logger.Warn("connection cache read failed", zap.String("address", address), zap.Error(err))
	}

	binding, err := g.wallets.Binding(ctx, address)
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			return &ConnectionStatus{}, nil
		}
		return nil, g.storeFault("wallet.get", err)
	}
	session, err := g.sessions.Get(ctx, binding.SessionID)
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			return &ConnectionStatus{}, nil
		}
		return nil, g.storeFault("session.get", err)
	}

	meta := &core.ConnectionMetadata{
		Address:       address,
		ChainID:       session.ChainID,
		LastConnected: session.CreatedAt,
		SessionID:     session.ID,
		Verified:      session.Verified,
	}
	g.wallets.CacheBoundConnection(ctx, meta, session.ExpiresAt)
	return connectionStatus(meta), nil
}

func connectionStatus(meta *core.ConnectionMetadata) *ConnectionStatus {
	lastConnected := meta.LastConnected
	return &ConnectionStatus{
		Connected:     true,
		Verified:      meta.Verified,
		LastConnected: &lastConnected,
		ChainID:       meta.ChainID,
		SessionID:     meta.SessionID,
	}
}

// GetRateLimitStatus reports the address's budget in category without
// spending any of it. An empty category means the api tier.
func (g *Gateway) GetRateLimitStatus(ctx context.Context, address, category string) (core.RateLimitResult, error) {
	address, err := core.NormalizeAddress(address)
	if err != nil {
		return core.RateLimitResult{}, err
	}
	if category == "" {
		category = string(core.CategoryAPI)
	}
	return g.limits.Status(ctx, core.Category(category), address)
}

// Authenticate resolves an access token to its live verified session and
// records activity on it. Any failure denies.
func (g *Gateway) Authenticate(ctx context.Context, accessToken string) (*core.Session, error) {
	if g.tokenizer == nil {
		return nil, core.ErrInvalidSession
	}
	claimed, err := g.tokenizer.AccessTokenToSession(accessToken)
	if err != nil {
		g.logger.Debug("access token rejected", zap.Error(err))
		return nil, core.ErrInvalidSession
	}

	ctx, cancel := boundedContext(ctx, g.storeTimeout)
	defer cancel()

	session, err := g.sessions.Cached(ctx, claimed.ID)
	if err != nil {
		if !errors.Is(err, core.ErrNotFound) {
			g.storeFault("session.get", err)
		}
		return nil, core.ErrInvalidSession
	}
	if !session.Verified || session.WalletAddress != claimed.WalletAddress {
		return nil, core.ErrInvalidSession
	}

	if err := g.sessions.Touch(ctx, session.ID); err != nil {
		g.logger.Debug("failed to touch session", zap.String("session_id", session.ID), zap.Error(err))
	}
	if err := g.wallets.UpdateLastActivity(ctx, session.WalletAddress); err != nil {
		g.logger.Debug("failed to touch wallet binding", zap.String("address", session.WalletAddress), zap.Error(err))
	}
	return session, nil
}

// discard undoes a connect that could not complete. Only the binding of
// sessionID is released; a newer connect keeps its own.
func (g *Gateway) discard(ctx context.Context, address, sessionID string) {
	if _, err := g.wallets.ReleaseWalletSession(ctx, address, sessionID); err != nil {
		g.logger.Warn("failed to release unusable binding", zap.String("address", address), zap.String("session_id", sessionID), zap.Error(err))
	}
	if err := g.sessions.Destroy(ctx, sessionID); err != nil {
		g.logger.Warn("failed to discard unusable session", zap.String("session_id", sessionID), zap.Error(err))
	}
}

// storeFault logs a backing store failure and returns it as ErrStoreUnavailable.
func (g *Gateway) storeFault(operation string, err error) error {
	g.logger.Error("store operation failed", zap.String("operation", operation), zap.Error(err))
	if errors.Is(err, core.ErrStoreUnavailable) {
		return err
	}
	return fmt.Errorf("%s: %w", operation, core.ErrStoreUnavailable)
}

func (g *Gateway) publish(ctx context.Context, event core.SessionEvent) {
	if g.publisher == nil {
		return
	}
	if err := g.publisher.PublishSessionEvent(ctx, event); err != nil {
		g.logger.Warn("failed to publish session event",
			zap.String("type", string(event.Type)),
			zap.String("session_id", event.SessionID),
			zap.Error(err))
	}
}
