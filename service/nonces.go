package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/layer-3/walletauth/core"
	"github.com/layer-3/walletauth/instrumentation"
	"github.com/layer-3/walletauth/ports"
)

// DefaultNonceTTL matches the connect window
const DefaultNonceTTL = 4 * time.Hour

// PurposeWalletLogin is the purpose of the challenge issued by connect
const PurposeWalletLogin = "wallet-login"

// Nonces issues and consumes single-use challenge nonces
type Nonces struct {
	store   ports.NonceStore
	ttl     time.Duration
	now     func() time.Time
	metrics *instrumentation.Metrics
}

// NewNonces creates a nonce issuer over store
func NewNonces(store ports.NonceStore, ttl time.Duration, now func() time.Time, metrics *instrumentation.Metrics) *Nonces {
	if ttl <= 0 {
		ttl = DefaultNonceTTL
	}
	if now == nil {
		now = time.Now
	}
	return &Nonces{store: store, ttl: ttl, now: now, metrics: metrics}
}

// Issue creates a random UUIDv4 nonce bound to address and sessionID.
func (n *Nonces) Issue(ctx context.Context, address, sessionID, purpose string) (*core.Nonce, error) {
	value, err := uuid.NewRandom()
	if err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	issuedAt := n.now()
	nonce := &core.Nonce{
		Value:         value.String(),
		WalletAddress: address,
		SessionID:     sessionID,
		Purpose:       purpose,
		IssuedAt:      issuedAt,
		ExpiresAt:     issuedAt.Add(n.ttl),
	}
	if err := n.store.Save(ctx, nonce); err != nil {
		n.metrics.RecordStoreError(ctx, "nonce.save")
		return nil, fmt.Errorf("failed to save nonce: %w", err)
	}

	n.metrics.RecordNonceIssued(ctx, purpose)
	return nonce, nil
}

// Consume atomically spends the nonce. Malformed values are rejected without
// a store round trip.
func (n *Nonces) Consume(ctx context.Context, value, sessionID, address string) (*core.Nonce, error) {
	if _, err := uuid.Parse(value); err != nil {
		n.metrics.RecordNonceConsumed(ctx, false)
		return nil, core.ErrInvalidNonce
	}

	nonce, err := n.store.Consume(ctx, value, sessionID, address)
	if err != nil {
		n.metrics.RecordNonceConsumed(ctx, false)
		switch {
		case errors.Is(err, core.ErrNonceReplayed):
			n.metrics.RecordNonceReplay(ctx)
		case errors.Is(err, core.ErrStoreUnavailable):
			n.metrics.RecordStoreError(ctx, "nonce.consume")
		}
		return nil, err
	}

	n.metrics.RecordNonceConsumed(ctx, true)
	return nonce, nil
}
