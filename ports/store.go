package ports

import (
	"context"
	"time"

	"github.com/layer-3/walletauth/core"
)

// CounterStore holds fixed-window counters. Hit increments and compares
// in one atomic step; rejected hits do not consume budget.
type CounterStore interface {
	Hit(ctx context.Context, key string, limit int, window time.Duration) (count int, resetAt time.Time, allowed bool, err error)
	Peek(ctx context.Context, key string) (count int, resetAt time.Time, err error)
}

// NonceStore owns the nonce lifecycle
type NonceStore interface {
	Save(ctx context.Context, nonce *core.Nonce) error
	// Consume marks the nonce consumed if it exists, is unconsumed, unexpired
	// and bound to sessionID and address. Otherwise it returns core.ErrInvalidNonce.
	Consume(ctx context.Context, value, sessionID, address string) (*core.Nonce, error)
}

// SessionStore owns the session lifecycle
type SessionStore interface {
	Create(ctx context.Context, session *core.Session) error
	Get(ctx context.Context, id string) (*core.Session, error)
	Touch(ctx context.Context, id string, at time.Time) error
	// MarkVerified sets verified once; later calls return the stored session unchanged.
	MarkVerified(ctx context.Context, id string, at time.Time) (*core.Session, error)
	Destroy(ctx context.Context, id string) error
}

// BindingStore maps wallet addresses to their current session
type BindingStore interface {
	Bind(ctx context.Context, binding *core.WalletBinding, ttl time.Duration) (previous *core.WalletBinding, err error)
	Get(ctx context.Context, address string) (*core.WalletBinding, error)
	Touch(ctx context.Context, address string, at time.Time) error
	Delete(ctx context.Context, address string) error
	// DeleteIfSession removes the binding only while it still points at sessionID.
	DeleteIfSession(ctx context.Context, address, sessionID string) (bool, error)
}

// Cache is a short-lived read cache. Get returns core.ErrNotFound on miss.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
}

// Stores groups the backing stores the gateway needs
type Stores struct {
	Counters CounterStore
	Nonces   NonceStore
	Sessions SessionStore
	Bindings BindingStore
	Cache    Cache
}
