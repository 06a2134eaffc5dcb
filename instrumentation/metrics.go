package instrumentation

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const meterName = "github.com/layer-3/walletauth"

// Metrics holds all metric instruments for the gateway
type Metrics struct {
	// Rate limiting
	RateLimitAllowed  metric.Int64Counter
	RateLimitExceeded metric.Int64Counter
	RateLimitFailOpen metric.Int64Counter

	// Nonces
	NonceIssued   metric.Int64Counter
	NonceConsumed metric.Int64Counter
	NonceReplayed metric.Int64Counter

	// Sessions
	SessionCreated      metric.Int64Counter
	SessionVerified     metric.Int64Counter
	SessionDisconnected metric.Int64Counter
	SignatureRejected   metric.Int64Counter

	// Storage
	StoreErrors metric.Int64Counter
}

// New creates all instruments on provider. A nil provider yields no-op instruments.
func New(provider metric.MeterProvider) (*Metrics, error) {
	if provider == nil {
		provider = noop.NewMeterProvider()
	}
	meter := provider.Meter(meterName)

	m := &Metrics{}
	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
		unit string
	}{
		{&m.RateLimitAllowed, "walletauth.ratelimit.allowed", "Calls admitted by a rate limit tier", "{call}"},
		{&m.RateLimitExceeded, "walletauth.ratelimit.exceeded", "Calls rejected by a rate limit tier", "{call}"},
		{&m.RateLimitFailOpen, "walletauth.ratelimit.fail_open", "Calls admitted because the counter store was unavailable", "{call}"},
		{&m.NonceIssued, "walletauth.nonce.issued", "Challenge nonces issued", "{nonce}"},
		{&m.NonceConsumed, "walletauth.nonce.consumed", "Challenge nonces consumed", "{nonce}"},
		{&m.NonceReplayed, "walletauth.nonce.replayed", "Attempts to consume an already consumed nonce", "{attempt}"},
		{&m.SessionCreated, "walletauth.session.created", "Sessions created by connect", "{session}"},
		{&m.SessionVerified, "walletauth.session.verified", "Sessions promoted to verified", "{session}"},
		{&m.SessionDisconnected, "walletauth.session.disconnected", "Sessions torn down by disconnect", "{session}"},
		{&m.SignatureRejected, "walletauth.signature.rejected", "Wallet signatures that failed verification", "{signature}"},
		{&m.StoreErrors, "walletauth.store.errors", "Backing store operations that failed", "{error}"},
	}

	for _, c := range counters {
		counter, err := meter.Int64Counter(c.name, metric.WithDescription(c.desc), metric.WithUnit(c.unit))
		if err != nil {
			return nil, fmt.Errorf("failed to create %s counter: %w", c.name, err)
		}
		*c.dst = counter
	}

	return m, nil
}

// RecordRateLimit records a limiter decision for category
func (m *Metrics) RecordRateLimit(ctx context.Context, category string, allowed bool) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("category", category))
	if allowed {
		m.RateLimitAllowed.Add(ctx, 1, attrs)
		return
	}
	m.RateLimitExceeded.Add(ctx, 1, attrs)
}

// RecordRateLimitFailOpen records a call admitted without a counter
func (m *Metrics) RecordRateLimitFailOpen(ctx context.Context, category string) {
	if m == nil {
		return
	}
	m.RateLimitFailOpen.Add(ctx, 1, metric.WithAttributes(attribute.String("category", category)))
}

// RecordNonceIssued records a nonce issue
func (m *Metrics) RecordNonceIssued(ctx context.Context, purpose string) {
	if m == nil {
		return
	}
	m.NonceIssued.Add(ctx, 1, metric.WithAttributes(attribute.String("purpose", purpose)))
}

// RecordNonceConsumed records a nonce consume attempt
func (m *Metrics) RecordNonceConsumed(ctx context.Context, success bool) {
	if m == nil {
		return
	}
	m.NonceConsumed.Add(ctx, 1, metric.WithAttributes(attribute.Bool("success", success)))
}

// RecordNonceReplay records a replayed nonce
func (m *Metrics) RecordNonceReplay(ctx context.Context) {
	if m == nil {
		return
	}
	m.NonceReplayed.Add(ctx, 1)
}

// RecordSessionCreated records a new session for chainID
func (m *Metrics) RecordSessionCreated(ctx context.Context, chainID int64) {
	if m == nil {
		return
	}
	m.SessionCreated.Add(ctx, 1, metric.WithAttributes(attribute.Int64("chain_id", chainID)))
}

// RecordSessionVerified records a session promotion
func (m *Metrics) RecordSessionVerified(ctx context.Context, chainID int64) {
	if m == nil {
		return
	}
	m.SessionVerified.Add(ctx, 1, metric.WithAttributes(attribute.Int64("chain_id", chainID)))
}

// RecordSessionDisconnected records a disconnect
func (m *Metrics) RecordSessionDisconnected(ctx context.Context) {
	if m == nil {
		return
	}
	m.SessionDisconnected.Add(ctx, 1)
}

// RecordSignatureRejected records a failed signature check
func (m *Metrics) RecordSignatureRejected(ctx context.Context) {
	if m == nil {
		return
	}
	m.SignatureRejected.Add(ctx, 1)
}

// RecordStoreError records a failed store operation
func (m *Metrics) RecordStoreError(ctx context.Context, operation string) {
	if m == nil {
		return
	}
	m.StoreErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("operation", operation)))
}
