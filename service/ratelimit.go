package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/layer-3/walletauth/core"
	"github.com/layer-3/walletauth/instrumentation"
	"github.com/layer-3/walletauth/ports"
)

// DefaultStoreTimeout bounds every backing store round trip
const DefaultStoreTimeout = 2 * time.Second

// Limiter enforces one fixed-window tier for many identifiers
type Limiter struct {
	category core.Category
	rule     core.RateLimitRule
	store    ports.CounterStore
	timeout  time.Duration
	now      func() time.Time
	logger   *zap.Logger
	metrics  *instrumentation.Metrics

	// throttles fault logging while the store is down
	faultLog rate.Sometimes
}

// Allow records one call for identifier. A rejected call returns the result
// together with a *core.RateLimitError carrying the retry delay.
func (l *Limiter) Allow(ctx context.Context, identifier string) (core.RateLimitResult, error) {
	sctx, cancel := boundedContext(ctx, l.timeout)
	defer cancel()

	count, resetAt, allowed, err := l.store.Hit(sctx, l.key(identifier), l.rule.MaxAttempts, l.rule.Window)
	if err != nil {
		return l.onStoreFault(ctx, identifier, err)
	}

	now := l.now()
	res := core.RateLimitResult{
		Category:  l.category,
		Allowed:   allowed,
		Limit:     l.rule.MaxAttempts,
		Remaining: max(l.rule.MaxAttempts-count, 0),
		ResetAt:   resetAt,
	}
	l.metrics.RecordRateLimit(ctx, string(l.category), allowed)
	if allowed {
		return res, nil
	}

	res.RetryAfter = max(resetAt.Sub(now), time.Second)
	l.logger.Debug("rate limit exceeded",
		zap.String("category", string(l.category)),
		zap.String("identifier", identifier),
		zap.Time("reset_at", resetAt))

	return res, &core.RateLimitError{
		Category:   l.category,
		RetryAfter: res.RetryAfter,
		ResetAt:    resetAt,
	}
}

// Status reports the identifier's budget without spending any of it.
func (l *Limiter) Status(ctx context.Context, identifier string) (core.RateLimitResult, error) {
	sctx, cancel := boundedContext(ctx, l.timeout)
	defer cancel()

	count, resetAt, err := l.store.Peek(sctx, l.key(identifier))
	if err != nil {
		l.metrics.RecordStoreError(ctx, "ratelimit.peek")
		l.logger.Error("rate limit status unavailable",
			zap.String("category", string(l.category)),
			zap.Error(err))
		return core.RateLimitResult{}, fmt.Errorf("rate limit status: %w", core.ErrStoreUnavailable)
	}

	now := l.now()
	if count == 0 || !resetAt.After(now) {
		return core.RateLimitResult{
			Category:  l.category,
			Allowed:   true,
			Limit:     l.rule.MaxAttempts,
			Remaining: l.rule.MaxAttempts,
			ResetAt:   now.Add(l.rule.Window),
		}, nil
	}

	res := core.RateLimitResult{
		Category:  l.category,
		Allowed:   count < l.rule.MaxAttempts,
		Limit:     l.rule.MaxAttempts,
		Remaining: max(l.rule.MaxAttempts-count, 0),
		ResetAt:   resetAt,
	}
	if !res.Allowed {
		res.RetryAfter = max(resetAt.Sub(now), time.Second)
	}
	return res, nil
}

// Rule returns the tier's budget
func (l *Limiter) Rule() core.RateLimitRule {
	return l.rule
}

func (l *Limiter) key(identifier string) string {
	return string(l.category) + ":" + identifier
}

func (l *Limiter) onStoreFault(ctx context.Context, identifier string, err error) (core.RateLimitResult, error) {
	l.metrics.RecordStoreError(ctx, "ratelimit.hit")

	if l.rule.Policy == core.FailClosed {
		l.logger.Error("rate limit store unavailable, denying",
			zap.String("category", string(l.category)),
			zap.String("identifier", identifier),
			zap.Error(err))
		if errors.Is(err, core.ErrStoreUnavailable) {
			return core.RateLimitResult{Category: l.category, Limit: l.rule.MaxAttempts}, err
		}
		return core.RateLimitResult{Category: l.category, Limit: l.rule.MaxAttempts},
			fmt.Errorf("%w: %v", core.ErrStoreUnavailable, err)
	}

	l.metrics.RecordRateLimitFailOpen(ctx, string(l.category))
	l.faultLog.Do(func() {
		l.logger.Warn("rate limit store unavailable, allowing",
			zap.String("category", string(l.category)),
			zap.Error(err))
	})

	return core.RateLimitResult{
		Category:  l.category,
		Allowed:   true,
		Limit:     l.rule.MaxAttempts,
		Remaining: l.rule.MaxAttempts - 1,
		ResetAt:   l.now().Add(l.rule.Window),
	}, nil
}

// Registry owns one Limiter per category, all sharing a counter store
type Registry struct {
	limiters map[core.Category]*Limiter
}

// RegistryOption configures NewRegistry
type RegistryOption func(*registryConfig)

type registryConfig struct {
	timeout time.Duration
	now     func() time.Time
	logger  *zap.Logger
	metrics *instrumentation.Metrics
}

// WithStoreTimeout bounds each counter store call.
func WithStoreTimeout(d time.Duration) RegistryOption {
	return func(c *registryConfig) { c.timeout = d }
}

// WithRegistryClock overrides the time source.
func WithRegistryClock(now func() time.Time) RegistryOption {
	return func(c *registryConfig) { c.now = now }
}

// WithRegistryLogger sets the logger.
func WithRegistryLogger(logger *zap.Logger) RegistryOption {
	return func(c *registryConfig) { c.logger = logger }
}

// WithRegistryMetrics sets the metrics sink.
func WithRegistryMetrics(m *instrumentation.Metrics) RegistryOption {
	return func(c *registryConfig) { c.metrics = m }
}

// NewRegistry builds limiters for every rule. Rules with a non-positive
// budget or window are rejected.
func NewRegistry(store ports.CounterStore, rules map[core.Category]core.RateLimitRule, opts ...RegistryOption) (*Registry, error) {
	cfg := registryConfig{
		timeout: DefaultStoreTimeout,
		now:     time.Now,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	r := &Registry{limiters: make(map[core.Category]*Limiter, len(rules))}
	for category, rule := range rules {
		if rule.MaxAttempts < 1 || rule.Window <= 0 {
			return nil, fmt.Errorf("rate limit %s: max attempts and window must be positive", category)
		}
		r.limiters[category] = &Limiter{
			category: category,
			rule:     rule,
			store:    store,
			timeout:  cfg.timeout,
			now:      cfg.now,
			logger:   cfg.logger.Named("ratelimit"),
			metrics:  cfg.metrics,
			faultLog: rate.Sometimes{Interval: time.Second},
		}
	}
	return r, nil
}

// Limiter returns the limiter for category
func (r *Registry) Limiter(category core.Category) (*Limiter, error) {
	l, ok := r.limiters[category]
	if !ok {
		return nil, fmt.Errorf("%w: %q", core.ErrUnknownCategory, category)
	}
	return l, nil
}

// Allow records one call for identifier in category
func (r *Registry) Allow(ctx context.Context, category core.Category, identifier string) (core.RateLimitResult, error) {
	l, err := r.Limiter(category)
	if err != nil {
		return core.RateLimitResult{}, err
	}
	return l.Allow(ctx, identifier)
}

// Status peeks at identifier's budget in category
func (r *Registry) Status(ctx context.Context, category core.Category, identifier string) (core.RateLimitResult, error) {
	l, err := r.Limiter(category)
	if err != nil {
		return core.RateLimitResult{}, err
	}
	return l.Status(ctx, identifier)
}

func boundedContext(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
