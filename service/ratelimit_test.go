package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/layer-3/walletauth/adapters/store"
	"github.com/layer-3/walletauth/core"
)

func TestLimiterFixedWindow(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	counters := store.NewMemoryCounterStore(clock.Now)

	registry, err := NewRegistry(counters, map[core.Category]core.RateLimitRule{
		core.CategoryVault: {MaxAttempts: 3, Window: time.Minute},
	}, WithRegistryClock(clock.Now))
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		res, err := registry.Allow(ctx, core.CategoryVault, "client-1")
		require.NoError(t, err)
		assert.True(t, res.Allowed)
		assert.Equal(t, 2-i, res.Remaining)
		assert.Equal(t, 3, res.Limit)
	}

	clock.Advance(20 * time.Second)
	res, err := registry.Allow(ctx, core.CategoryVault, "client-1")
	require.ErrorIs(t, err, core.ErrRateLimited)
	assert.False(t, res.Allowed)
	assert.Equal(t, 40*time.Second, res.RetryAfter)

	var limited *core.RateLimitError
	require.True(t, errors.As(err, &limited))
	assert.Equal(t, core.CategoryVault, limited.Category)
	assert.Equal(t, int64(40), limited.RetryAfterSeconds())
	assert.Equal(t, clock.Now().Add(40*time.Second), limited.ResetAt)

	other, err := registry.Allow(ctx, core.CategoryVault, "client-2")
	require.NoError(t, err)
	assert.True(t, other.Allowed)

	clock.Advance(41 * time.Second)
	res, err = registry.Allow(ctx, core.CategoryVault, "client-1")
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Equal(t, 2, res.Remaining)
}

func TestLimiterStatusDoesNotSpend(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	registry, err := NewRegistry(store.NewMemoryCounterStore(clock.Now), core.DefaultRateLimitRules(), WithRegistryClock(clock.Now))
	require.NoError(t, err)

	status, err := registry.Status(ctx, core.CategoryAuth, "client")
	require.NoError(t, err)
	assert.True(t, status.Allowed)
	assert.Equal(t, 5, status.Remaining)

	for i := 0; i < 5; i++ {
		_, err := registry.Allow(ctx, core.CategoryAuth, "client")
		require.NoError(t, err)
	}

	for i := 0; i < 3; i++ {
		status, err = registry.Status(ctx, core.CategoryAuth, "client")
		require.NoError(t, err)
	}
	assert.False(t, status.Allowed)
	assert.Zero(t, status.Remaining)
	assert.Equal(t, 300*time.Second, status.RetryAfter)
}

func TestLimiterUnknownCategory(t *testing.T) {
	registry, err := NewRegistry(store.NewMemoryCounterStore(time.Now), core.DefaultRateLimitRules())
	require.NoError(t, err)

	_, err = registry.Allow(context.Background(), "search", "client")
	assert.ErrorIs(t, err, core.ErrUnknownCategory)
}

func TestNewRegistryRejectsInvalidRules(t *testing.T) {
	_, err := NewRegistry(store.NewMemoryCounterStore(time.Now), map[core.Category]core.RateLimitRule{
		core.CategoryAPI: {MaxAttempts: 0, Window: time.Minute},
	})
	assert.Error(t, err)

	_, err = NewRegistry(store.NewMemoryCounterStore(time.Now), map[core.Category]core.RateLimitRule{
		core.CategoryAPI: {MaxAttempts: 1},
	})
	assert.Error(t, err)
}

func TestLimiterFailsOpen(t *testing.T) {
	registry, err := NewRegistry(brokenCounters{}, core.DefaultRateLimitRules())
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		res, err := registry.Allow(context.Background(), core.CategoryAuth, "client")
		require.NoError(t, err)
		assert.True(t, res.Allowed)
		assert.Equal(t, 4, res.Remaining)
	}

	_, err = registry.Status(context.Background(), core.CategoryAuth, "client")
	assert.ErrorIs(t, err, core.ErrStoreUnavailable)
}

func TestLimiterFailsClosed(t *testing.T) {
	rules := core.DefaultRateLimitRules()
	rule := rules[core.CategoryVault]
	rule.Policy = core.FailClosed
	rules[core.CategoryVault] = rule

	registry, err := NewRegistry(brokenCounters{}, rules)
	require.NoError(t, err)

	res, err := registry.Allow(context.Background(), core.CategoryVault, "client")
	assert.ErrorIs(t, err, core.ErrStoreUnavailable)
	assert.False(t, res.Allowed)

	res, err = registry.Allow(context.Background(), core.CategoryAPI, "client")
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}

func TestLimiterBoundsStoreCalls(t *testing.T) {
	registry, err := NewRegistry(slowCounters{}, core.DefaultRateLimitRules(), WithStoreTimeout(20*time.Millisecond))
	require.NoError(t, err)

	start := time.Now()
	res, err := registry.Allow(context.Background(), core.CategoryAPI, "client")
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Less(t, time.Since(start), time.Second)
}

type slowCounters struct{ brokenCounters }

func (slowCounters) Hit(ctx context.Context, _ string, _ int, _ time.Duration) (int, time.Time, bool, error) {
	<-ctx.Done()
	return 0, time.Time{}, false, ctx.Err()
}
