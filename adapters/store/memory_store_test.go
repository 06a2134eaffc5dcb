package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReaperSweepsExpired(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	stores, reaper := NewMemoryStores(WithClock(clock.Now))
	counters := stores.Counters.(*MemoryCounterStore)

	for _, id := range []string{"a", "b", "c"} {
		_, _, _, err := counters.Hit(ctx, "api:"+id, 10, time.Minute)
		require.NoError(t, err)
	}
	require.NoError(t, stores.Cache.Set(ctx, "k", []byte("v"), time.Hour))
	assert.Equal(t, 3, counters.Len())

	clock.Advance(2 * time.Minute)
	assert.Equal(t, 3, counters.Len(), "expired buckets stay until swept or touched")

	assert.Equal(t, 3, reaper.Sweep())
	assert.Zero(t, counters.Len())

	_, err := stores.Cache.Get(ctx, "k")
	assert.NoError(t, err)
}

func TestReaperStartStopsWithContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	clock := newFakeClock()
	stores, reaper := NewMemoryStores(WithClock(clock.Now), WithReapInterval(10*time.Millisecond))
	counters := stores.Counters.(*MemoryCounterStore)

	_, _, _, err := counters.Hit(ctx, "api:a", 10, time.Minute)
	require.NoError(t, err)
	clock.Advance(2 * time.Minute)

	reaper.Start(ctx)
	assert.Eventually(t, func() bool { return counters.Len() == 0 }, time.Second, 10*time.Millisecond)
	cancel()
}

func TestLazyExpiryOnAccess(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	counters := NewMemoryCounterStore(clock.Now)

	_, _, _, err := counters.Hit(ctx, "api:a", 1, time.Minute)
	require.NoError(t, err)
	clock.Advance(2 * time.Minute)

	count, resetAt, allowed, err := counters.Hit(ctx, "api:a", 1, time.Minute)
	require.NoError(t, err)
	assert.True(t, allowed)
	assert.Equal(t, 1, count)
	assert.Equal(t, clock.Now().Add(time.Minute), resetAt)
	assert.Equal(t, 1, counters.Len())
}

func TestMemoryReturnsCopies(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	stores, _ := NewMemoryStores(WithClock(clock.Now))

	s := newTestSession(clock.Now())
	require.NoError(t, stores.Sessions.Create(ctx, s))
	s.WalletAddress = "mutated"

	got, err := stores.Sessions.Get(ctx, testSession)
	require.NoError(t, err)
	assert.Equal(t, testAddress, got.WalletAddress)

	value := []byte("value")
	require.NoError(t, stores.Cache.Set(ctx, "k", value, time.Minute))
	value[0] = 'X'
	cached, err := stores.Cache.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("value"), cached)
}
