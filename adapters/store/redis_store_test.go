package store

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/layer-3/walletauth/core"
)

func TestRedisKeysArePrefixed(t *testing.T) {
	b, mr := newRedisBackend(t)
	ctx := context.Background()

	_, _, _, err := b.stores.Counters.Hit(ctx, "auth:"+testAddress, 5, time.Minute)
	require.NoError(t, err)
	require.NoError(t, b.stores.Nonces.Save(ctx, newTestNonce(time.Now(), time.Hour)))
	require.NoError(t, b.stores.Sessions.Create(ctx, newTestSession(time.Now())))

	assert.True(t, mr.Exists("test:rl:auth:"+testAddress))
	assert.True(t, mr.Exists("test:nonce:"+testNonce))
	assert.True(t, mr.Exists("test:session:"+testSession))
	assert.Greater(t, mr.TTL("test:session:"+testSession), time.Duration(0))
}

func TestRedisUnavailable(t *testing.T) {
	b, mr := newRedisBackend(t)
	mr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, _, _, err := b.stores.Counters.Hit(ctx, "auth:x", 5, time.Minute)
	assert.ErrorIs(t, err, core.ErrStoreUnavailable)

	_, err = b.stores.Nonces.Consume(ctx, testNonce, testSession, testAddress)
	assert.ErrorIs(t, err, core.ErrStoreUnavailable)
	assert.NotErrorIs(t, err, core.ErrInvalidNonce)

	_, err = b.stores.Sessions.Get(ctx, testSession)
	assert.ErrorIs(t, err, core.ErrStoreUnavailable)

	_, err = b.stores.Bindings.Get(ctx, testAddress)
	assert.ErrorIs(t, err, core.ErrStoreUnavailable)

	_, err = b.stores.Cache.Get(ctx, "k")
	assert.ErrorIs(t, err, core.ErrStoreUnavailable)
}

func TestRedisDefaultPrefix(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	stores := NewRedisStores(rdb, "")
	require.NoError(t, stores.Cache.Set(context.Background(), "k", []byte("v"), time.Minute))
	assert.True(t, mr.Exists(DefaultPrefix+":cache:k"))
}
