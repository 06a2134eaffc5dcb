package service

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/layer-3/walletauth/adapters/store"
	"github.com/layer-3/walletauth/adapters/tokenizer"
	"github.com/layer-3/walletauth/adapters/verifier"
	"github.com/layer-3/walletauth/core"
	"github.com/layer-3/walletauth/instrumentation"
	"github.com/layer-3/walletauth/ports"
)

var errStoreDown = errors.New("connection refused")

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type testWallet struct {
	key     *ecdsa.PrivateKey
	address string
}

func newWallet(t *testing.T) testWallet {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	return testWallet{key: key, address: crypto.PubkeyToAddress(key.PublicKey).Hex()}
}

// sign produces a personal_sign signature the way browser wallets do
func (w testWallet) sign(t *testing.T, message string) string {
	t.Helper()
	sig, err := crypto.Sign(accounts.TextHash([]byte(message)), w.key)
	require.NoError(t, err)
	sig[crypto.RecoveryIDOffset] += 27
	return hexutil.Encode(sig)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []core.SessionEvent
	err    error
}

func (p *recordingPublisher) PublishSessionEvent(_ context.Context, event core.SessionEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return p.err
}

func (p *recordingPublisher) types() []core.SessionEventType {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]core.SessionEventType, len(p.events))
	for i, e := range p.events {
		out[i] = e.Type
	}
	return out
}

type brokenCounters struct{}

func (brokenCounters) Hit(context.Context, string, int, time.Duration) (int, time.Time, bool, error) {
	return 0, time.Time{}, false, errStoreDown
}

func (brokenCounters) Peek(context.Context, string) (int, time.Time, error) {
	return 0, time.Time{}, errStoreDown
}

type brokenNonces struct {
	ports.NonceStore
}

func (brokenNonces) Consume(context.Context, string, string, string) (*core.Nonce, error) {
	return nil, core.ErrStoreUnavailable
}

type brokenBindings struct {
	ports.BindingStore
}

func (brokenBindings) Get(context.Context, string) (*core.WalletBinding, error) {
	return nil, core.ErrStoreUnavailable
}

type testEnv struct {
	gateway   *Gateway
	clock     *fakeClock
	stores    *ports.Stores
	publisher *recordingPublisher
	reader    *sdkmetric.ManualReader
}

func newTestEnv(t *testing.T, mutate ...func(*Config, *ports.Stores)) *testEnv {
	t.Helper()
	clock := newFakeClock()
	stores, _ := store.NewMemoryStores(store.WithClock(clock.Now))

	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })
	metrics, err := instrumentation.New(provider)
	require.NoError(t, err)

	signKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	publisher := &recordingPublisher{}
	cfg := DefaultConfig()
	cfg.Domain = "app.example.com"
	cfg.Verifier = verifier.NewEthVerifier()
	cfg.Tokenizer = tokenizer.NewJWTTokenizer(signKey, 15*time.Minute).WithClock(clock.Now)
	cfg.Publisher = publisher
	cfg.Metrics = metrics
	cfg.Clock = clock.Now
	for _, m := range mutate {
		m(&cfg, stores)
	}

	gateway, err := NewGateway(cfg, stores)
	require.NoError(t, err)

	return &testEnv{
		gateway:   gateway,
		clock:     clock,
		stores:    stores,
		publisher: publisher,
		reader:    reader,
	}
}

func (e *testEnv) counters(t *testing.T) map[string]int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, e.reader.Collect(context.Background(), &rm))

	totals := make(map[string]int64)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if sum, ok := m.Data.(metricdata.Sum[int64]); ok {
				for _, dp := range sum.DataPoints {
					totals[m.Name] += dp.Value
				}
			}
		}
	}
	return totals
}

// connectAndSign runs connect and returns a verify request signed by w
func (e *testEnv) connectAndSign(t *testing.T, w testWallet) (*ConnectResult, VerifyRequest) {
	t.Helper()
	res, err := e.gateway.Connect(context.Background(), ConnectRequest{Address: w.address, ChainID: 1})
	require.NoError(t, err)

	return res, VerifyRequest{
		Address:   w.address,
		Signature: w.sign(t, res.Message),
		Message:   res.Message,
		Nonce:     res.Nonce,
		SessionID: res.SessionID,
	}
}

// hookedSessions runs each hook once, right after the wrapped call commits
type hookedSessions struct {
	ports.SessionStore
	afterMarkVerified func()
	afterDestroy      func()
}

func (s *hookedSessions) MarkVerified(ctx context.Context, id string, at time.Time) (*core.Session, error) {
	session, err := s.SessionStore.MarkVerified(ctx, id, at)
	if hook := s.afterMarkVerified; hook != nil {
		s.afterMarkVerified = nil
		hook()
	}
	return session, err
}

func (s *hookedSessions) Destroy(ctx context.Context, id string) error {
	err := s.SessionStore.Destroy(ctx, id)
	if hook := s.afterDestroy; hook != nil {
		s.afterDestroy = nil
		hook()
	}
	return err
}

type unsavableNonces struct {
	ports.NonceStore
}

func (unsavableNonces) Save(context.Context, *core.Nonce) error {
	return core.ErrStoreUnavailable
}
