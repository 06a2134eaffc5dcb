package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/layer-3/walletauth/core"
	"github.com/layer-3/walletauth/ports"
)

// DefaultPrefix namespaces every key written by the Redis stores
const DefaultPrefix = "walletauth"

// NewRedisStores creates stores sharing one Redis client. Every mutation is a
// single command, a MULTI pipeline or a Lua script, so instances can share state.
func NewRedisStores(client redis.UniversalClient, prefix string) *ports.Stores {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &ports.Stores{
		Counters: NewRedisCounterStore(client, prefix),
		Nonces:   NewRedisNonceStore(client, prefix),
		Sessions: NewRedisSessionStore(client, prefix),
		Bindings: NewRedisBindingStore(client, prefix),
		Cache:    NewRedisCache(client, prefix),
	}
}

func unavailable(err error) error {
	return fmt.Errorf("%w: %v", core.ErrStoreUnavailable, err)
}

// RedisCounterStore implements ports.CounterStore
type RedisCounterStore struct {
	client redis.UniversalClient
	prefix string
}

var _ ports.CounterStore = (*RedisCounterStore)(nil)

// NewRedisCounterStore creates a counter store under prefix
func NewRedisCounterStore(client redis.UniversalClient, prefix string) *RedisCounterStore {
	return &RedisCounterStore{client: client, prefix: prefix + ":rl:"}
}

// Hit runs the fixed window script against key
func (s *RedisCounterStore) Hit(ctx context.Context, key string, limit int, window time.Duration) (int, time.Time, bool, error) {
	windowMs := window.Milliseconds()
	if windowMs < 1 {
		windowMs = 1
	}

	res, err := fixedWindowLua.Run(ctx, s.client, []string{s.prefix + key}, limit, windowMs).Slice()
	if err != nil {
		return 0, time.Time{}, false, unavailable(err)
	}
	if len(res) != 3 {
		return 0, time.Time{}, false, unavailable(fmt.Errorf("unexpected counter reply %v", res))
	}

	allowed := toInt64(res[0]) == 1
	count := int(toInt64(res[1]))
	resetAt := time.Now().Add(time.Duration(toInt64(res[2])) * time.Millisecond)
	return count, resetAt, allowed, nil
}

// Peek reads the bucket of key without incrementing it
func (s *RedisCounterStore) Peek(ctx context.Context, key string) (int, time.Time, error) {
	k := s.prefix + key
	pipe := s.client.Pipeline()
	get := pipe.Get(ctx, k)
	pttl := pipe.PTTL(ctx, k)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return 0, time.Time{}, unavailable(err)
	}

	count, err := get.Int()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, time.Time{}, nil
		}
		return 0, time.Time{}, unavailable(err)
	}

	ttl := pttl.Val()
	if ttl < 0 {
		return count, time.Time{}, nil
	}
	return count, time.Now().Add(ttl), nil
}

// RedisNonceStore implements ports.NonceStore on hashes
type RedisNonceStore struct {
	client redis.UniversalClient
	prefix string
}

var _ ports.NonceStore = (*RedisNonceStore)(nil)

// NewRedisNonceStore creates a nonce store under prefix
func NewRedisNonceStore(client redis.UniversalClient, prefix string) *RedisNonceStore {
	return &RedisNonceStore{client: client, prefix: prefix + ":nonce:"}
}

// Save writes the nonce hash with its expiry
func (s *RedisNonceStore) Save(ctx context.Context, nonce *core.Nonce) error {
	key := s.prefix + nonce.Value
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, map[string]interface{}{
			"address":  nonce.WalletAddress,
			"session":  nonce.SessionID,
			"purpose":  nonce.Purpose,
			"issued":   formatMillis(nonce.IssuedAt),
			"expires":  formatMillis(nonce.ExpiresAt),
			"consumed": "0",
		})
		pipe.PExpireAt(ctx, key, nonce.ExpiresAt)
		return nil
	})
	if err != nil {
		return unavailable(err)
	}
	return nil
}

// Consume spends the nonce in one script call
func (s *RedisNonceStore) Consume(ctx context.Context, value, sessionID, address string) (*core.Nonce, error) {
	now := formatMillis(time.Now())
	res, err := consumeNonceLua.Run(ctx, s.client, []string{s.prefix + value}, sessionID, address, now).Slice()
	if err != nil {
		return nil, unavailable(err)
	}
	if len(res) == 0 {
		return nil, unavailable(errors.New("empty nonce reply"))
	}

	switch toInt64(res[0]) {
	case 1:
	case 2:
		return nil, core.ErrNonceReplayed
	default:
		return nil, core.ErrInvalidNonce
	}
	if len(res) != 4 {
		return nil, unavailable(fmt.Errorf("unexpected nonce reply %v", res))
	}

	return &core.Nonce{
		Value:         value,
		WalletAddress: address,
		SessionID:     sessionID,
		Purpose:       toString(res[1]),
		IssuedAt:      parseMillis(toString(res[2])),
		ExpiresAt:     parseMillis(toString(res[3])),
		Consumed:      true,
	}, nil
}

// RedisSessionStore implements ports.SessionStore on hashes
type RedisSessionStore struct {
	client redis.UniversalClient
	prefix string
}

var _ ports.SessionStore = (*RedisSessionStore)(nil)

// NewRedisSessionStore creates a session store under prefix
func NewRedisSessionStore(client redis.UniversalClient, prefix string) *RedisSessionStore {
	return &RedisSessionStore{client: client, prefix: prefix + ":session:"}
}

// Create writes the session hash expiring at ExpiresAt
func (s *RedisSessionStore) Create(ctx context.Context, session *core.Session) error {
	key := s.prefix + session.ID
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		pipe.HSet(ctx, key, encodeSession(session))
		pipe.PExpireAt(ctx, key, session.ExpiresAt)
		return nil
	})
	if err != nil {
		return unavailable(err)
	}
	return nil
}

// Get returns the stored value or core.ErrNotFound
func (s *RedisSessionStore) Get(ctx context.Context, id string) (*core.Session, error) {
	fields, err := s.client.HGetAll(ctx, s.prefix+id).Result()
	if err != nil {
		return nil, unavailable(err)
	}
	if len(fields) == 0 {
		return nil, core.ErrNotFound
	}
	return decodeSession(id, fields), nil
}

// Touch records activity when the key still exists
func (s *RedisSessionStore) Touch(ctx context.Context, id string, at time.Time) error {
	ok, err := touchLua.Run(ctx, s.client, []string{s.prefix + id}, "last", formatMillis(at)).Int64()
	if err != nil {
		return unavailable(err)
	}
	if ok == 0 {
		return core.ErrNotFound
	}
	return nil
}

// MarkVerified promotes the session once; later calls keep the first VerifiedAt
func (s *RedisSessionStore) MarkVerified(ctx context.Context, id string, at time.Time) (*core.Session, error) {
	res, err := markVerifiedLua.Run(ctx, s.client, []string{s.prefix + id}, formatMillis(at)).Slice()
	if err != nil {
		return nil, unavailable(err)
	}
	if len(res) == 0 {
		return nil, core.ErrNotFound
	}
	return decodeSession(id, pairsToMap(res)), nil
}

// Destroy removes the session. Idempotent.
func (s *RedisSessionStore) Destroy(ctx context.Context, id string) error {
	if err := s.client.Del(ctx, s.prefix+id).Err(); err != nil {
		return unavailable(err)
	}
	return nil
}

// RedisBindingStore implements ports.BindingStore on hashes
type RedisBindingStore struct {
	client redis.UniversalClient
	prefix string
}

var _ ports.BindingStore = (*RedisBindingStore)(nil)

// NewRedisBindingStore creates a binding store under prefix
func NewRedisBindingStore(client redis.UniversalClient, prefix string) *RedisBindingStore {
	return &RedisBindingStore{client: client, prefix: prefix + ":wallet:"}
}

// Bind swaps the binding atomically and returns the previous one
func (s *RedisBindingStore) Bind(ctx context.Context, binding *core.WalletBinding, ttl time.Duration) (*core.WalletBinding, error) {
	args := []interface{}{ttl.Milliseconds()}
	for k, v := range encodeBinding(binding) {
		args = append(args, k, v)
	}

	res, err := bindLua.Run(ctx, s.client, []string{s.prefix + binding.Address}, args...).Slice()
	if err != nil {
		return nil, unavailable(err)
	}
	if len(res) == 0 {
		return nil, nil
	}
	return decodeBinding(binding.Address, pairsToMap(res)), nil
}

// Get returns the stored value or core.ErrNotFound
func (s *RedisBindingStore) Get(ctx context.Context, address string) (*core.WalletBinding, error) {
	fields, err := s.client.HGetAll(ctx, s.prefix+address).Result()
	if err != nil {
		return nil, unavailable(err)
	}
	if len(fields) == 0 {
		return nil, core.ErrNotFound
	}
	return decodeBinding(address, fields), nil
}

// Touch records activity when the key still exists
func (s *RedisBindingStore) Touch(ctx context.Context, address string, at time.Time) error {
	ok, err := touchLua.Run(ctx, s.client, []string{s.prefix + address}, "last", formatMillis(at)).Int64()
	if err != nil {
		return unavailable(err)
	}
	if ok == 0 {
		return core.ErrNotFound
	}
	return nil
}

// Delete removes the keys. Idempotent.
func (s *RedisBindingStore) Delete(ctx context.Context, address string) error {
	if err := s.client.Del(ctx, s.prefix+address).Err(); err != nil {
		return unavailable(err)
	}
	return nil
}

// DeleteIfSession removes the binding only while it points at sessionID
func (s *RedisBindingStore) DeleteIfSession(ctx context.Context, address, sessionID string) (bool, error) {
	n, err := deleteIfSessionLua.Run(ctx, s.client, []string{s.prefix + address}, sessionID).Int64()
	if err != nil {
		return false, unavailable(err)
	}
	return n == 1, nil
}

// RedisCache implements ports.Cache with plain string keys
type RedisCache struct {
	client redis.UniversalClient
	prefix string
}

var _ ports.Cache = (*RedisCache)(nil)

// NewRedisCache creates a cache under prefix
func NewRedisCache(client redis.UniversalClient, prefix string) *RedisCache {
	return &RedisCache{client: client, prefix: prefix + ":cache:"}
}

// Get returns the stored value or core.ErrNotFound
func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := c.client.Get(ctx, c.prefix+key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, core.ErrNotFound
		}
		return nil, unavailable(err)
	}
	return data, nil
}

// Set stores value for ttl; a non-positive ttl drops the key
func (c *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		return c.Delete(ctx, key)
	}
	if err := c.client.Set(ctx, c.prefix+key, value, ttl).Err(); err != nil {
		return unavailable(err)
	}
	return nil
}

// Delete removes the keys. Idempotent.
func (c *RedisCache) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = c.prefix + k
	}
	if err := c.client.Del(ctx, full...).Err(); err != nil {
		return unavailable(err)
	}
	return nil
}

func encodeSession(s *core.Session) map[string]interface{} {
	fields := map[string]interface{}{
		"address":  s.WalletAddress,
		"chain":    strconv.FormatInt(s.ChainID, 10),
		"ua":       s.UserAgent,
		"ip":       s.IPAddress,
		"created":  formatMillis(s.CreatedAt),
		"last":     formatMillis(s.LastActivityAt),
		"expires":  formatMillis(s.ExpiresAt),
		"verified": "0",
	}
	if s.Verified {
		fields["verified"] = "1"
	}
	if s.VerifiedAt != nil {
		fields["verified_at"] = formatMillis(*s.VerifiedAt)
	}
	return fields
}

func decodeSession(id string, f map[string]string) *core.Session {
	chainID, _ := strconv.ParseInt(f["chain"], 10, 64)
	s := &core.Session{
		ID:             id,
		WalletAddress:  f["address"],
		ChainID:        chainID,
		UserAgent:      f["ua"],
		IPAddress:      f["ip"],
		CreatedAt:      parseMillis(f["created"]),
		LastActivityAt: parseMillis(f["last"]),
		ExpiresAt:      parseMillis(f["expires"]),
		Verified:       f["verified"] == "1",
	}
	if v, ok := f["verified_at"]; ok && v != "" {
		at := parseMillis(v)
		s.VerifiedAt = &at
	}
	return s
}

func encodeBinding(b *core.WalletBinding) map[string]string {
	return map[string]string{
		"session":   b.SessionID,
		"chain":     strconv.FormatInt(b.ChainID, 10),
		"ua":        b.UserAgent,
		"ip":        b.IPAddress,
		"connected": formatMillis(b.ConnectedAt),
		"last":      formatMillis(b.LastActivityAt),
	}
}

func decodeBinding(address string, f map[string]string) *core.WalletBinding {
	chainID, _ := strconv.ParseInt(f["chain"], 10, 64)
	return &core.WalletBinding{
		Address:        address,
		SessionID:      f["session"],
		ChainID:        chainID,
		UserAgent:      f["ua"],
		IPAddress:      f["ip"],
		ConnectedAt:    parseMillis(f["connected"]),
		LastActivityAt: parseMillis(f["last"]),
	}
}

func formatMillis(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}

func parseMillis(s string) time.Time {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil || ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func pairsToMap(flat []interface{}) map[string]string {
	out := make(map[string]string, len(flat)/2)
	for i := 0; i+1 < len(flat); i += 2 {
		out[toString(flat[i])] = toString(flat[i+1])
	}
	return out
}

func toInt64(v interface{}) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case string:
		i, _ := strconv.ParseInt(n, 10, 64)
		return i
	default:
		return 0
	}
}

func toString(v interface{}) string {
	switch s := v.(type) {
	case string:
		return s
	case []byte:
		return string(s)
	case int64:
		return strconv.FormatInt(s, 10)
	default:
		return ""
	}
}
