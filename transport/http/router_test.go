package http

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/layer-3/walletauth/adapters/store"
	"github.com/layer-3/walletauth/adapters/tokenizer"
	"github.com/layer-3/walletauth/adapters/verifier"
	"github.com/layer-3/walletauth/core"
	"github.com/layer-3/walletauth/service"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func setupTestRouter(t *testing.T) *gin.Engine {
	t.Helper()
	stores, _ := store.NewMemoryStores()

	signKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	cfg := service.DefaultConfig()
	cfg.Verifier = verifier.NewEthVerifier()
	cfg.Tokenizer = tokenizer.NewJWTTokenizer(signKey, 15*time.Minute)
	gateway, err := service.NewGateway(cfg, stores)
	require.NoError(t, err)

	return SetupRouter(gateway, nil)
}

func doJSON(t *testing.T, router *gin.Engine, method, path string, body any, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func newKey(t *testing.T) (*ecdsa.PrivateKey, string) {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	return key, crypto.PubkeyToAddress(key.PublicKey).Hex()
}

func personalSign(t *testing.T, key *ecdsa.PrivateKey, message string) string {
	t.Helper()
	sig, err := crypto.Sign(accounts.TextHash([]byte(message)), key)
	require.NoError(t, err)
	sig[crypto.RecoveryIDOffset] += 27
	return hexutil.Encode(sig)
}

func TestWalletFlow(t *testing.T) {
	router := setupTestRouter(t)
	key, address := newKey(t)

	w := doJSON(t, router, http.MethodPost, "/wallet/connect", gin.H{"address": strings.ToLower(address), "chainId": 1})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	conn := decode(t, w)
	sessionID := conn["sessionId"].(string)
	message := conn["message"].(string)
	assert.NotEmpty(t, conn["nonce"])
	assert.NotEmpty(t, conn["expiresAt"])

	w = doJSON(t, router, http.MethodPost, "/wallet/verify", gin.H{
		"address":   address,
		"signature": personalSign(t, key, message),
		"message":   message,
		"nonce":     conn["nonce"],
		"sessionId": sessionID,
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	verified := decode(t, w)
	assert.Equal(t, true, verified["verified"])
	assert.Equal(t, address, verified["walletAddress"])
	assert.Equal(t, "Bearer", verified["tokenType"])
	token := verified["accessToken"].(string)

	w = doJSON(t, router, http.MethodGet, "/wallet/status/"+address, nil)
	require.Equal(t, http.StatusOK, w.Code)
	status := decode(t, w)
	assert.Equal(t, true, status["connected"])
	assert.Equal(t, true, status["verified"])
	assert.Equal(t, float64(1), status["chainId"])
	assert.Equal(t, "100", w.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "99", w.Header().Get("X-RateLimit-Remaining"))
	assert.NotEmpty(t, w.Header().Get("X-RateLimit-Reset"))

	w = doJSON(t, router, http.MethodGet, fmt.Sprintf("/wallet/session?sessionId=%s&address=%s", sessionID, address), nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, true, decode(t, w)["verified"])

	w = doJSON(t, router, http.MethodGet, "/api/me", nil, "Authorization", "Bearer "+token)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	me := decode(t, w)
	assert.Equal(t, address, me["address"])
	assert.Equal(t, sessionID, me["sessionId"])

	w = doJSON(t, router, http.MethodPost, "/wallet/disconnect", gin.H{"address": address, "sessionId": sessionID})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, decode(t, w)["success"])

	w = doJSON(t, router, http.MethodGet, "/wallet/status/"+address, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, false, decode(t, w)["connected"])

	w = doJSON(t, router, http.MethodGet, "/api/me", nil, "Authorization", "Bearer "+token)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestConnectErrors(t *testing.T) {
	router := setupTestRouter(t)
	_, address := newKey(t)

	w := doJSON(t, router, http.MethodPost, "/wallet/connect", gin.H{"address": "0xnothex", "chainId": 1})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "invalid wallet address", decode(t, w)["error"])

	w = doJSON(t, router, http.MethodPost, "/wallet/connect", gin.H{"address": address})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	for i := 0; i < 5; i++ {
		w = doJSON(t, router, http.MethodPost, "/wallet/connect", gin.H{"address": address, "chainId": 1})
		require.Equal(t, http.StatusOK, w.Code)
	}
	w = doJSON(t, router, http.MethodPost, "/wallet/connect", gin.H{"address": address, "chainId": 1})
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
	assert.NotEmpty(t, w.Header().Get("X-RateLimit-Reset"))
	body := decode(t, w)
	assert.Equal(t, "rate limited", body["error"])
	assert.Greater(t, body["retryAfter"].(float64), float64(0))
}

func TestVerifyBadSignature(t *testing.T) {
	router := setupTestRouter(t)
	_, address := newKey(t)
	other, _ := newKey(t)

	w := doJSON(t, router, http.MethodPost, "/wallet/connect", gin.H{"address": address, "chainId": 1})
	require.Equal(t, http.StatusOK, w.Code)
	conn := decode(t, w)

	w = doJSON(t, router, http.MethodPost, "/wallet/verify", gin.H{
		"address":   address,
		"signature": personalSign(t, other, conn["message"].(string)),
		"message":   conn["message"],
		"nonce":     conn["nonce"],
		"sessionId": conn["sessionId"],
	})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "invalid signature", decode(t, w)["error"])

	w = doJSON(t, router, http.MethodPost, "/wallet/verify", gin.H{"address": address})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAPIRequiresBearer(t *testing.T) {
	router := setupTestRouter(t)

	w := doJSON(t, router, http.MethodGet, "/api/me", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = doJSON(t, router, http.MethodGet, "/api/me", nil, "Authorization", "Basic dXNlcjpwYXNz")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = doJSON(t, router, http.MethodGet, "/api/me", nil, "Authorization", "Bearer not-a-jwt")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestRateLimitStatusEndpoint(t *testing.T) {
	router := setupTestRouter(t)
	_, address := newKey(t)

	w := doJSON(t, router, http.MethodGet, "/wallet/rate-limit/"+address+"?type=vault", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, "vault", body["type"])
	assert.Equal(t, float64(10), body["remaining"])
	assert.Equal(t, true, body["allowed"])

	w = doJSON(t, router, http.MethodGet, "/wallet/rate-limit/"+address, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "api", decode(t, w)["type"])

	w = doJSON(t, router, http.MethodGet, "/wallet/rate-limit/"+address+"?type=search", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "unknown rate limit type", decode(t, w)["error"])
}

func TestSessionNotFound(t *testing.T) {
	router := setupTestRouter(t)
	_, address := newKey(t)

	w := doJSON(t, router, http.MethodGet, "/wallet/session?sessionId=7b0a5f44-8f7e-4b3f-9a53-1b7b8e5f6c00&address="+address, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestStatusOf(t *testing.T) {
	tests := []struct {
		err    error
		status int
	}{
		{&core.RateLimitError{Category: core.CategoryAuth, RetryAfter: time.Minute}, http.StatusTooManyRequests},
		{core.ErrInvalidSession, http.StatusUnauthorized},
		{core.ErrNonceReplayed, http.StatusUnauthorized},
		{fmt.Errorf("verify: %w", core.ErrInvalidSignature), http.StatusUnauthorized},
		{core.ErrNotFound, http.StatusNotFound},
		{core.ErrInvalidAddress, http.StatusBadRequest},
		{core.ErrUnknownCategory, http.StatusBadRequest},
		{core.ErrInvalidRequest, http.StatusBadRequest},
		{fmt.Errorf("session.get: %w", core.ErrStoreUnavailable), http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			status, msg := statusOf(tt.err)
			assert.Equal(t, tt.status, status)
			assert.NotContains(t, msg, "boom")
		})
	}
}
