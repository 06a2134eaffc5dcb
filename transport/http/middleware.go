package http

import (
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/layer-3/walletauth/core"
	"github.com/layer-3/walletauth/service"
)

const sessionContextKey = "walletSession"

// AuthMiddleware creates middleware that validates access tokens and stores
// the session in the context
func AuthMiddleware(gateway *service.Gateway) gin.HandlerFunc {
	return func(c *gin.Context) {
		auth := c.GetHeader("Authorization")

		token, ok := strings.CutPrefix(auth, "Bearer ")
		if !ok || token == "" {
			writeError(c, core.ErrInvalidSession)
			return
		}

		session, err := gateway.Authenticate(c.Request.Context(), token)
		if err != nil {
			writeError(c, err)
			return
		}

		c.Set(sessionContextKey, session)

		c.Next()
	}
}

// SessionFromContext returns the session stored by AuthMiddleware
func SessionFromContext(c *gin.Context) (*core.Session, bool) {
	v, ok := c.Get(sessionContextKey)
	if !ok {
		return nil, false
	}
	session, ok := v.(*core.Session)
	return session, ok
}

// KeyFunc picks the rate limit identifier of a request
type KeyFunc func(c *gin.Context) string

// ByClientIP keys requests by client address
func ByClientIP(c *gin.Context) string {
	return c.ClientIP()
}

// BySessionWallet keys requests by the authenticated wallet, falling back to
// the client address
func BySessionWallet(c *gin.Context) string {
	if session, ok := SessionFromContext(c); ok {
		return session.WalletAddress
	}
	return c.ClientIP()
}

// RateLimit creates middleware that spends one unit of category per request
func RateLimit(limits *service.Registry, category core.Category, key KeyFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		res, err := limits.Allow(c.Request.Context(), category, key(c))
		if res.Limit > 0 {
			c.Header("X-RateLimit-Limit", strconv.Itoa(res.Limit))
			c.Header("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
			c.Header("X-RateLimit-Reset", strconv.FormatInt(res.ResetAt.Unix(), 10))
		}
		if err != nil {
			writeError(c, err)
			return
		}

		c.Next()
	}
}

// RequestLogger logs one line per request
func RequestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		logger.Info("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.String("ip", c.ClientIP()),
			zap.Duration("latency", time.Since(start)))
	}
}
