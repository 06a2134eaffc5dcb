package http

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/layer-3/walletauth/core"
)

// writeError maps an error to its status code. Internal error text never
// reaches the client.
func writeError(c *gin.Context, err error) {
	var limited *core.RateLimitError
	if errors.As(err, &limited) {
		retryAfter := limited.RetryAfterSeconds()
		c.Header("Retry-After", strconv.FormatInt(retryAfter, 10))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(limited.ResetAt.Unix(), 10))
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"error":      "rate limited",
			"retryAfter": retryAfter,
		})
		return
	}

	status, msg := statusOf(err)
	c.AbortWithStatusJSON(status, gin.H{"error": msg})
}

func statusOf(err error) (int, string) {
	switch {
	case errors.Is(err, core.ErrRateLimited):
		return http.StatusTooManyRequests, "rate limited"
	case errors.Is(err, core.ErrInvalidSession):
		return http.StatusUnauthorized, "invalid session"
	case errors.Is(err, core.ErrInvalidNonce):
		return http.StatusUnauthorized, "invalid nonce"
	case errors.Is(err, core.ErrInvalidSignature):
		return http.StatusUnauthorized, "invalid signature"
	case errors.Is(err, core.ErrNotFound):
		return http.StatusNotFound, "not found"
	case errors.Is(err, core.ErrInvalidAddress):
		return http.StatusBadRequest, "invalid wallet address"
	case errors.Is(err, core.ErrUnknownCategory):
		return http.StatusBadRequest, "unknown rate limit type"
	case errors.Is(err, core.ErrInvalidRequest):
		return http.StatusBadRequest, "invalid request"
	case errors.Is(err, core.ErrStoreUnavailable):
		return http.StatusServiceUnavailable, "service unavailable"
	default:
		return http.StatusInternalServerError, "internal error"
	}
}
