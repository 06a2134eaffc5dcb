package http

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/layer-3/walletauth/core"
	"github.com/layer-3/walletauth/service"
)

// WalletHandlers contains HTTP handlers for the wallet endpoints
type WalletHandlers struct {
	gateway *service.Gateway
}

// NewWalletHandlers creates new wallet handlers
func NewWalletHandlers(gateway *service.Gateway) *WalletHandlers {
	return &WalletHandlers{
		gateway: gateway,
	}
}

type connectRequest struct {
	Address string `json:"address" binding:"required"`
	ChainID int64  `json:"chainId" binding:"required"`
}

type connectResponse struct {
	SessionID string    `json:"sessionId"`
	Nonce     string    `json:"nonce"`
	Message   string    `json:"message"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Connect opens a session and returns the challenge to sign
func (h *WalletHandlers) Connect(c *gin.Context) {
	var req connectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, core.ErrInvalidRequest)
		return
	}

	res, err := h.gateway.Connect(c.Request.Context(), service.ConnectRequest{
		Address:   req.Address,
		ChainID:   req.ChainID,
		UserAgent: c.Request.UserAgent(),
		IPAddress: c.ClientIP(),
	})
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, connectResponse{
		SessionID: res.SessionID,
		Nonce:     res.Nonce,
		Message:   res.Message,
		ExpiresAt: res.ExpiresAt,
	})
}

type verifyRequest struct {
	Address   string `json:"address" binding:"required"`
	Signature string `json:"signature" binding:"required"`
	Message   string `json:"message" binding:"required"`
	Nonce     string `json:"nonce" binding:"required"`
	SessionID string `json:"sessionId" binding:"required"`
}

type verifyResponse struct {
	Verified      bool   `json:"verified"`
	SessionID     string `json:"sessionId"`
	WalletAddress string `json:"walletAddress"`
	AccessToken   string `json:"accessToken,omitempty"`
	TokenType     string `json:"tokenType,omitempty"`
}

// Verify checks the signed challenge
func (h *WalletHandlers) Verify(c *gin.Context) {
	var req verifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, core.ErrInvalidRequest)
		return
	}

	res, err := h.gateway.Verify(c.Request.Context(), service.VerifyRequest{
		Address:   req.Address,
		Signature: req.Signature,
		Message:   req.Message,
		Nonce:     req.Nonce,
		SessionID: req.SessionID,
	})
	if err != nil {
		writeError(c, err)
		return
	}

	resp := verifyResponse{
		Verified:      res.Verified,
		SessionID:     res.SessionID,
		WalletAddress: res.WalletAddress,
		AccessToken:   res.AccessToken,
	}
	if res.AccessToken != "" {
		resp.TokenType = "Bearer"
	}
	c.JSON(http.StatusOK, resp)
}

// Session returns the session named by the sessionId and address query parameters
func (h *WalletHandlers) Session(c *gin.Context) {
	session, err := h.gateway.GetSession(c.Request.Context(), c.Query("sessionId"), c.Query("address"))
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, session)
}

type disconnectRequest struct {
	Address   string `json:"address" binding:"required"`
	SessionID string `json:"sessionId"`
}

// Disconnect tears the session down. It succeeds for unknown sessions.
func (h *WalletHandlers) Disconnect(c *gin.Context) {
	var req disconnectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, core.ErrInvalidRequest)
		return
	}

	res, err := h.gateway.Disconnect(c.Request.Context(), req.SessionID, req.Address)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": res.Success})
}

type statusResponse struct {
	Connected     bool       `json:"connected"`
	Verified      bool       `json:"verified"`
	LastConnected *time.Time `json:"lastConnected,omitempty"`
	ChainID       int64      `json:"chainId,omitempty"`
	SessionID     string     `json:"sessionId,omitempty"`
}

// Status reports whether the address is connected and verified
func (h *WalletHandlers) Status(c *gin.Context) {
	status, err := h.gateway.GetConnectionStatus(c.Request.Context(), c.Param("address"))
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, statusResponse{
		Connected:     status.Connected,
		Verified:      status.Verified,
		LastConnected: status.LastConnected,
		ChainID:       status.ChainID,
		SessionID:     status.SessionID,
	})
}

type rateLimitResponse struct {
	Type       core.Category `json:"type"`
	Allowed    bool          `json:"allowed"`
	Limit      int           `json:"limit"`
	Remaining  int           `json:"remaining"`
	ResetTime  time.Time     `json:"resetTime"`
	RetryAfter int64         `json:"retryAfter,omitempty"`
}

// RateLimitStatus reports the address's budget in the tier named by ?type=
func (h *WalletHandlers) RateLimitStatus(c *gin.Context) {
	res, err := h.gateway.GetRateLimitStatus(c.Request.Context(), c.Param("address"), c.Query("type"))
	if err != nil {
		writeError(c, err)
		return
	}

	resp := rateLimitResponse{
		Type:      res.Category,
		Allowed:   res.Allowed,
		Limit:     res.Limit,
		Remaining: res.Remaining,
		ResetTime: res.ResetAt,
	}
	if res.RetryAfter > 0 {
		resp.RetryAfter = (&core.RateLimitError{RetryAfter: res.RetryAfter}).RetryAfterSeconds()
	}
	c.JSON(http.StatusOK, resp)
}

// Me returns the session behind the bearer token
func (h *WalletHandlers) Me(c *gin.Context) {
	session, ok := SessionFromContext(c)
	if !ok {
		writeError(c, core.ErrInvalidSession)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"address":    session.WalletAddress,
		"sessionId":  session.ID,
		"chainId":    session.ChainID,
		"verifiedAt": session.VerifiedAt,
	})
}
