package http

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/layer-3/walletauth/core"
	"github.com/layer-3/walletauth/service"
)

// SetupRouter sets up the Gin router
func SetupRouter(gateway *service.Gateway, logger *zap.Logger) *gin.Engine {
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery(), RequestLogger(logger.Named("http")))

	handlers := NewWalletHandlers(gateway)
	limits := gateway.Limits()

	// Connect and verify are limited per wallet inside the gateway
	wallet := router.Group("/wallet")
	{
		wallet.POST("/connect", handlers.Connect)
		wallet.POST("/verify", handlers.Verify)
		wallet.POST("/disconnect", handlers.Disconnect)

		reads := wallet.Group("")
		reads.Use(RateLimit(limits, core.CategoryAPI, ByClientIP))
		reads.GET("/session", handlers.Session)
		reads.GET("/status/:address", handlers.Status)
		reads.GET("/rate-limit/:address", handlers.RateLimitStatus)
	}

	// Protected API routes
	api := router.Group("/api")
	api.Use(AuthMiddleware(gateway), RateLimit(limits, core.CategoryAPI, BySessionWallet))
	{
		api.GET("/me", handlers.Me)
	}

	return router
}
