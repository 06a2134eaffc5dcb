package main

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.uber.org/zap"

	"github.com/layer-3/walletauth/adapters/events"
	"github.com/layer-3/walletauth/adapters/store"
	"github.com/layer-3/walletauth/adapters/tokenizer"
	"github.com/layer-3/walletauth/adapters/verifier"
	"github.com/layer-3/walletauth/config"
	"github.com/layer-3/walletauth/instrumentation"
	"github.com/layer-3/walletauth/ports"
	"github.com/layer-3/walletauth/service"
	transport "github.com/layer-3/walletauth/transport/http"
)

func main() {
	envFile := os.Getenv("WALLETAUTH_ENV_FILE")
	if envFile == "" {
		envFile = ".env"
	}

	cfg, err := config.Load(envFile)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid config: %v", err)
	}

	logger, err := cfg.Logger()
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync() //nolint:errcheck

	if err := run(cfg, logger); err != nil {
		logger.Fatal("walletauth stopped", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	meterProvider, err := newMeterProvider(ctx)
	if err != nil {
		return err
	}
	defer meterProvider.Shutdown(context.Background()) //nolint:errcheck
	otel.SetMeterProvider(meterProvider)

	metrics, err := instrumentation.New(meterProvider)
	if err != nil {
		return fmt.Errorf("failed to create metrics: %w", err)
	}

	signKey, err := loadSigningKey(cfg.SigningKeyFile, logger)
	if err != nil {
		return err
	}

	var (
		stores    *ports.Stores
		publisher ports.EventPublisher
	)
	switch cfg.Backend {
	case config.BackendRedis:
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("failed to parse Redis URL: %w", err)
		}
		redisClient := redis.NewClient(opts)
		defer redisClient.Close()

		pingCtx, cancel := context.WithTimeout(ctx, cfg.StoreTimeout)
		err = redisClient.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			logger.Warn("redis is not reachable yet", zap.Error(err))
		}

		stores = store.NewRedisStores(redisClient, cfg.KeyPrefix)

		if cfg.Events {
			redisPublisher, err := redisstream.NewPublisher(
				redisstream.PublisherConfig{
					Client: redisClient,
				},
				watermill.NewStdLogger(false, false),
			)
			if err != nil {
				return fmt.Errorf("failed to create Redis publisher: %w", err)
			}
			defer redisPublisher.Close()
			publisher = events.NewWatermillPublisher(redisPublisher)
		}
	default:
		memoryStores, reaper := store.NewMemoryStores(store.WithReapInterval(cfg.ReapInterval))
		reaper.Start(ctx)
		stores = memoryStores

		if cfg.Events {
			logger.Warn("session events need the redis backend, disabled")
		}
	}

	gwConfig := service.DefaultConfig()
	gwConfig.Domain = cfg.Domain
	gwConfig.SessionTTL = cfg.SessionTTL
	gwConfig.NonceTTL = cfg.NonceTTL
	gwConfig.CacheTTL = cfg.CacheTTL
	gwConfig.StoreTimeout = cfg.StoreTimeout
	gwConfig.RevokePriorSession = cfg.RevokePriorSession
	gwConfig.Rules = cfg.RateLimits
	gwConfig.Verifier = verifier.NewEthVerifier()
	gwConfig.Tokenizer = tokenizer.NewJWTTokenizer(signKey, cfg.AccessTTL)
	gwConfig.Publisher = publisher
	gwConfig.Logger = logger
	gwConfig.Metrics = metrics

	gateway, err := service.NewGateway(gwConfig, stores)
	if err != nil {
		return err
	}

	gin.SetMode(gin.ReleaseMode)
	server := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: transport.SetupRouter(gateway, logger),
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting server",
			zap.String("addr", cfg.HTTPAddr),
			zap.String("backend", cfg.Backend))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

func newMeterProvider(ctx context.Context) (*sdkmetric.MeterProvider, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName("walletauth"),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}
	return sdkmetric.NewMeterProvider(sdkmetric.WithResource(res)), nil
}

func loadSigningKey(path string, logger *zap.Logger) (*ecdsa.PrivateKey, error) {
	if path == "" {
		logger.Warn("no signing key configured, generating an ephemeral one")
		return ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read signing key: %w", err)
	}
	key, err := jwt.ParseECPrivateKeyFromPEM(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse signing key: %w", err)
	}
	return key, nil
}
