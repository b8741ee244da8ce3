package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"studenthub/auth-identity/internal/auth"
	"studenthub/auth-identity/internal/config"
	internalhttp "studenthub/auth-identity/internal/http"
	"studenthub/auth-identity/internal/notify"
	"studenthub/auth-identity/internal/repository"
	"studenthub/auth-identity/internal/service"
	"studenthub/auth-identity/internal/verification"
	"studenthub/auth-identity/migrations"
)

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	cfg := config.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	privateKey, err := auth.ParseRSAPrivateKey(cfg.JWTPrivateKey)
	if err != nil {
		logger.Fatal("jwt private key", zap.Error(err))
	}
	publicKey := &privateKey.PublicKey
	if cfg.JWTPublicKey != "" {
		publicKey, err = auth.ParseRSAPublicKey(cfg.JWTPublicKey)
		if err != nil {
			logger.Fatal("jwt public key", zap.Error(err))
		}
	}

	pool, err := repository.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("db connection failed", zap.Error(err))
	}
	defer pool.Close()

	if cfg.MigrationsPath != "" {
		if err := migrations.Up(pool, cfg.MigrationsPath, logger); err != nil {
			logger.Fatal("migrations failed", zap.Error(err))
		}
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	if err := redisClient.Ping(pingCtx).Err(); err != nil {
		cancel()
		logger.Fatal("redis ping failed", zap.Error(err))
	}
	cancel()
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close error", zap.Error(err))
		}
	}()

	store := repository.NewStore(pool)
	svc := service.New(service.Params{
		Users:               store,
		Refresh:             store,
		Resets:              store,
		Codes:               verification.NewStore(redisClient),
		Notifier:            notify.NewLogNotifier(logger),
		Logger:              logger,
		SigningKey:          privateKey,
		Issuer:              cfg.JWTIssuer,
		AccessTokenTTL:      cfg.AccessTokenTTL,
		RefreshTokenTTL:     cfg.RefreshTokenTTL,
		VerificationCodeTTL: cfg.VerificationCodeTTL,
		ResetTokenTTL:       cfg.ResetTokenTTL,
	})

	server, err := internalhttp.NewServer(svc, publicKey, cfg.JWTIssuer, logger)
	if err != nil {
		logger.Fatal("server init failed", zap.Error(err))
	}
	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("auth-identity http listening", zap.String("addr", cfg.HTTPAddr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("http server error", zap.Error(err))
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown error", zap.Error(err))
	}
}
