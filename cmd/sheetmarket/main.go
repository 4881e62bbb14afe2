// Package main запускает HTTP-сервер магазина нотных партитур.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mmeshcher/sheetmarket-system/internal/config"
	"github.com/mmeshcher/sheetmarket-system/internal/currency"
	"github.com/mmeshcher/sheetmarket-system/internal/entitlement"
	"github.com/mmeshcher/sheetmarket-system/internal/handler"
	"github.com/mmeshcher/sheetmarket-system/internal/middleware"
	"github.com/mmeshcher/sheetmarket-system/internal/provider"
	"github.com/mmeshcher/sheetmarket-system/internal/reconciler"
	"github.com/mmeshcher/sheetmarket-system/internal/repository"
	"github.com/mmeshcher/sheetmarket-system/internal/service"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	sugar := logger.Sugar()

	cfg, err := config.Parse()
	if err != nil {
		sugar.Fatalw("configuration error", "error", err.Error())
	}

	repo, err := repository.NewPostgresRepository(cfg.DatabaseURI)
	if err != nil {
		sugar.Fatalw("database initialization error", "error", err.Error())
	}
	defer repo.Close()

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer redisClient.Close()

	converter := currency.NewConverter(currency.DefaultRates())

	registry := provider.NewRegistry(
		provider.NewPortOneAdapter(cfg.PortOneAPIAddress, cfg.PortOneMerchantID, cfg.PortOneAPIKey, cfg.PortOneWebhookSecret, cfg.ProviderTimeout),
		provider.NewPayPalAdapter(cfg.PortOneAPIAddress, cfg.PortOneMerchantID, cfg.PortOneAPIKey, cfg.PortOneWebhookSecret, cfg.PayPalChannel, converter, cfg.ProviderTimeout),
		provider.NewInicisAdapter(cfg.InicisAPIAddress, cfg.InicisMerchantID, cfg.InicisSignKey, cfg.ProviderTimeout),
		provider.NewBankTransferAdapter(cfg.BankTransferActive, cfg.BankName, cfg.BankAccount, cfg.BankDepositor),
	)

	rec := reconciler.New(repo, logger, cfg.DefaultMaxDownloads)

	svc := service.NewService(repo, registry, rec, converter, logger, cfg.ProviderTimeout, cfg.DefaultMaxDownloads)
	defer svc.Close()

	downloads := entitlement.NewService(
		repo,
		entitlement.NewRedisTokenStore(redisClient),
		entitlement.NewSigner(cfg.DownloadSecret),
		logger,
		cfg.DownloadURLTTL,
	)

	authMiddleware := middleware.NewAuthMiddleware(cfg.AuthSecret)
	h := handler.NewHandler(svc, downloads, logger, authMiddleware, cfg.FilesRoot)

	server := &http.Server{
		Addr:    cfg.RunAddress,
		Handler: h.SetupRouter(),
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	// Запуск HTTP-сервера
	g.Go(func() error {
		sugar.Infow("starting sheetmarket server", "addr", cfg.RunAddress)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	// Graceful shutdown при отмене контекста (сигнал или ошибка в другой горутине)
	g.Go(func() error {
		<-ctx.Done()
		sugar.Info("shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
		sugar.Info("server stopped gracefully")
		return nil
	})

	if err := g.Wait(); err != nil {
		sugar.Fatalw("application terminated with error", "error", err)
	}
}
