// Package main запускает HTTP-сервер биллингового ядра.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mmeshcher/balance-system/internal/config"
	"github.com/mmeshcher/balance-system/internal/handler"
	"github.com/mmeshcher/balance-system/internal/middleware"
	"github.com/mmeshcher/balance-system/internal/repository"
	"github.com/mmeshcher/balance-system/internal/service"
	"github.com/mmeshcher/balance-system/internal/settlement"
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

	var settlementClient *settlement.Client
	if cfg.SettlementSystemAddress != "" {
		settlementClient = settlement.NewClient(cfg.SettlementSystemAddress)
	}

	svc := service.NewService(repo, settlementClient, logger, cfg.ReconcileAge)
	defer svc.Close()

	adminAuth := middleware.NewAdminAuth(cfg.AdminToken)
	h := handler.NewHandler(svc, logger, adminAuth)

	r := h.SetupRouter()

	server := &http.Server{
		Addr:    cfg.RunAddress,
		Handler: r,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	// Запуск фоновой сверки записей PENDING
	g.Go(func() error {
		svc.StartReconciliation(ctx, cfg.ReconcileInterval)
		return nil
	})

	// Запуск HTTP-сервера
	g.Go(func() error {
		sugar.Infow("starting balance server", "addr", cfg.RunAddress)
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
