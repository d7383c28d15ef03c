// Package main запускает HTTP-сервер сервиса MysticOracle.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/louise36-g/MysticOracle-sub011/internal/config"
	"github.com/louise36-g/MysticOracle-sub011/internal/handler"
	"github.com/louise36-g/MysticOracle-sub011/internal/idempotency"
	"github.com/louise36-g/MysticOracle-sub011/internal/ledger"
	"github.com/louise36-g/MysticOracle-sub011/internal/middleware"
	"github.com/louise36-g/MysticOracle-sub011/internal/payment"
	"github.com/louise36-g/MysticOracle-sub011/internal/repository"
	"github.com/louise36-g/MysticOracle-sub011/internal/service"
	"github.com/louise36-g/MysticOracle-sub011/internal/settlement"
)

const (
	// verifyPollInterval — период фоновой сверки зависших покупок.
	verifyPollInterval = time.Minute
	// verifyMinAge — возраст, с которого ожидающая покупка считается зависшей.
	verifyMinAge = 5 * time.Minute
	// purchaseExpiry — возраст, после которого неоплаченная покупка закрывается.
	purchaseExpiry = 24 * time.Hour
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

	creditLedger := ledger.New(repo)
	paymentClient := payment.NewClient(cfg.PaymentProviderAddress, cfg.PaymentAPIKey)
	reconciler := settlement.NewReconciler(repo, creditLedger, logger)

	svc := service.NewService(repo, creditLedger, paymentClient, reconciler)
	defer svc.Close()

	authMiddleware := middleware.NewAuthMiddleware(cfg.AuthSecret)
	gate := idempotency.NewGate(repo, idempotency.DefaultTTL)
	idemMiddleware := middleware.NewIdempotencyMiddleware(gate, logger)

	h := handler.NewHandler(svc, logger, authMiddleware, idemMiddleware, []byte(cfg.PaymentWebhookSecret), cfg.AdminToken)

	r := h.SetupRouter()

	server := &http.Server{
		Addr:    cfg.RunAddress,
		Handler: r,
	}

	// Без адреса провайдера фоновая сверка не запускается: опрашивать нечего.
	var sessions settlement.SessionGetter
	if cfg.PaymentProviderAddress != "" {
		sessions = paymentClient
	}
	poller := settlement.NewPoller(repo, reconciler, sessions, logger, verifyPollInterval, verifyMinAge)

	scheduler := cron.New()
	if _, err := scheduler.AddFunc("@hourly", func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()

		deleted, err := repo.DeleteExpiredIdempotencyKeys(ctx)
		if err != nil {
			sugar.Errorw("idempotency sweep error", "error", err.Error())
			return
		}
		if deleted > 0 {
			sugar.Infow("expired idempotency keys deleted", "count", deleted)
		}
	}); err != nil {
		sugar.Fatalw("schedule idempotency sweep", "error", err.Error())
	}

	if _, err := scheduler.AddFunc("@hourly", func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()

		expired, err := repo.ExpireStalePurchases(ctx, time.Now().Add(-purchaseExpiry))
		if err != nil {
			sugar.Errorw("purchase expiry error", "error", err.Error())
			return
		}
		if expired > 0 {
			sugar.Infow("stale purchases expired", "count", expired)
		}
	}); err != nil {
		sugar.Fatalw("schedule purchase expiry", "error", err.Error())
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	// Запуск фоновой сверки зависших покупок
	g.Go(func() error {
		poller.Start(ctx)
		return nil
	})

	scheduler.Start()

	// Запуск HTTP-сервера
	g.Go(func() error {
		sugar.Infow("starting mysticoracle server", "addr", cfg.RunAddress)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	// Graceful shutdown при отмене контекста (сигнал или ошибка в другой горутине)
	g.Go(func() error {
		<-ctx.Done()
		sugar.Info("shutting down server...")

		<-scheduler.Stop().Done()

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
