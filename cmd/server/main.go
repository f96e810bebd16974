// Package main はAPIサーバーのエントリポイント。
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"license-service/config"
	"license-service/internal/domain"
	"license-service/internal/handler"
	"license-service/internal/infra"
	"license-service/internal/repository"
	"license-service/internal/usecase"
	"license-service/internal/worker"
)

func main() {
	if err := run(); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	// .envファイルを読み込む（存在しない場合は無視）
	// 既存の環境変数は上書きしない
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	// トレーサー初期化（ロガー設定の前に実行）
	shutdownTracer, err := infra.InitTracer(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			slog.Error("failed to shutdown tracer", "error", err)
		}
	}()

	// トレース情報付きロガーを設定
	logger := infra.SetupLogger(os.Stdout, cfg)

	db, err := infra.NewDB(ctx, cfg)
	if err != nil {
		return err
	}

	// KMSは鍵名が設定されている場合のみ使う
	var sealer usecase.KMSClient
	kmsClient, err := infra.NewKMSClient(ctx, cfg.KMSKeyName)
	if err != nil {
		return err
	}
	if kmsClient != nil {
		sealer = kmsClient
		defer func() {
			if err := kmsClient.Close(); err != nil {
				slog.Error("failed to close KMS client", "error", err)
			}
		}()
	}

	var keyRepo usecase.KeyRepository
	switch cfg.KeyStoreBackend {
	case "file":
		fileRepo, err := repository.NewFileKeyRepository(cfg.KeyDir)
		if err != nil {
			return err
		}
		keyRepo = fileRepo
	default:
		keyRepo = repository.NewKeyRepository(db)
	}

	audit := infra.NewAuditLogger(logger)
	var metrics usecase.Metrics
	var metricsHandler http.Handler
	if cfg.MetricsEnabled {
		m := infra.NewMetrics()
		metrics = m
		metricsHandler = promhttp.HandlerFor(m.Registry(), promhttp.HandlerOpts{})
	}

	// DI
	tx := repository.NewTransactor(db)
	licenseRepo := repository.NewLicenseRepository(db)
	keys := usecase.NewKeyStore(keyRepo, sealer, audit)
	signer := usecase.NewLicenseSigner(keys, licenseRepo, tx, audit, metrics)
	cache := usecase.NewVerificationCache(cfg.CacheSize, time.Duration(cfg.CacheDurationMinutes)*time.Minute)
	verifier := usecase.NewLicenseVerifier(keys, licenseRepo, cache, audit, metrics)
	tracker := usecase.NewActivationTracker(repository.NewActivationRepository(db), licenseRepo, tx, cfg.HeartbeatTimeout, audit, metrics)
	allocator := usecase.NewVolumetricSlotAllocator(repository.NewVolumetricRepository(db), licenseRepo, tx, audit, metrics)

	defaults := domain.DefaultValidationOptions()
	defaults.GracePeriodDays = cfg.GracePeriodDays
	defaults.CacheDurationMinutes = cfg.CacheDurationMinutes

	router := handler.NewRouter(
		handler.NewKeyHandler(keys, cfg.DefaultKeySize),
		handler.NewLicenseHandler(signer, verifier, defaults),
		handler.NewEntitlementHandler(tracker, allocator),
		metricsHandler,
	)

	server := &http.Server{
		Addr: ":" + cfg.Port,
		// ロック待ちを含むリクエスト処理の上限
		Handler:           chimiddleware.Timeout(cfg.LockTimeout)(router),
		ReadHeaderTimeout: 10 * time.Second,
	}

	sweeper := worker.NewSweeper(allocator, tracker, cfg.SweepInterval, cfg.SweepConcurrency)
	sweepDone := make(chan struct{})
	go func() {
		defer close(sweepDone)
		sweeper.Run(ctx)
	}()

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("starting server", "version", infra.ServiceVersion, "port", cfg.Port, "key_store", cfg.KeyStoreBackend, "database", cfg.DatabaseDriver)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			stop()
			<-sweepDone
			return err
		}
	case <-ctx.Done():
	}

	// Graceful shutdown
	slog.Info("shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}
	<-sweepDone
	slog.Info("server stopped")
	return nil
}
