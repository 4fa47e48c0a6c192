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

	"golang.org/x/sync/errgroup"

	"github.com/jesusaln/asistenciavircom-sub007/internal/app"
	"github.com/jesusaln/asistenciavircom-sub007/internal/catalog"
	"github.com/jesusaln/asistenciavircom-sub007/internal/clients"
	"github.com/jesusaln/asistenciavircom-sub007/internal/invoicing"
	"github.com/jesusaln/asistenciavircom-sub007/internal/platform/cache"
	"github.com/jesusaln/asistenciavircom-sub007/internal/platform/db"
	"github.com/jesusaln/asistenciavircom-sub007/internal/receivables"
	"github.com/jesusaln/asistenciavircom-sub007/internal/sales"
	"github.com/jesusaln/asistenciavircom-sub007/internal/shared"
	"github.com/jesusaln/asistenciavircom-sub007/internal/stock"
	"github.com/jesusaln/asistenciavircom-sub007/internal/tenants"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	auditLogger := shared.NewAuditLogger(pool)
	idemStore := shared.NewIdempotencyStore(pool)

	catalogRepo := catalog.NewRepository(pool)
	tenantRepo := tenants.NewRepository(pool)
	clientRepo := clients.NewRepository(pool)

	stockStore := stock.NewStore(pool)
	stockService := stock.NewService(stockStore, catalogRepo, auditLogger)
	stockHandler := stock.NewHandler(logger, stockService)

	receivableRepo := receivables.NewRepository(pool)
	receivableService := receivables.NewService(receivableRepo, auditLogger, idemStore)
	receivableHandler := receivables.NewHandler(logger, receivableService)

	salesRepo := sales.NewRepository(pool)
	salesService := sales.NewService(salesRepo, catalogRepo, clientRepo, tenantRepo, auditLogger, idemStore, sales.ServiceConfig{
		AllowNegativeStock: cfg.AllowNegativeStock,
		DefaultCreditDays:  cfg.DefaultCreditDays,
		DefaultCurrency:    cfg.DefaultCurrency,
	})
	salesHandler := sales.NewHandler(logger, salesService)

	provider := invoicing.NewHTTPProvider(cfg.StampingURL, cfg.StampingAPIKey, cfg.StampingTimeout)
	invoiceRepo := invoicing.NewRepository(pool)
	invoiceService := invoicing.NewService(invoiceRepo, salesService, receivableRepo, provider, cache.NewLocker(redisClient), auditLogger)
	invoiceHandler := invoicing.NewHandler(logger, invoiceService)

	router := app.NewRouter(app.RouterParams{
		Logger:             logger,
		Config:             cfg,
		Pool:               pool,
		SalesHandler:       salesHandler,
		StockHandler:       stockHandler,
		ReceivablesHandler: receivableHandler,
		InvoicingHandler:   invoiceHandler,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("server exit", slog.Any("error", err))
		os.Exit(1)
	}
}
