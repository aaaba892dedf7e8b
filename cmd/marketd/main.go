// cmd/marketd/main.go
// Package main implements the entry point for the marketplace service.
// It wires the sale engine, starts the background workers and serves HTTP.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/RegistryAccord/registryaccord-market-go/internal/clock"
	"github.com/RegistryAccord/registryaccord-market-go/internal/config"
	"github.com/RegistryAccord/registryaccord-market-go/internal/directory"
	"github.com/RegistryAccord/registryaccord-market-go/internal/eligibility"
	"github.com/RegistryAccord/registryaccord-market-go/internal/event"
	"github.com/RegistryAccord/registryaccord-market-go/internal/jwks"
	"github.com/RegistryAccord/registryaccord-market-go/internal/ledger"
	"github.com/RegistryAccord/registryaccord-market-go/internal/lock"
	"github.com/RegistryAccord/registryaccord-market-go/internal/media"
	"github.com/RegistryAccord/registryaccord-market-go/internal/metrics"
	"github.com/RegistryAccord/registryaccord-market-go/internal/payment"
	"github.com/RegistryAccord/registryaccord-market-go/internal/pricing"
	"github.com/RegistryAccord/registryaccord-market-go/internal/sale"
	"github.com/RegistryAccord/registryaccord-market-go/internal/server"
	"github.com/RegistryAccord/registryaccord-market-go/internal/storage"
	"github.com/RegistryAccord/registryaccord-market-go/internal/telemetry"
	"github.com/RegistryAccord/registryaccord-market-go/internal/worker"
	"golang.org/x/sync/errgroup"
)

const version = "0.1.0"

func main() {
	// Load configuration from environment variables
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load failed: %v\n", err)
		os.Exit(1)
	}

	logLevel := slog.LevelInfo
	if cfg.Env == "dev" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	if _, err := telemetry.InitTracer(telemetry.Options{
		ServiceName: "marketplace-service",
		Version:     version,
		Writer:      os.Stderr,
		Pretty:      cfg.Env == "dev",
	}); err != nil {
		logger.Error("failed to initialize OpenTelemetry tracer", "error", err)
		os.Exit(1)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		telemetry.ShutdownTracer(ctx, logger)
	}()

	// Storage backend: PostgreSQL when a DSN is set, in-memory otherwise
	var store storage.Store
	if cfg.DatabaseDSN != "" {
		store, err = storage.NewPostgres(cfg.DatabaseDSN)
		if err != nil {
			logger.Error("failed to initialize postgres storage", "error", err)
			os.Exit(1)
		}
	} else {
		logger.Warn("MKT_DB_DSN not set, using in-memory storage")
		store = storage.NewMemory()
	}
	defer store.Close()

	pub := event.NewPublisher(cfg.NATSURL, logger)
	defer pub.Close()

	var gateway payment.Gateway
	if cfg.PaymentGatewayURL != "" {
		gateway, err = payment.NewHTTPGateway(payment.HTTPConfig{
			BaseURL:     cfg.PaymentGatewayURL,
			MerchantKey: cfg.PaymentMerchantKey,
		})
		if err != nil {
			logger.Error("failed to initialize payment gateway", "error", err)
			os.Exit(1)
		}
	} else {
		if cfg.Env == "prod" {
			logger.Error("MKT_PAYMENT_GATEWAY_URL is required in prod")
			os.Exit(1)
		}
		logger.Warn("MKT_PAYMENT_GATEWAY_URL not set, using the sandbox gateway")
		gateway = payment.NewSandbox()
	}

	var remote *directory.Client
	if cfg.UserDirectoryURL != "" {
		remote = directory.New(cfg.UserDirectoryURL)
	}
	users := directory.NewResolver(store, remote, logger)

	var assets *media.S3Client
	if cfg.S3Bucket != "" {
		assets, err = media.NewS3Client(context.Background(), media.Options{
			Endpoint:     cfg.S3Endpoint,
			Region:       cfg.S3Region,
			Bucket:       cfg.S3Bucket,
			AccessKey:    cfg.S3AccessKey,
			SecretKey:    cfg.S3SecretKey,
			MaxSize:      cfg.MaxMediaSize,
			AllowedTypes: cfg.AllowedMimeTypes,
		})
		if err != nil {
			logger.Error("failed to initialize media storage", "error", err)
			os.Exit(1)
		}
	}

	m := metrics.NewMetrics()
	clk := clock.System
	ldg := ledger.New(store, cfg.Ledger(), clk)
	orch := sale.New(cfg.Sale(), sale.Deps{
		Store:   store,
		Checker: eligibility.NewChecker(clk, logger),
		Locks:   lock.NewManager(cfg.Lock(), clk),
		Pricing: pricing.NewResolver(cfg.Pricing()),
		Ledger:  ldg,
		Gateway: gateway,
		Events:  pub,
		Metrics: m,
		Clock:   clk,
		Logger:  logger,
	})

	jwksURL := cfg.JWKSURL
	if jwksURL == "" {
		jwksURL = fmt.Sprintf("%s/.well-known/jwks.json", cfg.JWTIssuer)
	}
	mux, err := server.NewMux(server.Options{
		Store:              store,
		Sales:              orch,
		Ledger:             ldg,
		Directory:          users,
		Media:              assets,
		Metrics:            m,
		Logger:             logger,
		JWKS:               jwks.NewClient(jwksURL),
		JWTIssuer:          cfg.JWTIssuer,
		JWTAudience:        cfg.JWTAudience,
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
	})
	if err != nil {
		logger.Error("failed to initialize HTTP handlers", "error", err)
		os.Exit(1)
	}

	addr := fmt.Sprintf(":%s", cfg.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: cfg.TransactionTimeout + 10*time.Second, // A sale may run up to the unit of work timeout
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	wcfg := cfg.Worker()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return worker.Run(gctx, "lock_sweeper", wcfg.SweepInterval, worker.LockSweeper{
			Locks:   store,
			Clock:   clk,
			Metrics: m,
			Logger:  logger,
		}, logger)
	})
	g.Go(func() error {
		return worker.Run(gctx, "reward_relay", wcfg.RelayInterval, worker.RewardRelay{
			Outbox:    store,
			Applier:   orch,
			BatchSize: wcfg.BatchSize,
			Logger:    logger,
		}, logger)
	})
	g.Go(func() error {
		logger.Info("server starting", "addr", addr, "env", cfg.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error("server exited with error", "error", err)
		os.Exit(1)
	}
	logger.Info("server exited")
}
