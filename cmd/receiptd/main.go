// cmd/receiptd — the SONATE trust ledger service.
//
// It owns a single ledger instance (in-memory, or Postgres-backed when
// database.url is set), exposes the read/verify/export HTTP surface, and
// runs the periodic integrity monitor.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/sonate-protocol/sonate/internal/audit"
	"github.com/sonate-protocol/sonate/internal/httpapi"
	"github.com/sonate-protocol/sonate/internal/ledger"
	"github.com/sonate-protocol/sonate/internal/monitor"
	"github.com/sonate-protocol/sonate/internal/signing"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync() //nolint:errcheck

	if err := run(logger); err != nil {
		logger.Fatal("receiptd exited with error", zap.Error(err))
	}
}

func run(logger *zap.Logger) error {
	// ── Configuration ────────────────────────────────────────────────────────
	viper.SetConfigName("receiptd")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("configs")
	viper.AddConfigPath(".")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.cors_origins", []string{"http://localhost:3000"})
	viper.SetDefault("server.rate_limit_rps", 20)
	viper.SetDefault("server.admin_secret", "")
	viper.SetDefault("ledger.name", "sonate-trust-ledger")
	viper.SetDefault("keys.private_hex", "")
	viper.SetDefault("database.url", "")
	viper.SetDefault("monitor.interval", "5m")
	viper.SetDefault("monitor.alert_threshold", 1)

	if err := viper.ReadInConfig(); err != nil {
		var cfgNotFound viper.ConfigFileNotFoundError
		if !errors.As(err, &cfgNotFound) {
			return fmt.Errorf("read config: %w", err)
		}
		logger.Warn("no config file found, using defaults and env vars")
	}

	// ── Signing keys ─────────────────────────────────────────────────────────
	var keys signing.KeyPair
	if privHex := viper.GetString("keys.private_hex"); privHex != "" {
		var err error
		if keys, err = signing.ParsePrivateKeyHex(privHex); err != nil {
			return fmt.Errorf("load signing key: %w", err)
		}
		logger.Info("signing key loaded", zap.String("public_key", keys.PublicKeyHex()))
	} else {
		var err error
		if keys, err = signing.GenerateKeyPair(); err != nil {
			return fmt.Errorf("generate signing key: %w", err)
		}
		logger.Warn("no signing key configured, generated an ephemeral one",
			zap.String("public_key", keys.PublicKeyHex()))
	}

	// ── Ledger ───────────────────────────────────────────────────────────────
	ledgerName := viper.GetString("ledger.name")
	var chain ledger.Ledger
	if dbURL := viper.GetString("database.url"); dbURL != "" {
		pool, err := pgxpool.New(context.Background(), dbURL)
		if err != nil {
			return fmt.Errorf("connect to postgres: %w", err)
		}
		defer pool.Close()
		if err := pool.Ping(context.Background()); err != nil {
			return fmt.Errorf("ping postgres: %w", err)
		}
		logger.Info("connected to postgres")
		chain = ledger.NewPostgresLedger(pool, ledgerName, keys, logger)
	} else {
		logger.Warn("no database configured, ledger state is in-memory only")
		chain = ledger.New(ledgerName, keys, logger)
	}

	startCtx := context.Background()
	if result, err := chain.VerifyChain(startCtx); err != nil {
		logger.Warn("startup chain verification errored", zap.Error(err))
	} else if !result.Valid {
		logger.Error("trust ledger integrity check FAILED",
			zap.String("broken_at", result.BrokenAt),
			zap.Strings("issues", result.Issues),
		)
	} else {
		root, _ := chain.Root(startCtx)
		httpapi.RecordLedgerSize(result.TotalRecords)
		logger.Info("trust ledger verified",
			zap.Int("records", result.TotalRecords),
			zap.String("root", root),
		)
	}

	auditSys := audit.NewSystem(chain, logger)

	// ── Integrity monitor ────────────────────────────────────────────────────
	mon := monitor.New(chain, monitor.Config{
		CheckInterval:  viper.GetDuration("monitor.interval"),
		AlertThreshold: viper.GetInt("monitor.alert_threshold"),
	}, logger)
	mon.OnMetrics(httpapi.RecordChainVerification)
	mon.OnAlert(func(ctx context.Context, result ledger.ChainVerificationResult) {
		// The break itself is sealed into the audit trail. Appending still
		// works on a broken chain; only the damaged links fail verification.
		_, err := auditSys.Log(ctx, audit.Event{
			Category: audit.CategorySystem,
			Action:   "chain_integrity_alert",
			Actor:    "monitor",
			Result:   audit.ResultFailure,
			Details: map[string]any{
				"broken_at": result.BrokenAt,
				"issues":    result.Issues,
			},
		})
		if err != nil {
			logger.Error("failed to seal integrity alert", zap.Error(err))
		}
	})

	monCtx, cancelMonitor := context.WithCancel(context.Background())
	defer cancelMonitor()
	go mon.Run(monCtx)

	// ── HTTP server ──────────────────────────────────────────────────────────
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(httpapi.PrometheusMiddleware())
	router.Use(httpapi.RateLimiter(viper.GetInt("server.rate_limit_rps"), viper.GetInt("server.rate_limit_rps")*2))
	router.Use(cors.New(cors.Config{
		AllowOrigins: viper.GetStringSlice("server.cors_origins"),
		AllowMethods: []string{"GET", "POST"},
		AllowHeaders: []string{"Authorization", "Content-Type"},
	}))

	handler := httpapi.NewHandler(chain, auditSys, viper.GetString("server.admin_secret"), logger)
	handler.Register(router.Group("/api/v1"))
	router.GET("/healthz", handler.Healthz)
	router.GET("/metrics", httpapi.MetricsHandler())

	addr := fmt.Sprintf(":%d", viper.GetInt("server.port"))
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("receiptd listening", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// ── Shutdown ─────────────────────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case sig := <-quit:
		logger.Info("shutting down", zap.String("signal", sig.String()))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
