// keel-gateway is the execution gateway daemon. It wires the durable
// store, the security perimeter, the policy gate, the connector registry,
// and the settlement tracker into one HTTP service.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/time/rate"

	"github.com/Mindburn-Labs/keel/core/pkg/audit"
	"github.com/Mindburn-Labs/keel/core/pkg/breaker"
	"github.com/Mindburn-Labs/keel/core/pkg/config"
	"github.com/Mindburn-Labs/keel/core/pkg/connector"
	"github.com/Mindburn-Labs/keel/core/pkg/connector/bridge"
	"github.com/Mindburn-Labs/keel/core/pkg/connector/dexswap"
	"github.com/Mindburn-Labs/keel/core/pkg/connector/evm"
	"github.com/Mindburn-Labs/keel/core/pkg/connector/hyperliquid"
	"github.com/Mindburn-Labs/keel/core/pkg/connector/lending"
	"github.com/Mindburn-Labs/keel/core/pkg/contracts"
	"github.com/Mindburn-Labs/keel/core/pkg/envelope"
	"github.com/Mindburn-Labs/keel/core/pkg/gateway"
	"github.com/Mindburn-Labs/keel/core/pkg/idempotency"
	"github.com/Mindburn-Labs/keel/core/pkg/observability"
	"github.com/Mindburn-Labs/keel/core/pkg/perimeter"
	"github.com/Mindburn-Labs/keel/core/pkg/policy"
	"github.com/Mindburn-Labs/keel/core/pkg/resiliency"
	"github.com/Mindburn-Labs/keel/core/pkg/settlement"
	"github.com/Mindburn-Labs/keel/core/pkg/signernonce"
	"github.com/Mindburn-Labs/keel/core/pkg/store"
)

func main() {
	if err := run(); err != nil {
		slog.Error("gateway exited", "error", err)
		os.Exit(1)
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

func openStore(cfg *config.Config) (store.Store, error) {
	switch cfg.Store {
	case "memory":
		return store.NewMemoryStore(), nil
	case "sqlite":
		return store.OpenSQLiteStore(cfg.SQLitePath)
	case "redis":
		return store.OpenRedisStore(cfg.RedisAddr, os.Getenv("REDIS_PASSWORD"), cfg.RedisDB), nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Store)
	}
}

func buildRegistry(cfg *config.Config, breakers *breaker.Registry, nonces *signernonce.Coordinator) (*connector.Registry, *resiliency.Client, error) {
	registry := connector.NewRegistry()
	httpFor := func(family string) *resiliency.Client {
		return resiliency.NewClient(family, resiliency.DefaultConfig()).
			WithAdmitter(breakers.For(family))
	}

	if len(cfg.Profile.EVM.Chains) > 0 {
		conn, err := evm.New(cfg.Profile.EVM.Chains, cfg.Profile.EVM.KeyHex, nonces)
		if err != nil {
			return nil, nil, err
		}
		registry.Register(conn)
	}
	if cfg.Profile.Swap.BaseURL != "" {
		registry.Register(dexswap.New(dexswap.Config{
			BaseURL: cfg.Profile.Swap.BaseURL,
			APIKey:  cfg.Profile.Swap.APIKey,
			Chains:  cfg.Profile.Swap.Chains,
			Wallet:  cfg.Profile.Swap.Wallet,
		}, httpFor(contracts.FamilySwap)))
	}
	if cfg.Profile.LendingPool.BaseURL != "" {
		registry.Register(lending.NewPoolAdapter(cfg.Profile.LendingPool, httpFor(contracts.FamilyDefi)))
	}
	if cfg.Profile.LendingCT.BaseURL != "" {
		registry.Register(lending.NewCTokenAdapter(cfg.Profile.LendingCT, httpFor(contracts.FamilyDefi)))
	}
	var bridgeHTTP *resiliency.Client
	if cfg.Profile.Bridge.BaseURL != "" {
		bridgeHTTP = httpFor(contracts.FamilyBridge)
		registry.Register(bridge.New(cfg.Profile.Bridge, bridgeHTTP))
	}
	if cfg.Profile.Hyperliquid.BaseURL != "" {
		conn, err := hyperliquid.New(cfg.Profile.Hyperliquid, httpFor(contracts.FamilyHyperliquid), nonces)
		if err != nil {
			return nil, nil, err
		}
		registry.Register(conn)
	}
	return registry, bridgeHTTP, nil
}

func buildGate(cfg *config.Config) (policy.Gate, error) {
	if len(cfg.Profile.Policy.Rules) == 0 {
		return policy.AllowAll{}, nil
	}
	version := cfg.Profile.Policy.Version
	if version == "" {
		version = "profile"
	}
	return policy.NewCELGate(version, cfg.Profile.Policy.Rules)
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	obs, err := observability.New(ctx, &observability.Config{
		ServiceName:  "keel-gateway",
		Environment:  os.Getenv("ENVIRONMENT"),
		OTLPEndpoint: cfg.OTLPEndpoint,
		SampleRate:   1.0,
		BatchTimeout: 5 * time.Second,
		Enabled:      cfg.OTELEnabled,
		Insecure:     os.Getenv("OTLP_INSECURE") == "true",
	})
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = obs.Shutdown(shutdownCtx)
	}()

	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	auditDB, err := audit.OpenSQLiteLog(cfg.AuditDBPath)
	if err != nil {
		return err
	}
	defer func() { _ = auditDB.Close() }()
	auditLog := audit.NewTee(auditDB, audit.NewWriterLog(os.Stdout))

	validator, err := envelope.NewValidator()
	if err != nil {
		return err
	}
	gate, err := buildGate(cfg)
	if err != nil {
		return err
	}

	verifier := perimeter.NewVerifier(cfg.Perimeter, perimeter.NewEnvSecretResolver(),
		perimeter.NewAntiReplayStore(st, cfg.Perimeter.NonceTTL, store.LeaseOptions{
			AcquireTimeout: cfg.Perimeter.LockTimeout,
			StaleAfter:     cfg.Perimeter.LockStale,
		}))

	// Idempotency records can live in a shared PostgreSQL instance when
	// several gateway processes front the same wallets.
	var idemKV store.KV = st
	if cfg.PostgresDSN != "" {
		pg, err := store.OpenPostgresKV(cfg.PostgresDSN)
		if err != nil {
			return err
		}
		defer func() { _ = pg.Close() }()
		idemKV = pg
	}
	idem := idempotency.NewCoordinator(idemKV, cfg.IdempotentTTL)
	breakers := breaker.NewRegistry(cfg.Breaker)
	nonces := signernonce.NewCoordinator(st)

	registry, bridgeHTTP, err := buildRegistry(cfg, breakers, nonces)
	if err != nil {
		return err
	}

	var tracker *settlement.Tracker
	if bridgeHTTP != nil {
		tracker = settlement.NewTracker(cfg.Settlement, st,
			&settlement.OrderStatusQuery{BaseURL: cfg.Profile.Bridge.BaseURL, HTTP: bridgeHTTP},
			&settlement.TxStatusQuery{BaseURL: cfg.Profile.Bridge.BaseURL, HTTP: bridgeHTTP},
		)
	}

	var limiter *rate.Limiter
	if cfg.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateBurst)
	}

	gw := gateway.New(gateway.Options{
		Validator: validator,
		Verifier:  verifier,
		Gate:      gate,
		Idem:      idem,
		Breakers:  breakers,
		Registry:  registry,
		Tracker:   tracker,
		AuditLog:  auditLog,
		Obs:       obs,
		Limiter:   limiter,
		Logger:    logger,
	})

	server := gateway.NewServer(gw, logger)
	if cfg.AuditS3.Bucket != "" {
		exporter, err := audit.NewS3Exporter(ctx, auditLog, audit.S3ExporterConfig{
			Bucket:   cfg.AuditS3.Bucket,
			Region:   cfg.AuditS3.Region,
			Endpoint: cfg.AuditS3.Endpoint,
			Prefix:   "audit/",
		})
		if err != nil {
			return err
		}
		server = server.WithArchiver(exporter)
	}

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("gateway listening", "addr", cfg.ListenAddr, "store", cfg.Store,
			"security_mode", string(cfg.Perimeter.Mode))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	logger.Info("shutting down")
	return httpServer.Shutdown(shutdownCtx)
}
