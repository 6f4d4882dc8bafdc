package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/llmlb/api"
	"github.com/BaSui01/llmlb/audit"
	"github.com/BaSui01/llmlb/catalog"
	"github.com/BaSui01/llmlb/config"
	"github.com/BaSui01/llmlb/detect"
	"github.com/BaSui01/llmlb/dispatch"
	"github.com/BaSui01/llmlb/internal/database"
	"github.com/BaSui01/llmlb/internal/lock"
	"github.com/BaSui01/llmlb/internal/metrics"
	"github.com/BaSui01/llmlb/internal/server"
	"github.com/BaSui01/llmlb/internal/telemetry"
	"github.com/BaSui01/llmlb/prober"
	"github.com/BaSui01/llmlb/registry"
)

// runServe starts the load balancer and blocks until shutdown.
func runServe(args []string) int {
	cfg, _, err := loadConfig("serve", args)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitFailure
	}

	logger, err := newLogger(cfg.Log)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitFailure
	}
	defer logger.Sync()

	// One llmlb per port per machine. The lock lives next to the default
	// database so all instances agree on the state directory.
	lk, err := lock.Acquire(filepath.Dir(config.DefaultDatabasePath()), cfg.Server.Port)
	if err != nil {
		var held *lock.ErrHeld
		if errors.As(err, &held) {
			logger.Error("another instance is already running",
				zap.Int("pid", held.PID),
				zap.String("lock", held.Path),
			)
			return exitLockTaken
		}
		logger.Error("failed to acquire singleton lock", zap.Error(err))
		return exitFailure
	}
	defer lk.Release()

	db, err := database.Open(cfg.Database.URL, logger)
	if err != nil {
		logger.Error("failed to open database", zap.Error(err))
		return exitFailure
	}

	if err := migrateUp(cfg.Database.URL, db); err != nil {
		logger.Error("failed to apply migrations", zap.Error(err))
		return exitFailure
	}

	pool, err := database.NewPoolManager(db, database.PoolConfig{
		MaxIdleConns:        cfg.Database.MaxIdleConns,
		MaxOpenConns:        cfg.Database.MaxOpenConns,
		ConnMaxLifetime:     cfg.Database.ConnMaxLifetime,
		HealthCheckInterval: 30 * time.Second,
	}, logger)
	if err != nil {
		logger.Error("failed to configure connection pool", zap.Error(err))
		return exitFailure
	}
	defer pool.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool.Start(ctx)

	providers, err := telemetry.Init(cfg.Telemetry, Version, logger)
	if err != nil {
		logger.Error("failed to initialize telemetry", zap.Error(err))
		return exitFailure
	}

	collector := metrics.NewCollector("llmlb", logger)
	detector := detect.NewDetector(cfg.Health.ProbeTimeout, logger)

	reg, err := registry.New(db, detector, logger)
	if err != nil {
		logger.Error("failed to load endpoint registry", zap.Error(err))
		return exitFailure
	}

	cat, err := catalog.New(db, cfg.Health.ProbeTimeout, logger)
	if err != nil {
		logger.Error("failed to load model catalog", zap.Error(err))
		return exitFailure
	}

	auditor := audit.NewWriter(db, collector, cfg.Audit, logger)
	dispatcher := dispatch.New(reg, cat, auditor, collector, cfg.Queue, logger)
	probe := prober.New(reg, db, detector, collector, cfg.Health, logger)

	go func() {
		if err := probe.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("prober stopped", zap.Error(err))
		}
	}()
	go cat.Run(ctx, reg.Subscribe())
	go dispatcher.Run(ctx, reg.Subscribe(), cat.Resynced())

	base := Chain(
		Recovery(logger),
		RequestID(),
		SecurityHeaders(),
		RequestLogger(logger),
		Metrics(collector),
	)
	if cfg.Telemetry.Enabled {
		base = Chain(base, Tracing())
	}

	mgmtAuth := []api.Middleware{
		RateLimiter(cfg.Auth.RateRPS, cfg.Auth.RateBurst),
	}
	if cfg.Auth.JWTSecret != "" {
		mgmtAuth = append(mgmtAuth, JWTAuth(cfg.Auth.JWTSecret, logger))
	} else {
		logger.Warn("management API authentication is disabled; set LLMLB_JWT_SECRET to enable")
	}
	mgmtAuth = append(mgmtAuth, AuditTrail(auditor))

	handler := base(api.NewRouter(api.Config{
		Version:        Version,
		Logger:         logger,
		Registry:       reg,
		Catalog:        cat,
		Dispatcher:     dispatcher,
		Checker:        probe,
		AuditWriter:    auditor,
		DB:             db,
		ClientAuth:     APIKeyAuth(db, logger),
		ManagementAuth: Chain(mgmtAuth...),
	}))

	srv := server.NewManager(handler, server.Config{
		Addr:            cfg.Server.Addr(),
		ReadTimeout:     cfg.Server.ReadTimeout,
		IdleTimeout:     cfg.Server.IdleTimeout,
		MaxHeaderBytes:  cfg.Server.MaxHeaderBytes,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	}, logger)

	if err := srv.Start(); err != nil {
		logger.Error("failed to start HTTP server", zap.Error(err))
		return exitFailure
	}
	logger.Info("llmlb started",
		zap.String("version", Version),
		zap.String("addr", srv.Addr()),
	)

	srv.WaitForShutdown()

	// Background workers first, then drain the audit buffer so the final
	// batch is sealed, then the rest.
	cancel()
	if err := auditor.Close(); err != nil {
		logger.Warn("audit writer close failed", zap.Error(err))
	}
	reg.Close()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := providers.Shutdown(shutdownCtx); err != nil {
		logger.Warn("telemetry shutdown failed", zap.Error(err))
	}

	logger.Info("llmlb stopped")
	return exitOK
}
