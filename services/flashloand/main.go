package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"flashpool/core"
	"flashpool/core/events"
	"flashpool/core/state"
	"flashpool/native/flashloan"
	"flashpool/observability"
	"flashpool/observability/logging"
	telemetry "flashpool/observability/otel"
	"flashpool/services/flashloand/config"
	"flashpool/services/flashloand/journal"
	flmw "flashpool/services/flashloand/middleware"
	"flashpool/services/flashloand/server"
	"flashpool/storage"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "services/flashloand/config.yaml", "path to flashloand config")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	env := strings.TrimSpace(os.Getenv("FLASHPOOL_ENV"))
	logger := logging.SetupWithOptions(logging.Options{
		Service: "flashloand",
		Env:     env,
		Level:   cfg.Logging.Level,
		File:    cfg.Logging.File,
	})

	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.ConfigFromEnv("flashloand", env))
	if err != nil {
		log.Fatalf("init telemetry: %v", err)
	}
	defer func() {
		_ = shutdownTelemetry(context.Background())
	}()

	poolCfg, err := flashloan.LoadConfig(cfg.PoolConfig)
	if err != nil {
		log.Fatalf("load pool config: %v", err)
	}
	params, err := poolCfg.Params()
	if err != nil {
		log.Fatalf("pool config: %v", err)
	}

	db, err := openStore(cfg.DataDir)
	if err != nil {
		log.Fatalf("open state: %v", err)
	}
	defer db.Close()

	journalDSN := cfg.Journal.DSN
	if cfg.Journal.Driver == journal.DriverSQLite && journalDSN == "" && cfg.DataDir != "" {
		journalDSN = filepath.Join(cfg.DataDir, "journal.db")
	}
	journalDB, err := journal.Open(cfg.Journal.Driver, journalDSN)
	if err != nil {
		log.Fatalf("open journal: %v", err)
	}
	jrnl := journal.New(journalDB, logger)
	stream := events.NewStream()

	executor := core.NewExecutor(state.NewManager(db))
	executor.SetLogger(logger)
	executor.SetImageURL(params.ImageURL)
	executor.SetEmitter(events.Multi{stream, jrnl, observability.Events()})
	created, err := executor.Genesis(params)
	if err != nil {
		log.Fatalf("genesis: %v", err)
	}
	if !created {
		logger.Info("pool state loaded", slog.String("data_dir", cfg.DataDir))
	}

	limits := make(map[string]flmw.RateLimit, len(cfg.RateLimits))
	for route, limit := range cfg.Limits() {
		limits[route] = flmw.RateLimit{RequestsPerMinute: limit.RequestsPerMinute, Burst: limit.Burst}
	}
	srv, err := server.New(server.Config{
		Executor: executor,
		Journal:  jrnl,
		Stream:   stream,
		Asset:    params.Asset,
		Auth: flmw.AuthConfig{
			HMACSecret: cfg.Auth.HMACSecret,
			Issuer:     cfg.Auth.Issuer,
			Audience:   cfg.Auth.Audience,
			ScopeClaim: cfg.Auth.ScopeClaim,
			ClockSkew:  cfg.Auth.ClockSkew,
		},
		RateLimits:     limits,
		AllowedOrigins: cfg.CORS.AllowedOrigins,
		Logger:         logger,
	})
	if err != nil {
		log.Fatalf("build server: %v", err)
	}

	httpServer := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("flashloand listening", slog.String("address", cfg.ListenAddress))
		serverErr <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("forcing server stop", slog.Any("error", err))
			_ = httpServer.Close()
		}
	case err := <-serverErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("serve http: %v", err)
		}
	}
}

func openStore(dataDir string) (storage.Database, error) {
	if dataDir == "" {
		return storage.NewMemDB(), nil
	}
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, err
	}
	return storage.NewLevelDB(filepath.Join(dataDir, "state"))
}
