package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/robfig/cron"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"lingodrill/internal/api"
	"lingodrill/internal/config"
	"lingodrill/internal/core"
	"lingodrill/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		zap.NewExample().Fatal("failed to load configuration", zap.Error(err))
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		zap.NewExample().Fatal("failed to build logger", zap.Error(err))
	}
	defer logger.Sync()

	ingestFlag := flag.Bool("ingest", false, "Sync the task catalog from DATA_DIR and exit")
	flag.Parse()

	ctx := context.Background()

	var st store.Store
	if cfg.DatabaseURL != "" {
		pg, err := store.NewPostgresStore(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Fatal("failed to initialize database", zap.Error(err))
		}
		st = pg
	} else {
		logger.Warn("DATABASE_URL not set, running with the in-memory store")
		st = store.NewMemoryStore()
	}
	defer st.Close()

	catalog := core.NewCatalog(st, logger)

	if *ingestFlag {
		entries, err := core.LoadCatalogDir(cfg.DataDir, logger)
		if err != nil {
			logger.Fatal("catalog ingestion failed", zap.Error(err))
		}
		upserted, deactivated, err := catalog.Sync(ctx, entries)
		if err != nil {
			logger.Fatal("catalog sync failed", zap.Error(err))
		}
		logger.Info("catalog ingestion complete, exiting",
			zap.Int64("upserted", upserted),
			zap.Int64("deactivated", deactivated))
		return
	}

	scheduler := core.NewScheduler(st, core.SchedulerConfig{
		Cooldown:      cfg.CooldownWindow,
		AssignmentTTL: cfg.AssignmentTTL,
	}, logger)
	recorder := core.NewRecorder(st, logger)

	apiHandler := api.NewAPIHandler(catalog, scheduler, recorder, st, logger, cfg.JWTSecret, cfg.APIKey)
	router := api.NewRouter(apiHandler, logger)

	// Hygiene sweep for abandoned assignments. Expiry is also evaluated
	// lazily on every Next, so this only keeps the table tidy.
	var sweeper *cron.Cron
	if cfg.SweepInterval > 0 {
		sweeper = cron.New()
		if err := sweeper.AddFunc("@every "+cfg.SweepInterval.String(), func() {
			if _, err := scheduler.Sweep(context.Background()); err != nil {
				logger.Error("assignment sweep failed", zap.Error(err))
			}
		}); err != nil {
			logger.Fatal("failed to schedule sweep", zap.Error(err))
		}
		sweeper.Start()
		defer sweeper.Stop()
	}

	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("starting server", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("could not listen", zap.String("addr", srv.Addr), zap.Error(err))
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Fatal("server forced to shutdown", zap.Error(err))
	}
	logger.Info("server exiting gracefully")
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(strings.ToLower(level))
	if err != nil {
		return nil, err
	}
	logCfg := zap.NewProductionConfig()
	logCfg.Level = zap.NewAtomicLevelAt(lvl)
	return logCfg.Build()
}
