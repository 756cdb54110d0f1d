package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/timmy/vectorinfinity/internal/api"
	"github.com/timmy/vectorinfinity/internal/app"
	"github.com/timmy/vectorinfinity/internal/config"
	"github.com/timmy/vectorinfinity/internal/logger"
	"github.com/timmy/vectorinfinity/internal/service"
)

func main() {
	appLogger := logger.NewFromEnv(logger.LoadFromEnv())
	logger.SetDefaultLogger(appLogger)
	defer logger.Sync()

	// Support CONFIG_PATH environment variable for production deployments
	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to load config")
	}

	ctx := context.Background()
	hub, err := app.New(ctx, cfg)
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to initialize services")
	}
	defer hub.Close()

	// Runs left open by a previous process can never finish
	closed, err := hub.Runner.Reconcile(ctx)
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to reconcile import runs")
	}
	if closed > 0 {
		appLogger.WithField(logger.FieldCount, closed).Warn("Closed orphaned import runs")
	}

	var scheduler *service.Scheduler
	if cfg.Scheduler.Enabled {
		scheduler, err = service.NewScheduler(hub.Runner, hub.Bindings, hub.Registry, cfg.Scheduler.DailyImportTime)
		if err != nil {
			appLogger.WithError(err).Fatal("Failed to create scheduler")
		}
		scheduler.Start(ctx)
	}

	router := api.SetupRouter(&api.Services{
		DB:          hub.SQL,
		Accounts:    hub.Accounts,
		Bindings:    hub.Bindings,
		Registry:    hub.Registry,
		Runner:      hub.Runner,
		Ledger:      hub.Ledger,
		Maintenance: hub.Maintenance,
		Search:      hub.Search,
		Objects:     hub.Objects,
		States:      hub.States,
	}, &cfg.Server, &cfg.Auth)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: router,
	}

	go func() {
		appLogger.WithFields(logger.Fields{
			"port":    cfg.Server.Port,
			"sources": hub.Registry.Names(),
		}).Info("Starting server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			appLogger.WithError(err).Fatal("Failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	appLogger.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLogger.WithError(err).Error("Server forced to shutdown")
	}
	if scheduler != nil {
		scheduler.Stop()
	}

	// In-flight imports close their runs before the process exits
	hub.Runner.Wait()
	appLogger.Info("Server exited")
}
