package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/timmy/vectorinfinity/internal/app"
	"github.com/timmy/vectorinfinity/internal/config"
	"github.com/timmy/vectorinfinity/internal/domain"
	"github.com/timmy/vectorinfinity/internal/logger"
	"github.com/timmy/vectorinfinity/internal/repository"
	"github.com/timmy/vectorinfinity/internal/service"
)

func main() {
	// Initialize logger first (with defaults)
	appLogger := logger.New(&logger.Config{
		Level:       "info",
		Format:      "json",
		ServiceName: "vectorinfinity-ingest",
	})
	logger.SetDefaultLogger(appLogger)

	configPath := flag.String("config", "", "Path to config file")
	accountID := flag.String("account", "", "Account to import for")
	sourceName := flag.String("source", "", "Source to import from")
	file := flag.String("file", "", "Local export file for upload-based sources")
	migrateOnly := flag.Bool("migrate", false, "Apply database migrations and exit")
	reconcileOnly := flag.Bool("reconcile", false, "Close orphaned running imports and exit")
	reupload := flag.Bool("reupload", false, "Re-index stored records of the account instead of importing")
	factoryReset := flag.Bool("factory-reset", false, "Wipe all data and recreate the schema")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to load config")
	}

	if *migrateOnly {
		if err := repository.Migrate(&cfg.Database); err != nil {
			appLogger.WithError(err).Fatal("Failed to apply migrations")
		}
		appLogger.Info("Migrations applied")
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub, err := app.New(ctx, cfg)
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to initialize services")
	}
	defer hub.Close()

	// Handle graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		appLogger.Info("Received shutdown signal, canceling...")
		cancel()
	}()

	closed, err := hub.Runner.Reconcile(ctx)
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to reconcile import runs")
	}
	if closed > 0 || *reconcileOnly {
		appLogger.WithField(logger.FieldCount, closed).Info("Reconciled import runs")
	}
	if *reconcileOnly {
		return
	}

	if *factoryReset {
		res, err := hub.Maintenance.FactoryReset(ctx)
		if err != nil {
			appLogger.WithError(err).Fatal("Factory reset failed")
		}
		appLogger.WithFields(logger.Fields{
			"records_deleted":     res.RecordsDeleted,
			"runs_deleted":        res.RunsDeleted,
			"uploads_deleted":     res.UploadsDeleted,
			"collections_dropped": res.CollectionsDropped,
			"warnings":            len(res.Warnings),
		}).Info("Factory reset completed")
		return
	}

	if *accountID == "" {
		appLogger.Fatal("-account is required")
	}

	if *reupload {
		outcomes, err := hub.Maintenance.Reupload(ctx, *accountID, *sourceName)
		if err != nil {
			appLogger.WithError(err).Fatal("Re-upload failed")
		}
		for name, o := range outcomes {
			appLogger.WithFields(logger.Fields{
				logger.FieldSource: name,
				"total":            o.Total,
				"uploaded":         o.Uploaded,
				"failed":           o.Failed,
				"timed_out":        o.TimedOut,
			}).Info("Re-upload completed")
		}
		return
	}

	if *sourceName == "" {
		appLogger.Fatal("-source is required")
	}

	appLogger.WithFields(logger.Fields{
		logger.FieldAccountID: *accountID,
		logger.FieldSource:    *sourceName,
		"file":                *file,
	}).Info("Starting import")

	res, err := hub.Runner.RunSync(ctx, service.StartRequest{
		AccountID:    *accountID,
		SourceName:   *sourceName,
		UploadedFile: *file,
	})
	if err != nil {
		appLogger.WithError(err).Fatal("Import failed")
	}
	entry := appLogger.WithFields(logger.Fields{
		logger.FieldRunID:  res.RunID,
		logger.FieldStatus: res.Status,
		"imported":         res.Imported,
		"inserted":         res.Inserted,
		"updated":          res.Updated,
		"skipped":          res.Skipped,
		"failed":           res.Failed,
		"indexed":          res.Index.Uploaded,
	})
	if res.Status != domain.RunStatusSuccess {
		entry.Error(res.Message)
		os.Exit(1)
	}
	entry.Info("Import completed")
}
