// Package app wires configuration into the services both binaries share.
package app

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/timmy/vectorinfinity/internal/authstate"
	"github.com/timmy/vectorinfinity/internal/config"
	"github.com/timmy/vectorinfinity/internal/logger"
	"github.com/timmy/vectorinfinity/internal/repository"
	"github.com/timmy/vectorinfinity/internal/service"
	"github.com/timmy/vectorinfinity/internal/source"
	"github.com/timmy/vectorinfinity/internal/source/builtin"
	"github.com/timmy/vectorinfinity/internal/source/github"
	"github.com/timmy/vectorinfinity/internal/storage"
	"gorm.io/gorm"
)

// App holds the wired services.
type App struct {
	Config *config.Config
	DB     *gorm.DB
	SQL    *sql.DB

	Accounts *repository.AccountRepository
	Bindings *repository.BindingRepository
	Records  *repository.RecordRepository
	Runs     *repository.RunRepository

	Registry    *source.Registry
	Objects     storage.ObjectStorage
	Index       *service.QdrantIndex
	Ledger      *service.Ledger
	Batcher     *service.Batcher
	Coordinator *service.Coordinator
	Runner      *service.Runner
	Maintenance *service.Maintenance
	Search      *service.SearchService
	States      *authstate.Cache

	qdrant *repository.QdrantRepository
}

type bucketEnsurer interface {
	EnsureBucket(ctx context.Context) error
}

// New migrates the schema and builds every service. The retrieval index is
// wired only when embeddings are configured; without it imports still store
// records but nothing is indexed.
// Parameters:
//   - ctx: context for startup calls to external stores.
//   - cfg: loaded configuration.
// Returns:
//   - *App: wired services; call Close when done.
//   - error: non-nil if a required store cannot be reached.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	if err := repository.Migrate(&cfg.Database); err != nil {
		return nil, err
	}
	db, err := repository.InitDB(&cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}

	a := &App{
		Config:   cfg,
		DB:       db,
		SQL:      sqlDB,
		Accounts: repository.NewAccountRepository(db),
		Bindings: repository.NewBindingRepository(db),
		Records:  repository.NewRecordRepository(db),
		Runs:     repository.NewRunRepository(db),
		States:   authstate.New(cfg.Auth.StateTTL, cfg.Auth.MaxPending),
	}
	a.Registry = builtin.Registry(builtin.Options{
		GitHub: github.Options{
			APIBase:  cfg.Sources.GitHubAPIBase,
			ClientID: cfg.Sources.GitHubClientID,
		},
	})

	objects, err := storage.NewStorage(&cfg.Storage)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}
	if b, ok := objects.(bucketEnsurer); ok {
		if err := b.EnsureBucket(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to ensure storage bucket: %w", err)
		}
	}
	a.Objects = objects

	var store service.RetrievalStore
	var searcher service.Searcher
	var indexAdmin service.IndexAdmin
	if cfg.Embedding.Enabled() {
		a.qdrant, err = repository.NewQdrantRepository(&repository.QdrantConnectionConfig{
			Host:            cfg.Qdrant.Host,
			Port:            cfg.Qdrant.Port,
			APIKey:          cfg.Qdrant.APIKey,
			UseTLS:          cfg.Qdrant.UseTLS,
			VectorDimension: cfg.Embedding.Dimensions,
		})
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to initialize Qdrant repository: %w", err)
		}
		a.Index = service.NewQdrantIndex(a.qdrant, service.NewEmbeddingService(&cfg.Embedding), cfg.Qdrant.CollectionPrefix)
		store, searcher, indexAdmin = a.Index, a.Index, a.Index
		logger.With(logger.Fields{
			"model":      cfg.Embedding.Model,
			"dimensions": cfg.Embedding.Dimensions,
		}).Info(ctx, "Retrieval index enabled")
	} else {
		logger.CtxWarn(ctx, "Embedding API key not set, imported records will not be indexed")
	}

	a.Ledger = service.NewLedger(a.Runs, cfg.Importer.ErrorMessageMax)
	if store != nil {
		a.Batcher = service.NewBatcher(store, service.BatcherConfig{
			BatchSize:        cfg.Indexer.BatchSize,
			FinalWaitTimeout: cfg.Indexer.FinalWaitTimeout,
			PollInterval:     cfg.Indexer.PollInterval,
		})
	}
	a.Coordinator = service.NewCoordinator(a.Bindings, a.Records, a.Ledger, a.Registry, a.Batcher, service.CoordinatorConfig{
		ProgressEvery: cfg.Importer.ProgressEvery,
		FetchTimeout:  cfg.Importer.FetchTimeout,
	})
	a.Runner = service.NewRunner(a.Coordinator, a.Ledger, a.Registry, a.Objects)
	a.Maintenance = service.NewMaintenance(a.Records, a.Runs, a.Runner, a.Batcher, indexAdmin, a.Objects, a.States, service.MaintenanceConfig{
		UploadPrefix: cfg.Storage.UploadPrefix,
		BatchSize:    cfg.Indexer.BatchSize,
		Database:     &cfg.Database,
	})
	a.Search = service.NewSearchService(searcher, &service.SearchConfig{
		TopK:           cfg.Search.TopK,
		ScoreThreshold: cfg.Search.ScoreThreshold,
	})
	return a, nil
}

// Close releases database and index connections.
func (a *App) Close() {
	if a.qdrant != nil {
		if err := a.qdrant.Close(); err != nil {
			logger.Warn("Failed to close Qdrant connection: %v", err)
		}
	}
	if a.SQL != nil {
		a.SQL.Close()
	}
}
