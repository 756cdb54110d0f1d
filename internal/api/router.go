package api

import (
	"github.com/gin-gonic/gin"
	"github.com/timmy/vectorinfinity/internal/api/handler"
	"github.com/timmy/vectorinfinity/internal/api/middleware"
	"github.com/timmy/vectorinfinity/internal/authstate"
	"github.com/timmy/vectorinfinity/internal/config"
	"github.com/timmy/vectorinfinity/internal/repository"
	"github.com/timmy/vectorinfinity/internal/service"
	"github.com/timmy/vectorinfinity/internal/source"
	"github.com/timmy/vectorinfinity/internal/storage"
)

// Services are the dependencies the HTTP layer glues together.
type Services struct {
	DB          handler.Pinger
	Accounts    *repository.AccountRepository
	Bindings    *repository.BindingRepository
	Registry    *source.Registry
	Runner      *service.Runner
	Ledger      *service.Ledger
	Maintenance *service.Maintenance
	Search      *service.SearchService
	Objects     storage.ObjectStorage
	States      *authstate.Cache
}

// SetupRouter configures the Gin router with all routes
func SetupRouter(svc *Services, server *config.ServerConfig, auth *config.AuthConfig) *gin.Engine {
	switch server.Mode {
	case "release":
		gin.SetMode(gin.ReleaseMode)
	case "test":
		gin.SetMode(gin.TestMode)
	default:
		gin.SetMode(gin.DebugMode)
	}

	r := gin.New()
	r.MaxMultipartMemory = 32 << 20

	r.Use(gin.Recovery())
	r.Use(middleware.LoggerMiddleware())
	r.Use(middleware.CORS(server.CORS))

	healthHandler := handler.NewHealthHandler(svc.DB, svc.Runner)
	sourceHandler := handler.NewSourceHandler(svc.Bindings, svc.Registry, svc.Runner)
	importHandler := handler.NewImportHandler(svc.Runner, svc.Ledger, svc.Maintenance, svc.Objects)
	dataHandler := handler.NewDataHandler(svc.Maintenance)
	searchHandler := handler.NewSearchHandler(svc.Search)
	authHandler := handler.NewAuthHandler(svc.Registry, svc.Bindings, svc.States, auth.RedirectBaseURL)
	adminHandler := handler.NewAdminHandler(svc.Accounts, svc.Maintenance)

	r.GET("/health", healthHandler.Health)
	r.GET("/auth/callback", authHandler.Callback)

	v1 := r.Group("/api/v1", middleware.RequireAccount(svc.Accounts))
	{
		v1.GET("/sources", sourceHandler.List)
		v1.PUT("/sources/:source/config", sourceHandler.UpdateConfig)
		v1.POST("/sources/:source/toggle", sourceHandler.Toggle)
		v1.POST("/sources/:source/test", sourceHandler.TestConnection)

		v1.POST("/imports/:source", importHandler.Start)
		v1.GET("/imports", importHandler.List)
		v1.GET("/imports/:id", importHandler.Get)

		v1.POST("/data/:source/reset", dataHandler.ResetSource)
		v1.POST("/data/clear", dataHandler.Clear)
		v1.GET("/data/stats", dataHandler.Stats)
		v1.POST("/data/reupload", dataHandler.Reupload)

		v1.POST("/search", searchHandler.TextSearch)
		v1.GET("/search", searchHandler.TextSearchGet)

		v1.GET("/auth/:source/start", authHandler.Start)
	}

	admin := r.Group("/admin", middleware.RequireAdmin(server.AdminToken))
	{
		admin.GET("/accounts", adminHandler.ListAccounts)
		admin.POST("/accounts", adminHandler.CreateAccount)
		admin.POST("/accounts/:id/activate", adminHandler.Activate)
		admin.POST("/accounts/:id/deactivate", adminHandler.Deactivate)
		admin.DELETE("/accounts/:id", adminHandler.DeleteAccount)
		admin.POST("/factory-reset", adminHandler.FactoryReset)
	}

	return r
}
