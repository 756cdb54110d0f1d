package handler

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/timmy/vectorinfinity/internal/api/middleware"
	"github.com/timmy/vectorinfinity/internal/domain"
	"github.com/timmy/vectorinfinity/internal/repository"
	"github.com/timmy/vectorinfinity/internal/service"
	"github.com/timmy/vectorinfinity/internal/source"
)

const connectionTestTimeout = 30 * time.Second

// SourceHandler manages per-account source bindings.
type SourceHandler struct {
	bindings *repository.BindingRepository
	registry *source.Registry
	runner   *service.Runner
}

// NewSourceHandler creates a new source handler.
func NewSourceHandler(bindings *repository.BindingRepository, registry *source.Registry, runner *service.Runner) *SourceHandler {
	return &SourceHandler{bindings: bindings, registry: registry, runner: runner}
}

// SourceView is one registered source as seen by an account.
type SourceView struct {
	source.Capabilities
	Configured bool                   `json:"configured"`
	Enabled    bool                   `json:"enabled"`
	Running    bool                   `json:"running"`
	Config     map[string]interface{} `json:"config,omitempty"`
}

// List handles GET /api/v1/sources. Every registered source is listed,
// configured or not; secrets are stripped from configs.
func (h *SourceHandler) List(c *gin.Context) {
	accountID := middleware.AccountID(c)
	bindings, err := h.bindings.List(c.Request.Context(), accountID)
	if err != nil {
		abortWithError(c, "Failed to list sources: ", err)
		return
	}
	byName := make(map[string]domain.SourceBinding, len(bindings))
	for _, b := range bindings {
		byName[b.SourceName] = b
	}

	names := h.registry.Names()
	views := make([]SourceView, 0, len(names))
	for _, name := range names {
		adapter, err := h.registry.New(name)
		if err != nil {
			continue
		}
		view := SourceView{
			Capabilities: source.CapabilitiesOf(adapter),
			Running:      h.runner.IsRunning(accountID, name),
		}
		if b, ok := byName[name]; ok {
			view.Configured = true
			view.Enabled = b.Enabled
			view.Config = sanitize(adapter, b.ConfigMap())
		}
		views = append(views, view)
	}
	c.JSON(http.StatusOK, gin.H{"sources": views, "total": len(views)})
}

// UpdateConfigRequest is the body of PUT /api/v1/sources/:source/config.
type UpdateConfigRequest struct {
	Config  map[string]interface{} `json:"config" binding:"required"`
	Enabled *bool                  `json:"enabled"`
}

// UpdateConfig handles PUT /api/v1/sources/:source/config. The config is
// validated by the adapter before it is stored. New bindings start enabled.
func (h *SourceHandler) UpdateConfig(c *gin.Context) {
	name := c.Param("source")
	adapter, err := h.registry.New(name)
	if err != nil {
		abortWithError(c, "", err)
		return
	}

	var req UpdateConfigRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request: "+err.Error())
		return
	}
	if ca, ok := adapter.(source.ConfigurableAdapter); ok {
		if err := ca.ValidateConfig(req.Config); err != nil {
			badRequest(c, "Invalid configuration: "+err.Error())
			return
		}
	}

	ctx := c.Request.Context()
	accountID := middleware.AccountID(c)
	enabled := true
	if existing, err := h.bindings.Get(ctx, accountID, name); err == nil {
		enabled = existing.Enabled
	} else if !errors.Is(err, repository.ErrNotFound) {
		abortWithError(c, "Failed to load binding: ", err)
		return
	}
	if req.Enabled != nil {
		enabled = *req.Enabled
	}

	b, err := h.bindings.Upsert(ctx, accountID, name, req.Config, enabled)
	if err != nil {
		abortWithError(c, "Failed to save configuration: ", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"source_name": name,
		"enabled":     b.Enabled,
		"config":      sanitize(adapter, b.ConfigMap()),
	})
}

// ToggleRequest is the body of POST /api/v1/sources/:source/toggle.
type ToggleRequest struct {
	Enabled *bool `json:"enabled" binding:"required"`
}

// Toggle handles POST /api/v1/sources/:source/toggle.
func (h *SourceHandler) Toggle(c *gin.Context) {
	name := c.Param("source")
	var req ToggleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request: "+err.Error())
		return
	}
	if err := h.bindings.SetEnabled(c.Request.Context(), middleware.AccountID(c), name, *req.Enabled); err != nil {
		abortWithError(c, "Failed to toggle source: ", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"source_name": name, "enabled": *req.Enabled})
}

// TestConnection handles POST /api/v1/sources/:source/test. The stored
// configuration is applied and the adapter asked to reach its upstream.
func (h *SourceHandler) TestConnection(c *gin.Context) {
	name := c.Param("source")
	adapter, err := h.registry.New(name)
	if err != nil {
		abortWithError(c, "", err)
		return
	}
	tester, ok := adapter.(source.ConnectionTester)
	if !ok {
		badRequest(c, "source "+name+" does not support connection tests")
		return
	}

	ctx := c.Request.Context()
	binding, err := h.bindings.Get(ctx, middleware.AccountID(c), name)
	if err != nil {
		abortWithError(c, "", err)
		return
	}
	if ca, ok := adapter.(source.ConfigurableAdapter); ok {
		cfg := binding.ConfigMap()
		if err := ca.ValidateConfig(cfg); err != nil {
			c.JSON(http.StatusOK, gin.H{"ok": false, "error": err.Error()})
			return
		}
		ca.Configure(cfg)
	}

	tctx, cancel := context.WithTimeout(ctx, connectionTestTimeout)
	defer cancel()
	if err := tester.TestConnection(tctx); err != nil {
		c.JSON(http.StatusOK, gin.H{"ok": false, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func sanitize(adapter source.Adapter, cfg map[string]interface{}) map[string]interface{} {
	if s, ok := adapter.(source.ConfigSanitizer); ok {
		return s.SanitizeConfig(cfg)
	}
	return cfg
}
