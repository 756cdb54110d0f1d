package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/timmy/vectorinfinity/internal/api/middleware"
	"github.com/timmy/vectorinfinity/internal/service"
)

// DataHandler exposes reset, statistics, and re-indexing of imported data.
type DataHandler struct {
	maintenance *service.Maintenance
}

// NewDataHandler creates a new data handler.
func NewDataHandler(maintenance *service.Maintenance) *DataHandler {
	return &DataHandler{maintenance: maintenance}
}

// ResetSource handles POST /api/v1/data/:source/reset.
func (h *DataHandler) ResetSource(c *gin.Context) {
	if !requireConfirm(c) {
		return
	}
	res, err := h.maintenance.ResetSource(c.Request.Context(), middleware.AccountID(c), c.Param("source"))
	if err != nil {
		abortWithError(c, "Reset failed: ", err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// Clear handles POST /api/v1/data/clear.
func (h *DataHandler) Clear(c *gin.Context) {
	if !requireConfirm(c) {
		return
	}
	res, err := h.maintenance.ClearAccountData(c.Request.Context(), middleware.AccountID(c))
	if err != nil {
		abortWithError(c, "Clear failed: ", err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// Stats handles GET /api/v1/data/stats.
func (h *DataHandler) Stats(c *gin.Context) {
	stats, err := h.maintenance.Stats(c.Request.Context(), middleware.AccountID(c))
	if err != nil {
		abortWithError(c, "Failed to get stats: ", err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

// Reupload handles POST /api/v1/data/reupload?source=. It runs on the
// request and answers when every batch has been handed to the index.
func (h *DataHandler) Reupload(c *gin.Context) {
	out, err := h.maintenance.Reupload(c.Request.Context(), middleware.AccountID(c), c.Query("source"))
	if err != nil {
		abortWithError(c, "Re-upload failed: ", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sources": out})
}
