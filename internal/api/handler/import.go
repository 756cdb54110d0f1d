package handler

import (
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/timmy/vectorinfinity/internal/api/middleware"
	"github.com/timmy/vectorinfinity/internal/logger"
	"github.com/timmy/vectorinfinity/internal/service"
	"github.com/timmy/vectorinfinity/internal/storage"
)

const (
	defaultRunListLimit = 50
	maxRunListLimit     = 500
	uploadFormField     = "file"
)

// ImportHandler starts imports and reports their progress.
type ImportHandler struct {
	runner      *service.Runner
	ledger      *service.Ledger
	maintenance *service.Maintenance
	objects     storage.ObjectStorage
}

// NewImportHandler creates a new import handler. objects may be nil, in
// which case multipart uploads are rejected.
func NewImportHandler(runner *service.Runner, ledger *service.Ledger, maintenance *service.Maintenance, objects storage.ObjectStorage) *ImportHandler {
	return &ImportHandler{runner: runner, ledger: ledger, maintenance: maintenance, objects: objects}
}

// Start handles POST /api/v1/imports/:source. A multipart request carries
// the export under "file"; it is stored before the run is started so the
// run can read it from any process.
// Parameters:
//   - c: Gin request context.
// Returns: none (writes 202 with the run id, or 409 when a run is active).
func (h *ImportHandler) Start(c *gin.Context) {
	ctx := c.Request.Context()
	accountID := middleware.AccountID(c)
	req := service.StartRequest{AccountID: accountID, SourceName: c.Param("source")}

	if strings.HasPrefix(c.ContentType(), "multipart/") {
		key, err := h.storeUpload(c, accountID, req.SourceName)
		if err != nil {
			return
		}
		req.UploadKey = key
	}

	runID, err := h.runner.Start(ctx, req)
	if err != nil {
		if req.UploadKey != "" {
			if derr := h.objects.Delete(ctx, req.UploadKey); derr != nil {
				logger.CtxWarn(ctx, "Failed to delete unused upload %s: %v", req.UploadKey, derr)
			}
		}
		if errors.Is(err, service.ErrAlreadyRunning) {
			body := gin.H{"error": err.Error()}
			if id, ok := h.runner.RunningID(accountID, req.SourceName); ok {
				body["run_id"] = id
			}
			c.AbortWithStatusJSON(http.StatusConflict, body)
			return
		}
		abortWithError(c, "", err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"run_id": runID, "status": "running"})
}

// storeUpload writes the multipart file to object storage and returns its
// key. It writes the error response itself.
func (h *ImportHandler) storeUpload(c *gin.Context, accountID, sourceName string) (string, error) {
	if h.objects == nil {
		err := fmt.Errorf("file uploads are not configured")
		badRequest(c, err.Error())
		return "", err
	}
	fh, err := c.FormFile(uploadFormField)
	if err != nil {
		badRequest(c, "missing multipart field \""+uploadFormField+"\"")
		return "", err
	}
	f, err := fh.Open()
	if err != nil {
		abortWithError(c, "Failed to read upload: ", err)
		return "", err
	}
	defer f.Close()

	name := fmt.Sprintf("%s_%s", time.Now().UTC().Format("20060102T150405"), filepath.Base(fh.Filename))
	key := h.maintenance.UploadKey(accountID, sourceName, name)
	contentType := fh.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	if err := h.objects.Upload(c.Request.Context(), key, f, fh.Size, contentType); err != nil {
		abortWithError(c, "Failed to store upload: ", err)
		return "", err
	}
	logger.With(logger.Fields{logger.FieldSource: sourceName, logger.FieldSize: fh.Size}).
		Info(c.Request.Context(), "Stored upload %s", key)
	return key, nil
}

// List handles GET /api/v1/imports?source=&limit=.
func (h *ImportHandler) List(c *gin.Context) {
	limit := defaultRunListLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			badRequest(c, "limit must be a positive integer")
			return
		}
		limit = min(n, maxRunListLimit)
	}

	runs, err := h.ledger.List(c.Request.Context(), middleware.AccountID(c), c.Query("source"), limit)
	if err != nil {
		abortWithError(c, "Failed to list imports: ", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"runs": runs, "total": len(runs)})
}

// Get handles GET /api/v1/imports/:id. Runs of other accounts are not found.
func (h *ImportHandler) Get(c *gin.Context) {
	run, err := h.ledger.Get(c.Request.Context(), middleware.AccountID(c), c.Param("id"))
	if err != nil {
		abortWithError(c, "", err)
		return
	}
	c.JSON(http.StatusOK, run)
}
