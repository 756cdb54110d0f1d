package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/timmy/vectorinfinity/internal/logger"
	"github.com/timmy/vectorinfinity/internal/repository"
	"github.com/timmy/vectorinfinity/internal/service"
	"github.com/timmy/vectorinfinity/internal/source"
)

// statusFor maps service and store errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, service.ErrAlreadyRunning), errors.Is(err, service.ErrRunsActive):
		return http.StatusConflict
	case errors.Is(err, service.ErrSourceNotFound), errors.Is(err, source.ErrUnknownSource),
		errors.Is(err, repository.ErrNotFound), errors.Is(err, service.ErrNotConfigured):
		return http.StatusNotFound
	case errors.Is(err, service.ErrEmptyQuery):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrIndexDisabled):
		return http.StatusServiceUnavailable
	case errors.Is(err, repository.ErrDuplicate):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// abortWithError writes {"error": prefix + err} with the mapped status.
// Server errors are logged; client errors are not.
func abortWithError(c *gin.Context, prefix string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		logger.CtxError(c.Request.Context(), "%s%v", prefix, err)
	}
	c.AbortWithStatusJSON(status, gin.H{"error": prefix + err.Error()})
}

func badRequest(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": msg})
}

// confirmRequest guards destructive endpoints.
type confirmRequest struct {
	Confirm bool `json:"confirm"`
}

func requireConfirm(c *gin.Context) bool {
	var req confirmRequest
	if err := c.ShouldBindJSON(&req); err != nil || !req.Confirm {
		badRequest(c, `this operation is destructive, send {"confirm": true}`)
		return false
	}
	return true
}
