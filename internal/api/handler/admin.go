package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/timmy/vectorinfinity/internal/logger"
	"github.com/timmy/vectorinfinity/internal/repository"
	"github.com/timmy/vectorinfinity/internal/service"
)

// AdminHandler handles account administration and factory reset.
type AdminHandler struct {
	accounts    *repository.AccountRepository
	maintenance *service.Maintenance
}

// NewAdminHandler creates a new admin handler.
// Parameters:
//   - accounts: account repository.
//   - maintenance: maintenance service.
// Returns:
//   - *AdminHandler: initialized handler.
func NewAdminHandler(accounts *repository.AccountRepository, maintenance *service.Maintenance) *AdminHandler {
	return &AdminHandler{accounts: accounts, maintenance: maintenance}
}

// CreateAccountRequest is the body of POST /admin/accounts.
type CreateAccountRequest struct {
	ID     string `json:"id"`
	Name   string `json:"name" binding:"required"`
	Active bool   `json:"active"`
}

// ListAccounts handles GET /admin/accounts.
func (h *AdminHandler) ListAccounts(c *gin.Context) {
	accounts, err := h.accounts.List(c.Request.Context())
	if err != nil {
		abortWithError(c, "Failed to list accounts: ", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"accounts": accounts, "total": len(accounts)})
}

// CreateAccount handles POST /admin/accounts. Accounts start inactive
// unless the request says otherwise.
func (h *AdminHandler) CreateAccount(c *gin.Context) {
	var req CreateAccountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request: "+err.Error())
		return
	}
	ctx := c.Request.Context()
	acc, err := h.accounts.Create(ctx, req.ID, req.Name)
	if err != nil {
		abortWithError(c, "Failed to create account: ", err)
		return
	}
	if req.Active {
		if err := h.accounts.SetActive(ctx, acc.ID, true); err != nil {
			abortWithError(c, "Failed to activate account: ", err)
			return
		}
		acc.Active = true
	}
	logger.With(logger.Fields{logger.FieldAccountID: acc.ID}).Info(ctx, "Account created")
	c.JSON(http.StatusCreated, acc)
}

// Activate handles POST /admin/accounts/:id/activate.
func (h *AdminHandler) Activate(c *gin.Context) {
	h.setActive(c, true)
}

// Deactivate handles POST /admin/accounts/:id/deactivate.
func (h *AdminHandler) Deactivate(c *gin.Context) {
	h.setActive(c, false)
}

func (h *AdminHandler) setActive(c *gin.Context, active bool) {
	id := c.Param("id")
	if err := h.accounts.SetActive(c.Request.Context(), id, active); err != nil {
		abortWithError(c, "", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id, "active": active})
}

// DeleteAccount handles DELETE /admin/accounts/:id. The account's index
// collection is dropped before its rows are removed.
func (h *AdminHandler) DeleteAccount(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")
	if _, err := h.accounts.Get(ctx, id); err != nil {
		abortWithError(c, "", err)
		return
	}
	cleared, err := h.maintenance.ClearAccountData(ctx, id)
	if err != nil {
		abortWithError(c, "Failed to delete account: ", err)
		return
	}
	if err := h.accounts.Delete(ctx, id); err != nil {
		abortWithError(c, "Failed to delete account: ", err)
		return
	}
	logger.With(logger.Fields{logger.FieldAccountID: id}).Warn(ctx, "Account deleted")
	c.JSON(http.StatusOK, gin.H{"id": id, "records_deleted": cleared.RecordsDeleted, "warnings": cleared.Warnings})
}

// FactoryReset handles POST /admin/factory-reset.
func (h *AdminHandler) FactoryReset(c *gin.Context) {
	if !requireConfirm(c) {
		return
	}
	res, err := h.maintenance.FactoryReset(c.Request.Context())
	if err != nil {
		abortWithError(c, "Factory reset failed: ", err)
		return
	}
	c.JSON(http.StatusOK, res)
}
