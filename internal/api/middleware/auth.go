package middleware

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/timmy/vectorinfinity/internal/domain"
	"github.com/timmy/vectorinfinity/internal/logger"
	"github.com/timmy/vectorinfinity/internal/repository"
)

const (
	HeaderAccountID  = "X-Account-ID"
	HeaderAdminToken = "X-Admin-Token"

	accountKey = "account_id"
)

// AccountLookup resolves the account named by a request.
type AccountLookup interface {
	Get(ctx context.Context, id string) (*domain.Account, error)
}

// RequireAccount rejects requests without an existing, active account and
// tags the request logger with the account.
func RequireAccount(accounts AccountLookup) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := strings.TrimSpace(c.GetHeader(HeaderAccountID))
		if id == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing " + HeaderAccountID + " header"})
			return
		}

		acc, err := accounts.Get(c.Request.Context(), id)
		switch {
		case errors.Is(err, repository.ErrNotFound):
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unknown account"})
			return
		case err != nil:
			logger.CtxError(c.Request.Context(), "Account lookup failed: %v", err)
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "account lookup failed"})
			return
		case !acc.Active:
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "account is not active"})
			return
		}

		c.Set(accountKey, acc.ID)
		c.Request = c.Request.WithContext(logger.WithField(c.Request.Context(), logger.FieldAccountID, acc.ID))
		c.Next()
	}
}

// AccountID returns the account resolved by RequireAccount.
func AccountID(c *gin.Context) string {
	return c.GetString(accountKey)
}

// RequireAdmin guards administrative routes with a shared token. With no
// token configured the routes are disabled.
func RequireAdmin(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if token == "" {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "admin API disabled"})
			return
		}
		got := c.GetHeader(HeaderAdminToken)
		if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
			logger.CtxWarn(c.Request.Context(), "Rejected admin request from %s", c.ClientIP())
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid admin token"})
			return
		}
		c.Next()
	}
}
