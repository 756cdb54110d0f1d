package handler

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/timmy/vectorinfinity/internal/api/middleware"
	"github.com/timmy/vectorinfinity/internal/authstate"
	"github.com/timmy/vectorinfinity/internal/logger"
	"github.com/timmy/vectorinfinity/internal/repository"
	"github.com/timmy/vectorinfinity/internal/source"
)

// ConfigOAuthCode is the binding config key the authorization code is stored under.
const ConfigOAuthCode = "oauth_code"

// AuthHandler runs the OAuth authorization-code flow for sources that
// support it.
type AuthHandler struct {
	registry     *source.Registry
	bindings     *repository.BindingRepository
	states       *authstate.Cache
	callbackBase string
}

// NewAuthHandler creates a new auth handler. callbackBase is the public
// base URL the provider redirects back to.
func NewAuthHandler(registry *source.Registry, bindings *repository.BindingRepository, states *authstate.Cache, callbackBase string) *AuthHandler {
	return &AuthHandler{
		registry:     registry,
		bindings:     bindings,
		states:       states,
		callbackBase: strings.TrimRight(callbackBase, "/"),
	}
}

func (h *AuthHandler) callbackURL() string {
	return h.callbackBase + "/auth/callback"
}

// Start handles GET /api/v1/auth/:source/start?redirect=. It records a
// single-use state and returns the provider URL to send the user to.
func (h *AuthHandler) Start(c *gin.Context) {
	name := c.Param("source")
	adapter, err := h.registry.New(name)
	if err != nil {
		abortWithError(c, "", err)
		return
	}
	oauth, ok := adapter.(source.OAuthAdapter)
	if !ok {
		badRequest(c, "source "+name+" does not support OAuth")
		return
	}

	state := h.states.Begin(authstate.Pending{
		AccountID:   middleware.AccountID(c),
		SourceName:  name,
		RedirectURL: c.Query("redirect"),
	})
	authURL, err := oauth.AuthorizeURL(state, h.callbackURL())
	if err != nil {
		h.states.Take(state)
		badRequest(c, err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"authorize_url": authURL, "state": state})
}

// Callback handles GET /auth/callback?state=&code=. The state is consumed
// whether or not the exchange succeeds.
func (h *AuthHandler) Callback(c *gin.Context) {
	state := c.Query("state")
	pending, ok := h.states.Take(state)
	if state == "" || !ok {
		badRequest(c, "unknown or expired OAuth state")
		return
	}
	if errParam := c.Query("error"); errParam != "" {
		logger.CtxWarn(c.Request.Context(), "OAuth for %s denied: %s", pending.SourceName, errParam)
		h.finish(c, pending, gin.H{"ok": false, "error": errParam})
		return
	}
	code := c.Query("code")
	if code == "" {
		badRequest(c, "missing authorization code")
		return
	}

	if err := h.bindings.MergeConfig(c.Request.Context(), pending.AccountID, pending.SourceName, ConfigOAuthCode, code); err != nil {
		abortWithError(c, "Failed to store authorization: ", err)
		return
	}
	logger.With(logger.Fields{
		logger.FieldAccountID: pending.AccountID,
		logger.FieldSource:    pending.SourceName,
	}).Info(c.Request.Context(), "OAuth authorization stored")
	h.finish(c, pending, gin.H{"ok": true, "source_name": pending.SourceName})
}

// finish redirects to the client when it asked for it, otherwise answers JSON.
func (h *AuthHandler) finish(c *gin.Context, pending authstate.Pending, body gin.H) {
	if pending.RedirectURL == "" {
		c.JSON(http.StatusOK, body)
		return
	}
	target, err := url.Parse(pending.RedirectURL)
	if err != nil || (target.Scheme != "http" && target.Scheme != "https") {
		c.JSON(http.StatusOK, body)
		return
	}
	q := target.Query()
	q.Set("source", pending.SourceName)
	if body["ok"] == true {
		q.Set("status", "connected")
	} else {
		q.Set("status", "error")
	}
	target.RawQuery = q.Encode()
	c.Redirect(http.StatusFound, target.String())
}
