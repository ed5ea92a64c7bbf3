package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/eventide/eventide/backend/go-services/internal/apperr"
	"github.com/eventide/eventide/backend/go-services/internal/models"
	"github.com/eventide/eventide/backend/go-services/internal/oidc"
	"github.com/eventide/eventide/backend/go-services/internal/tokens"
	"github.com/eventide/eventide/backend/go-services/pkg/logger"
	"github.com/eventide/eventide/backend/go-services/pkg/middleware"
)

// LoginRequest carries an IdP assertion directly or an authorization code to
// exchange for one. An Authorization: Bearer header takes precedence.
type LoginRequest struct {
	IDToken     string `json:"idToken"`
	Code        string `json:"code"`
	RedirectURI string `json:"redirectUri"`
}

// CodeExchanger trades an authorization code for an ID token; satisfied by *oidc.CodeExchanger.
type CodeExchanger interface {
	Exchange(ctx context.Context, code, redirectURI string) (string, error)
}

// Reconciler is the part of the user reconciler the auth endpoints need.
type Reconciler interface {
	Reconcile(ctx context.Context, id *oidc.Identity) (*models.User, error)
	GetBySubject(ctx context.Context, subjectID string) (*models.User, error)
}

// AuthHandler holds dependencies
type AuthHandler struct {
	identities oidc.IdentityVerifier
	exchanger  CodeExchanger
	users      Reconciler
	tokens     *tokens.Service
	idpTimeout time.Duration
}

// NewAuthHandler wires the auth endpoints. exchanger may be nil when the
// authorization-code login mode is not configured.
func NewAuthHandler(identities oidc.IdentityVerifier, exchanger CodeExchanger, users Reconciler, t *tokens.Service, idpTimeout time.Duration) *AuthHandler {
	if idpTimeout <= 0 {
		idpTimeout = 10 * time.Second
	}
	return &AuthHandler{identities: identities, exchanger: exchanger, users: users, tokens: t, idpTimeout: idpTimeout}
}

// Register routes under /auth
func (h *AuthHandler) Register(r gin.IRouter, auth *middleware.Authorizer) {
	a := r.Group("/auth")
	a.POST("/login", h.Login)
	a.POST("/logout", h.Logout)
	a.POST("/refresh", h.Refresh)
	a.GET("/profile", append(auth.Chain(middleware.Requirements{}), h.Profile)...)
}

// Login verifies an IdP assertion, reconciles the local user and sets the
// session cookies.
func (h *AuthHandler) Login(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), h.idpTimeout)
	defer cancel()

	raw, err := h.assertion(ctx, c)
	if err != nil {
		middleware.AbortWithError(c, err)
		return
	}
	id, err := h.identities.Verify(ctx, raw)
	if err != nil {
		logger.Infof("login: assertion rejected: %v", err)
		middleware.AbortWithError(c, err)
		return
	}
	u, err := h.users.Reconcile(ctx, id)
	if err != nil {
		logger.Errorf("login: reconcile %s: %v", id.SubjectID, err)
		// every reconciliation failure is reported as an authentication failure
		middleware.AbortWithError(c, fmt.Errorf("%w: %v", apperr.ErrUnauthenticated, err))
		return
	}
	if !h.issue(c, u) {
		return
	}
	logger.Infof("login: %s signed in as %s", u.SubjectID, u.EffectiveRole())
	c.JSON(http.StatusOK, gin.H{"user": u.Profile()})
}

// assertion picks the raw IdP assertion from the header or body, exchanging
// an authorization code when that is what the client sent.
func (h *AuthHandler) assertion(ctx context.Context, c *gin.Context) (string, error) {
	if raw := middleware.BearerToken(c); raw != "" {
		return raw, nil
	}
	var req LoginRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			return "", fmt.Errorf("malformed login body: %w", apperr.ErrInvalidInput)
		}
	}
	switch {
	case req.IDToken != "":
		return req.IDToken, nil
	case req.Code != "":
		if req.RedirectURI == "" {
			return "", fmt.Errorf("redirectUri is required with code: %w", apperr.ErrInvalidInput)
		}
		if h.exchanger == nil {
			return "", fmt.Errorf("authorization code login is not enabled: %w", apperr.ErrInvalidInput)
		}
		logger.Debugf("login: exchanging code (len=%d) redirect_uri=%s", len(req.Code), req.RedirectURI)
		return h.exchanger.Exchange(ctx, req.Code, req.RedirectURI)
	}
	return "", fmt.Errorf("idToken, code or bearer assertion required: %w", apperr.ErrInvalidInput)
}

func (h *AuthHandler) issue(c *gin.Context, u *models.User) bool {
	pair, err := h.tokens.Issue(u)
	if err != nil {
		logger.Errorf("auth: issue tokens for %s: %v", u.SubjectID, err)
		middleware.AbortWithError(c, err)
		return false
	}
	h.tokens.AttachToResponse(c.Writer, pair)
	return true
}

// Logout clears both cookies. Issued tokens stay valid until they expire.
func (h *AuthHandler) Logout(c *gin.Context) {
	h.tokens.Clear(c.Writer)
	c.JSON(http.StatusOK, gin.H{"message": "logged out"})
}

// Refresh rotates the credential pair from the refresh cookie. The role is
// re-read from the local record so role changes apply on the next refresh.
func (h *AuthHandler) Refresh(c *gin.Context) {
	raw := tokens.RefreshFromRequest(c.Request)
	if raw == "" {
		middleware.AbortWithError(c, apperr.ErrUnauthenticated)
		return
	}
	claims, err := h.tokens.VerifyRefresh(raw)
	if err != nil {
		if errors.Is(err, tokens.ErrInvalid) {
			logger.Security("invalid_refresh_token", map[string]string{"ip": c.ClientIP()})
		}
		middleware.AbortWithError(c, apperr.ErrUnauthenticated)
		return
	}
	u, err := h.users.GetBySubject(c.Request.Context(), claims.SubjectID())
	if err != nil {
		logger.Warnf("refresh: no local record for %s: %v", claims.SubjectID(), err)
		middleware.AbortWithError(c, apperr.ErrUnauthenticated)
		return
	}
	if !h.issue(c, u) {
		return
	}
	c.JSON(http.StatusOK, gin.H{"user": u.Profile()})
}

// Profile returns the caller's local record.
func (h *AuthHandler) Profile(c *gin.Context) {
	u, ok := middleware.LocalUserFrom(c)
	if !ok {
		middleware.AbortWithError(c, fmt.Errorf("profile: %w", apperr.ErrNotFound))
		return
	}
	c.JSON(http.StatusOK, u.Profile())
}
