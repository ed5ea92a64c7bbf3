package middleware

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/eventide/eventide/backend/go-services/internal/apperr"
	"github.com/eventide/eventide/backend/go-services/internal/models"
	"github.com/eventide/eventide/backend/go-services/internal/oidc"
	"github.com/eventide/eventide/backend/go-services/internal/tokens"
	"github.com/eventide/eventide/backend/go-services/pkg/logger"
	"github.com/eventide/eventide/backend/go-services/pkg/metrics"
)

// Gin context keys set by the session stages.
const (
	ClaimsKey    = "claims"
	LocalUserKey = "localUser"
)

// SessionVerifier verifies the access credential; satisfied by *tokens.Service.
type SessionVerifier interface {
	VerifyAccess(token string) (*tokens.Claims, error)
}

// UserStore is the slice of the reconciler the middleware depends on.
type UserStore interface {
	Reconcile(ctx context.Context, id *oidc.Identity) (*models.User, error)
	GetBySubject(ctx context.Context, subjectID string) (*models.User, error)
}

// OwnershipChecker reports resource assignments; satisfied by *assignments.Service.
type OwnershipChecker interface {
	Exists(ctx context.Context, subjectID, resourceID string) (bool, error)
}

// ResourceExtractor pulls the resource id a request targets.
type ResourceExtractor func(c *gin.Context) string

// Param extracts the resource id from a path parameter.
func Param(name string) ResourceExtractor {
	return func(c *gin.Context) string { return c.Param(name) }
}

// Authorizer builds the authorization stages around one set of collaborators.
type Authorizer struct {
	sessions   SessionVerifier
	identities oidc.IdentityVerifier
	users      UserStore
	ownership  OwnershipChecker
	idpTimeout time.Duration
}

// NewAuthorizer wires the stages. identities may be nil, which disables
// Bearer IdP assertions.
func NewAuthorizer(sessions SessionVerifier, identities oidc.IdentityVerifier, users UserStore, ownership OwnershipChecker, idpTimeout time.Duration) *Authorizer {
	if idpTimeout <= 0 {
		idpTimeout = 10 * time.Second
	}
	return &Authorizer{
		sessions:   sessions,
		identities: identities,
		users:      users,
		ownership:  ownership,
		idpTimeout: idpTimeout,
	}
}

// Requirements describes what a route demands beyond a valid session.
type Requirements struct {
	Roles    []models.Role
	Resource ResourceExtractor
}

// Chain returns the stages in their only valid order: verify the session,
// attach the local record, then role and ownership checks when requested.
func (a *Authorizer) Chain(req Requirements) []gin.HandlerFunc {
	chain := []gin.HandlerFunc{a.VerifySession(), a.AttachLocalRecord()}
	if len(req.Roles) > 0 {
		chain = append(chain, RequireRole(req.Roles...))
	}
	if req.Resource != nil {
		chain = append(chain, a.RequireResourceOwnership(req.Resource))
	}
	return chain
}

// IdentifySession records the claims of a valid access cookie and lets every
// request through. It runs ahead of request-wide stages such as rate limiting
// so they can key by subject; routes still authenticate through Chain.
func (a *Authorizer) IdentifySession() gin.HandlerFunc {
	return func(c *gin.Context) {
		if raw := tokens.AccessFromRequest(c.Request); raw != "" {
			if claims, err := a.sessions.VerifyAccess(raw); err == nil {
				c.Set(ClaimsKey, claims)
			}
		}
		c.Next()
	}
}

// VerifySession authenticates the request from the access cookie or, failing
// that, from a Bearer IdP assertion which is verified and reconciled inline.
func (a *Authorizer) VerifySession() gin.HandlerFunc {
	return func(c *gin.Context) {
		cookieErr := errNoCredential
		if raw := tokens.AccessFromRequest(c.Request); raw != "" {
			claims, err := a.sessions.VerifyAccess(raw)
			if err == nil {
				metrics.AuthOutcomes.WithLabelValues("cookie", "ok").Inc()
				c.Set(ClaimsKey, claims)
				c.Next()
				return
			}
			cookieErr = err
			logRejectedSession(c, err)
		}

		if bearer := BearerToken(c); bearer != "" && a.identities != nil {
			u, err := a.reconcileBearer(c, bearer)
			if err != nil {
				metrics.AuthOutcomes.WithLabelValues("bearer", "invalid").Inc()
				logger.Debugf("auth: bearer assertion rejected: %v", err)
				AbortWithError(c, err)
				return
			}
			metrics.AuthOutcomes.WithLabelValues("bearer", "ok").Inc()
			c.Set(ClaimsKey, claimsFor(u))
			c.Set(LocalUserKey, u)
			c.Next()
			return
		}

		if cookieErr == errNoCredential {
			metrics.AuthOutcomes.WithLabelValues("none", "denied").Inc()
		}
		AbortWithError(c, apperr.ErrUnauthenticated)
	}
}

var errNoCredential = errors.New("no credential")

func (a *Authorizer) reconcileBearer(c *gin.Context, raw string) (*models.User, error) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), a.idpTimeout)
	defer cancel()
	id, err := a.identities.Verify(ctx, raw)
	if err != nil {
		return nil, err
	}
	u, err := a.users.Reconcile(ctx, id)
	if err != nil {
		logger.Errorf("auth: reconcile bearer subject %s: %v", id.SubjectID, err)
		// every reconciliation failure is reported as an authentication failure
		return nil, fmt.Errorf("%w: %v", apperr.ErrUnauthenticated, err)
	}
	return u, nil
}

func logRejectedSession(c *gin.Context, err error) {
	if errors.Is(err, tokens.ErrExpired) {
		metrics.AuthOutcomes.WithLabelValues("cookie", "expired").Inc()
		logger.Debugf("auth: expired access token from %s", c.ClientIP())
		return
	}
	metrics.AuthOutcomes.WithLabelValues("cookie", "invalid").Inc()
	logger.Security("invalid_session_token", map[string]string{
		"ip":   c.ClientIP(),
		"path": c.Request.URL.Path,
	})
}

// BearerToken returns the credential of an "Authorization: Bearer" header,
// matching the scheme case-insensitively, or "" when there is none.
func BearerToken(c *gin.Context) string {
	auth := c.GetHeader("Authorization")
	const prefix = "Bearer "
	if len(auth) <= len(prefix) || !strings.EqualFold(auth[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(auth[len(prefix):])
}

func claimsFor(u *models.User) *tokens.Claims {
	return &tokens.Claims{
		Email:            u.Email,
		Role:             u.EffectiveRole(),
		RegisteredClaims: jwt.RegisteredClaims{Subject: u.SubjectID},
	}
}

// AttachLocalRecord loads the local user for the verified subject. A missing
// record is not an error here; RequireRole rejects it when a role is needed.
func (a *Authorizer) AttachLocalRecord() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := LocalUserFrom(c); ok {
			c.Next()
			return
		}
		claims, ok := ClaimsFrom(c)
		if !ok {
			c.Next()
			return
		}
		u, err := a.users.GetBySubject(c.Request.Context(), claims.SubjectID())
		switch {
		case err == nil:
			c.Set(LocalUserKey, u)
		case errors.Is(err, apperr.ErrNotFound):
		default:
			logger.Warnf("auth: local record lookup for %s failed: %v", claims.SubjectID(), err)
		}
		c.Next()
	}
}

// RequireRole admits requests whose local user holds one of allowed.
func RequireRole(allowed ...models.Role) gin.HandlerFunc {
	return func(c *gin.Context) {
		u, ok := LocalUserFrom(c)
		if !ok {
			AbortWithError(c, apperr.ErrForbidden)
			return
		}
		role := u.EffectiveRole()
		for _, r := range allowed {
			if r == role {
				c.Next()
				return
			}
		}
		logger.Security("role_denied", map[string]string{"subject": u.SubjectID, "role": string(role), "path": c.Request.URL.Path})
		AbortWithError(c, apperr.ErrForbidden)
	}
}

// RequireResourceOwnership admits admins and users assigned to the resource
// returned by extract.
func (a *Authorizer) RequireResourceOwnership(extract ResourceExtractor) gin.HandlerFunc {
	return func(c *gin.Context) {
		u, ok := LocalUserFrom(c)
		if !ok {
			AbortWithError(c, apperr.ErrForbidden)
			return
		}
		if u.EffectiveRole() == models.RoleAdmin {
			c.Next()
			return
		}
		resourceID := extract(c)
		owned, err := a.ownership.Exists(c.Request.Context(), u.SubjectID, resourceID)
		if err != nil {
			logger.Errorf("auth: ownership check %s/%s failed: %v", u.SubjectID, resourceID, err)
			AbortWithError(c, apperr.ErrForbidden)
			return
		}
		if !owned {
			logger.Security("ownership_denied", map[string]string{"subject": u.SubjectID, "resource": resourceID})
			AbortWithError(c, apperr.ErrForbidden)
			return
		}
		c.Next()
	}
}

// ClaimsFrom returns the verified session claims.
func ClaimsFrom(c *gin.Context) (*tokens.Claims, bool) {
	v, ok := c.Get(ClaimsKey)
	if !ok {
		return nil, false
	}
	claims, ok := v.(*tokens.Claims)
	return claims, ok && claims != nil
}

// LocalUserFrom returns the attached local user.
func LocalUserFrom(c *gin.Context) (*models.User, bool) {
	v, ok := c.Get(LocalUserKey)
	if !ok {
		return nil, false
	}
	u, ok := v.(*models.User)
	return u, ok && u != nil
}

var messages = map[int]string{
	http.StatusUnauthorized:        "authentication required",
	http.StatusForbidden:           "insufficient permissions",
	http.StatusBadRequest:          "invalid request",
	http.StatusNotFound:            "resource not found",
	http.StatusInternalServerError: "internal error",
}

// AbortWithError writes the single JSON error body for err and stops the chain.
// Authentication failures all produce the same body.
func AbortWithError(c *gin.Context, err error) {
	status := apperr.Status(err)
	msg := messages[status]
	if status == http.StatusBadRequest || status == http.StatusNotFound {
		msg = err.Error()
	}
	c.AbortWithStatusJSON(status, gin.H{"error": apperr.Code(err), "message": msg})
}
