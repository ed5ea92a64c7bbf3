package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/eventide/eventide/backend/go-services/internal/apperr"
	"github.com/eventide/eventide/backend/go-services/internal/config"
	"github.com/eventide/eventide/backend/go-services/internal/models"
	"github.com/eventide/eventide/backend/go-services/internal/oidc"
	"github.com/eventide/eventide/backend/go-services/internal/tokens"
)

func init() { gin.SetMode(gin.TestMode) }

// fakeIdentities implements oidc.IdentityVerifier
type fakeIdentities struct{}

func (fakeIdentities) Verify(ctx context.Context, raw string) (*oidc.Identity, error) {
	if raw == "good-assertion" {
		return &oidc.Identity{SubjectID: "kc-bearer", Email: "bearer@example.com", Role: models.RoleUser}, nil
	}
	return nil, oidc.ErrInvalidAssertion
}

type fakeUsers struct {
	users        map[string]*models.User
	reconciled   int
	lookups      int
	lookupErr    error
	reconcileErr error
}

func (f *fakeUsers) Reconcile(ctx context.Context, id *oidc.Identity) (*models.User, error) {
	f.reconciled++
	if f.reconcileErr != nil {
		return nil, f.reconcileErr
	}
	u := &models.User{ID: "u-" + id.SubjectID, SubjectID: id.SubjectID, Email: id.Email, Role: id.Role}
	f.users[id.SubjectID] = u
	return u, nil
}

func (f *fakeUsers) GetBySubject(ctx context.Context, subjectID string) (*models.User, error) {
	f.lookups++
	if f.lookupErr != nil {
		return nil, f.lookupErr
	}
	if u, ok := f.users[subjectID]; ok {
		return u, nil
	}
	return nil, apperr.ErrNotFound
}

type fakeOwnership map[[2]string]bool

func (f fakeOwnership) Exists(ctx context.Context, subjectID, resourceID string) (bool, error) {
	if subjectID == "broken" {
		return false, errors.New("db down")
	}
	return f[[2]string{subjectID, resourceID}], nil
}

type fixture struct {
	tokens *tokens.Service
	users  *fakeUsers
	auth   *Authorizer
}

func newFixture() *fixture {
	svc := tokens.NewService(config.JWTConfig{
		AccessSecret:    "access-secret-for-middleware-tests",
		RefreshSecret:   "refresh-secret-for-middleware-tests",
		Issuer:          "eventide-test",
		AccessTokenTTL:  time.Minute,
		RefreshTokenTTL: time.Hour,
	}, config.CookieConfig{RefreshPath: "/auth/refresh"})
	users := &fakeUsers{users: map[string]*models.User{
		"kc-user":  {ID: "1", SubjectID: "kc-user", Role: models.RoleUser},
		"kc-org":   {ID: "2", SubjectID: "kc-org", Role: models.RoleOrganizer},
		"kc-admin": {ID: "3", SubjectID: "kc-admin", Role: models.RoleAdmin},
		"broken":   {ID: "4", SubjectID: "broken", Role: models.RoleOrganizer},
	}}
	owned := fakeOwnership{{"kc-org", "evt-1"}: true}
	return &fixture{
		tokens: svc,
		users:  users,
		auth:   NewAuthorizer(svc, fakeIdentities{}, users, owned, time.Second),
	}
}

func (f *fixture) cookieFor(t *testing.T, subject string, role models.Role) *http.Cookie {
	t.Helper()
	pair, err := f.tokens.Issue(&models.User{SubjectID: subject, Role: role})
	require.NoError(t, err)
	return &http.Cookie{Name: tokens.AccessCookieName, Value: pair.AccessToken}
}

func (f *fixture) router(req Requirements) *gin.Engine {
	g := gin.New()
	handlers := append(f.auth.Chain(req), func(c *gin.Context) {
		u, _ := LocalUserFrom(c)
		claims, _ := ClaimsFrom(c)
		resp := gin.H{"subject": claims.SubjectID()}
		if u != nil {
			resp["user"] = u.ID
		}
		c.JSON(http.StatusOK, resp)
	})
	g.GET("/events/:eventId", handlers...)
	return g
}

func decodeError(t *testing.T, rw *httptest.ResponseRecorder) map[string]string {
	t.Helper()
	var body map[string]string
	require.NoError(t, json.Unmarshal(rw.Body.Bytes(), &body))
	require.Len(t, body, 2)
	return body
}

func TestVerifySession_NoCredential(t *testing.T) {
	f := newFixture()
	rw := httptest.NewRecorder()
	f.router(Requirements{}).ServeHTTP(rw, httptest.NewRequest(http.MethodGet, "/events/evt-1", nil))

	require.Equal(t, http.StatusUnauthorized, rw.Code)
	require.Equal(t, "unauthenticated", decodeError(t, rw)["error"])
}

func TestVerifySession_Cookie(t *testing.T) {
	f := newFixture()
	req := httptest.NewRequest(http.MethodGet, "/events/evt-1", nil)
	req.AddCookie(f.cookieFor(t, "kc-user", models.RoleUser))
	rw := httptest.NewRecorder()
	f.router(Requirements{}).ServeHTTP(rw, req)

	require.Equal(t, http.StatusOK, rw.Code)
	require.JSONEq(t, `{"subject":"kc-user","user":"1"}`, rw.Body.String())
}

func TestVerifySession_ExpiredAndTamperedLookTheSame(t *testing.T) {
	f := newFixture()
	start := time.Now()
	f.tokens.WithClock(func() time.Time { return start })
	expired := f.cookieFor(t, "kc-user", models.RoleUser)
	f.tokens.WithClock(func() time.Time { return start.Add(time.Hour) })

	tampered := f.cookieFor(t, "kc-user", models.RoleUser)
	tampered.Value = tampered.Value[:len(tampered.Value)-3] + "abc"

	var bodies []string
	for _, c := range []*http.Cookie{expired, tampered} {
		req := httptest.NewRequest(http.MethodGet, "/events/evt-1", nil)
		req.AddCookie(c)
		rw := httptest.NewRecorder()
		f.router(Requirements{}).ServeHTTP(rw, req)
		require.Equal(t, http.StatusUnauthorized, rw.Code)
		bodies = append(bodies, rw.Body.String())
	}
	require.Equal(t, bodies[0], bodies[1])
}

func TestVerifySession_BearerAssertionReconcilesInline(t *testing.T) {
	f := newFixture()
	req := httptest.NewRequest(http.MethodGet, "/events/evt-1", nil)
	req.Header.Set("Authorization", "Bearer good-assertion")
	rw := httptest.NewRecorder()
	f.router(Requirements{}).ServeHTTP(rw, req)

	require.Equal(t, http.StatusOK, rw.Code)
	require.JSONEq(t, `{"subject":"kc-bearer","user":"u-kc-bearer"}`, rw.Body.String())
	require.Equal(t, 1, f.users.reconciled)
	require.Equal(t, 0, f.users.lookups, "attach stage reuses the reconciled record")
}

func TestVerifySession_BadBearer(t *testing.T) {
	f := newFixture()
	for _, h := range []string{"Bearer bad", "BadHeader", "Bearer "} {
		req := httptest.NewRequest(http.MethodGet, "/events/evt-1", nil)
		req.Header.Set("Authorization", h)
		rw := httptest.NewRecorder()
		f.router(Requirements{}).ServeHTTP(rw, req)
		require.Equal(t, http.StatusUnauthorized, rw.Code, h)
	}
}

func TestVerifySession_BearerReconcileFailureIsUnauthenticated(t *testing.T) {
	for _, reconcileErr := range []error{
		errors.New("reconcile lookup: server selection timeout"),
		fmt.Errorf("reconcile mark login: %w", apperr.ErrNotFound),
		fmt.Errorf("reconcile create: %w", apperr.ErrInvalidInput),
	} {
		f := newFixture()
		f.users.reconcileErr = reconcileErr
		req := httptest.NewRequest(http.MethodGet, "/events/evt-1", nil)
		req.Header.Set("Authorization", "Bearer good-assertion")
		rw := httptest.NewRecorder()
		f.router(Requirements{}).ServeHTTP(rw, req)

		require.Equal(t, http.StatusUnauthorized, rw.Code, reconcileErr.Error())
		body := decodeError(t, rw)
		require.Equal(t, "unauthenticated", body["error"])
		require.NotContains(t, body["message"], "reconcile")
	}
}

func TestAttachLocalRecord_AbsenceIsNotFatal(t *testing.T) {
	f := newFixture()
	f.users.lookupErr = errors.New("mongo timeout")
	req := httptest.NewRequest(http.MethodGet, "/events/evt-1", nil)
	req.AddCookie(f.cookieFor(t, "kc-user", models.RoleUser))
	rw := httptest.NewRecorder()
	f.router(Requirements{}).ServeHTTP(rw, req)

	require.Equal(t, http.StatusOK, rw.Code)
	require.JSONEq(t, `{"subject":"kc-user"}`, rw.Body.String())
}

func TestRequireRole(t *testing.T) {
	f := newFixture()
	cases := []struct {
		subject string
		role    models.Role
		want    int
	}{
		{"kc-user", models.RoleUser, http.StatusForbidden},
		{"kc-org", models.RoleOrganizer, http.StatusOK},
		{"kc-admin", models.RoleAdmin, http.StatusOK},
		// no local record
		{"kc-ghost", models.RoleAdmin, http.StatusForbidden},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodGet, "/events/evt-9", nil)
		req.AddCookie(f.cookieFor(t, tc.subject, tc.role))
		rw := httptest.NewRecorder()
		f.router(Requirements{Roles: []models.Role{models.RoleOrganizer, models.RoleAdmin}}).ServeHTTP(rw, req)
		require.Equal(t, tc.want, rw.Code, tc.subject)
		if tc.want == http.StatusForbidden {
			require.Equal(t, "forbidden", decodeError(t, rw)["error"])
		}
	}
}

func TestRequireRole_UsesLocalRoleNotTokenRole(t *testing.T) {
	f := newFixture()
	// the token claims admin but the local record says user
	req := httptest.NewRequest(http.MethodGet, "/events/evt-1", nil)
	req.AddCookie(f.cookieFor(t, "kc-user", models.RoleAdmin))
	rw := httptest.NewRecorder()
	f.router(Requirements{Roles: []models.Role{models.RoleAdmin}}).ServeHTTP(rw, req)
	require.Equal(t, http.StatusForbidden, rw.Code)
}

func TestRequireResourceOwnership(t *testing.T) {
	f := newFixture()
	req := Requirements{
		Roles:    []models.Role{models.RoleOrganizer, models.RoleAdmin},
		Resource: Param("eventId"),
	}
	cases := []struct {
		subject string
		role    models.Role
		path    string
		want    int
	}{
		{"kc-org", models.RoleOrganizer, "/events/evt-1", http.StatusOK},
		{"kc-org", models.RoleOrganizer, "/events/evt-2", http.StatusForbidden},
		{"kc-admin", models.RoleAdmin, "/events/evt-2", http.StatusOK},
		{"broken", models.RoleOrganizer, "/events/evt-1", http.StatusForbidden},
	}
	for _, tc := range cases {
		r := httptest.NewRequest(http.MethodGet, tc.path, nil)
		r.AddCookie(f.cookieFor(t, tc.subject, tc.role))
		rw := httptest.NewRecorder()
		f.router(req).ServeHTTP(rw, r)
		require.Equal(t, tc.want, rw.Code, "%s %s", tc.subject, tc.path)
	}
}

func TestChain_Order(t *testing.T) {
	f := newFixture()
	require.Len(t, f.auth.Chain(Requirements{}), 2)
	require.Len(t, f.auth.Chain(Requirements{Roles: []models.Role{models.RoleAdmin}}), 3)
	require.Len(t, f.auth.Chain(Requirements{Roles: []models.Role{models.RoleAdmin}, Resource: Param("id")}), 4)
}

func TestAbortWithError_Statuses(t *testing.T) {
	for err, want := range map[error]int{
		apperr.ErrUnauthenticated:        http.StatusUnauthorized,
		apperr.ErrReconciliationConflict: http.StatusUnauthorized,
		apperr.ErrProviderUnavailable:    http.StatusUnauthorized,
		apperr.ErrForbidden:              http.StatusForbidden,
		apperr.ErrInvalidInput:           http.StatusBadRequest,
		errors.New("boom"):               http.StatusInternalServerError,
	} {
		rw := httptest.NewRecorder()
		c, _ := gin.CreateTestContext(rw)
		AbortWithError(c, err)
		require.Equal(t, want, rw.Code, err.Error())
		require.True(t, c.IsAborted())
	}
}
