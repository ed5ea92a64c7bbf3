package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/eventide/eventide/backend/go-services/internal/apperr"
	"github.com/eventide/eventide/backend/go-services/internal/models"
)

type fakeAssignments struct {
	list     map[string][]models.Assignment
	assigned []string
	removed  []string
}

func (f *fakeAssignments) Assign(ctx context.Context, resourceID, subjectID, assignedBy string) (*models.Assignment, error) {
	if subjectID == "kc-user" {
		return nil, apperr.ErrInvalidInput
	}
	f.assigned = append(f.assigned, resourceID+"/"+subjectID+"/"+assignedBy)
	return &models.Assignment{ID: "a1", ResourceID: resourceID, SubjectID: subjectID, AssignedBy: assignedBy, AssignedAt: time.Now()}, nil
}

func (f *fakeAssignments) Unassign(ctx context.Context, resourceID, subjectID string) error {
	if subjectID == "nobody" {
		return apperr.ErrNotFound
	}
	f.removed = append(f.removed, resourceID+"/"+subjectID)
	return nil
}

func (f *fakeAssignments) ListByResource(ctx context.Context, resourceID string) ([]models.Assignment, error) {
	return f.list[resourceID], nil
}

func newAdminRouter(t *testing.T) (*fixture, *fakeAssignments) {
	t.Helper()
	f := newFixture(t)
	a := &fakeAssignments{list: map[string][]models.Assignment{
		"evt-1": {{ID: "a0", ResourceID: "evt-1", SubjectID: "kc-org"}},
	}}
	NewAdminHandler(f.users, a).Register(f.router.Group("/api/v1"), f.auth)
	return f, a
}

func (f *fixture) as(t *testing.T, subject string, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	if subject != "" {
		req.AddCookie(f.sessionCookie(t, subject))
	}
	return f.do(req)
}

func TestSetRole(t *testing.T) {
	f, _ := newAdminRouter(t)

	rw := f.as(t, "kc-admin", jsonRequest(http.MethodPut, "/api/v1/users/kc-user/role", `{"role":"Organizer"}`))
	require.Equal(t, http.StatusOK, rw.Code, rw.Body.String())
	require.Equal(t, "organizer", decode(t, rw)["role"])
	u, _ := f.users.GetBySubject(context.Background(), "kc-user")
	require.Equal(t, models.RoleOrganizer, u.Role)

	rw = f.as(t, "kc-admin", jsonRequest(http.MethodPut, "/api/v1/users/kc-user/role", `{"role":"root"}`))
	require.Equal(t, http.StatusBadRequest, rw.Code)

	rw = f.as(t, "kc-admin", jsonRequest(http.MethodPut, "/api/v1/users/kc-user/role", `{}`))
	require.Equal(t, http.StatusBadRequest, rw.Code)

	rw = f.as(t, "kc-admin", jsonRequest(http.MethodPut, "/api/v1/users/missing/role", `{"role":"admin"}`))
	require.Equal(t, http.StatusNotFound, rw.Code)
}

func TestSetRole_AdminOnly(t *testing.T) {
	f, _ := newAdminRouter(t)
	calls := f.users.setRoleCalls

	rw := f.as(t, "kc-org", jsonRequest(http.MethodPut, "/api/v1/users/kc-org/role", `{"role":"admin"}`))
	require.Equal(t, http.StatusForbidden, rw.Code)
	rw = f.as(t, "", jsonRequest(http.MethodPut, "/api/v1/users/kc-org/role", `{"role":"admin"}`))
	require.Equal(t, http.StatusUnauthorized, rw.Code)
	require.Equal(t, calls, f.users.setRoleCalls)
}

func TestOrganizers_List(t *testing.T) {
	f, _ := newAdminRouter(t)
	get := func() *http.Request { return httptest.NewRequest(http.MethodGet, "/api/v1/events/evt-1/organizers", nil) }

	// admin and the assigned organizer may list; anyone else may not
	require.Equal(t, http.StatusOK, f.as(t, "kc-admin", get()).Code)
	rw := f.as(t, "kc-org", get())
	require.Equal(t, http.StatusOK, rw.Code)
	list := decode(t, rw)["organizers"].([]interface{})
	require.Len(t, list, 1)

	require.Equal(t, http.StatusForbidden, f.as(t, "kc-user", get()).Code)
	require.Equal(t, http.StatusForbidden,
		f.as(t, "kc-org", httptest.NewRequest(http.MethodGet, "/api/v1/events/evt-2/organizers", nil)).Code)
}

func TestOrganizers_AssignAndUnassign(t *testing.T) {
	f, a := newAdminRouter(t)

	rw := f.as(t, "kc-admin", jsonRequest(http.MethodPost, "/api/v1/events/evt-9/organizers", `{"subjectId":"kc-org"}`))
	require.Equal(t, http.StatusCreated, rw.Code, rw.Body.String())
	require.Equal(t, []string{"evt-9/kc-org/kc-admin"}, a.assigned)

	rw = f.as(t, "kc-admin", jsonRequest(http.MethodPost, "/api/v1/events/evt-9/organizers", `{}`))
	require.Equal(t, http.StatusBadRequest, rw.Code)

	rw = f.as(t, "kc-admin", jsonRequest(http.MethodPost, "/api/v1/events/evt-9/organizers", `{"subjectId":"kc-user"}`))
	require.Equal(t, http.StatusBadRequest, rw.Code)

	// organizers cannot grant themselves more events
	rw = f.as(t, "kc-org", jsonRequest(http.MethodPost, "/api/v1/events/evt-1/organizers", `{"subjectId":"kc-org"}`))
	require.Equal(t, http.StatusForbidden, rw.Code)

	rw = f.as(t, "kc-admin", httptest.NewRequest(http.MethodDelete, "/api/v1/events/evt-9/organizers/kc-org", nil))
	require.Equal(t, http.StatusNoContent, rw.Code)
	require.Equal(t, []string{"evt-9/kc-org"}, a.removed)

	rw = f.as(t, "kc-admin", httptest.NewRequest(http.MethodDelete, "/api/v1/events/evt-9/organizers/nobody", nil))
	require.Equal(t, http.StatusNotFound, rw.Code)

	rw = f.as(t, "kc-org", httptest.NewRequest(http.MethodDelete, "/api/v1/events/evt-1/organizers/kc-org", nil))
	require.Equal(t, http.StatusForbidden, rw.Code)
}
