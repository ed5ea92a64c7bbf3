package assignments

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/eventide/eventide/backend/go-services/internal/apperr"
	"github.com/eventide/eventide/backend/go-services/internal/models"
)

type fakeRepo struct {
	mu   sync.Mutex
	rows map[[2]string]models.Assignment
}

func newFakeRepo() *fakeRepo { return &fakeRepo{rows: map[[2]string]models.Assignment{}} }

func (f *fakeRepo) Insert(ctx context.Context, a *models.Assignment) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := [2]string{a.SubjectID, a.ResourceID}
	if _, ok := f.rows[k]; ok {
		return ErrDuplicate
	}
	f.rows[k] = *a
	return nil
}

func (f *fakeRepo) Delete(ctx context.Context, subjectID, resourceID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := [2]string{subjectID, resourceID}
	_, ok := f.rows[k]
	delete(f.rows, k)
	return ok, nil
}

func (f *fakeRepo) Find(ctx context.Context, subjectID, resourceID string) (*models.Assignment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.rows[[2]string{subjectID, resourceID}]
	if !ok {
		return nil, nil
	}
	return &a, nil
}

func (f *fakeRepo) ListByResource(ctx context.Context, resourceID string) ([]models.Assignment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []models.Assignment{}
	for _, a := range f.rows {
		if a.ResourceID == resourceID {
			out = append(out, a)
		}
	}
	return out, nil
}

type fakeUsers map[string]*models.User

func (f fakeUsers) GetBySubject(ctx context.Context, subjectID string) (*models.User, error) {
	if u, ok := f[subjectID]; ok {
		return u, nil
	}
	return nil, apperr.ErrNotFound
}

func newTestService() (*Service, *fakeRepo) {
	repo := newFakeRepo()
	users := fakeUsers{
		"org-1":  {SubjectID: "org-1", Role: models.RoleOrganizer},
		"user-1": {SubjectID: "user-1", Role: models.RoleUser},
	}
	return NewService(repo, users), repo
}

func TestAssign(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	a, err := svc.Assign(ctx, "evt-1", "org-1", "admin-1")
	require.NoError(t, err)
	require.Equal(t, "evt-1", a.ResourceID)
	require.Equal(t, "admin-1", a.AssignedBy)
	require.False(t, a.AssignedAt.IsZero())

	again, err := svc.Assign(ctx, "evt-1", "org-1", "admin-2")
	require.NoError(t, err)
	require.Equal(t, "admin-1", again.AssignedBy, "re-assigning keeps the original")

	ok, err := svc.Exists(ctx, "org-1", "evt-1")
	require.NoError(t, err)
	require.True(t, ok)

	list, err := svc.ListByResource(ctx, "evt-1")
	require.NoError(t, err)
	require.Len(t, list, 1)
}

func TestAssign_Rejections(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	_, err := svc.Assign(ctx, "evt-1", "user-1", "admin-1")
	require.ErrorIs(t, err, apperr.ErrInvalidInput)
	_, err = svc.Assign(ctx, "evt-1", "ghost", "admin-1")
	require.ErrorIs(t, err, apperr.ErrNotFound)
	_, err = svc.Assign(ctx, " ", "org-1", "admin-1")
	require.ErrorIs(t, err, apperr.ErrInvalidInput)
}

func TestUnassign(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	_, err := svc.Assign(ctx, "evt-1", "org-1", "admin-1")
	require.NoError(t, err)
	require.NoError(t, svc.Unassign(ctx, "evt-1", "org-1"))

	ok, err := svc.Exists(ctx, "org-1", "evt-1")
	require.NoError(t, err)
	require.False(t, ok)

	require.ErrorIs(t, svc.Unassign(ctx, "evt-1", "org-1"), apperr.ErrNotFound)
}

func TestExists_EmptyKeys(t *testing.T) {
	svc, _ := newTestService()
	ok, err := svc.Exists(context.Background(), "", "evt-1")
	require.NoError(t, err)
	require.False(t, ok)
}
