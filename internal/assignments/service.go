// Package assignments records which organizers may act on which events.
package assignments

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/eventide/eventide/backend/go-services/internal/apperr"
	"github.com/eventide/eventide/backend/go-services/internal/models"
	"github.com/eventide/eventide/backend/go-services/pkg/logger"
)

// UserLookup resolves local users; satisfied by *users.Reconciler.
type UserLookup interface {
	GetBySubject(ctx context.Context, subjectID string) (*models.User, error)
}

type Service struct {
	repo  Repository
	users UserLookup
	now   func() time.Time
}

func NewService(repo Repository, users UserLookup) *Service {
	return &Service{repo: repo, users: users, now: func() time.Time { return time.Now().UTC() }}
}

// Assign grants subjectID authority over resourceID. Only organizers can be
// assigned; assigning twice returns the existing assignment.
func (s *Service) Assign(ctx context.Context, resourceID, subjectID, assignedBy string) (*models.Assignment, error) {
	resourceID, subjectID = strings.TrimSpace(resourceID), strings.TrimSpace(subjectID)
	if resourceID == "" || subjectID == "" {
		return nil, fmt.Errorf("resource and subject are required: %w", apperr.ErrInvalidInput)
	}
	u, err := s.users.GetBySubject(ctx, subjectID)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return nil, fmt.Errorf("user %s: %w", subjectID, apperr.ErrNotFound)
		}
		return nil, err
	}
	if u.EffectiveRole() != models.RoleOrganizer {
		return nil, fmt.Errorf("user %s is not an organizer: %w", subjectID, apperr.ErrInvalidInput)
	}

	a := &models.Assignment{
		SubjectID:  subjectID,
		ResourceID: resourceID,
		AssignedBy: assignedBy,
		AssignedAt: s.now(),
	}
	if err := s.repo.Insert(ctx, a); err != nil {
		if errors.Is(err, ErrDuplicate) {
			return s.repo.Find(ctx, subjectID, resourceID)
		}
		return nil, err
	}
	logger.Infof("assignments: %s assigned to %s by %s", subjectID, resourceID, assignedBy)
	return a, nil
}

func (s *Service) Unassign(ctx context.Context, resourceID, subjectID string) error {
	ok, err := s.repo.Delete(ctx, subjectID, resourceID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("assignment %s/%s: %w", resourceID, subjectID, apperr.ErrNotFound)
	}
	logger.Infof("assignments: %s unassigned from %s", subjectID, resourceID)
	return nil
}

// Exists reports whether subjectID is assigned to resourceID.
func (s *Service) Exists(ctx context.Context, subjectID, resourceID string) (bool, error) {
	if subjectID == "" || resourceID == "" {
		return false, nil
	}
	a, err := s.repo.Find(ctx, subjectID, resourceID)
	if err != nil {
		return false, err
	}
	return a != nil, nil
}

func (s *Service) ListByResource(ctx context.Context, resourceID string) ([]models.Assignment, error) {
	return s.repo.ListByResource(ctx, resourceID)
}
