package users

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/eventide/eventide/backend/go-services/internal/apperr"
	"github.com/eventide/eventide/backend/go-services/internal/config"
	"github.com/eventide/eventide/backend/go-services/internal/idp"
	"github.com/eventide/eventide/backend/go-services/internal/models"
	"github.com/eventide/eventide/backend/go-services/internal/oidc"
	"github.com/eventide/eventide/backend/go-services/pkg/logger"
	"github.com/eventide/eventide/backend/go-services/pkg/metrics"
)

// ErrUserCreationConflict: Create lost a race but the winning record could not
// be found on the single re-query.
var ErrUserCreationConflict = fmt.Errorf("user creation conflict: %w", apperr.ErrReconciliationConflict)

// Reconciler maps verified IdP identities onto exactly one local user.
//
// The unique index on subjectId is the only serialization point: concurrent
// first logins all attempt Create, the losers observe AlreadyExists and reuse
// the winner's record. The local role is authoritative and is pushed to the
// IdP in the background; those writes never fail a login.
type Reconciler struct {
	repo          UserRepository
	claims        idp.ClaimWriter
	mirrorTimeout time.Duration
	mirrorAlways  bool
	now           func() time.Time

	inflight sync.WaitGroup
}

func NewReconciler(repo UserRepository, claims idp.ClaimWriter, cfg config.IdPConfig) *Reconciler {
	if claims == nil {
		claims = idp.Noop{}
	}
	timeout := cfg.MirrorTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Reconciler{
		repo:          repo,
		claims:        claims,
		mirrorTimeout: timeout,
		mirrorAlways:  cfg.MirrorAlways,
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// Reconcile finds or creates the local user for id and records the login.
func (r *Reconciler) Reconcile(ctx context.Context, id *oidc.Identity) (*models.User, error) {
	if id == nil || id.SubjectID == "" {
		return nil, fmt.Errorf("reconcile: missing subject: %w", apperr.ErrUnauthenticated)
	}

	u, err := r.lookup(ctx, id)
	if err != nil {
		metrics.ReconcileOutcomes.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("reconcile lookup: %w", err)
	}

	outcome := "found"
	if u == nil {
		u, outcome, err = r.create(ctx, id)
		if err != nil {
			return nil, err
		}
	}
	if outcome != "created" {
		if u.SubjectID != id.SubjectID {
			outcome = "backfilled"
			logger.Infof("users: backfilling subjectId for legacy record %s", u.ID)
		}
		u, err = r.repo.MarkLogin(ctx, u.ID, id.SubjectID, r.now())
		if errors.Is(err, apperr.ErrNotFound) {
			// deleted between lookup and mark
			metrics.ReconcileOutcomes.WithLabelValues("conflict").Inc()
			logger.Warnf("users: record for subject %s vanished during login", id.SubjectID)
			return nil, ErrUserCreationConflict
		}
		if err != nil {
			metrics.ReconcileOutcomes.WithLabelValues("error").Inc()
			return nil, fmt.Errorf("reconcile mark login: %w", err)
		}
		if u == nil {
			metrics.ReconcileOutcomes.WithLabelValues("conflict").Inc()
			return nil, ErrUserCreationConflict
		}
	}
	metrics.ReconcileOutcomes.WithLabelValues(outcome).Inc()

	authoritative := u.EffectiveRole()
	if r.mirrorAlways || authoritative != id.Role {
		r.mirror(ctx, id.SubjectID, authoritative)
	}
	return u, nil
}

// lookup tries the canonical key, then the legacy aliases. Email only
// correlates when the IdP vouches for it.
func (r *Reconciler) lookup(ctx context.Context, id *oidc.Identity) (*models.User, error) {
	u, err := r.repo.FindBySubject(ctx, id.SubjectID)
	if err != nil || u != nil {
		return u, err
	}
	email := ""
	if id.EmailVerified {
		email = id.Email
	}
	return r.repo.FindByLegacyAlias(ctx, id.SubjectID, email)
}

func (r *Reconciler) create(ctx context.Context, id *oidc.Identity) (*models.User, string, error) {
	now := r.now()
	u := &models.User{
		SubjectID: id.SubjectID,
		Email:     id.Email,
		Name:      id.Name,
		Role:      models.RoleOrDefault(string(id.Role)),
		LastLogin: now,
		CreatedAt: now,
		UpdatedAt: now,
	}
	res, err := r.repo.Create(ctx, u)
	if err != nil {
		metrics.ReconcileOutcomes.WithLabelValues("error").Inc()
		return nil, "", fmt.Errorf("reconcile create: %w", err)
	}
	if res == Created {
		logger.Infof("users: created local user %s for subject %s", u.ID, id.SubjectID)
		return u, "created", nil
	}

	// lost the race; the winner's record must be visible now
	existing, err := r.lookup(ctx, id)
	if err != nil {
		metrics.ReconcileOutcomes.WithLabelValues("error").Inc()
		return nil, "", fmt.Errorf("reconcile re-query: %w", err)
	}
	if existing == nil {
		metrics.ReconcileOutcomes.WithLabelValues("conflict").Inc()
		logger.Errorf("users: create for subject %s reported duplicate but no record found", id.SubjectID)
		return nil, "", ErrUserCreationConflict
	}
	return existing, "race_reused", nil
}

// GetBySubject returns apperr.ErrNotFound when no local user exists.
func (r *Reconciler) GetBySubject(ctx context.Context, subjectID string) (*models.User, error) {
	u, err := r.repo.FindBySubject(ctx, subjectID)
	if err != nil {
		return nil, err
	}
	if u == nil {
		return nil, apperr.ErrNotFound
	}
	return u, nil
}

// SetRole changes the authoritative role and mirrors it to the IdP.
func (r *Reconciler) SetRole(ctx context.Context, subjectID string, role models.Role) (*models.User, error) {
	if _, ok := models.ParseRole(string(role)); !ok {
		return nil, fmt.Errorf("unknown role %q: %w", role, apperr.ErrInvalidInput)
	}
	u, err := r.repo.SetRole(ctx, subjectID, role, r.now())
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return nil, fmt.Errorf("user %s: %w", subjectID, apperr.ErrNotFound)
		}
		return nil, err
	}
	logger.Security("role_changed", map[string]string{"subject": subjectID, "role": string(role)})
	r.mirror(ctx, subjectID, u.EffectiveRole())
	return u, nil
}

// mirror writes the role claim on its own goroutine and deadline so a slow or
// failing IdP never delays the caller.
func (r *Reconciler) mirror(ctx context.Context, subjectID string, role models.Role) {
	r.inflight.Add(1)
	go func() {
		defer r.inflight.Done()
		mctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.mirrorTimeout)
		defer cancel()
		if err := r.claims.SetRoleClaim(mctx, subjectID, role); err != nil {
			metrics.RoleMirrorFailures.Inc()
			logger.Warnf("users: role mirror for %s failed: %v", subjectID, err)
		}
	}()
}

// Wait blocks until all in-flight role mirrors finish.
func (r *Reconciler) Wait() {
	r.inflight.Wait()
}
