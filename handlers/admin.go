package handlers

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/eventide/eventide/backend/go-services/internal/apperr"
	"github.com/eventide/eventide/backend/go-services/internal/models"
	"github.com/eventide/eventide/backend/go-services/pkg/middleware"
)

// RoleSetter changes a user's authoritative role; satisfied by *users.Reconciler.
type RoleSetter interface {
	SetRole(ctx context.Context, subjectID string, role models.Role) (*models.User, error)
}

// Assignments manages event organizers; satisfied by *assignments.Service.
type Assignments interface {
	Assign(ctx context.Context, resourceID, subjectID, assignedBy string) (*models.Assignment, error)
	Unassign(ctx context.Context, resourceID, subjectID string) error
	ListByResource(ctx context.Context, resourceID string) ([]models.Assignment, error)
}

type AdminHandler struct {
	roles       RoleSetter
	assignments Assignments
}

func NewAdminHandler(roles RoleSetter, a Assignments) *AdminHandler {
	return &AdminHandler{roles: roles, assignments: a}
}

// Register mounts the role and organizer endpoints. Listing organizers is
// also open to organizers assigned to the event.
func (h *AdminHandler) Register(r gin.IRouter, auth *middleware.Authorizer) {
	adminOnly := func(handler gin.HandlerFunc) []gin.HandlerFunc {
		return append(auth.Chain(middleware.Requirements{Roles: []models.Role{models.RoleAdmin}}), handler)
	}
	owner := auth.Chain(middleware.Requirements{
		Roles:    []models.Role{models.RoleOrganizer, models.RoleAdmin},
		Resource: middleware.Param("eventId"),
	})

	r.PUT("/users/:subjectId/role", adminOnly(h.SetRole)...)
	r.GET("/events/:eventId/organizers", append(owner, h.ListOrganizers)...)
	r.POST("/events/:eventId/organizers", adminOnly(h.AssignOrganizer)...)
	r.DELETE("/events/:eventId/organizers/:subjectId", adminOnly(h.UnassignOrganizer)...)
}

type setRoleRequest struct {
	Role string `json:"role" binding:"required"`
}

func (h *AdminHandler) SetRole(c *gin.Context) {
	var req setRoleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		middleware.AbortWithError(c, fmt.Errorf("role is required: %w", apperr.ErrInvalidInput))
		return
	}
	role, ok := models.ParseRole(req.Role)
	if !ok {
		middleware.AbortWithError(c, fmt.Errorf("unknown role %q: %w", req.Role, apperr.ErrInvalidInput))
		return
	}
	u, err := h.roles.SetRole(c.Request.Context(), c.Param("subjectId"), role)
	if err != nil {
		middleware.AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, u.Profile())
}

func (h *AdminHandler) ListOrganizers(c *gin.Context) {
	list, err := h.assignments.ListByResource(c.Request.Context(), c.Param("eventId"))
	if err != nil {
		middleware.AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"organizers": list})
}

type assignRequest struct {
	SubjectID string `json:"subjectId" binding:"required"`
}

func (h *AdminHandler) AssignOrganizer(c *gin.Context) {
	var req assignRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		middleware.AbortWithError(c, fmt.Errorf("subjectId is required: %w", apperr.ErrInvalidInput))
		return
	}
	admin, _ := middleware.LocalUserFrom(c)
	a, err := h.assignments.Assign(c.Request.Context(), c.Param("eventId"), req.SubjectID, admin.SubjectID)
	if err != nil {
		middleware.AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, a)
}

func (h *AdminHandler) UnassignOrganizer(c *gin.Context) {
	if err := h.assignments.Unassign(c.Request.Context(), c.Param("eventId"), c.Param("subjectId")); err != nil {
		middleware.AbortWithError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
