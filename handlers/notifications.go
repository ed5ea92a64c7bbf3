package handlers

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/eventide/eventide/backend/go-services/internal/apperr"
	"github.com/eventide/eventide/backend/go-services/internal/models"
	"github.com/eventide/eventide/backend/go-services/internal/realtime"
	"github.com/eventide/eventide/backend/go-services/pkg/logger"
	"github.com/eventide/eventide/backend/go-services/pkg/middleware"
)

// NotificationHandler lets an event's organizers push to everyone following it.
type NotificationHandler struct {
	publisher realtime.Publisher
}

func NewNotificationHandler(p realtime.Publisher) *NotificationHandler {
	return &NotificationHandler{publisher: p}
}

func (h *NotificationHandler) Register(r gin.IRouter, auth *middleware.Authorizer) {
	owner := auth.Chain(middleware.Requirements{
		Roles:    []models.Role{models.RoleOrganizer, models.RoleAdmin},
		Resource: middleware.Param("eventId"),
	})
	r.POST("/events/:eventId/notifications", append(owner, h.Notify)...)
}

type notifyRequest struct {
	Title   string `json:"title"`
	Message string `json:"message"`
}

// notification is the data of an event-notification push.
type notification struct {
	EventID string    `json:"eventId"`
	Title   string    `json:"title"`
	Message string    `json:"message"`
	From    string    `json:"from"`
	SentAt  time.Time `json:"sentAt"`
}

func (h *NotificationHandler) Notify(c *gin.Context) {
	var req notifyRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Message) == "" {
		middleware.AbortWithError(c, fmt.Errorf("message is required: %w", apperr.ErrInvalidInput))
		return
	}
	sender, _ := middleware.LocalUserFrom(c)
	eventID := c.Param("eventId")
	env := realtime.Envelope{Type: realtime.MsgEventNotify, Data: notification{
		EventID: eventID,
		Title:   req.Title,
		Message: req.Message,
		From:    sender.SubjectID,
		SentAt:  time.Now().UTC(),
	}}
	if err := h.publisher.Publish(c.Request.Context(), realtime.EventGroup(eventID), env); err != nil {
		logger.Errorf("notify: publish to %s: %v", eventID, err)
		middleware.AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "queued"})
}
