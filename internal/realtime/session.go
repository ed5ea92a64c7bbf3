package realtime

import (
	"encoding/json"
	"errors"
	"strings"
	"sync"

	"github.com/eventide/eventide/backend/go-services/internal/models"
	"github.com/eventide/eventide/backend/go-services/internal/tokens"
	"github.com/eventide/eventide/backend/go-services/pkg/logger"
)

// Message types.
const (
	MsgAuthenticate  = "authenticate"
	MsgAuthenticated = "authenticated"
	MsgSubscribe     = "subscribe-to-event"
	MsgUnsubscribe   = "unsubscribe-from-event"
	MsgSubscribed    = "subscribed"
	MsgUnsubscribed  = "unsubscribed"
	MsgEventNotify   = "event-notification"
)

const (
	GroupAuthenticated = "authenticated"
	GroupAdmins        = "admins"
	GroupOrganizers    = "organizers"
)

// UserGroup is the private group of one subject.
func UserGroup(subjectID string) string { return "user:" + subjectID }

// EventGroup is the group of connections following one event.
func EventGroup(eventID string) string { return "event:" + eventID }

// RoleGroup returns the broadcast group for role, or "" when the role has none.
func RoleGroup(role models.Role) string {
	switch role {
	case models.RoleAdmin:
		return GroupAdmins
	case models.RoleOrganizer:
		return GroupOrganizers
	}
	return ""
}

// State of one connection. Transitions only move forward.
type State int

const (
	StateConnected State = iota
	StateAuthenticated
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateAuthenticated:
		return "authenticated"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// AccessVerifier verifies the access credential; satisfied by *tokens.Service.
type AccessVerifier interface {
	VerifyAccess(token string) (*tokens.Claims, error)
}

type inbound struct {
	Type    string `json:"type"`
	Token   string `json:"token"`
	EventID string `json:"eventId"`
}

type authenticatedReply struct {
	Type    string      `json:"type"`
	Success bool        `json:"success"`
	UserID  string      `json:"userId,omitempty"`
	Role    models.Role `json:"role,omitempty"`
}

// Session is the per-connection state machine. Handle is called from the
// connection's read loop; the mutex only guards against Close racing it.
type Session struct {
	id          string
	hub         *Hub
	verifier    AccessVerifier
	cookieToken string

	mu      sync.Mutex
	state   State
	subject string
	role    models.Role
}

// NewSession starts a connection in StateConnected. cookieToken is the access
// cookie seen on the handshake request, used when authenticate carries no token.
func NewSession(id string, hub *Hub, verifier AccessVerifier, cookieToken string) *Session {
	return &Session{id: id, hub: hub, verifier: verifier, cookieToken: cookieToken, state: StateConnected}
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) Subject() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.subject
}

// Handle processes one client message. Unknown or out-of-state messages are
// ignored.
func (s *Session) Handle(raw string) {
	var msg inbound
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		logger.Debugf("realtime: %s sent malformed message", s.id)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case StateConnected:
		if msg.Type == MsgAuthenticate {
			s.authenticate(msg.Token)
		}
	case StateAuthenticated:
		switch msg.Type {
		case MsgSubscribe:
			s.subscribe(msg.EventID, true)
		case MsgUnsubscribe:
			s.subscribe(msg.EventID, false)
		}
	}
}

func (s *Session) authenticate(token string) {
	token = strings.TrimSpace(token)
	if token == "" {
		token = s.cookieToken
	}
	claims, err := s.verifier.VerifyAccess(token)
	if err != nil {
		if errors.Is(err, tokens.ErrInvalid) && token != "" {
			logger.Security("realtime_invalid_token", map[string]string{"connection": s.id})
		}
		s.reply(authenticatedReply{Type: MsgAuthenticated, Success: false})
		return
	}

	subject, role := claims.SubjectID(), models.RoleOrDefault(string(claims.Role))
	groups := []string{UserGroup(subject), GroupAuthenticated}
	if g := RoleGroup(role); g != "" {
		groups = append(groups, g)
	}
	for _, g := range groups {
		if err := s.hub.Join(s.id, g); err != nil {
			logger.Warnf("realtime: join %s for %s: %v", g, s.id, err)
			return
		}
	}
	s.state = StateAuthenticated
	s.subject = subject
	s.role = role
	logger.Debugf("realtime: %s authenticated as %s (%s)", s.id, subject, role)
	s.reply(authenticatedReply{Type: MsgAuthenticated, Success: true, UserID: subject, Role: role})
}

// subscribe is the only client-driven membership change, and it is limited
// to event groups.
func (s *Session) subscribe(eventID string, join bool) {
	eventID = strings.TrimSpace(eventID)
	if eventID == "" {
		return
	}
	group := EventGroup(eventID)
	if join {
		if err := s.hub.Join(s.id, group); err != nil {
			return
		}
		_ = s.hub.SendTo(s.id, Envelope{Type: MsgSubscribed, Data: map[string]string{"eventId": eventID}})
		return
	}
	if err := s.hub.Leave(s.id, group); err != nil {
		return
	}
	_ = s.hub.SendTo(s.id, Envelope{Type: MsgUnsubscribed, Data: map[string]string{"eventId": eventID}})
}

func (s *Session) reply(v authenticatedReply) {
	_ = s.hub.SendTo(s.id, v)
}

// Close moves the session to StateClosed and drops all memberships.
func (s *Session) Close() {
	s.mu.Lock()
	s.state = StateClosed
	s.mu.Unlock()
	s.hub.Remove(s.id)
}
