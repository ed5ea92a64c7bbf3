package realtime

import (
	"net/http"

	"gopkg.in/igm/sockjs-go.v2/sockjs"

	"github.com/eventide/eventide/backend/go-services/internal/tokens"
	"github.com/eventide/eventide/backend/go-services/pkg/logger"
	"github.com/eventide/eventide/backend/go-services/pkg/metrics"
)

// Authority accepts SockJS connections and runs one Session per connection.
type Authority struct {
	hub      *Hub
	verifier AccessVerifier
}

func NewAuthority(hub *Hub, verifier AccessVerifier) *Authority {
	return &Authority{hub: hub, verifier: verifier}
}

// Handler returns the SockJS endpoint mounted at prefix.
func (a *Authority) Handler(prefix string) http.Handler {
	return sockjs.NewHandler(prefix, sockjs.DefaultOptions, a.serve)
}

// requester is implemented by sessions that expose the handshake request.
type requester interface {
	Request() *http.Request
}

func (a *Authority) serve(conn sockjs.Session) {
	cookieToken := ""
	if r, ok := conn.(requester); ok && r.Request() != nil {
		cookieToken = tokens.AccessFromRequest(r.Request())
	}
	a.Serve(conn.ID(), conn.Send, conn.Recv, cookieToken)
}

// Serve runs a connection's read loop until recv fails. It is transport
// independent so the state machine can be driven without SockJS.
func (a *Authority) Serve(id string, send func(string) error, recv func() (string, error), cookieToken string) {
	a.hub.Register(id, send)
	metrics.RealtimeConnections.Inc()
	logger.Debugf("realtime: %s connected", id)

	s := NewSession(id, a.hub, a.verifier, cookieToken)
	defer func() {
		s.Close()
		metrics.RealtimeConnections.Dec()
		logger.Debugf("realtime: %s closed", id)
	}()
	for {
		msg, err := recv()
		if err != nil {
			return
		}
		s.Handle(msg)
	}
}
