package ws

import (
	"log/slog"
	"net/http"

	"palaver/internal/models"

	"github.com/gorilla/websocket"
)

// Authenticator resolves a session token into an already-verified identity.
type Authenticator interface {
	Authenticate(token string) (models.Identity, error)
}

type Server struct {
	auth     Authenticator
	hub      *Hub
	logger   *slog.Logger
	upgrader *websocket.Upgrader
}

func NewServer(auth Authenticator, hub *Hub, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		auth:   auth,
		hub:    hub,
		logger: logger,
		upgrader: &websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // Allow all origins for now
			},
		},
	}
}

// HandleConnections authenticates the handshake, upgrades it, and runs the
// connection lifecycle until the transport goes away. Unauthenticated
// requests are rejected before the upgrade.
func (s *Server) HandleConnections(w http.ResponseWriter, r *http.Request) {
	token := r.Header.Get("token")
	if token == "" {
		if cookie, err := r.Cookie("token"); err == nil {
			token = cookie.Value
		}
	}

	identity, err := s.auth.Authenticate(token)
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	sock, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	conn := NewConnection(s.hub, sock, identity, s.logger)
	if err := conn.Run(r.Context()); err != nil {
		s.logger.Warn("connection closed with error", "user_id", identity.UserID, "error", err)
	}
}
