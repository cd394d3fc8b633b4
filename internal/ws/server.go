package ws

import (
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"
)

type tokenVerifier interface {
	VerifyToken(token string) (string, error)
}

// Server upgrades authenticated HTTP requests to websocket connections and
// runs each connection until the client leaves or the server shuts down.
type Server struct {
	auth     tokenVerifier
	hub      *Hub
	log      *slog.Logger
	upgrader *websocket.Upgrader
}

func NewServer(auth tokenVerifier, hub *Hub, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		auth: auth,
		hub:  hub,
		log:  log,
		upgrader: &websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // Allow all origins for now
			},
		},
	}
}

// HandleConnections authenticates the request before upgrading. The token
// comes from the header, or the cookie for browser clients.
func (s *Server) HandleConnections(w http.ResponseWriter, r *http.Request) {
	token := r.Header.Get("token")
	if token == "" {
		if c, err := r.Cookie("token"); err == nil {
			token = c.Value
		}
	}

	userID, err := s.auth.VerifyToken(token)
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error("failed to upgrade to websocket", "error", err)
		return
	}

	conn := NewConnection(s.hub, ws, userID)
	if err := conn.Handle(r.Context()); err != nil &&
		!websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		s.log.Debug("connection closed", "user_id", userID, "error", err)
	}
}
