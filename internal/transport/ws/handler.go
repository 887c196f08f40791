package ws

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"go-chat-core/internal/session"

	"github.com/gorilla/websocket"
)

// Sessions runs a connection to completion.
type Sessions interface {
	Serve(ctx context.Context, t session.Transport) error
}

type Handler struct {
	log      *slog.Logger
	sessions Sessions
	upgrader websocket.Upgrader
}

func NewHandler(log *slog.Logger, sessions Sessions) *Handler {
	return &Handler{
		log:      log,
		sessions: sessions,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Clients are authenticated by credential, not by origin.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug("websocket upgrade failed", "remote", r.RemoteAddr, "err", err)
		return
	}
	// Serve logs its own outcome.
	_ = h.sessions.Serve(r.Context(), NewTransport(conn, Credential(r)))
}

// Credential reads a bearer token from the Authorization header, falling back
// to the token query parameter browsers can set on a WebSocket URL.
func Credential(r *http.Request) string {
	if header := r.Header.Get("Authorization"); header != "" {
		if scheme, token, ok := strings.Cut(header, " "); ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
	}
	return r.URL.Query().Get("token")
}
