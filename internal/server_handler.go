package internal

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// ServeWS upgrades the request and registers the socket. The identity comes
// from the email and image query parameters and is trusted as presented.
func (s *Server) ServeWS(writer http.ResponseWriter, request *http.Request) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	identity := Identity{
		Email:     strings.TrimSpace(request.URL.Query().Get("email")),
		AvatarURL: strings.TrimSpace(request.URL.Query().Get("image")),
	}
	websocketConn, err := upgrader.Upgrade(writer, request, nil)
	if err != nil {
		slog.Error("upgrade error", "error", err)
		return
	}

	client := newClient(uuid.NewString(), identity, websocketConn)
	// the writer must be draining before registration queues the first count
	go client.writePump()
	if err := s.registry.Register(client); err != nil {
		slog.Error("register failed", "connId", client.id, "error", err)
		_ = client.Close()
		return
	}
	go client.readPump(s)
}
