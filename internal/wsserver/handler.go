// Package wsserver is the HTTP/WebSocket front door: it upgrades incoming
// connections on the configured endpoint and hands each one to a fresh
// session.Handler for the lifetime of the socket. Role resolution (master,
// guest, resume) happens inside the session package, driven by the first
// connect instruction; this package only moves frames.
package wsserver

import (
	"errors"
	"log/slog"
	"net"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/rjsadow/guacbroker/internal/session"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	Subprotocols: []string{"guacamole"},
}

// Handler upgrades HTTP requests on a configured endpoint to WebSocket
// connections and drives one session.Handler per socket.
type Handler struct {
	guacdAddr string
	directory *session.Directory
	parking   *session.ParkingLot
}

// NewHandler builds a wsserver Handler. guacdAddr is the guacd TCP endpoint
// (host:port) dialed for every new master connection; directory and
// parking are shared process-wide across every session.Handler it creates.
func NewHandler(guacdAddr string, directory *session.Directory, parking *session.ParkingLot) *Handler {
	return &Handler{
		guacdAddr: guacdAddr,
		directory: directory,
		parking:   parking,
	}
}

// ServeHTTP upgrades the request and blocks for the connection's lifetime,
// pumping frames into a session.Handler until the socket closes.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "remoteAddr", r.RemoteAddr, "error", err)
		return
	}

	sh := session.NewHandler(conn, h.guacdAddr, h.directory, h.parking)
	sh.OnOpen()
	slog.Info("websocket connected", "sessionId", sh.SessionID(), "remoteAddr", r.RemoteAddr)

	h.pump(conn, sh)

	sh.OnClose()
	conn.Close()
	slog.Info("websocket disconnected", "sessionId", sh.SessionID(), "role", sh.Role(), "masterSessionId", sh.MasterSessionID())
}

// pump reads frames off conn until it errors or closes, dispatching each to
// sh.OnMessage. It returns once the read loop ends; closing the underlying
// connection, if not already closed, is the caller's responsibility.
func (h *Handler) pump(conn *websocket.Conn, sh *session.Handler) {
	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) && !errors.Is(err, net.ErrClosed) {
				slog.Debug("websocket read ended", "sessionId", sh.SessionID(), "error", err)
			}
			return
		}
		if len(frame) == 0 {
			continue
		}
		sh.OnMessage(frame)
	}
}
