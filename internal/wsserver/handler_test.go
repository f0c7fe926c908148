package wsserver

import (
	"net"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rjsadow/guacbroker/internal/guacg"
	"github.com/rjsadow/guacbroker/internal/protocol"
	"github.com/rjsadow/guacbroker/internal/session"
)

// startFakeGuacd is a minimal stand-in guacd for exercising the full
// upgrade -> handshake -> fan-out path through the real WebSocket wire,
// adapted from internal/session's fakeGuacd test helper.
func startFakeGuacd(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to start fake guacd: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		buf := make([]byte, 4096)
		n, err := conn.Read(buf)
		if err != nil || !strings.Contains(string(buf[:n]), "select") {
			return
		}
		conn.Write(protocol.Encode("args", "hostname", "port"))

		var data string
		for !strings.Contains(data, "connect") {
			n, err = conn.Read(buf)
			if err != nil {
				return
			}
			data += string(buf[:n])
		}
		conn.Write(protocol.Encode("ready", "conn-1"))
	}()

	return ln.Addr().String()
}

func TestServeHTTPUpgradesAndConnects(t *testing.T) {
	guacdAddr := startFakeGuacd(t)

	dir := session.NewDirectory()
	parking := session.NewParkingLot()
	t.Cleanup(parking.Close)

	h := NewHandler(guacdAddr, dir, parking)
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	connectInstr := guacg.New(guacg.OpConnect, map[string]any{"hostname": "h"}).Encode()
	if err := conn.WriteMessage(websocket.TextMessage, connectInstr); err != nil {
		t.Fatalf("write connect: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	if !strings.Contains(string(msg), "sessionstarted") {
		t.Fatalf("expected sessionstarted, got %q", msg)
	}
}
