package session

import (
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rjsadow/guacbroker/internal/protocol"
)

// fakeGuacd simulates guacd for handler-level tests: it performs the
// select/args/connect/ready handshake guac.Stream.Handshake drives, then
// lets the test script further sends/reads.
type fakeGuacd struct {
	listener net.Listener
	conn     net.Conn
	mu       sync.Mutex
}

func newFakeGuacd(t *testing.T) *fakeGuacd {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to start fake guacd: %v", err)
	}
	f := &fakeGuacd{listener: l}
	t.Cleanup(func() {
		f.closeConn()
		l.Close()
	})
	return f
}

func (f *fakeGuacd) addr() string {
	return f.listener.Addr().String()
}

func (f *fakeGuacd) acceptAndHandshake(t *testing.T) {
	t.Helper()
	conn, err := f.listener.Accept()
	if err != nil {
		return
	}
	f.mu.Lock()
	f.conn = conn
	f.mu.Unlock()

	buf := make([]byte, 4096)
	n, err := conn.Read(buf)
	if err != nil {
		t.Errorf("fake guacd: failed to read select: %v", err)
		return
	}
	if !strings.Contains(string(buf[:n]), "select") {
		t.Errorf("fake guacd: expected select, got: %s", buf[:n])
		return
	}

	argsInstr := protocol.Encode("args", "hostname", "port", "username", "password", "width", "height")
	if _, err := conn.Write(argsInstr); err != nil {
		t.Errorf("fake guacd: failed to send args: %v", err)
		return
	}

	var handshakeData string
	for !strings.Contains(handshakeData, "connect") {
		n, err = conn.Read(buf)
		if err != nil {
			t.Errorf("fake guacd: failed to read client instrs: %v", err)
			return
		}
		handshakeData += string(buf[:n])
	}

	readyInstr := protocol.Encode("ready", "test-conn-id")
	if _, err := conn.Write(readyInstr); err != nil {
		t.Errorf("fake guacd: failed to send ready: %v", err)
	}
}

func (f *fakeGuacd) send(t *testing.T, data []byte) {
	t.Helper()
	f.mu.Lock()
	conn := f.conn
	f.mu.Unlock()
	if conn == nil {
		t.Fatal("fake guacd: send before accept")
	}
	if _, err := conn.Write(data); err != nil {
		t.Fatalf("fake guacd: send failed: %v", err)
	}
}

func (f *fakeGuacd) readTimeout(t *testing.T, d time.Duration) (string, bool) {
	t.Helper()
	f.mu.Lock()
	conn := f.conn
	f.mu.Unlock()
	if conn == nil {
		return "", false
	}
	conn.SetReadDeadline(time.Now().Add(d))
	buf := make([]byte, 4096)
	n, err := conn.Read(buf)
	if err != nil {
		return "", false
	}
	return string(buf[:n]), true
}

func (f *fakeGuacd) closeConn() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.conn != nil {
		f.conn.Close()
	}
}
