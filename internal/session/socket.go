package session

import "time"

// Socket is the minimal browser-facing frame transport a Handler needs.
// *github.com/gorilla/websocket.Conn satisfies this directly; the
// interface exists only so internal/session can be built and tested
// without depending on the HTTP-upgrade concerns that live in
// internal/wsserver, the package that actually constructs connections from
// gorilla/websocket.
type Socket interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}
