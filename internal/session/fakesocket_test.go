package session

import (
	"errors"
	"io"
	"sync"
	"time"
)

// fakeSocket is a minimal in-memory Socket used to drive Handler tests
// without a real WebSocket transport — internal/session depends only on
// the Socket interface it defines, so a channel-backed fake is a more
// direct fit here than spinning up gorilla/websocket for every case (the
// transport itself is exercised separately in internal/wsserver).
type fakeSocket struct {
	mu     sync.Mutex
	outbox [][]byte
	inbox  chan []byte
	closed chan struct{}
	once   sync.Once
}

func newFakeSocket() *fakeSocket {
	return &fakeSocket{
		inbox:  make(chan []byte, 64),
		closed: make(chan struct{}),
	}
}

func (f *fakeSocket) ReadMessage() (int, []byte, error) {
	select {
	case data, ok := <-f.inbox:
		if !ok {
			return 0, nil, io.EOF
		}
		return textMessageType, data, nil
	case <-f.closed:
		return 0, nil, io.EOF
	}
}

func (f *fakeSocket) WriteMessage(_ int, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	select {
	case <-f.closed:
		return errors.New("fakeSocket: write on closed socket")
	default:
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	f.outbox = append(f.outbox, cp)
	return nil
}

func (f *fakeSocket) SetWriteDeadline(time.Time) error { return nil }

func (f *fakeSocket) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeSocket) sent() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.outbox))
	copy(out, f.outbox)
	return out
}

func (f *fakeSocket) isClosed() bool {
	select {
	case <-f.closed:
		return true
	default:
		return false
	}
}
