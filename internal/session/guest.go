package session

import "sync"

// guestBufSize is the per-guest fan-out buffer capacity: a slow guest gets
// its own channel so the master's reader never blocks on it.
const guestBufSize = 32

// guestConn is a master's view of one attached guest: a buffered outbound
// channel drained by a dedicated writer goroutine, so the reader pump's
// fan-out is always a non-blocking send.
type guestConn struct {
	handler *Handler
	ch      chan []byte
	done    chan struct{}
	wg      sync.WaitGroup
	closeOnce sync.Once
}

func newGuestConn(h *Handler) *guestConn {
	g := &guestConn{
		handler: h,
		ch:      make(chan []byte, guestBufSize),
		done:    make(chan struct{}),
	}
	g.wg.Add(1)
	go g.run()
	return g
}

// run drains ch and writes each message to the guest's socket, stopping on
// the first write error or on close.
func (g *guestConn) run() {
	defer g.wg.Done()
	for {
		select {
		case <-g.done:
			return
		case data := <-g.ch:
			if err := g.handler.writeSocket(data); err != nil {
				return
			}
		}
	}
}

// send attempts a non-blocking delivery. It reports false if the guest's
// buffer is full or it has already been closed, signaling the caller to
// detach this guest rather than stall the fan-out.
func (g *guestConn) send(data []byte) bool {
	select {
	case <-g.done:
		return false
	default:
	}
	select {
	case g.ch <- data:
		return true
	default:
		return false
	}
}

// close stops the writer goroutine. Safe to call more than once.
func (g *guestConn) close() {
	g.closeOnce.Do(func() {
		close(g.done)
	})
	g.wg.Wait()
}
