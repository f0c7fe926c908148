package session

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rjsadow/guacbroker/internal/guacd"
	"github.com/rjsadow/guacbroker/internal/protocol"
)

// ErrAlreadyParked is returned by Park when sessionId is already present;
// an existing entry is never overwritten.
var ErrAlreadyParked = errors.New("session: already parked")

// ErrNotParked is returned by Unpark/Evict when sessionId has no entry.
var ErrNotParked = errors.New("session: not parked")

// parkingIdleTimeout is how long a parked session may sit with no resume
// before the lot evicts it: long enough to survive a reconnect after a
// dropped WebSocket, short enough that an abandoned session does not hold
// an RDP connection open indefinitely.
const parkingIdleTimeout = 5 * time.Minute

// parkedEntry owns a GuacdClient and the keepalive task draining it while
// no browser is attached.
type parkedEntry struct {
	client    *guacd.Client
	parkedAt  time.Time
	stop      chan struct{}
	stoppedWG sync.WaitGroup
	dead      atomic.Bool
}

// ParkingLot holds guacd connections whose owning Handler detached (on
// pause) but whose upstream must stay alive. A connection is parked here
// exclusive of being owned by any live Handler.
type ParkingLot struct {
	mu      sync.Mutex
	entries map[ID]*parkedEntry

	idleTimeout time.Duration
	evictTicker *time.Ticker
	closeOnce   sync.Once
	done        chan struct{}
}

// NewParkingLot starts an empty ParkingLot and its background eviction
// sweep.
func NewParkingLot() *ParkingLot {
	p := &ParkingLot{
		entries:     make(map[ID]*parkedEntry),
		idleTimeout: parkingIdleTimeout,
		evictTicker: time.NewTicker(time.Minute),
		done:        make(chan struct{}),
	}
	go p.evictLoop()
	return p
}

// Park inserts client under sessionId and starts its keepalive task. It is
// rejected if sessionId is already parked.
func (p *ParkingLot) Park(sessionID ID, client *guacd.Client) error {
	p.mu.Lock()
	if _, exists := p.entries[sessionID]; exists {
		p.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadyParked, sessionID)
	}

	entry := &parkedEntry{
		client:   client,
		parkedAt: time.Now(),
		stop:     make(chan struct{}),
	}
	p.entries[sessionID] = entry
	p.mu.Unlock()

	// The client's reader deadline was left in the past by the handler's
	// Interrupt() call when it stopped its own reader; clear it before the
	// keepalive task starts reading, or every read would fail immediately.
	client.ClearDeadline()

	entry.stoppedWG.Add(1)
	go p.keepalive(sessionID, entry)

	slog.Info("session parked", "sessionId", sessionID)
	return nil
}

// Unpark removes and returns the client for sessionId, stopping its
// keepalive task before returning so the caller's new reader never races
// it.
func (p *ParkingLot) Unpark(sessionID ID) (*guacd.Client, error) {
	p.mu.Lock()
	entry, ok := p.entries[sessionID]
	if ok {
		delete(p.entries, sessionID)
	}
	p.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotParked, sessionID)
	}

	close(entry.stop)
	entry.client.Interrupt()
	entry.stoppedWG.Wait()

	if entry.dead.Load() {
		// keepalive hit a genuine I/O failure concurrently with this Unpark
		// winning the race to remove the entry from p.entries; dropDeadEntry
		// found nothing left to remove, but the connection is still dead.
		entry.client.Close()
		return nil, fmt.Errorf("%w: %s (keepalive connection failed)", ErrNotParked, sessionID)
	}

	entry.client.ClearDeadline()

	slog.Info("session resumed from parking", "sessionId", sessionID)
	return entry.client, nil
}

// Evict removes the entry for sessionId, stops its keepalive task, and
// closes the underlying client.
func (p *ParkingLot) Evict(sessionID ID) error {
	client, err := p.Unpark(sessionID)
	if err != nil {
		return err
	}
	client.Close()
	slog.Info("parked session evicted", "sessionId", sessionID)
	return nil
}

// Len reports the number of currently parked sessions.
func (p *ParkingLot) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// Close stops the eviction sweep and evicts every remaining parked
// session, for process shutdown.
func (p *ParkingLot) Close() {
	p.closeOnce.Do(func() {
		close(p.done)
		p.evictTicker.Stop()
	})

	p.mu.Lock()
	ids := make([]ID, 0, len(p.entries))
	for id := range p.entries {
		ids = append(ids, id)
	}
	p.mu.Unlock()

	for _, id := range ids {
		p.Evict(id)
	}
}

// keepalive parses instructions from the parked upstream and answers
// "sync" with the same timestamp argument so guacd does not terminate the
// connection for lack of a peer. All other instructions are discarded;
// there is no browser to show them.
func (p *ParkingLot) keepalive(sessionID ID, entry *parkedEntry) {
	defer entry.stoppedWG.Done()

	var carry []byte
	for {
		select {
		case <-entry.stop:
			return
		default:
		}

		data, err := entry.client.ReadSome()
		if err != nil {
			if guacd.IsTimeout(err) {
				select {
				case <-entry.stop:
					return
				default:
					continue
				}
			}
			slog.Warn("parked session keepalive read failed", "sessionId", sessionID, "error", err)
			entry.dead.Store(true)
			p.dropDeadEntry(sessionID, entry)
			return
		}

		if len(carry) > 0 {
			data = append(carry, data...)
			carry = nil
		}
		for len(data) > 0 {
			instr, n, err := protocol.ParseOne(data)
			if err != nil {
				// Incomplete trailing bytes: stop parsing this read and pick
				// up the remainder on the next ReadSome, per ParseOne's
				// streaming-caller contract. Malformed bytes are discarded.
				if errors.Is(err, protocol.ErrIncomplete) {
					carry = append([]byte(nil), data...)
				}
				break
			}
			data = data[n:]

			if instr.Opcode == "sync" && len(instr.Args) > 0 {
				reply := protocol.Encode("sync", instr.Args[0])
				if err := entry.client.Write(reply); err != nil {
					slog.Warn("parked session keepalive write failed", "sessionId", sessionID, "error", err)
					entry.dead.Store(true)
					p.dropDeadEntry(sessionID, entry)
					return
				}
			}
		}
	}
}

// dropDeadEntry removes entry from the lot and closes its client after a
// genuine keepalive I/O failure, so a subsequent resume gets a clean
// ErrNotParked instead of a *guacd.Client whose connection is already dead.
// Called from within keepalive itself, so it must not go through
// Unpark/Evict: both wait on entry.stoppedWG, which only completes when
// keepalive returns. entry.dead is set by the caller before this runs, so
// that an Unpark racing to remove the same entry first (and therefore
// finding nothing left here to delete) still learns the connection died.
func (p *ParkingLot) dropDeadEntry(sessionID ID, entry *parkedEntry) {
	p.mu.Lock()
	current, ok := p.entries[sessionID]
	if ok && current == entry {
		delete(p.entries, sessionID)
	}
	p.mu.Unlock()

	if ok && current == entry {
		entry.client.Close()
	}
}

// evictLoop sweeps parked entries older than idleTimeout.
func (p *ParkingLot) evictLoop() {
	for {
		select {
		case <-p.done:
			return
		case <-p.evictTicker.C:
			p.sweep()
		}
	}
}

func (p *ParkingLot) sweep() {
	cutoff := time.Now().Add(-p.idleTimeout)

	p.mu.Lock()
	var stale []ID
	for id, entry := range p.entries {
		if entry.parkedAt.Before(cutoff) {
			stale = append(stale, id)
		}
	}
	p.mu.Unlock()

	for _, id := range stale {
		slog.Info("evicting idle parked session", "sessionId", id)
		p.Evict(id)
	}
}
