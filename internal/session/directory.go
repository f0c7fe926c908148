package session

import "sync"

// Directory is the process-wide session lookup: a mapping from session ID
// to the live master Handler, populated on successful master connect or
// resume and removed on handler close or pause. Guests
// resolve their master through this directory; paused sessions are not
// registered here — their authoritative lookup moves to the ParkingLot for
// the duration of the pause.
type Directory struct {
	mu       sync.RWMutex
	handlers map[ID]*Handler
}

// NewDirectory returns an empty Directory.
func NewDirectory() *Directory {
	return &Directory{handlers: make(map[ID]*Handler)}
}

// Register adds or replaces the master Handler for id.
func (d *Directory) Register(id ID, h *Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[id] = h
}

// Unregister removes the entry for id, if present.
func (d *Directory) Unregister(id ID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.handlers, id)
}

// Lookup returns the master Handler for id, if any.
func (d *Directory) Lookup(id ID) (*Handler, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	h, ok := d.handlers[id]
	return h, ok
}

// Len reports the number of registered live masters, for diagnostics and
// tests.
func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.handlers)
}
