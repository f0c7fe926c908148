package session

import (
	"encoding/json"
	"errors"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rjsadow/guacbroker/internal/guacd"
	"github.com/rjsadow/guacbroker/internal/guacg"
	"github.com/rjsadow/guacbroker/internal/protocol"
)

// ID is a process-unique session identifier, minted as a UUID on connect.
type ID string

// ErrAlreadyActive is logged (and surfaced as a notify) when
// a connect arrives on a handler that already resolved a role. A duplicate
// connect is rejected rather than silently ignored; it most often means a
// client-side double submit.
var ErrAlreadyActive = errors.New("session: handler already active")

// ErrSessionNotFound is surfaced to the browser as notify{error,
// sessionNotFound} for a guest/resume connect against an unknown id.
var ErrSessionNotFound = errors.New("session: not found")

// ErrInvalidConnect marks a connect whose guest/resume flags are
// contradictory or whose required sessionId is missing.
var ErrInvalidConnect = errors.New("session: invalid connect arguments")

// Handler is the per-connection session state machine, bound to one
// browser WebSocket's lifetime. A master Handler owns the guacd connection
// and fans its output out to itself and every attached guest; a guest
// Handler relays only through its master.
type Handler struct {
	mu sync.Mutex // serializes state, role, and guest-list mutations

	socket    Socket
	guacdAddr string
	dialTimeout time.Duration

	sessionID ID
	role      Role
	state     State

	controlling bool
	paused      bool

	// Master-only fields.
	upstream       *guacd.Client
	guests         map[ID]*guestConn
	guestOrder     []ID
	pendingControl map[ID]struct{}
	stopRequested  bool
	readerWG       sync.WaitGroup

	// Guest-only fields.
	master          *Handler
	masterSessionID ID

	directory *Directory
	parking   *ParkingLot

	writeMu sync.Mutex
	closeOnce sync.Once
}

// NewHandler constructs an unbound Handler for a freshly accepted socket.
func NewHandler(socket Socket, guacdAddr string, directory *Directory, parking *ParkingLot) *Handler {
	return &Handler{
		socket:      socket,
		guacdAddr:   guacdAddr,
		dialTimeout: 10 * time.Second,
		sessionID:   ID(uuid.NewString()),
		state:       StateUnbound,
		directory:   directory,
		parking:     parking,
	}
}

// OnOpen is called once the socket is accepted. The handler does nothing
// until the browser's first connect instruction arrives.
func (h *Handler) OnOpen() {
	slog.Debug("handler opened", "sessionId", h.sessionID)
}

// SessionID returns this handler's own session identity.
func (h *Handler) SessionID() ID { return h.sessionID }

// Role reports the handler's current role.
func (h *Handler) Role() Role {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.role
}

// MasterSessionID returns the session id this handler attached to as a
// guest. Empty for a master or unbound handler.
func (h *Handler) MasterSessionID() ID {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.masterSessionID
}

// State reports the handler's current lifecycle state.
func (h *Handler) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// OnMessage classifies one raw frame from the browser: a guacg connect, a
// guacg control instruction, or a passthrough Guacamole instruction bound
// for guacd.
func (h *Handler) OnMessage(frame []byte) {
	if guacg.IsGuacg(frame) {
		instr, err := guacg.Parse(frame)
		if err != nil {
			h.notifyError("malformedInstruction")
			return
		}

		if instr.Opcode == guacg.OpConnect {
			h.handleConnect(instr.JSONArgs)
			return
		}

		h.mu.Lock()
		paused := h.paused
		h.mu.Unlock()
		if paused {
			return
		}

		if !guacg.Allowed(instr.Opcode) {
			return
		}

		switch instr.Opcode {
		case guacg.OpPause:
			h.handlePause()
		case guacg.OpControl:
			h.handleControl()
		case guacg.OpApprove:
			h.handleApprove(instr.JSONArgs)
		case guacg.OpReject:
			h.handleReject(instr.JSONArgs)
		case guacg.OpRemove:
			h.handleRemove(instr.JSONArgs)
		}
		return
	}

	h.mu.Lock()
	paused := h.paused
	h.mu.Unlock()
	if paused {
		return
	}

	h.forwardUpstream(frame)
}

// OnClose tears the handler down once its browser socket is gone. A paused
// master's upstream survives in the ParkingLot; everything else closes.
func (h *Handler) OnClose() {
	h.closeOnce.Do(func() {
		h.mu.Lock()
		role := h.role
		master := h.master
		sid := h.sessionID
		paused := h.paused
		state := h.state
		h.mu.Unlock()

		if role == RoleGuest && master != nil {
			master.detachGuest(sid, false, "")
		}

		if role == RoleMaster {
			h.stopReader()
			if !paused {
				if h.upstream != nil {
					h.upstream.Close()
				}
				h.directory.Unregister(sid)
				if state != StateClosed {
					// onUpstreamError already notified guests (and closed
					// this socket, which is what triggered this OnClose) if
					// state is already StateClosed; avoid a duplicate
					// sessionended notification.
					h.notifyGuests(guacg.NotifySessionEnded, nil)
				}
				h.detachAllGuests("session ended")
			} else {
				// The guacd connection lives on in the ParkingLot, but this
				// Handler instance is done: a later resume creates a
				// brand-new Handler with an empty guest list, so these
				// guests have no reader left to ever reattach to. Detach
				// them now instead of leaking their writer goroutines and
				// leaving them attached to a dead master.
				h.detachAllGuests("master paused and disconnected")
			}
		}

		if state != StateClosed {
			h.mu.Lock()
			h.transitionState(StateClosed, "onClose")
			h.mu.Unlock()
		}

		slog.Debug("handler closed", "sessionId", sid, "role", role)
	})
}

// detachAllGuests detaches every guest currently attached to this master,
// reporting reason to each.
func (h *Handler) detachAllGuests(reason string) {
	h.mu.Lock()
	guestIDs := make([]ID, len(h.guestOrder))
	copy(guestIDs, h.guestOrder)
	h.mu.Unlock()

	for _, id := range guestIDs {
		h.detachGuest(id, true, reason)
	}
}

// --- connect dispatch -------------------------------------------------

func (h *Handler) handleConnect(args map[string]any) {
	h.mu.Lock()
	alreadyActive := h.state != StateUnbound
	h.mu.Unlock()
	if alreadyActive {
		slog.Warn("duplicate connect on active handler", "sessionId", h.sessionID, "error", ErrAlreadyActive)
		h.notifyError("alreadyActive")
		return
	}

	guest, _ := args["guest"].(bool)
	resume, _ := args["resume"].(bool)
	sessionIDStr, _ := args["sessionId"].(string)

	switch {
	case !guest && !resume:
		h.connectAsMaster(args)
	case guest && !resume && sessionIDStr != "":
		h.connectAsGuest(ID(sessionIDStr))
	case resume && !guest && sessionIDStr != "":
		h.connectAsResumedMaster(ID(sessionIDStr), args)
	default:
		slog.Warn("rejecting connect with contradictory flags", "sessionId", h.sessionID, "error", ErrInvalidConnect)
		h.notifyError("invalidConnect")
	}
}

func (h *Handler) connectAsMaster(args map[string]any) {
	params := connectParamsFromArgs(args)

	client, err := guacd.Dial(h.guacdAddr, params, h.dialTimeout)
	if err != nil {
		slog.Error("guacd handshake failed", "sessionId", h.sessionID, "error", err)
		h.sendFatal("Handshake failed: "+err.Error(), protocol.StatusServerError)
		h.Close()
		return
	}

	h.mu.Lock()
	h.upstream = client
	h.role = RoleMaster
	h.guests = make(map[ID]*guestConn)
	h.pendingControl = make(map[ID]struct{})
	h.controlling = true
	h.transitionState(StateActiveMaster, "connect")
	h.mu.Unlock()

	h.directory.Register(h.sessionID, h)
	h.startReader()
	h.sendNotify(guacg.NotifySessionStarted, map[string]any{"sessionId": string(h.sessionID)})
}

func (h *Handler) connectAsGuest(masterID ID) {
	master, ok := h.directory.Lookup(masterID)
	if !ok {
		slog.Warn("guest connect against unknown session", "sessionId", h.sessionID, "masterSessionId", masterID, "error", ErrSessionNotFound)
		h.notifyError("sessionNotFound")
		h.Close()
		return
	}

	h.mu.Lock()
	h.role = RoleGuest
	h.master = master
	h.masterSessionID = masterID
	h.controlling = false
	h.transitionState(StateActiveGuest, "connect as guest")
	h.mu.Unlock()

	master.attachGuest(h)
	h.sendNotify(guacg.NotifySessionStarted, map[string]any{"sessionId": string(masterID)})
}

func (h *Handler) connectAsResumedMaster(sessionID ID, args map[string]any) {
	client, err := h.parking.Unpark(sessionID)
	if err != nil {
		slog.Warn("resume against unknown parked session", "sessionId", sessionID, "error", ErrSessionNotFound)
		h.notifyError("sessionNotFound")
		h.Close()
		return
	}

	h.mu.Lock()
	h.sessionID = sessionID
	h.upstream = client
	h.role = RoleMaster
	h.paused = false
	h.guests = make(map[ID]*guestConn)
	h.pendingControl = make(map[ID]struct{})
	h.controlling = true
	h.transitionState(StateActiveMaster, "resume")
	h.mu.Unlock()

	if width := argString(args["width"]); width != "" {
		height := argString(args["height"])
		sizeInstr := protocol.Encode("size", "0", width, height)
		h.writeSocket(sizeInstr)
		h.upstream.Write(sizeInstr)
	}

	h.directory.Register(h.sessionID, h)
	h.startReader()
	h.sendNotify(guacg.NotifySessionStarted, map[string]any{"sessionId": string(h.sessionID)})
}

// connectKnownArgs are the connect-argument keys consumed by a named
// ConnectParams field (transport or session-level). Anything else present
// in args is passed through via ConnectParams.Extra instead of being
// dropped.
var connectKnownArgs = map[string]struct{}{
	"protocol": {}, "hostname": {}, "port": {}, "username": {}, "password": {},
	"domain": {}, "security": {}, "remote_app": {}, "width": {}, "height": {},
	"dpi": {}, "audio": {}, "video": {}, "image": {},
	"guest": {}, "sessionId": {}, "resume": {},
}

func connectParamsFromArgs(args map[string]any) guacd.ConnectParams {
	p := guacd.DefaultParams()
	if v, ok := args["protocol"].(string); ok && v != "" {
		p.Protocol = v
	}
	if v, ok := args["hostname"].(string); ok {
		p.Hostname = v
	}
	if v := argString(args["port"]); v != "" {
		p.Port = v
	}
	if v, ok := args["username"].(string); ok {
		p.Username = v
	}
	if v, ok := args["password"].(string); ok {
		p.Password = v
	}
	if v, ok := args["domain"].(string); ok {
		p.Domain = v
	}
	if v, ok := args["security"].(string); ok {
		p.Security = v
	}
	if v, ok := args["remote_app"].(string); ok {
		p.RemoteApp = v
	}
	if v := argString(args["width"]); v != "" {
		p.Width = v
	}
	if v := argString(args["height"]); v != "" {
		p.Height = v
	}
	if v := argString(args["dpi"]); v != "" {
		p.DPI = v
	}
	p.Audio = stringSlice(args["audio"])
	p.Video = stringSlice(args["video"])
	p.Image = stringSlice(args["image"])

	for k, v := range args {
		if _, known := connectKnownArgs[k]; known {
			continue
		}
		if s, ok := v.(string); ok {
			if p.Extra == nil {
				p.Extra = make(map[string]string)
			}
			p.Extra[k] = s
		}
	}
	return p
}

// argString renders a connect-argument value that may legitimately arrive
// as either a JSON string or a JSON number (port, width, height, dpi).
// encoding/json decodes unquoted numbers in a map[string]any to float64,
// so a string-only type assertion would silently drop them.
func argString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case json.Number:
		return t.String()
	default:
		return ""
	}
}

func stringSlice(v any) []string {
	raw, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, e := range raw {
		if s, ok := e.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// --- guest attach/detach ------------------------------------------------

// attachGuest registers guest in this master's guest list, in attachment
// order. Called by the guest Handler itself after it resolves its role.
func (h *Handler) attachGuest(guest *Handler) {
	gc := newGuestConn(guest)
	h.mu.Lock()
	h.guests[guest.sessionID] = gc
	h.guestOrder = append(h.guestOrder, guest.sessionID)
	h.mu.Unlock()
}

// detachGuest removes the named guest and closes its fan-out channel. If
// the guest held control, control reverts to the master. When explicit is
// true (an operator "remove", as opposed to a silent back-pressure drop)
// the guest is also notified with reason and its browser socket is closed
// outright.
func (h *Handler) detachGuest(guestID ID, explicit bool, reason string) {
	h.mu.Lock()
	gc, ok := h.guests[guestID]
	if ok {
		delete(h.guests, guestID)
		for i, id := range h.guestOrder {
			if id == guestID {
				h.guestOrder = append(h.guestOrder[:i], h.guestOrder[i+1:]...)
				break
			}
		}
		delete(h.pendingControl, guestID)
	}
	h.mu.Unlock()

	if !ok {
		return
	}

	gc.close()
	if gc.handler.isControlling() {
		gc.handler.setControlling(false)
		h.setControlling(true)
	}

	if explicit {
		gc.handler.sendNotify(guacg.NotifyMessage, map[string]any{"reason": reason})
		gc.handler.Close()
	}
}

// setControlling updates the controlling flag under this handler's own
// lock, so cross-handler mutation (master approving/removing a guest)
// never needs to hold two handlers' locks at once.
func (h *Handler) setControlling(v bool) {
	h.mu.Lock()
	h.controlling = v
	h.mu.Unlock()
}

// transitionState validates from->to, logging (rather than silently
// discarding) any transition the call sites' own guards should have
// already ruled out, then applies it. Callers must hold h.mu.
func (h *Handler) transitionState(to State, reason string) {
	if err := ValidateAndLogTransition(string(h.sessionID), h.state, to, reason); err != nil {
		slog.Error("invalid session state transition", "sessionId", h.sessionID, "error", err)
	}
	h.state = to
}

func (h *Handler) isControlling() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.controlling
}

// --- control transfer ---------------------------------------------------

func (h *Handler) handleControl() {
	h.mu.Lock()
	role := h.role
	guestID := h.sessionID
	master := h.master
	h.mu.Unlock()

	if role != RoleGuest || master == nil {
		return
	}

	master.mu.Lock()
	if master.pendingControl == nil {
		master.pendingControl = make(map[ID]struct{})
	}
	master.pendingControl[guestID] = struct{}{}
	master.mu.Unlock()
}

func (h *Handler) handleApprove(args map[string]any) {
	h.mu.Lock()
	if h.role != RoleMaster {
		h.mu.Unlock()
		return
	}
	guestIDStr, _ := args["guestId"].(string)
	guestID := ID(guestIDStr)
	gc, ok := h.guests[guestID]
	_, pending := h.pendingControl[guestID]
	if !ok || !pending {
		h.mu.Unlock()
		return
	}

	others := make([]*guestConn, 0, len(h.guests))
	for id, g := range h.guests {
		if id != guestID {
			others = append(others, g)
		}
	}
	h.controlling = false
	delete(h.pendingControl, guestID)
	h.mu.Unlock()

	for _, g := range others {
		g.handler.setControlling(false)
	}
	gc.handler.setControlling(true)
}

func (h *Handler) handleReject(args map[string]any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.role != RoleMaster {
		return
	}
	guestIDStr, _ := args["guestId"].(string)
	delete(h.pendingControl, ID(guestIDStr))
}

func (h *Handler) handleRemove(args map[string]any) {
	h.mu.Lock()
	if h.role != RoleMaster {
		h.mu.Unlock()
		return
	}
	h.mu.Unlock()

	guestIDStr, _ := args["guestId"].(string)
	h.detachGuest(ID(guestIDStr), true, "removed by master")
}

// --- pause --------------------------------------------------------------

func (h *Handler) handlePause() {
	h.mu.Lock()
	if h.role != RoleMaster || h.state != StateActiveMaster {
		h.mu.Unlock()
		return
	}
	client := h.upstream
	h.mu.Unlock()

	h.stopReader()

	if err := h.parking.Park(h.sessionID, client); err != nil {
		slog.Error("failed to park session", "sessionId", h.sessionID, "error", err)
		return
	}

	h.directory.Unregister(h.sessionID)

	h.mu.Lock()
	h.paused = true
	// The client now belongs exclusively to the ParkingLot's keepalive
	// task; drop our reference so a later onClose or stopReader call
	// never touches it again.
	h.upstream = nil
	h.transitionState(StatePausedMaster, "pause")
	h.mu.Unlock()

	h.sendNotify(guacg.NotifySessionPaused, nil)
	h.notifyGuests(guacg.NotifySessionPaused, nil)
}

// --- reader pump ----------------------------------------------------------

func (h *Handler) startReader() {
	h.readerWG.Add(1)
	go h.runReader()
}

func (h *Handler) runReader() {
	defer h.readerWG.Done()

	for {
		h.mu.Lock()
		stop := h.stopRequested
		client := h.upstream
		h.mu.Unlock()
		if stop {
			return
		}

		data, err := client.ReadSome()
		if err != nil {
			h.mu.Lock()
			stop = h.stopRequested
			h.mu.Unlock()
			if stop && guacd.IsTimeout(err) {
				return
			}
			h.onUpstreamError(err)
			return
		}
		if len(data) == 0 {
			continue
		}
		h.fanOut(data)
	}
}

// stopReader interrupts the blocking read and waits for the reader
// goroutine to exit, so the caller can safely hand the connection to a
// new owner (ParkingLot keepalive, or a new reader after resume).
func (h *Handler) stopReader() {
	h.mu.Lock()
	if h.state != StateActiveMaster && h.state != StatePausedMaster {
		h.mu.Unlock()
		return
	}
	client := h.upstream
	h.stopRequested = true
	h.mu.Unlock()

	if client != nil {
		client.Interrupt()
	}
	h.readerWG.Wait()

	h.mu.Lock()
	h.stopRequested = false
	h.mu.Unlock()
}

// fanOut writes upstream-origin data to the master socket, then to every
// guest in attachment order, detaching any guest whose buffer is full or
// closed. This is the reader's sole fan-out path, so upstream instructions
// reach every socket in FIFO order.
func (h *Handler) fanOut(data []byte) {
	if err := h.writeSocket(data); err != nil {
		h.onUpstreamError(err)
		return
	}

	h.mu.Lock()
	order := make([]ID, len(h.guestOrder))
	copy(order, h.guestOrder)
	guests := make(map[ID]*guestConn, len(h.guests))
	for k, v := range h.guests {
		guests[k] = v
	}
	h.mu.Unlock()

	var toDetach []ID
	for _, id := range order {
		gc, ok := guests[id]
		if !ok {
			continue
		}
		if !gc.send(data) {
			toDetach = append(toDetach, id)
		}
	}

	for _, id := range toDetach {
		h.detachGuest(id, false, "")
	}
}

func (h *Handler) onUpstreamError(err error) {
	slog.Warn("upstream read failed, ending session", "sessionId", h.sessionID, "error", err)

	h.directory.Unregister(h.sessionID)
	h.notifyGuests(guacg.NotifySessionEnded, nil)
	h.sendFatal("Upstream connection lost: "+err.Error(), protocol.StatusUpstreamError)

	h.mu.Lock()
	h.transitionState(StateClosed, "upstream error")
	h.mu.Unlock()

	h.socket.Close()
}

// --- forwarding & low-level socket I/O ------------------------------------

// forwardUpstream writes a plain (non-guacg) instruction to the session's
// guacd connection, if this handler currently controls it.
func (h *Handler) forwardUpstream(frame []byte) {
	h.mu.Lock()
	controlling := h.controlling
	target := h
	if h.role == RoleGuest {
		target = h.master
	}
	h.mu.Unlock()

	if !controlling || target == nil {
		return
	}

	target.mu.Lock()
	client := target.upstream
	target.mu.Unlock()
	if client == nil {
		return
	}

	if err := client.Write(frame); err != nil {
		slog.Warn("upstream write failed", "sessionId", h.sessionID, "error", err)
	}
}

// writeWait bounds every browser-socket write so a peer that has stopped
// reading cannot wedge the writer (and with it detachGuest, which waits
// for the guest's writer goroutine to drain).
const writeWait = 10 * time.Second

// writeSocket sends a raw frame to this handler's own browser socket,
// serialized against concurrent notification writes.
func (h *Handler) writeSocket(data []byte) error {
	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	h.socket.SetWriteDeadline(time.Now().Add(writeWait))
	return h.socket.WriteMessage(textMessageType, data)
}

// sendNotify encodes and writes a guacg notification to this handler's own
// socket.
func (h *Handler) sendNotify(opcode string, jsonArgs map[string]any) {
	instr := guacg.New(opcode, jsonArgs)
	h.writeSocket(instr.Encode())
}

// notifyGuests sends a guacg notification to every currently attached
// guest (master-only; a no-op with no guests).
func (h *Handler) notifyGuests(opcode string, jsonArgs map[string]any) {
	h.mu.Lock()
	guests := make([]*guestConn, 0, len(h.guests))
	for _, g := range h.guests {
		guests = append(guests, g)
	}
	h.mu.Unlock()

	instr := guacg.New(opcode, jsonArgs)
	data := instr.Encode()
	for _, g := range guests {
		g.send(data)
	}
}

// notifyError sends notify{error, reason} to this handler's own socket.
func (h *Handler) notifyError(reason string) {
	h.sendNotify(guacg.NotifyMessage, map[string]any{"error": reason})
}

// sendFatal writes a Guacamole "error" instruction to the browser socket;
// callers are responsible for closing the socket afterwards.
func (h *Handler) sendFatal(message string, status protocol.Status) {
	h.writeSocket(protocol.ErrorInstruction(message, status))
}

// Close requests that the browser socket be closed. Shared by the
// internal error paths and by a master detaching a guest.
func (h *Handler) Close() {
	h.socket.Close()
}

// textMessageType mirrors gorilla/websocket.TextMessage (value 1) without
// importing the package here, keeping internal/session decoupled from the
// transport package per Socket's doc comment.
const textMessageType = 1
